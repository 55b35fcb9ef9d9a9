package auction

import (
	"regexp"
	"strings"

	"github.com/google/uuid"

	"bidreel/models"
)

var (
	emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	phonePattern = regexp.MustCompile(`^\+[1-9]\d{7,14}$`)
	// 歷史遺留的WhatsApp出價會把電話號碼編碼成 <digits>@wa.invalid 的
	// 假email，這裡繼續接受並還原成電話聯絡方式（相容墊片，不是長期契約）
	waPlaceholderPattern = regexp.MustCompile(`^(\d{7,15})@wa\.invalid$`)
)

// Bidder 是出價者身份的tagged variant：
// 已登入的使用者（AuthenticatedBidder）或訪客（GuestBidder）
type Bidder interface {
	isBidder()
}

// AuthenticatedBidder 代表通過身份驗證的平台使用者
type AuthenticatedBidder struct {
	UserID uuid.UUID
	Email  string
}

func (AuthenticatedBidder) isBidder() {}

// GuestBidder 代表以聯絡方式識別的訪客出價者
type GuestBidder struct {
	Contact Contact
}

func (GuestBidder) isBidder() {}

// Contact 是正規化後的聯絡方式
type Contact struct {
	Method models.ContactMethod
	Value  string
}

// Email 回傳聯絡方式對應的email，WhatsApp聯絡方式沒有email時回傳空字串
func (c Contact) Email() string {
	if c.Method == models.ContactMethodEmail {
		return c.Value
	}
	return ""
}

// ParseContact 驗證並正規化聯絡方式
// email會轉成小寫；電話號碼會移除空白和連字號後檢查E.164格式。
// 以email方法送進來但符合WhatsApp佔位編碼的值會被還原成電話聯絡方式
func ParseContact(method models.ContactMethod, value string) (Contact, error) {
	value = strings.TrimSpace(value)
	switch method {
	case models.ContactMethodEmail:
		value = strings.ToLower(value)
		if m := waPlaceholderPattern.FindStringSubmatch(value); m != nil {
			return Contact{Method: models.ContactMethodWhatsApp, Value: "+" + m[1]}, nil
		}
		if !emailPattern.MatchString(value) {
			return Contact{}, &ValidationError{Field: "contact_value", Reason: "invalid email format"}
		}
		return Contact{Method: models.ContactMethodEmail, Value: value}, nil
	case models.ContactMethodWhatsApp:
		value = strings.NewReplacer(" ", "", "-", "").Replace(value)
		if m := waPlaceholderPattern.FindStringSubmatch(strings.ToLower(value)); m != nil {
			value = "+" + m[1]
		}
		if !phonePattern.MatchString(value) {
			return Contact{}, &ValidationError{Field: "contact_value", Reason: "invalid E.164 phone format"}
		}
		return Contact{Method: models.ContactMethodWhatsApp, Value: value}, nil
	default:
		return Contact{}, &ValidationError{Field: "contact_method", Reason: "unknown contact method"}
	}
}

// ValidateBidderName 檢查出價者名稱的長度
func ValidateBidderName(name string) error {
	if len(strings.TrimSpace(name)) < 2 {
		return &ValidationError{Field: "bidder_name", Reason: "name must be at least 2 characters"}
	}
	return nil
}

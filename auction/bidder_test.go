package auction

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"bidreel/models"
)

func TestParseContact(t *testing.T) {
	tests := []struct {
		name    string
		method  models.ContactMethod
		value   string
		want    Contact
		wantErr bool
	}{
		{
			name:   "email應轉成小寫",
			method: models.ContactMethodEmail,
			value:  "  Alice@Example.COM ",
			want:   Contact{Method: models.ContactMethodEmail, Value: "alice@example.com"},
		},
		{
			name:    "不合法的email應被拒絕",
			method:  models.ContactMethodEmail,
			value:   "not-an-email",
			wantErr: true,
		},
		{
			name:   "電話號碼應移除空白與連字號",
			method: models.ContactMethodWhatsApp,
			value:  "+886 912-345-678",
			want:   Contact{Method: models.ContactMethodWhatsApp, Value: "+886912345678"},
		},
		{
			name:    "缺少國碼的電話號碼應被拒絕",
			method:  models.ContactMethodWhatsApp,
			value:   "0912345678",
			wantErr: true,
		},
		{
			name:   "WhatsApp佔位編碼應還原成電話聯絡方式",
			method: models.ContactMethodEmail,
			value:  "886912345678@wa.invalid",
			want:   Contact{Method: models.ContactMethodWhatsApp, Value: "+886912345678"},
		},
		{
			name:   "以WhatsApp方法送進來的佔位編碼也應還原",
			method: models.ContactMethodWhatsApp,
			value:  "886912345678@wa.invalid",
			want:   Contact{Method: models.ContactMethodWhatsApp, Value: "+886912345678"},
		},
		{
			name:    "未知的聯絡方式應被拒絕",
			method:  models.ContactMethod("carrier-pigeon"),
			value:   "somewhere",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseContact(tt.method, tt.value)
			if tt.wantErr {
				assert.Error(t, err)
				var validation *ValidationError
				assert.ErrorAs(t, err, &validation)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestContactEmail(t *testing.T) {
	email := Contact{Method: models.ContactMethodEmail, Value: "alice@example.com"}
	assert.Equal(t, "alice@example.com", email.Email())

	phone := Contact{Method: models.ContactMethodWhatsApp, Value: "+886912345678"}
	assert.Equal(t, "", phone.Email())
}

func TestValidateBidderName(t *testing.T) {
	assert.NoError(t, ValidateBidderName("Alice"))
	assert.Error(t, ValidateBidderName("a"))
	assert.Error(t, ValidateBidderName("  a  "))
	assert.Error(t, ValidateBidderName(""))
}

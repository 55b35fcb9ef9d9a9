package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BidStatus 代表出價在付款授權生命週期中的狀態
// pending_auth → authorized → (winning|losing) → (captured|released)；
// 授權失敗的出價會停在 failed，不影響目前的領先者
type BidStatus string

const (
	BidStatusPendingAuth BidStatus = "pending_auth"
	BidStatusAuthorized  BidStatus = "authorized"
	BidStatusLosing      BidStatus = "losing"
	BidStatusWinning     BidStatus = "winning"
	BidStatusCaptured    BidStatus = "captured"
	BidStatusReleased    BidStatus = "released"
	BidStatusFailed      BidStatus = "failed"
)

// ContactMethod 代表出價者的聯絡方式
type ContactMethod string

const (
	ContactMethodEmail    ContactMethod = "email"
	ContactMethodWhatsApp ContactMethod = "whatsapp"
)

// Bid 代表拍賣的一筆出價紀錄
// 出價者可能是平台使用者（BidderUserID）或訪客（GuestBidderID），
// 兩者擇一。AuthorizationRef 只能由付款閘道的流程寫入
type Bid struct {
	gorm.Model

	ID        uuid.UUID `gorm:"type:uuid;primaryKey;<-:create"`
	AuctionID uuid.UUID `gorm:"type:uuid;not null;index;<-:create"`

	BidderUserID  *uuid.UUID    `gorm:"type:uuid;<-:create"`
	GuestBidderID *uuid.UUID    `gorm:"type:uuid;<-:create"`
	BidderName    string        `gorm:"type:varchar(255);not null;<-:create"`
	ContactMethod ContactMethod `gorm:"type:varchar(16);not null;<-:create"`
	ContactValue  string        `gorm:"type:varchar(255);not null;<-:create"`

	Amount int64     `gorm:"type:bigint;not null;<-:create"`
	Status BidStatus `gorm:"type:varchar(16);not null;index"`

	// 付款處理商的預授權參照（Stripe PaymentIntent ID）
	AuthorizationRef string `gorm:"type:varchar(255)"`

	// 狀態轉移時間
	PlacedAt     time.Time `gorm:"not null;<-:create"`
	AuthorizedAt *time.Time
	CapturedAt   *time.Time
	ReleasedAt   *time.Time
	FailedAt     *time.Time

	// 稽核欄位
	IPAddress string `gorm:"type:varchar(45);<-:create"`
	UserAgent string `gorm:"type:varchar(512);<-:create"`

	// 外鍵關聯
	Auction     *Auction     `gorm:"foreignKey:AuctionID"`
	BidderUser  *User        `gorm:"foreignKey:BidderUserID"`
	GuestBidder *GuestBidder `gorm:"foreignKey:GuestBidderID"`
}

func (b *Bid) BeforeCreate(tx *gorm.DB) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	return nil
}

package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GuestBidder 代表未註冊的出價者
// 以正規化後的 email 作為唯一識別，第一次出價時建立，之後每次
// 出價或得標都會更新累計數字，永遠不會被刪除
type GuestBidder struct {
	gorm.Model

	ID    uuid.UUID `gorm:"type:uuid;primaryKey;<-:create"`
	Email string    `gorm:"type:varchar(255);not null;uniqueIndex;<-:create"`
	Phone string    `gorm:"type:varchar(32)"`
	Name  string    `gorm:"type:varchar(255);not null"`

	// 累計數字（TotalSpent 單位為分）
	TotalBids  int64 `gorm:"type:bigint;not null;default:0"`
	TotalWon   int64 `gorm:"type:bigint;not null;default:0"`
	TotalSpent int64 `gorm:"type:bigint;not null;default:0"`

	// 付款處理商的客戶參照（Stripe Customer ID）
	PaymentCustomerRef string `gorm:"type:varchar(255)"`
}

func (g *GuestBidder) BeforeCreate(tx *gorm.DB) error {
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	return nil
}

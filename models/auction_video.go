package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	// RecordingTokenTTL 是錄影token的有效時間
	RecordingTokenTTL = 24 * time.Hour
	// VideoSessionTTL 是錄影session與影片檔案的保留時間，
	// 超過之後會被清理程序永久刪除
	VideoSessionTTL = 7 * 24 * time.Hour
	// MaxRetakeCount 是允許重錄的次數上限
	MaxRetakeCount = 1
)

// AuctionVideo 代表得標者的錄影session
// 只有在拍賣結束後，且 BidID 等於拍賣的得標出價時才能建立。
// RecordingToken 與 TokenExpiresAt 只能由 video gate 寫入
type AuctionVideo struct {
	gorm.Model

	ID        uuid.UUID `gorm:"type:uuid;primaryKey;<-:create"`
	AuctionID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex;<-:create"`
	BidID     uuid.UUID `gorm:"type:uuid;not null;<-:create"`

	RecordingToken string    `gorm:"type:varchar(64);not null;uniqueIndex"`
	TokenExpiresAt time.Time `gorm:"not null"`

	RetakeCount int       `gorm:"type:integer;not null;default:0"`
	ExpiresAt   time.Time `gorm:"not null;index"`

	VideoURL   *string `gorm:"type:text"`
	ConsumedAt *time.Time

	Auction *Auction `gorm:"foreignKey:AuctionID"`
	Bid     *Bid     `gorm:"foreignKey:BidID"`
}

func (v *AuctionVideo) BeforeCreate(tx *gorm.DB) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	return nil
}

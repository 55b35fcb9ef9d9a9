package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AuctionStatus 代表拍賣的生命週期狀態
// 狀態轉移是單向的：draft → scheduled → active → ended → completed；
// cancelled 可以從 completed 以外的任何狀態進入
type AuctionStatus string

const (
	AuctionStatusDraft     AuctionStatus = "draft"
	AuctionStatusScheduled AuctionStatus = "scheduled"
	AuctionStatusActive    AuctionStatus = "active"
	AuctionStatusEnded     AuctionStatus = "ended"
	AuctionStatusCompleted AuctionStatus = "completed"
	AuctionStatusCancelled AuctionStatus = "cancelled"
)

// Terminal 回傳拍賣是否已經進入結束後的狀態
func (s AuctionStatus) Terminal() bool {
	return s == AuctionStatusEnded || s == AuctionStatusCompleted || s == AuctionStatusCancelled
}

// PayoutStatus 代表拍賣結算後撥款的處理狀態
// capture_failed 代表得標者的預授權請款失敗，需要人工介入
type PayoutStatus string

const (
	PayoutStatusNone          PayoutStatus = "none"
	PayoutStatusPending       PayoutStatus = "pending"
	PayoutStatusPaid          PayoutStatus = "paid"
	PayoutStatusNoSale        PayoutStatus = "no_sale"
	PayoutStatusCaptureFailed PayoutStatus = "capture_failed"
)

// AuctionDurations 是建立拍賣時允許的拍賣時長（分鐘）
var AuctionDurations = []int{30, 60, 180, 1440}

// Auction 代表一場限時拍賣
// 包含賣家資訊、起標價、一口價、拍賣時間、得標資訊與結算結果。
// Version 是樂觀併發控制的版本號，所有對最高出價欄位的更新都
// 必須帶版本條件，避免併發出價互相覆蓋
type Auction struct {
	gorm.Model

	ID          uuid.UUID     `gorm:"type:uuid;primaryKey;<-:create"`
	CreatorID   uuid.UUID     `gorm:"type:uuid;not null;index;<-:create"`
	Title       string        `gorm:"type:varchar(255);not null"`
	Description string        `gorm:"type:text;not null"`
	StartPrice  int64         `gorm:"type:bigint;not null;<-:create"`
	BuyNowPrice *int64        `gorm:"type:bigint;<-:create"`
	Status      AuctionStatus `gorm:"type:varchar(16);not null;index"`
	StartTime   time.Time     `gorm:"not null"`
	EndTime     time.Time     `gorm:"not null"`

	// 樂觀併發控制欄位與目前領先出價
	Version       int64      `gorm:"type:bigint;not null;default:0"`
	CurrentBidID  *uuid.UUID `gorm:"type:uuid"`
	LeadingAmount int64      `gorm:"type:bigint;not null;default:0"`

	// 得標資訊，最多只會被設定一次
	WinnerBidID *uuid.UUID `gorm:"type:uuid"`
	WinnerEmail *string    `gorm:"type:varchar(255)"`

	// 外部排程器的事件代號，取消拍賣時用來撤銷排程
	SchedulerEventID *string `gorm:"type:varchar(255)"`

	// 結算結果（金額單位為分）
	PayoutStatus       PayoutStatus `gorm:"type:varchar(24);not null;default:'none'"`
	ProfitAmount       int64        `gorm:"type:bigint;not null;default:0"`
	PlatformFeeAmount  int64        `gorm:"type:bigint;not null;default:0"`
	NetPayoutAmount    int64        `gorm:"type:bigint;not null;default:0"`
	ReleasedHoldsCount int          `gorm:"not null;default:0"`
	ClosedAt           *time.Time

	// 外鍵關聯
	Creator    *User `gorm:"foreignKey:CreatorID"`
	CurrentBid *Bid  `gorm:"foreignKey:CurrentBidID"`
	WinnerBid  *Bid  `gorm:"foreignKey:WinnerBidID"`
	Bids       []Bid `gorm:"foreignKey:AuctionID"`
}

func (a *Auction) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

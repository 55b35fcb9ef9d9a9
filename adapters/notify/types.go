package notify

import (
	"time"

	"github.com/google/uuid"
)

// EventType 代表通知事件的類型
type EventType string

const (
	EventTypeBidPlaced     EventType = "bid_placed"
	EventTypeOutbid        EventType = "outbid"
	EventTypeAuctionWon    EventType = "auction_won"
	EventTypeAuctionNoSale EventType = "auction_no_sale"
	EventTypeCaptureFailed EventType = "capture_failed"
)

// Event 是一筆待遞送的通知
// Recipient 是正規化後的聯絡方式（email或E.164電話）；
// capture_failed 事件的收件人是營運通道而不是使用者
type Event struct {
	Type       EventType
	AuctionID  uuid.UUID
	BidID      uuid.UUID
	Recipient  string
	Amount     int64
	OccurredAt time.Time
}

package auction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"bidreel/models"
)

// CloseSource 代表結標被觸發的來源，只用於稽核，不影響結算結果
type CloseSource string

const (
	CloseSourceScheduler CloseSource = "scheduler"
	CloseSourceBuyNow    CloseSource = "buy_now"
	CloseSourceManual    CloseSource = "manual"
	CloseSourceLazy      CloseSource = "lazy"
)

// SettlementSummary 是一場拍賣的結算結果
// 結標是冪等的，重複觸發時會直接回傳第一次結算的內容
type SettlementSummary struct {
	AuctionID     uuid.UUID            `msgpack:"auction_id"`
	Status        models.AuctionStatus `msgpack:"status"`
	PayoutStatus  models.PayoutStatus  `msgpack:"payout_status"`
	WinnerBidID   *uuid.UUID           `msgpack:"winner_bid_id"`
	WinnerEmail   *string              `msgpack:"winner_email"`
	WinningAmount int64                `msgpack:"winning_amount"`
	Profit        int64                `msgpack:"profit"`
	PlatformFee   int64                `msgpack:"platform_fee"`
	NetPayout     int64                `msgpack:"net_payout"`
	ReleasedHolds int                  `msgpack:"released_holds"`
	Source        CloseSource          `msgpack:"source"`
	ClosedAt      time.Time            `msgpack:"closed_at"`
}

// settlementCacheTTL 是結算結果在Redis上的保留時間
// 過期後重複的結標觸發會改從資料庫重建結果
const settlementCacheTTL = 24 * time.Hour

// SettlementCache 把結算結果以msgpack存在Redis上，
// 讓重複的結標觸發（排程器重送、手動補觸發）可以快速短路
type SettlementCache struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewSettlementCache 建立結算結果的Redis快取
func NewSettlementCache(client *redis.Client, keyPrefix string) *SettlementCache {
	return &SettlementCache{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       settlementCacheTTL,
	}
}

func (c *SettlementCache) key(auctionID uuid.UUID) string {
	return fmt.Sprintf("%sauction:%s:settlement", c.keyPrefix, auctionID)
}

// Get 取得快取的結算結果，不存在時回傳nil
func (c *SettlementCache) Get(ctx context.Context, auctionID uuid.UUID) (*SettlementSummary, error) {
	const op = "SettlementCache.Get"
	raw, err := c.client.Get(ctx, c.key(auctionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to get settlement from Redis, err=%w", op, err)
	}
	var summary SettlementSummary
	if err := msgpack.Unmarshal(raw, &summary); err != nil {
		return nil, fmt.Errorf("[%s] Fail to unmarshal settlement, err=%w", op, err)
	}
	return &summary, nil
}

// Set 寫入結算結果
func (c *SettlementCache) Set(ctx context.Context, summary *SettlementSummary) error {
	const op = "SettlementCache.Set"
	raw, err := msgpack.Marshal(summary)
	if err != nil {
		return fmt.Errorf("[%s] Fail to marshal settlement, err=%w", op, err)
	}
	if err := c.client.Set(ctx, c.key(summary.AuctionID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("[%s] Fail to set settlement in Redis, err=%w", op, err)
	}
	return nil
}

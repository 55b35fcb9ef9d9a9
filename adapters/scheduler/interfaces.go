//go:generate mockgen -package=scheduler -destination=mock.go -source=interfaces.go

package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// IScheduler 定義了外部一次性排程器的操作介面
// 拍賣建立時註冊一個在end_time觸發結標的事件並記下handle，
// 拍賣取消時盡力撤銷該事件；撤銷失敗不會影響拍賣取消
type IScheduler interface {
	// Schedule 註冊一個在fireAt觸發結標的一次性事件，回傳事件handle
	Schedule(ctx context.Context, auctionID uuid.UUID, fireAt time.Time) (string, error)
	// Cancel 撤銷先前註冊的事件
	Cancel(ctx context.Context, handle string) error
}

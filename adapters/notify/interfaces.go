//go:generate mockgen -package=notify -destination=mock.go -source=interfaces.go

package notify

import (
	"context"
)

// ISender 定義了通知發送者的操作介面
// 實際的email/WhatsApp遞送由外部系統負責，這裡只是窄介面；
// 發送失敗絕對不能阻擋拍賣的狀態轉移
type ISender interface {
	Send(ctx context.Context, event Event) error
}

// IDispatcher 定義了通知派發器的操作介面
type IDispatcher interface {
	Start()
	Publish(event Event)
	Close()
}

package notify

import (
	"context"
	"log/slog"
)

// LogSender 是預設的通知發送者，只把事件記錄到日誌
// 正式環境應該換成實際遞送email/WhatsApp的外部服務
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender 建立日誌通知發送者
func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger.With(slog.String("caller", "LogSender"))}
}

func (s *LogSender) Send(ctx context.Context, event Event) error {
	s.logger.Info("Notification",
		slog.String("type", string(event.Type)),
		slog.String("auctionID", event.AuctionID.String()),
		slog.String("recipient", event.Recipient),
		slog.Int64("amount", event.Amount))
	return nil
}

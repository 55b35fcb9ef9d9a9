package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/smallnest/chanx"
)

type dispatcherOptions struct {
	logger      *slog.Logger
	bufferSize  int
	sendTimeout time.Duration
}

type DispatcherOption func(*dispatcherOptions)

// WithDispatcherLogger 設置日誌記錄器
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(o *dispatcherOptions) {
		o.logger = logger
	}
}

// WithDispatcherBufferSize 設置緩衝大小
func WithDispatcherBufferSize(size int) DispatcherOption {
	return func(o *dispatcherOptions) {
		o.bufferSize = size
	}
}

// WithDispatcherSendTimeout 設置單筆通知的遞送逾時
func WithDispatcherSendTimeout(d time.Duration) DispatcherOption {
	return func(o *dispatcherOptions) {
		o.sendTimeout = d
	}
}

// Dispatcher 提供fire-and-forget的通知派發
// 事件進入無界佇列後由背景worker遞送，遞送失敗只記錄日誌，
// 永遠不會回傳錯誤給發布者，也不會阻擋拍賣的狀態轉移
type Dispatcher struct {
	sender     ISender
	upstream   *chanx.UnboundedChan[Event]
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	closed     bool
	logger     *slog.Logger
	options    dispatcherOptions
}

// NewDispatcher 建立通知派發器
func NewDispatcher(sender ISender, opts ...DispatcherOption) *Dispatcher {
	options := dispatcherOptions{
		logger:      slog.Default(),
		bufferSize:  100,
		sendTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &Dispatcher{
		sender:  sender,
		closed:  true,
		logger:  options.logger.With(slog.String("caller", "Dispatcher")),
		options: options,
	}
}

// Start 啟動派發worker
func (d *Dispatcher) Start() {
	if !d.closed {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.upstream = chanx.NewUnboundedChan[Event](ctx, d.options.bufferSize)
	d.cancelFunc = cancel
	d.closed = false
	d.logger.Info("starting notification dispatcher")

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.logger.Info("notification dispatcher stopped")

		for {
			select {
			case <-ctx.Done():
				return
			case event := <-d.upstream.Out:
				sendCtx, sendCancel := context.WithTimeout(ctx, d.options.sendTimeout)
				if err := d.sender.Send(sendCtx, event); err != nil {
					// 遞送失敗只記錄，不重試也不往外傳播
					d.logger.Error("Fail to deliver notification",
						slog.String("type", string(event.Type)),
						slog.String("auctionID", event.AuctionID.String()),
						slog.Any("error", err))
				}
				sendCancel()
			}
		}
	}()
}

// Publish 將事件放入派發佇列，永不阻塞
func (d *Dispatcher) Publish(event Event) {
	if d.closed {
		d.logger.Warn("Dispatcher is closed, drop notification", slog.String("type", string(event.Type)))
		return
	}
	d.upstream.In <- event
}

// Close 停止派發worker，佇列中尚未遞送的事件會被丟棄
func (d *Dispatcher) Close() {
	if d.closed {
		return
	}
	d.logger.Info("closing notification dispatcher")
	d.closed = true
	d.cancelFunc()
	d.wg.Wait()
	d.logger.Info("notification dispatcher closed")
}

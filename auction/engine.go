package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"bidreel/adapters/notify"
	"bidreel/adapters/payment"
	redisAdapter "bidreel/adapters/redis"
	"bidreel/adapters/scheduler"
	"bidreel/models"
)

// opsRecipient 是capture_failed事件的收件通道，由營運系統訂閱
const opsRecipient = "ops"

// descriptionPolicy 用於過濾拍賣描述中的HTML
var descriptionPolicy = bluemonday.UGCPolicy()

// Engine 是拍賣引擎，擁有拍賣與出價的所有狀態轉移
// 出價准入走Redis上的領先金額鍵，資料庫的領先欄位用版本號做
// 樂觀併發控制，結標與取消則在同一把per-auction分散式鎖下執行
type Engine struct {
	db          *gorm.DB
	redisClient *redis.Client
	gateway     payment.IGateway
	scheduler   scheduler.IScheduler
	dispatcher  notify.IDispatcher
	cache       *SettlementCache
	options     engineOptions
}

type engineOptions struct {
	keyPrefix       string
	leaderTTL       time.Duration
	feeRate         decimal.Decimal
	captureAttempts int
	captureDelay    time.Duration
	lockFactory     func(key string) redisAdapter.IAutoRenewMutex
}

type EngineOption func(*engineOptions)

// WithKeyPrefix 設置Redis鍵的前綴
func WithKeyPrefix(prefix string) EngineOption {
	return func(o *engineOptions) {
		o.keyPrefix = prefix
	}
}

// WithLeaderTTL 設置領先金額鍵的過期時間
func WithLeaderTTL(d time.Duration) EngineOption {
	return func(o *engineOptions) {
		o.leaderTTL = d
	}
}

// WithFeeRate 設置平台抽成比例
func WithFeeRate(rate decimal.Decimal) EngineOption {
	return func(o *engineOptions) {
		o.feeRate = rate
	}
}

// WithCaptureRetry 設置得標請款的重試次數與基礎延遲
func WithCaptureRetry(attempts int, delay time.Duration) EngineOption {
	return func(o *engineOptions) {
		o.captureAttempts = attempts
		o.captureDelay = delay
	}
}

// WithLockFactory 設置per-auction分散式鎖的建構函式，測試用
func WithLockFactory(factory func(key string) redisAdapter.IAutoRenewMutex) EngineOption {
	return func(o *engineOptions) {
		o.lockFactory = factory
	}
}

// NewEngine 建立拍賣引擎
func NewEngine(
	db *gorm.DB,
	redisClient *redis.Client,
	gateway payment.IGateway,
	sch scheduler.IScheduler,
	dispatcher notify.IDispatcher,
	opts ...EngineOption,
) *Engine {
	options := engineOptions{
		leaderTTL:       10 * time.Minute,
		feeRate:         DefaultFeeRate,
		captureAttempts: 3,
		captureDelay:    time.Second,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.lockFactory == nil {
		options.lockFactory = func(key string) redisAdapter.IAutoRenewMutex {
			return redisAdapter.NewAutoRenewMutex(redisClient, key)
		}
	}
	return &Engine{
		db:          db,
		redisClient: redisClient,
		gateway:     gateway,
		scheduler:   sch,
		dispatcher:  dispatcher,
		cache:       NewSettlementCache(redisClient, options.keyPrefix),
		options:     options,
	}
}

func (e *Engine) leaderKey(auctionID uuid.UUID) string {
	return fmt.Sprintf("%sauction:%s:leader", e.options.keyPrefix, auctionID)
}

func (e *Engine) lockKey(auctionID uuid.UUID) string {
	return fmt.Sprintf("%sauction:%s:lock", e.options.keyPrefix, auctionID)
}

// CreateAuctionInput 是建立拍賣的參數
type CreateAuctionInput struct {
	CreatorID   uuid.UUID
	Title       string
	Description string
	// StartPrice 是起標價，單位為分
	StartPrice int64
	// BuyNowPrice 是一口價，出價達到時立即結標
	BuyNowPrice *int64
	// StartTime 為零值時拍賣立即開始
	StartTime time.Time
	// DurationMinutes 必須是AuctionDurations其中之一
	DurationMinutes int
}

// CreateAuction 建立一場拍賣並向外部排程器註冊結標事件
func (e *Engine) CreateAuction(ctx context.Context, input CreateAuctionInput) (*models.Auction, error) {
	const op = "Engine.CreateAuction"
	if input.Title == "" {
		return nil, &ValidationError{Field: "title", Reason: "title is required"}
	}
	if input.StartPrice < 0 {
		return nil, &ValidationError{Field: "start_price", Reason: "start price must not be negative"}
	}
	if input.BuyNowPrice != nil && *input.BuyNowPrice <= input.StartPrice {
		return nil, &ValidationError{Field: "buy_now_price", Reason: "buy now price must exceed start price"}
	}
	if !lo.Contains(models.AuctionDurations, input.DurationMinutes) {
		return nil, &ValidationError{Field: "duration", Reason: "duration is not one of the allowed values"}
	}

	now := time.Now()
	startTime := input.StartTime
	status := models.AuctionStatusScheduled
	if startTime.IsZero() || !startTime.After(now) {
		startTime = now
		status = models.AuctionStatusActive
	}
	endTime := startTime.Add(time.Duration(input.DurationMinutes) * time.Minute)

	auction := models.Auction{
		ID:           uuid.New(),
		CreatorID:    input.CreatorID,
		Title:        input.Title,
		Description:  descriptionPolicy.Sanitize(input.Description),
		StartPrice:   input.StartPrice,
		BuyNowPrice:  input.BuyNowPrice,
		Status:       status,
		StartTime:    startTime,
		EndTime:      endTime,
		PayoutStatus: models.PayoutStatusNone,
	}

	// 先向排程器註冊結標事件，再建立拍賣
	// 建立失敗時盡力撤銷剛註冊的事件
	handle, err := e.scheduler.Schedule(ctx, auction.ID, endTime)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to schedule auction close, err=%w", op, err)
	}
	auction.SchedulerEventID = &handle

	if result := e.db.WithContext(ctx).Create(&auction); result.Error != nil {
		if cancelErr := e.scheduler.Cancel(ctx, handle); cancelErr != nil {
			slog.Warn("Fail to cancel schedule after create failure", slog.String("op", op), slog.Any("error", cancelErr))
		}
		return nil, fmt.Errorf("[%s] Fail to create auction, err=%w", op, result.Error)
	}
	return &auction, nil
}

// GetAuction 取得拍賣及其出價紀錄
func (e *Engine) GetAuction(ctx context.Context, auctionID uuid.UUID) (*models.Auction, error) {
	const op = "Engine.GetAuction"
	var auction models.Auction
	result := e.db.WithContext(ctx).
		Preload("CurrentBid").
		Preload("Bids", func(db *gorm.DB) *gorm.DB {
			return db.Order("amount DESC")
		}).
		First(&auction, "id = ?", auctionID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("[%s] Fail to find auction, err=%w", op, result.Error)
	}
	e.activateIfDue(ctx, &auction)
	return &auction, nil
}

// activateIfDue 把已到開賣時間的scheduled拍賣轉成active
func (e *Engine) activateIfDue(ctx context.Context, auction *models.Auction) {
	const op = "Engine.activateIfDue"
	if auction.Status != models.AuctionStatusScheduled || time.Now().Before(auction.StartTime) {
		return
	}
	result := e.db.WithContext(ctx).Model(&models.Auction{}).
		Where("id = ? AND status = ?", auction.ID, models.AuctionStatusScheduled).
		Update("status", models.AuctionStatusActive)
	if result.Error != nil {
		slog.Error("Fail to activate auction", slog.String("op", op), slog.Any("error", result.Error))
		return
	}
	auction.Status = models.AuctionStatusActive
}

// CloseAuction 結標並結算一場拍賣，冪等
// 重複觸發（排程器重送、一口價與排程器同時觸發、手動補觸發）
// 都會回傳第一次結算的內容，不會重跑任何付款操作
func (e *Engine) CloseAuction(ctx context.Context, auctionID uuid.UUID, source CloseSource) (*SettlementSummary, error) {
	const op = "Engine.CloseAuction"
	// 快取命中時不需要搶鎖
	if summary, err := e.cache.Get(ctx, auctionID); err != nil {
		slog.Warn("Fail to read settlement cache", slog.String("op", op), slog.Any("error", err))
	} else if summary != nil {
		return summary, nil
	}

	mutex := e.options.lockFactory(e.lockKey(auctionID))
	lockCtx, err := mutex.Lock(ctx)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to acquire auction lock, err=%w", op, err)
	}
	defer func() {
		if _, err := mutex.Unlock(); err != nil {
			slog.Warn("Fail to release auction lock", slog.String("op", op), slog.Any("error", err))
		}
	}()

	// 搶到鎖之後再檢查一次，避免跟在另一個結標流程後面重算
	if summary, err := e.cache.Get(lockCtx, auctionID); err != nil {
		slog.Warn("Fail to read settlement cache", slog.String("op", op), slog.Any("error", err))
	} else if summary != nil {
		return summary, nil
	}

	var summary *SettlementSummary
	var auction models.Auction
	for attempt := 0; attempt < confirmAttempts; attempt++ {
		auction = models.Auction{}
		result := e.db.WithContext(lockCtx).Preload("CurrentBid").First(&auction, "id = ?", auctionID)
		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("[%s] Fail to find auction, err=%w", op, result.Error)
		}

		switch auction.Status {
		case models.AuctionStatusCancelled:
			return nil, &AlreadyFinalizedError{Status: auction.Status}
		case models.AuctionStatusEnded, models.AuctionStatusCompleted:
			// 快取已過期的重複觸發，從資料庫重建結算結果
			summary := e.rebuildSummary(&auction, source)
			if err := e.cache.Set(lockCtx, summary); err != nil {
				slog.Warn("Fail to cache settlement", slog.String("op", op), slog.Any("error", err))
			}
			return summary, nil
		case models.AuctionStatusDraft:
			return nil, &ValidationError{Field: "status", Reason: "draft auction cannot be closed"}
		}

		// 凍結出價准入，之後的AdmitScript一律返回已凍結
		if err := e.redisClient.Set(lockCtx, e.leaderKey(auctionID), frozenLeaderValue, e.options.leaderTTL).Err(); err != nil {
			return nil, fmt.Errorf("[%s] Fail to freeze bid admission, err=%w", op, err)
		}

		summary, err = e.settle(lockCtx, &auction, source)
		if errors.Is(err, errSettleConflict) {
			// 凍結前已通過准入的出價在結算期間完成了領先權確認，
			// 重新讀取最新的領先者再結算
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("[%s] Fail to settle auction, err=%w", op, err)
		}
		break
	}
	if summary == nil {
		return nil, fmt.Errorf("[%s] Fail to settle auction after %d attempts", op, confirmAttempts)
	}
	if err := e.cache.Set(lockCtx, summary); err != nil {
		slog.Warn("Fail to cache settlement", slog.String("op", op), slog.Any("error", err))
	}

	// 結標事件已經消化完畢，盡力撤銷排程避免重複觸發
	if auction.SchedulerEventID != nil {
		if err := e.scheduler.Cancel(lockCtx, *auction.SchedulerEventID); err != nil {
			slog.Warn("Fail to cancel close schedule", slog.String("op", op), slog.Any("error", err))
		}
	}
	return summary, nil
}

// errSettleConflict 代表結算期間拍賣的版本號被併發更新
var errSettleConflict = errors.New("auction was updated concurrently during settlement")

// settle 執行一場拍賣的結算，呼叫者必須持有per-auction鎖
func (e *Engine) settle(ctx context.Context, auction *models.Auction, source CloseSource) (*SettlementSummary, error) {
	const op = "Engine.settle"
	now := time.Now()
	winner := auction.CurrentBid

	payoutStatus := models.PayoutStatusNoSale
	split := Split{}
	var winnerBidID *uuid.UUID
	var winnerEmail *string
	if winner != nil {
		split = ComputeSettlementSplit(auction.StartPrice, winner.Amount, e.options.feeRate)
		payoutStatus = models.PayoutStatusPending
		winnerBidID = lo.ToPtr(winner.ID)
		winnerEmail = lo.ToPtr(winner.ContactValue)
	}

	// 先用版本號CAS鎖定得標者並結束拍賣，之後才執行付款操作，
	// 避免結算期間完成確認的出價造成重複請款
	result := e.db.WithContext(ctx).Model(&models.Auction{}).
		Where("id = ? AND version = ? AND status IN ?", auction.ID, auction.Version,
			[]models.AuctionStatus{models.AuctionStatusScheduled, models.AuctionStatusActive}).
		Updates(map[string]any{
			"status":              models.AuctionStatusEnded,
			"version":             gorm.Expr("version + 1"),
			"closed_at":           now,
			"winner_bid_id":       winnerBidID,
			"winner_email":        winnerEmail,
			"payout_status":       payoutStatus,
			"profit_amount":       split.Profit,
			"platform_fee_amount": split.PlatformFee,
			"net_payout_amount":   split.NetPayout,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("[%s] Fail to end auction, err=%w", op, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, errSettleConflict
	}

	var captureErr *CaptureFailedError
	if winner != nil {
		if captureErr = e.captureWithRetry(ctx, winner); captureErr != nil {
			slog.Error("Fail to capture winning bid", slog.String("op", op), slog.Any("error", captureErr))
			payoutStatus = models.PayoutStatusCaptureFailed
			if err := e.db.WithContext(ctx).Model(&models.Auction{}).Where("id = ?", auction.ID).
				Update("payout_status", payoutStatus).Error; err != nil {
				return nil, fmt.Errorf("[%s] Fail to mark payout capture_failed, err=%w", op, err)
			}
		} else {
			err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
				if err := tx.Model(&models.Bid{}).Where("id = ?", winner.ID).
					Updates(map[string]any{
						"status":      models.BidStatusCaptured,
						"captured_at": now,
					}).Error; err != nil {
					return fmt.Errorf("[%s] Fail to mark winning bid captured, err=%w", op, err)
				}
				if winner.GuestBidderID != nil {
					if err := tx.Model(&models.GuestBidder{}).Where("id = ?", *winner.GuestBidderID).
						Updates(map[string]any{
							"total_won":   gorm.Expr("total_won + 1"),
							"total_spent": gorm.Expr("total_spent + ?", winner.Amount),
						}).Error; err != nil {
						return fmt.Errorf("[%s] Fail to update guest bidder stats, err=%w", op, err)
					}
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
		}
	}

	released, err := e.releaseOutstandingHolds(ctx, auction.ID, winner)
	if err != nil {
		return nil, err
	}
	if err := e.db.WithContext(ctx).Model(&models.Auction{}).Where("id = ?", auction.ID).
		Update("released_holds_count", released).Error; err != nil {
		return nil, fmt.Errorf("[%s] Fail to record released holds, err=%w", op, err)
	}

	e.publishCloseEvents(ctx, auction, winner, captureErr, now)

	summary := &SettlementSummary{
		AuctionID:     auction.ID,
		Status:        models.AuctionStatusEnded,
		PayoutStatus:  payoutStatus,
		WinnerBidID:   winnerBidID,
		WinnerEmail:   winnerEmail,
		Profit:        split.Profit,
		PlatformFee:   split.PlatformFee,
		NetPayout:     split.NetPayout,
		ReleasedHolds: released,
		Source:        source,
		ClosedAt:      now,
	}
	if winner != nil {
		summary.WinningAmount = winner.Amount
	}
	return summary, nil
}

// captureWithRetry 以有限次重試請款得標者的預授權
// 重試耗盡後回傳CaptureFailedError，拍賣仍會結束，
// payout會被標記為capture_failed等待人工處理
func (e *Engine) captureWithRetry(ctx context.Context, winner *models.Bid) *CaptureFailedError {
	var lastErr error
	delay := e.options.captureDelay
	for attempt := 0; attempt < e.options.captureAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return &CaptureFailedError{BidID: winner.ID.String(), Err: ctx.Err()}
			case <-time.After(delay):
			}
			delay *= 2
		}
		if lastErr = e.gateway.Capture(ctx, winner.AuthorizationRef); lastErr == nil {
			return nil
		}
	}
	return &CaptureFailedError{BidID: winner.ID.String(), Err: lastErr}
}

// releaseOutstandingHolds 釋放拍賣上所有非得標出價的預授權
// 釋放是對外部付款處理商的網路呼叫，單筆失敗只記錄不中斷，
// 閘道對已終結的預授權冪等，重複觸發不會造成重複釋放
func (e *Engine) releaseOutstandingHolds(ctx context.Context, auctionID uuid.UUID, winner *models.Bid) (int, error) {
	const op = "Engine.releaseOutstandingHolds"
	var bids []models.Bid
	query := e.db.WithContext(ctx).
		Where("auction_id = ? AND status IN ? AND authorization_ref <> ''", auctionID,
			[]models.BidStatus{models.BidStatusAuthorized, models.BidStatusLosing, models.BidStatusWinning})
	if winner != nil {
		query = query.Where("id <> ?", winner.ID)
	}
	if err := query.Find(&bids).Error; err != nil {
		return 0, fmt.Errorf("[%s] Fail to list outstanding holds, err=%w", op, err)
	}

	released := 0
	now := time.Now()
	for i := range bids {
		bid := &bids[i]
		if err := e.gateway.Release(ctx, bid.AuthorizationRef); err != nil {
			slog.Error("Fail to release hold", slog.String("op", op),
				slog.String("bidID", bid.ID.String()), slog.Any("error", err))
			continue
		}
		if err := e.db.WithContext(ctx).Model(&models.Bid{}).Where("id = ?", bid.ID).
			Updates(map[string]any{
				"status":      models.BidStatusReleased,
				"released_at": now,
			}).Error; err != nil {
			return released, fmt.Errorf("[%s] Fail to mark bid released, err=%w", op, err)
		}
		released++
	}
	return released, nil
}

func (e *Engine) publishCloseEvents(ctx context.Context, auction *models.Auction, winner *models.Bid, captureErr *CaptureFailedError, closedAt time.Time) {
	const op = "Engine.publishCloseEvents"
	if winner == nil {
		// 流標時通知賣家
		var creator models.User
		if err := e.db.WithContext(ctx).First(&creator, "id = ?", auction.CreatorID).Error; err != nil {
			slog.Warn("Fail to find auction creator", slog.String("op", op), slog.Any("error", err))
			return
		}
		e.dispatcher.Publish(notify.Event{
			Type:       notify.EventTypeAuctionNoSale,
			AuctionID:  auction.ID,
			Recipient:  creator.Email,
			OccurredAt: closedAt,
		})
		return
	}
	e.dispatcher.Publish(notify.Event{
		Type:       notify.EventTypeAuctionWon,
		AuctionID:  auction.ID,
		BidID:      winner.ID,
		Recipient:  winner.ContactValue,
		Amount:     winner.Amount,
		OccurredAt: closedAt,
	})
	if captureErr != nil {
		e.dispatcher.Publish(notify.Event{
			Type:       notify.EventTypeCaptureFailed,
			AuctionID:  auction.ID,
			BidID:      winner.ID,
			Recipient:  opsRecipient,
			Amount:     winner.Amount,
			OccurredAt: closedAt,
		})
	}
}

// rebuildSummary 從資料庫的結算欄位重建結算結果，
// 用於快取過期後的重複結標觸發
func (e *Engine) rebuildSummary(auction *models.Auction, source CloseSource) *SettlementSummary {
	summary := &SettlementSummary{
		AuctionID:     auction.ID,
		Status:        auction.Status,
		PayoutStatus:  auction.PayoutStatus,
		WinnerBidID:   auction.WinnerBidID,
		WinnerEmail:   auction.WinnerEmail,
		Profit:        auction.ProfitAmount,
		PlatformFee:   auction.PlatformFeeAmount,
		NetPayout:     auction.NetPayoutAmount,
		ReleasedHolds: auction.ReleasedHoldsCount,
		Source:        source,
		ClosedAt:      auction.UpdatedAt,
	}
	if auction.ClosedAt != nil {
		summary.ClosedAt = *auction.ClosedAt
	}
	if auction.CurrentBid != nil {
		summary.WinningAmount = auction.CurrentBid.Amount
	}
	return summary
}

// CancelAuction 取消一場拍賣並釋放所有未終結的預授權
// completed之後不允許取消；重複取消是冪等的no-op。
// 撤銷外部排程失敗不會影響取消本身
func (e *Engine) CancelAuction(ctx context.Context, auctionID, callerID uuid.UUID) error {
	const op = "Engine.CancelAuction"
	mutex := e.options.lockFactory(e.lockKey(auctionID))
	lockCtx, err := mutex.Lock(ctx)
	if err != nil {
		return fmt.Errorf("[%s] Fail to acquire auction lock, err=%w", op, err)
	}
	defer func() {
		if _, err := mutex.Unlock(); err != nil {
			slog.Warn("Fail to release auction lock", slog.String("op", op), slog.Any("error", err))
		}
	}()

	for attempt := 0; attempt < confirmAttempts; attempt++ {
		var auction models.Auction
		result := e.db.WithContext(lockCtx).First(&auction, "id = ?", auctionID)
		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("[%s] Fail to find auction, err=%w", op, result.Error)
		}
		if auction.CreatorID != callerID {
			return ErrForbidden
		}
		switch auction.Status {
		case models.AuctionStatusCompleted:
			return &AlreadyFinalizedError{Status: auction.Status}
		case models.AuctionStatusCancelled:
			return nil
		}

		// 凍結出價准入
		if err := e.redisClient.Set(lockCtx, e.leaderKey(auctionID), frozenLeaderValue, e.options.leaderTTL).Err(); err != nil {
			return fmt.Errorf("[%s] Fail to freeze bid admission, err=%w", op, err)
		}

		// 先用版本號CAS把拍賣標記為cancelled，之後才釋放預授權，
		// 讓併發進行中的領先權確認因版本不符失敗並自行釋放其預授權
		updates := e.db.WithContext(lockCtx).Model(&models.Auction{}).
			Where("id = ? AND version = ? AND status <> ?", auctionID, auction.Version, models.AuctionStatusCompleted).
			Updates(map[string]any{
				"status":  models.AuctionStatusCancelled,
				"version": gorm.Expr("version + 1"),
			})
		if updates.Error != nil {
			return fmt.Errorf("[%s] Fail to cancel auction, err=%w", op, updates.Error)
		}
		if updates.RowsAffected == 0 {
			// 版本號被併發更新，重新讀取後再試
			continue
		}

		if _, err := e.releaseOutstandingHolds(lockCtx, auctionID, nil); err != nil {
			return err
		}

		if auction.SchedulerEventID != nil {
			if err := e.scheduler.Cancel(lockCtx, *auction.SchedulerEventID); err != nil {
				slog.Warn("Fail to cancel close schedule", slog.String("op", op), slog.Any("error", err))
			}
		}
		return nil
	}
	return fmt.Errorf("[%s] Fail to cancel auction after %d attempts, err=%w", op, confirmAttempts, errSettleConflict)
}

// CompleteAuction 把已結標的拍賣標記為completed
// 這是下游撥款確認或得標者影片處理完成後的掛勾
func (e *Engine) CompleteAuction(ctx context.Context, auctionID, callerID uuid.UUID) error {
	const op = "Engine.CompleteAuction"
	var auction models.Auction
	result := e.db.WithContext(ctx).First(&auction, "id = ?", auctionID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("[%s] Fail to find auction, err=%w", op, result.Error)
	}
	if auction.CreatorID != callerID {
		return ErrForbidden
	}
	switch auction.Status {
	case models.AuctionStatusCompleted:
		return nil
	case models.AuctionStatusCancelled:
		return &AlreadyFinalizedError{Status: auction.Status}
	case models.AuctionStatusEnded:
	default:
		return &ValidationError{Field: "status", Reason: "auction has not ended"}
	}

	updates := e.db.WithContext(ctx).Model(&models.Auction{}).
		Where("id = ? AND status = ?", auctionID, models.AuctionStatusEnded).
		Updates(map[string]any{
			"status":  models.AuctionStatusCompleted,
			"version": gorm.Expr("version + 1"),
		})
	if updates.Error != nil {
		return fmt.Errorf("[%s] Fail to complete auction, err=%w", op, updates.Error)
	}
	return nil
}

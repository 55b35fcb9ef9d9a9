package auction

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"bidreel/adapters/notify"
	"bidreel/adapters/payment"
	"bidreel/adapters/scheduler"
	"bidreel/models"
)

// recordingDispatcher 記錄所有發布的通知事件
type recordingDispatcher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (d *recordingDispatcher) Start() {}

func (d *recordingDispatcher) Publish(event notify.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
}

func (d *recordingDispatcher) Close() {}

func (d *recordingDispatcher) eventsOfType(eventType notify.EventType) []notify.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return lo.Filter(d.events, func(e notify.Event, _ int) bool {
		return e.Type == eventType
	})
}

type testEnv struct {
	engine     *Engine
	db         *gorm.DB
	gateway    *payment.FakeGateway
	scheduler  *scheduler.FakeScheduler
	dispatcher *recordingDispatcher
	redis      *miniredis.Miniredis
}

func newTestEnv(t *testing.T, opts ...EngineOption) *testEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// 共享的記憶體資料庫以單一連線序列化寫入
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(
		&models.User{},
		&models.GuestBidder{},
		&models.Auction{},
		&models.Bid{},
		&models.AuctionVideo{},
	))

	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { redisClient.Close() })

	gateway := payment.NewFakeGateway()
	fakeScheduler := scheduler.NewFakeScheduler()
	dispatcher := &recordingDispatcher{}

	options := append([]EngineOption{
		WithLeaderTTL(time.Minute),
		WithCaptureRetry(3, time.Millisecond),
	}, opts...)
	engine := NewEngine(db, redisClient, gateway, fakeScheduler, dispatcher, options...)

	return &testEnv{
		engine:     engine,
		db:         db,
		gateway:    gateway,
		scheduler:  fakeScheduler,
		dispatcher: dispatcher,
		redis:      mr,
	}
}

func (env *testEnv) createUser(t *testing.T, email string) *models.User {
	t.Helper()
	user := models.User{ID: uuid.New(), Username: "seller", Email: email}
	require.NoError(t, env.db.Create(&user).Error)
	return &user
}

func (env *testEnv) createActiveAuction(t *testing.T, creatorID uuid.UUID, startPrice int64, buyNowPrice *int64) *models.Auction {
	t.Helper()
	now := time.Now()
	auction := models.Auction{
		ID:           uuid.New(),
		CreatorID:    creatorID,
		Title:        "Vintage camera",
		Description:  "Working condition",
		StartPrice:   startPrice,
		BuyNowPrice:  buyNowPrice,
		Status:       models.AuctionStatusActive,
		StartTime:    now.Add(-time.Minute),
		EndTime:      now.Add(time.Hour),
		PayoutStatus: models.PayoutStatusNone,
	}
	require.NoError(t, env.db.Create(&auction).Error)
	return &auction
}

func (env *testEnv) placeGuestBid(t *testing.T, auctionID uuid.UUID, email string, amount int64) (*PlaceBidResult, error) {
	t.Helper()
	contact, err := ParseContact(models.ContactMethodEmail, email)
	require.NoError(t, err)
	return env.engine.PlaceBid(context.Background(), PlaceBidInput{
		AuctionID:  auctionID,
		Bidder:     GuestBidder{Contact: contact},
		BidderName: "Guest Bidder",
		Amount:     amount,
	})
}

func TestCreateAuction(t *testing.T) {
	env := newTestEnv(t)
	seller := env.createUser(t, "seller@example.com")
	ctx := context.Background()

	t.Run("立即開賣的拍賣應為active並註冊結標事件", func(t *testing.T) {
		created, err := env.engine.CreateAuction(ctx, CreateAuctionInput{
			CreatorID:       seller.ID,
			Title:           "Vintage camera",
			Description:     "Working condition",
			StartPrice:      100,
			DurationMinutes: 30,
		})
		require.NoError(t, err)
		assert.Equal(t, models.AuctionStatusActive, created.Status)
		assert.WithinDuration(t, created.StartTime.Add(30*time.Minute), created.EndTime, time.Second)
		require.NotNil(t, created.SchedulerEventID)
		assert.Contains(t, env.scheduler.Scheduled, *created.SchedulerEventID)
	})

	t.Run("未來開賣的拍賣應為scheduled", func(t *testing.T) {
		created, err := env.engine.CreateAuction(ctx, CreateAuctionInput{
			CreatorID:       seller.ID,
			Title:           "Vintage camera",
			StartPrice:      100,
			StartTime:       time.Now().Add(time.Hour),
			DurationMinutes: 60,
		})
		require.NoError(t, err)
		assert.Equal(t, models.AuctionStatusScheduled, created.Status)
	})

	t.Run("描述中的HTML應被過濾", func(t *testing.T) {
		created, err := env.engine.CreateAuction(ctx, CreateAuctionInput{
			CreatorID:       seller.ID,
			Title:           "Vintage camera",
			Description:     `<script>alert(1)</script><b>good</b>`,
			StartPrice:      100,
			DurationMinutes: 30,
		})
		require.NoError(t, err)
		assert.Equal(t, "<b>good</b>", created.Description)
	})

	validations := []struct {
		name  string
		input CreateAuctionInput
	}{
		{
			name:  "缺少標題",
			input: CreateAuctionInput{CreatorID: seller.ID, StartPrice: 100, DurationMinutes: 30},
		},
		{
			name:  "起標價為負",
			input: CreateAuctionInput{CreatorID: seller.ID, Title: "x", StartPrice: -1, DurationMinutes: 30},
		},
		{
			name:  "一口價不高於起標價",
			input: CreateAuctionInput{CreatorID: seller.ID, Title: "x", StartPrice: 100, BuyNowPrice: lo.ToPtr(int64(100)), DurationMinutes: 30},
		},
		{
			name:  "不允許的拍賣時長",
			input: CreateAuctionInput{CreatorID: seller.ID, Title: "x", StartPrice: 100, DurationMinutes: 45},
		},
	}
	for _, tt := range validations {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.engine.CreateAuction(ctx, tt.input)
			var validation *ValidationError
			assert.ErrorAs(t, err, &validation)
		})
	}
}

func TestCloseAuctionNoBids(t *testing.T) {
	env := newTestEnv(t)
	seller := env.createUser(t, "seller@example.com")
	auction := env.createActiveAuction(t, seller.ID, 100, nil)
	ctx := context.Background()

	summary, err := env.engine.CloseAuction(ctx, auction.ID, CloseSourceScheduler)
	require.NoError(t, err)
	assert.Equal(t, models.PayoutStatusNoSale, summary.PayoutStatus)
	assert.Nil(t, summary.WinnerBidID)
	assert.Zero(t, summary.WinningAmount)

	var reloaded models.Auction
	require.NoError(t, env.db.First(&reloaded, "id = ?", auction.ID).Error)
	assert.Equal(t, models.AuctionStatusEnded, reloaded.Status)
	assert.Nil(t, reloaded.WinnerBidID)

	// 流標通知賣家
	assert.Len(t, env.dispatcher.eventsOfType(notify.EventTypeAuctionNoSale), 1)
}

func TestCloseAuctionWithWinner(t *testing.T) {
	env := newTestEnv(t)
	seller := env.createUser(t, "seller@example.com")
	auction := env.createActiveAuction(t, seller.ID, 100, nil)
	ctx := context.Background()

	first, err := env.placeGuestBid(t, auction.ID, "alice@example.com", 100)
	require.NoError(t, err)
	second, err := env.placeGuestBid(t, auction.ID, "bob@example.com", 500)
	require.NoError(t, err)

	summary, err := env.engine.CloseAuction(ctx, auction.ID, CloseSourceScheduler)
	require.NoError(t, err)
	require.NotNil(t, summary.WinnerBidID)
	assert.Equal(t, second.BidID, *summary.WinnerBidID)
	require.NotNil(t, summary.WinnerEmail)
	assert.Equal(t, "bob@example.com", *summary.WinnerEmail)
	assert.Equal(t, int64(500), summary.WinningAmount)
	assert.Equal(t, int64(400), summary.Profit)
	assert.Equal(t, int64(100), summary.PlatformFee)
	assert.Equal(t, int64(300), summary.NetPayout)
	assert.Equal(t, models.PayoutStatusPending, summary.PayoutStatus)
	assert.Equal(t, 1, summary.ReleasedHolds)

	// 得標出價請款，落選出價釋放
	states := env.gateway.StatesByAmount()
	assert.Equal(t, payment.FakeAuthStateCaptured, states[500])
	assert.Equal(t, payment.FakeAuthStateReleased, states[100])

	var winnerBid models.Bid
	require.NoError(t, env.db.First(&winnerBid, "id = ?", second.BidID).Error)
	assert.Equal(t, models.BidStatusCaptured, winnerBid.Status)
	require.NotNil(t, winnerBid.CapturedAt)

	var loserBid models.Bid
	require.NoError(t, env.db.First(&loserBid, "id = ?", first.BidID).Error)
	assert.Equal(t, models.BidStatusReleased, loserBid.Status)

	// 得標者的訪客累計數字
	var guest models.GuestBidder
	require.NoError(t, env.db.First(&guest, "email = ?", "bob@example.com").Error)
	assert.Equal(t, int64(1), guest.TotalWon)
	assert.Equal(t, int64(500), guest.TotalSpent)

	assert.Len(t, env.dispatcher.eventsOfType(notify.EventTypeAuctionWon), 1)

	// 結標後的出價應被拒絕
	_, err = env.placeGuestBid(t, auction.ID, "carol@example.com", 600)
	var finalized *AlreadyFinalizedError
	assert.ErrorAs(t, err, &finalized)
}

func TestCloseAuctionIdempotent(t *testing.T) {
	env := newTestEnv(t)
	seller := env.createUser(t, "seller@example.com")
	auction := env.createActiveAuction(t, seller.ID, 100, nil)
	ctx := context.Background()

	_, err := env.placeGuestBid(t, auction.ID, "bob@example.com", 200)
	require.NoError(t, err)
	_, err = env.placeGuestBid(t, auction.ID, "alice@example.com", 300)
	require.NoError(t, err)

	firstSummary, err := env.engine.CloseAuction(ctx, auction.ID, CloseSourceScheduler)
	require.NoError(t, err)
	require.Equal(t, 1, firstSummary.ReleasedHolds)
	captureCalls := env.gateway.CaptureCalls

	// 排程器重送與手動補觸發都不應重跑任何付款操作
	for _, source := range []CloseSource{CloseSourceScheduler, CloseSourceManual} {
		summary, err := env.engine.CloseAuction(ctx, auction.ID, source)
		require.NoError(t, err)
		assert.Equal(t, firstSummary.WinnerBidID, summary.WinnerBidID)
		assert.Equal(t, firstSummary.NetPayout, summary.NetPayout)
		assert.Equal(t, captureCalls, env.gateway.CaptureCalls)
	}

	// 快取過期後的重複觸發從資料庫重建，也不應重跑付款操作，
	// 重建的結算結果要跟第一次一致
	env.redis.FlushAll()
	summary, err := env.engine.CloseAuction(ctx, auction.ID, CloseSourceManual)
	require.NoError(t, err)
	assert.Equal(t, firstSummary.WinnerBidID, summary.WinnerBidID)
	assert.Equal(t, firstSummary.ReleasedHolds, summary.ReleasedHolds)
	assert.WithinDuration(t, firstSummary.ClosedAt, summary.ClosedAt, time.Second)
	assert.Equal(t, captureCalls, env.gateway.CaptureCalls)
}

func TestCloseAuctionCaptureFailed(t *testing.T) {
	env := newTestEnv(t)
	seller := env.createUser(t, "seller@example.com")
	auction := env.createActiveAuction(t, seller.ID, 100, nil)
	ctx := context.Background()

	placed, err := env.placeGuestBid(t, auction.ID, "alice@example.com", 300)
	require.NoError(t, err)

	// 請款連續失敗，重試耗盡後拍賣仍要結束
	env.gateway.FailCaptures = 3
	summary, err := env.engine.CloseAuction(ctx, auction.ID, CloseSourceScheduler)
	require.NoError(t, err)
	assert.Equal(t, models.PayoutStatusCaptureFailed, summary.PayoutStatus)
	assert.Equal(t, 3, env.gateway.CaptureCalls)

	var reloaded models.Auction
	require.NoError(t, env.db.First(&reloaded, "id = ?", auction.ID).Error)
	assert.Equal(t, models.AuctionStatusEnded, reloaded.Status)
	require.NotNil(t, reloaded.WinnerBidID)
	assert.Equal(t, placed.BidID, *reloaded.WinnerBidID)

	// 通知營運通道人工處理
	assert.Len(t, env.dispatcher.eventsOfType(notify.EventTypeCaptureFailed), 1)
}

func TestCancelAuction(t *testing.T) {
	env := newTestEnv(t)
	seller := env.createUser(t, "seller@example.com")
	stranger := env.createUser(t, "stranger@example.com")
	auction := env.createActiveAuction(t, seller.ID, 100, nil)
	ctx := context.Background()

	_, err := env.placeGuestBid(t, auction.ID, "alice@example.com", 200)
	require.NoError(t, err)

	// 只有建立者可以取消
	err = env.engine.CancelAuction(ctx, auction.ID, stranger.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	require.NoError(t, env.engine.CancelAuction(ctx, auction.ID, seller.ID))

	var reloaded models.Auction
	require.NoError(t, env.db.First(&reloaded, "id = ?", auction.ID).Error)
	assert.Equal(t, models.AuctionStatusCancelled, reloaded.Status)

	// 所有未終結的預授權都要釋放
	states := env.gateway.StatesByAmount()
	assert.Equal(t, payment.FakeAuthStateReleased, states[200])

	// 重複取消是冪等的no-op
	require.NoError(t, env.engine.CancelAuction(ctx, auction.ID, seller.ID))

	// 取消後的出價應被拒絕
	_, err = env.placeGuestBid(t, auction.ID, "bob@example.com", 300)
	var finalized *AlreadyFinalizedError
	assert.ErrorAs(t, err, &finalized)
}

// releaseHookGateway 在第一次Release時觸發掛勾，
// 用來模擬取消流程釋放預授權期間仍在進行的領先權確認
type releaseHookGateway struct {
	*payment.FakeGateway
	fired     bool
	onRelease func()
}

func (g *releaseHookGateway) Release(ctx context.Context, ref string) error {
	if !g.fired && g.onRelease != nil {
		g.fired = true
		g.onRelease()
	}
	return g.FakeGateway.Release(ctx, ref)
}

func TestCancelAuctionRacingConfirm(t *testing.T) {
	env := newTestEnv(t)
	seller := env.createUser(t, "seller@example.com")
	auction := env.createActiveAuction(t, seller.ID, 100, nil)
	ctx := context.Background()

	gateway := &releaseHookGateway{FakeGateway: payment.NewFakeGateway()}
	redisClient := redis.NewClient(&redis.Options{Addr: env.redis.Addr()})
	t.Cleanup(func() { redisClient.Close() })
	engine := NewEngine(env.db, redisClient, gateway, env.scheduler, env.dispatcher,
		WithLeaderTTL(time.Minute), WithCaptureRetry(3, time.Millisecond))

	contact, err := ParseContact(models.ContactMethodEmail, "alice@example.com")
	require.NoError(t, err)
	_, err = engine.PlaceBid(ctx, PlaceBidInput{
		AuctionID:  auction.ID,
		Bidder:     GuestBidder{Contact: contact},
		BidderName: "Guest Bidder",
		Amount:     200,
	})
	require.NoError(t, err)

	// 取消流程釋放第一筆預授權時，另一筆已授權的出價正好在確認領先權
	var late models.Bid
	var confirmErr error
	gateway.onRelease = func() {
		auth, err := gateway.FakeGateway.Authorize(ctx, payment.AuthorizeInput{AmountCents: 300})
		require.NoError(t, err)
		late = models.Bid{
			ID:               uuid.New(),
			AuctionID:        auction.ID,
			BidderName:       "Late Bidder",
			ContactMethod:    models.ContactMethodEmail,
			ContactValue:     "bob@example.com",
			Amount:           300,
			Status:           models.BidStatusAuthorized,
			AuthorizationRef: auth.Ref,
			PlacedAt:         time.Now(),
		}
		require.NoError(t, env.db.Create(&late).Error)
		confirmErr = engine.confirmLeadership(ctx, auction, &late, time.Now())
	}

	require.NoError(t, engine.CancelAuction(ctx, auction.ID, seller.ID))

	// 拍賣先被標記為cancelled，晚到的確認必須失敗並釋放自己的預授權
	var finalized *AlreadyFinalizedError
	require.ErrorAs(t, confirmErr, &finalized)

	var reloaded models.Auction
	require.NoError(t, env.db.First(&reloaded, "id = ?", auction.ID).Error)
	assert.Equal(t, models.AuctionStatusCancelled, reloaded.Status)

	var lateReloaded models.Bid
	require.NoError(t, env.db.First(&lateReloaded, "id = ?", late.ID).Error)
	assert.Equal(t, models.BidStatusReleased, lateReloaded.Status)

	// 沒有任何預授權停留在圈存狀態
	states := gateway.StatesByAmount()
	assert.Equal(t, payment.FakeAuthStateReleased, states[200])
	assert.Equal(t, payment.FakeAuthStateReleased, states[300])
}

func TestCompleteAuction(t *testing.T) {
	env := newTestEnv(t)
	seller := env.createUser(t, "seller@example.com")
	auction := env.createActiveAuction(t, seller.ID, 100, nil)
	ctx := context.Background()

	// 還沒結標的拍賣不能標記完成
	err := env.engine.CompleteAuction(ctx, auction.ID, seller.ID)
	var validation *ValidationError
	assert.ErrorAs(t, err, &validation)

	_, err = env.engine.CloseAuction(ctx, auction.ID, CloseSourceScheduler)
	require.NoError(t, err)
	require.NoError(t, env.engine.CompleteAuction(ctx, auction.ID, seller.ID))

	var reloaded models.Auction
	require.NoError(t, env.db.First(&reloaded, "id = ?", auction.ID).Error)
	assert.Equal(t, models.AuctionStatusCompleted, reloaded.Status)

	// 重複標記完成是冪等的
	require.NoError(t, env.engine.CompleteAuction(ctx, auction.ID, seller.ID))

	// completed之後不允許取消
	err = env.engine.CancelAuction(ctx, auction.ID, seller.ID)
	var finalized *AlreadyFinalizedError
	assert.ErrorAs(t, err, &finalized)
}

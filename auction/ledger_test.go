package auction

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bidreel/adapters/notify"
	"bidreel/adapters/payment"
	"bidreel/models"
)

func TestPlaceBidValidation(t *testing.T) {
	env := newTestEnv(t)
	seller := env.createUser(t, "seller@example.com")
	auction := env.createActiveAuction(t, seller.ID, 100, nil)
	ctx := context.Background()

	contact, err := ParseContact(models.ContactMethodEmail, "alice@example.com")
	require.NoError(t, err)

	tests := []struct {
		name  string
		input PlaceBidInput
	}{
		{
			name: "出價金額必須為正",
			input: PlaceBidInput{
				AuctionID:  auction.ID,
				Bidder:     GuestBidder{Contact: contact},
				BidderName: "Alice",
				Amount:     0,
			},
		},
		{
			name: "出價者名稱太短",
			input: PlaceBidInput{
				AuctionID:  auction.ID,
				Bidder:     GuestBidder{Contact: contact},
				BidderName: "a",
				Amount:     200,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.engine.PlaceBid(ctx, tt.input)
			var validation *ValidationError
			assert.ErrorAs(t, err, &validation)
		})
	}

	t.Run("拍賣不存在", func(t *testing.T) {
		_, err := env.engine.PlaceBid(ctx, PlaceBidInput{
			AuctionID:  uuid.New(),
			Bidder:     GuestBidder{Contact: contact},
			BidderName: "Alice",
			Amount:     200,
		})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestPlaceBidBeforeStart(t *testing.T) {
	env := newTestEnv(t)
	seller := env.createUser(t, "seller@example.com")
	now := time.Now()
	auction := models.Auction{
		ID:         uuid.New(),
		CreatorID:  seller.ID,
		Title:      "Vintage camera",
		StartPrice: 100,
		Status:     models.AuctionStatusScheduled,
		StartTime:  now.Add(time.Hour),
		EndTime:    now.Add(2 * time.Hour),
	}
	require.NoError(t, env.db.Create(&auction).Error)

	_, err := env.placeGuestBid(t, auction.ID, "alice@example.com", 200)
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestPlaceBidActivatesDueAuction(t *testing.T) {
	env := newTestEnv(t)
	seller := env.createUser(t, "seller@example.com")
	now := time.Now()
	auction := models.Auction{
		ID:         uuid.New(),
		CreatorID:  seller.ID,
		Title:      "Vintage camera",
		StartPrice: 100,
		Status:     models.AuctionStatusScheduled,
		StartTime:  now.Add(-time.Minute),
		EndTime:    now.Add(time.Hour),
	}
	require.NoError(t, env.db.Create(&auction).Error)

	placed, err := env.placeGuestBid(t, auction.ID, "alice@example.com", 200)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, placed.BidID)

	var reloaded models.Auction
	require.NoError(t, env.db.First(&reloaded, "id = ?", auction.ID).Error)
	assert.Equal(t, models.AuctionStatusActive, reloaded.Status)
}

func TestPlaceBidAfterEndTime(t *testing.T) {
	env := newTestEnv(t)
	seller := env.createUser(t, "seller@example.com")
	now := time.Now()
	auction := models.Auction{
		ID:         uuid.New(),
		CreatorID:  seller.ID,
		Title:      "Vintage camera",
		StartPrice: 100,
		Status:     models.AuctionStatusActive,
		StartTime:  now.Add(-2 * time.Hour),
		EndTime:    now.Add(-time.Hour),
	}
	require.NoError(t, env.db.Create(&auction).Error)

	// 排程器漏觸發時，遲到的出價會補觸發結標後被拒絕
	_, err := env.placeGuestBid(t, auction.ID, "alice@example.com", 200)
	var finalized *AlreadyFinalizedError
	require.ErrorAs(t, err, &finalized)

	var reloaded models.Auction
	require.NoError(t, env.db.First(&reloaded, "id = ?", auction.ID).Error)
	assert.Equal(t, models.AuctionStatusEnded, reloaded.Status)
	assert.Equal(t, models.PayoutStatusNoSale, reloaded.PayoutStatus)
}

func TestPlaceBidSequence(t *testing.T) {
	env := newTestEnv(t)
	seller := env.createUser(t, "seller@example.com")
	auction := env.createActiveAuction(t, seller.ID, 100, nil)

	// 首次出價允許等於起標價
	first, err := env.placeGuestBid(t, auction.ID, "alice@example.com", 100)
	require.NoError(t, err)

	second, err := env.placeGuestBid(t, auction.ID, "bob@example.com", 150)
	require.NoError(t, err)

	// 不高於目前領先金額的出價應被拒絕且不留任何副作用
	_, err = env.placeGuestBid(t, auction.ID, "carol@example.com", 120)
	var outbid *OutbidError
	require.ErrorAs(t, err, &outbid)
	assert.Equal(t, int64(150), outbid.MustExceed)

	// 相同金額也應被拒絕
	_, err = env.placeGuestBid(t, auction.ID, "dave@example.com", 150)
	require.ErrorAs(t, err, &outbid)

	var bids []models.Bid
	require.NoError(t, env.db.Where("auction_id = ?", auction.ID).Find(&bids).Error)
	require.Len(t, bids, 2)

	byID := lo.SliceToMap(bids, func(b models.Bid) (uuid.UUID, models.Bid) { return b.ID, b })
	assert.Equal(t, models.BidStatusLosing, byID[first.BidID].Status)
	assert.Equal(t, models.BidStatusWinning, byID[second.BidID].Status)

	var reloaded models.Auction
	require.NoError(t, env.db.First(&reloaded, "id = ?", auction.ID).Error)
	require.NotNil(t, reloaded.CurrentBidID)
	assert.Equal(t, second.BidID, *reloaded.CurrentBidID)
	assert.Equal(t, int64(150), reloaded.LeadingAmount)

	// 前一位領先者收到被超越的通知
	outbidEvents := env.dispatcher.eventsOfType(notify.EventTypeOutbid)
	require.Len(t, outbidEvents, 1)
	assert.Equal(t, "alice@example.com", outbidEvents[0].Recipient)
	assert.Equal(t, int64(150), outbidEvents[0].Amount)

	// 訪客累計出價次數
	var guest models.GuestBidder
	require.NoError(t, env.db.First(&guest, "email = ?", "alice@example.com").Error)
	assert.Equal(t, int64(1), guest.TotalBids)
}

func TestPlaceBidAuthorizationDeclined(t *testing.T) {
	env := newTestEnv(t)
	seller := env.createUser(t, "seller@example.com")
	auction := env.createActiveAuction(t, seller.ID, 100, nil)

	env.gateway.DeclineNext = true
	_, err := env.placeGuestBid(t, auction.ID, "alice@example.com", 150)
	var declined *AuthorizationDeclinedError
	require.ErrorAs(t, err, &declined)
	assert.Equal(t, "card_declined", declined.Code)

	// 失敗的出價留下failed紀錄，領先者維持不變
	var bids []models.Bid
	require.NoError(t, env.db.Where("auction_id = ?", auction.ID).Find(&bids).Error)
	require.Len(t, bids, 1)
	assert.Equal(t, models.BidStatusFailed, bids[0].Status)
	require.NotNil(t, bids[0].FailedAt)

	// 預留已被撤銷，相同金額的下一筆出價應被接受
	placed, err := env.placeGuestBid(t, auction.ID, "bob@example.com", 150)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, placed.BidID)
}

func TestRollbackReservationWithoutPriorLeader(t *testing.T) {
	env := newTestEnv(t)
	auctionID := uuid.New()
	key := env.engine.leaderKey(auctionID)
	require.NoError(t, env.redis.Set(key, "150"))

	// 預留前鍵不存在時，撤銷要直接刪除鍵讓下一筆出價重新從資料庫回填
	env.engine.rollbackReservation(context.Background(), auctionID, 150, "")
	assert.False(t, env.redis.Exists(key))
}

func TestPlaceBidBuyNow(t *testing.T) {
	env := newTestEnv(t)
	seller := env.createUser(t, "seller@example.com")
	auction := env.createActiveAuction(t, seller.ID, 100, lo.ToPtr(int64(200)))

	// 達到一口價的出價立即結標
	placed, err := env.placeGuestBid(t, auction.ID, "alice@example.com", 200)
	require.NoError(t, err)
	assert.True(t, placed.BuyNowTriggered)
	require.NotNil(t, placed.Settlement)
	require.NotNil(t, placed.Settlement.WinnerBidID)
	assert.Equal(t, placed.BidID, *placed.Settlement.WinnerBidID)
	assert.Equal(t, CloseSourceBuyNow, placed.Settlement.Source)

	var reloaded models.Auction
	require.NoError(t, env.db.First(&reloaded, "id = ?", auction.ID).Error)
	assert.Equal(t, models.AuctionStatusEnded, reloaded.Status)

	states := env.gateway.StatesByAmount()
	assert.Equal(t, payment.FakeAuthStateCaptured, states[200])

	// 之後排程器的正常觸發是冪等的no-op
	captureCalls := env.gateway.CaptureCalls
	summary, err := env.engine.CloseAuction(context.Background(), auction.ID, CloseSourceScheduler)
	require.NoError(t, err)
	assert.Equal(t, placed.BidID, *summary.WinnerBidID)
	assert.Equal(t, captureCalls, env.gateway.CaptureCalls)
}

func TestPlaceBidConcurrent(t *testing.T) {
	env := newTestEnv(t)
	seller := env.createUser(t, "seller@example.com")
	auction := env.createActiveAuction(t, seller.ID, 100, nil)

	amounts := []int64{110, 120, 130}
	results := make([]error, len(amounts))
	var wg sync.WaitGroup
	for i, amount := range amounts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.placeGuestBid(t, auction.ID, "alice@example.com", amount)
			results[i] = err
		}()
	}
	wg.Wait()

	// 每筆出價要嘛被接受，要嘛明確被拒絕
	accepted := 0
	for _, err := range results {
		if err == nil {
			accepted++
			continue
		}
		var outbid *OutbidError
		require.ErrorAs(t, err, &outbid)
	}
	require.GreaterOrEqual(t, accepted, 1)

	// 任何時刻最多只有一筆winning出價，且是金額最高的已授權出價
	var winningBids []models.Bid
	require.NoError(t, env.db.Where("auction_id = ? AND status = ?", auction.ID, models.BidStatusWinning).Find(&winningBids).Error)
	require.Len(t, winningBids, 1)

	var allBids []models.Bid
	require.NoError(t, env.db.Where("auction_id = ?", auction.ID).Find(&allBids).Error)
	maxAmount := lo.MaxBy(allBids, func(a, b models.Bid) bool { return a.Amount > b.Amount }).Amount
	assert.Equal(t, maxAmount, winningBids[0].Amount)

	var reloaded models.Auction
	require.NoError(t, env.db.First(&reloaded, "id = ?", auction.ID).Error)
	require.NotNil(t, reloaded.CurrentBidID)
	assert.Equal(t, winningBids[0].ID, *reloaded.CurrentBidID)
	assert.Equal(t, winningBids[0].Amount, reloaded.LeadingAmount)
}

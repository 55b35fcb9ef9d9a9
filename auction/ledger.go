package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"bidreel/adapters/notify"
	"bidreel/adapters/payment"
	"bidreel/models"
)

// confirmAttempts 是領先權確認（版本號CAS）的重試次數
const confirmAttempts = 3

// PlaceBidInput 是出價的參數
type PlaceBidInput struct {
	AuctionID  uuid.UUID
	Bidder     Bidder
	BidderName string
	// Amount 是出價金額，單位為分
	Amount int64
	// PaymentMethod 是付款方式參照，可為空（由前端確認時綁定）
	PaymentMethod string
	IPAddress     string
	UserAgent     string
}

// PlaceBidResult 是出價被接受後的結果
type PlaceBidResult struct {
	BidID        uuid.UUID
	ClientSecret string
	Amount       int64
	// BuyNowTriggered 代表這筆出價達到一口價，拍賣已立即結標
	BuyNowTriggered bool
	Settlement      *SettlementSummary
}

// bidderRecord 是解析後的出價者身份
type bidderRecord struct {
	userID        *uuid.UUID
	guestID       *uuid.UUID
	contactMethod models.ContactMethod
	contactValue  string
	customerRef   string
}

// PlaceBid 對拍賣出價
// 准入走Redis上的領先金額鍵：在per-auction鎖下以Lua script預留
// 領先權，之後才對付款處理商建立預授權（不持鎖跨越網路呼叫），
// 最後用版本號CAS把領先權寫回資料庫。授權失敗時撤銷預留，
// CAS輸掉時釋放剛建立的預授權並回傳OutbidError
func (e *Engine) PlaceBid(ctx context.Context, input PlaceBidInput) (*PlaceBidResult, error) {
	const op = "Engine.PlaceBid"
	if input.Amount <= 0 {
		return nil, &ValidationError{Field: "amount", Reason: "amount must be positive"}
	}
	if err := ValidateBidderName(input.BidderName); err != nil {
		return nil, err
	}

	var auction models.Auction
	result := e.db.WithContext(ctx).First(&auction, "id = ?", input.AuctionID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("[%s] Fail to find auction, err=%w", op, result.Error)
	}
	e.activateIfDue(ctx, &auction)
	now := time.Now()
	if now.Before(auction.StartTime) {
		return nil, ErrNotStarted
	}
	if auction.Status.Terminal() {
		return nil, &AlreadyFinalizedError{Status: auction.Status}
	}
	if auction.Status != models.AuctionStatusActive {
		return nil, ErrNotStarted
	}
	// 已過結標時間但排程器還沒觸發，補觸發結標後拒絕這筆出價
	if now.After(auction.EndTime) {
		if _, err := e.CloseAuction(ctx, auction.ID, CloseSourceLazy); err != nil {
			slog.Error("Fail to lazily close auction", slog.String("op", op), slog.Any("error", err))
		}
		return nil, &AlreadyFinalizedError{Status: models.AuctionStatusEnded}
	}

	record, err := e.resolveBidder(ctx, input.Bidder, input.BidderName)
	if err != nil {
		return nil, err
	}

	bid, prevLeader, err := e.admitBid(ctx, &auction, record, input)
	if err != nil {
		return nil, err
	}

	auth, err := e.authorizeBid(ctx, &auction, bid, record, prevLeader, input.PaymentMethod)
	if err != nil {
		return nil, err
	}

	if err := e.confirmLeadership(ctx, &auction, bid, now); err != nil {
		return nil, err
	}

	e.dispatcher.Publish(notify.Event{
		Type:       notify.EventTypeBidPlaced,
		AuctionID:  auction.ID,
		BidID:      bid.ID,
		Recipient:  record.contactValue,
		Amount:     bid.Amount,
		OccurredAt: now,
	})

	placed := &PlaceBidResult{
		BidID:        bid.ID,
		ClientSecret: auth.ClientSecret,
		Amount:       bid.Amount,
	}

	// 出價達到一口價時立即結標，走同一條冪等的結標路徑
	if auction.BuyNowPrice != nil && bid.Amount >= *auction.BuyNowPrice {
		summary, err := e.CloseAuction(ctx, auction.ID, CloseSourceBuyNow)
		if err != nil {
			return nil, fmt.Errorf("[%s] Fail to close auction at buy now price, err=%w", op, err)
		}
		placed.BuyNowTriggered = true
		placed.Settlement = summary
	}
	return placed, nil
}

// resolveBidder 解析出價者身份並確保付款處理商上有對應的客戶
func (e *Engine) resolveBidder(ctx context.Context, bidder Bidder, name string) (*bidderRecord, error) {
	const op = "Engine.resolveBidder"
	switch b := bidder.(type) {
	case AuthenticatedBidder:
		contact, err := ParseContact(models.ContactMethodEmail, b.Email)
		if err != nil {
			return nil, err
		}
		customerRef, err := e.gateway.EnsureCustomer(ctx, name, contact.Value)
		if err != nil {
			return nil, fmt.Errorf("[%s] Fail to ensure payment customer, err=%w", op, err)
		}
		userID := b.UserID
		return &bidderRecord{
			userID:        &userID,
			contactMethod: contact.Method,
			contactValue:  contact.Value,
			customerRef:   customerRef,
		}, nil
	case GuestBidder:
		guest, err := e.ensureGuestBidder(ctx, b.Contact, name)
		if err != nil {
			return nil, err
		}
		guestID := guest.ID
		return &bidderRecord{
			guestID:       &guestID,
			contactMethod: b.Contact.Method,
			contactValue:  b.Contact.Value,
			customerRef:   guest.PaymentCustomerRef,
		}, nil
	default:
		return nil, &ValidationError{Field: "bidder", Reason: "unknown bidder kind"}
	}
}

// guestEmailKey 回傳訪客在資料庫上的唯一識別
// WhatsApp訪客沒有email，沿用電話號碼的佔位編碼作為識別
func guestEmailKey(contact Contact) string {
	if email := contact.Email(); email != "" {
		return email
	}
	return fmt.Sprintf("%s@wa.invalid", strings.TrimPrefix(contact.Value, "+"))
}

// ensureGuestBidder 以聯絡方式upsert訪客出價者
// 訪客紀錄永遠不會被刪除，重複出價時只更新名稱與電話
func (e *Engine) ensureGuestBidder(ctx context.Context, contact Contact, name string) (*models.GuestBidder, error) {
	const op = "Engine.ensureGuestBidder"
	email := guestEmailKey(contact)
	phone := ""
	if contact.Method == models.ContactMethodWhatsApp {
		phone = contact.Value
	}

	guest := models.GuestBidder{
		ID:    uuid.New(),
		Email: email,
		Phone: phone,
		Name:  name,
	}
	result := e.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "email"}},
		DoUpdates: clause.Assignments(map[string]any{"name": name, "phone": phone}),
	}).Create(&guest)
	if result.Error != nil {
		return nil, fmt.Errorf("[%s] Fail to upsert guest bidder, err=%w", op, result.Error)
	}
	if err := e.db.WithContext(ctx).First(&guest, "email = ?", email).Error; err != nil {
		return nil, fmt.Errorf("[%s] Fail to find guest bidder, err=%w", op, err)
	}

	if guest.PaymentCustomerRef == "" {
		customerRef, err := e.gateway.EnsureCustomer(ctx, name, email)
		if err != nil {
			return nil, fmt.Errorf("[%s] Fail to ensure payment customer, err=%w", op, err)
		}
		if err := e.db.WithContext(ctx).Model(&models.GuestBidder{}).Where("id = ?", guest.ID).
			Update("payment_customer_ref", customerRef).Error; err != nil {
			return nil, fmt.Errorf("[%s] Fail to save payment customer ref, err=%w", op, err)
		}
		guest.PaymentCustomerRef = customerRef
	}
	return &guest, nil
}

// admitBid 在per-auction鎖下預留領先權並建立pending_auth出價
// 回傳預留前的領先金額字串，授權失敗時用來還原
func (e *Engine) admitBid(ctx context.Context, auction *models.Auction, record *bidderRecord, input PlaceBidInput) (*models.Bid, string, error) {
	const op = "Engine.admitBid"
	mutex := e.options.lockFactory(e.lockKey(auction.ID))
	lockCtx, err := mutex.Lock(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("[%s] Fail to acquire bid lock, err=%w", op, err)
	}
	defer func() {
		if _, err := mutex.Unlock(); err != nil {
			slog.Warn("Fail to release bid lock", slog.String("op", op), slog.Any("error", err))
		}
	}()

	leaderKey := e.leaderKey(auction.ID)
	ttlSeconds := int64(e.options.leaderTTL.Seconds())

	// 記下預留前的領先金額，授權失敗時還原
	prevLeader, err := e.redisClient.Get(lockCtx, leaderKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, "", fmt.Errorf("[%s] Fail to read current leader, err=%w", op, err)
	}

	status, err := AdmitScript.Run(lockCtx, e.redisClient, []string{leaderKey}, input.Amount, ttlSeconds).Int()
	if err != nil {
		return nil, "", fmt.Errorf("[%s] Fail to run admit script, err=%w", op, err)
	}
	if status == -1 {
		// 領先金額鍵不存在，從資料庫回填後重試
		// 沒有任何出價時以起標價減一回填，讓等於起標價的首次出價可以通過
		var fresh models.Auction
		if err := e.db.WithContext(lockCtx).First(&fresh, "id = ?", auction.ID).Error; err != nil {
			return nil, "", fmt.Errorf("[%s] Fail to reload auction, err=%w", op, err)
		}
		if fresh.Status.Terminal() {
			return nil, "", &AlreadyFinalizedError{Status: fresh.Status}
		}
		seed := fresh.StartPrice - 1
		if fresh.CurrentBidID != nil {
			seed = fresh.LeadingAmount
		}
		if err := e.redisClient.Set(lockCtx, leaderKey, seed, e.options.leaderTTL).Err(); err != nil {
			return nil, "", fmt.Errorf("[%s] Fail to seed current leader, err=%w", op, err)
		}
		prevLeader = strconv.FormatInt(seed, 10)
		status, err = AdmitScript.Run(lockCtx, e.redisClient, []string{leaderKey}, input.Amount, ttlSeconds).Int()
		if err != nil {
			return nil, "", fmt.Errorf("[%s] Fail to run admit script, err=%w", op, err)
		}
	}
	switch status {
	case 1:
	case 0:
		mustExceed, err := e.redisClient.Get(lockCtx, leaderKey).Int64()
		if err != nil {
			return nil, "", fmt.Errorf("[%s] Fail to read current leader, err=%w", op, err)
		}
		return nil, "", &OutbidError{MustExceed: mustExceed}
	case -2:
		return nil, "", &AlreadyFinalizedError{Status: models.AuctionStatusEnded}
	default:
		return nil, "", fmt.Errorf("[%s] Invalid script return value: %d", op, status)
	}

	bid := models.Bid{
		ID:            uuid.New(),
		AuctionID:     auction.ID,
		BidderUserID:  record.userID,
		GuestBidderID: record.guestID,
		BidderName:    input.BidderName,
		ContactMethod: record.contactMethod,
		ContactValue:  record.contactValue,
		Amount:        input.Amount,
		Status:        models.BidStatusPendingAuth,
		PlacedAt:      time.Now(),
		IPAddress:     input.IPAddress,
		UserAgent:     input.UserAgent,
	}
	if err := e.db.WithContext(lockCtx).Create(&bid).Error; err != nil {
		return nil, "", fmt.Errorf("[%s] Fail to create bid, err=%w", op, err)
	}
	if record.guestID != nil {
		if err := e.db.WithContext(lockCtx).Model(&models.GuestBidder{}).Where("id = ?", *record.guestID).
			Update("total_bids", gorm.Expr("total_bids + 1")).Error; err != nil {
			return nil, "", fmt.Errorf("[%s] Fail to update guest bidder stats, err=%w", op, err)
		}
	}
	return &bid, prevLeader, nil
}

// authorizeBid 對付款處理商建立預授權，不持有per-auction鎖
// 被拒絕時撤銷Redis上的領先權預留，讓後續出價以原領先金額比較
func (e *Engine) authorizeBid(ctx context.Context, auction *models.Auction, bid *models.Bid, record *bidderRecord, prevLeader, paymentMethod string) (*payment.Authorization, error) {
	const op = "Engine.authorizeBid"
	auth, err := e.gateway.Authorize(ctx, payment.AuthorizeInput{
		AmountCents:    bid.Amount,
		CustomerRef:    record.customerRef,
		PaymentMethod:  paymentMethod,
		Description:    fmt.Sprintf("Bid on auction %s", auction.Title),
		IdempotencyKey: bid.ID.String(),
	})
	if err != nil {
		now := time.Now()
		if dbErr := e.db.WithContext(ctx).Model(&models.Bid{}).Where("id = ?", bid.ID).
			Updates(map[string]any{
				"status":    models.BidStatusFailed,
				"failed_at": now,
			}).Error; dbErr != nil {
			slog.Error("Fail to mark bid failed", slog.String("op", op), slog.Any("error", dbErr))
		}
		e.rollbackReservation(ctx, auction.ID, bid.Amount, prevLeader)

		var declined *payment.DeclinedError
		if errors.As(err, &declined) {
			return nil, &AuthorizationDeclinedError{Code: declined.Code, Message: declined.Message}
		}
		return nil, fmt.Errorf("[%s] Fail to authorize bid, err=%w", op, err)
	}

	if err := e.db.WithContext(ctx).Model(&models.Bid{}).Where("id = ?", bid.ID).
		Updates(map[string]any{
			"status":            models.BidStatusAuthorized,
			"authorization_ref": auth.Ref,
			"authorized_at":     time.Now(),
		}).Error; err != nil {
		return nil, fmt.Errorf("[%s] Fail to mark bid authorized, err=%w", op, err)
	}
	bid.Status = models.BidStatusAuthorized
	bid.AuthorizationRef = auth.Ref
	return auth, nil
}

// rollbackReservation 還原授權失敗的領先權預留
// 領先金額已被更高的出價更新時不動作；
// prevLeader為空字串代表預留前鍵不存在，此時改為刪除鍵讓下一筆出價重新回填
func (e *Engine) rollbackReservation(ctx context.Context, auctionID uuid.UUID, amount int64, prevLeader string) {
	const op = "Engine.rollbackReservation"
	ttlSeconds := int64(e.options.leaderTTL.Seconds())
	if err := RollbackReservationScript.Run(ctx, e.redisClient,
		[]string{e.leaderKey(auctionID)}, amount, prevLeader, ttlSeconds).Err(); err != nil {
		slog.Error("Fail to rollback leader reservation", slog.String("op", op), slog.Any("error", err))
	}
}

// confirmLeadership 用版本號CAS把領先權寫回資料庫
// 准入在Redis上已全序化，CAS輸掉只代表更高的出價先完成確認，
// 此時釋放剛建立的預授權並回傳OutbidError
func (e *Engine) confirmLeadership(ctx context.Context, auction *models.Auction, bid *models.Bid, now time.Time) error {
	const op = "Engine.confirmLeadership"
	for attempt := 0; attempt < confirmAttempts; attempt++ {
		var fresh models.Auction
		if err := e.db.WithContext(ctx).First(&fresh, "id = ?", auction.ID).Error; err != nil {
			return fmt.Errorf("[%s] Fail to reload auction, err=%w", op, err)
		}
		if fresh.Status.Terminal() {
			e.releaseBid(ctx, bid)
			return &AlreadyFinalizedError{Status: fresh.Status}
		}
		if fresh.CurrentBidID != nil && fresh.LeadingAmount >= bid.Amount {
			e.releaseBid(ctx, bid)
			return &OutbidError{MustExceed: fresh.LeadingAmount}
		}

		prevBidID := fresh.CurrentBidID
		confirmed := false
		err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			result := tx.Model(&models.Auction{}).
				Where("id = ? AND version = ? AND status = ?", fresh.ID, fresh.Version, models.AuctionStatusActive).
				Updates(map[string]any{
					"current_bid_id": bid.ID,
					"leading_amount": bid.Amount,
					"version":        gorm.Expr("version + 1"),
				})
			if result.Error != nil {
				return fmt.Errorf("[%s] Fail to update auction leader, err=%w", op, result.Error)
			}
			if result.RowsAffected == 0 {
				return nil
			}
			if err := tx.Model(&models.Bid{}).Where("id = ?", bid.ID).
				Update("status", models.BidStatusWinning).Error; err != nil {
				return fmt.Errorf("[%s] Fail to mark bid winning, err=%w", op, err)
			}
			if prevBidID != nil {
				if err := tx.Model(&models.Bid{}).Where("id = ?", *prevBidID).
					Update("status", models.BidStatusLosing).Error; err != nil {
					return fmt.Errorf("[%s] Fail to mark previous leader losing, err=%w", op, err)
				}
			}
			confirmed = true
			return nil
		})
		if err != nil {
			return err
		}
		if !confirmed {
			// 版本號已被併發更新，重新讀取後再試
			continue
		}

		bid.Status = models.BidStatusWinning
		if prevBidID != nil {
			e.notifyOutbid(ctx, auction.ID, *prevBidID, bid.Amount, now)
		}
		return nil
	}
	e.releaseBid(ctx, bid)
	return fmt.Errorf("[%s] Fail to confirm leadership after %d attempts", op, confirmAttempts)
}

// releaseBid 釋放出價的預授權並標記為released，失敗只記錄
func (e *Engine) releaseBid(ctx context.Context, bid *models.Bid) {
	const op = "Engine.releaseBid"
	if bid.AuthorizationRef == "" {
		return
	}
	if err := e.gateway.Release(ctx, bid.AuthorizationRef); err != nil {
		slog.Error("Fail to release hold", slog.String("op", op),
			slog.String("bidID", bid.ID.String()), slog.Any("error", err))
		return
	}
	if err := e.db.WithContext(ctx).Model(&models.Bid{}).Where("id = ?", bid.ID).
		Updates(map[string]any{
			"status":      models.BidStatusReleased,
			"released_at": time.Now(),
		}).Error; err != nil {
		slog.Error("Fail to mark bid released", slog.String("op", op), slog.Any("error", err))
	}
}

// notifyOutbid 通知前一位領先者已被超越
func (e *Engine) notifyOutbid(ctx context.Context, auctionID, prevBidID uuid.UUID, newAmount int64, now time.Time) {
	const op = "Engine.notifyOutbid"
	var prevBid models.Bid
	if err := e.db.WithContext(ctx).First(&prevBid, "id = ?", prevBidID).Error; err != nil {
		slog.Warn("Fail to find previous leader", slog.String("op", op), slog.Any("error", err))
		return
	}
	e.dispatcher.Publish(notify.Event{
		Type:       notify.EventTypeOutbid,
		AuctionID:  auctionID,
		BidID:      prevBid.ID,
		Recipient:  prevBid.ContactValue,
		Amount:     newAmount,
		OccurredAt: now,
	})
}

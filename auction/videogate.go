package auction

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"bidreel/adapters/s3"
	"bidreel/models"
)

// maxVideoSize 是得標者影片的大小上限
const maxVideoSize = 256 * 1024 * 1024

// IVideoStore 定義了影片儲存的操作介面
type IVideoStore interface {
	UploadVideo(ctx context.Context, path, contentType string, content io.Reader) (string, error)
	DeleteVideo(ctx context.Context, path string) error
}

// VideoGate 是得標者影片的發行閘門
// 錄影session只能在拍賣結束後為得標出價建立，token是一次性的，
// 24小時過期；session與影片在7天後由清理程序永久刪除
type VideoGate struct {
	db      *gorm.DB
	store   IVideoStore
	options videoGateOptions
}

type videoGateOptions struct {
	cleanupInterval time.Duration
}

type VideoGateOption func(*videoGateOptions)

// WithCleanupInterval 設置過期session清理的掃描間隔
func WithCleanupInterval(d time.Duration) VideoGateOption {
	return func(o *videoGateOptions) {
		o.cleanupInterval = d
	}
}

// NewVideoGate 建立得標者影片的發行閘門
func NewVideoGate(db *gorm.DB, store IVideoStore, opts ...VideoGateOption) *VideoGate {
	options := videoGateOptions{
		cleanupInterval: time.Hour,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return &VideoGate{db: db, store: store, options: options}
}

// generateRecordingToken 產生加密隨機的錄影token
func generateRecordingToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

// authorize 檢查呼叫者是否有權存取某場拍賣的錄影session
// 已登入的呼叫者必須是winner_email本人；訪客以持有得標出價的
// bid_id作為證明（刻意較弱的fallback，訪客沒有登入身份）
func (g *VideoGate) authorize(auction *models.Auction, bidID uuid.UUID, callerEmail string) error {
	if auction.Status != models.AuctionStatusEnded && auction.Status != models.AuctionStatusCompleted {
		return ErrForbidden
	}
	if auction.WinnerBidID == nil || *auction.WinnerBidID != bidID {
		return ErrForbidden
	}
	if callerEmail != "" && (auction.WinnerEmail == nil || !strings.EqualFold(callerEmail, *auction.WinnerEmail)) {
		return ErrForbidden
	}
	return nil
}

// CreateSession 為得標者建立錄影session並發行token
// 已有session且token未過期時回傳現有session；影片已上傳且還有
// 重錄額度時發行新token並消耗一次重錄額度
func (g *VideoGate) CreateSession(ctx context.Context, auctionID, bidID uuid.UUID, callerEmail string) (*models.AuctionVideo, error) {
	const op = "VideoGate.CreateSession"
	var auction models.Auction
	if err := g.db.WithContext(ctx).First(&auction, "id = ?", auctionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("[%s] Fail to find auction, err=%w", op, err)
	}
	if err := g.authorize(&auction, bidID, callerEmail); err != nil {
		return nil, err
	}

	now := time.Now()
	var session models.AuctionVideo
	err := g.db.WithContext(ctx).First(&session, "auction_id = ?", auctionID).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("[%s] Fail to find video session, err=%w", op, err)
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		token, err := generateRecordingToken()
		if err != nil {
			return nil, fmt.Errorf("[%s] Fail to generate recording token, err=%w", op, err)
		}
		session = models.AuctionVideo{
			ID:             uuid.New(),
			AuctionID:      auctionID,
			BidID:          bidID,
			RecordingToken: token,
			TokenExpiresAt: now.Add(models.RecordingTokenTTL),
			ExpiresAt:      now.Add(models.VideoSessionTTL),
		}
		if err := g.db.WithContext(ctx).Create(&session).Error; err != nil {
			return nil, fmt.Errorf("[%s] Fail to create video session, err=%w", op, err)
		}
		return &session, nil
	}

	// session與影片的7天保留期限是硬邊界，過期後不再發行任何token
	if now.After(session.ExpiresAt) {
		return nil, ErrNotFound
	}

	// 影片已上傳，重錄需要發行新token並消耗重錄額度
	if session.ConsumedAt != nil {
		if session.RetakeCount >= models.MaxRetakeCount {
			return nil, &ValidationError{Field: "retake", Reason: "retake limit reached"}
		}
		token, err := generateRecordingToken()
		if err != nil {
			return nil, fmt.Errorf("[%s] Fail to generate recording token, err=%w", op, err)
		}
		updates := map[string]any{
			"recording_token":  token,
			"token_expires_at": now.Add(models.RecordingTokenTTL),
			"retake_count":     gorm.Expr("retake_count + 1"),
			"consumed_at":      nil,
		}
		if err := g.db.WithContext(ctx).Model(&models.AuctionVideo{}).Where("id = ?", session.ID).
			Updates(updates).Error; err != nil {
			return nil, fmt.Errorf("[%s] Fail to reissue recording token, err=%w", op, err)
		}
		session.RecordingToken = token
		session.TokenExpiresAt = now.Add(models.RecordingTokenTTL)
		session.RetakeCount++
		session.ConsumedAt = nil
		return &session, nil
	}

	// token過期但影片尚未上傳，換發新token不消耗重錄額度
	if now.After(session.TokenExpiresAt) {
		token, err := generateRecordingToken()
		if err != nil {
			return nil, fmt.Errorf("[%s] Fail to generate recording token, err=%w", op, err)
		}
		if err := g.db.WithContext(ctx).Model(&models.AuctionVideo{}).Where("id = ?", session.ID).
			Updates(map[string]any{
				"recording_token":  token,
				"token_expires_at": now.Add(models.RecordingTokenTTL),
			}).Error; err != nil {
			return nil, fmt.Errorf("[%s] Fail to reissue recording token, err=%w", op, err)
		}
		session.RecordingToken = token
		session.TokenExpiresAt = now.Add(models.RecordingTokenTTL)
	}
	return &session, nil
}

// FetchSession 取得現有的錄影session
// 過期的session視同不存在，即使授權檢查通過
func (g *VideoGate) FetchSession(ctx context.Context, auctionID, bidID uuid.UUID, callerEmail string) (*models.AuctionVideo, error) {
	const op = "VideoGate.FetchSession"
	var auction models.Auction
	if err := g.db.WithContext(ctx).First(&auction, "id = ?", auctionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("[%s] Fail to find auction, err=%w", op, err)
	}
	if err := g.authorize(&auction, bidID, callerEmail); err != nil {
		return nil, err
	}

	var session models.AuctionVideo
	if err := g.db.WithContext(ctx).First(&session, "auction_id = ?", auctionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("[%s] Fail to find video session, err=%w", op, err)
	}
	if time.Now().After(session.ExpiresAt) {
		return nil, ErrNotFound
	}
	return &session, nil
}

// UploadVideo 以錄影token上傳得標者影片
// token是一次性的：超過24小時、已被使用、或session超過7天
// 保留期限的token都會被拒絕，即使資料列仍然存在
func (g *VideoGate) UploadVideo(ctx context.Context, token, contentType string, content io.Reader) (*models.AuctionVideo, error) {
	const op = "VideoGate.UploadVideo"
	ok, ext := s3.CheckSecureVideoAndGetExtension(contentType)
	if !ok {
		return nil, &ValidationError{Field: "content_type", Reason: "unsupported video type"}
	}

	var session models.AuctionVideo
	if err := g.db.WithContext(ctx).First(&session, "recording_token = ?", token).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrForbidden
		}
		return nil, fmt.Errorf("[%s] Fail to find video session, err=%w", op, err)
	}
	now := time.Now()
	if now.After(session.TokenExpiresAt) || now.After(session.ExpiresAt) || session.ConsumedAt != nil {
		return nil, ErrForbidden
	}

	// 重錄時先清掉舊影片，避免遺留到期才被清掉的孤兒檔案
	if session.VideoURL != nil {
		if path, err := objectPathFromURL(*session.VideoURL); err == nil {
			if err := g.store.DeleteVideo(ctx, path); err != nil {
				slog.Warn("Fail to delete previous video", slog.String("op", op), slog.Any("error", err))
			}
		}
	}

	path := fmt.Sprintf("videos/%s/%s.%s", session.AuctionID, session.ID, ext)
	videoURL, err := g.store.UploadVideo(ctx, path, contentType, s3.NewMaxSizeReader(content, maxVideoSize))
	if err != nil {
		var reachLimit *s3.ReachLimitError
		if errors.As(err, &reachLimit) {
			return nil, &ValidationError{Field: "content", Reason: reachLimit.Error()}
		}
		return nil, fmt.Errorf("[%s] Fail to upload video, err=%w", op, err)
	}

	if err := g.db.WithContext(ctx).Model(&models.AuctionVideo{}).Where("id = ?", session.ID).
		Updates(map[string]any{
			"video_url":   videoURL,
			"consumed_at": now,
		}).Error; err != nil {
		return nil, fmt.Errorf("[%s] Fail to mark session consumed, err=%w", op, err)
	}
	session.VideoURL = &videoURL
	session.ConsumedAt = &now
	return &session, nil
}

// objectPathFromURL 從影片的公開URL還原出儲存桶內的物件路徑
func objectPathFromURL(raw string) (string, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	return strings.TrimPrefix(parsed.Path, "/"), nil
}

// CleanupExpired 刪除所有超過保留期限的錄影session與影片
func (g *VideoGate) CleanupExpired(ctx context.Context) (int, error) {
	const op = "VideoGate.CleanupExpired"
	var sessions []models.AuctionVideo
	if err := g.db.WithContext(ctx).Where("expires_at < ?", time.Now()).Find(&sessions).Error; err != nil {
		return 0, fmt.Errorf("[%s] Fail to list expired sessions, err=%w", op, err)
	}
	deleted := 0
	for i := range sessions {
		session := &sessions[i]
		if session.VideoURL != nil {
			path, err := objectPathFromURL(*session.VideoURL)
			if err != nil {
				slog.Error("Fail to parse video URL", slog.String("op", op), slog.Any("error", err))
				continue
			}
			if err := g.store.DeleteVideo(ctx, path); err != nil {
				slog.Error("Fail to delete expired video", slog.String("op", op),
					slog.String("sessionID", session.ID.String()), slog.Any("error", err))
				continue
			}
		}
		if err := g.db.WithContext(ctx).Delete(&models.AuctionVideo{}, "id = ?", session.ID).Error; err != nil {
			return deleted, fmt.Errorf("[%s] Fail to delete video session, err=%w", op, err)
		}
		deleted++
	}
	return deleted, nil
}

// RunCleanup 定期清理過期的錄影session，直到context被取消
func (g *VideoGate) RunCleanup(ctx context.Context) {
	logger := slog.With(slog.String("caller", "VideoGate.RunCleanup"))
	ticker := time.NewTicker(g.options.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := g.CleanupExpired(ctx)
			if err != nil {
				logger.Error("Fail to cleanup expired video sessions", slog.Any("error", err))
				continue
			}
			if deleted > 0 {
				logger.Info("Cleaned up expired video sessions", slog.Int("deleted", deleted))
			}
		}
	}
}

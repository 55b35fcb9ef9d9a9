package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	awsCfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	"bidreel/adapters/notify"
	"bidreel/adapters/payment"
	internalS3 "bidreel/adapters/s3"
	schedulerAdapter "bidreel/adapters/scheduler"
	"bidreel/auction"
	"bidreel/models"
)

type ServerImpl struct {
	engine      *auction.Engine
	videoGate   *auction.VideoGate
	dispatcher  notify.IDispatcher
	scheduler   *schedulerAdapter.AsynqScheduler
	asynqServer *asynq.Server
	redisClient *redis.Client
	db          *gorm.DB
	wg          sync.WaitGroup
	cancelFunc  context.CancelFunc

	config ServerConfig
}

func NewServer(config ServerConfig) (*ServerImpl, error) {
	const op = "NewServer"

	// 初始化S3客戶端
	s3Cfg, err := awsCfg.LoadDefaultConfig(
		context.Background(),
		awsCfg.WithBaseEndpoint(config.S3.Endpoint),
		awsCfg.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(config.S3.AccessKeyID, config.S3.SecretAccessKey, "")),
		awsCfg.WithRegion("auto"),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to load AWS config, err=%w", op, err)
	}
	videoStore, err := internalS3.NewVideoStore(s3.NewFromConfig(s3Cfg), config.S3.Bucket, config.S3.PublicBaseURL)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create video store, err=%w", op, err)
	}

	// 初始化資料庫連線
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable&search_path=%s", config.DB.User, config.DB.Password, config.DB.Host, config.DB.Port, config.DB.Database, config.DB.Schema)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		NamingStrategy: schema.NamingStrategy{
			TablePrefix: config.DB.Schema + ".",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to connect to database, err=%w", op, err)
	}
	if err := db.AutoMigrate(
		&models.User{},
		&models.GuestBidder{},
		&models.Auction{},
		&models.Bid{},
		&models.AuctionVideo{},
	); err != nil {
		return nil, fmt.Errorf("[%s] Fail to migrate database, err=%w", op, err)
	}

	// 初始化Redis連線
	redisClient := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})

	// 初始化付款閘道與結標排程器
	gateway := payment.NewStripeGateway(config.Stripe.APIKey, "usd")
	redisOpt := asynq.RedisClientOpt{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	}
	closeScheduler := schedulerAdapter.NewAsynqScheduler(redisOpt, config.Auction.CloseQueue)
	asynqServer := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: config.Auction.CloseConcurrency,
		Queues:      map[string]int{config.Auction.CloseQueue: 1},
	})

	dispatcher := notify.NewDispatcher(notify.NewLogSender(slog.Default()))

	engine := auction.NewEngine(db, redisClient, gateway, closeScheduler, dispatcher,
		auction.WithKeyPrefix(config.Redis.KeyPrefix),
		auction.WithLeaderTTL(config.Redis.ExpireTime),
		auction.WithFeeRate(config.Auction.FeeRate),
	)
	videoGate := auction.NewVideoGate(db, videoStore)

	return &ServerImpl{
		engine:      engine,
		videoGate:   videoGate,
		dispatcher:  dispatcher,
		scheduler:   closeScheduler,
		asynqServer: asynqServer,
		redisClient: redisClient,
		db:          db,
		config:      config,
	}, nil
}

func (impl *ServerImpl) Start() error {
	const op = "ServerImpl.Start"
	// 啟動通知派發器
	impl.dispatcher.Start()

	// 啟動結標任務的worker
	mux := asynq.NewServeMux()
	mux.HandleFunc(schedulerAdapter.TaskTypeAuctionClose, impl.HandleCloseTask)
	if err := impl.asynqServer.Start(mux); err != nil {
		return fmt.Errorf("[%s] Fail to start close task worker, err=%w", op, err)
	}

	// 啟動過期錄影session的清理worker
	ctx, cancel := context.WithCancel(context.Background())
	impl.cancelFunc = cancel
	impl.wg.Add(1)
	go func() {
		defer impl.wg.Done()
		impl.videoGate.RunCleanup(ctx)
	}()
	return nil
}

func (impl *ServerImpl) Close() {
	if impl.cancelFunc != nil {
		impl.cancelFunc()
	}
	impl.wg.Wait()
	impl.asynqServer.Shutdown()
	impl.dispatcher.Close()
	if err := impl.scheduler.Close(); err != nil {
		slog.Warn("Fail to close scheduler", slog.Any("error", err))
	}
	if err := impl.redisClient.Close(); err != nil {
		slog.Warn("Fail to close redis client", slog.Any("error", err))
	}
}

// HandleCloseTask 消化外部排程器觸發的結標任務
// 結標是冪等的，重送或補觸發都會回傳第一次結算的內容
func (impl *ServerImpl) HandleCloseTask(ctx context.Context, task *asynq.Task) error {
	const op = "HandleCloseTask"
	payload, err := schedulerAdapter.NewClosePayload(task)
	if err != nil {
		return fmt.Errorf("[%s] Fail to parse close payload, err=%w", op, err)
	}
	_, err = impl.engine.CloseAuction(ctx, payload.AuctionID, auction.CloseSourceScheduler)
	if err != nil {
		var finalized *auction.AlreadyFinalizedError
		if errors.As(err, &finalized) || errors.Is(err, auction.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("[%s] Fail to close auction, err=%w", op, err)
	}
	slog.Info("Auction closed by scheduler", slog.String("auctionID", payload.AuctionID.String()))
	return nil
}

func (impl *ServerImpl) RegisterRoutes(router *gin.Engine) {
	group := router.Group("/api")
	group.POST("/auctions", impl.PostAuction)
	group.GET("/auctions/:auctionID", impl.GetAuction)
	group.POST("/auctions/:auctionID/bids", impl.PostAuctionBids)
	group.POST("/auctions/:auctionID/close", impl.PostAuctionClose)
	group.POST("/auctions/:auctionID/cancel", impl.PostAuctionCancel)
	group.POST("/auctions/:auctionID/complete", impl.PostAuctionComplete)
	group.POST("/auctions/:auctionID/video-sessions", impl.PostAuctionVideoSession)
	group.GET("/auctions/:auctionID/video-sessions", impl.GetAuctionVideoSession)
	group.POST("/videos/:token", impl.PostVideo)
}

// currentUser 解析Authorization header中的access token
func (impl *ServerImpl) currentUser(c *gin.Context) (*JWT, bool) {
	header := c.GetHeader("Authorization")
	tokenString, found := strings.CutPrefix(header, "Bearer ")
	if !found || tokenString == "" {
		return nil, false
	}
	token, err := ParseAndValidateJWT(tokenString, impl.config.Auth.PrivateKey,
		impl.config.Auth.Issuer, impl.config.Auth.Audience)
	if err != nil {
		slog.Debug("Fail to parse access token", slog.Any("error", err))
		return nil, false
	}
	return token, true
}

// respondError 把引擎的錯誤分類對應到HTTP狀態碼
func respondError(c *gin.Context, op string, err error) {
	var validation *auction.ValidationError
	var outbid *auction.OutbidError
	var declined *auction.AuthorizationDeclinedError
	var finalized *auction.AlreadyFinalizedError
	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"error": validation.Error(), "field": validation.Field})
	case errors.As(err, &outbid):
		c.JSON(http.StatusConflict, gin.H{"error": outbid.Error(), "mustExceed": outbid.MustExceed})
	case errors.As(err, &declined):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": declined.Error(), "code": declined.Code})
	case errors.As(err, &finalized):
		c.JSON(http.StatusGone, gin.H{"error": finalized.Error(), "status": finalized.Status})
	case errors.Is(err, auction.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, auction.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, auction.ErrNotStarted):
		c.JSON(http.StatusForbidden, gin.H{"error": "auction has not started"})
	default:
		slog.Error("Unexpected error", slog.String("op", op), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

type PostAuctionRequest struct {
	Title       string     `json:"title" binding:"required"`
	Description string     `json:"description"`
	StartPrice  int64      `json:"startPrice"`
	BuyNowPrice *int64     `json:"buyNowPrice"`
	StartTime   *time.Time `json:"startTime"`
	Duration    int        `json:"duration" binding:"required"`
}

// PostAuction 建立一場拍賣，只開放給已登入的賣家
func (impl *ServerImpl) PostAuction(c *gin.Context) {
	const op = "PostAuction"
	token, ok := impl.currentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	creatorID, err := uuid.Parse(token.Subject)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var request PostAuctionRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	input := auction.CreateAuctionInput{
		CreatorID:       creatorID,
		Title:           request.Title,
		Description:     request.Description,
		StartPrice:      request.StartPrice,
		BuyNowPrice:     request.BuyNowPrice,
		DurationMinutes: request.Duration,
	}
	if request.StartTime != nil {
		input.StartTime = *request.StartTime
	}
	created, err := impl.engine.CreateAuction(c.Request.Context(), input)
	if err != nil {
		respondError(c, op, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":        created.ID,
		"status":    created.Status,
		"startTime": created.StartTime,
		"endTime":   created.EndTime,
	})
}

// GetAuction 取得拍賣及其出價紀錄
func (impl *ServerImpl) GetAuction(c *gin.Context) {
	const op = "GetAuction"
	auctionID, err := uuid.Parse(c.Param("auctionID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid auction id"})
		return
	}
	found, err := impl.engine.GetAuction(c.Request.Context(), auctionID)
	if err != nil {
		respondError(c, op, err)
		return
	}

	bids := make([]gin.H, len(found.Bids))
	for i, bid := range found.Bids {
		bids[i] = gin.H{
			"bidder": bid.BidderName,
			"amount": bid.Amount,
			"status": bid.Status,
			"time":   bid.PlacedAt,
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"id":            found.ID,
		"title":         found.Title,
		"description":   found.Description,
		"status":        found.Status,
		"startPrice":    found.StartPrice,
		"buyNowPrice":   found.BuyNowPrice,
		"leadingAmount": found.LeadingAmount,
		"startTime":     found.StartTime,
		"endTime":       found.EndTime,
		"payoutStatus":  found.PayoutStatus,
		"bids":          bids,
	})
}

type PostBidRequest struct {
	Amount        int64  `json:"amount" binding:"required"`
	BidderName    string `json:"bidderName"`
	ContactMethod string `json:"contactMethod"`
	ContactValue  string `json:"contactValue"`
	PaymentMethod string `json:"paymentMethod"`
}

// PostAuctionBids 對拍賣出價
// 已登入的使用者以access token識別，訪客必須提供聯絡方式
func (impl *ServerImpl) PostAuctionBids(c *gin.Context) {
	const op = "PostAuctionBids"
	auctionID, err := uuid.Parse(c.Param("auctionID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid auction id"})
		return
	}
	var request PostBidRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var bidder auction.Bidder
	bidderName := request.BidderName
	if token, ok := impl.currentUser(c); ok {
		userID, err := uuid.Parse(token.Subject)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		bidder = auction.AuthenticatedBidder{UserID: userID, Email: token.Email}
		if bidderName == "" {
			bidderName = token.Username
		}
	} else {
		contact, err := auction.ParseContact(models.ContactMethod(request.ContactMethod), request.ContactValue)
		if err != nil {
			respondError(c, op, err)
			return
		}
		bidder = auction.GuestBidder{Contact: contact}
	}

	result, err := impl.engine.PlaceBid(c.Request.Context(), auction.PlaceBidInput{
		AuctionID:     auctionID,
		Bidder:        bidder,
		BidderName:    bidderName,
		Amount:        request.Amount,
		PaymentMethod: request.PaymentMethod,
		IPAddress:     c.ClientIP(),
		UserAgent:     c.Request.UserAgent(),
	})
	if err != nil {
		respondError(c, op, err)
		return
	}
	response := gin.H{
		"bidID":        result.BidID,
		"amount":       result.Amount,
		"clientSecret": result.ClientSecret,
	}
	if result.BuyNowTriggered {
		response["buyNowTriggered"] = true
	}
	c.JSON(http.StatusOK, response)
}

// PostAuctionClose 手動觸發結標，與排程器走同一條冪等路徑
// 用於排程器漏觸發時的人工補救
func (impl *ServerImpl) PostAuctionClose(c *gin.Context) {
	const op = "PostAuctionClose"
	if _, ok := impl.currentUser(c); !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	auctionID, err := uuid.Parse(c.Param("auctionID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid auction id"})
		return
	}
	summary, err := impl.engine.CloseAuction(c.Request.Context(), auctionID, auction.CloseSourceManual)
	if err != nil {
		respondError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"auctionID":     summary.AuctionID,
		"payoutStatus":  summary.PayoutStatus,
		"winnerBidID":   summary.WinnerBidID,
		"winningAmount": summary.WinningAmount,
		"profit":        summary.Profit,
		"platformFee":   summary.PlatformFee,
		"netPayout":     summary.NetPayout,
	})
}

// PostAuctionCancel 取消拍賣並釋放所有未終結的預授權
func (impl *ServerImpl) PostAuctionCancel(c *gin.Context) {
	const op = "PostAuctionCancel"
	token, ok := impl.currentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	callerID, err := uuid.Parse(token.Subject)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	auctionID, err := uuid.Parse(c.Param("auctionID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid auction id"})
		return
	}
	if err := impl.engine.CancelAuction(c.Request.Context(), auctionID, callerID); err != nil {
		respondError(c, op, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// PostAuctionComplete 把已結標的拍賣標記為completed
func (impl *ServerImpl) PostAuctionComplete(c *gin.Context) {
	const op = "PostAuctionComplete"
	token, ok := impl.currentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	callerID, err := uuid.Parse(token.Subject)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	auctionID, err := uuid.Parse(c.Param("auctionID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid auction id"})
		return
	}
	if err := impl.engine.CompleteAuction(c.Request.Context(), auctionID, callerID); err != nil {
		respondError(c, op, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type VideoSessionRequest struct {
	BidID uuid.UUID `json:"bidID" binding:"required"`
}

// PostAuctionVideoSession 為得標者建立錄影session
// 已登入的得標者以access token的email驗證，訪客以得標的bid_id作為證明
func (impl *ServerImpl) PostAuctionVideoSession(c *gin.Context) {
	const op = "PostAuctionVideoSession"
	auctionID, err := uuid.Parse(c.Param("auctionID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid auction id"})
		return
	}
	var request VideoSessionRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	callerEmail := ""
	if token, ok := impl.currentUser(c); ok {
		callerEmail = token.Email
	}
	session, err := impl.videoGate.CreateSession(c.Request.Context(), auctionID, request.BidID, callerEmail)
	if err != nil {
		respondError(c, op, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"recordingToken": session.RecordingToken,
		"tokenExpiresAt": session.TokenExpiresAt,
		"retakeCount":    session.RetakeCount,
		"expiresAt":      session.ExpiresAt,
	})
}

// GetAuctionVideoSession 取得現有的錄影session
func (impl *ServerImpl) GetAuctionVideoSession(c *gin.Context) {
	const op = "GetAuctionVideoSession"
	auctionID, err := uuid.Parse(c.Param("auctionID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid auction id"})
		return
	}
	bidID, err := uuid.Parse(c.Query("bidID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid bid id"})
		return
	}
	callerEmail := ""
	if token, ok := impl.currentUser(c); ok {
		callerEmail = token.Email
	}
	session, err := impl.videoGate.FetchSession(c.Request.Context(), auctionID, bidID, callerEmail)
	if err != nil {
		respondError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"tokenExpiresAt": session.TokenExpiresAt,
		"retakeCount":    session.RetakeCount,
		"expiresAt":      session.ExpiresAt,
		"videoURL":       session.VideoURL,
		"consumedAt":     session.ConsumedAt,
	})
}

// PostVideo 以錄影token上傳得標者影片
func (impl *ServerImpl) PostVideo(c *gin.Context) {
	const op = "PostVideo"
	token := c.Param("token")
	contentType := c.ContentType()
	session, err := impl.videoGate.UploadVideo(c.Request.Context(), token, contentType, c.Request.Body)
	if err != nil {
		respondError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"videoURL":   session.VideoURL,
		"consumedAt": session.ConsumedAt,
	})
}

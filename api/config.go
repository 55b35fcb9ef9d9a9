package api

import (
	"crypto"
	"time"

	"github.com/shopspring/decimal"
)

type ServerConfig struct {
	Auth    AuthConfig
	S3      S3Config
	DB      DBConfig
	Redis   RedisConfig
	Stripe  StripeConfig
	Auction AuctionConfig
}

type AuthConfig struct {
	// PrivateKey 是簽發access token的Ed25519金鑰
	PrivateKey crypto.Signer
	Issuer     string
	Audience   string
}

type S3Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
	Bucket          string
	PublicBaseURL   string
}

type DBConfig struct {
	User     string
	Password string
	Host     string
	Port     int
	Database string
	Schema   string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// KeyPrefix 是所有拍賣相關Redis鍵的前綴
	KeyPrefix string
	// ExpireTime 是領先金額鍵的過期時間
	ExpireTime time.Duration
}

type StripeConfig struct {
	APIKey string
}

type AuctionConfig struct {
	// FeeRate 是平台抽成比例，只對超出起標價的部分抽成
	FeeRate decimal.Decimal
	// CloseQueue 是結標任務使用的asynq佇列名稱
	CloseQueue string
	// CloseConcurrency 是結標任務的併發處理數
	CloseConcurrency int
}

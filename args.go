package main

import (
	"crypto"
	"crypto/ed25519"
	"encoding/base64"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"bidreel/api"
)

func ParseArgs() Args {
	// server config
	pflag.String("server-url", "0.0.0.0:8080", "")

	// auth config
	pflag.String("auth-private-key", "", "base64 encoded ed25519 seed")
	pflag.String("auth-issuer", "bidreel", "")
	pflag.String("auth-audience", "bidreel", "")

	// s3 config
	pflag.String("s3-endpoint", "", "")
	pflag.String("s3-bucket", "", "")
	pflag.String("s3-public-base-url", "", "")
	pflag.String("s3-access-key-id", "", "")
	pflag.String("s3-secret-access-key", "", "")

	// db config
	pflag.String("db-user", "", "")
	pflag.String("db-password", "", "")
	pflag.String("db-host", "", "")
	pflag.Int("db-port", 5432, "")
	pflag.String("db-database", "", "")
	pflag.String("db-schema", "", "")

	// redis config
	pflag.String("redis-addr", "", "")
	pflag.String("redis-password", "", "")
	pflag.Int("redis-db", 15, "")
	pflag.String("redis-key-prefix", "bidreel:", "")
	pflag.Duration("redis-expire-time", 10*time.Minute, "")

	// stripe config
	pflag.String("stripe-api-key", "", "")

	// auction config
	pflag.String("auction-fee-rate", "0.25", "")
	pflag.String("auction-close-queue", "bidreel-close", "")
	pflag.Int("auction-close-concurrency", 4, "")

	// bind pflag to viper
	pflag.Parse()
	viper.BindPFlags(pflag.CommandLine)
	viper.AutomaticEnv()
	viper.SetEnvPrefix("BIDREEL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// initial arguments
	return Args{
		ServerURL: viper.GetString("server-url"),
		ServerConfig: api.ServerConfig{
			Auth: api.AuthConfig{
				PrivateKey: parsePrivateKey(viper.GetString("auth-private-key")),
				Issuer:     viper.GetString("auth-issuer"),
				Audience:   viper.GetString("auth-audience"),
			},
			S3: api.S3Config{
				Endpoint:        viper.GetString("s3-endpoint"),
				Bucket:          viper.GetString("s3-bucket"),
				PublicBaseURL:   viper.GetString("s3-public-base-url"),
				AccessKeyID:     viper.GetString("s3-access-key-id"),
				SecretAccessKey: viper.GetString("s3-secret-access-key"),
			},
			DB: api.DBConfig{
				User:     viper.GetString("db-user"),
				Password: viper.GetString("db-password"),
				Host:     viper.GetString("db-host"),
				Port:     viper.GetInt("db-port"),
				Database: viper.GetString("db-database"),
				Schema:   viper.GetString("db-schema"),
			},
			Redis: api.RedisConfig{
				Addr:       viper.GetString("redis-addr"),
				Password:   viper.GetString("redis-password"),
				DB:         viper.GetInt("redis-db"),
				KeyPrefix:  viper.GetString("redis-key-prefix"),
				ExpireTime: viper.GetDuration("redis-expire-time"),
			},
			Stripe: api.StripeConfig{
				APIKey: viper.GetString("stripe-api-key"),
			},
			Auction: api.AuctionConfig{
				FeeRate:          parseFeeRate(viper.GetString("auction-fee-rate")),
				CloseQueue:       viper.GetString("auction-close-queue"),
				CloseConcurrency: viper.GetInt("auction-close-concurrency"),
			},
		},
	}
}

// parsePrivateKey 解碼base64編碼的ed25519 seed
func parsePrivateKey(encoded string) crypto.Signer {
	if encoded == "" {
		return nil
	}
	seed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil
	}
	return ed25519.NewKeyFromSeed(seed)
}

func parseFeeRate(raw string) decimal.Decimal {
	rate, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}
	}
	return rate
}

type Args struct {
	ServerURL    string
	ServerConfig api.ServerConfig
}

func (args Args) Validate() bool {
	return args.ServerURL != "" &&
		args.ServerConfig.Auth.PrivateKey != nil &&
		args.ServerConfig.Stripe.APIKey != "" &&
		args.ServerConfig.Auction.FeeRate.IsPositive()
}

package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// TopupPackage is a purchasable credit bundle.
type TopupPackage struct {
	Rub     int
	Credits int
}

// Config holds every runtime parameter of the service.
type Config struct {
	Env      string
	HTTPPort string

	DatabaseURL   string
	RedisAddr     string
	RedisPassword string

	// ServiceTokenSecret signs/verifies the HS256 tokens presented by the
	// bot front-end. AdminKeyHash is a bcrypt hash of the admin key.
	ServiceTokenSecret string
	AdminKeyHash       string

	// WebhookSecret is the shared secret for payment webhook HMAC.
	WebhookSecret string

	YooKassaShopID    string
	YooKassaSecretKey string
	PaymentReturnURL  string

	ImageAPIBaseURL string
	ImageAPIKey     string
	ImageModel      string

	BotNotifyURL   string
	BotNotifyToken string

	// Pricing authority. Nothing else in the codebase derives prices.
	GenerationCost  int
	CreditsPerRuble int
	TopupPackages   []TopupPackage

	// Signup bonuses. ReferralBonus replaces WelcomeBonus for users who
	// arrive through a referral link.
	WelcomeBonus           int
	ReferralBonus          int
	ReferrerReward         int
	ReferralDailyRewardCap int

	MaxActiveGenerations int
	MaxQueueDepth        int
	RateLimitPerHour     int
	RateLimitWindow      time.Duration
	GenerationTimeout    time.Duration
	SweepInterval        time.Duration
	TopupExpiry          time.Duration

	CORSOrigins []string
}

// Load reads the environment (and .env when present) into a validated Config.
func Load() (*Config, error) {
	if err := godotenv.Load(".env"); err != nil {
		slog.Debug("no .env file, using process environment", "error", err)
	}

	env := getEnv("APP_ENV", "development")

	cfg := &Config{
		Env:      env,
		HTTPPort: getEnv("PORT", "8080"),

		DatabaseURL:   getEnv("DATABASE_URL", "postgres://localhost:5432/nanobanana?sslmode=disable"),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		ServiceTokenSecret: getEnv("SERVICE_TOKEN_SECRET", ""),
		AdminKeyHash:       getEnv("ADMIN_KEY_HASH", ""),
		WebhookSecret:      getEnv("PAYMENT_WEBHOOK_SECRET", ""),

		YooKassaShopID:    getEnv("YOOKASSA_SHOP_ID", ""),
		YooKassaSecretKey: getEnv("YOOKASSA_SECRET_KEY", ""),
		PaymentReturnURL:  getEnv("PAYMENT_RETURN_URL", "http://localhost:8080/payment/return"),

		ImageAPIBaseURL: getEnv("IMAGE_API_BASE_URL", "http://localhost:9000"),
		ImageAPIKey:     getEnv("IMAGE_API_KEY", ""),
		ImageModel:      getEnv("IMAGE_MODEL", "gemini-3.0-pro-image"),

		BotNotifyURL:   getEnv("BOT_NOTIFY_URL", ""),
		BotNotifyToken: getEnv("BOT_NOTIFY_TOKEN", ""),

		GenerationCost:  getEnvInt("GENERATION_COST", 10),
		CreditsPerRuble: getEnvInt("CREDITS_PER_RUBLE", 1),
		TopupPackages: []TopupPackage{
			{Rub: 100, Credits: 100},
			{Rub: 200, Credits: 200},
			{Rub: 300, Credits: 300},
		},

		WelcomeBonus:           getEnvInt("WELCOME_BONUS", 20),
		ReferralBonus:          getEnvInt("REFERRAL_BONUS", 30),
		ReferrerReward:         getEnvInt("REFERRER_REWARD", 30),
		ReferralDailyRewardCap: getEnvInt("REFERRAL_DAILY_REWARD_CAP", 10),

		MaxActiveGenerations: getEnvInt("MAX_ACTIVE_GENERATIONS", 1),
		MaxQueueDepth:        getEnvInt("MAX_QUEUE_DEPTH", 100),
		RateLimitPerHour:     getEnvInt("RATE_LIMIT_GENERATIONS_PER_HOUR", 10),
		RateLimitWindow:      getEnvDuration("RATE_LIMIT_WINDOW", time.Hour),
		GenerationTimeout:    getEnvDuration("GENERATION_TIMEOUT", 10*time.Minute),
		SweepInterval:        getEnvDuration("SWEEP_INTERVAL", time.Minute),
		TopupExpiry:          getEnvDuration("TOPUP_EXPIRY", 24*time.Hour),

		CORSOrigins: strings.Split(getEnv("CORS_ORIGINS", "http://localhost:3000"), ","),
	}

	if env == "production" {
		if len(cfg.ServiceTokenSecret) < 32 {
			return nil, fmt.Errorf("config: SERVICE_TOKEN_SECRET must be at least 32 characters in production")
		}
		if cfg.WebhookSecret == "" {
			return nil, fmt.Errorf("config: PAYMENT_WEBHOOK_SECRET is required in production")
		}
	} else {
		if cfg.ServiceTokenSecret == "" {
			cfg.ServiceTokenSecret = "dev-service-token-secret-change-in-production"
			slog.Warn("using default SERVICE_TOKEN_SECRET, change in production")
		}
		if cfg.WebhookSecret == "" {
			cfg.WebhookSecret = "dev-webhook-secret"
			slog.Warn("using default PAYMENT_WEBHOOK_SECRET, change in production")
		}
	}

	return cfg, nil
}

// CreditsForRubles converts a topup amount to credits.
func (c *Config) CreditsForRubles(rub int) int {
	return rub * c.CreditsPerRuble
}

// ValidPackage reports whether rub matches one of the offered topup bundles.
func (c *Config) ValidPackage(rub int) bool {
	for _, p := range c.TopupPackages {
		if p.Rub == rub {
			return true
		}
	}
	return false
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid integer env value, using default", "key", key, "value", v)
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("invalid duration env value, using default", "key", key, "value", v)
		return fallback
	}
	return d
}

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the bot and supporting services.
type Config struct {
	BotToken  string
	BotName   string
	MySQLDSN  string
	RedisURL  string
	RedisPool int
	LogLevel  string

	VeoAPIKey      string
	VeoBaseURL     string
	VeoModel       string
	RequestTimeout time.Duration

	TemplatesDir string

	GenerationWorkers      int
	GenerationPollInterval time.Duration
	GenerationPollAttempts int
	DeliveryWaitTimeout    time.Duration
	DeliveryPollInterval   time.Duration
	ReconcileInterval      time.Duration
	ReconcileStaleAfter    time.Duration

	FreeQuotaPerUser      int
	ReferralEnabled       bool
	ReferralBonus         int
	ExpertCashbackPercent int
	NameDenylist          []string

	CryptoBaseURL       string
	CryptoMerchantID    string
	CryptoAPIKey        string
	CryptoWebhookSecret string
	CryptoReturnURL     string

	YooKassaShopID    string
	YooKassaSecretKey string
	YooKassaReturnURL string

	AdminListenAddr  string
	AdminUsername    string
	AdminPassword    string
	WebhookRateLimit int

	SupportUsername string

	S3Endpoint      string
	S3Region        string
	S3AccessKey     string
	S3SecretKey     string
	S3Bucket        string
	S3PublicBaseURL string
	S3UsePathStyle  bool
	S3Prefix        string
}

// Load reads configuration from environment variables, applying sane defaults.
func Load() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}

	cfg := Config{
		BotName:   strings.TrimPrefix(getEnv("BOT_NAME", ""), "@"),
		RedisURL:  getEnv("REDIS_URL", "redis://localhost:6379/0"),
		RedisPool: getInt("REDIS_POOL_SIZE", 10),
		LogLevel:  getEnv("LOG_LEVEL", "info"),

		VeoBaseURL:     strings.TrimRight(getEnv("VEO_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"), "/"),
		VeoModel:       getEnv("VEO_MODEL", "veo-3.1-generate-preview"),
		RequestTimeout: time.Second * time.Duration(getInt("HTTP_TIMEOUT_SECONDS", 60)),

		TemplatesDir: getEnv("TEMPLATES_DIR", "memes"),

		GenerationWorkers:      getInt("GENERATION_WORKERS", 2),
		GenerationPollInterval: getDuration("GENERATION_POLL_INTERVAL", 5*time.Second),
		GenerationPollAttempts: getInt("GENERATION_POLL_ATTEMPTS", 60),
		DeliveryWaitTimeout:    getDuration("DELIVERY_WAIT_TIMEOUT", 3*time.Minute),
		DeliveryPollInterval:   getDuration("DELIVERY_POLL_INTERVAL", 10*time.Second),
		ReconcileInterval:      getDuration("RECONCILE_INTERVAL", time.Minute),
		ReconcileStaleAfter:    getDuration("RECONCILE_STALE_AFTER", 2*time.Minute),

		FreeQuotaPerUser:      getInt("FREE_QUOTA_PER_USER", 1),
		ReferralEnabled:       getBool("REFERRAL_ENABLED", false),
		ReferralBonus:         getInt("REFERRAL_BONUS_GENERATIONS", 1),
		ExpertCashbackPercent: getInt("EXPERT_REFERRAL_CASHBACK_PERCENT", 50),
		NameDenylist:          getList("NAME_DENYLIST"),

		CryptoBaseURL:       strings.TrimRight(getEnv("CRYPTO_BASE_URL", "https://app.0xprocessing.com"), "/"),
		CryptoMerchantID:    os.Getenv("CRYPTO_MERCHANT_ID"),
		CryptoAPIKey:        os.Getenv("CRYPTO_API_KEY"),
		CryptoWebhookSecret: os.Getenv("CRYPTO_WEBHOOK_SECRET"),
		CryptoReturnURL:     getEnv("CRYPTO_RETURN_URL", "https://t.me"),

		YooKassaShopID:    os.Getenv("YOOKASSA_SHOP_ID"),
		YooKassaSecretKey: os.Getenv("YOOKASSA_SECRET_KEY"),
		YooKassaReturnURL: getEnv("YOOKASSA_RETURN_URL", "https://t.me"),

		AdminListenAddr:  getEnv("ADMIN_LISTEN_ADDR", ":8080"),
		AdminUsername:    getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword:    getEnv("ADMIN_PASSWORD", "change-me"),
		WebhookRateLimit: getInt("WEBHOOK_RATE_LIMIT_PER_MINUTE", 120),

		SupportUsername: strings.TrimPrefix(getEnv("SUPPORT_USERNAME", "support"), "@"),

		S3Endpoint:      os.Getenv("S3_ENDPOINT"),
		S3Region:        os.Getenv("S3_REGION"),
		S3AccessKey:     os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:     os.Getenv("S3_SECRET_KEY"),
		S3Bucket:        os.Getenv("S3_BUCKET"),
		S3PublicBaseURL: os.Getenv("S3_PUBLIC_BASE_URL"),
		S3UsePathStyle:  getBool("S3_USE_PATH_STYLE", false),
		S3Prefix:        getEnv("S3_PREFIX", "videos"),
	}

	cfg.BotToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	cfg.MySQLDSN = os.Getenv("MYSQL_DSN")
	cfg.VeoAPIKey = os.Getenv("VEO_API_KEY")

	var missing []string
	if cfg.BotToken == "" {
		missing = append(missing, "TELEGRAM_BOT_TOKEN")
	}
	if cfg.MySQLDSN == "" {
		missing = append(missing, "MYSQL_DSN")
	}
	if cfg.VeoAPIKey == "" {
		missing = append(missing, "VEO_API_KEY")
	}
	if cfg.S3Bucket != "" {
		if cfg.S3Region == "" {
			missing = append(missing, "S3_REGION")
		}
		if cfg.S3AccessKey == "" {
			missing = append(missing, "S3_ACCESS_KEY")
		}
		if cfg.S3SecretKey == "" {
			missing = append(missing, "S3_SECRET_KEY")
		}
		if cfg.S3PublicBaseURL == "" {
			missing = append(missing, "S3_PUBLIC_BASE_URL")
		}
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required environment variables: %v", missing)
	}

	if cfg.GenerationWorkers <= 0 {
		cfg.GenerationWorkers = 1
	}
	if cfg.GenerationPollAttempts <= 0 {
		cfg.GenerationPollAttempts = 60
	}
	if cfg.ExpertCashbackPercent < 0 || cfg.ExpertCashbackPercent > 100 {
		return Config{}, fmt.Errorf("EXPERT_REFERRAL_CASHBACK_PERCENT must be within [0,100], got %d", cfg.ExpertCashbackPercent)
	}

	return cfg, nil
}

// CryptoEnabled reports whether the crypto gateway credentials are present.
func (c Config) CryptoEnabled() bool {
	return c.CryptoMerchantID != "" && c.CryptoAPIKey != ""
}

// FiatEnabled reports whether YooKassa credentials are present.
func (c Config) FiatEnabled() bool {
	return c.YooKassaShopID != "" && c.YooKassaSecretKey != ""
}

// ArchiveEnabled reports whether finished videos should be copied to S3.
func (c Config) ArchiveEnabled() bool {
	return c.S3Bucket != ""
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func getList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		item = strings.ToLower(strings.TrimSpace(item))
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

// loadEnvFile overlays the first env file found; running purely on process env is fine.
func loadEnvFile() error {
	candidates := []string{}
	if custom, ok := os.LookupEnv("CONFIG_ENV_PATH"); ok && custom != "" {
		candidates = append(candidates, custom)
	}
	candidates = append(candidates,
		filepath.Join("configs", ".env"),
		".env",
	)

	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("access env file %s: %w", path, err)
		}
		if info.IsDir() {
			continue
		}
		if err := godotenv.Overload(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	return nil
}

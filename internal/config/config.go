/**
 * @description
 * This package handles the configuration management for the payout-service. It uses the
 * Viper library to read configuration from environment variables and an optional .env
 * file, then normalizes and clamps the values the service depends on.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the payout-service.
type Config struct {
	ServerPort        string `mapstructure:"SERVER_PORT"`
	DatabaseURL       string `mapstructure:"DATABASE_URL"`
	RedisURL          string `mapstructure:"REDIS_URL"`
	RedisLedgerPrefix string `mapstructure:"REDIS_LEDGER_PREFIX"`
	RedisLockPrefix   string `mapstructure:"REDIS_LOCK_PREFIX"`
	RabbitMQURL       string `mapstructure:"RABBITMQ_URL"`
	InternalAPIKey    string `mapstructure:"INTERNAL_API_KEY"`
	OperatorJWTSecret string `mapstructure:"OPERATOR_JWT_SECRET"`

	EventsExchange          string `mapstructure:"EVENTS_EXCHANGE"`
	MilestoneExchange       string `mapstructure:"MILESTONE_EXCHANGE"`
	MilestoneApprovedQueue  string `mapstructure:"MILESTONE_APPROVED_QUEUE"`
	MilestoneApprovedRoute  string `mapstructure:"MILESTONE_APPROVED_ROUTING_KEY"`
	ConsumerPrefetch        int    `mapstructure:"CONSUMER_PREFETCH"`
	DashboardOriginsRaw     string `mapstructure:"DASHBOARD_ORIGINS"`
	AnchorAPIBaseURL        string `mapstructure:"ANCHOR_API_BASE_URL"`
	AnchorAPIKey            string `mapstructure:"ANCHOR_API_KEY"`
	AnchorWebhookSecret     string `mapstructure:"ANCHOR_WEBHOOK_SECRET"`
	AnchorFundingAccount    string `mapstructure:"ANCHOR_FUNDING_ACCOUNT"`
	StripeSecretKey         string `mapstructure:"STRIPE_SECRET_KEY"`
	StripeAPIBaseURL        string `mapstructure:"STRIPE_API_BASE_URL"`
	StripeWebhookSecret     string `mapstructure:"STRIPE_WEBHOOK_SECRET"`
	StripeWebhookToleranceS int    `mapstructure:"STRIPE_WEBHOOK_TOLERANCE_SECONDS"`
	ProcessorRoutes         string `mapstructure:"PROCESSOR_ROUTES"`
	DefaultProcessor        string `mapstructure:"DEFAULT_PROCESSOR"`

	DispatchTimeoutSeconds       int     `mapstructure:"DISPATCH_TIMEOUT_SECONDS"`
	DispatchMaxRetries           int     `mapstructure:"DISPATCH_MAX_RETRIES"`
	DispatchBackoffBaseMillis    int     `mapstructure:"DISPATCH_BACKOFF_BASE_MS"`
	DispatchRateLimitPerSecond   float64 `mapstructure:"DISPATCH_RATE_LIMIT_PER_SECOND"`
	DispatchRateLimitBurst       int     `mapstructure:"DISPATCH_RATE_LIMIT_BURST"`
	MaxPaymentAttempts           int     `mapstructure:"MAX_PAYMENT_ATTEMPTS"`
	RetryBackoffBaseSeconds      int     `mapstructure:"RETRY_BACKOFF_BASE_SECONDS"`
	RetryBackoffMaxSeconds       int     `mapstructure:"RETRY_BACKOFF_MAX_SECONDS"`
	MilestoneLockTimeoutSeconds  int     `mapstructure:"MILESTONE_LOCK_TIMEOUT_SECONDS"`
	AccountCacheTTLSeconds       int     `mapstructure:"ACCOUNT_CACHE_TTL_SECONDS"`
	AccountRefreshTimeoutSeconds int     `mapstructure:"ACCOUNT_REFRESH_TIMEOUT_SECONDS"`
	LedgerInFlightTimeoutSeconds int     `mapstructure:"LEDGER_INFLIGHT_TIMEOUT_SECONDS"`
	ReconcileSchedule            string  `mapstructure:"RECONCILE_SCHEDULE"`
	RetrySchedule                string  `mapstructure:"RETRY_SCHEDULE"`
	WebhookPurgeSchedule         string  `mapstructure:"WEBHOOK_PURGE_SCHEDULE"`
	ReconcileMaxStalenessMinutes int     `mapstructure:"RECONCILE_MAX_STALENESS_MINUTES"`
	WebhookRetentionHours        int     `mapstructure:"WEBHOOK_RETENTION_HOURS"`

	// DashboardOrigins is parsed from DASHBOARD_ORIGINS.
	DashboardOrigins []string `mapstructure:"-"`
}

// LoadConfig reads configuration from environment variables and an optional .env file in
// path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_LEDGER_PREFIX", "transfa:payout_ledger")
	viper.SetDefault("REDIS_LOCK_PREFIX", "transfa:milestone_lock")
	viper.SetDefault("EVENTS_EXCHANGE", "transfa.events")
	viper.SetDefault("MILESTONE_EXCHANGE", "contract_events")
	viper.SetDefault("MILESTONE_APPROVED_QUEUE", "payout_service.milestone_approved")
	viper.SetDefault("MILESTONE_APPROVED_ROUTING_KEY", "milestone.approved")
	viper.SetDefault("CONSUMER_PREFETCH", 10)
	viper.SetDefault("ANCHOR_API_BASE_URL", "https://api.sandbox.getanchor.co")
	viper.SetDefault("DEFAULT_PROCESSOR", "stripe")
	viper.SetDefault("STRIPE_WEBHOOK_TOLERANCE_SECONDS", 300)
	viper.SetDefault("DISPATCH_TIMEOUT_SECONDS", 10)
	viper.SetDefault("DISPATCH_MAX_RETRIES", 2)
	viper.SetDefault("DISPATCH_BACKOFF_BASE_MS", 250)
	viper.SetDefault("DISPATCH_RATE_LIMIT_PER_SECOND", 20.0)
	viper.SetDefault("DISPATCH_RATE_LIMIT_BURST", 5)
	viper.SetDefault("MAX_PAYMENT_ATTEMPTS", 3)
	viper.SetDefault("RETRY_BACKOFF_BASE_SECONDS", 30)
	viper.SetDefault("RETRY_BACKOFF_MAX_SECONDS", 1800)
	viper.SetDefault("MILESTONE_LOCK_TIMEOUT_SECONDS", 30)
	viper.SetDefault("ACCOUNT_CACHE_TTL_SECONDS", 300)
	viper.SetDefault("ACCOUNT_REFRESH_TIMEOUT_SECONDS", 10)
	viper.SetDefault("LEDGER_INFLIGHT_TIMEOUT_SECONDS", 180)
	viper.SetDefault("RECONCILE_SCHEDULE", "*/2 * * * *")
	viper.SetDefault("RETRY_SCHEDULE", "* * * * *")
	viper.SetDefault("WEBHOOK_PURGE_SCHEDULE", "30 3 * * *")
	viper.SetDefault("RECONCILE_MAX_STALENESS_MINUTES", 60)
	viper.SetDefault("WEBHOOK_RETENTION_HOURS", 720)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "PAYOUT_REDIS_URL")
	_ = viper.BindEnv("REDIS_LEDGER_PREFIX")
	_ = viper.BindEnv("REDIS_LOCK_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "PAYOUT_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("OPERATOR_JWT_SECRET")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("MILESTONE_EXCHANGE")
	_ = viper.BindEnv("MILESTONE_APPROVED_QUEUE")
	_ = viper.BindEnv("MILESTONE_APPROVED_ROUTING_KEY")
	_ = viper.BindEnv("CONSUMER_PREFETCH")
	_ = viper.BindEnv("DASHBOARD_ORIGINS")
	_ = viper.BindEnv("ANCHOR_API_BASE_URL")
	_ = viper.BindEnv("ANCHOR_API_KEY")
	_ = viper.BindEnv("ANCHOR_WEBHOOK_SECRET")
	_ = viper.BindEnv("ANCHOR_FUNDING_ACCOUNT")
	_ = viper.BindEnv("STRIPE_SECRET_KEY")
	_ = viper.BindEnv("STRIPE_API_BASE_URL")
	_ = viper.BindEnv("STRIPE_WEBHOOK_SECRET")
	_ = viper.BindEnv("STRIPE_WEBHOOK_TOLERANCE_SECONDS")
	_ = viper.BindEnv("PROCESSOR_ROUTES")
	_ = viper.BindEnv("DEFAULT_PROCESSOR")
	_ = viper.BindEnv("DISPATCH_TIMEOUT_SECONDS")
	_ = viper.BindEnv("DISPATCH_MAX_RETRIES")
	_ = viper.BindEnv("DISPATCH_BACKOFF_BASE_MS")
	_ = viper.BindEnv("DISPATCH_RATE_LIMIT_PER_SECOND")
	_ = viper.BindEnv("DISPATCH_RATE_LIMIT_BURST")
	_ = viper.BindEnv("MAX_PAYMENT_ATTEMPTS")
	_ = viper.BindEnv("RETRY_BACKOFF_BASE_SECONDS")
	_ = viper.BindEnv("RETRY_BACKOFF_MAX_SECONDS")
	_ = viper.BindEnv("MILESTONE_LOCK_TIMEOUT_SECONDS")
	_ = viper.BindEnv("ACCOUNT_CACHE_TTL_SECONDS")
	_ = viper.BindEnv("ACCOUNT_REFRESH_TIMEOUT_SECONDS")
	_ = viper.BindEnv("LEDGER_INFLIGHT_TIMEOUT_SECONDS")
	_ = viper.BindEnv("RECONCILE_SCHEDULE")
	_ = viper.BindEnv("RETRY_SCHEDULE")
	_ = viper.BindEnv("WEBHOOK_PURGE_SCHEDULE")
	_ = viper.BindEnv("RECONCILE_MAX_STALENESS_MINUTES")
	_ = viper.BindEnv("WEBHOOK_RETENTION_HOURS")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	config.RabbitMQURL = strings.TrimSpace(config.RabbitMQURL)
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.OperatorJWTSecret = strings.TrimSpace(config.OperatorJWTSecret)
	config.DefaultProcessor = strings.ToLower(strings.TrimSpace(config.DefaultProcessor))
	config.DashboardOrigins = splitList(config.DashboardOriginsRaw)

	if config.DispatchTimeoutSeconds <= 0 {
		config.DispatchTimeoutSeconds = 10
	}
	if config.DispatchMaxRetries < 0 {
		log.Printf("level=warn component=config msg=\"negative dispatch retries configured; coercing to zero\" value=%d", config.DispatchMaxRetries)
		config.DispatchMaxRetries = 0
	}
	if config.DispatchMaxRetries > 5 {
		log.Printf("level=warn component=config msg=\"dispatch retries too high; capping at 5\" value=%d", config.DispatchMaxRetries)
		config.DispatchMaxRetries = 5
	}
	if config.DispatchBackoffBaseMillis <= 0 {
		config.DispatchBackoffBaseMillis = 250
	}
	if config.DispatchRateLimitPerSecond <= 0 {
		config.DispatchRateLimitPerSecond = 20
	}
	if config.DispatchRateLimitBurst <= 0 {
		config.DispatchRateLimitBurst = 5
	}
	if config.MaxPaymentAttempts <= 0 {
		config.MaxPaymentAttempts = 3
	}
	if config.RetryBackoffBaseSeconds <= 0 {
		config.RetryBackoffBaseSeconds = 30
	}
	if config.RetryBackoffMaxSeconds < config.RetryBackoffBaseSeconds {
		config.RetryBackoffMaxSeconds = config.RetryBackoffBaseSeconds
	}
	if config.MilestoneLockTimeoutSeconds <= 0 {
		config.MilestoneLockTimeoutSeconds = 30
	}
	if config.AccountCacheTTLSeconds <= 0 {
		config.AccountCacheTTLSeconds = 300
	}
	if config.AccountRefreshTimeoutSeconds <= 0 {
		config.AccountRefreshTimeoutSeconds = 10
	}
	// A reservation must outlive the longest locked dispatch plus the time processor search
	// needs to show a charge that was just created.
	minInFlight := config.MaxDispatchDuration() + processorSearchLag
	if config.LedgerInFlightTimeout() < minInFlight {
		raised := int((minInFlight + time.Second - 1) / time.Second)
		log.Printf("level=warn component=config msg=\"ledger in-flight timeout below dispatch bound; raising\" value=%d raised=%d", config.LedgerInFlightTimeoutSeconds, raised)
		config.LedgerInFlightTimeoutSeconds = raised
	}
	if config.ReconcileMaxStalenessMinutes <= 0 {
		config.ReconcileMaxStalenessMinutes = 60
	}
	if config.WebhookRetentionHours <= 0 {
		config.WebhookRetentionHours = 720
	}
	if config.StripeWebhookToleranceS <= 0 {
		config.StripeWebhookToleranceS = 300
	}
	if config.ConsumerPrefetch <= 0 {
		config.ConsumerPrefetch = 10
	}

	return
}

const (
	// processorSearchLag is how long processor search may take to show a new charge.
	processorSearchLag = time.Minute
	// lockSlack covers the store writes around a dispatch.
	lockSlack = 30 * time.Second
)

// MaxDispatchDuration bounds one locked dispatch: the account refresh, the first create,
// a backoff plus lookup plus create per retry, and the final lookup. Backoff jitter adds
// at most half of each step.
func (c Config) MaxDispatchDuration() time.Duration {
	base := time.Duration(c.DispatchBackoffBaseMillis) * time.Millisecond
	var backoff time.Duration
	for attempt := 1; attempt <= c.DispatchMaxRetries; attempt++ {
		step := base << (attempt - 1)
		backoff += step + step/2
	}
	calls := time.Duration(2*c.DispatchMaxRetries + 2)
	return c.AccountRefreshTimeout() + c.DispatchTimeout()*calls + backoff
}

// MilestoneLockTTL is the expiry of a distributed milestone lock. It outlives any dispatch
// made while the lock is held.
func (c Config) MilestoneLockTTL() time.Duration {
	return c.MaxDispatchDuration() + lockSlack
}

// DispatchBackoffBase is the first wait between dispatch retries.
func (c Config) DispatchBackoffBase() time.Duration {
	return time.Duration(c.DispatchBackoffBaseMillis) * time.Millisecond
}

// AccountRefreshTimeout bounds one authoritative account poll.
func (c Config) AccountRefreshTimeout() time.Duration {
	return time.Duration(c.AccountRefreshTimeoutSeconds) * time.Second
}

// DispatchTimeout is the per-call processor timeout.
func (c Config) DispatchTimeout() time.Duration {
	return time.Duration(c.DispatchTimeoutSeconds) * time.Second
}

// LedgerInFlightTimeout is the age after which a reservation counts as abandoned.
func (c Config) LedgerInFlightTimeout() time.Duration {
	return time.Duration(c.LedgerInFlightTimeoutSeconds) * time.Second
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

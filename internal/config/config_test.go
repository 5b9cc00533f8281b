package config

import (
	"os"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadConfig_UsesPayoutServiceInternalAPIKeyAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "INTERNAL_API_KEY")
	setEnvWithCleanup(t, "PAYOUT_SERVICE_INTERNAL_API_KEY", "alias-only-key")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.InternalAPIKey != "alias-only-key" {
		t.Fatalf("expected InternalAPIKey from alias env var, got %q", cfg.InternalAPIKey)
	}
}

func TestLoadConfig_InternalAPIKeyTakesPrecedenceOverAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "INTERNAL_API_KEY", "primary-key")
	setEnvWithCleanup(t, "PAYOUT_SERVICE_INTERNAL_API_KEY", "alias-key")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.InternalAPIKey != "primary-key" {
		t.Fatalf("expected InternalAPIKey to prioritize INTERNAL_API_KEY, got %q", cfg.InternalAPIKey)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	for _, key := range []string{"MAX_PAYMENT_ATTEMPTS", "DISPATCH_TIMEOUT_SECONDS", "DISPATCH_MAX_RETRIES", "EVENTS_EXCHANGE", "DEFAULT_PROCESSOR", "LEDGER_INFLIGHT_TIMEOUT_SECONDS", "DISPATCH_BACKOFF_BASE_MS", "ACCOUNT_REFRESH_TIMEOUT_SECONDS", "PORT", "SERVER_PORT"} {
		unsetEnvWithCleanup(t, key)
	}

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "8080" || cfg.MaxPaymentAttempts != 3 || cfg.EventsExchange != "transfa.events" || cfg.DefaultProcessor != "stripe" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.DispatchTimeoutSeconds != 10 || cfg.DispatchMaxRetries != 2 {
		t.Fatalf("unexpected dispatch defaults timeout=%d retries=%d", cfg.DispatchTimeoutSeconds, cfg.DispatchMaxRetries)
	}
	if cfg.LedgerInFlightTimeoutSeconds != 180 {
		t.Fatalf("expected in-flight timeout 180s, got %d", cfg.LedgerInFlightTimeoutSeconds)
	}
	if got := cfg.MaxDispatchDuration(); got != 71125*time.Millisecond {
		t.Fatalf("expected dispatch bound 71.125s, got %s", got)
	}
}

func TestLoadConfig_ClampsDispatchSettings(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "DISPATCH_TIMEOUT_SECONDS", "30")
	setEnvWithCleanup(t, "DISPATCH_MAX_RETRIES", "9")
	setEnvWithCleanup(t, "LEDGER_INFLIGHT_TIMEOUT_SECONDS", "60")
	setEnvWithCleanup(t, "MAX_PAYMENT_ATTEMPTS", "-1")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.DispatchMaxRetries != 5 {
		t.Fatalf("expected retries capped at 5, got %d", cfg.DispatchMaxRetries)
	}
	// 10s refresh + 12 calls of 30s + 11.625s of backoff + 60s search lag.
	if cfg.LedgerInFlightTimeoutSeconds != 442 {
		t.Fatalf("expected in-flight timeout raised to 442s, got %d", cfg.LedgerInFlightTimeoutSeconds)
	}
	if cfg.MaxPaymentAttempts != 3 {
		t.Fatalf("expected invalid attempts to fall back to 3, got %d", cfg.MaxPaymentAttempts)
	}
}

func TestLoadConfig_ParsesDashboardOriginsAndPort(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "DASHBOARD_ORIGINS", " https://app.transfa.io , ,https://ops.transfa.io")
	setEnvWithCleanup(t, "PORT", "9090")
	setEnvWithCleanup(t, "DEFAULT_PROCESSOR", " Anchor ")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if len(cfg.DashboardOrigins) != 2 || cfg.DashboardOrigins[1] != "https://ops.transfa.io" {
		t.Fatalf("unexpected origins %v", cfg.DashboardOrigins)
	}
	if cfg.ServerPort != "9090" {
		t.Fatalf("expected PORT to override SERVER_PORT, got %q", cfg.ServerPort)
	}
	if cfg.DefaultProcessor != "anchor" {
		t.Fatalf("expected normalized processor name, got %q", cfg.DefaultProcessor)
	}
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func TestConfig_LockAndInFlightOutliveDispatch(t *testing.T) {
	for retries := 0; retries <= 5; retries++ {
		cfg := Config{
			DispatchTimeoutSeconds:       10,
			DispatchMaxRetries:           retries,
			DispatchBackoffBaseMillis:    250,
			AccountRefreshTimeoutSeconds: 10,
		}
		// Worst case Send: create, then lookup+create per retry, then a final lookup.
		longest := cfg.AccountRefreshTimeout() + cfg.DispatchTimeout()*time.Duration(2*retries+2)
		for attempt := 1; attempt <= retries; attempt++ {
			step := cfg.DispatchBackoffBase() << (attempt - 1)
			longest += step + step/2
		}
		if cfg.MaxDispatchDuration() < longest {
			t.Fatalf("retries=%d: bound %s below longest dispatch %s", retries, cfg.MaxDispatchDuration(), longest)
		}
		if cfg.MilestoneLockTTL() <= longest {
			t.Fatalf("retries=%d: lock ttl %s does not outlive dispatch %s", retries, cfg.MilestoneLockTTL(), longest)
		}
		if cfg.MilestoneLockTTL() >= cfg.MaxDispatchDuration()+processorSearchLag {
			t.Fatalf("retries=%d: lock ttl %s must expire before the in-flight floor", retries, cfg.MilestoneLockTTL())
		}
	}
}

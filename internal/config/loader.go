package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const envPrefix = "POLYCOLLECTOR_"

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies POLYCOLLECTOR_* environment variable overrides,
// and returns the final Config. A missing file is not an error: defaults plus
// environment are a complete configuration. The returned Config has NOT been
// validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known POLYCOLLECTOR_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). Secrets and deployment endpoints are injected this way.
func applyEnvOverrides(cfg *Config) {
	// ── Polymarket ──
	setStr(&cfg.Polymarket.GammaHost, envPrefix+"POLYMARKET_GAMMA_HOST")
	setStr(&cfg.Polymarket.ClobHost, envPrefix+"POLYMARKET_CLOB_HOST")
	setStr(&cfg.Polymarket.WsHost, envPrefix+"POLYMARKET_WS_HOST")
	setInt(&cfg.Polymarket.ListingMaxPages, envPrefix+"POLYMARKET_LISTING_MAX_PAGES")

	// ── Upstreams ──
	setInt(&cfg.Upstream.Gamma.RatePerSec, envPrefix+"UPSTREAM_GAMMA_RATE_PER_SEC")
	setInt(&cfg.Upstream.Clob.RatePerSec, envPrefix+"UPSTREAM_CLOB_RATE_PER_SEC")

	// ── Tiers ──
	setFloat64(&cfg.Tiers.VolumeFloor, envPrefix+"TIERS_VOLUME_FLOOR")
	setDuration(&cfg.Tiers.Reclassify, envPrefix+"TIERS_RECLASSIFY_INTERVAL")

	// ── Stream ──
	setInt(&cfg.Stream.MaxConnections, envPrefix+"STREAM_MAX_CONNECTIONS")
	setInt(&cfg.Stream.MaxSubscriptions, envPrefix+"STREAM_MAX_SUBSCRIPTIONS")
	setDuration(&cfg.Stream.StaleThreshold, envPrefix+"STREAM_STALE_THRESHOLD")

	// ── Whale ──
	setFloat64Slice(&cfg.Whale.Thresholds, envPrefix+"WHALE_THRESHOLDS")

	// ── Buffer ──
	setDuration(&cfg.Buffer.TradeTTL, envPrefix+"BUFFER_TRADE_TTL")
	setInt(&cfg.Buffer.TradeMaxLen, envPrefix+"BUFFER_TRADE_MAX_LEN")
	setDuration(&cfg.Buffer.ListingTTL, envPrefix+"BUFFER_LISTING_TTL")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, envPrefix+"POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, envPrefix+"POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, envPrefix+"POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, envPrefix+"POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, envPrefix+"POSTGRES_USER")
	setStr(&cfg.Postgres.Password, envPrefix+"POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, envPrefix+"POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, envPrefix+"POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, envPrefix+"POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, envPrefix+"POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, envPrefix+"REDIS_ADDR")
	setStr(&cfg.Redis.Password, envPrefix+"REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, envPrefix+"REDIS_DB")
	setInt(&cfg.Redis.PoolSize, envPrefix+"REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, envPrefix+"REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, envPrefix+"S3_ENDPOINT")
	setStr(&cfg.S3.Region, envPrefix+"S3_REGION")
	setStr(&cfg.S3.Bucket, envPrefix+"S3_BUCKET")
	setStr(&cfg.S3.AccessKey, envPrefix+"S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, envPrefix+"S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, envPrefix+"S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, envPrefix+"ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, envPrefix+"ARCHIVE_RETENTION_DAYS")
	setStr(&cfg.Archive.Cron, envPrefix+"ARCHIVE_CRON")
	setInt(&cfg.Archive.MaxDaysPerRun, envPrefix+"ARCHIVE_MAX_DAYS_PER_RUN")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, envPrefix+"NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, envPrefix+"NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, envPrefix+"NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, envPrefix+"NOTIFY_EVENTS")

	// ── Log ──
	setStr(&cfg.Log.File, envPrefix+"LOG_FILE")

	// ── Top-level ──
	setStr(&cfg.Mode, envPrefix+"MODE")
	setStr(&cfg.LogLevel, envPrefix+"LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setFloat64Slice(dst *[]float64, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []float64
	for _, p := range strings.Split(v, ",") {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return
		}
		out = append(out, f)
	}
	*dst = out
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}

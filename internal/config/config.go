// Package config defines the top-level configuration for the collector and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by POLYCOLLECTOR_* environment variables.
type Config struct {
	Polymarket PolymarketConfig `toml:"polymarket"`
	Upstream   UpstreamsConfig  `toml:"upstream"`
	Tiers      TiersConfig      `toml:"tiers"`
	Stream     StreamConfig     `toml:"stream"`
	Whale      WhaleConfig      `toml:"whale"`
	Buffer     BufferConfig     `toml:"buffer"`
	Snapshot   SnapshotConfig   `toml:"snapshot"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Archive    ArchiveConfig    `toml:"archive"`
	Notify     NotifyConfig     `toml:"notify"`
	Log        LogConfig        `toml:"log"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// PolymarketConfig holds Polymarket API endpoints and listing pagination.
type PolymarketConfig struct {
	GammaHost       string   `toml:"gamma_host"`
	ClobHost        string   `toml:"clob_host"`
	WsHost          string   `toml:"ws_host"`
	ListingPageSize int      `toml:"listing_page_size"`
	ListingMaxPages int      `toml:"listing_max_pages"`
	ListingSync     duration `toml:"listing_sync_interval"`
}

// UpstreamsConfig holds one resilience policy per polled API.
type UpstreamsConfig struct {
	Gamma UpstreamConfig `toml:"gamma"`
	Clob  UpstreamConfig `toml:"clob"`
}

// UpstreamConfig is the rate limit, retry, timeout and breaker policy for one
// upstream API.
type UpstreamConfig struct {
	RatePerSec       int      `toml:"rate_per_sec"`
	MaxRetries       int      `toml:"max_retries"`
	BaseDelay        duration `toml:"base_delay"`
	MaxDelay         duration `toml:"max_delay"`
	ConnectTimeout   duration `toml:"connect_timeout"`
	ReadTimeout      duration `toml:"read_timeout"`
	MaxBodyBytes     int64    `toml:"max_body_bytes"`
	FailureThreshold int      `toml:"failure_threshold"`
	RecoveryTimeout  duration `toml:"recovery_timeout"`
	HalfOpenMaxCalls int      `toml:"half_open_max_calls"`
}

// TiersConfig holds tier boundaries and the per-tier polling policy.
type TiersConfig struct {
	// Boundaries are the upper time-remaining bounds of tiers 4, 3, 2 and 1.
	Boundaries  []duration   `toml:"boundaries"`
	VolumeFloor float64      `toml:"volume_floor"`
	Reclassify  duration     `toml:"reclassify_interval"`
	RealtimeMin int          `toml:"realtime_min_tier"`
	Policies    []TierPolicy `toml:"policy"` // indexed by tier
}

// TierPolicy is the polling policy for one tier.
type TierPolicy struct {
	Cadence   duration `toml:"cadence"`
	Orderbook bool     `toml:"orderbook"`
	Metrics   bool     `toml:"metrics"`
	Shards    int      `toml:"shards"`
}

// StreamConfig holds stream collector parameters.
type StreamConfig struct {
	MaxConnections   int      `toml:"max_connections"`
	MaxSubscriptions int      `toml:"max_subscriptions"`
	StaleThreshold   duration `toml:"stale_threshold"`
	HealthInterval   duration `toml:"health_interval"`
	RefreshInterval  duration `toml:"refresh_interval"`
	MinTradesPer5m   int      `toml:"min_trades_per_5m"`
	RateCheckMinSubs int      `toml:"rate_check_min_subscriptions"`
	StaggerOffset    duration `toml:"stagger_offset"`
	ReconnectBase    duration `toml:"reconnect_base"`
	ReconnectMax     duration `toml:"reconnect_max"`
	StatsInterval    duration `toml:"stats_interval"`
}

// WhaleConfig holds notional thresholds for whale tiers 1, 2 and 3.
type WhaleConfig struct {
	Thresholds []float64 `toml:"thresholds"`
	Channel    string    `toml:"channel"`
	Stream     string    `toml:"stream"`
}

// BufferConfig holds shared cache and rolling buffer parameters.
type BufferConfig struct {
	TradeTTL     duration `toml:"trade_ttl"`
	TradeMaxLen  int      `toml:"trade_max_len"`
	ListingTTL   duration `toml:"listing_ttl"`
	WarmInterval duration `toml:"warm_interval"`
	ListingWait  duration `toml:"listing_wait"`
	BookTTL      duration `toml:"book_ttl"`
}

// SnapshotConfig holds snapshot assembler parameters.
type SnapshotConfig struct {
	BookWorkers    int      `toml:"book_workers"`
	MetricsWorkers int      `toml:"metrics_workers"`
	CycleBudget    duration `toml:"cycle_budget"`
	MaxSpread      float64  `toml:"max_plausible_spread"`
	MaxClockSkew   duration `toml:"max_clock_skew"`
	LiveBookMaxAge duration `toml:"live_book_max_age"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig holds cold-storage export parameters.
type ArchiveConfig struct {
	Enabled       bool   `toml:"enabled"`
	RetentionDays int    `toml:"retention_days"`
	Cron          string `toml:"cron"`
	MaxDaysPerRun int    `toml:"max_days_per_run"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	MaxPerMinute      int      `toml:"max_per_minute"`
}

// LogConfig holds the optional rotating file sink.
type LogConfig struct {
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func dur(d time.Duration) duration { return duration{Duration: d} }

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	upstream := UpstreamConfig{
		RatePerSec:       10,
		MaxRetries:       3,
		BaseDelay:        dur(500 * time.Millisecond),
		MaxDelay:         dur(10 * time.Second),
		ConnectTimeout:   dur(5 * time.Second),
		ReadTimeout:      dur(15 * time.Second),
		MaxBodyBytes:     10 << 20,
		FailureThreshold: 5,
		RecoveryTimeout:  dur(30 * time.Second),
		HalfOpenMaxCalls: 3,
	}
	clob := upstream
	clob.RatePerSec = 20
	clob.MaxBodyBytes = 2 << 20

	return Config{
		Polymarket: PolymarketConfig{
			GammaHost:       "https://gamma-api.polymarket.com",
			ClobHost:        "https://clob.polymarket.com",
			WsHost:          "wss://ws-subscriptions-clob.polymarket.com/ws/market",
			ListingPageSize: 500,
			ListingMaxPages: 40,
			ListingSync:     dur(2 * time.Minute),
		},
		Upstream: UpstreamsConfig{Gamma: upstream, Clob: clob},
		Tiers: TiersConfig{
			Boundaries: []duration{
				dur(1 * time.Hour),
				dur(4 * time.Hour),
				dur(12 * time.Hour),
				dur(48 * time.Hour),
			},
			VolumeFloor: 1000,
			Reclassify:  dur(5 * time.Minute),
			RealtimeMin: 2,
			Policies: []TierPolicy{
				{Cadence: dur(time.Hour), Shards: 1},
				{Cadence: dur(15 * time.Minute), Shards: 1},
				{Cadence: dur(5 * time.Minute), Orderbook: true, Metrics: true, Shards: 1},
				{Cadence: dur(time.Minute), Orderbook: true, Metrics: true, Shards: 1},
				{Cadence: dur(15 * time.Second), Orderbook: true, Metrics: true, Shards: 1},
			},
		},
		Stream: StreamConfig{
			MaxConnections:   4,
			MaxSubscriptions: 500,
			StaleThreshold:   dur(2 * time.Minute),
			HealthInterval:   dur(15 * time.Second),
			RefreshInterval:  dur(3 * time.Minute),
			MinTradesPer5m:   1,
			RateCheckMinSubs: 100,
			StaggerOffset:    dur(2 * time.Second),
			ReconnectBase:    dur(2 * time.Second),
			ReconnectMax:     dur(60 * time.Second),
			StatsInterval:    dur(time.Minute),
		},
		Whale: WhaleConfig{
			Thresholds: []float64{500, 2000, 10000},
			Channel:    "whale:events",
			Stream:     "whale:stream",
		},
		Buffer: BufferConfig{
			TradeTTL:     dur(time.Hour),
			TradeMaxLen:  1000,
			ListingTTL:   dur(30 * time.Second),
			WarmInterval: dur(5 * time.Second),
			ListingWait:  dur(3 * time.Second),
			BookTTL:      dur(2 * time.Minute),
		},
		Snapshot: SnapshotConfig{
			BookWorkers:    16,
			MetricsWorkers: 32,
			CycleBudget:    dur(10 * time.Second),
			MaxSpread:      0.5,
			MaxClockSkew:   dur(time.Minute),
			LiveBookMaxAge: dur(time.Minute),
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "polycollector-archive",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 30,
			Cron:          "0 3 * * *",
			MaxDaysPerRun: 7,
		},
		Notify: NotifyConfig{
			Events:       []string{"whale"},
			MaxPerMinute: 6,
		},
		Log: LogConfig{
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// TierBoundaries returns the configured boundaries as plain durations.
func (t TiersConfig) TierBoundaries() []time.Duration {
	out := make([]time.Duration, len(t.Boundaries))
	for i, b := range t.Boundaries {
		out[i] = b.Duration
	}
	return out
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"full":    true,
	"stream":  true,
	"poll":    true,
	"archive": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: full, stream, poll, archive)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Polymarket
	if c.Polymarket.GammaHost == "" {
		errs = append(errs, "polymarket: gamma_host must not be empty")
	}
	if c.Polymarket.ClobHost == "" {
		errs = append(errs, "polymarket: clob_host must not be empty")
	}
	if c.Polymarket.WsHost == "" {
		errs = append(errs, "polymarket: ws_host must not be empty")
	}
	if c.Polymarket.ListingPageSize < 1 {
		errs = append(errs, "polymarket: listing_page_size must be >= 1")
	}
	if c.Polymarket.ListingMaxPages < 1 {
		errs = append(errs, "polymarket: listing_max_pages must be >= 1")
	}

	// Upstreams
	errs = append(errs, c.Upstream.Gamma.validate("upstream.gamma")...)
	errs = append(errs, c.Upstream.Clob.validate("upstream.clob")...)

	// Tiers
	if len(c.Tiers.Boundaries) != 4 {
		errs = append(errs, fmt.Sprintf("tiers: boundaries must list 4 durations, got %d", len(c.Tiers.Boundaries)))
	} else {
		for i := 1; i < len(c.Tiers.Boundaries); i++ {
			if c.Tiers.Boundaries[i].Duration <= c.Tiers.Boundaries[i-1].Duration {
				errs = append(errs, "tiers: boundaries must be strictly increasing")
				break
			}
		}
	}
	if c.Tiers.VolumeFloor < 0 {
		errs = append(errs, "tiers: volume_floor must be >= 0")
	}
	if c.Tiers.RealtimeMin < 0 || c.Tiers.RealtimeMin > 4 {
		errs = append(errs, fmt.Sprintf("tiers: realtime_min_tier must be 0-4, got %d", c.Tiers.RealtimeMin))
	}
	if len(c.Tiers.Policies) != 5 {
		errs = append(errs, fmt.Sprintf("tiers: policy must list 5 entries (tiers 0-4), got %d", len(c.Tiers.Policies)))
	}
	for i, p := range c.Tiers.Policies {
		if p.Cadence.Duration <= 0 {
			errs = append(errs, fmt.Sprintf("tiers: policy[%d].cadence must be > 0", i))
		}
		if p.Shards < 1 {
			errs = append(errs, fmt.Sprintf("tiers: policy[%d].shards must be >= 1", i))
		}
	}

	// Stream
	if c.Stream.MaxConnections < 1 {
		errs = append(errs, "stream: max_connections must be >= 1")
	}
	if c.Stream.MaxSubscriptions < 2 {
		errs = append(errs, "stream: max_subscriptions must be >= 2 (two tokens per instrument)")
	}
	if c.Stream.StaleThreshold.Duration <= 0 || c.Stream.HealthInterval.Duration <= 0 {
		errs = append(errs, "stream: stale_threshold and health_interval must be > 0")
	}

	// Whale
	if len(c.Whale.Thresholds) != 3 {
		errs = append(errs, fmt.Sprintf("whale: thresholds must list 3 values, got %d", len(c.Whale.Thresholds)))
	} else if !(c.Whale.Thresholds[0] < c.Whale.Thresholds[1] && c.Whale.Thresholds[1] < c.Whale.Thresholds[2]) {
		errs = append(errs, "whale: thresholds must be strictly increasing")
	}

	// Buffer
	if c.Buffer.TradeMaxLen < 1 {
		errs = append(errs, "buffer: trade_max_len must be >= 1")
	}
	if c.Buffer.ListingTTL.Duration <= 0 {
		errs = append(errs, "buffer: listing_ttl must be > 0")
	}

	// Snapshot
	if c.Snapshot.BookWorkers < 1 || c.Snapshot.MetricsWorkers < 1 {
		errs = append(errs, "snapshot: book_workers and metrics_workers must be >= 1")
	}
	if c.Snapshot.CycleBudget.Duration <= 0 {
		errs = append(errs, "snapshot: cycle_budget must be > 0")
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// Archive
	if c.Archive.Enabled || strings.EqualFold(c.Mode, "archive") {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archiving")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
		if len(strings.Fields(c.Archive.Cron)) != 5 {
			errs = append(errs, fmt.Sprintf("archive: cron must have 5 fields, got %q", c.Archive.Cron))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (u UpstreamConfig) validate(name string) []string {
	var errs []string
	if u.RatePerSec < 1 {
		errs = append(errs, name+": rate_per_sec must be >= 1")
	}
	if u.MaxRetries < 1 {
		errs = append(errs, name+": max_retries must be >= 1")
	}
	if u.BaseDelay.Duration <= 0 || u.MaxDelay.Duration < u.BaseDelay.Duration {
		errs = append(errs, name+": base_delay must be > 0 and <= max_delay")
	}
	if u.MaxBodyBytes <= 0 {
		errs = append(errs, name+": max_body_bytes must be > 0")
	}
	if u.FailureThreshold < 1 || u.HalfOpenMaxCalls < 1 {
		errs = append(errs, name+": failure_threshold and half_open_max_calls must be >= 1")
	}
	return errs
}

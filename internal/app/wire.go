package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/alanyoungcy/polycollector/internal/blob/s3"
	"github.com/alanyoungcy/polycollector/internal/cache/redis"
	"github.com/alanyoungcy/polycollector/internal/config"
	"github.com/alanyoungcy/polycollector/internal/domain"
	"github.com/alanyoungcy/polycollector/internal/notify"
	"github.com/alanyoungcy/polycollector/internal/platform/polymarket"
	"github.com/alanyoungcy/polycollector/internal/resilience"
	"github.com/alanyoungcy/polycollector/internal/store/postgres"
)

// Dependencies bundles every concrete dependency the modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	Instruments domain.InstrumentStore
	Snapshots   domain.SnapshotStore
	Trades      domain.TradeStore
	Audit       domain.AuditStore

	// Caches
	Listing domain.ListingCache
	Buffer  domain.TradeBuffer
	Books   domain.BookCache
	Prices  domain.PriceCache
	Locks   domain.LockManager
	Bus     *redis.SignalBus // also the whale relay subscriber

	// Upstreams
	Gamma *polymarket.GammaClient
	Clob  *polymarket.ClobClient

	// Cold storage; nil unless archiving is enabled.
	Archiver domain.Archiver

	Notifier *notify.Notifier
}

// needsS3 reports whether the snapshot archive runs in this configuration.
func needsS3(cfg *config.Config) bool {
	mode := strings.ToLower(cfg.Mode)
	return mode == "archive" || (mode == "full" && cfg.Archive.Enabled)
}

// upstreamClient builds the rate-limited, retrying client for one API.
func upstreamClient(name, baseURL string, u config.UpstreamConfig, logger *slog.Logger) *resilience.Client {
	return resilience.NewClient(resilience.ClientConfig{
		Name:           name,
		BaseURL:        baseURL,
		RatePerSec:     u.RatePerSec,
		MaxRetries:     u.MaxRetries,
		BaseDelay:      u.BaseDelay.Duration,
		MaxDelay:       u.MaxDelay.Duration,
		ConnectTimeout: u.ConnectTimeout.Duration,
		ReadTimeout:    u.ReadTimeout.Duration,
		MaxBodyBytes:   u.MaxBodyBytes,
		Breaker: resilience.BreakerConfig{
			Name:             name,
			FailureThreshold: u.FailureThreshold,
			RecoveryTimeout:  u.RecoveryTimeout.Duration,
			HalfOpenMaxCalls: u.HalfOpenMaxCalls,
		},
	}, logger)
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.Instruments = postgres.NewInstrumentStore(pool)
	deps.Snapshots = postgres.NewSnapshotStore(pool)
	deps.Trades = postgres.NewTradeStore(pool)
	deps.Audit = postgres.NewAuditStore(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	}, logger)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	buf := cfg.Buffer
	deps.Listing = redis.NewListingCache(redisClient, buf.ListingTTL.Duration)
	deps.Buffer = redis.NewTradeBuffer(redisClient, buf.TradeTTL.Duration, buf.TradeMaxLen, buf.TradeTTL.Duration)
	deps.Books = redis.NewBookCache(redisClient, buf.BookTTL.Duration)
	deps.Prices = redis.NewPriceCache(redisClient, buf.BookTTL.Duration)
	deps.Locks = redis.NewLockManager(redisClient)
	deps.Bus = redis.NewSignalBus(redisClient)

	// --- Upstreams ---
	deps.Gamma = polymarket.NewGammaClient(
		upstreamClient("gamma", cfg.Polymarket.GammaHost, cfg.Upstream.Gamma, logger),
		cfg.Polymarket.ListingPageSize,
		cfg.Polymarket.ListingMaxPages,
		logger,
	)
	deps.Clob = polymarket.NewClobClient(
		upstreamClient("clob", cfg.Polymarket.ClobHost, cfg.Upstream.Clob, logger),
	)

	// --- S3 archive ---
	if needsS3(cfg) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		}, logger)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			deps.Snapshots,
			deps.Audit,
			cfg.Archive.MaxDaysPerRun,
			logger,
		)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, cfg.Notify.MaxPerMinute, logger)

	return deps, cleanup, nil
}

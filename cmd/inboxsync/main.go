package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/inboxsync/internal/inboxsync"
	"github.com/agentworkforce/inboxsync/internal/platform/config"
	"github.com/agentworkforce/inboxsync/internal/platform/otel"
	"github.com/agentworkforce/inboxsync/internal/snapshot"
)

type syncConfig struct {
	BaseURL         string        `env:"INBOXSYNC_BASE_URL" envDefault:"http://127.0.0.1:8080"`
	Token           string        `env:"INBOXSYNC_TOKEN"`
	OwnerID         string        `env:"INBOXSYNC_OWNER"`
	Status          string        `env:"INBOXSYNC_STATUS" envDefault:"active"`
	Search          string        `env:"INBOXSYNC_SEARCH"`
	FetchLimit      int           `env:"INBOXSYNC_FETCH_LIMIT" envDefault:"200"`
	CacheDSN        string        `env:"INBOXSYNC_CACHE_DSN"`
	CacheMaxAge     time.Duration `env:"INBOXSYNC_CACHE_MAX_AGE" envDefault:"24h"`
	Timeout         time.Duration `env:"INBOXSYNC_TIMEOUT" envDefault:"10s"`
	StatsInterval   time.Duration `env:"INBOXSYNC_STATS_INTERVAL" envDefault:"30s"`
	ReconnectBudget int           `env:"INBOXSYNC_RECONNECT_BUDGET" envDefault:"6"`
	Bell            bool          `env:"INBOXSYNC_BELL" envDefault:"true"`
	LogDev          bool          `env:"INBOXSYNC_LOG_DEV" envDefault:"false"`
	Once            bool
}

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "inboxsync: %v\n", err)
		os.Exit(2)
	}
	logger, err := newLogger(cfg.LogDev)
	if err != nil {
		fmt.Fprintf(os.Stderr, "inboxsync: build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := otel.Setup(ctx, "inboxsync")
	if err != nil {
		logger.Fatal("tracing setup failed", zap.Error(err))
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	if err := run(ctx, cfg, logger, os.Stdout); err != nil {
		logger.Fatal("inbox sync failed", zap.Error(err))
	}
}

func loadConfig(args []string) (syncConfig, error) {
	var cfg syncConfig
	if err := config.ParseEnv(&cfg); err != nil {
		return syncConfig{}, err
	}
	fs := flag.NewFlagSet("inboxsync", flag.ContinueOnError)
	fs.StringVar(&cfg.BaseURL, "base-url", cfg.BaseURL, "inbox relay base URL")
	fs.StringVar(&cfg.Token, "token", cfg.Token, "bearer token")
	fs.StringVar(&cfg.OwnerID, "owner", cfg.OwnerID, "owner ID")
	fs.StringVar(&cfg.Status, "status", cfg.Status, "status filter (active, archived or empty for all)")
	fs.StringVar(&cfg.Search, "search", cfg.Search, "search term")
	fs.StringVar(&cfg.CacheDSN, "cache", cfg.CacheDSN, "snapshot cache DSN (memory://, file path, sqlite://, postgres://)")
	fs.DurationVar(&cfg.StatsInterval, "stats-interval", cfg.StatsInterval, "stats logging interval")
	fs.BoolVar(&cfg.Once, "once", false, "load the inbox, print it and exit")
	if err := fs.Parse(args); err != nil {
		return syncConfig{}, err
	}

	cfg.Token = strings.TrimSpace(cfg.Token)
	cfg.OwnerID = strings.TrimSpace(cfg.OwnerID)
	if cfg.Token == "" {
		return syncConfig{}, fmt.Errorf("token is required (--token or INBOXSYNC_TOKEN)")
	}
	if cfg.OwnerID == "" {
		return syncConfig{}, fmt.Errorf("owner is required (--owner or INBOXSYNC_OWNER)")
	}
	switch inboxsync.Status(cfg.Status) {
	case "", inboxsync.StatusActive, inboxsync.StatusArchived:
	default:
		return syncConfig{}, fmt.Errorf("unsupported status filter %q", cfg.Status)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = 30 * time.Second
	}
	return cfg, nil
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(ctx context.Context, cfg syncConfig, logger *zap.Logger, out io.Writer) error {
	gateway := inboxsync.NewHTTPGateway(cfg.BaseURL, cfg.Token, &http.Client{Timeout: cfg.Timeout})

	notifiers := []inboxsync.Notifier{inboxsync.LogToast{Logger: logger.Named("toast")}}
	if cfg.Bell && !cfg.Once {
		notifiers = append(notifiers, &inboxsync.Bell{W: out})
	}
	opts := inboxsync.SessionOptions{
		Logger:          logger.Named("session"),
		FetchLimit:      cfg.FetchLimit,
		CallTimeout:     cfg.Timeout,
		ReconnectBudget: cfg.ReconnectBudget,
		Dispatcher:      inboxsync.NewDispatcher(notifiers, inboxsync.DispatcherOptions{Logger: logger.Named("dispatcher")}),
		OnMutationFailed: func(intent inboxsync.MutationIntent, err error) {
			logger.Warn("mutation rolled back", zap.String("item_id", intent.TargetItemID), zap.Error(err))
		},
		OnDegraded: func(ownerID string, degraded bool) {
			if degraded {
				logger.Warn("live updates unavailable, retrying", zap.String("owner_id", ownerID))
				return
			}
			logger.Info("live updates restored", zap.String("owner_id", ownerID))
		},
	}
	if dsn := strings.TrimSpace(cfg.CacheDSN); dsn != "" {
		backend, err := snapshot.BuildBackendFromDSN(dsn)
		if err != nil {
			return fmt.Errorf("build snapshot cache: %w", err)
		}
		cache, err := snapshot.NewCache(backend, snapshot.CacheOptions{MaxAge: cfg.CacheMaxAge})
		if err != nil {
			_ = backend.Close()
			return fmt.Errorf("build snapshot cache: %w", err)
		}
		defer cache.Close()
		opts.Cache = cache
	}

	client, err := inboxsync.NewClient(gateway, opts)
	if err != nil {
		return err
	}
	defer client.Close()

	filter := inboxsync.Filter{Status: inboxsync.Status(cfg.Status), SearchTerm: cfg.Search}
	session, err := client.Open(ctx, cfg.OwnerID, filter)
	if err != nil {
		return err
	}
	if cfg.Once {
		return printView(out, session.View(), session.Stats())
	}

	logger.Info("inbox synced", zap.String("owner_id", cfg.OwnerID), zap.Any("stats", session.Stats()))
	ticker := time.NewTicker(cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			stats := session.Stats()
			logger.Info("inbox stats",
				zap.String("owner_id", cfg.OwnerID),
				zap.Int("active", stats.ActiveCount),
				zap.Int("archived", stats.ArchivedCount),
				zap.Int("unread", stats.UnreadTotal),
				zap.Int("high_priority", stats.HighPriorityCount),
				zap.Bool("degraded", session.Degraded()),
			)
		}
	}
}

func printView(out io.Writer, items []inboxsync.Item, stats inboxsync.Stats) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFROM\tUNREAD\tPRIORITY\tSTATUS\tLAST ACTIVITY")
	for _, it := range items {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
			it.ID,
			it.Counterpart.DisplayName,
			it.UnreadCount,
			it.Priority,
			it.Status,
			it.LastActivityAt.UTC().Format(time.RFC3339),
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(out, "\n%d active, %d archived, %d unread, %d high priority\n",
		stats.ActiveCount, stats.ArchivedCount, stats.UnreadTotal, stats.HighPriorityCount)
	return err
}

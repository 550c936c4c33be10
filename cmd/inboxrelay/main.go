package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/inboxsync/internal/backend"
	"github.com/agentworkforce/inboxsync/internal/httpapi"
	"github.com/agentworkforce/inboxsync/internal/platform/config"
	"github.com/agentworkforce/inboxsync/internal/platform/otel"
)

type relayConfig struct {
	Addr               string        `env:"INBOXSYNC_ADDR" envDefault:":8080"`
	JWTSecret          string        `env:"INBOXSYNC_JWT_SECRET"`
	WebhookVerifyToken string        `env:"INBOXSYNC_WEBHOOK_VERIFY_TOKEN"`
	RateLimitMax       int           `env:"INBOXSYNC_RATE_LIMIT_MAX" envDefault:"0"`
	RateLimitWindow    time.Duration `env:"INBOXSYNC_RATE_LIMIT_WINDOW" envDefault:"1m"`
	MaxBodyBytes       int64         `env:"INBOXSYNC_MAX_BODY_BYTES" envDefault:"0"`
	SubscriberBuffer   int           `env:"INBOXSYNC_SUBSCRIBER_BUFFER" envDefault:"256"`
	FixturesFile       string        `env:"INBOXSYNC_FIXTURES_FILE"`
	ShutdownTimeout    time.Duration `env:"INBOXSYNC_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	LogDev             bool          `env:"INBOXSYNC_LOG_DEV" envDefault:"false"`
}

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "inboxrelay: %v\n", err)
		os.Exit(2)
	}
	logger, err := newLogger(cfg.LogDev)
	if err != nil {
		fmt.Fprintf(os.Stderr, "inboxrelay: build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := otel.Setup(ctx, "inboxrelay")
	if err != nil {
		logger.Fatal("tracing setup failed", zap.Error(err))
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	if err := run(ctx, cfg, logger, nil); err != nil {
		logger.Fatal("relay failed", zap.Error(err))
	}
}

func loadConfig(args []string) (relayConfig, error) {
	var cfg relayConfig
	if err := config.ParseEnv(&cfg); err != nil {
		return relayConfig{}, err
	}
	fs := flag.NewFlagSet("inboxrelay", flag.ContinueOnError)
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	fs.StringVar(&cfg.FixturesFile, "fixtures", cfg.FixturesFile, "JSON fixture file to seed and watch")
	if err := fs.Parse(args); err != nil {
		return relayConfig{}, err
	}
	cfg.Addr = strings.TrimSpace(cfg.Addr)
	if cfg.Addr == "" {
		return relayConfig{}, fmt.Errorf("addr is required (--addr or INBOXSYNC_ADDR)")
	}
	return cfg, nil
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// run serves the relay until ctx is done. ready, when set, receives the bound
// address once the listener is open.
func run(ctx context.Context, cfg relayConfig, logger *zap.Logger, ready chan<- string) error {
	mem := backend.NewMemory(backend.MemoryOptions{
		Logger:           logger.Named("backend"),
		SubscriberBuffer: cfg.SubscriberBuffer,
	})
	api := httpapi.NewServerWithConfig(mem, httpapi.ServerConfig{
		JWTSecret:          cfg.JWTSecret,
		WebhookVerifyToken: cfg.WebhookVerifyToken,
		RateLimitMax:       cfg.RateLimitMax,
		RateLimitWindow:    cfg.RateLimitWindow,
		MaxBodyBytes:       cfg.MaxBodyBytes,
		Logger:             logger.Named("httpapi"),
	})

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Addr, err)
	}
	server := &http.Server{Handler: api, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	if path := strings.TrimSpace(cfg.FixturesFile); path != "" {
		g.Go(func() error {
			return backend.WatchFixtures(gctx, mem, path, logger.Named("fixtures"))
		})
	}
	g.Go(func() error {
		logger.Info("inboxrelay listening", zap.String("addr", listener.Addr().String()))
		if ready != nil {
			ready <- listener.Addr().String()
		}
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

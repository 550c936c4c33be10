package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(nil)
	if err != nil {
		t.Fatalf("load config failed: %v", err)
	}
	if cfg.Addr != ":8080" || cfg.RateLimitWindow != time.Minute || cfg.SubscriberBuffer != 256 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestLoadConfigFlagsOverrideEnv(t *testing.T) {
	t.Setenv("INBOXSYNC_ADDR", ":9000")
	t.Setenv("INBOXSYNC_FIXTURES_FILE", "env.json")
	cfg, err := loadConfig([]string{"--addr", "127.0.0.1:9100"})
	if err != nil {
		t.Fatalf("load config failed: %v", err)
	}
	if cfg.Addr != "127.0.0.1:9100" {
		t.Fatalf("expected flag addr, got %q", cfg.Addr)
	}
	if cfg.FixturesFile != "env.json" {
		t.Fatalf("expected env fixtures file, got %q", cfg.FixturesFile)
	}
}

func TestLoadConfigRejectsInvalidEnv(t *testing.T) {
	t.Setenv("INBOXSYNC_RATE_LIMIT_WINDOW", "soon")
	if _, err := loadConfig(nil); err == nil {
		t.Fatalf("expected invalid duration to be rejected")
	}
}

func TestRunServesFixturesUntilCancelled(t *testing.T) {
	fixtures := filepath.Join(t.TempDir(), "inbox.json")
	data := `[{"id":"a","ownerId":"U1","counterpart":{"id":"c1","displayName":"Ada"},"lastActivityAt":"2026-03-01T09:00:00Z","unreadCount":2,"status":"active"}]`
	if err := os.WriteFile(fixtures, []byte(data), 0o600); err != nil {
		t.Fatalf("write fixtures: %v", err)
	}
	cfg, err := loadConfig([]string{"--addr", "127.0.0.1:0", "--fixtures", fixtures})
	if err != nil {
		t.Fatalf("load config failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, zaptest.NewLogger(t), ready) }()

	var addr string
	select {
	case addr = <-ready:
	case err := <-done:
		t.Fatalf("run exited early: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatalf("relay did not start")
	}

	resp, err := http.Get("http://" + addr + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	var health map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&health)
	resp.Body.Close()
	if health["status"] != "ok" {
		t.Fatalf("unexpected health payload %v", health)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("relay did not shut down")
	}
}

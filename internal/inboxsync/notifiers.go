package inboxsync

import (
	"context"
	"io"
	"sync"

	"go.uber.org/zap"
)

// LogToast renders activity as a structured log line.
type LogToast struct {
	Logger *zap.Logger
}

func (t LogToast) Notify(_ context.Context, activity Activity) error {
	logger := t.Logger
	if logger == nil {
		return nil
	}
	logger.Info("new activity",
		zap.String("owner_id", activity.OwnerID),
		zap.String("item_id", activity.ItemID),
		zap.String("from", activity.CounterpartName),
		zap.Time("at", activity.At),
		zap.Int("unread_total", activity.UnreadTotal))
	return nil
}

// Bell rings the terminal bell on W.
type Bell struct {
	mu sync.Mutex
	W  io.Writer
}

func (b *Bell) Notify(ctx context.Context, _ Activity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.W == nil {
		return nil
	}
	_, err := io.WriteString(b.W, "\a")
	return err
}

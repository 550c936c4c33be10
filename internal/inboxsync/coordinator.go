package inboxsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultCallTimeout   = 10 * time.Second
	defaultMaxAttempts   = 3
	defaultRetryBase     = 500 * time.Millisecond
	defaultRetryMaxDelay = 4 * time.Second
)

type CoordinatorOptions struct {
	Logger      *zap.Logger
	CallTimeout time.Duration
	// MaxAttempts bounds gateway calls per intent on transient failures.
	MaxAttempts   int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// Resync forces a fresh fetch after a conflict.
	Resync           func(ctx context.Context) error
	OnMutationFailed func(intent MutationIntent, err error)
	Now              func() time.Time
}

// Pending tracks one issued intent until the gateway resolves it.
type Pending struct {
	Intent MutationIntent

	done chan struct{}
	err  error
}

func newPending(intent MutationIntent) *Pending {
	return &Pending{Intent: intent, done: make(chan struct{})}
}

func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Err reports the final outcome once Done is closed.
func (p *Pending) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pending) finish(err error) {
	p.err = err
	close(p.done)
}

// Coordinator applies user mutations optimistically and reconciles them
// with the gateway's answer in the background.
type Coordinator struct {
	ctx         context.Context
	ownerID     string
	gateway     Gateway
	store       *Store
	generations *Generations
	logger      *zap.Logger

	callTimeout      time.Duration
	maxAttempts      int
	retryBase        time.Duration
	retryMaxDelay    time.Duration
	resync           func(ctx context.Context) error
	onMutationFailed func(MutationIntent, error)
	now              func() time.Time

	wg sync.WaitGroup
}

// NewCoordinator binds a coordinator to ctx; once ctx is done new intents
// fail with ErrClosed and in-flight ones roll back.
func NewCoordinator(ctx context.Context, gateway Gateway, store *Store, generations *Generations, opts CoordinatorOptions) (*Coordinator, error) {
	if gateway == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if generations == nil {
		generations = &Generations{}
	}
	c := &Coordinator{
		ctx:              ctx,
		ownerID:          store.OwnerID(),
		gateway:          gateway,
		store:            store,
		generations:      generations,
		logger:           opts.Logger,
		callTimeout:      opts.CallTimeout,
		maxAttempts:      opts.MaxAttempts,
		retryBase:        opts.RetryBase,
		retryMaxDelay:    opts.RetryMaxDelay,
		resync:           opts.Resync,
		onMutationFailed: opts.OnMutationFailed,
		now:              opts.Now,
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.callTimeout <= 0 {
		c.callTimeout = defaultCallTimeout
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = defaultMaxAttempts
	}
	if c.retryBase <= 0 {
		c.retryBase = defaultRetryBase
	}
	if c.retryMaxDelay <= 0 {
		c.retryMaxDelay = defaultRetryMaxDelay
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

func (c *Coordinator) MarkAsRead(itemID string) (*Pending, error) {
	return c.issue(itemID, MutationMarkRead, Patch{UnreadCount: intPtr(0)})
}

func (c *Coordinator) Archive(itemID string) (*Pending, error) {
	return c.issue(itemID, MutationArchive, Patch{Status: statusPtr(StatusArchived)})
}

func (c *Coordinator) Delete(itemID string) (*Pending, error) {
	return c.issue(itemID, MutationDelete, Patch{Status: statusPtr(StatusDeletedPending)})
}

// Wait blocks until every in-flight intent has resolved.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) issue(itemID string, kind MutationKind, patch Patch) (*Pending, error) {
	if c.ctx.Err() != nil {
		return nil, ErrClosed
	}
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return nil, &ValidationError{Reason: "item id is required"}
	}
	intent := MutationIntent{
		ID:           uuid.NewString(),
		TargetItemID: itemID,
		Kind:         kind,
		IssuedAt:     c.now().UTC(),
		Patch:        patch,
		Generation:   c.generations.Next(),
	}
	if err := c.store.ApplyOptimisticPatch(intent); err != nil {
		return nil, err
	}
	p := newPending(intent)
	c.wg.Add(1)
	go c.run(p)
	return p, nil
}

func (c *Coordinator) run(p *Pending) {
	defer c.wg.Done()
	intent := p.Intent
	log := c.logger.With(
		zap.String("owner_id", c.ownerID),
		zap.String("intent_id", intent.ID),
		zap.String("item_id", intent.TargetItemID),
		zap.String("kind", string(intent.Kind)),
	)

	policy := newRetryPolicy(c.retryBase, c.retryMaxDelay)
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		item, err := c.apply(intent)
		if err == nil {
			c.store.ConfirmOrRollback(intent.ID, Outcome{Item: &item})
			p.finish(nil)
			return
		}
		if c.ctx.Err() != nil {
			c.fail(p, log, ErrClosed)
			return
		}
		switch classify(err) {
		case classNotFound:
			log.Debug("mutation target already gone remotely")
			c.store.ConfirmOrRollback(intent.ID, Outcome{Gone: true})
			p.finish(nil)
			return
		case classConflict:
			c.fail(p, log, err)
			return
		case classTransient:
			lastErr = err
			if attempt == c.maxAttempts {
				break
			}
			log.Debug("retrying mutation after transient failure", zap.Int("attempt", attempt), zap.Error(err))
			if waitErr := waitWithContext(c.ctx, nextRetryDelay(policy, "")); waitErr != nil {
				c.fail(p, log, ErrClosed)
				return
			}
		default:
			c.fail(p, log, err)
			return
		}
	}
	c.fail(p, log, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, c.maxAttempts, lastErr))
}

func (c *Coordinator) apply(intent MutationIntent) (Item, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.callTimeout)
	defer cancel()
	item, err := c.gateway.ApplyMutation(ctx, c.ownerID, intent)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && c.ctx.Err() == nil {
		return Item{}, &TransientError{Op: "apply mutation", Err: err}
	}
	return item, err
}

func (c *Coordinator) fail(p *Pending, log *zap.Logger, err error) {
	c.store.ConfirmOrRollback(p.Intent.ID, Outcome{Err: err})
	if errors.Is(err, ErrConflict) && c.resync != nil && c.ctx.Err() == nil {
		if resyncErr := c.resync(c.ctx); resyncErr != nil {
			log.Warn("resync after conflict failed", zap.Error(resyncErr))
		}
	}
	if !errors.Is(err, ErrClosed) {
		log.Warn("mutation rolled back", zap.Error(err))
		if c.onMutationFailed != nil {
			c.onMutationFailed(p.Intent, err)
		}
	}
	p.finish(err)
}

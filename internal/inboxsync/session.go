package inboxsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultRefreshAttempts = 3
	defaultCacheTimeout    = 5 * time.Second
)

// SnapshotCache persists the last accepted fetch per owner so a session has
// rows to show before its first fetch resolves.
type SnapshotCache interface {
	Load(ctx context.Context, ownerID string) ([]Item, bool, error)
	Save(ctx context.Context, ownerID string, items []Item, stats Stats) error
}

type SessionOptions struct {
	Logger *zap.Logger
	// FetchLimit bounds every list fetch; zero lets the gateway decide.
	FetchLimit int
	// RefreshAttempts bounds refetches when events keep superseding a fetch.
	RefreshAttempts int

	CallTimeout   time.Duration
	MaxAttempts   int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	ReconnectBudget  int

	Cache      SnapshotCache
	Dispatcher *Dispatcher

	OnChange         func(Snapshot)
	OnMutationFailed func(intent MutationIntent, err error)
	OnDegraded       func(ownerID string, degraded bool)
}

// Session owns everything scoped to one owner: the store, its listener and
// coordinator. Close releases all of it; the detached store then ignores
// late results.
type Session struct {
	ownerID     string
	gateway     Gateway
	store       *Store
	generations *Generations
	coordinator *Coordinator
	listener    *Listener
	dispatcher  *Dispatcher
	cache       SnapshotCache
	logger      *zap.Logger

	fetchLimit      int
	refreshAttempts int
	callTimeout     time.Duration

	ctx          context.Context
	cancel       context.CancelFunc
	listenerDone chan struct{}
	closeOnce    sync.Once

	mu     sync.Mutex
	filter Filter
}

// OpenSession seeds the store from the cache, starts the listener and
// performs the initial load. A failed initial load closes the session.
func OpenSession(ctx context.Context, gateway Gateway, ownerID string, filter Filter, opts SessionOptions) (*Session, error) {
	if gateway == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, fmt.Errorf("owner id is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sessionCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		ownerID:         ownerID,
		gateway:         gateway,
		store:           NewStore(ownerID, logger),
		generations:     &Generations{},
		dispatcher:      opts.Dispatcher,
		cache:           opts.Cache,
		logger:          logger.With(zap.String("owner_id", ownerID)),
		fetchLimit:      opts.FetchLimit,
		refreshAttempts: opts.RefreshAttempts,
		callTimeout:     opts.CallTimeout,
		ctx:             sessionCtx,
		cancel:          cancel,
		listenerDone:    make(chan struct{}),
		filter:          filter,
	}
	if s.refreshAttempts <= 0 {
		s.refreshAttempts = defaultRefreshAttempts
	}
	if s.callTimeout <= 0 {
		s.callTimeout = defaultCallTimeout
	}
	if s.dispatcher != nil {
		s.store.Observe(s.dispatcher.Observe)
	}
	if opts.OnChange != nil {
		s.store.Observe(opts.OnChange)
	}

	var err error
	s.coordinator, err = NewCoordinator(sessionCtx, gateway, s.store, s.generations, CoordinatorOptions{
		Logger:           logger,
		CallTimeout:      opts.CallTimeout,
		MaxAttempts:      opts.MaxAttempts,
		RetryBase:        opts.RetryBase,
		RetryMaxDelay:    opts.RetryMaxDelay,
		Resync:           s.Refresh,
		OnMutationFailed: opts.OnMutationFailed,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	var onDegraded func(bool)
	if opts.OnDegraded != nil {
		onDegraded = func(degraded bool) { opts.OnDegraded(ownerID, degraded) }
	}
	s.listener, err = NewListener(gateway, s.store, s.generations, ListenerOptions{
		Logger:           logger,
		ReconnectInitial: opts.ReconnectInitial,
		ReconnectMax:     opts.ReconnectMax,
		ReconnectBudget:  opts.ReconnectBudget,
		Resync:           s.Refresh,
		OnDegraded:       onDegraded,
	})
	if err != nil {
		cancel()
		return nil, err
	}

	s.loadCache(ctx)
	go func() {
		defer close(s.listenerDone)
		_ = s.listener.Run(sessionCtx)
	}()
	if err := s.Refresh(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("initial load for %s: %w", ownerID, err)
	}
	return s, nil
}

func (s *Session) OwnerID() string {
	return s.ownerID
}

// Refresh fetches the list and stats concurrently at a fresh generation and
// hands them to the store. When events arriving during the fetch supersede
// it, the fetch is repeated a bounded number of times.
func (s *Session) Refresh(ctx context.Context) error {
	for attempt := 1; attempt <= s.refreshAttempts; attempt++ {
		if s.ctx.Err() != nil {
			return ErrClosed
		}
		generation := s.generations.Next()
		items, stats, err := s.fetch(ctx)
		if err != nil {
			return err
		}
		if s.ctx.Err() != nil {
			return ErrClosed
		}
		if s.store.ReplaceAll(items, stats, generation) {
			s.saveCache(items, stats)
			return nil
		}
		if s.store.LastFetchGeneration() > generation {
			return nil
		}
		s.logger.Debug("fetch superseded by events, refetching",
			zap.Uint64("generation", generation), zap.Int("attempt", attempt))
	}
	return nil
}

func (s *Session) fetch(ctx context.Context) ([]Item, Stats, error) {
	callCtx, cancel := context.WithTimeout(s.ctx, s.callTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var (
		items []Item
		stats Stats
	)
	g, gctx := errgroup.WithContext(callCtx)
	g.Go(func() error {
		var err error
		items, err = s.gateway.FetchList(gctx, s.ownerID, Filter{Limit: s.fetchLimit})
		return err
	})
	g.Go(func() error {
		var err error
		stats, err = s.gateway.FetchStats(gctx, s.ownerID)
		return err
	})
	if err := g.Wait(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && s.ctx.Err() == nil && ctx.Err() == nil {
			return nil, Stats{}, &TransientError{Op: "fetch inbox", Err: err}
		}
		return nil, Stats{}, fmt.Errorf("fetch inbox: %w", err)
	}
	return items, stats, nil
}

func (s *Session) loadCache(ctx context.Context) {
	if s.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, defaultCacheTimeout)
	defer cancel()
	items, ok, err := s.cache.Load(ctx, s.ownerID)
	if err != nil {
		s.logger.Warn("load snapshot cache failed", zap.Error(err))
		return
	}
	if ok && s.store.Seed(items) {
		s.logger.Debug("seeded from snapshot cache", zap.Int("items", len(items)))
	}
}

func (s *Session) saveCache(items []Item, stats Stats) {
	if s.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, defaultCacheTimeout)
	defer cancel()
	if err := s.cache.Save(ctx, s.ownerID, items, stats); err != nil {
		s.logger.Warn("save snapshot cache failed", zap.Error(err))
	}
}

func (s *Session) SetFilter(filter Filter) {
	s.mu.Lock()
	s.filter = filter
	s.mu.Unlock()
}

func (s *Session) Filter() Filter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter
}

// View projects the store through the session's current filter.
func (s *Session) View() []Item {
	return s.store.Project(s.Filter())
}

func (s *Session) Project(filter Filter) []Item {
	return s.store.Project(filter)
}

func (s *Session) Stats() Stats {
	return s.store.Stats()
}

func (s *Session) Snapshot() Snapshot {
	return s.store.Snapshot()
}

func (s *Session) Degraded() bool {
	return s.listener.Degraded()
}

func (s *Session) MarkAsRead(itemID string) (*Pending, error) {
	return s.coordinator.MarkAsRead(itemID)
}

func (s *Session) Archive(itemID string) (*Pending, error) {
	return s.coordinator.Archive(itemID)
}

func (s *Session) Delete(itemID string) (*Pending, error) {
	return s.coordinator.Delete(itemID)
}

// Close cancels the subscription and every in-flight call, then waits for
// the listener and coordinator to drain. It is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.listenerDone
		s.coordinator.Wait()
		if s.dispatcher != nil {
			s.dispatcher.Forget(s.ownerID)
		}
	})
}

// Client holds at most one open session and switches it when the active
// owner changes.
type Client struct {
	gateway Gateway
	opts    SessionOptions

	mu      sync.Mutex
	current *Session
}

func NewClient(gateway Gateway, opts SessionOptions) (*Client, error) {
	if gateway == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	return &Client{gateway: gateway, opts: opts}, nil
}

// Open closes the current session, if any, before loading ownerID.
func (c *Client) Open(ctx context.Context, ownerID string, filter Filter) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		c.current.Close()
		c.current = nil
	}
	s, err := OpenSession(ctx, c.gateway, ownerID, filter, c.opts)
	if err != nil {
		return nil, err
	}
	c.current = s
	return s, nil
}

func (c *Client) Current() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		c.current.Close()
		c.current = nil
	}
}

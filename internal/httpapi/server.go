package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/inboxsync/internal/inboxsync"
)

// Backend is the authoritative inbox served over HTTP.
type Backend interface {
	inboxsync.Gateway
	Publish(ownerID string, ev inboxsync.Event) error
}

type ServerConfig struct {
	JWTSecret          string
	WebhookVerifyToken string
	RateLimitMax       int
	RateLimitWindow    time.Duration
	MaxBodyBytes       int64
	IdempotencyWindow  time.Duration
	WriteTimeout       time.Duration
	Logger             *zap.Logger
}

type Server struct {
	backend     Backend
	cfg         ServerConfig
	logger      *zap.Logger
	rateLimiter *rateLimiter
	webhook     *webhookValidator

	idempotencyMu   sync.Mutex
	idempotencySeen map[string]idempotentResult
}

type idempotentResult struct {
	item      inboxsync.Item
	expiresAt time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(backend Backend) *Server {
	return NewServerWithConfig(backend, ServerConfig{})
}

func NewServerWithConfig(backend Backend, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.WebhookVerifyToken == "" {
		cfg.WebhookVerifyToken = "dev-verify-token"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.IdempotencyWindow <= 0 {
		cfg.IdempotencyWindow = 10 * time.Minute
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		backend:         backend,
		cfg:             cfg,
		logger:          logger,
		rateLimiter:     limiter,
		webhook:         newWebhookValidator(),
		idempotencySeen: map[string]idempotentResult{},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/v1/webhook" {
		switch r.Method {
		case http.MethodGet:
			s.handleWebhookVerify(w, r)
		case http.MethodPost:
			s.handleWebhookDelivery(w, r)
		default:
			writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		}
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) != 4 || parts[0] != "v1" || parts[1] != "owners" || parts[2] == "" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	ownerID := parts[2]

	var route string
	switch {
	case parts[3] == "items" && r.Method == http.MethodGet:
		route = "items"
	case parts[3] == "stats" && r.Method == http.MethodGet:
		route = "stats"
	case parts[3] == "mutations" && r.Method == http.MethodPost:
		route = "mutations"
	case parts[3] == "subscribe" && r.Method == http.MethodGet:
		route = "subscribe"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = "corr_" + uuid.NewString()
	}
	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, ownerID, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil {
		key := ownerID + "|" + claims.Subject
		if !s.rateLimiter.allow(key, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "items":
		s.handleItems(w, r, ownerID, correlationID)
	case "stats":
		s.handleStats(w, r, ownerID, correlationID)
	case "mutations":
		s.handleMutation(w, r, ownerID, correlationID)
	case "subscribe":
		s.handleSubscribe(w, r, ownerID, correlationID)
	}
}

func (s *Server) handleItems(w http.ResponseWriter, r *http.Request, ownerID, correlationID string) {
	query := r.URL.Query()
	filter := inboxsync.Filter{
		Status:     inboxsync.Status(strings.TrimSpace(query.Get("status"))),
		SearchTerm: query.Get("search"),
		Limit:      parseBoundedInt(query.Get("limit"), 0, 1, 1000),
	}
	switch filter.Status {
	case "", inboxsync.StatusActive, inboxsync.StatusArchived:
	default:
		writeError(w, http.StatusBadRequest, "bad_request", "unsupported status filter", correlationID)
		return
	}
	items, err := s.backend.FetchList(r.Context(), ownerID, filter)
	if err != nil {
		s.writeBackendError(w, err, correlationID)
		return
	}
	if items == nil {
		items = []inboxsync.Item{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request, ownerID, correlationID string) {
	stats, err := s.backend.FetchStats(r.Context(), ownerID)
	if err != nil {
		s.writeBackendError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleMutation(w http.ResponseWriter, r *http.Request, ownerID, correlationID string) {
	var intent inboxsync.MutationIntent
	if !s.decodeJSONBody(w, r, correlationID, &intent) {
		return
	}
	if strings.TrimSpace(intent.TargetItemID) == "" {
		writeError(w, http.StatusBadRequest, "validation", "targetItemId is required", correlationID)
		return
	}
	switch intent.Kind {
	case inboxsync.MutationMarkRead, inboxsync.MutationArchive, inboxsync.MutationDelete:
	default:
		writeError(w, http.StatusBadRequest, "validation", "unsupported mutation kind", correlationID)
		return
	}
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key == "" {
		key = intent.ID
	}
	now := time.Now().UTC()
	if item, ok := s.idempotentReplay(ownerID, key, now); ok {
		writeJSON(w, http.StatusOK, item)
		return
	}

	item, err := s.backend.ApplyMutation(r.Context(), ownerID, intent)
	if err != nil {
		s.writeBackendError(w, err, correlationID)
		return
	}
	s.rememberIdempotent(ownerID, key, item, now)
	s.logger.Debug("mutation applied",
		zap.String("owner_id", ownerID),
		zap.String("item_id", intent.TargetItemID),
		zap.String("kind", string(intent.Kind)),
		zap.String("correlation_id", correlationID),
	)
	writeJSON(w, http.StatusOK, item)
}

// handleSubscribe streams the owner's change events as JSON text frames
// until either side goes away.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request, ownerID, correlationID string) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket accept failed", zap.String("owner_id", ownerID), zap.Error(err))
		return
	}
	ctx := conn.CloseRead(r.Context())

	sub, err := s.backend.Subscribe(ctx, ownerID, func(ev inboxsync.Event) {
		writeCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
		defer cancel()
		if err := wsjson.Write(writeCtx, conn, ev); err != nil {
			s.logger.Debug("event write failed", zap.String("owner_id", ownerID), zap.Error(err))
		}
	})
	if err != nil {
		s.logger.Warn("subscribe failed", zap.String("owner_id", ownerID), zap.Error(err))
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	s.logger.Info("subscriber connected", zap.String("owner_id", ownerID), zap.String("correlation_id", correlationID))

	select {
	case <-ctx.Done():
		sub.Cancel()
		<-sub.Done()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	case <-sub.Done():
		_ = conn.Close(websocket.StatusTryAgainLater, "subscription dropped")
	}
	s.logger.Info("subscriber disconnected", zap.String("owner_id", ownerID), zap.String("correlation_id", correlationID))
}

func (s *Server) handleWebhookVerify(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if query.Get("hub.mode") != "subscribe" || query.Get("hub.verify_token") != s.cfg.WebhookVerifyToken {
		writeError(w, http.StatusForbidden, "forbidden", "verification failed", getCorrelationID(r))
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, query.Get("hub.challenge"))
}

// handleWebhookDelivery acknowledges every well-formed inbox delivery, even
// when applying an individual event fails, so the sender does not redeliver.
func (s *Server) handleWebhookDelivery(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	delivery, err := s.webhook.parse(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	if delivery.Object != "inbox" {
		writeError(w, http.StatusNotFound, "not_found", "unsupported webhook object", correlationID)
		return
	}
	applied := 0
	for _, ev := range delivery.Events {
		if err := s.backend.Publish(ev.OwnerID, ev.Event); err != nil {
			s.logger.Warn("webhook event rejected",
				zap.String("owner_id", ev.OwnerID),
				zap.String("event_type", string(ev.Type)),
				zap.Error(err),
			)
			continue
		}
		applied++
	}
	writeJSON(w, http.StatusOK, map[string]any{"received": len(delivery.Events), "applied": applied})
}

func (s *Server) writeBackendError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, inboxsync.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, inboxsync.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error(), correlationID)
	case errors.Is(err, inboxsync.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation", err.Error(), correlationID)
	case errors.Is(err, inboxsync.ErrTransient):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func (s *Server) idempotentReplay(ownerID, key string, now time.Time) (inboxsync.Item, bool) {
	if key == "" {
		return inboxsync.Item{}, false
	}
	s.idempotencyMu.Lock()
	defer s.idempotencyMu.Unlock()
	for seenKey, seen := range s.idempotencySeen {
		if !now.Before(seen.expiresAt) {
			delete(s.idempotencySeen, seenKey)
		}
	}
	seen, ok := s.idempotencySeen[ownerID+"|"+key]
	return seen.item, ok
}

func (s *Server) rememberIdempotent(ownerID, key string, item inboxsync.Item, now time.Time) {
	if key == "" {
		return
	}
	s.idempotencyMu.Lock()
	defer s.idempotencyMu.Unlock()
	s.idempotencySeen[ownerID+"|"+key] = idempotentResult{item: item, expiresAt: now.Add(s.cfg.IdempotencyWindow)}
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}

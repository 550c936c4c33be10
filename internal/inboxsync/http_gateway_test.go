package inboxsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func TestHTTPGatewayRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := atomic.AddInt32(&calls, 1)
		if call == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"unavailable","message":"retry"}`))
			return
		}
		if r.URL.Path != "/v1/owners/U1/items" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != "Bearer token" {
			t.Errorf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		if r.URL.Query().Get("status") != "active" || r.URL.Query().Get("limit") != "25" || r.URL.Query().Get("search") != "ada" {
			t.Errorf("expected filter query to be forwarded, got %q", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items":[{"id":"a","ownerId":"U1","counterpart":{"id":"c1","displayName":"Ada"},"lastActivityAt":"2026-03-01T09:00:00Z","unreadCount":2,"priority":"high","status":"active"}]}`))
	}))
	defer server.Close()

	gw := NewHTTPGateway(server.URL, "token", server.Client())
	items, err := gw.FetchList(context.Background(), "U1", Filter{Status: StatusActive, SearchTerm: "ada", Limit: 25})
	if err != nil {
		t.Fatalf("expected retry to recover from transient 503, got error: %v", err)
	}
	if len(items) != 1 || items[0].UnreadCount != 2 || items[0].Counterpart.DisplayName != "Ada" {
		t.Fatalf("unexpected items %+v", items)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 calls (1 retry), got %d", atomic.LoadInt32(&calls))
	}
}

func TestHTTPGatewayMapsStatusCodes(t *testing.T) {
	cases := []struct {
		status int
		check  func(error) bool
	}{
		{http.StatusNotFound, func(err error) bool { return errors.Is(err, ErrNotFound) }},
		{http.StatusConflict, func(err error) bool { return errors.Is(err, ErrConflict) }},
		{http.StatusBadGateway, func(err error) bool { return errors.Is(err, ErrTransient) }},
		{http.StatusTooManyRequests, func(err error) bool { return errors.Is(err, ErrTransient) }},
		{http.StatusForbidden, func(err error) bool {
			var httpErr *HTTPError
			return errors.As(err, &httpErr) && httpErr.Code == "forbidden" && !errors.Is(err, ErrTransient)
		}},
	}
	for _, tc := range cases {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"code":"forbidden","message":"denied"}`))
		}))
		gw := NewHTTPGateway(server.URL, "token", server.Client())
		gw.baseDelay = time.Millisecond
		_, err := gw.ApplyMutation(context.Background(), "U1", MutationIntent{ID: "i1", TargetItemID: "a", Kind: MutationArchive})
		server.Close()
		if !tc.check(err) {
			t.Fatalf("status %d: unexpected error %v", tc.status, err)
		}
	}
}

func TestHTTPGatewayApplyMutationSendsIntent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/owners/U1/mutations" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Idempotency-Key") != "i1" {
			t.Errorf("expected idempotency key i1, got %q", r.Header.Get("Idempotency-Key"))
		}
		var intent MutationIntent
		if err := json.NewDecoder(r.Body).Decode(&intent); err != nil {
			t.Errorf("decode intent failed: %v", err)
		}
		if intent.Kind != MutationMarkRead || intent.Patch.UnreadCount == nil || *intent.Patch.UnreadCount != 0 {
			t.Errorf("unexpected intent %+v", intent)
		}
		_ = json.NewEncoder(w).Encode(Item{ID: "a", OwnerID: "U1", Status: StatusActive})
	}))
	defer server.Close()

	gw := NewHTTPGateway(server.URL, "token", server.Client())
	item, err := gw.ApplyMutation(context.Background(), "U1", MutationIntent{
		ID: "i1", TargetItemID: "a", Kind: MutationMarkRead, Patch: Patch{UnreadCount: intPtr(0)},
	})
	if err != nil {
		t.Fatalf("apply mutation failed: %v", err)
	}
	if item.ID != "a" || item.UnreadCount != 0 {
		t.Fatalf("unexpected item %+v", item)
	}
}

func TestHTTPGatewaySubscribeDeliversFrames(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/owners/U1/subscribe" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()
		current := testItem("b", 1, StatusActive, 2)
		_ = wsjson.Write(ctx, conn, Event{Type: EventInsert, Current: &current})
		_ = conn.Write(ctx, websocket.MessageText, []byte("not json"))
		// Hold the stream open until the client goes away.
		_, _, _ = conn.Read(ctx)
	}))
	defer server.Close()

	gw := NewHTTPGateway(server.URL, "token", server.Client())
	events := make(chan Event, 4)
	sub, err := gw.Subscribe(context.Background(), "U1", func(ev Event) { events <- ev })
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	first := <-events
	if first.Type != EventInsert || first.ItemID() != "b" {
		t.Fatalf("unexpected first event %+v", first)
	}
	second := <-events
	if second.Type != "" || second.ItemID() != "" {
		t.Fatalf("expected undecodable frame as zero event, got %+v", second)
	}

	sub.Cancel()
	sub.Cancel()
	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("expected cancel to stop delivery")
	}
	if sub.Err() != nil {
		t.Fatalf("expected clean cancel, got %v", sub.Err())
	}
}

func TestHTTPGatewaySubscribeReportsTransportLoss(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conn.Close(websocket.StatusGoingAway, "restarting")
	}))
	defer server.Close()

	gw := NewHTTPGateway(server.URL, "token", server.Client())
	sub, err := gw.Subscribe(context.Background(), "U1", func(Event) {})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("expected transport loss to close the subscription")
	}
	if !errors.Is(sub.Err(), ErrTransient) {
		t.Fatalf("expected transient transport error, got %v", sub.Err())
	}
}

func TestHTTPGatewaySubscribeRejectedHandshake(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	gw := NewHTTPGateway(server.URL, "token", server.Client())
	if _, err := gw.Subscribe(context.Background(), "U1", func(Event) {}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found on rejected handshake, got %v", err)
	}
}

func TestRetryPolicyHonorsRetryAfterAndCap(t *testing.T) {
	policy := newRetryPolicy(100*time.Millisecond, 2*time.Second)
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}
	for i, w := range want {
		if got := nextRetryDelay(policy, ""); got != w {
			t.Fatalf("attempt %d: expected %s, got %s", i+1, w, got)
		}
	}
	if got := nextRetryDelay(policy, "1"); got != time.Second {
		t.Fatalf("expected Retry-After of 1s, got %s", got)
	}
	if got := nextRetryDelay(policy, "30"); got != 2*time.Second {
		t.Fatalf("expected Retry-After capped at 2s, got %s", got)
	}
	for i := 0; i < 10; i++ {
		nextRetryDelay(policy, "")
	}
	if got := nextRetryDelay(policy, ""); got != 2*time.Second {
		t.Fatalf("expected capped delay, got %s", got)
	}
}

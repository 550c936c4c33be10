package inboxsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"nhooyr.io/websocket"
)

const tracerName = "github.com/agentworkforce/inboxsync/internal/inboxsync"

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// HTTPGateway talks to the inbox REST API and its websocket event stream.
type HTTPGateway struct {
	baseURL     string
	token       string
	httpClient  *http.Client
	maxRetries  int
	baseDelay   time.Duration
	maxDelay    time.Duration
	dialTimeout time.Duration
	tracer      trace.Tracer
}

type listResponse struct {
	Items []Item `json:"items"`
}

func NewHTTPGateway(baseURL, token string, httpClient *http.Client) *HTTPGateway {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPGateway{
		baseURL:     baseURL,
		token:       strings.TrimSpace(token),
		httpClient:  httpClient,
		maxRetries:  2,
		baseDelay:   100 * time.Millisecond,
		maxDelay:    2 * time.Second,
		dialTimeout: 10 * time.Second,
		tracer:      otel.Tracer(tracerName),
	}
}

func (g *HTTPGateway) FetchList(ctx context.Context, ownerID string, filter Filter) ([]Item, error) {
	q := url.Values{}
	if filter.Status != "" {
		q.Set("status", string(filter.Status))
	}
	if term := strings.TrimSpace(filter.SearchTerm); term != "" {
		q.Set("search", term)
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	requestPath := ownerPath(ownerID, "items")
	if encoded := q.Encode(); encoded != "" {
		requestPath += "?" + encoded
	}
	var out listResponse
	if err := g.doJSON(ctx, "fetch_list", ownerID, http.MethodGet, requestPath, nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (g *HTTPGateway) FetchStats(ctx context.Context, ownerID string) (Stats, error) {
	var out Stats
	err := g.doJSON(ctx, "fetch_stats", ownerID, http.MethodGet, ownerPath(ownerID, "stats"), nil, nil, &out)
	return out, err
}

func (g *HTTPGateway) ApplyMutation(ctx context.Context, ownerID string, intent MutationIntent) (Item, error) {
	headers := map[string]string{"Idempotency-Key": intent.ID}
	var out Item
	err := g.doJSON(ctx, "apply_mutation", ownerID, http.MethodPost, ownerPath(ownerID, "mutations"), headers, intent, &out)
	if err != nil {
		var nf *NotFoundError
		if errors.As(err, &nf) && nf.ItemID == "" {
			nf.ItemID = intent.TargetItemID
		}
		var conflict *ConflictError
		if errors.As(err, &conflict) && conflict.ItemID == "" {
			conflict.ItemID = intent.TargetItemID
		}
		return Item{}, err
	}
	return out, nil
}

// Subscribe dials the owner's event stream. Frames that fail to decode are
// delivered as a zero Event so the listener can fall back to a resync.
func (g *HTTPGateway) Subscribe(ctx context.Context, ownerID string, onEvent func(Event)) (Subscription, error) {
	if onEvent == nil {
		return nil, fmt.Errorf("event callback is required")
	}
	wsURL, err := websocketURL(g.baseURL + ownerPath(ownerID, "subscribe"))
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+g.token)
	header.Set("X-Correlation-Id", correlationID())

	dialCtx, cancelDial := context.WithTimeout(ctx, g.dialTimeout)
	conn, resp, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		// websocket rejects clients with a Timeout; the dial context bounds the handshake.
		HTTPClient: &http.Client{Transport: g.httpClient.Transport},
		HTTPHeader: header,
	})
	cancelDial()
	if err != nil {
		if resp != nil {
			if mapped := statusError(resp.StatusCode, "", "subscribe rejected", ""); mapped != nil && !errors.Is(mapped, ErrTransient) {
				return nil, mapped
			}
		}
		return nil, &TransientError{Op: "subscribe", Err: err}
	}
	conn.SetReadLimit(1 << 20)

	streamCtx, cancel := context.WithCancel(ctx)
	handle := NewStreamHandle(cancel)
	go func() {
		defer conn.Close(websocket.StatusNormalClosure, "")
		for {
			_, data, err := conn.Read(streamCtx)
			if err != nil {
				if streamCtx.Err() != nil {
					handle.Finish(nil)
				} else {
					handle.Finish(&TransientError{Op: "subscribe", Err: err})
				}
				return
			}
			var ev Event
			if err := json.Unmarshal(data, &ev); err != nil {
				ev = Event{}
			}
			onEvent(ev)
		}
	}()
	return handle, nil
}

func (g *HTTPGateway) doJSON(
	ctx context.Context,
	op, ownerID, method, requestPath string,
	headers map[string]string,
	body any,
	out any,
) (err error) {
	ctx, span := g.tracer.Start(ctx, "inboxsync."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("inbox.owner_id", ownerID),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	var bodyBytes []byte
	if body != nil {
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	policy := newRetryPolicy(g.baseDelay, g.maxDelay)
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, g.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+g.token)
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for key, value := range headers {
			req.Header.Set(key, value)
		}
		otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

		resp, err := g.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if attempt < g.maxRetries {
				if waitErr := waitWithContext(ctx, nextRetryDelay(policy, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return &TransientError{Op: op, Err: err}
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return &TransientError{Op: op, Err: readErr}
		}
		span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if retryableStatus(resp.StatusCode) && attempt < g.maxRetries {
			if waitErr := waitWithContext(ctx, nextRetryDelay(policy, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return statusError(resp.StatusCode, errPayload.Code, errPayload.Message, op)
	}
}

func retryableStatus(status int) bool {
	return status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests ||
		(status >= 500 && status <= 599)
}

func statusError(status int, code, message, op string) error {
	switch {
	case status == http.StatusNotFound:
		return &NotFoundError{}
	case status == http.StatusConflict:
		return &ConflictError{}
	case retryableStatus(status):
		return &TransientError{Op: op, Err: &HTTPError{StatusCode: status, Code: code, Message: message}}
	default:
		return &HTTPError{StatusCode: status, Code: code, Message: message}
	}
}

func ownerPath(ownerID, resource string) string {
	return fmt.Sprintf("/v1/owners/%s/%s", url.PathEscape(ownerID), resource)
}

func websocketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String(), nil
}

func correlationID() string {
	return "inbox_" + uuid.NewString()
}

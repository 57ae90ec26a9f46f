package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hamed0406/gefion/internal/domain"
	apimw "github.com/hamed0406/gefion/internal/httpapi/middleware"
	"github.com/hamed0406/gefion/internal/notify"
	"github.com/hamed0406/gefion/internal/reconcile"
	"github.com/hamed0406/gefion/internal/repo/memory"
)

// ---- test helpers ----

type countNotifier struct {
	mu     sync.Mutex
	n      []notify.Notification
	engine *reconcile.Engine
}

// delivered waits for the engine's queued deliveries and returns them.
func (c *countNotifier) delivered(t *testing.T) []notify.Notification {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.engine.Wait(ctx); err != nil {
		t.Fatalf("notifications still pending: %v", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]notify.Notification(nil), c.n...)
}

func (c *countNotifier) Dispatch(ctx context.Context, n notify.Notification, contacts []domain.ContactRef) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n = append(c.n, n)
	return nil
}

func setupRouter(t *testing.T) (http.Handler, *memory.Store, *countNotifier) {
	t.Helper()
	srv, store, n := newTestServer(t)
	return srv.Router(), store, n
}

func newTestServer(t *testing.T) (*Server, *memory.Store, *countNotifier) {
	t.Helper()
	log := zap.NewNop()
	store := memory.New()
	ctx := context.Background()
	for _, m := range []domain.Monitor{
		{
			Definition: domain.CheckDefinition{MonitorID: "1", VersionID: "v1", ProbeKind: "http",
				ProbeArgs: map[string]any{"url": "https://example.test"}, IntervalSeconds: 60, Worker: "w1"},
			State: domain.MonitorState{Name: "example.test", Contacts: []domain.ContactRef{{ChannelKind: "telegram", Destination: "1"}}},
		},
		{
			Definition: domain.CheckDefinition{MonitorID: "2", VersionID: "v2", ProbeKind: "port", IntervalSeconds: 30, Worker: "w2"},
			State:      domain.MonitorState{Name: "db"},
		},
	} {
		if err := store.Put(ctx, m); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	n := &countNotifier{}
	n.engine = reconcile.NewEngine(store, n, log, nil)
	srv := NewServer(log, store, n.engine, apimw.Workers{"w1": "k1", "w2": "k2"})
	srv.Metrics = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("# metrics")) })
	return srv, store, n
}

func postResult(t *testing.T, h http.Handler, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/result", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func outcomeJSON(available bool, msg string) string {
	b, _ := json.Marshal(domain.CheckOutcome{Available: available, RuntimeSeconds: 0.1, Message: msg, ObservedAt: 1700000000})
	return string(b)
}

// ---- tests ----

func TestRoot_Health_Metrics(t *testing.T) {
	h, _, _ := setupRouter(t)
	for path, code := range map[string]int{"/": http.StatusNoContent, "/healthz": http.StatusOK, "/metrics": http.StatusOK} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != code {
			t.Fatalf("%s: code %d, want %d", path, rr.Code, code)
		}
		if rr.Header().Get(apimw.HeaderRequestID) == "" {
			t.Fatalf("%s: missing request id header", path)
		}
	}
}

func TestListMonitors_FiltersByWorker(t *testing.T) {
	h, _, _ := setupRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/monitors", nil)
	req.SetBasicAuth("w1", "k1")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("code %d body %s", rr.Code, rr.Body.String())
	}

	var body struct {
		Monitors []map[string]any `json:"monitors"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Monitors) != 1 {
		t.Fatalf("want 1 monitor for w1, got %d", len(body.Monitors))
	}
	m := body.Monitors[0]
	if m["id"] != "1" || m["unique_id"] != "v1" || m["check"] != "http" || m["name"] != "example.test" ||
		m["frequency"] != float64(60) || m["worker"] != "w1" {
		t.Fatalf("unexpected monitor %v", m)
	}
	if args, ok := m["arguments"].(map[string]any); !ok || args["url"] != "https://example.test" {
		t.Fatalf("arguments not an object: %v", m["arguments"])
	}

	req = httptest.NewRequest(http.MethodGet, "/monitors", nil)
	req.SetBasicAuth("w1", "k2")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("want 401 with wrong key, got %d", rr.Code)
	}
}

func TestGetMonitor(t *testing.T) {
	h, _, _ := setupRouter(t)

	for id, code := range map[string]int{"1": http.StatusOK, "nope": http.StatusNotFound} {
		req := httptest.NewRequest(http.MethodGet, "/monitors/"+id, nil)
		req.SetBasicAuth("w2", "k2")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != code {
			t.Fatalf("%s: code %d, want %d", id, rr.Code, code)
		}
	}
}

func TestResult_AcceptedThenTransition(t *testing.T) {
	h, store, n := setupRouter(t)

	rr := postResult(t, h, url.Values{"id": {"1"}, "unique_id": {"v1"}, "result": {outcomeJSON(true, "")}})
	if rr.Code != http.StatusNoContent {
		t.Fatalf("code %d body %s", rr.Code, rr.Body.String())
	}
	rr = postResult(t, h, url.Values{"id": {"1"}, "unique_id": {"v1"}, "result": {outcomeJSON(false, "refused")}})
	if rr.Code != http.StatusNoContent {
		t.Fatalf("code %d", rr.Code)
	}

	if got := n.delivered(t); len(got) != 1 || got[0].Available || got[0].Host != "example.test" {
		t.Fatalf("want one DOWN notification, got %+v", got)
	}
	m, _ := store.Find(context.Background(), "1", "")
	if m.State.LastAvailable == nil || *m.State.LastAvailable || m.State.LastMessage != "refused" {
		t.Fatalf("state not stored: %+v", m.State)
	}
}

func TestResult_UniqueIDFallback(t *testing.T) {
	h, _, _ := setupRouter(t)
	rr := postResult(t, h, url.Values{"id": {"stale"}, "unique_id": {"v2"}, "result": {outcomeJSON(true, "")}})
	if rr.Code != http.StatusNoContent {
		t.Fatalf("code %d", rr.Code)
	}
}

func TestResult_Errors(t *testing.T) {
	h, _, n := setupRouter(t)

	cases := []struct {
		name string
		form url.Values
		want int
	}{
		{"unknown monitor", url.Values{"id": {"9"}, "unique_id": {"v9"}, "result": {outcomeJSON(false, "x")}}, http.StatusForbidden},
		{"missing result", url.Values{"id": {"1"}}, http.StatusBadRequest},
		{"missing ids", url.Values{"result": {outcomeJSON(true, "")}}, http.StatusBadRequest},
		{"bad json", url.Values{"id": {"1"}, "result": {"{nope"}}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if rr := postResult(t, h, tc.form); rr.Code != tc.want {
				t.Fatalf("code %d, want %d", rr.Code, tc.want)
			}
		})
	}
	if got := n.delivered(t); len(got) != 0 {
		t.Fatalf("notifications sent on rejected results: %+v", got)
	}
}

func TestResult_CancelledRequestStillNotifies(t *testing.T) {
	h, _, n := setupRouter(t)

	ctx, cancel := context.WithCancel(context.Background())
	form := url.Values{"id": {"1"}, "unique_id": {"v1"}, "result": {outcomeJSON(false, "refused")}}
	req := httptest.NewRequest(http.MethodPost, "/result", strings.NewReader(form.Encode())).WithContext(ctx)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	cancel()
	if rr.Code != http.StatusNoContent {
		t.Fatalf("code %d", rr.Code)
	}

	if got := n.delivered(t); len(got) != 1 || got[0].Available {
		t.Fatalf("want one DOWN notification after the worker hung up, got %+v", got)
	}
}

func TestResult_RateLimitClientAddress(t *testing.T) {
	send := func(h http.Handler, forwarded string) int {
		form := url.Values{"id": {"2"}, "unique_id": {"v2"}, "result": {outcomeJSON(true, "")}}
		req := httptest.NewRequest(http.MethodPost, "/result", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("X-Forwarded-For", forwarded)
		req.RemoteAddr = "10.0.0.1:5000"
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr.Code
	}

	t.Run("direct clients share the connection bucket", func(t *testing.T) {
		srv, _, _ := newTestServer(t)
		srv.RateLimit = RateLimit{PerMinute: 1, Burst: 1}
		h := srv.Router()
		if code := send(h, "1.1.1.1"); code != http.StatusNoContent {
			t.Fatalf("first request code %d", code)
		}
		if code := send(h, "2.2.2.2"); code != http.StatusTooManyRequests {
			t.Fatalf("rotated X-Forwarded-For bypassed the limiter: code %d", code)
		}
	})

	t.Run("trusted proxy keys on the forwarded address", func(t *testing.T) {
		srv, _, _ := newTestServer(t)
		srv.RateLimit = RateLimit{PerMinute: 1, Burst: 1, TrustProxy: true}
		h := srv.Router()
		if code := send(h, "1.1.1.1"); code != http.StatusNoContent {
			t.Fatalf("first client code %d", code)
		}
		if code := send(h, "2.2.2.2"); code != http.StatusNoContent {
			t.Fatalf("second client code %d", code)
		}
		if code := send(h, "1.1.1.1"); code != http.StatusTooManyRequests {
			t.Fatalf("repeat client code %d, want 429", code)
		}
	})
}

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func pass(context.Context) error { return nil }

func failWith(msg string) func(context.Context) error {
	return func(context.Context) error { return errors.New(msg) }
}

func probe(t *testing.T, ctx context.Context, h http.HandlerFunc) (int, result) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	h(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return rec.Code, body
}

func TestHealthz(t *testing.T) {
	// Liveness ignores failing dependencies.
	h := New(Checker{Name: "database", Check: failWith("down")})
	code, body := probe(t, context.Background(), h.Healthz)
	if code != http.StatusOK || body.Status != "ok" || body.Checks != nil {
		t.Errorf("Healthz = %d %+v, want 200 ok without checks", code, body)
	}
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name       string
		checkers   []Checker
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantCode:   http.StatusOK,
			wantStatus: "ok",
		},
		{
			name: "all pass",
			checkers: []Checker{
				{Name: "postgres", Check: pass},
				{Name: "mcp", Check: pass},
			},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantChecks: map[string]string{"postgres": "ok", "mcp": "ok"},
		},
		{
			name: "one fails",
			checkers: []Checker{
				{Name: "postgres", Check: failWith("connection refused")},
				{Name: "mcp", Check: pass},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{"postgres": "fail: connection refused", "mcp": "ok"},
		},
		{
			name: "all fail",
			checkers: []Checker{
				{Name: "postgres", Check: failWith("timeout")},
				{Name: "mcp", Check: failWith("no session")},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{"postgres": "fail: timeout", "mcp": "fail: no session"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := probe(t, context.Background(), New(tt.checkers...).Readyz)
			if code != tt.wantCode || body.Status != tt.wantStatus {
				t.Errorf("Readyz = %d %q, want %d %q", code, body.Status, tt.wantCode, tt.wantStatus)
			}
			for name, want := range tt.wantChecks {
				if got := body.Checks[name]; got != want {
					t.Errorf("check %s = %q, want %q", name, got, want)
				}
			}
		})
	}
}

func TestReadyz_CanceledRequest(t *testing.T) {
	h := New(Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if code, _ := probe(t, ctx, h.Readyz); code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", code)
	}
}

func TestReadyz_ChecksRunConcurrently(t *testing.T) {
	var started atomic.Int32
	both := make(chan struct{})
	waitForPeer := func(ctx context.Context) error {
		if started.Add(1) == 2 {
			close(both)
		}
		select {
		case <-both:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
			return errors.New("peer check never started")
		}
	}
	h := New(Checker{Name: "postgres", Check: waitForPeer}, Checker{Name: "mcp", Check: waitForPeer})

	if code, body := probe(t, context.Background(), h.Readyz); code != http.StatusOK {
		t.Errorf("status = %d, checks %v", code, body.Checks)
	}
}

func TestRegister(t *testing.T) {
	r := chi.NewRouter()
	New(Checker{Name: "postgres", Check: failWith("down")}).Register(r)

	for path, want := range map[string]int{
		"/healthz": http.StatusOK,
		"/readyz":  http.StatusServiceUnavailable,
		"/livez":   http.StatusNotFound,
	} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != want {
			t.Errorf("GET %s = %d, want %d", path, rec.Code, want)
		}
	}
}

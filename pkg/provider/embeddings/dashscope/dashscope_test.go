package dashscope_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/flowexec/pkg/apierr"
	"github.com/MrWong99/flowexec/pkg/provider/embeddings/dashscope"
)

var fastRetry = dashscope.RetryConfig{
	MaxRetries:   5,
	InitialDelay: time.Millisecond,
	MaxDelay:     4 * time.Millisecond,
	Multiplier:   2,
}

// embedServer starts a fake DashScope endpoint. failures is the number of
// leading requests answered with HTTP 500; afterwards body is returned.
func embedServer(t *testing.T, failures int32, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if r.URL.Path != "/embeddings" {
			t.Errorf("path = %q, want /embeddings", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("X-DashScope-SSE"); got != "disable" {
			t.Errorf("X-DashScope-SSE = %q, want disable", got)
		}

		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != dashscope.DefaultModel {
			t.Errorf("model = %q, want %q", req.Model, dashscope.DefaultModel)
		}

		if n <= failures {
			http.Error(w, `{"code":"InternalError"}`, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newProvider(t *testing.T, url string) *dashscope.Provider {
	t.Helper()
	p, err := dashscope.New("sk-test", "", dashscope.WithBaseURL(url), dashscope.WithRetry(fastRetry))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestNew_EmptyAPIKey(t *testing.T) {
	if _, err := dashscope.New("", ""); err == nil {
		t.Fatal("expected error for empty api key")
	}
}

func TestEmbed_NativeShape(t *testing.T) {
	srv, calls := embedServer(t, 0, `{"output":{"embeddings":[{"embedding":[0.1,0.2,0.3],"text_index":0}]},"usage":{"total_tokens":3}}`)
	p := newProvider(t, srv.URL)

	vec, err := p.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vec) != 3 || vec[1] != 0.2 {
		t.Errorf("vec = %v", vec)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestEmbed_CompatibleShape(t *testing.T) {
	srv, _ := embedServer(t, 0, `{"object":"list","data":[{"object":"embedding","index":0,"embedding":[1,2]}]}`)
	p := newProvider(t, srv.URL)

	vec, err := p.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vec) != 2 || vec[0] != 1 {
		t.Errorf("vec = %v", vec)
	}
}

func TestEmbed_RetriesThenSucceeds(t *testing.T) {
	for k := int32(0); k < 4; k++ {
		srv, calls := embedServer(t, k, `{"data":[{"embedding":[0.5]}]}`)
		p := newProvider(t, srv.URL)

		if _, err := p.Embed(context.Background(), "hello"); err != nil {
			t.Fatalf("k=%d: unexpected error: %v", k, err)
		}
		if calls.Load() != k+1 {
			t.Errorf("k=%d: calls = %d, want %d", k, calls.Load(), k+1)
		}
	}
}

func TestEmbed_AlwaysFailing(t *testing.T) {
	srv, calls := embedServer(t, 1000, "")
	p := newProvider(t, srv.URL)

	_, err := p.Embed(context.Background(), "hello")
	if err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 5 {
		t.Errorf("calls = %d, want 5", calls.Load())
	}
	var ue *apierr.UpstreamError
	if !errors.As(err, &ue) || ue.Status != http.StatusInternalServerError {
		t.Errorf("err = %v, want UpstreamError with status 500", err)
	}
	if !strings.Contains(err.Error(), "embedding generation failed") {
		t.Errorf("err = %q, want wrapped message", err)
	}
}

func TestEmbed_UnknownShapeIsNotRetried(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown", `{"result":[1,2,3]}`},
		{"empty native", `{"output":{"embeddings":[]}}`},
		{"empty data", `{"data":[]}`},
		{"not json", `<html>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, calls := embedServer(t, 0, tt.body)
			p := newProvider(t, srv.URL)

			_, err := p.Embed(context.Background(), "hello")
			var pe *apierr.ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("err = %v, want ParseError", err)
			}
			if calls.Load() != 1 {
				t.Errorf("calls = %d, want 1", calls.Load())
			}
		})
	}
}

func TestEmbed_EmptyInputRejectedBeforeNetwork(t *testing.T) {
	srv, calls := embedServer(t, 0, `{"data":[{"embedding":[1]}]}`)
	p := newProvider(t, srv.URL)

	_, err := p.Embed(context.Background(), " \x00\r\n ")
	var ve *apierr.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if calls.Load() != 0 {
		t.Errorf("calls = %d, want 0", calls.Load())
	}
}

func TestEmbedBatch_CountMismatch(t *testing.T) {
	srv, _ := embedServer(t, 0, `{"data":[{"embedding":[1]}]}`)
	p := newProvider(t, srv.URL)

	if _, err := p.EmbedBatch(context.Background(), []string{"a", "b"}); err == nil {
		t.Fatal("expected error when fewer vectors than inputs come back")
	}
}

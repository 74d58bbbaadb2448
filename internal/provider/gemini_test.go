package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vietanhdev/kirapilot-engine/internal/config"
	"github.com/vietanhdev/kirapilot-engine/pkg/models"
)

func newTestGemini(t *testing.T, handler http.HandlerFunc) (*GeminiProvider, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p := NewGeminiProvider(config.GeminiConfig{
		APIKey:   "test-key",
		Model:    "gemini-test",
		Endpoint: srv.URL,
	}, 1, 2*time.Second)
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	return p, srv
}

func TestGenerateHonorsExplicitZeroTemperature(t *testing.T) {
	var captured geminiRequest
	p, _ := newTestGemini(t, func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"ok"}]}}]}`))
	})

	zero := 0.0
	got, err := p.Generate(context.Background(), "hello", models.GenerationOptions{Temperature: &zero})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if got != "ok" {
		t.Errorf("Generate() = %q, want ok", got)
	}
	if captured.GenerationConfig.Temperature != 0 {
		t.Errorf("wire temperature = %v, want explicit 0 honored", captured.GenerationConfig.Temperature)
	}
	if captured.GenerationConfig.TopP != 0.9 {
		t.Errorf("wire topP = %v, want default 0.9", captured.GenerationConfig.TopP)
	}
}

func TestGenerateAppliesDefaultsWhenUnset(t *testing.T) {
	var captured geminiRequest
	p, _ := newTestGemini(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&captured)
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"ok"}]}}]}`))
	})

	if _, err := p.Generate(context.Background(), "hello", models.GenerationOptions{}); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if captured.GenerationConfig.Temperature != 0.7 {
		t.Errorf("wire temperature = %v, want default 0.7", captured.GenerationConfig.Temperature)
	}
	if captured.GenerationConfig.MaxOutputTokens != 2048 {
		t.Errorf("wire maxOutputTokens = %d, want default 2048", captured.GenerationConfig.MaxOutputTokens)
	}
}

func TestGenerateRejectsOutOfRangeTemperature(t *testing.T) {
	p, _ := newTestGemini(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("out-of-range options must not reach the API")
	})

	bad := 2.5
	if _, err := p.Generate(context.Background(), "hello", models.GenerationOptions{Temperature: &bad}); err == nil {
		t.Fatal("Generate() error = nil, want range error")
	}
}

func TestGenerateRetriesOn5xx(t *testing.T) {
	calls := 0
	p, _ := newTestGemini(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, "upstream hiccup", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"ok"}]}}]}`))
	})

	got, err := p.Generate(context.Background(), "hello", models.GenerationOptions{})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if got != "ok" {
		t.Errorf("Generate() = %q, want ok", got)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2 (one retry)", calls)
	}
}

func TestGenerateDoesNotRetry4xx(t *testing.T) {
	calls := 0
	p, _ := newTestGemini(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "bad request", http.StatusBadRequest)
	})

	if _, err := p.Generate(context.Background(), "hello", models.GenerationOptions{}); err == nil {
		t.Fatal("Generate() error = nil, want terminal 4xx error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (4xx is terminal)", calls)
	}
}

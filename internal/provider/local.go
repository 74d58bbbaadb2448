package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vietanhdev/kirapilot-engine/internal/config"
	"github.com/vietanhdev/kirapilot-engine/pkg/models"
)

// LocalProvider runs inference against the on-device runtime. The runtime
// holds a single non-shareable inference context, so every Generate call is
// serialized behind genMu; never parallelize decoding of one context.
type LocalProvider struct {
	cfg    config.LocalConfig
	client *http.Client

	genMu sync.Mutex // serializes inference

	mu     sync.RWMutex
	status models.ProviderStatus
}

// NewLocalProvider creates a configured (not yet initialized) provider.
func NewLocalProvider(cfg config.LocalConfig, timeout time.Duration) *LocalProvider {
	return &LocalProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		status: models.ProviderStatus{State: models.ProviderInitializing},
	}
}

// Initialize checks the quantized weight file and probes the local runtime.
// A missing weight file is a terminal unavailable state, not an error that
// aborts engine startup.
func (p *LocalProvider) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cfg.ModelPath == "" {
		p.status = models.ProviderStatus{State: models.ProviderUnavailable, Reason: "model file missing"}
		return fmt.Errorf("local: model path not configured")
	}
	if _, err := os.Stat(p.cfg.ModelPath); err != nil {
		p.status = models.ProviderStatus{State: models.ProviderUnavailable, Reason: "model file missing"}
		return fmt.Errorf("local: model file %s: %w", p.cfg.ModelPath, err)
	}

	// Verify the runtime answers before declaring ready.
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.Endpoint+"/api/tags", nil)
	if err != nil {
		p.status = models.ProviderStatus{State: models.ProviderError, Reason: err.Error()}
		return fmt.Errorf("local: create probe request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.status = models.ProviderStatus{State: models.ProviderUnavailable, Reason: "runtime unreachable"}
		return fmt.Errorf("local: runtime unreachable: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		p.status = models.ProviderStatus{State: models.ProviderError, Reason: fmt.Sprintf("runtime status %d", resp.StatusCode)}
		return fmt.Errorf("local: runtime status %d", resp.StatusCode)
	}

	p.status = models.ProviderStatus{State: models.ProviderReady}
	log.Info().Str("model", p.cfg.Model).Str("path", p.cfg.ModelPath).Msg("Local provider ready")
	return nil
}

// Cleanup releases the inference context reference.
func (p *LocalProvider) Cleanup() error {
	p.genMu.Lock()
	defer p.genMu.Unlock()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = models.ProviderStatus{State: models.ProviderUnavailable, Reason: "cleaned up"}
	return nil
}

func (p *LocalProvider) IsReady() bool { return p.Status().Ready() }

func (p *LocalProvider) Status() models.ProviderStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

func (p *LocalProvider) ModelInfo() models.ModelInfo {
	return models.ModelInfo{
		ID:       "local/" + p.cfg.Model,
		Name:     p.cfg.Model,
		Provider: "local",
		Metadata: map[string]string{"model_path": p.cfg.ModelPath},
	}
}

func (p *LocalProvider) Capabilities() []string {
	return []string{CapTextGeneration, CapPromptTools}
}

func (p *LocalProvider) ValidatePrompt(prompt string) error { return validatePrompt(prompt) }

type localGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type localGenerateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Generate runs one serialized inference call against the runtime.
func (p *LocalProvider) Generate(ctx context.Context, prompt string, opts models.GenerationOptions) (string, error) {
	if !p.IsReady() {
		return "", fmt.Errorf("local: %w: %s", ErrUnavailable, p.Status().Reason)
	}
	if err := p.ValidatePrompt(prompt); err != nil {
		return "", fmt.Errorf("local: %w", err)
	}
	if err := opts.Validate(); err != nil {
		return "", fmt.Errorf("local: %w", err)
	}
	opts = opts.Normalize()

	p.genMu.Lock()
	defer p.genMu.Unlock()

	body, err := json.Marshal(localGenerateRequest{
		Model:  p.cfg.Model,
		Prompt: prompt,
		Stream: false,
		Options: map[string]any{
			"temperature": *opts.Temperature,
			"top_p":       *opts.TopP,
			"num_predict": opts.MaxTokens,
			"stop":        opts.StopSequences,
		},
	})
	if err != nil {
		return "", fmt.Errorf("local: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("local: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("local: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("local: status %d: %s", resp.StatusCode, string(respBody))
	}

	var lr localGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return "", fmt.Errorf("local: decode response: %w", err)
	}
	return lr.Response, nil
}

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/vietanhdev/kirapilot-engine/internal/config"
	"github.com/vietanhdev/kirapilot-engine/pkg/models"
)

// GeminiProvider drives the Google Generative Language API over HTTPS.
// Safe for unlimited concurrency; bounded only by the HTTP client pool.
type GeminiProvider struct {
	cfg        config.GeminiConfig
	client     *http.Client
	maxRetries int

	mu     sync.RWMutex
	status models.ProviderStatus
}

// NewGeminiProvider creates a configured (not yet initialized) provider.
func NewGeminiProvider(cfg config.GeminiConfig, maxRetries int, timeout time.Duration) *GeminiProvider {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &GeminiProvider{
		cfg:        cfg,
		client:     &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
		status:     models.ProviderStatus{State: models.ProviderInitializing},
	}
}

// Initialize verifies the API key is configured and marks the provider ready.
func (p *GeminiProvider) Initialize(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cfg.APIKey == "" {
		p.status = models.ProviderStatus{State: models.ProviderUnavailable, Reason: "api key not configured"}
		return fmt.Errorf("gemini: api key not configured")
	}
	p.status = models.ProviderStatus{State: models.ProviderReady}
	log.Info().Str("model", p.cfg.Model).Msg("Gemini provider ready")
	return nil
}

// Cleanup moves the provider to its terminal unavailable state.
func (p *GeminiProvider) Cleanup() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = models.ProviderStatus{State: models.ProviderUnavailable, Reason: "cleaned up"}
	return nil
}

func (p *GeminiProvider) IsReady() bool { return p.Status().Ready() }

func (p *GeminiProvider) Status() models.ProviderStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

func (p *GeminiProvider) ModelInfo() models.ModelInfo {
	return models.ModelInfo{
		ID:            "gemini/" + p.cfg.Model,
		Name:          p.cfg.Model,
		Provider:      "gemini",
		ContextLength: 1_000_000,
	}
}

func (p *GeminiProvider) Capabilities() []string {
	return []string{CapTextGeneration, CapStreaming, CapPromptTools}
}

func (p *GeminiProvider) ValidatePrompt(prompt string) error { return validatePrompt(prompt) }

// ── Wire types ──────────────────────────────────────────────

type geminiRequest struct {
	Contents         []geminiContent `json:"contents"`
	GenerationConfig geminiGenConfig `json:"generationConfig"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenConfig struct {
	Temperature     float64  `json:"temperature"`
	TopP            float64  `json:"topP"`
	MaxOutputTokens int      `json:"maxOutputTokens"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Generate calls generateContent (or streamGenerateContent when streaming is
// requested; chunks are concatenated and returned whole). Transient errors
// (network, 429, 5xx) are retried with exponential backoff; 4xx errors are
// terminal.
func (p *GeminiProvider) Generate(ctx context.Context, prompt string, opts models.GenerationOptions) (string, error) {
	if !p.IsReady() {
		return "", fmt.Errorf("gemini: %w: %s", ErrUnavailable, p.Status().Reason)
	}
	if err := p.ValidatePrompt(prompt); err != nil {
		return "", fmt.Errorf("gemini: %w", err)
	}
	if err := opts.Validate(); err != nil {
		return "", fmt.Errorf("gemini: %w", err)
	}
	opts = opts.Normalize()

	body, err := json.Marshal(geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: prompt}}}},
		GenerationConfig: geminiGenConfig{
			Temperature:     *opts.Temperature,
			TopP:            *opts.TopP,
			MaxOutputTokens: opts.MaxTokens,
			StopSequences:   opts.StopSequences,
		},
	})
	if err != nil {
		return "", fmt.Errorf("gemini: marshal request: %w", err)
	}

	method := "generateContent"
	if opts.Stream {
		method = "streamGenerateContent"
	}
	url := fmt.Sprintf("%s/models/%s:%s?key=%s", p.cfg.Endpoint, p.cfg.Model, method, p.cfg.APIKey)

	var text string
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := p.client.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			err := fmt.Errorf("status %d: %s", resp.StatusCode, string(respBody))
			if retryableStatus(resp.StatusCode) {
				return err
			}
			return backoff.Permanent(err)
		}

		if opts.Stream {
			text, err = decodeStream(resp.Body)
		} else {
			text, err = decodeSingle(resp.Body)
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(p.maxRetries)),
		ctx,
	)
	if err := backoff.RetryNotify(operation, bo, func(err error, wait time.Duration) {
		log.Warn().Err(err).Dur("retry_in", wait).Msg("Gemini call failed, retrying")
	}); err != nil {
		return "", fmt.Errorf("gemini: %w", err)
	}
	return text, nil
}

// retryableStatus reports whether an HTTP status is worth retrying.
func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

func decodeSingle(r io.Reader) (string, error) {
	var gr geminiResponse
	if err := json.NewDecoder(r).Decode(&gr); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return flatten(gr)
}

// decodeStream reads the JSON array emitted by streamGenerateContent and
// concatenates every chunk. Streaming to the caller is not supported; the
// result is delivered whole.
func decodeStream(r io.Reader) (string, error) {
	var chunks []geminiResponse
	if err := json.NewDecoder(r).Decode(&chunks); err != nil {
		return "", fmt.Errorf("decode stream: %w", err)
	}
	var sb bytes.Buffer
	for _, gr := range chunks {
		text, err := flatten(gr)
		if err != nil {
			return "", err
		}
		sb.WriteString(text)
	}
	return sb.String(), nil
}

func flatten(gr geminiResponse) (string, error) {
	if gr.Error != nil {
		return "", fmt.Errorf("api error %d: %s", gr.Error.Code, gr.Error.Message)
	}
	var sb bytes.Buffer
	for _, c := range gr.Candidates {
		for _, part := range c.Content.Parts {
			sb.WriteString(part.Text)
		}
	}
	return sb.String(), nil
}

// Package manager is the engine facade: it owns the configured providers,
// the active-provider pointer, the tool registry, the execution logger, and
// the session state, and routes inbound AI requests through the reason-act
// loop.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vietanhdev/kirapilot-engine/internal/config"
	"github.com/vietanhdev/kirapilot-engine/internal/engine"
	"github.com/vietanhdev/kirapilot-engine/internal/execlog"
	"github.com/vietanhdev/kirapilot-engine/internal/provider"
	"github.com/vietanhdev/kirapilot-engine/internal/registry"
	"github.com/vietanhdev/kirapilot-engine/internal/sessions"
	"github.com/vietanhdev/kirapilot-engine/pkg/models"
)

// Status is the provider overview returned by the status endpoint.
type Status struct {
	ActiveProvider string                           `json:"active_provider"`
	Providers      map[string]models.ProviderStatus `json:"providers"`
}

// Manager wires providers, registry, logger, and sessions together.
type Manager struct {
	cfg *config.Config

	mu        sync.RWMutex
	providers map[string]provider.Provider
	active    string

	registry *registry.Registry
	logger   *execlog.Logger
	sessions *sessions.Manager

	requestTimeout time.Duration
	callTimeout    time.Duration
}

// New builds a manager from config. Providers are constructed here but not
// initialized until Initialize is called.
func New(cfg *config.Config, reg *registry.Registry, logger *execlog.Logger) *Manager {
	callTimeout := time.Duration(cfg.ProviderTimeoutSec) * time.Second
	providers := map[string]provider.Provider{}
	if cfg.Gemini.Enabled {
		providers["gemini"] = provider.NewGeminiProvider(cfg.Gemini, cfg.MaxRetries, callTimeout)
	}
	if cfg.Local.Enabled {
		providers["local"] = provider.NewLocalProvider(cfg.Local, callTimeout)
	}

	return &Manager{
		cfg:            cfg,
		providers:      providers,
		active:         cfg.DefaultProvider,
		registry:       reg,
		logger:         logger,
		sessions:       sessions.NewManager(cfg.MaxHistory),
		requestTimeout: time.Duration(cfg.RequestTimeoutSec) * time.Second,
		callTimeout:    callTimeout,
	}
}

// RegisterProvider adds or replaces a provider under name. Call before
// Initialize.
func (m *Manager) RegisterProvider(name string, p provider.Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[name] = p
}

// Initialize brings up every configured provider. Individual failures do
// not abort startup; failed providers stay Unavailable.
func (m *Manager) Initialize(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, p := range m.providers {
		if err := p.Initialize(ctx); err != nil {
			log.Warn().Err(err).Str("provider", name).Msg("provider failed to initialize")
			continue
		}
		log.Info().Str("provider", name).Str("model", p.ModelInfo().ID).Msg("provider ready")
	}

	// If the configured default never came up, point active at any ready
	// provider so requests can still be served.
	if p, ok := m.providers[m.active]; !ok || !p.IsReady() {
		for name, p := range m.providers {
			if p.IsReady() {
				m.active = name
				break
			}
		}
	}
}

// Shutdown cleans up all providers.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, p := range m.providers {
		if err := p.Cleanup(); err != nil {
			log.Warn().Err(err).Str("provider", name).Msg("provider cleanup failed")
		}
	}
}

// SetActiveProvider atomically swaps the active pointer. The named
// provider must exist and be Ready.
func (m *Manager) SetActiveProvider(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.providers[name]
	if !ok {
		return models.NewAPIError(models.ErrInvalidRequest, fmt.Sprintf("unknown provider %q", name))
	}
	if !p.IsReady() {
		return models.NewAPIError(models.ErrProviderUnavailable,
			fmt.Sprintf("provider %q is not ready: %s", name, p.Status().Reason))
	}
	m.active = name
	log.Info().Str("provider", name).Msg("active provider switched")
	return nil
}

// Status reports the active provider and the status of every provider.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := Status{
		ActiveProvider: m.active,
		Providers:      make(map[string]models.ProviderStatus, len(m.providers)),
	}
	for name, p := range m.providers {
		out.Providers[name] = p.Status()
	}
	return out
}

// Providers lists configured provider names, sorted.
func (m *Manager) Providers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Sessions exposes the session manager for the API layer.
func (m *Manager) Sessions() *sessions.Manager { return m.sessions }

// Registry exposes the tool registry for the API layer.
func (m *Manager) Registry() *registry.Registry { return m.registry }

// ProcessMessage validates the request, selects a provider, runs the loop,
// records the turn, and returns the response or an error envelope.
func (m *Manager) ProcessMessage(ctx context.Context, req *models.AIRequest) (*models.AIResponse, *models.APIError) {
	if err := req.Validate(); err != nil {
		return nil, models.NewAPIError(models.ErrInvalidRequest, err.Error())
	}
	if req.ModelPreference != "" {
		m.mu.RLock()
		_, known := m.providers[req.ModelPreference]
		m.mu.RUnlock()
		if !known {
			return nil, models.NewAPIError(models.ErrInvalidRequest,
				fmt.Sprintf("unknown model preference %q", req.ModelPreference))
		}
	}

	name, prov, apiErr := m.selectProvider(req.ModelPreference)
	if apiErr != nil {
		return nil, apiErr
	}

	var sess *models.Session
	if req.SessionID != "" {
		sess = m.sessions.GetOrCreate(req.SessionID)
	}

	ec := registry.ExecContext{
		SessionID: req.SessionID,
		Context:   req.Context,
		Session:   sess,
	}

	eng := engine.New(prov, m.registry, m.cfg.MaxSteps, m.callTimeout)

	runCtx, cancel := context.WithTimeout(ctx, m.requestTimeout)
	defer cancel()

	result, err := eng.Run(runCtx, req.Message, sess, ec)
	if err != nil {
		return nil, m.classifyRunError(err, req, name)
	}

	resp := &models.AIResponse{
		Reply:          result.Reply,
		Reasoning:      result.Reasoning,
		ToolExecutions: result.ToolExecutions,
		Model:          name,
	}

	log.Info().
		Str("provider", name).
		Str("session_id", req.SessionID).
		Int("steps", result.Steps).
		Int("tool_executions", len(result.ToolExecutions)).
		Bool("forced", result.Forced).
		Msg("message processed")

	if req.SessionID != "" {
		m.sessions.AppendTurn(req.SessionID, models.SessionTurn{
			UserMessage:    req.Message,
			Assistant:      resp.Reply,
			ToolExecutions: resp.ToolExecutions,
			CreatedAt:      time.Now().UTC(),
		}, req.Context, lastTaskID(result.ToolExecutions))
	}

	return resp, nil
}

// selectProvider picks the request's preference if ready, else the active
// provider, else the configured default as a last fallback.
func (m *Manager) selectProvider(preference string) (string, provider.Provider, *models.APIError) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	candidates := []string{}
	if preference != "" {
		candidates = append(candidates, preference)
	}
	candidates = append(candidates, m.active, m.cfg.DefaultProvider)

	seen := map[string]bool{}
	for _, name := range candidates {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		if p, ok := m.providers[name]; ok && p.IsReady() {
			return name, p, nil
		}
	}
	return "", nil, models.NewAPIError(models.ErrProviderUnavailable, "no provider is ready")
}

// classifyRunError maps loop failures onto the error envelope. Timeouts
// additionally produce an execution log entry.
func (m *Manager) classifyRunError(err error, req *models.AIRequest, providerName string) *models.APIError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		m.recordTimeout(req, providerName, err)
		return models.NewAPIError(models.ErrTimeout, "request exceeded its time budget")
	case errors.Is(err, context.Canceled):
		return models.NewAPIError(models.ErrTimeout, "request cancelled")
	case errors.Is(err, provider.ErrUnavailable):
		return models.NewAPIError(models.ErrProviderUnavailable, err.Error())
	default:
		return models.NewAPIError(models.ErrLLM, err.Error())
	}
}

func (m *Manager) recordTimeout(req *models.AIRequest, providerName string, err error) {
	if m.logger == nil {
		return
	}
	m.logger.Record(&models.ExecutionLog{
		SessionID:   req.SessionID,
		ToolName:    models.ToolNameLLMGenerate,
		Parameters:  map[string]any{"provider": providerName},
		Result:      models.Fail(models.FailExecution, err.Error()),
		Timestamp:   time.Now().UTC(),
		Success:     false,
		Error:       err.Error(),
		Performance: models.PerfVerySlow,
		Category:    models.CategoryGeneral,
	})
}

// lastTaskID extracts the most recent task id a successful tool execution
// produced, for session-based inference of later requests.
func lastTaskID(execs []models.ToolExecution) string {
	for i := len(execs) - 1; i >= 0; i-- {
		if !execs[i].Success {
			continue
		}
		switch payload := execs[i].Result.Payload.(type) {
		case *models.Task:
			return payload.ID
		case *models.TimeSession:
			return payload.TaskID
		}
	}
	return ""
}

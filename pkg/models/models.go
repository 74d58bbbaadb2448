// Package models defines the shared data model for the KiraPilot AI engine:
// generation options, provider descriptors, tool schemas, execution logs,
// analytics rollups, and the request/response envelope exposed to the
// desktop shell.
package models

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// ── Generation Options ──────────────────────────────────────

// Default generation parameters applied by Normalize.
const (
	DefaultMaxTokens   = 2048
	DefaultTemperature = 0.7
	DefaultTopP        = 0.9
)

// GenerationOptions is the immutable request shape passed to a provider.
// Temperature and TopP are pointers so an explicit 0 is distinguishable
// from unset; nil means "use the default".
type GenerationOptions struct {
	MaxTokens     int      `json:"max_tokens,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	TopP          *float64 `json:"top_p,omitempty"`
	StopSequences []string `json:"stop_sequences,omitempty"`
	Stream        bool     `json:"stream,omitempty"`
}

// Normalize returns a copy with defaults filled in for unset fields.
// Explicitly set values, including temperature 0, are kept as given.
func (o GenerationOptions) Normalize() GenerationOptions {
	if o.MaxTokens <= 0 {
		o.MaxTokens = DefaultMaxTokens
	}
	if o.Temperature == nil {
		t := float64(DefaultTemperature)
		o.Temperature = &t
	}
	if o.TopP == nil {
		p := float64(DefaultTopP)
		o.TopP = &p
	}
	return o
}

// Validate checks the parameter ranges: 0 ≤ temperature ≤ 2.0, 0 < top-p ≤ 1.0.
func (o GenerationOptions) Validate() error {
	if o.Temperature != nil && (*o.Temperature < 0 || *o.Temperature > 2.0) {
		return fmt.Errorf("temperature %v out of range [0, 2.0]", *o.Temperature)
	}
	if o.TopP != nil && (*o.TopP <= 0 || *o.TopP > 1.0) {
		return fmt.Errorf("top_p %v out of range (0, 1.0]", *o.TopP)
	}
	return nil
}

// ── Provider Descriptors ────────────────────────────────────

// ModelInfo identifies a provider's model and its capabilities.
type ModelInfo struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Provider      string            `json:"provider"`
	Version       string            `json:"version,omitempty"`
	ContextLength int               `json:"context_length,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// ProviderState enumerates provider lifecycle states.
type ProviderState string

const (
	ProviderReady        ProviderState = "ready"
	ProviderInitializing ProviderState = "initializing"
	ProviderUnavailable  ProviderState = "unavailable"
	ProviderError        ProviderState = "error"
)

// ProviderStatus is the tagged lifecycle state of a provider.
// Reason carries the unavailable reason or error message.
type ProviderStatus struct {
	State  ProviderState `json:"state"`
	Reason string        `json:"reason,omitempty"`
}

func (s ProviderStatus) Ready() bool { return s.State == ProviderReady }

// ── Permissions ─────────────────────────────────────────────

// PermissionLevel gates tool execution.
type PermissionLevel string

const (
	PermReadOnly     PermissionLevel = "read_only"
	PermModifyTasks  PermissionLevel = "modify_tasks"
	PermTimerControl PermissionLevel = "timer_control"
	PermFullAccess   PermissionLevel = "full_access"
)

// PermissionSet is the set of levels granted to the current user.
type PermissionSet map[PermissionLevel]bool

// NewPermissionSet builds a set from the given levels.
func NewPermissionSet(levels ...PermissionLevel) PermissionSet {
	s := make(PermissionSet, len(levels))
	for _, l := range levels {
		s[l] = true
	}
	return s
}

// Allows reports whether a tool requiring the given level may run.
// FullAccess satisfies every requirement.
func (s PermissionSet) Allows(required PermissionLevel) bool {
	return s[required] || s[PermFullAccess]
}

// ── Tool Schema ─────────────────────────────────────────────

// ToolCategory groups tools for analytics.
type ToolCategory string

const (
	CategoryTaskManagement ToolCategory = "task_management"
	CategoryTimeTracking   ToolCategory = "time_tracking"
	CategoryAnalytics      ToolCategory = "analytics"
	CategoryGeneral        ToolCategory = "general"
)

// ParamType enumerates the semantic parameter types tools accept.
type ParamType string

const (
	ParamString   ParamType = "string"
	ParamInt      ParamType = "int"
	ParamFloat    ParamType = "float"
	ParamBool     ParamType = "bool"
	ParamEnum     ParamType = "enum"
	ParamDate     ParamType = "date"
	ParamDuration ParamType = "duration"
)

// ParameterSpec describes one tool parameter.
type ParameterSpec struct {
	Name        string    `json:"name"`
	Type        ParamType `json:"type"`
	Required    bool      `json:"required"`
	Default     any       `json:"default,omitempty"`
	Description string    `json:"description,omitempty"`
	EnumValues  []string  `json:"enum_values,omitempty"`
}

// ToolDescriptor is the registry entry the model is told about.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Permission  PermissionLevel `json:"permission"`
	Category    ToolCategory    `json:"category"`
	Parameters  []ParameterSpec `json:"parameters"`
}

// ── Tool Results ────────────────────────────────────────────

// FailureKind classifies tool failures.
type FailureKind string

const (
	FailUnknownTool      FailureKind = "unknown_tool"
	FailPermissionDenied FailureKind = "permission_denied"
	FailMissingParameter FailureKind = "missing_parameter"
	FailInvalidParameter FailureKind = "invalid_parameter"
	FailExecution        FailureKind = "execution_error"
	FailInternal         FailureKind = "internal_error"
)

// ToolResult is the tagged outcome of a tool invocation.
type ToolResult struct {
	Success             bool        `json:"success"`
	Payload             any         `json:"payload,omitempty"`
	SideEffect          string      `json:"side_effect,omitempty"`
	FailureKind         FailureKind `json:"failure_kind,omitempty"`
	Message             string      `json:"message,omitempty"`
	RecoverySuggestions []string    `json:"recovery_suggestions,omitempty"`
}

// Succeed builds a success result.
func Succeed(payload any, sideEffect string) ToolResult {
	return ToolResult{Success: true, Payload: payload, SideEffect: sideEffect}
}

// Fail builds a failure result.
func Fail(kind FailureKind, message string, suggestions ...string) ToolResult {
	return ToolResult{
		Success:             false,
		FailureKind:         kind,
		Message:             message,
		RecoverySuggestions: suggestions,
	}
}

// ── AI Request / Response ───────────────────────────────────

// Request validation limits.
const (
	MaxMessageLen   = 100_000
	MaxSessionIDLen = 255
)

// AIRequest is an inbound message from the desktop shell.
type AIRequest struct {
	Message         string         `json:"message"`
	SessionID       string         `json:"session_id,omitempty"`
	ModelPreference string         `json:"model_preference,omitempty"`
	Context         map[string]any `json:"context,omitempty"`
}

// Validate enforces the request constraints. It does not check the model
// preference against the provider set; that is the service manager's job.
func (r *AIRequest) Validate() error {
	msg := strings.TrimSpace(r.Message)
	if msg == "" {
		return fmt.Errorf("message must not be empty")
	}
	if utf8.RuneCountInString(r.Message) > MaxMessageLen {
		return fmt.Errorf("message exceeds %d characters", MaxMessageLen)
	}
	if r.SessionID != "" && utf8.RuneCountInString(r.SessionID) > MaxSessionIDLen {
		return fmt.Errorf("session_id exceeds %d characters", MaxSessionIDLen)
	}
	return nil
}

// ToolExecution is the per-tool record surfaced in an AIResponse.
type ToolExecution struct {
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters"`
	Result     ToolResult     `json:"result"`
	DurationMs int64          `json:"duration_ms"`
	Success    bool           `json:"success"`
}

// AIResponse is returned whole to the caller; no partial streaming.
type AIResponse struct {
	Reply          string          `json:"reply"`
	Reasoning      string          `json:"reasoning,omitempty"`
	ToolExecutions []ToolExecution `json:"tool_executions"`
	Model          string          `json:"model"`
}

// ── Sessions ────────────────────────────────────────────────

// SessionTurn is one (user message, assistant response) pair with the tool
// executions the turn produced.
type SessionTurn struct {
	UserMessage    string          `json:"user_message"`
	Assistant      string          `json:"assistant"`
	ToolExecutions []ToolExecution `json:"tool_executions,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Session accumulates turn history up to a configurable cap.
type Session struct {
	ID         string         `json:"id"`
	Turns      []SessionTurn  `json:"turns"`
	Context    map[string]any `json:"context,omitempty"`
	LastTaskID string         `json:"last_task_id,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// ── Execution Logs ──────────────────────────────────────────

// PerformanceClass buckets execution duration at log time.
type PerformanceClass string

const (
	PerfFast     PerformanceClass = "fast"      // <100ms
	PerfNormal   PerformanceClass = "normal"    // <1s
	PerfSlow     PerformanceClass = "slow"      // <5s
	PerfVerySlow PerformanceClass = "very_slow" // ≥5s
)

// ClassifyPerformance maps a duration to its performance class.
func ClassifyPerformance(d time.Duration) PerformanceClass {
	switch {
	case d < 100*time.Millisecond:
		return PerfFast
	case d < time.Second:
		return PerfNormal
	case d < 5*time.Second:
		return PerfSlow
	default:
		return PerfVerySlow
	}
}

// InferredParam records where a missing parameter value came from.
type InferredParam struct {
	Name   string `json:"name"`
	Source string `json:"source"` // e.g. "context:current_task_id", "default"
}

// ExecutionLog is the append-only record of one tool invocation.
// Composite fields are stored JSON-encoded.
// ToolNameLLMGenerate is a reserved pseudo-tool name for provider-level log
// entries (request timeouts). It is never registered or dispatchable, and is
// the single exception to tool_name referring to a registered tool.
const ToolNameLLMGenerate = "llm_generate"

type ExecutionLog struct {
	ID                  string           `json:"id"`
	SessionID           string           `json:"session_id"`
	ToolName            string           `json:"tool_name"`
	Parameters          map[string]any   `json:"parameters"`
	Inferred            []InferredParam  `json:"inferred,omitempty"`
	Result              ToolResult       `json:"result"`
	ContextSnapshot     map[string]any   `json:"context_snapshot,omitempty"`
	Timestamp           time.Time        `json:"timestamp"`
	UserID              string           `json:"user_id,omitempty"`
	DurationMs          int64            `json:"duration_ms"`
	Success             bool             `json:"success"`
	Error               string           `json:"error,omitempty"`
	Performance         PerformanceClass `json:"performance"`
	Category            ToolCategory     `json:"category"`
	RecoverySuggestions []string         `json:"recovery_suggestions,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
}

// LogFilter selects execution logs for listing and rollups.
type LogFilter struct {
	SessionID string
	ToolName  string
	Since     *time.Time
	Until     *time.Time
	Limit     int
}

// ── Analytics Rollups ───────────────────────────────────────

// RollupPeriod enumerates rollup window types.
type RollupPeriod string

const (
	RollupSession RollupPeriod = "session"
	RollupDaily   RollupPeriod = "daily"
	RollupWeekly  RollupPeriod = "weekly"
	RollupMonthly RollupPeriod = "monthly"
)

// ToolUsage is a (tool, count) pair.
type ToolUsage struct {
	ToolName string `json:"tool_name"`
	Count    int64  `json:"count"`
}

// ToolReliability scores a tool by success rate over a sample floor.
type ToolReliability struct {
	ToolName    string  `json:"tool_name"`
	SuccessRate float64 `json:"success_rate"`
	Samples     int64   `json:"samples"`
}

// ToolPerfStats aggregates per-tool latency.
type ToolPerfStats struct {
	ToolName      string  `json:"tool_name"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
	P50DurationMs int64   `json:"p50_duration_ms"`
	P95DurationMs int64   `json:"p95_duration_ms"`
	SlowCount     int64   `json:"slow_count"` // slow + very_slow
}

// ErrorPattern counts a recurring (tool, failure kind) pair.
type ErrorPattern struct {
	ToolName string      `json:"tool_name"`
	Kind     FailureKind `json:"kind"`
	Count    int64       `json:"count"`
	Sample   string      `json:"sample,omitempty"`
}

// ToolCorrelation is a tool pair (A→B) where B immediately follows A within
// a session more often than the configured floors.
type ToolCorrelation struct {
	First       string  `json:"first"`
	Second      string  `json:"second"`
	Occurrences int64   `json:"occurrences"`
	Probability float64 `json:"probability"` // P(second | first)
}

// AnalyticsRollup is an aggregate over a [start, end) log window.
// Rollups are recomputed whole, never patched.
type AnalyticsRollup struct {
	ID              string            `json:"id"`
	Period          RollupPeriod      `json:"period"`
	WindowStart     time.Time         `json:"window_start"`
	WindowEnd       time.Time         `json:"window_end"`
	MostUsed        []ToolUsage       `json:"most_used"`
	MostReliable    []ToolReliability `json:"most_reliable"`
	PerfStats       []ToolPerfStats   `json:"perf_stats"`
	ErrorPatterns   []ErrorPattern    `json:"error_patterns"`
	Correlations    []ToolCorrelation `json:"correlations"`
	Recommendations []string          `json:"recommendations"`
	TotalExecutions int64             `json:"total_executions"`
	SuccessfulExecs int64             `json:"successful_executions"`
	AvgDurationMs   float64           `json:"avg_duration_ms"`
	ComputedAt      time.Time         `json:"computed_at"`
}

// SessionToolStats is the in-memory per-session tracker snapshot.
type SessionToolStats struct {
	SessionID   string           `json:"session_id"`
	CountByTool map[string]int64 `json:"count_by_tool"`
	Failures    int64            `json:"failures"`
	Total       int64            `json:"total"`
	FailureRate float64          `json:"failure_rate"`
	P50Ms       int64            `json:"p50_ms"`
	P95Ms       int64            `json:"p95_ms"`
}

// ── Task / Timer domain (repository façade) ─────────────────

// TaskStatus enumerates task states.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
)

// TaskPriority enumerates priorities.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityMedium TaskPriority = "medium"
	PriorityHigh   TaskPriority = "high"
)

// Task is a tracked task.
type Task struct {
	ID            string       `json:"id"`
	Title         string       `json:"title"`
	Description   string       `json:"description,omitempty"`
	Status        TaskStatus   `json:"status"`
	Priority      TaskPriority `json:"priority"`
	DueDate       *time.Time   `json:"due_date,omitempty"`
	EstimateMins  int          `json:"estimate_mins,omitempty"`
	Tags          []string     `json:"tags,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// TaskFilter selects tasks in Store.GetTasks.
type TaskFilter struct {
	Status   TaskStatus
	Priority TaskPriority
	Tag      string
	DueBy    *time.Time
	Limit    int
}

// TimeSession is one timer run against a task.
type TimeSession struct {
	ID        string     `json:"id"`
	TaskID    string     `json:"task_id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Active reports whether the session is still running.
func (t *TimeSession) Active() bool { return t.EndedAt == nil }

// ProductivityStat is one day of aggregated focus time.
type ProductivityStat struct {
	Day            string `json:"day"` // YYYY-MM-DD
	FocusedSeconds int64  `json:"focused_seconds"`
	Sessions       int64  `json:"sessions"`
	TasksCompleted int64  `json:"tasks_completed"`
}

// SmartSessionSuggestion recommends the next work session.
type SmartSessionSuggestion struct {
	TaskID       string `json:"task_id,omitempty"`
	TaskTitle    string `json:"task_title,omitempty"`
	DurationMins int    `json:"duration_mins"`
	Reason       string `json:"reason"`
}

// ── Error Envelope ──────────────────────────────────────────

// ErrorType values surfaced to the caller.
type ErrorType string

const (
	ErrInvalidRequest      ErrorType = "invalid_request"
	ErrProviderUnavailable ErrorType = "provider_unavailable"
	ErrLLM                 ErrorType = "llm_error"
	ErrConfig              ErrorType = "config_error"
	ErrPermissionDenied    ErrorType = "permission_denied"
	ErrTimeout             ErrorType = "timeout"
	ErrInternal            ErrorType = "internal_error"
)

// APIError is the canonical error envelope.
type APIError struct {
	Type    ErrorType      `json:"error_type"`
	Message string         `json:"message"`
	Code    string         `json:"code,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// NewAPIError builds an envelope with the canonical code for its type.
func NewAPIError(t ErrorType, message string) *APIError {
	return &APIError{Type: t, Message: message, Code: codeFor(t)}
}

func codeFor(t ErrorType) string {
	switch t {
	case ErrInvalidRequest:
		return "INVALID_REQUEST"
	case ErrProviderUnavailable:
		return "PROVIDER_UNAVAILABLE"
	case ErrLLM:
		return "LLM_ERROR"
	case ErrConfig:
		return "CONFIG_ERROR"
	case ErrPermissionDenied:
		return "PERMISSION_DENIED"
	case ErrTimeout:
		return "TIMEOUT"
	default:
		return "INTERNAL_ERROR"
	}
}

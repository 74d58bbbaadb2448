// Package registry catalogues the tools exposed to the model and executes
// tool invocations: lookup, permission check, parameter inference, type
// coercion, dispatch, and execution logging.
package registry

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vietanhdev/kirapilot-engine/internal/execlog"
	"github.com/vietanhdev/kirapilot-engine/pkg/models"
)

// Handler executes one tool invocation with fully resolved arguments.
type Handler func(ctx context.Context, args map[string]any) models.ToolResult

// Tool pairs a descriptor with its executor.
type Tool struct {
	models.ToolDescriptor
	Handler Handler
}

// ExecContext carries per-invocation ambient state used for parameter
// inference and logging.
type ExecContext struct {
	SessionID string
	UserID    string
	Context   map[string]any
	Session   *models.Session
}

// Registry is read-mostly: registration happens at startup, execution is
// concurrent.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
	perms models.PermissionSet

	logger *execlog.Logger
}

// New creates a registry with the given granted permissions. logger may be
// nil, in which case executions are not recorded.
func New(perms models.PermissionSet, logger *execlog.Logger) *Registry {
	return &Registry{
		tools:  make(map[string]*Tool),
		perms:  perms,
		logger: logger,
	}
}

// Register inserts a tool. Duplicate names are rejected and leave the
// catalog unchanged.
func (r *Registry) Register(tool *Tool) error {
	if tool.Name == "" {
		return fmt.Errorf("tool name must not be empty")
	}
	if tool.Handler == nil {
		return fmt.Errorf("tool %q has no handler", tool.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("tool %q already registered", tool.Name)
	}
	r.tools[tool.Name] = tool
	log.Debug().Str("tool", tool.Name).Str("category", string(tool.Category)).Msg("tool registered")
	return nil
}

// List returns the descriptors the granted permissions allow, sorted by name.
func (r *Registry) List() []models.ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []models.ToolDescriptor{}
	for _, tool := range r.tools {
		if r.perms.Allows(tool.Permission) {
			out = append(out, tool.ToolDescriptor)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Describe returns the descriptor for name, or false if unknown.
func (r *Registry) Describe(name string) (models.ToolDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, ok := r.tools[name]
	if !ok {
		return models.ToolDescriptor{}, false
	}
	return tool.ToolDescriptor, true
}

// Names returns all registered tool names the permissions allow.
func (r *Registry) Names() []string {
	descs := r.List()
	names := make([]string, len(descs))
	for i, d := range descs {
		names[i] = d.Name
	}
	return names
}

// Execute runs one invocation through the full pipeline and returns the
// result, the resolved argument map (inferred values included), and the
// handler's wall-clock duration.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any, ec ExecContext) (models.ToolResult, map[string]any, time.Duration) {
	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()

	if !ok {
		// Not logged: execution logs only ever carry registered tool
		// names, and the model-invented name already reaches the caller
		// through the failure message.
		res := models.Fail(models.FailUnknownTool,
			fmt.Sprintf("unknown tool %q", name),
			"available tools: "+strings.Join(r.Names(), ", "))
		return res, args, 0
	}

	if !r.perms.Allows(tool.Permission) {
		res := models.Fail(models.FailPermissionDenied,
			fmt.Sprintf("tool %q requires %s permission", name, tool.Permission),
			"ask the user to grant the missing permission")
		r.record(name, args, nil, res, 0, ec, tool.Category)
		return res, args, 0
	}

	resolved, inferred, res := r.resolveParams(tool, args, ec)
	if !res.Success {
		r.record(name, resolved, inferred, res, 0, ec, tool.Category)
		return res, resolved, 0
	}

	started := time.Now()
	res = dispatch(ctx, tool, resolved)
	elapsed := time.Since(started)

	r.record(name, resolved, inferred, res, elapsed, ec, tool.Category)
	return res, resolved, elapsed
}

// resolveParams fills missing required parameters from context, session
// state, or schema defaults, then coerces every provided value.
func (r *Registry) resolveParams(tool *Tool, args map[string]any, ec ExecContext) (map[string]any, []models.InferredParam, models.ToolResult) {
	resolved := make(map[string]any, len(args))
	for k, v := range args {
		resolved[k] = v
	}
	var inferred []models.InferredParam

	for _, spec := range tool.Parameters {
		if _, present := resolved[spec.Name]; !present {
			value, source, ok := infer(spec, ec)
			if ok {
				resolved[spec.Name] = value
				inferred = append(inferred, models.InferredParam{Name: spec.Name, Source: source})
			} else if spec.Required {
				return resolved, inferred, models.Fail(models.FailMissingParameter,
					fmt.Sprintf("required parameter %q is missing", spec.Name),
					fmt.Sprintf("provide %q (%s): %s", spec.Name, spec.Type, spec.Description))
			} else {
				continue
			}
		}

		coerced, err := coerce(spec, resolved[spec.Name])
		if err != nil {
			return resolved, inferred, models.Fail(models.FailInvalidParameter,
				fmt.Sprintf("parameter %q: %v", spec.Name, err),
				fmt.Sprintf("expected %s for %q", spec.Type, spec.Name))
		}
		resolved[spec.Name] = coerced
	}

	return resolved, inferred, models.ToolResult{Success: true}
}

// infer resolves a missing parameter from the request context (exact name
// or "current_<name>"), from session state, or from the schema default.
func infer(spec models.ParameterSpec, ec ExecContext) (any, string, bool) {
	if ec.Context != nil {
		if v, ok := ec.Context[spec.Name]; ok {
			return v, "context:" + spec.Name, true
		}
		if v, ok := ec.Context["current_"+spec.Name]; ok {
			return v, "context:current_" + spec.Name, true
		}
	}
	if spec.Name == "task_id" && ec.Session != nil && ec.Session.LastTaskID != "" {
		return ec.Session.LastTaskID, "session:last_task_id", true
	}
	if spec.Default != nil {
		return spec.Default, "default", true
	}
	return nil, "", false
}

// dispatch invokes the handler, converting a panic into an internal error.
func dispatch(ctx context.Context, tool *Tool, args map[string]any) (res models.ToolResult) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().
				Str("tool", tool.Name).
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Msg("tool handler panicked")
			res = models.Fail(models.FailInternal,
				fmt.Sprintf("tool %q crashed: %v", tool.Name, rec),
				"retry with different parameters", "report this if it persists")
		}
	}()
	return tool.Handler(ctx, args)
}

func (r *Registry) record(name string, params map[string]any, inferred []models.InferredParam,
	res models.ToolResult, elapsed time.Duration, ec ExecContext, category models.ToolCategory) {
	if r.logger == nil {
		return
	}
	errMsg := ""
	if !res.Success {
		errMsg = res.Message
	}
	r.logger.Record(&models.ExecutionLog{
		SessionID:           ec.SessionID,
		ToolName:            name,
		Parameters:          params,
		Inferred:            inferred,
		Result:              res,
		ContextSnapshot:     ec.Context,
		Timestamp:           time.Now().UTC(),
		UserID:              ec.UserID,
		DurationMs:          elapsed.Milliseconds(),
		Success:             res.Success,
		Error:               errMsg,
		Performance:         models.ClassifyPerformance(elapsed),
		Category:            category,
		RecoverySuggestions: res.RecoverySuggestions,
	})
}

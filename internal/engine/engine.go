// Package engine drives the reason-act loop: prompt the model, parse its
// reply, execute the requested tool, feed the observation back, and repeat
// until the model answers or a budget runs out.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vietanhdev/kirapilot-engine/internal/provider"
	"github.com/vietanhdev/kirapilot-engine/internal/registry"
	"github.com/vietanhdev/kirapilot-engine/pkg/models"
)

const (
	// DefaultMaxSteps bounds loop iterations per request.
	DefaultMaxSteps = 8

	// DefaultCallTimeout bounds one provider generate call.
	DefaultCallTimeout = 30 * time.Second

	// maxParseErrors is how many successive malformed replies are
	// tolerated before the graceful fallback answer.
	maxParseErrors = 2

	// maxIdenticalActions is how many times the same (tool, args) call
	// may run before the loop is forced to answer.
	maxIdenticalActions = 3
)

const fallbackAnswer = "I wasn't able to complete that reliably. Here is what I did manage: "

// scratchStep is one executed action with its observation.
type scratchStep struct {
	thought     string
	tool        string
	args        map[string]any
	observation string
	execution   models.ToolExecution
}

// Result is a finished loop run.
type Result struct {
	Reply          string
	Reasoning      string
	ToolExecutions []models.ToolExecution
	Steps          int
	Forced         bool // budget or loop safeguard produced the answer
}

// Engine runs the loop against one provider and registry pair.
type Engine struct {
	provider    provider.Provider
	registry    *registry.Registry
	maxSteps    int
	callTimeout time.Duration
	genOpts     models.GenerationOptions
}

// New creates an engine. Non-positive budgets use the defaults.
func New(p provider.Provider, r *registry.Registry, maxSteps int, callTimeout time.Duration) *Engine {
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	return &Engine{
		provider:    p,
		registry:    r,
		maxSteps:    maxSteps,
		callTimeout: callTimeout,
		genOpts:     models.GenerationOptions{}.Normalize(),
	}
}

// Run executes the loop for one user message. Session may be nil for
// sessionless requests. The context carries the per-request deadline;
// cancellation is observed at iteration boundaries.
func (e *Engine) Run(ctx context.Context, message string, sess *models.Session, ec registry.ExecContext) (*Result, error) {
	tools := e.registry.List()
	var turns []models.SessionTurn
	if sess != nil {
		turns = sess.Turns
	}

	var steps []scratchStep
	var thoughts []string
	parseErrors := 0
	corrective := ""
	actionCounts := map[string]int{}

	for i := 0; i < e.maxSteps; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		prompt := buildPrompt(tools, turns, steps, message, corrective)

		callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
		raw, err := e.provider.Generate(callCtx, prompt, e.genOpts)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, fmt.Errorf("provider call: %w", context.DeadlineExceeded)
			}
			return nil, err
		}

		parsed, perr := parseReply(raw)
		if perr != nil {
			parseErrors++
			log.Warn().Err(perr).Int("strike", parseErrors).Msg("malformed model reply")
			if parseErrors >= maxParseErrors {
				return e.finish(fallback(steps), thoughts, steps, i+1, true), nil
			}
			corrective = fmt.Sprintf("your previous reply was malformed (%v); follow the required format exactly", perr)
			continue
		}
		parseErrors = 0
		corrective = ""
		if parsed.thought != "" {
			thoughts = append(thoughts, parsed.thought)
		}

		if parsed.final != "" {
			return e.finish(parsed.final, thoughts, steps, i+1, false), nil
		}

		result, resolved, elapsed := e.registry.Execute(ctx, parsed.tool, parsed.args, ec)
		step := scratchStep{
			thought:     parsed.thought,
			tool:        parsed.tool,
			args:        resolved,
			observation: observe(result),
			execution: models.ToolExecution{
				Name:       parsed.tool,
				Parameters: resolved,
				Result:     result,
				DurationMs: elapsed.Milliseconds(),
				Success:    result.Success,
			},
		}
		steps = append(steps, step)

		key := actionKey(parsed.tool, parsed.args)
		actionCounts[key]++
		if actionCounts[key] >= maxIdenticalActions {
			log.Warn().Str("tool", parsed.tool).Msg("repeated identical action, forcing final answer")
			return e.finish(fallback(steps), thoughts, steps, i+1, true), nil
		}
	}

	return e.finish(fallback(steps), thoughts, steps, e.maxSteps, true), nil
}

func (e *Engine) finish(answer string, thoughts []string, steps []scratchStep, n int, forced bool) *Result {
	execs := make([]models.ToolExecution, len(steps))
	for i, step := range steps {
		execs[i] = step.execution
	}
	reasoning := ""
	for i, th := range thoughts {
		if i > 0 {
			reasoning += "\n"
		}
		reasoning += th
	}
	return &Result{
		Reply:          answer,
		Reasoning:      reasoning,
		ToolExecutions: execs,
		Steps:          n,
		Forced:         forced,
	}
}

// observe renders a tool result as the OBSERVATION line fed back to the
// model. Failures carry recovery suggestions so the model can self-correct.
func observe(res models.ToolResult) string {
	if res.Success {
		payload, err := json.Marshal(res.Payload)
		if err != nil || res.Payload == nil {
			payload = []byte("null")
		}
		if res.SideEffect != "" {
			return fmt.Sprintf("success: %s; result: %s", res.SideEffect, payload)
		}
		return "success; result: " + string(payload)
	}

	obs := fmt.Sprintf("failure (%s): %s", res.FailureKind, res.Message)
	if len(res.RecoverySuggestions) > 0 {
		suggestions, _ := json.Marshal(res.RecoverySuggestions)
		obs += "; recovery_suggestions: " + string(suggestions)
	}
	return obs
}

// fallback composes the best-effort answer when the loop must stop early.
func fallback(steps []scratchStep) string {
	if len(steps) == 0 {
		return "I wasn't able to complete that request. Could you rephrase it?"
	}
	summary := ""
	for i, step := range steps {
		if i > 0 {
			summary += "; "
		}
		if step.execution.Success {
			summary += step.tool + " succeeded"
		} else {
			summary += step.tool + " failed"
		}
	}
	return fallbackAnswer + summary + "."
}

// actionKey canonicalizes a (tool, args) pair for repeat detection.
func actionKey(tool string, args map[string]any) string {
	encoded, _ := json.Marshal(args)
	return tool + string(encoded)
}

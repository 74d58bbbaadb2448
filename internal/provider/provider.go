// Package provider defines the uniform text-generation contract and the two
// built-in implementations: the remote Gemini API and the local on-device
// runtime. Callers never inspect the concrete variant; capability probing
// goes through Capabilities().
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vietanhdev/kirapilot-engine/pkg/models"
)

// Capability strings reported by Capabilities().
const (
	CapTextGeneration = "text-generation"
	CapStreaming      = "streaming"
	CapPromptTools    = "prompt-tools" // tools via prompt-embedded protocol
)

// ErrUnavailable marks generation attempts against a provider that is not
// ready. Wrap with %w so callers can classify with errors.Is.
var ErrUnavailable = errors.New("provider unavailable")

// Provider is the uniform contract over any text-generating model.
type Provider interface {
	// Generate produces text for the prompt. Blocking; honors ctx.
	Generate(ctx context.Context, prompt string, opts models.GenerationOptions) (string, error)

	// IsReady reports whether the provider can serve requests now.
	IsReady() bool

	// Status returns the current lifecycle state.
	Status() models.ProviderStatus

	// ModelInfo describes the underlying model.
	ModelInfo() models.ModelInfo

	// Initialize moves the provider from initializing to ready (or a
	// terminal unavailable/error state). Called once at startup.
	Initialize(ctx context.Context) error

	// Cleanup releases resources; the provider ends unavailable.
	Cleanup() error

	// Capabilities lists supported capability strings.
	Capabilities() []string

	// ValidatePrompt is the pre-flight check run before Generate.
	ValidatePrompt(prompt string) error
}

// validatePrompt rejects prompts that are empty after trimming.
func validatePrompt(prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return fmt.Errorf("prompt is empty")
	}
	return nil
}

// Package llm provides the generation service clients used to produce PDDL
// candidates. Providers share the Client interface; the convergence loop
// never depends on a concrete provider.
package llm

import (
	"context"
	"fmt"

	"planverd/internal/config"
)

// Request is one completion request. Temperature and MaxTokens are always
// explicit so the caller's cooling policy is visible at the call site.
type Request struct {
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// Completion is a provider response.
type Completion struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
}

// Client defines the interface for generation providers.
type Client interface {
	Complete(ctx context.Context, req Request) (*Completion, error)
	Model() string
}

// NewClient creates a provider client from configuration.
func NewClient(cfg config.LLMConfig) (Client, error) {
	switch cfg.Provider {
	case "local", "":
		return NewLocalClient(cfg), nil
	case "gemini":
		return NewGeminiClient(cfg)
	default:
		return nil, fmt.Errorf("unknown provider: %s (valid: local, gemini)", cfg.Provider)
	}
}

package llm

import (
	"context"
	"fmt"
	"sync"
)

// ScriptedClient replays a fixed sequence of completions. It exists for
// tests: the convergence loop can be driven through arbitrary
// success/failure sequences without a live model.
type ScriptedClient struct {
	mu        sync.Mutex
	responses []string
	calls     []Request
}

// NewScriptedClient creates a client that returns the given responses in
// order. Once exhausted, Complete returns an error.
func NewScriptedClient(responses ...string) *ScriptedClient {
	return &ScriptedClient{responses: responses}
}

// Complete returns the next scripted response.
func (s *ScriptedClient) Complete(ctx context.Context, req Request) (*Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, req)
	if len(s.responses) == 0 {
		return nil, fmt.Errorf("scripted client exhausted after %d calls", len(s.calls))
	}
	next := s.responses[0]
	s.responses = s.responses[1:]
	return &Completion{Text: next}, nil
}

// Model identifies the fake provider.
func (s *ScriptedClient) Model() string {
	return "scripted"
}

// Calls returns a copy of the requests seen so far.
func (s *ScriptedClient) Calls() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.calls))
	copy(out, s.calls)
	return out
}

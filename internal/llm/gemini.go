package llm

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"planverd/internal/config"
	"planverd/internal/logging"
)

// GeminiClient generates completions through the Gemini API.
type GeminiClient struct {
	client *genai.Client
	model  string
}

// NewGeminiClient creates a Gemini-backed client.
func NewGeminiClient(cfg config.LLMConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}

	model := cfg.Model
	if model == "" || strings.HasPrefix(model, "Qwen/") {
		model = "gemini-2.0-flash"
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return &GeminiClient{client: client, model: model}, nil
}

// Model returns the configured model name.
func (c *GeminiClient) Model() string {
	return c.model
}

// Complete sends a completion request to the Gemini API.
func (c *GeminiClient) Complete(ctx context.Context, req Request) (*Completion, error) {
	genCfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(req.Temperature)),
		MaxOutputTokens: int32(req.MaxTokens),
	}
	if req.System != "" {
		genCfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}

	result, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(req.Prompt), genCfg)
	if err != nil {
		return nil, fmt.Errorf("gemini generate failed: %w", err)
	}

	text := strings.TrimSpace(result.Text())
	if text == "" {
		return nil, fmt.Errorf("no completion returned")
	}

	completion := &Completion{Text: text}
	if result.UsageMetadata != nil {
		completion.PromptTokens = int(result.UsageMetadata.PromptTokenCount)
		completion.CompletionTokens = int(result.UsageMetadata.CandidatesTokenCount)
	}

	logging.LLMDebug("gemini completion: %d prompt tokens, %d completion tokens",
		completion.PromptTokens, completion.CompletionTokens)
	return completion, nil
}

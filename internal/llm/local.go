package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"planverd/internal/config"
	"planverd/internal/logging"
)

// Retry policy for transient transport failures.
const (
	maxRetries   = 10
	baseDelay    = 2 * time.Second
	maxDelay     = 60 * time.Second
	jitterFactor = 0.1
)

// LocalClient talks to an OpenAI-compatible chat completions endpoint, such
// as a vLLM server hosting the local model.
type LocalClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client

	// retryBase overrides baseDelay in tests.
	retryBase time.Duration
}

// NewLocalClient creates a client for an OpenAI-compatible server.
func NewLocalClient(cfg config.LLMConfig) *LocalClient {
	timeout := 120 * time.Second
	if d, err := time.ParseDuration(cfg.Timeout); err == nil && d > 0 {
		timeout = d
	}
	return &LocalClient{
		apiKey:    cfg.APIKey,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		model:     cfg.Model,
		retryBase: baseDelay,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Model returns the configured model name.
func (c *LocalClient) Model() string {
	return c.model
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

// Complete sends a completion request, retrying transient failures with
// capped exponential backoff.
func (c *LocalClient) Complete(ctx context.Context, req Request) (*Completion, error) {
	messages := make([]chatMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	body := chatRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	logging.LLM("completion request to %s (temperature %.2f, max %d tokens)",
		c.model, req.Temperature, req.MaxTokens)

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryDelay(attempt, c.retryBase)
			logging.LLMWarn("attempt %d/%d failed (%v), retrying in %s",
				attempt, maxRetries, lastErr, delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		completion, retryable, err := c.doRequest(ctx, jsonData)
		if err == nil {
			return completion, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}

	return nil, fmt.Errorf("giving up after %d attempts: %w", maxRetries, lastErr)
}

func (c *LocalClient) doRequest(ctx context.Context, jsonData []byte) (*Completion, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, false, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, true, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("server returned %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("request failed with status %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, false, fmt.Errorf("failed to parse response: %w", err)
	}
	if chatResp.Error != nil {
		return nil, false, fmt.Errorf("API error: %s", chatResp.Error.Message)
	}
	if len(chatResp.Choices) == 0 {
		return nil, false, fmt.Errorf("no completion returned")
	}

	logging.LLMDebug("completion: %d prompt tokens, %d completion tokens",
		chatResp.Usage.PromptTokens, chatResp.Usage.CompletionTokens)

	return &Completion{
		Text:             strings.TrimSpace(chatResp.Choices[0].Message.Content),
		PromptTokens:     chatResp.Usage.PromptTokens,
		CompletionTokens: chatResp.Usage.CompletionTokens,
	}, false, nil
}

// retryDelay computes the backoff before retry number attempt (1-based),
// doubling from base up to maxDelay, with +-10% jitter.
func retryDelay(attempt int, base time.Duration) time.Duration {
	if base <= 0 {
		base = baseDelay
	}
	delay := base << uint(attempt-1)
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}
	jitter := 1 + jitterFactor*(2*rand.Float64()-1)
	return time.Duration(float64(delay) * jitter)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

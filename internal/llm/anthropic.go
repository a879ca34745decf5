// Package llm wraps the text-generation service used by the extraction
// service and the selector healer.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"
)

// ErrUnavailable is returned once retries are exhausted; callers fall
// back to their rules-based path.
var ErrUnavailable = errors.New("text-generation service unavailable")

// Config controls the Anthropic client.
type Config struct {
	APIKey     string
	Model      string
	MaxRetries int
}

// Client implements pipeline.TextGenerator against the Anthropic API.
type Client struct {
	client *anthropic.Client
	model  anthropic.Model
	cfg    Config
	logger *zap.Logger
	sleep  func(context.Context, time.Duration) error
}

// New constructs a Client.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.Model == "" {
		cfg.Model = string(anthropic.ModelClaude3_5HaikuLatest)
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client := anthropic.NewClient(option.WithAPIKey(cfg.APIKey))
	return &Client{
		client: &client,
		model:  anthropic.Model(cfg.Model),
		cfg:    cfg,
		logger: logger,
		sleep:  sleepCtx,
	}
}

// Complete sends a single-turn prompt and returns the text response.
// Rate-limit responses back off using the server-provided retry delay
// when present, up to the configured number of attempts.
func (c *Client) Complete(ctx context.Context, system, prompt string, maxTokens int) (string, error) {
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     c.model,
			MaxTokens: int64(maxTokens),
			System: []anthropic.TextBlockParam{
				{Text: system},
			},
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if err == nil {
			if len(resp.Content) == 0 {
				return "", fmt.Errorf("empty response from model")
			}
			return resp.Content[0].Text, nil
		}
		lastErr = err

		delay, retryable := retryDelay(err, attempt)
		if !retryable || attempt == c.cfg.MaxRetries {
			break
		}
		c.logger.Warn("text-generation call rate limited, backing off",
			zap.Duration("delay", delay),
			zap.Int("attempt", attempt+1),
		)
		if err := c.sleep(ctx, delay); err != nil {
			return "", fmt.Errorf("backoff wait: %w", err)
		}
	}
	return "", fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

// retryDelay inspects an API error for a retryable status and extracts
// the server-provided Retry-After delay when available.
func retryDelay(err error, attempt int) (time.Duration, bool) {
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return 0, false
	}
	switch apiErr.StatusCode {
	case 429, 529:
	default:
		return 0, false
	}

	fallback := time.Duration(1<<attempt) * time.Second
	if apiErr.Response == nil {
		return fallback, true
	}
	header := apiErr.Response.Header.Get("Retry-After")
	if header == "" {
		return fallback, true
	}
	if secs, parseErr := strconv.Atoi(header); parseErr == nil && secs > 0 {
		return time.Duration(secs) * time.Second, true
	}
	return fallback, true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// CleanJSON strips markdown fences and surrounding prose from a model
// response, leaving the outermost JSON object.
func CleanJSON(content string) string {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	// Some model responses include extra prose around the JSON.
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start >= 0 && end > start {
		content = content[start : end+1]
	}
	return content
}

// Package generation talks to the hosted language model: the combined
// reformulate-and-answer request and the confidence-scoring request.
package generation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hyperjump/policydesk/internal/config"
	"github.com/hyperjump/policydesk/internal/metrics"
	"github.com/hyperjump/policydesk/pkg/utils"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// ErrEmptyCompletion is returned when the model responds with no text.
var ErrEmptyCompletion = errors.New("empty completion")

// CompletionRequest is one single-turn request to the model.
type CompletionRequest struct {
	Prompt      string
	MaxTokens   int
	Temperature float32
	JSON        bool
}

// Completer sends a prompt and returns the model's text.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// OpenAIClient is a Completer backed by an OpenAI-compatible chat completions API.
type OpenAIClient struct {
	client          *openai.Client
	model           string
	timeout         time.Duration
	maxRetries      int
	initialInterval time.Duration
	logger          *zap.Logger
	metrics         *metrics.Metrics
}

// ClientOption configures an OpenAIClient.
type ClientOption func(*OpenAIClient)

// WithLogger sets the client logger.
func WithLogger(l *zap.Logger) ClientOption {
	return func(c *OpenAIClient) { c.logger = l }
}

// WithMetrics counts retried requests.
func WithMetrics(m *metrics.Metrics) ClientOption {
	return func(c *OpenAIClient) { c.metrics = m }
}

// WithInitialInterval sets the first retry delay.
func WithInitialInterval(d time.Duration) ClientOption {
	return func(c *OpenAIClient) { c.initialInterval = d }
}

// NewOpenAIClient creates a client from cfg. The API key is read from the environment
// variable named by cfg.APIKeyEnv.
func NewOpenAIClient(cfg *config.GenerationConfig, opts ...ClientOption) *OpenAIClient {
	clientCfg := openai.DefaultConfig(cfg.APIKey())
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	c := &OpenAIClient{
		client:          openai.NewClientWithConfig(clientCfg),
		model:           cfg.Model,
		timeout:         cfg.Timeout,
		maxRetries:      cfg.MaxRetries,
		initialInterval: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxRetries < 0 {
		c.maxRetries = 0
	}
	c.logger = utils.NopIfNil(c.logger)
	return c
}

// Complete sends req as a single user message. Each attempt gets its own timeout;
// rate limits, server errors and network failures are retried with exponential backoff.
func (c *OpenAIClient) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	chatReq := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if req.JSON {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	var content string
	operation := func() error {
		attemptCtx := ctx
		if c.timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, c.timeout)
			defer cancel()
		}
		resp, err := c.client.CreateChatCompletion(attemptCtx, chatReq)
		if err != nil {
			if ctx.Err() != nil || !retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
			return backoff.Permanent(ErrEmptyCompletion)
		}
		c.logger.Debug("completion received",
			zap.String("model", c.model),
			zap.Int("prompt_tokens", resp.Usage.PromptTokens),
			zap.Int("completion_tokens", resp.Usage.CompletionTokens))
		content = resp.Choices[0].Message.Content
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.initialInterval
	policy.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.maxRetries)), ctx)
	notify := func(err error, wait time.Duration) {
		c.metrics.GenerationRetry()
		c.logger.Warn("completion failed, retrying", zap.Error(err), zap.Duration("wait", wait))
	}
	if err := backoff.RetryNotify(operation, b, notify); err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	return content, nil
}

// retryable reports whether err is worth another attempt: HTTP 429, 5xx, or a
// transport failure that never produced a status code.
func retryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return retryableStatus(reqErr.HTTPStatusCode)
	}
	return true
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

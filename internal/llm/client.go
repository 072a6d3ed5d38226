package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/appeal-assistant/evolution/internal/metrics"
	"github.com/appeal-assistant/evolution/pkg/apperr"
	"github.com/appeal-assistant/evolution/pkg/config"
	"github.com/appeal-assistant/evolution/pkg/logger"
	"github.com/appeal-assistant/evolution/pkg/retry"
)

// Completer is the text-completion collaborator used by the analyzer, reviewer and generator.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

type CompletionRequest struct {
	// Operation names the caller for logs and metrics, e.g. "analyze".
	Operation    string
	SystemPrompt string
	UserPrompt   string
	Temperature  float32
	MaxTokens    int
	JSONObject   bool
}

type CompletionResponse struct {
	Content string
	Usage   Usage
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type chatAPI interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

type Client struct {
	api         chatAPI
	model       string
	temperature float32
	maxTokens   int
	timeout     time.Duration
	limiter     *rate.Limiter
	retryConfig retry.Config
}

var _ Completer = (*Client)(nil)

func NewClient(cfg config.LLMConfig) *Client {
	oaConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oaConfig.BaseURL = cfg.BaseURL
	}
	client := newClient(openai.NewClientWithConfig(oaConfig), cfg)

	logger.Info("LLM client initialized",
		zap.String("provider", cfg.Provider),
		zap.String("model", cfg.Model),
		zap.Duration("timeout", client.timeout),
	)
	return client
}

func newClient(api chatAPI, cfg config.LLMConfig) *Client {
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Limit(float64(cfg.RequestsPerMinute) / 60.0)
	}

	retryConfig := retry.DefaultConfig()
	retryConfig.Retryable = apperr.IsRetryable
	retryConfig.Logger = logger.GetLogger()

	return &Client{
		api:         api,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		timeout:     timeout,
		limiter:     rate.NewLimiter(limit, 1),
		retryConfig: retryConfig,
	}
}

// Complete sends one chat completion. Transient failures are retried once with backoff.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	chatReq := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: req.SystemPrompt,
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: req.UserPrompt,
			},
		},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}
	if req.JSONObject {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	op := req.Operation
	if op == "" {
		op = "complete"
	}

	start := time.Now()
	result, err := retry.DoWithResult(ctx, c.retryConfig, func(ctx context.Context) (*CompletionResponse, error) {
		return c.attempt(ctx, op, chatReq)
	})
	metrics.LLMRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	metrics.LLMTokensUsed.WithLabelValues(c.model, "prompt").Add(float64(result.Usage.PromptTokens))
	metrics.LLMTokensUsed.WithLabelValues(c.model, "completion").Add(float64(result.Usage.CompletionTokens))

	return result, nil
}

func (c *Client) attempt(ctx context.Context, op string, chatReq openai.ChatCompletionRequest) (*CompletionResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &apperr.TransientProviderError{Op: op, Err: err}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.api.CreateChatCompletion(callCtx, chatReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyError(op, err)
	}

	if len(resp.Choices) == 0 {
		return nil, &apperr.MalformedResponseError{Op: op, Reason: "no choices returned"}
	}

	logger.Debug("LLM completion generated",
		zap.String("operation", op),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
	)

	return &CompletionResponse{
		Content: resp.Choices[0].Message.Content,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// classifyError maps provider failures onto the error taxonomy. Timeouts, rate
// limits, 5xx responses and network errors are transient; everything else is
// returned as a plain failure.
func classifyError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &apperr.TransientProviderError{Op: op, Err: err}
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if transientStatus(apiErr.HTTPStatusCode) {
			return &apperr.TransientProviderError{Op: op, Err: err}
		}
		return fmt.Errorf("failed to create completion: %w", err)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if transientStatus(reqErr.HTTPStatusCode) {
			return &apperr.TransientProviderError{Op: op, Err: err}
		}
		return fmt.Errorf("failed to create completion: %w", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &apperr.TransientProviderError{Op: op, Err: err}
	}

	return fmt.Errorf("failed to create completion: %w", err)
}

func transientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
}

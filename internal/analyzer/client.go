// Package analyzer drives the external analysis service: it builds chunk
// prompts, submits them through the shared rate limiter, and validates the
// structured partial assessment coming back.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	apperrors "github.com/pentestfunctions/psychoshit/pkg/errors"

	"github.com/pentestfunctions/psychoshit/internal/metrics"
	"github.com/pentestfunctions/psychoshit/internal/ratelimit"
	"github.com/pentestfunctions/psychoshit/internal/store"
)

// Request carries everything one analysis iteration submits: the chunk's
// messages, the accumulated profile digest, and local plus cumulative
// metrics.
type Request struct {
	SubjectID   string
	Username    string
	ChunkIndex  int
	TotalChunks int

	Messages       []store.Message
	ProfileSummary string
	Local          metrics.Snapshot
	Cumulative     metrics.Snapshot
}

// Result is one service round trip. Raw is always populated when the service
// answered, even if validation failed, so iteration records keep the
// evidence.
type Result struct {
	Raw        string
	Assessment *Assessment
}

// completionAPI is the slice of the OpenAI client the analyzer uses,
// extracted so tests can fake the service.
type completionAPI interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Client talks to an OpenAI-compatible chat-completions endpoint.
type Client struct {
	api         completionAPI
	model       string
	limiter     *ratelimit.Limiter
	maxAttempts int
	timeout     time.Duration
	// throttleHint is the pause assumed on a 429 without an explicit
	// retry-after from the service.
	throttleHint time.Duration
	baseBackoff  time.Duration
	logger       *zap.Logger
}

// NewClient creates an analysis client against baseURL. Any
// OpenAI-compatible chat-completions endpoint works.
func NewClient(baseURL, apiKey, model string, limiter *ratelimit.Limiter, maxAttempts int, timeout time.Duration, logger *zap.Logger) *Client {
	if apiKey == "" {
		apiKey = "dummy-key"
	}
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = normalizeBaseURL(baseURL)

	return &Client{
		api:          openai.NewClientWithConfig(cfg),
		model:        model,
		limiter:      limiter,
		maxAttempts:  maxAttempts,
		timeout:      timeout,
		throttleHint: 5 * time.Second,
		baseBackoff:  time.Second,
		logger:       logger,
	}
}

// normalizeBaseURL appends the /v1 path segment the OpenAI client expects,
// tolerating operator-supplied URLs that already carry it or end with a
// slash.
func normalizeBaseURL(baseURL string) string {
	trimmed := strings.TrimRight(baseURL, "/")
	trimmed = strings.TrimSuffix(trimmed, "/v1")
	return trimmed + "/v1"
}

// Analyze submits one chunk and returns the validated partial assessment.
// Transient failures and throttling are retried here with exponential
// backoff up to the attempt ceiling; schema violations are surfaced to the
// caller (with the raw response) after a single service round trip, since
// the controller owns the retry-with-reduced-chunk policy.
func (c *Client) Analyze(ctx context.Context, req Request) (*Result, error) {
	chatReq := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt()},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt(req)},
		},
		Temperature: 0.7,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.baseBackoff
	exp.Multiplier = 2
	exp.Reset()

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := c.limiter.Acquire(ctx, 1); err != nil {
			return nil, err
		}

		raw, err := c.complete(ctx, chatReq)
		if err == nil {
			assessment, parseErr := parseAssessment(raw)
			if parseErr != nil {
				c.logger.Warn("Analyzer response failed schema validation",
					zap.Int("chunk_index", req.ChunkIndex),
					zap.Error(parseErr),
				)
				return &Result{Raw: raw}, parseErr
			}
			return &Result{Raw: raw, Assessment: assessment}, nil
		}

		// Throttling is honored, not counted as a failed attempt.
		if retryAfter, ok := apperrors.RetryAfter(err); ok {
			c.limiter.Report(retryAfter)
			attempt--
			continue
		}
		if !apperrors.IsRetryable(err) {
			return nil, err
		}

		lastErr = err
		wait := exp.NextBackOff()
		c.logger.Warn("Retrying analysis request",
			zap.Int("chunk_index", req.ChunkIndex),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil, apperrors.NewContextCancelled("analyze", ctx.Err())
		case <-time.After(wait):
		}
	}

	return nil, apperrors.NewRetriesExhausted("analyze", c.maxAttempts, lastErr)
}

func (c *Client) complete(ctx context.Context, req openai.ChatCompletionRequest) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.api.CreateChatCompletion(callCtx, req)
	if err != nil {
		return "", c.classify(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return "", apperrors.NewSchemaViolation("choices", "no choices in service response")
	}
	return resp.Choices[0].Message.Content, nil
}

// classify maps service errors onto the run-level taxonomy: 429 is
// throttling, 5xx and timeouts are transient, credential failures abort the
// run, and a 4xx rejection of the request shape is permanent.
func (c *Client) classify(ctx context.Context, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 429:
			return apperrors.NewThrottled("analysis service", c.throttleHint, err)
		case apiErr.HTTPStatusCode >= 500:
			return apperrors.NewTransient("analysis service", 0, err)
		case apiErr.HTTPStatusCode == 401 || apiErr.HTTPStatusCode == 403:
			return apperrors.NewAuth("analysis service rejected credentials", err)
		default:
			return apperrors.NewFatal(fmt.Sprintf("analysis service rejected request (HTTP %d)", apiErr.HTTPStatusCode), err)
		}
	}

	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return apperrors.NewContextCancelled("analysis request", err)
	}
	// Deadline expiry and plain network failures are transient.
	return apperrors.NewTransient("analysis service", 0, err)
}

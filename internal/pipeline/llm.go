package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"golang.org/x/time/rate"

	"github.com/folio-ai/folio/internal/log"
)

// LLM is the model surface the pipeline stages depend on.
// Following Go best practices: interfaces are defined by the consumer.
type LLM interface {
	// Complete runs one prompt and returns the full response text.
	Complete(ctx context.Context, prompt string) (string, error)

	// Stream runs one prompt, delivering text fragments to onChunk as they
	// arrive, and returns the full response text.
	Stream(ctx context.Context, prompt string, onChunk func(context.Context, string) error) (string, error)
}

// RetryConfig configures the retry behavior for LLM calls.
type RetryConfig struct {
	MaxRetries      int           // Maximum number of retry attempts
	InitialInterval time.Duration // Initial backoff interval
	MaxInterval     time.Duration // Maximum backoff interval
}

// DefaultRetryConfig returns sensible defaults for LLM API calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

// retryablePatterns groups error substrings by category.
// Matched case-insensitively against err.Error().
//
// NOTE: This uses string matching because Genkit and LLM provider SDKs
// do not expose typed/sentinel errors for transient failures.
// Re-evaluate if Genkit adds structured error types in a future version.
var retryablePatterns = [][]string{
	{"rate limit", "quota exceeded", "429"},      // rate limiting
	{"500", "502", "503", "504", "unavailable"},  // transient server errors
	{"connection reset", "timeout", "temporary"}, // network errors
}

// retryableError reports whether err is transient and should trigger a retry.
func retryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	for _, group := range retryablePatterns {
		for _, sub := range group {
			if strings.Contains(errStr, sub) {
				return true
			}
		}
	}
	return false
}

// GenkitLLM implements LLM on top of a Genkit instance, with a request rate
// limiter and exponential backoff retry for transient provider errors.
type GenkitLLM struct {
	g           *genkit.Genkit
	modelName   string
	temperature float64
	rateLimiter *rate.Limiter
	retryConfig RetryConfig
	logger      log.Logger
}

// GenkitLLMOption configures a GenkitLLM.
type GenkitLLMOption func(*GenkitLLM)

// WithRetryConfig overrides the default retry behavior.
func WithRetryConfig(cfg RetryConfig) GenkitLLMOption {
	return func(l *GenkitLLM) { l.retryConfig = cfg }
}

// WithRateLimiter sets the request rate limiter. Nil disables limiting.
func WithRateLimiter(limiter *rate.Limiter) GenkitLLMOption {
	return func(l *GenkitLLM) { l.rateLimiter = limiter }
}

// NewGenkitLLM creates the production LLM client.
func NewGenkitLLM(g *genkit.Genkit, modelName string, temperature float64, logger log.Logger, opts ...GenkitLLMOption) *GenkitLLM {
	if logger == nil {
		logger = log.NewNop()
	}
	l := &GenkitLLM{
		g:           g,
		modelName:   modelName,
		temperature: temperature,
		// Gemini free tier allows ~10 requests/min; leave headroom.
		rateLimiter: rate.NewLimiter(rate.Every(7*time.Second), 3),
		retryConfig: DefaultRetryConfig(),
		logger:      logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *GenkitLLM) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := l.generateWithRetry(ctx, []ai.GenerateOption{
		ai.WithModelName(l.modelName),
		ai.WithPrompt(prompt),
		ai.WithConfig(map[string]any{"temperature": l.temperature}),
	})
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}

func (l *GenkitLLM) Stream(ctx context.Context, prompt string, onChunk func(context.Context, string) error) (string, error) {
	opts := []ai.GenerateOption{
		ai.WithModelName(l.modelName),
		ai.WithPrompt(prompt),
		ai.WithConfig(map[string]any{"temperature": l.temperature}),
	}
	if onChunk != nil {
		opts = append(opts, ai.WithStreaming(func(ctx context.Context, chunk *ai.ModelResponseChunk) error {
			return onChunk(ctx, chunk.Text())
		}))
	}

	resp, err := l.generateWithRetry(ctx, opts)
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}

// generateWithRetry executes generation with exponential backoff.
// Each attempt is rate limited, including retries.
func (l *GenkitLLM) generateWithRetry(ctx context.Context, opts []ai.GenerateOption) (*ai.ModelResponse, error) {
	var lastErr error
	delay := l.retryConfig.InitialInterval
	start := time.Now()

	for attempt := 0; attempt <= l.retryConfig.MaxRetries; attempt++ {
		if l.rateLimiter != nil {
			if err := l.rateLimiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("rate limit wait: %w", err)
			}
		}

		resp, err := genkit.Generate(ctx, l.g, opts...)
		if err == nil {
			l.logger.Debug("generate succeeded",
				"attempts", attempt+1,
				"elapsed", time.Since(start),
			)
			return resp, nil
		}

		lastErr = err

		if !retryableError(err) {
			return nil, fmt.Errorf("generate: %w", err)
		}

		if attempt == l.retryConfig.MaxRetries {
			break
		}

		l.logger.Debug("retrying after error",
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("context canceled during retry: %w", ctx.Err())
		case <-time.After(delay):
			delay = min(delay*2, l.retryConfig.MaxInterval)
		}
	}

	return nil, fmt.Errorf("generate after %d retries (elapsed: %v): %w",
		l.retryConfig.MaxRetries, time.Since(start), lastErr)
}

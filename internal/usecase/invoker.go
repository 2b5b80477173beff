package usecase

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"support-chat/internal/domain"
)

// LLMClient performs one upstream completion attempt. The invoker owns
// timeout and retry policy around it.
type LLMClient interface {
	Chat(ctx context.Context, messages []domain.ChatMessage) (string, error)
}

// httpStatusCoder is satisfied by upstream errors that carry an HTTP status
// (e.g. openai.HTTPStatusError).
type httpStatusCoder interface {
	HTTPStatusCode() int
}

// errEmptyReply marks a 2xx upstream response whose content was empty. Empty
// replies are never delivered to the user; the attempt counts as failed.
var errEmptyReply = errors.New("upstream returned an empty reply")

// invoker wraps an LLMClient with a per-attempt timeout and bounded
// exponential-backoff retry. Each GenerateReply call is independent; no state
// survives across calls.
type invoker struct {
	llm         LLMClient
	timeout     time.Duration
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	logger      zerolog.Logger

	// sleep is swapped in tests to record delays without waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

func newInvoker(llm LLMClient, timeout time.Duration, maxAttempts int, baseDelay, maxDelay time.Duration, logger zerolog.Logger) *invoker {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &invoker{
		llm:         llm,
		timeout:     timeout,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		logger:      logger,
		sleep:       sleepCtx,
	}
}

// GenerateReply asks the upstream model for a reply, retrying retryable
// failures with exponential backoff. It fails with a *Error from the closed
// taxonomy.
func (i *invoker) GenerateReply(ctx context.Context, messages []domain.ChatMessage) (string, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = i.baseDelay
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = i.maxDelay
	bo.MaxElapsedTime = 0
	bo.Reset()

	var lastErr *Error
	for attempt := 1; attempt <= i.maxAttempts; attempt++ {
		reply, err := i.attempt(ctx, messages)
		if err == nil {
			if strings.TrimSpace(reply) != "" {
				return reply, nil
			}
			err = errEmptyReply
		}

		code, reason, retryable := classifyUpstream(err)
		lastErr = newError(code, reason, err)
		i.logger.Warn().Err(err).Int("attempt", attempt).Bool("retryable", retryable).Msg("llm attempt failed")

		if !retryable || attempt == i.maxAttempts {
			break
		}
		// The parent context is gone; further attempts cannot succeed.
		if ctx.Err() != nil {
			break
		}

		delay := bo.NextBackOff()
		if delay == backoff.Stop || delay > i.maxDelay {
			delay = i.maxDelay
		}
		if sleepErr := i.sleep(ctx, delay); sleepErr != nil {
			break
		}
	}
	return "", lastErr
}

// attempt races one upstream call against the per-attempt timeout. The
// deferred cancel releases the timer whatever the outcome.
func (i *invoker) attempt(ctx context.Context, messages []domain.ChatMessage) (string, error) {
	actx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()
	return i.llm.Chat(actx, messages)
}

// classifyUpstream maps an upstream failure onto the error taxonomy and
// decides retry eligibility. Client-type failures (bad request, bad
// credentials, forbidden, not found) are never retried; timeouts, throttling,
// server errors, transport errors, and empty replies are.
func classifyUpstream(err error) (code ErrorCode, reason string, retryable bool) {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorUpstreamTimeout, "llm_timeout", true
	}
	if errors.Is(err, errEmptyReply) {
		return ErrorUpstream, "llm_empty_reply", true
	}
	var statusErr httpStatusCoder
	if errors.As(err, &statusErr) {
		switch statusErr.HTTPStatusCode() {
		case 400, 401, 403, 404:
			return ErrorUpstream, "llm_rejected", false
		default:
			return ErrorUpstream, "llm_error", true
		}
	}
	return ErrorUpstream, "llm_error", true
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

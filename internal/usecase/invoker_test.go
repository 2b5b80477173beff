package usecase

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"support-chat/internal/domain"
	"support-chat/internal/integrations/openai"
)

type scriptedLLM struct {
	replies []string
	errs    []error
	calls   int
}

func (s *scriptedLLM) Chat(_ context.Context, _ []domain.ChatMessage) (string, error) {
	idx := s.calls
	if idx >= len(s.replies) {
		idx = len(s.replies) - 1
	}
	s.calls++
	return s.replies[idx], s.errs[idx]
}

type blockingLLM struct{ calls int }

func (b *blockingLLM) Chat(ctx context.Context, _ []domain.ChatMessage) (string, error) {
	b.calls++
	<-ctx.Done()
	return "", ctx.Err()
}

func newTestInvoker(llm LLMClient, maxAttempts int) (*invoker, *[]time.Duration) {
	inv := newInvoker(llm, 50*time.Millisecond, maxAttempts, time.Second, 8*time.Second, zerolog.Nop())
	var delays []time.Duration
	inv.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return inv, &delays
}

func expectInvokerError(t *testing.T, err error, code ErrorCode, reason string) {
	t.Helper()
	var ucErr *Error
	require.ErrorAs(t, err, &ucErr)
	require.Equal(t, code, ucErr.Code)
	require.Equal(t, reason, ucErr.Reason)
}

func TestGenerateReply_SucceedsFirstAttempt(t *testing.T) {
	llm := &scriptedLLM{replies: []string{"hello"}, errs: []error{nil}}
	inv, delays := newTestInvoker(llm, 3)

	reply, err := inv.GenerateReply(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, "hello", reply)
	require.Equal(t, 1, llm.calls)
	require.Empty(t, *delays)
}

func TestGenerateReply_RetriesThenSucceeds(t *testing.T) {
	serverErr := &openai.HTTPStatusError{StatusCode: http.StatusInternalServerError}
	llm := &scriptedLLM{
		replies: []string{"", "", "third time lucky"},
		errs:    []error{serverErr, serverErr, nil},
	}
	inv, delays := newTestInvoker(llm, 3)

	reply, err := inv.GenerateReply(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, "third time lucky", reply)
	require.Equal(t, 3, llm.calls)

	require.Len(t, *delays, 2)
	prev := time.Duration(0)
	for _, d := range *delays {
		require.GreaterOrEqual(t, d, prev, "delays must be non-decreasing")
		require.LessOrEqual(t, d, 8*time.Second, "delays must be capped")
		prev = d
	}
}

func TestGenerateReply_ExhaustsRetries(t *testing.T) {
	serverErr := &openai.HTTPStatusError{StatusCode: http.StatusBadGateway}
	llm := &scriptedLLM{replies: []string{""}, errs: []error{serverErr}}
	inv, delays := newTestInvoker(llm, 3)

	_, err := inv.GenerateReply(context.Background(), nil)
	expectInvokerError(t, err, ErrorUpstream, "llm_error")
	require.Equal(t, 3, llm.calls)
	require.Len(t, *delays, 2, "no sleep after the final failed attempt")
}

func TestGenerateReply_NonRetryableSingleAttempt(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound} {
		llm := &scriptedLLM{replies: []string{""}, errs: []error{&openai.HTTPStatusError{StatusCode: status}}}
		inv, delays := newTestInvoker(llm, 3)

		_, err := inv.GenerateReply(context.Background(), nil)
		expectInvokerError(t, err, ErrorUpstream, "llm_rejected")
		require.Equal(t, 1, llm.calls, "status=%d", status)
		require.Empty(t, *delays)
	}
}

func TestGenerateReply_ThrottledIsRetried(t *testing.T) {
	llm := &scriptedLLM{replies: []string{""}, errs: []error{&openai.HTTPStatusError{StatusCode: http.StatusTooManyRequests}}}
	inv, _ := newTestInvoker(llm, 2)

	_, err := inv.GenerateReply(context.Background(), nil)
	expectInvokerError(t, err, ErrorUpstream, "llm_error")
	require.Equal(t, 2, llm.calls)
}

func TestGenerateReply_TimeoutClassified(t *testing.T) {
	llm := &blockingLLM{}
	inv := newInvoker(llm, 10*time.Millisecond, 1, time.Second, 8*time.Second, zerolog.Nop())

	_, err := inv.GenerateReply(context.Background(), nil)
	expectInvokerError(t, err, ErrorUpstreamTimeout, "llm_timeout")
	require.Equal(t, 1, llm.calls)
}

func TestGenerateReply_EmptyReplyIsFailure(t *testing.T) {
	llm := &scriptedLLM{replies: []string{"   "}, errs: []error{nil}}
	inv, _ := newTestInvoker(llm, 3)

	_, err := inv.GenerateReply(context.Background(), nil)
	expectInvokerError(t, err, ErrorUpstream, "llm_empty_reply")
	require.Equal(t, 3, llm.calls, "empty replies are retried until attempts are exhausted")
}

func TestGenerateReply_StopsWhenParentContextDies(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	serverErr := &openai.HTTPStatusError{StatusCode: http.StatusInternalServerError}
	llm := &scriptedLLM{replies: []string{""}, errs: []error{serverErr}}
	inv, _ := newTestInvoker(llm, 3)

	cancel()
	_, err := inv.GenerateReply(ctx, nil)
	require.Error(t, err)
	require.Equal(t, 1, llm.calls, "no retries once the caller is gone")
}

func TestClassifyUpstream_TransportError(t *testing.T) {
	code, reason, retryable := classifyUpstream(errors.New("connection refused"))
	require.Equal(t, ErrorUpstream, code)
	require.Equal(t, "llm_error", reason)
	require.True(t, retryable)
}

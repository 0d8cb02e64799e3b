package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"github.com/aristath/deepproduct/internal/backend"
	"github.com/aristath/deepproduct/internal/config"
)

// retryTestBackend is a mock backend for testing retry behavior.
type retryTestBackend struct {
	mu        sync.Mutex
	responses []any // Each entry is either backend.Response or error
	callCount int
}

func (b *retryTestBackend) Invoke(ctx context.Context, req backend.Request) (backend.Response, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.callCount >= len(b.responses) {
		return backend.Response{}, fmt.Errorf("unexpected call %d (only %d responses configured)", b.callCount+1, len(b.responses))
	}

	resp := b.responses[b.callCount]
	b.callCount++

	switch v := resp.(type) {
	case backend.Response:
		return v, nil
	case error:
		return backend.Response{}, v
	default:
		return backend.Response{}, fmt.Errorf("invalid response type: %T", v)
	}
}

func (b *retryTestBackend) Close() error {
	return nil
}

func (b *retryTestBackend) CallCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.callCount
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastRetry() config.RetryConfig {
	return config.RetryConfig{
		InitialInterval:     10 * time.Millisecond,
		MaxInterval:         50 * time.Millisecond,
		MaxElapsedTime:      2 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// TestInvokeWithRetry_RateLimitThenSuccess verifies rate limits are retried
// within the same attempt.
func TestInvokeWithRetry_RateLimitThenSuccess(t *testing.T) {
	testBackend := &retryTestBackend{
		responses: []any{
			backend.NewError(backend.KindRateLimited, errors.New("slow down")),
			errors.New("HTTP 429 Too Many Requests"),
			backend.Response{Content: "success"},
		},
	}
	cb := newBreakerSet(config.BreakerConfig{}, quietLogger()).get("agent-a")

	resp, err := invokeWithRetry(context.Background(), testBackend, backend.Request{Prompt: "test"}, cb, fastRetry())
	if err != nil {
		t.Fatalf("expected success after retries, got error: %v", err)
	}
	if resp.Content != "success" {
		t.Errorf("expected content 'success', got %q", resp.Content)
	}
	if calls := testBackend.CallCount(); calls != 3 {
		t.Errorf("expected 3 calls (2 rate limits + 1 success), got %d", calls)
	}
}

// TestInvokeWithRetry_NoRetryForOtherFailures verifies that only rate limits
// are retried inside an attempt; other failures go back to the run loop.
func TestInvokeWithRetry_NoRetryForOtherFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind backend.Kind
	}{
		{"backend error", errors.New("connection reset"), backend.KindBackend},
		{"invalid response", backend.NewError(backend.KindInvalidResponse, errors.New("not json")), backend.KindInvalidResponse},
		{"timeout", backend.NewError(backend.KindTimeout, context.DeadlineExceeded), backend.KindTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testBackend := &retryTestBackend{
				responses: []any{tt.err, backend.Response{Content: "never reached"}},
			}
			cb := newBreakerSet(config.BreakerConfig{}, quietLogger()).get("agent-a")

			_, err := invokeWithRetry(context.Background(), testBackend, backend.Request{}, cb, fastRetry())
			if err == nil {
				t.Fatal("expected error")
			}
			if got := backend.Classify(err); got != tt.kind {
				t.Errorf("Classify() = %v, want %v", got, tt.kind)
			}
			if calls := testBackend.CallCount(); calls != 1 {
				t.Errorf("expected exactly 1 call, got %d", calls)
			}
		})
	}
}

// TestBreaker_OpensAfterMalfunctions verifies the breaker trips after the
// configured number of consecutive malfunctions and then rejects calls.
func TestBreaker_OpensAfterMalfunctions(t *testing.T) {
	set := newBreakerSet(config.BreakerConfig{ConsecutiveFailures: 3, OpenTimeout: time.Minute}, quietLogger())
	cb := set.get("flaky")

	testBackend := &retryTestBackend{
		responses: []any{
			errors.New("boom 1"),
			errors.New("boom 2"),
			errors.New("boom 3"),
		},
	}

	for i := range 3 {
		if _, err := invokeWithRetry(context.Background(), testBackend, backend.Request{}, cb, fastRetry()); err == nil {
			t.Fatalf("call %d: expected error", i+1)
		}
	}

	if cb.State() != gobreaker.StateOpen {
		t.Fatalf("expected circuit to be open, got %v", cb.State())
	}

	// An open breaker rejects without touching the backend.
	_, err := invokeWithRetry(context.Background(), testBackend, backend.Request{}, cb, fastRetry())
	if err == nil {
		t.Fatal("expected error from open circuit")
	}
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("expected ErrOpenState, got %v", err)
	}
	if backend.Classify(err) != backend.KindBackend {
		t.Errorf("open circuit should classify as backend error, got %v", backend.Classify(err))
	}
	if calls := testBackend.CallCount(); calls != 3 {
		t.Errorf("expected 3 backend calls, got %d", calls)
	}
}

// TestBreaker_ContentFailuresNotCounted verifies invalid responses and user
// cancellation never trip the breaker.
func TestBreaker_ContentFailuresNotCounted(t *testing.T) {
	set := newBreakerSet(config.BreakerConfig{ConsecutiveFailures: 2}, quietLogger())
	cb := set.get("picky")

	responses := make([]any, 0, 6)
	for range 3 {
		responses = append(responses, backend.NewError(backend.KindInvalidResponse, errors.New("garbage")))
	}
	for range 3 {
		responses = append(responses, context.Canceled)
	}
	testBackend := &retryTestBackend{responses: responses}

	for i := range 6 {
		if _, err := invokeWithRetry(context.Background(), testBackend, backend.Request{}, cb, fastRetry()); err == nil {
			t.Fatalf("call %d: expected error", i+1)
		}
	}

	if state := cb.State(); state != gobreaker.StateClosed {
		t.Errorf("expected circuit to remain closed, got %v", state)
	}
}

// TestInvokeWithRetry_ContextCancellation verifies context cancellation stops
// rate-limit retries.
func TestInvokeWithRetry_ContextCancellation(t *testing.T) {
	responses := make([]any, 100)
	for i := range responses {
		responses[i] = errors.New("rate limit exceeded")
	}
	testBackend := &retryTestBackend{responses: responses}
	cb := newBreakerSet(config.BreakerConfig{}, quietLogger()).get("agent-a")

	retryCfg := fastRetry()
	retryCfg.InitialInterval = 50 * time.Millisecond
	retryCfg.MaxElapsedTime = 10 * time.Second // Long budget - should be interrupted by context

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := invokeWithRetry(ctx, testBackend, backend.Request{}, cb, retryCfg)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected error due to context cancellation")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context.DeadlineExceeded error, got: %v", err)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("invokeWithRetry took %v, expected < 500ms (context should stop retries)", elapsed)
	}
}

// TestBreakerSet_PerAgent verifies breakers are per agent and reset discards
// an open breaker.
func TestBreakerSet_PerAgent(t *testing.T) {
	set := newBreakerSet(config.BreakerConfig{ConsecutiveFailures: 1, OpenTimeout: time.Minute}, quietLogger())

	a1 := set.get("a1")
	if a1 != set.get("a1") {
		t.Error("expected same circuit breaker instance for 'a1'")
	}
	a2 := set.get("a2")
	if a1 == a2 {
		t.Error("expected different circuit breaker instances for 'a1' and 'a2'")
	}
	if a1.Name() != "a1" {
		t.Errorf("expected circuit breaker name 'a1', got %q", a1.Name())
	}

	failing := backend.Func(func(ctx context.Context, req backend.Request) (backend.Response, error) {
		return backend.Response{}, errors.New("down")
	})
	_, _ = invokeWithRetry(context.Background(), failing, backend.Request{}, a1, fastRetry())
	if a1.State() != gobreaker.StateOpen {
		t.Fatalf("expected a1 open, got %v", a1.State())
	}
	if a2.State() != gobreaker.StateClosed {
		t.Errorf("expected a2 unaffected, got %v", a2.State())
	}

	set.reset("a1")
	if fresh := set.get("a1"); fresh.State() != gobreaker.StateClosed {
		t.Errorf("expected fresh breaker after reset, got %v", fresh.State())
	}
}

func TestIsMalfunction(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"cancelled", context.Canceled, false},
		{"wrapped cancel", fmt.Errorf("invoke: %w", context.Canceled), false},
		{"deadline", context.DeadlineExceeded, true},
		{"plain error", errors.New("exit status 1"), true},
		{"rate limit", errors.New("429"), false},
		{"invalid response", backend.NewError(backend.KindInvalidResponse, nil), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isMalfunction(tt.err); got != tt.want {
				t.Errorf("isMalfunction(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestCompletionQueue_PushAfterClose(t *testing.T) {
	q := newCompletionQueue(1)
	if !q.push(Outcome{TaskID: "t1"}) {
		t.Fatal("push on open queue should succeed")
	}
	got := <-q.outcomes()
	if got.TaskID != "t1" {
		t.Errorf("got outcome %q, want t1", got.TaskID)
	}

	q.close()
	q.close() // idempotent
	if q.push(Outcome{TaskID: "t2"}) {
		t.Error("push after close should report false")
	}
}

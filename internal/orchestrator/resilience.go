package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/aristath/deepproduct/internal/backend"
	"github.com/aristath/deepproduct/internal/config"
)

// breakerSet manages one circuit breaker per agent. A breaker counts agent
// malfunctions only: timeouts and backend errors. Content failures, rate
// limits and cancellations leave it untouched.
type breakerSet struct {
	mu       sync.Mutex
	cfg      config.BreakerConfig
	logger   *slog.Logger
	breakers map[string]*gobreaker.CircuitBreaker
}

func newBreakerSet(cfg config.BreakerConfig, logger *slog.Logger) *breakerSet {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 1
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	return &breakerSet{
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// get returns the breaker of an agent, creating it on first use.
func (s *breakerSet) get(agentID string) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cb, ok := s.breakers[agentID]; ok {
		return cb
	}

	threshold := s.cfg.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        agentID,
		MaxRequests: s.cfg.MaxRequests,
		Interval:    0, // Don't clear counts automatically
		Timeout:     s.cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			s.logger.Warn("circuit breaker state changed", "agent", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			return !isMalfunction(err)
		},
	})

	s.breakers[agentID] = cb
	return cb
}

// reset discards an agent's breaker, e.g. after the agent passed a health
// check and was reinstated.
func (s *breakerSet) reset(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.breakers, agentID)
}

// isMalfunction reports whether err says something about the agent rather
// than about the task. Cancellation is never the agent's fault.
func isMalfunction(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return backend.IsMalfunction(backend.Classify(err))
}

// invokeWithRetry invokes the backend through the agent's circuit breaker.
// Rate-limited invocations are retried with exponential backoff within the
// same attempt; every other failure returns immediately.
func invokeWithRetry(ctx context.Context, b backend.Backend, req backend.Request, cb *gobreaker.CircuitBreaker, retryCfg config.RetryConfig) (backend.Response, error) {
	var resp backend.Response

	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		result, err := cb.Execute(func() (interface{}, error) {
			return b.Invoke(ctx, req)
		})
		if err != nil {
			// Circuit is open - the agent is malfunctioning, don't retry
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(backend.NewError(backend.KindBackend, err))
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			if backend.Classify(err) == backend.KindRateLimited {
				return err
			}
			return backoff.Permanent(err)
		}

		resp = result.(backend.Response)
		return nil
	}

	return resp, backoff.Retry(operation, backoff.WithContext(newBackOff(retryCfg), ctx))
}

func newBackOff(cfg config.RetryConfig) *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	if cfg.InitialInterval > 0 {
		policy.InitialInterval = cfg.InitialInterval
	}
	if cfg.MaxInterval > 0 {
		policy.MaxInterval = cfg.MaxInterval
	}
	if cfg.MaxElapsedTime > 0 {
		policy.MaxElapsedTime = cfg.MaxElapsedTime
	}
	if cfg.Multiplier > 0 {
		policy.Multiplier = cfg.Multiplier
	}
	policy.RandomizationFactor = cfg.RandomizationFactor
	policy.Reset()
	return policy
}

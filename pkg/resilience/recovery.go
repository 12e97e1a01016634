package resilience

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/adred-codev/gameclient/pkg/errs"
)

// FallbackHandler may turn a terminal error into a fallback value.
// Returning ok=false declines, letting the error propagate.
type FallbackHandler func(err error) (value any, ok bool)

// RecoveryManager composes retry and circuit breaking: the retry manager
// wraps calls that the breaker gates. Per-error-kind fallback handlers
// and named alternate retry strategies extend the default path.
type RecoveryManager struct {
	retry   *RetryManager
	breaker *CircuitBreaker
	logger  zerolog.Logger

	mu         sync.RWMutex
	handlers   map[errs.Kind]FallbackHandler
	strategies map[string]*RetryManager
}

// NewRecoveryManager builds a manager around a default retry policy and
// one breaker.
func NewRecoveryManager(retry *RetryManager, breaker *CircuitBreaker, logger zerolog.Logger) *RecoveryManager {
	return &RecoveryManager{
		retry:      retry,
		breaker:    breaker,
		logger:     logger.With().Str("component", "recovery").Logger(),
		handlers:   make(map[errs.Kind]FallbackHandler),
		strategies: make(map[string]*RetryManager),
	}
}

// RegisterHandler installs a fallback for one error kind.
func (rm *RecoveryManager) RegisterHandler(kind errs.Kind, h FallbackHandler) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.handlers[kind] = h
}

// RegisterStrategy installs a named retry policy selectable per call.
func (rm *RecoveryManager) RegisterStrategy(name string, r *RetryManager) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.strategies[name] = r
}

// Execute runs fn under the default retry policy with the breaker gating
// each attempt. On terminal failure the handler registered for the
// error's kind may supply a fallback value.
func (rm *RecoveryManager) Execute(ctx context.Context, op string, fn func(context.Context) (any, error)) (any, error) {
	return rm.execute(ctx, op, rm.retry, fn)
}

// ExecuteWith is Execute under a named strategy. Unknown names fall back
// to the default policy.
func (rm *RecoveryManager) ExecuteWith(ctx context.Context, strategy, op string, fn func(context.Context) (any, error)) (any, error) {
	rm.mu.RLock()
	r, ok := rm.strategies[strategy]
	rm.mu.RUnlock()
	if !ok {
		r = rm.retry
	}
	return rm.execute(ctx, op, r, fn)
}

func (rm *RecoveryManager) execute(ctx context.Context, op string, retry *RetryManager, fn func(context.Context) (any, error)) (any, error) {
	var value any
	err := retry.Do(ctx, op, func(ctx context.Context) error {
		return rm.breaker.Execute(ctx, op, func(ctx context.Context) error {
			v, callErr := fn(ctx)
			if callErr == nil {
				value = v
			}
			return callErr
		})
	})
	if err == nil {
		return value, nil
	}

	rm.mu.RLock()
	handler, ok := rm.handlers[errs.KindOf(err)]
	rm.mu.RUnlock()
	if ok {
		if fallback, handled := handler(err); handled {
			rm.logger.Debug().
				Str("op", op).
				Str("kind", errs.KindOf(err).String()).
				Msg("fallback handler recovered the call")
			return fallback, nil
		}
	}
	return nil, err
}

// Status describes the manager for introspection and diagnostics.
type Status struct {
	Retry        RetryConfig
	BreakerState BreakerState
	Handlers     []string
	Strategies   []string
}

// Status reports current configuration and registrations.
func (rm *RecoveryManager) Status() Status {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	st := Status{
		Retry:        rm.retry.Config(),
		BreakerState: rm.breaker.State(),
	}
	for kind := range rm.handlers {
		st.Handlers = append(st.Handlers, kind.String())
	}
	for name := range rm.strategies {
		st.Strategies = append(st.Strategies, name)
	}
	return st
}

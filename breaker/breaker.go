// Package breaker wraps fallible operations in named circuit breakers. Each
// protected resource class (authentication, canvas load, realtime connect,
// persistence) owns an independent breaker, so one failing dependency does
// not trip the others.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"

	"collabcanvas/core"
)

// Names of the breakers the sync core registers at startup.
const (
	Auth            = "auth"
	CanvasLoad      = "canvas_load"
	RealtimeConnect = "realtime_connect"
	Persistence     = "persistence"
)

// Settings configure one breaker instance.
type Settings struct {
	// FailureThreshold consecutive failures trip the breaker open.
	FailureThreshold int
	// RecoveryTimeout is how long the breaker stays open before allowing
	// half-open probes.
	RecoveryTimeout time.Duration
	// HalfOpenMaxCalls bounds concurrent probes while half-open.
	HalfOpenMaxCalls int
}

func DefaultSettings() Settings {
	return Settings{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

// Registry holds the named breakers. Lookup of an unregistered name runs the
// operation unprotected, which keeps callers honest without hard failures.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker[any]
}

func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*gobreaker.CircuitBreaker[any])}
}

// Register creates a breaker under the given name. Re-registering a name
// replaces the old breaker and resets its state.
func (r *Registry) Register(name string, settings Settings) {
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(settings.HalfOpenMaxCalls),
		Timeout:     settings.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(settings.FailureThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logrus.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state change")
		},
		// Domain outcomes (not found, forbidden, bad input) are answers, not
		// infrastructure failures; only the rest count toward tripping.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var syncErr *core.SyncError
			if errors.As(err, &syncErr) {
				switch syncErr.Code {
				case core.CodeValidationFailed, core.CodeForbidden,
					core.CodeCanvasNotFound, core.CodeUnauthorized:
					return true
				}
			}
			if errors.Is(err, core.ErrCanvasNotFound) ||
				errors.Is(err, core.ErrObjectNotFound) ||
				errors.Is(err, core.ErrForbidden) {
				return true
			}
			return false
		},
	})

	r.mu.Lock()
	r.breakers[name] = cb
	r.mu.Unlock()
}

// RegisterDefaults registers the core's breakers with default settings.
func (r *Registry) RegisterDefaults() {
	for _, name := range []string{Auth, CanvasLoad, RealtimeConnect, Persistence} {
		r.Register(name, DefaultSettings())
	}
}

// Do runs fn behind the named breaker. While the breaker is open the call
// fails immediately with a circuit_open error and fn is never invoked.
func (r *Registry) Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if !ok {
		return fn(ctx)
	}

	_, err := cb.Execute(func() (any, error) {
		return nil, fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return core.NewCircuitOpenError(name)
	}
	return err
}

// State reports the current state of a named breaker for observability.
func (r *Registry) State(name string) (string, bool) {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if !ok {
		return "", false
	}
	return cb.State().String(), true
}

package client

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"collabcanvas/breaker"
	"collabcanvas/core"
)

// Policy shapes the retry schedule for unacknowledged mutations.
type Policy struct {
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	MaxAttempts int
}

func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   500 * time.Millisecond,
		Multiplier:  2.0,
		MaxDelay:    10 * time.Second,
		MaxAttempts: 4,
	}
}

// delay returns the backoff before the given attempt, 1-based.
func (p Policy) delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// FailureHandler is invoked when a mutation is permanently failed, either
// because its error is not retryable or because attempts ran out.
type FailureHandler func(update core.PendingUpdate, cause error)

type retryTask struct {
	pendingID string
	event     string
	payload   map[string]any
	attempts  int
	reauthed  bool
	timer     *time.Timer
	cancelled bool
}

// RetryQueue submits mutations and retries the ones that fail with a
// retryable error. While the realtime breaker is open it routes through the
// fallback channel instead, reusing the original mutation id so the server
// applies the mutation exactly once no matter which channel lands first.
type RetryQueue struct {
	mu        sync.Mutex
	realtime  Channel
	fallback  Channel
	breakers  *breaker.Registry
	local     *OptimisticManager
	creds     CredentialSource
	policy    Policy
	onFailure FailureHandler
	tasks     map[string]*retryTask
	closed    bool
	wg        sync.WaitGroup
}

type RetryOption func(*RetryQueue)

// WithCredentialSource lets the queue refresh an expired credential before
// the single re-auth retry of an unauthorized mutation.
func WithCredentialSource(creds CredentialSource) RetryOption {
	return func(q *RetryQueue) { q.creds = creds }
}

func NewRetryQueue(realtime, fallback Channel, breakers *breaker.Registry, local *OptimisticManager, policy Policy, onFailure FailureHandler, opts ...RetryOption) *RetryQueue {
	if policy.MaxAttempts <= 0 {
		policy = DefaultPolicy()
	}
	q := &RetryQueue{
		realtime:  realtime,
		fallback:  fallback,
		breakers:  breakers,
		local:     local,
		policy:    policy,
		onFailure: onFailure,
		tasks:     make(map[string]*retryTask),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue submits a mutation for the given pending update. The first attempt
// runs on the caller's goroutine so immediate successes confirm before
// Enqueue returns.
func (q *RetryQueue) Enqueue(ctx context.Context, pendingID, event string, payload map[string]any) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	task := &retryTask{pendingID: pendingID, event: event, payload: payload}
	q.tasks[pendingID] = task
	q.mu.Unlock()

	q.attempt(ctx, task)
}

// Cancel stops retrying a pending update, for example when a newer mutation
// superseded it.
func (q *RetryQueue) Cancel(pendingID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if task, ok := q.tasks[pendingID]; ok {
		task.cancelled = true
		if task.timer != nil && task.timer.Stop() {
			q.wg.Done()
		}
		delete(q.tasks, pendingID)
	}
}

// Close stops all timers and waits for in-flight attempts to return.
func (q *RetryQueue) Close() {
	q.mu.Lock()
	q.closed = true
	for id, task := range q.tasks {
		task.cancelled = true
		if task.timer != nil && task.timer.Stop() {
			q.wg.Done()
		}
		delete(q.tasks, id)
	}
	q.mu.Unlock()
	q.wg.Wait()
}

func (q *RetryQueue) attempt(ctx context.Context, task *retryTask) {
	q.mu.Lock()
	if task.cancelled || q.closed {
		q.mu.Unlock()
		return
	}
	task.attempts++
	attempts := task.attempts
	q.mu.Unlock()

	channel := q.realtime
	channelName := "realtime"
	if q.fallbackNeeded() {
		channel = q.fallback
		channelName = "fallback"
	}

	ack, err := channel.Emit(ctx, task.event, task.payload)
	if err == nil {
		q.mu.Lock()
		delete(q.tasks, task.pendingID)
		q.mu.Unlock()
		if q.local != nil {
			q.local.Confirm(task.pendingID, ack.ObjectID, ack.Version)
		}
		return
	}

	syncErr := core.AsSyncError(err)
	logrus.WithFields(logrus.Fields{
		"event_type": task.event,
		"channel":    channelName,
		"attempt":    attempts,
		"error_code": syncErr.Code,
	}).Debug("Mutation attempt failed")

	// An expired credential is not resolved by backoff. Refresh once and
	// resubmit with the same mutation id; a second unauthorized response is
	// final.
	if syncErr.Code == core.CodeUnauthorized {
		q.retryAfterReauth(ctx, task, syncErr)
		return
	}

	if !syncErr.Retryable() || attempts >= q.policy.MaxAttempts {
		q.fail(task, syncErr)
		return
	}

	delay := q.policy.delay(attempts)
	if syncErr.RetryAfter > 0 {
		suggested := time.Duration(syncErr.RetryAfter) * time.Second
		if suggested > delay {
			delay = suggested
		}
	}

	q.mu.Lock()
	if task.cancelled || q.closed {
		q.mu.Unlock()
		return
	}
	q.wg.Add(1)
	task.timer = time.AfterFunc(delay, func() {
		defer q.wg.Done()
		q.attempt(ctx, task)
	})
	q.mu.Unlock()
}

// retryAfterReauth handles an unauthorized response: refresh the credential
// through the CredentialSource and resubmit once. Without a source, or when
// the retry was already spent, the mutation fails permanently.
func (q *RetryQueue) retryAfterReauth(ctx context.Context, task *retryTask, cause *core.SyncError) {
	q.mu.Lock()
	spent := task.reauthed
	task.reauthed = true
	q.mu.Unlock()

	if spent || q.creds == nil {
		q.fail(task, cause)
		return
	}

	credential, err := q.creds.Refresh(ctx)
	if err != nil {
		q.fail(task, cause)
		return
	}
	q.mu.Lock()
	task.payload["credential"] = credential
	q.mu.Unlock()

	q.attempt(ctx, task)
}

// fallbackNeeded reports whether the realtime channel should be bypassed.
func (q *RetryQueue) fallbackNeeded() bool {
	if q.fallback == nil || q.breakers == nil {
		return false
	}
	state, ok := q.breakers.State(breaker.RealtimeConnect)
	return ok && state == "open"
}

func (q *RetryQueue) fail(task *retryTask, cause *core.SyncError) {
	q.mu.Lock()
	attempts := task.attempts
	delete(q.tasks, task.pendingID)
	q.mu.Unlock()

	var update core.PendingUpdate
	if q.local != nil {
		update, _ = q.local.Pending(task.pendingID)
		q.local.Reject(task.pendingID, cause)
	}
	update.Attempts = attempts
	update.Status = core.UpdateFailed
	if q.onFailure != nil {
		q.onFailure(update, cause)
	}
}

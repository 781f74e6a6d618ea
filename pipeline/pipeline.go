// Package pipeline runs every inbound event through the same ordered stages:
// validate, authenticate, authorize, rate limit. The realtime channel and the
// HTTP fallback both feed it, so the two channels cannot drift apart on
// semantics. Stages operate on an immutable EventContext value; each stage
// returns an enriched copy instead of mutating shared state.
package pipeline

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"collabcanvas/breaker"
	"collabcanvas/core"
	"collabcanvas/dedup"
	"collabcanvas/handlers/auth"
	"collabcanvas/limiter"
	"collabcanvas/presence"
	"collabcanvas/validation"
)

// EventContext carries one inbound event through the stages. Fields are
// filled progressively; a stage never reaches for data an earlier stage has
// not put there, which keeps each stage's contract explicit.
type EventContext struct {
	Event      string
	ConnID     string
	RemoteAddr string
	// SessionUserID is the connection-level identity, if any. A per-message
	// credential always takes precedence over it.
	SessionUserID string
	Raw           map[string]any

	// Set by the validate stage.
	Payload    any
	CanvasID   string
	Credential string
	MutationID string

	// Set by the authenticate stage.
	UserID string

	ReceivedAt time.Time
}

// Authenticator resolves a credential to a user id.
type Authenticator func(credential string) (userID string, err error)

// Pipeline wires the stages to their dependencies.
type Pipeline struct {
	store        core.ObjectStore
	breakers     *breaker.Registry
	limiter      limiter.Limiter
	presence     presence.Tracker
	dedup        dedup.Registry
	validator    *validation.Validator
	authenticate Authenticator
}

// Option tweaks a Pipeline at construction.
type Option func(*Pipeline)

// WithAuthenticator replaces credential validation, for tests.
func WithAuthenticator(fn Authenticator) Option {
	return func(p *Pipeline) { p.authenticate = fn }
}

func New(store core.ObjectStore, breakers *breaker.Registry, lim limiter.Limiter,
	tracker presence.Tracker, registry dedup.Registry, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:     store,
		breakers:  breakers,
		limiter:   lim,
		presence:  tracker,
		dedup:     registry,
		validator: validation.NewValidator(),
		authenticate: func(credential string) (string, error) {
			claims, err := auth.ParseCredential(credential)
			if err != nil {
				return "", err
			}
			return claims.UserID(), nil
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Presence exposes the tracker for transports that need disconnect cleanup.
func (p *Pipeline) Presence() presence.Tracker {
	return p.presence
}

// Store exposes the persistence collaborator for read-side endpoints.
func (p *Pipeline) Store() core.ObjectStore {
	return p.store
}

// Breakers exposes the breaker registry for observability endpoints.
func (p *Pipeline) Breakers() *breaker.Registry {
	return p.breakers
}

// requiredLevel maps an event to the permission it needs on its canvas.
func requiredLevel(event string) core.PermissionLevel {
	switch event {
	case core.EventObjectCreated, core.EventObjectUpdated, core.EventObjectDeleted:
		return core.PermissionEdit
	default:
		return core.PermissionView
	}
}

// stageValidate decodes and bounds-checks the raw payload.
func (p *Pipeline) stageValidate(ctx context.Context, ec EventContext) (EventContext, error) {
	switch ec.Event {
	case core.EventJoinCanvas:
		payload, verr := p.validator.JoinCanvas(ec.Raw)
		if verr != nil {
			return ec, verr
		}
		ec.Payload = payload
		ec.CanvasID = payload.CanvasID
		ec.Credential = payload.Credential
	case core.EventLeaveCanvas:
		payload, verr := p.validator.LeaveCanvas(ec.Raw)
		if verr != nil {
			return ec, verr
		}
		ec.Payload = payload
		ec.CanvasID = payload.CanvasID
	case core.EventObjectCreated, core.EventObjectUpdated, core.EventObjectDeleted:
		payload, verr := p.validator.ObjectMutation(ec.Event, ec.Raw)
		if verr != nil {
			return ec, verr
		}
		ec.Payload = payload
		ec.CanvasID = payload.CanvasID
		ec.Credential = payload.Credential
		ec.MutationID = payload.MutationID
	case core.EventCursorMove:
		payload, verr := p.validator.CursorMove(ec.Raw)
		if verr != nil {
			return ec, verr
		}
		ec.Payload = payload
		ec.CanvasID = payload.CanvasID
		ec.Credential = payload.Credential
	case core.EventPresenceUpdate:
		payload, verr := p.validator.PresenceUpdate(ec.Raw)
		if verr != nil {
			return ec, verr
		}
		ec.Payload = payload
		ec.CanvasID = payload.CanvasID
		ec.Credential = payload.Credential
	default:
		return ec, core.NewValidationError("event", "unknown event "+ec.Event)
	}
	return ec, nil
}

// stageAuthenticate resolves the sender's identity. A per-message credential
// always wins; the connection session fills in only for events that do not
// carry one (leave_canvas).
func (p *Pipeline) stageAuthenticate(ctx context.Context, ec EventContext) (EventContext, error) {
	if ec.Credential == "" {
		if ec.SessionUserID != "" {
			ec.UserID = ec.SessionUserID
			return ec, nil
		}
		return ec, core.NewUnauthorizedError("credential is required")
	}

	var userID string
	err := p.breakers.Do(ctx, breaker.Auth, func(ctx context.Context) error {
		resolved, authErr := p.authenticate(ec.Credential)
		if authErr != nil {
			return authErr
		}
		userID = resolved
		return nil
	})
	if err != nil {
		return ec, core.AsSyncError(err)
	}
	ec.UserID = userID
	return ec, nil
}

// stageAuthorize checks the sender's permission on the canvas. Leaving a
// room requires nothing; the sender is only ever removed.
func (p *Pipeline) stageAuthorize(ctx context.Context, ec EventContext) (EventContext, error) {
	if ec.Event == core.EventLeaveCanvas {
		return ec, nil
	}
	var allowed bool
	err := p.breakers.Do(ctx, breaker.CanvasLoad, func(ctx context.Context) error {
		ok, checkErr := p.store.CheckPermission(ctx, ec.UserID, ec.CanvasID, requiredLevel(ec.Event))
		if checkErr != nil {
			return checkErr
		}
		allowed = ok
		return nil
	})
	if err != nil {
		return ec, core.AsSyncError(err)
	}
	if !allowed {
		return ec, core.NewForbiddenError("you do not have access to this canvas")
	}
	return ec, nil
}

// stageAddrLimit charges senders with no established session against the
// stricter per-address budget before their credential is even looked at, so
// credential-stuffing cannot grind the auth path.
func (p *Pipeline) stageAddrLimit(ctx context.Context, ec EventContext) (EventContext, error) {
	if ec.SessionUserID != "" || ec.RemoteAddr == "" {
		return ec, nil
	}
	allowed, retryAfter, err := p.limiter.AllowAddr(ctx, ec.RemoteAddr)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"addr":       ec.RemoteAddr,
			"event_type": ec.Event,
			"error":      err,
		}).Warn("Rate limiter error, failing open")
		return ec, nil
	}
	if !allowed {
		return ec, core.NewRateLimitError(retryAfter)
	}
	return ec, nil
}

// stageRateLimit charges the event against the identified sender's
// per-(user, event-type) budget.
func (p *Pipeline) stageRateLimit(ctx context.Context, ec EventContext) (EventContext, error) {
	if ec.UserID == "" {
		return ec, nil
	}
	allowed, retryAfter, err := p.limiter.Allow(ctx, ec.UserID, ec.Event)
	if err != nil {
		// The limiter itself fails open, so an error here is unexpected.
		logrus.WithFields(logrus.Fields{
			"user_id":    ec.UserID,
			"event_type": ec.Event,
			"canvas_id":  ec.CanvasID,
			"error":      err,
		}).Warn("Rate limiter error, failing open")
		return ec, nil
	}
	if !allowed {
		return ec, core.NewRateLimitError(retryAfter)
	}
	return ec, nil
}

// Run executes the full stage chain and returns the enriched context.
func (p *Pipeline) Run(ctx context.Context, ec EventContext) (EventContext, error) {
	ec.ReceivedAt = time.Now()

	stages := []func(context.Context, EventContext) (EventContext, error){
		p.stageValidate,
		p.stageAddrLimit,
		p.stageAuthenticate,
		p.stageAuthorize,
		p.stageRateLimit,
	}
	for _, stage := range stages {
		next, err := stage(ctx, ec)
		if err != nil {
			syncErr := core.AsSyncError(err)
			logrus.WithFields(logrus.Fields{
				"user_id":    next.UserID,
				"event_type": next.Event,
				"canvas_id":  next.CanvasID,
				"code":       syncErr.Code,
			}).Info("Event rejected")
			return next, syncErr
		}
		ec = next
	}
	return ec, nil
}

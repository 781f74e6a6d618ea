package pipeline

import (
	"context"

	"github.com/sirupsen/logrus"

	"collabcanvas/breaker"
	"collabcanvas/core"
	"collabcanvas/dedup"
)

// JoinResult is what a join operation hands back to the transport.
type JoinResult struct {
	Context  EventContext
	Canvas   *core.Canvas
	Presence *core.PresenceState
}

// ProcessJoin runs the stage chain for join_canvas, loads the canvas behind
// its breaker and registers the sender's presence.
func (p *Pipeline) ProcessJoin(ctx context.Context, ec EventContext) (*JoinResult, error) {
	ec, err := p.Run(ctx, ec)
	if err != nil {
		return nil, err
	}

	var canvas *core.Canvas
	err = p.breakers.Do(ctx, breaker.CanvasLoad, func(ctx context.Context) error {
		loaded, loadErr := p.store.GetCanvas(ctx, ec.CanvasID)
		if loadErr != nil {
			return loadErr
		}
		canvas = loaded
		return nil
	})
	if err != nil {
		return nil, core.AsSyncError(err)
	}

	if err := p.presence.Join(ctx, ec.CanvasID, ec.UserID, core.PresenceActive); err != nil {
		logrus.WithFields(logrus.Fields{
			"user_id":   ec.UserID,
			"canvas_id": ec.CanvasID,
			"error":     err,
		}).Warn("Failed to record presence on join")
	}

	state, err := p.PresenceSnapshot(ctx, ec.CanvasID)
	if err != nil {
		return nil, err
	}
	return &JoinResult{Context: ec, Canvas: canvas, Presence: state}, nil
}

// ProcessLeave removes the sender from a canvas and returns the remaining
// presence state for the room.
func (p *Pipeline) ProcessLeave(ctx context.Context, ec EventContext) (EventContext, *core.PresenceState, error) {
	ec, err := p.Run(ctx, ec)
	if err != nil {
		return ec, nil, err
	}

	if err := p.presence.Leave(ctx, ec.CanvasID, ec.UserID); err != nil {
		logrus.WithFields(logrus.Fields{
			"user_id":   ec.UserID,
			"canvas_id": ec.CanvasID,
			"error":     err,
		}).Warn("Failed to clear presence on leave")
	}

	state, err := p.PresenceSnapshot(ctx, ec.CanvasID)
	if err != nil {
		return ec, nil, err
	}
	return ec, state, nil
}

// MutationResult is the outcome of an object mutation: an acknowledgement
// for the originator and a broadcast for the rest of the room. Broadcast is
// nil for duplicate submissions, which must not fan out twice.
type MutationResult struct {
	Context   EventContext
	Ack       *core.SyncAck
	Broadcast *core.ObjectBroadcast
}

// ProcessMutation applies object_created, object_updated or object_deleted
// exactly once per mutation id, routing persistence through its breaker.
// A mutation id seen before returns the recorded outcome as a duplicate ack.
func (p *Pipeline) ProcessMutation(ctx context.Context, ec EventContext) (*MutationResult, error) {
	ec, err := p.Run(ctx, ec)
	if err != nil {
		return nil, err
	}
	payload := ec.Payload.(*core.ObjectMutationPayload)

	first, prior, err := p.dedup.Claim(ctx, payload.MutationID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"user_id":     ec.UserID,
			"event_type":  ec.Event,
			"canvas_id":   ec.CanvasID,
			"mutation_id": payload.MutationID,
			"error":       err,
		}).Error("Dedup registry unavailable")
		return nil, core.NewInternalError()
	}
	if !first {
		ack := &core.SyncAck{MutationID: payload.MutationID, Duplicate: true}
		if prior != nil {
			ack.ObjectID = prior.ObjectID
			ack.Version = prior.Version
		}
		return &MutationResult{Context: ec, Ack: ack}, nil
	}

	var applied *core.CanvasObject
	err = p.breakers.Do(ctx, breaker.Persistence, func(ctx context.Context) error {
		switch ec.Event {
		case core.EventObjectCreated:
			created, applyErr := p.store.CreateObject(ctx, payload.Object)
			if applyErr != nil {
				return applyErr
			}
			applied = created
		case core.EventObjectUpdated:
			updated, applyErr := p.store.UpdateObject(ctx, payload.Object)
			if applyErr != nil {
				return applyErr
			}
			applied = updated
		case core.EventObjectDeleted:
			return p.store.DeleteObject(ctx, payload.CanvasID, payload.ObjectID)
		}
		return nil
	})
	if err != nil {
		// The mutation was not applied; free the id so a retry can claim it.
		if releaseErr := p.dedup.Release(ctx, payload.MutationID); releaseErr != nil {
			logrus.WithField("mutation_id", payload.MutationID).
				WithError(releaseErr).Warn("Failed to release dedup claim")
		}
		return nil, core.AsSyncError(err)
	}

	outcome := dedup.Outcome{}
	ack := &core.SyncAck{MutationID: payload.MutationID}
	broadcast := &core.ObjectBroadcast{
		CanvasID: ec.CanvasID,
		ActorID:  ec.UserID,
		Extra:    payload.Extra,
	}
	if applied != nil {
		outcome.ObjectID = applied.ID
		outcome.Version = applied.Version
		ack.ObjectID = applied.ID
		ack.Version = applied.Version
		broadcast.Object = applied
		broadcast.ObjectID = applied.ID
	} else {
		outcome.ObjectID = payload.ObjectID
		ack.ObjectID = payload.ObjectID
		broadcast.ObjectID = payload.ObjectID
	}
	if err := p.dedup.Record(ctx, payload.MutationID, outcome); err != nil {
		logrus.WithField("mutation_id", payload.MutationID).
			WithError(err).Warn("Failed to record mutation outcome")
	}

	logrus.WithFields(logrus.Fields{
		"user_id":     ec.UserID,
		"event_type":  ec.Event,
		"canvas_id":   ec.CanvasID,
		"object_id":   ack.ObjectID,
		"mutation_id": payload.MutationID,
	}).Debug("Mutation applied")
	return &MutationResult{Context: ec, Ack: ack, Broadcast: broadcast}, nil
}

// ProcessCursor validates a cursor move, refreshes the sender's presence
// heartbeat and returns the fan-out payload.
func (p *Pipeline) ProcessCursor(ctx context.Context, ec EventContext) (EventContext, *core.CursorBroadcast, error) {
	ec, err := p.Run(ctx, ec)
	if err != nil {
		return ec, nil, err
	}
	payload := ec.Payload.(*core.CursorMovePayload)

	if err := p.presence.Heartbeat(ctx, ec.CanvasID, ec.UserID); err != nil {
		logrus.WithFields(logrus.Fields{
			"user_id":   ec.UserID,
			"canvas_id": ec.CanvasID,
			"error":     err,
		}).Warn("Failed to refresh presence heartbeat")
	}

	return ec, &core.CursorBroadcast{
		CanvasID: ec.CanvasID,
		UserID:   ec.UserID,
		X:        payload.X,
		Y:        payload.Y,
	}, nil
}

// ProcessPresence updates the sender's status and returns the new room
// presence state.
func (p *Pipeline) ProcessPresence(ctx context.Context, ec EventContext) (EventContext, *core.PresenceState, error) {
	ec, err := p.Run(ctx, ec)
	if err != nil {
		return ec, nil, err
	}
	payload := ec.Payload.(*core.PresenceUpdatePayload)

	if err := p.presence.SetStatus(ctx, ec.CanvasID, ec.UserID, payload.Status); err != nil {
		logrus.WithFields(logrus.Fields{
			"user_id":   ec.UserID,
			"canvas_id": ec.CanvasID,
			"error":     err,
		}).Warn("Failed to update presence status")
	}

	state, err := p.PresenceSnapshot(ctx, ec.CanvasID)
	if err != nil {
		return ec, nil, err
	}
	return ec, state, nil
}

// PresenceSnapshot lists the active users on a canvas.
func (p *Pipeline) PresenceSnapshot(ctx context.Context, canvasID string) (*core.PresenceState, error) {
	users, err := p.presence.ListActive(ctx, canvasID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"canvas_id": canvasID,
			"error":     err,
		}).Warn("Failed to list presence")
		return nil, core.NewInternalError()
	}
	return &core.PresenceState{CanvasID: canvasID, Users: users}, nil
}

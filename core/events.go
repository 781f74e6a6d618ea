package core

import "encoding/json"

// Inbound event names. Every authenticated event carries its own credential,
// independent of whatever session the connection established earlier.
const (
	EventJoinCanvas     = "join_canvas"
	EventLeaveCanvas    = "leave_canvas"
	EventObjectCreated  = "object_created"
	EventObjectUpdated  = "object_updated"
	EventObjectDeleted  = "object_deleted"
	EventCursorMove     = "cursor_move"
	EventPresenceUpdate = "presence_update"
)

// Outbound event names. Mutation events are re-emitted under their inbound
// name to the rest of the room; the originator only ever receives sync_ack.
const (
	EventSyncAck       = "sync_ack"
	EventCursorMoved   = "cursor_moved"
	EventPresenceState = "presence_state"
	EventError         = "error"
)

// FailedEventName returns the typed *_failed event for an error code,
// e.g. "rate_limited" for CodeRateLimited.
func FailedEventName(code ErrorCode) string {
	return string(code)
}

type (
	// JoinCanvasPayload asks to enter the room for a canvas.
	JoinCanvasPayload struct {
		CanvasID   string `json:"canvas_id"`
		Credential string `json:"credential"`

		Extra map[string]any `json:"-"`
	}

	// LeaveCanvasPayload leaves a previously joined room.
	LeaveCanvasPayload struct {
		CanvasID string `json:"canvas_id"`

		Extra map[string]any `json:"-"`
	}

	// ObjectMutationPayload covers object_created, object_updated and
	// object_deleted. MutationID is client-generated and deduplicates the
	// same mutation retried over either channel.
	ObjectMutationPayload struct {
		CanvasID   string        `json:"canvas_id"`
		Credential string        `json:"credential"`
		MutationID string        `json:"mutation_id"`
		ObjectID   string        `json:"object_id,omitempty"` // delete only
		Object     *CanvasObject `json:"object,omitempty"`

		Extra map[string]any `json:"-"`
	}

	// CursorMovePayload reports a pointer position. It doubles as a presence
	// heartbeat for the sending user.
	CursorMovePayload struct {
		CanvasID   string  `json:"canvas_id"`
		Credential string  `json:"credential"`
		X          float64 `json:"x"`
		Y          float64 `json:"y"`

		Extra map[string]any `json:"-"`
	}

	// PresenceUpdatePayload changes the sender's presence status.
	PresenceUpdatePayload struct {
		CanvasID   string         `json:"canvas_id"`
		Credential string         `json:"credential"`
		Status     PresenceStatus `json:"status"`

		Extra map[string]any `json:"-"`
	}

	// SyncAck confirms a mutation to its originator. Version carries the
	// server-assigned object version so the client can clear its pending
	// marker.
	SyncAck struct {
		MutationID string `json:"mutation_id"`
		ObjectID   string `json:"object_id,omitempty"`
		Version    int64  `json:"version,omitempty"`
		Duplicate  bool   `json:"duplicate,omitempty"`
	}

	// ObjectBroadcast is the room fan-out form of a mutation. It never
	// carries the originator's credential.
	ObjectBroadcast struct {
		CanvasID string        `json:"canvas_id"`
		ActorID  string        `json:"actor_id"`
		ObjectID string        `json:"object_id,omitempty"`
		Object   *CanvasObject `json:"object,omitempty"`

		Extra map[string]any `json:"-"`
	}

	// CursorBroadcast is the fan-out form of cursor_move.
	CursorBroadcast struct {
		CanvasID string  `json:"canvas_id"`
		UserID   string  `json:"user_id"`
		X        float64 `json:"x"`
		Y        float64 `json:"y"`
	}

	// PresenceState lists the users currently active on a canvas.
	PresenceState struct {
		CanvasID string           `json:"canvas_id"`
		Users    []*PresenceEntry `json:"users"`
	}
)

// marshalWithExtra merges preserved unknown fields beneath the typed fields.
func marshalWithExtra(typed any, extra map[string]any) ([]byte, error) {
	data, err := json.Marshal(typed)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return data, nil
	}
	merged := make(map[string]json.RawMessage, len(extra)+8)
	for name, value := range extra {
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		merged[name] = raw
	}
	var typedFields map[string]json.RawMessage
	if err := json.Unmarshal(data, &typedFields); err != nil {
		return nil, err
	}
	for name, value := range typedFields {
		merged[name] = value
	}
	return json.Marshal(merged)
}

type objectBroadcastAlias ObjectBroadcast

func (b ObjectBroadcast) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(objectBroadcastAlias(b), b.Extra)
}

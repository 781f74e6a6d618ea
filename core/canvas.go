package core

import (
	"context"
	"encoding/json"
	"time"
)

// ObjectType enumerates the kinds of objects a canvas can hold.
type ObjectType string

const (
	ObjectRectangle ObjectType = "rectangle"
	ObjectEllipse   ObjectType = "ellipse"
	ObjectLine      ObjectType = "line"
	ObjectArrow     ObjectType = "arrow"
	ObjectText      ObjectType = "text"
	ObjectFreedraw  ObjectType = "freedraw"
	ObjectImage     ObjectType = "image"
)

// KnownObjectTypes lists every accepted object type, used by validation.
var KnownObjectTypes = []ObjectType{
	ObjectRectangle, ObjectEllipse, ObjectLine, ObjectArrow,
	ObjectText, ObjectFreedraw, ObjectImage,
}

type (
	// Canvas represents the metadata of a shared drawing surface. The canvas
	// itself is owned by the persistence collaborator; the sync core only
	// reads it to resolve rooms and permissions.
	Canvas struct {
		ID        string    `json:"id"`
		OwnerID   string    `json:"-"` // Not exposed in JSON responses, used internally.
		Name      string    `json:"name"`
		CreatedAt time.Time `json:"created_at"`
		UpdatedAt time.Time `json:"updated_at"`
	}

	// CanvasObject is the in-flight projection of a drawable object. The
	// authoritative record lives in the persistence collaborator; Version and
	// UpdatedAt are assigned server-side and drive last-writer-wins
	// reconciliation.
	CanvasObject struct {
		ID          string     `json:"id"`
		CanvasID    string     `json:"canvas_id"`
		Type        ObjectType `json:"type"`
		X           float64    `json:"x"`
		Y           float64    `json:"y"`
		Width       float64    `json:"width"`
		Height      float64    `json:"height"`
		Rotation    float64    `json:"rotation"`
		Stroke      string     `json:"stroke,omitempty"`
		Fill        string     `json:"fill,omitempty"`
		StrokeWidth float64    `json:"stroke_width,omitempty"`
		Opacity     float64    `json:"opacity"`
		Text        string     `json:"text,omitempty"`
		Version     int64      `json:"version"`
		UpdatedAt   time.Time  `json:"updated_at"`

		// Extra preserves fields this server version does not understand, so
		// newer clients can round-trip their own attributes unchanged.
		Extra map[string]json.RawMessage `json:"-"`
	}
)

// canvasObjectAlias avoids recursing into the custom JSON methods.
type canvasObjectAlias CanvasObject

// knownObjectFields are the wire names owned by the typed struct. Anything
// else lands in Extra.
var knownObjectFields = map[string]struct{}{
	"id": {}, "canvas_id": {}, "type": {}, "x": {}, "y": {},
	"width": {}, "height": {}, "rotation": {}, "stroke": {}, "fill": {},
	"stroke_width": {}, "opacity": {}, "text": {}, "version": {}, "updated_at": {},
}

// UnmarshalJSON decodes the typed fields and keeps every unknown field in
// Extra instead of dropping it.
func (o *CanvasObject) UnmarshalJSON(data []byte) error {
	var alias canvasObjectAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for name := range raw {
		if _, known := knownObjectFields[name]; known {
			delete(raw, name)
		}
	}
	if len(raw) > 0 {
		alias.Extra = raw
	}

	*o = CanvasObject(alias)
	return nil
}

// MarshalJSON emits the typed fields merged with the preserved Extra fields.
// Typed fields win on name collisions.
func (o CanvasObject) MarshalJSON() ([]byte, error) {
	typed, err := json.Marshal(canvasObjectAlias(o))
	if err != nil {
		return nil, err
	}
	if len(o.Extra) == 0 {
		return typed, nil
	}

	merged := make(map[string]json.RawMessage, len(o.Extra)+len(knownObjectFields))
	for name, value := range o.Extra {
		merged[name] = value
	}
	var typedFields map[string]json.RawMessage
	if err := json.Unmarshal(typed, &typedFields); err != nil {
		return nil, err
	}
	for name, value := range typedFields {
		merged[name] = value
	}
	return json.Marshal(merged)
}

// Clone returns a deep copy so optimistic bookkeeping never aliases the
// projection it snapshots.
func (o *CanvasObject) Clone() *CanvasObject {
	if o == nil {
		return nil
	}
	clone := *o
	if o.Extra != nil {
		clone.Extra = make(map[string]json.RawMessage, len(o.Extra))
		for name, value := range o.Extra {
			clone.Extra[name] = value
		}
	}
	return &clone
}

// PermissionLevel is the access level required for an operation on a canvas.
type PermissionLevel string

const (
	PermissionView PermissionLevel = "view"
	PermissionEdit PermissionLevel = "edit"
	PermissionOwn  PermissionLevel = "own"
)

// ObjectStore is the persistence collaborator consumed by the sync core.
// Implementations must return ErrCanvasNotFound, ErrObjectNotFound and
// ErrForbidden for the corresponding outcomes so callers can translate them
// into typed protocol errors instead of surfacing raw failures.
type ObjectStore interface {
	GetCanvas(ctx context.Context, canvasID string) (*Canvas, error)
	GetObjects(ctx context.Context, canvasID string) ([]*CanvasObject, error)
	CreateObject(ctx context.Context, object *CanvasObject) (*CanvasObject, error)
	UpdateObject(ctx context.Context, object *CanvasObject) (*CanvasObject, error)
	DeleteObject(ctx context.Context, canvasID, objectID string) error
	CheckPermission(ctx context.Context, userID, canvasID string, level PermissionLevel) (bool, error)
}

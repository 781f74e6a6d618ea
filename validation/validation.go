// Package validation schema-checks and sanitizes inbound event payloads.
// Validation is a pure transform: it either returns a typed payload or a
// structured validation error for the sender, and never touches connection
// state. Unknown fields are preserved, never rejected.
package validation

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/microcosm-cc/bluemonday"

	"collabcanvas/core"
)

// Bounds for payload fields. Coordinates cover a generous virtual canvas;
// anything outside is a malformed or abusive client.
const (
	MaxCanvasIDLen   = 128
	MaxCredentialLen = 4096
	MaxMutationIDLen = 64
	MaxTextLen       = 10000
	MaxColorLen      = 64

	MinCoordinate = -1_000_000
	MaxCoordinate = 1_000_000
	MaxDimension  = 100_000
	MaxStrokeW    = 100
)

// Sanitizer neutralizes executable markup in free-text fields. Identifiers
// and credentials pass through untouched.
type Sanitizer struct {
	policy *bluemonday.Policy
}

func NewSanitizer() *Sanitizer {
	return &Sanitizer{policy: bluemonday.StrictPolicy()}
}

// CleanText strips all markup from a free-text value.
func (s *Sanitizer) CleanText(text string) string {
	return s.policy.Sanitize(text)
}

// Validator decodes raw event payloads into their typed form.
type Validator struct {
	sanitizer *Sanitizer
}

func NewValidator() *Validator {
	return &Validator{sanitizer: NewSanitizer()}
}

// known field sets per event, everything else is carried as-is in Extra.
var (
	joinFields     = fieldSet("canvas_id", "credential")
	leaveFields    = fieldSet("canvas_id")
	mutationFields = fieldSet("canvas_id", "credential", "mutation_id", "object_id", "object")
	cursorFields   = fieldSet("canvas_id", "credential", "x", "y")
	presenceFields = fieldSet("canvas_id", "credential", "status")
)

func fieldSet(names ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		set[name] = struct{}{}
	}
	return set
}

func extraFields(raw map[string]any, known map[string]struct{}) map[string]any {
	var extra map[string]any
	for name, value := range raw {
		if _, ok := known[name]; ok {
			continue
		}
		if extra == nil {
			extra = make(map[string]any)
		}
		extra[name] = value
	}
	return extra
}

func stringField(raw map[string]any, name string, required bool, maxLen int) (string, *core.SyncError) {
	value, present := raw[name]
	if !present || value == nil {
		if required {
			return "", core.NewValidationError(name, fmt.Sprintf("%s is required", name))
		}
		return "", nil
	}
	str, ok := value.(string)
	if !ok {
		return "", core.NewValidationError(name, fmt.Sprintf("%s must be a string", name))
	}
	if required && str == "" {
		return "", core.NewValidationError(name, fmt.Sprintf("%s is required", name))
	}
	if len(str) > maxLen {
		return "", core.NewValidationError(name, fmt.Sprintf("%s exceeds %d characters", name, maxLen))
	}
	return str, nil
}

func numberField(raw map[string]any, name string, min, max float64) (float64, *core.SyncError) {
	value, present := raw[name]
	if !present {
		return 0, core.NewValidationError(name, fmt.Sprintf("%s is required", name))
	}
	num, ok := value.(float64)
	if !ok {
		// json.Number shows up when a decoder is configured with UseNumber.
		if jn, isNum := value.(json.Number); isNum {
			parsed, err := jn.Float64()
			if err != nil {
				return 0, core.NewValidationError(name, fmt.Sprintf("%s must be a number", name))
			}
			num = parsed
		} else {
			return 0, core.NewValidationError(name, fmt.Sprintf("%s must be a number", name))
		}
	}
	if math.IsNaN(num) || math.IsInf(num, 0) {
		return 0, core.NewValidationError(name, fmt.Sprintf("%s must be finite", name))
	}
	if num < min || num > max {
		return 0, core.NewValidationError(name, fmt.Sprintf("%s must be between %g and %g", name, min, max))
	}
	return num, nil
}

// JoinCanvas validates a join_canvas payload.
func (v *Validator) JoinCanvas(raw map[string]any) (*core.JoinCanvasPayload, *core.SyncError) {
	canvasID, verr := stringField(raw, "canvas_id", true, MaxCanvasIDLen)
	if verr != nil {
		return nil, verr
	}
	credential, verr := stringField(raw, "credential", true, MaxCredentialLen)
	if verr != nil {
		return nil, verr
	}
	return &core.JoinCanvasPayload{
		CanvasID:   canvasID,
		Credential: credential,
		Extra:      extraFields(raw, joinFields),
	}, nil
}

// LeaveCanvas validates a leave_canvas payload.
func (v *Validator) LeaveCanvas(raw map[string]any) (*core.LeaveCanvasPayload, *core.SyncError) {
	canvasID, verr := stringField(raw, "canvas_id", true, MaxCanvasIDLen)
	if verr != nil {
		return nil, verr
	}
	return &core.LeaveCanvasPayload{
		CanvasID: canvasID,
		Extra:    extraFields(raw, leaveFields),
	}, nil
}

// ObjectMutation validates object_created, object_updated and object_deleted
// payloads. Deletes need object_id; creates and updates need an object whose
// geometry and style are within bounds.
func (v *Validator) ObjectMutation(event string, raw map[string]any) (*core.ObjectMutationPayload, *core.SyncError) {
	canvasID, verr := stringField(raw, "canvas_id", true, MaxCanvasIDLen)
	if verr != nil {
		return nil, verr
	}
	credential, verr := stringField(raw, "credential", true, MaxCredentialLen)
	if verr != nil {
		return nil, verr
	}
	mutationID, verr := stringField(raw, "mutation_id", true, MaxMutationIDLen)
	if verr != nil {
		return nil, verr
	}

	payload := &core.ObjectMutationPayload{
		CanvasID:   canvasID,
		Credential: credential,
		MutationID: mutationID,
		Extra:      extraFields(raw, mutationFields),
	}

	if event == core.EventObjectDeleted {
		objectID, verr := stringField(raw, "object_id", true, MaxCanvasIDLen)
		if verr != nil {
			return nil, verr
		}
		payload.ObjectID = objectID
		return payload, nil
	}

	objectRaw, present := raw["object"]
	if !present || objectRaw == nil {
		return nil, core.NewValidationError("object", "object is required")
	}
	objectMap, ok := objectRaw.(map[string]any)
	if !ok {
		return nil, core.NewValidationError("object", "object must be an object")
	}
	object, verr := v.validateObject(event, objectMap)
	if verr != nil {
		return nil, verr
	}
	object.CanvasID = canvasID
	payload.Object = object
	payload.ObjectID = object.ID
	return payload, nil
}

func (v *Validator) validateObject(event string, raw map[string]any) (*core.CanvasObject, *core.SyncError) {
	typeStr, verr := stringField(raw, "type", true, 32)
	if verr != nil {
		return nil, verr
	}
	objectType := core.ObjectType(typeStr)
	known := false
	for _, candidate := range core.KnownObjectTypes {
		if candidate == objectType {
			known = true
			break
		}
	}
	if !known {
		return nil, core.NewValidationError("object.type", fmt.Sprintf("unknown object type %q", typeStr))
	}

	// Updates and deletes address an existing server-assigned id; creates
	// must not carry one.
	objectID, verr := stringField(raw, "id", event != core.EventObjectCreated, MaxCanvasIDLen)
	if verr != nil {
		return nil, verr
	}

	x, verr := numberField(raw, "x", MinCoordinate, MaxCoordinate)
	if verr != nil {
		return nil, verr
	}
	y, verr := numberField(raw, "y", MinCoordinate, MaxCoordinate)
	if verr != nil {
		return nil, verr
	}
	width, verr := numberField(raw, "width", 0, MaxDimension)
	if verr != nil {
		return nil, verr
	}
	height, verr := numberField(raw, "height", 0, MaxDimension)
	if verr != nil {
		return nil, verr
	}

	object := &core.CanvasObject{
		ID:     objectID,
		Type:   objectType,
		X:      x,
		Y:      y,
		Width:  width,
		Height: height,
	}

	if _, present := raw["rotation"]; present {
		rotation, verr := numberField(raw, "rotation", -360, 360)
		if verr != nil {
			return nil, verr
		}
		object.Rotation = rotation
	}
	if _, present := raw["opacity"]; present {
		opacity, verr := numberField(raw, "opacity", 0, 1)
		if verr != nil {
			return nil, verr
		}
		object.Opacity = opacity
	} else {
		object.Opacity = 1
	}
	if _, present := raw["stroke_width"]; present {
		strokeWidth, verr := numberField(raw, "stroke_width", 0, MaxStrokeW)
		if verr != nil {
			return nil, verr
		}
		object.StrokeWidth = strokeWidth
	}

	stroke, verr := stringField(raw, "stroke", false, MaxColorLen)
	if verr != nil {
		return nil, verr
	}
	object.Stroke = stroke

	fill, verr := stringField(raw, "fill", false, MaxColorLen)
	if verr != nil {
		return nil, verr
	}
	object.Fill = fill

	text, verr := stringField(raw, "text", false, MaxTextLen)
	if verr != nil {
		return nil, verr
	}
	// Free text is the only field that can smuggle markup into other
	// clients' DOM. Identifiers and credentials are never rewritten.
	object.Text = v.sanitizer.CleanText(text)

	if extra := extraFields(raw, objectFields); extra != nil {
		object.Extra = make(map[string]json.RawMessage, len(extra))
		for name, value := range extra {
			encoded, err := json.Marshal(value)
			if err != nil {
				return nil, core.NewValidationError(name, fmt.Sprintf("%s is not serializable", name))
			}
			object.Extra[name] = encoded
		}
	}
	return object, nil
}

var objectFields = fieldSet(
	"id", "canvas_id", "type", "x", "y", "width", "height", "rotation",
	"stroke", "fill", "stroke_width", "opacity", "text", "version", "updated_at",
)

// CursorMove validates a cursor_move payload.
func (v *Validator) CursorMove(raw map[string]any) (*core.CursorMovePayload, *core.SyncError) {
	canvasID, verr := stringField(raw, "canvas_id", true, MaxCanvasIDLen)
	if verr != nil {
		return nil, verr
	}
	credential, verr := stringField(raw, "credential", true, MaxCredentialLen)
	if verr != nil {
		return nil, verr
	}
	x, verr := numberField(raw, "x", MinCoordinate, MaxCoordinate)
	if verr != nil {
		return nil, verr
	}
	y, verr := numberField(raw, "y", MinCoordinate, MaxCoordinate)
	if verr != nil {
		return nil, verr
	}
	return &core.CursorMovePayload{
		CanvasID:   canvasID,
		Credential: credential,
		X:          x,
		Y:          y,
		Extra:      extraFields(raw, cursorFields),
	}, nil
}

// PresenceUpdate validates a presence_update payload.
func (v *Validator) PresenceUpdate(raw map[string]any) (*core.PresenceUpdatePayload, *core.SyncError) {
	canvasID, verr := stringField(raw, "canvas_id", true, MaxCanvasIDLen)
	if verr != nil {
		return nil, verr
	}
	credential, verr := stringField(raw, "credential", true, MaxCredentialLen)
	if verr != nil {
		return nil, verr
	}
	statusStr, verr := stringField(raw, "status", true, 16)
	if verr != nil {
		return nil, verr
	}
	status := core.PresenceStatus(statusStr)
	known := false
	for _, candidate := range core.KnownPresenceStatuses {
		if candidate == status {
			known = true
			break
		}
	}
	if !known {
		return nil, core.NewValidationError("status", fmt.Sprintf("unknown presence status %q", statusStr))
	}
	return &core.PresenceUpdatePayload{
		CanvasID:   canvasID,
		Credential: credential,
		Status:     status,
		Extra:      extraFields(raw, presenceFields),
	}, nil
}

package validation

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabcanvas/core"
)

func validObjectMap() map[string]any {
	return map[string]any{
		"type":   "rectangle",
		"x":      10.0,
		"y":      20.0,
		"width":  100.0,
		"height": 50.0,
	}
}

func validMutation() map[string]any {
	return map[string]any{
		"canvas_id":   "canvas-1",
		"credential":  "token",
		"mutation_id": "m-1",
		"object":      validObjectMap(),
	}
}

func TestJoinCanvasRequiresCanvasID(t *testing.T) {
	v := NewValidator()

	_, verr := v.JoinCanvas(map[string]any{"credential": "token"})
	require.NotNil(t, verr)
	assert.Equal(t, core.CodeValidationFailed, verr.Code)
	assert.Equal(t, "canvas_id", verr.Field)
}

func TestJoinCanvasPreservesUnknownFields(t *testing.T) {
	v := NewValidator()

	payload, verr := v.JoinCanvas(map[string]any{
		"canvas_id":  "canvas-1",
		"credential": "token",
		"theme":      "dark",
	})
	require.Nil(t, verr)
	assert.Equal(t, "canvas-1", payload.CanvasID)
	assert.Equal(t, "dark", payload.Extra["theme"])
}

func TestObjectMutationSingleBadFieldRejectsWholeEvent(t *testing.T) {
	v := NewValidator()

	raw := validMutation()
	obj := raw["object"].(map[string]any)
	obj["x"] = MaxCoordinate + 1.0

	_, verr := v.ObjectMutation(core.EventObjectCreated, raw)
	require.NotNil(t, verr)
	assert.Equal(t, core.CodeValidationFailed, verr.Code)
	assert.Equal(t, "x", verr.Field)
}

func TestObjectMutationBounds(t *testing.T) {
	v := NewValidator()

	cases := []struct {
		name  string
		field string
		value any
	}{
		{"negative width", "width", -1.0},
		{"oversize height", "height", MaxDimension + 1.0},
		{"opacity above one", "opacity", 1.5},
		{"rotation out of range", "rotation", 720.0},
		{"non-numeric coordinate", "y", "ten"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw := validMutation()
			obj := raw["object"].(map[string]any)
			obj[tc.field] = tc.value

			_, verr := v.ObjectMutation(core.EventObjectCreated, raw)
			require.NotNil(t, verr)
			assert.Equal(t, core.CodeValidationFailed, verr.Code)
		})
	}
}

func TestObjectMutationUnknownTypeRejected(t *testing.T) {
	v := NewValidator()

	raw := validMutation()
	raw["object"].(map[string]any)["type"] = "hologram"

	_, verr := v.ObjectMutation(core.EventObjectCreated, raw)
	require.NotNil(t, verr)
	assert.Equal(t, "object.type", verr.Field)
}

func TestObjectMutationCreateMustNotCarryID(t *testing.T) {
	v := NewValidator()

	raw := validMutation()
	payload, verr := v.ObjectMutation(core.EventObjectCreated, raw)
	require.Nil(t, verr)
	assert.Empty(t, payload.Object.ID)

	// Updates address an existing id.
	_, verr = v.ObjectMutation(core.EventObjectUpdated, validMutation())
	require.NotNil(t, verr)
	assert.Equal(t, "id", verr.Field)
}

func TestObjectMutationDeleteOnlyNeedsObjectID(t *testing.T) {
	v := NewValidator()

	payload, verr := v.ObjectMutation(core.EventObjectDeleted, map[string]any{
		"canvas_id":   "canvas-1",
		"credential":  "token",
		"mutation_id": "m-2",
		"object_id":   "obj-1",
	})
	require.Nil(t, verr)
	assert.Equal(t, "obj-1", payload.ObjectID)
	assert.Nil(t, payload.Object)
}

func TestObjectMutationPreservesUnknownObjectFields(t *testing.T) {
	v := NewValidator()

	raw := validMutation()
	obj := raw["object"].(map[string]any)
	obj["link_target"] = "https://example.com"
	obj["custom_meta"] = map[string]any{"layer": 3.0}

	payload, verr := v.ObjectMutation(core.EventObjectCreated, raw)
	require.Nil(t, verr)
	require.NotNil(t, payload.Object.Extra)

	var target string
	require.NoError(t, json.Unmarshal(payload.Object.Extra["link_target"], &target))
	assert.Equal(t, "https://example.com", target)

	// Unknown fields survive a full marshal round trip.
	encoded, err := json.Marshal(payload.Object)
	require.NoError(t, err)
	assert.Contains(t, string(encoded), "custom_meta")
}

func TestObjectMutationSanitizesText(t *testing.T) {
	v := NewValidator()

	raw := validMutation()
	obj := raw["object"].(map[string]any)
	obj["type"] = "text"
	obj["text"] = `hello <script>alert("x")</script> world`

	payload, verr := v.ObjectMutation(core.EventObjectCreated, raw)
	require.Nil(t, verr)
	assert.NotContains(t, payload.Object.Text, "<script>")
	assert.Contains(t, payload.Object.Text, "hello")
}

func TestObjectMutationTextLengthCap(t *testing.T) {
	v := NewValidator()

	raw := validMutation()
	obj := raw["object"].(map[string]any)
	obj["text"] = strings.Repeat("a", MaxTextLen+1)

	_, verr := v.ObjectMutation(core.EventObjectCreated, raw)
	require.NotNil(t, verr)
	assert.Equal(t, "text", verr.Field)
}

func TestCursorMoveRejectsNonFiniteCoordinates(t *testing.T) {
	v := NewValidator()

	_, verr := v.CursorMove(map[string]any{
		"canvas_id":  "canvas-1",
		"credential": "token",
		"x":          json.Number("1e400"),
		"y":          5.0,
	})
	require.NotNil(t, verr)
	assert.Equal(t, "x", verr.Field)
}

func TestPresenceUpdateStatusEnum(t *testing.T) {
	v := NewValidator()

	payload, verr := v.PresenceUpdate(map[string]any{
		"canvas_id":  "canvas-1",
		"credential": "token",
		"status":     "idle",
	})
	require.Nil(t, verr)
	assert.Equal(t, core.PresenceIdle, payload.Status)

	_, verr = v.PresenceUpdate(map[string]any{
		"canvas_id":  "canvas-1",
		"credential": "token",
		"status":     "sleeping",
	})
	require.NotNil(t, verr)
	assert.Equal(t, "status", verr.Field)
}

func TestCleanTextStripsMarkup(t *testing.T) {
	s := NewSanitizer()
	assert.Equal(t, "plain", s.CleanText("<b>plain</b>"))
}

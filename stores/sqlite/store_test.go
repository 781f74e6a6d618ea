package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabcanvas/core"
)

func seeded(t *testing.T) *sqliteStore {
	t.Helper()
	s := NewStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, s.SeedCanvas(&core.Canvas{ID: "canvas-1", OwnerID: "owner", Name: "board"}))
	require.NoError(t, s.Grant("editor", "canvas-1", core.PermissionEdit))
	require.NoError(t, s.Grant("viewer", "canvas-1", core.PermissionView))
	return s
}

func rectangle() *core.CanvasObject {
	return &core.CanvasObject{
		CanvasID: "canvas-1",
		Type:     core.ObjectRectangle,
		X:        1, Y: 2, Width: 30, Height: 40,
	}
}

func TestCreateAndGetObjects(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	created, err := s.CreateObject(ctx, rectangle())
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, int64(1), created.Version)

	objects, err := s.GetObjects(ctx, "canvas-1")
	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.Equal(t, created.ID, objects[0].ID)
	assert.Equal(t, core.ObjectRectangle, objects[0].Type)
}

func TestUpdateIncrementsVersion(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	created, err := s.CreateObject(ctx, rectangle())
	require.NoError(t, err)

	created.X = 99
	updated, err := s.UpdateObject(ctx, created)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	objects, err := s.GetObjects(ctx, "canvas-1")
	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.Equal(t, 99.0, objects[0].X)
	assert.Equal(t, int64(2), objects[0].Version)
}

func TestUpdateDistinguishesMissingObjectFromMissingCanvas(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	obj := rectangle()
	obj.ID = "ghost"
	_, err := s.UpdateObject(ctx, obj)
	assert.ErrorIs(t, err, core.ErrObjectNotFound)

	obj.CanvasID = "nope"
	_, err = s.UpdateObject(ctx, obj)
	assert.ErrorIs(t, err, core.ErrCanvasNotFound)
}

func TestDeleteObject(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	created, err := s.CreateObject(ctx, rectangle())
	require.NoError(t, err)

	require.NoError(t, s.DeleteObject(ctx, "canvas-1", created.ID))
	assert.ErrorIs(t, s.DeleteObject(ctx, "canvas-1", created.ID), core.ErrObjectNotFound)
}

func TestExtraFieldsSurviveRoundTrip(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	obj := rectangle()
	obj.Extra = map[string]json.RawMessage{
		"custom_meta": json.RawMessage(`{"layer":3}`),
	}
	_, err := s.CreateObject(ctx, obj)
	require.NoError(t, err)

	stored, err := s.GetObjects(ctx, "canvas-1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.JSONEq(t, `{"layer":3}`, string(stored[0].Extra["custom_meta"]))
}

func TestGetCanvasUnknown(t *testing.T) {
	s := seeded(t)
	_, err := s.GetCanvas(context.Background(), "nope")
	assert.ErrorIs(t, err, core.ErrCanvasNotFound)
}

func TestCheckPermission(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	allowed, err := s.CheckPermission(ctx, "owner", "canvas-1", core.PermissionOwn)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = s.CheckPermission(ctx, "editor", "canvas-1", core.PermissionEdit)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = s.CheckPermission(ctx, "viewer", "canvas-1", core.PermissionEdit)
	require.NoError(t, err)
	assert.False(t, allowed)

	allowed, err = s.CheckPermission(ctx, "stranger", "canvas-1", core.PermissionView)
	require.NoError(t, err)
	assert.False(t, allowed)

	_, err = s.CheckPermission(ctx, "owner", "nope", core.PermissionView)
	assert.ErrorIs(t, err, core.ErrCanvasNotFound)
}

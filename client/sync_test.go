package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabcanvas/core"
)

type staticFetcher struct {
	objects []*core.CanvasObject
	err     error
}

func (f *staticFetcher) FetchObjects(ctx context.Context, canvasID string) ([]*core.CanvasObject, error) {
	return f.objects, f.err
}

func serverObject(id string, version int64, updatedAt time.Time) *core.CanvasObject {
	return &core.CanvasObject{
		ID:        id,
		CanvasID:  "canvas-1",
		Type:      core.ObjectRectangle,
		X:         500,
		Width:     10,
		Height:    10,
		Version:   version,
		UpdatedAt: updatedAt,
	}
}

func TestReconcileAdoptsRemoteOnlyObjects(t *testing.T) {
	local := NewOptimisticManager(nil)
	fetcher := &staticFetcher{objects: []*core.CanvasObject{
		serverObject("obj-1", 1, time.Now()),
	}}

	s := NewSynchronizer(fetcher, local, 0, nil)
	require.NoError(t, s.Reconcile(context.Background(), "canvas-1"))

	obj, ok := local.Object("obj-1")
	require.True(t, ok)
	assert.Equal(t, 500.0, obj.X)
}

func TestReconcileRemoteNewerWins(t *testing.T) {
	var conflicts []ConflictResolution
	local := NewOptimisticManager(nil)

	stale := trackedObject()
	stale.UpdatedAt = time.Now().Add(-time.Minute)
	local.Track(stale)

	fetcher := &staticFetcher{objects: []*core.CanvasObject{
		serverObject("obj-1", 9, time.Now()),
	}}

	s := NewSynchronizer(fetcher, local, 0, func(res ConflictResolution) {
		conflicts = append(conflicts, res)
	})
	require.NoError(t, s.Reconcile(context.Background(), "canvas-1"))

	obj, _ := local.Object("obj-1")
	assert.Equal(t, int64(9), obj.Version)
	assert.Equal(t, 500.0, obj.X)

	require.Len(t, conflicts, 1, "resolutions are never silent")
	assert.Equal(t, "remote", conflicts[0].Winner)
	assert.Equal(t, "obj-1", conflicts[0].ObjectID)
}

func TestReconcileLocalNewerIsKept(t *testing.T) {
	var conflicts []ConflictResolution
	local := NewOptimisticManager(nil)

	fresh := trackedObject()
	fresh.UpdatedAt = time.Now()
	local.Track(fresh)

	fetcher := &staticFetcher{objects: []*core.CanvasObject{
		serverObject("obj-1", 2, time.Now().Add(-time.Minute)),
	}}

	s := NewSynchronizer(fetcher, local, 0, func(res ConflictResolution) {
		conflicts = append(conflicts, res)
	})
	require.NoError(t, s.Reconcile(context.Background(), "canvas-1"))

	obj, _ := local.Object("obj-1")
	assert.Equal(t, 10.0, obj.X, "local copy survives")

	require.Len(t, conflicts, 1)
	assert.Equal(t, "local", conflicts[0].Winner)
}

func TestReconcileDropsLocalOnlyObjects(t *testing.T) {
	var conflicts []ConflictResolution
	local := NewOptimisticManager(nil)
	local.Track(trackedObject())

	fetcher := &staticFetcher{objects: nil}
	s := NewSynchronizer(fetcher, local, 0, func(res ConflictResolution) {
		conflicts = append(conflicts, res)
	})
	require.NoError(t, s.Reconcile(context.Background(), "canvas-1"))

	_, ok := local.Object("obj-1")
	assert.False(t, ok)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "remote", conflicts[0].Winner)
}

func TestReconcileSkipsObjectsWithPendingMutations(t *testing.T) {
	local := NewOptimisticManager(nil)
	local.Track(trackedObject())
	_, err := local.Apply("canvas-1", "obj-1", "m-1", map[string]any{"x": 42.0})
	require.NoError(t, err)

	fetcher := &staticFetcher{objects: []*core.CanvasObject{
		serverObject("obj-1", 9, time.Now()),
	}}
	s := NewSynchronizer(fetcher, local, 0, nil)
	require.NoError(t, s.Reconcile(context.Background(), "canvas-1"))

	obj, _ := local.Object("obj-1")
	assert.Equal(t, 42.0, obj.X, "in-flight mutation owns the object")
}

func TestReconcileMatchingVersionsAreQuiet(t *testing.T) {
	var conflicts []ConflictResolution
	local := NewOptimisticManager(nil)
	local.Track(trackedObject())

	fetcher := &staticFetcher{objects: []*core.CanvasObject{
		func() *core.CanvasObject {
			o := trackedObject()
			return o
		}(),
	}}
	s := NewSynchronizer(fetcher, local, 0, func(res ConflictResolution) {
		conflicts = append(conflicts, res)
	})
	require.NoError(t, s.Reconcile(context.Background(), "canvas-1"))
	assert.Empty(t, conflicts)
}

func TestSynchronizerPeriodicLoop(t *testing.T) {
	local := NewOptimisticManager(nil)
	fetcher := &staticFetcher{objects: []*core.CanvasObject{
		serverObject("obj-1", 1, time.Now()),
	}}

	s := NewSynchronizer(fetcher, local, 20*time.Millisecond, nil)
	s.Start(context.Background(), "canvas-1")
	defer s.Stop()

	require.Eventually(t, func() bool {
		_, ok := local.Object("obj-1")
		return ok
	}, time.Second, 10*time.Millisecond)
}

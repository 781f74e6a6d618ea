package client

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"collabcanvas/core"
)

// RollbackHandler is invoked after a rejected mutation has been undone, with
// the rolled-back update and the error that caused the rejection.
type RollbackHandler func(update core.PendingUpdate, cause error)

type mutationKind int

const (
	kindUpdate mutationKind = iota
	kindCreate
	kindDelete
)

// OptimisticManager owns the client-side object projection. Mutations apply
// locally first and record reverse diffs; a server rejection re-applies the
// reverse diffs so the projection returns to its exact pre-mutation state.
// Every access goes through one mutex, so there is a single writer.
type OptimisticManager struct {
	mu         sync.Mutex
	objects    map[string]*core.CanvasObject
	pending    map[string]*core.PendingUpdate
	kinds      map[string]mutationKind
	inflight   map[string]string // objectID + "\x00" + property -> pendingID
	byObject   map[string]int    // pending update count per object
	onRollback RollbackHandler
}

func NewOptimisticManager(onRollback RollbackHandler) *OptimisticManager {
	return &OptimisticManager{
		objects:    make(map[string]*core.CanvasObject),
		pending:    make(map[string]*core.PendingUpdate),
		kinds:      make(map[string]mutationKind),
		inflight:   make(map[string]string),
		byObject:   make(map[string]int),
		onRollback: onRollback,
	}
}

func slotKey(objectID, property string) string {
	return objectID + "\x00" + property
}

// Track seeds the local projection with an authoritative object, replacing
// any prior copy.
func (m *OptimisticManager) Track(obj *core.CanvasObject) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[obj.ID] = obj.Clone()
}

// Object returns a copy of the local projection of one object.
func (m *OptimisticManager) Object(id string) (*core.CanvasObject, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[id]
	if !ok {
		return nil, false
	}
	return obj.Clone(), true
}

// Objects returns a copy of the whole local projection.
func (m *OptimisticManager) Objects() []*core.CanvasObject {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*core.CanvasObject, 0, len(m.objects))
	for _, obj := range m.objects {
		out = append(out, obj.Clone())
	}
	return out
}

// HasPending reports whether an object has any unacknowledged mutation.
func (m *OptimisticManager) HasPending(objectID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byObject[objectID] > 0
}

// Pending returns a copy of one pending update.
func (m *OptimisticManager) Pending(pendingID string) (core.PendingUpdate, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	update, ok := m.pending[pendingID]
	if !ok {
		return core.PendingUpdate{}, false
	}
	return *update, true
}

// Apply applies property changes to a tracked object immediately and records
// the reverse diffs. When a change touches a property that already has an
// unacknowledged mutation, the new update absorbs the earlier reverse diff,
// so there is at most one in-flight mutation per (object, property) and a
// later rollback restores the value from before the whole chain.
func (m *OptimisticManager) Apply(canvasID, objectID, mutationID string, changes map[string]any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[objectID]
	if !ok {
		return "", fmt.Errorf("object %q is not tracked", objectID)
	}

	// Coerce the whole batch before touching anything. A bad property or
	// value must leave the projection and every prior pending update intact.
	staged := make(map[string]any, len(changes))
	for property, after := range changes {
		if _, err := objectProperty(obj, property); err != nil {
			return "", err
		}
		value, err := coercePropertyValue(property, after)
		if err != nil {
			return "", err
		}
		staged[property] = value
	}

	update := &core.PendingUpdate{
		ID:          ulid.Make().String(),
		ObjectID:    objectID,
		CanvasID:    canvasID,
		MutationID:  mutationID,
		SubmittedAt: time.Now(),
		Status:      core.UpdatePending,
	}

	for property, after := range staged {
		before, _ := objectProperty(obj, property)
		if priorID, busy := m.inflight[slotKey(objectID, property)]; busy {
			before = m.absorbSlot(priorID, objectID, property, before)
		}

		update.Diffs = append(update.Diffs, core.PropertyDiff{
			Property: property,
			Before:   before,
			After:    after,
		})
		// Staged values are already coerced, so this cannot fail.
		_ = setObjectProperty(obj, property, after)
		m.inflight[slotKey(objectID, property)] = update.ID
	}

	m.pending[update.ID] = update
	m.kinds[update.ID] = kindUpdate
	m.byObject[objectID]++
	return update.ID, nil
}

// absorbSlot transfers ownership of one (object, property) slot from an
// earlier pending update to its successor and returns the original Before
// value. The earlier update is dropped once the successor absorbed all of
// its slots.
func (m *OptimisticManager) absorbSlot(priorID, objectID, property string, fallback any) any {
	prior, ok := m.pending[priorID]
	if !ok {
		return fallback
	}
	before := fallback
	kept := prior.Diffs[:0]
	for _, diff := range prior.Diffs {
		if diff.Property == property {
			before = diff.Before
			continue
		}
		kept = append(kept, diff)
	}
	prior.Diffs = kept
	if len(prior.Diffs) == 0 {
		delete(m.pending, priorID)
		delete(m.kinds, priorID)
		m.byObject[objectID]--
	}
	return before
}

// ApplyCreate adds a new object to the projection before the server has
// acknowledged it.
func (m *OptimisticManager) ApplyCreate(obj *core.CanvasObject, mutationID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.objects[obj.ID]; obj.ID != "" && exists {
		return "", fmt.Errorf("object %q already tracked", obj.ID)
	}
	localID := obj.ID
	if localID == "" {
		// Provisional id until the acknowledgement carries the server one.
		localID = "local-" + ulid.Make().String()
	}
	stored := obj.Clone()
	stored.ID = localID
	m.objects[localID] = stored

	update := &core.PendingUpdate{
		ID:          ulid.Make().String(),
		ObjectID:    localID,
		CanvasID:    obj.CanvasID,
		MutationID:  mutationID,
		SubmittedAt: time.Now(),
		Status:      core.UpdatePending,
	}
	m.pending[update.ID] = update
	m.kinds[update.ID] = kindCreate
	m.byObject[localID]++
	return update.ID, nil
}

// ApplyDelete removes an object from the projection and keeps the full
// object as the reverse diff.
func (m *OptimisticManager) ApplyDelete(canvasID, objectID, mutationID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[objectID]
	if !ok {
		return "", fmt.Errorf("object %q is not tracked", objectID)
	}
	removed := obj.Clone()
	delete(m.objects, objectID)

	update := &core.PendingUpdate{
		ID:          ulid.Make().String(),
		ObjectID:    objectID,
		CanvasID:    canvasID,
		MutationID:  mutationID,
		SubmittedAt: time.Now(),
		Status:      core.UpdatePending,
		Diffs: []core.PropertyDiff{
			{Property: "object", Before: removed, After: nil},
		},
	}
	m.pending[update.ID] = update
	m.kinds[update.ID] = kindDelete
	m.byObject[objectID]++
	return update.ID, nil
}

// Confirm resolves a pending update after the server acknowledged it.
// objectID is the server-assigned id for creates, empty otherwise.
func (m *OptimisticManager) Confirm(pendingID, objectID string, version int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	update, ok := m.pending[pendingID]
	if !ok {
		return
	}
	kind := m.kinds[pendingID]
	m.drop(update)
	update.Status = core.UpdateConfirmed

	obj, tracked := m.objects[update.ObjectID]
	if !tracked {
		return
	}
	if kind == kindCreate && objectID != "" && objectID != update.ObjectID {
		delete(m.objects, update.ObjectID)
		obj.ID = objectID
		m.objects[objectID] = obj
	}
	if version > 0 {
		obj.Version = version
	}
}

// Reject undoes a pending update by re-applying its reverse diffs, then
// reports the rollback. The projection is back to its pre-mutation state
// when the handler runs.
func (m *OptimisticManager) Reject(pendingID string, cause error) {
	m.mu.Lock()
	update, ok := m.pending[pendingID]
	if !ok {
		m.mu.Unlock()
		return
	}
	kind := m.kinds[pendingID]
	m.drop(update)
	update.Status = core.UpdateRolledBack

	switch kind {
	case kindCreate:
		delete(m.objects, update.ObjectID)
	case kindDelete:
		for _, diff := range update.Diffs {
			if restored, isObj := diff.Before.(*core.CanvasObject); isObj {
				m.objects[restored.ID] = restored.Clone()
			}
		}
	default:
		if obj, tracked := m.objects[update.ObjectID]; tracked {
			// Newest first, so chained values unwind in order.
			for i := len(update.Diffs) - 1; i >= 0; i-- {
				_ = setObjectProperty(obj, update.Diffs[i].Property, update.Diffs[i].Before)
			}
		}
	}
	snapshot := *update
	handler := m.onRollback
	m.mu.Unlock()

	if handler != nil {
		handler(snapshot, cause)
	}
}

// AdoptRemote replaces the local copy of an object with the authoritative
// one. Callers must ensure the object has no pending mutations.
func (m *OptimisticManager) AdoptRemote(obj *core.CanvasObject) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[obj.ID] = obj.Clone()
}

// RemoveLocal drops an object the server no longer has.
func (m *OptimisticManager) RemoveLocal(objectID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, objectID)
}

// drop removes bookkeeping for a resolved update. Caller holds the mutex.
func (m *OptimisticManager) drop(update *core.PendingUpdate) {
	delete(m.pending, update.ID)
	delete(m.kinds, update.ID)
	if m.byObject[update.ObjectID] > 0 {
		m.byObject[update.ObjectID]--
	}
	for _, diff := range update.Diffs {
		key := slotKey(update.ObjectID, diff.Property)
		if m.inflight[key] == update.ID {
			delete(m.inflight, key)
		}
	}
}

func objectProperty(obj *core.CanvasObject, property string) (any, error) {
	switch property {
	case "x":
		return obj.X, nil
	case "y":
		return obj.Y, nil
	case "width":
		return obj.Width, nil
	case "height":
		return obj.Height, nil
	case "rotation":
		return obj.Rotation, nil
	case "stroke":
		return obj.Stroke, nil
	case "fill":
		return obj.Fill, nil
	case "stroke_width":
		return obj.StrokeWidth, nil
	case "opacity":
		return obj.Opacity, nil
	case "text":
		return obj.Text, nil
	default:
		return nil, fmt.Errorf("property %q is not mutable", property)
	}
}

// coercePropertyValue normalizes a raw change value to the property's
// concrete type without touching any object.
func coercePropertyValue(property string, value any) (any, error) {
	switch property {
	case "x", "y", "width", "height", "rotation", "stroke_width", "opacity":
		number, ok := toFloat(value)
		if !ok {
			return nil, fmt.Errorf("property %q needs a numeric value", property)
		}
		return number, nil
	case "stroke", "fill", "text":
		text, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("property %q needs a string value", property)
		}
		return text, nil
	default:
		return nil, fmt.Errorf("property %q is not mutable", property)
	}
}

func setObjectProperty(obj *core.CanvasObject, property string, value any) error {
	coerced, err := coercePropertyValue(property, value)
	if err != nil {
		return err
	}
	switch property {
	case "x":
		obj.X = coerced.(float64)
	case "y":
		obj.Y = coerced.(float64)
	case "width":
		obj.Width = coerced.(float64)
	case "height":
		obj.Height = coerced.(float64)
	case "rotation":
		obj.Rotation = coerced.(float64)
	case "stroke_width":
		obj.StrokeWidth = coerced.(float64)
	case "opacity":
		obj.Opacity = coerced.(float64)
	case "stroke":
		obj.Stroke = coerced.(string)
	case "fill":
		obj.Fill = coerced.(string)
	case "text":
		obj.Text = coerced.(string)
	}
	return nil
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"collabcanvas/core"
)

// Store implements core.ObjectStore in process memory.
type Store struct {
	mu sync.RWMutex
	// canvases by id; objects keyed canvas id -> object id.
	canvases map[string]*core.Canvas
	objects  map[string]map[string]*core.CanvasObject
	// grants keyed user id -> canvas id -> level.
	grants map[string]map[string]core.PermissionLevel
}

// NewStore creates a new in-memory store.
func NewStore() *Store {
	return &Store{
		canvases: make(map[string]*core.Canvas),
		objects:  make(map[string]map[string]*core.CanvasObject),
		grants:   make(map[string]map[string]core.PermissionLevel),
	}
}

// SeedCanvas registers a canvas. Canvas records are owned by an external
// service in production; seeding exists for local runs and tests.
func (s *Store) SeedCanvas(canvas *core.Canvas) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if canvas.CreatedAt.IsZero() {
		canvas.CreatedAt = now
	}
	canvas.UpdatedAt = now
	s.canvases[canvas.ID] = canvas
	if _, ok := s.objects[canvas.ID]; !ok {
		s.objects[canvas.ID] = make(map[string]*core.CanvasObject)
	}
}

// Grant gives a user an access level on a canvas.
func (s *Store) Grant(userID, canvasID string, level core.PermissionLevel) {
	s.mu.Lock()
	defer s.mu.Unlock()

	grants, ok := s.grants[userID]
	if !ok {
		grants = make(map[string]core.PermissionLevel)
		s.grants[userID] = grants
	}
	grants[canvasID] = level
}

func (s *Store) GetCanvas(ctx context.Context, canvasID string) (*core.Canvas, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	canvas, ok := s.canvases[canvasID]
	if !ok {
		return nil, core.ErrCanvasNotFound
	}
	copied := *canvas
	return &copied, nil
}

func (s *Store) GetObjects(ctx context.Context, canvasID string) ([]*core.CanvasObject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.canvases[canvasID]; !ok {
		return nil, core.ErrCanvasNotFound
	}

	objects := make([]*core.CanvasObject, 0, len(s.objects[canvasID]))
	for _, object := range s.objects[canvasID] {
		objects = append(objects, object.Clone())
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].ID < objects[j].ID })
	return objects, nil
}

func (s *Store) CreateObject(ctx context.Context, object *core.CanvasObject) (*core.CanvasObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.canvases[object.CanvasID]; !ok {
		return nil, core.ErrCanvasNotFound
	}

	created := object.Clone()
	created.ID = ulid.Make().String()
	created.Version = 1
	created.UpdatedAt = time.Now()
	s.objects[object.CanvasID][created.ID] = created

	logrus.WithFields(logrus.Fields{
		"canvas_id": created.CanvasID,
		"object_id": created.ID,
	}).Debug("Object created")
	return created.Clone(), nil
}

func (s *Store) UpdateObject(ctx context.Context, object *core.CanvasObject) (*core.CanvasObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	canvasObjects, ok := s.objects[object.CanvasID]
	if !ok {
		return nil, core.ErrCanvasNotFound
	}
	existing, ok := canvasObjects[object.ID]
	if !ok {
		return nil, core.ErrObjectNotFound
	}

	updated := object.Clone()
	updated.Version = existing.Version + 1
	updated.UpdatedAt = time.Now()
	canvasObjects[object.ID] = updated
	return updated.Clone(), nil
}

func (s *Store) DeleteObject(ctx context.Context, canvasID, objectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	canvasObjects, ok := s.objects[canvasID]
	if !ok {
		return core.ErrCanvasNotFound
	}
	if _, ok := canvasObjects[objectID]; !ok {
		return core.ErrObjectNotFound
	}
	delete(canvasObjects, objectID)
	return nil
}

// levelRank orders permission levels so a stronger grant satisfies a weaker
// requirement.
func levelRank(level core.PermissionLevel) int {
	switch level {
	case core.PermissionView:
		return 1
	case core.PermissionEdit:
		return 2
	case core.PermissionOwn:
		return 3
	default:
		return 0
	}
}

func (s *Store) CheckPermission(ctx context.Context, userID, canvasID string, level core.PermissionLevel) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	canvas, ok := s.canvases[canvasID]
	if !ok {
		return false, core.ErrCanvasNotFound
	}
	if canvas.OwnerID == userID {
		return true, nil
	}
	granted, ok := s.grants[userID][canvasID]
	if !ok {
		return false, nil
	}
	return levelRank(granted) >= levelRank(level), nil
}

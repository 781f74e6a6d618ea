package filesystem

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"collabcanvas/core"
)

// fileStore keeps each canvas under its own directory:
//
//	<base>/canvases/<canvas>/meta.json
//	<base>/canvases/<canvas>/acl.json
//	<base>/canvases/<canvas>/objects/<object>.json
//
// A single process-wide mutex serializes writes; this backend targets small
// single-instance deployments.
type fileStore struct {
	mu       sync.Mutex
	basePath string
}

// NewStore creates a new filesystem-based store rooted at basePath.
func NewStore(basePath string) *fileStore {
	if err := os.MkdirAll(filepath.Join(basePath, "canvases"), 0o755); err != nil {
		logrus.WithField("basePath", basePath).WithError(err).Fatal("Failed to create storage directory")
	}
	return &fileStore{basePath: basePath}
}

func (s *fileStore) canvasDir(canvasID string) (string, error) {
	// Canvas ids become directory names; refuse anything path-like.
	if canvasID == "" || filepath.Base(canvasID) != canvasID {
		return "", fmt.Errorf("invalid canvas id %q", canvasID)
	}
	return filepath.Join(s.basePath, "canvases", canvasID), nil
}

func readJSON(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func writeJSON(path string, in any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// SeedCanvas registers a canvas, for local runs and tests.
func (s *fileStore) SeedCanvas(canvas *core.Canvas) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := s.canvasDir(canvas.ID)
	if err != nil {
		return err
	}
	now := time.Now()
	if canvas.CreatedAt.IsZero() {
		canvas.CreatedAt = now
	}
	canvas.UpdatedAt = now
	type storedCanvas struct {
		core.Canvas
		OwnerID string `json:"owner_id"`
	}
	return writeJSON(filepath.Join(dir, "meta.json"), storedCanvas{Canvas: *canvas, OwnerID: canvas.OwnerID})
}

// Grant gives a user an access level on a canvas.
func (s *fileStore) Grant(userID, canvasID string, level core.PermissionLevel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := s.canvasDir(canvasID)
	if err != nil {
		return err
	}
	aclPath := filepath.Join(dir, "acl.json")
	acl := map[string]core.PermissionLevel{}
	if err := readJSON(aclPath, &acl); err != nil && !os.IsNotExist(err) {
		return err
	}
	acl[userID] = level
	return writeJSON(aclPath, acl)
}

func (s *fileStore) loadCanvas(canvasID string) (*core.Canvas, error) {
	dir, err := s.canvasDir(canvasID)
	if err != nil {
		return nil, core.ErrCanvasNotFound
	}
	var stored struct {
		core.Canvas
		OwnerID string `json:"owner_id"`
	}
	if err := readJSON(filepath.Join(dir, "meta.json"), &stored); err != nil {
		if os.IsNotExist(err) {
			return nil, core.ErrCanvasNotFound
		}
		return nil, err
	}
	canvas := stored.Canvas
	canvas.OwnerID = stored.OwnerID
	return &canvas, nil
}

func (s *fileStore) GetCanvas(ctx context.Context, canvasID string) (*core.Canvas, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadCanvas(canvasID)
}

func (s *fileStore) GetObjects(ctx context.Context, canvasID string) ([]*core.CanvasObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.loadCanvas(canvasID); err != nil {
		return nil, err
	}
	dir, _ := s.canvasDir(canvasID)
	entries, err := os.ReadDir(filepath.Join(dir, "objects"))
	if err != nil {
		if os.IsNotExist(err) {
			return []*core.CanvasObject{}, nil
		}
		return nil, err
	}

	objects := make([]*core.CanvasObject, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		var object core.CanvasObject
		if err := readJSON(filepath.Join(dir, "objects", entry.Name()), &object); err != nil {
			return nil, err
		}
		objects = append(objects, &object)
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].ID < objects[j].ID })
	return objects, nil
}

func (s *fileStore) objectPath(canvasID, objectID string) (string, error) {
	dir, err := s.canvasDir(canvasID)
	if err != nil {
		return "", err
	}
	if objectID == "" || filepath.Base(objectID) != objectID {
		return "", fmt.Errorf("invalid object id %q", objectID)
	}
	return filepath.Join(dir, "objects", objectID+".json"), nil
}

func (s *fileStore) CreateObject(ctx context.Context, object *core.CanvasObject) (*core.CanvasObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.loadCanvas(object.CanvasID); err != nil {
		return nil, err
	}

	created := object.Clone()
	created.ID = ulid.Make().String()
	created.Version = 1
	created.UpdatedAt = time.Now()

	path, err := s.objectPath(created.CanvasID, created.ID)
	if err != nil {
		return nil, err
	}
	if err := writeJSON(path, created); err != nil {
		return nil, err
	}
	return created, nil
}

func (s *fileStore) UpdateObject(ctx context.Context, object *core.CanvasObject) (*core.CanvasObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.loadCanvas(object.CanvasID); err != nil {
		return nil, err
	}
	path, err := s.objectPath(object.CanvasID, object.ID)
	if err != nil {
		return nil, err
	}

	var existing core.CanvasObject
	if err := readJSON(path, &existing); err != nil {
		if os.IsNotExist(err) {
			return nil, core.ErrObjectNotFound
		}
		return nil, err
	}

	updated := object.Clone()
	updated.Version = existing.Version + 1
	updated.UpdatedAt = time.Now()
	if err := writeJSON(path, updated); err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *fileStore) DeleteObject(ctx context.Context, canvasID, objectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.loadCanvas(canvasID); err != nil {
		return err
	}
	path, err := s.objectPath(canvasID, objectID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return core.ErrObjectNotFound
		}
		return err
	}
	return nil
}

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

func (s *fileStore) CheckPermission(ctx context.Context, userID, canvasID string, level core.PermissionLevel) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	canvas, err := s.loadCanvas(canvasID)
	if err != nil {
		return false, err
	}
	if canvas.OwnerID == userID {
		return true, nil
	}

	dir, _ := s.canvasDir(canvasID)
	acl := map[string]core.PermissionLevel{}
	if err := readJSON(filepath.Join(dir, "acl.json"), &acl); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	granted, ok := acl[userID]
	if !ok {
		return false, nil
	}
	return levelRank(granted) >= levelRank(level), nil
}

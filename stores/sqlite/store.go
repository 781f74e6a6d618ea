package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"collabcanvas/core"
)

type sqliteStore struct {
	db *sql.DB
}

// NewStore creates a new SQLite-backed store.
func NewStore(dataSourceName string) *sqliteStore {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		log.Fatalf("failed to open sqlite database: %v", err)
	}

	canvasTableStmt := `
	CREATE TABLE IF NOT EXISTS canvases (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		name TEXT,
		created_at DATETIME,
		updated_at DATETIME
	);`
	if _, err = db.Exec(canvasTableStmt); err != nil {
		log.Fatalf("failed to create canvases table: %v", err)
	}

	// Object attributes live in a JSON payload so unknown client fields
	// survive a round trip through storage.
	objectTableStmt := `
	CREATE TABLE IF NOT EXISTS objects (
		id TEXT NOT NULL,
		canvas_id TEXT NOT NULL,
		payload BLOB NOT NULL,
		version INTEGER NOT NULL,
		updated_at DATETIME,
		PRIMARY KEY (canvas_id, id)
	);`
	if _, err = db.Exec(objectTableStmt); err != nil {
		log.Fatalf("failed to create objects table: %v", err)
	}

	grantTableStmt := `
	CREATE TABLE IF NOT EXISTS grants (
		user_id TEXT NOT NULL,
		canvas_id TEXT NOT NULL,
		level TEXT NOT NULL,
		PRIMARY KEY (user_id, canvas_id)
	);`
	if _, err = db.Exec(grantTableStmt); err != nil {
		log.Fatalf("failed to create grants table: %v", err)
	}

	return &sqliteStore{db}
}

// SeedCanvas registers a canvas, for local runs and tests.
func (s *sqliteStore) SeedCanvas(canvas *core.Canvas) error {
	now := time.Now()
	if canvas.CreatedAt.IsZero() {
		canvas.CreatedAt = now
	}
	canvas.UpdatedAt = now
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO canvases (id, owner_id, name, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		canvas.ID, canvas.OwnerID, canvas.Name, canvas.CreatedAt, canvas.UpdatedAt,
	)
	return err
}

// Grant gives a user an access level on a canvas.
func (s *sqliteStore) Grant(userID, canvasID string, level core.PermissionLevel) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO grants (user_id, canvas_id, level) VALUES (?, ?, ?)",
		userID, canvasID, string(level),
	)
	return err
}

func (s *sqliteStore) GetCanvas(ctx context.Context, canvasID string) (*core.Canvas, error) {
	var canvas core.Canvas
	err := s.db.QueryRowContext(ctx,
		"SELECT id, owner_id, name, created_at, updated_at FROM canvases WHERE id = ?", canvasID,
	).Scan(&canvas.ID, &canvas.OwnerID, &canvas.Name, &canvas.CreatedAt, &canvas.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, core.ErrCanvasNotFound
	}
	if err != nil {
		logrus.WithField("canvas_id", canvasID).WithError(err).Error("Failed to load canvas")
		return nil, err
	}
	return &canvas, nil
}

func (s *sqliteStore) canvasExists(ctx context.Context, canvasID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM canvases WHERE id = ?", canvasID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) GetObjects(ctx context.Context, canvasID string) ([]*core.CanvasObject, error) {
	exists, err := s.canvasExists(ctx, canvasID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, core.ErrCanvasNotFound
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT payload FROM objects WHERE canvas_id = ? ORDER BY id", canvasID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var objects []*core.CanvasObject
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var object core.CanvasObject
		if err := json.Unmarshal(payload, &object); err != nil {
			return nil, err
		}
		objects = append(objects, &object)
	}
	if objects == nil {
		objects = []*core.CanvasObject{}
	}
	return objects, rows.Err()
}

func (s *sqliteStore) writeObject(ctx context.Context, object *core.CanvasObject) error {
	payload, err := json.Marshal(object)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO objects (id, canvas_id, payload, version, updated_at) VALUES (?, ?, ?, ?, ?)",
		object.ID, object.CanvasID, payload, object.Version, object.UpdatedAt)
	return err
}

func (s *sqliteStore) CreateObject(ctx context.Context, object *core.CanvasObject) (*core.CanvasObject, error) {
	exists, err := s.canvasExists(ctx, object.CanvasID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, core.ErrCanvasNotFound
	}

	created := object.Clone()
	created.ID = ulid.Make().String()
	created.Version = 1
	created.UpdatedAt = time.Now()
	if err := s.writeObject(ctx, created); err != nil {
		logrus.WithFields(logrus.Fields{
			"canvas_id": created.CanvasID,
			"object_id": created.ID,
		}).WithError(err).Error("Failed to create object")
		return nil, err
	}
	return created, nil
}

func (s *sqliteStore) UpdateObject(ctx context.Context, object *core.CanvasObject) (*core.CanvasObject, error) {
	var version int64
	err := s.db.QueryRowContext(ctx,
		"SELECT version FROM objects WHERE canvas_id = ? AND id = ?",
		object.CanvasID, object.ID).Scan(&version)
	if err == sql.ErrNoRows {
		exists, existsErr := s.canvasExists(ctx, object.CanvasID)
		if existsErr != nil {
			return nil, existsErr
		}
		if !exists {
			return nil, core.ErrCanvasNotFound
		}
		return nil, core.ErrObjectNotFound
	}
	if err != nil {
		return nil, err
	}

	updated := object.Clone()
	updated.Version = version + 1
	updated.UpdatedAt = time.Now()
	if err := s.writeObject(ctx, updated); err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *sqliteStore) DeleteObject(ctx context.Context, canvasID, objectID string) error {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM objects WHERE canvas_id = ? AND id = ?", canvasID, objectID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		exists, existsErr := s.canvasExists(ctx, canvasID)
		if existsErr != nil {
			return existsErr
		}
		if !exists {
			return core.ErrCanvasNotFound
		}
		return core.ErrObjectNotFound
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

func (s *sqliteStore) CheckPermission(ctx context.Context, userID, canvasID string, level core.PermissionLevel) (bool, error) {
	var ownerID string
	err := s.db.QueryRowContext(ctx,
		"SELECT owner_id FROM canvases WHERE id = ?", canvasID).Scan(&ownerID)
	if err == sql.ErrNoRows {
		return false, core.ErrCanvasNotFound
	}
	if err != nil {
		return false, err
	}
	if ownerID == userID {
		return true, nil
	}

	var granted string
	err = s.db.QueryRowContext(ctx,
		"SELECT level FROM grants WHERE user_id = ? AND canvas_id = ?",
		userID, canvasID).Scan(&granted)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return levelRank(core.PermissionLevel(granted)) >= levelRank(level), nil
}

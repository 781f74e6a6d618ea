package aws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/oklog/ulid/v2"

	"collabcanvas/core"
)

// s3Store keeps each canvas as a key prefix:
//
//	canvases/<canvas>/meta.json
//	canvases/<canvas>/acl.json
//	canvases/<canvas>/objects/<object>.json
type s3Store struct {
	s3Client *s3.Client
	bucket   string
}

// NewStore creates a new S3-based store.
func NewStore(bucketName string) *s3Store {
	cfg, err := config.LoadDefaultConfig(context.TODO())
	if err != nil {
		log.Fatalf("unable to load SDK config, %v", err)
	}

	return &s3Store{
		s3Client: s3.NewFromConfig(cfg),
		bucket:   bucketName,
	}
}

func canvasKey(canvasID, name string) (string, error) {
	// Canvas ids become key segments; refuse anything path-like.
	if canvasID == "" || path.Base(canvasID) != canvasID {
		return "", fmt.Errorf("invalid canvas id %q", canvasID)
	}
	return path.Join("canvases", canvasID, name), nil
}

func (s *s3Store) getJSON(ctx context.Context, key string, out any) error {
	resp, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return core.ErrObjectNotFound
		}
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func (s *s3Store) putJSON(ctx context.Context, key string, in any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	_, err = s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	return err
}

type storedCanvas struct {
	core.Canvas
	OwnerID string `json:"owner_id"`
}

// SeedCanvas registers a canvas, for local runs and tests.
func (s *s3Store) SeedCanvas(ctx context.Context, canvas *core.Canvas) error {
	key, err := canvasKey(canvas.ID, "meta.json")
	if err != nil {
		return err
	}
	now := time.Now()
	if canvas.CreatedAt.IsZero() {
		canvas.CreatedAt = now
	}
	canvas.UpdatedAt = now
	return s.putJSON(ctx, key, storedCanvas{Canvas: *canvas, OwnerID: canvas.OwnerID})
}

// Grant gives a user an access level on a canvas.
func (s *s3Store) Grant(ctx context.Context, userID, canvasID string, level core.PermissionLevel) error {
	key, err := canvasKey(canvasID, "acl.json")
	if err != nil {
		return err
	}
	acl := map[string]core.PermissionLevel{}
	if err := s.getJSON(ctx, key, &acl); err != nil && !errors.Is(err, core.ErrObjectNotFound) {
		return err
	}
	acl[userID] = level
	return s.putJSON(ctx, key, acl)
}

func (s *s3Store) GetCanvas(ctx context.Context, canvasID string) (*core.Canvas, error) {
	key, err := canvasKey(canvasID, "meta.json")
	if err != nil {
		return nil, core.ErrCanvasNotFound
	}
	var stored storedCanvas
	if err := s.getJSON(ctx, key, &stored); err != nil {
		if errors.Is(err, core.ErrObjectNotFound) {
			return nil, core.ErrCanvasNotFound
		}
		return nil, err
	}
	canvas := stored.Canvas
	canvas.OwnerID = stored.OwnerID
	return &canvas, nil
}

func (s *s3Store) GetObjects(ctx context.Context, canvasID string) ([]*core.CanvasObject, error) {
	if _, err := s.GetCanvas(ctx, canvasID); err != nil {
		return nil, err
	}
	prefix, err := canvasKey(canvasID, "objects")
	if err != nil {
		return nil, err
	}

	objects := []*core.CanvasObject{}
	var continuation *string
	for {
		page, err := s.s3Client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix + "/"),
			ContinuationToken: continuation,
		})
		if err != nil {
			return nil, err
		}
		for _, item := range page.Contents {
			var object core.CanvasObject
			if err := s.getJSON(ctx, *item.Key, &object); err != nil {
				return nil, err
			}
			objects = append(objects, &object)
		}
		if page.IsTruncated == nil || !*page.IsTruncated {
			break
		}
		continuation = page.NextContinuationToken
	}
	return objects, nil
}

func (s *s3Store) CreateObject(ctx context.Context, object *core.CanvasObject) (*core.CanvasObject, error) {
	if _, err := s.GetCanvas(ctx, object.CanvasID); err != nil {
		return nil, err
	}

	created := object.Clone()
	created.ID = ulid.Make().String()
	created.Version = 1
	created.UpdatedAt = time.Now()

	key, err := canvasKey(created.CanvasID, path.Join("objects", created.ID+".json"))
	if err != nil {
		return nil, err
	}
	if err := s.putJSON(ctx, key, created); err != nil {
		return nil, err
	}
	return created, nil
}

func (s *s3Store) UpdateObject(ctx context.Context, object *core.CanvasObject) (*core.CanvasObject, error) {
	if _, err := s.GetCanvas(ctx, object.CanvasID); err != nil {
		return nil, err
	}
	key, err := canvasKey(object.CanvasID, path.Join("objects", object.ID+".json"))
	if err != nil {
		return nil, err
	}

	var existing core.CanvasObject
	if err := s.getJSON(ctx, key, &existing); err != nil {
		return nil, err
	}

	updated := object.Clone()
	updated.Version = existing.Version + 1
	updated.UpdatedAt = time.Now()
	if err := s.putJSON(ctx, key, updated); err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *s3Store) DeleteObject(ctx context.Context, canvasID, objectID string) error {
	if _, err := s.GetCanvas(ctx, canvasID); err != nil {
		return err
	}
	key, err := canvasKey(canvasID, path.Join("objects", objectID+".json"))
	if err != nil {
		return err
	}

	// DeleteObject is idempotent on S3, so probe first to report not-found.
	var existing core.CanvasObject
	if err := s.getJSON(ctx, key, &existing); err != nil {
		return err
	}
	_, err = s.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	return err
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

func (s *s3Store) CheckPermission(ctx context.Context, userID, canvasID string, level core.PermissionLevel) (bool, error) {
	canvas, err := s.GetCanvas(ctx, canvasID)
	if err != nil {
		return false, err
	}
	if canvas.OwnerID == userID {
		return true, nil
	}

	key, err := canvasKey(canvasID, "acl.json")
	if err != nil {
		return false, err
	}
	acl := map[string]core.PermissionLevel{}
	if err := s.getJSON(ctx, key, &acl); err != nil {
		if errors.Is(err, core.ErrObjectNotFound) {
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

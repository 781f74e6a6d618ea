package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabcanvas/breaker"
	"collabcanvas/core"
	"collabcanvas/dedup"
	"collabcanvas/handlers/auth"
	"collabcanvas/limiter"
	"collabcanvas/presence"
	memorystore "collabcanvas/stores/memory"
)

// fakeAuth resolves "token-<user>" to "<user>" and rejects everything else.
func fakeAuth(credential string) (string, error) {
	const prefix = "token-"
	if len(credential) > len(prefix) && credential[:len(prefix)] == prefix {
		return credential[len(prefix):], nil
	}
	return "", core.NewUnauthorizedError("invalid credential")
}

type fixture struct {
	pipe  *Pipeline
	store *memorystore.Store
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	store := memorystore.NewStore()
	store.SeedCanvas(&core.Canvas{ID: "canvas-1", OwnerID: "owner", Name: "shared board"})
	store.Grant("alice", "canvas-1", core.PermissionEdit)
	store.Grant("viewer", "canvas-1", core.PermissionView)

	breakers := breaker.NewRegistry()
	breakers.RegisterDefaults()

	opts = append([]Option{WithAuthenticator(fakeAuth)}, opts...)
	pipe := New(
		store,
		breakers,
		limiter.NewMemoryLimiter(nil),
		presence.NewMemoryTracker(30*time.Second),
		dedup.NewMemoryRegistry(10*time.Minute),
		opts...,
	)
	return &fixture{pipe: pipe, store: store}
}

func joinEvent(credential string) EventContext {
	return EventContext{
		Event:      core.EventJoinCanvas,
		ConnID:     "conn-1",
		RemoteAddr: "10.0.0.1:40000",
		Raw:        map[string]any{"canvas_id": "canvas-1", "credential": credential},
	}
}

func mutationEvent(event, credential, mutationID string) EventContext {
	raw := map[string]any{
		"canvas_id":   "canvas-1",
		"credential":  credential,
		"mutation_id": mutationID,
		"object": map[string]any{
			"type":   "rectangle",
			"x":      1.0,
			"y":      2.0,
			"width":  30.0,
			"height": 40.0,
		},
	}
	return EventContext{
		Event:      event,
		ConnID:     "conn-1",
		RemoteAddr: "10.0.0.1:40000",
		Raw:        raw,
	}
}

func requireCode(t *testing.T, err error, code core.ErrorCode) *core.SyncError {
	t.Helper()
	var syncErr *core.SyncError
	require.ErrorAs(t, err, &syncErr)
	require.Equal(t, code, syncErr.Code)
	return syncErr
}

func TestProcessJoinHappyPath(t *testing.T) {
	f := newFixture(t)

	result, err := f.pipe.ProcessJoin(context.Background(), joinEvent("token-alice"))
	require.NoError(t, err)
	assert.Equal(t, "alice", result.Context.UserID)
	assert.Equal(t, "canvas-1", result.Canvas.ID)
	require.Len(t, result.Presence.Users, 1)
	assert.Equal(t, "alice", result.Presence.Users[0].UserID)
}

func TestValidationRunsBeforeAuthentication(t *testing.T) {
	f := newFixture(t)

	// Both the payload and the credential are bad; the validation failure
	// must win because its stage runs first.
	ec := EventContext{
		Event:      core.EventJoinCanvas,
		RemoteAddr: "10.0.0.1:40000",
		Raw:        map[string]any{"credential": "garbage"},
	}
	_, err := f.pipe.Run(context.Background(), ec)
	syncErr := requireCode(t, err, core.CodeValidationFailed)
	assert.Equal(t, "canvas_id", syncErr.Field)
}

func TestInvalidCredentialRejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.pipe.ProcessJoin(context.Background(), joinEvent("garbage"))
	requireCode(t, err, core.CodeUnauthorized)
}

func TestExpiredCredentialRejected(t *testing.T) {
	auth.SetSecret([]byte("test-secret"))
	f := newFixture(t, WithAuthenticator(func(credential string) (string, error) {
		claims, err := auth.ParseCredential(credential)
		if err != nil {
			return "", err
		}
		return claims.UserID(), nil
	}))

	expired, err := auth.SignCredential("alice", "alice", -time.Minute)
	require.NoError(t, err)

	_, err = f.pipe.ProcessJoin(context.Background(), joinEvent(expired))
	requireCode(t, err, core.CodeUnauthorized)
}

func TestPerMessageCredentialOverridesSession(t *testing.T) {
	f := newFixture(t)

	ec := joinEvent("token-alice")
	ec.SessionUserID = "somebody-else"
	result, err := f.pipe.ProcessJoin(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, "alice", result.Context.UserID)
}

func TestLeaveUsesSessionIdentity(t *testing.T) {
	f := newFixture(t)

	ec := EventContext{
		Event:         core.EventLeaveCanvas,
		SessionUserID: "alice",
		Raw:           map[string]any{"canvas_id": "canvas-1"},
	}
	out, err := f.pipe.Run(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, "alice", out.UserID)
}

func TestViewerCannotMutate(t *testing.T) {
	f := newFixture(t)

	_, err := f.pipe.ProcessMutation(context.Background(),
		mutationEvent(core.EventObjectCreated, "token-viewer", "m-1"))
	requireCode(t, err, core.CodeForbidden)
}

func TestStrangerCannotJoin(t *testing.T) {
	f := newFixture(t)

	_, err := f.pipe.ProcessJoin(context.Background(), joinEvent("token-mallory"))
	requireCode(t, err, core.CodeForbidden)
}

func TestJoinUnknownCanvas(t *testing.T) {
	f := newFixture(t)

	ec := joinEvent("token-alice")
	ec.Raw["canvas_id"] = "nope"
	_, err := f.pipe.ProcessJoin(context.Background(), ec)
	// Permission lookup answers first for a canvas nobody was granted on.
	var syncErr *core.SyncError
	require.ErrorAs(t, err, &syncErr)
	assert.Contains(t, []core.ErrorCode{core.CodeForbidden, core.CodeCanvasNotFound}, syncErr.Code)
}

func TestCursorBudgetExhaustion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cursor := func() EventContext {
		return EventContext{
			Event:      core.EventCursorMove,
			RemoteAddr: "10.0.0.1:40000",
			Raw: map[string]any{
				"canvas_id":  "canvas-1",
				"credential": "token-alice",
				"x":          1.0,
				"y":          2.0,
			},
		}
	}

	for i := 0; i < 60; i++ {
		_, _, err := f.pipe.ProcessCursor(ctx, cursor())
		require.NoError(t, err, "cursor move %d should be within budget", i+1)
	}

	_, _, err := f.pipe.ProcessCursor(ctx, cursor())
	syncErr := requireCode(t, err, core.CodeRateLimited)
	assert.GreaterOrEqual(t, syncErr.RetryAfter, 1)
}

func TestAnonymousAddrBudget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// No session identity and a bad credential: every attempt charges the
	// per-address budget until it runs out.
	for i := 0; i < limiter.AnonymousBudget.Limit; i++ {
		_, err := f.pipe.ProcessJoin(ctx, joinEvent("garbage"))
		requireCode(t, err, core.CodeUnauthorized)
	}
	_, err := f.pipe.ProcessJoin(ctx, joinEvent("garbage"))
	requireCode(t, err, core.CodeRateLimited)
}

func TestMutationAppliesAndAcks(t *testing.T) {
	f := newFixture(t)

	result, err := f.pipe.ProcessMutation(context.Background(),
		mutationEvent(core.EventObjectCreated, "token-alice", "m-1"))
	require.NoError(t, err)
	assert.Equal(t, "m-1", result.Ack.MutationID)
	assert.NotEmpty(t, result.Ack.ObjectID)
	assert.Equal(t, int64(1), result.Ack.Version)
	assert.False(t, result.Ack.Duplicate)
	require.NotNil(t, result.Broadcast)
	assert.Equal(t, "alice", result.Broadcast.ActorID)

	objects, err := f.store.GetObjects(context.Background(), "canvas-1")
	require.NoError(t, err)
	assert.Len(t, objects, 1)
}

func TestDuplicateMutationDoesNotReapply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.pipe.ProcessMutation(ctx,
		mutationEvent(core.EventObjectCreated, "token-alice", "m-dup"))
	require.NoError(t, err)

	second, err := f.pipe.ProcessMutation(ctx,
		mutationEvent(core.EventObjectCreated, "token-alice", "m-dup"))
	require.NoError(t, err)
	assert.True(t, second.Ack.Duplicate)
	assert.Equal(t, first.Ack.ObjectID, second.Ack.ObjectID)
	assert.Equal(t, first.Ack.Version, second.Ack.Version)
	assert.Nil(t, second.Broadcast, "duplicates must not fan out twice")

	objects, err := f.store.GetObjects(ctx, "canvas-1")
	require.NoError(t, err)
	assert.Len(t, objects, 1)
}

func TestFailedMutationReleasesClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	update := mutationEvent(core.EventObjectUpdated, "token-alice", "m-retry")
	update.Raw["object"].(map[string]any)["id"] = "missing-object"

	_, err := f.pipe.ProcessMutation(ctx, update)
	requireCode(t, err, core.CodeCanvasNotFound)

	// The claim was released, so creating the object and retrying the same
	// mutation id applies instead of acknowledging a duplicate.
	created, err := f.pipe.ProcessMutation(ctx,
		mutationEvent(core.EventObjectCreated, "token-alice", "m-retry"))
	require.NoError(t, err)
	assert.False(t, created.Ack.Duplicate)
}

// brokenStore answers permission checks but fails every write.
type brokenStore struct {
	*memorystore.Store
}

func (b *brokenStore) CreateObject(ctx context.Context, object *core.CanvasObject) (*core.CanvasObject, error) {
	return nil, errors.New("disk on fire")
}

func TestPersistenceBreakerOpensOnRepeatedFailure(t *testing.T) {
	ctx := context.Background()

	inner := memorystore.NewStore()
	inner.SeedCanvas(&core.Canvas{ID: "canvas-1", OwnerID: "owner"})
	inner.Grant("alice", "canvas-1", core.PermissionEdit)

	breakers := breaker.NewRegistry()
	breakers.RegisterDefaults()
	breakers.Register(breaker.Persistence, breaker.Settings{
		FailureThreshold: 3,
		RecoveryTimeout:  time.Minute,
		HalfOpenMaxCalls: 1,
	})

	pipe := New(
		&brokenStore{Store: inner},
		breakers,
		limiter.NewMemoryLimiter(nil),
		presence.NewMemoryTracker(30*time.Second),
		dedup.NewMemoryRegistry(10*time.Minute),
		WithAuthenticator(fakeAuth),
	)

	for i := 0; i < 3; i++ {
		_, err := pipe.ProcessMutation(ctx,
			mutationEvent(core.EventObjectCreated, "token-alice", "m-fail"))
		requireCode(t, err, core.CodeInternalError)
	}

	_, err := pipe.ProcessMutation(ctx,
		mutationEvent(core.EventObjectCreated, "token-alice", "m-fail"))
	requireCode(t, err, core.CodeCircuitOpen)
}

func TestProcessPresenceUpdatesStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.pipe.ProcessJoin(ctx, joinEvent("token-alice"))
	require.NoError(t, err)

	ec := EventContext{
		Event:      core.EventPresenceUpdate,
		RemoteAddr: "10.0.0.1:40000",
		Raw: map[string]any{
			"canvas_id":  "canvas-1",
			"credential": "token-alice",
			"status":     "away",
		},
	}
	_, state, err := f.pipe.ProcessPresence(ctx, ec)
	require.NoError(t, err)
	require.Len(t, state.Users, 1)
	assert.Equal(t, core.PresenceAway, state.Users[0].Status)
}

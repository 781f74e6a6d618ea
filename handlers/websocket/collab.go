package websocket

import (
	"context"
	"os"
	"reflect"
	"regexp"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zishang520/engine.io/v2/types"
	socketio "github.com/zishang520/socket.io/v2/socket"

	"collabcanvas/core"
	"collabcanvas/pipeline"
)

// eventTimeout bounds the slow path of one event (auth, permission check,
// persistence) so a stuck dependency cannot pin a handler goroutine forever.
const eventTimeout = 10 * time.Second

type ackInvoker func(payload map[string]any)

// Handler owns the realtime side: the socket.io server, per-connection
// sessions, and the room membership index. All event semantics live in the
// pipeline; this layer only parses, dispatches and emits.
type Handler struct {
	pipe     *pipeline.Pipeline
	sessions *SessionRegistry
	rooms    *RoomIndex
	srv      *socketio.Server
}

func NewHandler(pipe *pipeline.Pipeline) *Handler {
	return &Handler{
		pipe:     pipe,
		sessions: NewSessionRegistry(),
		rooms:    NewRoomIndex(),
	}
}

// RoomStats reports live connection counts per canvas.
func (h *Handler) RoomStats() map[string]int {
	return h.rooms.Counts()
}

// BroadcastObject fans a mutation that arrived over another channel out to
// the canvas room. The payload carries actor_id so the originator's client
// can drop its own echo.
func (h *Handler) BroadcastObject(event string, b *core.ObjectBroadcast) {
	h.srv.To(socketio.Room(b.CanvasID)).Emit(event, b)
}

// BroadcastPresence pushes a fresh presence snapshot to a canvas room.
func (h *Handler) BroadcastPresence(state *core.PresenceState) {
	h.srv.To(socketio.Room(state.CanvasID)).Emit(core.EventPresenceState, state)
}

// Setup builds the socket.io server and wires the event handlers. Every
// handler body runs on its own goroutine: slow I/O for one connection must
// never hold up delivery to the others.
func (h *Handler) Setup() *socketio.Server {
	opts := socketio.DefaultServerOptions()
	opts.SetMaxHttpBufferSize(5000000)
	opts.SetPath("/socket.io")
	opts.SetAllowEIO3(true)
	localhostOrigin := regexp.MustCompile(`^https?://(localhost|127\.0\.0\.1|\[::1\])(:\d+)?$`)
	origins := []any{localhostOrigin}
	if allowed := os.Getenv("ALLOWED_ORIGIN"); allowed != "" {
		origins = append(origins, allowed)
	}
	opts.SetCors(&types.Cors{
		Origin:      origins,
		Credentials: true,
	})
	srv := socketio.NewServer(nil, opts)
	h.srv = srv

	srv.On("connection", func(clients ...any) {
		socket, ok := clients[0].(*socketio.Socket)
		if !ok {
			return
		}

		session := NewSession(string(socket.Id()), socket.Handshake().Address)
		h.sessions.Add(session)
		logrus.WithField("conn_id", session.ID()).Debug("Connection established")

		socket.On(core.EventJoinCanvas, func(datas ...any) {
			go h.handleJoin(socket, session, datas)
		})
		socket.On(core.EventLeaveCanvas, func(datas ...any) {
			go h.handleLeave(socket, session, datas)
		})
		for _, event := range []string{core.EventObjectCreated, core.EventObjectUpdated, core.EventObjectDeleted} {
			event := event
			socket.On(event, func(datas ...any) {
				go h.handleMutation(socket, session, event, datas)
			})
		}
		socket.On(core.EventCursorMove, func(datas ...any) {
			go h.handleCursor(socket, session, datas)
		})
		socket.On(core.EventPresenceUpdate, func(datas ...any) {
			go h.handlePresence(socket, session, datas)
		})

		socket.On("disconnecting", func(datas ...any) {
			go h.handleDisconnecting(session)
		})
		socket.On("disconnect", func(datas ...any) {
			h.sessions.Remove(session.ID())
			session.Disconnect()
			socket.RemoveAllListeners("")
		})
	})

	return srv
}

// eventContext assembles the immutable context the pipeline consumes.
func (h *Handler) eventContext(session *Session, event string, raw map[string]any) pipeline.EventContext {
	return pipeline.EventContext{
		Event:         event,
		ConnID:        session.ID(),
		RemoteAddr:    session.RemoteAddr(),
		SessionUserID: session.UserID(),
		Raw:           raw,
	}
}

func (h *Handler) handleJoin(socket *socketio.Socket, session *Session, datas []any) {
	ack, raw := parseEventArgs(datas)
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()

	session.BeginAuthenticating()
	result, err := h.pipe.ProcessJoin(ctx, h.eventContext(session, core.EventJoinCanvas, raw))
	if err != nil {
		h.emitFailure(socket, core.EventJoinCanvas, err, ack)
		return
	}

	ec := result.Context
	session.SetAuthenticated(ec.UserID)
	socket.Join(socketio.Room(ec.CanvasID))
	if err := session.EnterRoom(ec.CanvasID); err != nil {
		logrus.WithError(err).Error("Session state out of order on join")
	}
	h.rooms.Add(ec.CanvasID, session.ID(), ec.UserID)

	logrus.WithFields(logrus.Fields{
		"conn_id":   session.ID(),
		"user_id":   ec.UserID,
		"canvas_id": ec.CanvasID,
	}).Info("Connection joined canvas")

	h.srv.To(socketio.Room(ec.CanvasID)).Emit(core.EventPresenceState, result.Presence)
	respond(socket, ack, core.EventJoinCanvas+"_ack", map[string]any{
		"status":    "ok",
		"canvas_id": ec.CanvasID,
		"canvas":    result.Canvas,
		"users":     result.Presence.Users,
	})
}

func (h *Handler) handleLeave(socket *socketio.Socket, session *Session, datas []any) {
	ack, raw := parseEventArgs(datas)
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()

	ec, state, err := h.pipe.ProcessLeave(ctx, h.eventContext(session, core.EventLeaveCanvas, raw))
	if err != nil {
		h.emitFailure(socket, core.EventLeaveCanvas, err, ack)
		return
	}

	socket.Leave(socketio.Room(ec.CanvasID))
	session.LeaveRoom(ec.CanvasID)
	h.rooms.Remove(ec.CanvasID, session.ID())

	h.srv.To(socketio.Room(ec.CanvasID)).Emit(core.EventPresenceState, state)
	respond(socket, ack, core.EventLeaveCanvas+"_ack", map[string]any{"status": "ok", "canvas_id": ec.CanvasID})
}

func (h *Handler) handleMutation(socket *socketio.Socket, session *Session, event string, datas []any) {
	ack, raw := parseEventArgs(datas)
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()

	result, err := h.pipe.ProcessMutation(ctx, h.eventContext(session, event, raw))
	if err != nil {
		h.emitFailure(socket, event, err, ack)
		return
	}
	session.SetAuthenticated(result.Context.UserID)
	session.Touch()

	// The rest of the room gets the mutation; the originator only ever gets
	// the acknowledgement. Duplicates are acked but never fanned out again.
	if result.Broadcast != nil {
		socket.Broadcast().To(socketio.Room(result.Context.CanvasID)).Emit(event, result.Broadcast)
	}
	respond(socket, ack, core.EventSyncAck, map[string]any{
		"status":      "ok",
		"mutation_id": result.Ack.MutationID,
		"object_id":   result.Ack.ObjectID,
		"version":     result.Ack.Version,
		"duplicate":   result.Ack.Duplicate,
	})
}

func (h *Handler) handleCursor(socket *socketio.Socket, session *Session, datas []any) {
	ack, raw := parseEventArgs(datas)
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()

	ec, broadcast, err := h.pipe.ProcessCursor(ctx, h.eventContext(session, core.EventCursorMove, raw))
	if err != nil {
		h.emitFailure(socket, core.EventCursorMove, err, ack)
		return
	}
	session.SetAuthenticated(ec.UserID)
	session.Touch()

	// Cursor positions are superseded by the next move; volatile delivery
	// drops them for congested receivers instead of queueing stale ones.
	socket.Volatile().Broadcast().To(socketio.Room(ec.CanvasID)).Emit(core.EventCursorMoved, broadcast)
	if ack != nil {
		ack(map[string]any{"status": "ok"})
	}
}

func (h *Handler) handlePresence(socket *socketio.Socket, session *Session, datas []any) {
	ack, raw := parseEventArgs(datas)
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()

	ec, state, err := h.pipe.ProcessPresence(ctx, h.eventContext(session, core.EventPresenceUpdate, raw))
	if err != nil {
		h.emitFailure(socket, core.EventPresenceUpdate, err, ack)
		return
	}
	session.SetAuthenticated(ec.UserID)
	session.Touch()

	h.srv.To(socketio.Room(ec.CanvasID)).Emit(core.EventPresenceState, state)
	if ack != nil {
		ack(map[string]any{"status": "ok"})
	}
}

func (h *Handler) handleDisconnecting(session *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()

	userID := session.UserID()
	for _, canvasID := range h.rooms.RemoveConn(session.ID()) {
		if userID != "" && !h.rooms.UserPresent(canvasID, userID) {
			if err := h.pipe.Presence().Leave(ctx, canvasID, userID); err != nil {
				logrus.WithFields(logrus.Fields{
					"user_id":   userID,
					"canvas_id": canvasID,
					"error":     err,
				}).Warn("Failed to clear presence on disconnect")
			}
		}
		state, err := h.pipe.PresenceSnapshot(ctx, canvasID)
		if err == nil {
			h.srv.To(socketio.Room(canvasID)).Emit(core.EventPresenceState, state)
		}
		logrus.WithFields(logrus.Fields{
			"conn_id":   session.ID(),
			"user_id":   userID,
			"canvas_id": canvasID,
		}).Debug("Connection left canvas on disconnect")
	}
}

// emitFailure reports an error to the sender only: the generic error event,
// the typed *_failed variant, and the ack when one was supplied. Other
// connections never observe another sender's failure.
func (h *Handler) emitFailure(socket *socketio.Socket, event string, err error, ack ackInvoker) {
	syncErr := core.AsSyncError(err)
	payload := map[string]any{
		"status":  "error",
		"code":    string(syncErr.Code),
		"message": syncErr.Message,
		"event":   event,
	}
	if syncErr.Field != "" {
		payload["field"] = syncErr.Field
	}
	if syncErr.RetryAfter > 0 {
		payload["retry_after"] = syncErr.RetryAfter
	}

	if ack != nil {
		ack(payload)
	}
	socket.Emit(core.EventError, payload)
	socket.Emit(core.FailedEventName(syncErr.Code), payload)
}

// parseEventArgs splits socket.io handler args into the payload map and an
// optional trailing ack callback.
func parseEventArgs(datas []any) (ackInvoker, map[string]any) {
	ack, args := extractAck(datas)
	if len(args) == 0 {
		return ack, map[string]any{}
	}
	raw, ok := args[0].(map[string]any)
	if !ok {
		return ack, map[string]any{}
	}
	return ack, raw
}

func extractAck(datas []any) (ackInvoker, []any) {
	if len(datas) == 0 {
		return nil, datas
	}
	candidate := datas[len(datas)-1]
	ack := wrapAck(candidate)
	if ack == nil {
		return nil, datas
	}
	return ack, datas[:len(datas)-1]
}

// wrapAck adapts whatever function shape the socket.io parser handed us into
// a single-payload invoker; extra parameters are zero-filled.
func wrapAck(candidate any) ackInvoker {
	if candidate == nil {
		return nil
	}
	value := reflect.ValueOf(candidate)
	if !value.IsValid() || value.Kind() != reflect.Func {
		return nil
	}

	typ := value.Type()
	return func(payload map[string]any) {
		args := make([]reflect.Value, typ.NumIn())
		for i := range args {
			paramType := typ.In(i)
			if i == 0 && reflect.TypeOf(payload).AssignableTo(paramType) {
				args[i] = reflect.ValueOf(payload)
				continue
			}
			args[i] = reflect.Zero(paramType)
		}
		value.Call(args)
	}
}

// respond delivers a success payload through the ack when present, and as a
// named event otherwise so clients without ack support still get an answer.
func respond(socket *socketio.Socket, ack ackInvoker, event string, payload map[string]any) {
	if ack != nil {
		ack(payload)
		return
	}
	if event != "" {
		socket.Emit(event, payload)
	}
}

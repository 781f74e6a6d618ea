package mutations

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"

	"collabcanvas/core"
	"collabcanvas/middleware"
	"collabcanvas/pipeline"
)

const mutationIDHeader = "X-Mutation-ID"

// RoomCounter reports live realtime connection counts per canvas.
type RoomCounter interface {
	RoomStats() map[string]int
}

// Broadcaster relays HTTP-originated mutations to realtime subscribers.
type Broadcaster interface {
	BroadcastObject(event string, b *core.ObjectBroadcast)
}

// Handler serves the HTTP fallback channel. Mutations submitted here run
// the same stage chain as realtime events, so a mutation id already applied
// over the socket acknowledges as a duplicate instead of applying twice.
type Handler struct {
	pipe  *pipeline.Pipeline
	rooms RoomCounter
	relay Broadcaster
}

func NewHandler(pipe *pipeline.Pipeline, rooms RoomCounter, relay Broadcaster) *Handler {
	return &Handler{pipe: pipe, rooms: rooms, relay: relay}
}

// Routes mounts the fallback API under the given router.
func (h *Handler) Routes(r chi.Router) {
	r.Use(middleware.AuthBearer)
	r.Get("/rooms", h.listRooms)
	r.Route("/canvases/{canvasID}", func(r chi.Router) {
		r.Get("/objects", h.listObjects)
		r.Get("/presence", h.getPresence)
		r.Post("/objects", h.createObject)
		r.Put("/objects/{objectID}", h.updateObject)
		r.Delete("/objects/{objectID}", h.deleteObject)
	})
}

func (h *Handler) createObject(w http.ResponseWriter, r *http.Request) {
	h.applyMutation(w, r, core.EventObjectCreated)
}

func (h *Handler) updateObject(w http.ResponseWriter, r *http.Request) {
	h.applyMutation(w, r, core.EventObjectUpdated)
}

func (h *Handler) deleteObject(w http.ResponseWriter, r *http.Request) {
	h.applyMutation(w, r, core.EventObjectDeleted)
}

func (h *Handler) applyMutation(w http.ResponseWriter, r *http.Request, event string) {
	raw := map[string]any{}
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			writeSyncError(w, r, core.NewValidationError("body", "Request body must be a JSON object"))
			return
		}
	}

	// Path parameters are authoritative over anything the body claims.
	raw["canvas_id"] = chi.URLParam(r, "canvasID")
	// The bearer token doubles as the per-message credential unless the
	// body carries its own.
	if _, present := raw["credential"]; !present {
		if token := bearerToken(r); token != "" {
			raw["credential"] = token
		}
	}
	if objectID := chi.URLParam(r, "objectID"); objectID != "" {
		raw["object_id"] = objectID
	}
	if headerID := r.Header.Get(mutationIDHeader); headerID != "" {
		raw["mutation_id"] = headerID
	}

	result, err := h.pipe.ProcessMutation(r.Context(), h.eventContext(r, event, raw))
	if err != nil {
		writeSyncError(w, r, err)
		return
	}

	if result.Broadcast != nil && h.relay != nil {
		h.relay.BroadcastObject(event, result.Broadcast)
	}

	status := http.StatusOK
	if event == core.EventObjectCreated && !result.Ack.Duplicate {
		status = http.StatusCreated
	}
	render.Status(r, status)
	render.JSON(w, r, result.Ack)
}

// listObjects returns the authoritative object set for a canvas. Clients
// reconcile their local state against this after a reconnect.
func (h *Handler) listObjects(w http.ResponseWriter, r *http.Request) {
	ec, err := h.authorizeRead(r)
	if err != nil {
		writeSyncError(w, r, err)
		return
	}

	objects, err := h.pipe.Store().GetObjects(r.Context(), ec.CanvasID)
	if err != nil {
		writeSyncError(w, r, core.AsSyncError(err))
		return
	}
	render.JSON(w, r, map[string]any{
		"canvas_id": ec.CanvasID,
		"objects":   objects,
	})
}

func (h *Handler) getPresence(w http.ResponseWriter, r *http.Request) {
	ec, err := h.authorizeRead(r)
	if err != nil {
		writeSyncError(w, r, err)
		return
	}

	state, err := h.pipe.PresenceSnapshot(r.Context(), ec.CanvasID)
	if err != nil {
		writeSyncError(w, r, err)
		return
	}
	render.JSON(w, r, state)
}

func (h *Handler) listRooms(w http.ResponseWriter, r *http.Request) {
	counts := h.rooms.RoomStats()
	rooms := make([]map[string]any, 0, len(counts))
	for canvasID, n := range counts {
		rooms = append(rooms, map[string]any{
			"canvas_id":   canvasID,
			"connections": n,
		})
	}
	render.JSON(w, r, map[string]any{"rooms": rooms})
}

// authorizeRead runs the join_canvas stage chain without the presence side
// effects, which gives reads the same auth, permission and rate checks as
// the realtime channel.
func (h *Handler) authorizeRead(r *http.Request) (pipeline.EventContext, error) {
	raw := map[string]any{"canvas_id": chi.URLParam(r, "canvasID")}
	if token := bearerToken(r); token != "" {
		raw["credential"] = token
	}
	return h.pipe.Run(r.Context(), h.eventContext(r, core.EventJoinCanvas, raw))
}

func (h *Handler) eventContext(r *http.Request, event string, raw map[string]any) pipeline.EventContext {
	sessionUserID := ""
	if claims, ok := middleware.ClaimsFrom(r.Context()); ok {
		sessionUserID = claims.UserID()
	}
	return pipeline.EventContext{
		Event:         event,
		RemoteAddr:    r.RemoteAddr,
		SessionUserID: sessionUserID,
		Raw:           raw,
	}
}

func bearerToken(r *http.Request) string {
	parts := strings.Split(r.Header.Get("Authorization"), " ")
	if len(parts) == 2 && strings.ToLower(parts[0]) == "bearer" {
		return parts[1]
	}
	return ""
}

func writeSyncError(w http.ResponseWriter, r *http.Request, err error) {
	syncErr := core.AsSyncError(err)
	status := httpStatus(syncErr.Code)
	if syncErr.Code == core.CodeInternalError {
		logrus.WithError(err).Error("Fallback request failed")
	}
	if syncErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(syncErr.RetryAfter))
	}
	render.Status(r, status)
	render.JSON(w, r, syncErr)
}

func httpStatus(code core.ErrorCode) int {
	switch code {
	case core.CodeValidationFailed:
		return http.StatusBadRequest
	case core.CodeUnauthorized:
		return http.StatusUnauthorized
	case core.CodeForbidden:
		return http.StatusForbidden
	case core.CodeRateLimited:
		return http.StatusTooManyRequests
	case core.CodeCanvasNotFound:
		return http.StatusNotFound
	case core.CodeCircuitOpen:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

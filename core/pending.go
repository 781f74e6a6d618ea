package core

import "time"

// UpdateStatus tracks a client-side mutation through its lifecycle.
type UpdateStatus string

const (
	UpdatePending    UpdateStatus = "pending"
	UpdateConfirmed  UpdateStatus = "confirmed"
	UpdateFailed     UpdateStatus = "failed"
	UpdateRolledBack UpdateStatus = "rolled_back"
)

// PropertyDiff is the before/after value of one object property. Before is
// the reverse diff re-applied on rollback.
type PropertyDiff struct {
	Property string `json:"property"`
	Before   any    `json:"before"`
	After    any    `json:"after"`
}

// PendingUpdate is an optimistic mutation awaiting server acknowledgement.
// There is at most one outstanding pending update per (object, property);
// a superseding mutation chains onto the earlier one instead.
type PendingUpdate struct {
	ID          string         `json:"id"`
	ObjectID    string         `json:"object_id"`
	CanvasID    string         `json:"canvas_id"`
	MutationID  string         `json:"mutation_id"`
	Diffs       []PropertyDiff `json:"diffs"`
	SubmittedAt time.Time      `json:"submitted_at"`
	Attempts    int            `json:"attempts"`
	Status      UpdateStatus   `json:"status"`
}

package client

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"collabcanvas/core"
)

// Fetcher retrieves the authoritative object set for a canvas.
type Fetcher interface {
	FetchObjects(ctx context.Context, canvasID string) ([]*core.CanvasObject, error)
}

// ConflictResolution describes one divergence found during reconciliation
// and how it was resolved. Winner is "local" or "remote".
type ConflictResolution struct {
	ObjectID string
	Local    *core.CanvasObject
	Remote   *core.CanvasObject
	Winner   string
}

// ConflictHandler receives every resolved conflict. Reconciliation never
// resolves silently.
type ConflictHandler func(ConflictResolution)

const defaultSyncInterval = 30 * time.Second

// Synchronizer reconciles the local projection against the server's
// authoritative state, periodically and on demand after reconnects.
// Divergent objects resolve by server-timestamp last-writer-wins; objects
// with unacknowledged local mutations are left for their acks to settle.
type Synchronizer struct {
	fetcher    Fetcher
	local      *OptimisticManager
	interval   time.Duration
	onConflict ConflictHandler

	mu   sync.Mutex
	stop chan struct{}
	wg   sync.WaitGroup
}

func NewSynchronizer(fetcher Fetcher, local *OptimisticManager, interval time.Duration, onConflict ConflictHandler) *Synchronizer {
	if interval <= 0 {
		interval = defaultSyncInterval
	}
	return &Synchronizer{
		fetcher:    fetcher,
		local:      local,
		interval:   interval,
		onConflict: onConflict,
	}
}

// Start begins periodic reconciliation for one canvas until Stop is called
// or the context ends.
func (s *Synchronizer) Start(ctx context.Context, canvasID string) {
	s.mu.Lock()
	if s.stop != nil {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	s.stop = stop
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.Reconcile(ctx, canvasID); err != nil {
					logrus.WithFields(logrus.Fields{
						"canvas_id": canvasID,
						"error":     err,
					}).Warn("Periodic reconciliation failed")
				}
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends periodic reconciliation and waits for the loop to exit.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Reconcile fetches authoritative state and folds it into the local
// projection. Remote objects with a newer server timestamp replace local
// copies; local copies with a newer timestamp are kept for the next
// mutation to carry up. Remote-only objects are adopted, local-only objects
// without pending mutations are dropped.
func (s *Synchronizer) Reconcile(ctx context.Context, canvasID string) error {
	remote, err := s.fetcher.FetchObjects(ctx, canvasID)
	if err != nil {
		return err
	}

	remoteByID := make(map[string]*core.CanvasObject, len(remote))
	for _, obj := range remote {
		remoteByID[obj.ID] = obj
	}

	for _, local := range s.local.Objects() {
		if local.CanvasID != canvasID {
			continue
		}
		if s.local.HasPending(local.ID) {
			// An in-flight mutation owns this object; its ack or rollback
			// settles the state.
			delete(remoteByID, local.ID)
			continue
		}

		serverCopy, exists := remoteByID[local.ID]
		if !exists {
			s.local.RemoveLocal(local.ID)
			s.report(ConflictResolution{ObjectID: local.ID, Local: local, Winner: "remote"})
			continue
		}
		delete(remoteByID, local.ID)

		if serverCopy.Version == local.Version {
			continue
		}
		if serverCopy.UpdatedAt.Before(local.UpdatedAt) {
			s.report(ConflictResolution{ObjectID: local.ID, Local: local, Remote: serverCopy, Winner: "local"})
			continue
		}
		s.local.AdoptRemote(serverCopy)
		s.report(ConflictResolution{ObjectID: local.ID, Local: local, Remote: serverCopy, Winner: "remote"})
	}

	for _, serverCopy := range remoteByID {
		s.local.AdoptRemote(serverCopy)
	}
	return nil
}

func (s *Synchronizer) report(res ConflictResolution) {
	if s.onConflict != nil {
		s.onConflict(res)
	}
}

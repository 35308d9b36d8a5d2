package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/collabdocs/collabsync/internal/api"
	"github.com/collabdocs/collabsync/internal/realtime"
)

// Overviewer fetches the authoritative document collections. *api.Client
// satisfies it.
type Overviewer interface {
	Overview(ctx context.Context) (api.OverviewResponse, error)
}

type ReducerOptions struct {
	API           Overviewer
	ResyncTimeout time.Duration
	Logger        *zap.Logger
}

// Reducer folds live share notifications into the shared-with-me list and
// the unseen-document set. Missed events are not retransmitted, so every
// reconnect triggers a full resync against the overview endpoint.
type Reducer struct {
	api           Overviewer
	resyncTimeout time.Duration
	logger        *zap.Logger

	mu     sync.Mutex
	shared []api.SharedDocument
	unseen map[int64]struct{}
	// generation advances on every applied live event; a resync result
	// fetched before the latest event is stale and discarded rather than
	// allowed to stomp newer state.
	generation uint64
}

func NewReducer(opts ReducerOptions) *Reducer {
	timeout := opts.ResyncTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reducer{
		api:           opts.API,
		resyncTimeout: timeout,
		logger:        logger,
		shared:        []api.SharedDocument{},
		unseen:        make(map[int64]struct{}),
	}
}

// OnConnect resyncs the shared list wholesale.
func (r *Reducer) OnConnect() {
	ctx, cancel := context.WithTimeout(context.Background(), r.resyncTimeout)
	defer cancel()
	if err := r.Resync(ctx); err != nil {
		r.logger.Warn("overview resync failed", zap.Error(err))
	}
}

func (r *Reducer) OnDisconnect(err error) {}

func (r *Reducer) OnEvent(event string, data json.RawMessage) {
	if event != realtime.EventNotify {
		return
	}
	parsed, err := ParseEvent(data)
	if err != nil {
		r.logger.Warn("dropping notification", zap.Error(err))
		return
	}
	r.Apply(parsed)
}

// Apply folds one event in. share_role_changed for a document we do not know
// about, and any ownership loss, are resolved by a full resync instead of a
// guessed local mutation.
func (r *Reducer) Apply(ev Event) {
	r.mu.Lock()
	r.generation++
	needResync := false
	switch ev.Kind {
	case KindShareAdded:
		r.upsertLocked(ev)
		r.unseen[ev.DocID] = struct{}{}
	case KindShareRoleChanged:
		if r.indexLocked(ev.DocID) < 0 {
			needResync = true
			break
		}
		r.upsertLocked(ev)
		r.unseen[ev.DocID] = struct{}{}
	case KindOwnershipGained:
		r.removeLocked(ev.DocID)
		delete(r.unseen, ev.DocID)
	case KindOwnershipLost:
		needResync = true
		r.unseen[ev.DocID] = struct{}{}
	case KindShareRemoved:
		r.removeLocked(ev.DocID)
		delete(r.unseen, ev.DocID)
	}
	r.mu.Unlock()

	if needResync {
		ctx, cancel := context.WithTimeout(context.Background(), r.resyncTimeout)
		defer cancel()
		if err := r.Resync(ctx); err != nil {
			r.logger.Warn("overview resync failed",
				zap.String("trigger", ev.Kind.String()), zap.Error(err))
		}
	}
}

// Resync replaces the shared list from the overview endpoint. It never
// clears the unseen set. A result that raced with a newer live event is
// dropped; the event that advanced the generation will have scheduled its
// own resync if one was needed.
func (r *Reducer) Resync(ctx context.Context) error {
	r.mu.Lock()
	generation := r.generation
	r.mu.Unlock()

	overview, err := r.api.Overview(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.generation != generation {
		r.logger.Debug("discarding stale resync result")
		return nil
	}
	r.shared = overview.SharedWithMe
	return nil
}

func (r *Reducer) upsertLocked(ev Event) {
	if i := r.indexLocked(ev.DocID); i >= 0 {
		if ev.Title != "" {
			r.shared[i].Title = ev.Title
		}
		if ev.Permission != "" {
			r.shared[i].PermissionLevel = ev.Permission
		}
		return
	}
	// Minimal entry; owner details arrive with the next resync.
	r.shared = append(r.shared, api.SharedDocument{
		ID:              ev.DocID,
		Title:           ev.Title,
		PermissionLevel: ev.Permission,
	})
}

func (r *Reducer) indexLocked(id int64) int {
	for i := range r.shared {
		if r.shared[i].ID == id {
			return i
		}
	}
	return -1
}

func (r *Reducer) removeLocked(id int64) {
	if i := r.indexLocked(id); i >= 0 {
		r.shared = append(r.shared[:i], r.shared[i+1:]...)
	}
}

// Shared returns a copy of the shared-with-me list.
func (r *Reducer) Shared() []api.SharedDocument {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]api.SharedDocument, len(r.shared))
	copy(out, r.shared)
	return out
}

// Unseen reports whether the document has an unseen notification.
func (r *Reducer) Unseen(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.unseen[id]
	return ok
}

func (r *Reducer) UnseenCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.unseen)
}

// MarkSeen clears one unseen entry; the shared list is untouched.
func (r *Reducer) MarkSeen(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.unseen, id)
}

func (r *Reducer) MarkAllSeen() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unseen = make(map[int64]struct{})
}

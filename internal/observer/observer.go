// Package observer turns local bookmark mutations into queued sync
// operations. A reentrancy guard keeps the engine's own local writes from
// echoing back as new operations, and a coalescing accumulator collapses
// event bursts to one operation per bookmark.
package observer

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/marksync/marksync/internal/localstore"
	"github.com/marksync/marksync/internal/mark"
	"github.com/marksync/marksync/internal/queue"
	"github.com/marksync/marksync/internal/registry"
)

// DefaultCoalesceWindow is how long a bookmark's latest event waits for a
// follow-up before flushing to the queue.
const DefaultCoalesceWindow = 300 * time.Millisecond

// Guard tracks whether the engine is currently mutating the local store.
// Events observed while the guard is active are the engine's own writes and
// must not round-trip back into the queue. The depth counter supports nested
// guarded sections.
type Guard struct {
	mu    sync.Mutex
	depth int
}

// Enter activates the guard and returns its release function.
func (g *Guard) Enter() func() {
	g.mu.Lock()
	g.depth++
	g.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			g.depth--
			g.mu.Unlock()
		})
	}
}

func (g *Guard) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.depth > 0
}

// Enqueuer is the queue surface the observer needs.
type Enqueuer interface {
	Enqueue(op queue.Operation) (bool, error)
}

type Options struct {
	CoalesceWindow time.Duration
	// Authenticated reports whether a remote credential is present. While it
	// returns false every event is dropped instead of queued.
	Authenticated func() bool
}

// Observer implements localstore.Listener. It classifies each event against
// the registry, builds the corresponding operation, and hands it to the
// accumulator for coalesced enqueueing.
type Observer struct {
	registry *registry.Registry
	queue    Enqueuer
	guard    *Guard
	authed   func() bool
	logger   zerolog.Logger

	mu      sync.Mutex
	enabled bool
	window  time.Duration
	waiting map[string]*pendingOp
	wg      sync.WaitGroup
}

type pendingOp struct {
	op    queue.Operation
	timer *time.Timer
}

func New(reg *registry.Registry, q Enqueuer, guard *Guard, opts Options, logger zerolog.Logger) *Observer {
	window := opts.CoalesceWindow
	if window <= 0 {
		window = DefaultCoalesceWindow
	}
	return &Observer{
		registry: reg,
		queue:    q,
		guard:    guard,
		authed:   opts.Authenticated,
		logger:   logger.With().Str("component", "observer").Logger(),
		enabled:  true,
		window:   window,
		waiting:  map[string]*pendingOp{},
	}
}

// SetEnabled toggles event intake. Disabling also drops anything still
// waiting in the accumulator.
func (o *Observer) SetEnabled(enabled bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.enabled = enabled
	if !enabled {
		for key, pending := range o.waiting {
			if pending.timer.Stop() {
				o.wg.Done()
			}
			delete(o.waiting, key)
		}
	}
}

// suppressed is the common early-out for all four handlers: engine-originated
// writes (guard), disabled sync, and a missing credential all drop the event.
func (o *Observer) suppressed() bool {
	if o.guard != nil && o.guard.Active() {
		return true
	}
	if o.authed != nil && !o.authed() {
		return true
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return !o.enabled
}

func (o *Observer) BookmarkCreated(node localstore.Node) {
	if o.suppressed() || node.IsFolder() {
		return
	}
	if !mark.IsValidSyncURL(node.URL) {
		return
	}
	mapping, ok := o.registry.MappingByFolder(node.ParentID)
	if !ok {
		return
	}
	if _, linked := o.registry.LinkByLocalID(node.ID); linked {
		return
	}
	// The URL check covers a local id lost across an abrupt restart between
	// bookmark creation and link persistence.
	if len(o.registry.LinksByURL(node.URL)) > 0 {
		return
	}
	o.accumulate(node.ID, queue.Operation{
		Type:   queue.OpCreate,
		Source: queue.SourceLocal,
		Data: queue.Data{
			LocalID:      node.ID,
			URL:          node.URL,
			Title:        node.Title,
			MappingID:    mapping.ID,
			CollectionID: mapping.RemoteCollectionID,
		},
	})
}

func (o *Observer) BookmarkRemoved(node localstore.Node) {
	if o.suppressed() || node.IsFolder() {
		return
	}
	if !mark.IsValidSyncURL(node.URL) {
		return
	}
	link, ok := o.registry.LinkByLocalID(node.ID)
	if !ok {
		return
	}
	o.accumulate(node.ID, queue.Operation{
		Type:   queue.OpDelete,
		Source: queue.SourceLocal,
		Data: queue.Data{
			LocalID:   node.ID,
			RemoteID:  link.RemoteID,
			MappingID: link.MappingID,
		},
	})
}

func (o *Observer) BookmarkChanged(node localstore.Node) {
	if o.suppressed() || node.IsFolder() {
		return
	}
	if !mark.IsValidSyncURL(node.URL) {
		return
	}
	link, ok := o.registry.LinkByLocalID(node.ID)
	if !ok {
		return
	}
	if mark.ContentHash(node.URL, node.Title) == link.Hash {
		return
	}
	o.accumulate(node.ID, queue.Operation{
		Type:   queue.OpUpdate,
		Source: queue.SourceLocal,
		Data: queue.Data{
			LocalID:   node.ID,
			RemoteID:  link.RemoteID,
			URL:       node.URL,
			Title:     node.Title,
			MappingID: link.MappingID,
		},
	})
}

// BookmarkMoved classifies a move by whether the old and new parents are
// mapped. Both-mapped yields exactly one move operation carrying both
// collection ids and the destination mapping, never a delete plus create.
func (o *Observer) BookmarkMoved(node localstore.Node, move localstore.MoveInfo) {
	if o.suppressed() || node.IsFolder() {
		return
	}
	if !mark.IsValidSyncURL(node.URL) {
		return
	}
	oldMapping, oldMapped := o.registry.MappingByFolder(move.OldParentID)
	newMapping, newMapped := o.registry.MappingByFolder(move.NewParentID)
	switch {
	case oldMapped && newMapped:
		link, linked := o.registry.LinkByLocalID(node.ID)
		if !linked {
			o.BookmarkCreated(node)
			return
		}
		o.accumulate(node.ID, queue.Operation{
			Type:   queue.OpMove,
			Source: queue.SourceLocal,
			Data: queue.Data{
				LocalID:         node.ID,
				RemoteID:        link.RemoteID,
				MappingID:       newMapping.ID,
				OldCollectionID: oldMapping.RemoteCollectionID,
				NewCollectionID: newMapping.RemoteCollectionID,
			},
		})
	case oldMapped && !newMapped:
		// Left synced territory: the remote copy goes away.
		o.BookmarkRemoved(node)
	case !oldMapped && newMapped:
		o.BookmarkCreated(node)
	}
}

// accumulate parks the operation under the bookmark's key. A newer event for
// the same bookmark replaces the parked one and restarts the quiescence
// window.
func (o *Observer) accumulate(key string, op queue.Operation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.enabled {
		return
	}
	if existing, ok := o.waiting[key]; ok {
		if existing.timer.Stop() {
			o.wg.Done()
		}
	}
	pending := &pendingOp{op: op}
	o.wg.Add(1)
	pending.timer = time.AfterFunc(o.window, func() {
		defer o.wg.Done()
		o.flush(key, pending)
	})
	o.waiting[key] = pending
}

func (o *Observer) flush(key string, pending *pendingOp) {
	o.mu.Lock()
	if o.waiting[key] != pending {
		// Superseded by a newer event for the same bookmark.
		o.mu.Unlock()
		return
	}
	delete(o.waiting, key)
	o.mu.Unlock()

	accepted, err := o.queue.Enqueue(pending.op)
	if err != nil {
		o.logger.Error().Err(err).Str("localId", pending.op.Data.LocalID).
			Str("type", string(pending.op.Type)).Msg("enqueue from observer failed")
		return
	}
	if !accepted {
		o.logger.Debug().Str("localId", pending.op.Data.LocalID).Msg("coalesced operation already queued")
	}
}

// Flush synchronously drains the accumulator, bypassing the quiescence
// window. Used by tests and shutdown.
func (o *Observer) Flush() {
	o.mu.Lock()
	keys := make([]string, 0, len(o.waiting))
	pendings := make([]*pendingOp, 0, len(o.waiting))
	for key, pending := range o.waiting {
		if pending.timer.Stop() {
			keys = append(keys, key)
			pendings = append(pendings, pending)
		}
	}
	o.mu.Unlock()
	for i, key := range keys {
		o.flush(key, pendings[i])
		o.wg.Done()
	}
}

// Close drops pending events and waits for in-flight flushes.
func (o *Observer) Close() {
	o.SetEnabled(false)
	o.wg.Wait()
}

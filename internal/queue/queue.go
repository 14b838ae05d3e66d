// Package queue holds pending synchronization operations until the engine
// drains them toward the remote store. The queue is durable: pending and
// failed partitions plus the processing lock are persisted through a
// state.Backend after every change, so a process killed mid-drain resumes
// where it left off and a lock abandoned by a dead process is reclaimed once
// it goes stale.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/marksync/marksync/internal/state"
)

var (
	ErrInvalidInput = errors.New("invalid input")

	// ErrHalt, returned (wrapped) by a handler, aborts the processing pass
	// immediately: the operation stays pending with its retry budget
	// untouched. Used for failures that no amount of retrying can fix until
	// an external condition changes, such as a rejected credential.
	ErrHalt = errors.New("queue processing halted")
)

type OpType string

const (
	OpCreate OpType = "create"
	OpUpdate OpType = "update"
	OpDelete OpType = "delete"
	OpMove   OpType = "move"
)

type OpSource string

const (
	SourceLocal  OpSource = "local"
	SourceRemote OpSource = "remote"
)

// Data carries the identifiers and fields an operation needs. Which fields
// are populated depends on the operation type and source.
type Data struct {
	LocalID         string `json:"localId,omitempty"`
	RemoteID        string `json:"remoteId,omitempty"`
	URL             string `json:"url,omitempty"`
	Title           string `json:"title,omitempty"`
	MappingID       string `json:"mappingId,omitempty"`
	CollectionID    string `json:"collectionId,omitempty"`
	OldCollectionID string `json:"oldCollectionId,omitempty"`
	NewCollectionID string `json:"newCollectionId,omitempty"`
}

// Operation is one queued, retryable unit of one-directional change
// propagation.
type Operation struct {
	ID         string    `json:"id"`
	Type       OpType    `json:"type"`
	Source     OpSource  `json:"source"`
	Entity     string    `json:"entity"`
	Data       Data      `json:"data"`
	CreatedAt  time.Time `json:"createdAt"`
	Retries    int       `json:"retries"`
	MaxRetries int       `json:"maxRetries"`
	LastError  string    `json:"lastError,omitempty"`
}

func (op Operation) dedupeKey() string {
	return string(op.Type) + "|" + string(op.Source) + "|" + op.Data.LocalID + "|" + op.Data.RemoteID
}

// Handler applies one operation. Returning nil removes the operation from
// the queue; returning an error schedules a retry.
type Handler func(ctx context.Context, op Operation) error

type lockRecord struct {
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

type queueState struct {
	Pending []Operation `json:"pending"`
	Failed  []Operation `json:"failed"`
	Lock    *lockRecord `json:"lock,omitempty"`
}

type Options struct {
	MaxRetries     int           // per-operation attempt budget, default 3
	MaxFailed      int           // failed partition cap, default 50
	LockStaleAfter time.Duration // lock reclaim threshold, default 5m
}

type Queue struct {
	mu      sync.Mutex
	pending []Operation
	failed  []Operation
	lock    *lockRecord

	backend    state.Backend
	owner      string
	maxRetries int
	maxFailed  int
	staleAfter time.Duration
	logger     zerolog.Logger
}

// Result summarizes one Process invocation.
type Result struct {
	Skipped   bool // another holder owns a live lock
	Halted    bool // a handler returned ErrHalt; remaining operations untouched
	Processed int
	Succeeded int
	Failed    int
}

func New(backend state.Backend, opts Options, logger zerolog.Logger) (*Queue, error) {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.MaxFailed <= 0 {
		opts.MaxFailed = 50
	}
	if opts.LockStaleAfter <= 0 {
		opts.LockStaleAfter = 5 * time.Minute
	}
	q := &Queue{
		backend:    backend,
		owner:      uuid.NewString(),
		maxRetries: opts.MaxRetries,
		maxFailed:  opts.MaxFailed,
		staleAfter: opts.LockStaleAfter,
		logger:     logger.With().Str("component", "queue").Logger(),
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) load() error {
	if q.backend == nil {
		return nil
	}
	data, err := q.backend.Load()
	if err != nil {
		return fmt.Errorf("load queue snapshot: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	var snap queueState
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode queue snapshot: %w", err)
	}
	q.pending = snap.Pending
	q.failed = snap.Failed
	q.lock = snap.Lock
	return nil
}

func (q *Queue) persistLocked() error {
	if q.backend == nil {
		return nil
	}
	snap := queueState{
		Pending: append([]Operation(nil), q.pending...),
		Failed:  append([]Operation(nil), q.failed...),
		Lock:    q.lock,
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return q.backend.Save(data)
}

func (q *Queue) Close() {
	if q.backend != nil {
		_ = q.backend.Close()
	}
}

// Enqueue appends an operation unless an identical one (same type, source,
// local id, remote id) is already pending. Returns whether the operation was
// accepted.
func (q *Queue) Enqueue(op Operation) (bool, error) {
	if op.Type == "" || op.Source == "" {
		return false, ErrInvalidInput
	}
	if strings.TrimSpace(op.Data.LocalID) == "" && strings.TrimSpace(op.Data.RemoteID) == "" {
		return false, ErrInvalidInput
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.Entity == "" {
		op.Entity = "bookmark"
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now().UTC()
	}
	if op.MaxRetries <= 0 {
		op.MaxRetries = q.maxRetries
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	key := op.dedupeKey()
	for _, existing := range q.pending {
		if existing.dedupeKey() == key {
			q.logger.Debug().Str("opId", existing.ID).Str("key", key).Msg("duplicate operation dropped")
			return false, nil
		}
	}
	q.pending = append(q.pending, op)
	if err := q.persistLocked(); err != nil {
		q.pending = q.pending[:len(q.pending)-1]
		return false, err
	}
	return true, nil
}

// tryAcquireLockLocked claims the processing lock. A live lock held by
// another owner yields; a lock older than the staleness threshold is
// reclaimed.
func (q *Queue) tryAcquireLockLocked() (bool, error) {
	if q.lock != nil && q.lock.Owner != q.owner {
		if time.Since(q.lock.AcquiredAt) < q.staleAfter {
			return false, nil
		}
		q.logger.Warn().Str("staleOwner", q.lock.Owner).
			Time("acquiredAt", q.lock.AcquiredAt).Msg("reclaiming stale processing lock")
	}
	q.lock = &lockRecord{Owner: q.owner, AcquiredAt: time.Now().UTC()}
	return true, q.persistLocked()
}

func (q *Queue) releaseLock() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.lock != nil && q.lock.Owner == q.owner {
		q.lock = nil
		if err := q.persistLocked(); err != nil {
			q.logger.Error().Err(err).Msg("persisting lock release failed")
		}
	}
}

// Process drains pending operations in enqueue order through the handler.
// Overlapping invocations are no-ops while the lock is live. The lock is
// released on every exit path, including handler panics.
func (q *Queue) Process(ctx context.Context, handler Handler) (Result, error) {
	if handler == nil {
		return Result{}, ErrInvalidInput
	}
	q.mu.Lock()
	acquired, err := q.tryAcquireLockLocked()
	if err != nil {
		q.mu.Unlock()
		return Result{}, err
	}
	if !acquired {
		q.mu.Unlock()
		return Result{Skipped: true}, nil
	}
	batch := append([]Operation(nil), q.pending...)
	q.mu.Unlock()
	defer q.releaseLock()

	result := Result{}
	for _, op := range batch {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		result.Processed++
		handlerErr := runHandler(ctx, handler, op)
		if handlerErr == nil {
			result.Succeeded++
			if err := q.remove(op.ID); err != nil {
				return result, err
			}
			continue
		}
		if errors.Is(handlerErr, ErrHalt) {
			// The operation stays pending, retry counter untouched.
			result.Halted = true
			q.logger.Warn().Str("opId", op.ID).Err(handlerErr).Msg("queue processing halted")
			return result, nil
		}
		result.Failed++
		if err := q.recordFailure(op.ID, handlerErr); err != nil {
			return result, err
		}
	}
	return result, nil
}

// runHandler shields Process from handler panics so the lock release and
// retry accounting still happen.
func runHandler(ctx context.Context, handler Handler, op Operation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, op)
}

func (q *Queue) remove(opID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, op := range q.pending {
		if op.ID == opID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return q.persistLocked()
		}
	}
	return nil
}

func (q *Queue) recordFailure(opID string, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.pending {
		if q.pending[i].ID != opID {
			continue
		}
		q.pending[i].Retries++
		q.pending[i].LastError = cause.Error()
		if q.pending[i].Retries >= q.pending[i].MaxRetries {
			failed := q.pending[i]
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			q.failed = append(q.failed, failed)
			if len(q.failed) > q.maxFailed {
				q.failed = q.failed[len(q.failed)-q.maxFailed:]
			}
			q.logger.Warn().Str("opId", failed.ID).Str("type", string(failed.Type)).
				Str("lastError", failed.LastError).Msg("operation moved to failed partition")
		}
		return q.persistLocked()
	}
	return nil
}

// ForceProcess releases any lock, including a live one owned elsewhere, then
// processes. Used for operator-triggered retries.
func (q *Queue) ForceProcess(ctx context.Context, handler Handler) (Result, error) {
	q.mu.Lock()
	q.lock = nil
	if err := q.persistLocked(); err != nil {
		q.mu.Unlock()
		return Result{}, err
	}
	q.mu.Unlock()
	return q.Process(ctx, handler)
}

// RetryFailed moves every failed operation back to pending with a fresh
// retry budget. Returns how many were requeued.
func (q *Queue) RetryFailed() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	moved := len(q.failed)
	for _, op := range q.failed {
		op.Retries = 0
		op.LastError = ""
		q.pending = append(q.pending, op)
	}
	q.failed = nil
	if err := q.persistLocked(); err != nil {
		return 0, err
	}
	return moved, nil
}

// Clear drops every pending and failed operation. Used by full resync.
func (q *Queue) Clear() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = nil
	q.failed = nil
	return q.persistLocked()
}

func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) FailedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.failed)
}

func (q *Queue) Pending() []Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Operation(nil), q.pending...)
}

func (q *Queue) Failed() []Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Operation(nil), q.failed...)
}

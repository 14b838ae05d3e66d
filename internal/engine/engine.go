// Package engine implements the reconciliation passes that keep the
// hierarchical local bookmark tree and the flat remote collection store
// convergent: initial sync, incremental push and pull, full resync, and
// nested-folder propagation. The engine is the only writer of remote state;
// its local writes run under the observer's reentrancy guard so they never
// echo back into the operation queue.
package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/marksync/marksync/internal/localstore"
	"github.com/marksync/marksync/internal/mark"
	"github.com/marksync/marksync/internal/observer"
	"github.com/marksync/marksync/internal/queue"
	"github.com/marksync/marksync/internal/registry"
	"github.com/marksync/marksync/internal/remote"
)

// MaxNestedDepth bounds nested-folder propagation. Branches deeper than this
// are silently left unmapped.
const MaxNestedDepth = 5

var (
	ErrNotFound     = errors.New("not found")
	ErrInProgress   = errors.New("reconciliation already in progress")
	ErrNotSignedIn  = errors.New("not signed in")
	ErrSyncDisabled = errors.New("synchronization is disabled")
)

// Session holds the process-scoped authentication and enablement state.
// Changing the credential clears the cached user name.
type Session struct {
	mu       sync.Mutex
	token    string
	userName string
	enabled  bool
}

func NewSession() *Session {
	return &Session{enabled: true}
}

func (s *Session) SetToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token != s.token {
		s.userName = ""
	}
	s.token = token
}

// ClearToken drops the credential, typically after a 401.
func (s *Session) ClearToken() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.userName = ""
}

func (s *Session) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, nil
}

func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token != ""
}

func (s *Session) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = enabled
}

func (s *Session) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

func (s *Session) cachedUserName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userName
}

func (s *Session) setUserName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userName = name
}

// MappingStats reports the outcome of one reconciliation pass over one
// mapping.
type MappingStats struct {
	MappingID     string   `json:"mappingId"`
	Matched       int      `json:"matched"`
	CreatedRemote int      `json:"createdRemote"`
	CreatedLocal  int      `json:"createdLocal"`
	UpdatedLocal  int      `json:"updatedLocal"`
	DeletedLocal  int      `json:"deletedLocal"`
	Errors        []string `json:"errors,omitempty"`
}

type Engine struct {
	store    localstore.Store
	remote   remote.API
	registry *registry.Registry
	queue    *queue.Queue
	guard    *observer.Guard
	session  *Session
	logger   zerolog.Logger

	inProgress  atomic.Bool
	errRing     *errorRing
	lastSyncAt  atomic.Pointer[time.Time]
	lastOutcome atomic.Pointer[string]
}

func New(store localstore.Store, api remote.API, reg *registry.Registry, q *queue.Queue, guard *observer.Guard, session *Session, logger zerolog.Logger) *Engine {
	if guard == nil {
		guard = &observer.Guard{}
	}
	if session == nil {
		session = NewSession()
	}
	return &Engine{
		store:    store,
		remote:   api,
		registry: reg,
		queue:    q,
		guard:    guard,
		session:  session,
		logger:   logger.With().Str("component", "engine").Logger(),
		errRing:  newErrorRing(maxRecentErrors),
	}
}

func (e *Engine) Session() *Session { return e.session }

// begin claims the in-progress flag. Overlapping passes are idempotent
// no-ops per the scheduler contract.
func (e *Engine) begin() (func(outcome string, err error), error) {
	if !e.session.Enabled() {
		return nil, ErrSyncDisabled
	}
	if !e.session.Authenticated() {
		return nil, ErrNotSignedIn
	}
	if !e.inProgress.CompareAndSwap(false, true) {
		return nil, ErrInProgress
	}
	return func(outcome string, err error) {
		now := time.Now().UTC()
		e.lastSyncAt.Store(&now)
		if err != nil {
			outcome = outcome + " failed"
		}
		e.lastOutcome.Store(&outcome)
		e.inProgress.Store(false)
	}, nil
}

// localBookmarks returns the syncable bookmarks directly under a folder.
func (e *Engine) localBookmarks(ctx context.Context, folderID string) ([]localstore.Node, error) {
	children, err := e.store.Children(ctx, folderID)
	if err != nil {
		return nil, err
	}
	out := make([]localstore.Node, 0, len(children))
	for _, child := range children {
		if child.IsFolder() {
			continue
		}
		if !mark.IsValidSyncURL(child.URL) {
			continue
		}
		out = append(out, child)
	}
	return out, nil
}

// localFolders returns the child folders of a folder.
func (e *Engine) localFolders(ctx context.Context, folderID string) ([]localstore.Node, error) {
	children, err := e.store.Children(ctx, folderID)
	if err != nil {
		return nil, err
	}
	out := make([]localstore.Node, 0)
	for _, child := range children {
		if child.IsFolder() {
			out = append(out, child)
		}
	}
	return out, nil
}

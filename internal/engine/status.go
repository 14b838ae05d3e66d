package engine

import (
	"context"
	"sync"
	"time"
)

// maxRecentErrors bounds the recent-error ring.
const maxRecentErrors = 25

// SyncError is one recorded failure from a reconciliation pass.
type SyncError struct {
	Time      time.Time `json:"time"`
	Stage     string    `json:"stage"`
	MappingID string    `json:"mappingId,omitempty"`
	Message   string    `json:"message"`
}

type errorRing struct {
	mu   sync.Mutex
	max  int
	errs []SyncError
}

func newErrorRing(max int) *errorRing {
	return &errorRing{max: max}
}

func (r *errorRing) record(stage, mappingID string, err error) {
	if err == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, SyncError{
		Time:      time.Now().UTC(),
		Stage:     stage,
		MappingID: mappingID,
		Message:   err.Error(),
	})
	if len(r.errs) > r.max {
		r.errs = r.errs[len(r.errs)-r.max:]
	}
}

func (r *errorRing) snapshot() []SyncError {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SyncError(nil), r.errs...)
}

// Status is the derived read model for the status surface. It holds no
// independent state.
type Status struct {
	Authenticated bool        `json:"authenticated"`
	Enabled       bool        `json:"enabled"`
	InProgress    bool        `json:"inProgress"`
	UserName      string      `json:"userName,omitempty"`
	Mappings      int         `json:"mappings"`
	Links         int         `json:"links"`
	PendingOps    int         `json:"pendingOps"`
	FailedOps     int         `json:"failedOps"`
	LastSyncAt    *time.Time  `json:"lastSyncAt,omitempty"`
	LastOutcome   string      `json:"lastOutcome,omitempty"`
	RecentErrors  []SyncError `json:"recentErrors,omitempty"`
}

// Status assembles the read model. The user name is resolved lazily from the
// remote service and cached on the session until the credential changes.
func (e *Engine) Status(ctx context.Context) Status {
	status := Status{
		Authenticated: e.session.Authenticated(),
		Enabled:       e.session.Enabled(),
		InProgress:    e.inProgress.Load(),
		UserName:      e.session.cachedUserName(),
		PendingOps:    e.queue.PendingCount(),
		FailedOps:     e.queue.FailedCount(),
		RecentErrors:  e.errRing.snapshot(),
	}
	status.Mappings, status.Links = e.registry.Counts()
	if at := e.lastSyncAt.Load(); at != nil {
		status.LastSyncAt = at
	}
	if outcome := e.lastOutcome.Load(); outcome != nil {
		status.LastOutcome = *outcome
	}
	if status.Authenticated && status.UserName == "" {
		if user, err := e.remote.CurrentUser(ctx); err == nil {
			e.session.setUserName(user.Name)
			status.UserName = user.Name
		}
	}
	return status
}

// RecentErrors exposes the bounded error ring.
func (e *Engine) RecentErrors() []SyncError {
	return e.errRing.snapshot()
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

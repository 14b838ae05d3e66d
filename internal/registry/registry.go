// Package registry is the single source of truth for what is linked to what:
// folder-to-collection mappings and bookmark-to-item links. All mutations run
// on one worker goroutine in submission order, so concurrent callers observe
// a total order of read-modify-write cycles; reads go straight to the
// in-memory indexes. Every mutation persists the full snapshot through a
// state.Backend before returning.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/marksync/marksync/internal/mark"
	"github.com/marksync/marksync/internal/state"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrDuplicateMapping = errors.New("duplicate mapping")
	ErrDuplicateLink    = errors.New("duplicate link")
	ErrClosed           = errors.New("registry closed")
)

type LinkStatus string

const (
	StatusSynced   LinkStatus = "synced"
	StatusPending  LinkStatus = "pending"
	StatusConflict LinkStatus = "conflict"
	StatusError    LinkStatus = "error"
)

// FolderMapping binds one local folder to one remote collection.
type FolderMapping struct {
	ID                 string    `json:"id"`
	LocalFolderID      string    `json:"localFolderId"`
	RemoteCollectionID string    `json:"remoteCollectionId"`
	LocalName          string    `json:"localName,omitempty"`
	RemoteName         string    `json:"remoteName,omitempty"`
	ParentMappingID    string    `json:"parentMappingId,omitempty"`
	Depth              int       `json:"depth"`
	SyncChildren       bool      `json:"syncChildren"`
	LastSyncAt         time.Time `json:"lastSyncAt,omitempty"`
}

// BookmarkLink binds one local bookmark to one remote item, scoped to a
// mapping. LocalID and RemoteID are unique across every mapping in the
// system.
type BookmarkLink struct {
	ID           string     `json:"id"`
	LocalID      string     `json:"localId"`
	RemoteID     string     `json:"remoteId"`
	URL          string     `json:"url"`
	Title        string     `json:"title,omitempty"`
	LastModified time.Time  `json:"lastModified,omitempty"`
	Hash         string     `json:"hash,omitempty"`
	Status       LinkStatus `json:"status"`
	MappingID    string     `json:"mappingId"`
}

type snapshot struct {
	Mappings []FolderMapping `json:"mappings"`
	Links    []BookmarkLink  `json:"links"`
}

type job struct {
	fn   func() error
	done chan error
}

type Registry struct {
	mu       sync.RWMutex
	mappings map[string]FolderMapping
	links    map[string]BookmarkLink

	mappingByFolder     map[string]string
	mappingByCollection map[string]string
	linkByLocal         map[string]string
	linkByRemote        map[string]string
	linkByURL           map[string]map[string]struct{}

	backend   state.Backend
	jobs      chan job
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	logger    zerolog.Logger
}

func New(backend state.Backend, logger zerolog.Logger) (*Registry, error) {
	r := &Registry{
		mappings:            map[string]FolderMapping{},
		links:               map[string]BookmarkLink{},
		mappingByFolder:     map[string]string{},
		mappingByCollection: map[string]string{},
		linkByLocal:         map[string]string{},
		linkByRemote:        map[string]string{},
		linkByURL:           map[string]map[string]struct{}{},
		backend:             backend,
		jobs:                make(chan job, 64),
		closed:              make(chan struct{}),
		logger:              logger.With().Str("component", "registry").Logger(),
	}
	if err := r.loadFromBackend(); err != nil {
		return nil, err
	}
	r.wg.Add(1)
	go r.worker()
	return r, nil
}

func (r *Registry) loadFromBackend() error {
	if r.backend == nil {
		return nil
	}
	data, err := r.backend.Load()
	if err != nil {
		return fmt.Errorf("load registry snapshot: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode registry snapshot: %w", err)
	}
	for _, mapping := range snap.Mappings {
		r.indexMappingLocked(mapping)
	}
	for _, link := range snap.Links {
		r.indexLinkLocked(link)
	}
	return nil
}

func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		close(r.closed)
		r.wg.Wait()
		if r.backend != nil {
			_ = r.backend.Close()
		}
	})
}

func (r *Registry) worker() {
	defer r.wg.Done()
	for {
		select {
		case item := <-r.jobs:
			item.done <- item.fn()
		case <-r.closed:
			// Drain whatever was already submitted so callers never hang.
			for {
				select {
				case item := <-r.jobs:
					item.done <- ErrClosed
				default:
					return
				}
			}
		}
	}
}

// run submits a mutation to the serialization worker and waits for it.
func (r *Registry) run(fn func() error) error {
	item := job{fn: fn, done: make(chan error, 1)}
	select {
	case r.jobs <- item:
	case <-r.closed:
		return ErrClosed
	}
	select {
	case err := <-item.done:
		return err
	case <-r.closed:
		return ErrClosed
	}
}

func (r *Registry) persistLocked() error {
	if r.backend == nil {
		return nil
	}
	snap := snapshot{
		Mappings: make([]FolderMapping, 0, len(r.mappings)),
		Links:    make([]BookmarkLink, 0, len(r.links)),
	}
	for _, mapping := range r.mappings {
		snap.Mappings = append(snap.Mappings, mapping)
	}
	for _, link := range r.links {
		snap.Links = append(snap.Links, link)
	}
	sort.Slice(snap.Mappings, func(i, j int) bool { return snap.Mappings[i].ID < snap.Mappings[j].ID })
	sort.Slice(snap.Links, func(i, j int) bool { return snap.Links[i].ID < snap.Links[j].ID })
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return r.backend.Save(data)
}

func (r *Registry) indexMappingLocked(mapping FolderMapping) {
	r.mappings[mapping.ID] = mapping
	r.mappingByFolder[mapping.LocalFolderID] = mapping.ID
	r.mappingByCollection[mapping.RemoteCollectionID] = mapping.ID
}

func (r *Registry) unindexMappingLocked(mapping FolderMapping) {
	delete(r.mappings, mapping.ID)
	delete(r.mappingByFolder, mapping.LocalFolderID)
	delete(r.mappingByCollection, mapping.RemoteCollectionID)
}

func (r *Registry) indexLinkLocked(link BookmarkLink) {
	r.links[link.ID] = link
	r.linkByLocal[link.LocalID] = link.ID
	r.linkByRemote[link.RemoteID] = link.ID
	key := mark.NormalizeURL(link.URL)
	if r.linkByURL[key] == nil {
		r.linkByURL[key] = map[string]struct{}{}
	}
	r.linkByURL[key][link.ID] = struct{}{}
}

func (r *Registry) unindexLinkLocked(link BookmarkLink) {
	delete(r.links, link.ID)
	delete(r.linkByLocal, link.LocalID)
	delete(r.linkByRemote, link.RemoteID)
	key := mark.NormalizeURL(link.URL)
	if ids, ok := r.linkByURL[key]; ok {
		delete(ids, link.ID)
		if len(ids) == 0 {
			delete(r.linkByURL, key)
		}
	}
}

// AddFolderMapping registers a new mapping. It fails with
// ErrDuplicateMapping when the local folder or the remote collection is
// already mapped anywhere in the system.
func (r *Registry) AddFolderMapping(mapping FolderMapping) (FolderMapping, error) {
	if strings.TrimSpace(mapping.LocalFolderID) == "" || strings.TrimSpace(mapping.RemoteCollectionID) == "" {
		return FolderMapping{}, ErrInvalidInput
	}
	if mapping.ID == "" {
		mapping.ID = uuid.NewString()
	}
	err := r.run(func() error {
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, exists := r.mappingByFolder[mapping.LocalFolderID]; exists {
			return fmt.Errorf("%w: folder %s already mapped", ErrDuplicateMapping, mapping.LocalFolderID)
		}
		if _, exists := r.mappingByCollection[mapping.RemoteCollectionID]; exists {
			return fmt.Errorf("%w: collection %s already mapped", ErrDuplicateMapping, mapping.RemoteCollectionID)
		}
		if mapping.ParentMappingID != "" {
			if _, exists := r.mappings[mapping.ParentMappingID]; !exists {
				return fmt.Errorf("%w: parent mapping %s", ErrNotFound, mapping.ParentMappingID)
			}
		}
		r.indexMappingLocked(mapping)
		if err := r.persistLocked(); err != nil {
			r.unindexMappingLocked(mapping)
			return err
		}
		return nil
	})
	if err != nil {
		return FolderMapping{}, err
	}
	r.logger.Debug().Str("mappingId", mapping.ID).Str("folder", mapping.LocalFolderID).
		Str("collection", mapping.RemoteCollectionID).Msg("mapping added")
	return mapping, nil
}

// RemoveFolderMapping deletes a mapping, every descendant mapping reachable
// through ParentMappingID, and every link owned by any of them.
func (r *Registry) RemoveFolderMapping(mappingID string) error {
	return r.run(func() error {
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, exists := r.mappings[mappingID]; !exists {
			return ErrNotFound
		}
		doomed := map[string]struct{}{mappingID: {}}
		for {
			grew := false
			for id, mapping := range r.mappings {
				if _, gone := doomed[id]; gone {
					continue
				}
				if _, parentGone := doomed[mapping.ParentMappingID]; parentGone && mapping.ParentMappingID != "" {
					doomed[id] = struct{}{}
					grew = true
				}
			}
			if !grew {
				break
			}
		}
		for id := range doomed {
			r.unindexMappingLocked(r.mappings[id])
		}
		for _, link := range r.links {
			if _, gone := doomed[link.MappingID]; gone {
				r.unindexLinkLocked(link)
			}
		}
		return r.persistLocked()
	})
}

// TouchMapping records the completion time of a sync pass over a mapping.
func (r *Registry) TouchMapping(mappingID string, at time.Time) error {
	return r.run(func() error {
		r.mu.Lock()
		defer r.mu.Unlock()
		mapping, exists := r.mappings[mappingID]
		if !exists {
			return ErrNotFound
		}
		mapping.LastSyncAt = at
		r.mappings[mappingID] = mapping
		return r.persistLocked()
	})
}

// AddLink registers a new bookmark link. LocalID and RemoteID must be unique
// across all mappings.
func (r *Registry) AddLink(link BookmarkLink) (BookmarkLink, error) {
	if strings.TrimSpace(link.LocalID) == "" || strings.TrimSpace(link.RemoteID) == "" || strings.TrimSpace(link.MappingID) == "" {
		return BookmarkLink{}, ErrInvalidInput
	}
	if link.ID == "" {
		link.ID = uuid.NewString()
	}
	if link.Status == "" {
		link.Status = StatusSynced
	}
	err := r.run(func() error {
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, exists := r.mappings[link.MappingID]; !exists {
			return fmt.Errorf("%w: mapping %s", ErrNotFound, link.MappingID)
		}
		if _, exists := r.linkByLocal[link.LocalID]; exists {
			return fmt.Errorf("%w: local id %s already linked", ErrDuplicateLink, link.LocalID)
		}
		if _, exists := r.linkByRemote[link.RemoteID]; exists {
			return fmt.Errorf("%w: remote id %s already linked", ErrDuplicateLink, link.RemoteID)
		}
		r.indexLinkLocked(link)
		if err := r.persistLocked(); err != nil {
			r.unindexLinkLocked(link)
			return err
		}
		return nil
	})
	if err != nil {
		return BookmarkLink{}, err
	}
	return link, nil
}

// UpdateLink replaces an existing link by ID, preserving the global
// uniqueness invariants when the local or remote id changed.
func (r *Registry) UpdateLink(link BookmarkLink) error {
	if strings.TrimSpace(link.ID) == "" {
		return ErrInvalidInput
	}
	return r.run(func() error {
		r.mu.Lock()
		defer r.mu.Unlock()
		current, exists := r.links[link.ID]
		if !exists {
			return ErrNotFound
		}
		if link.LocalID != current.LocalID {
			if _, taken := r.linkByLocal[link.LocalID]; taken {
				return fmt.Errorf("%w: local id %s already linked", ErrDuplicateLink, link.LocalID)
			}
		}
		if link.RemoteID != current.RemoteID {
			if _, taken := r.linkByRemote[link.RemoteID]; taken {
				return fmt.Errorf("%w: remote id %s already linked", ErrDuplicateLink, link.RemoteID)
			}
		}
		if link.MappingID != current.MappingID {
			if _, mapped := r.mappings[link.MappingID]; !mapped {
				return fmt.Errorf("%w: mapping %s", ErrNotFound, link.MappingID)
			}
		}
		r.unindexLinkLocked(current)
		r.indexLinkLocked(link)
		if err := r.persistLocked(); err != nil {
			r.unindexLinkLocked(link)
			r.indexLinkLocked(current)
			return err
		}
		return nil
	})
}

func (r *Registry) RemoveLink(linkID string) error {
	return r.run(func() error {
		r.mu.Lock()
		defer r.mu.Unlock()
		link, exists := r.links[linkID]
		if !exists {
			return ErrNotFound
		}
		r.unindexLinkLocked(link)
		return r.persistLocked()
	})
}

// ClearLinks removes every link in the system. Used by full resync before
// rebuilding from ground truth.
func (r *Registry) ClearLinks() error {
	return r.run(func() error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.links = map[string]BookmarkLink{}
		r.linkByLocal = map[string]string{}
		r.linkByRemote = map[string]string{}
		r.linkByURL = map[string]map[string]struct{}{}
		return r.persistLocked()
	})
}

func (r *Registry) MappingByID(id string) (FolderMapping, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mapping, ok := r.mappings[id]
	return mapping, ok
}

func (r *Registry) MappingByFolder(localFolderID string) (FolderMapping, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.mappingByFolder[localFolderID]
	if !ok {
		return FolderMapping{}, false
	}
	return r.mappings[id], true
}

func (r *Registry) MappingByCollection(remoteCollectionID string) (FolderMapping, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.mappingByCollection[remoteCollectionID]
	if !ok {
		return FolderMapping{}, false
	}
	return r.mappings[id], true
}

// Mappings returns every mapping ordered by depth, then id, so callers walk
// parents before children.
func (r *Registry) Mappings() []FolderMapping {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]FolderMapping, 0, len(r.mappings))
	for _, mapping := range r.mappings {
		out = append(out, mapping)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Depth != out[j].Depth {
			return out[i].Depth < out[j].Depth
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *Registry) LinkByID(id string) (BookmarkLink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	link, ok := r.links[id]
	return link, ok
}

func (r *Registry) LinkByLocalID(localID string) (BookmarkLink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.linkByLocal[localID]
	if !ok {
		return BookmarkLink{}, false
	}
	return r.links[id], true
}

func (r *Registry) LinkByRemoteID(remoteID string) (BookmarkLink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.linkByRemote[remoteID]
	if !ok {
		return BookmarkLink{}, false
	}
	return r.links[id], true
}

// LinksByURL returns every link whose normalized URL matches the given URL.
func (r *Registry) LinksByURL(rawURL string) []BookmarkLink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids, ok := r.linkByURL[mark.NormalizeURL(rawURL)]
	if !ok {
		return nil
	}
	out := make([]BookmarkLink, 0, len(ids))
	for id := range ids {
		out = append(out, r.links[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) LinksForMapping(mappingID string) []BookmarkLink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]BookmarkLink, 0)
	for _, link := range r.links {
		if link.MappingID == mappingID {
			out = append(out, link)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Links() []BookmarkLink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]BookmarkLink, 0, len(r.links))
	for _, link := range r.links {
		out = append(out, link)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Counts returns the number of mappings and links.
func (r *Registry) Counts() (int, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.mappings), len(r.links)
}

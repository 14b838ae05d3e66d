// Package localstore models the hierarchical local bookmark tree: folders
// containing bookmarks, mutation operations, and change notifications. The
// sync core only depends on the Store interface; MemStore backs tests and
// FileStore backs the daemon.
package localstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFolder    = errors.New("not a folder")
)

// RootID is the identifier of the implicit tree root.
const RootID = "root"

// Node is one entry in the bookmark tree. A node with an empty URL is a
// folder.
type Node struct {
	ID           string    `json:"id"`
	ParentID     string    `json:"parentId,omitempty"`
	Title        string    `json:"title"`
	URL          string    `json:"url,omitempty"`
	Index        int       `json:"index"`
	LastModified time.Time `json:"lastModified,omitempty"`
}

func (n Node) IsFolder() bool {
	return n.URL == ""
}

// MoveInfo carries the before/after parents of a moved node.
type MoveInfo struct {
	OldParentID string
	NewParentID string
}

// Listener receives change notifications from a Store. Callbacks fire
// synchronously on the mutating call.
type Listener interface {
	BookmarkCreated(node Node)
	BookmarkRemoved(node Node)
	BookmarkChanged(node Node)
	BookmarkMoved(node Node, move MoveInfo)
}

type Store interface {
	Get(ctx context.Context, id string) (Node, error)
	Children(ctx context.Context, folderID string) ([]Node, error)
	Tree(ctx context.Context) ([]Node, error)
	Create(ctx context.Context, node Node) (Node, error)
	Update(ctx context.Context, id, title, url string) (Node, error)
	Remove(ctx context.Context, id string) error
	Move(ctx context.Context, id, newParentID string) (Node, error)
	// Subscribe registers a listener and returns its removal function.
	Subscribe(listener Listener) func()
}

// MemStore is an in-memory bookmark tree.
type MemStore struct {
	mu        sync.RWMutex
	nodes     map[string]Node
	listeners map[int]Listener
	nextSub   int
}

func NewMemStore() *MemStore {
	return &MemStore{
		nodes: map[string]Node{
			RootID: {ID: RootID, Title: "Bookmarks"},
		},
		listeners: map[int]Listener{},
	}
}

func (s *MemStore) Subscribe(listener Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.listeners[id] = listener
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *MemStore) snapshotListeners() []Listener {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Listener, 0, len(s.listeners))
	for _, listener := range s.listeners {
		out = append(out, listener)
	}
	return out
}

func (s *MemStore) Get(ctx context.Context, id string) (Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.nodes[id]
	if !ok {
		return Node{}, ErrNotFound
	}
	return node, nil
}

func (s *MemStore) Children(ctx context.Context, folderID string) ([]Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	folder, ok := s.nodes[folderID]
	if !ok {
		return nil, ErrNotFound
	}
	if !folder.IsFolder() {
		return nil, ErrNotFolder
	}
	out := make([]Node, 0)
	for _, node := range s.nodes {
		if node.ParentID == folderID {
			out = append(out, node)
		}
	}
	sortNodes(out)
	return out, nil
}

func (s *MemStore) Tree(ctx context.Context) ([]Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Node, 0, len(s.nodes))
	for _, node := range s.nodes {
		out = append(out, node)
	}
	sortNodes(out)
	return out, nil
}

func (s *MemStore) Create(ctx context.Context, node Node) (Node, error) {
	if node.ParentID == "" {
		node.ParentID = RootID
	}
	s.mu.Lock()
	parent, ok := s.nodes[node.ParentID]
	if !ok {
		s.mu.Unlock()
		return Node{}, ErrNotFound
	}
	if !parent.IsFolder() {
		s.mu.Unlock()
		return Node{}, ErrNotFolder
	}
	if node.ID == "" {
		node.ID = uuid.NewString()
	}
	if _, exists := s.nodes[node.ID]; exists {
		s.mu.Unlock()
		return Node{}, ErrInvalidInput
	}
	node.Index = s.childCountLocked(node.ParentID)
	node.LastModified = time.Now().UTC()
	s.nodes[node.ID] = node
	s.mu.Unlock()

	for _, listener := range s.snapshotListeners() {
		listener.BookmarkCreated(node)
	}
	return node, nil
}

func (s *MemStore) Update(ctx context.Context, id, title, url string) (Node, error) {
	s.mu.Lock()
	node, ok := s.nodes[id]
	if !ok {
		s.mu.Unlock()
		return Node{}, ErrNotFound
	}
	node.Title = title
	if !node.IsFolder() {
		node.URL = url
	}
	node.LastModified = time.Now().UTC()
	s.nodes[id] = node
	s.mu.Unlock()

	for _, listener := range s.snapshotListeners() {
		listener.BookmarkChanged(node)
	}
	return node, nil
}

func (s *MemStore) Remove(ctx context.Context, id string) error {
	if id == RootID {
		return ErrInvalidInput
	}
	s.mu.Lock()
	node, ok := s.nodes[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	removed := []Node{node}
	delete(s.nodes, id)
	if node.IsFolder() {
		removed = append(removed, s.removeDescendantsLocked(id)...)
	}
	s.mu.Unlock()

	for _, gone := range removed {
		for _, listener := range s.snapshotListeners() {
			listener.BookmarkRemoved(gone)
		}
	}
	return nil
}

func (s *MemStore) removeDescendantsLocked(folderID string) []Node {
	removed := []Node{}
	for id, node := range s.nodes {
		if node.ParentID != folderID {
			continue
		}
		delete(s.nodes, id)
		removed = append(removed, node)
		if node.IsFolder() {
			removed = append(removed, s.removeDescendantsLocked(id)...)
		}
	}
	return removed
}

func (s *MemStore) Move(ctx context.Context, id, newParentID string) (Node, error) {
	if id == RootID {
		return Node{}, ErrInvalidInput
	}
	s.mu.Lock()
	node, ok := s.nodes[id]
	if !ok {
		s.mu.Unlock()
		return Node{}, ErrNotFound
	}
	parent, ok := s.nodes[newParentID]
	if !ok {
		s.mu.Unlock()
		return Node{}, ErrNotFound
	}
	if !parent.IsFolder() {
		s.mu.Unlock()
		return Node{}, ErrNotFolder
	}
	move := MoveInfo{OldParentID: node.ParentID, NewParentID: newParentID}
	node.ParentID = newParentID
	node.Index = s.childCountLocked(newParentID)
	node.LastModified = time.Now().UTC()
	s.nodes[id] = node
	s.mu.Unlock()

	for _, listener := range s.snapshotListeners() {
		listener.BookmarkMoved(node, move)
	}
	return node, nil
}

func (s *MemStore) childCountLocked(folderID string) int {
	count := 0
	for _, node := range s.nodes {
		if node.ParentID == folderID {
			count++
		}
	}
	return count
}

func sortNodes(nodes []Node) {
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Index != nodes[j].Index {
			return nodes[i].Index < nodes[j].Index
		}
		return nodes[i].ID < nodes[j].ID
	})
}

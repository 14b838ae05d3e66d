package localstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// FileStore persists the bookmark tree to one JSON document and watches it
// for external rewrites (a browser replacing its bookmarks file). External
// changes are diffed against the in-memory tree and surface as the same
// created/removed/changed/moved notifications a direct mutation would.
type FileStore struct {
	inner    *MemStore
	path     string
	debounce time.Duration
	logger   zerolog.Logger

	saveMu    sync.Mutex
	lastSaved string

	watcher   *fsnotify.Watcher
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type fileState struct {
	Nodes []Node `json:"nodes"`
}

func NewFileStore(path string, logger zerolog.Logger) (*FileStore, error) {
	if path == "" {
		return nil, ErrInvalidInput
	}
	s := &FileStore{
		inner:    NewMemStore(),
		path:     path,
		debounce: 200 * time.Millisecond,
		logger:   logger.With().Str("component", "localstore").Logger(),
		done:     make(chan struct{}),
	}
	if err := s.loadInitial(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory, not the file: atomic rename-replace swaps the
	// inode and a file watch would go dark after the first rewrite.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	s.watcher = watcher
	s.wg.Add(1)
	go s.watchLoop()
	return s, nil
}

func (s *FileStore) loadInitial() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s.save()
		}
		return err
	}
	var snap fileState
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	s.applyNodes(snap.Nodes)
	s.lastSaved = hashContent(data)
	return nil
}

// applyNodes loads nodes directly into the inner store, parents first, and
// without firing listeners (nobody is subscribed during construction).
func (s *FileStore) applyNodes(nodes []Node) {
	byDepth := append([]Node(nil), nodes...)
	sort.Slice(byDepth, func(i, j int) bool { return depthOf(nodes, byDepth[i]) < depthOf(nodes, byDepth[j]) })
	s.inner.mu.Lock()
	defer s.inner.mu.Unlock()
	for _, node := range byDepth {
		if node.ID == "" || node.ID == RootID {
			continue
		}
		s.inner.nodes[node.ID] = node
	}
}

func depthOf(nodes []Node, node Node) int {
	byID := map[string]Node{}
	for _, n := range nodes {
		byID[n.ID] = n
	}
	depth := 0
	for node.ParentID != "" && node.ParentID != RootID {
		parent, ok := byID[node.ParentID]
		if !ok || depth > 64 {
			break
		}
		node = parent
		depth++
	}
	return depth
}

func (s *FileStore) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.watcher != nil {
			_ = s.watcher.Close()
		}
		s.wg.Wait()
	})
}

func (s *FileStore) watchLoop() {
	defer s.wg.Done()
	var timer *time.Timer
	pending := make(chan struct{}, 1)
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(s.debounce, func() {
				select {
				case pending <- struct{}{}:
				default:
				}
			})
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn().Err(err).Msg("file watcher error")
		case <-pending:
			if err := s.reloadExternal(); err != nil {
				s.logger.Warn().Err(err).Msg("reload after external change failed")
			}
		}
	}
}

// reloadExternal re-reads the file and replays the difference against the
// in-memory tree so subscribers see ordinary mutation events.
func (s *FileStore) reloadExternal() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	s.saveMu.Lock()
	ownWrite := hashContent(data) == s.lastSaved
	if !ownWrite {
		s.lastSaved = hashContent(data)
	}
	s.saveMu.Unlock()
	if ownWrite {
		return nil
	}
	var snap fileState
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}

	ctx := context.Background()
	current, err := s.inner.Tree(ctx)
	if err != nil {
		return err
	}
	currentByID := map[string]Node{}
	for _, node := range current {
		if node.ID != RootID {
			currentByID[node.ID] = node
		}
	}
	incomingByID := map[string]Node{}
	incoming := make([]Node, 0, len(snap.Nodes))
	for _, node := range snap.Nodes {
		if node.ID == "" || node.ID == RootID {
			continue
		}
		incomingByID[node.ID] = node
		incoming = append(incoming, node)
	}

	// Creations parents-first so folder hierarchies materialize in order.
	sort.Slice(incoming, func(i, j int) bool { return depthOf(snap.Nodes, incoming[i]) < depthOf(snap.Nodes, incoming[j]) })
	for _, node := range incoming {
		existing, ok := currentByID[node.ID]
		if !ok {
			if _, err := s.inner.Create(ctx, node); err != nil {
				s.logger.Warn().Err(err).Str("id", node.ID).Msg("applying external create failed")
			}
			continue
		}
		if existing.ParentID != node.ParentID {
			if _, err := s.inner.Move(ctx, node.ID, node.ParentID); err != nil {
				s.logger.Warn().Err(err).Str("id", node.ID).Msg("applying external move failed")
			}
		}
		if existing.Title != node.Title || existing.URL != node.URL {
			if _, err := s.inner.Update(ctx, node.ID, node.Title, node.URL); err != nil {
				s.logger.Warn().Err(err).Str("id", node.ID).Msg("applying external update failed")
			}
		}
	}
	for id := range currentByID {
		if _, stillThere := incomingByID[id]; stillThere {
			continue
		}
		if err := s.inner.Remove(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
			s.logger.Warn().Err(err).Str("id", id).Msg("applying external remove failed")
		}
	}
	return nil
}

func (s *FileStore) save() error {
	nodes, err := s.inner.Tree(context.Background())
	if err != nil {
		return err
	}
	filtered := make([]Node, 0, len(nodes))
	for _, node := range nodes {
		if node.ID != RootID {
			filtered = append(filtered, node)
		}
	}
	data, err := json.Marshal(fileState{Nodes: filtered})
	if err != nil {
		return err
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	s.lastSaved = hashContent(data)
	return nil
}

func (s *FileStore) Get(ctx context.Context, id string) (Node, error) {
	return s.inner.Get(ctx, id)
}

func (s *FileStore) Children(ctx context.Context, folderID string) ([]Node, error) {
	return s.inner.Children(ctx, folderID)
}

func (s *FileStore) Tree(ctx context.Context) ([]Node, error) {
	return s.inner.Tree(ctx)
}

func (s *FileStore) Create(ctx context.Context, node Node) (Node, error) {
	created, err := s.inner.Create(ctx, node)
	if err != nil {
		return Node{}, err
	}
	return created, s.save()
}

func (s *FileStore) Update(ctx context.Context, id, title, url string) (Node, error) {
	updated, err := s.inner.Update(ctx, id, title, url)
	if err != nil {
		return Node{}, err
	}
	return updated, s.save()
}

func (s *FileStore) Remove(ctx context.Context, id string) error {
	if err := s.inner.Remove(ctx, id); err != nil {
		return err
	}
	return s.save()
}

func (s *FileStore) Move(ctx context.Context, id, newParentID string) (Node, error) {
	moved, err := s.inner.Move(ctx, id, newParentID)
	if err != nil {
		return Node{}, err
	}
	return moved, s.save()
}

func (s *FileStore) Subscribe(listener Listener) func() {
	return s.inner.Subscribe(listener)
}

func hashContent(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

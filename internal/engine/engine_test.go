package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/marksync/marksync/internal/localstore"
	"github.com/marksync/marksync/internal/observer"
	"github.com/marksync/marksync/internal/queue"
	"github.com/marksync/marksync/internal/registry"
	"github.com/marksync/marksync/internal/remote"
	"github.com/marksync/marksync/internal/state"
)

// fakeRemote is an in-memory stand-in for the HTTP service.
type fakeRemote struct {
	mu          sync.Mutex
	collections map[string]remote.Collection
	items       map[string]remote.Item
	nextID      int
	createCalls int
	updateCalls int
	bulkCalls   int
	failBulk    error
	failCreate  error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		collections: map[string]remote.Collection{},
		items:       map[string]remote.Item{},
	}
}

func (f *fakeRemote) id(prefix string) string {
	for {
		f.nextID++
		id := prefix + strconv.Itoa(f.nextID)
		if _, ok := f.items[id]; ok {
			continue
		}
		if _, ok := f.collections[id]; ok {
			continue
		}
		return id
	}
}

func (f *fakeRemote) addCollection(id, parentID, title string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collections[id] = remote.Collection{ID: id, ParentID: parentID, Title: title}
}

func (f *fakeRemote) addItem(id, collectionID, url, title string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[id] = remote.Item{ID: id, CollectionID: collectionID, URL: url, Title: title}
}

func (f *fakeRemote) CurrentUser(ctx context.Context) (remote.User, error) {
	return remote.User{ID: "u1", Name: "Pat"}, nil
}

func (f *fakeRemote) RootCollections(ctx context.Context) ([]remote.Collection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []remote.Collection{}
	for _, c := range f.collections {
		if c.ParentID == "" {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeRemote) ChildCollections(ctx context.Context) ([]remote.Collection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []remote.Collection{}
	for _, c := range f.collections {
		if c.ParentID != "" {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeRemote) Collection(ctx context.Context, id string) (remote.Collection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.collections[id]
	if !ok {
		return remote.Collection{}, remote.ErrNotFound
	}
	return c, nil
}

func (f *fakeRemote) CreateCollection(ctx context.Context, title, parentID string) (remote.Collection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := remote.Collection{ID: f.id("c"), ParentID: parentID, Title: title}
	f.collections[c.ID] = c
	return c, nil
}

func (f *fakeRemote) UpdateCollection(ctx context.Context, id, title string) (remote.Collection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.collections[id]
	if !ok {
		return remote.Collection{}, remote.ErrNotFound
	}
	c.Title = title
	f.collections[id] = c
	return c, nil
}

func (f *fakeRemote) DeleteCollection(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.collections, id)
	return nil
}

func (f *fakeRemote) Item(ctx context.Context, id string) (remote.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	if !ok {
		return remote.Item{}, remote.ErrNotFound
	}
	return item, nil
}

func (f *fakeRemote) Items(ctx context.Context, collectionID string, page, perPage int) ([]remote.Item, error) {
	all, err := f.AllItems(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	start := page * perPage
	if start >= len(all) {
		return nil, nil
	}
	end := start + perPage
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], nil
}

func (f *fakeRemote) AllItems(ctx context.Context, collectionID string) ([]remote.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []remote.Item{}
	for _, item := range f.items {
		if item.CollectionID == collectionID {
			out = append(out, item)
		}
	}
	return out, nil
}

func (f *fakeRemote) CreateItem(ctx context.Context, item remote.Item) (remote.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.failCreate != nil {
		return remote.Item{}, f.failCreate
	}
	item.ID = f.id("r")
	f.items[item.ID] = item
	return item, nil
}

func (f *fakeRemote) CreateItems(ctx context.Context, items []remote.Item) ([]remote.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bulkCalls++
	if f.failBulk != nil {
		return nil, f.failBulk
	}
	if len(items) > remote.BulkCreateChunk {
		return nil, fmt.Errorf("batch too large: %d", len(items))
	}
	out := make([]remote.Item, 0, len(items))
	for _, item := range items {
		item.ID = f.id("r")
		f.items[item.ID] = item
		out = append(out, item)
	}
	return out, nil
}

func (f *fakeRemote) UpdateItem(ctx context.Context, id string, patch remote.ItemPatch) (remote.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	item, ok := f.items[id]
	if !ok {
		return remote.Item{}, remote.ErrNotFound
	}
	if patch.URL != nil {
		item.URL = *patch.URL
	}
	if patch.Title != nil {
		item.Title = *patch.Title
	}
	if patch.CollectionID != nil {
		item.CollectionID = *patch.CollectionID
	}
	f.items[id] = item
	return item, nil
}

func (f *fakeRemote) DeleteItem(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.items[id]; !ok {
		return remote.ErrNotFound
	}
	delete(f.items, id)
	return nil
}

type harness struct {
	store  *localstore.MemStore
	api    *fakeRemote
	reg    *registry.Registry
	q      *queue.Queue
	guard  *observer.Guard
	engine *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	reg, err := registry.New(state.NewMemoryBackend(), zerolog.Nop())
	if err != nil {
		t.Fatalf("registry failed: %v", err)
	}
	t.Cleanup(reg.Close)
	q, err := queue.New(state.NewMemoryBackend(), queue.Options{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("queue failed: %v", err)
	}
	t.Cleanup(q.Close)
	h := &harness{
		store: localstore.NewMemStore(),
		api:   newFakeRemote(),
		reg:   reg,
		q:     q,
		guard: &observer.Guard{},
	}
	session := NewSession()
	session.SetToken("test-token")
	h.engine = New(h.store, h.api, reg, q, h.guard, session, zerolog.Nop())
	return h
}

func (h *harness) mapFolder(t *testing.T, folderID, collectionID string) registry.FolderMapping {
	t.Helper()
	mapping, err := h.reg.AddFolderMapping(registry.FolderMapping{LocalFolderID: folderID, RemoteCollectionID: collectionID})
	if err != nil {
		t.Fatalf("add mapping failed: %v", err)
	}
	return mapping
}

func (h *harness) addLocalFolder(t *testing.T, title string) localstore.Node {
	t.Helper()
	folder, err := h.store.Create(context.Background(), localstore.Node{Title: title})
	if err != nil {
		t.Fatalf("create folder failed: %v", err)
	}
	return folder
}

func (h *harness) addLocalBookmark(t *testing.T, parentID, title, url string) localstore.Node {
	t.Helper()
	node, err := h.store.Create(context.Background(), localstore.Node{ParentID: parentID, Title: title, URL: url})
	if err != nil {
		t.Fatalf("create bookmark failed: %v", err)
	}
	return node
}

func TestInitialSyncMatchesByNormalizedURL(t *testing.T) {
	h := newHarness(t)
	folder := h.addLocalFolder(t, "Reading")
	h.addLocalBookmark(t, folder.ID, "A", "https://x.com/a")
	h.api.addCollection("c1", "", "Reading")
	h.api.addItem("r1", "c1", "https://x.com/a?utm_source=y", "A")
	mapping := h.mapFolder(t, folder.ID, "c1")

	stats, err := h.engine.InitialSync(context.Background(), mapping.ID)
	if err != nil {
		t.Fatalf("initial sync failed: %v", err)
	}
	if stats.Matched != 1 || stats.CreatedRemote != 0 || stats.CreatedLocal != 0 {
		t.Fatalf("expected matched:1 created:0/0, got %+v", stats)
	}
	link, ok := h.reg.LinkByRemoteID("r1")
	if !ok || link.MappingID != mapping.ID {
		t.Fatalf("expected persisted link for matched pair, got %+v (ok=%v)", link, ok)
	}
}

func TestInitialSyncCreatesBothDirections(t *testing.T) {
	h := newHarness(t)
	folder := h.addLocalFolder(t, "Reading")
	h.addLocalBookmark(t, folder.ID, "Local only", "https://x.com/local")
	h.api.addCollection("c1", "", "Reading")
	h.api.addItem("r1", "c1", "https://x.com/remote", "Remote only")
	mapping := h.mapFolder(t, folder.ID, "c1")

	stats, err := h.engine.InitialSync(context.Background(), mapping.ID)
	if err != nil {
		t.Fatalf("initial sync failed: %v", err)
	}
	if stats.CreatedRemote != 1 || stats.CreatedLocal != 1 || stats.Matched != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	children, err := h.store.Children(context.Background(), folder.ID)
	if err != nil {
		t.Fatalf("children failed: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("expected pulled bookmark locally, got %d children", len(children))
	}
	items, _ := h.api.AllItems(context.Background(), "c1")
	if len(items) != 2 {
		t.Fatalf("expected pushed item remotely, got %d items", len(items))
	}
	_, links := h.reg.Counts()
	if links != 2 {
		t.Fatalf("expected two links, got %d", links)
	}
}

func TestInitialSyncTwiceIsIdempotent(t *testing.T) {
	h := newHarness(t)
	folder := h.addLocalFolder(t, "Reading")
	h.addLocalBookmark(t, folder.ID, "A", "https://x.com/a")
	h.api.addCollection("c1", "", "Reading")
	h.api.addItem("r1", "c1", "https://x.com/a", "A")
	mapping := h.mapFolder(t, folder.ID, "c1")

	first, err := h.engine.InitialSync(context.Background(), mapping.ID)
	if err != nil {
		t.Fatalf("first sync failed: %v", err)
	}
	second, err := h.engine.InitialSync(context.Background(), mapping.ID)
	if err != nil {
		t.Fatalf("second sync failed: %v", err)
	}
	if second.Matched != first.Matched {
		t.Fatalf("matched count drifted: %d then %d", first.Matched, second.Matched)
	}
	if second.CreatedRemote != 0 || second.CreatedLocal != 0 {
		t.Fatalf("second pass must create nothing, got %+v", second)
	}
	if h.api.createCalls != 0 {
		t.Fatalf("no single-item creates expected, got %d", h.api.createCalls)
	}
}

func TestPullCreatesUpdatesAndDeletes(t *testing.T) {
	h := newHarness(t)
	folder := h.addLocalFolder(t, "Reading")
	existing := h.addLocalBookmark(t, folder.ID, "Old title", "https://x.com/keep")
	h.api.addCollection("c1", "", "Reading")
	h.api.addItem("r1", "c1", "https://x.com/keep", "New title")
	h.api.addItem("r2", "c1", "https://x.com/new", "Brand new")
	mapping := h.mapFolder(t, folder.ID, "c1")
	if _, err := h.reg.AddLink(registry.BookmarkLink{
		LocalID: existing.ID, RemoteID: "r1", URL: existing.URL, Title: existing.Title,
		Hash: "stalehash", MappingID: mapping.ID,
	}); err != nil {
		t.Fatalf("seed link failed: %v", err)
	}
	// A link whose remote item no longer exists: must be swept.
	ghost := h.addLocalBookmark(t, folder.ID, "Ghost", "https://x.com/ghost")
	if _, err := h.reg.AddLink(registry.BookmarkLink{
		LocalID: ghost.ID, RemoteID: "r-gone", URL: ghost.URL, MappingID: mapping.ID,
	}); err != nil {
		t.Fatalf("seed ghost link failed: %v", err)
	}

	all, err := h.engine.Pull(context.Background())
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected one mapping processed, got %d", len(all))
	}
	stats := all[0]
	if stats.CreatedLocal != 1 || stats.UpdatedLocal != 1 || stats.DeletedLocal != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	updated, err := h.store.Get(context.Background(), existing.ID)
	if err != nil || updated.Title != "New title" {
		t.Fatalf("expected remote title applied, got %+v err=%v", updated, err)
	}
	if _, err := h.store.Get(context.Background(), ghost.ID); !errors.Is(err, localstore.ErrNotFound) {
		t.Fatalf("ghost bookmark should be removed, got %v", err)
	}
	if _, ok := h.reg.LinkByRemoteID("r-gone"); ok {
		t.Fatalf("ghost link should be removed")
	}
	if _, ok := h.reg.LinkByRemoteID("r2"); !ok {
		t.Fatalf("pulled item should be linked")
	}
}

func TestPullSkipsURLLinkedByAnotherMapping(t *testing.T) {
	h := newHarness(t)
	folderA := h.addLocalFolder(t, "A")
	folderB := h.addLocalFolder(t, "B")
	h.api.addCollection("ca", "", "A")
	h.api.addCollection("cb", "", "B")
	mappingA := h.mapFolder(t, folderA.ID, "ca")
	h.mapFolder(t, folderB.ID, "cb")

	owned := h.addLocalBookmark(t, folderA.ID, "Owned", "https://x.com/shared")
	if _, err := h.reg.AddLink(registry.BookmarkLink{
		LocalID: owned.ID, RemoteID: "ra", URL: owned.URL, MappingID: mappingA.ID,
	}); err != nil {
		t.Fatalf("seed link failed: %v", err)
	}
	h.api.addItem("ra", "ca", "https://x.com/shared", "Owned")
	// Same URL appears, unlinked, in mapping B's collection.
	h.api.addItem("rb", "cb", "https://x.com/shared?utm_source=feed", "Duplicate")

	if _, err := h.engine.Pull(context.Background()); err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	children, _ := h.store.Children(context.Background(), folderB.ID)
	if len(children) != 0 {
		t.Fatalf("duplicate URL must not create a local bookmark, got %+v", children)
	}
	if _, ok := h.reg.LinkByRemoteID("rb"); ok {
		t.Fatalf("duplicate URL must not create a link")
	}
}

func TestPushAttachesOrBulkCreates(t *testing.T) {
	h := newHarness(t)
	folder := h.addLocalFolder(t, "Reading")
	h.addLocalBookmark(t, folder.ID, "Attach me", "https://x.com/existing")
	h.addLocalBookmark(t, folder.ID, "Create me", "https://x.com/fresh")
	h.api.addCollection("c1", "", "Reading")
	h.api.addItem("r1", "c1", "https://x.com/existing/", "Attach me")
	h.mapFolder(t, folder.ID, "c1")

	all, err := h.engine.Push(context.Background())
	if err != nil {
		t.Fatalf("push failed: %v", err)
	}
	stats := all[0]
	if stats.Matched != 1 || stats.CreatedRemote != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if _, ok := h.reg.LinkByRemoteID("r1"); !ok {
		t.Fatalf("expected attachment to existing remote item")
	}
	items, _ := h.api.AllItems(context.Background(), "c1")
	if len(items) != 2 {
		t.Fatalf("expected one bulk-created item, got %d total", len(items))
	}
}

func TestFullResyncRebuildsFromGroundTruth(t *testing.T) {
	h := newHarness(t)
	folder := h.addLocalFolder(t, "Reading")
	h.addLocalBookmark(t, folder.ID, "A", "https://x.com/a")
	h.api.addCollection("c1", "", "Reading")
	h.api.addItem("r1", "c1", "https://x.com/a", "A")
	mapping := h.mapFolder(t, folder.ID, "c1")
	// Poison the state: a bogus link and a stale queued operation.
	if _, err := h.reg.AddLink(registry.BookmarkLink{LocalID: "bogus", RemoteID: "bogus-r", URL: "https://x.com/bogus", MappingID: mapping.ID}); err != nil {
		t.Fatalf("seed bogus link failed: %v", err)
	}
	if _, err := h.q.Enqueue(queue.Operation{Type: queue.OpDelete, Source: queue.SourceLocal, Data: queue.Data{LocalID: "bogus"}}); err != nil {
		t.Fatalf("seed op failed: %v", err)
	}

	all, err := h.engine.FullResync(context.Background())
	if err != nil {
		t.Fatalf("resync failed: %v", err)
	}
	if len(all) != 1 || all[0].Matched != 1 {
		t.Fatalf("unexpected stats %+v", all)
	}
	if h.q.PendingCount() != 0 {
		t.Fatalf("resync must clear the queue, got %d pending", h.q.PendingCount())
	}
	if _, ok := h.reg.LinkByLocalID("bogus"); ok {
		t.Fatalf("resync must drop stale links")
	}
	_, links := h.reg.Counts()
	if links != 1 {
		t.Fatalf("expected exactly the rebuilt link, got %d", links)
	}
}

func TestPropagateNestedCreatesCollectionsAndMappings(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	root := h.addLocalFolder(t, "Root")
	child, _ := h.store.Create(ctx, localstore.Node{ParentID: root.ID, Title: "Child"})
	if _, err := h.store.Create(ctx, localstore.Node{ParentID: child.ID, Title: "Grandchild"}); err != nil {
		t.Fatalf("create grandchild failed: %v", err)
	}
	h.api.addCollection("c-root", "", "Root")
	// "Child" already exists remotely and must be reused, not duplicated.
	h.api.addCollection("c-child", "c-root", "Child")
	mapping := h.mapFolder(t, root.ID, "c-root")

	created, err := h.engine.PropagateNested(ctx, mapping.ID)
	if err != nil {
		t.Fatalf("propagate failed: %v", err)
	}
	if len(created) != 2 {
		t.Fatalf("expected mappings for child and grandchild, got %d", len(created))
	}
	childMapping, ok := h.reg.MappingByFolder(child.ID)
	if !ok || childMapping.RemoteCollectionID != "c-child" {
		t.Fatalf("expected reuse of existing remote collection, got %+v", childMapping)
	}
	if childMapping.ParentMappingID != mapping.ID || childMapping.Depth != 1 {
		t.Fatalf("unexpected nesting metadata %+v", childMapping)
	}
}

func TestPropagateNestedStopsAtDepthCap(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	parent := h.addLocalFolder(t, "Level0")
	h.api.addCollection("c0", "", "Level0")
	mapping := h.mapFolder(t, parent.ID, "c0")
	current := parent
	for i := 1; i <= MaxNestedDepth+2; i++ {
		next, err := h.store.Create(ctx, localstore.Node{ParentID: current.ID, Title: fmt.Sprintf("Level%d", i)})
		if err != nil {
			t.Fatalf("create level %d failed: %v", i, err)
		}
		current = next
	}

	created, err := h.engine.PropagateNested(ctx, mapping.ID)
	if err != nil {
		t.Fatalf("propagate failed: %v", err)
	}
	if len(created) != MaxNestedDepth {
		t.Fatalf("expected recursion bounded at %d mappings, got %d", MaxNestedDepth, len(created))
	}
}

func TestApplyLocalCreateIsIdempotent(t *testing.T) {
	h := newHarness(t)
	folder := h.addLocalFolder(t, "Reading")
	node := h.addLocalBookmark(t, folder.ID, "A", "https://x.com/a")
	h.api.addCollection("c1", "", "Reading")
	mapping := h.mapFolder(t, folder.ID, "c1")

	op := queue.Operation{
		Type: queue.OpCreate, Source: queue.SourceLocal,
		Data: queue.Data{LocalID: node.ID, URL: node.URL, Title: node.Title, MappingID: mapping.ID, CollectionID: "c1"},
	}
	if err := h.engine.Apply(context.Background(), op); err != nil {
		t.Fatalf("first apply failed: %v", err)
	}
	if err := h.engine.Apply(context.Background(), op); err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if h.api.createCalls != 1 {
		t.Fatalf("replay must not create a second remote item, got %d creates", h.api.createCalls)
	}
}

func TestApplyLocalMoveRepointsLinkAndCollection(t *testing.T) {
	h := newHarness(t)
	folderA := h.addLocalFolder(t, "A")
	folderB := h.addLocalFolder(t, "B")
	h.api.addCollection("ca", "", "A")
	h.api.addCollection("cb", "", "B")
	mappingA := h.mapFolder(t, folderA.ID, "ca")
	mappingB := h.mapFolder(t, folderB.ID, "cb")
	node := h.addLocalBookmark(t, folderA.ID, "A", "https://x.com/a")
	h.api.addItem("r1", "ca", node.URL, node.Title)
	if _, err := h.reg.AddLink(registry.BookmarkLink{LocalID: node.ID, RemoteID: "r1", URL: node.URL, MappingID: mappingA.ID}); err != nil {
		t.Fatalf("seed link failed: %v", err)
	}

	err := h.engine.Apply(context.Background(), queue.Operation{
		Type: queue.OpMove, Source: queue.SourceLocal,
		Data: queue.Data{LocalID: node.ID, RemoteID: "r1", MappingID: mappingB.ID, OldCollectionID: "ca", NewCollectionID: "cb"},
	})
	if err != nil {
		t.Fatalf("apply move failed: %v", err)
	}
	item, err := h.api.Item(context.Background(), "r1")
	if err != nil || item.CollectionID != "cb" {
		t.Fatalf("expected item moved to cb, got %+v err=%v", item, err)
	}
	link, _ := h.reg.LinkByLocalID(node.ID)
	if link.MappingID != mappingB.ID {
		t.Fatalf("expected link repointed to mapping B, got %+v", link)
	}
}

func TestApplyRemoteDeleteToleratesAlreadyGone(t *testing.T) {
	h := newHarness(t)
	folder := h.addLocalFolder(t, "Reading")
	h.api.addCollection("c1", "", "Reading")
	mapping := h.mapFolder(t, folder.ID, "c1")
	if _, err := h.reg.AddLink(registry.BookmarkLink{LocalID: "gone-local", RemoteID: "r1", URL: "https://x.com/a", MappingID: mapping.ID}); err != nil {
		t.Fatalf("seed link failed: %v", err)
	}

	err := h.engine.Apply(context.Background(), queue.Operation{
		Type: queue.OpDelete, Source: queue.SourceRemote,
		Data: queue.Data{RemoteID: "r1"},
	})
	if err != nil {
		t.Fatalf("already-gone local bookmark must be success, got %v", err)
	}
	if _, ok := h.reg.LinkByRemoteID("r1"); ok {
		t.Fatalf("link must be cleaned up even when the bookmark was gone")
	}
}

func TestDrainQueuePushesLocalCreate(t *testing.T) {
	h := newHarness(t)
	folder := h.addLocalFolder(t, "Reading")
	node := h.addLocalBookmark(t, folder.ID, "A", "https://x.com/a")
	h.api.addCollection("c1", "", "Reading")
	mapping := h.mapFolder(t, folder.ID, "c1")
	if _, err := h.q.Enqueue(queue.Operation{
		Type: queue.OpCreate, Source: queue.SourceLocal,
		Data: queue.Data{LocalID: node.ID, URL: node.URL, Title: node.Title, MappingID: mapping.ID, CollectionID: "c1"},
	}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	result, err := h.engine.DrainQueue(context.Background())
	if err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if result.Succeeded != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	items, _ := h.api.AllItems(context.Background(), "c1")
	if len(items) != 1 {
		t.Fatalf("expected remote item created, got %d", len(items))
	}
	if _, ok := h.reg.LinkByLocalID(node.ID); !ok {
		t.Fatalf("expected link after drain")
	}
}

func TestPushSkipsCandidateLinkedElsewhere(t *testing.T) {
	h := newHarness(t)
	folder := h.addLocalFolder(t, "Reading")
	h.addLocalBookmark(t, folder.ID, "Mine", "https://x.com/shared")
	h.api.addCollection("c1", "", "Reading")
	// Two remote items share the URL; one is already linked under another
	// mapping and must not be attached again.
	h.api.addItem("r-taken", "c1", "https://x.com/shared", "Theirs")
	h.api.addItem("r-free", "c1", "https://x.com/shared", "Spare")
	mapping := h.mapFolder(t, folder.ID, "c1")
	other := h.addLocalFolder(t, "Elsewhere")
	h.api.addCollection("c2", "", "Elsewhere")
	otherMapping := h.mapFolder(t, other.ID, "c2")
	if _, err := h.reg.AddLink(registry.BookmarkLink{
		LocalID: "elsewhere", RemoteID: "r-taken", URL: "https://x.com/shared", MappingID: otherMapping.ID,
	}); err != nil {
		t.Fatalf("seed link failed: %v", err)
	}

	all, err := h.engine.Push(context.Background())
	if err != nil {
		t.Fatalf("push failed: %v", err)
	}
	var stats MappingStats
	for _, s := range all {
		if s.MappingID == mapping.ID {
			stats = s
		}
	}
	if stats.Matched != 1 || stats.CreatedRemote != 0 {
		t.Fatalf("expected attach to the unlinked candidate, got %+v", stats)
	}
	link, ok := h.reg.LinkByRemoteID("r-free")
	if !ok {
		t.Fatalf("expected link to the spare remote item")
	}
	if link.RemoteID != "r-free" {
		t.Fatalf("unexpected link %+v", link)
	}
	items, _ := h.api.AllItems(context.Background(), "c1")
	if len(items) != 2 {
		t.Fatalf("no duplicate remote item expected, got %d", len(items))
	}
}

func TestApplyLocalUpdateDropsNonSyncableURL(t *testing.T) {
	h := newHarness(t)
	folder := h.addLocalFolder(t, "Reading")
	node := h.addLocalBookmark(t, folder.ID, "A", "https://x.com/a")
	h.api.addCollection("c1", "", "Reading")
	h.api.addItem("r1", "c1", node.URL, node.Title)
	mapping := h.mapFolder(t, folder.ID, "c1")
	if _, err := h.reg.AddLink(registry.BookmarkLink{
		LocalID: node.ID, RemoteID: "r1", URL: node.URL, Title: node.Title, MappingID: mapping.ID,
	}); err != nil {
		t.Fatalf("seed link failed: %v", err)
	}
	if _, err := h.store.Update(context.Background(), node.ID, "A", "javascript:alert(1)"); err != nil {
		t.Fatalf("local update failed: %v", err)
	}

	err := h.engine.Apply(context.Background(), queue.Operation{
		Type: queue.OpUpdate, Source: queue.SourceLocal,
		Data: queue.Data{LocalID: node.ID, RemoteID: "r1", URL: "javascript:alert(1)", Title: "A", MappingID: mapping.ID},
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if h.api.updateCalls != 0 {
		t.Fatalf("non-syncable URL must never be patched onto the remote item")
	}
	item, _ := h.api.Item(context.Background(), "r1")
	if item.URL != "https://x.com/a" {
		t.Fatalf("remote item mutated: %+v", item)
	}
}

func TestDrainHaltsOnRejectedCredential(t *testing.T) {
	h := newHarness(t)
	folder := h.addLocalFolder(t, "Reading")
	h.api.addCollection("c1", "", "Reading")
	mapping := h.mapFolder(t, folder.ID, "c1")
	for _, title := range []string{"A", "B"} {
		node := h.addLocalBookmark(t, folder.ID, title, "https://x.com/"+title)
		if _, err := h.q.Enqueue(queue.Operation{
			Type: queue.OpCreate, Source: queue.SourceLocal,
			Data: queue.Data{LocalID: node.ID, URL: node.URL, Title: node.Title, MappingID: mapping.ID, CollectionID: "c1"},
		}); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}
	h.api.failCreate = &remote.AuthError{Message: "token expired"}

	result, err := h.engine.DrainQueue(context.Background())
	if err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if !result.Halted || result.Failed != 0 {
		t.Fatalf("auth failure must halt the pass without counting failures, got %+v", result)
	}
	if h.api.createCalls != 1 {
		t.Fatalf("halt must stop after the first rejected call, got %d", h.api.createCalls)
	}
	if h.engine.Session().Authenticated() {
		t.Fatalf("rejected credential must be cleared")
	}
	pending := h.q.Pending()
	if len(pending) != 2 {
		t.Fatalf("operations must stay pending through a halt, got %d", len(pending))
	}
	for _, op := range pending {
		if op.Retries != 0 {
			t.Fatalf("auth failure must not consume retry budget, got %+v", op)
		}
	}

	// A fresh credential drains the backlog.
	h.api.failCreate = nil
	h.engine.Session().SetToken("fresh")
	result, err = h.engine.DrainQueue(context.Background())
	if err != nil || result.Succeeded != 2 {
		t.Fatalf("expected full drain after re-auth: %+v err=%v", result, err)
	}
}

func TestPropagateNestedClaimsInProgressFlag(t *testing.T) {
	h := newHarness(t)
	folder := h.addLocalFolder(t, "Root")
	h.api.addCollection("c-root", "", "Root")
	mapping := h.mapFolder(t, folder.ID, "c-root")

	h.engine.inProgress.Store(true)
	if _, err := h.engine.PropagateNested(context.Background(), mapping.ID); !errors.Is(err, ErrInProgress) {
		t.Fatalf("expected in-progress rejection, got %v", err)
	}
	h.engine.inProgress.Store(false)

	if _, err := h.engine.PropagateNested(context.Background(), mapping.ID); err != nil {
		t.Fatalf("propagate failed after release: %v", err)
	}
	if h.engine.inProgress.Load() {
		t.Fatalf("in-progress flag must be released when propagation finishes")
	}
}

func TestBeginGuards(t *testing.T) {
	h := newHarness(t)
	folder := h.addLocalFolder(t, "Reading")
	h.api.addCollection("c1", "", "Reading")
	mapping := h.mapFolder(t, folder.ID, "c1")

	h.engine.Session().SetEnabled(false)
	if _, err := h.engine.InitialSync(context.Background(), mapping.ID); !errors.Is(err, ErrSyncDisabled) {
		t.Fatalf("expected disabled rejection, got %v", err)
	}
	h.engine.Session().SetEnabled(true)

	h.engine.Session().ClearToken()
	if _, err := h.engine.Pull(context.Background()); !errors.Is(err, ErrNotSignedIn) {
		t.Fatalf("expected unauthenticated rejection, got %v", err)
	}
	h.engine.Session().SetToken("fresh")

	h.engine.inProgress.Store(true)
	if _, err := h.engine.Push(context.Background()); !errors.Is(err, ErrInProgress) {
		t.Fatalf("expected in-progress rejection, got %v", err)
	}
	h.engine.inProgress.Store(false)
}

func TestStatusReflectsState(t *testing.T) {
	h := newHarness(t)
	folder := h.addLocalFolder(t, "Reading")
	h.api.addCollection("c1", "", "Reading")
	mapping := h.mapFolder(t, folder.ID, "c1")
	if _, err := h.reg.AddLink(registry.BookmarkLink{LocalID: "l1", RemoteID: "r1", URL: "https://x.com/a", MappingID: mapping.ID}); err != nil {
		t.Fatalf("seed link failed: %v", err)
	}
	if _, err := h.q.Enqueue(queue.Operation{Type: queue.OpUpdate, Source: queue.SourceLocal, Data: queue.Data{LocalID: "l1"}}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	status := h.engine.Status(context.Background())
	if !status.Authenticated || !status.Enabled || status.InProgress {
		t.Fatalf("unexpected flags %+v", status)
	}
	if status.Mappings != 1 || status.Links != 1 || status.PendingOps != 1 {
		t.Fatalf("unexpected counts %+v", status)
	}
	if status.UserName != "Pat" {
		t.Fatalf("expected resolved user name, got %q", status.UserName)
	}
	// Cached name survives until the credential changes.
	h.engine.Session().SetToken("rotated")
	if h.engine.Session().cachedUserName() != "" {
		t.Fatalf("credential rotation must clear the cached user name")
	}
}

func TestSessionUserNameCacheClearedOnCredentialChange(t *testing.T) {
	session := NewSession()
	session.SetToken("t1")
	session.setUserName("Pat")
	session.SetToken("t1")
	if session.cachedUserName() != "Pat" {
		t.Fatalf("same token must keep the cache")
	}
	session.SetToken("t2")
	if session.cachedUserName() != "" {
		t.Fatalf("new token must clear the cache")
	}
}

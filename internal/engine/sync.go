package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/marksync/marksync/internal/localstore"
	"github.com/marksync/marksync/internal/mark"
	"github.com/marksync/marksync/internal/registry"
	"github.com/marksync/marksync/internal/remote"
)

// InitialSync reconciles one mapping from scratch: match by normalized URL,
// bulk-create the local-only bookmarks remotely, create the remote-only items
// locally, and persist a link for every pair. Individual item failures are
// collected into the stats, not fatal to the pass.
func (e *Engine) InitialSync(ctx context.Context, mappingID string) (MappingStats, error) {
	done, err := e.begin()
	if err != nil {
		return MappingStats{}, err
	}
	stats, err := e.initialSyncMapping(ctx, mappingID)
	done("initial sync", err)
	return stats, err
}

func (e *Engine) initialSyncMapping(ctx context.Context, mappingID string) (MappingStats, error) {
	mapping, ok := e.registry.MappingByID(mappingID)
	if !ok {
		return MappingStats{}, fmt.Errorf("%w: mapping %s", ErrNotFound, mappingID)
	}
	stats := MappingStats{MappingID: mapping.ID}

	locals, err := e.localBookmarks(ctx, mapping.LocalFolderID)
	if err != nil {
		return stats, fmt.Errorf("list local folder %s: %w", mapping.LocalFolderID, err)
	}
	items, err := e.remote.AllItems(ctx, mapping.RemoteCollectionID)
	if err != nil {
		return stats, fmt.Errorf("list collection %s: %w", mapping.RemoteCollectionID, err)
	}

	// Normalized-URL index of remote items. Matches consume entries so a
	// duplicate URL cannot be matched twice.
	index := map[string][]remote.Item{}
	byRemoteID := map[string]remote.Item{}
	for _, item := range items {
		norm := mark.NormalizeURL(item.URL)
		index[norm] = append(index[norm], item)
		byRemoteID[item.ID] = item
	}
	consumeByID := func(remoteID string) {
		item, ok := byRemoteID[remoteID]
		if !ok {
			return
		}
		norm := mark.NormalizeURL(item.URL)
		bucket := index[norm]
		for i, candidate := range bucket {
			if candidate.ID == remoteID {
				index[norm] = append(bucket[:i], bucket[i+1:]...)
				break
			}
		}
	}

	var localOnly []localstore.Node
	for _, local := range locals {
		if link, linked := e.registry.LinkByLocalID(local.ID); linked {
			stats.Matched++
			consumeByID(link.RemoteID)
			continue
		}
		norm := mark.NormalizeURL(local.URL)
		bucket := index[norm]
		if len(bucket) > 0 {
			item := bucket[0]
			index[norm] = bucket[1:]
			if err := e.persistLink(local, item, mapping.ID); err != nil {
				stats.Errors = append(stats.Errors, err.Error())
				e.errRing.record("initial-sync", mapping.ID, err)
				continue
			}
			stats.Matched++
			continue
		}
		localOnly = append(localOnly, local)
	}

	if err := e.pushLocalOnly(ctx, mapping, localOnly, &stats); err != nil {
		stats.Errors = append(stats.Errors, err.Error())
		e.errRing.record("initial-sync", mapping.ID, err)
	}

	// Whatever the index still holds is remote-only.
	release := e.guard.Enter()
	defer release()
	for _, bucket := range index {
		for _, item := range bucket {
			if _, linked := e.registry.LinkByRemoteID(item.ID); linked {
				continue
			}
			if len(e.registry.LinksByURL(item.URL)) > 0 {
				continue
			}
			node, err := e.store.Create(ctx, localstore.Node{
				ParentID: mapping.LocalFolderID,
				Title:    item.Title,
				URL:      item.URL,
			})
			if err != nil {
				stats.Errors = append(stats.Errors, err.Error())
				e.errRing.record("initial-sync", mapping.ID, err)
				continue
			}
			if err := e.persistLink(node, item, mapping.ID); err != nil {
				stats.Errors = append(stats.Errors, err.Error())
				e.errRing.record("initial-sync", mapping.ID, err)
				continue
			}
			stats.CreatedLocal++
		}
	}

	if err := e.registry.TouchMapping(mapping.ID, nowUTC()); err != nil {
		stats.Errors = append(stats.Errors, err.Error())
	}
	return stats, nil
}

// pushLocalOnly bulk-creates local-only bookmarks remotely in chunks, then
// re-matches the created items back to their originating bookmarks by
// normalized URL, consuming one-for-one so duplicate URLs cannot be
// double-matched.
func (e *Engine) pushLocalOnly(ctx context.Context, mapping registry.FolderMapping, localOnly []localstore.Node, stats *MappingStats) error {
	if len(localOnly) == 0 {
		return nil
	}
	waiting := map[string][]localstore.Node{}
	for _, local := range localOnly {
		norm := mark.NormalizeURL(local.URL)
		waiting[norm] = append(waiting[norm], local)
	}
	for start := 0; start < len(localOnly); start += remote.BulkCreateChunk {
		end := start + remote.BulkCreateChunk
		if end > len(localOnly) {
			end = len(localOnly)
		}
		batch := make([]remote.Item, 0, end-start)
		for _, local := range localOnly[start:end] {
			batch = append(batch, remote.Item{
				CollectionID: mapping.RemoteCollectionID,
				URL:          local.URL,
				Title:        local.Title,
			})
		}
		created, err := e.remote.CreateItems(ctx, batch)
		if err != nil {
			return fmt.Errorf("bulk create %d items: %w", len(batch), err)
		}
		for _, item := range created {
			norm := mark.NormalizeURL(item.URL)
			bucket := waiting[norm]
			if len(bucket) == 0 {
				continue
			}
			local := bucket[0]
			waiting[norm] = bucket[1:]
			if err := e.persistLink(local, item, mapping.ID); err != nil {
				stats.Errors = append(stats.Errors, err.Error())
				e.errRing.record("push", mapping.ID, err)
				continue
			}
			stats.CreatedRemote++
		}
	}
	return nil
}

func (e *Engine) persistLink(local localstore.Node, item remote.Item, mappingID string) error {
	_, err := e.registry.AddLink(registry.BookmarkLink{
		LocalID:      local.ID,
		RemoteID:     item.ID,
		URL:          local.URL,
		Title:        local.Title,
		LastModified: local.LastModified,
		Hash:         mark.ContentHash(local.URL, local.Title),
		Status:       registry.StatusSynced,
		MappingID:    mappingID,
	})
	return err
}

// Pull reconciles remote changes into the local store for every mapping.
// Per-mapping failures are collected; one broken mapping does not abort the
// rest of the pass.
func (e *Engine) Pull(ctx context.Context) ([]MappingStats, error) {
	done, err := e.begin()
	if err != nil {
		return nil, err
	}
	all, err := e.pullAll(ctx)
	done("pull", err)
	return all, err
}

func (e *Engine) pullAll(ctx context.Context) ([]MappingStats, error) {
	var failures []error
	all := []MappingStats{}
	for _, mapping := range e.registry.Mappings() {
		stats, err := e.pullMapping(ctx, mapping)
		if err != nil {
			failures = append(failures, fmt.Errorf("mapping %s: %w", mapping.ID, err))
			e.errRing.record("pull", mapping.ID, err)
			stats.Errors = append(stats.Errors, err.Error())
		}
		all = append(all, stats)
	}
	return all, errors.Join(failures...)
}

func (e *Engine) pullMapping(ctx context.Context, mapping registry.FolderMapping) (MappingStats, error) {
	stats := MappingStats{MappingID: mapping.ID}
	items, err := e.remote.AllItems(ctx, mapping.RemoteCollectionID)
	if err != nil {
		return stats, err
	}

	release := e.guard.Enter()
	defer release()

	seen := map[string]struct{}{}
	for _, item := range items {
		seen[item.ID] = struct{}{}
		link, linked := e.registry.LinkByRemoteID(item.ID)
		if !linked {
			// The URL guard breaks the pull→local-create→push→pull feedback
			// loop and keeps a URL owned elsewhere from being duplicated.
			if len(e.registry.LinksByURL(item.URL)) > 0 {
				continue
			}
			node, err := e.store.Create(ctx, localstore.Node{
				ParentID: mapping.LocalFolderID,
				Title:    item.Title,
				URL:      item.URL,
			})
			if err != nil {
				stats.Errors = append(stats.Errors, err.Error())
				e.errRing.record("pull", mapping.ID, err)
				continue
			}
			if err := e.persistLink(node, item, mapping.ID); err != nil {
				stats.Errors = append(stats.Errors, err.Error())
				e.errRing.record("pull", mapping.ID, err)
				continue
			}
			stats.CreatedLocal++
			continue
		}
		if link.MappingID != mapping.ID {
			// Another mapping owns this item.
			continue
		}
		remoteHash := mark.ContentHash(item.URL, item.Title)
		if remoteHash == link.Hash {
			continue
		}
		if _, err := e.store.Update(ctx, link.LocalID, item.Title, item.URL); err != nil {
			stats.Errors = append(stats.Errors, err.Error())
			e.errRing.record("pull", mapping.ID, err)
			continue
		}
		link.URL = item.URL
		link.Title = item.Title
		link.Hash = remoteHash
		link.LastModified = nowUTC()
		if err := e.registry.UpdateLink(link); err != nil {
			stats.Errors = append(stats.Errors, err.Error())
			e.errRing.record("pull", mapping.ID, err)
			continue
		}
		stats.UpdatedLocal++
	}

	// Links whose remote item vanished: the item was deleted remotely.
	for _, link := range e.registry.LinksForMapping(mapping.ID) {
		if _, stillThere := seen[link.RemoteID]; stillThere {
			continue
		}
		if err := e.store.Remove(ctx, link.LocalID); err != nil && !errors.Is(err, localstore.ErrNotFound) {
			stats.Errors = append(stats.Errors, err.Error())
			e.errRing.record("pull", mapping.ID, err)
			continue
		}
		if err := e.registry.RemoveLink(link.ID); err != nil {
			stats.Errors = append(stats.Errors, err.Error())
			e.errRing.record("pull", mapping.ID, err)
			continue
		}
		stats.DeletedLocal++
	}

	if err := e.registry.TouchMapping(mapping.ID, nowUTC()); err != nil {
		stats.Errors = append(stats.Errors, err.Error())
	}
	return stats, nil
}

// Push reconciles unlinked local bookmarks toward the remote store for every
// mapping: attach to an existing remote item with a matching URL, or
// bulk-create.
func (e *Engine) Push(ctx context.Context) ([]MappingStats, error) {
	done, err := e.begin()
	if err != nil {
		return nil, err
	}
	all, err := e.pushAll(ctx)
	done("push", err)
	return all, err
}

func (e *Engine) pushAll(ctx context.Context) ([]MappingStats, error) {
	var failures []error
	all := []MappingStats{}
	for _, mapping := range e.registry.Mappings() {
		stats, err := e.pushMapping(ctx, mapping)
		if err != nil {
			failures = append(failures, fmt.Errorf("mapping %s: %w", mapping.ID, err))
			e.errRing.record("push", mapping.ID, err)
			stats.Errors = append(stats.Errors, err.Error())
		}
		all = append(all, stats)
	}
	return all, errors.Join(failures...)
}

func (e *Engine) pushMapping(ctx context.Context, mapping registry.FolderMapping) (MappingStats, error) {
	stats := MappingStats{MappingID: mapping.ID}
	locals, err := e.localBookmarks(ctx, mapping.LocalFolderID)
	if err != nil {
		return stats, err
	}
	items, err := e.remote.AllItems(ctx, mapping.RemoteCollectionID)
	if err != nil {
		return stats, err
	}
	index := map[string][]remote.Item{}
	for _, item := range items {
		norm := mark.NormalizeURL(item.URL)
		index[norm] = append(index[norm], item)
	}

	var localOnly []localstore.Node
	for _, local := range locals {
		if _, linked := e.registry.LinkByLocalID(local.ID); linked {
			continue
		}
		// First unlinked same-URL item wins; candidates already linked under
		// another mapping are skipped, not grounds for minting a duplicate.
		norm := mark.NormalizeURL(local.URL)
		matched := false
		bucket := index[norm]
		for i, item := range bucket {
			if _, taken := e.registry.LinkByRemoteID(item.ID); taken {
				continue
			}
			index[norm] = append(bucket[:i:i], bucket[i+1:]...)
			if err := e.persistLink(local, item, mapping.ID); err != nil {
				stats.Errors = append(stats.Errors, err.Error())
				e.errRing.record("push", mapping.ID, err)
			} else {
				stats.Matched++
			}
			matched = true
			break
		}
		if !matched {
			localOnly = append(localOnly, local)
		}
	}

	if err := e.pushLocalOnly(ctx, mapping, localOnly, &stats); err != nil {
		return stats, err
	}
	if err := e.registry.TouchMapping(mapping.ID, nowUTC()); err != nil {
		stats.Errors = append(stats.Errors, err.Error())
	}
	return stats, nil
}

// FullResync rebuilds from ground truth: every link and every queued
// operation is dropped, then initial sync runs for each mapping in turn.
func (e *Engine) FullResync(ctx context.Context) ([]MappingStats, error) {
	done, err := e.begin()
	if err != nil {
		return nil, err
	}
	defer func() { done("full resync", err) }()

	if err = e.registry.ClearLinks(); err != nil {
		return nil, err
	}
	if err = e.queue.Clear(); err != nil {
		return nil, err
	}
	var failures []error
	all := []MappingStats{}
	for _, mapping := range e.registry.Mappings() {
		stats, mapErr := e.initialSyncMapping(ctx, mapping.ID)
		if mapErr != nil {
			failures = append(failures, fmt.Errorf("mapping %s: %w", mapping.ID, mapErr))
			e.errRing.record("resync", mapping.ID, mapErr)
			stats.Errors = append(stats.Errors, mapErr.Error())
		}
		all = append(all, stats)
	}
	err = errors.Join(failures...)
	return all, err
}

// walkContext threads the pre-fetched collection list through nested-folder
// propagation so the recursion never pays one lookup round-trip per folder.
type walkContext struct {
	collections []remote.Collection
}

func (w *walkContext) find(parentID, title string) (remote.Collection, bool) {
	for _, collection := range w.collections {
		if collection.ParentID == parentID && collection.Title == title {
			return collection, true
		}
	}
	return remote.Collection{}, false
}

// PropagateNested maps the child folders of an existing mapping onto remote
// collections, creating collections and mappings as needed, down to
// MaxNestedDepth. Branches beyond the cap are silently skipped.
func (e *Engine) PropagateNested(ctx context.Context, mappingID string) ([]registry.FolderMapping, error) {
	done, err := e.begin()
	if err != nil {
		return nil, err
	}
	created, err := e.propagateNested(ctx, mappingID)
	done("propagate", err)
	return created, err
}

func (e *Engine) propagateNested(ctx context.Context, mappingID string) ([]registry.FolderMapping, error) {
	mapping, ok := e.registry.MappingByID(mappingID)
	if !ok {
		return nil, fmt.Errorf("%w: mapping %s", ErrNotFound, mappingID)
	}
	roots, err := e.remote.RootCollections(ctx)
	if err != nil {
		return nil, err
	}
	children, err := e.remote.ChildCollections(ctx)
	if err != nil {
		return nil, err
	}
	walk := &walkContext{collections: append(roots, children...)}
	created := []registry.FolderMapping{}
	err = e.propagate(ctx, walk, mapping, mapping.Depth+1, &created)
	return created, err
}

func (e *Engine) propagate(ctx context.Context, walk *walkContext, parent registry.FolderMapping, depth int, created *[]registry.FolderMapping) error {
	if depth > MaxNestedDepth {
		return nil
	}
	folders, err := e.localFolders(ctx, parent.LocalFolderID)
	if err != nil {
		return err
	}
	for _, folder := range folders {
		mapping, mapped := e.registry.MappingByFolder(folder.ID)
		if !mapped {
			collection, found := walk.find(parent.RemoteCollectionID, folder.Title)
			if !found {
				collection, err = e.remote.CreateCollection(ctx, folder.Title, parent.RemoteCollectionID)
				if err != nil {
					return fmt.Errorf("create collection %q: %w", folder.Title, err)
				}
				walk.collections = append(walk.collections, collection)
			}
			mapping, err = e.registry.AddFolderMapping(registry.FolderMapping{
				LocalFolderID:      folder.ID,
				RemoteCollectionID: collection.ID,
				LocalName:          folder.Title,
				RemoteName:         collection.Title,
				ParentMappingID:    parent.ID,
				Depth:              depth,
				SyncChildren:       parent.SyncChildren,
			})
			if err != nil {
				if errors.Is(err, registry.ErrDuplicateMapping) {
					continue
				}
				return err
			}
			*created = append(*created, mapping)
		}
		if err := e.propagate(ctx, walk, mapping, depth+1, created); err != nil {
			return err
		}
	}
	return nil
}

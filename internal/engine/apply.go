package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/marksync/marksync/internal/localstore"
	"github.com/marksync/marksync/internal/mark"
	"github.com/marksync/marksync/internal/queue"
	"github.com/marksync/marksync/internal/remote"
)

// Apply is the queue handler: a dispatch table keyed by (source, type).
// Every branch first consults the registry and treats "already linked" or
// "already absent" as success so the queue is safe to replay after partial
// completion.
func (e *Engine) Apply(ctx context.Context, op queue.Operation) error {
	switch op.Source {
	case queue.SourceLocal:
		switch op.Type {
		case queue.OpCreate:
			return e.applyLocalCreate(ctx, op)
		case queue.OpUpdate:
			return e.applyLocalUpdate(ctx, op)
		case queue.OpDelete:
			return e.applyLocalDelete(ctx, op)
		case queue.OpMove:
			return e.applyLocalMove(ctx, op)
		}
	case queue.SourceRemote:
		switch op.Type {
		case queue.OpCreate:
			return e.applyRemoteCreate(ctx, op)
		case queue.OpUpdate:
			return e.applyRemoteUpdate(ctx, op)
		case queue.OpDelete:
			return e.applyRemoteDelete(ctx, op)
		}
	}
	return fmt.Errorf("unsupported operation %s/%s", op.Source, op.Type)
}

// handleOp wraps Apply for queue processing. A 401 from the remote store
// means the credential is dead: clear it and halt the pass so the remaining
// operations keep their retry budgets until a new token arrives.
func (e *Engine) handleOp(ctx context.Context, op queue.Operation) error {
	err := e.Apply(ctx, op)
	var authErr *remote.AuthError
	if errors.As(err, &authErr) {
		e.session.ClearToken()
		e.logger.Warn().Str("opId", op.ID).Msg("credential rejected, halting queue drain")
		return fmt.Errorf("%w: %w", queue.ErrHalt, err)
	}
	return err
}

// DrainQueue runs the queue processor with the engine's handler.
func (e *Engine) DrainQueue(ctx context.Context) (queue.Result, error) {
	return e.queue.Process(ctx, e.handleOp)
}

// ForceDrainQueue clears any processing lock first. Operator-triggered.
func (e *Engine) ForceDrainQueue(ctx context.Context) (queue.Result, error) {
	return e.queue.ForceProcess(ctx, e.handleOp)
}

func (e *Engine) applyLocalCreate(ctx context.Context, op queue.Operation) error {
	if _, linked := e.registry.LinkByLocalID(op.Data.LocalID); linked {
		return nil
	}
	local, err := e.store.Get(ctx, op.Data.LocalID)
	if err != nil {
		if errors.Is(err, localstore.ErrNotFound) {
			// Deleted locally before the queue drained.
			return nil
		}
		return err
	}
	if !mark.IsValidSyncURL(local.URL) {
		return nil
	}
	item, err := e.remote.CreateItem(ctx, remote.Item{
		CollectionID: op.Data.CollectionID,
		URL:          local.URL,
		Title:        local.Title,
	})
	if err != nil {
		return err
	}
	return e.persistLink(local, item, op.Data.MappingID)
}

func (e *Engine) applyLocalUpdate(ctx context.Context, op queue.Operation) error {
	link, linked := e.registry.LinkByLocalID(op.Data.LocalID)
	if !linked {
		return nil
	}
	local, err := e.store.Get(ctx, op.Data.LocalID)
	if err != nil {
		if errors.Is(err, localstore.ErrNotFound) {
			return nil
		}
		return err
	}
	// The observer filters these, but an edit to a non-syncable URL must
	// never reach the remote store even if one slips through.
	if !mark.IsValidSyncURL(local.URL) {
		return nil
	}
	patch := remote.ItemPatch{}
	if local.URL != link.URL {
		patch.URL = &local.URL
	}
	if local.Title != link.Title {
		patch.Title = &local.Title
	}
	if patch.URL == nil && patch.Title == nil {
		return nil
	}
	if _, err := e.remote.UpdateItem(ctx, link.RemoteID, patch); err != nil {
		return err
	}
	link.URL = local.URL
	link.Title = local.Title
	link.Hash = mark.ContentHash(local.URL, local.Title)
	link.LastModified = nowUTC()
	return e.registry.UpdateLink(link)
}

func (e *Engine) applyLocalDelete(ctx context.Context, op queue.Operation) error {
	link, linked := e.registry.LinkByLocalID(op.Data.LocalID)
	if !linked && op.Data.RemoteID != "" {
		link, linked = e.registry.LinkByRemoteID(op.Data.RemoteID)
	}
	if !linked {
		return nil
	}
	if err := e.remote.DeleteItem(ctx, link.RemoteID); err != nil && !errors.Is(err, remote.ErrNotFound) {
		return err
	}
	return e.registry.RemoveLink(link.ID)
}

func (e *Engine) applyLocalMove(ctx context.Context, op queue.Operation) error {
	link, linked := e.registry.LinkByLocalID(op.Data.LocalID)
	if !linked {
		return nil
	}
	patch := remote.ItemPatch{CollectionID: &op.Data.NewCollectionID}
	if _, err := e.remote.UpdateItem(ctx, link.RemoteID, patch); err != nil {
		return err
	}
	link.MappingID = op.Data.MappingID
	link.LastModified = nowUTC()
	return e.registry.UpdateLink(link)
}

func (e *Engine) applyRemoteCreate(ctx context.Context, op queue.Operation) error {
	if _, linked := e.registry.LinkByRemoteID(op.Data.RemoteID); linked {
		return nil
	}
	if len(e.registry.LinksByURL(op.Data.URL)) > 0 {
		return nil
	}
	mapping, ok := e.registry.MappingByID(op.Data.MappingID)
	if !ok {
		return fmt.Errorf("%w: mapping %s", ErrNotFound, op.Data.MappingID)
	}
	release := e.guard.Enter()
	defer release()
	node, err := e.store.Create(ctx, localstore.Node{
		ParentID: mapping.LocalFolderID,
		Title:    op.Data.Title,
		URL:      op.Data.URL,
	})
	if err != nil {
		return err
	}
	return e.persistLink(node, remote.Item{ID: op.Data.RemoteID, URL: op.Data.URL, Title: op.Data.Title}, mapping.ID)
}

func (e *Engine) applyRemoteUpdate(ctx context.Context, op queue.Operation) error {
	link, linked := e.registry.LinkByRemoteID(op.Data.RemoteID)
	if !linked {
		return nil
	}
	release := e.guard.Enter()
	defer release()
	if _, err := e.store.Update(ctx, link.LocalID, op.Data.Title, op.Data.URL); err != nil {
		if errors.Is(err, localstore.ErrNotFound) {
			return nil
		}
		return err
	}
	link.URL = op.Data.URL
	link.Title = op.Data.Title
	link.Hash = mark.ContentHash(op.Data.URL, op.Data.Title)
	link.LastModified = nowUTC()
	return e.registry.UpdateLink(link)
}

func (e *Engine) applyRemoteDelete(ctx context.Context, op queue.Operation) error {
	link, linked := e.registry.LinkByRemoteID(op.Data.RemoteID)
	if !linked {
		return nil
	}
	release := e.guard.Enter()
	defer release()
	if err := e.store.Remove(ctx, link.LocalID); err != nil && !errors.Is(err, localstore.ErrNotFound) {
		return err
	}
	return e.registry.RemoveLink(link.ID)
}

// Package remote talks to the flat, collection-based bookmark service over
// HTTP. The API interface is what the engine programs against; Client is the
// production implementation with retry, rate limiting, and auth handling.
package remote

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// BulkCreateChunk is the largest accepted batch for CreateItems.
const BulkCreateChunk = 100

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
)

// Collection is a flat grouping of items on the remote service. ParentID is
// zero for root collections.
type Collection struct {
	ID       string `json:"id"`
	ParentID string `json:"parentId,omitempty"`
	Title    string `json:"title"`
	Count    int    `json:"count"`
}

// Item is one remote bookmark.
type Item struct {
	ID           string    `json:"id"`
	CollectionID string    `json:"collectionId"`
	URL          string    `json:"url"`
	Title        string    `json:"title"`
	LastUpdate   time.Time `json:"lastUpdate,omitempty"`
}

// User is the authenticated account.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// ItemPatch carries partial item updates. Nil fields are left untouched.
type ItemPatch struct {
	URL          *string `json:"url,omitempty"`
	Title        *string `json:"title,omitempty"`
	CollectionID *string `json:"collectionId,omitempty"`
}

// API is the remote service surface the sync engine depends on.
type API interface {
	CurrentUser(ctx context.Context) (User, error)

	RootCollections(ctx context.Context) ([]Collection, error)
	ChildCollections(ctx context.Context) ([]Collection, error)
	Collection(ctx context.Context, id string) (Collection, error)
	CreateCollection(ctx context.Context, title, parentID string) (Collection, error)
	UpdateCollection(ctx context.Context, id, title string) (Collection, error)
	DeleteCollection(ctx context.Context, id string) error

	Item(ctx context.Context, id string) (Item, error)
	Items(ctx context.Context, collectionID string, page, perPage int) ([]Item, error)
	AllItems(ctx context.Context, collectionID string) ([]Item, error)
	CreateItem(ctx context.Context, item Item) (Item, error)
	CreateItems(ctx context.Context, items []Item) ([]Item, error)
	UpdateItem(ctx context.Context, id string, patch ItemPatch) (Item, error)
	DeleteItem(ctx context.Context, id string) error
}

// HTTPError is a non-2xx response that is not an auth failure.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote request failed: status=%d", e.StatusCode)
	}
	return fmt.Sprintf("remote request failed: status=%d message=%s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	if target == ErrNotFound {
		return e.StatusCode == 404
	}
	other, ok := target.(*HTTPError)
	return ok && other.StatusCode == e.StatusCode
}

// AuthError marks a 401. It is never retried; callers must obtain new
// credentials.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return "remote authentication rejected"
	}
	return "remote authentication rejected: " + e.Message
}

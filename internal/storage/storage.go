// Package storage defines the object-storage boundary consumed by the
// resolution engine: listing and fetching stored objects within named
// containers of a storage account, and issuing time-bounded read-only
// links to individual objects.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates the requested object or container is missing.
var ErrNotFound = errors.New("storage: not found")

// StoredObject describes one object returned by a container listing.
// Objects are ephemeral listing results and are never persisted here.
type StoredObject struct {
	Container    string
	Name         string
	LastModified time.Time
}

// Directory lists and fetches objects from the containers of a single
// storage account and issues scoped download links for them.
type Directory interface {
	// List enumerates every object in container whose name starts with
	// prefix. An empty prefix lists the whole container.
	List(ctx context.Context, container, prefix string) ([]StoredObject, error)
	// Fetch downloads the full object body. Returns ErrNotFound when the
	// object does not exist.
	Fetch(ctx context.Context, container, name string) ([]byte, error)
	// IssueLink mints a read-only URL for exactly one container/object
	// pair, valid from now until now+ttl.
	IssueLink(ctx context.Context, container, name string, ttl time.Duration) (string, error)
}

// Factory hands out Directory handles scoped to a storage account.
// Implementations may reuse handles across calls for the same account.
type Factory interface {
	Directory(ctx context.Context, account string) (Directory, error)
}

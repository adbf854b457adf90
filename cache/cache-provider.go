package cache

import (
	"context"
	"time"
)

// CacheProvider is an interface for a namespaced cache provider.
// It stores and retrieves []byte values, which represent serialized HTTP responses.
// Entries live in named namespaces, which are created, listed and deleted as a unit.
// Namespaces are what makes it possible to keep exactly one versioned generation
// of the cache alive across deployments.
//
// Implementations must be thread-safe!
// Writes to the same key must be serialized so that the last write wins,
// and every write must be atomic: an entry is either fully written or not at all.
type CacheProvider interface {
	// Open creates the namespace if it does not exist yet.
	// Opening an existing namespace is a no-op.
	Open(ctx context.Context, namespace string) error
	// Namespaces returns the names of all existing namespaces, in creation order.
	Namespaces(ctx context.Context) ([]string, error)
	// DeleteNamespace removes the namespace and all of its entries.
	// It returns false if the namespace did not exist.
	DeleteNamespace(ctx context.Context, namespace string) (bool, error)
	// Get returns the stored bytes for the given key in the namespace, if it exists.
	// It also returns a boolean indicating whether retrieval was successful.
	// A missing namespace is reported as a miss, not as an error.
	Get(ctx context.Context, namespace, key string) ([]byte, bool, error)
	// Put stores the given bytes in the namespace under the given key,
	// replacing any previous entry. The namespace is created if needed.
	Put(ctx context.Context, namespace, key string, bytes []byte) error
	// Delete removes a single entry. It returns false if there was nothing to delete.
	Delete(ctx context.Context, namespace, key string) (bool, error)
	// All returns all entries in the namespace.
	All(ctx context.Context, namespace string) ([]CacheEntry, error)
	// Close releases any resources held by the provider.
	Close() error
}

type CacheEntry struct {
	Namespace string
	Key       string
	// Time of the write, as recorded by the provider.
	StoredAt time.Time
	Bytes    []byte
}

// Package cache provides the namespaced key-value store conversations are
// persisted through. The chat core only ever consumes the Store interface;
// the implementations here exist so the library is usable out of the box.
package cache

import (
	"context"
)

// Store is an async namespaced key-value store. Values are opaque bytes;
// the chat core stores JSON-encoded conversation records.
//
// Store offers no transactional read-modify-write: concurrent writers to
// the same key are last-writer-wins. Callers must serialize calls per
// conversation id.
type Store interface {
	// Get returns the value for key, reporting false when the key is absent.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set writes the value for key, overwriting any previous value.
	Set(ctx context.Context, key string, value []byte) error
	// Clear removes every key in the store's namespace.
	Clear(ctx context.Context) error
}

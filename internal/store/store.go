// Package store provides locked whole-document persistence for the JSON
// collections shared between the web handlers and the worker. A document is
// always read and written as a unit; there is no partial write at this layer.
package store

import (
	"context"
)

// Collection names used across the application.
const (
	CollectionTasks   = "tasks"
	CollectionInvites = "invites"
	CollectionConfig  = "config"
)

// Store is whole-document read/write access to a named JSON collection.
//
// Read unmarshals the collection into out. A missing collection is seeded
// with defaultDoc, and a collection whose content cannot be parsed is
// overwritten with defaultDoc (availability is preferred over preserving
// corrupt bytes; the overwrite is logged). Write replaces the entire
// document. Individual reads and writes are mutually exclusive against
// cooperating processes, but a read-then-write sequence is not atomic.
type Store interface {
	Read(ctx context.Context, collection string, defaultDoc, out any) error
	Write(ctx context.Context, collection string, doc any) error
}

// Package store defines the durable document-store abstraction backing the
// status cache.
//
// Implementations MUST be byte-for-byte transparent: Read must return
// exactly the same []byte previously passed to Write for a path (no
// prepended metadata, no re-encoding, no mutation). The store may be slow
// and may fail; callers treat every method as fallible and high-latency.
//
// Paths under "events/<id>/status/" are owned by the status subsystem.
// Foreign writers under that prefix risk having their documents overwritten
// by a flush or rejected by record decoding.
package store

import "context"

// DocumentStore is a minimal keyed document store. It is the single
// cross-process source of truth for performance statuses; the in-memory
// cache layers on top of it.
type DocumentStore interface {
	// Read returns (doc, true, nil) when the path exists, (nil, false, nil)
	// on a missing document, and (nil, false, err) on IO/remote failure.
	Read(ctx context.Context, path string) ([]byte, bool, error)

	// Write stores doc at path, replacing any previous document.
	Write(ctx context.Context, path string, doc []byte) error

	// List returns every document whose path starts with prefix, keyed by
	// full path.
	List(ctx context.Context, prefix string) (map[string][]byte, error)

	// Close releases resources.
	Close(ctx context.Context) error
}

package stagecache

import (
	"context"
	"time"

	bc "github.com/unkn0wn-root/stagecache/broadcast"
	cd "github.com/unkn0wn-root/stagecache/codec"
	st "github.com/unkn0wn-root/stagecache/store"
)

// Manager is the high-level status API handed to the route layer. Reads and
// writes are served from memory; durable persistence and realtime fan-out
// happen behind the caller's back. One manager owns one StatusCache; build
// it with New, wire it into callers explicitly, and Destroy it on shutdown.
type Manager interface {
	// Initialize prepares an event: warms the cache from storage and joins
	// the event's realtime channel. Idempotent per event.
	Initialize(ctx context.Context, eventID string) error

	// GetArtistStatus is cache-first with storage read-through on miss.
	// Storage failures degrade to absent; the hot path never errors.
	GetArtistStatus(ctx context.Context, artistID, eventID string) (CachedStatus, bool)

	// UpdateArtistStatus applies patch optimistically and returns the live
	// value immediately; the durable write and the broadcast are not
	// awaited. Insignificant patches return the current value untouched.
	// A patch whose version is behind the stored one fails with
	// ErrStaleWrite - re-read and retry.
	UpdateArtistStatus(ctx context.Context, artistID, eventID string, patch StatusPatch, actorID string) (CachedStatus, error)

	// BatchUpdateStatuses applies each update independently; one failure
	// never aborts the rest. The result slice mirrors the input.
	BatchUpdateStatuses(ctx context.Context, updates []BatchUpdate, actorID string) []BatchResult

	// SyncToStorage flushes the dirty set as snapshotted at call start.
	// Entries dirtied mid-flush stay dirty for the next cycle. Returns
	// false - never an error - when any entry could not be persisted.
	SyncToStorage(ctx context.Context, eventID, performanceDate string) bool

	// FullSyncFromStorage is the authoritative storage-wins overwrite of
	// the event's cache entries. Used by recovery.
	FullSyncFromStorage(ctx context.Context, eventID, performanceDate string) error

	// WarmupCache bulk-populates from storage without clobbering entries
	// already in memory.
	WarmupCache(ctx context.Context, eventID, performanceDate string) error

	// Stats reports cache effectiveness counters.
	Stats() CacheStats

	// Conflicts exposes the unresolved-conflict ledger for this manager.
	Conflicts() *ConflictNotifier

	// Destroy stops background flush/sweep work, leaves realtime channels,
	// and clears the cache. The store and broadcaster stay open; their
	// owner closes them.
	Destroy(ctx context.Context) error
}

// BatchUpdate is one item of a batch write.
type BatchUpdate struct {
	ArtistID string
	EventID  string
	Patch    StatusPatch
}

// BatchResult mirrors one BatchUpdate: either the accepted live status or
// the error that rejected it.
type BatchResult struct {
	ArtistID string
	Status   CachedStatus
	Err      error
}

// Options tune the manager. Only Store is required; others have sensible
// defaults. A nil Broadcaster disables fan-out and remote subscriptions.
type Options struct {
	// Required
	Store st.DocumentStore

	Broadcaster bc.Broadcaster          // nil => no realtime fan-out
	Codec       cd.Codec[StatusRecord] // nil => codec.JSON[StatusRecord]
	Logger      Logger                  // nil => NopLogger
	Hooks       Hooks                   // nil => NopHooks

	TTL             time.Duration // per-entry lifetime; 0 => 10m
	MaxSize         int           // cache capacity; 0 => 1000
	CleanupInterval time.Duration // expiry sweep; 0 => 5m, < 0 disables
	FlushInterval   time.Duration // background dirty flush; 0 => 30s, < 0 disables
	SyncTimeout     time.Duration // bound on each durable call; 0 => 5s
}

// New constructs a Manager. The returned manager serves reads/writes right
// away; call Initialize per event to warm caches and join realtime channels.
func New(opts Options) (Manager, error) {
	return newManager(opts)
}

package stagecache

// Hooks are lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking; the cache and manager call
// them on hot paths. Wrap with hooks/async to move work off the caller.
type Hooks interface {
	// An entry was purged on access or by the sweep because its TTL passed.
	EntryExpired(key string)

	// An entry was evicted to make room for an insert at capacity.
	// syncedAtUnixNano is 0 for never-synced entries.
	EntryEvicted(key string, syncedAtUnixNano int64)

	// A durable write (or read-through) failed; the entry stays dirty.
	SyncFailure(eventID, key string, err error)

	// A fire-and-forget broadcast could not be handed to the transport.
	BroadcastDropped(eventID string, err error)

	// The resolver produced non-empty conflict diagnostics.
	// strategy ∈ {"timestamp", "version"}
	ConflictDetected(eventID, artistID, strategy string)

	// A recovery operation changed status.
	// status ∈ {"pending", "in_progress", "completed", "failed"}
	RecoveryTransition(opID, opType, status string)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) EntryExpired(string)                       {}
func (NopHooks) EntryEvicted(string, int64)                {}
func (NopHooks) SyncFailure(string, string, error)         {}
func (NopHooks) BroadcastDropped(string, error)            {}
func (NopHooks) ConflictDetected(string, string, string)   {}
func (NopHooks) RecoveryTransition(string, string, string) {}

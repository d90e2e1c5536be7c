// Package stagecache implements the performance-status subsystem for live
// events: an in-memory TTL+LRU cache of artist statuses with optimistic
// writes, deterministic conflict resolution for divergent updates, background
// flush to a slow durable document store, and failure-recovery orchestration.
//
// Components:
//   - StatusCache: bounded in-memory store; lazy TTL expiry, eviction by
//     oldest last-sync instant.
//   - ResolveStatusConflict and friends: pure merge of two divergent copies
//     of the same status (timestamp rule, then version rule).
//   - Manager: read-through/write-behind orchestration over a DocumentStore
//     plus fire-and-forget fan-out over a Broadcaster.
//   - RecoveryService: tracked, bounded-retry remediation of network
//     failures, cache corruption, and cache/storage drift.
//   - ConflictNotifier: unresolved-conflict ledger with a manual-resolution
//     lifecycle.
//
// Keys:
//
//	events/<eventID>/status/<artistID>  - durable record paths
//	<eventID>::<artistID>               - in-memory cache keys (reversible)
//
// Write pattern (optimistic):
//
//	upd, _ := mgr.UpdateArtistStatus(ctx, artistID, eventID, patch, actor)
//	// upd is live immediately; persistence and fan-out lag asynchronously.
package stagecache

package stagecache

import (
	"strings"
	"time"
)

// Status is an artist's position in the running order of a live event.
type Status string

const (
	StatusNotStarted       Status = "not_started"
	StatusNextOnDeck       Status = "next_on_deck"
	StatusNextOnStage      Status = "next_on_stage"
	StatusCurrentlyOnStage Status = "currently_on_stage"
	StatusCompleted        Status = "completed"
)

// Valid reports whether s is one of the known performance statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusNotStarted, StatusNextOnDeck, StatusNextOnStage,
		StatusCurrentlyOnStage, StatusCompleted:
		return true
	}
	return false
}

// SyncState records whether a status has been durably confirmed since its
// last mutation. A dirty state carries no sync instant; a clean state always
// does. The zero value is dirty (never synced).
type SyncState struct {
	clean    bool
	syncedAt time.Time
}

// DirtyState marks a status as mutated and not yet confirmed durable.
func DirtyState() SyncState { return SyncState{} }

// CleanState marks a status as durably confirmed at t.
func CleanState(t time.Time) SyncState { return SyncState{clean: true, syncedAt: t} }

// Dirty reports whether the status awaits a durable write.
func (s SyncState) Dirty() bool { return !s.clean }

// SyncedAt returns the instant of the last confirmed durable write.
// The zero time means never synced.
func (s SyncState) SyncedAt() time.Time {
	if !s.clean {
		return time.Time{}
	}
	return s.syncedAt
}

// CachedStatus is the logical performance-status record as held in memory.
// Composite identity is (EventID, ArtistID). Version never decreases across
// accepted updates to the same identity.
type CachedStatus struct {
	ArtistID        string
	EventID         string
	Status          Status
	Order           *int      // stage order; nil when unassigned
	PerformanceDate string    // e.g. "2026-08-30"; empty when unscoped
	Timestamp       time.Time // instant of last accepted mutation
	Version         uint64
	Sync            SyncState
}

// Key returns the cache key for the status identity.
func (cs CachedStatus) Key() string { return StatusKey(cs.EventID, cs.ArtistID) }

// Record strips cache-local state into the durable form.
func (cs CachedStatus) Record() StatusRecord {
	return StatusRecord{
		Status:          cs.Status,
		Order:           cs.Order,
		PerformanceDate: cs.PerformanceDate,
		Timestamp:       cs.Timestamp,
		Version:         cs.Version,
	}
}

// StatusPatch is a partial update. Nil fields are left untouched.
// Version 0 means "unspecified" (versions of live records start at 1);
// a non-zero Version below the stored one marks the patch stale.
type StatusPatch struct {
	Status          *Status
	Order           *int
	PerformanceDate *string
	Version         uint64
}

// StatusRecord is the shape round-tripped through durable storage.
// The dirty flag is cache-local and deliberately absent.
type StatusRecord struct {
	Status          Status    `json:"status" msgpack:"status" cbor:"status"`
	Order           *int      `json:"order,omitempty" msgpack:"order,omitempty" cbor:"order,omitempty"`
	PerformanceDate string    `json:"performanceDate,omitempty" msgpack:"performanceDate,omitempty" cbor:"performanceDate,omitempty"`
	Timestamp       time.Time `json:"timestamp" msgpack:"timestamp" cbor:"timestamp"`
	Version         uint64    `json:"version" msgpack:"version" cbor:"version"`
}

// Cached rehydrates a durable record into a cache-side status with the given
// identity and sync state.
func (r StatusRecord) Cached(eventID, artistID string, sync SyncState) CachedStatus {
	return CachedStatus{
		ArtistID:        artistID,
		EventID:         eventID,
		Status:          r.Status,
		Order:           r.Order,
		PerformanceDate: r.PerformanceDate,
		Timestamp:       r.Timestamp,
		Version:         r.Version,
		Sync:            sync,
	}
}

// StatusMessage is the realtime fan-out payload. Origin identifies the
// emitting manager so subscribers can drop their own messages.
type StatusMessage struct {
	Origin   string       `json:"origin"`
	EventID  string       `json:"eventId"`
	ArtistID string       `json:"artistId"`
	Actor    string       `json:"actor,omitempty"`
	Record   StatusRecord `json:"record"`
}

const keySep = "::"

// StatusKey derives the cache key for (eventID, artistID). The mapping is
// reversible via ParseStatusKey as long as eventID contains no "::".
func StatusKey(eventID, artistID string) string {
	return eventID + keySep + artistID
}

// ParseStatusKey splits a cache key back into its identity pair.
func ParseStatusKey(key string) (eventID, artistID string, ok bool) {
	return strings.Cut(key, keySep)
}

package stagecache

import (
	"fmt"
	"time"
)

// Strategy names the rule that decided a merge.
type Strategy string

const (
	// StrategyTimestamp - the side with the strictly later timestamp won.
	StrategyTimestamp Strategy = "timestamp"
	// StrategyVersion - timestamps tied; the higher version won.
	StrategyVersion Strategy = "version"
)

// Resolution is the outcome of merging two divergent copies of one status.
// Conflicts holds human-readable diff messages for operators; an empty slice
// means the merge was silent.
type Resolution struct {
	Resolved  CachedStatus
	Conflicts []string
	Strategy  Strategy
}

// ResolveStatusConflict deterministically merges a locally-held and a
// remotely-sourced copy of the same status. Newer timestamp wins; on a tie
// the higher version wins. The accepted result always carries
// max(local.Version, remote.Version)+1 and is dirty (it has not been
// persisted in merged form).
//
// Diff messages are only recorded when the remote side wins; the local-newer
// branch stays silent. That asymmetry is part of the resolution contract -
// do not "fix" it here without a product decision.
func ResolveStatusConflict(local, remote CachedStatus) Resolution {
	switch {
	case remote.Timestamp.After(local.Timestamp):
		res := Resolution{Strategy: StrategyTimestamp}
		if remote.Status != local.Status {
			res.Conflicts = append(res.Conflicts, fmt.Sprintf(
				"status changed from %q to %q", local.Status, remote.Status))
		}
		if !orderEqual(local.Order, remote.Order) {
			res.Conflicts = append(res.Conflicts, fmt.Sprintf(
				"order changed from %s to %s", orderString(local.Order), orderString(remote.Order)))
		}
		res.Resolved = adopt(local, remote)
		return res

	case local.Timestamp.After(remote.Timestamp):
		resolved := local
		resolved.Version = maxVersion(local, remote) + 1
		resolved.Sync = DirtyState()
		return Resolution{Resolved: resolved, Strategy: StrategyTimestamp}

	default: // timestamps equal
		if remote.Version > local.Version {
			res := Resolution{Strategy: StrategyVersion}
			if remote.Status != local.Status {
				res.Conflicts = append(res.Conflicts, fmt.Sprintf(
					"status changed from %q to %q", local.Status, remote.Status))
			}
			resolved := adopt(local, remote)
			resolved.Version = remote.Version + 1
			res.Resolved = resolved
			return res
		}
		resolved := local
		resolved.Version = maxVersion(local, remote) + 1
		resolved.Sync = DirtyState()
		return Resolution{Resolved: resolved, Strategy: StrategyVersion}
	}
}

// adopt keeps local's identity and takes remote's payload fields.
func adopt(local, remote CachedStatus) CachedStatus {
	return CachedStatus{
		ArtistID:        local.ArtistID,
		EventID:         local.EventID,
		Status:          remote.Status,
		Order:           remote.Order,
		PerformanceDate: remote.PerformanceDate,
		Timestamp:       remote.Timestamp,
		Version:         maxVersion(local, remote) + 1,
		Sync:            DirtyState(),
	}
}

func maxVersion(a, b CachedStatus) uint64 {
	if a.Version > b.Version {
		return a.Version
	}
	return b.Version
}

func orderEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func orderString(o *int) string {
	if o == nil {
		return "unassigned"
	}
	return fmt.Sprintf("%d", *o)
}

// MergeStatusUpdates folds a batch of updates into one status per identity.
// The first occurrence of a key seeds the result; every later occurrence for
// the same key is merged against the current value via ResolveStatusConflict.
func MergeStatusUpdates(updates []CachedStatus) map[string]CachedStatus {
	out := make(map[string]CachedStatus, len(updates))
	for _, u := range updates {
		key := u.Key()
		cur, seen := out[key]
		if !seen {
			out[key] = u
			continue
		}
		out[key] = ResolveStatusConflict(cur, u).Resolved
	}
	return out
}

// IsSignificantUpdate reports whether patch would change old's status, order,
// or performance date. Insignificant patches must not bump versions, dirty
// entries, or trigger broadcasts.
func IsSignificantUpdate(old CachedStatus, patch StatusPatch) bool {
	if patch.Status != nil && *patch.Status != old.Status {
		return true
	}
	if patch.Order != nil && !orderEqual(old.Order, patch.Order) {
		return true
	}
	if patch.PerformanceDate != nil && *patch.PerformanceDate != old.PerformanceDate {
		return true
	}
	return false
}

// NewCachedStatus builds a fresh, never-persisted status: version 1, dirty,
// stamped now.
func NewCachedStatus(artistID, eventID string, st Status, order *int, performanceDate string) CachedStatus {
	return CachedStatus{
		ArtistID:        artistID,
		EventID:         eventID,
		Status:          st,
		Order:           order,
		PerformanceDate: performanceDate,
		Timestamp:       time.Now(),
		Version:         1,
		Sync:            DirtyState(),
	}
}

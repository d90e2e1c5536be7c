package stagecache

import (
	"strings"
	"testing"
	"time"
)

var t0 = time.Date(2026, 8, 1, 21, 0, 0, 0, time.UTC)

func statusAt(st Status, version uint64, ts time.Time) CachedStatus {
	return CachedStatus{
		ArtistID:  "a1",
		EventID:   "e1",
		Status:    st,
		Timestamp: ts,
		Version:   version,
		Sync:      DirtyState(),
	}
}

// The scenario from the running-order handoff: a local "next_on_stage" at
// T0+1s loses to a remote "currently_on_stage" at T0+2s.
func TestResolveRemoteNewerWins(t *testing.T) {
	local := statusAt(StatusNextOnStage, 2, t0.Add(time.Second))
	remote := statusAt(StatusCurrentlyOnStage, 3, t0.Add(2*time.Second))

	res := ResolveStatusConflict(local, remote)
	if res.Resolved.Status != StatusCurrentlyOnStage {
		t.Fatalf("remote (newer) should win, got %q", res.Resolved.Status)
	}
	if want := maxVersion(local, remote) + 1; res.Resolved.Version != want {
		t.Fatalf("version should be max+1=%d, got %d", want, res.Resolved.Version)
	}
	if res.Strategy != StrategyTimestamp {
		t.Fatalf("strategy should be timestamp, got %q", res.Strategy)
	}
	if len(res.Conflicts) == 0 || !strings.Contains(res.Conflicts[0], string(StatusCurrentlyOnStage)) {
		t.Fatalf("expected a diff message referencing the status change, got %v", res.Conflicts)
	}
	if !res.Resolved.Timestamp.Equal(remote.Timestamp) {
		t.Fatalf("resolved should carry the winner's timestamp")
	}
}

// The local-newer branch keeps local's fields, bumps the version, and stays
// silent - no diff messages, unlike the remote-newer branch.
func TestResolveLocalNewerSilent(t *testing.T) {
	local := statusAt(StatusCurrentlyOnStage, 2, t0.Add(2*time.Second))
	remote := statusAt(StatusNextOnStage, 5, t0.Add(time.Second))

	res := ResolveStatusConflict(local, remote)
	if res.Resolved.Status != StatusCurrentlyOnStage {
		t.Fatalf("local (newer) should win, got %q", res.Resolved.Status)
	}
	if res.Resolved.Version != 6 {
		t.Fatalf("version should be max(2,5)+1=6, got %d", res.Resolved.Version)
	}
	if len(res.Conflicts) != 0 {
		t.Fatalf("local-newer branch must record no messages, got %v", res.Conflicts)
	}
	if res.Strategy != StrategyTimestamp {
		t.Fatalf("strategy should be timestamp, got %q", res.Strategy)
	}
}

// Newer timestamp wins regardless of which argument position it arrives in.
func TestResolveSymmetricOnTimestamp(t *testing.T) {
	older := statusAt(StatusNextOnDeck, 4, t0)
	newer := statusAt(StatusCurrentlyOnStage, 2, t0.Add(3*time.Second))

	a := ResolveStatusConflict(older, newer)
	b := ResolveStatusConflict(newer, older)

	for name, res := range map[string]Resolution{"older_local": a, "newer_local": b} {
		if res.Resolved.Status != newer.Status {
			t.Fatalf("%s: payload should match the later timestamp, got %q", name, res.Resolved.Status)
		}
		if !res.Resolved.Timestamp.Equal(newer.Timestamp) {
			t.Fatalf("%s: resolved timestamp should be the winner's", name)
		}
		if res.Resolved.Version != maxVersion(older, newer)+1 {
			t.Fatalf("%s: version should be max+1", name)
		}
	}
}

func TestResolveTimestampTieFallsBackToVersion(t *testing.T) {
	t.Run("remote_version_higher", func(t *testing.T) {
		local := statusAt(StatusNextOnDeck, 2, t0)
		remote := statusAt(StatusNextOnStage, 7, t0)

		res := ResolveStatusConflict(local, remote)
		if res.Strategy != StrategyVersion {
			t.Fatalf("tie should resolve by version, got %q", res.Strategy)
		}
		if res.Resolved.Status != StatusNextOnStage || res.Resolved.Version != 8 {
			t.Fatalf("remote v7 should win with v8, got %+v", res.Resolved)
		}
		if len(res.Conflicts) != 1 {
			t.Fatalf("differing status on version win should emit one message, got %v", res.Conflicts)
		}
	})

	t.Run("local_version_wins_silent", func(t *testing.T) {
		local := statusAt(StatusNextOnDeck, 7, t0)
		remote := statusAt(StatusNextOnStage, 3, t0)

		res := ResolveStatusConflict(local, remote)
		if res.Strategy != StrategyVersion {
			t.Fatalf("tie should resolve by version, got %q", res.Strategy)
		}
		if res.Resolved.Status != StatusNextOnDeck || res.Resolved.Version != 8 {
			t.Fatalf("local should be kept with version max+1, got %+v", res.Resolved)
		}
		if len(res.Conflicts) != 0 {
			t.Fatalf("keep-local branch must stay silent, got %v", res.Conflicts)
		}
	})
}

func TestResolveOrderDiffMessage(t *testing.T) {
	one, two := 1, 2
	local := statusAt(StatusNextOnDeck, 1, t0)
	local.Order = &one
	remote := statusAt(StatusNextOnDeck, 1, t0.Add(time.Second))
	remote.Order = &two

	res := ResolveStatusConflict(local, remote)
	if len(res.Conflicts) != 1 || !strings.Contains(res.Conflicts[0], "order") {
		t.Fatalf("expected a single order diff message, got %v", res.Conflicts)
	}
	if res.Resolved.Order == nil || *res.Resolved.Order != 2 {
		t.Fatalf("remote order should win")
	}
}

func TestMergeStatusUpdatesFolds(t *testing.T) {
	u1 := statusAt(StatusNotStarted, 1, t0)
	u2 := statusAt(StatusNextOnStage, 2, t0.Add(time.Second))
	u3 := statusAt(StatusCurrentlyOnStage, 3, t0.Add(2*time.Second))
	other := statusAt(StatusCompleted, 1, t0)
	other.ArtistID = "a2"

	merged := MergeStatusUpdates([]CachedStatus{u1, other, u2, u3})
	if len(merged) != 2 {
		t.Fatalf("expected 2 identities, got %d", len(merged))
	}
	got := merged[StatusKey("e1", "a1")]
	if got.Status != StatusCurrentlyOnStage {
		t.Fatalf("latest update should win the fold, got %q", got.Status)
	}
	if got.Version <= u3.Version {
		t.Fatalf("folded version should exceed any input")
	}
	if merged[StatusKey("e1", "a2")].Status != StatusCompleted {
		t.Fatalf("single-occurrence key should pass through untouched")
	}
}

func TestIsSignificantUpdate(t *testing.T) {
	one := 1
	old := CachedStatus{Status: StatusNotStarted, Order: &one}

	same := StatusNotStarted
	if IsSignificantUpdate(old, StatusPatch{Status: &same}) {
		t.Fatalf("same-status patch is not significant")
	}
	if IsSignificantUpdate(old, StatusPatch{}) {
		t.Fatalf("empty patch is not significant")
	}
	next := StatusNextOnStage
	if !IsSignificantUpdate(old, StatusPatch{Status: &next}) {
		t.Fatalf("status change is significant")
	}
	two := 2
	if !IsSignificantUpdate(old, StatusPatch{Order: &two}) {
		t.Fatalf("order change is significant")
	}
	date := "2026-08-02"
	if !IsSignificantUpdate(old, StatusPatch{PerformanceDate: &date}) {
		t.Fatalf("date change is significant")
	}
}

func TestNewCachedStatusDefaults(t *testing.T) {
	cs := NewCachedStatus("a1", "e1", StatusNextOnDeck, nil, "2026-08-01")
	if cs.Version != 1 {
		t.Fatalf("fresh status starts at version 1, got %d", cs.Version)
	}
	if !cs.Sync.Dirty() {
		t.Fatalf("fresh status must be dirty")
	}
	if cs.Timestamp.IsZero() {
		t.Fatalf("fresh status must be stamped")
	}
}

package stagecache

import (
	"context"
	"errors"
	"testing"
	"time"
)

// seedConflict drives one divergent pair through the notifier the way the
// realtime path does, and returns the recorded notifications.
func seedConflict(t *testing.T, m *manager, local, remote CachedStatus) []ConflictNotification {
	t.Helper()
	res := ResolveStatusConflict(local, remote)
	if len(res.Conflicts) == 0 {
		t.Fatalf("fixture produced no conflicts: %+v vs %+v", local, remote)
	}
	m.notifier.record(local, remote, res)
	un := m.notifier.Unresolved(local.EventID)
	if len(un) == 0 {
		t.Fatalf("record produced no notifications")
	}
	return un
}

func TestNotifierRecordsPerField(t *testing.T) {
	m, _, _ := newTestManager(t, nil)

	one, two := 1, 2
	local := statusAt(StatusNextOnStage, 2, t0)
	local.Order = &one
	remote := statusAt(StatusCurrentlyOnStage, 2, t0.Add(time.Second))
	remote.Order = &two

	un := seedConflict(t, m, local, remote)
	if len(un) != 2 {
		t.Fatalf("status+order divergence should yield 2 notifications, got %d", len(un))
	}
	byType := map[ConflictType]ConflictNotification{}
	for _, c := range un {
		byType[c.Type] = c
	}
	st, ok := byType[ConflictStatus]
	if !ok || st.LocalValue != string(StatusNextOnStage) || st.RemoteValue != string(StatusCurrentlyOnStage) {
		t.Fatalf("status notification mismatch: %+v", st)
	}
	or, ok := byType[ConflictOrder]
	if !ok || or.LocalValue != "1" || or.RemoteValue != "2" {
		t.Fatalf("order notification mismatch: %+v", or)
	}
	if st.Message == "" || or.Message == "" {
		t.Fatalf("notifications must carry a diff message")
	}
}

func TestNotifierSubscribeLifecycle(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	n := m.Conflicts()

	ch, cancel := n.Subscribe()

	local := statusAt(StatusNextOnDeck, 1, t0)
	remote := statusAt(StatusNextOnStage, 1, t0.Add(time.Second))
	seedConflict(t, m, local, remote)

	select {
	case c := <-ch:
		if c.Type != ConflictStatus {
			t.Fatalf("unexpected notification: %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatalf("subscriber never saw the notification")
	}

	cancel()
	cancel() // safe to call twice
	if _, open := <-ch; open {
		t.Fatalf("cancel should close the channel")
	}

	// detached subscriber must not observe later conflicts
	seedConflict(t, m, statusAt(StatusNextOnDeck, 3, t0), statusAt(StatusCompleted, 3, t0.Add(time.Second)))
}

func TestResolveWritesThrough(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, nil)

	local := statusAt(StatusNextOnStage, 2, t0)
	remote := statusAt(StatusCurrentlyOnStage, 2, t0.Add(time.Second))
	m.cache.Set(local.Key(), local)
	un := seedConflict(t, m, local, remote)
	id := un[0].ID

	// operator overrides the automatic pick back to the local value
	chosen := local
	if err := m.Conflicts().Resolve(ctx, id, chosen, "stage-manager"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	got, ok := m.cache.Get(local.Key())
	if !ok || got.Status != StatusNextOnStage {
		t.Fatalf("resolved value not applied: ok=%v got=%+v", ok, got)
	}
	if got.Version <= local.Version {
		t.Fatalf("manual resolution must advance the version, got %d", got.Version)
	}
	if got.Sync.Dirty() {
		t.Fatalf("successful write-through should confirm the entry")
	}
	rec, ok, err := m.readRecord(ctx, "e1", "a1")
	if err != nil || !ok || rec.Status != StatusNextOnStage {
		t.Fatalf("resolution not durable: ok=%v err=%v rec=%+v", ok, err, rec)
	}

	if len(m.Conflicts().Unresolved("e1")) != 0 {
		t.Fatalf("resolved notification still listed as open")
	}

	// resolving again is a no-op, not an error
	if err := m.Conflicts().Resolve(ctx, id, chosen, "someone-else"); err != nil {
		t.Fatalf("repeat Resolve should be idempotent: %v", err)
	}
}

func TestResolveStorageFailureKeepsNotificationOpen(t *testing.T) {
	ctx := context.Background()
	m, ms, _ := newTestManager(t, nil)

	local := statusAt(StatusNextOnStage, 2, t0)
	remote := statusAt(StatusCurrentlyOnStage, 2, t0.Add(time.Second))
	m.cache.Set(local.Key(), local)
	un := seedConflict(t, m, local, remote)
	id := un[0].ID

	ms.setWriteErr(errors.New("store down"))
	if err := m.Conflicts().Resolve(ctx, id, local, "sm"); err == nil {
		t.Fatalf("storage failure must be reported")
	}

	// chosen value is live but unconfirmed; the flush loop will retry it
	got, _ := m.cache.Get(local.Key())
	if got.Status != StatusNextOnStage || !got.Sync.Dirty() {
		t.Fatalf("chosen value should be cached dirty: %+v", got)
	}
	if len(m.Conflicts().Unresolved("e1")) != 1 {
		t.Fatalf("failed resolution must stay open for retry")
	}

	ms.setWriteErr(nil)
	if err := m.Conflicts().Resolve(ctx, id, local, "sm"); err != nil {
		t.Fatalf("retry should succeed: %v", err)
	}
}

func TestMarkResolvedAndUnknownIDs(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	n := m.Conflicts()

	un := seedConflict(t, m, statusAt(StatusNextOnDeck, 1, t0), statusAt(StatusNextOnStage, 1, t0.Add(time.Second)))

	if err := n.MarkResolved(un[0].ID, "sm"); err != nil {
		t.Fatalf("MarkResolved: %v", err)
	}
	if len(n.Unresolved("e1")) != 0 {
		t.Fatalf("acknowledged notification still open")
	}

	if err := n.MarkResolved("no-such-id", "sm"); !errors.Is(err, ErrUnknownConflict) {
		t.Fatalf("expected ErrUnknownConflict, got %v", err)
	}
	if err := n.Resolve(context.Background(), "no-such-id", CachedStatus{}, "sm"); !errors.Is(err, ErrUnknownConflict) {
		t.Fatalf("expected ErrUnknownConflict, got %v", err)
	}
}

func TestUnresolvedScopedAndOrdered(t *testing.T) {
	m, _, _ := newTestManager(t, nil)

	first := statusAt(StatusNextOnDeck, 1, t0)
	seedConflict(t, m, first, statusAt(StatusNextOnStage, 1, t0.Add(time.Second)))

	otherEvent := statusAt(StatusNextOnDeck, 1, t0)
	otherEvent.EventID = "e2"
	remote := statusAt(StatusCompleted, 1, t0.Add(time.Second))
	remote.EventID = "e2"
	seedConflict(t, m, otherEvent, remote)

	if got := len(m.Conflicts().Unresolved("e1")); got != 1 {
		t.Fatalf("scope leak: e1 has %d notifications", got)
	}
	if got := len(m.Conflicts().Unresolved("e2")); got != 1 {
		t.Fatalf("scope leak: e2 has %d notifications", got)
	}

	un := m.Conflicts().Unresolved("e1")
	for i := 1; i < len(un); i++ {
		if un[i].Timestamp.Before(un[i-1].Timestamp) {
			t.Fatalf("unresolved list not oldest-first")
		}
	}
}

package stagecache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestRecovery(t *testing.T, m Manager, maxRetries int) *RecoveryService {
	t.Helper()
	rs, err := NewRecoveryService(m, RecoveryOptions{
		MaxRetries:     maxRetries,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewRecoveryService: %v", err)
	}
	t.Cleanup(rs.Close)
	return rs
}

// flaky store: a write error that clears itself after n failures.
func failWritesThenRecover(ms *memStore, n int) {
	count := 0
	err := errors.New("store down")
	ms.mu.Lock()
	ms.onWrite = func(string) {
		ms.mu.Lock()
		defer ms.mu.Unlock()
		count++
		if count > n {
			ms.writeErr = nil
		} else {
			ms.writeErr = err
		}
	}
	ms.mu.Unlock()
}

func TestRecoverNetworkFailureRetriesUntilFlushed(t *testing.T) {
	ctx := context.Background()
	m, ms, _ := newTestManager(t, nil)
	rs := newTestRecovery(t, m, 3)

	deck := StatusNextOnDeck
	if _, err := m.UpdateArtistStatus(ctx, "a1", "e1", StatusPatch{Status: &deck}, "sm"); err != nil {
		t.Fatalf("update: %v", err)
	}
	failWritesThenRecover(ms, 2)

	op, err := rs.RecoverNetworkFailure(ctx, "e1", "")
	if err != nil {
		t.Fatalf("recovery should eventually succeed: %v", err)
	}
	if op.Status != RecoveryCompleted {
		t.Fatalf("expected completed, got %s", op.Status)
	}
	if op.RetryCount != 2 {
		t.Fatalf("expected 2 retries before success, got %d", op.RetryCount)
	}
	if dirty := m.cache.DirtyEntries(); len(dirty) != 0 {
		t.Fatalf("recovered sync should leave nothing dirty")
	}
}

func TestRecoveryExhaustionSurfaced(t *testing.T) {
	ctx := context.Background()
	m, ms, _ := newTestManager(t, nil)
	rs := newTestRecovery(t, m, 1)

	deck := StatusNextOnDeck
	if _, err := m.UpdateArtistStatus(ctx, "a1", "e1", StatusPatch{Status: &deck}, "sm"); err != nil {
		t.Fatalf("update: %v", err)
	}
	ms.setWriteErr(errors.New("store down for good"))

	ops, cancel := rs.Subscribe()
	defer cancel()

	op, err := rs.RecoverNetworkFailure(ctx, "e1", "")
	var exhausted *RecoveryExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected RecoveryExhaustedError, got %v", err)
	}
	if exhausted.Attempts != 2 { // 1 attempt + 1 retry
		t.Fatalf("expected 2 attempts, got %d", exhausted.Attempts)
	}
	if op.Status != RecoveryFailed || op.RetryCount != 1 {
		t.Fatalf("operation should be failed after budget: %+v", op)
	}

	// transitions are observable, ending in failed
waitFailed:
	for {
		select {
		case o := <-ops:
			if o.Status == RecoveryFailed {
				break waitFailed
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("never observed the failed transition")
		}
	}
	// availability beats durability: the cache still serves the value
	if _, ok := m.GetArtistStatus(ctx, "a1", "e1"); !ok {
		t.Fatalf("cache must keep serving after exhausted recovery")
	}
}

func TestRecoverCacheCorruptionRebuilds(t *testing.T) {
	ctx := context.Background()
	m, ms, _ := newTestManager(t, nil)
	rs := newTestRecovery(t, m, 1)

	seedRecord(t, ms, "e1", "a1", StatusRecord{Status: StatusNextOnDeck, Timestamp: time.Now(), Version: 3})

	// corrupt scope: a key durable storage knows nothing about
	m.cache.Set(StatusKey("e1", "ghost"), testStatus("e1", "ghost", StatusCompleted, 99, time.Now()))

	op, err := rs.RecoverCacheCorruption(ctx, "e1", "")
	if err != nil || op.Status != RecoveryCompleted {
		t.Fatalf("rebuild failed: err=%v op=%+v", err, op)
	}
	if m.cache.Has(StatusKey("e1", "ghost")) {
		t.Fatalf("rebuild should discard entries storage does not back")
	}
	got, ok := m.cache.Get(StatusKey("e1", "a1"))
	if !ok || got.Version != 3 || got.Status != StatusNextOnDeck {
		t.Fatalf("rebuild should restore durable state: ok=%v got=%+v", ok, got)
	}
}

func TestRecoverDataInconsistency(t *testing.T) {
	ctx := context.Background()
	m, ms, _ := newTestManager(t, nil)
	rs := newTestRecovery(t, m, 1)

	now := time.Now().Truncate(time.Second)

	// drifted: durable copy is newer than the cached one
	m.cache.Set(StatusKey("e1", "a1"), testStatus("e1", "a1", StatusNextOnDeck, 2, now))
	seedRecord(t, ms, "e1", "a1", StatusRecord{Status: StatusCurrentlyOnStage, Timestamp: now.Add(5 * time.Second), Version: 2})

	// cache-only: never persisted
	m.cache.Set(StatusKey("e1", "a2"), testStatus("e1", "a2", StatusNextOnStage, 1, now))

	// storage-only: fell out of cache
	seedRecord(t, ms, "e1", "a3", StatusRecord{Status: StatusCompleted, Timestamp: now, Version: 4})

	op, err := rs.RecoverDataInconsistency(ctx, "e1", []string{"a1", "a2", "a3"})
	if err != nil || op.Status != RecoveryCompleted {
		t.Fatalf("reconcile failed: err=%v op=%+v", err, op)
	}

	// drift resolved toward the newer durable copy, written back to both
	got, _ := m.cache.Get(StatusKey("e1", "a1"))
	if got.Status != StatusCurrentlyOnStage || got.Version <= 2 {
		t.Fatalf("drift not resolved to durable winner: %+v", got)
	}
	if got.Sync.Dirty() {
		t.Fatalf("resolved entry should be confirmed after write-back")
	}
	rec, ok, err := m.readRecord(ctx, "e1", "a1")
	if err != nil || !ok || rec.Status != StatusCurrentlyOnStage {
		t.Fatalf("resolved value not written back to storage: %+v", rec)
	}

	// cache-only entry persisted
	if rec, ok, _ := m.readRecord(ctx, "e1", "a2"); !ok || rec.Status != StatusNextOnStage {
		t.Fatalf("cache-only entry not persisted: ok=%v rec=%+v", ok, rec)
	}
	// storage-only entry restored to cache
	if got, ok := m.cache.Get(StatusKey("e1", "a3")); !ok || got.Status != StatusCompleted {
		t.Fatalf("storage-only entry not restored: ok=%v got=%+v", ok, got)
	}
}

func TestArchiveDropsTerminalOps(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, nil)
	rs := newTestRecovery(t, m, 1)

	if _, err := rs.RecoverNetworkFailure(ctx, "e1", ""); err != nil {
		t.Fatalf("nothing dirty; recovery should complete trivially: %v", err)
	}
	if len(rs.Operations()) != 1 {
		t.Fatalf("operation should be tracked")
	}
	if n := rs.Archive(); n != 1 {
		t.Fatalf("expected 1 archived, got %d", n)
	}
	if len(rs.Operations()) != 0 {
		t.Fatalf("terminal operations should be gone after archive")
	}
}

func TestRecoveryRequiresNativeManager(t *testing.T) {
	if _, err := NewRecoveryService(fakeManager{}, RecoveryOptions{}); err == nil {
		t.Fatalf("foreign Manager implementations are not supported")
	}
}

type fakeManager struct{ Manager }

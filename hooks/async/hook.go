// Package asynchook decouples hook execution from the cache's hot paths.
// Events are queued to a bounded channel and replayed on worker goroutines;
// when the queue is full, events are dropped rather than blocking a cache
// operation.
//
// usage:
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{
//	    ExpiredEvery: 10, // sample logs: ~every 10th expiry
//	})
//
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	mgr, _ := stagecache.New(stagecache.Options{
//	    Store: store,
//	    Hooks: hooks, // or `raw` if you don't want async
//	})
package asynchook

import (
	"sync"

	"github.com/unkn0wn-root/stagecache"
)

type Hooks struct {
	inner stagecache.Hooks
	q     chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

var _ stagecache.Hooks = (*Hooks)(nil)

func New(inner stagecache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains the queue and stops the workers. Events submitted after
// Close may panic; stop the manager first.
func (h *Hooks) Close() {
	h.once.Do(func() {
		close(h.q)
		h.wg.Wait()
	})
}

func (h *Hooks) try(f func()) {
	select {
	case h.q <- f:
	default: // drop
	}
}

func (h *Hooks) EntryExpired(key string) {
	h.try(func() { h.inner.EntryExpired(key) })
}

func (h *Hooks) EntryEvicted(key string, syncedAtUnixNano int64) {
	h.try(func() { h.inner.EntryEvicted(key, syncedAtUnixNano) })
}

func (h *Hooks) SyncFailure(eventID, key string, err error) {
	h.try(func() { h.inner.SyncFailure(eventID, key, err) })
}

func (h *Hooks) BroadcastDropped(eventID string, err error) {
	h.try(func() { h.inner.BroadcastDropped(eventID, err) })
}

func (h *Hooks) ConflictDetected(eventID, artistID, strategy string) {
	h.try(func() { h.inner.ConflictDetected(eventID, artistID, strategy) })
}

func (h *Hooks) RecoveryTransition(opID, opType, status string) {
	h.try(func() { h.inner.RecoveryTransition(opID, opType, status) })
}

package stagecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	bc "github.com/unkn0wn-root/stagecache/broadcast"
	cd "github.com/unkn0wn-root/stagecache/codec"
	st "github.com/unkn0wn-root/stagecache/store"
)

const (
	defaultFlushInterval = 30 * time.Second
	defaultSyncTimeout   = 5 * time.Second
)

// ErrStaleWrite rejects a patch whose version is behind the cached entry.
// The caller should re-read and retry.
var ErrStaleWrite = errors.New("stagecache: stale write rejected")

// ErrDestroyed rejects operations on a torn-down manager.
var ErrDestroyed = errors.New("stagecache: manager destroyed")

type manager struct {
	origin string // identifies this manager's own broadcasts

	cache *StatusCache
	store st.DocumentStore
	bcast bc.Broadcaster
	codec cd.Codec[StatusRecord]
	log   Logger
	hooks Hooks

	notifier *ConflictNotifier

	flushInterval time.Duration
	syncTimeout   time.Duration

	locks keyLocks

	mu        sync.Mutex
	events    map[string]*eventState
	destroyed bool

	wg sync.WaitGroup
}

type eventState struct {
	cancelSub func()        // nil when no broadcaster
	stopFlush chan struct{} // nil when flush disabled
}

func newManager(opts Options) (*manager, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("stagecache: store is required")
	}

	m := &manager{
		origin: uuid.NewString(),
		store:  opts.Store,
		bcast:  opts.Broadcaster,
		events: make(map[string]*eventState),
	}

	// defaults
	m.log = coalesce[Logger](opts.Logger, NopLogger{})
	m.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	m.codec = coalesce[cd.Codec[StatusRecord]](opts.Codec, cd.JSON[StatusRecord]{})
	m.syncTimeout = coalesce(opts.SyncTimeout, defaultSyncTimeout)
	m.flushInterval = opts.FlushInterval
	if m.flushInterval == 0 {
		m.flushInterval = defaultFlushInterval
	}

	m.cache = NewStatusCache(CacheOptions{
		TTL:             opts.TTL,
		MaxSize:         opts.MaxSize,
		CleanupInterval: opts.CleanupInterval,
		Logger:          m.log,
		Hooks:           m.hooks,
	})
	m.notifier = newConflictNotifier(m, m.log)
	return m, nil
}

// ----- durable path layout -----

func statusPath(eventID, artistID string) string {
	return "events/" + eventID + "/status/" + artistID
}

func statusPrefix(eventID string) string {
	return "events/" + eventID + "/status/"
}

func artistFromPath(path, prefix string) (string, bool) {
	id := strings.TrimPrefix(path, prefix)
	if id == path || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// keyLocks serializes same-key updates within the process. 64 stripes keep
// the map bounded; cross-key collisions just serialize a little extra.
type keyLocks struct {
	stripes [64]sync.Mutex
}

func (l *keyLocks) lock(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	mu := &l.stripes[h.Sum32()%uint32(len(l.stripes))]
	mu.Lock()
	return mu.Unlock
}

// ----- Manager API -----

func (m *manager) Initialize(ctx context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return ErrDestroyed
	}
	if _, ok := m.events[eventID]; ok {
		return nil
	}

	// best-effort warmup; read-through covers anything it misses
	if err := m.warmup(ctx, eventID, ""); err != nil {
		m.log.Warn("warmup failed; serving via read-through", Fields{"event": eventID, "err": err})
	}

	es := &eventState{}
	if m.bcast != nil {
		ch, cancel, err := m.bcast.Subscribe(ctx, eventID)
		if err != nil {
			return fmt.Errorf("subscribe event %q: %w", eventID, err)
		}
		es.cancelSub = cancel
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for payload := range ch {
				m.handleRemote(eventID, payload)
			}
		}()
	}

	if m.flushInterval > 0 {
		es.stopFlush = make(chan struct{})
		ticker := time.NewTicker(m.flushInterval)
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					m.SyncToStorage(context.Background(), eventID, "")
				case <-es.stopFlush:
					return
				}
			}
		}()
	}

	m.events[eventID] = es
	m.log.Info("event initialized", Fields{"event": eventID})
	return nil
}

func (m *manager) GetArtistStatus(ctx context.Context, artistID, eventID string) (CachedStatus, bool) {
	key := StatusKey(eventID, artistID)
	if cs, ok := m.cache.Get(key); ok {
		return cs, true
	}
	return m.readThrough(ctx, eventID, artistID)
}

// readThrough loads one record from durable storage into the cache. Storage
// failure degrades to absent so the hot path stays serviceable.
func (m *manager) readThrough(ctx context.Context, eventID, artistID string) (CachedStatus, bool) {
	sctx, cancel := context.WithTimeout(ctx, m.syncTimeout)
	defer cancel()

	doc, ok, err := m.store.Read(sctx, statusPath(eventID, artistID))
	if err != nil {
		m.log.Warn("read-through failed", Fields{"event": eventID, "artist": artistID, "err": err})
		return CachedStatus{}, false
	}
	if !ok {
		return CachedStatus{}, false
	}
	rec, err := m.codec.Decode(doc)
	if err != nil {
		m.log.Error("corrupt durable record", Fields{"event": eventID, "artist": artistID, "err": err})
		return CachedStatus{}, false
	}
	cs := rec.Cached(eventID, artistID, CleanState(time.Now()))
	m.cache.Set(cs.Key(), cs)
	return cs, true
}

func (m *manager) UpdateArtistStatus(ctx context.Context, artistID, eventID string, patch StatusPatch, actorID string) (CachedStatus, error) {
	key := StatusKey(eventID, artistID)
	unlock := m.locks.lock(key)
	defer unlock()

	cur, exists := m.cache.Get(key)
	if !exists {
		cur, exists = m.readThrough(ctx, eventID, artistID)
	}

	if !exists {
		// first write for this identity
		status := StatusNotStarted
		if patch.Status != nil {
			status = *patch.Status
		}
		date := ""
		if patch.PerformanceDate != nil {
			date = *patch.PerformanceDate
		}
		created := NewCachedStatus(artistID, eventID, status, patch.Order, date)
		m.cache.Set(key, created)
		m.fanOut(eventID, artistID, actorID, created)
		return created, nil
	}

	if !IsSignificantUpdate(cur, patch) {
		return cur, nil
	}
	if !m.cache.Update(key, patch) {
		return CachedStatus{}, ErrStaleWrite
	}
	m.cache.MarkDirty(key)

	upd, ok := m.cache.Get(key)
	if !ok {
		// expired between mutate and read-back; vanishingly rare
		return CachedStatus{}, ErrStaleWrite
	}
	m.fanOut(eventID, artistID, actorID, upd)
	return upd, nil
}

// fanOut hands the new value to the realtime transport without blocking the
// caller. Failures are surfaced through hooks only.
func (m *manager) fanOut(eventID, artistID, actorID string, cs CachedStatus) {
	if m.bcast == nil {
		return
	}
	msg := StatusMessage{
		Origin:   m.origin,
		EventID:  eventID,
		ArtistID: artistID,
		Actor:    actorID,
		Record:   cs.Record(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		m.hooks.BroadcastDropped(eventID, err)
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.syncTimeout)
		defer cancel()
		if err := m.bcast.Broadcast(ctx, eventID, payload); err != nil {
			m.hooks.BroadcastDropped(eventID, err)
			m.log.Warn("broadcast dropped", Fields{"event": eventID, "artist": artistID, "err": err})
		}
	}()
}

func (m *manager) BatchUpdateStatuses(ctx context.Context, updates []BatchUpdate, actorID string) []BatchResult {
	out := make([]BatchResult, len(updates))
	for i, u := range updates {
		cs, err := m.UpdateArtistStatus(ctx, u.ArtistID, u.EventID, u.Patch, actorID)
		out[i] = BatchResult{ArtistID: u.ArtistID, Status: cs, Err: err}
	}
	return out
}

func (m *manager) SyncToStorage(ctx context.Context, eventID, performanceDate string) bool {
	dirty := m.dirtyFor(eventID, performanceDate)
	if len(dirty) == 0 {
		return true
	}

	writeErrs := make(map[string]error)
	for _, cs := range dirty {
		key := cs.Key()
		if err := m.writeRecord(ctx, eventID, cs.ArtistID, cs.Record()); err != nil {
			writeErrs[key] = err
			m.hooks.SyncFailure(eventID, key, err)
			continue
		}
		// confirm only if nobody re-dirtied the entry mid-flush
		unlock := m.locks.lock(key)
		if cur, ok := m.cache.Get(key); ok && cur.Version == cs.Version {
			m.cache.MarkClean(key)
		}
		unlock()
	}

	if len(writeErrs) > 0 {
		ferr := &FlushError{EventID: eventID, WriteErrs: writeErrs}
		m.log.Error("flush incomplete", Fields{"event": eventID, "failed": len(writeErrs), "err": ferr})
		return false
	}
	return true
}

func (m *manager) dirtyFor(eventID, performanceDate string) []CachedStatus {
	var out []CachedStatus
	for _, cs := range m.cache.DirtyEntries() {
		if cs.EventID != eventID {
			continue
		}
		if performanceDate != "" && cs.PerformanceDate != performanceDate {
			continue
		}
		out = append(out, cs)
	}
	return out
}

func (m *manager) writeRecord(ctx context.Context, eventID, artistID string, rec StatusRecord) error {
	doc, err := m.codec.Encode(rec)
	if err != nil {
		return err
	}
	sctx, cancel := context.WithTimeout(ctx, m.syncTimeout)
	defer cancel()
	return m.store.Write(sctx, statusPath(eventID, artistID), doc)
}

func (m *manager) readRecord(ctx context.Context, eventID, artistID string) (StatusRecord, bool, error) {
	sctx, cancel := context.WithTimeout(ctx, m.syncTimeout)
	defer cancel()
	doc, ok, err := m.store.Read(sctx, statusPath(eventID, artistID))
	if err != nil || !ok {
		return StatusRecord{}, false, err
	}
	rec, err := m.codec.Decode(doc)
	if err != nil {
		return StatusRecord{}, false, err
	}
	return rec, true, nil
}

func (m *manager) FullSyncFromStorage(ctx context.Context, eventID, performanceDate string) error {
	prefix := statusPrefix(eventID)
	docs, err := m.store.List(ctx, prefix)
	if err != nil {
		return fmt.Errorf("list %q: %w", prefix, err)
	}

	now := time.Now()
	for path, doc := range docs {
		artistID, ok := artistFromPath(path, prefix)
		if !ok {
			continue
		}
		rec, err := m.codec.Decode(doc)
		if err != nil {
			m.log.Error("skipping corrupt durable record", Fields{"path": path, "err": err})
			continue
		}
		if performanceDate != "" && rec.PerformanceDate != performanceDate {
			continue
		}
		cs := rec.Cached(eventID, artistID, CleanState(now))
		m.cache.Set(cs.Key(), cs)
	}
	return nil
}

func (m *manager) WarmupCache(ctx context.Context, eventID, performanceDate string) error {
	return m.warmup(ctx, eventID, performanceDate)
}

func (m *manager) warmup(ctx context.Context, eventID, performanceDate string) error {
	prefix := statusPrefix(eventID)
	docs, err := m.store.List(ctx, prefix)
	if err != nil {
		return fmt.Errorf("list %q: %w", prefix, err)
	}

	now := time.Now()
	for path, doc := range docs {
		artistID, ok := artistFromPath(path, prefix)
		if !ok {
			continue
		}
		key := StatusKey(eventID, artistID)
		if m.cache.Has(key) {
			continue // never clobber live (possibly dirty) entries
		}
		rec, err := m.codec.Decode(doc)
		if err != nil {
			m.log.Error("skipping corrupt durable record", Fields{"path": path, "err": err})
			continue
		}
		if performanceDate != "" && rec.PerformanceDate != performanceDate {
			continue
		}
		m.cache.Set(key, rec.Cached(eventID, artistID, CleanState(now)))
	}
	return nil
}

func (m *manager) Stats() CacheStats { return m.cache.Stats() }

func (m *manager) Conflicts() *ConflictNotifier { return m.notifier }

func (m *manager) Destroy(ctx context.Context) error {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return nil
	}
	m.destroyed = true
	events := m.events
	m.events = make(map[string]*eventState)
	m.mu.Unlock()

	for _, es := range events {
		if es.cancelSub != nil {
			es.cancelSub()
		}
		if es.stopFlush != nil {
			close(es.stopFlush)
		}
	}
	m.wg.Wait()
	m.notifier.close()
	m.cache.Close()
	m.cache.Clear()
	return nil
}

// ----- remote updates -----

// handleRemote reconciles a payload from the realtime channel against the
// local cache. Arrival order is irrelevant: the resolver's timestamp/version
// rule is the only ordering authority.
func (m *manager) handleRemote(eventID string, payload []byte) {
	var msg StatusMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		m.log.Warn("undecodable realtime payload", Fields{"event": eventID, "err": err})
		return
	}
	if msg.Origin == m.origin {
		return // our own fan-out
	}

	key := StatusKey(msg.EventID, msg.ArtistID)
	unlock := m.locks.lock(key)
	defer unlock()

	// the remote side owns persisting its write; treat it as confirmed
	remote := msg.Record.Cached(msg.EventID, msg.ArtistID, CleanState(time.Now()))

	local, ok := m.cache.Get(key)
	if !ok {
		m.cache.Set(key, remote)
		return
	}

	res := ResolveStatusConflict(local, remote)
	m.cache.Set(key, res.Resolved)

	if len(res.Conflicts) > 0 {
		m.hooks.ConflictDetected(msg.EventID, msg.ArtistID, string(res.Strategy))
		m.notifier.record(local, remote, res)
	}
}

// applyResolution writes an operator-chosen value through cache and storage.
// Called by the conflict notifier's manual-resolution path.
func (m *manager) applyResolution(ctx context.Context, chosen CachedStatus) error {
	key := chosen.Key()
	unlock := m.locks.lock(key)
	defer unlock()

	if cur, ok := m.cache.Get(key); ok && cur.Version >= chosen.Version {
		chosen.Version = cur.Version + 1
	}
	chosen.Timestamp = time.Now()
	chosen.Sync = DirtyState()
	m.cache.Set(key, chosen)

	if err := m.writeRecord(ctx, chosen.EventID, chosen.ArtistID, chosen.Record()); err != nil {
		// stays dirty; the background flush retries
		m.hooks.SyncFailure(chosen.EventID, key, err)
		return err
	}
	m.cache.MarkClean(key)
	return nil
}

package stagecache

import (
	"sync"
	"time"
)

const (
	// DefaultMaxSize bounds the number of live entries; inserting past it
	// evicts the entry with the oldest sync instant first.
	DefaultMaxSize = 1000

	defaultTTL   = 10 * time.Minute
	defaultSweep = 5 * time.Minute
)

type entry struct {
	status    CachedStatus
	expiresAt time.Time
}

// StatusCache is a TTL+LRU-bounded in-memory store of performance statuses.
// Expiry is lazy: readers never observe an entry past its TTL even before
// the periodic sweep runs. Eviction picks the entry with the smallest
// last-sync instant - an approximation of recency based on sync time, not
// true access time; the choice is part of the observable contract.
//
// All mutation goes through StatusCache's own methods; the map is never
// handed out.
type StatusCache struct {
	mu      sync.Mutex
	entries map[string]*entry

	ttl     time.Duration
	maxSize int

	hits      uint64
	misses    uint64
	evictions uint64

	log   Logger
	hooks Hooks

	now func() time.Time

	ticker *time.Ticker
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// CacheOptions tune a StatusCache. The zero value gives 10m TTL, 1000
// entries, and a 5-minute sweep.
type CacheOptions struct {
	TTL             time.Duration // per-entry lifetime; refreshed on every mutation
	MaxSize         int           // entry cap; 0 => DefaultMaxSize
	CleanupInterval time.Duration // sweep period; < 0 disables the sweep loop
	Logger          Logger
	Hooks           Hooks
}

func NewStatusCache(opts CacheOptions) *StatusCache {
	c := &StatusCache{
		entries: make(map[string]*entry),
		ttl:     coalesce(opts.TTL, defaultTTL),
		maxSize: coalesce(opts.MaxSize, DefaultMaxSize),
		log:     coalesce[Logger](opts.Logger, NopLogger{}),
		hooks:   coalesce[Hooks](opts.Hooks, NopHooks{}),
		now:     time.Now,
	}

	sweep := opts.CleanupInterval
	if sweep == 0 {
		sweep = defaultSweep
	}
	if sweep > 0 {
		c.ticker = time.NewTicker(sweep)
		c.stopCh = make(chan struct{})
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			for {
				select {
				case <-c.ticker.C:
					if n := c.Cleanup(); n > 0 {
						c.log.Debug("sweep removed expired entries", Fields{"count": n})
					}
				case <-c.stopCh:
					return
				}
			}
		}()
	}
	return c
}

// Get returns the live status for key. Expired entries are purged on access
// and reported as misses.
func (c *StatusCache) Get(key string) (CachedStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return CachedStatus{}, false
	}
	if !e.expiresAt.After(c.now()) {
		delete(c.entries, key)
		c.misses++
		c.hooks.EntryExpired(key)
		return CachedStatus{}, false
	}
	c.hits++
	return e.status, true
}

// Set stores status under key unconditionally and resets its TTL. When the
// key is new and the cache is at capacity, one entry is evicted first.
func (c *StatusCache) Set(key string, status CachedStatus) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		c.evictOldestSyncLocked()
	}
	c.entries[key] = &entry{status: status, expiresAt: now.Add(c.ttl)}
}

// Update merges patch into the entry at key. It does not create entries:
// absent (or expired) keys return false. A patch whose version is behind the
// stored one is rejected with the entry left untouched. Accepted patches
// stamp the current time, keep version at max(stored, patch), and extend the
// TTL.
func (c *StatusCache) Update(key string, patch StatusPatch) bool {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false
	}
	if !e.expiresAt.After(now) {
		delete(c.entries, key)
		c.hooks.EntryExpired(key)
		return false
	}
	if patch.Version != 0 && patch.Version < e.status.Version {
		return false
	}

	if patch.Status != nil {
		e.status.Status = *patch.Status
	}
	if patch.Order != nil {
		e.status.Order = patch.Order
	}
	if patch.PerformanceDate != nil {
		e.status.PerformanceDate = *patch.PerformanceDate
	}
	if patch.Version > e.status.Version {
		e.status.Version = patch.Version
	}
	e.status.Timestamp = now
	e.expiresAt = now.Add(c.ttl)
	return true
}

// MarkDirty flags key as mutated-but-unconfirmed: version increments, the
// timestamp refreshes, and the sync instant resets.
func (c *StatusCache) MarkDirty(key string) bool {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false
	}
	e.status.Version++
	e.status.Timestamp = now
	e.status.Sync = DirtyState()
	e.expiresAt = now.Add(c.ttl)
	return true
}

// MarkClean records a confirmed durable write for key.
func (c *StatusCache) MarkClean(key string) bool {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false
	}
	e.status.Sync = CleanState(now)
	e.expiresAt = now.Add(c.ttl)
	return true
}

// DirtyEntries snapshots every non-expired entry awaiting a durable write.
func (c *StatusCache) DirtyEntries() []CachedStatus {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []CachedStatus
	for key, e := range c.entries {
		if !e.expiresAt.After(now) {
			delete(c.entries, key)
			c.hooks.EntryExpired(key)
			continue
		}
		if e.status.Sync.Dirty() {
			out = append(out, e.status)
		}
	}
	return out
}

// Has reports whether key is live, purging it when expired.
func (c *StatusCache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false
	}
	if !e.expiresAt.After(c.now()) {
		delete(c.entries, key)
		c.hooks.EntryExpired(key)
		return false
	}
	return true
}

// Keys snapshots the keys of every entry, expired-but-unswept ones included.
func (c *StatusCache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.entries))
	for key := range c.entries {
		out = append(out, key)
	}
	return out
}

// Delete removes key; it reports whether an entry was present.
func (c *StatusCache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	delete(c.entries, key)
	return ok
}

// Clear drops every entry. Counters are kept.
func (c *StatusCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
}

// Cleanup sweeps out every expired entry and returns how many were removed.
// The constructor also runs it on a ticker.
func (c *StatusCache) Cleanup() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, e := range c.entries {
		if !e.expiresAt.After(now) {
			delete(c.entries, key)
			c.hooks.EntryExpired(key)
			removed++
		}
	}
	return removed
}

// CacheStats is a point-in-time view of cache effectiveness.
type CacheStats struct {
	Total     int     // live entries, including not-yet-swept expired ones
	Dirty     int     // entries awaiting durable confirmation
	Expired   int     // entries past TTL that the sweep has not removed yet
	Evictions uint64  // cumulative capacity evictions
	Hits      uint64  // cumulative
	Misses    uint64  // cumulative
	HitRate   float64 // hits / (hits+misses); 0 when no lookups yet
	// MemoryBytes is a rough estimate: string payloads plus fixed per-entry
	// overhead. Good for dashboards, not accounting.
	MemoryBytes int64
}

func (c *StatusCache) Stats() CacheStats {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	s := CacheStats{
		Total:     len(c.entries),
		Evictions: c.evictions,
		Hits:      c.hits,
		Misses:    c.misses,
	}
	for key, e := range c.entries {
		if e.status.Sync.Dirty() {
			s.Dirty++
		}
		if !e.expiresAt.After(now) {
			s.Expired++
		}
		s.MemoryBytes += entryOverheadBytes + int64(len(key)) +
			int64(len(e.status.ArtistID)+len(e.status.EventID)+
				len(e.status.Status)+len(e.status.PerformanceDate))
	}
	if lookups := c.hits + c.misses; lookups > 0 {
		s.HitRate = float64(c.hits) / float64(lookups)
	}
	return s
}

// fixed part of the estimate: entry struct, map slot, time values
const entryOverheadBytes = 160

// Close stops the sweep loop. The cache stays usable afterwards; only the
// background work ends.
func (c *StatusCache) Close() {
	if c.stopCh != nil {
		close(c.stopCh)
		c.ticker.Stop()
		c.wg.Wait()
		c.stopCh = nil
	}
}

// evictOldestSyncLocked removes the entry with the smallest sync instant.
// Never-synced entries (zero instant) go first. Callers hold c.mu.
func (c *StatusCache) evictOldestSyncLocked() {
	var (
		victim string
		oldest time.Time
		found  bool
	)
	for key, e := range c.entries {
		at := e.status.Sync.SyncedAt()
		if !found || at.Before(oldest) {
			victim, oldest, found = key, at, true
		}
	}
	if !found {
		return
	}
	delete(c.entries, victim)
	c.evictions++
	var nano int64
	if !oldest.IsZero() {
		nano = oldest.UnixNano()
	}
	c.hooks.EntryEvicted(victim, nano)
	c.log.Debug("evicted entry at capacity", Fields{"key": victim})
}

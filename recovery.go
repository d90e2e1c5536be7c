package stagecache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// RecoveryType names a remediation strategy.
type RecoveryType string

const (
	// RecoveryNetworkFailure retries a pending durable sync.
	RecoveryNetworkFailure RecoveryType = "network_failure"
	// RecoveryCacheCorruption discards and rebuilds an event's cache scope
	// from durable storage.
	RecoveryCacheCorruption RecoveryType = "cache_corruption"
	// RecoveryDataInconsistency reconciles cache/storage drift per artist.
	RecoveryDataInconsistency RecoveryType = "data_inconsistency"
)

// RecoveryStatus is the operation state machine.
type RecoveryStatus string

const (
	RecoveryPending    RecoveryStatus = "pending"
	RecoveryInProgress RecoveryStatus = "in_progress"
	RecoveryCompleted  RecoveryStatus = "completed"
	RecoveryFailed     RecoveryStatus = "failed"
)

// RecoveryOperation tracks one remediation run. RetryCount counts failed
// attempts that were followed by a retry; a run that exhausts MaxRetries is
// marked failed and surfaced - never silently retried forever.
type RecoveryOperation struct {
	ID         string
	Type       RecoveryType
	Status     RecoveryStatus
	EventID    string
	RetryCount int
	MaxRetries int
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time // zero until terminal
}

// RecoveryOptions tune the retry budget and backoff curve.
type RecoveryOptions struct {
	MaxRetries     int           // retries after the first attempt; 0 => 3
	InitialBackoff time.Duration // 0 => 500ms
	MaxBackoff     time.Duration // 0 => 10s
	Logger         Logger
	Hooks          Hooks
}

// RecoveryService wraps manager operations with tracked, bounded-retry
// remediation. Operations are observable through Subscribe - a typed
// channel per consumer instead of a shared listener array.
type RecoveryService struct {
	mgr *manager

	maxRetries int
	initial    time.Duration
	maxWait    time.Duration
	log        Logger
	hooks      Hooks

	mu     sync.Mutex
	ops    map[string]*RecoveryOperation
	subs   map[chan RecoveryOperation]struct{}
	closed bool
}

// NewRecoveryService builds a recovery layer over m. The manager must come
// from New in this package.
func NewRecoveryService(m Manager, opts RecoveryOptions) (*RecoveryService, error) {
	impl, ok := m.(*manager)
	if !ok {
		return nil, errors.New("stagecache: recovery requires a manager built by New")
	}
	return &RecoveryService{
		mgr:        impl,
		maxRetries: coalesce(opts.MaxRetries, 3),
		initial:    coalesce(opts.InitialBackoff, 500*time.Millisecond),
		maxWait:    coalesce(opts.MaxBackoff, 10*time.Second),
		log:        coalesce[Logger](opts.Logger, NopLogger{}),
		hooks:      coalesce[Hooks](opts.Hooks, NopHooks{}),
		ops:        make(map[string]*RecoveryOperation),
		subs:       make(map[chan RecoveryOperation]struct{}),
	}, nil
}

// RecoverNetworkFailure retries the pending durable sync for an event scope
// with exponential backoff until it flushes clean or the budget runs out.
func (s *RecoveryService) RecoverNetworkFailure(ctx context.Context, eventID, performanceDate string) (*RecoveryOperation, error) {
	op := s.newOp(RecoveryNetworkFailure, eventID)
	return s.run(ctx, op, func(actx context.Context) error {
		if !s.mgr.SyncToStorage(actx, eventID, performanceDate) {
			return fmt.Errorf("sync for event %q left dirty entries", eventID)
		}
		return nil
	})
}

// RecoverCacheCorruption throws away the event's cache entries and rebuilds
// them from durable storage.
func (s *RecoveryService) RecoverCacheCorruption(ctx context.Context, eventID, performanceDate string) (*RecoveryOperation, error) {
	op := s.newOp(RecoveryCacheCorruption, eventID)
	return s.run(ctx, op, func(actx context.Context) error {
		s.purgeEventScope(eventID)
		return s.mgr.FullSyncFromStorage(actx, eventID, performanceDate)
	})
}

func (s *RecoveryService) purgeEventScope(eventID string) {
	prefix := eventID + keySep
	for _, key := range s.mgr.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			s.mgr.cache.Delete(key)
		}
	}
}

// RecoverDataInconsistency compares cached and durable values for the given
// artists; every mismatch is merged through ResolveStatusConflict and the
// result written back to both sides.
func (s *RecoveryService) RecoverDataInconsistency(ctx context.Context, eventID string, artistIDs []string) (*RecoveryOperation, error) {
	op := s.newOp(RecoveryDataInconsistency, eventID)
	return s.run(ctx, op, func(actx context.Context) error {
		var errs []error
		for _, artistID := range artistIDs {
			if err := s.reconcileArtist(actx, eventID, artistID); err != nil {
				errs = append(errs, fmt.Errorf("artist %q: %w", artistID, err))
			}
		}
		return errors.Join(errs...)
	})
}

func (s *RecoveryService) reconcileArtist(ctx context.Context, eventID, artistID string) error {
	key := StatusKey(eventID, artistID)
	unlock := s.mgr.locks.lock(key)
	defer unlock()

	cached, haveLocal := s.mgr.cache.Get(key)
	rec, haveDurable, err := s.mgr.readRecord(ctx, eventID, artistID)
	if err != nil {
		return err
	}

	switch {
	case !haveLocal && !haveDurable:
		return nil
	case !haveLocal:
		s.mgr.cache.Set(key, rec.Cached(eventID, artistID, CleanState(time.Now())))
		return nil
	case !haveDurable:
		if err := s.mgr.writeRecord(ctx, eventID, artistID, cached.Record()); err != nil {
			return err
		}
		s.mgr.cache.MarkClean(key)
		return nil
	}

	if recordsEqual(cached.Record(), rec) {
		return nil
	}

	durable := rec.Cached(eventID, artistID, CleanState(time.Now()))
	res := ResolveStatusConflict(cached, durable)
	s.mgr.cache.Set(key, res.Resolved)
	if len(res.Conflicts) > 0 {
		s.hooks.ConflictDetected(eventID, artistID, string(res.Strategy))
		s.mgr.notifier.record(cached, durable, res)
	}
	if err := s.mgr.writeRecord(ctx, eventID, artistID, res.Resolved.Record()); err != nil {
		return err // resolved value stays dirty; flush retries
	}
	s.mgr.cache.MarkClean(key)
	return nil
}

func recordsEqual(a, b StatusRecord) bool {
	return a.Status == b.Status &&
		orderEqual(a.Order, b.Order) &&
		a.PerformanceDate == b.PerformanceDate &&
		a.Version == b.Version
}

// ----- operation plumbing -----

func (s *RecoveryService) newOp(t RecoveryType, eventID string) *RecoveryOperation {
	op := &RecoveryOperation{
		ID:         uuid.NewString(),
		Type:       t,
		Status:     RecoveryPending,
		EventID:    eventID,
		MaxRetries: s.maxRetries,
		StartedAt:  time.Now(),
	}
	s.mu.Lock()
	s.ops[op.ID] = op
	s.mu.Unlock()
	s.publish(op)
	return op
}

// run drives one attempt function through the backoff budget and settles the
// operation into a terminal status.
func (s *RecoveryService) run(ctx context.Context, op *RecoveryOperation, attempt func(context.Context) error) (*RecoveryOperation, error) {
	s.transition(op, RecoveryInProgress, nil)

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.initial
	eb.MaxInterval = s.maxWait
	eb.MaxElapsedTime = 0 // retry budget is counted, not timed

	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(op.MaxRetries)), ctx)
	err := backoff.RetryNotify(
		func() error { return attempt(ctx) },
		policy,
		func(err error, wait time.Duration) {
			s.mu.Lock()
			op.RetryCount++
			op.Err = err
			s.mu.Unlock()
			s.log.Warn("recovery attempt failed; backing off", Fields{
				"op": op.ID, "type": op.Type, "retry": op.RetryCount, "wait": wait, "err": err,
			})
		},
	)
	if err != nil {
		s.transition(op, RecoveryFailed, err)
		s.mu.Lock()
		attempts := op.RetryCount + 1
		s.mu.Unlock()
		return op, &RecoveryExhaustedError{OpID: op.ID, Type: op.Type, Attempts: attempts, LastErr: err}
	}
	s.transition(op, RecoveryCompleted, nil)
	return op, nil
}

func (s *RecoveryService) transition(op *RecoveryOperation, status RecoveryStatus, err error) {
	s.mu.Lock()
	op.Status = status
	if err != nil {
		op.Err = err
	}
	if status == RecoveryCompleted || status == RecoveryFailed {
		op.FinishedAt = time.Now()
	}
	s.mu.Unlock()

	s.hooks.RecoveryTransition(op.ID, string(op.Type), string(status))
	s.publish(op)
}

func (s *RecoveryService) publish(op *RecoveryOperation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	snap := *op
	for ch := range s.subs {
		select {
		case ch <- snap:
		default: // drop for slow subscriber
		}
	}
}

// Subscribe streams operation snapshots on every status change.
func (s *RecoveryService) Subscribe() (<-chan RecoveryOperation, func()) {
	ch := make(chan RecoveryOperation, 16)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			if _, ok := s.subs[ch]; ok {
				delete(s.subs, ch)
				close(ch)
			}
			s.mu.Unlock()
		})
	}
	return ch, cancel
}

// Operation returns a snapshot of one tracked operation.
func (s *RecoveryService) Operation(id string) (RecoveryOperation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[id]
	if !ok {
		return RecoveryOperation{}, false
	}
	return *op, true
}

// Operations snapshots every tracked operation, terminal ones included.
func (s *RecoveryService) Operations() []RecoveryOperation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RecoveryOperation, 0, len(s.ops))
	for _, op := range s.ops {
		out = append(out, *op)
	}
	return out
}

// Archive drops terminal operations from the ledger and returns how many
// were removed.
func (s *RecoveryService) Archive() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, op := range s.ops {
		if op.Status == RecoveryCompleted || op.Status == RecoveryFailed {
			delete(s.ops, id)
			removed++
		}
	}
	return removed
}

// Close detaches all subscribers. Pending operations keep running.
func (s *RecoveryService) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for ch := range s.subs {
		close(ch)
	}
	s.subs = make(map[chan RecoveryOperation]struct{})
}

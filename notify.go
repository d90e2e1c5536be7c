package stagecache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ConflictType classifies which field diverged.
type ConflictType string

const (
	ConflictStatus ConflictType = "status"
	ConflictOrder  ConflictType = "order"
)

// ConflictNotification is the operator-facing trail of one resolver run that
// produced diagnostics. The resolver's deterministic output is applied
// automatically; the notification exists so a human can re-resolve to a
// different value if the automatic pick was wrong.
//
// Lifecycle: detected -> (auto-resolved | awaiting-manual-resolution) -> resolved.
type ConflictNotification struct {
	ID          string
	EventID     string
	ArtistID    string
	Type        ConflictType
	LocalValue  string
	RemoteValue string
	Message     string // resolver diff message
	Timestamp   time.Time
	Resolved    bool
	ResolvedBy  string
}

// ErrUnknownConflict rejects resolution of an id the notifier never issued.
var ErrUnknownConflict = errors.New("stagecache: unknown conflict id")

// resolutionWriter applies an operator-chosen value through cache+storage.
// The manager implements it.
type resolutionWriter interface {
	applyResolution(ctx context.Context, chosen CachedStatus) error
}

// ConflictNotifier keeps the event-scoped ledger of conflicts and fans new
// ones out to subscribers over typed channels.
type ConflictNotifier struct {
	writer resolutionWriter
	log    Logger

	mu     sync.Mutex
	byID   map[string]*ConflictNotification
	subs   map[chan ConflictNotification]struct{}
	closed bool
}

func newConflictNotifier(w resolutionWriter, log Logger) *ConflictNotifier {
	return &ConflictNotifier{
		writer: w,
		log:    log,
		byID:   make(map[string]*ConflictNotification),
		subs:   make(map[chan ConflictNotification]struct{}),
	}
}

// Subscribe streams every new notification. The cancel func detaches the
// subscriber and closes its channel; safe to call more than once. Slow
// subscribers miss notifications rather than blocking detection.
func (n *ConflictNotifier) Subscribe() (<-chan ConflictNotification, func()) {
	ch := make(chan ConflictNotification, 16)

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	n.subs[ch] = struct{}{}
	n.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.mu.Lock()
			if _, ok := n.subs[ch]; ok {
				delete(n.subs, ch)
				close(ch)
			}
			n.mu.Unlock()
		})
	}
	return ch, cancel
}

// record turns one resolver run into per-field notifications. Called by the
// manager whenever Conflicts is non-empty.
func (n *ConflictNotifier) record(local, remote CachedStatus, res Resolution) {
	now := time.Now()
	var batch []*ConflictNotification

	if local.Status != remote.Status {
		batch = append(batch, &ConflictNotification{
			ID:          uuid.NewString(),
			EventID:     local.EventID,
			ArtistID:    local.ArtistID,
			Type:        ConflictStatus,
			LocalValue:  string(local.Status),
			RemoteValue: string(remote.Status),
			Message:     messageFor(res, "status"),
			Timestamp:   now,
		})
	}
	if !orderEqual(local.Order, remote.Order) {
		batch = append(batch, &ConflictNotification{
			ID:          uuid.NewString(),
			EventID:     local.EventID,
			ArtistID:    local.ArtistID,
			Type:        ConflictOrder,
			LocalValue:  orderString(local.Order),
			RemoteValue: orderString(remote.Order),
			Message:     messageFor(res, "order"),
			Timestamp:   now,
		})
	}
	if len(batch) == 0 {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	for _, c := range batch {
		n.byID[c.ID] = c
		for ch := range n.subs {
			select {
			case ch <- *c:
			default: // drop for slow subscriber
			}
		}
	}
}

func messageFor(res Resolution, field string) string {
	for _, msg := range res.Conflicts {
		if strings.HasPrefix(msg, field) {
			return msg
		}
	}
	return fmt.Sprintf("%s diverged (strategy %s)", field, res.Strategy)
}

// Resolve applies an operator-chosen value through cache+storage and marks
// the notification resolved. A storage failure leaves the chosen value live
// in cache (and dirty) but reports the error; the notification stays open
// for retry.
func (n *ConflictNotifier) Resolve(ctx context.Context, id string, chosen CachedStatus, resolvedBy string) error {
	n.mu.Lock()
	c, ok := n.byID[id]
	if !ok {
		n.mu.Unlock()
		return ErrUnknownConflict
	}
	if c.Resolved {
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()

	if err := n.writer.applyResolution(ctx, chosen); err != nil {
		return err
	}

	n.mu.Lock()
	c.Resolved = true
	c.ResolvedBy = resolvedBy
	n.mu.Unlock()
	n.log.Info("conflict manually resolved", Fields{
		"id": id, "event": c.EventID, "artist": c.ArtistID, "by": resolvedBy,
	})
	return nil
}

// MarkResolved closes a notification without writing anything - for cases
// where the automatic resolution was confirmed correct.
func (n *ConflictNotifier) MarkResolved(id, resolvedBy string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	c, ok := n.byID[id]
	if !ok {
		return ErrUnknownConflict
	}
	c.Resolved = true
	c.ResolvedBy = resolvedBy
	return nil
}

// Unresolved returns open notifications for eventID, oldest first.
func (n *ConflictNotifier) Unresolved(eventID string) []ConflictNotification {
	n.mu.Lock()
	defer n.mu.Unlock()

	var out []ConflictNotification
	for _, c := range n.byID {
		if !c.Resolved && c.EventID == eventID {
			out = append(out, *c)
		}
	}
	sortNotifications(out)
	return out
}

func sortNotifications(ns []ConflictNotification) {
	// insertion sort; the unresolved set is small by construction
	for i := 1; i < len(ns); i++ {
		for j := i; j > 0 && ns[j].Timestamp.Before(ns[j-1].Timestamp); j-- {
			ns[j], ns[j-1] = ns[j-1], ns[j]
		}
	}
}

func (n *ConflictNotifier) close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	for ch := range n.subs {
		close(ch)
	}
	n.subs = make(map[chan ConflictNotification]struct{})
}

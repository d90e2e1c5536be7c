// Package sloghooks logs high-signal cache events through log/slog, with
// sampling for the chatty ones and key redaction for shared log sinks.
package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/stagecache"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	ExpiredEvery uint64
	EvictedEvery uint64
	// Optional key redactor. Defaults to SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	expiredCtr atomic.Uint64
	evictedCtr atomic.Uint64
}

var _ stagecache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) EntryExpired(key string) {
	if h.l == nil || !sample(h.opts.ExpiredEvery, &h.expiredCtr) {
		return
	}
	h.l.Debug("stagecache.entry_expired", "key", h.redact(key))
}

func (h *Hooks) EntryEvicted(key string, syncedAtUnixNano int64) {
	if h.l == nil || !sample(h.opts.EvictedEvery, &h.evictedCtr) {
		return
	}
	h.l.Info("stagecache.entry_evicted",
		"key", h.redact(key),
		"synced_at_unix_nano", syncedAtUnixNano)
}

func (h *Hooks) SyncFailure(eventID, key string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("stagecache.sync_failure",
		"event", eventID,
		"key", h.redact(key),
		"err", err)
}

func (h *Hooks) BroadcastDropped(eventID string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("stagecache.broadcast_dropped",
		"event", eventID,
		"err", err)
}

func (h *Hooks) ConflictDetected(eventID, artistID, strategy string) {
	if h.l == nil {
		return
	}
	h.l.Info("stagecache.conflict_detected",
		"event", eventID,
		"artist", artistID,
		"strategy", strategy)
}

func (h *Hooks) RecoveryTransition(opID, opType, status string) {
	if h.l == nil {
		return
	}
	h.l.Info("stagecache.recovery_transition",
		"op", opID,
		"type", opType,
		"status", status)
}

// Package ratelimit tracks server-imposed backoff deadlines per destination.
//
// When any request to a destination receives 429 with a retry-after hint,
// every sender to that destination must hold off until the deadline passes.
// The table stores one deadline per destination as atomic unix milliseconds,
// so the hot path reads a single int64 and never takes a lock.
package ratelimit

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/tinkerapi/tinker-go/internal/observability"
)

// Table maps destination base URLs to their current backoff deadline. The
// zero deadline means no backoff is in effect.
type Table struct {
	entries *xsync.Map[string, *entry]
	now     func() time.Time
}

type entry struct {
	deadlineMS atomic.Int64
}

var shared = New()

// Shared returns the process-wide table. Every client in the process feeds
// the same table so one rate-limited tenant never makes another tenant probe
// the server, while distinct (base URL, API key) pairs stay isolated.
func Shared() *Table { return shared }

// New builds an empty table.
func New() *Table {
	return &Table{
		entries: xsync.NewMap[string, *entry](),
		now:     time.Now,
	}
}

// NewWithClock builds a table on a caller-supplied clock, for tests.
func NewWithClock(now func() time.Time) *Table {
	t := New()
	t.now = now
	return t
}

// SetBackoff records a deadline retryAfter from now. Deadlines only move
// forward: a shorter hint never shrinks an already-standing deadline.
func (t *Table) SetBackoff(dest string, retryAfter time.Duration) {
	if retryAfter <= 0 {
		return
	}
	e, _ := t.entries.LoadOrStore(dest, &entry{})
	deadline := t.now().Add(retryAfter).UnixMilli()
	for {
		cur := e.deadlineMS.Load()
		if cur >= deadline {
			return
		}
		if e.deadlineMS.CompareAndSwap(cur, deadline) {
			return
		}
	}
}

// ClearBackoff drops any deadline for dest. Called after a successful send.
func (t *Table) ClearBackoff(dest string) {
	if e, ok := t.entries.Load(dest); ok {
		e.deadlineMS.Store(0)
	}
}

// Deadline reports the active deadline for dest, false when none is in
// effect or it already passed.
func (t *Table) Deadline(dest string) (time.Time, bool) {
	e, ok := t.entries.Load(dest)
	if !ok {
		return time.Time{}, false
	}
	ms := e.deadlineMS.Load()
	if ms == 0 || ms <= t.now().UnixMilli() {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// WaitForBackoff blocks until the destination's deadline passes or the
// context ends. The deadline is read once and slept exactly once; a deadline
// set while sleeping is the next attempt's concern.
func (t *Table) WaitForBackoff(ctx context.Context, dest string) error {
	deadline, ok := t.Deadline(dest)
	if !ok {
		return nil
	}
	wait := deadline.Sub(t.now())
	if wait <= 0 {
		return nil
	}
	observability.LoggerFromContext(ctx).Debug("waiting out server backoff",
		slog.String("destination", dest),
		slog.Duration("wait", wait))
	observability.RecordRateLimitWait(dest, wait)

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

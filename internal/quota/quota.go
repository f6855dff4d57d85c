package quota

import (
	"sync"
	"time"
)

// Tracker counts upstream API calls made per UTC calendar day against a
// configured daily limit. The counter is independent of cache state: a call
// is charged per upstream attempt, whether or not it succeeds. All methods
// are safe for concurrent use.
type Tracker struct {
	mu    sync.Mutex
	date  string // YYYY-MM-DD in UTC
	count int
	limit int
	now   func() time.Time
}

// Stats is a read-only snapshot of today's usage.
type Stats struct {
	Date      string `json:"date"`
	Count     int    `json:"count"`
	Limit     int    `json:"limit"`
	Remaining int    `json:"remaining"`
}

// New creates a Tracker with the given daily call limit.
func New(limit int) *Tracker {
	return NewWithClock(limit, time.Now)
}

// NewWithClock creates a Tracker using the given clock. For tests.
func NewWithClock(limit int, now func() time.Time) *Tracker {
	return &Tracker{limit: limit, now: now}
}

// Allow records one upstream call attempt if today's count is below the
// limit, returning true. Returns false without recording when the limit is
// reached. Check and increment happen under one lock so concurrent cache
// misses cannot push the counter past the limit.
func (t *Tracker) Allow() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollLocked()
	if t.count >= t.limit {
		return false
	}
	t.count++
	return true
}

// CanCall reports whether today's count is below the daily limit.
func (t *Tracker) CanCall() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollLocked()
	return t.count < t.limit
}

// RecordCall unconditionally charges one upstream call attempt to today.
func (t *Tracker) RecordCall() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollLocked()
	t.count++
}

// Stats returns a snapshot of today's usage. Remaining never goes negative.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollLocked()
	remaining := t.limit - t.count
	if remaining < 0 {
		remaining = 0
	}
	return Stats{Date: t.date, Count: t.count, Limit: t.limit, Remaining: remaining}
}

// rollLocked resets the counter when the UTC calendar day has changed.
// Must be called with the mutex held.
func (t *Tracker) rollLocked() {
	today := t.now().UTC().Format("2006-01-02")
	if t.date != today {
		t.date = today
		t.count = 0
	}
}

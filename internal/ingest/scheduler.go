// Package ingest drives the document sync pipeline: split, embed,
// index, with a durable per-document state machine and classified
// retries.
package ingest

import (
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

type retryTask struct {
	timer   *time.Timer
	attempt int
}

// RetryScheduler holds pending retry timers keyed by document id.
// Scheduling a document that already has a pending retry replaces the
// old timer; state survives only in the sync job rows, so a restart
// simply rebuilds the schedule through crash recovery.
type RetryScheduler struct {
	mu     sync.Mutex
	tasks  map[string]*retryTask
	closed bool
}

// SchedulerStats summarizes the pending retry backlog.
type SchedulerStats struct {
	Pending   int
	ByAttempt map[int]int
}

// NewRetryScheduler creates an empty scheduler.
func NewRetryScheduler() *RetryScheduler {
	return &RetryScheduler{tasks: make(map[string]*retryTask)}
}

// Schedule runs fn after delay; attempt is the retry number being
// granted, kept for stats. An existing timer for the same document is
// stopped and replaced.
func (r *RetryScheduler) Schedule(docID string, attempt int, delay time.Duration, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if t, ok := r.tasks[docID]; ok {
		t.timer.Stop()
	}
	timer := time.AfterFunc(delay, func() {
		r.mu.Lock()
		delete(r.tasks, docID)
		closed := r.closed
		r.mu.Unlock()
		if closed {
			return
		}
		fn()
	})
	r.tasks[docID] = &retryTask{timer: timer, attempt: attempt}
	slog.Debug("retry_scheduled",
		slog.String("doc_id", docID),
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay))
}

// Cancel stops a pending retry for a document. Returns whether one
// existed.
func (r *RetryScheduler) Cancel(docID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[docID]
	if ok {
		t.timer.Stop()
		delete(r.tasks, docID)
	}
	return ok
}

// ActiveCount returns the number of pending retries.
func (r *RetryScheduler) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Stats returns the pending backlog with a per-attempt breakdown, so
// callers can tell first retries from documents deep in their budget.
func (r *RetryScheduler) Stats() SchedulerStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := SchedulerStats{
		Pending:   len(r.tasks),
		ByAttempt: make(map[int]int, len(r.tasks)),
	}
	for _, t := range r.tasks {
		stats.ByAttempt[t.attempt]++
	}
	return stats
}

// Stop cancels all pending retries and rejects new ones.
func (r *RetryScheduler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for id, t := range r.tasks {
		t.timer.Stop()
		delete(r.tasks, id)
	}
}

// randUnit feeds jittered backoff; tests may override.
var randUnit = rand.Float64

package manager

import (
	"fmt"
	"sync"
	"time"
)

// CorruptionInfo tracks one corrupted entry awaiting recovery
type CorruptionInfo struct {
	EntryID             string
	CorruptionType      string
	DetectedAt          time.Time
	RecoveryAttempts    int
	LastRecoveryAttempt time.Time
	IsRecoverable       bool
}

// RecoveryQueue is a deduplicated FIFO of corrupted entries with a bounded
// number of recovery attempts per entry.
type RecoveryQueue struct {
	mu sync.Mutex

	maxAttempts int
	corrupted   map[string]*CorruptionInfo
	queue       []string
	attempts    map[string]int
}

// NewRecoveryQueue creates a queue allowing maxAttempts per entry
func NewRecoveryQueue(maxAttempts int) *RecoveryQueue {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &RecoveryQueue{
		maxAttempts: maxAttempts,
		corrupted:   make(map[string]*CorruptionInfo),
		attempts:    make(map[string]int),
	}
}

// ReportCorruption queues id. Reporting a queued id again only updates its
// corruption type.
func (q *RecoveryQueue) ReportCorruption(id, kind string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if info, ok := q.corrupted[id]; ok {
		info.CorruptionType = kind
		return
	}
	q.corrupted[id] = &CorruptionInfo{
		EntryID:        id,
		CorruptionType: kind,
		DetectedAt:     time.Now(),
		IsRecoverable:  true,
	}
	q.queue = append(q.queue, id)
}

// AttemptRecovery runs fn for a queued id. Once maxAttempts attempts have
// been made the id is marked unrecoverable and ErrRecoveryExhausted is
// returned without running fn. On success the id leaves the queue and its
// attempt counter is cleared.
func (q *RecoveryQueue) AttemptRecovery(id string, fn func() error) error {
	q.mu.Lock()
	info, ok := q.corrupted[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotQueued, id)
	}
	attempt := q.attempts[id]
	if attempt >= q.maxAttempts {
		info.IsRecoverable = false
		q.mu.Unlock()
		return fmt.Errorf("%w: %s after %d attempts", ErrRecoveryExhausted, id, attempt)
	}
	attempt++
	q.attempts[id] = attempt
	info.RecoveryAttempts = attempt
	info.LastRecoveryAttempt = time.Now()
	q.mu.Unlock()

	// fn may be slow; it runs without the queue lock
	if err := fn(); err != nil {
		return fmt.Errorf("recovery attempt %d/%d for %s: %w", attempt, q.maxAttempts, id, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.corrupted, id)
	delete(q.attempts, id)
	for i, queued := range q.queue {
		if queued == id {
			q.queue = append(q.queue[:i], q.queue[i+1:]...)
			break
		}
	}
	return nil
}

// Pending returns queued ids in FIFO order
func (q *RecoveryQueue) Pending() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.queue...)
}

// Info returns the corruption record for id
func (q *RecoveryQueue) Info(id string) (CorruptionInfo, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	info, ok := q.corrupted[id]
	if !ok {
		return CorruptionInfo{}, false
	}
	return *info, true
}

// Len returns the number of queued ids
func (q *RecoveryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

package domain

import (
	"sync"
	"time"
)

// TTL is how long a pending op may wait on its dependency before the
// sweeper discards it (unified_worker.py's self.TTL_MS, 24h)
const TTL = 24 * time.Hour

// SweepInterval is how often the sweeper scans all four queues
// (unified_worker.py's start_ttl_sweeper, 60s)
const SweepInterval = 60 * time.Second

// PendingQueue is one of the four dependency-keyed queues: operations
// queued under a dependency key (a post URI, a subject id, a list URI)
// until the dependency is created, or until they expire
type PendingQueue struct {
	mu      sync.Mutex
	kind    QueueKind
	byKey   map[string][]PendingOp
	opIndex map[string]string // op URI -> dependency key, for O(1) removal
}

// NewPendingQueue constructs an empty queue of the given kind
func NewPendingQueue(kind QueueKind) *PendingQueue {
	return &PendingQueue{kind: kind, byKey: make(map[string][]PendingOp), opIndex: make(map[string]string)}
}

// Enqueue defers op under dependency key
func (q *PendingQueue) Enqueue(key string, op PendingOp) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.byKey[key] = append(q.byKey[key], op)
	q.opIndex[op.URI] = key
}

// Flush removes and returns every op waiting on key, in enqueue order
func (q *PendingQueue) Flush(key string) []PendingOp {
	q.mu.Lock()
	defer q.mu.Unlock()
	ops := q.byKey[key]
	delete(q.byKey, key)
	for _, op := range ops {
		delete(q.opIndex, op.URI)
	}
	return ops
}

// Len reports the total number of ops pending across all keys
func (q *PendingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, ops := range q.byKey {
		n += len(ops)
	}
	return n
}

// Sweep discards ops older than TTL and reports how many were removed
func (q *PendingQueue) Sweep(now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	expired := 0
	for key, ops := range q.byKey {
		kept := ops[:0]
		for _, op := range ops {
			if now.Sub(op.EnqueuedAt) > TTL {
				expired++
				delete(q.opIndex, op.URI)
				continue
			}
			kept = append(kept, op)
		}
		if len(kept) == 0 {
			delete(q.byKey, key)
		} else {
			q.byKey[key] = kept
		}
	}
	return expired
}

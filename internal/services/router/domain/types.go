// Package domain holds the event router's core types: the four pending
// queues and their metrics, grounded on unified_worker.py's EventProcessor
// (spec.md §4.5, §3 supplement "unified worker's four independent
// pending-queue metrics struct")
package domain

import "time"

// QueueKind names one of the four independent pending queues
type QueueKind string

// The four pending-queue kinds unified_worker.py maintains (lines ~160-166)
const (
	QueuePostOps        QueueKind = "post_ops"         // likes/reposts/bookmarks waiting on a post
	QueueUserOps         QueueKind = "user_ops"          // follows/blocks waiting on a subject
	QueueListItems       QueueKind = "list_items"        // list-items waiting on a list
	QueueUserCreationOps QueueKind = "user_creation_ops" // any op waiting on a subject row being created
)

// PendingOp is one deferred write, keyed by the dependency it is waiting on
type PendingOp struct {
	URI        string // the op's own record URI, used to dedup/remove on sweep
	Kind       string // the op's collection NSID, e.g. app.bsky.feed.like
	Repo       string // the subject-id that authored the op, needed to replay it later
	Payload    any    // the fully-decoded op, re-dispatched once the dependency resolves
	EnqueuedAt time.Time
}

// Metrics is the queued/flushed/expired counters for all four queues,
// adopted verbatim in shape from unified_worker.py lines ~196-207
type Metrics struct {
	PendingQueued, PendingFlushed, PendingExpired                                  uint64
	PendingUserOpsQueued, PendingUserOpsFlushed, PendingUserOpsExpired             uint64
	PendingListItemsQueued, PendingListItemsFlushed, PendingListItemsExpired       uint64
	PendingUserCreationQueued, PendingUserCreationFlushed, PendingUserCreationExpired uint64
}

package domain

import "context"

// RecordSink is how the fetcher hands a successfully fetched record back to
// the router to be processed exactly as if it had just arrived on the stream
// (§4.2 step 4). It also carries the flush callback the router needs after a
// minimal subject row is inserted from the fallback path (§4.2's final
// paragraph, §4.5.5)
type RecordSink interface {
	// ProcessRepairedRecord re-enters the router's commit-dispatch path for a
	// single record fetched out of band
	ProcessRepairedRecord(ctx context.Context, subjectID, collection, rkey string, value []byte) error
	// FlushPendingUserOps replays ops blocked on subjectID's creation, called
	// after the fetcher inserts a minimal subject row (§4.2, §4.5.5)
	FlushPendingUserOps(ctx context.Context, subjectID string)
}

// Fetcher is the C2 surface consumed by the router (to mark rows incomplete)
// and by the cmd process driving the background repair loop
type Fetcher interface {
	// MarkIncomplete records that kind/subjectID/uri needs a remote repair.
	// A duplicate key only increments the existing entry's retry count (§4.2)
	MarkIncomplete(kind Kind, subjectID, uri string, hint Hint)
	// ProcessIncomplete runs one sweep of the incomplete map, attempting a
	// fetch for every entry whose backoff window has elapsed (§4.2 "Protocol")
	ProcessIncomplete(ctx context.Context)
	// Stats reports current bookkeeping counts
	Stats() Stats
}

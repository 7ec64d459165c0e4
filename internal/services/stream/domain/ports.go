package domain

import "context"

// Router is the subset of the event router (C5) the stream client drives
type Router interface {
	HandleCommit(ctx context.Context, ev CommitEvent)
	HandleIdentity(ctx context.Context, ev IdentityEvent)
	HandleAccount(ctx context.Context, ev AccountEvent)
}

// CursorStore is the subset of the store gateway (C3) needed to persist and
// resume the live cursor (spec.md §4.4)
type CursorStore interface {
	SaveCursor(ctx context.Context, service string, seq uint64, ts int64) error
	LoadCursor(ctx context.Context, service string) (seq uint64, found bool, err error)
}

// Client drives the firehose read loop
type Client interface {
	Run(ctx context.Context)
	Stats() Stats
}

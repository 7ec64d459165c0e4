package domain

import (
	"context"

	streamdomain "atrelay/internal/services/stream/domain"
)

// Router is the event router (C5). Backfill drives the identical dispatch
// path live ingest (C4) uses; only the source cursor and the age-based
// commit filter differ (§4.6)
type Router = streamdomain.Router

// CursorStore persists backfill's own cursor row, keyed by a distinct
// service name ("backfill") so a backfill run never collides with the live
// stream's cursor (§4.6)
type CursorStore interface {
	SaveCursor(ctx context.Context, service string, seq uint64, ts int64) error
	LoadCursor(ctx context.Context, service string) (seq uint64, found bool, err error)
}

// Controller drives a bounded replay of the firehose from a resumable cursor
type Controller interface {
	Run(ctx context.Context) error
	Progress() Progress
}

// Package domain holds the backfill controller's core types
package domain

import "time"

// Progress is the observable/persisted state of one backfill run (spec.md §4.6)
type Progress struct {
	RunID           string
	EventsReceived  uint64
	EventsProcessed uint64
	EventsSkipped   uint64
	CurrentCursor   int64
	StartedAt       time.Time
	Done            bool
}

// Rate returns the processed-events-per-second since StartedAt, 0 before any
// progress has been made
func (p Progress) Rate() float64 {
	elapsed := time.Since(p.StartedAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(p.EventsProcessed) / elapsed
}

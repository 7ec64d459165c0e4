// Package service implements the stream client (C4): a reconnecting
// websocket reader over the AT Protocol firehose that decodes frames and
// dispatches commit/identity/account events to the router (spec.md §4.4)
package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"atrelay/internal/adapters/ingest/relay"
	"atrelay/internal/platform/logger"
	"atrelay/internal/services/stream/domain"
)

const cursorServiceName = "stream"

// rewindMargin is the number of sequence numbers subtracted from the
// persisted cursor when it is loaded at startup; reconnects within one Run
// resume from the in-memory cursor without this margin
// (spec.md §4.4 "reconnection policy", supplemented)
const rewindMargin = 2

// Dialer opens one live connection, optionally resuming from a cursor
type Dialer interface {
	Dial(ctx context.Context, cursor int64) (*relay.Conn, error)
}

// Options configures the stream client (§6)
type Options struct {
	CursorSaveInterval time.Duration // default 5s
}

// DefaultOptions matches spec.md §4.4's stated defaults
func DefaultOptions() Options {
	return Options{CursorSaveInterval: 5 * time.Second}
}

// Service implements domain.Client
type Service struct {
	dialer Dialer
	router domain.Router
	cursor domain.CursorStore
	opt    Options
	log    logger.Logger

	mu            sync.Mutex
	currentCursor int64
	lastSaved     time.Time

	events, commits, reconnects, decodeErrors atomic.Uint64
	connected                                 atomic.Bool
}

// New constructs the stream client
func New(dialer Dialer, router domain.Router, cursor domain.CursorStore, opt Options) *Service {
	if dialer == nil || router == nil || cursor == nil {
		panic("stream.Service requires non nil dialer, router, and cursor store")
	}
	d := DefaultOptions()
	if opt.CursorSaveInterval <= 0 {
		opt.CursorSaveInterval = d.CursorSaveInterval
	}
	return &Service{dialer: dialer, router: router, cursor: cursor, opt: opt, log: *logger.Named("stream")}
}

var _ domain.Client = (*Service)(nil)

// Run drives reconnect/read until ctx is cancelled (§4.4, §5)
func (s *Service) Run(ctx context.Context) {
	s.loadCursor(ctx)

	attempt := 0
	for ctx.Err() == nil {
		if err := s.runOnce(ctx); err != nil {
			attempt++
			s.reconnects.Add(1)
			s.connected.Store(false)
			backoff := relay.NextBackoff(attempt)
			s.log.Warn().Err(err).Dur("backoff", backoff).Int("attempt", attempt).Msg("stream: connection lost, reconnecting")
			select {
			case <-ctx.Done():
			case <-time.After(backoff):
			}
			continue
		}
		attempt = 0
	}
	s.syncCursor(context.Background())
}

func (s *Service) loadCursor(ctx context.Context) {
	seq, found, err := s.cursor.LoadCursor(ctx, cursorServiceName)
	if err != nil {
		s.log.Warn().Err(err).Msg("stream: failed to load cursor, starting live")
		return
	}
	if found {
		s.mu.Lock()
		s.currentCursor = int64(seq) - rewindMargin
		if s.currentCursor < 0 {
			s.currentCursor = 0
		}
		s.mu.Unlock()
	}
}

func (s *Service) runOnce(ctx context.Context) error {
	s.mu.Lock()
	cursor := s.currentCursor
	s.mu.Unlock()

	conn, err := s.dialer.Dial(ctx, cursor)
	if err != nil {
		return err
	}
	defer conn.Close()

	s.connected.Store(true)
	s.log.Info().Int64("cursor", cursor).Msg("stream: connected")

	for ctx.Err() == nil {
		ev, err := conn.ReadEvent()
		if err != nil {
			var decErr *relay.DecodeError
			if errors.As(err, &decErr) {
				s.decodeErrors.Add(1)
				s.log.Debug().Err(decErr).Msg("stream: skipping undecodable frame")
				continue
			}
			return err
		}
		s.dispatch(ctx, ev)
		s.maybeSyncCursor(ctx)
	}
	return ctx.Err()
}

func (s *Service) dispatch(ctx context.Context, ev relay.Event) {
	s.events.Add(1)
	switch e := ev.(type) {
	case relay.CommitEvent:
		s.commits.Add(1)
		s.advanceCursor(e.Seq)
		s.router.HandleCommit(ctx, domain.CommitEvent{Seq: e.Seq, Repo: e.Repo, Ops: toOps(e.Ops)})
	case relay.IdentityEvent:
		s.advanceCursor(e.Seq)
		s.router.HandleIdentity(ctx, domain.IdentityEvent{Seq: e.Seq, SubjectID: e.SubjectID, Handle: e.Handle})
	case relay.AccountEvent:
		s.advanceCursor(e.Seq)
		s.router.HandleAccount(ctx, domain.AccountEvent{Seq: e.Seq, SubjectID: e.SubjectID, Active: e.Active})
	}
}

func toOps(in []relay.CommitOp) []domain.Op {
	out := make([]domain.Op, len(in))
	for i, o := range in {
		out[i] = domain.Op{
			Action:     o.Action,
			Collection: o.Collection,
			Rkey:       o.Rkey,
			URI:        o.URI,
			TypeTag:    o.TypeTag,
			Record:     o.Record,
		}
	}
	return out
}

func (s *Service) advanceCursor(seq int64) {
	s.mu.Lock()
	if seq > s.currentCursor {
		s.currentCursor = seq
	}
	s.mu.Unlock()
}

func (s *Service) maybeSyncCursor(ctx context.Context) {
	s.mu.Lock()
	due := time.Since(s.lastSaved) >= s.opt.CursorSaveInterval
	s.mu.Unlock()
	if due {
		s.syncCursor(ctx)
	}
}

func (s *Service) syncCursor(ctx context.Context) {
	s.mu.Lock()
	seq := s.currentCursor
	s.mu.Unlock()
	if seq <= 0 {
		return
	}
	if err := s.cursor.SaveCursor(ctx, cursorServiceName, uint64(seq), time.Now().Unix()); err != nil {
		s.log.Warn().Err(err).Int64("seq", seq).Msg("stream: failed to save cursor")
		return
	}
	s.mu.Lock()
	s.lastSaved = time.Now()
	s.mu.Unlock()
}

// Stats implements domain.Client
func (s *Service) Stats() domain.Stats {
	s.mu.Lock()
	cursor := s.currentCursor
	s.mu.Unlock()
	return domain.Stats{
		Cursor:       cursor,
		EventsTotal:  s.events.Load(),
		CommitsTotal: s.commits.Load(),
		Reconnects:   s.reconnects.Load(),
		DecodeErrors: s.decodeErrors.Load(),
		Connected:    s.connected.Load(),
	}
}

// Package service implements the backfill controller (C6): a bounded,
// resumable replay of the firehose that drives the same router dispatch
// path live ingest (C4) uses, paced to avoid overwhelming downstream
// storage and throttled against memory pressure (spec.md §4.6)
package service

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/time/rate"

	"atrelay/internal/adapters/ingest/relay"
	"atrelay/internal/platform/logger"
	"atrelay/internal/services/backfill/domain"
	streamdomain "atrelay/internal/services/stream/domain"
)

const cursorServiceName = "backfill"

// memoryCheckInterval mirrors backfill_service.py's fixed "every 100
// processed events" cadence for the RSS sample (§4.6)
const memoryCheckInterval = 100

// Dialer opens one connection to the firehose, optionally resuming from a
// cursor. Shared shape with the stream client's Dialer (§4.4/§4.6)
type Dialer interface {
	Dial(ctx context.Context, cursor int64) (*relay.Conn, error)
}

// MemorySampler reports the process's current resident set size in MB. The
// default implementation wraps gopsutil; tests supply a fake
type MemorySampler interface {
	ResidentMB() (float64, error)
}

type gopsutilSampler struct{ proc *process.Process }

// NewGopsutilSampler builds a MemorySampler over the running process (§4.6
// "memory throttle")
func NewGopsutilSampler() (MemorySampler, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &gopsutilSampler{proc: p}, nil
}

func (s *gopsutilSampler) ResidentMB() (float64, error) {
	mi, err := s.proc.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return float64(mi.RSS) / (1024 * 1024), nil
}

// Options configures one backfill run (§4.6, §6)
type Options struct {
	// BackfillDays: -1 replays full history (no age cutoff), 0 disables
	// backfill entirely (Run returns immediately), N>0 bounds the replay to
	// records with createdAt >= now-N days
	BackfillDays int

	BatchSize            int           // B: events per pacing window, default 5
	BatchDelay           time.Duration // Δ: pacing window, default 2s
	MaxMemoryMB          float64       // memory throttle ceiling, default 512
	ProgressSaveInterval uint64        // persist cursor every N received events, default 1000
	MaxEventsPerRun      uint64        // safety cap, default 1_000_000
}

// DefaultOptions matches spec.md §4.6's stated defaults
func DefaultOptions() Options {
	return Options{
		BackfillDays:         0,
		BatchSize:            5,
		BatchDelay:           2 * time.Second,
		MaxMemoryMB:          512,
		ProgressSaveInterval: 1000,
		MaxEventsPerRun:      1_000_000,
	}
}

// Service implements domain.Controller
type Service struct {
	dialer Dialer
	router domain.Router
	cursor domain.CursorStore
	mem    MemorySampler
	opt    Options
	log    logger.Logger

	mu       sync.Mutex
	progress domain.Progress

	limiter *rate.Limiter
}

// New constructs the backfill controller. mem may be nil, in which case the
// memory throttle is skipped (e.g. when gopsutil can't resolve the process
// on an unsupported platform)
func New(dialer Dialer, router domain.Router, cursor domain.CursorStore, mem MemorySampler, opt Options) *Service {
	if dialer == nil || router == nil || cursor == nil {
		panic("backfill.Service requires non nil dialer, router, and cursor store")
	}
	d := DefaultOptions()
	if opt.BatchSize <= 0 {
		opt.BatchSize = d.BatchSize
	}
	if opt.BatchDelay <= 0 {
		opt.BatchDelay = d.BatchDelay
	}
	if opt.MaxMemoryMB <= 0 {
		opt.MaxMemoryMB = d.MaxMemoryMB
	}
	if opt.ProgressSaveInterval == 0 {
		opt.ProgressSaveInterval = d.ProgressSaveInterval
	}
	if opt.MaxEventsPerRun == 0 {
		opt.MaxEventsPerRun = d.MaxEventsPerRun
	}
	// B events per Δ approximates the original's "process B, then sleep Δ"
	// pacing as a continuous token bucket: burst lets the first B events
	// through immediately, the refill rate then holds the long-run average
	// to B events per Δ (§4.6 "pacing")
	limiter := rate.NewLimiter(rate.Every(opt.BatchDelay/time.Duration(opt.BatchSize)), opt.BatchSize)
	return &Service{dialer: dialer, router: router, cursor: cursor, mem: mem, opt: opt, log: *logger.Named("backfill"), limiter: limiter}
}

var _ domain.Controller = (*Service)(nil)

// ErrDisabled is returned by Run when Options.BackfillDays == 0
var ErrDisabled = errors.New("backfill: disabled (BackfillDays == 0)")

// Run replays the firehose from a resumable cursor until the safety cap is
// hit, the connection is exhausted, or ctx is cancelled (§4.6)
func (s *Service) Run(ctx context.Context) error {
	if s.opt.BackfillDays == 0 {
		return ErrDisabled
	}

	s.mu.Lock()
	s.progress = domain.Progress{RunID: uuid.NewString(), StartedAt: time.Now()}
	s.mu.Unlock()

	startCursor := s.resolveStartCursor(ctx)
	cutoff := s.resolveCutoff()

	conn, err := s.dialer.Dial(ctx, startCursor)
	if err != nil {
		return err
	}
	defer conn.Close()

	s.log.Info().Str("run_id", s.Progress().RunID).Int64("cursor", startCursor).Int("backfill_days", s.opt.BackfillDays).Msg("backfill: connected")

	memCounter := 0
	for ctx.Err() == nil {
		ev, err := conn.ReadEvent()
		if err != nil {
			var decErr *relay.DecodeError
			if errors.As(err, &decErr) {
				s.log.Debug().Err(decErr).Msg("backfill: skipping undecodable frame")
				continue
			}
			s.syncCursor(context.Background())
			return err
		}

		s.recordReceived()

		if s.shouldSkip(ev, cutoff) {
			s.recordSkipped()
		} else {
			s.dispatch(ctx, ev)
			s.recordProcessed()
			memCounter++

			if memCounter >= memoryCheckInterval {
				memCounter = 0
				s.throttleForMemory(ctx)
			}

			// paced per processed event, not per received event: the
			// limiter's burst lets a batch of BatchSize through immediately,
			// then holds the long-run rate to BatchSize per BatchDelay (§4.6)
			if err := s.limiter.Wait(ctx); err != nil {
				break
			}
		}

		s.maybeSaveProgress(ctx)

		if s.capReached() {
			s.log.Info().Uint64("processed", s.Progress().EventsProcessed).Msg("backfill: MaxEventsPerRun reached, stopping")
			break
		}
	}

	s.syncCursor(context.Background())
	s.mu.Lock()
	s.progress.Done = true
	s.mu.Unlock()
	return nil
}

func (s *Service) resolveStartCursor(ctx context.Context) int64 {
	if s.opt.BackfillDays == -1 {
		return 0 // full history
	}
	seq, found, err := s.cursor.LoadCursor(ctx, cursorServiceName)
	if err != nil {
		s.log.Warn().Err(err).Msg("backfill: failed to load cursor, starting from 0")
		return 0
	}
	if !found {
		return 0
	}
	s.mu.Lock()
	s.progress.CurrentCursor = int64(seq)
	s.mu.Unlock()
	return int64(seq)
}

func (s *Service) resolveCutoff() time.Time {
	if s.opt.BackfillDays <= 0 {
		return time.Time{}
	}
	return time.Now().Add(-time.Duration(s.opt.BackfillDays) * 24 * time.Hour)
}

// createdAtRecord decodes just enough of a DAG-CBOR record to read createdAt
type createdAtRecord struct {
	CreatedAt string `cbor:"createdAt"`
}

// shouldSkip mirrors the original's whole-commit skip: if ANY op in the
// commit carries a record older than cutoff, the entire commit is skipped,
// not just that op (backfill_service.py process_message, "skip_old_events")
func (s *Service) shouldSkip(ev relay.Event, cutoff time.Time) bool {
	if cutoff.IsZero() {
		return false
	}
	commit, ok := ev.(relay.CommitEvent)
	if !ok {
		return false
	}
	for _, op := range commit.Ops {
		if len(op.Record) == 0 {
			continue
		}
		var rec createdAtRecord
		if err := cbor.Unmarshal(op.Record, &rec); err != nil || rec.CreatedAt == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, rec.CreatedAt)
		if err != nil {
			continue
		}
		if t.Before(cutoff) {
			return true
		}
	}
	return false
}

func (s *Service) dispatch(ctx context.Context, ev relay.Event) {
	switch e := ev.(type) {
	case relay.CommitEvent:
		s.advanceCursor(e.Seq)
		s.router.HandleCommit(ctx, streamdomain.CommitEvent{Seq: e.Seq, Repo: e.Repo, Ops: toOps(e.Ops)})
	case relay.IdentityEvent:
		s.advanceCursor(e.Seq)
		s.router.HandleIdentity(ctx, streamdomain.IdentityEvent{Seq: e.Seq, SubjectID: e.SubjectID, Handle: e.Handle})
	case relay.AccountEvent:
		s.advanceCursor(e.Seq)
		s.router.HandleAccount(ctx, streamdomain.AccountEvent{Seq: e.Seq, SubjectID: e.SubjectID, Active: e.Active})
	}
}

func toOps(in []relay.CommitOp) []streamdomain.Op {
	out := make([]streamdomain.Op, len(in))
	for i, o := range in {
		out[i] = streamdomain.Op{
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

// throttleForMemory samples RSS and pauses with the original's 5s-then-10s
// escalation when over MaxMemoryMB (backfill_service.py check_memory_and_throttle)
func (s *Service) throttleForMemory(ctx context.Context) {
	if s.mem == nil {
		return
	}
	mb, err := s.mem.ResidentMB()
	if err != nil {
		return
	}
	if mb <= s.opt.MaxMemoryMB {
		return
	}
	s.log.Warn().Float64("rss_mb", mb).Float64("ceiling_mb", s.opt.MaxMemoryMB).Msg("backfill: over memory ceiling, pausing")
	if !sleepCtx(ctx, 5*time.Second) {
		return
	}
	mb, err = s.mem.ResidentMB()
	if err == nil && mb > s.opt.MaxMemoryMB {
		s.log.Warn().Float64("rss_mb", mb).Msg("backfill: still over ceiling after 5s, pausing further")
		sleepCtx(ctx, 10*time.Second)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (s *Service) recordReceived() {
	s.mu.Lock()
	s.progress.EventsReceived++
	s.mu.Unlock()
}

func (s *Service) recordProcessed() {
	s.mu.Lock()
	s.progress.EventsProcessed++
	s.mu.Unlock()
}

func (s *Service) recordSkipped() {
	s.mu.Lock()
	s.progress.EventsSkipped++
	s.mu.Unlock()
}

func (s *Service) advanceCursor(seq int64) {
	s.mu.Lock()
	if seq > s.progress.CurrentCursor {
		s.progress.CurrentCursor = seq
	}
	s.mu.Unlock()
}

func (s *Service) capReached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress.EventsProcessed >= s.opt.MaxEventsPerRun
}

func (s *Service) maybeSaveProgress(ctx context.Context) {
	s.mu.Lock()
	due := s.opt.ProgressSaveInterval > 0 && s.progress.EventsReceived%s.opt.ProgressSaveInterval == 0
	rate := s.progress.Rate()
	received := s.progress.EventsReceived
	processed := s.progress.EventsProcessed
	skipped := s.progress.EventsSkipped
	s.mu.Unlock()
	if !due {
		return
	}
	s.log.Info().
		Uint64("received", received).
		Uint64("processed", processed).
		Uint64("skipped", skipped).
		Float64("events_per_sec", rate).
		Msg("backfill: progress")
	s.syncCursor(ctx)
}

func (s *Service) syncCursor(ctx context.Context) {
	s.mu.Lock()
	seq := s.progress.CurrentCursor
	s.mu.Unlock()
	if seq <= 0 {
		return
	}
	if err := s.cursor.SaveCursor(ctx, cursorServiceName, uint64(seq), time.Now().Unix()); err != nil {
		s.log.Warn().Err(err).Int64("seq", seq).Msg("backfill: failed to save cursor")
	}
}

// Progress implements domain.Controller
func (s *Service) Progress() domain.Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

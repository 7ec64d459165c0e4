// Package service implements the remote record fetcher (C2): a retrying
// background repair loop that fetches individual records from their origin
// server to heal rows the router (C5) marked incomplete (spec.md §4.2)
package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"atrelay/internal/adapters/ingest/pds"
	perr "atrelay/internal/platform/errors"
	"atrelay/internal/platform/logger"
	"atrelay/internal/services/fetcher/domain"
)

// EndpointResolver is the subset of the identity resolver (C1) the fetcher
// needs: endpoint lookup for the fetch, and handle lookup for the fallback
// subject-creation path
type EndpointResolver interface {
	ResolveToEndpoint(ctx context.Context, subjectID string) (string, bool)
	ResolveToHandle(ctx context.Context, subjectID string) (string, bool)
}

// RecordGetter fetches one record from a resolved PDS endpoint
type RecordGetter interface {
	GetRecord(ctx context.Context, endpoint, repo, collection, rkey string) (pds.Record, error)
}

// SubjectWriter is the minimal store-gateway surface needed for the
// fallback subject-creation path (§4.2's final paragraph)
type SubjectWriter interface {
	EnsureSubject(ctx context.Context, id, handle string) (created bool, err error)
}

// Options configures the fetcher (spec.md §4.2, §6)
type Options struct {
	SweepInterval time.Duration // default 30s
	RetryAfter    time.Duration // default 30s, matches §4.2 "now - last_attempt >= 30s"
	FetchTimeout  time.Duration // default 10s
	MaxRetries    int           // default 3
}

// DefaultOptions matches spec.md §4.2's stated defaults
func DefaultOptions() Options {
	return Options{
		SweepInterval: 30 * time.Second,
		RetryAfter:    30 * time.Second,
		FetchTimeout:  10 * time.Second,
		MaxRetries:    3,
	}
}

// Service implements domain.Fetcher
type Service struct {
	resolver EndpointResolver
	records  RecordGetter
	subjects SubjectWriter
	sink     domain.RecordSink
	opt      Options
	log      logger.Logger
	now      func() time.Time

	mu      sync.Mutex
	entries map[domain.Key]*domain.Entry

	repaired uint64
	expired  uint64
	failed   uint64
}

// New constructs the fetcher service
func New(resolver EndpointResolver, records RecordGetter, subjects SubjectWriter, sink domain.RecordSink, opt Options) *Service {
	if resolver == nil || records == nil || subjects == nil || sink == nil {
		panic("fetcher.Service requires non nil resolver, records, subjects, and sink")
	}
	d := DefaultOptions()
	if opt.SweepInterval <= 0 {
		opt.SweepInterval = d.SweepInterval
	}
	if opt.RetryAfter <= 0 {
		opt.RetryAfter = d.RetryAfter
	}
	if opt.FetchTimeout <= 0 {
		opt.FetchTimeout = d.FetchTimeout
	}
	if opt.MaxRetries <= 0 {
		opt.MaxRetries = d.MaxRetries
	}
	return &Service{
		resolver: resolver,
		records:  records,
		subjects: subjects,
		sink:     sink,
		opt:      opt,
		log:      *logger.Named("fetcher"),
		now:      time.Now,
		entries:  make(map[domain.Key]*domain.Entry),
	}
}

var _ domain.Fetcher = (*Service)(nil)

// MarkIncomplete implements domain.Fetcher
func (s *Service) MarkIncomplete(kind domain.Kind, subjectID, uri string, hint domain.Hint) {
	key := domain.Key{Kind: kind, SubjectID: sanitizeSubjectID(subjectID), URI: uri}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok {
		e.RetryCount++
		return
	}
	s.entries[key] = &domain.Entry{Key: key, Hint: hint, LastAttempt: time.Time{}}
}

// sanitizeSubjectID strips whitespace/trailing punctuation and ensures a
// did: prefix, grounded on pds_data_fetcher.py's _sanitize_repo helper
// (§3 supplement, §4.2 step 1)
func sanitizeSubjectID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimRight(id, ".,;:")
	if !strings.HasPrefix(id, "did:") {
		id = "did:" + id
	}
	return id
}

// Run drives the periodic sweep until ctx is cancelled (§4.2 "Protocol")
func (s *Service) Run(ctx context.Context) {
	t := time.NewTicker(s.opt.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.ProcessIncomplete(ctx)
		}
	}
}

// ProcessIncomplete implements domain.Fetcher
func (s *Service) ProcessIncomplete(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	due := make([]*domain.Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if now.Sub(e.LastAttempt) >= s.opt.RetryAfter {
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		s.attempt(ctx, e)
	}
}

func (s *Service) attempt(ctx context.Context, e *domain.Entry) {
	s.mu.Lock()
	e.LastAttempt = s.now()
	s.mu.Unlock()

	fetchCtx, cancel := context.WithTimeout(ctx, s.opt.FetchTimeout)
	defer cancel()

	endpoint, ok := s.resolver.ResolveToEndpoint(fetchCtx, e.Key.SubjectID)
	if !ok {
		s.bumpRetry(e)
		if e.Key.Kind == domain.KindUser && s.retryCountOf(e.Key) >= s.opt.MaxRetries {
			s.fallbackCreateSubject(ctx, e.Key.SubjectID)
		}
		return
	}

	collection, rkey := e.Hint.Collection, e.Hint.Rkey
	if e.Key.Kind == domain.KindUser {
		collection, rkey = "app.bsky.actor.profile", "self"
	}

	rec, err := s.records.GetRecord(fetchCtx, endpoint, e.Key.SubjectID, collection, rkey)
	switch {
	case err == nil:
		if procErr := s.sink.ProcessRepairedRecord(ctx, e.Key.SubjectID, collection, rkey, rec.Value); procErr != nil {
			s.log.Warn().Err(procErr).Str("subject_id", e.Key.SubjectID).Msg("fetcher: repaired record rejected by router")
		}
		s.removeEntry(e.Key)
		s.repaired++

	case errors.Is(err, pds.ErrRecordNotFound):
		// Permanent miss: record is gone, drop from map without retry (§4.2 step 5, §7)
		s.removeEntry(e.Key)

	default:
		s.bumpRetry(e)
		s.log.Debug().Err(err).Str("subject_id", e.Key.SubjectID).Msg("fetcher: fetch failed, will retry")

		if e.Key.Kind == domain.KindUser && s.retryCountOf(e.Key) >= s.opt.MaxRetries {
			s.fallbackCreateSubject(ctx, e.Key.SubjectID)
		}
	}
}

func (s *Service) bumpRetry(e *domain.Entry) {
	s.mu.Lock()
	e.RetryCount++
	s.mu.Unlock()
	s.failed++
}

func (s *Service) retryCountOf(key domain.Key) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		return e.RetryCount
	}
	return 0
}

func (s *Service) removeEntry(key domain.Key) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// fallbackCreateSubject inserts a minimal subject row after exhausting
// retries and flushes blocked ops (§4.2's final paragraph, §4.5.5)
func (s *Service) fallbackCreateSubject(ctx context.Context, subjectID string) {
	handle, ok := s.resolver.ResolveToHandle(ctx, subjectID)
	if !ok {
		handle = "handle.invalid"
	}
	if _, err := s.subjects.EnsureSubject(ctx, subjectID, handle); err != nil && !perr.IsDuplicateKey(err) {
		s.log.Error().Err(err).Str("subject_id", subjectID).Msg("fetcher: fallback subject creation failed")
		return
	}
	s.removeEntry(domain.Key{Kind: domain.KindUser, SubjectID: subjectID})
	s.sink.FlushPendingUserOps(ctx, subjectID)
}

// Stats implements domain.Fetcher
func (s *Service) Stats() domain.Stats {
	s.mu.Lock()
	pending := len(s.entries)
	s.mu.Unlock()
	return domain.Stats{Pending: pending, Repaired: s.repaired, Expired: s.expired, Failed: s.failed}
}

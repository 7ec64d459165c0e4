// Package service implements the identity resolver (C1): cached, circuit
// broken, retried resolution of subject-ids to documents, endpoints, and
// handles (spec.md §4.1)
package service

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"

	perr "atrelay/internal/platform/errors"
	"atrelay/internal/platform/logger"
	"atrelay/internal/services/identity/domain"
)

// Directory is the upstream document-fetching capability, implemented by
// adapters/ingest/identity.Client
type Directory interface {
	FetchDocument(ctx context.Context, subjectID string) (domain.Document, error)
}

// HandleResolver is the upstream handle-resolution capability, implemented
// by adapters/ingest/identity.Client
type HandleResolver interface {
	ResolveHandle(ctx context.Context, handle string) (string, error)
}

// Options configures the identity service (spec.md §4.1, §6)
type Options struct {
	CacheSize        int           // bounded LRU size for each of the two caches
	CacheTTL         time.Duration // default 24h
	BreakerThreshold uint32        // consecutive failures before opening (default 5)
	BreakerCooldown  time.Duration // default 60s
	RetryAttempts    int           // default 3
	RetryBase        time.Duration // default 1s
	RequestTimeout   time.Duration // default 15s
	MaxConcurrent    int64         // bounded semaphore (default 15)
	StatsEvery       uint64        // batch-log cadence (default 5000)
}

// DefaultOptions matches spec.md §4.1's stated defaults
func DefaultOptions() Options {
	return Options{
		CacheSize:        50_000,
		CacheTTL:         24 * time.Hour,
		BreakerThreshold: 5,
		BreakerCooldown:  60 * time.Second,
		RetryAttempts:    3,
		RetryBase:        time.Second,
		RequestTimeout:   15 * time.Second,
		MaxConcurrent:    15,
		StatsEvery:       5000,
	}
}

// Service implements domain.Resolver
type Service struct {
	dir     Directory
	handles HandleResolver
	opt     Options
	log     logger.Logger

	docCache    *ttlCache
	handleCache *ttlCache

	breaker *gobreaker.CircuitBreaker[domain.Document]
	sem     *semaphore.Weighted

	resolutions  atomic.Uint64
	breakerTrips atomic.Uint64

	warnedMethods sync.Map // method prefix -> struct{}, dedups the allow-list warning
}

// New constructs the identity service
func New(dir Directory, handles HandleResolver, opt Options) *Service {
	if dir == nil {
		panic("identity.Service requires a non nil Directory")
	}
	if handles == nil {
		panic("identity.Service requires a non nil HandleResolver")
	}
	if opt.CacheSize <= 0 {
		opt.CacheSize = DefaultOptions().CacheSize
	}
	if opt.CacheTTL <= 0 {
		opt.CacheTTL = DefaultOptions().CacheTTL
	}
	if opt.BreakerThreshold == 0 {
		opt.BreakerThreshold = DefaultOptions().BreakerThreshold
	}
	if opt.BreakerCooldown <= 0 {
		opt.BreakerCooldown = DefaultOptions().BreakerCooldown
	}
	if opt.RetryAttempts <= 0 {
		opt.RetryAttempts = DefaultOptions().RetryAttempts
	}
	if opt.RetryBase <= 0 {
		opt.RetryBase = DefaultOptions().RetryBase
	}
	if opt.RequestTimeout <= 0 {
		opt.RequestTimeout = DefaultOptions().RequestTimeout
	}
	if opt.MaxConcurrent <= 0 {
		opt.MaxConcurrent = DefaultOptions().MaxConcurrent
	}
	if opt.StatsEvery == 0 {
		opt.StatsEvery = DefaultOptions().StatsEvery
	}

	s := &Service{
		dir:         dir,
		handles:     handles,
		opt:         opt,
		log:         *logger.Named("identity"),
		docCache:    newTTLCache(opt.CacheSize, opt.CacheTTL),
		handleCache: newTTLCache(opt.CacheSize, opt.CacheTTL),
		sem:         semaphore.NewWeighted(opt.MaxConcurrent),
	}
	s.breaker = gobreaker.NewCircuitBreaker[domain.Document](gobreaker.Settings{
		Name:        "identity-directory",
		MaxRequests: 1,
		Interval:    0, // never reset counts on a timer; ReadyToTrip owns that
		Timeout:     opt.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opt.BreakerThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				s.breakerTrips.Add(1)
				s.log.Warn().Str("breaker", name).Msg("identity circuit breaker open")
			}
		},
	})
	return s
}

var _ domain.Resolver = (*Service)(nil)

// ResolveToDocument implements domain.Resolver
func (s *Service) ResolveToDocument(ctx context.Context, subjectID string) (domain.Document, bool) {
	s.countResolution()

	if v, ok := s.docCache.Get(subjectID); ok {
		return v.(domain.Document), true
	}

	s.warnUnknownMethod(subjectID)

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return domain.Document{}, false
	}
	defer s.sem.Release(1)

	doc, err := s.breaker.Execute(func() (domain.Document, error) {
		return s.fetchWithRetry(ctx, subjectID)
	})
	if err != nil {
		s.logFailure(subjectID, err)
		return domain.Document{}, false
	}

	s.docCache.Set(subjectID, doc)
	for _, h := range doc.Handles {
		s.handleCache.Set(h, subjectID)
	}
	return doc, true
}

// ResolveToEndpoint implements domain.Resolver: extracts the first service
// entry that denotes a personal data server (§4.1)
func (s *Service) ResolveToEndpoint(ctx context.Context, subjectID string) (string, bool) {
	doc, ok := s.ResolveToDocument(ctx, subjectID)
	if !ok {
		return "", false
	}
	for _, svc := range doc.Services {
		if isPDSService(svc) && strings.HasPrefix(svc.URL, "http") {
			return svc.URL, true
		}
	}
	return "", false
}

func isPDSService(svc domain.ServiceEntry) bool {
	return svc.ID == "#atproto_pds" || strings.Contains(svc.Type, "PersonalDataServer")
}

// ResolveToHandle implements domain.Resolver
func (s *Service) ResolveToHandle(ctx context.Context, subjectID string) (string, bool) {
	doc, ok := s.ResolveToDocument(ctx, subjectID)
	if !ok || len(doc.Handles) == 0 {
		return "", false
	}
	return strings.TrimPrefix(doc.Handles[0], "at://"), true
}

// ResolveHandleToSubject implements domain.Resolver
func (s *Service) ResolveHandleToSubject(ctx context.Context, handle string) (string, bool) {
	s.countResolution()

	if v, ok := s.handleCache.Get(handle); ok {
		return v.(string), true
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return "", false
	}
	defer s.sem.Release(1)

	reqCtx, cancel := context.WithTimeout(ctx, s.opt.RequestTimeout)
	defer cancel()

	did, err := s.handles.ResolveHandle(reqCtx, handle)
	if err != nil {
		s.logFailure(handle, err)
		return "", false
	}
	s.handleCache.Set(handle, did)
	return did, true
}

// Stats implements domain.Resolver
func (s *Service) Stats() domain.Stats {
	dh, dm := s.docCache.Counts()
	hh, hm := s.handleCache.Counts()
	return domain.Stats{
		Resolutions:  s.resolutions.Load(),
		CacheHits:    dh + hh,
		CacheMisses:  dm + hm,
		BreakerTrips: s.breakerTrips.Load(),
	}
}

// VerifyCommitSignature is an unused extension point (Open Question #3)
func (s *Service) VerifyCommitSignature(ctx context.Context, subjectID string, commit []byte, sig []byte) error {
	return nil
}

func (s *Service) countResolution() {
	n := s.resolutions.Add(1)
	if n%s.opt.StatsEvery == 0 {
		st := s.Stats()
		s.log.Info().
			Uint64("resolutions", st.Resolutions).
			Float64("hit_rate", st.HitRate()).
			Uint64("breaker_trips", st.BreakerTrips).
			Msg("identity resolver batch stats")
	}
}

// warnUnknownMethod logs once per DID method that is neither did:plc: nor
// did:web:, then proceeds anyway (§3 supplement, did_resolver.py behavior)
func (s *Service) warnUnknownMethod(subjectID string) {
	parts := strings.SplitN(subjectID, ":", 3)
	if len(parts) < 2 {
		return
	}
	scheme := parts[0] + ":" + parts[1] + ":"
	if scheme == "did:plc:" || scheme == "did:web:" {
		return
	}
	if _, loaded := s.warnedMethods.LoadOrStore(scheme, struct{}{}); !loaded {
		s.log.Warn().Str("method", scheme).Str("subject_id", subjectID).
			Msg("identity: resolving unrecognized DID method, proceeding anyway")
	}
}

// fetchWithRetry retries up to RetryAttempts with exponential backoff.
// A 404 (NotFound) is definitive and not retried; everything else is (§4.1)
func (s *Service) fetchWithRetry(ctx context.Context, subjectID string) (domain.Document, error) {
	var doc domain.Document
	attempt := 0

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opt.RetryBase
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	bo := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.opt.RetryAttempts-1)), ctx)

	op := func() error {
		attempt++
		reqCtx, cancel := context.WithTimeout(ctx, s.opt.RequestTimeout)
		defer cancel()

		d, err := s.dir.FetchDocument(reqCtx, subjectID)
		if err == nil {
			doc = d
			return nil
		}
		if perr.CodeOf(err) == perr.ErrorCodeNotFound {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(op, bo)
	return doc, err
}

func (s *Service) logFailure(key string, err error) {
	lvl := s.log.Warn()
	if perr.CodeOf(err) == perr.ErrorCodeUnavailable {
		lvl = s.log.Error()
	}
	lvl.Err(err).Str("key", key).Msg("identity: resolution failed")
}

// Package service implements the event router (C5): the heart of the
// system. It receives commit/identity/account events from the stream client
// (C4) or the backfill controller (C6) and executes them against the store
// gateway (C3), grounded throughout on unified_worker.py's EventProcessor
// (spec.md §4.5)
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/sync/semaphore"

	fetcherdomain "atrelay/internal/services/fetcher/domain"
	identitydomain "atrelay/internal/services/identity/domain"
	perr "atrelay/internal/platform/errors"
	"atrelay/internal/platform/logger"
	routerdomain "atrelay/internal/services/router/domain"
	storegw "atrelay/internal/services/storegw/domain"
	streamdomain "atrelay/internal/services/stream/domain"
)

// mentionPattern matches @handle mentions in post text (spec.md §4.5.3)
var mentionPattern = regexp.MustCompile(`@[a-zA-Z0-9.-]+`)

const placeholderHandle = "handle.invalid"
const dataCollectionCacheTTL = 5 * time.Minute

// Fetcher is the subset of the remote record fetcher (C2) the router uses to
// mark subjects/records incomplete for repair. fetcher/domain has no
// dependency on this package, so importing it here introduces no cycle —
// only the module-level wiring in cmd (fetcher needs the router as its
// sink, router needs the fetcher as this port) has to happen in two steps
type Fetcher = fetcherdomain.Fetcher

// Options configures the router (§4.5.5, §4.5.7)
type Options struct {
	MaxConcurrentUserCreations int64 // default 10, §4.5.5
}

// DefaultOptions matches spec.md §6's stated defaults
func DefaultOptions() Options { return Options{MaxConcurrentUserCreations: 10} }

// Service implements stream/domain.Router and fetcher/domain.RecordSink
type Service struct {
	store    storegw.Ports
	identity identitydomain.Resolver
	fetcher  Fetcher // set post-construction via SetFetcher, see cmd's composition
	opt      Options
	log      logger.Logger

	postOps        *routerdomain.PendingQueue
	userOps        *routerdomain.PendingQueue
	listItems      *routerdomain.PendingQueue
	userCreateOps  *routerdomain.PendingQueue

	metricsMu sync.Mutex
	metrics   routerdomain.Metrics

	creationSem  *semaphore.Weighted
	creationMu   sync.Mutex
	inFlightSubj map[string]chan struct{}

	dataCacheMu sync.Mutex
	dataCache   map[string]dataCacheEntry
}

type dataCacheEntry struct {
	forbidden bool
	expiresAt time.Time
}

// New constructs the router service
func New(store storegw.Ports, identity identitydomain.Resolver, opt Options) *Service {
	if store == nil || identity == nil {
		panic("router.Service requires non nil store and identity resolver")
	}
	d := DefaultOptions()
	if opt.MaxConcurrentUserCreations <= 0 {
		opt.MaxConcurrentUserCreations = d.MaxConcurrentUserCreations
	}
	return &Service{
		store:         store,
		identity:      identity,
		opt:           opt,
		log:           *logger.Named("router"),
		postOps:       routerdomain.NewPendingQueue(routerdomain.QueuePostOps),
		userOps:       routerdomain.NewPendingQueue(routerdomain.QueueUserOps),
		listItems:     routerdomain.NewPendingQueue(routerdomain.QueueListItems),
		userCreateOps: routerdomain.NewPendingQueue(routerdomain.QueueUserCreationOps),
		creationSem:   semaphore.NewWeighted(opt.MaxConcurrentUserCreations),
		inFlightSubj:  make(map[string]chan struct{}),
		dataCache:     make(map[string]dataCacheEntry),
	}
}

var _ streamdomain.Router = (*Service)(nil)

// SetFetcher wires the remote record fetcher (C2) after both services are
// constructed, breaking the C2/C5 construction cycle. Must be called before
// Run; nil is valid only in tests that never exercise the repair path
func (s *Service) SetFetcher(f Fetcher) { s.fetcher = f }

func (s *Service) markIncomplete(kind fetcherdomain.Kind, subjectID, uri string, hint fetcherdomain.Hint) {
	if s.fetcher == nil {
		return
	}
	s.fetcher.MarkIncomplete(kind, subjectID, uri, hint)
}

// Run drives the TTL sweeper until ctx is cancelled (§4.5.4)
func (s *Service) Run(ctx context.Context) {
	t := time.NewTicker(routerdomain.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.sweep()
		}
	}
}

func (s *Service) sweep() {
	now := time.Now()
	expP := s.postOps.Sweep(now)
	expU := s.userOps.Sweep(now)
	expL := s.listItems.Sweep(now)
	expC := s.userCreateOps.Sweep(now)

	s.metricsMu.Lock()
	s.metrics.PendingExpired += uint64(expP)
	s.metrics.PendingUserOpsExpired += uint64(expU)
	s.metrics.PendingListItemsExpired += uint64(expL)
	s.metrics.PendingUserCreationExpired += uint64(expC)
	s.metricsMu.Unlock()
}

// Metrics reports the router's pending-queue counters (ops surface, §1)
func (s *Service) Metrics() routerdomain.Metrics {
	s.metricsMu.Lock()
	defer s.metricsMu.Unlock()
	return s.metrics
}

// HandleCommit implements stream/domain.Router. Each op runs independently:
// a decode/database failure on one op is logged and skipped, never aborting
// the commit (§4.5.8)
func (s *Service) HandleCommit(ctx context.Context, ev streamdomain.CommitEvent) {
	for _, op := range ev.Ops {
		s.handleOp(ctx, ev.Repo, op)
	}
}

func (s *Service) handleOp(ctx context.Context, repo string, op streamdomain.Op) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str("uri", op.URI).Msg("router: recovered panic handling op")
		}
	}()

	if op.Action == "delete" {
		s.handleDelete(ctx, op)
		return
	}
	if len(op.Record) == 0 {
		s.log.Debug().Str("uri", op.URI).Msg("router: op missing record bytes, skipping")
		return
	}

	// the author subject must exist before any record naming it as author_id
	// can insert; ensure_user in unified_worker.py always creates it
	// synchronously (throttled by the semaphore) rather than deferring, so an
	// error here means real trouble, not a FK-violation-shaped pause
	if err := s.ensureSubjectExists(ctx, repo); err != nil {
		s.enqueueUserCreation(repo, op)
		return
	}

	typ := op.TypeTag
	if typ == "" {
		typ = collectionToType(op.Collection)
	}

	var err error
	switch typ {
	case "app.bsky.feed.post":
		err = s.processPost(ctx, repo, op)
	case "app.bsky.feed.like":
		err = s.processLike(ctx, repo, op)
	case "app.bsky.feed.repost":
		err = s.processRepost(ctx, repo, op)
	case "app.bsky.bookmark":
		err = s.processBookmark(ctx, repo, op)
	case "app.bsky.graph.follow":
		err = s.processFollow(ctx, repo, op)
	case "app.bsky.graph.block":
		err = s.processBlock(ctx, repo, op)
	case "app.bsky.actor.profile":
		err = s.processProfile(ctx, repo, op)
	case "app.bsky.graph.list":
		err = s.processList(ctx, repo, op)
	case "app.bsky.graph.listitem":
		err = s.processListItem(ctx, repo, op)
	case "app.bsky.feed.generator":
		err = s.processFeedGenerator(ctx, repo, op)
	case "app.bsky.graph.starterpack":
		err = s.processStarterPack(ctx, repo, op)
	case "app.bsky.labeler.service":
		err = s.processLabelerService(ctx, repo, op)
	case "app.bsky.graph.verification":
		err = s.processVerification(ctx, repo, op)
	case "com.atproto.label.label":
		err = s.processLabel(ctx, repo, op)
	default:
		err = s.processGeneric(ctx, repo, op, typ)
	}
	s.classifyOpError(ctx, repo, op, err)
}

func collectionToType(collection string) string { return collection }

// classifyOpError applies spec.md §4.5.8's failure-semantics table
func (s *Service) classifyOpError(ctx context.Context, repo string, op streamdomain.Op, err error) {
	if err == nil {
		return
	}
	switch {
	case perr.IsDuplicateKey(err):
		// treat as success silently
	case perr.IsForeignKeyViolation(err):
		s.enqueuePending(repo, op, err)
	default:
		s.log.Warn().Err(err).Str("uri", op.URI).Msg("router: op failed, cursor still advances")
	}
}

// enqueuePending figures out which of the three dependency queues an op
// belongs to from its collection, and defers it there (§4.5.4)
func (s *Service) enqueuePending(repo string, op streamdomain.Op, cause error) {
	entry := routerdomain.PendingOp{URI: op.URI, Kind: op.Collection, Repo: repo, Payload: op, EnqueuedAt: time.Now()}

	var key string
	var q *routerdomain.PendingQueue
	var counter *uint64

	switch op.Collection {
	case "app.bsky.feed.like", "app.bsky.feed.repost", "app.bsky.bookmark":
		key = subjectURIFromRecord(op.Record)
		q = s.postOps
		counter = &s.metrics.PendingQueued
	case "app.bsky.graph.follow", "app.bsky.graph.block":
		key = foreignFieldFromRecord(op.Record, "subject")
		q = s.userOps
		counter = &s.metrics.PendingUserOpsQueued
	case "app.bsky.graph.listitem":
		key = foreignFieldFromRecord(op.Record, "list")
		q = s.listItems
		counter = &s.metrics.PendingListItemsQueued
	default:
		s.log.Debug().Err(cause).Str("uri", op.URI).Msg("router: foreign key violation with no known pending queue, dropping")
		return
	}
	if key == "" {
		return
	}
	q.Enqueue(key, entry)
	s.metricsMu.Lock()
	*counter++
	s.metricsMu.Unlock()
}

// enqueueUserCreation defers an op until its author subject finishes being
// created, keyed by the author's subject-id (§4.5.5, enqueue_pending_user_creation_op)
func (s *Service) enqueueUserCreation(repo string, op streamdomain.Op) {
	entry := routerdomain.PendingOp{URI: op.URI, Kind: op.Collection, Repo: repo, Payload: op, EnqueuedAt: time.Now()}
	s.userCreateOps.Enqueue(repo, entry)
	s.metricsMu.Lock()
	s.metrics.PendingUserCreationQueued++
	s.metricsMu.Unlock()
}

func subjectURIFromRecord(raw []byte) string { return foreignFieldFromRecord(raw, "subject") }

func foreignFieldFromRecord(raw []byte, field string) string {
	var rec map[string]any
	if cbor.Unmarshal(raw, &rec) != nil {
		return ""
	}
	v, ok := rec[field]
	if !ok {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	// strong-ref shape: {uri, cid}
	if m := asMap(v); m != nil {
		if uri, ok := m["uri"].(string); ok {
			return uri
		}
	}
	return ""
}

// HandleIdentity implements stream/domain.Router (§4.5.6)
func (s *Service) HandleIdentity(ctx context.Context, ev streamdomain.IdentityEvent) {
	handle := ""
	if ev.Handle != nil {
		handle = *ev.Handle
	}
	if _, err := s.store.EnsureSubject(ctx, ev.SubjectID, handle); err != nil && !perr.IsDuplicateKey(err) {
		s.log.Warn().Err(err).Str("subject_id", ev.SubjectID).Msg("router: identity upsert failed")
	}
}

// HandleAccount implements stream/domain.Router (§4.5.6): log only, no deletion
func (s *Service) HandleAccount(ctx context.Context, ev streamdomain.AccountEvent) {
	s.log.Info().Str("subject_id", ev.SubjectID).Bool("active", ev.Active).Msg("router: account status changed")
}

// isForbidden checks the 5-minute-cached data-collection opt-out flag (§4.5.7)
func (s *Service) isForbidden(ctx context.Context, subjectID string) bool {
	s.dataCacheMu.Lock()
	if e, ok := s.dataCache[subjectID]; ok && time.Now().Before(e.expiresAt) {
		s.dataCacheMu.Unlock()
		return e.forbidden
	}
	s.dataCacheMu.Unlock()

	forbidden, err := s.store.IsDataCollectionForbidden(ctx, subjectID)
	if err != nil {
		s.log.Debug().Err(err).Str("subject_id", subjectID).Msg("router: opt-out lookup failed, defaulting to allowed")
		forbidden = false
	}
	s.dataCacheMu.Lock()
	s.dataCache[subjectID] = dataCacheEntry{forbidden: forbidden, expiresAt: time.Now().Add(dataCollectionCacheTTL)}
	s.dataCacheMu.Unlock()
	return forbidden
}

// ensureSubjectExists implements the throttled subject-creation path
// (§4.5.5): a per-subject dedup map plus a global semaphore, placeholder
// handle, incomplete flag, and flush of both blocked-op queues on success
func (s *Service) ensureSubjectExists(ctx context.Context, subjectID string) error {
	if ok, err := s.store.SubjectExists(ctx, subjectID); err == nil && ok {
		return nil
	}

	s.creationMu.Lock()
	if wait, inFlight := s.inFlightSubj[subjectID]; inFlight {
		s.creationMu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}
	done := make(chan struct{})
	s.inFlightSubj[subjectID] = done
	s.creationMu.Unlock()

	defer func() {
		s.creationMu.Lock()
		delete(s.inFlightSubj, subjectID)
		s.creationMu.Unlock()
		close(done)
	}()

	if err := s.creationSem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.creationSem.Release(1)

	handle, ok := s.identity.ResolveToHandle(ctx, subjectID)
	if !ok {
		handle = placeholderHandle
	}
	created, err := s.store.EnsureSubject(ctx, subjectID, handle)
	if err != nil && !perr.IsDuplicateKey(err) {
		return err
	}
	if !ok {
		// placeholder handle: the subject is incomplete until C2 fetches
		// the real profile (§4.5.5)
		s.markIncomplete(fetcherdomain.KindUser, subjectID, "", fetcherdomain.Hint{Collection: "app.bsky.actor.profile", Rkey: "self"})
	}
	if created || err == nil {
		s.flushUserQueues(ctx, subjectID)
	}
	return nil
}

func (s *Service) flushUserQueues(ctx context.Context, subjectID string) {
	for _, pending := range s.userOps.Flush(subjectID) {
		s.metricsMu.Lock()
		s.metrics.PendingUserOpsFlushed++
		s.metricsMu.Unlock()
		if rop, ok := pending.Payload.(streamdomain.Op); ok {
			s.handleOp(ctx, pending.Repo, rop)
		}
	}
	for _, pending := range s.userCreateOps.Flush(subjectID) {
		s.metricsMu.Lock()
		s.metrics.PendingUserCreationFlushed++
		s.metricsMu.Unlock()
		if rop, ok := pending.Payload.(streamdomain.Op); ok {
			s.handleOp(ctx, pending.Repo, rop)
		}
	}
}

// ProcessRepairedRecord implements fetcher/domain.RecordSink: a record C2
// fetched remotely after the router marked it incomplete is replayed through
// the normal dispatch path
func (s *Service) ProcessRepairedRecord(ctx context.Context, subjectID, collection, rkey string, value []byte) error {
	var generic map[string]any
	typ := collection
	if json.Unmarshal(value, &generic) == nil {
		if t, ok := generic["$type"].(string); ok && t != "" {
			typ = t
		}
	}
	recordCBOR, err := cbor.Marshal(generic)
	if err != nil {
		recordCBOR = value
	}
	op := streamdomain.Op{
		Action:     "create",
		Collection: collection,
		Rkey:       rkey,
		URI:        fmt.Sprintf("at://%s/%s/%s", subjectID, collection, rkey),
		TypeTag:    typ,
		Record:     recordCBOR,
	}
	s.handleOp(ctx, subjectID, op)
	return nil
}

// FlushPendingUserOps implements fetcher/domain.RecordSink: called after C2
// exhausts retries and creates a minimal fallback subject row
func (s *Service) FlushPendingUserOps(ctx context.Context, subjectID string) {
	s.flushUserQueues(ctx, subjectID)
}

// sanitizeForJSON converts values cbor.Unmarshal produced (maps with
// non-string keys, cbor.Tag wrappers) into shapes encoding/json can marshal,
// since the relay adapter hands the router raw DAG-CBOR record bytes rather
// than JSON (no lossless CBOR-to-JSON library appears in the example pack)
func sanitizeForJSON(v any) any {
	if tag, ok := v.(cbor.Tag); ok {
		return sanitizeForJSON(tag.Content)
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[fmt.Sprintf("%v", iter.Key().Interface())] = sanitizeForJSON(iter.Value().Interface())
		}
		return out
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = sanitizeForJSON(rv.Index(i).Interface())
		}
		return out
	default:
		return v
	}
}

func jsonOf(v any) []byte {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(sanitizeForJSON(v))
	if err != nil {
		return nil
	}
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	return b
}

func trimHandle(h string) string { return strings.TrimPrefix(strings.TrimSpace(h), "@") }

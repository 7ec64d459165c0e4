// Package service implements the store gateway by binding the repo to a live
// connection pool for single-statement calls, and to a transaction for WithTx
package service

import (
	"context"

	"atrelay/internal/modkit/repokit"
	"atrelay/internal/services/storegw/domain"
)

// Service implements domain.Ports: direct methods run against the pool (each
// call is its own implicit single-statement transaction via pgx), WithTx binds
// a fresh RepoPorts for the duration of one explicit transaction (§4.3)
type Service struct {
	db     repokit.TxRunner
	binder repokit.Binder[domain.RepoPorts]
	pool   domain.RepoPorts // bound once against db directly, for non-transactional calls
}

// New constructs the store gateway service
func New(db repokit.TxRunner, binder repokit.Binder[domain.RepoPorts]) *Service {
	if db == nil {
		panic("storegw.Service requires a non nil TxRunner")
	}
	if binder == nil {
		panic("storegw.Service requires a non nil Repo binder")
	}
	return &Service{db: db, binder: binder, pool: binder.Bind(db)}
}

// WithTx implements domain.ScopePort
func (s *Service) WithTx(ctx context.Context, fn func(domain.RepoPorts) error) error {
	return s.db.Tx(ctx, func(q repokit.Queryer) error {
		return fn(s.binder.Bind(q))
	})
}

func (s *Service) EnsureSubject(ctx context.Context, id, handle string) (bool, error) {
	return s.pool.EnsureSubject(ctx, id, handle)
}

func (s *Service) CreatePost(ctx context.Context, in domain.CreatePostInput) (domain.WriteResult, error) {
	return s.pool.CreatePost(ctx, in)
}

func (s *Service) CreateLike(ctx context.Context, in domain.CreateLikeInput) (domain.WriteResult, error) {
	return s.pool.CreateLike(ctx, in)
}

func (s *Service) CreateRepost(ctx context.Context, in domain.CreateRepostInput) (domain.WriteResult, error) {
	return s.pool.CreateRepost(ctx, in)
}

func (s *Service) CreateBookmark(ctx context.Context, in domain.CreateBookmarkInput) (domain.WriteResult, error) {
	return s.pool.CreateBookmark(ctx, in)
}

func (s *Service) CreateFollow(ctx context.Context, in domain.CreateFollowInput) (domain.WriteResult, error) {
	return s.pool.CreateFollow(ctx, in)
}

func (s *Service) CreateBlock(ctx context.Context, in domain.CreateBlockInput) (domain.WriteResult, error) {
	return s.pool.CreateBlock(ctx, in)
}

func (s *Service) CreateList(ctx context.Context, in domain.CreateListInput) (domain.WriteResult, error) {
	return s.pool.CreateList(ctx, in)
}

func (s *Service) CreateListItem(ctx context.Context, in domain.CreateListItemInput) (domain.WriteResult, error) {
	return s.pool.CreateListItem(ctx, in)
}

func (s *Service) CreateFeedGenerator(ctx context.Context, in domain.CreateFeedGeneratorInput) (domain.WriteResult, error) {
	return s.pool.CreateFeedGenerator(ctx, in)
}

func (s *Service) CreateStarterPack(ctx context.Context, in domain.CreateStarterPackInput) (domain.WriteResult, error) {
	return s.pool.CreateStarterPack(ctx, in)
}

func (s *Service) CreateLabelerService(ctx context.Context, in domain.CreateLabelerServiceInput) (domain.WriteResult, error) {
	return s.pool.CreateLabelerService(ctx, in)
}

func (s *Service) CreateVerification(ctx context.Context, in domain.CreateVerificationInput) (domain.WriteResult, error) {
	return s.pool.CreateVerification(ctx, in)
}

func (s *Service) UpsertProfile(ctx context.Context, in domain.UpsertProfileInput) error {
	return s.pool.UpsertProfile(ctx, in)
}

func (s *Service) ApplyLabel(ctx context.Context, in domain.ApplyLabelInput) (domain.WriteResult, error) {
	return s.pool.ApplyLabel(ctx, in)
}

func (s *Service) CreateGeneric(ctx context.Context, in domain.CreateGenericInput) (domain.WriteResult, error) {
	return s.pool.CreateGeneric(ctx, in)
}

func (s *Service) DeleteByURI(ctx context.Context, uri domain.URI, collection domain.Collection) error {
	return s.pool.DeleteByURI(ctx, uri, collection)
}

func (s *Service) ResolveAndDelete(ctx context.Context, uri domain.URI, collection domain.Collection) (string, domain.URI, bool, error) {
	return s.pool.ResolveAndDelete(ctx, uri, collection)
}

func (s *Service) SaveCursor(ctx context.Context, service string, seq uint64, ts int64) error {
	return s.pool.SaveCursor(ctx, service, seq, ts)
}

func (s *Service) LoadCursor(ctx context.Context, service string) (domain.Cursor, bool, error) {
	return s.pool.LoadCursor(ctx, service)
}

func (s *Service) SubjectExists(ctx context.Context, id string) (bool, error) {
	return s.pool.SubjectExists(ctx, id)
}

func (s *Service) SubjectByID(ctx context.Context, id string) (domain.Subject, bool, error) {
	return s.pool.SubjectByID(ctx, id)
}

func (s *Service) SubjectByHandle(ctx context.Context, handle string) (domain.Subject, bool, error) {
	return s.pool.SubjectByHandle(ctx, handle)
}

func (s *Service) PostExists(ctx context.Context, uri domain.URI) (string, bool, error) {
	return s.pool.PostExists(ctx, uri)
}

func (s *Service) ListExists(ctx context.Context, uri domain.URI) (string, bool, error) {
	return s.pool.ListExists(ctx, uri)
}

func (s *Service) IsDataCollectionForbidden(ctx context.Context, subjectID string) (bool, error) {
	return s.pool.IsDataCollectionForbidden(ctx, subjectID)
}

func (s *Service) IncrLikeCount(ctx context.Context, postURI domain.URI, delta int) error {
	return s.pool.IncrLikeCount(ctx, postURI, delta)
}

func (s *Service) IncrRepostCount(ctx context.Context, postURI domain.URI, delta int) error {
	return s.pool.IncrRepostCount(ctx, postURI, delta)
}

func (s *Service) IncrReplyCount(ctx context.Context, postURI domain.URI, delta int) error {
	return s.pool.IncrReplyCount(ctx, postURI, delta)
}

func (s *Service) IncrQuoteCount(ctx context.Context, postURI domain.URI, delta int) error {
	return s.pool.IncrQuoteCount(ctx, postURI, delta)
}

func (s *Service) IncrBookmarkCount(ctx context.Context, postURI domain.URI, delta int) error {
	return s.pool.IncrBookmarkCount(ctx, postURI, delta)
}

func (s *Service) UpsertViewerLike(ctx context.Context, postURI domain.URI, viewerID string, likeURI *domain.URI) error {
	return s.pool.UpsertViewerLike(ctx, postURI, viewerID, likeURI)
}

func (s *Service) UpsertViewerRepost(ctx context.Context, postURI domain.URI, viewerID string, repostURI *domain.URI) error {
	return s.pool.UpsertViewerRepost(ctx, postURI, viewerID, repostURI)
}

func (s *Service) UpsertViewerBookmark(ctx context.Context, postURI domain.URI, viewerID string, bookmarked bool) error {
	return s.pool.UpsertViewerBookmark(ctx, postURI, viewerID, bookmarked)
}

func (s *Service) CreateThreadContext(ctx context.Context, postURI, parentURI domain.URI, rootLikeURI *domain.URI) error {
	return s.pool.CreateThreadContext(ctx, postURI, parentURI, rootLikeURI)
}

func (s *Service) CreateFeedItem(ctx context.Context, kind string, subjectID string, postURI domain.URI, createdAt int64) error {
	return s.pool.CreateFeedItem(ctx, kind, subjectID, postURI, createdAt)
}

func (s *Service) CreateNotification(ctx context.Context, n domain.Notification) error {
	return s.pool.CreateNotification(ctx, n)
}

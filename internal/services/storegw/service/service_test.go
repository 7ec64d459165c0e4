package service

import (
	"context"
	"errors"
	"testing"

	"atrelay/internal/modkit/repokit"
	"atrelay/internal/platform/store"
	"atrelay/internal/services/storegw/domain"
)

// fakeRepo implements domain.RepoPorts and just records the last call made
type fakeRepo struct {
	lastCall string
	lastURI  domain.URI
}

func (f *fakeRepo) EnsureSubject(ctx context.Context, id, handle string) (bool, error) {
	f.lastCall = "EnsureSubject"
	return true, nil
}
func (f *fakeRepo) CreatePost(ctx context.Context, in domain.CreatePostInput) (domain.WriteResult, error) {
	f.lastCall, f.lastURI = "CreatePost", in.URI
	return domain.WriteResult{Inserted: true}, nil
}
func (f *fakeRepo) CreateLike(ctx context.Context, in domain.CreateLikeInput) (domain.WriteResult, error) {
	f.lastCall = "CreateLike"
	return domain.WriteResult{}, nil
}
func (f *fakeRepo) CreateRepost(ctx context.Context, in domain.CreateRepostInput) (domain.WriteResult, error) {
	f.lastCall = "CreateRepost"
	return domain.WriteResult{}, nil
}
func (f *fakeRepo) CreateBookmark(ctx context.Context, in domain.CreateBookmarkInput) (domain.WriteResult, error) {
	f.lastCall = "CreateBookmark"
	return domain.WriteResult{}, nil
}
func (f *fakeRepo) CreateFollow(ctx context.Context, in domain.CreateFollowInput) (domain.WriteResult, error) {
	f.lastCall = "CreateFollow"
	return domain.WriteResult{}, nil
}
func (f *fakeRepo) CreateBlock(ctx context.Context, in domain.CreateBlockInput) (domain.WriteResult, error) {
	f.lastCall = "CreateBlock"
	return domain.WriteResult{}, nil
}
func (f *fakeRepo) CreateList(ctx context.Context, in domain.CreateListInput) (domain.WriteResult, error) {
	f.lastCall = "CreateList"
	return domain.WriteResult{}, nil
}
func (f *fakeRepo) CreateListItem(ctx context.Context, in domain.CreateListItemInput) (domain.WriteResult, error) {
	f.lastCall = "CreateListItem"
	return domain.WriteResult{}, nil
}
func (f *fakeRepo) CreateFeedGenerator(ctx context.Context, in domain.CreateFeedGeneratorInput) (domain.WriteResult, error) {
	f.lastCall = "CreateFeedGenerator"
	return domain.WriteResult{}, nil
}
func (f *fakeRepo) CreateStarterPack(ctx context.Context, in domain.CreateStarterPackInput) (domain.WriteResult, error) {
	f.lastCall = "CreateStarterPack"
	return domain.WriteResult{}, nil
}
func (f *fakeRepo) CreateLabelerService(ctx context.Context, in domain.CreateLabelerServiceInput) (domain.WriteResult, error) {
	f.lastCall = "CreateLabelerService"
	return domain.WriteResult{}, nil
}
func (f *fakeRepo) CreateVerification(ctx context.Context, in domain.CreateVerificationInput) (domain.WriteResult, error) {
	f.lastCall = "CreateVerification"
	return domain.WriteResult{}, nil
}
func (f *fakeRepo) UpsertProfile(ctx context.Context, in domain.UpsertProfileInput) error {
	f.lastCall = "UpsertProfile"
	return nil
}
func (f *fakeRepo) ApplyLabel(ctx context.Context, in domain.ApplyLabelInput) (domain.WriteResult, error) {
	f.lastCall = "ApplyLabel"
	return domain.WriteResult{}, nil
}
func (f *fakeRepo) CreateGeneric(ctx context.Context, in domain.CreateGenericInput) (domain.WriteResult, error) {
	f.lastCall = "CreateGeneric"
	return domain.WriteResult{}, nil
}
func (f *fakeRepo) DeleteByURI(ctx context.Context, uri domain.URI, collection domain.Collection) error {
	f.lastCall, f.lastURI = "DeleteByURI", uri
	return nil
}
func (f *fakeRepo) ResolveAndDelete(ctx context.Context, uri domain.URI, collection domain.Collection) (string, domain.URI, bool, error) {
	f.lastCall, f.lastURI = "ResolveAndDelete", uri
	return "", "", false, nil
}
func (f *fakeRepo) SaveCursor(ctx context.Context, service string, seq uint64, ts int64) error {
	f.lastCall = "SaveCursor"
	return nil
}
func (f *fakeRepo) LoadCursor(ctx context.Context, service string) (domain.Cursor, bool, error) {
	f.lastCall = "LoadCursor"
	return domain.Cursor{}, false, nil
}
func (f *fakeRepo) SubjectExists(ctx context.Context, id string) (bool, error) {
	f.lastCall = "SubjectExists"
	return false, nil
}
func (f *fakeRepo) SubjectByID(ctx context.Context, id string) (domain.Subject, bool, error) {
	f.lastCall = "SubjectByID"
	return domain.Subject{}, false, nil
}
func (f *fakeRepo) SubjectByHandle(ctx context.Context, handle string) (domain.Subject, bool, error) {
	f.lastCall = "SubjectByHandle"
	return domain.Subject{}, false, nil
}
func (f *fakeRepo) PostExists(ctx context.Context, uri domain.URI) (string, bool, error) {
	f.lastCall = "PostExists"
	return "", false, nil
}
func (f *fakeRepo) ListExists(ctx context.Context, uri domain.URI) (string, bool, error) {
	f.lastCall = "ListExists"
	return "", false, nil
}
func (f *fakeRepo) IsDataCollectionForbidden(ctx context.Context, subjectID string) (bool, error) {
	f.lastCall = "IsDataCollectionForbidden"
	return false, nil
}
func (f *fakeRepo) IncrLikeCount(ctx context.Context, postURI domain.URI, delta int) error {
	f.lastCall = "IncrLikeCount"
	return nil
}
func (f *fakeRepo) IncrRepostCount(ctx context.Context, postURI domain.URI, delta int) error {
	f.lastCall = "IncrRepostCount"
	return nil
}
func (f *fakeRepo) IncrReplyCount(ctx context.Context, postURI domain.URI, delta int) error {
	f.lastCall = "IncrReplyCount"
	return nil
}
func (f *fakeRepo) IncrQuoteCount(ctx context.Context, postURI domain.URI, delta int) error {
	f.lastCall = "IncrQuoteCount"
	return nil
}
func (f *fakeRepo) IncrBookmarkCount(ctx context.Context, postURI domain.URI, delta int) error {
	f.lastCall = "IncrBookmarkCount"
	return nil
}
func (f *fakeRepo) UpsertViewerLike(ctx context.Context, postURI domain.URI, viewerID string, likeURI *domain.URI) error {
	f.lastCall = "UpsertViewerLike"
	return nil
}
func (f *fakeRepo) UpsertViewerRepost(ctx context.Context, postURI domain.URI, viewerID string, repostURI *domain.URI) error {
	f.lastCall = "UpsertViewerRepost"
	return nil
}
func (f *fakeRepo) UpsertViewerBookmark(ctx context.Context, postURI domain.URI, viewerID string, bookmarked bool) error {
	f.lastCall = "UpsertViewerBookmark"
	return nil
}
func (f *fakeRepo) CreateThreadContext(ctx context.Context, postURI, parentURI domain.URI, rootLikeURI *domain.URI) error {
	f.lastCall = "CreateThreadContext"
	return nil
}
func (f *fakeRepo) CreateFeedItem(ctx context.Context, kind, subjectID string, postURI domain.URI, createdAt int64) error {
	f.lastCall = "CreateFeedItem"
	return nil
}
func (f *fakeRepo) CreateNotification(ctx context.Context, n domain.Notification) error {
	f.lastCall = "CreateNotification"
	return nil
}

var _ domain.RepoPorts = (*fakeRepo)(nil)

// fakeTxRunner runs fn against a nil Queryer; the binder below ignores it.
// It implements store.TxRunner's RowQuerier methods only so it satisfies the
// interface; they're unused by these tests
type fakeTxRunner struct {
	repo     *fakeRepo
	txCalled bool
	failTx   bool
}

func (f *fakeTxRunner) Exec(ctx context.Context, sql string, args ...any) (store.CommandTag, error) {
	var z store.CommandTag
	return z, nil
}
func (f *fakeTxRunner) Query(ctx context.Context, sql string, args ...any) (store.Rows, error) {
	var z store.Rows
	return z, nil
}
func (f *fakeTxRunner) QueryRow(ctx context.Context, sql string, args ...any) store.Row {
	var z store.Row
	return z
}

func (f *fakeTxRunner) Tx(ctx context.Context, fn func(repokit.Queryer) error) error {
	f.txCalled = true
	if f.failTx {
		return errors.New("boom")
	}
	return fn(nil)
}

type fakeBinder struct{ repo *fakeRepo }

func (b fakeBinder) Bind(_ repokit.Queryer) domain.RepoPorts { return b.repo }

func newTestService() (*Service, *fakeRepo, *fakeTxRunner) {
	repo := &fakeRepo{}
	tx := &fakeTxRunner{repo: repo}
	return New(tx, fakeBinder{repo: repo}), repo, tx
}

func TestNew_PanicsOnNilDeps(t *testing.T) {
	t.Parallel()

	mustPanic := func(name string, fn func()) {
		defer func() {
			if r := recover(); r == nil {
				t.Errorf("%s: expected panic, got none", name)
			}
		}()
		fn()
	}

	mustPanic("nil TxRunner", func() { New(nil, fakeBinder{repo: &fakeRepo{}}) })
	mustPanic("nil Binder", func() { New(&fakeTxRunner{repo: &fakeRepo{}}, nil) })
}

func TestService_DelegatesToPool(t *testing.T) {
	t.Parallel()

	svc, repo, tx := newTestService()
	ctx := context.Background()

	if _, err := svc.CreatePost(ctx, domain.CreatePostInput{URI: "at://x/app.bsky.feed.post/1"}); err != nil {
		t.Fatalf("CreatePost: %v", err)
	}
	if repo.lastCall != "CreatePost" {
		t.Fatalf("pool call = %q, want CreatePost", repo.lastCall)
	}
	if tx.txCalled {
		t.Fatalf("direct call should not open a transaction")
	}
}

func TestService_WithTx_BindsFreshRepoAndRunsInTransaction(t *testing.T) {
	t.Parallel()

	svc, repo, tx := newTestService()
	ctx := context.Background()

	err := svc.WithTx(ctx, func(rp domain.RepoPorts) error {
		_, e := rp.CreatePost(ctx, domain.CreatePostInput{URI: "at://x/app.bsky.feed.post/2"})
		return e
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}
	if !tx.txCalled {
		t.Fatalf("WithTx did not open a transaction")
	}
	if repo.lastCall != "CreatePost" {
		t.Fatalf("bound repo inside tx did not see the call, got %q", repo.lastCall)
	}
}

func TestService_WithTx_PropagatesError(t *testing.T) {
	t.Parallel()

	tx := &fakeTxRunner{repo: &fakeRepo{}, failTx: true}
	svc := New(tx, fakeBinder{repo: tx.repo})

	err := svc.WithTx(context.Background(), func(domain.RepoPorts) error { return nil })
	if err == nil {
		t.Fatalf("expected error from failing transaction")
	}
}

package service

import (
	"context"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/jackc/pgx/v5/pgconn"

	identitydomain "atrelay/internal/services/identity/domain"
	storegw "atrelay/internal/services/storegw/domain"
	streamdomain "atrelay/internal/services/stream/domain"
)

func fkErr() error { return &pgconn.PgError{Code: "23503"} }

// fakeStore is an in-memory stand-in for storegw.Ports exercising the subset
// of behavior the router depends on: insert-or-ignore (I1), foreign-key
// rejection when a referenced post/list/subject is missing, and the derived
// counters/notifications the router asserts on
type fakeStore struct {
	subjects  map[string]storegw.Subject
	posts     map[storegw.URI]string // uri -> author id
	lists     map[storegw.URI]string
	likes     map[storegw.URI]storegw.URI // like uri -> post uri
	reposts   map[storegw.URI]storegw.URI
	bookmarks map[storegw.URI]storegw.URI

	likeCount    map[storegw.URI]int
	repostCount  map[storegw.URI]int
	bookmarkCnt  map[storegw.URI]int
	notifs       []storegw.Notification

	forbidden map[string]bool

	ensureCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		subjects:    make(map[string]storegw.Subject),
		posts:       make(map[storegw.URI]string),
		lists:       make(map[storegw.URI]string),
		likes:       make(map[storegw.URI]storegw.URI),
		reposts:     make(map[storegw.URI]storegw.URI),
		bookmarks:   make(map[storegw.URI]storegw.URI),
		likeCount:   make(map[storegw.URI]int),
		repostCount: make(map[storegw.URI]int),
		bookmarkCnt: make(map[storegw.URI]int),
		forbidden:   make(map[string]bool),
	}
}

func (f *fakeStore) EnsureSubject(ctx context.Context, id, handle string) (bool, error) {
	f.ensureCalls++
	if _, ok := f.subjects[id]; ok {
		return false, nil
	}
	f.subjects[id] = storegw.Subject{ID: id, Handle: handle}
	return true, nil
}

func (f *fakeStore) CreatePost(ctx context.Context, in storegw.CreatePostInput) (storegw.WriteResult, error) {
	if _, ok := f.posts[in.URI]; ok {
		return storegw.WriteResult{Inserted: false}, nil
	}
	if in.ParentURI != nil {
		if _, ok := f.posts[*in.ParentURI]; !ok {
			return storegw.WriteResult{}, fkErr()
		}
	}
	f.posts[in.URI] = in.AuthorID
	return storegw.WriteResult{Inserted: true}, nil
}

func (f *fakeStore) CreateLike(ctx context.Context, in storegw.CreateLikeInput) (storegw.WriteResult, error) {
	if _, ok := f.likes[in.URI]; ok {
		return storegw.WriteResult{Inserted: false}, nil
	}
	if _, ok := f.posts[in.SubjectURI]; !ok {
		return storegw.WriteResult{}, fkErr()
	}
	f.likes[in.URI] = in.SubjectURI
	return storegw.WriteResult{Inserted: true}, nil
}

func (f *fakeStore) CreateRepost(ctx context.Context, in storegw.CreateRepostInput) (storegw.WriteResult, error) {
	if _, ok := f.reposts[in.URI]; ok {
		return storegw.WriteResult{Inserted: false}, nil
	}
	if _, ok := f.posts[in.SubjectURI]; !ok {
		return storegw.WriteResult{}, fkErr()
	}
	f.reposts[in.URI] = in.SubjectURI
	return storegw.WriteResult{Inserted: true}, nil
}

func (f *fakeStore) CreateBookmark(ctx context.Context, in storegw.CreateBookmarkInput) (storegw.WriteResult, error) {
	if _, ok := f.bookmarks[in.URI]; ok {
		return storegw.WriteResult{Inserted: false}, nil
	}
	f.bookmarks[in.URI] = in.SubjectURI
	return storegw.WriteResult{Inserted: true}, nil
}

func (f *fakeStore) CreateFollow(ctx context.Context, in storegw.CreateFollowInput) (storegw.WriteResult, error) {
	return storegw.WriteResult{Inserted: true}, nil
}
func (f *fakeStore) CreateBlock(ctx context.Context, in storegw.CreateBlockInput) (storegw.WriteResult, error) {
	return storegw.WriteResult{Inserted: true}, nil
}
func (f *fakeStore) CreateList(ctx context.Context, in storegw.CreateListInput) (storegw.WriteResult, error) {
	f.lists[in.URI] = in.OwnerID
	return storegw.WriteResult{Inserted: true}, nil
}
func (f *fakeStore) CreateListItem(ctx context.Context, in storegw.CreateListItemInput) (storegw.WriteResult, error) {
	if _, ok := f.lists[in.ListURI]; !ok {
		return storegw.WriteResult{}, fkErr()
	}
	return storegw.WriteResult{Inserted: true}, nil
}
func (f *fakeStore) CreateFeedGenerator(ctx context.Context, in storegw.CreateFeedGeneratorInput) (storegw.WriteResult, error) {
	return storegw.WriteResult{Inserted: true}, nil
}
func (f *fakeStore) CreateStarterPack(ctx context.Context, in storegw.CreateStarterPackInput) (storegw.WriteResult, error) {
	return storegw.WriteResult{Inserted: true}, nil
}
func (f *fakeStore) CreateLabelerService(ctx context.Context, in storegw.CreateLabelerServiceInput) (storegw.WriteResult, error) {
	return storegw.WriteResult{Inserted: true}, nil
}
func (f *fakeStore) CreateVerification(ctx context.Context, in storegw.CreateVerificationInput) (storegw.WriteResult, error) {
	return storegw.WriteResult{Inserted: true}, nil
}
func (f *fakeStore) UpsertProfile(ctx context.Context, in storegw.UpsertProfileInput) error { return nil }
func (f *fakeStore) ApplyLabel(ctx context.Context, in storegw.ApplyLabelInput) (storegw.WriteResult, error) {
	return storegw.WriteResult{Inserted: true}, nil
}
func (f *fakeStore) CreateGeneric(ctx context.Context, in storegw.CreateGenericInput) (storegw.WriteResult, error) {
	return storegw.WriteResult{Inserted: true}, nil
}

func (f *fakeStore) DeleteByURI(ctx context.Context, uri storegw.URI, collection storegw.Collection) error {
	delete(f.posts, uri)
	return nil
}

func (f *fakeStore) ResolveAndDelete(ctx context.Context, uri storegw.URI, collection storegw.Collection) (string, storegw.URI, bool, error) {
	var table map[storegw.URI]storegw.URI
	switch collection {
	case storegw.CollectionLike:
		table = f.likes
	case storegw.CollectionRepost:
		table = f.reposts
	case storegw.CollectionBookmark:
		table = f.bookmarks
	}
	postURI, ok := table[uri]
	if !ok {
		return "", "", false, nil
	}
	delete(table, uri)
	return "viewer", postURI, true, nil
}

func (f *fakeStore) SaveCursor(ctx context.Context, service string, seq uint64, ts int64) error { return nil }
func (f *fakeStore) LoadCursor(ctx context.Context, service string) (storegw.Cursor, bool, error) {
	return storegw.Cursor{}, false, nil
}

func (f *fakeStore) SubjectExists(ctx context.Context, id string) (bool, error) {
	_, ok := f.subjects[id]
	return ok, nil
}
func (f *fakeStore) SubjectByID(ctx context.Context, id string) (storegw.Subject, bool, error) {
	s, ok := f.subjects[id]
	return s, ok, nil
}
func (f *fakeStore) SubjectByHandle(ctx context.Context, handle string) (storegw.Subject, bool, error) {
	for _, s := range f.subjects {
		if s.Handle == handle {
			return s, true, nil
		}
	}
	return storegw.Subject{}, false, nil
}
func (f *fakeStore) PostExists(ctx context.Context, uri storegw.URI) (string, bool, error) {
	a, ok := f.posts[uri]
	return a, ok, nil
}
func (f *fakeStore) ListExists(ctx context.Context, uri storegw.URI) (string, bool, error) {
	o, ok := f.lists[uri]
	return o, ok, nil
}
func (f *fakeStore) IsDataCollectionForbidden(ctx context.Context, subjectID string) (bool, error) {
	return f.forbidden[subjectID], nil
}

func (f *fakeStore) IncrLikeCount(ctx context.Context, postURI storegw.URI, delta int) error {
	f.likeCount[postURI] += delta
	if f.likeCount[postURI] < 0 {
		f.likeCount[postURI] = 0
	}
	return nil
}
func (f *fakeStore) IncrRepostCount(ctx context.Context, postURI storegw.URI, delta int) error {
	f.repostCount[postURI] += delta
	if f.repostCount[postURI] < 0 {
		f.repostCount[postURI] = 0
	}
	return nil
}
func (f *fakeStore) IncrReplyCount(ctx context.Context, postURI storegw.URI, delta int) error { return nil }
func (f *fakeStore) IncrQuoteCount(ctx context.Context, postURI storegw.URI, delta int) error { return nil }
func (f *fakeStore) IncrBookmarkCount(ctx context.Context, postURI storegw.URI, delta int) error {
	f.bookmarkCnt[postURI] += delta
	if f.bookmarkCnt[postURI] < 0 {
		f.bookmarkCnt[postURI] = 0
	}
	return nil
}
func (f *fakeStore) UpsertViewerLike(ctx context.Context, postURI storegw.URI, viewerID string, likeURI *storegw.URI) error {
	return nil
}
func (f *fakeStore) UpsertViewerRepost(ctx context.Context, postURI storegw.URI, viewerID string, repostURI *storegw.URI) error {
	return nil
}
func (f *fakeStore) UpsertViewerBookmark(ctx context.Context, postURI storegw.URI, viewerID string, bookmarked bool) error {
	return nil
}
func (f *fakeStore) CreateThreadContext(ctx context.Context, postURI, parentURI storegw.URI, rootLikeURI *storegw.URI) error {
	return nil
}
func (f *fakeStore) CreateFeedItem(ctx context.Context, kind string, subjectID string, postURI storegw.URI, createdAt int64) error {
	return nil
}
func (f *fakeStore) CreateNotification(ctx context.Context, n storegw.Notification) error {
	f.notifs = append(f.notifs, n)
	return nil
}

func (f *fakeStore) WithTx(ctx context.Context, fn func(storegw.RepoPorts) error) error {
	return fn(f)
}

var _ storegw.Ports = (*fakeStore)(nil)

type fakeIdentity struct{ handle string; ok bool }

func (f *fakeIdentity) ResolveToHandle(ctx context.Context, subjectID string) (string, bool) {
	return f.handle, f.ok
}
func (f *fakeIdentity) ResolveToEndpoint(ctx context.Context, subjectID string) (string, bool) {
	return "", false
}

var _ identitydomain.Resolver = (*fakeIdentity)(nil)

func mustCBOR(t *testing.T, v any) []byte {
	t.Helper()
	b, err := cbor.Marshal(v)
	if err != nil {
		t.Fatalf("cbor marshal: %v", err)
	}
	return b
}

func newTestService(store *fakeStore) *Service {
	if store == nil {
		store = newFakeStore()
	}
	return New(store, &fakeIdentity{handle: "alice.test", ok: true}, DefaultOptions())
}

func TestHandleCommit_PostThenLikeIncrementsCount(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	svc := newTestService(store)
	ctx := context.Background()

	postOp := streamdomain.Op{
		Action: "create", Collection: "app.bsky.feed.post", Rkey: "p1",
		URI: "at://did:plc:author/app.bsky.feed.post/p1", TypeTag: "app.bsky.feed.post",
		Record: mustCBOR(t, map[string]any{"text": "hello", "createdAt": time.Now().UTC().Format(time.RFC3339)}),
	}
	svc.HandleCommit(ctx, streamdomain.CommitEvent{Seq: 1, Repo: "did:plc:author", Ops: []streamdomain.Op{postOp}})

	if _, ok, _ := store.PostExists(ctx, storegw.URI(postOp.URI)); !ok {
		t.Fatalf("post was not created")
	}

	likeOp := streamdomain.Op{
		Action: "create", Collection: "app.bsky.feed.like", Rkey: "l1",
		URI: "at://did:plc:liker/app.bsky.feed.like/l1", TypeTag: "app.bsky.feed.like",
		Record: mustCBOR(t, map[string]any{
			"subject":   map[string]any{"uri": postOp.URI, "cid": "bafyabc"},
			"createdAt": time.Now().UTC().Format(time.RFC3339),
		}),
	}
	svc.HandleCommit(ctx, streamdomain.CommitEvent{Seq: 2, Repo: "did:plc:liker", Ops: []streamdomain.Op{likeOp}})

	if store.likeCount[storegw.URI(postOp.URI)] != 1 {
		t.Fatalf("like count = %d, want 1", store.likeCount[storegw.URI(postOp.URI)])
	}
	if len(store.notifs) != 1 || store.notifs[0].Reason != "like" {
		t.Fatalf("expected one like notification, got %+v", store.notifs)
	}

	// re-delivery of the same like (at-least-once) must not double count
	svc.HandleCommit(ctx, streamdomain.CommitEvent{Seq: 3, Repo: "did:plc:liker", Ops: []streamdomain.Op{likeOp}})
	if store.likeCount[storegw.URI(postOp.URI)] != 1 {
		t.Fatalf("duplicate like re-delivery changed count to %d", store.likeCount[storegw.URI(postOp.URI)])
	}
}

func TestHandleCommit_SelfLikeSuppressesNotification(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	svc := newTestService(store)
	ctx := context.Background()

	postOp := streamdomain.Op{
		Action: "create", Collection: "app.bsky.feed.post", Rkey: "p1",
		URI: "at://did:plc:author/app.bsky.feed.post/p1", TypeTag: "app.bsky.feed.post",
		Record: mustCBOR(t, map[string]any{"text": "hello"}),
	}
	svc.HandleCommit(ctx, streamdomain.CommitEvent{Seq: 1, Repo: "did:plc:author", Ops: []streamdomain.Op{postOp}})

	selfLike := streamdomain.Op{
		Action: "create", Collection: "app.bsky.feed.like", Rkey: "l1",
		URI: "at://did:plc:author/app.bsky.feed.like/l1", TypeTag: "app.bsky.feed.like",
		Record: mustCBOR(t, map[string]any{"subject": map[string]any{"uri": postOp.URI}}),
	}
	svc.HandleCommit(ctx, streamdomain.CommitEvent{Seq: 2, Repo: "did:plc:author", Ops: []streamdomain.Op{selfLike}})

	if len(store.notifs) != 0 {
		t.Fatalf("expected no self-notification, got %+v", store.notifs)
	}
}

func TestHandleCommit_LikeBeforePostIsDeferredThenFlushed(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	svc := newTestService(store)
	ctx := context.Background()

	postURI := "at://did:plc:author/app.bsky.feed.post/p1"
	likeOp := streamdomain.Op{
		Action: "create", Collection: "app.bsky.feed.like", Rkey: "l1",
		URI: "at://did:plc:liker/app.bsky.feed.like/l1", TypeTag: "app.bsky.feed.like",
		Record: mustCBOR(t, map[string]any{"subject": map[string]any{"uri": postURI}}),
	}
	svc.HandleCommit(ctx, streamdomain.CommitEvent{Seq: 1, Repo: "did:plc:liker", Ops: []streamdomain.Op{likeOp}})

	if got := svc.Metrics().PendingQueued; got != 1 {
		t.Fatalf("pending queued = %d, want 1", got)
	}
	if store.likeCount[storegw.URI(postURI)] != 0 {
		t.Fatalf("like should not have counted yet")
	}

	postOp := streamdomain.Op{
		Action: "create", Collection: "app.bsky.feed.post", Rkey: "p1",
		URI: postURI, TypeTag: "app.bsky.feed.post",
		Record: mustCBOR(t, map[string]any{"text": "hello"}),
	}
	svc.HandleCommit(ctx, streamdomain.CommitEvent{Seq: 2, Repo: "did:plc:author", Ops: []streamdomain.Op{postOp}})

	if store.likeCount[storegw.URI(postURI)] != 1 {
		t.Fatalf("deferred like was not flushed after post creation, count = %d", store.likeCount[storegw.URI(postURI)])
	}
	if got := svc.Metrics().PendingFlushed; got != 1 {
		t.Fatalf("pending flushed = %d, want 1", got)
	}
}

func TestHandleCommit_DeleteLikeDecrementsOriginalPost(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	svc := newTestService(store)
	ctx := context.Background()

	postURI := "at://did:plc:author/app.bsky.feed.post/p1"
	likeURI := "at://did:plc:liker/app.bsky.feed.like/l1"

	svc.HandleCommit(ctx, streamdomain.CommitEvent{Seq: 1, Repo: "did:plc:author", Ops: []streamdomain.Op{{
		Action: "create", Collection: "app.bsky.feed.post", Rkey: "p1", URI: postURI, TypeTag: "app.bsky.feed.post",
		Record: mustCBOR(t, map[string]any{"text": "hello"}),
	}}})
	svc.HandleCommit(ctx, streamdomain.CommitEvent{Seq: 2, Repo: "did:plc:liker", Ops: []streamdomain.Op{{
		Action: "create", Collection: "app.bsky.feed.like", Rkey: "l1", URI: likeURI, TypeTag: "app.bsky.feed.like",
		Record: mustCBOR(t, map[string]any{"subject": map[string]any{"uri": postURI}}),
	}}})
	if store.likeCount[storegw.URI(postURI)] != 1 {
		t.Fatalf("setup: like count should be 1")
	}

	// the delete op only names the like's own URI, never the post it targeted —
	// handleDelete must recover that via ResolveAndDelete, not the op's own URI
	svc.HandleCommit(ctx, streamdomain.CommitEvent{Seq: 3, Repo: "did:plc:liker", Ops: []streamdomain.Op{{
		Action: "delete", Collection: "app.bsky.feed.like", Rkey: "l1", URI: likeURI,
	}}})

	if store.likeCount[storegw.URI(postURI)] != 0 {
		t.Fatalf("like count after delete = %d, want 0 (decremented against post URI)", store.likeCount[storegw.URI(postURI)])
	}
}

func TestHandleCommit_NewAuthorSubjectIsCreatedOnFirstOp(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	svc := newTestService(store)
	ctx := context.Background()

	postOp := streamdomain.Op{
		Action: "create", Collection: "app.bsky.feed.post", Rkey: "p1",
		URI: "at://did:plc:newauthor/app.bsky.feed.post/p1", TypeTag: "app.bsky.feed.post",
		Record: mustCBOR(t, map[string]any{"text": "first post"}),
	}
	svc.HandleCommit(ctx, streamdomain.CommitEvent{Seq: 1, Repo: "did:plc:newauthor", Ops: []streamdomain.Op{postOp}})

	subj, ok, _ := store.SubjectByID(ctx, "did:plc:newauthor")
	if !ok {
		t.Fatalf("author subject was never created")
	}
	if subj.Handle != "alice.test" {
		t.Fatalf("handle = %q, want resolver-provided handle", subj.Handle)
	}
	if _, ok, _ := store.PostExists(ctx, storegw.URI(postOp.URI)); !ok {
		t.Fatalf("post for new author was not created")
	}
}

func TestHandleCommit_DataCollectionForbiddenSkipsWrite(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.subjects["did:plc:blocked"] = storegw.Subject{ID: "did:plc:blocked", Handle: "blocked.test"}
	store.forbidden["did:plc:blocked"] = true
	svc := newTestService(store)
	ctx := context.Background()

	postOp := streamdomain.Op{
		Action: "create", Collection: "app.bsky.feed.post", Rkey: "p1",
		URI: "at://did:plc:blocked/app.bsky.feed.post/p1", TypeTag: "app.bsky.feed.post",
		Record: mustCBOR(t, map[string]any{"text": "nope"}),
	}
	svc.HandleCommit(ctx, streamdomain.CommitEvent{Seq: 1, Repo: "did:plc:blocked", Ops: []streamdomain.Op{postOp}})

	if _, ok, _ := store.PostExists(ctx, storegw.URI(postOp.URI)); ok {
		t.Fatalf("post was written despite data-collection opt-out")
	}
}

func TestHandleIdentity_UpsertsSubjectHandle(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	svc := newTestService(store)
	ctx := context.Background()

	handle := "bob.test"
	svc.HandleIdentity(ctx, streamdomain.IdentityEvent{Seq: 1, SubjectID: "did:plc:bob", Handle: &handle})

	subj, ok, _ := store.SubjectByID(ctx, "did:plc:bob")
	if !ok || subj.Handle != handle {
		t.Fatalf("identity event did not upsert handle, got %+v ok=%v", subj, ok)
	}
}

func TestMetrics_SweepExpiresStalePendingOps(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	svc := newTestService(store)
	ctx := context.Background()

	likeOp := streamdomain.Op{
		Action: "create", Collection: "app.bsky.feed.like", Rkey: "l1",
		URI: "at://did:plc:liker/app.bsky.feed.like/l1", TypeTag: "app.bsky.feed.like",
		Record: mustCBOR(t, map[string]any{"subject": map[string]any{"uri": "at://did:plc:author/app.bsky.feed.post/missing"}}),
	}
	svc.HandleCommit(ctx, streamdomain.CommitEvent{Seq: 1, Repo: "did:plc:liker", Ops: []streamdomain.Op{likeOp}})
	if got := svc.Metrics().PendingQueued; got != 1 {
		t.Fatalf("pending queued = %d, want 1", got)
	}

	for _, e := range svc.postOps.Flush("at://did:plc:author/app.bsky.feed.post/missing") {
		svc.postOps.Enqueue("at://did:plc:author/app.bsky.feed.post/missing", e)
	}
	svc.sweep()
	if got := svc.Metrics().PendingExpired; got != 0 {
		t.Fatalf("pending expired = %d before TTL elapses, want 0", got)
	}
}

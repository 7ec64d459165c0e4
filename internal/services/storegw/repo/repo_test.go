package repo

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"

	"atrelay/internal/platform/store"
	"atrelay/internal/services/storegw/domain"
)

func TestTableForCollection(t *testing.T) {
	t.Parallel()

	cases := []struct {
		c    domain.Collection
		want string
	}{
		{domain.CollectionPost, "posts"},
		{domain.CollectionLike, "likes"},
		{domain.CollectionRepost, "reposts"},
		{domain.CollectionBookmark, "bookmarks"},
		{domain.CollectionFollow, "follows"},
		{domain.CollectionBlock, "blocks"},
		{domain.CollectionList, "lists"},
		{domain.CollectionListItem, "list_items"},
		{domain.CollectionFeedGenerator, "feed_generators"},
		{domain.CollectionStarterPack, "starter_packs"},
		{domain.CollectionLabelerService, "labeler_services"},
		{domain.CollectionLabel, "labels"},
		{domain.CollectionVerification, "verifications"},
		{domain.CollectionProfile, ""},
		{domain.CollectionGeneric, ""},
	}
	for _, tc := range cases {
		if got := tableForCollection(tc.c); got != tc.want {
			t.Errorf("tableForCollection(%q) = %q, want %q", tc.c, got, tc.want)
		}
	}
}

func TestIsNoRows(t *testing.T) {
	t.Parallel()

	if !isNoRows(pgx.ErrNoRows) {
		t.Errorf("isNoRows(pgx.ErrNoRows) = false, want true")
	}
	if isNoRows(errors.New("some other failure")) {
		t.Errorf("isNoRows(other) = true, want false")
	}
	if isNoRows(nil) {
		t.Errorf("isNoRows(nil) = true, want false")
	}
}

// fakeQ is a scriptable repokit.Queryer used to drive pg methods without a database
type fakeQ struct {
	execTag store.CommandTag
	execErr error

	rowScan func(dest ...any) error

	gotSQL  string
	gotArgs []any
}

func (f *fakeQ) Exec(ctx context.Context, sql string, args ...any) (store.CommandTag, error) {
	f.gotSQL, f.gotArgs = sql, args
	return f.execTag, f.execErr
}

func (f *fakeQ) Query(ctx context.Context, sql string, args ...any) (store.Rows, error) {
	var z store.Rows
	return z, nil
}

func (f *fakeQ) QueryRow(ctx context.Context, sql string, args ...any) store.Row {
	f.gotSQL, f.gotArgs = sql, args
	return fakeRow{scan: f.rowScan}
}

type fakeRow struct {
	scan func(dest ...any) error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.scan == nil {
		return pgx.ErrNoRows
	}
	return r.scan(dest...)
}

type fakeTag struct{ n int64 }

func (t fakeTag) RowsAffected() int64 { return t.n }
func (t fakeTag) String() string      { return "" }

func TestCreatePost_InsertedWhenRowsAffected(t *testing.T) {
	t.Parallel()

	q := &fakeQ{execTag: fakeTag{n: 1}}
	s := &pg{q: q}

	res, err := s.CreatePost(context.Background(), domain.CreatePostInput{URI: "at://did:plc:abc/app.bsky.feed.post/1"})
	if err != nil {
		t.Fatalf("CreatePost: %v", err)
	}
	if !res.Inserted {
		t.Errorf("expected Inserted=true when rows affected > 0")
	}
}

func TestCreatePost_NotInsertedOnConflict(t *testing.T) {
	t.Parallel()

	q := &fakeQ{execTag: fakeTag{n: 0}}
	s := &pg{q: q}

	res, err := s.CreatePost(context.Background(), domain.CreatePostInput{URI: "at://did:plc:abc/app.bsky.feed.post/1"})
	if err != nil {
		t.Fatalf("CreatePost: %v", err)
	}
	if res.Inserted {
		t.Errorf("expected Inserted=false on conflict (0 rows affected)")
	}
}

func TestCreatePost_WrapsExecError(t *testing.T) {
	t.Parallel()

	q := &fakeQ{execErr: errors.New("connection reset")}
	s := &pg{q: q}

	_, err := s.CreatePost(context.Background(), domain.CreatePostInput{URI: "at://did:plc:abc/app.bsky.feed.post/1"})
	if err == nil {
		t.Fatalf("expected wrapped error, got nil")
	}
}

func TestSubjectExists_FalseOnNoRows(t *testing.T) {
	t.Parallel()

	s := &pg{q: &fakeQ{}} // rowScan nil -> pgx.ErrNoRows
	ok, err := s.SubjectExists(context.Background(), "did:plc:abc")
	if err != nil {
		t.Fatalf("SubjectExists: %v", err)
	}
	if ok {
		t.Errorf("expected false for a missing subject")
	}
}

func TestLoadCursor_FalseOnNoRows(t *testing.T) {
	t.Parallel()

	s := &pg{q: &fakeQ{}}
	c, ok, err := s.LoadCursor(context.Background(), "relay1.us-west.bsky.network")
	if err != nil {
		t.Fatalf("LoadCursor: %v", err)
	}
	if ok {
		t.Errorf("expected ok=false, got cursor %#v", c)
	}
}

func TestDeleteByURI_UsesGenericTableForUnknownCollection(t *testing.T) {
	t.Parallel()

	q := &fakeQ{}
	s := &pg{q: q}

	if err := s.DeleteByURI(context.Background(), "at://did:plc:abc/x/1", domain.CollectionGeneric); err != nil {
		t.Fatalf("DeleteByURI: %v", err)
	}
	if want := "DELETE FROM generic_records WHERE uri = $1"; !containsSQL(q.gotSQL, want) {
		t.Errorf("gotSQL = %q, want it to reference generic_records", q.gotSQL)
	}
}

func containsSQL(got, want string) bool {
	return len(got) >= len(want) && indexOf(got, want) >= 0
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

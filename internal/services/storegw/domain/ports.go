package domain

import "context"

// WriterPort is the full typed write surface exposed by the store gateway (§4.3)
// Every Create* call is insert-or-ignore on URI (I1). A foreign-key violation
// on the referenced entity surfaces as an error classified by platform/errors'
// pg predicates; callers (the router, C5) use that signal to enqueue pending work
type WriterPort interface {
	EnsureSubject(ctx context.Context, id, handle string) (created bool, err error)

	CreatePost(ctx context.Context, in CreatePostInput) (WriteResult, error)
	CreateLike(ctx context.Context, in CreateLikeInput) (WriteResult, error)
	CreateRepost(ctx context.Context, in CreateRepostInput) (WriteResult, error)
	CreateBookmark(ctx context.Context, in CreateBookmarkInput) (WriteResult, error)
	CreateFollow(ctx context.Context, in CreateFollowInput) (WriteResult, error)
	CreateBlock(ctx context.Context, in CreateBlockInput) (WriteResult, error)
	CreateList(ctx context.Context, in CreateListInput) (WriteResult, error)
	CreateListItem(ctx context.Context, in CreateListItemInput) (WriteResult, error)
	CreateFeedGenerator(ctx context.Context, in CreateFeedGeneratorInput) (WriteResult, error)
	CreateStarterPack(ctx context.Context, in CreateStarterPackInput) (WriteResult, error)
	CreateLabelerService(ctx context.Context, in CreateLabelerServiceInput) (WriteResult, error)
	CreateVerification(ctx context.Context, in CreateVerificationInput) (WriteResult, error)
	UpsertProfile(ctx context.Context, in UpsertProfileInput) error
	ApplyLabel(ctx context.Context, in ApplyLabelInput) (WriteResult, error)
	CreateGeneric(ctx context.Context, in CreateGenericInput) (WriteResult, error)

	DeleteByURI(ctx context.Context, uri URI, collection Collection) error

	// ResolveAndDelete deletes a like/repost/bookmark row and returns the
	// post URI it referenced before the row disappears, so the router can
	// apply the inverse count decrement and clear viewer state (§4.5.3).
	// found is false if no row existed at uri (already deleted, or never created)
	ResolveAndDelete(ctx context.Context, uri URI, collection Collection) (subjectID string, subjectURI URI, found bool, err error)

	SaveCursor(ctx context.Context, service string, seq uint64, ts int64) error
	LoadCursor(ctx context.Context, service string) (Cursor, bool, error)
}

// ReaderPort is the read surface used by the router to resolve dependencies
// and maintain derived counters (§4.5.3, §4.5.4)
type ReaderPort interface {
	SubjectExists(ctx context.Context, id string) (bool, error)
	SubjectByID(ctx context.Context, id string) (Subject, bool, error)
	SubjectByHandle(ctx context.Context, handle string) (Subject, bool, error)
	PostExists(ctx context.Context, uri URI) (authorID string, ok bool, err error)
	ListExists(ctx context.Context, uri URI) (ownerID string, ok bool, err error)
	IsDataCollectionForbidden(ctx context.Context, subjectID string) (bool, error)
}

// AggregatePort maintains derived counters and notification rows (§4.5.3)
type AggregatePort interface {
	IncrLikeCount(ctx context.Context, postURI URI, delta int) error
	IncrRepostCount(ctx context.Context, postURI URI, delta int) error
	IncrReplyCount(ctx context.Context, postURI URI, delta int) error
	IncrQuoteCount(ctx context.Context, postURI URI, delta int) error
	IncrBookmarkCount(ctx context.Context, postURI URI, delta int) error

	UpsertViewerLike(ctx context.Context, postURI URI, viewerID string, likeURI *URI) error
	UpsertViewerRepost(ctx context.Context, postURI URI, viewerID string, repostURI *URI) error
	UpsertViewerBookmark(ctx context.Context, postURI URI, viewerID string, bookmarked bool) error

	CreateThreadContext(ctx context.Context, postURI, parentURI URI, rootLikeURI *URI) error
	CreateFeedItem(ctx context.Context, kind string, subjectID string, postURI URI, createdAt int64) error
	CreateNotification(ctx context.Context, n Notification) error
}

// Notification is one row in the notifications table (§3, I4)
type Notification struct {
	RecipientID string
	AuthorID    string
	Reason      string // like, repost, follow, reply, quote, mention
	SubjectURI  URI    // the post/record the notification is about
	CreatedAt   int64
}

// RepoPorts is the surface a bound repository implements against a live Queryer
type RepoPorts interface {
	WriterPort
	ReaderPort
	AggregatePort
}

// ScopePort runs fn inside a single transaction, so a commit's multi-op writes
// (e.g. a post row plus its aggregation row) commit or roll back together
// without poisoning sibling operations in the same commit (§4.3)
type ScopePort interface {
	WithTx(ctx context.Context, fn func(RepoPorts) error) error
}

// Ports bundles the store gateway's full surface for module wiring:
// direct calls run each in their own implicit statement, WithTx groups several
type Ports interface {
	RepoPorts
	ScopePort
}

// Package domain holds the core types and interfaces for the relational store gateway
package domain

import "time"

// URI is the primary key of any record: proto://<subject-id>/<collection>/<rkey>
type URI string

// Collection is the NSID-shaped collection name of a record
type Collection string

// Collections covered by the data model (§3)
const (
	CollectionPost            Collection = "app.bsky.feed.post"
	CollectionLike            Collection = "app.bsky.feed.like"
	CollectionRepost          Collection = "app.bsky.feed.repost"
	CollectionFollow          Collection = "app.bsky.graph.follow"
	CollectionBlock           Collection = "app.bsky.graph.block"
	CollectionBookmark        Collection = "app.bsky.bookmark"
	CollectionList            Collection = "app.bsky.graph.list"
	CollectionListItem        Collection = "app.bsky.graph.listitem"
	CollectionFeedGenerator   Collection = "app.bsky.feed.generator"
	CollectionStarterPack     Collection = "app.bsky.graph.starterpack"
	CollectionLabelerService  Collection = "app.bsky.labeler.service"
	CollectionLabel           Collection = "com.atproto.label.label"
	CollectionVerification    Collection = "app.bsky.graph.verification"
	CollectionProfile         Collection = "app.bsky.actor.profile"
	CollectionGeneric         Collection = "" // catchall; unknown $type
)

// Subject is a user or organization principal, identified by an opaque subject-id
type Subject struct {
	ID                      string
	Handle                  string
	DisplayName             string
	Description             string
	AvatarRef               string
	BannerRef               string
	RawProfile              []byte
	Incomplete              bool
	DataCollectionForbidden bool
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// CreatePostInput is the write shape for a post record
type CreatePostInput struct {
	URI         URI
	AuthorID    string
	Text        string
	ParentURI   *URI
	RootURI     *URI
	EmbedKind   string // "", "external", "record", "record_with_media", "images", "video"
	QuotedURI   *URI
	Facets      []byte // raw JSON of mention/tag spans
	Embed       []byte // raw JSON of embed
	CreatedAt   time.Time
}

// CreateLikeInput is the write shape for a like record
type CreateLikeInput struct {
	URI        URI
	SubjectID  string // the liker
	SubjectURI URI    // the liked post
	CreatedAt  time.Time
}

// CreateRepostInput is the write shape for a repost record
type CreateRepostInput struct {
	URI        URI
	SubjectID  string
	SubjectURI URI
	CreatedAt  time.Time
}

// CreateBookmarkInput is the write shape for a bookmark record
type CreateBookmarkInput struct {
	URI        URI
	SubjectID  string
	SubjectURI URI
	CreatedAt  time.Time
}

// CreateFollowInput is the write shape for a follow record
type CreateFollowInput struct {
	URI       URI
	SubjectID string // the follower
	TargetID  string // the followed
	CreatedAt time.Time
}

// CreateBlockInput is the write shape for a block record
type CreateBlockInput struct {
	URI       URI
	SubjectID string
	TargetID  string
	CreatedAt time.Time
}

// CreateListInput is the write shape for a list record
type CreateListInput struct {
	URI       URI
	OwnerID   string
	Name      string
	Purpose   string
	CreatedAt time.Time
}

// CreateListItemInput is the write shape for a list-item record
type CreateListItemInput struct {
	URI       URI
	ListURI   URI
	SubjectID string
	CreatedAt time.Time
}

// CreateFeedGeneratorInput is the write shape for a feed-generator record
type CreateFeedGeneratorInput struct {
	URI       URI
	OwnerID   string
	DisplayName string
	RawRecord []byte
	CreatedAt time.Time
}

// CreateStarterPackInput is the write shape for a starter-pack record
type CreateStarterPackInput struct {
	URI       URI
	OwnerID   string
	ListURI   URI
	RawRecord []byte
	CreatedAt time.Time
}

// CreateLabelerServiceInput is the write shape for a labeler-service record
type CreateLabelerServiceInput struct {
	URI       URI
	OwnerID   string
	RawRecord []byte
	CreatedAt time.Time
}

// CreateVerificationInput is the write shape for a verification record
type CreateVerificationInput struct {
	URI        URI
	IssuerID   string
	SubjectID  string
	DisplayName string
	Handle      string
	CreatedAt   time.Time
}

// UpsertProfileInput is the write shape for a profile record (upsert, not create)
type UpsertProfileInput struct {
	SubjectID   string
	DisplayName string
	Description string
	AvatarRef   string
	BannerRef   string
	RawProfile  []byte
	CreatedAt   time.Time
}

// ApplyLabelInput is the write shape for a label record (append-only; negation wins)
type ApplyLabelInput struct {
	URI       URI
	Src       string
	Subject   string
	Value     string
	Negated   bool
	CreatedAt time.Time
}

// CreateGenericInput is the write shape for the generic-record catchall
type CreateGenericInput struct {
	URI        URI
	Collection Collection
	TypeTag    string
	AuthorID   string
	RawRecord  []byte
	CreatedAt  time.Time
}

// WriteResult reports what happened to a single write, used by the router (C5)
// to decide success/enqueue/error dispatch (§4.5.8)
type WriteResult struct {
	Inserted bool // false when insert-or-ignore hit an existing URI (I1, §4.5.2)
}

// Cursor is the persisted resume-cursor row for a logical service (§3, §4.4)
type Cursor struct {
	Service string
	Seq     uint64
	SavedAt time.Time
}

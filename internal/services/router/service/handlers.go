package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"

	perr "atrelay/internal/platform/errors"
	storegw "atrelay/internal/services/storegw/domain"
	streamdomain "atrelay/internal/services/stream/domain"
)

type strongRef struct {
	URI string `cbor:"uri"`
	Cid string `cbor:"cid"`
}

type replyWire struct {
	Root   strongRef `cbor:"root"`
	Parent strongRef `cbor:"parent"`
}

type postWire struct {
	Text      string         `cbor:"text"`
	CreatedAt string         `cbor:"createdAt"`
	Reply     *replyWire     `cbor:"reply"`
	Embed     map[string]any `cbor:"embed"`
	Facets    []any          `cbor:"facets"`
}

type subjectRefWire struct {
	Subject   strongRef `cbor:"subject"`
	CreatedAt string    `cbor:"createdAt"`
}

// targetRefWire covers follow/block, whose "subject" field is a bare did
// string rather than a strongRef
type targetRefWire struct {
	Subject   string `cbor:"subject"`
	CreatedAt string `cbor:"createdAt"`
}

type listWire struct {
	Name      string `cbor:"name"`
	Purpose   string `cbor:"purpose"`
	CreatedAt string `cbor:"createdAt"`
}

type listItemWire struct {
	List      string `cbor:"list"`
	Subject   string `cbor:"subject"`
	CreatedAt string `cbor:"createdAt"`
}

type feedGeneratorWire struct {
	DisplayName string `cbor:"displayName"`
	CreatedAt   string `cbor:"createdAt"`
}

type starterPackWire struct {
	List      string `cbor:"list"`
	CreatedAt string `cbor:"createdAt"`
}

type labelerServiceWire struct {
	CreatedAt string `cbor:"createdAt"`
}

type verificationWire struct {
	Subject     string `cbor:"subject"`
	DisplayName string `cbor:"displayName"`
	Handle      string `cbor:"handle"`
	CreatedAt   string `cbor:"createdAt"`
}

type labelWire struct {
	Src string `cbor:"src"`
	Val string `cbor:"val"`
	Uri string `cbor:"uri"`
	Neg bool   `cbor:"neg"`
	Cts string `cbor:"cts"`
}

type profileWire struct {
	DisplayName string         `cbor:"displayName"`
	Description string         `cbor:"description"`
	Avatar      map[string]any `cbor:"avatar"`
	Banner      map[string]any `cbor:"banner"`
	CreatedAt   string         `cbor:"createdAt"`
}

// parseTime parses a lexicon datetime, falling back to now on failure —
// malformed timestamps must never abort an otherwise-valid op (§4.5.8)
func parseTime(s string) time.Time {
	if s == "" {
		return time.Now().UTC()
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	return time.Now().UTC()
}

func uriPtr(s string) *storegw.URI {
	if s == "" {
		return nil
	}
	u := storegw.URI(s)
	return &u
}

// asMap normalizes a decoded CBOR map value to map[string]any regardless of
// whether fxamacker/cbor produced map[string]any or map[interface{}]interface{}
// for a nested, statically-any-typed field
func asMap(v any) map[string]any {
	switch m := v.(type) {
	case map[string]any:
		return m
	case map[interface{}]interface{}:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[fmt.Sprintf("%v", k)] = val
		}
		return out
	default:
		return nil
	}
}

func classifyEmbed(embed map[string]any) (kind string, quotedURI string) {
	if embed == nil {
		return "", ""
	}
	t, _ := embed["$type"].(string)
	switch {
	case strings.Contains(t, "recordWithMedia"):
		return "record_with_media", quotedURIFromEmbed(embed)
	case strings.Contains(t, "images"):
		return "images", ""
	case strings.Contains(t, "video"):
		return "video", ""
	case strings.Contains(t, "external"):
		return "external", ""
	case strings.Contains(t, "record"):
		return "record", quotedURIFromEmbed(embed)
	default:
		return "", ""
	}
}

func quotedURIFromEmbed(embed map[string]any) string {
	rec := asMap(embed["record"])
	if rec == nil {
		return ""
	}
	if inner := asMap(rec["record"]); inner != nil { // record-with-media nests one level deeper
		if uri, ok := inner["uri"].(string); ok {
			return uri
		}
	}
	if uri, ok := rec["uri"].(string); ok {
		return uri
	}
	return ""
}

func recordJSON(raw []byte) []byte {
	var v any
	if cbor.Unmarshal(raw, &v) != nil {
		return nil
	}
	return jsonOf(v)
}

func blobRefString(blob map[string]any) string {
	if blob == nil {
		return ""
	}
	if ref := asMap(blob["ref"]); ref != nil {
		if s, ok := ref["/"].(string); ok {
			return s
		}
	}
	return ""
}

// notify creates a notification row, silently skipping self-notifications
// (I4: author never notifies themself) and tolerating duplicate-key races
func (s *Service) notify(ctx context.Context, recipient, author, reason string, subjectURI storegw.URI, createdAt time.Time) {
	if recipient == "" || recipient == author {
		return
	}
	n := storegw.Notification{RecipientID: recipient, AuthorID: author, Reason: reason, SubjectURI: subjectURI, CreatedAt: createdAt.Unix()}
	if err := s.store.CreateNotification(ctx, n); err != nil && !perr.IsDuplicateKey(err) {
		s.log.Debug().Err(err).Str("recipient_id", recipient).Str("reason", reason).Msg("router: notification create failed")
	}
}

// scanMentions emits one mention notification per distinct matched handle
// resolvable to a local subject (§4.5.3)
func (s *Service) scanMentions(ctx context.Context, author string, postURI storegw.URI, text string, createdAt time.Time) {
	if text == "" {
		return
	}
	seen := make(map[string]struct{})
	for _, m := range mentionPattern.FindAllString(text, -1) {
		handle := trimHandle(m)
		if handle == "" {
			continue
		}
		if _, dup := seen[handle]; dup {
			continue
		}
		seen[handle] = struct{}{}

		subj, ok, err := s.store.SubjectByHandle(ctx, handle)
		if err != nil || !ok || subj.ID == author {
			continue
		}
		s.notify(ctx, subj.ID, author, "mention", postURI, createdAt)
	}
}

func (s *Service) processPost(ctx context.Context, repo string, op streamdomain.Op) error {
	if s.isForbidden(ctx, repo) {
		return nil
	}
	var w postWire
	if err := cbor.Unmarshal(op.Record, &w); err != nil {
		s.log.Debug().Err(err).Str("uri", op.URI).Msg("router: decode post failed")
		return nil
	}
	createdAt := parseTime(w.CreatedAt)

	var parentURI, rootURI *storegw.URI
	if w.Reply != nil {
		parentURI = uriPtr(w.Reply.Parent.URI)
		rootURI = uriPtr(w.Reply.Root.URI)
	}
	embedKind, quotedStr := classifyEmbed(w.Embed)
	quotedURI := uriPtr(quotedStr)

	in := storegw.CreatePostInput{
		URI:       storegw.URI(op.URI),
		AuthorID:  repo,
		Text:      w.Text,
		ParentURI: parentURI,
		RootURI:   rootURI,
		EmbedKind: embedKind,
		QuotedURI: quotedURI,
		Facets:    jsonOf(w.Facets),
		Embed:     jsonOf(w.Embed),
		CreatedAt: createdAt,
	}

	res, err := s.store.CreatePost(ctx, in)
	if err != nil {
		return err
	}
	if !res.Inserted {
		return nil
	}

	if parentURI != nil {
		if authorID, ok, perr2 := s.store.PostExists(ctx, *parentURI); perr2 == nil && ok {
			_ = s.store.IncrReplyCount(ctx, *parentURI, 1)
			_ = s.store.CreateThreadContext(ctx, in.URI, *parentURI, nil)
			s.notify(ctx, authorID, repo, "reply", in.URI, createdAt)
		}
	}
	if quotedURI != nil {
		if authorID, ok, perr2 := s.store.PostExists(ctx, *quotedURI); perr2 == nil && ok {
			_ = s.store.IncrQuoteCount(ctx, *quotedURI, 1)
			s.notify(ctx, authorID, repo, "quote", in.URI, createdAt)
		}
	}
	s.scanMentions(ctx, repo, in.URI, w.Text, createdAt)
	s.flushPostOpsQueue(ctx, op.URI)
	return nil
}

// flushPostOpsQueue replays likes/reposts/bookmarks that arrived before the
// post they target, keyed by the post's own URI (§4.5.4, flush_pending_ops)
func (s *Service) flushPostOpsQueue(ctx context.Context, postURI string) {
	for _, pending := range s.postOps.Flush(postURI) {
		s.metricsMu.Lock()
		s.metrics.PendingFlushed++
		s.metricsMu.Unlock()
		if rop, ok := pending.Payload.(streamdomain.Op); ok {
			s.handleOp(ctx, pending.Repo, rop)
		}
	}
}

func (s *Service) processLike(ctx context.Context, repo string, op streamdomain.Op) error {
	if s.isForbidden(ctx, repo) {
		return nil
	}
	var w subjectRefWire
	if err := cbor.Unmarshal(op.Record, &w); err != nil {
		return nil
	}
	createdAt := parseTime(w.CreatedAt)
	postURI := storegw.URI(w.Subject.URI)

	res, err := s.store.CreateLike(ctx, storegw.CreateLikeInput{URI: storegw.URI(op.URI), SubjectID: repo, SubjectURI: postURI, CreatedAt: createdAt})
	if err != nil {
		return err
	}
	if !res.Inserted {
		return nil
	}
	authorID, ok, err := s.store.PostExists(ctx, postURI)
	if err != nil || !ok {
		return nil
	}
	_ = s.store.IncrLikeCount(ctx, postURI, 1)
	_ = s.store.UpsertViewerLike(ctx, postURI, repo, uriPtr(op.URI))
	s.notify(ctx, authorID, repo, "like", postURI, createdAt)
	return nil
}

func (s *Service) processRepost(ctx context.Context, repo string, op streamdomain.Op) error {
	if s.isForbidden(ctx, repo) {
		return nil
	}
	var w subjectRefWire
	if err := cbor.Unmarshal(op.Record, &w); err != nil {
		return nil
	}
	createdAt := parseTime(w.CreatedAt)
	postURI := storegw.URI(w.Subject.URI)

	res, err := s.store.CreateRepost(ctx, storegw.CreateRepostInput{URI: storegw.URI(op.URI), SubjectID: repo, SubjectURI: postURI, CreatedAt: createdAt})
	if err != nil {
		return err
	}
	if !res.Inserted {
		return nil
	}
	authorID, ok, err := s.store.PostExists(ctx, postURI)
	if err != nil || !ok {
		return nil
	}
	_ = s.store.IncrRepostCount(ctx, postURI, 1)
	_ = s.store.UpsertViewerRepost(ctx, postURI, repo, uriPtr(op.URI))
	_ = s.store.CreateFeedItem(ctx, "repost", repo, postURI, createdAt.Unix())
	s.notify(ctx, authorID, repo, "repost", postURI, createdAt)
	return nil
}

func (s *Service) processBookmark(ctx context.Context, repo string, op streamdomain.Op) error {
	if s.isForbidden(ctx, repo) {
		return nil
	}
	var w subjectRefWire
	if err := cbor.Unmarshal(op.Record, &w); err != nil {
		return nil
	}
	createdAt := parseTime(w.CreatedAt)
	postURI := storegw.URI(w.Subject.URI)

	res, err := s.store.CreateBookmark(ctx, storegw.CreateBookmarkInput{URI: storegw.URI(op.URI), SubjectID: repo, SubjectURI: postURI, CreatedAt: createdAt})
	if err != nil {
		return err
	}
	if !res.Inserted {
		return nil
	}
	if _, ok, err := s.store.PostExists(ctx, postURI); err == nil && ok {
		_ = s.store.IncrBookmarkCount(ctx, postURI, 1)
		_ = s.store.UpsertViewerBookmark(ctx, postURI, repo, true)
	}
	return nil
}

func (s *Service) processFollow(ctx context.Context, repo string, op streamdomain.Op) error {
	if s.isForbidden(ctx, repo) {
		return nil
	}
	var w targetRefWire
	if err := cbor.Unmarshal(op.Record, &w); err != nil {
		return nil
	}
	createdAt := parseTime(w.CreatedAt)

	res, err := s.store.CreateFollow(ctx, storegw.CreateFollowInput{URI: storegw.URI(op.URI), SubjectID: repo, TargetID: w.Subject, CreatedAt: createdAt})
	if err != nil {
		return err
	}
	if !res.Inserted {
		return nil
	}
	s.notify(ctx, w.Subject, repo, "follow", storegw.URI(op.URI), createdAt)
	return nil
}

func (s *Service) processBlock(ctx context.Context, repo string, op streamdomain.Op) error {
	if s.isForbidden(ctx, repo) {
		return nil
	}
	var w targetRefWire
	if err := cbor.Unmarshal(op.Record, &w); err != nil {
		return nil
	}
	_, err := s.store.CreateBlock(ctx, storegw.CreateBlockInput{URI: storegw.URI(op.URI), SubjectID: repo, TargetID: w.Subject, CreatedAt: parseTime(w.CreatedAt)})
	return err
}

func (s *Service) processProfile(ctx context.Context, repo string, op streamdomain.Op) error {
	var w profileWire
	if err := cbor.Unmarshal(op.Record, &w); err != nil {
		return nil
	}
	return s.store.UpsertProfile(ctx, storegw.UpsertProfileInput{
		SubjectID:   repo,
		DisplayName: w.DisplayName,
		Description: w.Description,
		AvatarRef:   blobRefString(w.Avatar),
		BannerRef:   blobRefString(w.Banner),
		RawProfile:  recordJSON(op.Record),
		CreatedAt:   parseTime(w.CreatedAt),
	})
}

func (s *Service) processList(ctx context.Context, repo string, op streamdomain.Op) error {
	if s.isForbidden(ctx, repo) {
		return nil
	}
	var w listWire
	if err := cbor.Unmarshal(op.Record, &w); err != nil {
		return nil
	}
	res, err := s.store.CreateList(ctx, storegw.CreateListInput{URI: storegw.URI(op.URI), OwnerID: repo, Name: w.Name, Purpose: w.Purpose, CreatedAt: parseTime(w.CreatedAt)})
	if err != nil {
		return err
	}
	if res.Inserted {
		s.flushListItemQueue(ctx, op.URI)
	}
	return nil
}

func (s *Service) flushListItemQueue(ctx context.Context, listURI string) {
	for _, pending := range s.listItems.Flush(listURI) {
		s.metricsMu.Lock()
		s.metrics.PendingListItemsFlushed++
		s.metricsMu.Unlock()
		if rop, ok := pending.Payload.(streamdomain.Op); ok {
			s.handleOp(ctx, pending.Repo, rop)
		}
	}
}

func (s *Service) processListItem(ctx context.Context, repo string, op streamdomain.Op) error {
	var w listItemWire
	if err := cbor.Unmarshal(op.Record, &w); err != nil {
		return nil
	}
	_, err := s.store.CreateListItem(ctx, storegw.CreateListItemInput{
		URI:       storegw.URI(op.URI),
		ListURI:   storegw.URI(w.List),
		SubjectID: w.Subject,
		CreatedAt: parseTime(w.CreatedAt),
	})
	return err
}

func (s *Service) processFeedGenerator(ctx context.Context, repo string, op streamdomain.Op) error {
	if s.isForbidden(ctx, repo) {
		return nil
	}
	var w feedGeneratorWire
	if err := cbor.Unmarshal(op.Record, &w); err != nil {
		return nil
	}
	_, err := s.store.CreateFeedGenerator(ctx, storegw.CreateFeedGeneratorInput{
		URI: storegw.URI(op.URI), OwnerID: repo, DisplayName: w.DisplayName, RawRecord: recordJSON(op.Record), CreatedAt: parseTime(w.CreatedAt),
	})
	return err
}

func (s *Service) processStarterPack(ctx context.Context, repo string, op streamdomain.Op) error {
	if s.isForbidden(ctx, repo) {
		return nil
	}
	var w starterPackWire
	if err := cbor.Unmarshal(op.Record, &w); err != nil {
		return nil
	}
	_, err := s.store.CreateStarterPack(ctx, storegw.CreateStarterPackInput{
		URI: storegw.URI(op.URI), OwnerID: repo, ListURI: storegw.URI(w.List), RawRecord: recordJSON(op.Record), CreatedAt: parseTime(w.CreatedAt),
	})
	return err
}

func (s *Service) processLabelerService(ctx context.Context, repo string, op streamdomain.Op) error {
	var w labelerServiceWire
	if err := cbor.Unmarshal(op.Record, &w); err != nil {
		return nil
	}
	_, err := s.store.CreateLabelerService(ctx, storegw.CreateLabelerServiceInput{
		URI: storegw.URI(op.URI), OwnerID: repo, RawRecord: recordJSON(op.Record), CreatedAt: parseTime(w.CreatedAt),
	})
	return err
}

func (s *Service) processVerification(ctx context.Context, repo string, op streamdomain.Op) error {
	var w verificationWire
	if err := cbor.Unmarshal(op.Record, &w); err != nil {
		return nil
	}
	_, err := s.store.CreateVerification(ctx, storegw.CreateVerificationInput{
		URI: storegw.URI(op.URI), IssuerID: repo, SubjectID: w.Subject, DisplayName: w.DisplayName, Handle: w.Handle, CreatedAt: parseTime(w.CreatedAt),
	})
	return err
}

// processLabel applies label rows append-only; a negating label (neg=true)
// shadows prior positive labels for the same (src, subject, val) at read
// time rather than mutating history (I5, §3 supplement)
func (s *Service) processLabel(ctx context.Context, repo string, op streamdomain.Op) error {
	var w labelWire
	if err := cbor.Unmarshal(op.Record, &w); err != nil {
		return nil
	}
	_, err := s.store.ApplyLabel(ctx, storegw.ApplyLabelInput{
		URI: storegw.URI(op.URI), Src: w.Src, Subject: w.Uri, Value: w.Val, Negated: w.Neg, CreatedAt: parseTime(w.Cts),
	})
	return err
}

func (s *Service) processGeneric(ctx context.Context, repo string, op streamdomain.Op, typeTag string) error {
	_, err := s.store.CreateGeneric(ctx, storegw.CreateGenericInput{
		URI: storegw.URI(op.URI), Collection: storegw.Collection(op.Collection), TypeTag: typeTag, AuthorID: repo, RawRecord: recordJSON(op.Record), CreatedAt: time.Now().UTC(),
	})
	return err
}

// handleDelete removes a record and applies the inverse count adjustments
// with GREATEST(count-1, 0) semantics. Likes/reposts/bookmarks carry no
// reference to the post they targeted in the delete op itself (the firehose
// delete only names the deleted record's own URI), so ResolveAndDelete reads
// the row's subject URI back out of the RETURNING clause before it disappears
// (§4.5.3's "apply the inverse decrements"; process_delete, unified_worker.py)
func (s *Service) handleDelete(ctx context.Context, op streamdomain.Op) {
	uri := storegw.URI(op.URI)
	collection := storegw.Collection(op.Collection)

	switch op.Collection {
	case "app.bsky.feed.like":
		viewerID, postURI, found, err := s.store.ResolveAndDelete(ctx, uri, collection)
		if err == nil && found {
			_ = s.store.IncrLikeCount(ctx, postURI, -1)
			_ = s.store.UpsertViewerLike(ctx, postURI, viewerID, nil)
		}
	case "app.bsky.feed.repost":
		viewerID, postURI, found, err := s.store.ResolveAndDelete(ctx, uri, collection)
		if err == nil && found {
			_ = s.store.IncrRepostCount(ctx, postURI, -1)
			_ = s.store.UpsertViewerRepost(ctx, postURI, viewerID, nil)
		}
	case "app.bsky.bookmark":
		viewerID, postURI, found, err := s.store.ResolveAndDelete(ctx, uri, collection)
		if err == nil && found {
			_ = s.store.IncrBookmarkCount(ctx, postURI, -1)
			_ = s.store.UpsertViewerBookmark(ctx, postURI, viewerID, false)
		}
	default:
		if err := s.store.DeleteByURI(ctx, uri, collection); err != nil {
			s.log.Debug().Err(err).Str("uri", op.URI).Msg("router: delete failed")
		}
	}
}

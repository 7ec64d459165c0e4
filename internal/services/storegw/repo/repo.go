// Package repo provides the Postgres implementation of the store gateway
package repo

import (
	"context"
	stderrs "errors"

	"atrelay/internal/modkit/repokit"
	perr "atrelay/internal/platform/errors"
	"atrelay/internal/services/storegw/domain"

	"github.com/jackc/pgx/v5"
)

type binder struct{}

// NewPG constructs a new repo binder for Postgres
func NewPG() repokit.Binder[Storage] { return binder{} }

// Bind implements repokit.Binder
func (binder) Bind(q repokit.Queryer) Storage { return &pg{q: q} }

// Storage is the full store-gateway surface bound to a live Queryer.
// Aliased (not wrapped) so repokit.Binder[Storage] and repokit.Binder[domain.RepoPorts]
// are the same instantiated type and interchangeable at call sites
type Storage = domain.RepoPorts

type pg struct{ q repokit.Queryer }

// EnsureSubject inserts a placeholder subject row if one doesn't exist (§4.5.5)
func (s *pg) EnsureSubject(ctx context.Context, id, handle string) (bool, error) {
	if handle == "" {
		handle = "handle.invalid"
	}
	tag, err := s.q.Exec(ctx, `
		INSERT INTO subjects (id, handle, incomplete, created_at, updated_at)
		VALUES ($1, $2, true, now(), now())
		ON CONFLICT (id) DO NOTHING
	`, id, handle)
	if err != nil {
		return false, perr.FromPostgresWithField(err, "ensure subject")
	}
	return tag.RowsAffected() > 0, nil
}

func (s *pg) CreatePost(ctx context.Context, in domain.CreatePostInput) (domain.WriteResult, error) {
	tag, err := s.q.Exec(ctx, `
		INSERT INTO posts (
			uri, author_id, text, parent_uri, root_uri, embed_kind, quoted_uri,
			facets, embed, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (uri) DO NOTHING
	`, in.URI, in.AuthorID, in.Text, in.ParentURI, in.RootURI, in.EmbedKind, in.QuotedURI,
		in.Facets, in.Embed, in.CreatedAt.UTC())
	if err != nil {
		return domain.WriteResult{}, perr.FromPostgresWithField(err, "create post")
	}
	if tag.RowsAffected() > 0 {
		_, _ = s.q.Exec(ctx, `
			INSERT INTO post_aggregations (post_uri, like_count, repost_count, reply_count, quote_count, bookmark_count)
			VALUES ($1, 0, 0, 0, 0, 0)
			ON CONFLICT (post_uri) DO NOTHING
		`, in.URI)
	}
	return domain.WriteResult{Inserted: tag.RowsAffected() > 0}, nil
}

func (s *pg) CreateLike(ctx context.Context, in domain.CreateLikeInput) (domain.WriteResult, error) {
	tag, err := s.q.Exec(ctx, `
		INSERT INTO likes (uri, subject_id, subject_uri, created_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (uri) DO NOTHING
	`, in.URI, in.SubjectID, in.SubjectURI, in.CreatedAt.UTC())
	if err != nil {
		return domain.WriteResult{}, perr.FromPostgresWithField(err, "create like")
	}
	return domain.WriteResult{Inserted: tag.RowsAffected() > 0}, nil
}

func (s *pg) CreateRepost(ctx context.Context, in domain.CreateRepostInput) (domain.WriteResult, error) {
	tag, err := s.q.Exec(ctx, `
		INSERT INTO reposts (uri, subject_id, subject_uri, created_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (uri) DO NOTHING
	`, in.URI, in.SubjectID, in.SubjectURI, in.CreatedAt.UTC())
	if err != nil {
		return domain.WriteResult{}, perr.FromPostgresWithField(err, "create repost")
	}
	return domain.WriteResult{Inserted: tag.RowsAffected() > 0}, nil
}

func (s *pg) CreateBookmark(ctx context.Context, in domain.CreateBookmarkInput) (domain.WriteResult, error) {
	tag, err := s.q.Exec(ctx, `
		INSERT INTO bookmarks (uri, subject_id, subject_uri, created_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (uri) DO NOTHING
	`, in.URI, in.SubjectID, in.SubjectURI, in.CreatedAt.UTC())
	if err != nil {
		return domain.WriteResult{}, perr.FromPostgresWithField(err, "create bookmark")
	}
	return domain.WriteResult{Inserted: tag.RowsAffected() > 0}, nil
}

func (s *pg) CreateFollow(ctx context.Context, in domain.CreateFollowInput) (domain.WriteResult, error) {
	tag, err := s.q.Exec(ctx, `
		INSERT INTO follows (uri, subject_id, target_id, created_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (uri) DO NOTHING
	`, in.URI, in.SubjectID, in.TargetID, in.CreatedAt.UTC())
	if err != nil {
		return domain.WriteResult{}, perr.FromPostgresWithField(err, "create follow")
	}
	return domain.WriteResult{Inserted: tag.RowsAffected() > 0}, nil
}

func (s *pg) CreateBlock(ctx context.Context, in domain.CreateBlockInput) (domain.WriteResult, error) {
	tag, err := s.q.Exec(ctx, `
		INSERT INTO blocks (uri, subject_id, target_id, created_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (uri) DO NOTHING
	`, in.URI, in.SubjectID, in.TargetID, in.CreatedAt.UTC())
	if err != nil {
		return domain.WriteResult{}, perr.FromPostgresWithField(err, "create block")
	}
	return domain.WriteResult{Inserted: tag.RowsAffected() > 0}, nil
}

func (s *pg) CreateList(ctx context.Context, in domain.CreateListInput) (domain.WriteResult, error) {
	tag, err := s.q.Exec(ctx, `
		INSERT INTO lists (uri, owner_id, name, purpose, created_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (uri) DO NOTHING
	`, in.URI, in.OwnerID, in.Name, in.Purpose, in.CreatedAt.UTC())
	if err != nil {
		return domain.WriteResult{}, perr.FromPostgresWithField(err, "create list")
	}
	return domain.WriteResult{Inserted: tag.RowsAffected() > 0}, nil
}

func (s *pg) CreateListItem(ctx context.Context, in domain.CreateListItemInput) (domain.WriteResult, error) {
	tag, err := s.q.Exec(ctx, `
		INSERT INTO list_items (uri, list_uri, subject_id, created_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (uri) DO NOTHING
	`, in.URI, in.ListURI, in.SubjectID, in.CreatedAt.UTC())
	if err != nil {
		return domain.WriteResult{}, perr.FromPostgresWithField(err, "create list item")
	}
	return domain.WriteResult{Inserted: tag.RowsAffected() > 0}, nil
}

func (s *pg) CreateFeedGenerator(ctx context.Context, in domain.CreateFeedGeneratorInput) (domain.WriteResult, error) {
	tag, err := s.q.Exec(ctx, `
		INSERT INTO feed_generators (uri, owner_id, display_name, raw_record, created_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (uri) DO NOTHING
	`, in.URI, in.OwnerID, in.DisplayName, in.RawRecord, in.CreatedAt.UTC())
	if err != nil {
		return domain.WriteResult{}, perr.FromPostgresWithField(err, "create feed generator")
	}
	return domain.WriteResult{Inserted: tag.RowsAffected() > 0}, nil
}

func (s *pg) CreateStarterPack(ctx context.Context, in domain.CreateStarterPackInput) (domain.WriteResult, error) {
	tag, err := s.q.Exec(ctx, `
		INSERT INTO starter_packs (uri, owner_id, list_uri, raw_record, created_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (uri) DO NOTHING
	`, in.URI, in.OwnerID, in.ListURI, in.RawRecord, in.CreatedAt.UTC())
	if err != nil {
		return domain.WriteResult{}, perr.FromPostgresWithField(err, "create starter pack")
	}
	return domain.WriteResult{Inserted: tag.RowsAffected() > 0}, nil
}

func (s *pg) CreateLabelerService(ctx context.Context, in domain.CreateLabelerServiceInput) (domain.WriteResult, error) {
	tag, err := s.q.Exec(ctx, `
		INSERT INTO labeler_services (uri, owner_id, raw_record, created_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (uri) DO NOTHING
	`, in.URI, in.OwnerID, in.RawRecord, in.CreatedAt.UTC())
	if err != nil {
		return domain.WriteResult{}, perr.FromPostgresWithField(err, "create labeler service")
	}
	return domain.WriteResult{Inserted: tag.RowsAffected() > 0}, nil
}

func (s *pg) CreateVerification(ctx context.Context, in domain.CreateVerificationInput) (domain.WriteResult, error) {
	tag, err := s.q.Exec(ctx, `
		INSERT INTO verifications (uri, issuer_id, subject_id, display_name, handle, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (uri) DO NOTHING
	`, in.URI, in.IssuerID, in.SubjectID, in.DisplayName, in.Handle, in.CreatedAt.UTC())
	if err != nil {
		return domain.WriteResult{}, perr.FromPostgresWithField(err, "create verification")
	}
	return domain.WriteResult{Inserted: tag.RowsAffected() > 0}, nil
}

// UpsertProfile is a true upsert (not insert-or-ignore): profile updates mutate the subject row (§3)
func (s *pg) UpsertProfile(ctx context.Context, in domain.UpsertProfileInput) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO subjects (id, handle, display_name, description, avatar_ref, banner_ref, raw_profile, incomplete, created_at, updated_at)
		VALUES ($1, 'handle.invalid', $2, $3, $4, $5, $6, false, $7, now())
		ON CONFLICT (id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			description  = EXCLUDED.description,
			avatar_ref   = EXCLUDED.avatar_ref,
			banner_ref   = EXCLUDED.banner_ref,
			raw_profile  = EXCLUDED.raw_profile,
			incomplete   = false,
			updated_at   = now()
	`, in.SubjectID, in.DisplayName, in.Description, in.AvatarRef, in.BannerRef, in.RawProfile, in.CreatedAt.UTC())
	if err != nil {
		return perr.FromPostgresWithField(err, "upsert profile")
	}
	return nil
}

// ApplyLabel appends a label row. Effective-set computation (I5) is a read-time
// concern (effective = latest row per (src,subject,value) by created_at; negated wins)
func (s *pg) ApplyLabel(ctx context.Context, in domain.ApplyLabelInput) (domain.WriteResult, error) {
	tag, err := s.q.Exec(ctx, `
		INSERT INTO labels (uri, src, subject, value, negated, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (uri) DO NOTHING
	`, in.URI, in.Src, in.Subject, in.Value, in.Negated, in.CreatedAt.UTC())
	if err != nil {
		return domain.WriteResult{}, perr.FromPostgresWithField(err, "apply label")
	}
	return domain.WriteResult{Inserted: tag.RowsAffected() > 0}, nil
}

func (s *pg) CreateGeneric(ctx context.Context, in domain.CreateGenericInput) (domain.WriteResult, error) {
	tag, err := s.q.Exec(ctx, `
		INSERT INTO generic_records (uri, collection, type_tag, author_id, raw_record, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (uri) DO NOTHING
	`, in.URI, string(in.Collection), in.TypeTag, in.AuthorID, in.RawRecord, in.CreatedAt.UTC())
	if err != nil {
		return domain.WriteResult{}, perr.FromPostgresWithField(err, "create generic record")
	}
	return domain.WriteResult{Inserted: tag.RowsAffected() > 0}, nil
}

// DeleteByURI is idempotent: deleting an absent URI is a no-op, not an error
func (s *pg) DeleteByURI(ctx context.Context, uri domain.URI, collection domain.Collection) error {
	table := tableForCollection(collection)
	if table == "" {
		table = "generic_records"
	}
	_, err := s.q.Exec(ctx, `DELETE FROM `+table+` WHERE uri = $1`, uri)
	if err != nil {
		return perr.FromPostgresWithField(err, "delete by uri")
	}
	return nil
}

func (s *pg) ResolveAndDelete(ctx context.Context, uri domain.URI, collection domain.Collection) (string, domain.URI, bool, error) {
	table := tableForCollection(collection)
	if table == "" {
		return "", "", false, nil
	}
	var subjectID string
	var subjectURI domain.URI
	row := s.q.QueryRow(ctx, `DELETE FROM `+table+` WHERE uri = $1 RETURNING subject_id, subject_uri`, uri)
	if err := row.Scan(&subjectID, &subjectURI); err != nil {
		if isNoRows(err) {
			return "", "", false, nil
		}
		return "", "", false, perr.FromPostgresWithField(err, "resolve and delete")
	}
	return subjectID, subjectURI, true, nil
}

func (s *pg) SaveCursor(ctx context.Context, service string, seq uint64, ts int64) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO cursors (service, seq, saved_at)
		VALUES ($1, $2, to_timestamp($3))
		ON CONFLICT (service) DO UPDATE SET
			seq = GREATEST(cursors.seq, EXCLUDED.seq),
			saved_at = EXCLUDED.saved_at
	`, service, int64(seq), ts)
	if err != nil {
		return perr.FromPostgresWithField(err, "save cursor")
	}
	return nil
}

func (s *pg) LoadCursor(ctx context.Context, service string) (domain.Cursor, bool, error) {
	var c domain.Cursor
	var seq int64
	row := s.q.QueryRow(ctx, `SELECT service, seq, saved_at FROM cursors WHERE service = $1`, service)
	if err := row.Scan(&c.Service, &seq, &c.SavedAt); err != nil {
		if isNoRows(err) {
			return domain.Cursor{}, false, nil
		}
		return domain.Cursor{}, false, perr.FromPostgresWithField(err, "load cursor")
	}
	c.Seq = uint64(seq)
	return c, true, nil
}

func (s *pg) SubjectExists(ctx context.Context, id string) (bool, error) {
	var one int
	row := s.q.QueryRow(ctx, `SELECT 1 FROM subjects WHERE id = $1`, id)
	if err := row.Scan(&one); err != nil {
		if isNoRows(err) {
			return false, nil
		}
		return false, perr.FromPostgresWithField(err, "subject exists")
	}
	return true, nil
}

func (s *pg) SubjectByID(ctx context.Context, id string) (domain.Subject, bool, error) {
	var sub domain.Subject
	row := s.q.QueryRow(ctx, `
		SELECT id, handle, display_name, description, avatar_ref, banner_ref, raw_profile,
		       incomplete, data_collection_forbidden, created_at, updated_at
		FROM subjects WHERE id = $1
	`, id)
	if err := row.Scan(
		&sub.ID, &sub.Handle, &sub.DisplayName, &sub.Description, &sub.AvatarRef, &sub.BannerRef,
		&sub.RawProfile, &sub.Incomplete, &sub.DataCollectionForbidden, &sub.CreatedAt, &sub.UpdatedAt,
	); err != nil {
		if isNoRows(err) {
			return domain.Subject{}, false, nil
		}
		return domain.Subject{}, false, perr.FromPostgresWithField(err, "subject by id")
	}
	return sub, true, nil
}

func (s *pg) SubjectByHandle(ctx context.Context, handle string) (domain.Subject, bool, error) {
	var sub domain.Subject
	row := s.q.QueryRow(ctx, `
		SELECT id, handle, display_name, description, avatar_ref, banner_ref, raw_profile,
		       incomplete, data_collection_forbidden, created_at, updated_at
		FROM subjects WHERE handle = $1
	`, handle)
	if err := row.Scan(
		&sub.ID, &sub.Handle, &sub.DisplayName, &sub.Description, &sub.AvatarRef, &sub.BannerRef,
		&sub.RawProfile, &sub.Incomplete, &sub.DataCollectionForbidden, &sub.CreatedAt, &sub.UpdatedAt,
	); err != nil {
		if isNoRows(err) {
			return domain.Subject{}, false, nil
		}
		return domain.Subject{}, false, perr.FromPostgresWithField(err, "subject by handle")
	}
	return sub, true, nil
}

func (s *pg) PostExists(ctx context.Context, uri domain.URI) (string, bool, error) {
	var authorID string
	row := s.q.QueryRow(ctx, `SELECT author_id FROM posts WHERE uri = $1`, uri)
	if err := row.Scan(&authorID); err != nil {
		if isNoRows(err) {
			return "", false, nil
		}
		return "", false, perr.FromPostgresWithField(err, "post exists")
	}
	return authorID, true, nil
}

func (s *pg) ListExists(ctx context.Context, uri domain.URI) (string, bool, error) {
	var ownerID string
	row := s.q.QueryRow(ctx, `SELECT owner_id FROM lists WHERE uri = $1`, uri)
	if err := row.Scan(&ownerID); err != nil {
		if isNoRows(err) {
			return "", false, nil
		}
		return "", false, perr.FromPostgresWithField(err, "list exists")
	}
	return ownerID, true, nil
}

func (s *pg) IsDataCollectionForbidden(ctx context.Context, subjectID string) (bool, error) {
	var forbidden bool
	row := s.q.QueryRow(ctx, `SELECT data_collection_forbidden FROM subjects WHERE id = $1`, subjectID)
	if err := row.Scan(&forbidden); err != nil {
		if isNoRows(err) {
			return false, nil
		}
		return false, perr.FromPostgresWithField(err, "data collection forbidden")
	}
	return forbidden, nil
}

func (s *pg) IncrLikeCount(ctx context.Context, postURI domain.URI, delta int) error {
	return s.incrCounter(ctx, "like_count", postURI, delta)
}

func (s *pg) IncrRepostCount(ctx context.Context, postURI domain.URI, delta int) error {
	return s.incrCounter(ctx, "repost_count", postURI, delta)
}

func (s *pg) IncrReplyCount(ctx context.Context, postURI domain.URI, delta int) error {
	return s.incrCounter(ctx, "reply_count", postURI, delta)
}

func (s *pg) IncrQuoteCount(ctx context.Context, postURI domain.URI, delta int) error {
	return s.incrCounter(ctx, "quote_count", postURI, delta)
}

func (s *pg) IncrBookmarkCount(ctx context.Context, postURI domain.URI, delta int) error {
	return s.incrCounter(ctx, "bookmark_count", postURI, delta)
}

// incrCounter bumps a single post_aggregations column, floored at zero (GREATEST) for deletes
func (s *pg) incrCounter(ctx context.Context, col string, postURI domain.URI, delta int) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO post_aggregations (post_uri, `+col+`)
		VALUES ($1, GREATEST($2, 0))
		ON CONFLICT (post_uri) DO UPDATE SET
			`+col+` = GREATEST(post_aggregations.`+col+` + $2, 0)
	`, postURI, delta)
	if err != nil {
		return perr.FromPostgresWithField(err, "incr "+col)
	}
	return nil
}

func (s *pg) UpsertViewerLike(ctx context.Context, postURI domain.URI, viewerID string, likeURI *domain.URI) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO viewer_states (post_uri, viewer_id, like_uri)
		VALUES ($1,$2,$3)
		ON CONFLICT (post_uri, viewer_id) DO UPDATE SET like_uri = EXCLUDED.like_uri
	`, postURI, viewerID, likeURI)
	if err != nil {
		return perr.FromPostgresWithField(err, "upsert viewer like")
	}
	return nil
}

func (s *pg) UpsertViewerRepost(ctx context.Context, postURI domain.URI, viewerID string, repostURI *domain.URI) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO viewer_states (post_uri, viewer_id, repost_uri)
		VALUES ($1,$2,$3)
		ON CONFLICT (post_uri, viewer_id) DO UPDATE SET repost_uri = EXCLUDED.repost_uri
	`, postURI, viewerID, repostURI)
	if err != nil {
		return perr.FromPostgresWithField(err, "upsert viewer repost")
	}
	return nil
}

func (s *pg) UpsertViewerBookmark(ctx context.Context, postURI domain.URI, viewerID string, bookmarked bool) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO viewer_states (post_uri, viewer_id, bookmarked)
		VALUES ($1,$2,$3)
		ON CONFLICT (post_uri, viewer_id) DO UPDATE SET bookmarked = EXCLUDED.bookmarked
	`, postURI, viewerID, bookmarked)
	if err != nil {
		return perr.FromPostgresWithField(err, "upsert viewer bookmark")
	}
	return nil
}

func (s *pg) CreateThreadContext(ctx context.Context, postURI, parentURI domain.URI, rootLikeURI *domain.URI) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO thread_contexts (post_uri, parent_uri, root_like_uri)
		VALUES ($1,$2,$3)
		ON CONFLICT (post_uri) DO NOTHING
	`, postURI, parentURI, rootLikeURI)
	if err != nil {
		return perr.FromPostgresWithField(err, "create thread context")
	}
	return nil
}

func (s *pg) CreateFeedItem(ctx context.Context, kind string, subjectID string, postURI domain.URI, createdAt int64) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO feed_items (kind, subject_id, post_uri, created_at)
		VALUES ($1,$2,$3,to_timestamp($4))
	`, kind, subjectID, postURI, createdAt)
	if err != nil {
		return perr.FromPostgresWithField(err, "create feed item")
	}
	return nil
}

// CreateNotification enforces I4 (author != recipient) defensively, though
// callers (the router) are expected to have already filtered self-notifications
func (s *pg) CreateNotification(ctx context.Context, n domain.Notification) error {
	if n.AuthorID == n.RecipientID {
		return nil
	}
	_, err := s.q.Exec(ctx, `
		INSERT INTO notifications (recipient_id, author_id, reason, subject_uri, created_at)
		VALUES ($1,$2,$3,$4,to_timestamp($5))
	`, n.RecipientID, n.AuthorID, n.Reason, n.SubjectURI, n.CreatedAt)
	if err != nil {
		return perr.FromPostgresWithField(err, "create notification")
	}
	return nil
}

func tableForCollection(c domain.Collection) string {
	switch c {
	case domain.CollectionPost:
		return "posts"
	case domain.CollectionLike:
		return "likes"
	case domain.CollectionRepost:
		return "reposts"
	case domain.CollectionBookmark:
		return "bookmarks"
	case domain.CollectionFollow:
		return "follows"
	case domain.CollectionBlock:
		return "blocks"
	case domain.CollectionList:
		return "lists"
	case domain.CollectionListItem:
		return "list_items"
	case domain.CollectionFeedGenerator:
		return "feed_generators"
	case domain.CollectionStarterPack:
		return "starter_packs"
	case domain.CollectionLabelerService:
		return "labeler_services"
	case domain.CollectionLabel:
		return "labels"
	case domain.CollectionVerification:
		return "verifications"
	default:
		return ""
	}
}

func isNoRows(err error) bool {
	return stderrs.Is(err, pgx.ErrNoRows)
}

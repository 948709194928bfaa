package commenthub

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a CommentStore backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
// - Uses per-target transactional advisory locks so correlation-id dedup and
//   parent validation cannot race with concurrent creates on the same target.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "campus").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("commenthub: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("commenthub: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed CommentStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "campus",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("commenthub: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

const commentColumns = `id, kind, content_id, client_correlation_id, parent_id, author_id, author_display, content, created_at, edited_at`

// Create persists a comment with correlation-id idempotency and two-level
// thread validation, serialized per target via an advisory lock.
func (s *PostgresStore) Create(ctx context.Context, in CreateInput) (CreateResult, error) {
	if s == nil || s.pool == nil {
		return CreateResult{}, errors.New("commenthub: nil store")
	}
	if in.Target.Kind == "" || in.Target.ContentID == "" || in.AuthorID == "" || in.Content == "" {
		return CreateResult{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return CreateResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return CreateResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	comments := pgIdent(s.schema, "comments")

	// Serialize writes per target so dedup and parent checks cannot race.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.Target.Key()); err != nil {
		return CreateResult{}, fmt.Errorf("advisory lock: %w", err)
	}

	if in.ClientCorrelationID != "" {
		existing, err := readCommentByCorrelation(ctx, tx, comments, in.Target, in.ClientCorrelationID)
		if err == nil {
			if err := tx.Commit(ctx); err != nil {
				return CreateResult{}, err
			}
			return CreateResult{Stored: existing, Duplicated: true}, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return CreateResult{}, err
		}
	}

	if in.ParentID != "" {
		var parentParent *string
		err := tx.QueryRow(ctx,
			`SELECT parent_id FROM `+comments+` WHERE id = $1 AND kind = $2 AND content_id = $3`,
			in.ParentID, in.Target.Kind, in.Target.ContentID,
		).Scan(&parentParent)
		if errors.Is(err, pgx.ErrNoRows) {
			return CreateResult{}, ErrParentNotFound
		}
		if err != nil {
			return CreateResult{}, err
		}
		if parentParent != nil && *parentParent != "" {
			return CreateResult{}, ErrReplyDepth
		}
	}

	id, err := NewCommentID(now)
	if err != nil {
		return CreateResult{}, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+comments+` (
		     id, kind, content_id, client_correlation_id, parent_id, author_id, author_display, content, created_at
		   ) VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8, $9)`,
		id, in.Target.Kind, in.Target.ContentID, in.ClientCorrelationID, in.ParentID,
		in.AuthorID, in.AuthorDisplay, in.Content, now,
	); err != nil {
		return CreateResult{}, fmt.Errorf("insert comment: %w", err)
	}

	out := StoredComment{
		ID:                  id,
		Kind:                in.Target.Kind,
		ContentID:           in.Target.ContentID,
		ClientCorrelationID: in.ClientCorrelationID,
		ParentID:            in.ParentID,
		AuthorID:            in.AuthorID,
		AuthorDisplay:       in.AuthorDisplay,
		Content:             in.Content,
		CreatedAt:           now,
	}

	if err := tx.Commit(ctx); err != nil {
		return CreateResult{}, err
	}
	return CreateResult{Stored: out}, nil
}

// Update overwrites a comment's content and stamps edited_at.
func (s *PostgresStore) Update(ctx context.Context, in UpdateInput) (StoredComment, error) {
	if s == nil || s.pool == nil {
		return StoredComment{}, errors.New("commenthub: nil store")
	}
	if in.CommentID == "" || in.Content == "" {
		return StoredComment{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return StoredComment{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	comments := pgIdent(s.schema, "comments")

	var c StoredComment
	err := s.pool.QueryRow(ctx,
		`UPDATE `+comments+`
		    SET content = $2,
		        edited_at = $3
		  WHERE id = $1
		RETURNING `+commentColumns,
		in.CommentID, in.Content, now,
	).Scan(scanTargets(&c)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return StoredComment{}, ErrNotFound
	}
	if err != nil {
		return StoredComment{}, err
	}
	return c, nil
}

// Delete removes a comment; a top-level delete cascades to its replies.
func (s *PostgresStore) Delete(ctx context.Context, commentID string) (DeleteResult, error) {
	if s == nil || s.pool == nil {
		return DeleteResult{}, errors.New("commenthub: nil store")
	}
	if commentID == "" {
		return DeleteResult{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return DeleteResult{}, err
	}

	comments := pgIdent(s.schema, "comments")

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return DeleteResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var kind, contentID string
	err = tx.QueryRow(ctx,
		`SELECT kind, content_id FROM `+comments+` WHERE id = $1`,
		commentID,
	).Scan(&kind, &contentID)
	if errors.Is(err, pgx.ErrNoRows) {
		return DeleteResult{}, ErrNotFound
	}
	if err != nil {
		return DeleteResult{}, err
	}

	rows, err := tx.Query(ctx,
		`DELETE FROM `+comments+`
		  WHERE id = $1 OR parent_id = $1
		RETURNING id`,
		commentID,
	)
	if err != nil {
		return DeleteResult{}, err
	}

	removed := make([]string, 0, 4)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return DeleteResult{}, err
		}
		removed = append(removed, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return DeleteResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return DeleteResult{}, err
	}
	return DeleteResult{
		Target:     Target{Kind: kind, ContentID: contentID},
		RemovedIDs: removed,
	}, nil
}

// ListByTarget returns the snapshot ordered top-level first, then replies,
// each group by created_at ascending.
func (s *PostgresStore) ListByTarget(ctx context.Context, target Target) ([]StoredComment, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("commenthub: nil store")
	}
	if target.Kind == "" || target.ContentID == "" {
		return nil, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	comments := pgIdent(s.schema, "comments")

	rows, err := s.pool.Query(ctx,
		`SELECT `+commentColumns+`
		   FROM `+comments+`
		  WHERE kind = $1 AND content_id = $2
		  ORDER BY (parent_id IS NOT NULL), created_at ASC, id ASC`,
		target.Kind, target.ContentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredComment
	for rows.Next() {
		var c StoredComment
		if err := rows.Scan(scanTargets(&c)...); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func readCommentByCorrelation(ctx context.Context, tx pgx.Tx, commentsTable string, target Target, corr string) (StoredComment, error) {
	var c StoredComment
	err := tx.QueryRow(ctx,
		`SELECT `+commentColumns+`
		   FROM `+commentsTable+`
		  WHERE kind = $1 AND content_id = $2 AND client_correlation_id = $3`,
		target.Kind, target.ContentID, corr,
	).Scan(scanTargets(&c)...)
	return c, err
}

// scanTargets maps commentColumns to StoredComment fields, folding SQL NULLs
// into empty values.
func scanTargets(c *StoredComment) []any {
	return []any{
		&c.ID, &c.Kind, &c.ContentID,
		nullString{&c.ClientCorrelationID}, nullString{&c.ParentID},
		&c.AuthorID, &c.AuthorDisplay, &c.Content,
		&c.CreatedAt, nullTime{&c.EditedAt},
	}
}

type nullString struct{ p *string }

func (n nullString) Scan(v any) error {
	if v == nil {
		*n.p = ""
		return nil
	}
	s, ok := v.(string)
	if !ok {
		return fmt.Errorf("commenthub: scan: expected string, got %T", v)
	}
	*n.p = s
	return nil
}

type nullTime struct{ p *time.Time }

func (n nullTime) Scan(v any) error {
	if v == nil {
		*n.p = time.Time{}
		return nil
	}
	t, ok := v.(time.Time)
	if !ok {
		return fmt.Errorf("commenthub: scan: expected time, got %T", v)
	}
	*n.p = t
	return nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}

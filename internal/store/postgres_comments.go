package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"docflow/api/internal/apperr"
)

const commentColumns = `id, document_id, version_id, page, x, y, author, content, mentions, created_at,
	resolved, COALESCE(resolved_by, ''), resolved_at`

func scanComment(row rowScanner) (Comment, error) {
	var (
		item       Comment
		mentions   []byte
		resolvedAt sql.NullTime
	)
	if err := row.Scan(
		&item.ID,
		&item.DocumentID,
		&item.VersionID,
		&item.Position.Page,
		&item.Position.X,
		&item.Position.Y,
		&item.Author,
		&item.Content,
		&mentions,
		&item.CreatedAt,
		&item.Resolved,
		&item.ResolvedBy,
		&resolvedAt,
	); err != nil {
		return Comment{}, err
	}
	item.ResolvedAt = nullTimePtr(resolvedAt)
	item.Mentions = decodeStrings(mentions)
	item.Replies = []Reply{}
	item.Transitions = []CommentTransition{}
	return item, nil
}

func decodeStrings(raw []byte) []string {
	values := []string{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &values)
	}
	return values
}

// InsertComment requires the version to belong to the comment's document.
func (s *PostgresStore) InsertComment(ctx context.Context, comment Comment) error {
	mentions, err := marshalStrings(comment.Mentions)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO comments (id, document_id, version_id, page, x, y, author, content, mentions, created_at)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10
		WHERE EXISTS (SELECT 1 FROM document_versions WHERE id=$3 AND document_id=$2)
	`,
		comment.ID,
		comment.DocumentID,
		comment.VersionID,
		comment.Position.Page,
		comment.Position.X,
		comment.Position.Y,
		comment.Author,
		comment.Content,
		mentions,
		comment.CreatedAt,
	)
	if err != nil {
		return translate(err, "insert comment", "version not found in document")
	}
	return requireAffected(result, "version not found in document")
}

func (s *PostgresStore) GetComment(ctx context.Context, commentID string) (Comment, error) {
	comment, err := scanComment(s.db.QueryRowContext(ctx, `SELECT `+commentColumns+` FROM comments WHERE id=$1`, commentID))
	if err != nil {
		return Comment{}, translate(err, "get comment", "comment not found")
	}
	byID := map[string]*Comment{comment.ID: &comment}
	if err := s.attachThreads(ctx, `c.id=$1`, commentID, byID); err != nil {
		return Comment{}, err
	}
	return comment, nil
}

// InsertReply only succeeds while the parent comment is unresolved.
func (s *PostgresStore) InsertReply(ctx context.Context, reply Reply) error {
	mentions, err := marshalStrings(reply.Mentions)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO comment_replies (id, comment_id, author, content, mentions, created_at)
		SELECT $1, $2, $3, $4, $5::jsonb, $6
		WHERE EXISTS (SELECT 1 FROM comments WHERE id=$2 AND resolved=FALSE)
	`, reply.ID, reply.CommentID, reply.Author, reply.Content, mentions, reply.CreatedAt)
	if err != nil {
		return translate(err, "insert reply", "open comment not found")
	}
	return requireAffected(result, "open comment not found")
}

func (s *PostgresStore) TransitionComment(ctx context.Context, transition CommentTransition) (Comment, error) {
	var (
		query string
		args  []any
	)
	switch transition.Action {
	case TransitionResolve:
		query = `UPDATE comments SET resolved=TRUE, resolved_by=$2, resolved_at=$3 WHERE id=$1 AND resolved=FALSE`
		args = []any{transition.CommentID, transition.ActorID, transition.At}
	case TransitionReopen:
		query = `UPDATE comments SET resolved=FALSE, resolved_by=NULL, resolved_at=NULL WHERE id=$1 AND resolved=TRUE`
		args = []any{transition.CommentID}
	default:
		return Comment{}, apperr.Newf(apperr.ErrValidation, "unknown transition %q", transition.Action)
	}

	err := s.withTx(ctx, "transition comment", func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return translate(err, "update comment state", "comment not found")
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("comment state rows: %w", err)
		}
		if affected == 0 {
			var exists bool
			if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM comments WHERE id=$1)`, transition.CommentID).Scan(&exists); err != nil {
				return fmt.Errorf("check comment: %w", err)
			}
			if !exists {
				return apperr.New(apperr.ErrNotFound, "comment not found")
			}
			if transition.Action == TransitionResolve {
				return apperr.New(apperr.ErrConflict, "comment is already resolved")
			}
			return apperr.New(apperr.ErrConflict, "comment is not resolved")
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO comment_transitions (comment_id, action, actor_id, at)
			VALUES ($1, $2, $3, $4)
		`, transition.CommentID, transition.Action, transition.ActorID, transition.At)
		if err != nil {
			return fmt.Errorf("insert comment transition: %w", err)
		}
		return nil
	})
	if err != nil {
		return Comment{}, err
	}
	return s.GetComment(ctx, transition.CommentID)
}

func (s *PostgresStore) ListComments(ctx context.Context, documentID string, openOnly bool) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commentColumns+`
		FROM comments
		WHERE document_id=$1 AND (NOT $2::boolean OR resolved=FALSE)
		ORDER BY created_at ASC, id ASC
	`, documentID, openOnly)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		item, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}

	byID := make(map[string]*Comment, len(items))
	for i := range items {
		byID[items[i].ID] = &items[i]
	}
	if err := s.attachThreads(ctx, `c.document_id=$1`, documentID, byID); err != nil {
		return nil, err
	}
	return items, nil
}

// attachThreads loads replies and transitions for every comment matched by
// filter and appends them to the comments in byID.
func (s *PostgresStore) attachThreads(ctx context.Context, filter, arg string, byID map[string]*Comment) error {
	replyRows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.comment_id, r.author, r.content, r.mentions, r.created_at
		FROM comment_replies r
		JOIN comments c ON c.id = r.comment_id
		WHERE `+filter+`
		ORDER BY r.created_at ASC, r.id ASC
	`, arg)
	if err != nil {
		return fmt.Errorf("list replies: %w", err)
	}
	defer replyRows.Close()
	for replyRows.Next() {
		var (
			reply    Reply
			mentions []byte
		)
		if err := replyRows.Scan(&reply.ID, &reply.CommentID, &reply.Author, &reply.Content, &mentions, &reply.CreatedAt); err != nil {
			return fmt.Errorf("scan reply: %w", err)
		}
		reply.Mentions = decodeStrings(mentions)
		if comment, ok := byID[reply.CommentID]; ok {
			comment.Replies = append(comment.Replies, reply)
		}
	}
	if err := replyRows.Err(); err != nil {
		return fmt.Errorf("iterate replies: %w", err)
	}

	transitionRows, err := s.db.QueryContext(ctx, `
		SELECT t.comment_id, t.action, t.actor_id, t.at
		FROM comment_transitions t
		JOIN comments c ON c.id = t.comment_id
		WHERE `+filter+`
		ORDER BY t.id ASC
	`, arg)
	if err != nil {
		return fmt.Errorf("list transitions: %w", err)
	}
	defer transitionRows.Close()
	for transitionRows.Next() {
		var transition CommentTransition
		if err := transitionRows.Scan(&transition.CommentID, &transition.Action, &transition.ActorID, &transition.At); err != nil {
			return fmt.Errorf("scan transition: %w", err)
		}
		if comment, ok := byID[transition.CommentID]; ok {
			comment.Transitions = append(comment.Transitions, transition)
		}
	}
	return transitionRows.Err()
}

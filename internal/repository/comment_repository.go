package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/opendesk-io/opendesk-ce/internal/database"
	"github.com/opendesk-io/opendesk-ce/internal/models"
)

// CommentRepository handles database operations for comments and their attachments.
type CommentRepository struct {
	db DBTX
}

// NewCommentRepository creates a new comment repository.
func NewCommentRepository(db DBTX) *CommentRepository {
	return &CommentRepository{db: db}
}

// WithTx returns a repository bound to the given transaction.
func (r *CommentRepository) WithTx(tx *sql.Tx) *CommentRepository {
	return &CommentRepository{db: tx}
}

// Create inserts the comment and fills in its id.
func (r *CommentRepository) Create(ctx context.Context, comment *models.Comment) error {
	comment.CreatedAt = time.Now().UTC()
	query := `
		INSERT INTO comment (ticket_id, author_id, is_system_author, content, is_private, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id`
	converted, useLastInsert := database.ConvertReturning(database.ConvertPlaceholders(query))
	args := []any{
		comment.TicketID, comment.AuthorID, comment.IsSystemAuthor,
		comment.Content, comment.IsPrivate, comment.CreatedAt,
	}
	if useLastInsert {
		res, err := r.db.ExecContext(ctx, converted, args...)
		if err != nil {
			return fmt.Errorf("create comment: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("create comment: %w", err)
		}
		comment.ID = id
		return nil
	}
	if err := r.db.QueryRowContext(ctx, converted, args...).Scan(&comment.ID); err != nil {
		return fmt.Errorf("create comment: %w", err)
	}
	return nil
}

// GetByID returns the comment or (nil, nil) when it does not exist.
func (r *CommentRepository) GetByID(ctx context.Context, id int64) (*models.Comment, error) {
	row := r.db.QueryRowContext(ctx, database.ConvertPlaceholders(`
		SELECT id, ticket_id, author_id, is_system_author, content, is_private, created_at
		FROM comment WHERE id = $1`), id)
	var c models.Comment
	err := row.Scan(&c.ID, &c.TicketID, &c.AuthorID, &c.IsSystemAuthor, &c.Content, &c.IsPrivate, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateAttachment inserts an attachment row owned by a comment.
func (r *CommentRepository) CreateAttachment(ctx context.Context, att *models.Attachment) error {
	att.CreatedAt = time.Now().UTC()
	query := `
		INSERT INTO attachment (comment_id, file_name, content_type, file_size, content, external_url, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING id`
	converted, useLastInsert := database.ConvertReturning(database.ConvertPlaceholders(query))
	args := []any{
		att.CommentID, att.FileName, att.ContentType, att.FileSize,
		att.Content, att.ExternalURL, att.CreatedAt,
	}
	if useLastInsert {
		res, err := r.db.ExecContext(ctx, converted, args...)
		if err != nil {
			return fmt.Errorf("create attachment: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("create attachment: %w", err)
		}
		att.ID = id
		return nil
	}
	if err := r.db.QueryRowContext(ctx, converted, args...).Scan(&att.ID); err != nil {
		return fmt.Errorf("create attachment: %w", err)
	}
	return nil
}

// ListAttachments returns the attachments owned by a comment.
func (r *CommentRepository) ListAttachments(ctx context.Context, commentID int64) ([]*models.Attachment, error) {
	rows, err := r.db.QueryContext(ctx, database.ConvertPlaceholders(`
		SELECT id, comment_id, file_name, content_type, file_size, content, external_url, created_at
		FROM attachment WHERE comment_id = $1 ORDER BY id`), commentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []*models.Attachment
	for rows.Next() {
		var a models.Attachment
		if err := rows.Scan(&a.ID, &a.CommentID, &a.FileName, &a.ContentType,
			&a.FileSize, &a.Content, &a.ExternalURL, &a.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, &a)
	}
	return result, rows.Err()
}

// ExternalizeAttachment records the migration of inline bytes to object
// storage: the external URL is set and the inline content cleared in one
// statement so the two are never both populated.
func (r *CommentRepository) ExternalizeAttachment(ctx context.Context, id int64, url string) error {
	_, err := r.db.ExecContext(ctx, database.ConvertPlaceholders(`
		UPDATE attachment SET external_url = $1, content = NULL WHERE id = $2`),
		url, id)
	return err
}

package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opendesk-io/opendesk-ce/internal/database"
	"github.com/opendesk-io/opendesk-ce/internal/models"
)

const mappingColumns = `id, email_id, conversation_id, ticket_id, subject, sender, received_at, is_processed, created_at`

// MappingRepository handles database operations for email-ticket mappings.
type MappingRepository struct {
	db DBTX
}

// NewMappingRepository creates a new mapping repository.
func NewMappingRepository(db DBTX) *MappingRepository {
	return &MappingRepository{db: db}
}

// WithTx returns a repository bound to the given transaction.
func (r *MappingRepository) WithTx(tx *sql.Tx) *MappingRepository {
	return &MappingRepository{db: tx}
}

// Create inserts the mapping and fills in its id. The unique index on
// (ticket_id, email_id) surfaces duplicate races as a constraint violation the
// repair protocol reconciles.
func (r *MappingRepository) Create(ctx context.Context, m *models.EmailTicketMapping) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO email_ticket_mapping (
			email_id, conversation_id, ticket_id, subject, sender,
			received_at, is_processed, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id`
	converted, useLastInsert := database.ConvertReturning(database.ConvertPlaceholders(query))
	args := []any{
		m.EmailID, m.ConversationID, m.TicketID, m.Subject, m.Sender,
		m.ReceivedAt, m.IsProcessed, m.CreatedAt,
	}
	if useLastInsert {
		res, err := r.db.ExecContext(ctx, converted, args...)
		if err != nil {
			return fmt.Errorf("create mapping: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("create mapping: %w", err)
		}
		m.ID = id
		return nil
	}
	if err := r.db.QueryRowContext(ctx, converted, args...).Scan(&m.ID); err != nil {
		return fmt.Errorf("create mapping: %w", err)
	}
	return nil
}

// GetByEmailID returns the mapping recorded for a provider message id, or (nil, nil).
func (r *MappingRepository) GetByEmailID(ctx context.Context, emailID string) (*models.EmailTicketMapping, error) {
	row := r.db.QueryRowContext(ctx, database.ConvertPlaceholders(`
		SELECT `+mappingColumns+`
		FROM email_ticket_mapping
		WHERE email_id = $1
		ORDER BY created_at DESC
		LIMIT 1`), emailID)
	return scanMapping(row)
}

// LatestByConversationID returns the most recently created mapping for a
// provider conversation, or (nil, nil).
func (r *MappingRepository) LatestByConversationID(ctx context.Context, conversationID string) (*models.EmailTicketMapping, error) {
	row := r.db.QueryRowContext(ctx, database.ConvertPlaceholders(`
		SELECT `+mappingColumns+`
		FROM email_ticket_mapping
		WHERE conversation_id = $1
		ORDER BY created_at DESC
		LIMIT 1`), conversationID)
	return scanMapping(row)
}

// LatestByTicketID returns the most recent mapping bound to a ticket, or (nil, nil).
func (r *MappingRepository) LatestByTicketID(ctx context.Context, ticketID int64) (*models.EmailTicketMapping, error) {
	row := r.db.QueryRowContext(ctx, database.ConvertPlaceholders(`
		SELECT `+mappingColumns+`
		FROM email_ticket_mapping
		WHERE ticket_id = $1
		ORDER BY created_at DESC
		LIMIT 1`), ticketID)
	return scanMapping(row)
}

// ExistsForTicket reports whether a mapping with the given email id already
// exists for the ticket.
func (r *MappingRepository) ExistsForTicket(ctx context.Context, ticketID int64, emailID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, database.ConvertPlaceholders(`
		SELECT EXISTS(SELECT 1 FROM email_ticket_mapping WHERE ticket_id = $1 AND email_id = $2)`),
		ticketID, emailID).Scan(&exists)
	return exists, err
}

// DeleteByEmailID removes all mapping rows carrying the given id for a ticket
// and reports how many were removed.
func (r *MappingRepository) DeleteByEmailID(ctx context.Context, ticketID int64, emailID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, database.ConvertPlaceholders(`
		DELETE FROM email_ticket_mapping WHERE ticket_id = $1 AND email_id = $2`),
		ticketID, emailID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Delete removes a mapping row by primary key.
func (r *MappingRepository) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, database.ConvertPlaceholders(`
		DELETE FROM email_ticket_mapping WHERE id = $1`), id)
	return err
}

// MarkProcessed flags the mapping as fully processed.
func (r *MappingRepository) MarkProcessed(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, database.ConvertPlaceholders(`
		UPDATE email_ticket_mapping SET is_processed = TRUE WHERE id = $1`), id)
	return err
}

// DeleteOrphaned removes mappings whose ticket no longer exists or was
// soft-deleted, returning the number purged.
func (r *MappingRepository) DeleteOrphaned(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, database.ConvertPlaceholders(`
		DELETE FROM email_ticket_mapping
		WHERE ticket_id NOT IN (SELECT id FROM ticket WHERE NOT is_deleted)`))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListRecentWithTitles returns mappings created inside the window joined with
// their ticket titles, for the subject-consistency sweep.
func (r *MappingRepository) ListRecentWithTitles(ctx context.Context, since time.Time) ([]MappingWithTitle, error) {
	rows, err := r.db.QueryContext(ctx, database.ConvertPlaceholders(`
		SELECT m.id, m.email_id, m.conversation_id, m.ticket_id, m.subject, m.sender,
		       m.received_at, m.is_processed, m.created_at, t.title
		FROM email_ticket_mapping m
		JOIN ticket t ON t.id = m.ticket_id
		WHERE m.created_at >= $1`), since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []MappingWithTitle
	for rows.Next() {
		var mt MappingWithTitle
		if err := rows.Scan(
			&mt.Mapping.ID, &mt.Mapping.EmailID, &mt.Mapping.ConversationID,
			&mt.Mapping.TicketID, &mt.Mapping.Subject, &mt.Mapping.Sender,
			&mt.Mapping.ReceivedAt, &mt.Mapping.IsProcessed, &mt.Mapping.CreatedAt,
			&mt.TicketTitle,
		); err != nil {
			return nil, err
		}
		result = append(result, mt)
	}
	return result, rows.Err()
}

// MappingWithTitle pairs a mapping with its ticket's current title.
type MappingWithTitle struct {
	Mapping     models.EmailTicketMapping
	TicketTitle string
}

// IsUniqueViolation reports whether the error is a uniqueness constraint
// violation for any supported driver.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || // postgres
		strings.Contains(msg, "duplicate entry") || // mysql
		strings.Contains(msg, "unique constraint") // sqlite
}

func scanMapping(row *sql.Row) (*models.EmailTicketMapping, error) {
	var m models.EmailTicketMapping
	err := row.Scan(
		&m.ID, &m.EmailID, &m.ConversationID, &m.TicketID,
		&m.Subject, &m.Sender, &m.ReceivedAt, &m.IsProcessed, &m.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

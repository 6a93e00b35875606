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

// TicketRepository handles database operations for tickets.
type TicketRepository struct {
	db DBTX
}

// NewTicketRepository creates a new ticket repository.
func NewTicketRepository(db DBTX) *TicketRepository {
	return &TicketRepository{db: db}
}

// WithTx returns a repository bound to the given transaction.
func (r *TicketRepository) WithTx(tx *sql.Tx) *TicketRepository {
	return &TicketRepository{db: tx}
}

// Create inserts the ticket and fills in its id and timestamps.
func (r *TicketRepository) Create(ctx context.Context, ticket *models.Ticket) error {
	now := time.Now().UTC()
	ticket.CreatedAt = now
	ticket.LastUpdateAt = now
	if ticket.Status == "" {
		ticket.Status = models.StatusUnread
	}
	if ticket.Priority == "" {
		ticket.Priority = models.PriorityNormal
	}
	query := `
		INSERT INTO ticket (
			workspace_id, title, status, priority, mailbox_connection_id,
			primary_contact_id, assigned_user_id, sender_name, sender_email,
			to_recipients, cc_recipients, bcc_recipients, is_deleted,
			created_at, last_update_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		RETURNING id`
	converted, useLastInsert := database.ConvertReturning(database.ConvertPlaceholders(query))
	args := []any{
		ticket.WorkspaceID, ticket.Title, ticket.Status, ticket.Priority,
		ticket.MailboxConnectionID, ticket.PrimaryContactID, ticket.AssignedUserID,
		ticket.SenderName, ticket.SenderEmail,
		ticket.ToRecipients, ticket.CcRecipients, ticket.BccRecipients,
		ticket.IsDeleted, ticket.CreatedAt, ticket.LastUpdateAt,
	}
	if useLastInsert {
		res, err := r.db.ExecContext(ctx, converted, args...)
		if err != nil {
			return fmt.Errorf("create ticket: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("create ticket: %w", err)
		}
		ticket.ID = id
		return nil
	}
	if err := r.db.QueryRowContext(ctx, converted, args...).Scan(&ticket.ID); err != nil {
		return fmt.Errorf("create ticket: %w", err)
	}
	return nil
}

// GetByID returns the ticket or (nil, nil) when it does not exist.
func (r *TicketRepository) GetByID(ctx context.Context, id int64) (*models.Ticket, error) {
	row := r.db.QueryRowContext(ctx, database.ConvertPlaceholders(`
		SELECT id, workspace_id, title, status, priority, mailbox_connection_id,
		       primary_contact_id, assigned_user_id, sender_name, sender_email,
		       to_recipients, cc_recipients, bcc_recipients, is_deleted,
		       created_at, last_update_at
		FROM ticket
		WHERE id = $1`), id)
	return scanTicket(row)
}

// GetLive returns the ticket only when it exists and is not soft-deleted.
func (r *TicketRepository) GetLive(ctx context.Context, id int64) (*models.Ticket, error) {
	ticket, err := r.GetByID(ctx, id)
	if err != nil || ticket == nil {
		return nil, err
	}
	if ticket.IsDeleted {
		return nil, nil
	}
	return ticket, nil
}

// UpdateStatus sets the status and refreshes the last-update timestamp.
func (r *TicketRepository) UpdateStatus(ctx context.Context, id int64, status models.TicketStatus) error {
	_, err := r.db.ExecContext(ctx, database.ConvertPlaceholders(`
		UPDATE ticket SET status = $1, last_update_at = $2 WHERE id = $3`),
		status, time.Now().UTC(), id)
	return err
}

// Touch refreshes the last-update timestamp.
func (r *TicketRepository) Touch(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, database.ConvertPlaceholders(`
		UPDATE ticket SET last_update_at = $1 WHERE id = $2`),
		time.Now().UTC(), id)
	return err
}

// UpdatePrimaryContact rebinds the ticket to a new primary contact.
func (r *TicketRepository) UpdatePrimaryContact(ctx context.Context, id, contactID int64) error {
	_, err := r.db.ExecContext(ctx, database.ConvertPlaceholders(`
		UPDATE ticket SET primary_contact_id = $1, last_update_at = $2 WHERE id = $3`),
		contactID, time.Now().UTC(), id)
	return err
}

// UpdateRecipients replaces the reply distribution list.
func (r *TicketRepository) UpdateRecipients(ctx context.Context, id int64, to, cc, bcc string) error {
	_, err := r.db.ExecContext(ctx, database.ConvertPlaceholders(`
		UPDATE ticket SET to_recipients = $1, cc_recipients = $2, bcc_recipients = $3,
		       last_update_at = $4
		WHERE id = $5`),
		to, cc, bcc, time.Now().UTC(), id)
	return err
}

// CreateActivity appends an audit trail entry for the ticket.
func (r *TicketRepository) CreateActivity(ctx context.Context, entry *models.ActivityEntry) error {
	entry.CreatedAt = time.Now().UTC()
	_, err := r.db.ExecContext(ctx, database.ConvertPlaceholders(`
		INSERT INTO ticket_activity (ticket_id, user_id, kind, detail, created_at)
		VALUES ($1,$2,$3,$4,$5)`),
		entry.TicketID, entry.UserID, entry.Kind, entry.Detail, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("create activity: %w", err)
	}
	return nil
}

func scanTicket(row *sql.Row) (*models.Ticket, error) {
	var t models.Ticket
	err := row.Scan(
		&t.ID, &t.WorkspaceID, &t.Title, &t.Status, &t.Priority,
		&t.MailboxConnectionID, &t.PrimaryContactID, &t.AssignedUserID,
		&t.SenderName, &t.SenderEmail,
		&t.ToRecipients, &t.CcRecipients, &t.BccRecipients, &t.IsDeleted,
		&t.CreatedAt, &t.LastUpdateAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/opendesk-io/opendesk-ce/internal/database"
	"github.com/opendesk-io/opendesk-ce/internal/models"
)

const mailboxColumns = `id, workspace_id, address, folder, processed_folder,
	poll_interval_seconds, active, default_priority, auto_assign_user_id,
	last_sync_at, access_token, refresh_token_encrypted, token_expires_at,
	token_state, created_at`

// MailboxRepository handles database operations for mailbox connections.
type MailboxRepository struct {
	db DBTX
}

// NewMailboxRepository creates a new mailbox repository.
func NewMailboxRepository(db DBTX) *MailboxRepository {
	return &MailboxRepository{db: db}
}

// ListActive returns all active mailbox connections.
func (r *MailboxRepository) ListActive(ctx context.Context) ([]*models.MailboxConnection, error) {
	rows, err := r.db.QueryContext(ctx, database.ConvertPlaceholders(`
		SELECT `+mailboxColumns+`
		FROM mailbox_connection
		WHERE active
		ORDER BY id`))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []*models.MailboxConnection
	for rows.Next() {
		mc, err := scanMailbox(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, mc)
	}
	return result, rows.Err()
}

// GetByID returns the mailbox connection or (nil, nil).
func (r *MailboxRepository) GetByID(ctx context.Context, id int64) (*models.MailboxConnection, error) {
	rows, err := r.db.QueryContext(ctx, database.ConvertPlaceholders(`
		SELECT `+mailboxColumns+`
		FROM mailbox_connection
		WHERE id = $1`), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, nil //nolint:nilnil
	}
	return scanMailbox(rows)
}

// WorkspaceAddresses returns the lowercase mailbox addresses of a workspace.
// The sync loop uses it to keep mailboxes out of recipient lists and to detect
// outbound-relay artifacts.
func (r *MailboxRepository) WorkspaceAddresses(ctx context.Context, workspaceID int64) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, database.ConvertPlaceholders(`
		SELECT LOWER(address) FROM mailbox_connection WHERE workspace_id = $1`), workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var addrs []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, err
		}
		addrs = append(addrs, strings.TrimSpace(addr))
	}
	return addrs, rows.Err()
}

// UpdateToken persists a refreshed credential.
func (r *MailboxRepository) UpdateToken(ctx context.Context, id int64, accessToken string, refreshSealed []byte, expiresAt time.Time, state models.TokenState) error {
	_, err := r.db.ExecContext(ctx, database.ConvertPlaceholders(`
		UPDATE mailbox_connection
		SET access_token = $1, refresh_token_encrypted = $2, token_expires_at = $3, token_state = $4
		WHERE id = $5`),
		accessToken, refreshSealed, expiresAt, state, id)
	return err
}

// MarkTokenUnusable clears the refresh credential and parks the connection
// until a human re-authenticates it.
func (r *MailboxRepository) MarkTokenUnusable(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, database.ConvertPlaceholders(`
		UPDATE mailbox_connection
		SET access_token = '', refresh_token_encrypted = NULL, token_expires_at = NULL, token_state = $1
		WHERE id = $2`),
		models.TokenUnusable, id)
	return err
}

// UpdateLastSync records the completion time of a sync pass.
func (r *MailboxRepository) UpdateLastSync(ctx context.Context, id int64, at time.Time) error {
	_, err := r.db.ExecContext(ctx, database.ConvertPlaceholders(`
		UPDATE mailbox_connection SET last_sync_at = $1 WHERE id = $2`), at, id)
	return err
}

func scanMailbox(rows *sql.Rows) (*models.MailboxConnection, error) {
	var mc models.MailboxConnection
	err := rows.Scan(
		&mc.ID, &mc.WorkspaceID, &mc.Address, &mc.Folder, &mc.ProcessedFolder,
		&mc.PollIntervalSeconds, &mc.Active, &mc.DefaultPriority, &mc.AutoAssignUserID,
		&mc.LastSyncAt, &mc.AccessToken, &mc.RefreshTokenEncrypted, &mc.TokenExpiresAt,
		&mc.TokenState, &mc.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil
	}
	if err != nil {
		return nil, err
	}
	mc.Address = strings.ToLower(strings.TrimSpace(mc.Address))
	return &mc, nil
}

package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// schemaTables defines the tables the mail sync subsystem owns. The %s verb
// is the dialect's auto-increment primary key clause.
var schemaTables = []string{
	`CREATE TABLE IF NOT EXISTS app_user (
		id %s,
		workspace_id BIGINT NOT NULL,
		name VARCHAR(255) NOT NULL DEFAULT '',
		email VARCHAR(320) NOT NULL,
		is_agent BOOLEAN NOT NULL DEFAULT FALSE,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS ticket (
		id %s,
		workspace_id BIGINT NOT NULL,
		title VARCHAR(500) NOT NULL DEFAULT '',
		status VARCHAR(32) NOT NULL DEFAULT 'unread',
		priority VARCHAR(32) NOT NULL DEFAULT 'normal',
		mailbox_connection_id BIGINT,
		primary_contact_id BIGINT,
		assigned_user_id BIGINT,
		sender_name VARCHAR(255) NOT NULL DEFAULT '',
		sender_email VARCHAR(320) NOT NULL DEFAULT '',
		to_recipients TEXT NOT NULL DEFAULT '',
		cc_recipients TEXT NOT NULL DEFAULT '',
		bcc_recipients TEXT NOT NULL DEFAULT '',
		is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_update_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS ticket_activity (
		id %s,
		ticket_id BIGINT NOT NULL,
		user_id BIGINT NOT NULL,
		kind VARCHAR(64) NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS comment (
		id %s,
		ticket_id BIGINT NOT NULL,
		author_id BIGINT NOT NULL,
		is_system_author BOOLEAN NOT NULL DEFAULT FALSE,
		content TEXT NOT NULL DEFAULT '',
		is_private BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS attachment (
		id %s,
		comment_id BIGINT NOT NULL,
		file_name VARCHAR(255) NOT NULL DEFAULT '',
		content_type VARCHAR(255) NOT NULL DEFAULT '',
		file_size BIGINT NOT NULL DEFAULT 0,
		content BYTEA,
		external_url TEXT,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS mailbox_connection (
		id %s,
		workspace_id BIGINT NOT NULL,
		address VARCHAR(320) NOT NULL,
		folder VARCHAR(255) NOT NULL DEFAULT 'inbox',
		processed_folder VARCHAR(255) NOT NULL DEFAULT '',
		poll_interval_seconds INTEGER NOT NULL DEFAULT 120,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		default_priority VARCHAR(32) NOT NULL DEFAULT 'normal',
		auto_assign_user_id BIGINT,
		last_sync_at TIMESTAMP,
		access_token TEXT NOT NULL DEFAULT '',
		refresh_token_encrypted BYTEA,
		token_expires_at TIMESTAMP,
		token_state VARCHAR(32) NOT NULL DEFAULT 'valid',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS email_ticket_mapping (
		id %s,
		email_id VARCHAR(512) NOT NULL,
		conversation_id VARCHAR(512) NOT NULL DEFAULT '',
		ticket_id BIGINT NOT NULL,
		subject VARCHAR(500) NOT NULL DEFAULT '',
		sender VARCHAR(320) NOT NULL DEFAULT '',
		received_at TIMESTAMP NOT NULL,
		is_processed BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS content_blob (
		id VARCHAR(36) PRIMARY KEY,
		object_key VARCHAR(512) NOT NULL DEFAULT '',
		content_type VARCHAR(255) NOT NULL DEFAULT '',
		data BYTEA NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
}

var schemaIndexes = []string{
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_mapping_ticket_email ON email_ticket_mapping (ticket_id, email_id)`,
	`CREATE INDEX IF NOT EXISTS idx_mapping_conversation ON email_ticket_mapping (conversation_id)`,
	`CREATE INDEX IF NOT EXISTS idx_mapping_email ON email_ticket_mapping (email_id)`,
	`CREATE INDEX IF NOT EXISTS idx_user_workspace_email ON app_user (workspace_id, email)`,
	`CREATE INDEX IF NOT EXISTS idx_comment_ticket ON comment (ticket_id)`,
	`CREATE INDEX IF NOT EXISTS idx_activity_ticket ON ticket_activity (ticket_id)`,
}

// renderTable adapts one generic CREATE TABLE statement to a dialect: the
// auto-increment id clause, the blob column type, and for MySQL the defaults
// on TEXT columns, which MySQL rejects outright.
func renderTable(table, driver string) string {
	idClause := "BIGSERIAL PRIMARY KEY"
	blobType := "BYTEA"
	switch driver {
	case "mysql":
		idClause = "BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY"
		blobType = "LONGBLOB"
	case "sqlite3":
		idClause = "INTEGER PRIMARY KEY AUTOINCREMENT"
		blobType = "BLOB"
	}

	stmt := table
	if strings.Contains(stmt, "%s") {
		stmt = fmt.Sprintf(stmt, idClause)
	}
	stmt = strings.ReplaceAll(stmt, "BYTEA", blobType)
	if driver == "mysql" {
		stmt = strings.ReplaceAll(stmt, "TEXT NOT NULL DEFAULT ''", "TEXT NOT NULL")
	}
	return stmt
}

// EnsureSchema creates the subsystem's tables and indexes when missing.
func EnsureSchema(ctx context.Context, db *sql.DB, driver string) error {
	for _, table := range schemaTables {
		if _, err := db.ExecContext(ctx, renderTable(table, driver)); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	for _, index := range schemaIndexes {
		if _, err := db.ExecContext(ctx, index); err != nil {
			return fmt.Errorf("ensure schema index: %w", err)
		}
	}
	return nil
}

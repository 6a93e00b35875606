package models

import "time"

// TokenState tracks the lifecycle of a mailbox credential.
//
// Valid tokens are used as-is; ExpiringSoon tokens are refreshed before the
// next provider call; Refreshing marks an in-flight refresh; Unusable means the
// refresh credential was rejected and a human must re-authenticate the mailbox.
type TokenState string

const (
	TokenValid        TokenState = "valid"
	TokenExpiringSoon TokenState = "expiring_soon"
	TokenRefreshing   TokenState = "refreshing"
	TokenUnusable     TokenState = "unusable"
)

// MailboxConnection is a polled shared mailbox bound to a workspace.
type MailboxConnection struct {
	ID                  int64          `json:"id" db:"id"`
	WorkspaceID         int64          `json:"workspace_id" db:"workspace_id"`
	Address             string         `json:"address" db:"address"`
	Folder              string         `json:"folder" db:"folder"`
	ProcessedFolder     string         `json:"processed_folder" db:"processed_folder"`
	PollIntervalSeconds int            `json:"poll_interval_seconds" db:"poll_interval_seconds"`
	Active              bool           `json:"active" db:"active"`
	DefaultPriority     TicketPriority `json:"default_priority" db:"default_priority"`
	AutoAssignUserID    *int64         `json:"auto_assign_user_id,omitempty" db:"auto_assign_user_id"`
	LastSyncAt          *time.Time     `json:"last_sync_at,omitempty" db:"last_sync_at"`

	// Credential columns. RefreshTokenEncrypted is sealed by the secrets
	// package before it touches the database.
	AccessToken           string     `json:"-" db:"access_token"`
	RefreshTokenEncrypted []byte     `json:"-" db:"refresh_token_encrypted"`
	TokenExpiresAt        *time.Time `json:"-" db:"token_expires_at"`
	TokenState            TokenState `json:"token_state" db:"token_state"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// PollInterval returns the configured cadence with a floor of one minute.
func (m *MailboxConnection) PollInterval() time.Duration {
	if m.PollIntervalSeconds < 60 {
		return time.Minute
	}
	return time.Duration(m.PollIntervalSeconds) * time.Second
}

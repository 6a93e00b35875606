package models

import "time"

// User is a lightweight person record. External contacts are created on the
// fly by the sync loop; agents are provisioned through the API layer.
type User struct {
	ID          int64     `json:"id" db:"id"`
	WorkspaceID int64     `json:"workspace_id" db:"workspace_id"`
	Name        string    `json:"name" db:"name"`
	Email       string    `json:"email" db:"email"`
	IsAgent     bool      `json:"is_agent" db:"is_agent"`
	Active      bool      `json:"active" db:"active"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

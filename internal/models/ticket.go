package models

import "time"

// TicketStatus enumerates ticket lifecycle states.
type TicketStatus string

const (
	StatusUnread     TicketStatus = "unread"
	StatusOpen       TicketStatus = "open"
	StatusWithUser   TicketStatus = "with_user"
	StatusInProgress TicketStatus = "in_progress"
	StatusClosed     TicketStatus = "closed"
)

// TicketPriority enumerates triage priorities.
type TicketPriority string

const (
	PriorityLow    TicketPriority = "low"
	PriorityNormal TicketPriority = "normal"
	PriorityHigh   TicketPriority = "high"
	PriorityUrgent TicketPriority = "urgent"
)

// Ticket represents a helpdesk ticket.
//
// MailboxConnectionID binds the ticket to the mailbox it arrived through; once
// set, replies for the ticket are sent and received via that same mailbox. The
// recipient strings reflect the current reply distribution list and evolve as
// the conversation does.
type Ticket struct {
	ID                  int64          `json:"id" db:"id"`
	WorkspaceID         int64          `json:"workspace_id" db:"workspace_id"`
	Title               string         `json:"title" db:"title"`
	Status              TicketStatus   `json:"status" db:"status"`
	Priority            TicketPriority `json:"priority" db:"priority"`
	MailboxConnectionID *int64         `json:"mailbox_connection_id,omitempty" db:"mailbox_connection_id"`
	PrimaryContactID    *int64         `json:"primary_contact_id,omitempty" db:"primary_contact_id"`
	AssignedUserID      *int64         `json:"assigned_user_id,omitempty" db:"assigned_user_id"`
	SenderName          string         `json:"sender_name" db:"sender_name"`
	SenderEmail         string         `json:"sender_email" db:"sender_email"`
	ToRecipients        string         `json:"to_recipients" db:"to_recipients"`
	CcRecipients        string         `json:"cc_recipients" db:"cc_recipients"`
	BccRecipients       string         `json:"bcc_recipients" db:"bcc_recipients"`
	IsDeleted           bool           `json:"is_deleted" db:"is_deleted"`
	CreatedAt           time.Time      `json:"created_at" db:"created_at"`
	LastUpdateAt        time.Time      `json:"last_update_at" db:"last_update_at"`
}

// Comment is a message within a ticket. Content is either inline HTML or the
// persisted offload sentinel; readers must resolve it through the storage
// package rather than using the raw column value.
type Comment struct {
	ID             int64     `json:"id" db:"id"`
	TicketID       int64     `json:"ticket_id" db:"ticket_id"`
	AuthorID       int64     `json:"author_id" db:"author_id"`
	IsSystemAuthor bool      `json:"is_system_author" db:"is_system_author"`
	Content        string    `json:"content" db:"content"`
	IsPrivate      bool      `json:"is_private" db:"is_private"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// Attachment is a file owned by a comment. Exactly one of Content and
// ExternalURL is meaningful; the repair path for moving inline content out to
// object storage clears Content after setting ExternalURL.
type Attachment struct {
	ID          int64     `json:"id" db:"id"`
	CommentID   int64     `json:"comment_id" db:"comment_id"`
	FileName    string    `json:"file_name" db:"file_name"`
	ContentType string    `json:"content_type" db:"content_type"`
	FileSize    int64     `json:"file_size" db:"file_size"`
	Content     []byte    `json:"-" db:"content"`
	ExternalURL *string   `json:"external_url,omitempty" db:"external_url"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// IsExternal reports whether the attachment content lives in object storage.
func (a *Attachment) IsExternal() bool {
	return a.ExternalURL != nil && *a.ExternalURL != ""
}

// ActivityEntry records a ticket lifecycle event for the audit trail.
type ActivityEntry struct {
	ID        int64     `json:"id" db:"id"`
	TicketID  int64     `json:"ticket_id" db:"ticket_id"`
	UserID    int64     `json:"user_id" db:"user_id"`
	Kind      string    `json:"kind" db:"kind"`
	Detail    string    `json:"detail" db:"detail"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

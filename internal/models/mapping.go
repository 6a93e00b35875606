package models

import "time"

// EmailTicketMapping is the durable correspondence between a provider message
// and the ticket it produced or extended.
//
// EmailID is the provider message id at the time the row was recorded. The
// provider reassigns message ids when a message moves between folders, so after
// the post-processing move the row must be transactionally replaced with the
// new id, never duplicated. The mappingrepair package owns that protocol.
type EmailTicketMapping struct {
	ID             int64     `json:"id" db:"id"`
	EmailID        string    `json:"email_id" db:"email_id"`
	ConversationID string    `json:"conversation_id" db:"conversation_id"`
	TicketID       int64     `json:"ticket_id" db:"ticket_id"`
	Subject        string    `json:"subject" db:"subject"`
	Sender         string    `json:"sender" db:"sender"`
	ReceivedAt     time.Time `json:"received_at" db:"received_at"`
	IsProcessed    bool      `json:"is_processed" db:"is_processed"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

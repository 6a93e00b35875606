// Package workflows defines the trigger surface the sync loop fires events
// into. The community edition ships a logging engine; richer automation plugs
// in behind the same interface.
package workflows

import (
	"context"
	"log"

	"github.com/opendesk-io/opendesk-ce/internal/models"
)

// Trigger names the events the sync loop emits.
const (
	TriggerTicketCreated = "ticket_created"
	TriggerCommentAdded  = "comment_added"
)

// TriggerContext carries the state an automation rule evaluates against.
type TriggerContext struct {
	Trigger     string
	WorkspaceID int64
	Ticket      *models.Ticket
	Comment     *models.Comment
	Email       *models.EmailMessage
}

// Engine receives triggers. Fire runs after the originating transaction has
// committed; implementations must tolerate redelivery.
type Engine interface {
	Fire(ctx context.Context, tc TriggerContext)
}

// LogEngine records triggers without acting on them.
type LogEngine struct {
	Logger *log.Logger
}

func (e *LogEngine) Fire(_ context.Context, tc TriggerContext) {
	logger := e.Logger
	if logger == nil {
		logger = log.Default()
	}
	if tc.Ticket != nil {
		logger.Printf("workflows: %s ticket=%d workspace=%d", tc.Trigger, tc.Ticket.ID, tc.WorkspaceID)
		return
	}
	logger.Printf("workflows: %s workspace=%d", tc.Trigger, tc.WorkspaceID)
}

package sync

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"github.com/opendesk-io/opendesk-ce/internal/email/inbound/materializer"
	"github.com/opendesk-io/opendesk-ce/internal/email/inbound/resolver"
	"github.com/opendesk-io/opendesk-ce/internal/models"
	"github.com/opendesk-io/opendesk-ce/internal/repository"
)

// persistResult reports what one message's database transaction produced.
type persistResult struct {
	Ticket  *models.Ticket
	Comment *models.Comment
	// Created is true when the message started a new ticket rather than
	// extending one.
	Created bool
	// Via records the correlation key a reply matched on.
	Via string
}

// Persister applies one message's database effects as a unit.
type Persister interface {
	Persist(ctx context.Context, email *models.EmailMessage, mailbox *models.MailboxConnection, workspaceAddrs []string) (*persistResult, error)
}

// txPersister is the production Persister: one transaction per message, with
// resolution and materialization bound to it. A failure anywhere rolls the
// whole message back and leaves it unread at the provider for the next pass.
type txPersister struct {
	db     *sql.DB
	mat    *materializer.Materializer
	logger *log.Logger
}

// NewPersister builds the transactional persister used in production.
func NewPersister(db *sql.DB, mat *materializer.Materializer, logger *log.Logger) Persister {
	return &txPersister{db: db, mat: mat, logger: logger}
}

func (p *txPersister) Persist(ctx context.Context, email *models.EmailMessage, mailbox *models.MailboxConnection, workspaceAddrs []string) (*persistResult, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sync: begin transaction: %w", err)
	}
	result, err := p.persistInTx(ctx, tx, email, mailbox, workspaceAddrs)
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			p.logf("sync: rollback for message %s: %v", email.ID, rbErr)
		}
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sync: commit message %s: %w", email.ID, err)
	}
	return result, nil
}

func (p *txPersister) persistInTx(ctx context.Context, tx *sql.Tx, email *models.EmailMessage, mailbox *models.MailboxConnection, workspaceAddrs []string) (*persistResult, error) {
	stores := materializer.NewStores(tx)
	res, err := resolver.New(
		repository.NewMappingRepository(tx),
		repository.NewTicketRepository(tx),
		resolver.WithLogger(p.logger),
	).Resolve(ctx, email, mailbox.Address, workspaceAddrs)
	if err != nil {
		return nil, err
	}

	if res.Ticket == nil {
		ticket, err := p.mat.CreateTicket(ctx, stores, email, mailbox, workspaceAddrs)
		if err != nil {
			return nil, err
		}
		return &persistResult{Ticket: ticket, Created: true}, nil
	}

	comment, err := p.mat.AppendComment(ctx, stores, email, res.Ticket, res.PrimaryContact, mailbox)
	if err != nil {
		return nil, err
	}
	return &persistResult{Ticket: res.Ticket, Comment: comment, Via: res.Via}, nil
}

func (p *txPersister) logf(format string, args ...any) {
	if p.logger != nil {
		p.logger.Printf(format, args...)
	}
}

// Package resolver decides whether a normalized message belongs to an
// existing ticket or starts a new one.
package resolver

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"

	"github.com/opendesk-io/opendesk-ce/internal/models"
)

var ticketTagPattern = regexp.MustCompile(`\[ID:\s*(\d+)\]`)

type mappingLookup interface {
	LatestByConversationID(ctx context.Context, conversationID string) (*models.EmailTicketMapping, error)
}

type ticketStore interface {
	GetLive(ctx context.Context, id int64) (*models.Ticket, error)
	UpdateStatus(ctx context.Context, id int64, status models.TicketStatus) error
	Touch(ctx context.Context, id int64) error
}

// Resolution is the outcome of matching a message against existing tickets.
type Resolution struct {
	// Ticket is nil when the message starts a new ticket.
	Ticket *models.Ticket
	// Via records which correlation key matched: "conversation" or "subject_tag".
	Via string
	// PrimaryContact is the external party this reply is attributed to.
	// Only meaningful when Ticket is set.
	PrimaryContact models.EmailAddress
}

// Resolver matches messages to tickets.
type Resolver struct {
	mappings mappingLookup
	tickets  ticketStore
	logger   *log.Logger
}

// Option customizes a Resolver.
type Option func(*Resolver)

// New constructs a resolver over the mapping table and ticket store.
func New(mappings mappingLookup, tickets ticketStore, opts ...Option) *Resolver {
	r := &Resolver{
		mappings: mappings,
		tickets:  tickets,
		logger:   log.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// WithLogger overrides the logger used for diagnostics.
func WithLogger(logger *log.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Resolve looks up the ticket a message belongs to, or returns a Resolution
// with a nil Ticket when it starts a new conversation.
//
// The mapping table is re-queried per message rather than cached for the
// pass: two messages of the same new conversation can arrive in one batch,
// and the second must see the ticket the first created.
func (r *Resolver) Resolve(ctx context.Context, email *models.EmailMessage, mailboxAddress string, knownMailboxes []string) (*Resolution, error) {
	ticket, via, err := r.findTicket(ctx, email)
	if err != nil {
		return nil, err
	}
	if ticket == nil {
		return &Resolution{}, nil
	}

	res := &Resolution{Ticket: ticket, Via: via}
	if !email.IsForwarded {
		// A forward speaks for the original sender, not the forwarder; the
		// ticket keeps whatever contact it already has.
		res.PrimaryContact = r.replyContact(email, mailboxAddress, knownMailboxes)
	}

	// A reply always continues the conversation: pull the ticket back into
	// the agent's court when it was waiting on the user or closed.
	switch ticket.Status {
	case models.StatusWithUser, models.StatusClosed:
		if err := r.tickets.UpdateStatus(ctx, ticket.ID, models.StatusInProgress); err != nil {
			return nil, fmt.Errorf("resolver: advance status for ticket %d: %w", ticket.ID, err)
		}
		ticket.Status = models.StatusInProgress
	default:
		if err := r.tickets.Touch(ctx, ticket.ID); err != nil {
			return nil, fmt.Errorf("resolver: touch ticket %d: %w", ticket.ID, err)
		}
	}
	return res, nil
}

func (r *Resolver) findTicket(ctx context.Context, email *models.EmailMessage) (*models.Ticket, string, error) {
	if email.ConversationID != "" {
		mapping, err := r.mappings.LatestByConversationID(ctx, email.ConversationID)
		if err != nil {
			return nil, "", fmt.Errorf("resolver: conversation lookup: %w", err)
		}
		if mapping != nil {
			ticket, err := r.tickets.GetLive(ctx, mapping.TicketID)
			if err != nil {
				return nil, "", err
			}
			if ticket != nil {
				return ticket, "conversation", nil
			}
		}
	}

	// Providers sometimes mint a new conversation id for what is semantically
	// a reply (e.g. after a subject edit). The ticket tag in the subject is
	// the durable fallback key.
	if id, ok := TicketIDFromSubject(email.Subject); ok {
		ticket, err := r.tickets.GetLive(ctx, id)
		if err != nil {
			return nil, "", err
		}
		if ticket != nil {
			r.logf("resolver: matched ticket %d via subject tag (message %s)", id, email.ID)
			return ticket, "subject_tag", nil
		}
	}
	return nil, "", nil
}

// replyContact prefers a real external user over a known mailbox address.
// When the sender is itself a known mailbox the "reply" is an outbound-relay
// artifact captured by polling; the genuine customer is the first To recipient
// that is not a mailbox.
func (r *Resolver) replyContact(email *models.EmailMessage, mailboxAddress string, knownMailboxes []string) models.EmailAddress {
	if !isMailbox(email.Sender.Address, mailboxAddress, knownMailboxes) {
		return email.Sender
	}
	for _, to := range email.ToRecipients {
		if !isMailbox(to.Address, mailboxAddress, knownMailboxes) {
			r.logf("resolver: relay artifact from %s, attributing reply to %s", email.Sender.Address, to.Address)
			return to
		}
	}
	return email.Sender
}

// TicketIDFromSubject extracts the [ID:<n>] correlation tag.
func TicketIDFromSubject(subject string) (int64, bool) {
	m := ticketTagPattern.FindStringSubmatch(subject)
	if m == nil {
		return 0, false
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func isMailbox(addr, mailboxAddress string, knownMailboxes []string) bool {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if strings.EqualFold(addr, mailboxAddress) {
		return true
	}
	for _, mb := range knownMailboxes {
		if strings.EqualFold(addr, mb) {
			return true
		}
	}
	return false
}

func (r *Resolver) logf(format string, args ...any) {
	if r == nil || r.logger == nil {
		return
	}
	r.logger.Printf(format, args...)
}

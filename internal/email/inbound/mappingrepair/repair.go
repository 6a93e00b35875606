// Package mappingrepair keeps the email-ticket mapping table trustworthy.
//
// The provider reassigns a message's id when it moves between folders, so the
// id recorded at ticket time goes stale the moment the post-processing move
// lands. The repair protocol replaces the row with one carrying the new id,
// creating before deleting so a crash between the two steps leaves a
// resolvable row rather than none.
package mappingrepair

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/opendesk-io/opendesk-ce/internal/email/inbound/parser"
	"github.com/opendesk-io/opendesk-ce/internal/models"
	"github.com/opendesk-io/opendesk-ce/internal/repository"
)

type mappingStore interface {
	GetByEmailID(ctx context.Context, emailID string) (*models.EmailTicketMapping, error)
	ExistsForTicket(ctx context.Context, ticketID int64, emailID string) (bool, error)
	Create(ctx context.Context, m *models.EmailTicketMapping) error
	DeleteByEmailID(ctx context.Context, ticketID int64, emailID string) (int64, error)
	Delete(ctx context.Context, id int64) error
	DeleteOrphaned(ctx context.Context) (int64, error)
	ListRecentWithTitles(ctx context.Context, since time.Time) ([]repository.MappingWithTitle, error)
}

// Repairer maintains mapping rows across provider id churn.
type Repairer struct {
	mappings mappingStore
	logger   *log.Logger
	now      func() time.Time
}

// Option customizes a Repairer.
type Option func(*Repairer)

// New constructs a Repairer over the mapping store.
func New(mappings mappingStore, opts ...Option) *Repairer {
	r := &Repairer{
		mappings: mappings,
		logger:   log.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// WithLogger overrides the logger.
func WithLogger(logger *log.Logger) Option {
	return func(r *Repairer) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Repairer) {
		if now != nil {
			r.now = now
		}
	}
}

// UpdateMessageID replaces the mapping recorded under oldID with one carrying
// newID after the provider reassigned the message id on a folder move.
//
// The replacement row is created before the stale row is deleted. Duplicate
// creation by a concurrent worker surfaces as a unique violation and is
// treated as the replacement already existing.
func (r *Repairer) UpdateMessageID(ctx context.Context, ticketID int64, oldID, newID string) error {
	if newID == "" || oldID == newID {
		return nil
	}

	exists, err := r.mappings.ExistsForTicket(ctx, ticketID, newID)
	if err != nil {
		return fmt.Errorf("mappingrepair: check replacement: %w", err)
	}
	if exists {
		if _, err := r.mappings.DeleteByEmailID(ctx, ticketID, oldID); err != nil {
			return fmt.Errorf("mappingrepair: delete stale mapping: %w", err)
		}
		return nil
	}

	stale, err := r.mappings.GetByEmailID(ctx, oldID)
	if err != nil {
		return fmt.Errorf("mappingrepair: load stale mapping: %w", err)
	}
	if stale == nil || stale.TicketID != ticketID {
		r.logf("mappingrepair: no mapping under %s for ticket %d, nothing to repair", oldID, ticketID)
		return nil
	}

	replacement := &models.EmailTicketMapping{
		EmailID:        newID,
		ConversationID: stale.ConversationID,
		TicketID:       stale.TicketID,
		Subject:        stale.Subject,
		Sender:         stale.Sender,
		ReceivedAt:     stale.ReceivedAt,
		IsProcessed:    stale.IsProcessed,
	}
	if err := r.mappings.Create(ctx, replacement); err != nil {
		if !repository.IsUniqueViolation(err) {
			return fmt.Errorf("mappingrepair: create replacement: %w", err)
		}
		r.logf("mappingrepair: replacement for ticket %d already recorded elsewhere", ticketID)
	}

	if _, err := r.mappings.DeleteByEmailID(ctx, ticketID, oldID); err != nil {
		return fmt.Errorf("mappingrepair: delete stale mapping: %w", err)
	}
	return nil
}

// Stats summarizes one housekeeping sweep.
type Stats struct {
	OrphansDeleted      int64
	InconsistentDeleted int64
}

// Housekeep purges mapping rows that can no longer resolve correctly:
// rows whose ticket is gone, and recent rows whose recorded subject no longer
// agrees with the ticket it points at. The latter catches mappings left
// crossed by manual ticket merges or provider-side thread splicing.
func (r *Repairer) Housekeep(ctx context.Context, window time.Duration) (Stats, error) {
	var stats Stats

	orphans, err := r.mappings.DeleteOrphaned(ctx)
	if err != nil {
		return stats, fmt.Errorf("mappingrepair: purge orphans: %w", err)
	}
	stats.OrphansDeleted = orphans

	recent, err := r.mappings.ListRecentWithTitles(ctx, r.now().Add(-window))
	if err != nil {
		return stats, fmt.Errorf("mappingrepair: list recent: %w", err)
	}
	for _, mt := range recent {
		if subjectConsistent(mt.Mapping.Subject, mt.TicketTitle) {
			continue
		}
		if err := r.mappings.Delete(ctx, mt.Mapping.ID); err != nil {
			return stats, fmt.Errorf("mappingrepair: delete inconsistent mapping %d: %w", mt.Mapping.ID, err)
		}
		stats.InconsistentDeleted++
		r.logf("mappingrepair: dropped mapping %d, subject %q does not match ticket %d title %q",
			mt.Mapping.ID, mt.Mapping.Subject, mt.Mapping.TicketID, mt.TicketTitle)
	}

	if stats.OrphansDeleted > 0 || stats.InconsistentDeleted > 0 {
		r.logf("mappingrepair: housekeeping removed %d orphaned and %d inconsistent mappings",
			stats.OrphansDeleted, stats.InconsistentDeleted)
	}
	return stats, nil
}

var ticketTagPattern = regexp.MustCompile(`\[ID:\s*\d+\]`)

// subjectConsistent compares a mapping subject against the ticket title with
// reply and forward prefixes and outbound ticket tags stripped from both
// sides. An empty subject is treated as consistent; there is nothing to judge.
func subjectConsistent(subject, title string) bool {
	s := normalizeSubject(subject)
	t := normalizeSubject(title)
	if s == "" {
		return true
	}
	return strings.EqualFold(s, t)
}

func normalizeSubject(subject string) string {
	subject = ticketTagPattern.ReplaceAllString(subject, "")
	return parser.StripReplyPrefixes(subject)
}

func (r *Repairer) logf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Printf(format, args...)
	}
}

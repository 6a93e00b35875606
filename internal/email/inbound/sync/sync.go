// Package sync runs the mailbox polling loop: list unread mail, turn each
// message into ticket state, then mark it read and file it away at the
// provider.
//
// Work is transactional per message, not per batch. One malformed or
// conflicting message is recorded as a skip or failure and the pass moves on;
// it never blocks the rest of the mailbox.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/opendesk-io/opendesk-ce/internal/config"
	"github.com/opendesk-io/opendesk-ce/internal/email/graph"
	"github.com/opendesk-io/opendesk-ce/internal/email/inbound/loopdetect"
	"github.com/opendesk-io/opendesk-ce/internal/email/inbound/materializer"
	"github.com/opendesk-io/opendesk-ce/internal/email/inbound/mappingrepair"
	"github.com/opendesk-io/opendesk-ce/internal/email/inbound/parser"
	"github.com/opendesk-io/opendesk-ce/internal/email/token"
	"github.com/opendesk-io/opendesk-ce/internal/lock"
	"github.com/opendesk-io/opendesk-ce/internal/metrics"
	"github.com/opendesk-io/opendesk-ce/internal/models"
	"github.com/opendesk-io/opendesk-ce/internal/workflows"
)

// ErrSyncInProgress reports that another worker already holds the mailbox's
// sync lock.
var ErrSyncInProgress = errors.New("sync: mailbox sync already in progress")

// ErrCredentialUnusable reports a mailbox whose stored credential was
// rejected; it stays skipped until someone re-authenticates it.
var ErrCredentialUnusable = errors.New("sync: mailbox credential unusable")

// Action classifies what happened to one message.
type Action string

const (
	ActionProcessed Action = "processed"
	ActionSkipped   Action = "skipped"
	ActionFailed    Action = "failed"
)

// Outcome is the per-message result of a sync pass.
type Outcome struct {
	MessageID string
	Action    Action
	// Reason is set for skips: why the message produced no ticket state.
	Reason string
	// Err is set for failures.
	Err error
	// TicketID and TicketCreated are set for processed messages.
	TicketID      int64
	TicketCreated bool
}

// Summary aggregates one mailbox pass.
type Summary struct {
	MailboxID int64
	Address   string
	Listed    int
	Processed int
	Skipped   int
	Failed    int
	Duration  time.Duration
	Outcomes  []Outcome
}

// CredentialSession is the per-mailbox credential handle the provider client
// calls through. *token.Session satisfies it.
type CredentialSession interface {
	AccessToken(ctx context.Context) (string, error)
	State() models.TokenState
}

// SessionFunc opens a credential session for a mailbox.
type SessionFunc func(*models.MailboxConnection) CredentialSession

type mailClient interface {
	ListUnread(ctx context.Context, cred graph.Credential, mailbox, folderID string, limit int) ([]graph.MessageSummary, error)
	FetchFull(ctx context.Context, cred graph.Credential, mailbox, messageID string) (*graph.Message, error)
	MoveToFolder(ctx context.Context, cred graph.Credential, mailbox, messageID, folderID string) (string, error)
	MarkRead(ctx context.Context, cred graph.Credential, mailbox, messageID string) error
	GetOrCreateFolder(ctx context.Context, cred graph.Credential, mailbox, displayName string) (string, error)
}

type mailboxStore interface {
	ListActive(ctx context.Context) ([]*models.MailboxConnection, error)
	WorkspaceAddresses(ctx context.Context, workspaceID int64) ([]string, error)
	UpdateLastSync(ctx context.Context, id int64, at time.Time) error
}

type agentStore interface {
	ListActiveAgents(ctx context.Context, workspaceID int64) ([]*models.User, error)
}

type mappingReader interface {
	GetByEmailID(ctx context.Context, emailID string) (*models.EmailTicketMapping, error)
	MarkProcessed(ctx context.Context, id int64) error
}

type messageRepairer interface {
	UpdateMessageID(ctx context.Context, ticketID int64, oldID, newID string) error
	Housekeep(ctx context.Context, window time.Duration) (mappingrepair.Stats, error)
}

// Deps bundles the collaborators a Syncer drives.
type Deps struct {
	Client     mailClient
	SessionFor SessionFunc
	Mailboxes  mailboxStore
	Agents     agentStore
	Mappings   mappingReader
	Repairer   messageRepairer
	Parser     *parser.Parser
	Detector   *loopdetect.Detector
	Persister  Persister
	Locker     lock.Locker
	Engine     workflows.Engine
}

// Syncer polls mailboxes and materializes their unread mail.
type Syncer struct {
	deps    Deps
	cfg     config.MailSyncConfig
	lockTTL time.Duration
	logger  *log.Logger
	cycles  int
}

// Option customizes a Syncer.
type Option func(*Syncer)

// New constructs a Syncer.
func New(deps Deps, cfg config.MailSyncConfig, opts ...Option) *Syncer {
	s := &Syncer{
		deps:    deps,
		cfg:     cfg,
		lockTTL: 10 * time.Minute,
		logger:  log.Default(),
	}
	if s.deps.Locker == nil {
		s.deps.Locker = lock.NewMemoryLocker()
	}
	if s.deps.Engine == nil {
		s.deps.Engine = &workflows.LogEngine{}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// WithLogger overrides the logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Syncer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithLockTTL bounds how long a crashed worker can keep a mailbox locked.
func WithLockTTL(ttl time.Duration) Option {
	return func(s *Syncer) {
		if ttl > 0 {
			s.lockTTL = ttl
		}
	}
}

// SyncAll runs one pass over every active mailbox and periodically runs
// mapping housekeeping. Per-mailbox errors are logged and do not stop the
// sweep.
func (s *Syncer) SyncAll(ctx context.Context) error {
	mailboxes, err := s.deps.Mailboxes.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("sync: list mailboxes: %w", err)
	}
	for _, mailbox := range mailboxes {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		summary, err := s.SyncMailbox(ctx, mailbox)
		switch {
		case errors.Is(err, ErrSyncInProgress):
			s.logger.Printf("sync: mailbox %s busy, skipping", mailbox.Address)
		case errors.Is(err, ErrCredentialUnusable):
			s.logger.Printf("sync: mailbox %s needs re-authentication, skipping", mailbox.Address)
		case err != nil:
			s.logger.Printf("sync: mailbox %s: %v", mailbox.Address, err)
		default:
			s.logger.Printf("sync: mailbox %s: %d listed, %d processed, %d skipped, %d failed in %s",
				mailbox.Address, summary.Listed, summary.Processed, summary.Skipped, summary.Failed, summary.Duration.Round(time.Millisecond))
		}
	}

	s.cycles++
	if s.cfg.HousekeepEvery > 0 && s.cycles%s.cfg.HousekeepEvery == 0 {
		window := s.cfg.HousekeepWindow
		if window <= 0 {
			window = 72 * time.Hour
		}
		if _, err := s.deps.Repairer.Housekeep(ctx, window); err != nil {
			s.logger.Printf("sync: housekeeping: %v", err)
		}
	}
	return nil
}

// SyncMailbox runs one pass over a single mailbox.
func (s *Syncer) SyncMailbox(ctx context.Context, mailbox *models.MailboxConnection) (*Summary, error) {
	release, ok, err := s.deps.Locker.Acquire(ctx, fmt.Sprintf("mailbox:%d", mailbox.ID), s.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("sync: acquire lock: %w", err)
	}
	if !ok {
		return nil, ErrSyncInProgress
	}
	defer release()

	session := s.deps.SessionFor(mailbox)
	if session.State() == models.TokenUnusable {
		return nil, ErrCredentialUnusable
	}

	started := time.Now()
	summary := &Summary{MailboxID: mailbox.ID, Address: mailbox.Address}

	workspaceAddrs, err := s.deps.Mailboxes.WorkspaceAddresses(ctx, mailbox.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("sync: workspace addresses: %w", err)
	}
	agents, err := s.deps.Agents.ListActiveAgents(ctx, mailbox.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("sync: list agents: %w", err)
	}

	folder := mailbox.Folder
	if folder == "" {
		folder = "inbox"
	}
	limit := s.cfg.BatchLimit
	if limit <= 0 {
		limit = 25
	}
	messages, err := s.deps.Client.ListUnread(ctx, session, mailbox.Address, folder, limit)
	if err != nil {
		return nil, s.providerError(mailbox, "list unread", err)
	}
	summary.Listed = len(messages)
	if len(messages) == 0 {
		summary.Duration = time.Since(started)
		return summary, s.finishPass(ctx, mailbox, summary)
	}

	processedFolderID, err := s.deps.Client.GetOrCreateFolder(ctx, session, mailbox.Address, s.processedFolderName(mailbox))
	if err != nil {
		return nil, s.providerError(mailbox, "resolve processed folder", err)
	}

	for _, msg := range messages {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		outcome := s.processMessage(ctx, session, mailbox, msg.ID, processedFolderID, workspaceAddrs, agents)
		summary.Outcomes = append(summary.Outcomes, outcome)
		metrics.MessagesTotal.WithLabelValues(string(outcome.Action)).Inc()
		switch outcome.Action {
		case ActionProcessed:
			summary.Processed++
		case ActionSkipped:
			summary.Skipped++
			s.logger.Printf("sync: skipped message %s: %s", outcome.MessageID, outcome.Reason)
		case ActionFailed:
			summary.Failed++
			s.logger.Printf("sync: failed message %s: %v", outcome.MessageID, outcome.Err)
		}
	}

	summary.Duration = time.Since(started)
	metrics.SyncDuration.Observe(summary.Duration.Seconds())
	return summary, s.finishPass(ctx, mailbox, summary)
}

// processMessage runs the full pipeline for one message. The database work is
// atomic; the provider-side cleanup (mark read, move, mapping repair) runs
// after commit, and a crash between the two is healed by the mapping check at
// the top of the next pass.
func (s *Syncer) processMessage(ctx context.Context, session CredentialSession, mailbox *models.MailboxConnection, messageID, processedFolderID string, workspaceAddrs []string, agents []*models.User) Outcome {
	full, err := s.deps.Client.FetchFull(ctx, session, mailbox.Address, messageID)
	if err != nil {
		if graph.IsNotFound(err) {
			return Outcome{MessageID: messageID, Action: ActionSkipped, Reason: "message gone from provider"}
		}
		return Outcome{MessageID: messageID, Action: ActionFailed, Err: err}
	}

	email, err := s.deps.Parser.Parse(full, mailbox.Address)
	if err != nil {
		// Left unread on purpose: the next pass retries it, and a parser
		// fix picks it up without operator intervention.
		s.logger.Printf("sync: unparseable message %s (subject %q): %v", messageID, full.Subject, err)
		return Outcome{MessageID: messageID, Action: ActionSkipped, Reason: "unparseable: " + err.Error()}
	}

	// Replays happen when a previous pass crashed after commit but before
	// the provider-side cleanup landed.
	existing, err := s.deps.Mappings.GetByEmailID(ctx, email.ID)
	if err != nil {
		return Outcome{MessageID: messageID, Action: ActionFailed, Err: err}
	}
	if existing != nil {
		if ferr := s.finishMessage(ctx, session, mailbox, email.ID, processedFolderID, existing.TicketID); ferr != nil {
			return Outcome{MessageID: messageID, Action: ActionFailed, Err: ferr}
		}
		return Outcome{MessageID: messageID, Action: ActionSkipped, Reason: "already recorded", TicketID: existing.TicketID}
	}

	if s.deps.Detector.IsSystemNotification(email, mailbox.Address) {
		if ferr := s.finishMessage(ctx, session, mailbox, email.ID, processedFolderID, 0); ferr != nil {
			return Outcome{MessageID: messageID, Action: ActionFailed, Err: ferr}
		}
		return Outcome{MessageID: messageID, Action: ActionSkipped, Reason: "system notification"}
	}
	if s.deps.Detector.IsInternalLoop(email, mailbox.Address, workspaceAddrs, agents) {
		if ferr := s.finishMessage(ctx, session, mailbox, email.ID, processedFolderID, 0); ferr != nil {
			return Outcome{MessageID: messageID, Action: ActionFailed, Err: ferr}
		}
		return Outcome{MessageID: messageID, Action: ActionSkipped, Reason: "internal loop"}
	}

	result, err := s.deps.Persister.Persist(ctx, email, mailbox, workspaceAddrs)
	if err != nil {
		var rejected *materializer.RejectionError
		if errors.As(err, &rejected) {
			if ferr := s.finishMessage(ctx, session, mailbox, email.ID, processedFolderID, 0); ferr != nil {
				return Outcome{MessageID: messageID, Action: ActionFailed, Err: ferr}
			}
			return Outcome{MessageID: messageID, Action: ActionSkipped, Reason: rejected.Reason}
		}
		return Outcome{MessageID: messageID, Action: ActionFailed, Err: err}
	}

	if err := s.finishMessage(ctx, session, mailbox, email.ID, processedFolderID, result.Ticket.ID); err != nil {
		return Outcome{MessageID: messageID, Action: ActionFailed, Err: err}
	}

	if result.Created {
		metrics.TicketsCreated.Inc()
	}
	s.fireTrigger(ctx, mailbox, email, result)
	return Outcome{
		MessageID:     messageID,
		Action:        ActionProcessed,
		TicketID:      result.Ticket.ID,
		TicketCreated: result.Created,
	}
}

// finishMessage does the provider-side cleanup: mark the message read, move
// it to the processed folder, and when it fed a ticket, repair the mapping to
// the id the provider assigned on the move.
func (s *Syncer) finishMessage(ctx context.Context, session CredentialSession, mailbox *models.MailboxConnection, messageID, processedFolderID string, ticketID int64) error {
	if err := s.deps.Client.MarkRead(ctx, session, mailbox.Address, messageID); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	movedID, err := s.deps.Client.MoveToFolder(ctx, session, mailbox.Address, messageID, processedFolderID)
	if err != nil {
		// Non-fatal: the ticket content is already committed, the message
		// is read so polling will not return it, and the mapping keeps the
		// still-valid pre-move id.
		s.logger.Printf("sync: move message %s to processed folder: %v", messageID, err)
		movedID = ""
	}
	if ticketID == 0 {
		return nil
	}
	if err := s.deps.Repairer.UpdateMessageID(ctx, ticketID, messageID, movedID); err != nil {
		return err
	}
	if movedID != "" && movedID != messageID {
		metrics.MappingsRepaired.Inc()
	}

	finalID := movedID
	if finalID == "" {
		finalID = messageID
	}
	mapping, err := s.deps.Mappings.GetByEmailID(ctx, finalID)
	if err != nil {
		return err
	}
	if mapping != nil && !mapping.IsProcessed {
		if err := s.deps.Mappings.MarkProcessed(ctx, mapping.ID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Syncer) finishPass(ctx context.Context, mailbox *models.MailboxConnection, _ *Summary) error {
	if err := s.deps.Mailboxes.UpdateLastSync(ctx, mailbox.ID, time.Now().UTC()); err != nil {
		return fmt.Errorf("sync: update last sync: %w", err)
	}
	return nil
}

func (s *Syncer) processedFolderName(mailbox *models.MailboxConnection) string {
	if mailbox.ProcessedFolder != "" {
		return mailbox.ProcessedFolder
	}
	if s.cfg.ProcessedFolder != "" {
		return s.cfg.ProcessedFolder
	}
	return "Processed"
}

func (s *Syncer) providerError(mailbox *models.MailboxConnection, op string, err error) error {
	if errors.Is(err, token.ErrUnusable) {
		metrics.TokenRefreshFailures.Inc()
		return ErrCredentialUnusable
	}
	return fmt.Errorf("sync: %s for %s: %w", op, mailbox.Address, err)
}

func (s *Syncer) fireTrigger(ctx context.Context, mailbox *models.MailboxConnection, email *models.EmailMessage, result *persistResult) {
	trigger := workflows.TriggerCommentAdded
	if result.Created {
		trigger = workflows.TriggerTicketCreated
	}
	s.deps.Engine.Fire(ctx, workflows.TriggerContext{
		Trigger:     trigger,
		WorkspaceID: mailbox.WorkspaceID,
		Ticket:      result.Ticket,
		Comment:     result.Comment,
		Email:       email,
	})
}

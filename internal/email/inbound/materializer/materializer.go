// Package materializer turns normalized inbound messages into durable
// helpdesk records: tickets, comments, attachments, contacts, and the
// email-to-ticket mapping rows that later replies resolve through.
//
// All writes go through the Stores bundle. The sync loop binds the bundle to
// one database transaction per message, so a failure anywhere in the
// materialization leaves no partial rows behind.
package materializer

import (
	"context"
	"fmt"
	"html"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/opendesk-io/opendesk-ce/internal/models"
	"github.com/opendesk-io/opendesk-ce/internal/storage"
)

// RejectionError reports a message the materializer refuses to turn into a
// ticket. Rejections are expected outcomes, not failures; the sync loop
// records them as skips.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string {
	return "materializer: rejected: " + e.Reason
}

// TicketStore is the slice of the ticket repository the materializer writes through.
type TicketStore interface {
	Create(ctx context.Context, ticket *models.Ticket) error
	CreateActivity(ctx context.Context, entry *models.ActivityEntry) error
	UpdatePrimaryContact(ctx context.Context, id, contactID int64) error
	UpdateRecipients(ctx context.Context, id int64, to, cc, bcc string) error
}

// CommentStore persists comments and their attachments.
type CommentStore interface {
	Create(ctx context.Context, comment *models.Comment) error
	CreateAttachment(ctx context.Context, att *models.Attachment) error
}

// ContactStore resolves external senders to contact records.
type ContactStore interface {
	GetOrCreateContact(ctx context.Context, workspaceID int64, name, email string) (*models.User, error)
}

// MappingStore records the message-to-ticket correspondence.
type MappingStore interface {
	Create(ctx context.Context, m *models.EmailTicketMapping) error
}

// Stores bundles the repositories one materialization writes through. The
// caller binds them all to the same transaction.
type Stores struct {
	Tickets  TicketStore
	Comments CommentStore
	Contacts ContactStore
	Mappings MappingStore
}

// Materializer converts messages into tickets and comments.
type Materializer struct {
	offloader     *storage.Offloader
	attachments   storage.Backend
	systemDomains []string
	systemUserID  int64
	maxInlineAtt  int64
	logger        *log.Logger
}

// Option customizes a Materializer.
type Option func(*Materializer)

// New constructs a Materializer. systemUserID is the placeholder actor that
// authors email-sourced comments; the original sender is carried in the
// comment body marker instead.
func New(offloader *storage.Offloader, systemDomains []string, systemUserID int64, opts ...Option) *Materializer {
	m := &Materializer{
		offloader:     offloader,
		systemDomains: systemDomains,
		systemUserID:  systemUserID,
		maxInlineAtt:  256 << 10,
		logger:        log.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// WithAttachmentBackend stores attachment payloads above the inline ceiling
// in object storage instead of the attachment row.
func WithAttachmentBackend(backend storage.Backend, maxInline int64) Option {
	return func(m *Materializer) {
		m.attachments = backend
		if maxInline > 0 {
			m.maxInlineAtt = maxInline
		}
	}
}

// WithMaterializerLogger overrides the logger.
func WithMaterializerLogger(logger *log.Logger) Option {
	return func(m *Materializer) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// CreateTicket materializes a message that starts a new conversation.
// workspaceAddresses are the workspace's own mailbox addresses; they are
// excluded from the ticket's reply distribution lists.
func (m *Materializer) CreateTicket(ctx context.Context, stores Stores, email *models.EmailMessage, mailbox *models.MailboxConnection, workspaceAddresses []string) (*models.Ticket, error) {
	sender := email.EffectiveSender()
	if sender.Address == "" {
		return nil, &RejectionError{Reason: "no usable sender address"}
	}
	if strings.EqualFold(sender.Address, mailbox.Address) {
		return nil, &RejectionError{Reason: "self-addressed message"}
	}
	// The platform's own domains never originate tickets; anything from
	// them that survived the notification screens is still noise.
	if domainOf(sender.Address) != "" && domainIn(sender.Address, m.systemDomains) {
		return nil, &RejectionError{Reason: "sender on system domain " + domainOf(sender.Address)}
	}

	contact, err := stores.Contacts.GetOrCreateContact(ctx, mailbox.WorkspaceID, sender.Name, sender.Address)
	if err != nil {
		return nil, fmt.Errorf("materializer: resolve contact: %w", err)
	}

	to, cc := m.recipientLists(email, mailbox, workspaceAddresses)

	ticket := &models.Ticket{
		WorkspaceID:         mailbox.WorkspaceID,
		Title:               ticketTitle(email.Subject),
		Status:              models.StatusUnread,
		Priority:            defaultPriority(mailbox),
		MailboxConnectionID: &mailbox.ID,
		PrimaryContactID:    &contact.ID,
		AssignedUserID:      mailbox.AutoAssignUserID,
		SenderName:          sender.Name,
		SenderEmail:         sender.Address,
		ToRecipients:        to,
		CcRecipients:        cc,
	}
	if err := stores.Tickets.Create(ctx, ticket); err != nil {
		return nil, fmt.Errorf("materializer: create ticket: %w", err)
	}

	entry := &models.ActivityEntry{
		TicketID: ticket.ID,
		UserID:   m.systemUserID,
		Kind:     "ticket_created",
		Detail:   fmt.Sprintf("created from email via %s", mailbox.Address),
	}
	if err := stores.Tickets.CreateActivity(ctx, entry); err != nil {
		return nil, fmt.Errorf("materializer: record activity: %w", err)
	}

	if _, err := m.writeComment(ctx, stores, email, ticket.ID, sender); err != nil {
		return nil, err
	}
	if err := m.recordMapping(ctx, stores, email, ticket.ID, sender); err != nil {
		return nil, err
	}
	m.logf("materializer: ticket %d created for %s (conversation %s)", ticket.ID, sender.Address, email.ConversationID)
	return ticket, nil
}

// AppendComment materializes a reply onto an existing ticket. contact is the
// external party the reply is attributed to, as decided by the resolver.
func (m *Materializer) AppendComment(ctx context.Context, stores Stores, email *models.EmailMessage, ticket *models.Ticket, contact models.EmailAddress, mailbox *models.MailboxConnection) (*models.Comment, error) {
	sender := email.EffectiveSender()
	comment, err := m.writeComment(ctx, stores, email, ticket.ID, sender)
	if err != nil {
		return nil, err
	}

	// Mid-thread handoffs are common: a colleague of the original
	// requester replies and becomes the person the agents now talk to.
	if contact.Address != "" && !strings.EqualFold(contact.Address, mailbox.Address) {
		resolved, err := stores.Contacts.GetOrCreateContact(ctx, ticket.WorkspaceID, contact.Name, contact.Address)
		if err != nil {
			return nil, fmt.Errorf("materializer: resolve reply contact: %w", err)
		}
		if ticket.PrimaryContactID == nil || *ticket.PrimaryContactID != resolved.ID {
			if err := stores.Tickets.UpdatePrimaryContact(ctx, ticket.ID, resolved.ID); err != nil {
				return nil, fmt.Errorf("materializer: update primary contact: %w", err)
			}
			ticket.PrimaryContactID = &resolved.ID
		}
	}

	if err := m.recordMapping(ctx, stores, email, ticket.ID, sender); err != nil {
		return nil, err
	}
	return comment, nil
}

func (m *Materializer) writeComment(ctx context.Context, stores Stores, email *models.EmailMessage, ticketID int64, sender models.EmailAddress) (*models.Comment, error) {
	body := email.Body
	if !strings.EqualFold(email.BodyType, "html") {
		body = textToHTML(body)
	}
	body = rewriteInlineImages(body, email.InlineAttachments())
	body = sanitizeHTML(body)
	body = prependSenderMarker(body, sender)

	content, err := m.offloader.Place(ctx, fmt.Sprintf("tickets/%d", ticketID), body)
	if err != nil {
		return nil, fmt.Errorf("materializer: place comment content: %w", err)
	}

	comment := &models.Comment{
		TicketID:       ticketID,
		AuthorID:       m.systemUserID,
		IsSystemAuthor: true,
		Content:        content.Encode(),
	}
	if err := stores.Comments.Create(ctx, comment); err != nil {
		return nil, fmt.Errorf("materializer: create comment: %w", err)
	}

	for _, att := range email.FileAttachments() {
		if err := m.writeAttachment(ctx, stores, comment, att); err != nil {
			return nil, err
		}
	}
	return comment, nil
}

func (m *Materializer) writeAttachment(ctx context.Context, stores Stores, comment *models.Comment, att models.EmailAttachment) error {
	record := &models.Attachment{
		CommentID:   comment.ID,
		FileName:    attachmentName(att),
		ContentType: att.ContentType,
		FileSize:    int64(len(att.ContentBytes)),
	}
	if m.attachments != nil && record.FileSize > m.maxInlineAtt {
		key := fmt.Sprintf("tickets/%d/attachments/%s-%s", comment.TicketID, uuid.NewString(), record.FileName)
		url, err := m.attachments.Store(ctx, key, att.ContentType, att.ContentBytes)
		if err != nil {
			return fmt.Errorf("materializer: store attachment %q: %w", record.FileName, err)
		}
		record.ExternalURL = &url
	} else {
		record.Content = att.ContentBytes
	}
	if err := stores.Comments.CreateAttachment(ctx, record); err != nil {
		return fmt.Errorf("materializer: create attachment %q: %w", record.FileName, err)
	}
	return nil
}

func (m *Materializer) recordMapping(ctx context.Context, stores Stores, email *models.EmailMessage, ticketID int64, sender models.EmailAddress) error {
	mapping := &models.EmailTicketMapping{
		EmailID:        email.ID,
		ConversationID: email.ConversationID,
		TicketID:       ticketID,
		Subject:        email.Subject,
		Sender:         sender.Address,
		ReceivedAt:     email.ReceivedAt,
	}
	if err := stores.Mappings.Create(ctx, mapping); err != nil {
		return fmt.Errorf("materializer: record mapping: %w", err)
	}
	return nil
}

// recipientLists derives the ticket's reply distribution lists. Workspace
// mailbox addresses are excluded; replying to the helpdesk's own inbox would
// feed the loop detector. For manual forwards the lists come from the
// extracted original audience, and the forwarding agent joins the Cc so they
// stay in the conversation they handed over.
func (m *Materializer) recipientLists(email *models.EmailMessage, mailbox *models.MailboxConnection, workspaceAddresses []string) (to, cc string) {
	toAddrs := email.ToRecipients
	ccAddrs := email.CcRecipients
	if email.IsForwarded {
		toAddrs = email.OriginalTo
		ccAddrs = append(append([]models.EmailAddress{}, email.OriginalCc...), email.Sender)
	}
	excluded := make(map[string]struct{}, len(workspaceAddresses)+1)
	excluded[strings.ToLower(mailbox.Address)] = struct{}{}
	for _, addr := range workspaceAddresses {
		excluded[strings.ToLower(addr)] = struct{}{}
	}
	return joinAddresses(toAddrs, excluded), joinAddresses(ccAddrs, excluded)
}

func joinAddresses(addrs []models.EmailAddress, excluded map[string]struct{}) string {
	var parts []string
	seen := make(map[string]struct{}, len(addrs))
	for _, addr := range addrs {
		key := strings.ToLower(addr.Address)
		if key == "" {
			continue
		}
		if _, skip := excluded[key]; skip {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		parts = append(parts, addr.String())
	}
	return strings.Join(parts, ", ")
}

func ticketTitle(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "(no subject)"
	}
	return subject
}

func defaultPriority(mailbox *models.MailboxConnection) models.TicketPriority {
	if mailbox.DefaultPriority != "" {
		return mailbox.DefaultPriority
	}
	return models.PriorityNormal
}

func attachmentName(att models.EmailAttachment) string {
	if att.Name != "" {
		return att.Name
	}
	return "attachment"
}

func textToHTML(text string) string {
	escaped := html.EscapeString(text)
	return "<div>" + strings.ReplaceAll(escaped, "\n", "<br>") + "</div>"
}

func domainOf(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return ""
	}
	return strings.ToLower(addr[at+1:])
}

func domainIn(addr string, domains []string) bool {
	d := domainOf(addr)
	for _, candidate := range domains {
		if d == strings.ToLower(strings.TrimSpace(candidate)) {
			return true
		}
	}
	return false
}

func (m *Materializer) logf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}

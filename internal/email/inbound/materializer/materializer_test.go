package materializer

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/opendesk-io/opendesk-ce/internal/config"
	"github.com/opendesk-io/opendesk-ce/internal/models"
	"github.com/opendesk-io/opendesk-ce/internal/storage"
)

type fakeTickets struct {
	nextID    int64
	created   []*models.Ticket
	activity  []*models.ActivityEntry
	contactOf map[int64]int64
}

func (f *fakeTickets) Create(_ context.Context, t *models.Ticket) error {
	f.nextID++
	t.ID = f.nextID
	t.CreatedAt = time.Now()
	f.created = append(f.created, t)
	return nil
}

func (f *fakeTickets) CreateActivity(_ context.Context, e *models.ActivityEntry) error {
	f.activity = append(f.activity, e)
	return nil
}

func (f *fakeTickets) UpdatePrimaryContact(_ context.Context, id, contactID int64) error {
	if f.contactOf == nil {
		f.contactOf = make(map[int64]int64)
	}
	f.contactOf[id] = contactID
	return nil
}

func (f *fakeTickets) UpdateRecipients(_ context.Context, _ int64, _, _, _ string) error {
	return nil
}

type fakeComments struct {
	nextID      int64
	created     []*models.Comment
	attachments []*models.Attachment
}

func (f *fakeComments) Create(_ context.Context, c *models.Comment) error {
	f.nextID++
	c.ID = f.nextID
	f.created = append(f.created, c)
	return nil
}

func (f *fakeComments) CreateAttachment(_ context.Context, a *models.Attachment) error {
	f.attachments = append(f.attachments, a)
	return nil
}

type fakeContacts struct {
	nextID int64
	byMail map[string]*models.User
}

func (f *fakeContacts) GetOrCreateContact(_ context.Context, workspaceID int64, name, email string) (*models.User, error) {
	if f.byMail == nil {
		f.byMail = make(map[string]*models.User)
	}
	key := strings.ToLower(email)
	if u, ok := f.byMail[key]; ok {
		return u, nil
	}
	f.nextID++
	u := &models.User{ID: f.nextID, WorkspaceID: workspaceID, Name: name, Email: key, Active: true}
	f.byMail[key] = u
	return u, nil
}

type fakeMappings struct {
	created []*models.EmailTicketMapping
}

func (f *fakeMappings) Create(_ context.Context, m *models.EmailTicketMapping) error {
	f.created = append(f.created, m)
	return nil
}

func newTestStores() (Stores, *fakeTickets, *fakeComments, *fakeContacts, *fakeMappings) {
	tickets := &fakeTickets{}
	comments := &fakeComments{}
	contacts := &fakeContacts{}
	mappings := &fakeMappings{}
	return Stores{Tickets: tickets, Comments: comments, Contacts: contacts, Mappings: mappings}, tickets, comments, contacts, mappings
}

func inlineOnlyMaterializer() *Materializer {
	offloader := storage.NewOffloader(nil, config.OffloadConfig{
		MaxInlineBytes:   1 << 20,
		MaxInlineStyles:  1000,
		MaxSignatureHits: 1000,
	})
	return New(offloader, []string{"opendesk.example"}, 1)
}

func testMailbox() *models.MailboxConnection {
	return &models.MailboxConnection{
		ID:          7,
		WorkspaceID: 3,
		Address:     "support@acme.example",
	}
}

func TestCreateTicketFromPlainMessage(t *testing.T) {
	stores, tickets, comments, contacts, mappings := newTestStores()
	m := inlineOnlyMaterializer()

	email := &models.EmailMessage{
		ID:             "msg-1",
		ConversationID: "conv-1",
		Subject:        "Printer on fire",
		Body:           "<p>It is <b>actually</b> on fire.</p>",
		BodyType:       "html",
		ReceivedAt:     time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC),
		Sender:         models.EmailAddress{Name: "Dana Reyes", Address: "dana@customer.example"},
		ToRecipients: []models.EmailAddress{
			{Address: "support@acme.example"},
			{Name: "Ops", Address: "ops@customer.example"},
		},
	}

	ticket, err := m.CreateTicket(context.Background(), stores, email, testMailbox(), []string{"support@acme.example"})
	if err != nil {
		t.Fatalf("CreateTicket: %v", err)
	}

	if ticket.Title != "Printer on fire" {
		t.Errorf("title = %q", ticket.Title)
	}
	if ticket.Status != models.StatusUnread {
		t.Errorf("status = %q, want unread", ticket.Status)
	}
	if ticket.Priority != models.PriorityNormal {
		t.Errorf("priority = %q, want normal", ticket.Priority)
	}
	if ticket.MailboxConnectionID == nil || *ticket.MailboxConnectionID != 7 {
		t.Errorf("mailbox connection id = %v, want 7", ticket.MailboxConnectionID)
	}
	if ticket.ToRecipients != "Ops <ops@customer.example>" {
		t.Errorf("to recipients = %q, mailbox address should be excluded", ticket.ToRecipients)
	}

	if len(tickets.activity) != 1 || tickets.activity[0].Kind != "ticket_created" {
		t.Fatalf("activity = %+v", tickets.activity)
	}

	if len(comments.created) != 1 {
		t.Fatalf("comments created = %d, want 1", len(comments.created))
	}
	comment := comments.created[0]
	if !comment.IsSystemAuthor || comment.AuthorID != 1 {
		t.Errorf("comment author = %d system=%v, want placeholder actor", comment.AuthorID, comment.IsSystemAuthor)
	}
	sender, body, ok := ParseSenderMarker(comment.Content)
	if !ok {
		t.Fatalf("comment content missing sender marker: %q", comment.Content)
	}
	if sender.Address != "dana@customer.example" || sender.Name != "Dana Reyes" {
		t.Errorf("marker sender = %+v", sender)
	}
	if !strings.Contains(body, "<b>actually</b>") {
		t.Errorf("body lost formatting: %q", body)
	}

	if contacts.byMail["dana@customer.example"] == nil {
		t.Error("contact was not created")
	}
	if len(mappings.created) != 1 {
		t.Fatalf("mappings created = %d, want 1", len(mappings.created))
	}
	mapping := mappings.created[0]
	if mapping.EmailID != "msg-1" || mapping.ConversationID != "conv-1" || mapping.TicketID != ticket.ID {
		t.Errorf("mapping = %+v", mapping)
	}
	if mapping.IsProcessed {
		t.Error("mapping must start unprocessed")
	}
}

func TestCreateTicketRejectsSystemDomainSender(t *testing.T) {
	stores, tickets, _, _, _ := newTestStores()
	m := inlineOnlyMaterializer()

	email := &models.EmailMessage{
		ID:             "msg-2",
		ConversationID: "conv-2",
		Subject:        "New ticket #42 created",
		Body:           "notification",
		Sender:         models.EmailAddress{Address: "noreply@opendesk.example"},
	}

	_, err := m.CreateTicket(context.Background(), stores, email, testMailbox(), nil)
	var rejected *RejectionError
	if !errors.As(err, &rejected) {
		t.Fatalf("err = %v, want RejectionError", err)
	}
	if len(tickets.created) != 0 {
		t.Errorf("ticket was created despite rejection")
	}
}

func TestCreateTicketRejectsSelfAddressed(t *testing.T) {
	stores, _, _, _, _ := newTestStores()
	m := inlineOnlyMaterializer()

	email := &models.EmailMessage{
		ID:     "msg-3",
		Sender: models.EmailAddress{Address: "Support@acme.example"},
	}

	_, err := m.CreateTicket(context.Background(), stores, email, testMailbox(), nil)
	var rejected *RejectionError
	if !errors.As(err, &rejected) {
		t.Fatalf("err = %v, want RejectionError", err)
	}
}

func TestCreateTicketFromForwardUsesOriginalAudience(t *testing.T) {
	stores, tickets, _, contacts, _ := newTestStores()
	m := inlineOnlyMaterializer()

	email := &models.EmailMessage{
		ID:             "msg-4",
		ConversationID: "conv-4",
		Subject:        "FW: Invoice question",
		Body:           "forwarded body",
		BodyType:       "text",
		Sender:         models.EmailAddress{Name: "Agent Kim", Address: "kim@acme.example"},
		ToRecipients:   []models.EmailAddress{{Address: "support@acme.example"}},
		IsForwarded:    true,
		OriginalSender: &models.EmailAddress{Name: "Pat Vendor", Address: "pat@vendor.example"},
		OriginalTo:     []models.EmailAddress{{Address: "kim@acme.example"}},
		OriginalCc:     []models.EmailAddress{{Address: "billing@vendor.example"}},
	}

	ticket, err := m.CreateTicket(context.Background(), stores, email, testMailbox(), []string{"support@acme.example"})
	if err != nil {
		t.Fatalf("CreateTicket: %v", err)
	}

	if ticket.SenderEmail != "pat@vendor.example" {
		t.Errorf("sender = %q, want the forwarded original sender", ticket.SenderEmail)
	}
	if contacts.byMail["pat@vendor.example"] == nil {
		t.Error("contact should be the original sender, not the forwarding agent")
	}
	if ticket.ToRecipients != "kim@acme.example" {
		t.Errorf("to recipients = %q", ticket.ToRecipients)
	}
	// The forwarding agent stays on Cc so they keep seeing the thread.
	if !strings.Contains(ticket.CcRecipients, "kim@acme.example") ||
		!strings.Contains(ticket.CcRecipients, "billing@vendor.example") {
		t.Errorf("cc recipients = %q", ticket.CcRecipients)
	}
	if len(tickets.created) != 1 {
		t.Fatalf("tickets created = %d", len(tickets.created))
	}
}

func TestWriteCommentRewritesInlineImages(t *testing.T) {
	stores, _, comments, _, _ := newTestStores()
	m := inlineOnlyMaterializer()

	email := &models.EmailMessage{
		ID:             "msg-5",
		ConversationID: "conv-5",
		Subject:        "Screenshot attached",
		Body:           `<p>See below</p><img src="cid:image001@01D9">`,
		BodyType:       "html",
		Sender:         models.EmailAddress{Address: "dana@customer.example"},
		Attachments: []models.EmailAttachment{
			{Name: "image001.png", ContentType: "image/png", IsInline: true, ContentID: "image001@01D9", ContentBytes: []byte{0x89, 0x50}},
			{Name: "report.pdf", ContentType: "application/pdf", ContentBytes: []byte("pdf")},
		},
	}

	if _, err := m.CreateTicket(context.Background(), stores, email, testMailbox(), nil); err != nil {
		t.Fatalf("CreateTicket: %v", err)
	}

	content := comments.created[0].Content
	if strings.Contains(content, "cid:") {
		t.Errorf("cid reference survived: %q", content)
	}
	if !strings.Contains(content, "data:image/png;base64,") {
		t.Errorf("inline image was not embedded: %q", content)
	}
	if len(comments.attachments) != 1 || comments.attachments[0].FileName != "report.pdf" {
		t.Errorf("file attachments = %+v, inline image must not become a row", comments.attachments)
	}
}

func TestCommentHTMLIsSanitized(t *testing.T) {
	stores, _, comments, _, _ := newTestStores()
	m := inlineOnlyMaterializer()

	email := &models.EmailMessage{
		ID:             "msg-6",
		ConversationID: "conv-6",
		Subject:        "hi",
		Body:           `<p onclick="steal()">hello</p><script>steal()</script>`,
		BodyType:       "html",
		Sender:         models.EmailAddress{Address: "dana@customer.example"},
	}

	if _, err := m.CreateTicket(context.Background(), stores, email, testMailbox(), nil); err != nil {
		t.Fatalf("CreateTicket: %v", err)
	}
	content := comments.created[0].Content
	if strings.Contains(content, "script") || strings.Contains(content, "onclick") {
		t.Errorf("active content survived sanitization: %q", content)
	}
}

func TestAppendCommentUpdatesPrimaryContact(t *testing.T) {
	stores, tickets, comments, contacts, mappings := newTestStores()
	m := inlineOnlyMaterializer()

	original, err := contacts.GetOrCreateContact(context.Background(), 3, "Dana", "dana@customer.example")
	if err != nil {
		t.Fatal(err)
	}
	ticket := &models.Ticket{ID: 11, WorkspaceID: 3, PrimaryContactID: &original.ID}

	email := &models.EmailMessage{
		ID:             "msg-7",
		ConversationID: "conv-7",
		Subject:        "RE: Printer on fire [ID: 11]",
		Body:           "taking over from Dana",
		BodyType:       "text",
		Sender:         models.EmailAddress{Name: "Robin Cole", Address: "robin@customer.example"},
	}

	_, err = m.AppendComment(context.Background(), stores, email, ticket, email.Sender, testMailbox())
	if err != nil {
		t.Fatalf("AppendComment: %v", err)
	}

	if len(comments.created) != 1 {
		t.Fatalf("comments created = %d", len(comments.created))
	}
	robin := contacts.byMail["robin@customer.example"]
	if robin == nil {
		t.Fatal("reply contact was not created")
	}
	if got := tickets.contactOf[11]; got != robin.ID {
		t.Errorf("primary contact = %d, want %d", got, robin.ID)
	}
	if len(mappings.created) != 1 || mappings.created[0].TicketID != 11 {
		t.Errorf("mappings = %+v", mappings.created)
	}
}

func TestAppendCommentKeepsPrimaryContactWhenUnchanged(t *testing.T) {
	stores, tickets, _, contacts, _ := newTestStores()
	m := inlineOnlyMaterializer()

	dana, err := contacts.GetOrCreateContact(context.Background(), 3, "Dana", "dana@customer.example")
	if err != nil {
		t.Fatal(err)
	}
	ticket := &models.Ticket{ID: 12, WorkspaceID: 3, PrimaryContactID: &dana.ID}

	email := &models.EmailMessage{
		ID:             "msg-8",
		ConversationID: "conv-8",
		Subject:        "RE: still broken",
		Body:           "ping",
		BodyType:       "text",
		Sender:         models.EmailAddress{Name: "Dana", Address: "dana@customer.example"},
	}

	if _, err := m.AppendComment(context.Background(), stores, email, ticket, email.Sender, testMailbox()); err != nil {
		t.Fatalf("AppendComment: %v", err)
	}
	if _, updated := tickets.contactOf[12]; updated {
		t.Error("primary contact was rewritten for the same sender")
	}
}

func TestParseSenderMarkerRoundTrip(t *testing.T) {
	body := prependSenderMarker("<p>hi</p>", models.EmailAddress{Name: "Dana Reyes", Address: "dana@customer.example"})
	sender, rest, ok := ParseSenderMarker(body)
	if !ok {
		t.Fatalf("marker not found in %q", body)
	}
	if sender.Name != "Dana Reyes" || sender.Address != "dana@customer.example" {
		t.Errorf("sender = %+v", sender)
	}
	if rest != "<p>hi</p>" {
		t.Errorf("remainder = %q", rest)
	}
}

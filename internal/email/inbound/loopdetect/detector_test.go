package loopdetect

import (
	"testing"

	"github.com/opendesk-io/opendesk-ce/internal/models"
)

const mailbox = "support@acme.example"

var workspaceAddrs = []string{"support@acme.example", "sales@acme.example"}

func newDetector() *Detector {
	return New([]string{"opendesk.example"})
}

func message(from, subject string, to, cc []string) *models.EmailMessage {
	m := &models.EmailMessage{
		ID:      "msg-1",
		Subject: subject,
		Sender:  models.EmailAddress{Address: from},
	}
	for _, a := range to {
		m.ToRecipients = append(m.ToRecipients, models.EmailAddress{Address: a})
	}
	for _, a := range cc {
		m.CcRecipients = append(m.CcRecipients, models.EmailAddress{Address: a})
	}
	return m
}

func agents() []*models.User {
	return []*models.User{
		{ID: 2, Email: "kim@acme.example", IsAgent: true, Active: true},
		{ID: 3, Email: "lee@acme.example", IsAgent: true, Active: false},
	}
}

func TestMailboxInToAndCcIsLoop(t *testing.T) {
	d := newDetector()
	m := message("dana@customer.example", "anything", []string{mailbox}, []string{mailbox})
	if !d.IsInternalLoop(m, mailbox, workspaceAddrs, nil) {
		t.Error("mailbox on both To and Cc must be detected as a loop")
	}
}

func TestMailboxOnlyInToIsNotLoop(t *testing.T) {
	d := newDetector()
	m := message("dana@customer.example", "Printer on fire", []string{mailbox}, nil)
	if d.IsInternalLoop(m, mailbox, workspaceAddrs, agents()) {
		t.Error("ordinary inbound mail flagged as loop")
	}
}

func TestAgentReplyWithMailboxInCcIsLoop(t *testing.T) {
	d := newDetector()
	m := message("kim@acme.example", "RE: update", []string{"dana@customer.example"}, []string{mailbox})
	if !d.IsInternalLoop(m, mailbox, workspaceAddrs, agents()) {
		t.Error("agent reply Cc'ing the mailbox must be detected")
	}
}

func TestInactiveAgentCcIsNotLoop(t *testing.T) {
	d := newDetector()
	m := message("lee@acme.example", "RE: update", []string{"dana@customer.example"}, []string{mailbox})
	if d.IsInternalLoop(m, mailbox, workspaceAddrs, agents()) {
		t.Error("inactive agent must not trigger the agent-Cc rule")
	}
}

func TestTaggedReplyFromWorkspaceDomainIsLoop(t *testing.T) {
	d := newDetector()
	m := message("kim@acme.example", "RE: Printer on fire [ID: 42]", []string{mailbox}, nil)
	if !d.IsInternalLoop(m, mailbox, workspaceAddrs, nil) {
		t.Error("tagged reply from workspace domain must be detected")
	}
}

func TestTaggedReplyScopedToOwnWorkspace(t *testing.T) {
	// Another tenant's mailbox domain must not suppress replies into this
	// workspace: the domain set comes from this workspace's own mailboxes.
	d := newDetector()
	m := message("pat@otherco.example", "RE: Printer on fire [ID: 42]", []string{mailbox}, nil)
	if d.IsInternalLoop(m, mailbox, workspaceAddrs, nil) {
		t.Error("foreign-domain tagged reply suppressed")
	}
	if !d.IsInternalLoop(m, "help@otherco.example", []string{"help@otherco.example"}, nil) {
		t.Error("same message not detected in the workspace that owns the domain")
	}
}

func TestTaggedReplyFromCustomerIsNotLoop(t *testing.T) {
	// Customers reply to outbound mail that carries the tag; those are the
	// replies the whole subsystem exists for.
	d := newDetector()
	m := message("dana@customer.example", "RE: Printer on fire [ID: 42]", []string{mailbox}, nil)
	if d.IsInternalLoop(m, mailbox, workspaceAddrs, nil) {
		t.Error("customer reply with ticket tag flagged as loop")
	}
}

func TestTaggedForwardIsNotLoop(t *testing.T) {
	d := newDetector()
	m := message("kim@acme.example", "FW: Printer on fire [ID: 42]", []string{mailbox}, nil)
	if d.IsInternalLoop(m, mailbox, workspaceAddrs, nil) {
		t.Error("forward with ticket tag must not trip the tagged-reply rule")
	}
}

func TestSystemNotificationFromPlatformDomain(t *testing.T) {
	d := newDetector()
	m := message("noreply@opendesk.example", "New ticket #77 created", []string{mailbox}, nil)
	if !d.IsSystemNotification(m, mailbox) {
		t.Error("platform notification not suppressed")
	}
}

func TestSelfSentNotification(t *testing.T) {
	d := newDetector()
	m := message(mailbox, "[OpenDesk] Ticket #12 has been assigned", []string{mailbox}, nil)
	if !d.IsSystemNotification(m, mailbox) {
		t.Error("self-sent notification not suppressed")
	}
}

func TestCustomerMailIsNotNotification(t *testing.T) {
	d := newDetector()
	m := message("dana@customer.example", "New ticket #77 created", []string{mailbox}, nil)
	if d.IsSystemNotification(m, mailbox) {
		t.Error("customer mail suppressed because of subject wording")
	}
}

func TestDomainsOfAddresses(t *testing.T) {
	got := domainsOfAddresses([]string{"support@acme.example", "sales@ACME.example", "bogus", "help@other.example"})
	want := []string{"acme.example", "other.example"}
	if len(got) != len(want) {
		t.Fatalf("domains = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("domains[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

// Package loopdetect decides whether an inbound message is an internal echo
// that must be consumed silently instead of becoming ticket content. A shared
// mailbox that both sends notifications and receives replies will eventually
// see its own mail reflected back; feeding that into ticket creation produces
// duplicate noise or an infinite ticket loop.
package loopdetect

import (
	"log"
	"regexp"
	"strings"

	"github.com/opendesk-io/opendesk-ce/internal/models"
)

var (
	ticketTagPattern = regexp.MustCompile(`\[ID:\s*(\d+)\]`)
	replyPattern     = regexp.MustCompile(`(?i)^\s*(re|aw|sv)\s*:`)
	forwardPattern   = regexp.MustCompile(`(?i)^\s*(fw|fwd|rv|reenviado)\s*:`)
)

// Outbound-notification subject phrases; messages matching these with a
// platform sender are the system's own transactional mail coming back.
var notificationPhrases = []string{
	"new ticket #",
	"ticket #",
	"has been assigned",
	"[id:",
	"[opendesk]",
}

// Detector classifies internal echoes.
type Detector struct {
	logger *log.Logger
	// systemDomains are platform-owned sender domains.
	systemDomains []string
}

// Option customizes a Detector.
type Option func(*Detector)

// New constructs a detector.
func New(systemDomains []string, opts ...Option) *Detector {
	d := &Detector{
		logger:        log.Default(),
		systemDomains: normalizeDomains(systemDomains),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// WithLogger overrides the logger used for diagnostics.
func WithLogger(logger *log.Logger) Option {
	return func(d *Detector) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// IsInternalLoop applies the loop rules in order and short-circuits on the
// first match:
//
//  1. mailbox in both To and Cc
//  2. mailbox in Cc and the sender is an active agent of the workspace
//  3. ticket-tagged reply subject from a workspace or platform domain
//
// workspaceAddrs are the addresses of the mailboxes configured in THIS
// workspace; their domains scope rule 3 so one tenant's domain never
// suppresses another tenant's replies.
func (d *Detector) IsInternalLoop(email *models.EmailMessage, mailboxAddress string, workspaceAddrs []string, workspaceAgents []*models.User) bool {
	mailbox := strings.ToLower(strings.TrimSpace(mailboxAddress))
	inTo := containsAddress(email.ToRecipients, mailbox)
	inCc := containsAddress(email.CcRecipients, mailbox)

	if inTo && inCc {
		d.logf("loopdetect: mailbox %s in both To and Cc (message %s)", mailbox, email.ID)
		return true
	}
	if inCc && d.senderIsAgent(email.Sender.Address, workspaceAgents) {
		d.logf("loopdetect: agent %s replied with mailbox %s in Cc (message %s)", email.Sender.Address, mailbox, email.ID)
		return true
	}
	if d.taggedReplyFromOwnDomain(email, domainsOfAddresses(append(workspaceAddrs, mailboxAddress))) {
		d.logf("loopdetect: tagged reply from own domain %s (message %s)", email.Sender.Address, email.ID)
		return true
	}
	return false
}

// IsSystemNotification reports whether the message is one of the platform's
// own outbound notifications re-ingested by polling. Independent of the
// To/Cc loop rules; applied first by the sync loop.
func (d *Detector) IsSystemNotification(email *models.EmailMessage, mailboxAddress string) bool {
	sender := strings.ToLower(strings.TrimSpace(email.Sender.Address))
	mailbox := strings.ToLower(strings.TrimSpace(mailboxAddress))
	if sender != mailbox && !d.isSystemDomain(sender) {
		return false
	}
	subject := strings.ToLower(email.Subject)
	for _, phrase := range notificationPhrases {
		if strings.Contains(subject, phrase) {
			d.logf("loopdetect: notification self-suppression %q (message %s)", email.Subject, email.ID)
			return true
		}
	}
	return false
}

func (d *Detector) taggedReplyFromOwnDomain(email *models.EmailMessage, workspaceDomains []string) bool {
	if !ticketTagPattern.MatchString(email.Subject) {
		return false
	}
	if !replyPattern.MatchString(email.Subject) || forwardPattern.MatchString(email.Subject) {
		return false
	}
	sender := strings.ToLower(email.Sender.Address)
	return domainIn(sender, workspaceDomains) || d.isSystemDomain(sender)
}

func (d *Detector) senderIsAgent(sender string, agents []*models.User) bool {
	sender = strings.ToLower(strings.TrimSpace(sender))
	for _, agent := range agents {
		if agent != nil && agent.Active && strings.EqualFold(agent.Email, sender) {
			return true
		}
	}
	return false
}

func (d *Detector) isSystemDomain(addr string) bool {
	return domainIn(addr, d.systemDomains)
}

// domainsOfAddresses extracts the distinct lowercased domains of the given
// mailbox addresses.
func domainsOfAddresses(addrs []string) []string {
	seen := make(map[string]struct{}, len(addrs))
	var domains []string
	for _, addr := range addrs {
		at := strings.LastIndex(addr, "@")
		if at < 0 {
			continue
		}
		domain := strings.ToLower(strings.TrimSpace(addr[at+1:]))
		if domain == "" {
			continue
		}
		if _, ok := seen[domain]; ok {
			continue
		}
		seen[domain] = struct{}{}
		domains = append(domains, domain)
	}
	return domains
}

func domainIn(addr string, domains []string) bool {
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return false
	}
	domain := addr[at+1:]
	for _, d := range domains {
		if domain == d {
			return true
		}
	}
	return false
}

func containsAddress(list []models.EmailAddress, addr string) bool {
	for _, a := range list {
		if strings.EqualFold(a.Address, addr) {
			return true
		}
	}
	return false
}

func normalizeDomains(domains []string) []string {
	var result []string
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(d, "@")))
		if d != "" {
			result = append(result, d)
		}
	}
	return result
}

func (d *Detector) logf(format string, args ...any) {
	if d == nil || d.logger == nil {
		return
	}
	d.logger.Printf(format, args...)
}

// Package parser converts raw provider message payloads into normalized
// EmailMessage values, including forwarded-original-sender extraction.
package parser

import (
	"encoding/base64"
	"errors"
	"fmt"
	"html"
	"log"
	"regexp"
	"strings"

	"github.com/opendesk-io/opendesk-ce/internal/email/graph"
	"github.com/opendesk-io/opendesk-ce/internal/models"
)

// ErrNoSender indicates a payload without a usable sender address.
var ErrNoSender = errors.New("parser: message has no usable sender")

var (
	// Tolerant address extraction: pulls a bare address out of whatever
	// decoration the payload carries ("Name <addr>", stray whitespace,
	// angle-bracket litter).
	addressPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-']+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)

	// Strict validation applied after cleanup; addresses failing it are
	// dropped rather than failing the whole message.
	strictAddress = regexp.MustCompile(`^[A-Za-z0-9._%+\-']+@[A-Za-z0-9\-]+(\.[A-Za-z0-9\-]+)*\.[A-Za-z]{2,}$`)

	forwardSubject = regexp.MustCompile(`(?i)^\s*(fw|fwd|rv|reenviado)\s*:`)
	replySubject   = regexp.MustCompile(`(?i)^\s*(re|aw|sv)\s*:`)

	forwardMarkers = []string{
		"---------- Forwarded message ---------",
		"Begin forwarded message:",
		"-----Original Message-----",
	}
	headerLinePattern = regexp.MustCompile(`(?im)^\s*(?:From|De)\s*:`)

	// "<b>From:</b> Jane Doe <jane@customer.com><br>" after entity decoding.
	htmlFromPattern = regexp.MustCompile(`(?i)<b>\s*(?:From|De)\s*:?\s*</b>(?:&nbsp;|\s)*([^<>\r\n]*?)\s*<\s*([A-Za-z0-9._%+\-']+@[A-Za-z0-9.\-]+)\s*>`)

	// "From: Jane Doe <jane@customer.com>" or "From: Jane [mailto:jane@...]".
	plainFromPattern = regexp.MustCompile(`(?im)^\s*(?:From|De)\s*:\s*([^<>\[\]\r\n]*?)\s*[<\[](?:mailto:)?\s*([A-Za-z0-9._%+\-']+@[A-Za-z0-9.\-]+)\s*[>\]]`)

	htmlToPattern  = regexp.MustCompile(`(?i)<b>\s*To\s*:?\s*</b>(?:&nbsp;|\s)*([^\r\n]*?)(?:<br|</p|</div|<b>)`)
	htmlCcPattern  = regexp.MustCompile(`(?i)<b>\s*Cc\s*:?\s*</b>(?:&nbsp;|\s)*([^\r\n]*?)(?:<br|</p|</div|<b>)`)
	plainToPattern = regexp.MustCompile(`(?im)^\s*To\s*:\s*(.+)$`)
	plainCcPattern = regexp.MustCompile(`(?im)^\s*Cc\s*:\s*(.+)$`)

	tagStripper = regexp.MustCompile(`<[^>]*>`)
)

// Parser normalizes provider payloads.
type Parser struct {
	logger        *log.Logger
	systemDomains []string
}

// Option customizes a Parser.
type Option func(*Parser)

// New constructs a parser. systemDomains are platform-owned domains excluded
// from forwarded-sender fallback matching.
func New(systemDomains []string, opts ...Option) *Parser {
	p := &Parser{
		logger:        log.Default(),
		systemDomains: normalizeDomains(systemDomains),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// WithLogger overrides the logger used for diagnostics.
func WithLogger(logger *log.Logger) Option {
	return func(p *Parser) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// Parse converts a raw provider message into a normalized EmailMessage.
// Malformed recipient addresses are dropped, not fatal; a missing sender is.
func (p *Parser) Parse(msg *graph.Message, mailboxAddress string) (*models.EmailMessage, error) {
	if msg == nil {
		return nil, errors.New("parser: message required")
	}
	sender := p.senderOf(msg)
	if sender == nil {
		return nil, fmt.Errorf("%w (message %s, subject %q)", ErrNoSender, msg.ID, msg.Subject)
	}

	email := &models.EmailMessage{
		ID:                msg.ID,
		InternetMessageID: msg.InternetMessageID,
		ConversationID:    msg.ConversationID,
		Subject:           strings.TrimSpace(msg.Subject),
		Body:              msg.Body.Content,
		BodyType:          strings.ToLower(msg.Body.ContentType),
		ReceivedAt:        msg.ReceivedDateTime,
		Importance:        msg.Importance,
		Sender:            *sender,
		ToRecipients:      p.cleanRecipients(msg.ToRecipients),
		CcRecipients:      p.cleanRecipients(msg.CcRecipients),
		BccRecipients:     p.cleanRecipients(msg.BccRecipients),
		Attachments:       decodeAttachments(msg.Attachments),
	}

	if p.looksForwarded(email.Subject, email.Body) {
		p.extractForwardMetadata(email, mailboxAddress)
	}
	return email, nil
}

// CleanAddress normalizes a decorated or whitespace-littered address to a bare
// lowercase address. Returns "" when nothing valid can be extracted.
func (p *Parser) CleanAddress(raw string) string {
	raw = html.UnescapeString(strings.TrimSpace(raw))
	match := addressPattern.FindString(raw)
	if match == "" {
		return ""
	}
	cleaned := strings.ToLower(strings.Trim(match, ".'"))
	if !strictAddress.MatchString(cleaned) {
		return ""
	}
	return cleaned
}

func (p *Parser) senderOf(msg *graph.Message) *models.EmailAddress {
	candidates := []*struct {
		Name, Address string
	}{}
	if msg.From != nil {
		candidates = append(candidates, &struct{ Name, Address string }{msg.From.EmailAddress.Name, msg.From.EmailAddress.Address})
	}
	if msg.Sender != nil {
		candidates = append(candidates, &struct{ Name, Address string }{msg.Sender.EmailAddress.Name, msg.Sender.EmailAddress.Address})
	}
	for _, c := range candidates {
		if addr := p.CleanAddress(c.Address); addr != "" {
			return &models.EmailAddress{Name: strings.TrimSpace(c.Name), Address: addr}
		}
	}
	return nil
}

func (p *Parser) cleanRecipients(list []graph.Recipient) []models.EmailAddress {
	var result []models.EmailAddress
	for _, r := range list {
		addr := p.CleanAddress(r.EmailAddress.Address)
		if addr == "" {
			p.logf("parser: dropping malformed recipient %q", r.EmailAddress.Address)
			continue
		}
		result = append(result, models.EmailAddress{
			Name:    strings.TrimSpace(r.EmailAddress.Name),
			Address: addr,
		})
	}
	return result
}

func (p *Parser) looksForwarded(subject, body string) bool {
	if forwardSubject.MatchString(subject) {
		return true
	}
	decoded := html.UnescapeString(body)
	for _, marker := range forwardMarkers {
		if strings.Contains(decoded, marker) {
			return true
		}
	}
	// An embedded From:/De: header line inside the body also signals a
	// quoted original, but only in tandem with text around it; restrict to
	// the stripped text so tag attributes cannot fake a match.
	return headerLinePattern.MatchString(stripTags(decoded))
}

// extractForwardMetadata pulls the original sender and audience out of the
// forwarded block. Failure is graceful: the message is simply treated as a
// non-forward.
func (p *Parser) extractForwardMetadata(email *models.EmailMessage, mailboxAddress string) {
	// Entity decoding first: "&lt;jane@customer.com&gt;" must become
	// "<jane@customer.com>" or the angle-bracket patterns never match.
	decoded := html.UnescapeString(email.Body)

	original := p.originalSender(decoded, mailboxAddress)
	if original == nil {
		p.logf("parser: forward detected but no original sender found (message %s)", email.ID)
		return
	}
	email.IsForwarded = true
	email.OriginalSender = original
	email.OriginalTo = p.originalAudience(decoded, htmlToPattern, plainToPattern)
	email.OriginalCc = p.originalAudience(decoded, htmlCcPattern, plainCcPattern)
}

func (p *Parser) originalSender(decoded, mailboxAddress string) *models.EmailAddress {
	if m := htmlFromPattern.FindStringSubmatch(decoded); m != nil {
		if addr := p.CleanAddress(m[2]); addr != "" {
			return &models.EmailAddress{Name: cleanName(m[1]), Address: addr}
		}
	}
	// The plain pattern runs against the decoded body first: stripping tags
	// would eat "<pat@vendor.example>" itself. The stripped pass catches
	// headers glued to markup on the same line.
	m := plainFromPattern.FindStringSubmatch(decoded)
	if m == nil {
		m = plainFromPattern.FindStringSubmatch(stripTags(decoded))
	}
	if m != nil {
		if addr := p.CleanAddress(m[2]); addr != "" {
			return &models.EmailAddress{Name: cleanName(m[1]), Address: addr}
		}
	}
	// Fallback: first address in the body that is neither the polling mailbox
	// nor a platform-owned domain.
	mailboxAddress = strings.ToLower(strings.TrimSpace(mailboxAddress))
	for _, match := range addressPattern.FindAllString(decoded, -1) {
		addr := p.CleanAddress(match)
		if addr == "" || addr == mailboxAddress || p.isSystemDomain(addr) {
			continue
		}
		return &models.EmailAddress{Address: addr}
	}
	return nil
}

func (p *Parser) originalAudience(decoded string, htmlPat, plainPat *regexp.Regexp) []models.EmailAddress {
	var line string
	if m := htmlPat.FindStringSubmatch(decoded); m != nil {
		line = m[1]
	} else if m := plainPat.FindStringSubmatch(decoded); m != nil {
		line = m[1]
	} else if m := plainPat.FindStringSubmatch(stripTags(decoded)); m != nil {
		line = m[1]
	}
	if line == "" {
		return nil
	}
	var result []models.EmailAddress
	seen := map[string]struct{}{}
	for _, part := range strings.Split(line, ";") {
		for _, piece := range strings.Split(part, ",") {
			addr := p.CleanAddress(piece)
			if addr == "" {
				continue
			}
			if _, dup := seen[addr]; dup {
				continue
			}
			seen[addr] = struct{}{}
			name := cleanName(strings.Split(piece, "<")[0])
			if name == addr {
				name = ""
			}
			result = append(result, models.EmailAddress{Name: name, Address: addr})
		}
	}
	return result
}

func (p *Parser) isSystemDomain(addr string) bool {
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return false
	}
	domain := addr[at+1:]
	for _, d := range p.systemDomains {
		if domain == d {
			return true
		}
	}
	return false
}

// IsReplySubject reports whether the subject carries a reply prefix
// (and not a forward prefix).
func IsReplySubject(subject string) bool {
	return replySubject.MatchString(subject) && !forwardSubject.MatchString(subject)
}

// IsForwardSubject reports whether the subject carries a forward prefix.
func IsForwardSubject(subject string) bool {
	return forwardSubject.MatchString(subject)
}

// StripReplyPrefixes removes stacked reply/forward prefixes for subject
// comparison.
func StripReplyPrefixes(subject string) string {
	s := strings.TrimSpace(subject)
	for {
		trimmed := replySubject.ReplaceAllString(s, "")
		trimmed = forwardSubject.ReplaceAllString(trimmed, "")
		trimmed = strings.TrimSpace(trimmed)
		if trimmed == s {
			return s
		}
		s = trimmed
	}
}

func decodeAttachments(list []graph.Attachment) []models.EmailAttachment {
	var result []models.EmailAttachment
	for _, att := range list {
		decoded := models.EmailAttachment{
			ID:          att.ID,
			Name:        att.Name,
			ContentType: att.ContentType,
			Size:        att.Size,
			IsInline:    att.IsInline,
			ContentID:   att.ContentID,
		}
		if att.ContentBytes != "" {
			if data, err := base64.StdEncoding.DecodeString(att.ContentBytes); err == nil {
				decoded.ContentBytes = data
			}
		}
		result = append(result, decoded)
	}
	return result
}

func stripTags(s string) string {
	return tagStripper.ReplaceAllString(s, "\n")
}

func cleanName(s string) string {
	s = strings.Trim(strings.TrimSpace(s), `"'`)
	s = strings.TrimSuffix(s, ",")
	return strings.TrimSpace(s)
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

func (p *Parser) logf(format string, args ...any) {
	if p == nil || p.logger == nil {
		return
	}
	p.logger.Printf(format, args...)
}

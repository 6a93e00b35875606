package materializer

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/opendesk-io/opendesk-ce/internal/models"
)

// OriginalSenderMarker wraps the true external participant's identity at the
// start of comment HTML. The system-of-record author is a placeholder actor;
// the UI parses and strips this marker to render who really sent the message.
const (
	originalSenderOpen  = "<original-sender>"
	originalSenderClose = "</original-sender>"
)

var (
	cidPattern = regexp.MustCompile(`(?i)src\s*=\s*["']cid:([^"']+)["']`)

	markerPattern = regexp.MustCompile(`(?s)^<original-sender>(.*?)\|(.*?)</original-sender>`)

	// Inbound mail HTML is untrusted. The policy keeps the formatting mail
	// clients emit (tables, inline styles, embedded images) and drops
	// scripts and event handlers.
	htmlPolicy = func() *bluemonday.Policy {
		p := bluemonday.UGCPolicy()
		p.AllowAttrs("style").Globally()
		p.AllowDataURIImages()
		p.AllowTables()
		return p
	}()
)

// sanitizeHTML strips active content from an inbound HTML body.
func sanitizeHTML(body string) string {
	return htmlPolicy.Sanitize(body)
}

// rewriteInlineImages replaces cid: image references with data URIs resolved
// from the message's own inline attachments. Unresolvable references are left
// alone; the sanitizer drops them later.
func rewriteInlineImages(body string, inline []models.EmailAttachment) string {
	if len(inline) == 0 || !strings.Contains(strings.ToLower(body), "cid:") {
		return body
	}
	byContentID := make(map[string]models.EmailAttachment, len(inline))
	for _, att := range inline {
		if att.ContentID != "" {
			byContentID[strings.Trim(att.ContentID, "<>")] = att
		}
	}
	return cidPattern.ReplaceAllStringFunc(body, func(match string) string {
		m := cidPattern.FindStringSubmatch(match)
		att, ok := byContentID[strings.Trim(m[1], "<>")]
		if !ok || len(att.ContentBytes) == 0 {
			return match
		}
		contentType := att.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		return fmt.Sprintf(`src="data:%s;base64,%s"`,
			contentType, base64.StdEncoding.EncodeToString(att.ContentBytes))
	})
}

// prependSenderMarker prefixes the original-sender marker to comment HTML.
func prependSenderMarker(body string, sender models.EmailAddress) string {
	return originalSenderOpen + sender.Name + "|" + sender.Address + originalSenderClose + body
}

// ParseSenderMarker splits a stored comment body into the marked sender and
// the displayable remainder. ok is false when no marker is present.
func ParseSenderMarker(body string) (sender models.EmailAddress, remainder string, ok bool) {
	m := markerPattern.FindStringSubmatch(body)
	if m == nil {
		return models.EmailAddress{}, body, false
	}
	return models.EmailAddress{Name: m[1], Address: m[2]}, body[len(m[0]):], true
}

package storage

import "strings"

// MigratedPrefix is the persisted marker for comment content that was moved to
// object storage. The exact byte sequence is a wire-format contract shared with
// older producers and must not change.
const MigratedPrefix = "[MIGRATED_TO_S3] Content moved to S3: "

// Content is either inline HTML or a pointer to externally stored HTML.
// The string-sentinel form only exists at the persistence boundary; everything
// above the repository layer works with this type.
type Content struct {
	Inline      string
	ExternalURL string
}

// InlineContent wraps HTML held directly in the database row.
func InlineContent(html string) Content {
	return Content{Inline: html}
}

// ExternalContent wraps a pointer to offloaded HTML.
func ExternalContent(url string) Content {
	return Content{ExternalURL: url}
}

// IsExternal reports whether the content lives in object storage.
func (c Content) IsExternal() bool {
	return c.ExternalURL != ""
}

// Encode renders the persisted column value.
func (c Content) Encode() string {
	if c.IsExternal() {
		return MigratedPrefix + c.ExternalURL
	}
	return c.Inline
}

// DecodeContent parses a persisted column value back into a Content.
func DecodeContent(raw string) Content {
	if url, ok := strings.CutPrefix(raw, MigratedPrefix); ok {
		return ExternalContent(strings.TrimSpace(url))
	}
	return InlineContent(raw)
}

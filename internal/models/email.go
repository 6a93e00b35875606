package models

import "time"

// EmailAddress represents a sender or recipient with an address and optional display name.
type EmailAddress struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

// String renders the address in "Name <address>" form when a name is present.
func (a EmailAddress) String() string {
	if a.Name == "" {
		return a.Address
	}
	return a.Name + " <" + a.Address + ">"
}

// EmailAttachment is a file carried by a provider message.
type EmailAttachment struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ContentType  string `json:"content_type"`
	Size         int64  `json:"size"`
	IsInline     bool   `json:"is_inline"`
	ContentID    string `json:"content_id,omitempty"`
	ContentBytes []byte `json:"content_bytes,omitempty"`
}

// EmailMessage is the normalized form of a provider message. It exists only for
// the duration of one sync pass; nothing persists it directly.
//
// ID is the provider message identifier and is NOT stable across folder moves.
// Any stored reference to it must be prepared to be rewritten (see the
// mappingrepair package). InternetMessageID is the more stable secondary
// correlation key; ConversationID is the primary thread key.
type EmailMessage struct {
	ID                string            `json:"id"`
	InternetMessageID string            `json:"internet_message_id,omitempty"`
	ConversationID    string            `json:"conversation_id"`
	Subject           string            `json:"subject"`
	Body              string            `json:"body"`
	BodyType          string            `json:"body_type"` // "html" or "text"
	ReceivedAt        time.Time         `json:"received_at"`
	Importance        string            `json:"importance,omitempty"`
	Sender            EmailAddress      `json:"sender"`
	ToRecipients      []EmailAddress    `json:"to_recipients"`
	CcRecipients      []EmailAddress    `json:"cc_recipients,omitempty"`
	BccRecipients     []EmailAddress    `json:"bcc_recipients,omitempty"`
	Attachments       []EmailAttachment `json:"attachments,omitempty"`

	// Forward metadata extracted by the parser when the message is a manual
	// forward. OriginalSender is the party the forwarded mail came from, not
	// the forwarding agent.
	IsForwarded    bool           `json:"is_forwarded,omitempty"`
	OriginalSender *EmailAddress  `json:"original_sender,omitempty"`
	OriginalTo     []EmailAddress `json:"original_to,omitempty"`
	OriginalCc     []EmailAddress `json:"original_cc,omitempty"`
}

// EffectiveSender returns the original sender for forwarded messages and the
// on-wire sender otherwise.
func (m *EmailMessage) EffectiveSender() EmailAddress {
	if m.IsForwarded && m.OriginalSender != nil && m.OriginalSender.Address != "" {
		return *m.OriginalSender
	}
	return m.Sender
}

// InlineAttachments returns attachments referenced from the body via cid: URLs.
func (m *EmailMessage) InlineAttachments() []EmailAttachment {
	var inline []EmailAttachment
	for _, att := range m.Attachments {
		if att.IsInline {
			inline = append(inline, att)
		}
	}
	return inline
}

// FileAttachments returns attachments that should become ticket attachments.
func (m *EmailMessage) FileAttachments() []EmailAttachment {
	var files []EmailAttachment
	for _, att := range m.Attachments {
		if !att.IsInline {
			files = append(files, att)
		}
	}
	return files
}

package graph

import "time"

// Recipient mirrors the provider's nested emailAddress wrapper.
type Recipient struct {
	EmailAddress struct {
		Name    string `json:"name"`
		Address string `json:"address"`
	} `json:"emailAddress"`
}

// MessageSummary is the projection returned by folder listings.
type MessageSummary struct {
	ID               string    `json:"id"`
	Subject          string    `json:"subject"`
	ReceivedDateTime time.Time `json:"receivedDateTime"`
	IsRead           bool      `json:"isRead"`
}

// Message is the full provider message payload with attachments expanded.
type Message struct {
	ID                string    `json:"id"`
	InternetMessageID string    `json:"internetMessageId"`
	ConversationID    string    `json:"conversationId"`
	Subject           string    `json:"subject"`
	Importance        string    `json:"importance"`
	ReceivedDateTime  time.Time `json:"receivedDateTime"`
	Body              struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
	From          *Recipient   `json:"from"`
	Sender        *Recipient   `json:"sender"`
	ToRecipients  []Recipient  `json:"toRecipients"`
	CcRecipients  []Recipient  `json:"ccRecipients"`
	BccRecipients []Recipient  `json:"bccRecipients"`
	Attachments   []Attachment `json:"attachments"`
}

// Attachment is a provider attachment with content included.
type Attachment struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	Size         int64  `json:"size"`
	IsInline     bool   `json:"isInline"`
	ContentID    string `json:"contentId"`
	ContentBytes string `json:"contentBytes"`
}

// MailFolder is a provider folder handle.
type MailFolder struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

type listResponse[T any] struct {
	Value []T `json:"value"`
}

// Package graph is a thin client for the mailbox provider REST API. It issues
// single calls with a bounded timeout and no internal retries: the sync loop
// needs to know exactly which step failed to decide whether to skip the
// message or abandon the pass.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"
)

// Credential supplies a bearer token for one mailbox. The token package owns
// refresh; by the time a call reaches this client the token is expected valid.
type Credential interface {
	AccessToken(ctx context.Context) (string, error)
}

// APIError is a non-2xx provider response.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider API %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// IsNotFound reports whether the error is a provider 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client issues mailbox provider API calls. Pure I/O; no business logic.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *log.Logger
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// NewClient builds a provider client for the given API base URL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
		logger:     log.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithClientLogger overrides the logger used for diagnostics.
func WithClientLogger(logger *log.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithCallTimeout bounds every provider call.
func WithCallTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.httpClient.Timeout = timeout
		}
	}
}

// ListUnread returns unread message summaries in a folder, newest first.
func (c *Client) ListUnread(ctx context.Context, cred Credential, mailbox, folderID string, limit int) ([]MessageSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	endpoint := fmt.Sprintf("%s/users/%s/mailFolders/%s/messages?$filter=%s&$orderby=%s&$top=%d&$select=%s",
		c.baseURL, url.PathEscape(mailbox), url.PathEscape(folderID),
		url.QueryEscape("isRead eq false"),
		url.QueryEscape("receivedDateTime desc"),
		limit,
		url.QueryEscape("id,subject,receivedDateTime,isRead"),
	)
	var out listResponse[MessageSummary]
	if err := c.do(ctx, cred, http.MethodGet, endpoint, nil, &out); err != nil {
		return nil, fmt.Errorf("list unread: %w", err)
	}
	return out.Value, nil
}

// FetchFull retrieves the complete message with attachments expanded.
func (c *Client) FetchFull(ctx context.Context, cred Credential, mailbox, messageID string) (*Message, error) {
	endpoint := fmt.Sprintf("%s/users/%s/messages/%s?$expand=attachments",
		c.baseURL, url.PathEscape(mailbox), url.PathEscape(messageID))
	var msg Message
	if err := c.do(ctx, cred, http.MethodGet, endpoint, nil, &msg); err != nil {
		return nil, fmt.Errorf("fetch message: %w", err)
	}
	return &msg, nil
}

// MoveToFolder moves a message and returns the id the provider reassigned it.
func (c *Client) MoveToFolder(ctx context.Context, cred Credential, mailbox, messageID, folderID string) (string, error) {
	endpoint := fmt.Sprintf("%s/users/%s/messages/%s/move",
		c.baseURL, url.PathEscape(mailbox), url.PathEscape(messageID))
	body := map[string]string{"destinationId": folderID}
	var moved Message
	if err := c.do(ctx, cred, http.MethodPost, endpoint, body, &moved); err != nil {
		return "", fmt.Errorf("move message: %w", err)
	}
	return moved.ID, nil
}

// MarkRead flags a message read so polling stops returning it.
func (c *Client) MarkRead(ctx context.Context, cred Credential, mailbox, messageID string) error {
	endpoint := fmt.Sprintf("%s/users/%s/messages/%s",
		c.baseURL, url.PathEscape(mailbox), url.PathEscape(messageID))
	body := map[string]bool{"isRead": true}
	if err := c.do(ctx, cred, http.MethodPatch, endpoint, body, nil); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// GetOrCreateFolder resolves a folder by display name, creating it on first use.
func (c *Client) GetOrCreateFolder(ctx context.Context, cred Credential, mailbox, displayName string) (string, error) {
	endpoint := fmt.Sprintf("%s/users/%s/mailFolders?$filter=%s",
		c.baseURL, url.PathEscape(mailbox),
		url.QueryEscape(fmt.Sprintf("displayName eq '%s'", displayName)))
	var folders listResponse[MailFolder]
	if err := c.do(ctx, cred, http.MethodGet, endpoint, nil, &folders); err != nil {
		return "", fmt.Errorf("find folder: %w", err)
	}
	if len(folders.Value) > 0 {
		return folders.Value[0].ID, nil
	}
	createEndpoint := fmt.Sprintf("%s/users/%s/mailFolders", c.baseURL, url.PathEscape(mailbox))
	var created MailFolder
	if err := c.do(ctx, cred, http.MethodPost, createEndpoint, map[string]string{"displayName": displayName}, &created); err != nil {
		return "", fmt.Errorf("create folder: %w", err)
	}
	c.logf("graph: created folder %q (%s) in %s", displayName, created.ID, mailbox)
	return created.ID, nil
}

func (c *Client) do(ctx context.Context, cred Credential, method, endpoint string, body, out any) error {
	token, err := cred.AccessToken(ctx)
	if err != nil {
		return fmt.Errorf("access token: %w", err)
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return parseAPIError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func parseAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
	if json.Unmarshal(data, &envelope) == nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	}
	return apiErr
}

func (c *Client) logf(format string, args ...any) {
	if c == nil || c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}

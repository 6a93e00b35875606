// Package token owns the mailbox credential lifecycle. A credential moves
// through an explicit state machine:
//
//	Valid → ExpiringSoon → Refreshing → Valid | Unusable
//
// Unusable is terminal until a human re-authenticates the mailbox; the refresh
// credential is cleared so nothing retries it automatically.
package token

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/opendesk-io/opendesk-ce/internal/config"
	"github.com/opendesk-io/opendesk-ce/internal/models"
	"github.com/opendesk-io/opendesk-ce/internal/secrets"
)

// ErrUnusable indicates the refresh credential was rejected and the mailbox
// requires re-authentication. Callers must skip the mailbox, not retry.
var ErrUnusable = errors.New("token: credential unusable, re-authentication required")

// Store persists credential changes. *repository.MailboxRepository satisfies it.
type Store interface {
	UpdateToken(ctx context.Context, id int64, accessToken string, refreshSealed []byte, expiresAt time.Time, state models.TokenState) error
	MarkTokenUnusable(ctx context.Context, id int64) error
}

// Manager mints per-mailbox credential sessions.
type Manager struct {
	oauth         *oauth2.Config
	box           *secrets.Box
	store         Store
	refreshWindow time.Duration
	logger        *log.Logger
	now           func() time.Time
	refresh       RefreshFunc
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// NewManager builds a credential manager from the sync configuration.
func NewManager(cfg config.MailSyncConfig, box *secrets.Box, store Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.TokenURL},
		},
		box:           box,
		store:         store,
		refreshWindow: cfg.RefreshWindow,
		logger:        log.Default(),
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// WithManagerLogger overrides the logger used for diagnostics.
func WithManagerLogger(logger *log.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithManagerClock overrides the wall clock, primarily for tests.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithRefreshFunc overrides the provider token exchange, primarily for tests.
func WithRefreshFunc(fn RefreshFunc) ManagerOption {
	return func(m *Manager) {
		if fn != nil {
			m.refresh = fn
		}
	}
}

// RefreshFunc exchanges a refresh token for a new token pair.
type RefreshFunc func(ctx context.Context, refreshToken string) (*oauth2.Token, error)

// Session creates the credential context for one sync pass of one mailbox.
// The session lives for the pass and is discarded afterwards; refresh is
// serialized by the session mutex and by the per-mailbox sync lock above it.
func (m *Manager) Session(mc *models.MailboxConnection) *Session {
	return &Session{manager: m, mailbox: mc}
}

// Session implements graph.Credential for one mailbox connection.
type Session struct {
	manager *Manager
	mailbox *models.MailboxConnection
	mu      sync.Mutex
}

// State reports the credential state the session would act on right now.
func (s *Session) State() models.TokenState {
	if s.mailbox.TokenState == models.TokenUnusable {
		return models.TokenUnusable
	}
	if s.expiringSoon() {
		return models.TokenExpiringSoon
	}
	return models.TokenValid
}

// AccessToken returns a valid bearer token, refreshing when the current one is
// inside the expiry window.
func (s *Session) AccessToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.State() {
	case models.TokenUnusable:
		return "", ErrUnusable
	case models.TokenValid:
		return s.mailbox.AccessToken, nil
	}
	if err := s.refreshLocked(ctx); err != nil {
		return "", err
	}
	return s.mailbox.AccessToken, nil
}

func (s *Session) expiringSoon() bool {
	if s.mailbox.AccessToken == "" || s.mailbox.TokenExpiresAt == nil {
		return true
	}
	return s.manager.now().After(s.mailbox.TokenExpiresAt.Add(-s.manager.refreshWindow))
}

func (s *Session) refreshLocked(ctx context.Context) error {
	m := s.manager
	mc := s.mailbox
	if len(mc.RefreshTokenEncrypted) == 0 {
		return s.markUnusable(ctx, errors.New("no refresh credential on record"))
	}
	refreshToken, err := m.box.Open(mc.RefreshTokenEncrypted)
	if err != nil {
		return s.markUnusable(ctx, fmt.Errorf("unseal refresh credential: %w", err))
	}

	mc.TokenState = models.TokenRefreshing
	tok, err := m.exchange(ctx, string(refreshToken))
	if err != nil {
		if isInvalidGrant(err) {
			return s.markUnusable(ctx, err)
		}
		// Transient exchange failure: leave the stored credential alone so the
		// next pass can retry.
		mc.TokenState = models.TokenExpiringSoon
		return fmt.Errorf("token: refresh mailbox %d: %w", mc.ID, err)
	}

	// Providers may rotate the refresh token; keep whichever came back.
	newRefresh := tok.RefreshToken
	if newRefresh == "" {
		newRefresh = string(refreshToken)
	}
	sealed, err := m.box.Seal([]byte(newRefresh))
	if err != nil {
		return fmt.Errorf("token: seal refresh credential: %w", err)
	}
	expiry := tok.Expiry.UTC()
	if err := m.store.UpdateToken(ctx, mc.ID, tok.AccessToken, sealed, expiry, models.TokenValid); err != nil {
		return fmt.Errorf("token: persist refreshed credential: %w", err)
	}
	mc.AccessToken = tok.AccessToken
	mc.RefreshTokenEncrypted = sealed
	mc.TokenExpiresAt = &expiry
	mc.TokenState = models.TokenValid
	m.logf("token: refreshed credential for mailbox %s, expires %s", mc.Address, expiry.Format(time.RFC3339))
	return nil
}

func (s *Session) markUnusable(ctx context.Context, cause error) error {
	m := s.manager
	mc := s.mailbox
	mc.TokenState = models.TokenUnusable
	mc.AccessToken = ""
	mc.RefreshTokenEncrypted = nil
	if err := m.store.MarkTokenUnusable(ctx, mc.ID); err != nil {
		m.logf("token: failed to persist unusable state for mailbox %s: %v", mc.Address, err)
	}
	// Operational alert: this requires a human to re-authenticate.
	m.logf("token: ALERT mailbox %s credential rejected, re-authentication required: %v", mc.Address, cause)
	return fmt.Errorf("%w: %v", ErrUnusable, cause)
}

func (m *Manager) exchange(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if m.refresh != nil {
		return m.refresh(ctx, refreshToken)
	}
	source := m.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	return source.Token()
}

func isInvalidGrant(err error) bool {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return retrieveErr.ErrorCode == "invalid_grant"
	}
	return false
}

func (m *Manager) logf(format string, args ...any) {
	if m == nil || m.logger == nil {
		return
	}
	m.logger.Printf(format, args...)
}

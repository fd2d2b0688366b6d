// Package token owns the OAuth credential lifecycle: authorization flows,
// refresh, revocation detection, and disconnect.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/inboxloop/mailsync/internal/store"
	"github.com/inboxloop/mailsync/internal/userlock"
)

var (
	// ErrInvalidFlowState indicates a missing, expired, mismatched, or
	// reused authorization nonce. Possible replayed or forged callback;
	// never retried.
	ErrInvalidFlowState = errors.New("invalid oauth flow state")
	// ErrGrantExchangeFailed indicates the provider rejected the
	// authorization grant.
	ErrGrantExchangeFailed = errors.New("grant exchange failed")
	// ErrRefreshFailed indicates a transient token refresh failure.
	ErrRefreshFailed = errors.New("token refresh failed")
	// ErrCredentialRevoked indicates the provider no longer honors the
	// refresh token; the user must re-authorize.
	ErrCredentialRevoked = errors.New("credential revoked")
	// ErrNotConnected indicates the user has no connected credential.
	ErrNotConnected = errors.New("user not connected")
)

const (
	defaultFlowTTL       = 5 * time.Minute
	defaultRefreshMargin = 2 * time.Minute
)

// Manager owns all Credential state transitions.
type Manager struct {
	store  *store.Store
	oauth  OAuthClient
	locker userlock.Locker
	logger *zap.Logger

	flowTTL       time.Duration
	refreshMargin time.Duration
	now           func() time.Time
}

// NewManager creates the credential lifecycle manager. The locker must be
// the same instance used by the sync dispatcher so refresh and sync for one
// user serialize in a single lock domain.
func NewManager(st *store.Store, oauth OAuthClient, locker userlock.Locker, logger *zap.Logger) *Manager {
	return &Manager{
		store:         st,
		oauth:         oauth,
		locker:        locker,
		logger:        logger.With(zap.String("component", "token")),
		flowTTL:       defaultFlowTTL,
		refreshMargin: defaultRefreshMargin,
		now:           time.Now,
	}
}

// StartAuthorization begins an OAuth flow for the user: persists a fresh
// single-use nonce with a short TTL and returns it with the consent URL.
func (m *Manager) StartAuthorization(ctx context.Context, userID string) (nonce, authURL string, err error) {
	nonce = uuid.NewString()
	now := m.now()

	if err := m.store.SaveFlowState(ctx, &store.FlowState{
		Nonce:     nonce,
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(m.flowTTL),
	}); err != nil {
		return "", "", fmt.Errorf("persist flow state: %w", err)
	}

	// Move a never-connected user into the pending state. An existing
	// connected credential is left alone until the callback replaces it.
	if _, loadErr := m.store.LoadCredential(ctx, userID); errors.Is(loadErr, store.ErrNotFound) {
		if saveErr := m.store.SaveCredential(ctx, &store.Credential{
			UserID: userID,
			State:  store.StatePending,
		}); saveErr != nil {
			return "", "", fmt.Errorf("persist pending credential: %w", saveErr)
		}
	}

	m.logger.Info("authorization started", zap.String("user_id", userID))
	return nonce, m.oauth.AuthCodeURL(nonce), nil
}

// CompleteAuthorization validates and consumes the callback nonce, exchanges
// the grant, and transitions the credential to connected.
func (m *Manager) CompleteAuthorization(ctx context.Context, userID, nonce, code string) error {
	fs, err := m.store.ConsumeFlowState(ctx, nonce)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			m.logger.Warn("flow state rejected", zap.String("user_id", userID))
			return ErrInvalidFlowState
		}
		return fmt.Errorf("consume flow state: %w", err)
	}
	if fs.UserID != userID {
		m.logger.Warn("flow state user mismatch", zap.String("user_id", userID))
		return ErrInvalidFlowState
	}

	tok, err := m.oauth.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGrantExchangeFailed, err)
	}

	address, err := m.oauth.MailboxAddress(ctx, tok.AccessToken)
	if err != nil {
		return fmt.Errorf("resolve mailbox address: %w", err)
	}

	now := m.now()
	if err := m.store.SaveCredential(ctx, &store.Credential{
		UserID:       userID,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenExpiry:  tok.Expiry,
		Scopes:       tok.Scopes,
		State:        store.StateConnected,
		ConnectedAt:  now,
	}); err != nil {
		return fmt.Errorf("persist credential: %w", err)
	}
	if err := m.store.UpsertMailboxUser(ctx, address, userID); err != nil {
		return fmt.Errorf("persist mailbox mapping: %w", err)
	}

	m.logger.Info("authorization completed",
		zap.String("user_id", userID),
		zap.String("mailbox", address))
	return nil
}

// GetValidAccessToken returns a currently valid access token, refreshing it
// under the per-user lock when expiry is within the safety margin.
// Concurrent callers collapse into a single provider refresh call.
func (m *Manager) GetValidAccessToken(ctx context.Context, userID string) (string, error) {
	// Fast path: snapshot read outside the lock.
	cred, err := m.loadConnected(ctx, userID)
	if err != nil {
		return "", err
	}
	if m.fresh(cred) {
		return cred.AccessToken, nil
	}

	var accessToken string
	err = m.locker.WithUserLock(ctx, userID, func(ctx context.Context) error {
		tok, lockErr := m.ValidAccessTokenLocked(ctx, userID)
		accessToken = tok
		return lockErr
	})
	return accessToken, err
}

// ValidAccessTokenLocked is GetValidAccessToken for callers that already
// hold the user's lock (the sync engine runs entirely under it). Re-reads
// the credential so waiters that queued behind an in-flight refresh observe
// the refreshed token instead of refreshing again.
func (m *Manager) ValidAccessTokenLocked(ctx context.Context, userID string) (string, error) {
	cred, err := m.loadConnected(ctx, userID)
	if err != nil {
		return "", err
	}
	if m.fresh(cred) {
		return cred.AccessToken, nil
	}

	tok, err := m.oauth.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		if errors.Is(err, ErrCredentialRevoked) {
			if stateErr := m.store.SetCredentialState(ctx, userID, store.StateRevoked); stateErr != nil {
				m.logger.Error("failed to mark credential revoked",
					zap.String("user_id", userID), zap.Error(stateErr))
			}
			m.logger.Warn("credential revoked by provider", zap.String("user_id", userID))
			return "", ErrCredentialRevoked
		}
		return "", fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}

	if err := m.store.UpdateCredentialTokens(ctx, userID, tok.AccessToken, tok.Expiry); err != nil {
		return "", fmt.Errorf("persist refreshed token: %w", err)
	}

	m.logger.Debug("access token refreshed",
		zap.String("user_id", userID),
		zap.Time("expiry", tok.Expiry))
	return tok.AccessToken, nil
}

// Disconnect revokes the refresh token with the provider (best-effort) and
// transitions the credential to unconnected. The local transition is
// authoritative regardless of the revocation call outcome.
func (m *Manager) Disconnect(ctx context.Context, userID string) error {
	cred, err := m.store.LoadCredential(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotConnected
		}
		return fmt.Errorf("load credential: %w", err)
	}

	if cred.RefreshToken != "" {
		if err := m.oauth.Revoke(ctx, cred.RefreshToken); err != nil {
			m.logger.Warn("provider revoke failed",
				zap.String("user_id", userID), zap.Error(err))
		}
	}

	if err := m.store.SetCredentialState(ctx, userID, store.StateUnconnected); err != nil {
		return fmt.Errorf("set credential state: %w", err)
	}
	if err := m.store.DeleteMailboxUser(ctx, userID); err != nil {
		return fmt.Errorf("remove mailbox mapping: %w", err)
	}
	if err := m.store.DeleteWatch(ctx, userID); err != nil {
		return fmt.Errorf("remove watch: %w", err)
	}

	m.logger.Info("user disconnected", zap.String("user_id", userID))
	return nil
}

// Status is a display snapshot of a user's connection. It is read outside
// the lock and may be stale; the sync decision path never uses it.
type Status struct {
	Connected   bool      `json:"connected"`
	State       string    `json:"state"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
}

// ConnectionStatus reports the current connection state for display.
func (m *Manager) ConnectionStatus(ctx context.Context, userID string) (*Status, error) {
	cred, err := m.store.LoadCredential(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &Status{Connected: false, State: string(store.StateUnconnected)}, nil
		}
		return nil, fmt.Errorf("load credential: %w", err)
	}
	return &Status{
		Connected:   cred.State == store.StateConnected,
		State:       string(cred.State),
		ConnectedAt: cred.ConnectedAt,
	}, nil
}

func (m *Manager) loadConnected(ctx context.Context, userID string) (*store.Credential, error) {
	cred, err := m.store.LoadCredential(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotConnected
		}
		return nil, fmt.Errorf("load credential: %w", err)
	}
	switch cred.State {
	case store.StateConnected, store.StateExpired:
		return cred, nil
	case store.StateRevoked:
		return nil, ErrCredentialRevoked
	default:
		return nil, ErrNotConnected
	}
}

func (m *Manager) fresh(cred *store.Credential) bool {
	return cred.TokenExpiry.After(m.now().Add(m.refreshMargin))
}

package token

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/inboxloop/mailsync/internal/store"
	"github.com/inboxloop/mailsync/internal/userlock"
)

// fakeOAuthClient counts provider calls and scripts their outcomes.
type fakeOAuthClient struct {
	mu           sync.Mutex
	exchangeN    int32
	refreshN     int32
	revokeN      int32
	exchangeErr  error
	refreshErr   error
	refreshDelay time.Duration
	address      string
	tokenExpiry  time.Time
}

func (f *fakeOAuthClient) AuthCodeURL(state string) string {
	return "https://accounts.example.com/auth?state=" + state
}

func (f *fakeOAuthClient) Exchange(ctx context.Context, code string) (*ProviderToken, error) {
	atomic.AddInt32(&f.exchangeN, 1)
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	return &ProviderToken{
		AccessToken:  "access-" + code,
		RefreshToken: "refresh-" + code,
		Expiry:       f.tokenExpiry,
		Scopes:       []string{"mail.read"},
	}, nil
}

func (f *fakeOAuthClient) Refresh(ctx context.Context, refreshToken string) (*ProviderToken, error) {
	n := atomic.AddInt32(&f.refreshN, 1)
	if f.refreshDelay > 0 {
		time.Sleep(f.refreshDelay)
	}
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return &ProviderToken{
		AccessToken:  fmt.Sprintf("refreshed-%d", n),
		RefreshToken: refreshToken,
		Expiry:       f.tokenExpiry,
	}, nil
}

func (f *fakeOAuthClient) Revoke(ctx context.Context, refreshToken string) error {
	atomic.AddInt32(&f.revokeN, 1)
	return nil
}

func (f *fakeOAuthClient) MailboxAddress(ctx context.Context, accessToken string) (string, error) {
	return f.address, nil
}

func newTestManager(t *testing.T, oauth *fakeOAuthClient) (*Manager, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewManager(st, oauth, userlock.NewKeyedLocker(), zap.NewNop()), st
}

func TestAuthorizationFlow(t *testing.T) {
	ctx := context.Background()
	oauth := &fakeOAuthClient{address: "user@example.com", tokenExpiry: time.Now().Add(time.Hour)}
	m, st := newTestManager(t, oauth)

	nonce, authURL, err := m.StartAuthorization(ctx, "u1")
	require.NoError(t, err)
	assert.Contains(t, authURL, nonce)

	// Starting a flow leaves a pending credential behind.
	cred, err := st.LoadCredential(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, store.StatePending, cred.State)

	require.NoError(t, m.CompleteAuthorization(ctx, "u1", nonce, "code-1"))

	cred, err = st.LoadCredential(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, store.StateConnected, cred.State)
	assert.Equal(t, "access-code-1", cred.AccessToken)

	id, err := st.ResolveUserByAddress(ctx, "user@example.com")
	require.NoError(t, err)
	assert.Equal(t, "u1", id)
}

func TestNonceReplayRejectedWithoutExchange(t *testing.T) {
	ctx := context.Background()
	oauth := &fakeOAuthClient{address: "user@example.com", tokenExpiry: time.Now().Add(time.Hour)}
	m, _ := newTestManager(t, oauth)

	nonce, _, err := m.StartAuthorization(ctx, "u1")
	require.NoError(t, err)
	require.NoError(t, m.CompleteAuthorization(ctx, "u1", nonce, "code-1"))
	require.Equal(t, int32(1), atomic.LoadInt32(&oauth.exchangeN))

	// A replayed callback must fail before any provider call happens.
	err = m.CompleteAuthorization(ctx, "u1", nonce, "code-2")
	assert.ErrorIs(t, err, ErrInvalidFlowState)
	assert.Equal(t, int32(1), atomic.LoadInt32(&oauth.exchangeN))
}

func TestNonceUserMismatchRejected(t *testing.T) {
	ctx := context.Background()
	oauth := &fakeOAuthClient{address: "user@example.com", tokenExpiry: time.Now().Add(time.Hour)}
	m, _ := newTestManager(t, oauth)

	nonce, _, err := m.StartAuthorization(ctx, "u1")
	require.NoError(t, err)

	err = m.CompleteAuthorization(ctx, "u2", nonce, "code-1")
	assert.ErrorIs(t, err, ErrInvalidFlowState)
	assert.Zero(t, atomic.LoadInt32(&oauth.exchangeN))

	// The nonce was burned by the mismatched attempt.
	err = m.CompleteAuthorization(ctx, "u1", nonce, "code-1")
	assert.ErrorIs(t, err, ErrInvalidFlowState)
}

func TestExpiredNonceRejected(t *testing.T) {
	ctx := context.Background()
	oauth := &fakeOAuthClient{address: "user@example.com", tokenExpiry: time.Now().Add(time.Hour)}
	m, _ := newTestManager(t, oauth)

	// Wind the manager's clock back so the persisted state is already past
	// its TTL when the callback arrives.
	m.now = func() time.Time { return time.Now().Add(-10 * time.Minute) }
	nonce, _, err := m.StartAuthorization(ctx, "u1")
	require.NoError(t, err)

	err = m.CompleteAuthorization(ctx, "u1", nonce, "code-1")
	assert.ErrorIs(t, err, ErrInvalidFlowState)
	assert.Zero(t, atomic.LoadInt32(&oauth.exchangeN))
}

func TestGrantExchangeFailure(t *testing.T) {
	ctx := context.Background()
	oauth := &fakeOAuthClient{
		address:     "user@example.com",
		exchangeErr: errors.New("invalid_grant"),
	}
	m, _ := newTestManager(t, oauth)

	nonce, _, err := m.StartAuthorization(ctx, "u1")
	require.NoError(t, err)
	err = m.CompleteAuthorization(ctx, "u1", nonce, "bad-code")
	assert.ErrorIs(t, err, ErrGrantExchangeFailed)
}

func TestGetValidAccessTokenFreshFastPath(t *testing.T) {
	ctx := context.Background()
	oauth := &fakeOAuthClient{address: "user@example.com", tokenExpiry: time.Now().Add(time.Hour)}
	m, st := newTestManager(t, oauth)

	require.NoError(t, st.SaveCredential(ctx, &store.Credential{
		UserID: "u1", AccessToken: "current", RefreshToken: "rt",
		TokenExpiry: time.Now().Add(time.Hour), State: store.StateConnected,
	}))

	tok, err := m.GetValidAccessToken(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "current", tok)
	assert.Zero(t, atomic.LoadInt32(&oauth.refreshN))
}

func TestConcurrentRefreshCollapses(t *testing.T) {
	ctx := context.Background()
	oauth := &fakeOAuthClient{
		address:      "user@example.com",
		tokenExpiry:  time.Now().Add(time.Hour),
		refreshDelay: 50 * time.Millisecond,
	}
	m, st := newTestManager(t, oauth)

	require.NoError(t, st.SaveCredential(ctx, &store.Credential{
		UserID: "u1", AccessToken: "stale", RefreshToken: "rt",
		TokenExpiry: time.Now().Add(-time.Minute), State: store.StateConnected,
	}))

	const callers = 8
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = m.GetValidAccessToken(ctx, "u1")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "refreshed-1", tokens[i])
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&oauth.refreshN))
}

func TestRefreshRevokedMarksCredential(t *testing.T) {
	ctx := context.Background()
	oauth := &fakeOAuthClient{
		address:    "user@example.com",
		refreshErr: ErrCredentialRevoked,
	}
	m, st := newTestManager(t, oauth)

	require.NoError(t, st.SaveCredential(ctx, &store.Credential{
		UserID: "u1", AccessToken: "stale", RefreshToken: "rt",
		TokenExpiry: time.Now().Add(-time.Minute), State: store.StateConnected,
	}))

	_, err := m.GetValidAccessToken(ctx, "u1")
	assert.ErrorIs(t, err, ErrCredentialRevoked)

	cred, err := st.LoadCredential(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, store.StateRevoked, cred.State)

	// Subsequent callers short-circuit without touching the provider.
	before := atomic.LoadInt32(&oauth.refreshN)
	_, err = m.GetValidAccessToken(ctx, "u1")
	assert.ErrorIs(t, err, ErrCredentialRevoked)
	assert.Equal(t, before, atomic.LoadInt32(&oauth.refreshN))
}

func TestRefreshTransientFailure(t *testing.T) {
	ctx := context.Background()
	oauth := &fakeOAuthClient{
		address:    "user@example.com",
		refreshErr: errors.New("503 from provider"),
	}
	m, st := newTestManager(t, oauth)

	require.NoError(t, st.SaveCredential(ctx, &store.Credential{
		UserID: "u1", AccessToken: "stale", RefreshToken: "rt",
		TokenExpiry: time.Now().Add(-time.Minute), State: store.StateConnected,
	}))

	_, err := m.GetValidAccessToken(ctx, "u1")
	assert.ErrorIs(t, err, ErrRefreshFailed)

	// The credential stays connected so a later attempt can retry.
	cred, err := st.LoadCredential(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, store.StateConnected, cred.State)
}

func TestDisconnect(t *testing.T) {
	ctx := context.Background()
	oauth := &fakeOAuthClient{address: "user@example.com", tokenExpiry: time.Now().Add(time.Hour)}
	m, st := newTestManager(t, oauth)

	nonce, _, err := m.StartAuthorization(ctx, "u1")
	require.NoError(t, err)
	require.NoError(t, m.CompleteAuthorization(ctx, "u1", nonce, "code-1"))
	require.NoError(t, st.SaveWatch(ctx, &store.WatchSubscription{
		UserID: "u1", TopicRef: "t", ExpiresAt: time.Now().Add(time.Hour), RegisteredAt: time.Now(),
	}))

	require.NoError(t, m.Disconnect(ctx, "u1"))
	assert.Equal(t, int32(1), atomic.LoadInt32(&oauth.revokeN))

	cred, err := st.LoadCredential(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, store.StateUnconnected, cred.State)

	_, err = st.ResolveUserByAddress(ctx, "user@example.com")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.LoadWatch(ctx, "u1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = m.GetValidAccessToken(ctx, "u1")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestDisconnectNotConnected(t *testing.T) {
	ctx := context.Background()
	oauth := &fakeOAuthClient{}
	m, _ := newTestManager(t, oauth)
	assert.ErrorIs(t, m.Disconnect(ctx, "ghost"), ErrNotConnected)
}

func TestConnectionStatus(t *testing.T) {
	ctx := context.Background()
	oauth := &fakeOAuthClient{address: "user@example.com", tokenExpiry: time.Now().Add(time.Hour)}
	m, _ := newTestManager(t, oauth)

	status, err := m.ConnectionStatus(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, status.Connected)
	assert.Equal(t, string(store.StateUnconnected), status.State)

	nonce, _, err := m.StartAuthorization(ctx, "u1")
	require.NoError(t, err)
	require.NoError(t, m.CompleteAuthorization(ctx, "u1", nonce, "code-1"))

	status, err = m.ConnectionStatus(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, status.Connected)
}

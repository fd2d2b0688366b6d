package watch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/inboxloop/mailsync/internal/store"
	"github.com/inboxloop/mailsync/internal/syncx"
	"github.com/inboxloop/mailsync/internal/userlock"
)

type fakeWatchProvider struct {
	mu            sync.Mutex
	registerCalls int
	failN         int
	expiresAt     time.Time
	historyID     string
	lastTopic     string
}

func (p *fakeWatchProvider) FetchHistory(ctx context.Context, accessToken, sinceHistoryID string) ([]syncx.ChangeRecord, string, error) {
	return nil, "", nil
}

func (p *fakeWatchProvider) FetchRecent(ctx context.Context, accessToken string, limit int) ([]syncx.ChangeRecord, string, error) {
	return nil, "", nil
}

func (p *fakeWatchProvider) RegisterWatch(ctx context.Context, accessToken, topicRef string) (time.Time, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.registerCalls++
	p.lastTopic = topicRef
	if p.failN > 0 {
		p.failN--
		return time.Time{}, "", errors.New("watch quota exceeded")
	}
	return p.expiresAt, p.historyID, nil
}

type staticTokens struct {
	calls int32
}

func (t *staticTokens) ValidAccessTokenLocked(ctx context.Context, userID string) (string, error) {
	atomic.AddInt32(&t.calls, 1)
	return "at", nil
}

func newTestManager(t *testing.T, p *fakeWatchProvider) (*Manager, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	m := NewManager(st, p, &staticTokens{}, userlock.NewKeyedLocker(), "projects/p/topics/mail", zap.NewNop())
	return m, st
}

func TestEnsureWatchRegistersAndSeedsCursor(t *testing.T) {
	ctx := context.Background()
	p := &fakeWatchProvider{
		expiresAt: time.Now().Add(7 * 24 * time.Hour),
		historyID: "4711",
	}
	m, st := newTestManager(t, p)

	require.NoError(t, m.EnsureWatch(ctx, "u1"))
	assert.Equal(t, 1, p.registerCalls)
	assert.Equal(t, "projects/p/topics/mail", p.lastTopic)

	w, err := st.LoadWatch(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, p.expiresAt.Unix(), w.ExpiresAt.Unix())

	cur, err := st.LoadCursor(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "4711", cur.LastHistoryID)
}

func TestEnsureWatchKeepsExistingCursor(t *testing.T) {
	ctx := context.Background()
	p := &fakeWatchProvider{
		expiresAt: time.Now().Add(7 * 24 * time.Hour),
		historyID: "50",
	}
	m, st := newTestManager(t, p)
	require.NoError(t, st.ReseedCursor(ctx, "u1", "9000"))

	require.NoError(t, m.EnsureWatch(ctx, "u1"))

	// The registration marker must never clobber real sync progress.
	cur, err := st.LoadCursor(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "9000", cur.LastHistoryID)
}

func TestEnsureWatchSkipsFreshSubscription(t *testing.T) {
	ctx := context.Background()
	p := &fakeWatchProvider{expiresAt: time.Now().Add(7 * 24 * time.Hour), historyID: "1"}
	m, st := newTestManager(t, p)

	require.NoError(t, st.SaveWatch(ctx, &store.WatchSubscription{
		UserID: "u1", TopicRef: "projects/p/topics/mail",
		ExpiresAt:    time.Now().Add(48 * time.Hour),
		RegisteredAt: time.Now(),
	}))

	require.NoError(t, m.EnsureWatch(ctx, "u1"))
	assert.Zero(t, p.registerCalls)
}

func TestEnsureWatchRenewsInsideWindow(t *testing.T) {
	ctx := context.Background()
	p := &fakeWatchProvider{expiresAt: time.Now().Add(7 * 24 * time.Hour), historyID: "1"}
	m, st := newTestManager(t, p)

	// Expires in 12h, inside the 24h renewal window.
	require.NoError(t, st.SaveWatch(ctx, &store.WatchSubscription{
		UserID: "u1", TopicRef: "projects/p/topics/mail",
		ExpiresAt:    time.Now().Add(12 * time.Hour),
		RegisteredAt: time.Now().Add(-6 * 24 * time.Hour),
	}))

	require.NoError(t, m.EnsureWatch(ctx, "u1"))
	assert.Equal(t, 1, p.registerCalls)

	w, err := st.LoadWatch(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, p.expiresAt.Unix(), w.ExpiresAt.Unix())
}

func TestEnsureWatchRetriesRegistration(t *testing.T) {
	ctx := context.Background()
	p := &fakeWatchProvider{
		failN:     2,
		expiresAt: time.Now().Add(7 * 24 * time.Hour),
		historyID: "1",
	}
	m, _ := newTestManager(t, p)

	require.NoError(t, m.EnsureWatch(ctx, "u1"))
	assert.Equal(t, 3, p.registerCalls)
}

func TestEnsureWatchGivesUpAfterRetries(t *testing.T) {
	ctx := context.Background()
	p := &fakeWatchProvider{failN: 10}
	m, st := newTestManager(t, p)

	err := m.EnsureWatch(ctx, "u1")
	require.Error(t, err)
	assert.Equal(t, registerAttempts, p.registerCalls)

	_, err = st.LoadWatch(ctx, "u1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSweepRenewsAllConnectedUsers(t *testing.T) {
	ctx := context.Background()
	p := &fakeWatchProvider{expiresAt: time.Now().Add(7 * 24 * time.Hour), historyID: "1"}
	m, st := newTestManager(t, p)

	for _, u := range []string{"u1", "u2", "u3"} {
		require.NoError(t, st.SaveCredential(ctx, &store.Credential{
			UserID: u, AccessToken: "at", RefreshToken: "rt",
			TokenExpiry: time.Now().Add(time.Hour), State: store.StateConnected,
		}))
	}
	// u2 already has a fresh watch.
	require.NoError(t, st.SaveWatch(ctx, &store.WatchSubscription{
		UserID: "u2", TopicRef: "projects/p/topics/mail",
		ExpiresAt:    time.Now().Add(72 * time.Hour),
		RegisteredAt: time.Now(),
	}))

	m.sweep(ctx)
	assert.Equal(t, 2, p.registerCalls)

	for _, u := range []string{"u1", "u3"} {
		_, err := st.LoadWatch(ctx, u)
		assert.NoError(t, err, "watch for %s", u)
	}
}

func TestSweepPurgesExpiredFlowStates(t *testing.T) {
	ctx := context.Background()
	p := &fakeWatchProvider{}
	m, st := newTestManager(t, p)

	require.NoError(t, st.SaveFlowState(ctx, &store.FlowState{
		Nonce: "stale", UserID: "u1",
		CreatedAt: time.Now().Add(-time.Hour),
		ExpiresAt: time.Now().Add(-30 * time.Minute),
	}))

	m.sweep(ctx)
	_, err := st.ConsumeFlowState(ctx, "stale")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

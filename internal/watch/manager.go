// Package watch registers and renews the provider-side push subscription
// for every connected user.
package watch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/inboxloop/mailsync/internal/store"
	"github.com/inboxloop/mailsync/internal/syncx"
	"github.com/inboxloop/mailsync/internal/userlock"
)

const (
	defaultRenewalWindow = 24 * time.Hour
	defaultSweepInterval = time.Hour
	defaultSweepParallel = 8

	registerAttempts  = 3
	registerBaseDelay = time.Second
)

// Manager owns watch subscriptions: it registers them after authorization,
// renews them before expiry, and reseeds the sync cursor when a user has
// none yet.
type Manager struct {
	store    *store.Store
	provider syncx.Provider
	tokens   syncx.TokenSource
	locker   userlock.Locker
	logger   *zap.Logger

	topicRef      string
	renewalWindow time.Duration
	sweepInterval time.Duration
	sweepParallel int
	now           func() time.Time
}

// NewManager creates the subscription manager. topicRef is the Pub/Sub
// topic watch registrations point notifications at.
func NewManager(st *store.Store, provider syncx.Provider, tokens syncx.TokenSource, locker userlock.Locker, topicRef string, logger *zap.Logger) *Manager {
	return &Manager{
		store:         st,
		provider:      provider,
		tokens:        tokens,
		locker:        locker,
		logger:        logger.With(zap.String("component", "watch")),
		topicRef:      topicRef,
		renewalWindow: defaultRenewalWindow,
		sweepInterval: defaultSweepInterval,
		sweepParallel: defaultSweepParallel,
		now:           time.Now,
	}
}

// EnsureWatch registers or renews the user's subscription if it is absent,
// expired, or inside the renewal window. Re-registering simply replaces the
// stored expiry and seeds the cursor only when the user has none, so the
// operation is idempotent. The caller must hold the user's lock.
func (m *Manager) EnsureWatch(ctx context.Context, userID string) error {
	log := m.logger.With(zap.String("user_id", userID))

	existing, err := m.store.LoadWatch(ctx, userID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("load watch: %w", err)
	}
	if existing != nil && existing.ExpiresAt.After(m.now().Add(m.renewalWindow)) {
		return nil
	}

	accessToken, err := m.tokens.ValidAccessTokenLocked(ctx, userID)
	if err != nil {
		return fmt.Errorf("acquire access token: %w", err)
	}

	var (
		expiresAt time.Time
		historyID string
	)
	delay := registerBaseDelay
	for attempt := 1; ; attempt++ {
		expiresAt, historyID, err = m.provider.RegisterWatch(ctx, accessToken, m.topicRef)
		if err == nil {
			break
		}
		if attempt == registerAttempts || ctx.Err() != nil {
			return fmt.Errorf("register watch: %w", err)
		}
		log.Warn("watch registration failed, retrying",
			zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}

	if err := m.store.SaveWatch(ctx, &store.WatchSubscription{
		UserID:       userID,
		TopicRef:     m.topicRef,
		ExpiresAt:    expiresAt,
		RegisteredAt: m.now(),
	}); err != nil {
		return fmt.Errorf("persist watch: %w", err)
	}

	// Seed the cursor only for a user that has never synced; an existing
	// cursor always wins over the registration marker.
	if _, err := m.store.LoadCursor(ctx, userID); errors.Is(err, store.ErrNotFound) {
		if seedErr := m.store.ReseedCursor(ctx, userID, historyID); seedErr != nil {
			return fmt.Errorf("seed cursor: %w", seedErr)
		}
		log.Info("cursor seeded from watch registration",
			zap.String("history_id", historyID))
	} else if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}

	log.Info("watch registered", zap.Time("expires_at", expiresAt))
	return nil
}

// RunSweeper renews watches for all connected users on a fixed interval
// until ctx ends. This sweep is the only scheduled entry point into the
// engine; everything else is webhook-driven. It also purges expired OAuth
// flow states.
func (m *Manager) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	m.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Manager) sweep(ctx context.Context) {
	if purged, err := m.store.PurgeExpiredFlowStates(ctx); err != nil {
		m.logger.Warn("flow state purge failed", zap.Error(err))
	} else if purged > 0 {
		m.logger.Debug("purged expired flow states", zap.Int64("count", purged))
	}

	users, err := m.store.ListConnectedUsers(ctx)
	if err != nil {
		m.logger.Error("failed to list users for watch sweep", zap.Error(err))
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.sweepParallel)
	for _, userID := range users {
		userID := userID
		g.Go(func() error {
			err := m.locker.WithUserLock(gctx, userID, func(ctx context.Context) error {
				return m.EnsureWatch(ctx, userID)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				// Leave the user for the next sweep; a watch left expired
				// is also re-registered lazily after the next sync.
				m.logger.Warn("watch renewal failed",
					zap.String("user_id", userID), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Package syncx reconciles each user's local record set against the
// provider's change stream. The cursor comparison here, not delivery order,
// is what gives per-user ordering: webhooks may arrive duplicated and out
// of order, and the engine no-ops anything not strictly newer than the
// stored cursor.
package syncx

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/inboxloop/mailsync/internal/store"
	"github.com/inboxloop/mailsync/internal/token"
)

const (
	defaultCatchUpLimit = 50
	defaultMaxAttempts  = 4
	defaultBaseDelay    = 500 * time.Millisecond
)

// Engine is the incremental sync engine. Sync must run under the user's
// lock; the dispatcher guarantees that.
type Engine struct {
	store    *store.Store
	provider Provider
	sink     RecordSink
	tokens   TokenSource
	renewer  WatchRenewer
	logger   *zap.Logger

	catchUpLimit int
	maxAttempts  int
	baseDelay    time.Duration
	now          func() time.Time
}

// NewEngine creates the sync engine. renewer may be nil; lazy watch
// re-registration is then skipped.
func NewEngine(st *store.Store, provider Provider, sink RecordSink, tokens TokenSource, renewer WatchRenewer, logger *zap.Logger) *Engine {
	return &Engine{
		store:        st,
		provider:     provider,
		sink:         sink,
		tokens:       tokens,
		renewer:      renewer,
		logger:       logger.With(zap.String("component", "sync")),
		catchUpLimit: defaultCatchUpLimit,
		maxAttempts:  defaultMaxAttempts,
		baseDelay:    defaultBaseDelay,
		now:          time.Now,
	}
}

// Sync reconciles one user against the provider's history. hintedHistoryID
// is the cursor carried by the triggering notification; an empty hint forces
// a fetch attempt. Persist-before-advance is the crash-safety invariant: a
// failure mid-batch leaves the cursor unadvanced and the next run re-fetches
// and re-upserts, which the idempotent sink absorbs.
func (e *Engine) Sync(ctx context.Context, userID, hintedHistoryID string) error {
	log := e.logger.With(zap.String("user_id", userID))

	cursor, err := e.store.LoadCursor(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Never seeded: bounded catch-up instead of history fetch.
			return e.catchUp(ctx, log, userID)
		}
		return fmt.Errorf("load cursor: %w", err)
	}

	if hintedHistoryID != "" && store.CompareHistoryID(hintedHistoryID, cursor.LastHistoryID) <= 0 {
		// Duplicate or out-of-order notification.
		log.Debug("stale notification ignored",
			zap.String("hinted", hintedHistoryID),
			zap.String("cursor", cursor.LastHistoryID))
		return nil
	}

	accessToken, err := e.tokens.ValidAccessTokenLocked(ctx, userID)
	if err != nil {
		if errors.Is(err, token.ErrCredentialRevoked) {
			log.Warn("sync aborted, credential revoked")
			return err
		}
		return fmt.Errorf("acquire access token: %w", err)
	}

	var (
		records  []ChangeRecord
		latestID string
	)
	err = e.withRetry(ctx, log, "history fetch", func() error {
		var fetchErr error
		records, latestID, fetchErr = e.provider.FetchHistory(ctx, accessToken, cursor.LastHistoryID)
		return fetchErr
	})
	if err != nil {
		if errors.Is(err, ErrHistoryTooOld) {
			log.Info("cursor outside history window, falling back to catch-up",
				zap.String("cursor", cursor.LastHistoryID))
			return e.catchUp(ctx, log, userID)
		}
		return err
	}

	highest := cursor.LastHistoryID
	inserted := 0
	for _, rec := range records {
		ok, upErr := e.sink.UpsertRecord(ctx, e.normalize(userID, rec))
		if upErr != nil {
			return fmt.Errorf("upsert record %s: %w", rec.ProviderRecordID, upErr)
		}
		if ok {
			inserted++
		}
		if store.CompareHistoryID(rec.HistoryID, highest) > 0 {
			highest = rec.HistoryID
		}
	}
	if latestID != "" && store.CompareHistoryID(latestID, highest) > 0 {
		highest = latestID
	}

	// Records are durable; only now may the cursor move.
	if store.CompareHistoryID(highest, cursor.LastHistoryID) > 0 {
		if err := e.store.AdvanceCursor(ctx, userID, highest); err != nil && !errors.Is(err, store.ErrCursorNotNewer) {
			return fmt.Errorf("advance cursor: %w", err)
		}
	}

	log.Info("sync complete",
		zap.Int("fetched", len(records)),
		zap.Int("inserted", inserted),
		zap.String("cursor", highest))

	e.maybeRenewWatch(ctx, log, userID)
	return nil
}

// catchUp fetches the most recent records directly and reseeds the cursor
// to the provider's current marker. Every fetched record is treated as
// potentially already seen; idempotent upserts make that safe. Completeness
// is traded for correctness: nothing is stored twice.
func (e *Engine) catchUp(ctx context.Context, log *zap.Logger, userID string) error {
	accessToken, err := e.tokens.ValidAccessTokenLocked(ctx, userID)
	if err != nil {
		if errors.Is(err, token.ErrCredentialRevoked) {
			log.Warn("catch-up aborted, credential revoked")
			return err
		}
		return fmt.Errorf("acquire access token: %w", err)
	}

	var (
		records   []ChangeRecord
		currentID string
	)
	err = e.withRetry(ctx, log, "catch-up fetch", func() error {
		var fetchErr error
		records, currentID, fetchErr = e.provider.FetchRecent(ctx, accessToken, e.catchUpLimit)
		return fetchErr
	})
	if err != nil {
		return err
	}

	inserted := 0
	for _, rec := range records {
		ok, upErr := e.sink.UpsertRecord(ctx, e.normalize(userID, rec))
		if upErr != nil {
			return fmt.Errorf("upsert record %s: %w", rec.ProviderRecordID, upErr)
		}
		if ok {
			inserted++
		}
	}

	if currentID != "" {
		if err := e.store.ReseedCursor(ctx, userID, currentID); err != nil {
			return fmt.Errorf("reseed cursor: %w", err)
		}
	}

	log.Info("catch-up complete",
		zap.Int("fetched", len(records)),
		zap.Int("inserted", inserted),
		zap.String("cursor", currentID))

	e.maybeRenewWatch(ctx, log, userID)
	return nil
}

func (e *Engine) normalize(userID string, rec ChangeRecord) NormalizedRecord {
	observed := rec.ObservedAt
	if observed.IsZero() {
		observed = e.now()
	}
	return NormalizedRecord{
		UserID:           userID,
		ProviderRecordID: rec.ProviderRecordID,
		HistoryID:        rec.HistoryID,
		Subject:          rec.Subject,
		Sender:           rec.Sender,
		Snippet:          rec.Snippet,
		RawPayload:       rec.RawPayload,
		ObservedAt:       observed,
	}
}

// maybeRenewWatch re-registers the subscription when the stored one has
// lapsed. A lapsed watch means webhooks were being missed; the sync that
// just ran was triggered some other way, so re-register immediately.
func (e *Engine) maybeRenewWatch(ctx context.Context, log *zap.Logger, userID string) {
	if e.renewer == nil {
		return
	}
	w, err := e.store.LoadWatch(ctx, userID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Warn("watch lookup failed", zap.Error(err))
		}
		return
	}
	if w.ExpiresAt.After(e.now()) {
		return
	}
	if err := e.renewer.EnsureWatch(ctx, userID); err != nil {
		log.Warn("lazy watch renewal failed", zap.Error(err))
	}
}

// withRetry runs op with capped exponential backoff and jitter. Fatal
// classifications (HistoryTooOld, revocation, context cancellation) abort
// immediately; everything else from the provider is treated as transient.
func (e *Engine) withRetry(ctx context.Context, log *zap.Logger, what string, op func() error) error {
	var err error
	delay := e.baseDelay
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrHistoryTooOld) || errors.Is(err, token.ErrCredentialRevoked) || ctx.Err() != nil {
			return err
		}
		if attempt == e.maxAttempts {
			break
		}
		sleep := delay + time.Duration(rand.Int63n(int64(delay/2)+1))
		log.Warn("transient provider error, retrying",
			zap.String("op", what),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", sleep),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
		delay *= 2
	}
	return fmt.Errorf("%s failed after %d attempts: %w", what, e.maxAttempts, err)
}

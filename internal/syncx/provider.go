package syncx

import (
	"context"
	"errors"
	"time"
)

// ErrHistoryTooOld reports that the provider can no longer serve history
// from the requested cursor; its retention window is provider-defined and
// opaque. The engine recovers via the catch-up fetch, so this never
// surfaces to callers as a failure.
var ErrHistoryTooOld = errors.New("history cursor outside provider retention window")

// ChangeRecord is one provider-side change, normalized for the sink.
// RawPayload stays opaque here; its contents belong to the downstream
// classifier.
type ChangeRecord struct {
	ProviderRecordID string
	HistoryID        string
	Subject          string
	Sender           string
	Snippet          string
	RawPayload       []byte
	ObservedAt       time.Time
}

// Provider is the mailbox provider's change-stream surface.
type Provider interface {
	// FetchHistory returns all changes strictly after sinceHistoryID plus
	// the latest history marker seen, or ErrHistoryTooOld.
	FetchHistory(ctx context.Context, accessToken, sinceHistoryID string) ([]ChangeRecord, string, error)
	// FetchRecent returns the most recent records up to limit, ignoring
	// history, plus the provider's current history marker.
	FetchRecent(ctx context.Context, accessToken string, limit int) ([]ChangeRecord, string, error)
	// RegisterWatch registers or renews the push subscription and returns
	// its expiry and the current history marker.
	RegisterWatch(ctx context.Context, accessToken, topicRef string) (time.Time, string, error)
}

// RecordSink is the durable destination for normalized records. UpsertRecord
// must be idempotent on (userID, providerRecordID); the engine treats its
// return as the commit point before advancing the cursor.
type RecordSink interface {
	UpsertRecord(ctx context.Context, rec NormalizedRecord) (inserted bool, err error)
}

// NormalizedRecord is the unit handed to the sink.
type NormalizedRecord struct {
	UserID           string
	ProviderRecordID string
	HistoryID        string
	Subject          string
	Sender           string
	Snippet          string
	RawPayload       []byte
	ObservedAt       time.Time
}

// TokenSource yields a valid access token for a user whose lock is already
// held by the caller.
type TokenSource interface {
	ValidAccessTokenLocked(ctx context.Context, userID string) (string, error)
}

// WatchRenewer re-registers a lapsed provider subscription. The engine
// invokes it lazily after a successful sync when the stored watch has
// expired, catching users the periodic sweep missed.
type WatchRenewer interface {
	EnsureWatch(ctx context.Context, userID string) error
}

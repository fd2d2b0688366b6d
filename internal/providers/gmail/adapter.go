// Package gmail implements the provider interface against the Gmail API:
// history-based incremental fetch, bounded recent fetch, and watch
// registration for Pub/Sub push notifications.
package gmail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/oauth2"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/inboxloop/mailsync/internal/syncx"
)

const (
	// mailbox user id as seen by the Gmail API; tokens scope the account.
	self = "me"

	pageSize = 100
)

// Adapter implements syncx.Provider for Gmail. Tokens are managed by the
// credential lifecycle layer, so a fresh service client is built per call
// from a static token source instead of letting oauth2 auto-refresh.
type Adapter struct{}

// New creates a Gmail provider adapter.
func New() *Adapter {
	return &Adapter{}
}

var _ syncx.Provider = (*Adapter)(nil)

func (a *Adapter) service(ctx context.Context, accessToken string) (*gmailapi.Service, error) {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})
	svc, err := gmailapi.NewService(ctx, option.WithTokenSource(src))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return svc, nil
}

// FetchHistory lists history records strictly after sinceHistoryID and
// returns the normalized additions plus the highest history marker seen.
// A provider 404 means the cursor fell out of Gmail's retention window and
// maps to syncx.ErrHistoryTooOld.
func (a *Adapter) FetchHistory(ctx context.Context, accessToken, sinceHistoryID string) ([]syncx.ChangeRecord, string, error) {
	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return nil, "", err
	}

	startID, err := strconv.ParseUint(sinceHistoryID, 10, 64)
	if err != nil {
		return nil, "", fmt.Errorf("invalid history id %q: %w", sinceHistoryID, err)
	}

	var (
		records  []syncx.ChangeRecord
		latestID = startID
		seen     = make(map[string]bool)
	)

	call := svc.Users.History.List(self).
		StartHistoryId(startID).
		HistoryTypes("messageAdded").
		MaxResults(pageSize)

	err = call.Pages(ctx, func(page *gmailapi.ListHistoryResponse) error {
		if page.HistoryId > latestID {
			latestID = page.HistoryId
		}
		for _, history := range page.History {
			if history.Id > latestID {
				latestID = history.Id
			}
			for _, added := range history.MessagesAdded {
				msgID := added.Message.Id
				if seen[msgID] {
					continue
				}
				seen[msgID] = true

				rec, getErr := a.getRecord(ctx, svc, msgID, history.Id)
				if getErr != nil {
					if isNotFound(getErr) {
						// Message deleted between history listing and fetch.
						continue
					}
					return getErr
				}
				records = append(records, rec)
			}
		}
		return nil
	})
	if err != nil {
		if isNotFound(err) {
			return nil, "", syncx.ErrHistoryTooOld
		}
		return nil, "", fmt.Errorf("failed to list history: %w", err)
	}

	return records, strconv.FormatUint(latestID, 10), nil
}

// FetchRecent returns up to limit of the most recent inbox messages and the
// mailbox's current history marker, ignoring history entirely.
func (a *Adapter) FetchRecent(ctx context.Context, accessToken string, limit int) ([]syncx.ChangeRecord, string, error) {
	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return nil, "", err
	}

	list, err := svc.Users.Messages.List(self).
		IncludeSpamTrash(false).
		MaxResults(int64(limit)).
		Context(ctx).Do()
	if err != nil {
		return nil, "", fmt.Errorf("failed to list messages: %w", err)
	}

	var records []syncx.ChangeRecord
	for _, m := range list.Messages {
		rec, getErr := a.getRecord(ctx, svc, m.Id, 0)
		if getErr != nil {
			if isNotFound(getErr) {
				continue
			}
			return nil, "", getErr
		}
		records = append(records, rec)
	}

	profile, err := svc.Users.GetProfile(self).Context(ctx).Do()
	if err != nil {
		return nil, "", fmt.Errorf("failed to get profile: %w", err)
	}

	return records, strconv.FormatUint(profile.HistoryId, 10), nil
}

// RegisterWatch registers or renews the push subscription on the Pub/Sub
// topic. Gmail replaces an existing watch for the same mailbox, so renewal
// is a plain re-registration.
func (a *Adapter) RegisterWatch(ctx context.Context, accessToken, topicRef string) (time.Time, string, error) {
	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return time.Time{}, "", err
	}

	resp, err := svc.Users.Watch(self, &gmailapi.WatchRequest{
		TopicName: topicRef,
		LabelIds:  []string{"INBOX"},
	}).Context(ctx).Do()
	if err != nil {
		return time.Time{}, "", fmt.Errorf("failed to register watch: %w", err)
	}

	return time.UnixMilli(resp.Expiration), strconv.FormatUint(resp.HistoryId, 10), nil
}

// getRecord fetches message metadata and normalizes it. historyID may be 0
// when the message came from a recent-fetch; the message's own marker is
// used then.
func (a *Adapter) getRecord(ctx context.Context, svc *gmailapi.Service, msgID string, historyID uint64) (syncx.ChangeRecord, error) {
	meta, err := svc.Users.Messages.Get(self, msgID).Format("metadata").Context(ctx).Do()
	if err != nil {
		return syncx.ChangeRecord{}, fmt.Errorf("failed to get message %s: %w", msgID, err)
	}
	if historyID == 0 {
		historyID = meta.HistoryId
	}
	return normalize(meta, historyID), nil
}

// normalize converts a Gmail message into a ChangeRecord. The full metadata
// is carried opaquely as JSON; only envelope fields the event stream needs
// are lifted out.
func normalize(m *gmailapi.Message, historyID uint64) syncx.ChangeRecord {
	headers := make(map[string]string)
	if m.Payload != nil {
		for _, kv := range m.Payload.Headers {
			headers[kv.Name] = kv.Value
		}
	}

	raw, _ := json.Marshal(m)

	return syncx.ChangeRecord{
		ProviderRecordID: m.Id,
		HistoryID:        strconv.FormatUint(historyID, 10),
		Subject:          headers["Subject"],
		Sender:           headers["From"],
		Snippet:          m.Snippet,
		RawPayload:       raw,
		ObservedAt:       time.UnixMilli(m.InternalDate),
	}
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == 404
}

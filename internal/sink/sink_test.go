package sink

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/inboxloop/mailsync/internal/syncx"
)

func newTestSink(t *testing.T) *Sink {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "records.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testRecord(userID, recordID string) syncx.NormalizedRecord {
	return syncx.NormalizedRecord{
		UserID:           userID,
		ProviderRecordID: recordID,
		HistoryID:        "100",
		Subject:          "hello",
		Sender:           "someone@example.com",
		Snippet:          "hi there",
		RawPayload:       []byte(`{"id":"` + recordID + `"}`),
		ObservedAt:       time.Now(),
	}
}

func TestUpsertRecordIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestSink(t)

	inserted, err := s.UpsertRecord(ctx, testRecord("u1", "m1"))
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.UpsertRecord(ctx, testRecord("u1", "m1"))
	require.NoError(t, err)
	assert.False(t, inserted)

	n, err := s.CountRecords(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Same record id under another user is a distinct record.
	inserted, err = s.UpsertRecord(ctx, testRecord("u2", "m1"))
	require.NoError(t, err)
	assert.True(t, inserted)
}

func TestOutboxRowOnlyOnFreshInsert(t *testing.T) {
	ctx := context.Background()
	s := newTestSink(t)

	_, err := s.UpsertRecord(ctx, testRecord("u1", "m1"))
	require.NoError(t, err)
	_, err = s.UpsertRecord(ctx, testRecord("u1", "m1"))
	require.NoError(t, err)

	msgs, err := s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	msg := msgs[0]
	assert.Equal(t, "user.u1.record.ingested", msg.Subject)
	assert.Equal(t, "record.ingested|u1|m1", msg.MsgID)

	var event map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.Payload, &event))
	assert.Equal(t, "u1", event["user_id"])
	assert.Equal(t, "m1", event["provider_record_id"])
	assert.NotEmpty(t, event["event_id"])
}

func TestMarkPublishedRemovesFromDequeue(t *testing.T) {
	ctx := context.Background()
	s := newTestSink(t)

	_, err := s.UpsertRecord(ctx, testRecord("u1", "m1"))
	require.NoError(t, err)

	msgs, err := s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, s.MarkPublished(ctx, msgs[0].ID))
	msgs, err = s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestMarkOutboxRetryDefersDelivery(t *testing.T) {
	ctx := context.Background()
	s := newTestSink(t)

	_, err := s.UpsertRecord(ctx, testRecord("u1", "m1"))
	require.NoError(t, err)

	msgs, err := s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, s.MarkOutboxRetry(ctx, msgs[0].ID, time.Minute))
	msgs, err = s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	// Due again once the clock passes the scheduled attempt.
	s.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	msgs, err = s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

// capturingPublisher records deliveries and can fail the first n attempts.
type capturingPublisher struct {
	mu       sync.Mutex
	failN    int
	messages []string
}

func (p *capturingPublisher) Publish(subject string, payload []byte, msgID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failN > 0 {
		p.failN--
		return errors.New("broker unavailable")
	}
	p.messages = append(p.messages, msgID)
	return nil
}

func (p *capturingPublisher) delivered() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.messages...)
}

func TestRunOutboxDispatcherDelivers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newTestSink(t)

	for _, id := range []string{"m1", "m2", "m3"} {
		_, err := s.UpsertRecord(ctx, testRecord("u1", id))
		require.NoError(t, err)
	}

	pub := &capturingPublisher{}
	done := make(chan struct{})
	go func() {
		s.RunOutboxDispatcher(ctx, pub)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(pub.delivered()) == 3
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done

	msgs, err := s.DequeueOutbox(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Equal(t, []string{
		"record.ingested|u1|m1",
		"record.ingested|u1|m2",
		"record.ingested|u1|m3",
	}, pub.delivered())
}

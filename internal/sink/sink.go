// Package sink persists normalized records idempotently and hands them to
// the downstream classification pipeline through a transactional outbox.
package sink

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/inboxloop/mailsync/internal/syncx"
)

//go:embed schema.sql
var schemaSQL string

const recordIngestedEvent = "record.ingested"

// Publisher delivers outbox entries to the event stream.
type Publisher interface {
	Publish(subject string, payload []byte, msgID string) error
}

// OutboxMessage is one undelivered outbox row.
type OutboxMessage struct {
	ID      int64
	Subject string
	Payload []byte
	MsgID   string
}

// Sink stores records in sqlite with an insert-or-ignore keyed on
// (user_id, provider_record_id), making re-observation a no-op, and appends
// an outbox row in the same transaction so downstream delivery can never
// outrun durability.
type Sink struct {
	DB     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

var _ syncx.RecordSink = (*Sink)(nil)

// Open opens or creates the record database at dbPath.
func Open(dbPath string, logger *zap.Logger) (*Sink, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Sink{
		DB:     db,
		logger: logger.With(zap.String("component", "sink")),
		now:    time.Now,
	}, nil
}

// Close closes the database connection.
func (s *Sink) Close() error {
	return s.DB.Close()
}

// UpsertRecord inserts the record if absent. Returns false without error
// when the record already existed; only a fresh insert produces an outbox
// event, so redelivery never duplicates downstream work either.
func (s *Sink) UpsertRecord(ctx context.Context, rec syncx.NormalizedRecord) (bool, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO records
		(user_id, provider_record_id, history_id, subject, sender, snippet, raw_payload, observed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.UserID, rec.ProviderRecordID, rec.HistoryID, rec.Subject, rec.Sender,
		rec.Snippet, rec.RawPayload, rec.ObservedAt.Unix())
	if err != nil {
		return false, fmt.Errorf("failed to insert record: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		// Already seen: duplicate delivery or overlapping fetch window.
		return false, tx.Commit()
	}

	event := map[string]interface{}{
		"event_id":           uuid.NewString(),
		"ts":                 s.now().Unix(),
		"user_id":            rec.UserID,
		"provider_record_id": rec.ProviderRecordID,
		"history_id":         rec.HistoryID,
		"subject":            rec.Subject,
		"sender":             rec.Sender,
		"snippet":            rec.Snippet,
		"observed_at":        rec.ObservedAt.Unix(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return false, fmt.Errorf("failed to encode event: %w", err)
	}

	natsSubject := fmt.Sprintf("user.%s.record.ingested", rec.UserID)
	msgID := fmt.Sprintf("%s|%s|%s", recordIngestedEvent, rec.UserID, rec.ProviderRecordID)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, s.now().Unix(), natsSubject, recordIngestedEvent, payload, msgID, s.now().Unix())
	if err != nil {
		return false, fmt.Errorf("failed to insert outbox entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit: %w", err)
	}
	return true, nil
}

// CountRecords reports how many records exist for a user.
func (s *Sink) CountRecords(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM records WHERE user_id = ?
	`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return n, nil
}

// DequeueOutbox fetches undelivered outbox rows that are due.
func (s *Sink) DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, subject, payload, msg_id
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, s.now().Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var messages []OutboxMessage
	for rows.Next() {
		var msg OutboxMessage
		if err := rows.Scan(&msg.ID, &msg.Subject, &msg.Payload, &msg.MsgID); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// MarkPublished marks an outbox row delivered.
func (s *Sink) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox SET published_at = ? WHERE id = ?
	`, s.now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}
	return nil
}

// MarkOutboxRetry schedules a failed row for another delivery attempt.
func (s *Sink) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`, s.now().Add(backoff).Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}
	return nil
}

// RunOutboxDispatcher drains the outbox into the publisher until ctx ends.
// Delivery is at-least-once; the publisher's message-id dedup absorbs
// redelivery after a crash between Publish and MarkPublished.
func (s *Sink) RunOutboxDispatcher(ctx context.Context, pub Publisher) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		messages, err := s.DequeueOutbox(ctx, 100)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("outbox dequeue failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		if len(messages) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}

		for _, msg := range messages {
			if err := pub.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
				s.logger.Warn("outbox publish failed",
					zap.Int64("id", msg.ID), zap.Error(err))
				_ = s.MarkOutboxRetry(ctx, msg.ID, 10*time.Second)
				continue
			}
			if err := s.MarkPublished(ctx, msg.ID); err != nil {
				s.logger.Error("failed to mark outbox row published",
					zap.Int64("id", msg.ID), zap.Error(err))
			}
		}
	}
}

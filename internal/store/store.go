package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// ConnectionState tracks the OAuth lifecycle of a credential.
type ConnectionState string

const (
	StateUnconnected ConnectionState = "unconnected"
	StatePending     ConnectionState = "pending"
	StateConnected   ConnectionState = "connected"
	StateExpired     ConnectionState = "expired"
	StateRevoked     ConnectionState = "revoked"
)

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrCursorNotNewer indicates a cursor write that does not move forward.
	ErrCursorNotNewer = errors.New("cursor not newer than stored value")
)

// Credential holds one user's OAuth tokens and connection state.
type Credential struct {
	UserID       string
	AccessToken  string
	RefreshToken string
	TokenExpiry  time.Time
	Scopes       []string
	State        ConnectionState
	ConnectedAt  time.Time
}

// SyncCursor is the per-user position in the provider's change stream.
type SyncCursor struct {
	UserID        string
	LastHistoryID string
	UpdatedAt     time.Time
}

// WatchSubscription records the provider-side push registration for a user.
type WatchSubscription struct {
	UserID       string
	TopicRef     string
	ExpiresAt    time.Time
	RegisteredAt time.Time
}

// FlowState is a single-use OAuth authorization attempt.
type FlowState struct {
	Nonce     string
	UserID    string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Store is the sqlite-backed persistence layer for credentials, cursors,
// watch subscriptions, and in-flight OAuth states.
type Store struct {
	DB  *sql.DB
	now func() time.Time
}

// Open opens or creates the engine database at dbPath.
func Open(dbPath string) (*Store, error) {
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

	return &Store{DB: db, now: time.Now}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.DB.Close()
}

// CompareHistoryID orders two provider history markers. Gmail history ids
// are decimal strings that can exceed int64, so they are compared as digit
// strings: longer strings sort after shorter ones, equal lengths compare
// bytewise. Returns -1, 0, or 1.
func CompareHistoryID(a, b string) int {
	if len(a) != len(b) && isDigits(a) && isDigits(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// SaveCredential upserts the credential row for a user.
func (s *Store) SaveCredential(ctx context.Context, cred *Credential) error {
	scopesJSON, err := json.Marshal(cred.Scopes)
	if err != nil {
		return fmt.Errorf("failed to encode scopes: %w", err)
	}

	var connectedAt sql.NullInt64
	if !cred.ConnectedAt.IsZero() {
		connectedAt = sql.NullInt64{Int64: cred.ConnectedAt.Unix(), Valid: true}
	}

	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO credentials (user_id, access_token, refresh_token, token_expiry, scopes, state, connected_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			token_expiry = excluded.token_expiry,
			scopes = excluded.scopes,
			state = excluded.state,
			connected_at = excluded.connected_at,
			updated_at = excluded.updated_at
	`, cred.UserID, cred.AccessToken, cred.RefreshToken, cred.TokenExpiry.Unix(),
		string(scopesJSON), string(cred.State), connectedAt, s.now().Unix())

	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// LoadCredential loads the credential for a user, or ErrNotFound.
func (s *Store) LoadCredential(ctx context.Context, userID string) (*Credential, error) {
	var (
		cred        Credential
		expiry      int64
		scopesJSON  string
		state       string
		connectedAt sql.NullInt64
	)

	err := s.DB.QueryRowContext(ctx, `
		SELECT user_id, access_token, refresh_token, token_expiry, scopes, state, connected_at
		FROM credentials WHERE user_id = ?
	`, userID).Scan(&cred.UserID, &cred.AccessToken, &cred.RefreshToken, &expiry, &scopesJSON, &state, &connectedAt)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}

	cred.TokenExpiry = time.Unix(expiry, 0)
	cred.State = ConnectionState(state)
	if connectedAt.Valid {
		cred.ConnectedAt = time.Unix(connectedAt.Int64, 0)
	}
	if err := json.Unmarshal([]byte(scopesJSON), &cred.Scopes); err != nil {
		return nil, fmt.Errorf("failed to decode scopes: %w", err)
	}
	return &cred, nil
}

// UpdateCredentialTokens replaces the access token and expiry after a refresh.
func (s *Store) UpdateCredentialTokens(ctx context.Context, userID, accessToken string, expiry time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE credentials SET access_token = ?, token_expiry = ?, updated_at = ? WHERE user_id = ?
	`, accessToken, expiry.Unix(), s.now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("failed to update tokens: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetCredentialState transitions a credential's connection state.
func (s *Store) SetCredentialState(ctx context.Context, userID string, state ConnectionState) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE credentials SET state = ?, updated_at = ? WHERE user_id = ?
	`, string(state), s.now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("failed to set credential state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListConnectedUsers returns the ids of all users in the connected state.
func (s *Store) ListConnectedUsers(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT user_id FROM credentials WHERE state = ?
	`, string(StateConnected))
	if err != nil {
		return nil, fmt.Errorf("failed to list connected users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

// LoadCursor returns the stored sync cursor for a user, or ErrNotFound if
// the user has never been seeded.
func (s *Store) LoadCursor(ctx context.Context, userID string) (*SyncCursor, error) {
	var (
		cur       SyncCursor
		updatedAt int64
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT user_id, last_history_id, updated_at FROM sync_cursors WHERE user_id = ?
	`, userID).Scan(&cur.UserID, &cur.LastHistoryID, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load cursor: %w", err)
	}
	cur.UpdatedAt = time.Unix(updatedAt, 0)
	return &cur, nil
}

// AdvanceCursor moves the cursor forward. A write that is not strictly newer
// than the stored value is rejected with ErrCursorNotNewer; the first write
// for a user always succeeds.
func (s *Store) AdvanceCursor(ctx context.Context, userID, historyID string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var stored string
	err = tx.QueryRowContext(ctx, `
		SELECT last_history_id FROM sync_cursors WHERE user_id = ?
	`, userID).Scan(&stored)
	switch {
	case err == sql.ErrNoRows:
		// first seed
	case err != nil:
		return fmt.Errorf("failed to read cursor: %w", err)
	default:
		if CompareHistoryID(historyID, stored) <= 0 {
			return ErrCursorNotNewer
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_cursors (user_id, last_history_id, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			last_history_id = excluded.last_history_id,
			updated_at = excluded.updated_at
	`, userID, historyID, s.now().Unix())
	if err != nil {
		return fmt.Errorf("failed to write cursor: %w", err)
	}
	return tx.Commit()
}

// ReseedCursor overwrites the cursor unconditionally. Only the catch-up
// fallback path uses this, after the provider reported the stored cursor
// outside its history window.
func (s *Store) ReseedCursor(ctx context.Context, userID, historyID string) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO sync_cursors (user_id, last_history_id, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			last_history_id = excluded.last_history_id,
			updated_at = excluded.updated_at
	`, userID, historyID, s.now().Unix())
	if err != nil {
		return fmt.Errorf("failed to reseed cursor: %w", err)
	}
	return nil
}

// SaveWatch upserts the watch subscription for a user.
func (s *Store) SaveWatch(ctx context.Context, w *WatchSubscription) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO watch_subscriptions (user_id, topic_ref, expires_at, registered_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			topic_ref = excluded.topic_ref,
			expires_at = excluded.expires_at,
			registered_at = excluded.registered_at
	`, w.UserID, w.TopicRef, w.ExpiresAt.Unix(), w.RegisteredAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to save watch: %w", err)
	}
	return nil
}

// LoadWatch returns the watch subscription for a user, or ErrNotFound.
func (s *Store) LoadWatch(ctx context.Context, userID string) (*WatchSubscription, error) {
	var (
		w                       WatchSubscription
		expiresAt, registeredAt int64
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT user_id, topic_ref, expires_at, registered_at FROM watch_subscriptions WHERE user_id = ?
	`, userID).Scan(&w.UserID, &w.TopicRef, &expiresAt, &registeredAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load watch: %w", err)
	}
	w.ExpiresAt = time.Unix(expiresAt, 0)
	w.RegisteredAt = time.Unix(registeredAt, 0)
	return &w, nil
}

// DeleteWatch removes a user's watch subscription record.
func (s *Store) DeleteWatch(ctx context.Context, userID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM watch_subscriptions WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("failed to delete watch: %w", err)
	}
	return nil
}

// SaveFlowState persists an in-flight OAuth authorization attempt.
func (s *Store) SaveFlowState(ctx context.Context, fs *FlowState) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO oauth_flow_states (nonce, user_id, created_at, expires_at)
		VALUES (?, ?, ?, ?)
	`, fs.Nonce, fs.UserID, fs.CreatedAt.Unix(), fs.ExpiresAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to save flow state: %w", err)
	}
	return nil
}

// ConsumeFlowState atomically deletes and returns the flow state for a nonce.
// A nonce that is missing, expired, or already consumed yields ErrNotFound;
// reuse is therefore indistinguishable from forgery at this layer.
func (s *Store) ConsumeFlowState(ctx context.Context, nonce string) (*FlowState, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		fs                   FlowState
		createdAt, expiresAt int64
	)
	err = tx.QueryRowContext(ctx, `
		SELECT nonce, user_id, created_at, expires_at FROM oauth_flow_states WHERE nonce = ?
	`, nonce).Scan(&fs.Nonce, &fs.UserID, &createdAt, &expiresAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load flow state: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM oauth_flow_states WHERE nonce = ?`, nonce); err != nil {
		return nil, fmt.Errorf("failed to consume flow state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	fs.CreatedAt = time.Unix(createdAt, 0)
	fs.ExpiresAt = time.Unix(expiresAt, 0)
	if s.now().After(fs.ExpiresAt) {
		return nil, ErrNotFound
	}
	return &fs, nil
}

// PurgeExpiredFlowStates removes flow states past their TTL.
func (s *Store) PurgeExpiredFlowStates(ctx context.Context) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
		DELETE FROM oauth_flow_states WHERE expires_at < ?
	`, s.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to purge flow states: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// UpsertMailboxUser records the mapping from a provider mailbox address to
// the internal user id.
func (s *Store) UpsertMailboxUser(ctx context.Context, address, userID string) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO mailbox_users (address, user_id, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			user_id = excluded.user_id,
			updated_at = excluded.updated_at
	`, address, userID, s.now().Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert mailbox user: %w", err)
	}
	return nil
}

// DeleteMailboxUser removes all address mappings for a user. Webhooks for
// those addresses then resolve to nothing and are acknowledged and dropped.
func (s *Store) DeleteMailboxUser(ctx context.Context, userID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM mailbox_users WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("failed to delete mailbox user: %w", err)
	}
	return nil
}

// ResolveUserByAddress maps a provider mailbox address to an internal user
// id, or ErrNotFound. Unknown addresses are expected for notifications from
// stale subscriptions of disconnected users.
func (s *Store) ResolveUserByAddress(ctx context.Context, address string) (string, error) {
	var userID string
	err := s.DB.QueryRowContext(ctx, `
		SELECT user_id FROM mailbox_users WHERE address = ?
	`, address).Scan(&userID)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to resolve mailbox user: %w", err)
	}
	return userID, nil
}

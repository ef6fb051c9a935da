// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"k8s.io/utils/clock"
	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// SQLiteStorage implements Storage on a SQLite database file.
//
// The pool is limited to one connection, so SQLite's single writer never
// sees a lock upgrade conflict. Atomic transitions use conditional UPDATE
// statements and check the affected row count.
type SQLiteStorage struct {
	db    *sql.DB
	clock clock.PassiveClock

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
	closeOnce       sync.Once
}

// SQLiteOption configures a SQLiteStorage.
type SQLiteOption func(*SQLiteStorage)

// WithSQLiteClock sets the clock used for expiry decisions.
func WithSQLiteClock(clk clock.PassiveClock) SQLiteOption {
	return func(s *SQLiteStorage) { s.clock = clk }
}

// WithSQLiteCleanupInterval sets how often expired rows are purged.
func WithSQLiteCleanupInterval(interval time.Duration) SQLiteOption {
	return func(s *SQLiteStorage) { s.cleanupInterval = interval }
}

// NewSQLiteStorage opens (creating if needed) the database at path, applies
// migrations and starts the cleanup loop.
func NewSQLiteStorage(ctx context.Context, path string, opts ...SQLiteOption) (*SQLiteStorage, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteStorage{
		db:              db,
		clock:           clock.RealClock{},
		cleanupInterval: DefaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()

	return s, nil
}

// Health pings the database.
func (s *SQLiteStorage) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close stops cleanup and closes the database.
func (s *SQLiteStorage) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
		<-s.cleanupDone
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteStorage) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := s.DeleteExpired(ctx); err != nil {
				slog.Warn("failed to delete expired rows", "error", err)
			}
			cancel()
		}
	}
}

// DeleteExpired purges expired rows. Refresh tokens are kept until their
// chain ceiling passes.
func (s *SQLiteStorage) DeleteExpired(ctx context.Context) error {
	now := toNanos(s.clock.Now())
	stmts := []string{
		`DELETE FROM login_transactions WHERE expires_at <= ?`,
		`DELETE FROM upstream_transactions WHERE expires_at <= ?`,
		`DELETE FROM authorization_codes WHERE expires_at <= ?`,
		`DELETE FROM sessions WHERE expires_at <= ?`,
		`DELETE FROM refresh_tokens WHERE max_chain_expires_at <= ?`,
		`DELETE FROM client_assertions WHERE expires_at <= ?`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q, now); err != nil {
			return fmt.Errorf("deleting expired rows: %w", err)
		}
	}
	return nil
}

// -----------------------
// ClientRegistry
// -----------------------

// GetClient loads a registered client.
func (s *SQLiteStorage) GetClient(ctx context.Context, id string) (*Client, error) {
	var c Client
	var redirects, postLogout, scopes, ctype, method string
	var secretExpires int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, redirect_uris, post_logout_redirect_uris, allowed_scopes, client_type,
		       auth_method, secret_hash, secret_expires_at, jwks
		FROM clients WHERE id = ?`, id,
	).Scan(&c.ID, &redirects, &postLogout, &scopes, &ctype, &method, &c.SecretHash, &secretExpires, &c.JWKS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("client %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying client: %w", err)
	}
	c.Type = ClientType(ctype)
	c.AuthMethod = AuthMethod(method)
	c.SecretExpiresAt = fromNanos(secretExpires)
	if c.RedirectURIs, err = decodeStrings(redirects); err != nil {
		return nil, err
	}
	if c.PostLogoutRedirectURIs, err = decodeStrings(postLogout); err != nil {
		return nil, err
	}
	if c.AllowedScopes, err = decodeStrings(scopes); err != nil {
		return nil, err
	}
	return &c, nil
}

// RegisterClient upserts a client.
func (s *SQLiteStorage) RegisterClient(ctx context.Context, client *Client) error {
	if client == nil || client.ID == "" {
		return fmt.Errorf("client id is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (id, redirect_uris, post_logout_redirect_uris, allowed_scopes,
		                     client_type, auth_method, secret_hash, secret_expires_at, jwks)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			redirect_uris = excluded.redirect_uris,
			post_logout_redirect_uris = excluded.post_logout_redirect_uris,
			allowed_scopes = excluded.allowed_scopes,
			client_type = excluded.client_type,
			auth_method = excluded.auth_method,
			secret_hash = excluded.secret_hash,
			secret_expires_at = excluded.secret_expires_at,
			jwks = excluded.jwks`,
		client.ID,
		encodeStrings(client.RedirectURIs),
		encodeStrings(client.PostLogoutRedirectURIs),
		encodeStrings(client.AllowedScopes),
		string(client.Type),
		string(client.AuthMethod),
		client.SecretHash,
		toNanos(client.SecretExpiresAt),
		client.JWKS,
	)
	if err != nil {
		return fmt.Errorf("upserting client: %w", err)
	}
	return nil
}

// -----------------------
// TransactionStore
// -----------------------

// CreateLoginTransaction stores a pending downstream request.
func (s *SQLiteStorage) CreateLoginTransaction(ctx context.Context, tx *LoginTransaction) error {
	data, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("marshaling login transaction: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO login_transactions (request_id, client_id, data, expires_at) VALUES (?, ?, ?, ?)`,
		tx.RequestID, tx.ClientID, string(data), toNanos(tx.ExpiresAt))
	return insertError("login transaction", err)
}

// GetLoginTransaction loads a pending request.
func (s *SQLiteStorage) GetLoginTransaction(ctx context.Context, requestID string) (*LoginTransaction, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM login_transactions WHERE request_id = ?`, requestID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying login transaction: %w", err)
	}
	var tx LoginTransaction
	if err := json.Unmarshal([]byte(data), &tx); err != nil {
		return nil, fmt.Errorf("unmarshaling login transaction: %w", err)
	}
	if expired(tx.ExpiresAt, s.clock.Now()) {
		return nil, ErrExpired
	}
	return &tx, nil
}

// DeleteLoginTransaction removes a pending request.
func (s *SQLiteStorage) DeleteLoginTransaction(ctx context.Context, requestID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM login_transactions WHERE request_id = ?`, requestID); err != nil {
		return fmt.Errorf("deleting login transaction: %w", err)
	}
	return nil
}

// CreateUpstreamTransaction stores an upstream round trip.
func (s *SQLiteStorage) CreateUpstreamTransaction(ctx context.Context, tx *UpstreamLoginTransaction) error {
	data, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("marshaling upstream transaction: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO upstream_transactions (upstream_state, data, expires_at) VALUES (?, ?, ?)`,
		tx.UpstreamState, string(data), toNanos(tx.ExpiresAt))
	return insertError("upstream transaction", err)
}

// ConsumeUpstreamTransaction deletes and returns the row in one statement.
func (s *SQLiteStorage) ConsumeUpstreamTransaction(ctx context.Context, state string) (*UpstreamLoginTransaction, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`DELETE FROM upstream_transactions WHERE upstream_state = ? RETURNING data`, state).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consuming upstream transaction: %w", err)
	}
	var tx UpstreamLoginTransaction
	if err := json.Unmarshal([]byte(data), &tx); err != nil {
		return nil, fmt.Errorf("unmarshaling upstream transaction: %w", err)
	}
	if expired(tx.ExpiresAt, s.clock.Now()) {
		return nil, ErrExpired
	}
	return &tx, nil
}

// -----------------------
// SessionStore
// -----------------------

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertSession(ctx context.Context, db execer, session *Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO sessions (sid, subject_id, upstream_issuer, upstream_session_sid, client_ids_seen, data, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		session.SID, session.SubjectID, session.UpstreamIssuer, session.UpstreamSessionSID,
		encodeStrings(session.ClientIDsSeen), string(data), toNanos(session.ExpiresAt))
	return insertError("session", err)
}

// CreateSession stores a new session.
func (s *SQLiteStorage) CreateSession(ctx context.Context, session *Session) error {
	return insertSession(ctx, s.db, session)
}

// GetSession loads a live session. The expiry and client list columns are
// authoritative over the JSON document.
func (s *SQLiteStorage) GetSession(ctx context.Context, sid string) (*Session, error) {
	var (
		data, clients string
		expiresAt     int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT data, client_ids_seen, expires_at FROM sessions WHERE sid = ? AND expires_at > ?`,
		sid, toNanos(s.clock.Now()),
	).Scan(&data, &clients, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	var session Session
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, fmt.Errorf("unmarshaling session: %w", err)
	}
	session.ExpiresAt = fromNanos(expiresAt)
	if session.ClientIDsSeen, err = decodeStrings(clients); err != nil {
		return nil, err
	}
	return &session, nil
}

// ExtendSession updates the sliding expiry of a live session.
func (s *SQLiteStorage) ExtendSession(ctx context.Context, sid string, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET expires_at = ? WHERE sid = ? AND expires_at > ?`,
		toNanos(expiresAt), sid, toNanos(s.clock.Now()))
	if err != nil {
		return fmt.Errorf("extending session: %w", err)
	}
	return requireOneRow(res, ErrNotFound)
}

// AddSessionClient appends clientID to the session's client list if absent.
func (s *SQLiteStorage) AddSessionClient(ctx context.Context, sid, clientID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET client_ids_seen = json_insert(client_ids_seen, '$[#]', ?)
		WHERE sid = ? AND expires_at > ?
		  AND NOT EXISTS (SELECT 1 FROM json_each(sessions.client_ids_seen) WHERE value = ?)`,
		clientID, sid, toNanos(s.clock.Now()), clientID)
	if err != nil {
		return fmt.Errorf("adding session client: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	// Either the client was already recorded or the session is gone.
	_, err = s.GetSession(ctx, sid)
	return err
}

// DeleteSession removes a session.
func (s *SQLiteStorage) DeleteSession(ctx context.Context, sid string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE sid = ?`, sid); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// FindSessionsByUpstream uses the upstream correlation index.
func (s *SQLiteStorage) FindSessionsByUpstream(ctx context.Context, issuer, upstreamSID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sid FROM sessions WHERE upstream_issuer = ? AND upstream_session_sid = ? ORDER BY sid`,
		issuer, upstreamSID)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sids []string
	for rows.Next() {
		var sid string
		if err := rows.Scan(&sid); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sids = append(sids, sid)
	}
	return sids, rows.Err()
}

// -----------------------
// AuthorizationCodeStore
// -----------------------

func insertCode(ctx context.Context, db execer, code *AuthorizationCode) error {
	data, err := json.Marshal(code)
	if err != nil {
		return fmt.Errorf("marshaling authorization code: %w", err)
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO authorization_codes (code, client_id, sid, data, expires_at) VALUES (?, ?, ?, ?, ?)`,
		code.Code, code.ClientID, code.SID, string(data), toNanos(code.ExpiresAt))
	return insertError("authorization code", err)
}

// CreateAuthorizationCode stores a new code.
func (s *SQLiteStorage) CreateAuthorizationCode(ctx context.Context, code *AuthorizationCode) error {
	return insertCode(ctx, s.db, code)
}

// ConsumeAuthorizationCode sets consumed_at only where it is still NULL.
func (s *SQLiteStorage) ConsumeAuthorizationCode(
	ctx context.Context, code string, consumedAt time.Time,
) (*AuthorizationCode, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`UPDATE authorization_codes SET consumed_at = ? WHERE code = ? AND consumed_at IS NULL RETURNING data`,
		toNanos(consumedAt), code,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		var one int
		lookupErr := s.db.QueryRowContext(ctx, `SELECT 1 FROM authorization_codes WHERE code = ?`, code).Scan(&one)
		if errors.Is(lookupErr, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		if lookupErr != nil {
			return nil, fmt.Errorf("querying authorization code: %w", lookupErr)
		}
		return nil, ErrAlreadyConsumed
	}
	if err != nil {
		return nil, fmt.Errorf("consuming authorization code: %w", err)
	}

	var c AuthorizationCode
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return nil, fmt.Errorf("unmarshaling authorization code: %w", err)
	}
	c.ConsumedAt = consumedAt
	if expired(c.ExpiresAt, s.clock.Now()) {
		return nil, ErrExpired
	}
	return &c, nil
}

// -----------------------
// RefreshTokenStore
// -----------------------

func insertRefreshToken(ctx context.Context, db execer, t *RefreshToken) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (lookup_key, chain_id, sid, client_id, subject_id, scopes, hash, salt,
		                            iterations, generation, issued_at, expires_at, max_chain_expires_at,
		                            rotated_at, revoked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.LookupKey, t.ChainID, t.SID, t.ClientID, t.SubjectID, encodeStrings(t.Scopes), t.Hash, t.Salt,
		t.Iterations, t.Generation, toNanos(t.IssuedAt), toNanos(t.ExpiresAt), toNanos(t.MaxChainExpiresAt),
		nullableNanos(t.RotatedAt), nullableNanos(t.RevokedAt))
	return insertError("refresh token", err)
}

// CreateRefreshToken stores a refresh token row.
func (s *SQLiteStorage) CreateRefreshToken(ctx context.Context, token *RefreshToken) error {
	return insertRefreshToken(ctx, s.db, token)
}

// GetRefreshToken loads a row in any state.
func (s *SQLiteStorage) GetRefreshToken(ctx context.Context, lookupKey string) (*RefreshToken, error) {
	var (
		t                                      RefreshToken
		scopes                                 string
		issuedAt, expiresAt, maxChainExpiresAt int64
		rotatedAt, revokedAt                   sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT lookup_key, chain_id, sid, client_id, subject_id, scopes, hash, salt, iterations, generation,
		       issued_at, expires_at, max_chain_expires_at, rotated_at, revoked_at
		FROM refresh_tokens WHERE lookup_key = ?`, lookupKey,
	).Scan(&t.LookupKey, &t.ChainID, &t.SID, &t.ClientID, &t.SubjectID, &scopes, &t.Hash, &t.Salt,
		&t.Iterations, &t.Generation, &issuedAt, &expiresAt, &maxChainExpiresAt, &rotatedAt, &revokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying refresh token: %w", err)
	}
	if t.Scopes, err = decodeStrings(scopes); err != nil {
		return nil, err
	}
	t.IssuedAt = fromNanos(issuedAt)
	t.ExpiresAt = fromNanos(expiresAt)
	t.MaxChainExpiresAt = fromNanos(maxChainExpiresAt)
	if rotatedAt.Valid {
		t.RotatedAt = fromNanos(rotatedAt.Int64)
	}
	if revokedAt.Valid {
		t.RevokedAt = fromNanos(revokedAt.Int64)
	}
	return &t, nil
}

// RotateRefreshToken marks the row rotated and inserts next in one transaction.
func (s *SQLiteStorage) RotateRefreshToken(
	ctx context.Context, lookupKey string, rotatedAt time.Time, next *RefreshToken,
) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx, `
		UPDATE refresh_tokens SET rotated_at = ?
		WHERE lookup_key = ? AND rotated_at IS NULL AND revoked_at IS NULL`,
		toNanos(rotatedAt), lookupKey)
	if err != nil {
		return fmt.Errorf("rotating refresh token: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		var one int
		lookupErr := tx.QueryRowContext(ctx, `SELECT 1 FROM refresh_tokens WHERE lookup_key = ?`, lookupKey).Scan(&one)
		if errors.Is(lookupErr, sql.ErrNoRows) {
			return ErrNotFound
		}
		return ErrAlreadyRotated
	}
	if err := insertRefreshToken(ctx, tx, next); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing rotation: %w", err)
	}
	return nil
}

// RevokeRefreshTokenChain revokes every unrevoked row of the chain.
func (s *SQLiteStorage) RevokeRefreshTokenChain(ctx context.Context, chainID string, revokedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked_at = ? WHERE chain_id = ? AND revoked_at IS NULL`,
		toNanos(revokedAt), chainID)
	if err != nil {
		return fmt.Errorf("revoking refresh token chain: %w", err)
	}
	return nil
}

// RevokeSessionRefreshTokens revokes every unrevoked row bound to sid.
func (s *SQLiteStorage) RevokeSessionRefreshTokens(ctx context.Context, sid string, revokedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked_at = ? WHERE sid = ? AND revoked_at IS NULL`,
		toNanos(revokedAt), sid)
	if err != nil {
		return fmt.Errorf("revoking session refresh tokens: %w", err)
	}
	return nil
}

// -----------------------
// UserStorage
// -----------------------

// CreateUser inserts a user; the external id column is UNIQUE.
func (s *SQLiteStorage) CreateUser(ctx context.Context, user *User) error {
	if user == nil || user.ID == "" || user.ExternalID == "" {
		return fmt.Errorf("user id and external id are required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, external_id, created_at, last_login_at) VALUES (?, ?, ?, ?)`,
		user.ID, user.ExternalID, toNanos(user.CreatedAt), toNanos(user.LastLoginAt))
	return insertError("user", err)
}

// GetUserByExternalID resolves a user by federated identity.
func (s *SQLiteStorage) GetUserByExternalID(ctx context.Context, externalID string) (*User, error) {
	var (
		u                    User
		createdAt, lastLogin int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, external_id, created_at, last_login_at FROM users WHERE external_id = ?`, externalID,
	).Scan(&u.ID, &u.ExternalID, &createdAt, &lastLogin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	u.CreatedAt = fromNanos(createdAt)
	u.LastLoginAt = fromNanos(lastLogin)
	return &u, nil
}

// UpdateUserLastLogin sets last_login_at.
func (s *SQLiteStorage) UpdateUserLastLogin(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET last_login_at = ? WHERE id = ?`, toNanos(at), id)
	if err != nil {
		return fmt.Errorf("updating user: %w", err)
	}
	return requireOneRow(res, ErrNotFound)
}

// -----------------------
// ClientAssertionStore
// -----------------------

// MarkClientAssertionUsed inserts the jti, replacing an expired entry.
func (s *SQLiteStorage) MarkClientAssertionUsed(ctx context.Context, jti string, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO client_assertions (jti, expires_at) VALUES (?, ?)
		ON CONFLICT (jti) DO UPDATE SET expires_at = excluded.expires_at
		WHERE client_assertions.expires_at <= ?`,
		jti, toNanos(expiresAt), toNanos(s.clock.Now()))
	if err != nil {
		return fmt.Errorf("recording client assertion: %w", err)
	}
	return requireOneRow(res, ErrAlreadyExists)
}

// -----------------------
// CommitLogin
// -----------------------

// CommitLogin writes session and code and deletes the login transaction in
// one database transaction.
func (s *SQLiteStorage) CommitLogin(ctx context.Context, session *Session, code *AuthorizationCode) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	if err := insertSession(ctx, tx, session); err != nil {
		return err
	}
	if code != nil {
		if err := insertCode(ctx, tx, code); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM login_transactions WHERE request_id = ?`, code.RequestID); err != nil {
			return fmt.Errorf("deleting login transaction: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing login: %w", err)
	}
	return nil
}

// -----------------------
// helpers
// -----------------------

// Times are stored as Unix nanoseconds; zero time is stored as 0.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nullableNanos(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func encodeStrings(v []string) string {
	if v == nil {
		v = []string{}
	}
	data, _ := json.Marshal(v)
	return string(data)
}

func decodeStrings(data string) ([]string, error) {
	if data == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil, fmt.Errorf("unmarshaling JSON list: %w", err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func insertError(what string, err error) error {
	if err == nil {
		return nil
	}
	if isConstraintViolation(err) {
		return fmt.Errorf("%s: %w", what, ErrAlreadyExists)
	}
	return fmt.Errorf("inserting %s: %w", what, err)
}

func requireOneRow(res sql.Result, otherwise error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}
	if n != 1 {
		return otherwise
	}
	return nil
}

// isConstraintViolation checks for a SQLite UNIQUE or PRIMARY KEY violation.
func isConstraintViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

// rollback rolls back tx, ignoring errors (tx may already be committed).
func rollback(tx *sql.Tx) { _ = tx.Rollback() }

var _ Storage = (*SQLiteStorage)(nil)

// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// MemoryStorage implements Storage with in-memory maps guarded by a single
// RWMutex. It is suitable for development, tests and single-replica
// deployments; all state is lost on restart.
type MemoryStorage struct {
	mu    sync.RWMutex
	clock clock.PassiveClock

	clients     map[string]*Client
	loginTxs    map[string]*LoginTransaction
	upstreamTxs map[string]*UpstreamLoginTransaction
	codes       map[string]*AuthorizationCode
	sessions    map[string]*Session

	// refreshTokens maps lookup key -> token. Rotated and revoked rows stay
	// until the chain ceiling passes so reuse can be detected.
	refreshTokens map[string]*RefreshToken

	// users maps user id -> user; usersByExternalID is the unique index.
	users             map[string]*User
	usersByExternalID map[string]string

	// clientAssertions maps jti -> expiry for replay protection.
	clientAssertions map[string]time.Time

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
	closeOnce       sync.Once
}

// MemoryStorageOption configures a MemoryStorage instance.
type MemoryStorageOption func(*MemoryStorage)

// WithCleanupInterval sets a custom cleanup interval.
func WithCleanupInterval(interval time.Duration) MemoryStorageOption {
	return func(s *MemoryStorage) {
		s.cleanupInterval = interval
	}
}

// WithClock sets the clock used for expiry decisions.
func WithClock(clk clock.PassiveClock) MemoryStorageOption {
	return func(s *MemoryStorage) {
		s.clock = clk
	}
}

// NewMemoryStorage creates a MemoryStorage and starts its background cleanup.
func NewMemoryStorage(opts ...MemoryStorageOption) *MemoryStorage {
	s := &MemoryStorage{
		clock:             clock.RealClock{},
		clients:           make(map[string]*Client),
		loginTxs:          make(map[string]*LoginTransaction),
		upstreamTxs:       make(map[string]*UpstreamLoginTransaction),
		codes:             make(map[string]*AuthorizationCode),
		sessions:          make(map[string]*Session),
		refreshTokens:     make(map[string]*RefreshToken),
		users:             make(map[string]*User),
		usersByExternalID: make(map[string]string),
		clientAssertions:  make(map[string]time.Time),
		cleanupInterval:   DefaultCleanupInterval,
		stopCleanup:       make(chan struct{}),
		cleanupDone:       make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()

	return s
}

// Health is a no-op for in-memory storage since it is always available.
func (*MemoryStorage) Health(_ context.Context) error {
	return nil
}

// Close stops the background cleanup goroutine and waits for it to finish.
func (s *MemoryStorage) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
		<-s.cleanupDone
	})
	return nil
}

func (s *MemoryStorage) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanupExpired()
		}
	}
}

// cleanupExpired removes expired records. Refresh tokens are kept until the
// chain ceiling so rotated rows still trigger reuse detection.
func (s *MemoryStorage) cleanupExpired() {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	removed += deleteWhere(s.loginTxs, func(v *LoginTransaction) bool { return expired(v.ExpiresAt, now) })
	removed += deleteWhere(s.upstreamTxs, func(v *UpstreamLoginTransaction) bool { return expired(v.ExpiresAt, now) })
	removed += deleteWhere(s.codes, func(v *AuthorizationCode) bool { return expired(v.ExpiresAt, now) })
	removed += deleteWhere(s.sessions, func(v *Session) bool { return expired(v.ExpiresAt, now) })
	removed += deleteWhere(s.refreshTokens, func(v *RefreshToken) bool { return expired(v.MaxChainExpiresAt, now) })
	for jti, exp := range s.clientAssertions {
		if expired(exp, now) {
			delete(s.clientAssertions, jti)
			removed++
		}
	}

	if removed > 0 {
		slog.Debug("removed expired records from memory storage", "count", removed)
	}
}

func deleteWhere[T any](m map[string]T, pred func(T) bool) int {
	n := 0
	for k, v := range m {
		if pred(v) {
			delete(m, k)
			n++
		}
	}
	return n
}

// -----------------------
// ClientRegistry
// -----------------------

// GetClient returns a copy of the registered client.
func (s *MemoryStorage) GetClient(_ context.Context, id string) (*Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.clients[id]
	if !ok {
		return nil, fmt.Errorf("client %q: %w", id, ErrNotFound)
	}
	return cloneClient(c), nil
}

// RegisterClient adds or replaces a client.
func (s *MemoryStorage) RegisterClient(_ context.Context, client *Client) error {
	if client == nil || client.ID == "" {
		return fmt.Errorf("client id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clients[client.ID] = cloneClient(client)
	return nil
}

// -----------------------
// TransactionStore
// -----------------------

// CreateLoginTransaction stores a pending downstream request.
func (s *MemoryStorage) CreateLoginTransaction(_ context.Context, tx *LoginTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.loginTxs[tx.RequestID]; ok {
		return ErrAlreadyExists
	}
	s.loginTxs[tx.RequestID] = cloneLoginTransaction(tx)
	return nil
}

// GetLoginTransaction returns the pending request for requestID.
func (s *MemoryStorage) GetLoginTransaction(_ context.Context, requestID string) (*LoginTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.loginTxs[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	if expired(tx.ExpiresAt, s.clock.Now()) {
		return nil, ErrExpired
	}
	return cloneLoginTransaction(tx), nil
}

// DeleteLoginTransaction removes the pending request. Missing rows are ignored.
func (s *MemoryStorage) DeleteLoginTransaction(_ context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.loginTxs, requestID)
	return nil
}

// CreateUpstreamTransaction stores an upstream round trip keyed by its state.
func (s *MemoryStorage) CreateUpstreamTransaction(_ context.Context, tx *UpstreamLoginTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.upstreamTxs[tx.UpstreamState]; ok {
		return ErrAlreadyExists
	}
	s.upstreamTxs[tx.UpstreamState] = cloneUpstreamTransaction(tx)
	return nil
}

// ConsumeUpstreamTransaction removes and returns the transaction for state.
func (s *MemoryStorage) ConsumeUpstreamTransaction(_ context.Context, state string) (*UpstreamLoginTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.upstreamTxs[state]
	if !ok {
		return nil, ErrNotFound
	}
	delete(s.upstreamTxs, state)
	if expired(tx.ExpiresAt, s.clock.Now()) {
		return nil, ErrExpired
	}
	return tx, nil
}

// -----------------------
// SessionStore
// -----------------------

// CreateSession stores a new session.
func (s *MemoryStorage) CreateSession(_ context.Context, session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.createSessionLocked(session)
}

func (s *MemoryStorage) createSessionLocked(session *Session) error {
	if _, ok := s.sessions[session.SID]; ok {
		return ErrAlreadyExists
	}
	s.sessions[session.SID] = cloneSession(session)
	return nil
}

// GetSession returns the live session for sid.
func (s *MemoryStorage) GetSession(_ context.Context, sid string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[sid]
	if !ok || expired(session.ExpiresAt, s.clock.Now()) {
		return nil, ErrNotFound
	}
	return cloneSession(session), nil
}

// ExtendSession sets a new sliding expiry.
func (s *MemoryStorage) ExtendSession(_ context.Context, sid string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sid]
	if !ok || expired(session.ExpiresAt, s.clock.Now()) {
		return ErrNotFound
	}
	session.ExpiresAt = expiresAt
	return nil
}

// AddSessionClient records clientID on the session.
func (s *MemoryStorage) AddSessionClient(_ context.Context, sid, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sid]
	if !ok || expired(session.ExpiresAt, s.clock.Now()) {
		return ErrNotFound
	}
	if !slices.Contains(session.ClientIDsSeen, clientID) {
		session.ClientIDsSeen = append(session.ClientIDsSeen, clientID)
	}
	return nil
}

// DeleteSession removes the session.
func (s *MemoryStorage) DeleteSession(_ context.Context, sid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, sid)
	return nil
}

// FindSessionsByUpstream scans sessions for the upstream correlation pair.
func (s *MemoryStorage) FindSessionsByUpstream(_ context.Context, issuer, upstreamSID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sids []string
	for sid, session := range s.sessions {
		if session.UpstreamIssuer == issuer && session.UpstreamSessionSID == upstreamSID {
			sids = append(sids, sid)
		}
	}
	slices.Sort(sids)
	return sids, nil
}

// -----------------------
// AuthorizationCodeStore
// -----------------------

// CreateAuthorizationCode stores a new code.
func (s *MemoryStorage) CreateAuthorizationCode(_ context.Context, code *AuthorizationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.createCodeLocked(code)
}

func (s *MemoryStorage) createCodeLocked(code *AuthorizationCode) error {
	if _, ok := s.codes[code.Code]; ok {
		return ErrAlreadyExists
	}
	s.codes[code.Code] = cloneAuthorizationCode(code)
	return nil
}

// ConsumeAuthorizationCode is a check-and-set under the write lock.
func (s *MemoryStorage) ConsumeAuthorizationCode(
	_ context.Context, code string, consumedAt time.Time,
) (*AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.codes[code]
	if !ok {
		return nil, ErrNotFound
	}
	if !c.ConsumedAt.IsZero() {
		return nil, ErrAlreadyConsumed
	}
	c.ConsumedAt = consumedAt
	if expired(c.ExpiresAt, s.clock.Now()) {
		return nil, ErrExpired
	}
	return cloneAuthorizationCode(c), nil
}

// -----------------------
// RefreshTokenStore
// -----------------------

// CreateRefreshToken stores the first generation of a chain.
func (s *MemoryStorage) CreateRefreshToken(_ context.Context, token *RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.refreshTokens[token.LookupKey]; ok {
		return ErrAlreadyExists
	}
	s.refreshTokens[token.LookupKey] = cloneRefreshToken(token)
	return nil
}

// GetRefreshToken returns the row for lookupKey in any state.
func (s *MemoryStorage) GetRefreshToken(_ context.Context, lookupKey string) (*RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.refreshTokens[lookupKey]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRefreshToken(t), nil
}

// RotateRefreshToken marks the current row rotated and inserts next.
func (s *MemoryStorage) RotateRefreshToken(
	_ context.Context, lookupKey string, rotatedAt time.Time, next *RefreshToken,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.refreshTokens[lookupKey]
	if !ok {
		return ErrNotFound
	}
	if !current.Active() {
		return ErrAlreadyRotated
	}
	if _, ok := s.refreshTokens[next.LookupKey]; ok {
		return ErrAlreadyExists
	}
	current.RotatedAt = rotatedAt
	s.refreshTokens[next.LookupKey] = cloneRefreshToken(next)
	return nil
}

// RevokeRefreshTokenChain revokes all active tokens of chainID.
func (s *MemoryStorage) RevokeRefreshTokenChain(_ context.Context, chainID string, revokedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.refreshTokens {
		if t.ChainID == chainID && t.RevokedAt.IsZero() {
			t.RevokedAt = revokedAt
		}
	}
	return nil
}

// RevokeSessionRefreshTokens revokes all active tokens bound to sid.
func (s *MemoryStorage) RevokeSessionRefreshTokens(_ context.Context, sid string, revokedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.refreshTokens {
		if t.SID == sid && t.RevokedAt.IsZero() {
			t.RevokedAt = revokedAt
		}
	}
	return nil
}

// -----------------------
// UserStorage
// -----------------------

// CreateUser stores a new user, enforcing unique external ids.
func (s *MemoryStorage) CreateUser(_ context.Context, user *User) error {
	if user == nil || user.ID == "" || user.ExternalID == "" {
		return fmt.Errorf("user id and external id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[user.ID]; ok {
		return fmt.Errorf("user %s: %w", user.ID, ErrAlreadyExists)
	}
	if _, ok := s.usersByExternalID[user.ExternalID]; ok {
		return fmt.Errorf("external id: %w", ErrAlreadyExists)
	}
	s.users[user.ID] = cloneUser(user)
	s.usersByExternalID[user.ExternalID] = user.ID
	return nil
}

// GetUserByExternalID resolves a user by its federated identity.
func (s *MemoryStorage) GetUserByExternalID(_ context.Context, externalID string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.usersByExternalID[externalID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneUser(s.users[id]), nil
}

// UpdateUserLastLogin sets LastLoginAt.
func (s *MemoryStorage) UpdateUserLastLogin(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return ErrNotFound
	}
	u.LastLoginAt = at
	return nil
}

// -----------------------
// ClientAssertionStore
// -----------------------

// MarkClientAssertionUsed records jti until expiresAt.
func (s *MemoryStorage) MarkClientAssertionUsed(_ context.Context, jti string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if exp, ok := s.clientAssertions[jti]; ok && !expired(exp, s.clock.Now()) {
		return ErrAlreadyExists
	}
	s.clientAssertions[jti] = expiresAt
	return nil
}

// -----------------------
// CommitLogin
// -----------------------

// CommitLogin applies session, code and transaction deletion under one lock.
func (s *MemoryStorage) CommitLogin(ctx context.Context, session *Session, code *AuthorizationCode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[session.SID]; ok {
		return ErrAlreadyExists
	}
	if code != nil {
		if _, ok := s.codes[code.Code]; ok {
			return ErrAlreadyExists
		}
	}

	if err := s.createSessionLocked(session); err != nil {
		return err
	}
	if code != nil {
		if err := s.createCodeLocked(code); err != nil {
			return err
		}
		delete(s.loginTxs, code.RequestID)
	}
	return nil
}

var _ Storage = (*MemoryStorage)(nil)

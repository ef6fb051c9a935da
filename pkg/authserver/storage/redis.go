// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"k8s.io/utils/clock"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// DefaultKeyPrefix namespaces all keys written by the Redis backend.
const DefaultKeyPrefix = "fedauth:"

// RedisConfig holds Redis connection configuration. Either Addr or
// SentinelConfig must be set.
type RedisConfig struct {
	// Addr is host:port of a standalone Redis server.
	Addr string `mapstructure:"addr" yaml:"addr,omitempty"`

	// SentinelConfig enables Sentinel failover.
	SentinelConfig *SentinelConfig `mapstructure:"sentinel" yaml:"sentinel,omitempty"`

	Username string `mapstructure:"username" yaml:"username,omitempty"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`
	DB       int    `mapstructure:"db" yaml:"db,omitempty"`

	// KeyPrefix for multi-tenancy. Defaults to DefaultKeyPrefix.
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix,omitempty"`

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout,omitempty"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout,omitempty"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout,omitempty"`
}

// SentinelConfig contains Redis Sentinel configuration.
type SentinelConfig struct {
	MasterName    string   `mapstructure:"master_name" yaml:"master_name"`
	SentinelAddrs []string `mapstructure:"addrs" yaml:"addrs"`
}

func validateRedisConfig(cfg *RedisConfig) error {
	if cfg.SentinelConfig == nil && cfg.Addr == "" {
		return errors.New("redis addr or sentinel configuration is required")
	}
	if cfg.SentinelConfig != nil {
		if cfg.SentinelConfig.MasterName == "" {
			return errors.New("sentinel master name is required")
		}
		if len(cfg.SentinelConfig.SentinelAddrs) == 0 {
			return errors.New("at least one sentinel address is required")
		}
	}
	return nil
}

// RedisStorage implements Storage on Redis. Single-use and rotation
// transitions run as Lua scripts so the check and the write happen
// server side in one step. Scripts touch keys derived from set members, so
// Redis Cluster is not supported.
type RedisStorage struct {
	client    redis.UniversalClient
	keyPrefix string
	clock     clock.PassiveClock
}

// NewRedisStorage connects to Redis and verifies connectivity.
func NewRedisStorage(ctx context.Context, cfg RedisConfig, clk clock.PassiveClock) (*RedisStorage, error) {
	if err := validateRedisConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid redis configuration: %w", err)
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	var client redis.UniversalClient
	if cfg.SentinelConfig != nil {
		client = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.SentinelConfig.MasterName,
			SentinelAddrs: cfg.SentinelConfig.SentinelAddrs,
			DB:            cfg.DB,
			Username:      cfg.Username,
			Password:      cfg.Password,
			DialTimeout:   cfg.DialTimeout,
			ReadTimeout:   cfg.ReadTimeout,
			WriteTimeout:  cfg.WriteTimeout,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:         cfg.Addr,
			DB:           cfg.DB,
			Username:     cfg.Username,
			Password:     cfg.Password,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		})
	}

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisStorageWithClient(client, cfg.KeyPrefix, clk), nil
}

// NewRedisStorageWithClient creates a RedisStorage with a pre-configured
// client. Tests use it with miniredis.
func NewRedisStorageWithClient(client redis.UniversalClient, keyPrefix string, clk clock.PassiveClock) *RedisStorage {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &RedisStorage{client: client, keyPrefix: keyPrefix, clock: clk}
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}

// Health checks Redis connectivity.
func (s *RedisStorage) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Key types.
const (
	keyClient          = "client"
	keyLoginTx         = "login_tx"
	keyUpstreamTx      = "upstream_tx"
	keyCode            = "code"
	keySession         = "session"
	keySessionClients  = "session_clients"
	keyUpstreamSession = "upstream_session"
	keyRefreshToken    = "rt"
	keyRefreshChain    = "rt_chain"
	keyRefreshSession  = "rt_sid"
	keyUser            = "user"
	keyUserExternal    = "user_ext"
	keyAssertion       = "jti"
)

func (s *RedisStorage) key(kind, id string) string {
	return s.keyPrefix + kind + ":" + id
}

// ttl converts an absolute expiry into a relative Redis TTL using the
// store clock. Already expired records get the smallest TTL.
func (s *RedisStorage) ttl(expiresAt time.Time) time.Duration {
	d := expiresAt.Sub(s.clock.Now())
	if d < time.Millisecond {
		return time.Millisecond
	}
	return d
}

// -----------------------
// ClientRegistry
// -----------------------

// GetClient loads a client.
func (s *RedisStorage) GetClient(ctx context.Context, id string) (*Client, error) {
	var c Client
	if err := s.getJSON(ctx, s.key(keyClient, id), &c); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("client %q: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &c, nil
}

// RegisterClient adds or replaces a client. Clients do not expire.
func (s *RedisStorage) RegisterClient(ctx context.Context, client *Client) error {
	if client == nil || client.ID == "" {
		return fmt.Errorf("client id is required")
	}
	data, err := json.Marshal(client)
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}
	return s.client.Set(ctx, s.key(keyClient, client.ID), data, 0).Err()
}

// -----------------------
// TransactionStore
// -----------------------

// CreateLoginTransaction stores a pending downstream request.
func (s *RedisStorage) CreateLoginTransaction(ctx context.Context, tx *LoginTransaction) error {
	return s.setJSONNX(ctx, s.key(keyLoginTx, tx.RequestID), tx, s.ttl(tx.ExpiresAt))
}

// GetLoginTransaction loads a pending request.
func (s *RedisStorage) GetLoginTransaction(ctx context.Context, requestID string) (*LoginTransaction, error) {
	var tx LoginTransaction
	if err := s.getJSON(ctx, s.key(keyLoginTx, requestID), &tx); err != nil {
		return nil, err
	}
	if expired(tx.ExpiresAt, s.clock.Now()) {
		return nil, ErrExpired
	}
	return &tx, nil
}

// DeleteLoginTransaction removes a pending request.
func (s *RedisStorage) DeleteLoginTransaction(ctx context.Context, requestID string) error {
	return s.client.Del(ctx, s.key(keyLoginTx, requestID)).Err()
}

// CreateUpstreamTransaction stores an upstream round trip.
func (s *RedisStorage) CreateUpstreamTransaction(ctx context.Context, tx *UpstreamLoginTransaction) error {
	return s.setJSONNX(ctx, s.key(keyUpstreamTx, tx.UpstreamState), tx, s.ttl(tx.ExpiresAt))
}

// ConsumeUpstreamTransaction uses GETDEL so only one caller sees the value.
func (s *RedisStorage) ConsumeUpstreamTransaction(ctx context.Context, state string) (*UpstreamLoginTransaction, error) {
	data, err := s.client.GetDel(ctx, s.key(keyUpstreamTx, state)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume upstream transaction: %w", err)
	}
	var tx UpstreamLoginTransaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return nil, fmt.Errorf("failed to unmarshal upstream transaction: %w", err)
	}
	if expired(tx.ExpiresAt, s.clock.Now()) {
		return nil, ErrExpired
	}
	return &tx, nil
}

// -----------------------
// SessionStore
// -----------------------

// Sessions are hashes with an immutable "data" document and a mutable
// "expires_at" field; the client list lives in a companion set.

func (s *RedisStorage) queueCreateSession(ctx context.Context, pipe redis.Pipeliner, session *Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	sessionKey := s.key(keySession, session.SID)
	clientsKey := s.key(keySessionClients, session.SID)
	ttl := s.ttl(session.ExpiresAt)

	pipe.HSet(ctx, sessionKey, "data", data, "expires_at", strconv.FormatInt(session.ExpiresAt.UnixNano(), 10))
	pipe.PExpire(ctx, sessionKey, ttl)
	if len(session.ClientIDsSeen) > 0 {
		members := make([]any, len(session.ClientIDsSeen))
		for i, c := range session.ClientIDsSeen {
			members[i] = c
		}
		pipe.SAdd(ctx, clientsKey, members...)
		pipe.PExpire(ctx, clientsKey, ttl)
	}
	if session.UpstreamIssuer != "" && session.UpstreamSessionSID != "" {
		upstreamKey := s.upstreamSessionKey(session.UpstreamIssuer, session.UpstreamSessionSID)
		ceiling := session.MaxExpiresAt
		if ceiling.IsZero() {
			ceiling = session.ExpiresAt
		}
		pipe.SAdd(ctx, upstreamKey, session.SID)
		pipe.PExpire(ctx, upstreamKey, s.ttl(ceiling))
	}
	return nil
}

func (s *RedisStorage) upstreamSessionKey(issuer, upstreamSID string) string {
	return s.key(keyUpstreamSession, strconv.Quote(issuer)+":"+upstreamSID)
}

// CreateSession stores a new session.
func (s *RedisStorage) CreateSession(ctx context.Context, session *Session) error {
	exists, err := s.client.Exists(ctx, s.key(keySession, session.SID)).Result()
	if err != nil {
		return fmt.Errorf("failed to check session: %w", err)
	}
	if exists > 0 {
		return ErrAlreadyExists
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		return s.queueCreateSession(ctx, pipe, session)
	})
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSession loads a live session.
func (s *RedisStorage) GetSession(ctx context.Context, sid string) (*Session, error) {
	var (
		fields  *redis.SliceCmd
		clients *redis.StringSliceCmd
	)
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		fields = pipe.HMGet(ctx, s.key(keySession, sid), "data", "expires_at")
		clients = pipe.SMembers(ctx, s.key(keySessionClients, sid))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	vals := fields.Val()
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return nil, ErrNotFound
	}
	data, _ := vals[0].(string)
	expNanos, err := strconv.ParseInt(fmt.Sprint(vals[1]), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse session expiry: %w", err)
	}

	var session Session
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	session.ExpiresAt = time.Unix(0, expNanos).UTC()
	if expired(session.ExpiresAt, s.clock.Now()) {
		return nil, ErrNotFound
	}
	session.ClientIDsSeen = nil
	if members := clients.Val(); len(members) > 0 {
		session.ClientIDsSeen = members
	}
	return &session, nil
}

// extendSessionScript moves the expiry of a live session and its client set.
// Returns 1 on success, 0 if the session is missing or expired.
var extendSessionScript = redis.NewScript(`
local exp = redis.call('HGET', KEYS[1], 'expires_at')
if not exp or tonumber(exp) <= tonumber(ARGV[3]) then
	return 0
end
redis.call('HSET', KEYS[1], 'expires_at', ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
if redis.call('EXISTS', KEYS[2]) == 1 then
	redis.call('PEXPIRE', KEYS[2], ARGV[2])
end
return 1
`)

// ExtendSession sets a new sliding expiry.
func (s *RedisStorage) ExtendSession(ctx context.Context, sid string, expiresAt time.Time) error {
	keys := []string{s.key(keySession, sid), s.key(keySessionClients, sid)}
	res, err := extendSessionScript.Run(ctx, s.client, keys,
		strconv.FormatInt(expiresAt.UnixNano(), 10),
		s.ttl(expiresAt).Milliseconds(),
		strconv.FormatInt(s.clock.Now().UnixNano(), 10),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to extend session: %w", err)
	}
	if res == 0 {
		return ErrNotFound
	}
	return nil
}

// addSessionClientScript adds a client to a live session's set, keeping the
// set's TTL aligned with the session. Returns 0 if the session is missing
// or expired.
var addSessionClientScript = redis.NewScript(`
local exp = redis.call('HGET', KEYS[1], 'expires_at')
if not exp or tonumber(exp) <= tonumber(ARGV[2]) then
	return 0
end
redis.call('SADD', KEYS[2], ARGV[1])
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
	redis.call('PEXPIRE', KEYS[2], ttl)
end
return 1
`)

// AddSessionClient records clientID on the session.
func (s *RedisStorage) AddSessionClient(ctx context.Context, sid, clientID string) error {
	keys := []string{s.key(keySession, sid), s.key(keySessionClients, sid)}
	res, err := addSessionClientScript.Run(ctx, s.client, keys,
		clientID, strconv.FormatInt(s.clock.Now().UnixNano(), 10)).Int()
	if err != nil {
		return fmt.Errorf("failed to add session client: %w", err)
	}
	if res == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSession removes the session, its client set and its upstream index entry.
func (s *RedisStorage) DeleteSession(ctx context.Context, sid string) error {
	sessionKey := s.key(keySession, sid)
	data, err := s.client.HGet(ctx, sessionKey, "data").Bytes()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to load session: %w", err)
	}

	var session Session
	if len(data) > 0 {
		if err := json.Unmarshal(data, &session); err != nil {
			return fmt.Errorf("failed to unmarshal session: %w", err)
		}
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, sessionKey, s.key(keySessionClients, sid))
		if session.UpstreamIssuer != "" && session.UpstreamSessionSID != "" {
			pipe.SRem(ctx, s.upstreamSessionKey(session.UpstreamIssuer, session.UpstreamSessionSID), sid)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// FindSessionsByUpstream reads the upstream index, skipping sessions that
// have already expired.
func (s *RedisStorage) FindSessionsByUpstream(ctx context.Context, issuer, upstreamSID string) ([]string, error) {
	members, err := s.client.SMembers(ctx, s.upstreamSessionKey(issuer, upstreamSID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream session index: %w", err)
	}
	var sids []string
	for _, sid := range members {
		n, err := s.client.Exists(ctx, s.key(keySession, sid)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to check session: %w", err)
		}
		if n > 0 {
			sids = append(sids, sid)
		}
	}
	return sids, nil
}

// -----------------------
// AuthorizationCodeStore
// -----------------------

func (s *RedisStorage) queueCreateCode(ctx context.Context, pipe redis.Pipeliner, code *AuthorizationCode) error {
	data, err := json.Marshal(code)
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}
	key := s.key(keyCode, code.Code)
	pipe.HSet(ctx, key, "data", data)
	pipe.PExpire(ctx, key, s.ttl(code.ExpiresAt))
	return nil
}

// CreateAuthorizationCode stores a new code.
func (s *RedisStorage) CreateAuthorizationCode(ctx context.Context, code *AuthorizationCode) error {
	n, err := s.client.Exists(ctx, s.key(keyCode, code.Code)).Result()
	if err != nil {
		return fmt.Errorf("failed to check authorization code: %w", err)
	}
	if n > 0 {
		return ErrAlreadyExists
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		return s.queueCreateCode(ctx, pipe, code)
	})
	if err != nil {
		return fmt.Errorf("failed to store authorization code: %w", err)
	}
	return nil
}

// consumeCodeScript sets consumed_at if unset and returns the code document.
// Returns nil for a missing code and 0 if it was already consumed.
var consumeCodeScript = redis.NewScript(`
local data = redis.call('HGET', KEYS[1], 'data')
if not data then
	return false
end
if redis.call('HEXISTS', KEYS[1], 'consumed_at') == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'consumed_at', ARGV[1])
return data
`)

// ConsumeAuthorizationCode runs the check-and-set server side.
func (s *RedisStorage) ConsumeAuthorizationCode(
	ctx context.Context, code string, consumedAt time.Time,
) (*AuthorizationCode, error) {
	res, err := consumeCodeScript.Run(ctx, s.client, []string{s.key(keyCode, code)},
		strconv.FormatInt(consumedAt.UnixNano(), 10)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}

	data, ok := res.(string)
	if !ok {
		return nil, ErrAlreadyConsumed
	}
	var c AuthorizationCode
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code: %w", err)
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

// Refresh tokens are hashes with an immutable "data" document and optional
// "rotated_at"/"revoked_at" fields. Chain and session sets index them for
// bulk revocation. Every key lives until the chain ceiling.

func (s *RedisStorage) refreshTokenData(token *RefreshToken) ([]byte, error) {
	doc := *token
	doc.RotatedAt = time.Time{}
	doc.RevokedAt = time.Time{}
	data, err := json.Marshal(&doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal refresh token: %w", err)
	}
	return data, nil
}

// CreateRefreshToken stores a refresh token row.
func (s *RedisStorage) CreateRefreshToken(ctx context.Context, token *RefreshToken) error {
	data, err := s.refreshTokenData(token)
	if err != nil {
		return err
	}
	key := s.key(keyRefreshToken, token.LookupKey)
	created, err := s.client.HSetNX(ctx, key, "data", data).Result()
	if err != nil {
		return fmt.Errorf("failed to store refresh token: %w", err)
	}
	if !created {
		return ErrAlreadyExists
	}

	ttl := s.ttl(token.MaxChainExpiresAt)
	chainKey := s.key(keyRefreshChain, token.ChainID)
	sidKey := s.key(keyRefreshSession, token.SID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.PExpire(ctx, key, ttl)
		pipe.SAdd(ctx, chainKey, token.LookupKey)
		pipe.PExpire(ctx, chainKey, ttl)
		pipe.SAdd(ctx, sidKey, token.LookupKey)
		pipe.PExpire(ctx, sidKey, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to index refresh token: %w", err)
	}
	return nil
}

// GetRefreshToken loads a row in any state.
func (s *RedisStorage) GetRefreshToken(ctx context.Context, lookupKey string) (*RefreshToken, error) {
	vals, err := s.client.HMGet(ctx, s.key(keyRefreshToken, lookupKey), "data", "rotated_at", "revoked_at").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load refresh token: %w", err)
	}
	if len(vals) != 3 || vals[0] == nil {
		return nil, ErrNotFound
	}

	var t RefreshToken
	if err := json.Unmarshal([]byte(fmt.Sprint(vals[0])), &t); err != nil {
		return nil, fmt.Errorf("failed to unmarshal refresh token: %w", err)
	}
	if t.RotatedAt, err = parseNanosField(vals[1]); err != nil {
		return nil, err
	}
	if t.RevokedAt, err = parseNanosField(vals[2]); err != nil {
		return nil, err
	}
	return &t, nil
}

// rotateRefreshTokenScript marks KEYS[1] rotated and creates KEYS[2].
// Returns 1 on success, 0 if KEYS[1] is missing, -1 if it is no longer
// active and -2 if KEYS[2] already exists.
var rotateRefreshTokenScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], 'data') == 0 then
	return 0
end
if redis.call('HEXISTS', KEYS[1], 'rotated_at') == 1 or redis.call('HEXISTS', KEYS[1], 'revoked_at') == 1 then
	return -1
end
if redis.call('EXISTS', KEYS[2]) == 1 then
	return -2
end
redis.call('HSET', KEYS[1], 'rotated_at', ARGV[1])
redis.call('HSET', KEYS[2], 'data', ARGV[2])
redis.call('PEXPIRE', KEYS[2], ARGV[3])
redis.call('SADD', KEYS[3], ARGV[4])
redis.call('PEXPIRE', KEYS[3], ARGV[3])
redis.call('SADD', KEYS[4], ARGV[4])
redis.call('PEXPIRE', KEYS[4], ARGV[3])
return 1
`)

// RotateRefreshToken marks the current row rotated and inserts next atomically.
func (s *RedisStorage) RotateRefreshToken(
	ctx context.Context, lookupKey string, rotatedAt time.Time, next *RefreshToken,
) error {
	data, err := s.refreshTokenData(next)
	if err != nil {
		return err
	}
	keys := []string{
		s.key(keyRefreshToken, lookupKey),
		s.key(keyRefreshToken, next.LookupKey),
		s.key(keyRefreshChain, next.ChainID),
		s.key(keyRefreshSession, next.SID),
	}
	res, err := rotateRefreshTokenScript.Run(ctx, s.client, keys,
		strconv.FormatInt(rotatedAt.UnixNano(), 10),
		data,
		s.ttl(next.MaxChainExpiresAt).Milliseconds(),
		next.LookupKey,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to rotate refresh token: %w", err)
	}
	switch res {
	case 1:
		return nil
	case 0:
		return ErrNotFound
	case -1:
		return ErrAlreadyRotated
	default:
		return ErrAlreadyExists
	}
}

// revokeIndexedTokensScript sets revoked_at on every token listed in the
// index set KEYS[1]. ARGV[1] is the refresh token key prefix.
var revokeIndexedTokensScript = redis.NewScript(`
local members = redis.call('SMEMBERS', KEYS[1])
local revoked = 0
for _, m in ipairs(members) do
	local k = ARGV[1] .. m
	if redis.call('HEXISTS', k, 'data') == 1 and redis.call('HEXISTS', k, 'revoked_at') == 0 then
		redis.call('HSET', k, 'revoked_at', ARGV[2])
		revoked = revoked + 1
	end
end
return revoked
`)

func (s *RedisStorage) revokeIndexed(ctx context.Context, indexKey string, revokedAt time.Time) error {
	err := revokeIndexedTokensScript.Run(ctx, s.client, []string{indexKey},
		s.key(keyRefreshToken, ""),
		strconv.FormatInt(revokedAt.UnixNano(), 10),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to revoke refresh tokens: %w", err)
	}
	return nil
}

// RevokeRefreshTokenChain revokes all tokens of chainID.
func (s *RedisStorage) RevokeRefreshTokenChain(ctx context.Context, chainID string, revokedAt time.Time) error {
	return s.revokeIndexed(ctx, s.key(keyRefreshChain, chainID), revokedAt)
}

// RevokeSessionRefreshTokens revokes all tokens bound to sid.
func (s *RedisStorage) RevokeSessionRefreshTokens(ctx context.Context, sid string, revokedAt time.Time) error {
	return s.revokeIndexed(ctx, s.key(keyRefreshSession, sid), revokedAt)
}

// -----------------------
// UserStorage
// -----------------------

// CreateUser claims the external id with SETNX, then writes the user.
func (s *RedisStorage) CreateUser(ctx context.Context, user *User) error {
	if user == nil || user.ID == "" || user.ExternalID == "" {
		return fmt.Errorf("user id and external id are required")
	}
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}
	claimed, err := s.client.SetNX(ctx, s.key(keyUserExternal, user.ExternalID), user.ID, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	if !claimed {
		return fmt.Errorf("external id: %w", ErrAlreadyExists)
	}
	if err := s.client.Set(ctx, s.key(keyUser, user.ID), data, 0).Err(); err != nil {
		_ = s.client.Del(ctx, s.key(keyUserExternal, user.ExternalID)).Err()
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetUserByExternalID resolves a user by federated identity.
func (s *RedisStorage) GetUserByExternalID(ctx context.Context, externalID string) (*User, error) {
	id, err := s.client.Get(ctx, s.key(keyUserExternal, externalID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve user: %w", err)
	}
	var u User
	if err := s.getJSON(ctx, s.key(keyUser, id), &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// UpdateUserLastLogin rewrites the user document. Concurrent updates are
// last-writer-wins, which is acceptable for a timestamp.
func (s *RedisStorage) UpdateUserLastLogin(ctx context.Context, id string, at time.Time) error {
	key := s.key(keyUser, id)
	var u User
	if err := s.getJSON(ctx, key, &u); err != nil {
		return err
	}
	u.LastLoginAt = at
	data, err := json.Marshal(&u)
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}
	return s.client.Set(ctx, key, data, redis.KeepTTL).Err()
}

// -----------------------
// ClientAssertionStore
// -----------------------

// MarkClientAssertionUsed claims jti with SET NX until expiresAt.
func (s *RedisStorage) MarkClientAssertionUsed(ctx context.Context, jti string, expiresAt time.Time) error {
	ok, err := s.client.SetNX(ctx, s.key(keyAssertion, jti), "1", s.ttl(expiresAt)).Result()
	if err != nil {
		return fmt.Errorf("failed to record client assertion: %w", err)
	}
	if !ok {
		return ErrAlreadyExists
	}
	return nil
}

// -----------------------
// CommitLogin
// -----------------------

// CommitLogin writes session and code and deletes the login transaction in
// one MULTI/EXEC block.
func (s *RedisStorage) CommitLogin(ctx context.Context, session *Session, code *AuthorizationCode) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if err := s.queueCreateSession(ctx, pipe, session); err != nil {
			return err
		}
		if code != nil {
			if err := s.queueCreateCode(ctx, pipe, code); err != nil {
				return err
			}
			pipe.Del(ctx, s.key(keyLoginTx, code.RequestID))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to commit login: %w", err)
	}
	return nil
}

// -----------------------
// helpers
// -----------------------

func (s *RedisStorage) getJSON(ctx context.Context, key string, v any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}

func (s *RedisStorage) setJSONNX(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	ok, err := s.client.SetNX(ctx, key, data, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to store %s: %w", key, err)
	}
	if !ok {
		return ErrAlreadyExists
	}
	return nil
}

func parseNanosField(v any) (time.Time, error) {
	if v == nil {
		return time.Time{}, nil
	}
	n, err := strconv.ParseInt(fmt.Sprint(v), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp field: %w", err)
	}
	return time.Unix(0, n).UTC(), nil
}

var _ Storage = (*RedisStorage)(nil)

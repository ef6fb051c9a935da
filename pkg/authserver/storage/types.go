// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storage provides the persistence contracts of the authorization
// server and their memory, SQLite and Redis implementations.
//
// Expiry is checked against the store's clock on every read, so an expired
// record behaves exactly like a missing one even before background cleanup
// removes it. Redemption of authorization codes and rotation of refresh
// tokens are compare-and-swap operations in every backend.
package storage

import (
	"context"
	"slices"
	"time"
)

// ClientType distinguishes confidential from public clients.
type ClientType string

// Client types.
const (
	ClientTypeConfidential ClientType = "confidential"
	ClientTypePublic       ClientType = "public"
)

// AuthMethod is a token endpoint client authentication method.
type AuthMethod string

// Supported token endpoint authentication methods.
const (
	AuthMethodClientSecretBasic AuthMethod = "client_secret_basic"
	AuthMethodClientSecretPost  AuthMethod = "client_secret_post"
	AuthMethodPrivateKeyJWT     AuthMethod = "private_key_jwt"
	AuthMethodNone              AuthMethod = "none"
)

// Valid reports whether m is a known authentication method.
func (m AuthMethod) Valid() bool {
	switch m {
	case AuthMethodClientSecretBasic, AuthMethodClientSecretPost, AuthMethodPrivateKeyJWT, AuthMethodNone:
		return true
	default:
		return false
	}
}

// Client is a registered downstream relying party.
type Client struct {
	ID                     string     `json:"id"`
	RedirectURIs           []string   `json:"redirect_uris"`
	PostLogoutRedirectURIs []string   `json:"post_logout_redirect_uris,omitempty"`
	AllowedScopes          []string   `json:"allowed_scopes"`
	Type                   ClientType `json:"type"`
	AuthMethod             AuthMethod `json:"auth_method"`

	// SecretHash is a crypto.SecretHash in its encoded form. Empty for
	// public and private_key_jwt clients.
	SecretHash string `json:"secret_hash,omitempty"`

	// SecretExpiresAt is zero when the secret never expires.
	SecretExpiresAt time.Time `json:"secret_expires_at,omitzero"`

	// JWKS is the JSON Web Key Set used to verify private_key_jwt assertions.
	JWKS string `json:"jwks,omitempty"`
}

// HasRedirectURI reports whether uri exactly matches a registered redirect URI.
func (c *Client) HasRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// HasPostLogoutRedirectURI reports whether uri is registered as a post-logout
// redirect URI. Clients without post-logout URIs fall back to their redirect URIs.
func (c *Client) HasPostLogoutRedirectURI(uri string) bool {
	if len(c.PostLogoutRedirectURIs) == 0 {
		return c.HasRedirectURI(uri)
	}
	return slices.Contains(c.PostLogoutRedirectURIs, uri)
}

// AllowsScopes reports whether every scope is allowed for the client.
func (c *Client) AllowsScopes(scopes []string) bool {
	for _, s := range scopes {
		if !slices.Contains(c.AllowedScopes, s) {
			return false
		}
	}
	return true
}

// SecretExpired reports whether the client secret has expired at now.
func (c *Client) SecretExpired(now time.Time) bool {
	return !c.SecretExpiresAt.IsZero() && !now.Before(c.SecretExpiresAt)
}

// LoginTransaction is a validated downstream authorization request waiting
// for the upstream round trip.
type LoginTransaction struct {
	RequestID           string    `json:"request_id"`
	ClientID            string    `json:"client_id"`
	RedirectURI         string    `json:"redirect_uri"`
	Scopes              []string  `json:"scopes"`
	State               string    `json:"state"`
	Nonce               string    `json:"nonce"`
	CodeChallenge       string    `json:"code_challenge"`
	CodeChallengeMethod string    `json:"code_challenge_method"`
	ACRValues           []string  `json:"acr_values,omitempty"`
	UILocales           []string  `json:"ui_locales,omitempty"`
	Prompt              []string  `json:"prompt,omitempty"`
	MaxAge              *int64    `json:"max_age,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at"`
}

// UpstreamLoginTransaction correlates one upstream authorization round trip.
// RequestID is empty for logins started directly by an application, in which
// case ReturnURL holds the application URL to return to.
type UpstreamLoginTransaction struct {
	UpstreamState       string    `json:"upstream_state"`
	RequestID           string    `json:"request_id,omitempty"`
	ReturnURL           string    `json:"return_url,omitempty"`
	UpstreamClientID    string    `json:"upstream_client_id"`
	UpstreamRedirectURI string    `json:"upstream_redirect_uri"`
	CodeVerifier        string    `json:"code_verifier"`
	Nonce               string    `json:"nonce"`
	ACRValues           []string  `json:"acr_values,omitempty"`
	Scopes              []string  `json:"scopes"`
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at"`
}

// AuthorizationCode is a single-use code bound to a client, a redirect URI
// and a PKCE challenge.
type AuthorizationCode struct {
	Code                string    `json:"code"`
	RequestID           string    `json:"request_id"`
	ClientID            string    `json:"client_id"`
	SubjectID           string    `json:"subject_id"`
	SID                 string    `json:"sid"`
	Nonce               string    `json:"nonce"`
	ACR                 string    `json:"acr,omitempty"`
	AMR                 []string  `json:"amr,omitempty"`
	AuthTime            time.Time `json:"auth_time"`
	CodeChallenge       string    `json:"code_challenge"`
	CodeChallengeMethod string    `json:"code_challenge_method"`
	RedirectURI         string    `json:"redirect_uri"`
	Scopes              []string  `json:"scopes"`
	ExpiresAt           time.Time `json:"expires_at"`
	ConsumedAt          time.Time `json:"consumed_at,omitzero"`
}

// Session is the server side login session. Its presence is the only
// signal that a user is logged in.
type Session struct {
	SID                string    `json:"sid"`
	SubjectID          string    `json:"subject_id"`
	ExternalID         string    `json:"external_id"`
	UpstreamIssuer     string    `json:"upstream_issuer,omitempty"`
	UpstreamSessionSID string    `json:"upstream_session_sid,omitempty"`
	UpstreamIDToken    string    `json:"upstream_id_token,omitempty"`
	ACR                string    `json:"acr,omitempty"`
	AMR                []string  `json:"amr,omitempty"`
	AuthTime           time.Time `json:"auth_time"`
	CreatedAt          time.Time `json:"created_at"`
	ExpiresAt          time.Time `json:"expires_at"`
	MaxExpiresAt       time.Time `json:"max_expires_at"`
	ClientIDsSeen      []string  `json:"client_ids_seen,omitempty"`
}

// RefreshToken is one generation of a refresh token chain. Only the HMAC
// lookup key and a PBKDF2 hash of the token value are stored.
type RefreshToken struct {
	LookupKey         string    `json:"lookup_key"`
	Hash              []byte    `json:"hash"`
	Salt              []byte    `json:"salt"`
	Iterations        int       `json:"iterations"`
	ChainID           string    `json:"chain_id"`
	SID               string    `json:"sid"`
	ClientID          string    `json:"client_id"`
	SubjectID         string    `json:"subject_id"`
	Scopes            []string  `json:"scopes"`
	Generation        int       `json:"generation"`
	IssuedAt          time.Time `json:"issued_at"`
	ExpiresAt         time.Time `json:"expires_at"`
	MaxChainExpiresAt time.Time `json:"max_chain_expires_at"`
	RotatedAt         time.Time `json:"rotated_at,omitzero"`
	RevokedAt         time.Time `json:"revoked_at,omitzero"`
}

// Active reports whether the token has been neither rotated nor revoked.
func (t *RefreshToken) Active() bool {
	return t.RotatedAt.IsZero() && t.RevokedAt.IsZero()
}

// User is the local profile provisioned for a federated identity.
type User struct {
	ID          string    `json:"id"`
	ExternalID  string    `json:"external_id"`
	CreatedAt   time.Time `json:"created_at"`
	LastLoginAt time.Time `json:"last_login_at"`
}

// ClientRegistry stores registered downstream clients.
type ClientRegistry interface {
	// GetClient returns ErrNotFound for unknown client ids.
	GetClient(ctx context.Context, id string) (*Client, error)

	// RegisterClient adds or replaces a client.
	RegisterClient(ctx context.Context, client *Client) error
}

// TransactionStore persists pending downstream and upstream login transactions.
type TransactionStore interface {
	CreateLoginTransaction(ctx context.Context, tx *LoginTransaction) error

	// GetLoginTransaction returns ErrNotFound or ErrExpired.
	GetLoginTransaction(ctx context.Context, requestID string) (*LoginTransaction, error)

	DeleteLoginTransaction(ctx context.Context, requestID string) error

	CreateUpstreamTransaction(ctx context.Context, tx *UpstreamLoginTransaction) error

	// ConsumeUpstreamTransaction atomically reads and deletes the transaction.
	// A second call for the same state returns ErrNotFound.
	ConsumeUpstreamTransaction(ctx context.Context, state string) (*UpstreamLoginTransaction, error)
}

// SessionStore persists login sessions. Reads of an expired session return
// ErrNotFound.
type SessionStore interface {
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, sid string) (*Session, error)

	// ExtendSession moves the sliding expiry. Callers cap it at MaxExpiresAt.
	ExtendSession(ctx context.Context, sid string, expiresAt time.Time) error

	// AddSessionClient records that clientID received tokens for the session.
	AddSessionClient(ctx context.Context, sid, clientID string) error

	// DeleteSession is idempotent.
	DeleteSession(ctx context.Context, sid string) error

	// FindSessionsByUpstream returns the sids of sessions created from the
	// given upstream issuer and upstream session id.
	FindSessionsByUpstream(ctx context.Context, issuer, upstreamSID string) ([]string, error)
}

// AuthorizationCodeStore persists single-use authorization codes.
type AuthorizationCodeStore interface {
	CreateAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// ConsumeAuthorizationCode marks the code consumed at consumedAt and
	// returns it. Exactly one concurrent caller succeeds; the others get
	// ErrAlreadyConsumed. An expired code is consumed and reported as ErrExpired.
	ConsumeAuthorizationCode(ctx context.Context, code string, consumedAt time.Time) (*AuthorizationCode, error)
}

// RefreshTokenStore persists refresh token chains.
type RefreshTokenStore interface {
	CreateRefreshToken(ctx context.Context, token *RefreshToken) error

	// GetRefreshToken returns the row regardless of its state so callers can
	// detect reuse of rotated tokens.
	GetRefreshToken(ctx context.Context, lookupKey string) (*RefreshToken, error)

	// RotateRefreshToken marks the row at lookupKey rotated and inserts next
	// in one atomic step. If the row is no longer active it returns
	// ErrAlreadyRotated and inserts nothing.
	RotateRefreshToken(ctx context.Context, lookupKey string, rotatedAt time.Time, next *RefreshToken) error

	// RevokeRefreshTokenChain revokes every active generation of a chain.
	RevokeRefreshTokenChain(ctx context.Context, chainID string, revokedAt time.Time) error

	// RevokeSessionRefreshTokens revokes every active token bound to sid.
	RevokeSessionRefreshTokens(ctx context.Context, sid string, revokedAt time.Time) error
}

// UserStorage persists provisioned user profiles.
type UserStorage interface {
	// CreateUser returns ErrAlreadyExists if the external id is taken.
	CreateUser(ctx context.Context, user *User) error
	GetUserByExternalID(ctx context.Context, externalID string) (*User, error)
	UpdateUserLastLogin(ctx context.Context, id string, at time.Time) error
}

// ClientAssertionStore tracks used private_key_jwt assertion ids.
type ClientAssertionStore interface {
	// MarkClientAssertionUsed returns ErrAlreadyExists when jti was already
	// seen and has not yet expired.
	MarkClientAssertionUsed(ctx context.Context, jti string, expiresAt time.Time) error
}

// Storage is the full persistence surface used by the protocol engine.
type Storage interface {
	ClientRegistry
	TransactionStore
	SessionStore
	AuthorizationCodeStore
	RefreshTokenStore
	UserStorage
	ClientAssertionStore

	// CommitLogin atomically creates session, creates code (when non-nil)
	// and deletes the login transaction code.RequestID. Either all of it
	// happens or none of it does.
	CommitLogin(ctx context.Context, session *Session, code *AuthorizationCode) error

	// Health reports whether the backend is reachable.
	Health(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

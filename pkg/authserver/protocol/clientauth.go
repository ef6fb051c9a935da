// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/ory/fosite"

	"github.com/stacklok/fedauth/pkg/authserver/server/crypto"
	"github.com/stacklok/fedauth/pkg/authserver/storage"
)

// ClientAssertionType is the only supported client_assertion_type.
const ClientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// assertionAlgorithms are accepted for private_key_jwt assertions.
var assertionAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.ES256, jose.ES384, jose.ES512,
}

// ClientAssertionAlgorithms lists the JWS algorithms accepted for
// private_key_jwt client assertions.
func ClientAssertionAlgorithms() []string {
	algs := make([]string, 0, len(assertionAlgorithms))
	for _, alg := range assertionAlgorithms {
		algs = append(algs, string(alg))
	}
	return algs
}

// BasicCredentials are the decoded parts of an Authorization: Basic header.
type BasicCredentials struct {
	Username string
	Password string
}

// invalidClient builds the invalid_client error. basic marks that Basic
// authentication was attempted so that a challenge is sent.
func invalidClient(basic bool, hint string) error {
	err := fosite.ErrInvalidClient.WithHint(hint)
	if basic {
		return &basicChallengeError{RFC6749Error: err}
	}
	return err
}

// basicChallengeError is invalid_client that requires WWW-Authenticate: Basic.
type basicChallengeError struct {
	*fosite.RFC6749Error
}

func (e *basicChallengeError) Unwrap() error {
	return e.RFC6749Error
}

// RequiresBasicChallenge reports whether the token error response must
// carry WWW-Authenticate: Basic.
func RequiresBasicChallenge(err error) bool {
	var challenge *basicChallengeError
	return errors.As(err, &challenge)
}

// newClientAuthenticator builds the fosite provider that authenticates
// token endpoint clients. Only its client authentication is used.
func newClientAuthenticator(cfg Config, store storage.Storage) *fosite.Fosite {
	return fosite.NewOAuth2Provider(&clientAuthStore{store: store}, &clientAuthConfig{
		Config: &fosite.Config{
			TokenURL:            cfg.TokenEndpoint,
			ClientSecretsHasher: &crypto.PBKDF2Hasher{},
		},
		tokenURLs: []string{cfg.TokenEndpoint, cfg.Issuer},
	})
}

// clientAuthConfig accepts the issuer as well as the token endpoint as
// client assertion audience.
type clientAuthConfig struct {
	*fosite.Config
	tokenURLs []string
}

// GetTokenURLs returns the accepted client assertion audiences.
func (c *clientAuthConfig) GetTokenURLs(_ context.Context) []string {
	return c.tokenURLs
}

// clientAuthStore is the fosite.Storage view of the client registry and
// the assertion replay cache.
type clientAuthStore struct {
	store storage.Storage
}

// GetClient loads a registered client.
func (s *clientAuthStore) GetClient(ctx context.Context, id string) (fosite.Client, error) {
	client, err := s.store.GetClient(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %w", storage.ErrNotFound, fosite.ErrNotFound.WithHint("Client not found"))
	}
	if err != nil {
		return nil, &storeFailure{err: err}
	}
	return client, nil
}

// ClientAssertionJWTValid accepts every jti; SetClientAssertionJWT claims
// it atomically.
func (*clientAuthStore) ClientAssertionJWTValid(_ context.Context, _ string) error {
	return nil
}

// SetClientAssertionJWT records jti until exp plus the allowed clock skew.
// A jti seen before yields fosite.ErrJTIKnown.
func (s *clientAuthStore) SetClientAssertionJWT(ctx context.Context, jti string, exp time.Time) error {
	err := s.store.MarkClientAssertionUsed(ctx, jti, exp.Add(DefaultClientAssertionMaxSkew))
	if errors.Is(err, storage.ErrAlreadyExists) {
		slog.Warn("client assertion replayed", "jti", jti)
		return fosite.ErrJTIKnown.WithHint("client assertion was already used")
	}
	if err != nil {
		return &storeFailure{err: err}
	}
	return nil
}

// storeFailure marks a storage error so it is reported as server_error
// instead of invalid_client.
type storeFailure struct {
	err error
}

func (e *storeFailure) Error() string {
	return e.err.Error()
}

func (e *storeFailure) Unwrap() error {
	return e.err
}

// authenticateClient identifies and authenticates the client of a token
// request with client_secret_basic, client_secret_post, private_key_jwt or
// a public client_id. The method used must be the one the client
// registered.
func (e *Engine) authenticateClient(ctx context.Context, req *TokenRequest) (*storage.Client, error) {
	basic := req.Basic != nil
	r := &http.Request{Header: make(http.Header)}
	if basic {
		r.SetBasicAuth(req.Basic.Username, req.Basic.Password)
	}

	authenticated, err := e.clientAuth.AuthenticateClient(ctx, r, req.Form)
	if err != nil {
		return nil, clientAuthError(err, basic)
	}
	client, ok := authenticated.(*storage.Client)
	if !ok {
		return nil, fosite.ErrServerError.WithHintf("unexpected client type %T", authenticated)
	}

	switch client.AuthMethod {
	case storage.AuthMethodClientSecretBasic, storage.AuthMethodClientSecretPost:
		if client.SecretExpired(e.clock.Now()) {
			slog.Warn("client authenticated with an expired secret", "client_id", client.ID)
			return nil, invalidClient(basic, "client secret has expired")
		}
	}
	return client, nil
}

// clientAuthError maps a client authentication failure to invalid_client,
// keeping fosite's hint. Storage and configuration failures become
// server_error.
func clientAuthError(err error, basic bool) error {
	var failure *storeFailure
	if errors.As(err, &failure) {
		return fosite.ErrServerError.WithWrap(failure.err)
	}

	hint := "client authentication failed"
	var rfcErr *fosite.RFC6749Error
	if errors.As(err, &rfcErr) {
		if rfcErr.CodeField >= http.StatusInternalServerError {
			return fosite.ErrServerError.WithWrap(err)
		}
		if rfcErr.HintField != "" {
			hint = rfcErr.HintField
		}
	}
	slog.Debug("client authentication failed", "error", err)
	return invalidClient(basic, hint)
}

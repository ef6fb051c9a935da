// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/stacklok/fedauth/pkg/authserver/server/crypto"
	"github.com/stacklok/fedauth/pkg/authserver/server/keys"
	"github.com/stacklok/fedauth/pkg/authserver/storage"
	"github.com/stacklok/fedauth/pkg/authserver/token"
	"github.com/stacklok/fedauth/pkg/authserver/upstream"
	"github.com/stacklok/fedauth/pkg/authserver/upstream/mocks"
)

const (
	testIssuer         = "https://auth.example.com"
	testUpstreamIssuer = "https://idp.example.com"
	testPublicClient   = "app"
	testBasicClient    = "backend"
	testPostClient     = "poster"
	testJWTClient      = "signer"
	testClientSecret   = "s3cret-value"
	testRedirectURI    = "https://app.example.com/callback"
	testPostLogoutURI  = "https://app.example.com/bye"
	testUpstreamCode   = "upstream-code"
	testAssertionKeyID = "signer-key"
)

var (
	testEpoch    = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	testVerifier = strings.Repeat("v", 43)
)

type fixture struct {
	engine    *Engine
	store     *storage.MemoryStorage
	upstream  *mocks.MockProvider
	clock     *clocktesting.FakeClock
	metrics   *recordingMetrics
	signerKey *ecdsa.PrivateKey

	mu         sync.Mutex
	lastUpReq  upstream.AuthorizationRequest
	upReqCount int
}

type fixtureOption func(*Config, *Dependencies)

func withLegacy(l LegacyTicketDecryptor) fixtureOption {
	return func(_ *Config, d *Dependencies) {
		d.Legacy = l
	}
}

func withMinter(wrap func(TokenMinter) TokenMinter) fixtureOption {
	return func(_ *Config, d *Dependencies) {
		d.Minter = wrap(d.Minter)
	}
}

// flakyMinter fails the next MintTokens call once failNext is set.
type flakyMinter struct {
	TokenMinter
	failNext atomic.Bool
}

func (m *flakyMinter) MintTokens(ctx context.Context, g token.Grant) (*token.Tokens, error) {
	if m.failNext.CompareAndSwap(true, false) {
		return nil, errors.New("signing key unavailable")
	}
	return m.TokenMinter.MintTokens(ctx, g)
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	clk := clocktesting.NewFakeClock(testEpoch)
	store := storage.NewMemoryStorage(storage.WithClock(clk))
	t.Cleanup(func() { _ = store.Close() })

	ctrl := gomock.NewController(t)
	up := mocks.NewMockProvider(ctrl)

	f := &fixture{store: store, upstream: up, clock: clk, metrics: newRecordingMetrics()}

	up.EXPECT().Issuer().Return(testUpstreamIssuer).AnyTimes()
	up.EXPECT().ClientID().Return("fedauth").AnyTimes()
	up.EXPECT().RedirectURI().Return(testIssuer + "/upstream/callback").AnyTimes()
	up.EXPECT().Scopes().Return([]string{"openid", "profile"}).AnyTimes()
	up.EXPECT().AuthorizationURL(gomock.Any()).DoAndReturn(func(req upstream.AuthorizationRequest) string {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.lastUpReq = req
		f.upReqCount++
		return testUpstreamIssuer + "/authorize?state=" + url.QueryEscape(req.State)
	}).AnyTimes()

	minter, err := token.NewMinter(token.Config{Issuer: testIssuer}, keys.NewGeneratingProvider(clk), clk)
	require.NoError(t, err)

	cfg := Config{
		Issuer:      testIssuer,
		ReturnHosts: []string{"portal.example.com"},
	}
	deps := Dependencies{
		Storage:  store,
		Upstream: up,
		Minter:   minter,
		Secrets:  &crypto.HMACSecrets{Current: bytes.Repeat([]byte("k"), crypto.MinHMACKeyLength)},
		Metrics:  f.metrics,
		Clock:    clk,
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}
	f.engine, err = NewEngine(cfg, deps)
	require.NoError(t, err)

	f.signerKey = newSignerKey(t)
	f.registerClients(t)
	return f
}

func newSignerKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

func (f *fixture) registerClients(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	hash, err := crypto.HashSecret(testClientSecret, crypto.MinIterations)
	require.NoError(t, err)

	jwks, err := json.Marshal(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &f.signerKey.PublicKey,
		KeyID:     testAssertionKeyID,
		Algorithm: string(jose.ES256),
		Use:       "sig",
	}}})
	require.NoError(t, err)

	scopes := []string{"openid", "profile", "email"}
	clients := []*storage.Client{
		{
			ID:                     testPublicClient,
			RedirectURIs:           []string{testRedirectURI},
			PostLogoutRedirectURIs: []string{testPostLogoutURI},
			AllowedScopes:          scopes,
			Type:                   storage.ClientTypePublic,
			AuthMethod:             storage.AuthMethodNone,
		},
		{
			ID:            testBasicClient,
			RedirectURIs:  []string{testRedirectURI},
			AllowedScopes: scopes,
			Type:          storage.ClientTypeConfidential,
			AuthMethod:    storage.AuthMethodClientSecretBasic,
			SecretHash:    hash.Encode(),
		},
		{
			ID:              testPostClient,
			RedirectURIs:    []string{testRedirectURI},
			AllowedScopes:   scopes,
			Type:            storage.ClientTypeConfidential,
			AuthMethod:      storage.AuthMethodClientSecretPost,
			SecretHash:      hash.Encode(),
			SecretExpiresAt: testEpoch.Add(24 * time.Hour),
		},
		{
			ID:            testJWTClient,
			RedirectURIs:  []string{testRedirectURI},
			AllowedScopes: scopes,
			Type:          storage.ClientTypeConfidential,
			AuthMethod:    storage.AuthMethodPrivateKeyJWT,
			JWKS:          string(jwks),
		},
	}
	for _, c := range clients {
		require.NoError(t, f.store.RegisterClient(ctx, c))
	}
}

func (f *fixture) lastUpstreamRequest() upstream.AuthorizationRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastUpReq
}

func (f *fixture) upstreamRequests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.upReqCount
}

func validAuthorizeRequest(clientID string) AuthorizeRequest {
	return AuthorizeRequest{
		ResponseType:        "code",
		ClientID:            clientID,
		RedirectURI:         testRedirectURI,
		Scope:               "openid profile",
		State:               "client-state",
		Nonce:               "client-nonce",
		CodeChallenge:       crypto.ComputePKCEChallenge(testVerifier),
		CodeChallengeMethod: crypto.PKCEChallengeMethodS256,
	}
}

func testIdentity(authTime time.Time) *upstream.Identity {
	return &upstream.Identity{
		Issuer:   testUpstreamIssuer,
		Subject:  "12345678901",
		SID:      "upstream-sid",
		ACR:      "substantial",
		AMR:      []string{"pwd"},
		AuthTime: authTime,
		IDToken:  "upstream-id-token",
	}
}

// expectExchange makes the upstream accept testUpstreamCode for the
// pending upstream request.
func (f *fixture) expectExchange(identity *upstream.Identity) {
	nonce := f.lastUpstreamRequest().Nonce
	f.upstream.EXPECT().
		Exchange(gomock.Any(), testUpstreamCode, gomock.Any(), nonce, testIssuer+"/upstream/callback").
		Return(identity, nil)
}

// login runs a federated login for req and returns the callback result.
func (f *fixture) login(t *testing.T, req AuthorizeRequest) *CallbackResult {
	t.Helper()
	ctx := context.Background()

	res, err := f.engine.Authorize(ctx, req, "")
	require.NoError(t, err)
	require.False(t, res.ShortCircuit)

	f.expectExchange(testIdentity(f.clock.Now()))
	cb, err := f.engine.UpstreamCallback(ctx, CallbackParams{Code: testUpstreamCode, State: f.lastUpstreamRequest().State})
	require.NoError(t, err)
	return cb
}

// sessionOf returns the session behind a cookie.
func (f *fixture) sessionOf(t *testing.T, cookie *SessionCookie) *storage.Session {
	t.Helper()
	sid, err := crypto.VerifySignedValueWithKeys(f.engine.cookieKeys, cookie.Value)
	require.NoError(t, err)
	session, err := f.store.GetSession(context.Background(), sid)
	require.NoError(t, err)
	return session
}

func queryParam(t *testing.T, location, name string) string {
	t.Helper()
	u, err := url.Parse(location)
	require.NoError(t, err)
	return u.Query().Get(name)
}

func codeRequest(clientID, code string) *TokenRequest {
	return &TokenRequest{Form: url.Values{
		"grant_type":    {GrantTypeAuthorizationCode},
		"client_id":     {clientID},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {testVerifier},
	}}
}

func refreshRequest(clientID, refreshToken string) *TokenRequest {
	return &TokenRequest{Form: url.Values{
		"grant_type":    {GrantTypeRefreshToken},
		"client_id":     {clientID},
		"refresh_token": {refreshToken},
	}}
}

// loginAndRedeem performs a login for the public client and redeems the code.
func (f *fixture) loginAndRedeem(t *testing.T) (*CallbackResult, *TokenResponse) {
	t.Helper()
	cb := f.login(t, validAuthorizeRequest(testPublicClient))
	resp, err := f.engine.Token(context.Background(), codeRequest(testPublicClient, queryParam(t, cb.RedirectURL, "code")))
	require.NoError(t, err)
	return cb, resp
}

func (f *fixture) clientAssertion(t *testing.T, mutate func(*jwt.Claims)) string {
	t.Helper()
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.ES256, Key: jose.JSONWebKey{Key: f.signerKey, KeyID: testAssertionKeyID}},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	require.NoError(t, err)

	// Assertion lifetimes are checked against the wall clock.
	now := time.Now()
	claims := jwt.Claims{
		Issuer:   testJWTClient,
		Subject:  testJWTClient,
		Audience: jwt.Audience{testIssuer + "/token"},
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(now.Add(time.Minute)),
		ID:       uuid.NewString(),
	}
	if mutate != nil {
		mutate(&claims)
	}
	assertion, err := jwt.Signed(signer).Claims(claims).Serialize()
	require.NoError(t, err)
	return assertion
}

func parseAccessToken(t *testing.T, raw string) token.AccessTokenClaims {
	t.Helper()
	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{keys.DefaultAlgorithm})
	require.NoError(t, err)
	var claims token.AccessTokenClaims
	require.NoError(t, tok.UnsafeClaimsWithoutVerification(&claims))
	return claims
}

type recordingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{counts: make(map[string]int)}
}

func (m *recordingMetrics) inc(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[key]++
}

func (m *recordingMetrics) count(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[key]
}

func (m *recordingMetrics) Authorize(outcome string)      { m.inc("authorize:" + outcome) }
func (m *recordingMetrics) Callback(outcome string)       { m.inc("callback:" + outcome) }
func (m *recordingMetrics) TokenIssued(grant string)      { m.inc("token:" + grant) }
func (m *recordingMetrics) TokenError(grant, code string) { m.inc("token_error:" + grant + ":" + code) }
func (m *recordingMetrics) RefreshTokenReuse()            { m.inc("refresh_reuse") }
func (m *recordingMetrics) Logout(kind string)            { m.inc("logout:" + kind) }

type fakeLegacy struct {
	user *AuthenticatedUser
	err  error
}

func (l *fakeLegacy) Decrypt(_ context.Context, _ string) (*AuthenticatedUser, error) {
	return l.user, l.err
}

// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/stacklok/fedauth/pkg/authserver/protocol"
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
	testClientID       = "app"
	testBackendID      = "backend"
	testSecret         = "backend-secret"
	testRedirectURI    = "https://app.example.com/callback"
	testVerifier       = "handler-test-verifier-0123456789-abcdefghijk"
	testLegacyCookie   = "legacy_ticket"
)

type testServer struct {
	handler  http.Handler
	store    *storage.MemoryStorage
	upstream *mocks.MockProvider
	clock    *clocktesting.FakeClock

	mu    sync.Mutex
	state string
	nonce string
}

type staticLegacy struct{}

func (staticLegacy) Decrypt(_ context.Context, ticket string) (*protocol.AuthenticatedUser, error) {
	if ticket != "valid-ticket" {
		return nil, storage.ErrNotFound
	}
	return &protocol.AuthenticatedUser{Subject: "legacy-user", AuthLevel: "substantial", AuthMethod: "pwd"}, nil
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	clk := clocktesting.NewFakeClock(time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC))
	store := storage.NewMemoryStorage(storage.WithClock(clk))
	t.Cleanup(func() { _ = store.Close() })

	ctrl := gomock.NewController(t)
	up := mocks.NewMockProvider(ctrl)
	ts := &testServer{store: store, upstream: up, clock: clk}

	up.EXPECT().Issuer().Return(testUpstreamIssuer).AnyTimes()
	up.EXPECT().ClientID().Return("fedauth").AnyTimes()
	up.EXPECT().RedirectURI().Return(testIssuer + "/upstream/callback").AnyTimes()
	up.EXPECT().Scopes().Return([]string{"openid"}).AnyTimes()
	up.EXPECT().AuthorizationURL(gomock.Any()).DoAndReturn(func(req upstream.AuthorizationRequest) string {
		ts.mu.Lock()
		defer ts.mu.Unlock()
		ts.state = req.State
		ts.nonce = req.Nonce
		return testUpstreamIssuer + "/authorize?state=" + url.QueryEscape(req.State)
	}).AnyTimes()
	up.EXPECT().EndSessionURL(gomock.Any(), gomock.Any(), gomock.Any()).Return("", false).AnyTimes()

	certs := keys.NewGeneratingProvider(clk)
	minter, err := token.NewMinter(token.Config{Issuer: testIssuer}, certs, clk)
	require.NoError(t, err)

	engine, err := protocol.NewEngine(protocol.Config{
		Issuer:       testIssuer,
		ReturnHosts:  []string{"portal.example.com"},
		CookieSecure: true,
	}, protocol.Dependencies{
		Storage:  store,
		Upstream: up,
		Minter:   minter,
		Secrets:  &crypto.HMACSecrets{Current: bytes.Repeat([]byte("s"), crypto.MinHMACKeyLength)},
		Legacy:   staticLegacy{},
		Clock:    clk,
	})
	require.NoError(t, err)

	ts.handler = NewHandler(engine, certs, Config{
		LegacyTicketCookie: testLegacyCookie,
	}, clk).Routes()

	hash, err := crypto.HashSecret(testSecret, crypto.MinIterations)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.RegisterClient(ctx, &storage.Client{
		ID:            testClientID,
		RedirectURIs:  []string{testRedirectURI},
		AllowedScopes: []string{"openid", "profile"},
		Type:          storage.ClientTypePublic,
		AuthMethod:    storage.AuthMethodNone,
	}))
	require.NoError(t, store.RegisterClient(ctx, &storage.Client{
		ID:            testBackendID,
		RedirectURIs:  []string{testRedirectURI},
		AllowedScopes: []string{"openid"},
		Type:          storage.ClientTypeConfidential,
		AuthMethod:    storage.AuthMethodClientSecretBasic,
		SecretHash:    hash.Encode(),
	}))
	return ts
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func newGet(target string) *http.Request {
	return httptest.NewRequest(http.MethodGet, target, nil)
}

func (ts *testServer) get(target string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	req := newGet(target)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	return ts.do(req)
}

func (ts *testServer) postForm(form url.Values, setup func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if setup != nil {
		setup(req)
	}
	return ts.do(req)
}

func authorizeQuery(clientID string) url.Values {
	return url.Values{
		"response_type":         {"code"},
		"client_id":             {clientID},
		"redirect_uri":          {testRedirectURI},
		"scope":                 {"openid profile"},
		"state":                 {"client-state"},
		"nonce":                 {"client-nonce"},
		"code_challenge":        {crypto.ComputePKCEChallenge(testVerifier)},
		"code_challenge_method": {crypto.PKCEChallengeMethodS256},
	}
}

// login drives authorize and callback for clientID and returns the
// session cookie and the authorization code.
func (ts *testServer) login(t *testing.T, clientID string) (*http.Cookie, string) {
	t.Helper()

	rec := ts.get("/authorize?" + authorizeQuery(clientID).Encode())
	require.Equal(t, http.StatusFound, rec.Code)

	ts.mu.Lock()
	state, nonce := ts.state, ts.nonce
	ts.mu.Unlock()

	now := ts.clock.Now()
	ts.upstream.EXPECT().
		Exchange(gomock.Any(), "upstream-code", gomock.Any(), nonce, testIssuer+"/upstream/callback").
		Return(&upstream.Identity{
			Issuer:   testUpstreamIssuer,
			Subject:  "01010112345",
			SID:      "up-sid",
			ACR:      "substantial",
			AMR:      []string{"pwd"},
			AuthTime: now,
			IDToken:  "up-id-token",
		}, nil)

	rec = ts.get("/upstream/callback?" + url.Values{"code": {"upstream-code"}, "state": {state}}.Encode())
	require.Equal(t, http.StatusFound, rec.Code)

	cookie := findCookie(rec, protocol.DefaultSessionCookieName)
	require.NotNil(t, cookie)

	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "client-state", location.Query().Get("state"))
	return cookie, location.Query().Get("code")
}

func codeForm(clientID, code string) url.Values {
	return url.Values{
		"grant_type":    {protocol.GrantTypeAuthorizationCode},
		"client_id":     {clientID},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {testVerifier},
	}
}

func findCookie(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

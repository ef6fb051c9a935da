// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/fedauth/pkg/authserver/server/crypto"
)

func TestParseAuthorizeRequest(t *testing.T) {
	t.Parallel()

	q := url.Values{
		"response_type": {"code"},
		"client_id":     {"app"},
		"scope":         {"openid"},
		"acr_values":    {"high"},
		"max_age":       {"60"},
	}
	req := ParseAuthorizeRequest(q)
	assert.Equal(t, "code", req.ResponseType)
	assert.Equal(t, "app", req.ClientID)
	assert.Equal(t, "openid", req.Scope)
	assert.Equal(t, "high", req.ACRValues)
	assert.Equal(t, "60", req.MaxAge)
}

func TestAuthorize_LocalErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*AuthorizeRequest)
	}{
		{name: "missing client_id", mutate: func(r *AuthorizeRequest) { r.ClientID = "" }},
		{name: "unknown client", mutate: func(r *AuthorizeRequest) { r.ClientID = "nobody" }},
		{name: "missing redirect_uri", mutate: func(r *AuthorizeRequest) { r.RedirectURI = "" }},
		{name: "unregistered redirect_uri", mutate: func(r *AuthorizeRequest) { r.RedirectURI = "https://evil.example.com/cb" }},
		{name: "redirect_uri prefix match", mutate: func(r *AuthorizeRequest) { r.RedirectURI = testRedirectURI + "/extra" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)

			req := validAuthorizeRequest(testPublicClient)
			tt.mutate(&req)
			_, err := f.engine.Authorize(context.Background(), req, "")

			var localErr *LocalError
			require.ErrorAs(t, err, &localErr)
			assert.Equal(t, http.StatusBadRequest, localErr.Status)
			assert.Equal(t, 0, f.upstreamRequests())
			assert.Equal(t, 1, f.metrics.count("authorize:"+OutcomeError))
		})
	}
}

func TestAuthorize_RedirectErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		mutate   func(*AuthorizeRequest)
		wantCode string
	}{
		{name: "response_type token", mutate: func(r *AuthorizeRequest) { r.ResponseType = "token" }, wantCode: "unsupported_response_type"},
		{name: "scope without openid", mutate: func(r *AuthorizeRequest) { r.Scope = "profile" }, wantCode: "invalid_scope"},
		{name: "scope not allowed", mutate: func(r *AuthorizeRequest) { r.Scope = "openid admin" }, wantCode: "invalid_scope"},
		{name: "missing state", mutate: func(r *AuthorizeRequest) { r.State = "" }, wantCode: "invalid_request"},
		{name: "missing nonce", mutate: func(r *AuthorizeRequest) { r.Nonce = "" }, wantCode: "invalid_request"},
		{name: "missing code_challenge", mutate: func(r *AuthorizeRequest) { r.CodeChallenge = "" }, wantCode: "invalid_request"},
		{name: "plain challenge method", mutate: func(r *AuthorizeRequest) { r.CodeChallengeMethod = "plain" }, wantCode: "invalid_request"},
		{name: "prompt none and login", mutate: func(r *AuthorizeRequest) { r.Prompt = "none login" }, wantCode: "invalid_request"},
		{name: "unknown prompt", mutate: func(r *AuthorizeRequest) { r.Prompt = "consent" }, wantCode: "invalid_request"},
		{name: "unsupported ui_locales", mutate: func(r *AuthorizeRequest) { r.UILocales = "en xx" }, wantCode: "invalid_request"},
		{name: "unsupported acr_values", mutate: func(r *AuthorizeRequest) { r.ACRValues = "ultra" }, wantCode: "invalid_request"},
		{name: "negative max_age", mutate: func(r *AuthorizeRequest) { r.MaxAge = "-1" }, wantCode: "invalid_request"},
		{name: "non numeric max_age", mutate: func(r *AuthorizeRequest) { r.MaxAge = "soon" }, wantCode: "invalid_request"},
		{name: "prompt none without session", mutate: func(r *AuthorizeRequest) { r.Prompt = "none" }, wantCode: "login_required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)

			req := validAuthorizeRequest(testPublicClient)
			tt.mutate(&req)
			_, err := f.engine.Authorize(context.Background(), req, "")

			var redirectErr *RedirectError
			require.ErrorAs(t, err, &redirectErr)
			assert.Equal(t, tt.wantCode, redirectErr.Code)
			assert.Equal(t, testRedirectURI, redirectErr.RedirectURI)
			assert.Equal(t, req.State, redirectErr.State)

			location := redirectErr.Location()
			assert.Equal(t, tt.wantCode, queryParam(t, location, "error"))
			assert.Equal(t, req.State, queryParam(t, location, "state"))
			assert.Equal(t, 0, f.upstreamRequests())
		})
	}
}

func TestAuthorize_Federates(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	req := validAuthorizeRequest(testPublicClient)
	req.ACRValues = "substantial high"
	req.UILocales = "nb"
	req.Prompt = "login"
	req.MaxAge = "300"

	res, err := f.engine.Authorize(ctx, req, "")
	require.NoError(t, err)
	assert.False(t, res.ShortCircuit)

	upReq := f.lastUpstreamRequest()
	assert.Equal(t, testUpstreamIssuer+"/authorize?state="+url.QueryEscape(upReq.State), res.RedirectURL)
	assert.Equal(t, []string{"substantial", "high"}, upReq.ACRValues)
	assert.Equal(t, []string{"nb"}, upReq.UILocales)
	assert.Equal(t, []string{"login"}, upReq.Prompt)
	assert.NotEmpty(t, upReq.Nonce)
	assert.NotEqual(t, req.Nonce, upReq.Nonce)
	assert.NotEqual(t, req.State, upReq.State)

	tx, err := f.store.ConsumeUpstreamTransaction(ctx, upReq.State)
	require.NoError(t, err)
	assert.Equal(t, upReq.Nonce, tx.Nonce)
	assert.Equal(t, upReq.CodeChallenge, crypto.ComputePKCEChallenge(tx.CodeVerifier))
	assert.Equal(t, "fedauth", tx.UpstreamClientID)
	assert.Equal(t, testIssuer+"/upstream/callback", tx.UpstreamRedirectURI)
	assert.Equal(t, testEpoch.Add(DefaultLoginTransactionTTL), tx.ExpiresAt)

	loginTx, err := f.store.GetLoginTransaction(ctx, tx.RequestID)
	require.NoError(t, err)
	assert.Equal(t, testPublicClient, loginTx.ClientID)
	assert.Equal(t, testRedirectURI, loginTx.RedirectURI)
	assert.Equal(t, []string{"openid", "profile"}, loginTx.Scopes)
	assert.Equal(t, "client-state", loginTx.State)
	assert.Equal(t, "client-nonce", loginTx.Nonce)
	assert.Equal(t, req.CodeChallenge, loginTx.CodeChallenge)
	require.NotNil(t, loginTx.MaxAge)
	assert.Equal(t, int64(300), *loginTx.MaxAge)

	assert.Equal(t, 1, f.metrics.count("authorize:"+OutcomeFederate))
}

func TestAuthorize_PromptNoneWithWeakSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	cb := f.login(t, validAuthorizeRequest(testPublicClient))

	req := validAuthorizeRequest(testPublicClient)
	req.Prompt = "none"
	req.ACRValues = "high"
	_, err := f.engine.Authorize(context.Background(), req, cb.Cookie.Value)

	var redirectErr *RedirectError
	require.ErrorAs(t, err, &redirectErr)
	assert.Equal(t, "login_required", redirectErr.Code)
}

func TestAuthorize_ShortCircuit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		mutate        func(*AuthorizeRequest)
		advance       time.Duration
		wantFederated bool
	}{
		{name: "plain request", mutate: func(*AuthorizeRequest) {}},
		{name: "prompt none", mutate: func(r *AuthorizeRequest) { r.Prompt = "none" }},
		{name: "prompt login", mutate: func(r *AuthorizeRequest) { r.Prompt = "login" }, wantFederated: true},
		{name: "weaker acr requested", mutate: func(r *AuthorizeRequest) { r.ACRValues = "low" }},
		{name: "weakest requested acr is satisfied", mutate: func(r *AuthorizeRequest) { r.ACRValues = "high substantial" }},
		{name: "stronger acr requested", mutate: func(r *AuthorizeRequest) { r.ACRValues = "high" }, wantFederated: true},
		{name: "within max_age", mutate: func(r *AuthorizeRequest) { r.MaxAge = "600" }, advance: 5 * time.Minute},
		{name: "max_age exceeded", mutate: func(r *AuthorizeRequest) { r.MaxAge = "60" }, advance: 2 * time.Minute, wantFederated: true},
		{name: "max_age zero", mutate: func(r *AuthorizeRequest) { r.MaxAge = "0" }, advance: time.Second, wantFederated: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			ctx := context.Background()
			cb := f.login(t, validAuthorizeRequest(testPublicClient))
			f.clock.Step(tt.advance)
			before := f.upstreamRequests()

			req := validAuthorizeRequest(testBasicClient)
			req.State = "second-state"
			tt.mutate(&req)
			res, err := f.engine.Authorize(ctx, req, cb.Cookie.Value)
			require.NoError(t, err)

			if tt.wantFederated {
				assert.False(t, res.ShortCircuit)
				assert.Equal(t, before+1, f.upstreamRequests())
				return
			}

			assert.True(t, res.ShortCircuit)
			assert.Equal(t, before, f.upstreamRequests())
			assert.Equal(t, "second-state", queryParam(t, res.RedirectURL, "state"))
			code := queryParam(t, res.RedirectURL, "code")
			require.NotEmpty(t, code)

			session := f.sessionOf(t, cb.Cookie)
			assert.ElementsMatch(t, []string{testPublicClient, testBasicClient}, session.ClientIDsSeen)

			stored, err := f.store.ConsumeAuthorizationCode(ctx, code, f.clock.Now())
			require.NoError(t, err)
			assert.Equal(t, testBasicClient, stored.ClientID)
			assert.Equal(t, session.SID, stored.SID)
			assert.Equal(t, session.SubjectID, stored.SubjectID)
			assert.Equal(t, req.Nonce, stored.Nonce)
			assert.Equal(t, "substantial", stored.ACR)
			assert.Equal(t, 1, f.metrics.count("authorize:"+OutcomeShortCircuit))
		})
	}
}

func TestAuthorize_IgnoresInvalidCookies(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	cb := f.login(t, validAuthorizeRequest(testPublicClient))

	tests := map[string]string{
		"tampered signature": cb.Cookie.Value + "x",
		"unsigned sid":       "some-sid",
		"garbage":            "...",
	}
	for name, cookie := range tests {
		res, err := f.engine.Authorize(context.Background(), validAuthorizeRequest(testPublicClient), cookie)
		require.NoError(t, err, name)
		assert.False(t, res.ShortCircuit, name)
	}
}

func TestAuthorize_SessionEndedFederates(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	cb := f.login(t, validAuthorizeRequest(testPublicClient))

	f.clock.Step(DefaultSessionIdleTTL + time.Second)
	res, err := f.engine.Authorize(context.Background(), validAuthorizeRequest(testPublicClient), cb.Cookie.Value)
	require.NoError(t, err)
	assert.False(t, res.ShortCircuit)
}

func TestRedirectError_Location(t *testing.T) {
	t.Parallel()

	e := &RedirectError{
		RedirectURI: "https://app.example.com/cb?tenant=a",
		Code:        "invalid_request",
		Description: "state is required",
	}
	u, err := url.Parse(e.Location())
	require.NoError(t, err)
	assert.Equal(t, "a", u.Query().Get("tenant"))
	assert.Equal(t, "invalid_request", u.Query().Get("error"))
	assert.Equal(t, "state is required", u.Query().Get("error_description"))
	assert.False(t, u.Query().Has("state"))
}

func TestLocalError(t *testing.T) {
	t.Parallel()

	cause := errors.New("db down")
	err := serverError("failed to load client", cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, http.StatusInternalServerError, err.Status)
	assert.Equal(t, "server_error: failed to load client: db down", err.Error())
	assert.Equal(t, "invalid_request: state is required", badRequest("state is required", nil).Error())
}

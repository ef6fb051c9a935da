// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ory/fosite"

	"github.com/stacklok/fedauth/pkg/authserver/server/crypto"
	"github.com/stacklok/fedauth/pkg/authserver/storage"
	"github.com/stacklok/fedauth/pkg/authserver/upstream"
)

// Prompt values.
const (
	PromptNone  = "none"
	PromptLogin = "login"
)

// AuthorizeRequest holds the raw parameters of an authorize request.
type AuthorizeRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	ACRValues           string
	UILocales           string
	Prompt              string
	MaxAge              string
}

// ParseAuthorizeRequest reads an AuthorizeRequest from query parameters.
func ParseAuthorizeRequest(q url.Values) AuthorizeRequest {
	return AuthorizeRequest{
		ResponseType:        q.Get("response_type"),
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		Nonce:               q.Get("nonce"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		ACRValues:           q.Get("acr_values"),
		UILocales:           q.Get("ui_locales"),
		Prompt:              q.Get("prompt"),
		MaxAge:              q.Get("max_age"),
	}
}

// validatedAuthorizeRequest is an AuthorizeRequest that passed validation.
type validatedAuthorizeRequest struct {
	client        *storage.Client
	redirectURI   string
	scopes        []string
	state         string
	nonce         string
	codeChallenge string
	acrValues     []string
	uiLocales     []string
	prompt        []string
	maxAge        *int64
}

// AuthorizeResult is where the browser goes next.
type AuthorizeResult struct {
	RedirectURL string
	// ShortCircuit is true when an existing session satisfied the request.
	ShortCircuit bool
}

// Authorize validates req and either answers it from the session named by
// cookie or federates to the upstream. Errors are *LocalError or
// *RedirectError.
func (e *Engine) Authorize(ctx context.Context, req AuthorizeRequest, cookie string) (*AuthorizeResult, error) {
	result, err := e.authorize(ctx, req, cookie)
	if err != nil {
		e.metrics.Authorize(OutcomeError)
		return nil, err
	}
	if result.ShortCircuit {
		e.metrics.Authorize(OutcomeShortCircuit)
	} else {
		e.metrics.Authorize(OutcomeFederate)
	}
	return result, nil
}

func (e *Engine) authorize(ctx context.Context, req AuthorizeRequest, cookie string) (*AuthorizeResult, error) {
	v, err := e.validateAuthorizeRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	session, err := e.sessionFromCookie(ctx, cookie)
	if err != nil {
		slog.Error("failed to load session", "error", err)
		return nil, v.redirectError(fosite.ErrServerError.ErrorField, "")
	}

	if session != nil && e.sessionSatisfies(session, v) {
		location, err := e.shortCircuit(ctx, session, v)
		if err != nil {
			slog.Error("failed to issue authorization code from session", "error", err)
			return nil, v.redirectError(fosite.ErrServerError.ErrorField, "")
		}
		slog.Debug("authorize request satisfied by existing session", "client_id", v.client.ID)
		return &AuthorizeResult{RedirectURL: location, ShortCircuit: true}, nil
	}

	if slices.Contains(v.prompt, PromptNone) {
		return nil, v.redirectError(fosite.ErrLoginRequired.ErrorField, "no active session")
	}

	location, err := e.federate(ctx, v)
	if err != nil {
		slog.Error("failed to start upstream login", "error", err)
		return nil, v.redirectError(fosite.ErrServerError.ErrorField, "")
	}
	return &AuthorizeResult{RedirectURL: location}, nil
}

func (e *Engine) validateAuthorizeRequest(ctx context.Context, req AuthorizeRequest) (*validatedAuthorizeRequest, error) {
	if req.ClientID == "" {
		return nil, badRequest("client_id is required", nil)
	}
	client, err := e.store.GetClient(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, badRequest("unknown client", err)
		}
		return nil, serverError("failed to load client", err)
	}
	if req.RedirectURI == "" || !client.HasRedirectURI(req.RedirectURI) {
		return nil, badRequest("redirect_uri is not registered for this client", nil)
	}

	// The redirect target is trusted from here on.
	v := &validatedAuthorizeRequest{
		client:        client,
		redirectURI:   req.RedirectURI,
		state:         req.State,
		nonce:         req.Nonce,
		codeChallenge: req.CodeChallenge,
	}
	invalid := func(description string) error {
		return v.redirectError(fosite.ErrInvalidRequest.ErrorField, description)
	}

	if req.ResponseType != "code" {
		return nil, v.redirectError(fosite.ErrUnsupportedResponseType.ErrorField, "response_type must be code")
	}

	v.scopes = strings.Fields(req.Scope)
	if !slices.Contains(v.scopes, "openid") {
		return nil, v.redirectError(fosite.ErrInvalidScope.ErrorField, "scope must include openid")
	}
	if !client.AllowsScopes(v.scopes) {
		return nil, v.redirectError(fosite.ErrInvalidScope.ErrorField, "scope is not allowed for this client")
	}

	if req.State == "" {
		return nil, invalid("state is required")
	}
	if req.Nonce == "" {
		return nil, invalid("nonce is required")
	}
	if req.CodeChallenge == "" {
		return nil, invalid("code_challenge is required")
	}
	if req.CodeChallengeMethod != crypto.PKCEChallengeMethodS256 {
		return nil, invalid("code_challenge_method must be S256")
	}

	v.prompt = strings.Fields(req.Prompt)
	for _, p := range v.prompt {
		if p != PromptNone && p != PromptLogin {
			return nil, invalid(fmt.Sprintf("unsupported prompt value %q", p))
		}
	}
	if slices.Contains(v.prompt, PromptNone) && slices.Contains(v.prompt, PromptLogin) {
		return nil, invalid("prompt none and login are mutually exclusive")
	}

	v.uiLocales = strings.Fields(req.UILocales)
	for _, l := range v.uiLocales {
		if !slices.Contains(e.cfg.UILocales, l) {
			return nil, invalid(fmt.Sprintf("unsupported ui_locales value %q", l))
		}
	}

	v.acrValues = strings.Fields(req.ACRValues)
	for _, a := range v.acrValues {
		if !slices.Contains(e.cfg.ACRValues, a) {
			return nil, invalid(fmt.Sprintf("unsupported acr_values value %q", a))
		}
	}

	if req.MaxAge != "" {
		maxAge, err := strconv.ParseInt(req.MaxAge, 10, 64)
		if err != nil || maxAge < 0 {
			return nil, invalid("max_age must be a non-negative integer")
		}
		v.maxAge = &maxAge
	}
	return v, nil
}

func (v *validatedAuthorizeRequest) redirectError(code, description string) *RedirectError {
	return &RedirectError{
		RedirectURI: v.redirectURI,
		Code:        code,
		Description: description,
		State:       v.state,
	}
}

// sessionSatisfies reports whether session can answer the request without
// a new upstream login.
func (e *Engine) sessionSatisfies(s *storage.Session, v *validatedAuthorizeRequest) bool {
	if slices.Contains(v.prompt, PromptLogin) {
		return false
	}
	if len(v.acrValues) > 0 && e.acrStrength(s.ACR) < e.weakestRequestedACR(v.acrValues) {
		return false
	}
	if v.maxAge != nil {
		age := e.clock.Since(s.AuthTime)
		if age > time.Duration(*v.maxAge)*time.Second {
			return false
		}
	}
	return true
}

// acrStrength is the index of acr in the allow-list, -1 when unknown.
func (e *Engine) acrStrength(acr string) int {
	return slices.Index(e.cfg.ACRValues, acr)
}

func (e *Engine) weakestRequestedACR(requested []string) int {
	weakest := len(e.cfg.ACRValues)
	for _, a := range requested {
		weakest = min(weakest, e.acrStrength(a))
	}
	return weakest
}

func (e *Engine) shortCircuit(ctx context.Context, s *storage.Session, v *validatedAuthorizeRequest) (string, error) {
	now := e.clock.Now()
	code := &storage.AuthorizationCode{
		Code:                crypto.NewOpaqueToken(),
		RequestID:           uuid.NewString(),
		ClientID:            v.client.ID,
		SubjectID:           s.SubjectID,
		SID:                 s.SID,
		Nonce:               v.nonce,
		ACR:                 s.ACR,
		AMR:                 s.AMR,
		AuthTime:            s.AuthTime,
		CodeChallenge:       v.codeChallenge,
		CodeChallengeMethod: crypto.PKCEChallengeMethodS256,
		RedirectURI:         v.redirectURI,
		Scopes:              v.scopes,
		ExpiresAt:           now.Add(e.cfg.AuthorizationCodeTTL),
	}
	if err := e.store.CreateAuthorizationCode(ctx, code); err != nil {
		return "", fmt.Errorf("failed to store authorization code: %w", err)
	}
	if err := e.store.AddSessionClient(ctx, s.SID, v.client.ID); err != nil {
		return "", fmt.Errorf("failed to record session client: %w", err)
	}
	return codeRedirect(v.redirectURI, code.Code, v.state), nil
}

func codeRedirect(redirectURI, code, state string) string {
	return appendQuery(redirectURI, url.Values{"code": {code}, "state": {state}})
}

// federate persists the downstream and upstream transactions and returns
// the upstream authorization URL.
func (e *Engine) federate(ctx context.Context, v *validatedAuthorizeRequest) (string, error) {
	now := e.clock.Now()
	loginTx := &storage.LoginTransaction{
		RequestID:           uuid.NewString(),
		ClientID:            v.client.ID,
		RedirectURI:         v.redirectURI,
		Scopes:              v.scopes,
		State:               v.state,
		Nonce:               v.nonce,
		CodeChallenge:       v.codeChallenge,
		CodeChallengeMethod: crypto.PKCEChallengeMethodS256,
		ACRValues:           v.acrValues,
		UILocales:           v.uiLocales,
		Prompt:              v.prompt,
		MaxAge:              v.maxAge,
		CreatedAt:           now,
		ExpiresAt:           now.Add(e.cfg.LoginTransactionTTL),
	}
	if err := e.store.CreateLoginTransaction(ctx, loginTx); err != nil {
		return "", fmt.Errorf("failed to store login transaction: %w", err)
	}

	var prompt []string
	if slices.Contains(v.prompt, PromptLogin) {
		prompt = []string{PromptLogin}
	}
	return e.startUpstreamLogin(ctx, &storage.UpstreamLoginTransaction{RequestID: loginTx.RequestID}, upstream.AuthorizationRequest{
		ACRValues: v.acrValues,
		UILocales: v.uiLocales,
		Prompt:    prompt,
	})
}

// startUpstreamLogin completes tx with fresh upstream state, PKCE pair and
// nonce, persists it and builds the upstream authorization URL.
func (e *Engine) startUpstreamLogin(
	ctx context.Context,
	tx *storage.UpstreamLoginTransaction,
	req upstream.AuthorizationRequest,
) (string, error) {
	now := e.clock.Now()
	verifier := crypto.GeneratePKCEVerifier()

	tx.UpstreamState = crypto.NewOpaqueToken()
	tx.UpstreamClientID = e.upstream.ClientID()
	tx.UpstreamRedirectURI = e.upstream.RedirectURI()
	tx.Scopes = e.upstream.Scopes()
	tx.CodeVerifier = verifier
	tx.Nonce = crypto.NewOpaqueToken()
	tx.ACRValues = req.ACRValues
	tx.CreatedAt = now
	tx.ExpiresAt = now.Add(e.cfg.LoginTransactionTTL)
	if err := e.store.CreateUpstreamTransaction(ctx, tx); err != nil {
		return "", fmt.Errorf("failed to store upstream transaction: %w", err)
	}

	req.State = tx.UpstreamState
	req.Nonce = tx.Nonce
	req.CodeChallenge = crypto.ComputePKCEChallenge(verifier)
	return e.upstream.AuthorizationURL(req), nil
}

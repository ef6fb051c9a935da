// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package testkit

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

const testKeyID = "upstream-key-1"

// OIDCUser is the identity the fake upstream logs in.
type OIDCUser struct {
	Subject string
	SID     string
	ACR     string
	AMR     []string
}

type pendingCode struct {
	user          OIDCUser
	nonce         string
	codeChallenge string
	redirectURI   string
	issuedAt      time.Time
}

// OIDCServer is a fake upstream OIDC provider.
type OIDCServer struct {
	*httptest.Server

	// Issuer is the server's issuer identifier (its base URL).
	Issuer string
	// ClientID is the only client the token endpoint accepts.
	ClientID string

	key *rsa.PrivateKey

	mu                sync.Mutex
	user              OIDCUser
	codes             map[string]pendingCode
	lastAuthorize     url.Values
	tokenDelay        time.Duration
	omitIDToken       bool
	nonceOverride     string
	audienceOverride  string
	withoutEndSession bool
	tokenRequests     int
}

// OIDCServerOption configures an OIDCServer.
type OIDCServerOption func(*OIDCServer)

// WithoutEndSession removes end_session_endpoint from discovery.
func WithoutEndSession() OIDCServerOption {
	return func(s *OIDCServer) {
		s.withoutEndSession = true
	}
}

// WithUser sets the identity logged in by the authorize endpoint.
func WithUser(user OIDCUser) OIDCServerOption {
	return func(s *OIDCServer) {
		s.user = user
	}
}

// NewOIDCServer starts a fake upstream that accepts clientID. The server
// is closed when the test ends.
func NewOIDCServer(t testing.TB, clientID string, opts ...OIDCServerOption) *OIDCServer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate upstream key: %v", err)
	}

	s := &OIDCServer{
		ClientID: clientID,
		key:      key,
		codes:    make(map[string]pendingCode),
		user: OIDCUser{
			Subject: "alice",
			SID:     "upstream-sid-1",
			ACR:     "substantial",
			AMR:     []string{"pwd"},
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get("/.well-known/openid-configuration", s.handleDiscovery)
	router.Get("/jwks", s.handleJWKS)
	router.Get("/authorize", s.handleAuthorize)
	router.Post("/token", s.handleToken)
	router.Get("/logout", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	s.Server = httptest.NewServer(router)
	s.Issuer = s.URL
	t.Cleanup(s.Close)
	return s
}

// SetUser changes the identity logged in by subsequent authorizations.
func (s *OIDCServer) SetUser(user OIDCUser) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = user
}

// SetTokenDelay delays every token response.
func (s *OIDCServer) SetTokenDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenDelay = d
}

// SetOmitIDToken makes the token endpoint leave out id_token.
func (s *OIDCServer) SetOmitIDToken(omit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.omitIDToken = omit
}

// SetNonceOverride replaces the nonce put in issued ID tokens.
func (s *OIDCServer) SetNonceOverride(nonce string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nonceOverride = nonce
}

// SetAudienceOverride replaces the aud claim of issued ID tokens.
func (s *OIDCServer) SetAudienceOverride(aud string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audienceOverride = aud
}

// LastAuthorizeRequest returns the query of the latest authorize call.
func (s *OIDCServer) LastAuthorizeRequest() url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAuthorize
}

// TokenRequests returns how many token requests were served.
func (s *OIDCServer) TokenRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenRequests
}

// IssueCode registers an authorization code for the current user without
// going through the authorize endpoint.
func (s *OIDCServer) IssueCode(nonce, codeChallenge, redirectURI string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueCodeLocked(nonce, codeChallenge, redirectURI)
}

func (s *OIDCServer) issueCodeLocked(nonce, codeChallenge, redirectURI string) string {
	code := rand.Text()
	s.codes[code] = pendingCode{
		user:          s.user,
		nonce:         nonce,
		codeChallenge: codeChallenge,
		redirectURI:   redirectURI,
		issuedAt:      time.Now(),
	}
	return code
}

func (s *OIDCServer) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	doc := map[string]any{
		"issuer":                                s.Issuer,
		"authorization_endpoint":                s.Issuer + "/authorize",
		"token_endpoint":                        s.Issuer + "/token",
		"jwks_uri":                              s.Issuer + "/jwks",
		"code_challenge_methods_supported":      []string{"S256"},
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
	}
	s.mu.Lock()
	if !s.withoutEndSession {
		doc["end_session_endpoint"] = s.Issuer + "/logout"
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, doc)
}

func (s *OIDCServer) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       s.key.Public(),
		KeyID:     testKeyID,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}})
}

// handleAuthorize logs the configured user in and redirects back with a code.
func (s *OIDCServer) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	redirectURI := q.Get("redirect_uri")
	target, err := url.Parse(redirectURI)
	if err != nil || redirectURI == "" || q.Get("client_id") != s.ClientID {
		http.Error(w, "invalid authorize request", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.lastAuthorize = q
	code := s.issueCodeLocked(q.Get("nonce"), q.Get("code_challenge"), redirectURI)
	s.mu.Unlock()

	back := target.Query()
	back.Set("code", code)
	back.Set("state", q.Get("state"))
	target.RawQuery = back.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (s *OIDCServer) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	s.mu.Lock()
	s.tokenRequests++
	delay := s.tokenDelay
	omitIDToken := s.omitIDToken
	nonceOverride := s.nonceOverride
	code := r.PostForm.Get("code")
	pending, ok := s.codes[code]
	delete(s.codes, code)
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	switch {
	case r.PostForm.Get("grant_type") != "authorization_code",
		r.PostForm.Get("client_id") != s.ClientID:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_client"})
		return
	case !ok,
		pending.redirectURI != r.PostForm.Get("redirect_uri"),
		s256(r.PostForm.Get("code_verifier")) != pending.codeChallenge:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
		return
	}

	resp := map[string]any{
		"access_token": rand.Text(),
		"token_type":   "Bearer",
		"expires_in":   300,
	}
	if !omitIDToken {
		nonce := pending.nonce
		if nonceOverride != "" {
			nonce = nonceOverride
		}
		idToken, err := s.signIDToken(pending, nonce)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
			return
		}
		resp["id_token"] = idToken
	}
	writeJSON(w, http.StatusOK, resp)
}

// SignIDToken signs an ID token for the current user carrying nonce.
func (s *OIDCServer) SignIDToken(nonce string) (string, error) {
	s.mu.Lock()
	user := s.user
	s.mu.Unlock()
	return s.signIDToken(pendingCode{user: user, issuedAt: time.Now()}, nonce)
}

func (s *OIDCServer) signIDToken(p pendingCode, nonce string) (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: jose.JSONWebKey{Key: s.key, KeyID: testKeyID}},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	audience := s.ClientID
	if s.audienceOverride != "" {
		audience = s.audienceOverride
	}
	s.mu.Unlock()

	now := time.Now()
	claims := struct {
		jwt.Claims
		Nonce    string   `json:"nonce,omitempty"`
		SID      string   `json:"sid,omitempty"`
		ACR      string   `json:"acr,omitempty"`
		AMR      []string `json:"amr,omitempty"`
		AuthTime int64    `json:"auth_time"`
	}{
		Claims: jwt.Claims{
			Issuer:   s.Issuer,
			Subject:  p.user.Subject,
			Audience: jwt.Audience{audience},
			IssuedAt: jwt.NewNumericDate(now),
			Expiry:   jwt.NewNumericDate(now.Add(5 * time.Minute)),
		},
		Nonce:    nonce,
		SID:      p.user.SID,
		ACR:      p.user.ACR,
		AMR:      p.user.AMR,
		AuthTime: p.issuedAt.Unix(),
	}
	return jwt.Signed(signer).Claims(claims).Serialize()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

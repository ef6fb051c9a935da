// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coreos/go-oidc/v3/oidc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"

	"github.com/stacklok/fedauth/pkg/networking"
)

// instrumentClient returns a copy of client whose transport emits a client
// span per upstream request and propagates the trace context.
func instrumentClient(client *http.Client, opts []otelhttp.Option) *http.Client {
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	opts = append([]otelhttp.Option{
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return "upstream " + r.Method + " " + r.URL.Path
		}),
	}, opts...)
	instrumented := *client
	instrumented.Transport = otelhttp.NewTransport(base, opts...)
	return &instrumented
}

// discoveryDocument holds the discovery fields go-oidc does not expose.
type discoveryDocument struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	JWKSURI                       string   `json:"jwks_uri"`
	EndSessionEndpoint            string   `json:"end_session_endpoint"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported"`
}

// OIDCProvider implements Provider for an OIDC-compliant upstream.
type OIDCProvider struct {
	config     Config
	httpClient *http.Client
	tracing    []otelhttp.Option
	oauth2     *oauth2.Config
	verifier   *oidc.IDTokenVerifier
	endpoints  discoveryDocument
}

// OIDCProviderOption configures an OIDCProvider.
type OIDCProviderOption func(*OIDCProvider)

// WithHTTPClient sets a custom HTTP client for the provider.
func WithHTTPClient(client *http.Client) OIDCProviderOption {
	return func(p *OIDCProvider) {
		p.httpClient = client
	}
}

// WithTracing sets options for the otelhttp transport that instruments
// every upstream request. The global tracer provider and propagator are
// used by default.
func WithTracing(opts ...otelhttp.Option) OIDCProviderOption {
	return func(p *OIDCProvider) {
		p.tracing = append(p.tracing, opts...)
	}
}

// NewOIDCProvider performs discovery against cfg.Issuer and returns a
// ready provider. Discovery is retried with exponential backoff.
func NewOIDCProvider(ctx context.Context, cfg Config, opts ...OIDCProviderOption) (*OIDCProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid upstream config: %w", err)
	}

	p := &OIDCProvider{config: cfg}
	for _, opt := range opts {
		opt(p)
	}
	if p.httpClient == nil {
		issuerURL, _ := url.Parse(cfg.Issuer) // checked in Validate
		client, err := networking.NewHttpClientBuilder().
			WithTimeout(cfg.timeout()).
			WithCABundle(cfg.CABundle).
			WithPrivateIPs(cfg.AllowPrivateIPs || networking.IsLocalhost(issuerURL.Host)).
			Build()
		if err != nil {
			return nil, fmt.Errorf("failed to create HTTP client: %w", err)
		}
		p.httpClient = client
	}
	p.httpClient = instrumentClient(p.httpClient, p.tracing)

	slog.Debug("discovering upstream OIDC provider", "issuer", cfg.Issuer, "client_id", cfg.ClientID)

	// go-oidc keeps the client from this context for remote JWKS fetches.
	ctx = oidc.ClientContext(ctx, p.httpClient)
	provider, err := backoff.Retry(ctx, func() (*oidc.Provider, error) {
		return oidc.NewProvider(ctx, cfg.Issuer)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(cfg.discoveryAttempts()),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Warn("upstream discovery failed, retrying", "issuer", cfg.Issuer, "error", err, "retry_in", next)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC endpoints: %w", err)
	}

	if err := provider.Claims(&p.endpoints); err != nil {
		return nil, fmt.Errorf("failed to extract provider claims: %w", err)
	}
	if err := validateDiscoveryDocument(&p.endpoints, cfg.Issuer); err != nil {
		return nil, fmt.Errorf("invalid discovery document: %w", err)
	}

	endpoint := provider.Endpoint()
	p.oauth2 = &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURI,
		Scopes:       cfg.scopes(),
		Endpoint: oauth2.Endpoint{
			AuthURL:   endpoint.AuthURL,
			TokenURL:  endpoint.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	p.verifier = provider.Verifier(&oidc.Config{ClientID: cfg.ClientID})

	slog.Debug("upstream OIDC provider ready",
		"issuer", p.endpoints.Issuer,
		"end_session_supported", p.endpoints.EndSessionEndpoint != "",
	)
	return p, nil
}

// Issuer returns the discovered issuer identifier.
func (p *OIDCProvider) Issuer() string {
	return p.endpoints.Issuer
}

// ClientID returns the upstream client id.
func (p *OIDCProvider) ClientID() string {
	return p.config.ClientID
}

// RedirectURI returns the upstream callback URL.
func (p *OIDCProvider) RedirectURI() string {
	return p.config.RedirectURI
}

// Scopes returns the scopes requested from the upstream.
func (p *OIDCProvider) Scopes() []string {
	return p.oauth2.Scopes
}

// AuthorizationURL builds the upstream authorize redirect. PKCE is always
// sent with S256; acr_values, ui_locales and prompt pass through when set.
func (p *OIDCProvider) AuthorizationURL(req AuthorizationRequest) string {
	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("nonce", req.Nonce),
		oauth2.SetAuthURLParam("code_challenge", req.CodeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	}
	if len(req.ACRValues) > 0 {
		opts = append(opts, oauth2.SetAuthURLParam("acr_values", strings.Join(req.ACRValues, " ")))
	}
	if len(req.UILocales) > 0 {
		opts = append(opts, oauth2.SetAuthURLParam("ui_locales", strings.Join(req.UILocales, " ")))
	}
	if len(req.Prompt) > 0 {
		opts = append(opts, oauth2.SetAuthURLParam("prompt", strings.Join(req.Prompt, " ")))
	}
	return p.oauth2.AuthCodeURL(req.State, opts...)
}

// Exchange redeems the upstream code and validates the returned ID token.
func (p *OIDCProvider) Exchange(ctx context.Context, code, codeVerifier, nonce, redirectURI string) (*Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, p.config.timeout())
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	opts := []oauth2.AuthCodeOption{oauth2.VerifierOption(codeVerifier)}
	if redirectURI != "" {
		opts = append(opts, oauth2.SetAuthURLParam("redirect_uri", redirectURI))
	}
	tok, err := p.oauth2.Exchange(ctx, code, opts...)
	if err != nil {
		if isTimeout(err) {
			return nil, &ExchangeError{Kind: KindTimeout, Err: err}
		}
		return nil, &ExchangeError{Kind: KindExchangeFailed, Err: err}
	}

	rawIDToken, _ := tok.Extra("id_token").(string)
	if rawIDToken == "" {
		return nil, &ExchangeError{Kind: KindMissingIDToken}
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		if isTimeout(err) {
			return nil, &ExchangeError{Kind: KindTimeout, Err: err}
		}
		return nil, &ExchangeError{Kind: KindInvalidIDToken, Err: err}
	}
	if idToken.Nonce == "" || idToken.Nonce != nonce {
		return nil, &ExchangeError{Kind: KindNonceMismatch}
	}

	var claims struct {
		SID      string   `json:"sid"`
		ACR      string   `json:"acr"`
		AMR      []string `json:"amr"`
		AuthTime float64  `json:"auth_time"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, &ExchangeError{Kind: KindInvalidIDToken, Err: err}
	}

	authTime := idToken.IssuedAt
	if claims.AuthTime > 0 {
		authTime = time.Unix(int64(claims.AuthTime), 0)
	}

	slog.Debug("upstream code exchange successful", "issuer", idToken.Issuer, "acr", claims.ACR)

	return &Identity{
		Issuer:   idToken.Issuer,
		Subject:  idToken.Subject,
		SID:      claims.SID,
		ACR:      claims.ACR,
		AMR:      claims.AMR,
		AuthTime: authTime,
		IDToken:  rawIDToken,
	}, nil
}

// EndSessionURL builds the upstream RP-initiated logout URL.
func (p *OIDCProvider) EndSessionURL(idTokenHint, postLogoutRedirectURI, state string) (string, bool) {
	if p.endpoints.EndSessionEndpoint == "" {
		return "", false
	}
	u, err := url.Parse(p.endpoints.EndSessionEndpoint)
	if err != nil {
		return "", false
	}

	q := u.Query()
	q.Set("client_id", p.config.ClientID)
	if idTokenHint != "" {
		q.Set("id_token_hint", idTokenHint)
	}
	if postLogoutRedirectURI != "" {
		q.Set("post_logout_redirect_uri", postLogoutRedirectURI)
	}
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String(), true
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// validateDiscoveryDocument checks the fields go-oidc does not validate.
// Issuer equality is enforced by oidc.NewProvider.
func validateDiscoveryDocument(doc *discoveryDocument, expectedIssuer string) error {
	if doc.AuthorizationEndpoint == "" {
		return errors.New("authorization_endpoint is required")
	}
	if doc.TokenEndpoint == "" {
		return errors.New("token_endpoint is required")
	}
	if doc.JWKSURI == "" {
		return errors.New("jwks_uri is required")
	}

	endpoints := map[string]string{
		"authorization_endpoint": doc.AuthorizationEndpoint,
		"token_endpoint":         doc.TokenEndpoint,
		"jwks_uri":               doc.JWKSURI,
		"end_session_endpoint":   doc.EndSessionEndpoint,
	}
	for name, endpoint := range endpoints {
		if endpoint == "" {
			continue
		}
		if err := validateEndpointOrigin(endpoint, expectedIssuer); err != nil {
			return fmt.Errorf("%s origin mismatch: %w", name, err)
		}
	}
	return nil
}

// validateEndpointOrigin enforces scheme consistency between an endpoint
// and the issuer. Hosts may differ; large providers serve endpoints from
// other domains than their issuer.
func validateEndpointOrigin(endpoint, issuer string) error {
	endpointURL, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint URL: %w", err)
	}
	issuerURL, err := url.Parse(issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	if networking.IsLocalhost(issuerURL.Host) {
		if !networking.IsLocalhost(endpointURL.Host) {
			return fmt.Errorf("host mismatch: issuer is localhost but endpoint host is %q", endpointURL.Host)
		}
		return nil
	}

	if endpointURL.Scheme != networking.HttpsScheme {
		return fmt.Errorf("scheme mismatch: issuer uses HTTPS but endpoint uses %q", endpointURL.Scheme)
	}
	return nil
}

var _ Provider = (*OIDCProvider)(nil)

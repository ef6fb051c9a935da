// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"k8s.io/utils/clock"

	"github.com/stacklok/fedauth/pkg/authserver/metrics"
	"github.com/stacklok/fedauth/pkg/authserver/protocol"
	"github.com/stacklok/fedauth/pkg/authserver/server/crypto"
	"github.com/stacklok/fedauth/pkg/authserver/server/handlers"
	"github.com/stacklok/fedauth/pkg/authserver/server/keys"
	"github.com/stacklok/fedauth/pkg/authserver/storage"
	"github.com/stacklok/fedauth/pkg/authserver/token"
	"github.com/stacklok/fedauth/pkg/authserver/upstream"
)

// Server is the assembled authorization server.
type Server struct {
	config   Config
	engine   *protocol.Engine
	storage  storage.Storage
	certs    keys.CertificateProvider
	registry *prometheus.Registry
	handler  http.Handler
}

type options struct {
	clock    clock.PassiveClock
	upstream upstream.Provider
	storage  storage.Storage
	users    protocol.UserProfileService
	legacy   protocol.LegacyTicketDecryptor
}

// Option customizes New.
type Option func(*options)

// WithClock replaces the real clock.
func WithClock(clk clock.PassiveClock) Option {
	return func(o *options) { o.clock = clk }
}

// WithUpstream uses p instead of discovering cfg.Upstream.
func WithUpstream(p upstream.Provider) Option {
	return func(o *options) { o.upstream = p }
}

// WithStorage uses stor instead of creating the backend from cfg.Storage.
// The server takes ownership and closes it.
func WithStorage(stor storage.Storage) Option {
	return func(o *options) { o.storage = stor }
}

// WithUserProfileService replaces the storage-backed user profiles.
func WithUserProfileService(users protocol.UserProfileService) Option {
	return func(o *options) { o.users = users }
}

// WithLegacyTicketDecryptor enables the legacy fallback of /refresh.
func WithLegacyTicketDecryptor(legacy protocol.LegacyTicketDecryptor) Option {
	return func(o *options) { o.legacy = legacy }
}

// New validates cfg and assembles the server: storage, signing keys,
// upstream discovery, the protocol engine and the HTTP routes.
func New(ctx context.Context, cfg Config, opts ...Option) (*Server, error) {
	o := &options{clock: clock.RealClock{}}
	for _, opt := range opts {
		opt(o)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	slog.Debug("creating authorization server", "issuer", cfg.Issuer)

	secrets, err := loadSecrets(cfg.HMACSecretFiles)
	if err != nil {
		return nil, err
	}

	certs, err := keys.NewProviderFromConfig(cfg.Keys, o.clock)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing certificates: %w", err)
	}
	minter, err := token.NewMinter(token.Config{
		Issuer:              cfg.Issuer,
		AccessTokenLifetime: cfg.Tokens.AccessTokenTTL,
		IDTokenLifetime:     cfg.Tokens.IDTokenTTL,
		RolloverDelay:       cfg.Keys.RolloverDelay,
	}, certs, o.clock)
	if err != nil {
		return nil, fmt.Errorf("failed to create token minter: %w", err)
	}

	up := o.upstream
	if up == nil {
		up, err = upstream.NewOIDCProvider(ctx, cfg.Upstream)
		if err != nil {
			return nil, err
		}
	}

	stor := o.storage
	if stor == nil {
		stor, err = storage.New(ctx, &cfg.Storage, o.clock)
		if err != nil {
			return nil, fmt.Errorf("failed to create storage: %w", err)
		}
	}
	// Everything below must close stor on failure.
	srv, err := assemble(ctx, cfg, o, stor, up, minter, certs, secrets)
	if err != nil {
		_ = stor.Close()
		return nil, err
	}
	return srv, nil
}

func assemble(
	ctx context.Context,
	cfg Config,
	o *options,
	stor storage.Storage,
	up upstream.Provider,
	minter *token.Minter,
	certs keys.CertificateProvider,
	secrets *crypto.HMACSecrets,
) (*Server, error) {
	if err := registerClients(ctx, stor, cfg.Clients); err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(registry)
	if err != nil {
		return nil, err
	}

	engine, err := protocol.NewEngine(cfg.protocolConfig(), protocol.Dependencies{
		Storage:  stor,
		Upstream: up,
		Minter:   minter,
		Secrets:  secrets,
		Users:    o.users,
		Legacy:   o.legacy,
		Metrics:  m,
		Clock:    o.clock,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create protocol engine: %w", err)
	}

	basePath := cfg.BasePath()
	h := handlers.NewHandler(engine, certs, handlers.Config{
		LegacyTicketCookie: cfg.Session.LegacyTicketCookie,
	}, o.clock)

	srv := &Server{
		config:   cfg,
		engine:   engine,
		storage:  stor,
		certs:    certs,
		registry: registry,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/health", srv.healthHandler)
	r.Method(http.MethodGet, "/metrics", metrics.Handler(registry))
	if basePath == "" {
		h.ProtocolRoutes(r)
		h.WellKnownRoutes(r)
	} else {
		r.Mount(basePath, h.Routes())
	}
	srv.handler = r
	return srv, nil
}

// loadSecrets reads the HMAC secrets, or generates an ephemeral one.
func loadSecrets(paths []string) (*crypto.HMACSecrets, error) {
	secrets, err := crypto.LoadHMACSecrets(paths)
	if err != nil {
		return nil, err
	}
	if secrets != nil {
		return secrets, nil
	}
	slog.Warn("no HMAC secret configured - generated an ephemeral one; sessions and refresh tokens will not survive a restart")
	secret := make([]byte, crypto.MinHMACKeyLength)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate HMAC secret: %w", err)
	}
	return &crypto.HMACSecrets{Current: secret}, nil
}

func registerClients(ctx context.Context, stor storage.ClientRegistry, clients []ClientConfig) error {
	for i := range clients {
		if err := stor.RegisterClient(ctx, clients[i].toStorage()); err != nil {
			return fmt.Errorf("failed to register client %s: %w", clients[i].ID, err)
		}
	}
	slog.Debug("registered clients", "count", len(clients))
	return nil
}

// Handler returns the HTTP handler serving every endpoint. Protocol
// endpoints live under the issuer's path; /health and /metrics are at the
// root.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Engine returns the protocol engine.
func (s *Server) Engine() *protocol.Engine {
	return s.engine
}

// Storage returns the storage backend.
func (s *Server) Storage() storage.Storage {
	return s.storage
}

// Run performs background maintenance until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	if cache, ok := s.certs.(*keys.CachingProvider); ok {
		cache.Run(ctx)
		return nil
	}
	<-ctx.Done()
	return nil
}

// Close releases resources held by the server.
func (s *Server) Close() error {
	if err := s.storage.Close(); err != nil {
		return fmt.Errorf("failed to close storage: %w", err)
	}
	return nil
}

func (s *Server) healthHandler(w http.ResponseWriter, req *http.Request) {
	if err := s.storage.Health(req.Context()); err != nil {
		slog.Warn("health check failed", "error", err)
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("OK"))
}

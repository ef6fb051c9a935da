// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"context"
	"log/slog"
	"net/url"
	"slices"
	"strings"

	"github.com/stacklok/fedauth/pkg/authserver/storage"
	"github.com/stacklok/fedauth/pkg/authserver/upstream"
)

// StartApplicationLogin begins an upstream login on behalf of an
// application that is not an OIDC client. After the callback the browser
// returns to gotoURL with a session cookie. gotoURL must be absolute and
// point at a configured return host.
func (e *Engine) StartApplicationLogin(ctx context.Context, gotoURL string) (string, error) {
	if err := e.validateReturnURL(gotoURL); err != nil {
		return "", err
	}

	location, err := e.startUpstreamLogin(ctx, &storage.UpstreamLoginTransaction{ReturnURL: gotoURL}, upstream.AuthorizationRequest{})
	if err != nil {
		return "", serverError("failed to start login", err)
	}
	slog.Debug("application login started")
	return location, nil
}

func (e *Engine) validateReturnURL(raw string) error {
	if raw == "" {
		return badRequest("goto is required", nil)
	}
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return badRequest("goto must be an absolute URL", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return badRequest("goto must be an http(s) URL", nil)
	}
	host := strings.ToLower(u.Hostname())
	if !slices.ContainsFunc(e.cfg.ReturnHosts, func(h string) bool { return strings.EqualFold(h, host) }) {
		return badRequest("goto host is not allowed", nil)
	}
	return nil
}

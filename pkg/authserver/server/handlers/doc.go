// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package handlers provides the HTTP layer of the authorization server.
//
// The handlers translate requests into calls on protocol.Engine and
// render its results:
//   - GET /authorize, GET /login and GET /upstream/callback redirect the browser
//   - POST /token returns JSON token responses and RFC 6749 errors
//   - GET /refresh returns a bare access token for cookie callers
//   - GET /logout and GET /upstream/frontchannel-logout end sessions
//   - GET /.well-known/openid-configuration and GET /jwks publish metadata
//
// Errors without a trusted redirect target are rendered as a small HTML
// page, or as JSON when the client asks for application/json.
package handlers

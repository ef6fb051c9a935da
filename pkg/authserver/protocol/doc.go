// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

/*
Package protocol implements the OpenID Connect flows of the authorization
server: the authorize endpoint, the upstream callback, the token endpoint,
the cookie keep-alive and logout.

The Engine is transport agnostic. HTTP handlers in server/handlers parse
requests into the input types of this package and render the results:

  - *LocalError is shown to the browser because no trusted redirect target
    is known.
  - *RedirectError is delivered to a verified redirect_uri.
  - Token endpoint failures are *fosite.RFC6749Error values.

Federation to the upstream identity provider goes through upstream.Provider.
All persistent state lives behind storage.Storage; the Engine itself keeps
no mutable state and is safe for concurrent use.
*/
package protocol

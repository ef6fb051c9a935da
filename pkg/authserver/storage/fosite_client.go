// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/json"
	"log/slog"

	"github.com/go-jose/go-jose/v3"
	"github.com/ory/fosite"
)

var _ fosite.OpenIDConnectClient = (*Client)(nil)

// GetID returns the client id.
func (c *Client) GetID() string {
	return c.ID
}

// GetHashedSecret returns the encoded PBKDF2 secret hash.
func (c *Client) GetHashedSecret() []byte {
	return []byte(c.SecretHash)
}

// GetRedirectURIs returns the registered redirect URIs.
func (c *Client) GetRedirectURIs() []string {
	return c.RedirectURIs
}

// GetGrantTypes returns the grants every client may use.
func (*Client) GetGrantTypes() fosite.Arguments {
	return fosite.Arguments{"authorization_code", "refresh_token"}
}

// GetResponseTypes returns the only supported response type.
func (*Client) GetResponseTypes() fosite.Arguments {
	return fosite.Arguments{"code"}
}

// GetScopes returns the allowed scopes.
func (c *Client) GetScopes() fosite.Arguments {
	return c.AllowedScopes
}

// IsPublic reports whether the client authenticates with method none.
func (c *Client) IsPublic() bool {
	return c.AuthMethod == AuthMethodNone
}

// GetAudience returns nil; access token audiences are not client bound.
func (*Client) GetAudience() fosite.Arguments {
	return nil
}

// GetRequestURIs returns nil; request_uri is not supported.
func (*Client) GetRequestURIs() []string {
	return nil
}

// GetJSONWebKeys decodes the registered JWKS. Keys registered without a
// use are treated as signing keys.
func (c *Client) GetJSONWebKeys() *jose.JSONWebKeySet {
	if c.JWKS == "" {
		return nil
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal([]byte(c.JWKS), &set); err != nil {
		slog.Warn("ignoring malformed client JWKS", "client_id", c.ID, "error", err)
		return nil
	}
	for i := range set.Keys {
		if set.Keys[i].Use == "" {
			set.Keys[i].Use = "sig"
		}
	}
	return &set
}

// GetJSONWebKeysURI returns an empty string; keys are registered inline.
func (*Client) GetJSONWebKeysURI() string {
	return ""
}

// GetRequestObjectSigningAlgorithm returns an empty string; request
// objects are not supported.
func (*Client) GetRequestObjectSigningAlgorithm() string {
	return ""
}

// GetTokenEndpointAuthMethod returns the registered authentication method.
func (c *Client) GetTokenEndpointAuthMethod() string {
	return string(c.AuthMethod)
}

// GetTokenEndpointAuthSigningAlgorithm returns the algorithm of the first
// signing key in the JWKS. Without an explicit alg it follows the key type.
func (c *Client) GetTokenEndpointAuthSigningAlgorithm() string {
	set := c.GetJSONWebKeys()
	if set == nil {
		return ""
	}
	for _, key := range set.Keys {
		if key.Use != "sig" {
			continue
		}
		if key.Algorithm != "" {
			return key.Algorithm
		}
		return defaultKeyAlgorithm(key.Key)
	}
	return ""
}

func defaultKeyAlgorithm(key any) string {
	switch k := key.(type) {
	case *rsa.PublicKey:
		return string(jose.RS256)
	case *ecdsa.PublicKey:
		switch k.Curve {
		case elliptic.P384():
			return string(jose.ES384)
		case elliptic.P521():
			return string(jose.ES512)
		default:
			return string(jose.ES256)
		}
	default:
		return ""
	}
}

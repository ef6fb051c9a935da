// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package testkit

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noRedirect(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}

func TestOIDCServer_Discovery(t *testing.T) {
	t.Parallel()

	s := NewOIDCServer(t, "client")
	resp, err := http.Get(s.Issuer + "/.well-known/openid-configuration")
	require.NoError(t, err)
	defer resp.Body.Close()

	var doc map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	assert.Equal(t, s.Issuer, doc["issuer"])
	assert.Equal(t, s.Issuer+"/logout", doc["end_session_endpoint"])

	bare := NewOIDCServer(t, "client", WithoutEndSession())
	resp2, err := http.Get(bare.Issuer + "/.well-known/openid-configuration")
	require.NoError(t, err)
	defer resp2.Body.Close()
	doc = nil
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&doc))
	assert.NotContains(t, doc, "end_session_endpoint")
}

func TestOIDCServer_AuthorizeAndToken(t *testing.T) {
	t.Parallel()

	s := NewOIDCServer(t, "client")
	client := &http.Client{CheckRedirect: noRedirect}
	verifier := strings.Repeat("v", 43)

	q := url.Values{
		"client_id":      {"client"},
		"redirect_uri":   {"http://localhost/cb"},
		"state":          {"st"},
		"nonce":          {"n"},
		"code_challenge": {s256(verifier)},
	}
	resp, err := client.Get(s.Issuer + "/authorize?" + q.Encode())
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "st", loc.Query().Get("state"))
	code := loc.Query().Get("code")
	require.NotEmpty(t, code)
	assert.Equal(t, "n", s.LastAuthorizeRequest().Get("nonce"))

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {"client"},
		"code":          {code},
		"redirect_uri":  {"http://localhost/cb"},
		"code_verifier": {"wrong"},
	}
	resp, err = http.PostForm(s.Issuer+"/token", form)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "wrong verifier and the code is burned")

	code = s.IssueCode("n", s256(verifier), "http://localhost/cb")
	form.Set("code", code)
	form.Set("code_verifier", verifier)
	resp, err = http.PostForm(s.Issuer+"/token", form)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotEmpty(t, body["id_token"])
	assert.Equal(t, 2, s.TokenRequests())
}

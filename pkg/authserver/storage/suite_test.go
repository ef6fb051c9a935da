// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

// storeFactory builds a fresh, empty backend driven by clk.
type storeFactory func(t *testing.T, clk *clocktesting.FakeClock) Storage

var suiteEpoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// runStorageSuite runs the behaviour every backend must share.
//
//nolint:paralleltest // subtests call t.Parallel via the run helper
func runStorageSuite(t *testing.T, newStore storeFactory) {
	t.Helper()

	run := func(name string, fn func(t *testing.T, ctx context.Context, s Storage, clk *clocktesting.FakeClock)) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			clk := clocktesting.NewFakeClock(suiteEpoch)
			s := newStore(t, clk)
			t.Cleanup(func() { _ = s.Close() })
			fn(t, t.Context(), s, clk)
		})
	}

	run("client registry", func(t *testing.T, ctx context.Context, s Storage, _ *clocktesting.FakeClock) {
		_, err := s.GetClient(ctx, "missing")
		require.ErrorIs(t, err, ErrNotFound)

		client := &Client{
			ID:                     "app",
			RedirectURIs:           []string{"https://app.example.com/cb"},
			PostLogoutRedirectURIs: []string{"https://app.example.com/bye"},
			AllowedScopes:          []string{"openid", "profile"},
			Type:                   ClientTypeConfidential,
			AuthMethod:             AuthMethodClientSecretBasic,
			SecretHash:             "pbkdf2-sha256$1000$c2FsdA$aGFzaA",
			SecretExpiresAt:        suiteEpoch.Add(24 * time.Hour),
		}
		require.NoError(t, s.RegisterClient(ctx, client))

		got, err := s.GetClient(ctx, "app")
		require.NoError(t, err)
		assert.Equal(t, client.RedirectURIs, got.RedirectURIs)
		assert.Equal(t, client.PostLogoutRedirectURIs, got.PostLogoutRedirectURIs)
		assert.Equal(t, client.AllowedScopes, got.AllowedScopes)
		assert.Equal(t, client.AuthMethod, got.AuthMethod)
		assert.Equal(t, client.SecretHash, got.SecretHash)
		assert.True(t, client.SecretExpiresAt.Equal(got.SecretExpiresAt))

		client.AllowedScopes = []string{"openid"}
		require.NoError(t, s.RegisterClient(ctx, client))
		got, err = s.GetClient(ctx, "app")
		require.NoError(t, err)
		assert.Equal(t, []string{"openid"}, got.AllowedScopes)
	})

	run("login transaction expiry", func(t *testing.T, ctx context.Context, s Storage, clk *clocktesting.FakeClock) {
		maxAge := int64(300)
		tx := &LoginTransaction{
			RequestID:           "req-1",
			ClientID:            "app",
			RedirectURI:         "https://app.example.com/cb",
			Scopes:              []string{"openid"},
			State:               "state",
			Nonce:               "nonce",
			CodeChallenge:       "challenge",
			CodeChallengeMethod: "S256",
			MaxAge:              &maxAge,
			CreatedAt:           clk.Now(),
			ExpiresAt:           clk.Now().Add(10 * time.Minute),
		}
		require.NoError(t, s.CreateLoginTransaction(ctx, tx))
		require.ErrorIs(t, s.CreateLoginTransaction(ctx, tx), ErrAlreadyExists)

		got, err := s.GetLoginTransaction(ctx, "req-1")
		require.NoError(t, err)
		assert.Equal(t, "state", got.State)
		require.NotNil(t, got.MaxAge)
		assert.Equal(t, int64(300), *got.MaxAge)

		clk.Step(11 * time.Minute)
		_, err = s.GetLoginTransaction(ctx, "req-1")
		require.ErrorIs(t, err, ErrExpired)
		assert.True(t, IsMissing(err))

		require.NoError(t, s.DeleteLoginTransaction(ctx, "req-1"))
		_, err = s.GetLoginTransaction(ctx, "req-1")
		require.ErrorIs(t, err, ErrNotFound)
	})

	run("upstream transaction is consumed once", func(t *testing.T, ctx context.Context, s Storage, clk *clocktesting.FakeClock) {
		tx := &UpstreamLoginTransaction{
			UpstreamState: "up-state",
			RequestID:     "req-1",
			CodeVerifier:  "verifier",
			Nonce:         "up-nonce",
			Scopes:        []string{"openid"},
			CreatedAt:     clk.Now(),
			ExpiresAt:     clk.Now().Add(10 * time.Minute),
		}
		require.NoError(t, s.CreateUpstreamTransaction(ctx, tx))

		got, err := s.ConsumeUpstreamTransaction(ctx, "up-state")
		require.NoError(t, err)
		assert.Equal(t, "verifier", got.CodeVerifier)
		assert.Equal(t, "req-1", got.RequestID)

		_, err = s.ConsumeUpstreamTransaction(ctx, "up-state")
		require.ErrorIs(t, err, ErrNotFound)
	})

	run("expired upstream transaction", func(t *testing.T, ctx context.Context, s Storage, clk *clocktesting.FakeClock) {
		require.NoError(t, s.CreateUpstreamTransaction(ctx, &UpstreamLoginTransaction{
			UpstreamState: "old",
			CreatedAt:     clk.Now(),
			ExpiresAt:     clk.Now().Add(time.Minute),
		}))
		clk.Step(2 * time.Minute)
		_, err := s.ConsumeUpstreamTransaction(ctx, "old")
		require.ErrorIs(t, err, ErrExpired)
	})

	run("authorization code single use", func(t *testing.T, ctx context.Context, s Storage, clk *clocktesting.FakeClock) {
		code := testCode("code-1", clk.Now().Add(time.Minute))
		require.NoError(t, s.CreateAuthorizationCode(ctx, code))
		require.ErrorIs(t, s.CreateAuthorizationCode(ctx, code), ErrAlreadyExists)

		got, err := s.ConsumeAuthorizationCode(ctx, "code-1", clk.Now())
		require.NoError(t, err)
		assert.Equal(t, "sid-1", got.SID)
		assert.Equal(t, []string{"openid", "profile"}, got.Scopes)
		assert.False(t, got.ConsumedAt.IsZero())

		_, err = s.ConsumeAuthorizationCode(ctx, "code-1", clk.Now())
		require.ErrorIs(t, err, ErrAlreadyConsumed)

		_, err = s.ConsumeAuthorizationCode(ctx, "nope", clk.Now())
		require.ErrorIs(t, err, ErrNotFound)
	})

	run("expired authorization code", func(t *testing.T, ctx context.Context, s Storage, clk *clocktesting.FakeClock) {
		require.NoError(t, s.CreateAuthorizationCode(ctx, testCode("code-2", clk.Now().Add(time.Minute))))
		clk.Step(61 * time.Second)
		_, err := s.ConsumeAuthorizationCode(ctx, "code-2", clk.Now())
		require.ErrorIs(t, err, ErrExpired)
	})

	run("concurrent code redemption has one winner", func(t *testing.T, ctx context.Context, s Storage, clk *clocktesting.FakeClock) {
		require.NoError(t, s.CreateAuthorizationCode(ctx, testCode("race", clk.Now().Add(time.Minute))))

		const workers = 16
		var (
			wg        sync.WaitGroup
			successes atomic.Int32
			consumed  atomic.Int32
		)
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.ConsumeAuthorizationCode(ctx, "race", clk.Now())
				if err == nil {
					successes.Add(1)
					return
				}
				if assert.ErrorIs(t, err, ErrAlreadyConsumed) {
					consumed.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), successes.Load())
		assert.Equal(t, int32(workers-1), consumed.Load())
	})

	run("session lifecycle", func(t *testing.T, ctx context.Context, s Storage, clk *clocktesting.FakeClock) {
		session := testSession("sid-1", clk.Now())
		require.NoError(t, s.CreateSession(ctx, session))
		require.ErrorIs(t, s.CreateSession(ctx, session), ErrAlreadyExists)

		got, err := s.GetSession(ctx, "sid-1")
		require.NoError(t, err)
		assert.Equal(t, "user-1", got.SubjectID)
		assert.Equal(t, "upstream-id-token", got.UpstreamIDToken)
		assert.Equal(t, []string{"app"}, got.ClientIDsSeen)

		require.NoError(t, s.AddSessionClient(ctx, "sid-1", "other"))
		require.NoError(t, s.AddSessionClient(ctx, "sid-1", "other"))
		got, err = s.GetSession(ctx, "sid-1")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"app", "other"}, got.ClientIDsSeen)

		newExpiry := clk.Now().Add(2 * time.Hour)
		require.NoError(t, s.ExtendSession(ctx, "sid-1", newExpiry))
		got, err = s.GetSession(ctx, "sid-1")
		require.NoError(t, err)
		assert.True(t, newExpiry.Equal(got.ExpiresAt), "expected %v, got %v", newExpiry, got.ExpiresAt)

		require.NoError(t, s.DeleteSession(ctx, "sid-1"))
		require.NoError(t, s.DeleteSession(ctx, "sid-1"), "delete must be idempotent")
		_, err = s.GetSession(ctx, "sid-1")
		require.ErrorIs(t, err, ErrNotFound)
		require.ErrorIs(t, s.ExtendSession(ctx, "sid-1", newExpiry), ErrNotFound)
		require.ErrorIs(t, s.AddSessionClient(ctx, "sid-1", "app"), ErrNotFound)
	})

	run("expired session is absent", func(t *testing.T, ctx context.Context, s Storage, clk *clocktesting.FakeClock) {
		require.NoError(t, s.CreateSession(ctx, testSession("sid-exp", clk.Now())))
		clk.Step(2 * time.Hour)
		_, err := s.GetSession(ctx, "sid-exp")
		require.ErrorIs(t, err, ErrNotFound)
		require.ErrorIs(t, s.ExtendSession(ctx, "sid-exp", clk.Now().Add(time.Hour)), ErrNotFound)
		require.ErrorIs(t, s.AddSessionClient(ctx, "sid-exp", "app"), ErrNotFound)
	})

	run("find sessions by upstream", func(t *testing.T, ctx context.Context, s Storage, clk *clocktesting.FakeClock) {
		a := testSession("sid-a", clk.Now())
		b := testSession("sid-b", clk.Now())
		c := testSession("sid-c", clk.Now())
		c.UpstreamSessionSID = "other-upstream-sid"
		for _, sess := range []*Session{a, b, c} {
			require.NoError(t, s.CreateSession(ctx, sess))
		}

		sids, err := s.FindSessionsByUpstream(ctx, "https://idp.example.com", "upstream-sid")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"sid-a", "sid-b"}, sids)

		require.NoError(t, s.DeleteSession(ctx, "sid-a"))
		sids, err = s.FindSessionsByUpstream(ctx, "https://idp.example.com", "upstream-sid")
		require.NoError(t, err)
		assert.Equal(t, []string{"sid-b"}, sids)

		sids, err = s.FindSessionsByUpstream(ctx, "https://other.example.com", "upstream-sid")
		require.NoError(t, err)
		assert.Empty(t, sids)
	})

	run("refresh token rotation", func(t *testing.T, ctx context.Context, s Storage, clk *clocktesting.FakeClock) {
		gen0 := testRefreshToken("lk-0", "chain-1", 0, clk.Now())
		require.NoError(t, s.CreateRefreshToken(ctx, gen0))
		require.ErrorIs(t, s.CreateRefreshToken(ctx, gen0), ErrAlreadyExists)

		got, err := s.GetRefreshToken(ctx, "lk-0")
		require.NoError(t, err)
		assert.True(t, got.Active())
		assert.Equal(t, gen0.Hash, got.Hash)
		assert.Equal(t, gen0.Salt, got.Salt)
		assert.Equal(t, gen0.Iterations, got.Iterations)
		assert.True(t, gen0.MaxChainExpiresAt.Equal(got.MaxChainExpiresAt))

		gen1 := testRefreshToken("lk-1", "chain-1", 1, clk.Now())
		require.NoError(t, s.RotateRefreshToken(ctx, "lk-0", clk.Now(), gen1))

		got, err = s.GetRefreshToken(ctx, "lk-0")
		require.NoError(t, err)
		assert.False(t, got.Active())
		assert.False(t, got.RotatedAt.IsZero())

		got, err = s.GetRefreshToken(ctx, "lk-1")
		require.NoError(t, err)
		assert.True(t, got.Active())
		assert.Equal(t, 1, got.Generation)

		gen2 := testRefreshToken("lk-2", "chain-1", 2, clk.Now())
		require.ErrorIs(t, s.RotateRefreshToken(ctx, "lk-0", clk.Now(), gen2), ErrAlreadyRotated)
		_, err = s.GetRefreshToken(ctx, "lk-2")
		require.ErrorIs(t, err, ErrNotFound, "losing rotation must not insert the next generation")

		require.ErrorIs(t, s.RotateRefreshToken(ctx, "missing", clk.Now(), gen2), ErrNotFound)
	})

	run("concurrent rotation has one winner", func(t *testing.T, ctx context.Context, s Storage, clk *clocktesting.FakeClock) {
		require.NoError(t, s.CreateRefreshToken(ctx, testRefreshToken("lk-race", "chain-race", 0, clk.Now())))

		const workers = 16
		var (
			wg        sync.WaitGroup
			successes atomic.Int32
		)
		for i := range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				next := testRefreshToken(fmt.Sprintf("lk-next-%d", i), "chain-race", 1, clk.Now())
				err := s.RotateRefreshToken(ctx, "lk-race", clk.Now(), next)
				if err == nil {
					successes.Add(1)
					return
				}
				assert.ErrorIs(t, err, ErrAlreadyRotated)
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), successes.Load())
	})

	run("revoke chain and session", func(t *testing.T, ctx context.Context, s Storage, clk *clocktesting.FakeClock) {
		require.NoError(t, s.CreateRefreshToken(ctx, testRefreshToken("c1-0", "chain-a", 0, clk.Now())))
		require.NoError(t, s.RotateRefreshToken(ctx, "c1-0", clk.Now(), testRefreshToken("c1-1", "chain-a", 1, clk.Now())))
		other := testRefreshToken("c2-0", "chain-b", 0, clk.Now())
		other.SID = "sid-2"
		require.NoError(t, s.CreateRefreshToken(ctx, other))

		require.NoError(t, s.RevokeRefreshTokenChain(ctx, "chain-a", clk.Now()))
		for _, lk := range []string{"c1-0", "c1-1"} {
			got, err := s.GetRefreshToken(ctx, lk)
			require.NoError(t, err)
			assert.False(t, got.RevokedAt.IsZero(), lk)
		}
		got, err := s.GetRefreshToken(ctx, "c2-0")
		require.NoError(t, err)
		assert.True(t, got.Active())

		require.ErrorIs(t, s.RotateRefreshToken(ctx, "c1-1", clk.Now(), testRefreshToken("c1-2", "chain-a", 2, clk.Now())), ErrAlreadyRotated)

		require.NoError(t, s.RevokeSessionRefreshTokens(ctx, "sid-2", clk.Now()))
		got, err = s.GetRefreshToken(ctx, "c2-0")
		require.NoError(t, err)
		assert.False(t, got.Active())
	})

	run("commit login", func(t *testing.T, ctx context.Context, s Storage, clk *clocktesting.FakeClock) {
		require.NoError(t, s.CreateLoginTransaction(ctx, &LoginTransaction{
			RequestID: "req-commit",
			ClientID:  "app",
			CreatedAt: clk.Now(),
			ExpiresAt: clk.Now().Add(10 * time.Minute),
		}))
		code := testCode("code-commit", clk.Now().Add(time.Minute))
		code.RequestID = "req-commit"
		code.SID = "sid-commit"

		require.NoError(t, s.CommitLogin(ctx, testSession("sid-commit", clk.Now()), code))

		_, err := s.GetSession(ctx, "sid-commit")
		require.NoError(t, err)
		_, err = s.GetLoginTransaction(ctx, "req-commit")
		require.ErrorIs(t, err, ErrNotFound)
		got, err := s.ConsumeAuthorizationCode(ctx, "code-commit", clk.Now())
		require.NoError(t, err)
		assert.Equal(t, "sid-commit", got.SID)

		require.NoError(t, s.CommitLogin(ctx, testSession("sid-app-only", clk.Now()), nil))
		_, err = s.GetSession(ctx, "sid-app-only")
		require.NoError(t, err)
	})

	run("commit login with cancelled context writes nothing", func(t *testing.T, ctx context.Context, s Storage, clk *clocktesting.FakeClock) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		err := s.CommitLogin(cancelled, testSession("sid-cancel", clk.Now()), testCode("code-cancel", clk.Now().Add(time.Minute)))
		require.Error(t, err)

		_, err = s.GetSession(ctx, "sid-cancel")
		require.ErrorIs(t, err, ErrNotFound)
		_, err = s.ConsumeAuthorizationCode(ctx, "code-cancel", clk.Now())
		require.ErrorIs(t, err, ErrNotFound)
	})

	run("users", func(t *testing.T, ctx context.Context, s Storage, clk *clocktesting.FakeClock) {
		_, err := s.GetUserByExternalID(ctx, "https://idp.example.com:alice")
		require.ErrorIs(t, err, ErrNotFound)

		user := &User{ID: "u-1", ExternalID: "https://idp.example.com:alice", CreatedAt: clk.Now(), LastLoginAt: clk.Now()}
		require.NoError(t, s.CreateUser(ctx, user))

		dup := &User{ID: "u-2", ExternalID: user.ExternalID, CreatedAt: clk.Now()}
		require.ErrorIs(t, s.CreateUser(ctx, dup), ErrAlreadyExists)

		got, err := s.GetUserByExternalID(ctx, user.ExternalID)
		require.NoError(t, err)
		assert.Equal(t, "u-1", got.ID)

		later := clk.Now().Add(time.Hour)
		require.NoError(t, s.UpdateUserLastLogin(ctx, "u-1", later))
		got, err = s.GetUserByExternalID(ctx, user.ExternalID)
		require.NoError(t, err)
		assert.True(t, later.Equal(got.LastLoginAt))

		require.ErrorIs(t, s.UpdateUserLastLogin(ctx, "missing", later), ErrNotFound)
	})

	run("client assertion replay", func(t *testing.T, ctx context.Context, s Storage, clk *clocktesting.FakeClock) {
		require.NoError(t, s.MarkClientAssertionUsed(ctx, "jti-1", clk.Now().Add(time.Minute)))
		require.ErrorIs(t, s.MarkClientAssertionUsed(ctx, "jti-1", clk.Now().Add(time.Minute)), ErrAlreadyExists)
		require.NoError(t, s.MarkClientAssertionUsed(ctx, "jti-2", clk.Now().Add(time.Minute)))
	})

	run("health", func(t *testing.T, ctx context.Context, s Storage, _ *clocktesting.FakeClock) {
		require.NoError(t, s.Health(ctx))
	})
}

func testCode(code string, expiresAt time.Time) *AuthorizationCode {
	return &AuthorizationCode{
		Code:                code,
		RequestID:           "req-1",
		ClientID:            "app",
		SubjectID:           "user-1",
		SID:                 "sid-1",
		Nonce:               "nonce",
		ACR:                 "substantial",
		AMR:                 []string{"pwd"},
		AuthTime:            suiteEpoch,
		CodeChallenge:       "challenge",
		CodeChallengeMethod: "S256",
		RedirectURI:         "https://app.example.com/cb",
		Scopes:              []string{"openid", "profile"},
		ExpiresAt:           expiresAt,
	}
}

func testSession(sid string, now time.Time) *Session {
	return &Session{
		SID:                sid,
		SubjectID:          "user-1",
		ExternalID:         "https://idp.example.com:alice",
		UpstreamIssuer:     "https://idp.example.com",
		UpstreamSessionSID: "upstream-sid",
		UpstreamIDToken:    "upstream-id-token",
		ACR:                "substantial",
		AuthTime:           now,
		CreatedAt:          now,
		ExpiresAt:          now.Add(time.Hour),
		MaxExpiresAt:       now.Add(12 * time.Hour),
		ClientIDsSeen:      []string{"app"},
	}
}

func testRefreshToken(lookupKey, chainID string, generation int, now time.Time) *RefreshToken {
	return &RefreshToken{
		LookupKey:         lookupKey,
		Hash:              []byte("hash-" + lookupKey),
		Salt:              []byte("salt-" + lookupKey),
		Iterations:        1000,
		ChainID:           chainID,
		SID:               "sid-1",
		ClientID:          "app",
		SubjectID:         "user-1",
		Scopes:            []string{"openid", "offline_access"},
		Generation:        generation,
		IssuedAt:          now,
		ExpiresAt:         now.Add(24 * time.Hour),
		MaxChainExpiresAt: now.Add(30 * 24 * time.Hour),
	}
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authd Contributors

package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartpark/authd/internal/auth"
)

// memIdentityRepo is an in-memory auth.IdentityRepository.
type memIdentityRepo struct {
	mu   sync.Mutex
	byID map[ulid.ULID]*auth.Identity
}

func newMemIdentityRepo() *memIdentityRepo {
	return &memIdentityRepo{byID: make(map[ulid.ULID]*auth.Identity)}
}

func (r *memIdentityRepo) Create(_ context.Context, identity *auth.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.byID {
		if strings.EqualFold(existing.Email, identity.Email) {
			return auth.ErrEmailTaken
		}
	}
	cp := *identity
	r.byID[identity.ID] = &cp
	return nil
}

func (r *memIdentityRepo) GetByID(_ context.Context, id ulid.ULID) (*auth.Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	identity, ok := r.byID[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *identity
	return &cp, nil
}

func (r *memIdentityRepo) GetByEmail(_ context.Context, email string) (*auth.Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, identity := range r.byID {
		if strings.EqualFold(identity.Email, email) {
			cp := *identity
			return &cp, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (r *memIdentityRepo) Update(_ context.Context, identity *auth.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[identity.ID]; !ok {
		return auth.ErrNotFound
	}
	cp := *identity
	r.byID[identity.ID] = &cp
	return nil
}

func (r *memIdentityRepo) UpdatePassword(_ context.Context, id ulid.ULID, passwordHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	identity, ok := r.byID[id]
	if !ok {
		return auth.ErrNotFound
	}
	identity.PasswordHash = &passwordHash
	return nil
}

// memResetRepo is an in-memory auth.PasswordResetRepository.
type memResetRepo struct {
	mu     sync.Mutex
	resets map[ulid.ULID]*auth.PasswordReset
}

func newMemResetRepo() *memResetRepo {
	return &memResetRepo{resets: make(map[ulid.ULID]*auth.PasswordReset)}
}

func (r *memResetRepo) Create(_ context.Context, reset *auth.PasswordReset) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *reset
	r.resets[reset.ID] = &cp
	return nil
}

func (r *memResetRepo) GetByIdentity(_ context.Context, identityID ulid.ULID) (*auth.PasswordReset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var newest *auth.PasswordReset
	for _, reset := range r.resets {
		if reset.IdentityID != identityID {
			continue
		}
		if newest == nil || reset.CreatedAt.After(newest.CreatedAt) {
			newest = reset
		}
	}
	if newest == nil {
		return nil, auth.ErrNotFound
	}
	cp := *newest
	return &cp, nil
}

func (r *memResetRepo) DeleteByIdentity(_ context.Context, identityID ulid.ULID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, reset := range r.resets {
		if reset.IdentityID == identityID {
			delete(r.resets, id)
		}
	}
	return nil
}

func (r *memResetRepo) DeleteExpired(_ context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, reset := range r.resets {
		if reset.IsExpired() {
			delete(r.resets, id)
			n++
		}
	}
	return n, nil
}

// fakeHasher avoids bcrypt cost in HTTP tests.
type fakeHasher struct{}

func (fakeHasher) Hash(_ context.Context, password string) (string, error) {
	return "hashed:" + password, nil
}

func (fakeHasher) Verify(_ context.Context, password, secret string) bool {
	return secret == "hashed:"+password
}
func (fakeHasher) IsLegacyPlaintext(secret string) bool {
	return secret != "" && !strings.HasPrefix(secret, "hashed:") && !strings.HasPrefix(secret, "$2")
}

// fakeVerifier returns a fixed claim for one accepted token.
type fakeVerifier struct {
	accepted string
	claim    auth.FederatedIdentity
}

func (v *fakeVerifier) Verify(_ context.Context, rawToken string) (*auth.FederatedIdentity, error) {
	if rawToken != v.accepted {
		return nil, auth.ErrInvalidFederatedToken
	}
	claim := v.claim
	return &claim, nil
}

// recordNotifier captures dispatched notifications synchronously.
type recordNotifier struct {
	mu   sync.Mutex
	sent []struct{ to, subject, body string }
}

func (n *recordNotifier) Dispatch(to, subject, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, struct{ to, subject, body string }{to, subject, body})
}

func (n *recordNotifier) last() (struct{ to, subject, body string }, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.sent) == 0 {
		return struct{ to, subject, body string }{}, false
	}
	return n.sent[len(n.sent)-1], true
}

type fixture struct {
	server   *httptest.Server
	notifier *recordNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, &fakeVerifier{
		accepted: "good-google-token",
		claim:    auth.FederatedIdentity{Email: "fed@example.com", DisplayName: "Fed User"},
	})
}

func newFixtureWith(t *testing.T, verifier auth.FederatedVerifier) *fixture {
	t.Helper()

	identities := newMemIdentityRepo()
	resets := newMemResetRepo()
	hasher := fakeHasher{}
	notifier := &recordNotifier{}

	issuer, err := auth.NewTokenIssuer(auth.TokenConfig{
		Issuer:     "authd-test",
		Audience:   "authd-test-clients",
		SigningKey: []byte("0123456789abcdef0123456789abcdef"),
		TTL:        time.Hour,
	})
	require.NoError(t, err)

	resetSvc, err := auth.NewPasswordResetService(
		identities, resets, hasher,
		"http://localhost/reset", 15*time.Minute,
	)
	require.NoError(t, err)

	svc, err := auth.NewService(identities, hasher, issuer, verifier, resetSvc, notifier)
	require.NoError(t, err)

	handler := NewHandler(svc, nil, nil)
	router := NewRouter(handler, nil)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &fixture{server: server, notifier: notifier}
}

func (f *fixture) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(f.server.URL+path, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (f *fixture) register(t *testing.T, email, password string) {
	t.Helper()
	resp := f.post(t, "/api/auth/register", map[string]any{
		"fullName": "Ada Lovelace",
		"email":    email,
		"password": password,
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestRegister(t *testing.T) {
	f := newFixture(t)

	t.Run("creates account", func(t *testing.T) {
		resp := f.post(t, "/api/auth/register", map[string]any{
			"fullName":    "Ada Lovelace",
			"email":       "ada@example.com",
			"password":    "correct horse",
			"phoneNumber": "5551234567",
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		body := decodeBody[map[string]string](t, resp)
		assert.NotEmpty(t, body["id"])
		assert.Equal(t, "ada@example.com", body["email"])

		sent, ok := f.notifier.last()
		require.True(t, ok, "welcome notification should be dispatched")
		assert.Equal(t, "ada@example.com", sent.to)
		assert.Contains(t, sent.subject, "Welcome")
	})

	t.Run("duplicate email conflicts", func(t *testing.T) {
		resp := f.post(t, "/api/auth/register", map[string]any{
			"fullName": "Other Ada",
			"email":    "ADA@example.com",
			"password": "another pass",
		})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("invalid email rejected", func(t *testing.T) {
		resp := f.post(t, "/api/auth/register", map[string]any{
			"fullName": "Ada Lovelace",
			"email":    "not-an-email",
			"password": "correct horse",
		})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("malformed body rejected", func(t *testing.T) {
		resp, err := http.Post(f.server.URL+"/api/auth/register", "application/json",
			strings.NewReader("{not json"))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestLogin(t *testing.T) {
	f := newFixture(t)
	f.register(t, "grace@example.com", "enigma machine")

	t.Run("valid credentials return token", func(t *testing.T) {
		resp := f.post(t, "/api/auth/login", map[string]any{
			"email":    "grace@example.com",
			"password": "enigma machine",
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		body := decodeBody[map[string]string](t, resp)
		assert.NotEmpty(t, body["token"])
	})

	t.Run("wrong password unauthorized", func(t *testing.T) {
		resp := f.post(t, "/api/auth/login", map[string]any{
			"email":    "grace@example.com",
			"password": "wrong",
		})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("unknown email unauthorized", func(t *testing.T) {
		resp := f.post(t, "/api/auth/login", map[string]any{
			"email":    "nobody@example.com",
			"password": "whatever",
		})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

func TestGoogleLogin(t *testing.T) {
	f := newFixture(t)

	t.Run("valid token creates account and returns session", func(t *testing.T) {
		resp := f.post(t, "/api/auth/google-login", map[string]any{
			"idToken": "good-google-token",
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		body := decodeBody[map[string]string](t, resp)
		assert.NotEmpty(t, body["token"])
	})

	t.Run("repeat login reuses the account", func(t *testing.T) {
		resp := f.post(t, "/api/auth/google-login", map[string]any{
			"idToken": "good-google-token",
		})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("invalid token rejected", func(t *testing.T) {
		resp := f.post(t, "/api/auth/google-login", map[string]any{
			"idToken": "forged",
		})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("not configured returns service unavailable", func(t *testing.T) {
		unconfigured := newFixtureWith(t, nil)

		resp := unconfigured.post(t, "/api/auth/google-login", map[string]any{
			"idToken": "good-google-token",
		})
		require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

		body := decodeBody[map[string]string](t, resp)
		assert.Equal(t, "google login is not available", body["error"])
	})

	t.Run("federated account cannot password-login", func(t *testing.T) {
		resp := f.post(t, "/api/auth/login", map[string]any{
			"email":    "fed@example.com",
			"password": "anything",
		})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

func TestPasswordReset(t *testing.T) {
	f := newFixture(t)
	f.register(t, "reset@example.com", "old password")

	t.Run("unknown email not found", func(t *testing.T) {
		resp := f.post(t, "/api/auth/password-reset/request", map[string]any{
			"email": "ghost@example.com",
		})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("full reset flow", func(t *testing.T) {
		resp := f.post(t, "/api/auth/password-reset/request", map[string]any{
			"email": "reset@example.com",
		})
		defer resp.Body.Close()
		require.Equal(t, http.StatusAccepted, resp.StatusCode)

		// The reset email carries the link; pull the token out of it.
		sent, ok := f.notifier.last()
		require.True(t, ok, "reset notification should be dispatched")
		token := tokenFromResetEmail(t, sent.body)

		// Complete with a bad token first
		resp = f.post(t, "/api/auth/password-reset/complete", map[string]any{
			"email":       "reset@example.com",
			"token":       "forged-token",
			"newPassword": "new password",
		})
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		// Then with the real one
		resp = f.post(t, "/api/auth/password-reset/complete", map[string]any{
			"email":       "reset@example.com",
			"token":       token,
			"newPassword": "new password",
		})
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		// Old password no longer works, new one does
		resp = f.post(t, "/api/auth/login", map[string]any{
			"email":    "reset@example.com",
			"password": "old password",
		})
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

		resp = f.post(t, "/api/auth/login", map[string]any{
			"email":    "reset@example.com",
			"password": "new password",
		})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("token is single use", func(t *testing.T) {
		resp := f.post(t, "/api/auth/password-reset/request", map[string]any{
			"email": "reset@example.com",
		})
		resp.Body.Close()
		require.Equal(t, http.StatusAccepted, resp.StatusCode)

		sent, ok := f.notifier.last()
		require.True(t, ok)
		token := tokenFromResetEmail(t, sent.body)

		resp = f.post(t, "/api/auth/password-reset/complete", map[string]any{
			"email":       "reset@example.com",
			"token":       token,
			"newPassword": "first use",
		})
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		resp = f.post(t, "/api/auth/password-reset/complete", map[string]any{
			"email":       "reset@example.com",
			"token":       token,
			"newPassword": "second use",
		})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

// tokenFromResetEmail extracts the token query parameter from the reset link
// embedded in an email body.
func tokenFromResetEmail(t *testing.T, body string) string {
	t.Helper()
	idx := strings.Index(body, "http://")
	require.GreaterOrEqual(t, idx, 0, "email should contain a reset link")
	link := strings.TrimSpace(body[idx:])

	u, err := url.Parse(link)
	require.NoError(t, err)
	token := u.Query().Get("token")
	require.NotEmpty(t, token, "reset link should carry a token")
	return token
}

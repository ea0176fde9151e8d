// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authd Contributors

package auth

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartpark/authd/pkg/errutil"
)

// stubIdentityRepo is a map-backed IdentityRepository with error injection.
type stubIdentityRepo struct {
	mu        sync.Mutex
	byID      map[ulid.ULID]*Identity
	createErr error
	getErr    error
	updateErr error
}

func newStubIdentityRepo() *stubIdentityRepo {
	return &stubIdentityRepo{byID: make(map[ulid.ULID]*Identity)}
}

func (r *stubIdentityRepo) Create(_ context.Context, identity *Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	for _, existing := range r.byID {
		if strings.EqualFold(existing.Email, identity.Email) {
			return ErrEmailTaken
		}
	}
	cp := *identity
	r.byID[identity.ID] = &cp
	return nil
}

func (r *stubIdentityRepo) GetByID(_ context.Context, id ulid.ULID) (*Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	identity, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *identity
	return &cp, nil
}

func (r *stubIdentityRepo) GetByEmail(_ context.Context, email string) (*Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return nil, r.getErr
	}
	for _, identity := range r.byID {
		if strings.EqualFold(identity.Email, email) {
			cp := *identity
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r *stubIdentityRepo) Update(_ context.Context, identity *Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[identity.ID]; !ok {
		return ErrNotFound
	}
	cp := *identity
	r.byID[identity.ID] = &cp
	return nil
}

func (r *stubIdentityRepo) UpdatePassword(_ context.Context, id ulid.ULID, passwordHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErr != nil {
		return r.updateErr
	}
	identity, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	identity.PasswordHash = &passwordHash
	return nil
}

// seed stores an identity directly, bypassing validation.
func (r *stubIdentityRepo) seed(identity *Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *identity
	r.byID[identity.ID] = &cp
}

// storedHash returns the persisted password hash for an identity.
func (r *stubIdentityRepo) storedHash(t *testing.T, id ulid.ULID) string {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	identity, ok := r.byID[id]
	require.True(t, ok)
	require.NotNil(t, identity.PasswordHash)
	return *identity.PasswordHash
}

// stubResetRepo is a map-backed PasswordResetRepository with error injection.
type stubResetRepo struct {
	mu        sync.Mutex
	resets    map[ulid.ULID]*PasswordReset
	deleteErr error
}

func newStubResetRepo() *stubResetRepo {
	return &stubResetRepo{resets: make(map[ulid.ULID]*PasswordReset)}
}

func (r *stubResetRepo) Create(_ context.Context, reset *PasswordReset) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *reset
	r.resets[reset.ID] = &cp
	return nil
}

func (r *stubResetRepo) GetByIdentity(_ context.Context, identityID ulid.ULID) (*PasswordReset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var newest *PasswordReset
	for _, reset := range r.resets {
		if reset.IdentityID != identityID {
			continue
		}
		if newest == nil || reset.CreatedAt.After(newest.CreatedAt) {
			newest = reset
		}
	}
	if newest == nil {
		return nil, ErrNotFound
	}
	cp := *newest
	return &cp, nil
}

func (r *stubResetRepo) DeleteByIdentity(_ context.Context, identityID ulid.ULID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deleteErr != nil {
		return r.deleteErr
	}
	for id, reset := range r.resets {
		if reset.IdentityID == identityID {
			delete(r.resets, id)
		}
	}
	return nil
}

func (r *stubResetRepo) DeleteExpired(_ context.Context) (int64, error) {
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

func (r *stubResetRepo) count(identityID ulid.ULID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, reset := range r.resets {
		if reset.IdentityID == identityID {
			n++
		}
	}
	return n
}

// plainHasher is a deterministic PasswordHasher for service tests.
type plainHasher struct{}

func (plainHasher) Hash(_ context.Context, password string) (string, error) {
	return "hashed:" + password, nil
}

func (plainHasher) Verify(_ context.Context, password, secret string) bool {
	return secret == "hashed:"+password
}
func (plainHasher) IsLegacyPlaintext(secret string) bool {
	return secret != "" && !strings.HasPrefix(secret, "hashed:") && !strings.HasPrefix(secret, "$2")
}

// capturingNotifier records dispatched notifications.
type capturingNotifier struct {
	mu   sync.Mutex
	sent []struct{ to, subject, body string }
}

func (n *capturingNotifier) Dispatch(to, subject, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, struct{ to, subject, body string }{to, subject, body})
}

func (n *capturingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

func (n *capturingNotifier) last(t *testing.T) struct{ to, subject, body string } {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	require.NotEmpty(t, n.sent)
	return n.sent[len(n.sent)-1]
}

// stubVerifier accepts one raw token and returns a fixed claim.
type stubVerifier struct {
	accepted string
	claim    FederatedIdentity
}

func (v *stubVerifier) Verify(_ context.Context, rawToken string) (*FederatedIdentity, error) {
	if rawToken != v.accepted {
		return nil, oops.Code("GOOGLE_TOKEN_INVALID").Wrap(ErrInvalidFederatedToken)
	}
	claim := v.claim
	return &claim, nil
}

type serviceFixture struct {
	svc        *Service
	identities *stubIdentityRepo
	resets     *stubResetRepo
	resetSvc   *PasswordResetService
	notifier   *capturingNotifier
}

func newServiceFixture(t *testing.T, federated FederatedVerifier) *serviceFixture {
	t.Helper()

	identities := newStubIdentityRepo()
	resets := newStubResetRepo()
	notifier := &capturingNotifier{}
	hasher := plainHasher{}

	issuer, err := NewTokenIssuer(testTokenConfig())
	require.NoError(t, err)

	resetSvc, err := NewPasswordResetService(identities, resets, hasher,
		"http://localhost/reset", 15*time.Minute)
	require.NoError(t, err)

	svc, err := NewService(identities, hasher, issuer, federated, resetSvc, notifier)
	require.NoError(t, err)

	return &serviceFixture{
		svc:        svc,
		identities: identities,
		resets:     resets,
		resetSvc:   resetSvc,
		notifier:   notifier,
	}
}

func parseSessionToken(t *testing.T, signed string) jwt.Token {
	t.Helper()
	tok, err := jwt.ParseString(signed,
		jwt.WithKey(jwa.HS256, testSigningKey),
		jwt.WithValidate(true),
	)
	require.NoError(t, err)
	return tok
}

func TestService_Register(t *testing.T) {
	ctx := context.Background()

	t.Run("creates identity and sends welcome", func(t *testing.T) {
		f := newServiceFixture(t, nil)

		identity, err := f.svc.Register(ctx, RegisterRequest{
			FullName:    "Ada Lovelace",
			Email:       "ada@example.com",
			Password:    "correct horse",
			PhoneNumber: "5551234567",
		})
		require.NoError(t, err)

		assert.Equal(t, "Ada Lovelace", identity.FullName)
		assert.True(t, identity.HasPassword())
		assert.Equal(t, "hashed:correct horse", *identity.PasswordHash)
		require.NotNil(t, identity.PhoneNumber)
		assert.Equal(t, "5551234567", *identity.PhoneNumber)

		sent := f.notifier.last(t)
		assert.Equal(t, "ada@example.com", sent.to)
		assert.Contains(t, sent.subject, "Welcome")
	})

	t.Run("phone is optional", func(t *testing.T) {
		f := newServiceFixture(t, nil)

		identity, err := f.svc.Register(ctx, RegisterRequest{
			FullName: "Ada Lovelace",
			Email:    "ada@example.com",
			Password: "correct horse",
		})
		require.NoError(t, err)
		assert.Nil(t, identity.PhoneNumber)
	})

	t.Run("duplicate email conflicts case-insensitively", func(t *testing.T) {
		f := newServiceFixture(t, nil)

		_, err := f.svc.Register(ctx, RegisterRequest{
			FullName: "Ada Lovelace", Email: "ada@example.com", Password: "pw",
		})
		require.NoError(t, err)

		_, err = f.svc.Register(ctx, RegisterRequest{
			FullName: "Other Ada", Email: "ADA@Example.COM", Password: "pw2",
		})
		require.ErrorIs(t, err, ErrEmailTaken)
	})

	t.Run("concurrent insert conflict surfaces as email taken", func(t *testing.T) {
		f := newServiceFixture(t, nil)
		f.identities.createErr = ErrEmailTaken

		_, err := f.svc.Register(ctx, RegisterRequest{
			FullName: "Ada Lovelace", Email: "ada@example.com", Password: "pw",
		})
		require.ErrorIs(t, err, ErrEmailTaken)
	})

	t.Run("validation failures", func(t *testing.T) {
		f := newServiceFixture(t, nil)

		cases := []RegisterRequest{
			{FullName: "", Email: "ada@example.com", Password: "pw"},
			{FullName: "Ada", Email: "bad-email", Password: "pw"},
			{FullName: "Ada", Email: "ada@example.com", Password: ""},
			{FullName: "Ada", Email: "ada@example.com", Password: "pw", PhoneNumber: "bad"},
		}
		for _, req := range cases {
			_, err := f.svc.Register(ctx, req)
			assert.ErrorIs(t, err, ErrValidation)
		}
		assert.Zero(t, f.notifier.count())
	})
}

func TestService_Login(t *testing.T) {
	ctx := context.Background()

	register := func(t *testing.T, f *serviceFixture, email, password string) *Identity {
		t.Helper()
		identity, err := f.svc.Register(ctx, RegisterRequest{
			FullName: "Ada Lovelace", Email: email, Password: password,
		})
		require.NoError(t, err)
		return identity
	}

	t.Run("valid credentials issue a session token", func(t *testing.T) {
		f := newServiceFixture(t, nil)
		identity := register(t, f, "ada@example.com", "correct horse")

		signed, err := f.svc.Login(ctx, "ada@example.com", "correct horse")
		require.NoError(t, err)

		tok := parseSessionToken(t, signed)
		assert.Equal(t, identity.ID.String(), tok.Subject())
		email, ok := tok.Get(EmailClaim)
		require.True(t, ok)
		assert.Equal(t, "ada@example.com", email)
	})

	t.Run("wrong password rejected", func(t *testing.T) {
		f := newServiceFixture(t, nil)
		register(t, f, "ada@example.com", "correct horse")

		_, err := f.svc.Login(ctx, "ada@example.com", "wrong")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("unknown email rejected identically", func(t *testing.T) {
		f := newServiceFixture(t, nil)

		_, err := f.svc.Login(ctx, "nobody@example.com", "whatever")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("empty input rejected", func(t *testing.T) {
		f := newServiceFixture(t, nil)

		_, err := f.svc.Login(ctx, "", "pw")
		require.ErrorIs(t, err, ErrInvalidCredentials)
		_, err = f.svc.Login(ctx, "ada@example.com", "")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("federated-only account cannot password-login", func(t *testing.T) {
		f := newServiceFixture(t, nil)
		identity, err := NewIdentity("Fed User", "fed@example.com", nil, nil)
		require.NoError(t, err)
		f.identities.seed(identity)

		_, err = f.svc.Login(ctx, "fed@example.com", "anything")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("legacy plaintext secret migrates on successful login", func(t *testing.T) {
		f := newServiceFixture(t, nil)
		identity, err := NewIdentity("Old Timer", "legacy@example.com", strptr("swordfish"), nil)
		require.NoError(t, err)
		f.identities.seed(identity)

		signed, err := f.svc.Login(ctx, "legacy@example.com", "swordfish")
		require.NoError(t, err)
		assert.NotEmpty(t, signed)

		assert.Equal(t, "hashed:swordfish", f.identities.storedHash(t, identity.ID))
	})

	t.Run("legacy secret with wrong password rejected and not migrated", func(t *testing.T) {
		f := newServiceFixture(t, nil)
		identity, err := NewIdentity("Old Timer", "legacy@example.com", strptr("swordfish"), nil)
		require.NoError(t, err)
		f.identities.seed(identity)

		_, err = f.svc.Login(ctx, "legacy@example.com", "guess")
		require.ErrorIs(t, err, ErrInvalidCredentials)

		assert.Equal(t, "swordfish", f.identities.storedHash(t, identity.ID))
	})

	t.Run("legacy migration persist failure still logs in", func(t *testing.T) {
		f := newServiceFixture(t, nil)
		identity, err := NewIdentity("Old Timer", "legacy@example.com", strptr("swordfish"), nil)
		require.NoError(t, err)
		f.identities.seed(identity)
		f.identities.updateErr = oops.Errorf("db down")

		signed, err := f.svc.Login(ctx, "legacy@example.com", "swordfish")
		require.NoError(t, err)
		assert.NotEmpty(t, signed)
	})
}

func TestService_FederatedLogin(t *testing.T) {
	ctx := context.Background()

	verifier := func() *stubVerifier {
		return &stubVerifier{
			accepted: "good-token",
			claim:    FederatedIdentity{Email: "fed@example.com", DisplayName: "Fed User"},
		}
	}

	t.Run("not configured", func(t *testing.T) {
		f := newServiceFixture(t, nil)

		_, err := f.svc.FederatedLogin(ctx, "good-token")
		require.ErrorIs(t, err, ErrFederatedDisabled)
		errutil.AssertErrorCode(t, err, "AUTH_FEDERATED_DISABLED")
	})

	t.Run("invalid token rejected", func(t *testing.T) {
		f := newServiceFixture(t, verifier())

		_, err := f.svc.FederatedLogin(ctx, "forged")
		require.ErrorIs(t, err, ErrInvalidFederatedToken)
	})

	t.Run("first sight creates a password-less identity", func(t *testing.T) {
		f := newServiceFixture(t, verifier())

		signed, err := f.svc.FederatedLogin(ctx, "good-token")
		require.NoError(t, err)

		tok := parseSessionToken(t, signed)
		stored, err := f.identities.GetByEmail(ctx, "fed@example.com")
		require.NoError(t, err)
		assert.Equal(t, stored.ID.String(), tok.Subject())
		assert.Equal(t, "Fed User", stored.FullName)
		assert.False(t, stored.HasPassword())
	})

	t.Run("repeat login reuses the stored identity", func(t *testing.T) {
		f := newServiceFixture(t, verifier())

		_, err := f.svc.FederatedLogin(ctx, "good-token")
		require.NoError(t, err)
		first, err := f.identities.GetByEmail(ctx, "fed@example.com")
		require.NoError(t, err)

		_, err = f.svc.FederatedLogin(ctx, "good-token")
		require.NoError(t, err)
		second, err := f.identities.GetByEmail(ctx, "fed@example.com")
		require.NoError(t, err)

		assert.Equal(t, first.ID, second.ID)
	})

	t.Run("lost create race resolves to the winner", func(t *testing.T) {
		f := newServiceFixture(t, verifier())

		winner, err := NewIdentity("Fed User", "fed@example.com", nil, nil)
		require.NoError(t, err)
		// Lookup misses first, then the conflicting insert lands.
		raced := &racedRepo{stubIdentityRepo: f.identities, winner: winner}

		svc, err := NewService(raced, plainHasher{}, mustIssuer(t), verifier(), f.resetSvc, nil)
		require.NoError(t, err)

		signed, err := svc.FederatedLogin(ctx, "good-token")
		require.NoError(t, err)

		tok := parseSessionToken(t, signed)
		assert.Equal(t, winner.ID.String(), tok.Subject())
	})
}

// racedRepo simulates losing the federated create race: Create conflicts and
// the winner's row becomes visible afterwards.
type racedRepo struct {
	*stubIdentityRepo
	winner *Identity
}

func (r *racedRepo) Create(_ context.Context, _ *Identity) error {
	r.stubIdentityRepo.seed(r.winner)
	return ErrEmailTaken
}

func mustIssuer(t *testing.T) *TokenIssuer {
	t.Helper()
	issuer, err := NewTokenIssuer(testTokenConfig())
	require.NoError(t, err)
	return issuer
}

func TestService_PasswordResetFlow(t *testing.T) {
	ctx := context.Background()

	t.Run("request dispatches the reset link", func(t *testing.T) {
		f := newServiceFixture(t, nil)
		_, err := f.svc.Register(ctx, RegisterRequest{
			FullName: "Ada Lovelace", Email: "ada@example.com", Password: "old pw",
		})
		require.NoError(t, err)

		require.NoError(t, f.svc.RequestPasswordReset(ctx, "ada@example.com"))

		sent := f.notifier.last(t)
		assert.Equal(t, "ada@example.com", sent.to)
		assert.Contains(t, sent.subject, "Reset")
		assert.Contains(t, sent.body, "http://localhost/reset?")
	})

	t.Run("unknown email fails without dispatching", func(t *testing.T) {
		f := newServiceFixture(t, nil)

		err := f.svc.RequestPasswordReset(ctx, "ghost@example.com")
		require.ErrorIs(t, err, ErrNotFound)
		assert.Zero(t, f.notifier.count())
	})

	t.Run("complete replaces the password", func(t *testing.T) {
		f := newServiceFixture(t, nil)
		identity, err := f.svc.Register(ctx, RegisterRequest{
			FullName: "Ada Lovelace", Email: "ada@example.com", Password: "old pw",
		})
		require.NoError(t, err)

		link, err := f.resetSvc.RequestReset(ctx, "ada@example.com")
		require.NoError(t, err)
		token := tokenFromLink(t, link)

		require.NoError(t, f.svc.CompletePasswordReset(ctx, "ada@example.com", token, "new pw"))
		assert.Equal(t, "hashed:new pw", f.identities.storedHash(t, identity.ID))
	})
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authd Contributors

package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"

	"github.com/samber/oops"

	"github.com/smartpark/authd/pkg/errutil"
)

// Notifier dispatches a notification without blocking the caller. Delivery is
// best-effort; failures are handled inside the notifier and never surface.
type Notifier interface {
	Dispatch(to, subject, body string)
}

// dummyPasswordHash is used when a user doesn't exist to prevent timing
// attacks. We still run password verification to make response time
// consistent. This is NOT a real credential - it's a fake hash that will
// never match any password.
//
//nolint:gosec // G101: This is an intentionally fake hash for timing attack prevention, not a credential.
const dummyPasswordHash = "$2a$12$R9h/cIPz0gi.URNNX3kh2OPST9/PgBkqquzi.Ss7KIUgO2t0jWMUW"

// Service orchestrates registration, password login, federated login, and the
// password reset pass-throughs.
type Service struct {
	identities IdentityRepository
	hasher     PasswordHasher
	tokens     *TokenIssuer
	federated  FederatedVerifier
	resets     *PasswordResetService
	notifier   Notifier
	logger     *slog.Logger
}

// NewService creates a Service. federated and notifier are optional: a nil
// verifier disables federated login and a nil notifier disables outbound
// notifications.
func NewService(
	identities IdentityRepository,
	hasher PasswordHasher,
	tokens *TokenIssuer,
	federated FederatedVerifier,
	resets *PasswordResetService,
	notifier Notifier,
) (*Service, error) {
	return NewServiceWithLogger(identities, hasher, tokens, federated, resets, notifier, slog.Default())
}

// NewServiceWithLogger creates a Service with an explicit logger.
func NewServiceWithLogger(
	identities IdentityRepository,
	hasher PasswordHasher,
	tokens *TokenIssuer,
	federated FederatedVerifier,
	resets *PasswordResetService,
	notifier Notifier,
	logger *slog.Logger,
) (*Service, error) {
	if identities == nil {
		return nil, oops.Errorf("identities repository is required")
	}
	if hasher == nil {
		return nil, oops.Errorf("password hasher is required")
	}
	if tokens == nil {
		return nil, oops.Errorf("token issuer is required")
	}
	if resets == nil {
		return nil, oops.Errorf("reset service is required")
	}
	if logger == nil {
		return nil, oops.Errorf("logger is required")
	}
	return &Service{
		identities: identities,
		hasher:     hasher,
		tokens:     tokens,
		federated:  federated,
		resets:     resets,
		notifier:   notifier,
		logger:     logger,
	}, nil
}

// RegisterRequest carries the registration input.
type RegisterRequest struct {
	FullName    string
	Email       string
	Password    string
	PhoneNumber string
}

// Register creates a local identity with a freshly hashed password and
// dispatches a best-effort welcome notification. Fails with ErrEmailTaken
// when the email is already registered; the storage layer's unique constraint
// backs the pre-insert check, so a concurrent duplicate insert surfaces as
// the same conflict instead of a crash.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Identity, error) {
	if err := ValidateFullName(req.FullName); err != nil {
		return nil, err
	}
	if err := ValidateEmail(req.Email); err != nil {
		return nil, err
	}
	if req.Password == "" {
		return nil, oops.Code("AUTH_VALIDATION").Wrapf(ErrValidation, "password is required")
	}

	var phone *string
	if req.PhoneNumber != "" {
		if err := ValidatePhoneNumber(req.PhoneNumber); err != nil {
			return nil, err
		}
		phone = &req.PhoneNumber
	}

	if _, err := s.identities.GetByEmail(ctx, req.Email); err == nil {
		return nil, oops.Code("AUTH_EMAIL_TAKEN").Wrap(ErrEmailTaken)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, oops.Code("AUTH_REGISTER_FAILED").
			With("operation", "check existing email").
			Wrap(err)
	}

	hashed, err := s.hasher.Hash(ctx, req.Password)
	if err != nil {
		return nil, oops.Code("AUTH_REGISTER_FAILED").
			With("operation", "hash password").
			Wrap(err)
	}

	identity, err := NewIdentity(req.FullName, req.Email, &hashed, phone)
	if err != nil {
		return nil, err
	}

	if err := s.identities.Create(ctx, identity); err != nil {
		if errors.Is(err, ErrEmailTaken) {
			return nil, oops.Code("AUTH_EMAIL_TAKEN").Wrap(ErrEmailTaken)
		}
		return nil, oops.Code("AUTH_REGISTER_FAILED").
			With("operation", "insert identity").
			Wrap(err)
	}

	s.dispatch(identity.Email,
		"Welcome to SmartPark!",
		fmt.Sprintf("Hi %s, your account is now active. Log in using %s.", identity.FullName, identity.Email))

	return identity, nil
}

// Login authenticates by email and password and returns a signed session
// token. All failure modes (unknown email, federated-only account, wrong
// password) return ErrInvalidCredentials so responses cannot be used to
// enumerate accounts. Verification runs against a dummy hash when the account
// is missing or password-less to keep response time consistent.
//
// A legacy account whose stored secret is the raw password is transparently
// migrated: on exact match the secret is re-hashed and persisted before the
// token is issued.
func (s *Service) Login(ctx context.Context, email, password string) (string, error) {
	if email == "" || password == "" {
		return "", oops.Code("AUTH_INVALID_CREDENTIALS").Wrap(ErrInvalidCredentials)
	}

	identity, lookupErr := s.identities.GetByEmail(ctx, email)

	targetHash := dummyPasswordHash
	usable := false
	if lookupErr == nil && identity.HasPassword() {
		targetHash = *identity.PasswordHash
		usable = true
	} else if lookupErr != nil && !errors.Is(lookupErr, ErrNotFound) {
		return "", oops.Code("AUTH_LOGIN_FAILED").
			With("operation", "get identity by email").
			Wrap(lookupErr)
	}

	if s.hasher.IsLegacyPlaintext(targetHash) {
		// Legacy secrets hold the raw password; exact match, constant time.
		if subtle.ConstantTimeCompare([]byte(targetHash), []byte(password)) != 1 {
			return "", oops.Code("AUTH_INVALID_CREDENTIALS").Wrap(ErrInvalidCredentials)
		}
		s.migrateLegacySecret(ctx, identity, password)
	} else {
		valid := s.hasher.Verify(ctx, password, targetHash)
		if !usable || !valid {
			return "", oops.Code("AUTH_INVALID_CREDENTIALS").Wrap(ErrInvalidCredentials)
		}
	}

	token, err := s.tokens.Issue(identity)
	if err != nil {
		return "", oops.Code("AUTH_LOGIN_FAILED").
			With("operation", "issue token").
			Wrap(err)
	}
	return token, nil
}

// migrateLegacySecret replaces a legacy plaintext secret with a proper hash.
// Login succeeds regardless; a persist failure only defers the migration to
// the next successful login.
func (s *Service) migrateLegacySecret(ctx context.Context, identity *Identity, password string) {
	hashed, err := s.hasher.Hash(ctx, password)
	if err != nil {
		errutil.LogWarn(s.logger, "best-effort legacy hash migration failed", "hash_password", err)
		return
	}
	if err := s.identities.UpdatePassword(ctx, identity.ID, hashed); err != nil {
		errutil.LogWarn(s.logger, "best-effort legacy hash migration failed", "update_password", err)
		return
	}
	identity.PasswordHash = &hashed
}

// FederatedLogin verifies an externally issued identity token, creates the
// identity on first sight (with no local password), and returns a signed
// session token. Creation is idempotent: a concurrent first login for the
// same email resolves to the single stored identity.
func (s *Service) FederatedLogin(ctx context.Context, rawToken string) (string, error) {
	if s.federated == nil {
		return "", oops.Code("AUTH_FEDERATED_DISABLED").Wrap(ErrFederatedDisabled)
	}

	claim, err := s.federated.Verify(ctx, rawToken)
	if err != nil {
		return "", oops.Code("AUTH_FEDERATED_TOKEN_INVALID").Wrap(ErrInvalidFederatedToken)
	}

	identity, err := s.identities.GetByEmail(ctx, claim.Email)
	switch {
	case err == nil:
		// First sight already happened.
	case errors.Is(err, ErrNotFound):
		identity, err = s.createFederatedIdentity(ctx, claim)
		if err != nil {
			return "", err
		}
	default:
		return "", oops.Code("AUTH_FEDERATED_LOGIN_FAILED").
			With("operation", "get identity by email").
			Wrap(err)
	}

	token, err := s.tokens.Issue(identity)
	if err != nil {
		return "", oops.Code("AUTH_FEDERATED_LOGIN_FAILED").
			With("operation", "issue token").
			Wrap(err)
	}
	return token, nil
}

// createFederatedIdentity inserts a password-less identity for a verified
// federated claim, resolving the create race against a concurrent login.
func (s *Service) createFederatedIdentity(ctx context.Context, claim *FederatedIdentity) (*Identity, error) {
	identity, err := NewIdentity(claim.DisplayName, claim.Email, nil, nil)
	if err != nil {
		return nil, oops.Code("AUTH_FEDERATED_TOKEN_INVALID").Wrap(ErrInvalidFederatedToken)
	}
	if err := s.identities.Create(ctx, identity); err != nil {
		if errors.Is(err, ErrEmailTaken) {
			// Lost the race; the other login created it.
			existing, getErr := s.identities.GetByEmail(ctx, claim.Email)
			if getErr != nil {
				return nil, oops.Code("AUTH_FEDERATED_LOGIN_FAILED").
					With("operation", "refetch identity").
					Wrap(getErr)
			}
			return existing, nil
		}
		return nil, oops.Code("AUTH_FEDERATED_LOGIN_FAILED").
			With("operation", "insert identity").
			Wrap(err)
	}
	return identity, nil
}

// RequestPasswordReset issues a reset token and dispatches the reset link.
// Fails with ErrNotFound for an unknown email.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	link, err := s.resets.RequestReset(ctx, email)
	if err != nil {
		return err
	}

	s.dispatch(email,
		"Reset your SmartPark password",
		fmt.Sprintf("Use the link below to choose a new password. It expires in %s.\n\n%s",
			s.resets.TokenTTL(), link))

	return nil
}

// CompletePasswordReset consumes a reset token and installs the new password.
func (s *Service) CompletePasswordReset(ctx context.Context, email, token, newPassword string) error {
	return s.resets.CompleteReset(ctx, email, token, newPassword)
}

// dispatch hands a notification to the notifier, if one is configured.
func (s *Service) dispatch(to, subject, body string) {
	if s.notifier == nil {
		return
	}
	s.notifier.Dispatch(to, subject, body)
}

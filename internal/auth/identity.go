// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authd Contributors

package auth

import (
	"context"
	"regexp"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// emailRegex accepts anything of the shape local@domain.tld without
// attempting full RFC 5322 validation.
var emailRegex = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// phoneRegex matches a 10-digit number with an optional country prefix.
var phoneRegex = regexp.MustCompile(`^(\+?\d{1,3}[- ]?)?\d{10}$`)

// Identity represents a user account able to authenticate.
type Identity struct {
	ID       ulid.ULID
	FullName string
	Email    string
	// PasswordHash is nil for identities created solely via federated login;
	// such identities cannot authenticate with a local password.
	PasswordHash *string
	PhoneNumber  *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasPassword reports whether the identity can authenticate locally.
func (i *Identity) HasPassword() bool {
	return i.PasswordHash != nil && *i.PasswordHash != ""
}

// NewIdentity creates a validated Identity. passwordHash may be nil for
// federated-only identities; phoneNumber may be nil.
func NewIdentity(fullName, email string, passwordHash, phoneNumber *string) (*Identity, error) {
	if err := ValidateFullName(fullName); err != nil {
		return nil, err
	}
	if err := ValidateEmail(email); err != nil {
		return nil, err
	}
	if phoneNumber != nil {
		if err := ValidatePhoneNumber(*phoneNumber); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	return &Identity{
		ID:           ulid.Make(),
		FullName:     fullName,
		Email:        email,
		PasswordHash: passwordHash,
		PhoneNumber:  phoneNumber,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// ValidateFullName validates a display name.
func ValidateFullName(fullName string) error {
	if fullName == "" {
		return oops.Code("AUTH_VALIDATION").Wrapf(ErrValidation, "full name is required")
	}
	return nil
}

// ValidateEmail validates an email address.
func ValidateEmail(email string) error {
	if email == "" {
		return oops.Code("AUTH_VALIDATION").Wrapf(ErrValidation, "email is required")
	}
	if !emailRegex.MatchString(email) {
		return oops.Code("AUTH_VALIDATION").
			With("email", email).
			Wrapf(ErrValidation, "invalid email format")
	}
	return nil
}

// ValidatePhoneNumber validates an optional contact number.
func ValidatePhoneNumber(phone string) error {
	if !phoneRegex.MatchString(phone) {
		return oops.Code("AUTH_VALIDATION").Wrapf(ErrValidation, "invalid phone number format")
	}
	return nil
}

// IdentityRepository manages identity persistence. Implementations must
// enforce email uniqueness as a hard constraint and return ErrEmailTaken on
// violation, closing the check-then-insert race in registration.
type IdentityRepository interface {
	// Create stores a new identity.
	Create(ctx context.Context, identity *Identity) error

	// GetByID retrieves an identity by ID.
	GetByID(ctx context.Context, id ulid.ULID) (*Identity, error)

	// GetByEmail retrieves an identity by email (case-insensitive).
	// Returns ErrNotFound if no identity has the given email.
	GetByEmail(ctx context.Context, email string) (*Identity, error)

	// Update updates an existing identity.
	Update(ctx context.Context, identity *Identity) error

	// UpdatePassword updates only the password hash for an identity.
	UpdatePassword(ctx context.Context, id ulid.ULID, passwordHash string) error
}

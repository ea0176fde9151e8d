// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authd Contributors

package auth

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrEmailTaken is returned when an identity with the same email already exists.
var ErrEmailTaken = errors.New("email already registered")

// ErrInvalidCredentials is returned on any failed password login. The message
// is deliberately ambiguous between unknown email and wrong password to
// prevent account enumeration.
var ErrInvalidCredentials = errors.New("invalid email or password")

// ErrInvalidFederatedToken is returned when the external identity provider
// token fails verification.
var ErrInvalidFederatedToken = errors.New("invalid federated identity token")

// ErrFederatedDisabled is returned when federated login is attempted on a
// deployment with no verifier configured.
var ErrFederatedDisabled = errors.New("federated login is not configured")

// ErrInvalidResetToken is returned when a password reset token does not match
// the active reset for the identity or has expired.
var ErrInvalidResetToken = errors.New("invalid or expired reset token")

// ErrValidation is the base error for malformed input. Wrapped errors carry a
// user-safe description of the offending field.
var ErrValidation = errors.New("validation failed")

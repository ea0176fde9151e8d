// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authd Contributors

// Package auth provides the credential and session domain for authd.
//
// # Domain Types
//
// Domain types (Identity, PasswordReset) should be created using their
// respective constructors:
//   - NewIdentity - creates an Identity with validated name, email, and phone
//   - NewPasswordReset - creates a PasswordReset with validated identity and expiry
//
// Direct struct initialization bypasses validation and may create invalid state.
// Repository implementations receive pre-validated types from these constructors.
//
// # Services
//
// Service types coordinate domain operations:
//   - Service - registration, password login, federated login
//   - PasswordResetService - password reset flow
//
// Services are created with New*Service constructors that validate dependencies.
// Verification of externally issued identity tokens is abstracted behind
// FederatedVerifier; the Google implementation lives in the googleid subpackage.
package auth

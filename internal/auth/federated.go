// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authd Contributors

package auth

import "context"

// FederatedIdentity is the verified claim set extracted from an externally
// issued identity token.
type FederatedIdentity struct {
	Email       string
	DisplayName string
}

// FederatedVerifier validates an identity token issued by a trusted external
// provider. Implementations verify signature, issuer, audience, and expiry
// against the provider's published key material; key fetching and caching is
// the implementation's concern. Verification may perform network work, so
// callers bound it with the context.
type FederatedVerifier interface {
	Verify(ctx context.Context, rawToken string) (*FederatedIdentity, error)
}

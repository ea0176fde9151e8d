// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authd Contributors

package auth

import (
	"context"
	"runtime"

	"github.com/samber/oops"
)

// PooledHasher bounds the number of bcrypt computations running at once.
// bcrypt at cost 12 is deliberately expensive; without a bound a burst of
// logins can saturate every CPU and starve unrelated request processing.
// Calls block for a slot and return synchronously, so callers see the same
// contract as the wrapped hasher.
type PooledHasher struct {
	inner PasswordHasher
	slots chan struct{}
}

// NewPooledHasher wraps inner with a worker pool of the given size.
// workers <= 0 defaults to GOMAXPROCS.
func NewPooledHasher(inner PasswordHasher, workers int) *PooledHasher {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &PooledHasher{
		inner: inner,
		slots: make(chan struct{}, workers),
	}
}

// Hash computes a hash on a pool slot. Waiting for a slot is abandoned when
// the context is cancelled.
func (p *PooledHasher) Hash(ctx context.Context, password string) (string, error) {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return "", oops.Code("AUTH_HASH_CANCELLED").Wrap(ctx.Err())
	}
	defer func() { <-p.slots }()
	return p.inner.Hash(ctx, password)
}

// Verify verifies a password on a pool slot. A cancelled context verifies
// false.
func (p *PooledHasher) Verify(ctx context.Context, password, secret string) bool {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return false
	}
	defer func() { <-p.slots }()
	return p.inner.Verify(ctx, password, secret)
}

// IsLegacyPlaintext delegates to the wrapped hasher; prefix inspection is
// cheap and needs no slot.
func (p *PooledHasher) IsLegacyPlaintext(secret string) bool {
	return p.inner.IsLegacyPlaintext(secret)
}

// Compile-time interface check.
var _ PasswordHasher = (*PooledHasher)(nil)

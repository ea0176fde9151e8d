// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authd Contributors

package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/smartpark/authd/internal/auth"
)

// PasswordResetRepository implements auth.PasswordResetRepository using
// PostgreSQL.
type PasswordResetRepository struct {
	pool poolIface
}

// NewPasswordResetRepository creates a new PasswordResetRepository.
func NewPasswordResetRepository(pool poolIface) *PasswordResetRepository {
	return &PasswordResetRepository{pool: pool}
}

// Create stores a new password reset request.
func (r *PasswordResetRepository) Create(ctx context.Context, reset *auth.PasswordReset) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO password_resets (id, identity_id, token_hash, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`,
		reset.ID.String(),
		reset.IdentityID.String(),
		reset.TokenHash,
		reset.ExpiresAt,
		reset.CreatedAt,
	)
	if err != nil {
		return oops.Code("RESET_CREATE_FAILED").
			With("operation", "insert reset").
			With("identity_id", reset.IdentityID.String()).
			Wrap(err)
	}
	return nil
}

// GetByIdentity retrieves the active (most recent) reset for an identity.
func (r *PasswordResetRepository) GetByIdentity(ctx context.Context, identityID ulid.ULID) (*auth.PasswordReset, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, identity_id, token_hash, expires_at, created_at
		FROM password_resets
		WHERE identity_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, identityID.String())

	reset, err := r.scanReset(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("RESET_NOT_FOUND").
			With("identity_id", identityID.String()).
			Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("RESET_GET_BY_IDENTITY_FAILED").
			With("operation", "get reset by identity").
			With("identity_id", identityID.String()).
			Wrap(err)
	}
	return reset, nil
}

// DeleteByIdentity removes all reset requests for an identity.
func (r *PasswordResetRepository) DeleteByIdentity(ctx context.Context, identityID ulid.ULID) error {
	_, err := r.pool.Exec(ctx, `
		DELETE FROM password_resets WHERE identity_id = $1
	`, identityID.String())
	if err != nil {
		return oops.Code("RESET_DELETE_FAILED").
			With("operation", "delete resets by identity").
			With("identity_id", identityID.String()).
			Wrap(err)
	}
	return nil
}

// DeleteExpired removes all expired reset requests and returns the count of
// deleted records.
func (r *PasswordResetRepository) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.pool.Exec(ctx, `
		DELETE FROM password_resets WHERE expires_at < NOW()
	`)
	if err != nil {
		return 0, oops.Code("RESET_DELETE_EXPIRED_FAILED").
			With("operation", "delete expired resets").
			Wrap(err)
	}
	return result.RowsAffected(), nil
}

// scanReset scans a single row into a PasswordReset.
// Callers are responsible for handling pgx.ErrNoRows.
func (r *PasswordResetRepository) scanReset(row pgx.Row) (*auth.PasswordReset, error) {
	var (
		idStr         string
		identityIDStr string
		tokenHash     string
		expiresAt     time.Time
		createdAt     time.Time
	)

	err := row.Scan(&idStr, &identityIDStr, &tokenHash, &expiresAt, &createdAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err //nolint:wrapcheck // Callers wrap with context-specific info
		}
		return nil, oops.Code("RESET_SCAN_FAILED").
			With("operation", "scan reset").
			Wrap(err)
	}

	id, err := ulid.Parse(idStr)
	if err != nil {
		return nil, oops.Code("RESET_INVALID_ID").
			With("id", idStr).
			Wrap(err)
	}
	identityID, err := ulid.Parse(identityIDStr)
	if err != nil {
		return nil, oops.Code("RESET_INVALID_IDENTITY_ID").
			With("identity_id", identityIDStr).
			Wrap(err)
	}

	return &auth.PasswordReset{
		ID:         id,
		IdentityID: identityID,
		TokenHash:  tokenHash,
		ExpiresAt:  expiresAt,
		CreatedAt:  createdAt,
	}, nil
}

// Compile-time interface check.
var _ auth.PasswordResetRepository = (*PasswordResetRepository)(nil)

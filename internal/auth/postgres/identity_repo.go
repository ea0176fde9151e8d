// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authd Contributors

package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/smartpark/authd/internal/auth"
)

// IdentityRepository implements auth.IdentityRepository using PostgreSQL.
// The identities table carries a unique index on LOWER(email); violations
// surface as auth.ErrEmailTaken so registration's check-then-insert race is
// closed at the constraint.
type IdentityRepository struct {
	pool poolIface
}

// NewIdentityRepository creates a new IdentityRepository.
func NewIdentityRepository(pool poolIface) *IdentityRepository {
	return &IdentityRepository{pool: pool}
}

// Create stores a new identity.
func (r *IdentityRepository) Create(ctx context.Context, identity *auth.Identity) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO identities (
			id, full_name, email, password_hash, phone_number,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		identity.ID.String(),
		identity.FullName,
		identity.Email,
		identity.PasswordHash,
		identity.PhoneNumber,
		identity.CreatedAt,
		identity.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return oops.Code("IDENTITY_EMAIL_TAKEN").
				With("email", identity.Email).
				Wrap(auth.ErrEmailTaken)
		}
		return oops.Code("IDENTITY_CREATE_FAILED").
			With("operation", "insert identity").
			With("email", identity.Email).
			Wrap(err)
	}
	return nil
}

// GetByID retrieves an identity by ID.
func (r *IdentityRepository) GetByID(ctx context.Context, id ulid.ULID) (*auth.Identity, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, full_name, email, password_hash, phone_number,
		       created_at, updated_at
		FROM identities
		WHERE id = $1
	`, id.String())

	identity, err := r.scanIdentity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("IDENTITY_NOT_FOUND").
			With("id", id.String()).
			Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("IDENTITY_GET_BY_ID_FAILED").
			With("operation", "get identity by id").
			With("id", id.String()).
			Wrap(err)
	}
	return identity, nil
}

// GetByEmail retrieves an identity by email (case-insensitive).
func (r *IdentityRepository) GetByEmail(ctx context.Context, email string) (*auth.Identity, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, full_name, email, password_hash, phone_number,
		       created_at, updated_at
		FROM identities
		WHERE LOWER(email) = LOWER($1)
	`, email)

	identity, err := r.scanIdentity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("IDENTITY_NOT_FOUND").
			With("email", email).
			Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("IDENTITY_GET_BY_EMAIL_FAILED").
			With("operation", "get identity by email").
			With("email", email).
			Wrap(err)
	}
	return identity, nil
}

// Update updates an existing identity.
func (r *IdentityRepository) Update(ctx context.Context, identity *auth.Identity) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE identities SET
			full_name = $2,
			email = $3,
			password_hash = $4,
			phone_number = $5,
			updated_at = $6
		WHERE id = $1
	`,
		identity.ID.String(),
		identity.FullName,
		identity.Email,
		identity.PasswordHash,
		identity.PhoneNumber,
		identity.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return oops.Code("IDENTITY_EMAIL_TAKEN").
				With("email", identity.Email).
				Wrap(auth.ErrEmailTaken)
		}
		return oops.Code("IDENTITY_UPDATE_FAILED").
			With("operation", "update identity").
			With("id", identity.ID.String()).
			Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return oops.Code("IDENTITY_NOT_FOUND").
			With("id", identity.ID.String()).
			Wrap(auth.ErrNotFound)
	}
	return nil
}

// UpdatePassword updates only the password hash for an identity.
func (r *IdentityRepository) UpdatePassword(ctx context.Context, id ulid.ULID, passwordHash string) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE identities SET password_hash = $2, updated_at = $3
		WHERE id = $1
	`, id.String(), passwordHash, time.Now())
	if err != nil {
		return oops.Code("IDENTITY_UPDATE_PASSWORD_FAILED").
			With("operation", "update password").
			With("id", id.String()).
			Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return oops.Code("IDENTITY_NOT_FOUND").
			With("id", id.String()).
			Wrap(auth.ErrNotFound)
	}
	return nil
}

// scanIdentity scans a single row into an Identity.
// Callers are responsible for handling pgx.ErrNoRows.
func (r *IdentityRepository) scanIdentity(row pgx.Row) (*auth.Identity, error) {
	var (
		idStr        string
		fullName     string
		email        string
		passwordHash *string
		phoneNumber  *string
		createdAt    time.Time
		updatedAt    time.Time
	)

	err := row.Scan(
		&idStr,
		&fullName,
		&email,
		&passwordHash,
		&phoneNumber,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		// Propagate pgx.ErrNoRows unchanged for callers to handle with context.
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err //nolint:wrapcheck // Callers wrap with context-specific info
		}
		return nil, oops.Code("IDENTITY_SCAN_FAILED").
			With("operation", "scan identity").
			Wrap(err)
	}

	id, err := ulid.Parse(idStr)
	if err != nil {
		return nil, oops.Code("IDENTITY_INVALID_ID").
			With("operation", "parse identity id").
			With("id", idStr).
			Wrap(err)
	}

	return &auth.Identity{
		ID:           id,
		FullName:     fullName,
		Email:        email,
		PasswordHash: passwordHash,
		PhoneNumber:  phoneNumber,
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
	}, nil
}

// isUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// Compile-time interface check.
var _ auth.IdentityRepository = (*IdentityRepository)(nil)

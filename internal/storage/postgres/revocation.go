package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// RevocationRepository persists revoked tokens so that logged-out
// credentials stay unusable until they expire on their own.
type RevocationRepository struct {
	db *pgxpool.Pool
}

// NewRevocationRepository creates a RevocationRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewRevocationRepository(db *pgxpool.Pool) *RevocationRepository {
	return &RevocationRepository{db: db}
}

// Revoke marks a token as revoked, remembering its expiry so the entry
// can be pruned once the token would have lapsed anyway.
//
// Postcondition: The token is durably revoked. Revoking an already-revoked
// token is a no-op, not an error.
func (r *RevocationRepository) Revoke(ctx context.Context, token string, expiresAt time.Time) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO token_revocations (token, expires_at)
		 VALUES ($1, $2)
		 ON CONFLICT (token) DO NOTHING`,
		token, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("inserting revocation: %w", err)
	}
	return nil
}

// IsRevoked reports whether the token has been revoked.
//
// Postcondition: A non-nil error means the answer is unknown; callers that
// gate access on this must treat that as a denial.
func (r *RevocationRepository) IsRevoked(ctx context.Context, token string) (bool, error) {
	var revoked bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM token_revocations WHERE token = $1)`,
		token,
	).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("querying revocation: %w", err)
	}
	return revoked, nil
}

// PruneBefore deletes revocation entries whose tokens expired before t.
// Pruning is maintenance only; a pruned entry denies nothing, because the
// token it covered is already past its expiry.
//
// Postcondition: Returns the number of entries removed.
func (r *RevocationRepository) PruneBefore(ctx context.Context, t time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM token_revocations WHERE expires_at < $1`,
		t,
	)
	if err != nil {
		return 0, fmt.Errorf("pruning revocations: %w", err)
	}
	return tag.RowsAffected(), nil
}

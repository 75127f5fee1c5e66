package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"notifly/internal/types"
)

// TokenRepository provides data access for the unsubscribe_tokens table.
// Tokens use bcrypt hashing; plaintext secrets are never stored. Lookup is
// by token_prefix, then the caller verifies the hash.
type TokenRepository struct {
	db DBTX
}

// NewTokenRepository creates a new TokenRepository backed by the given
// database connection (pool or transaction).
func NewTokenRepository(db DBTX) *TokenRepository {
	return &TokenRepository{db: db}
}

// tokenColumns defines the standard set of columns selected for token
// queries. token_hash is included for verification but MUST NOT be exposed
// in API responses.
const tokenColumns = `id, user_id, token_prefix, token_hash, scope,
	expires_at, used_at, created_at`

// Create inserts a new unsubscribe token record. The TokenHash MUST be the
// bcrypt hash of the plaintext secret; the plaintext MUST NOT be passed to
// this method.
func (r *TokenRepository) Create(ctx context.Context, t *types.UnsubscribeToken) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO unsubscribe_tokens
		 (id, user_id, token_prefix, token_hash, scope, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, NOW()))`,
		t.ID,
		t.UserID,
		t.TokenPrefix,
		t.TokenHash,
		string(t.Scope),
		t.ExpiresAt,
		nilIfZeroTime(t.CreatedAt),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create unsubscribe token", err)
	}
	return nil
}

// GetByPrefix retrieves a token by its prefix. Returns ErrCodeNotFoundToken
// when no row matches; the caller still verifies the bcrypt hash before
// trusting the match.
func (r *TokenRepository) GetByPrefix(ctx context.Context, prefix string) (*types.UnsubscribeToken, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM unsubscribe_tokens WHERE token_prefix = $1`,
		prefix,
	)

	token, err := scanTokenRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundToken, "unsubscribe token not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve unsubscribe token", err)
	}
	return token, nil
}

// MarkUsed stamps used_at on a token, guarded so only the first redemption
// wins. Returns false when the token was already used (a concurrent redeem
// raced and won); the caller treats that as "already unsubscribed".
func (r *TokenRepository) MarkUsed(ctx context.Context, id string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE unsubscribe_tokens SET used_at = NOW()
		 WHERE id = $1 AND used_at IS NULL`,
		id,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to mark token used", err)
	}
	return tag.RowsAffected() == 1, nil
}

// DeleteExpired removes tokens whose expiry passed before the cutoff.
// Used tokens are kept regardless of age as the audit trail of the
// unsubscribe. Returns the count of deleted rows.
func (r *TokenRepository) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM unsubscribe_tokens
		 WHERE expires_at < $1 AND used_at IS NULL`,
		cutoff,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete expired tokens", err)
	}
	return tag.RowsAffected(), nil
}

// scanTokenRow scans a token from a single pgx.Row. Column order must match
// tokenColumns.
func scanTokenRow(row pgx.Row) (*types.UnsubscribeToken, error) {
	var (
		t     types.UnsubscribeToken
		scope string
	)
	err := row.Scan(
		&t.ID,
		&t.UserID,
		&t.TokenPrefix,
		&t.TokenHash,
		&scope,
		&t.ExpiresAt,
		&t.UsedAt,
		&t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Scope = types.UnsubscribeScope(scope)
	return &t, nil
}

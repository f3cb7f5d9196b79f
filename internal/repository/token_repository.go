package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/taskroom/taskroom-api/internal/models"
)

// TokenRepository persists email verification and password reset tokens.
type TokenRepository struct {
	db *sqlx.DB
}

// NewTokenRepository creates a new instance of TokenRepository.
func NewTokenRepository(db *sqlx.DB) *TokenRepository {
	return &TokenRepository{db: db}
}

// UpsertVerification stores the verification token for a user, replacing any
// previously issued one (one active token per user).
func (r *TokenRepository) UpsertVerification(ctx context.Context, token *models.EmailVerificationToken) error {
	const query = `INSERT INTO email_verification_tokens (user_id, token, created_at, expires_at, verified)
		VALUES (:user_id, :token, :created_at, :expires_at, :verified)
		ON CONFLICT (user_id) DO UPDATE SET token = EXCLUDED.token, created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at, verified = EXCLUDED.verified`
	if _, err := r.db.NamedExecContext(ctx, query, token); err != nil {
		return fmt.Errorf("upsert verification token: %w", err)
	}
	return nil
}

// FindVerificationByToken looks a verification token up by its opaque value.
func (r *TokenRepository) FindVerificationByToken(ctx context.Context, token string) (*models.EmailVerificationToken, error) {
	const query = `SELECT user_id, token, created_at, expires_at, verified FROM email_verification_tokens WHERE token = $1 LIMIT 1`
	var t models.EmailVerificationToken
	if err := r.db.GetContext(ctx, &t, query, token); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find verification token: %w", err)
	}
	return &t, nil
}

// MarkVerified flips the verified flag if and only if the token is still
// unconsumed. Returns false when another caller won the race or the token was
// already consumed.
func (r *TokenRepository) MarkVerified(ctx context.Context, token string) (bool, error) {
	const query = `UPDATE email_verification_tokens SET verified = TRUE WHERE token = $1 AND verified = FALSE`
	res, err := r.db.ExecContext(ctx, query, token)
	if err != nil {
		return false, fmt.Errorf("mark verified: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark verified rows: %w", err)
	}
	return affected == 1, nil
}

// DeleteVerification removes the verification row for a user, freeing the
// one-per-user slot so a fresh token can be issued.
func (r *TokenRepository) DeleteVerification(ctx context.Context, userID string) error {
	const query = `DELETE FROM email_verification_tokens WHERE user_id = $1`
	if _, err := r.db.ExecContext(ctx, query, userID); err != nil {
		return fmt.Errorf("delete verification token: %w", err)
	}
	return nil
}

// HasVerified reports whether the user holds a consumed verification record.
// Login requires this in addition to the active flag.
func (r *TokenRepository) HasVerified(ctx context.Context, userID string) (bool, error) {
	const query = `SELECT 1 FROM email_verification_tokens WHERE user_id = $1 AND verified = TRUE LIMIT 1`
	var exists int
	if err := r.db.GetContext(ctx, &exists, query, userID); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check verified record: %w", err)
	}
	return true, nil
}

// CreateReset inserts a password reset token. Multiple outstanding tokens per
// user are allowed.
func (r *TokenRepository) CreateReset(ctx context.Context, token *models.PasswordResetToken) error {
	if token.ID == "" {
		token.ID = uuid.NewString()
	}
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}
	if token.ExpiresAt.IsZero() {
		token.ExpiresAt = token.CreatedAt.Add(15 * time.Minute)
	}
	const query = `INSERT INTO password_reset_tokens (id, user_id, token, created_at, expires_at, used) VALUES (:id, :user_id, :token, :created_at, :expires_at, :used)`
	if _, err := r.db.NamedExecContext(ctx, query, token); err != nil {
		return fmt.Errorf("create reset token: %w", err)
	}
	return nil
}

// FindResetByToken looks a reset token up by its opaque value.
func (r *TokenRepository) FindResetByToken(ctx context.Context, token string) (*models.PasswordResetToken, error) {
	const query = `SELECT id, user_id, token, created_at, expires_at, used FROM password_reset_tokens WHERE token = $1 LIMIT 1`
	var t models.PasswordResetToken
	if err := r.db.GetContext(ctx, &t, query, token); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find reset token: %w", err)
	}
	return &t, nil
}

// MarkResetUsed consumes a reset token with an update-if-unused so that two
// concurrent consumers observe exactly one success.
func (r *TokenRepository) MarkResetUsed(ctx context.Context, token string) (bool, error) {
	const query = `UPDATE password_reset_tokens SET used = TRUE WHERE token = $1 AND used = FALSE`
	res, err := r.db.ExecContext(ctx, query, token)
	if err != nil {
		return false, fmt.Errorf("mark reset used: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark reset used rows: %w", err)
	}
	return affected == 1, nil
}

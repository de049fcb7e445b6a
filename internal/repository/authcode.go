package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/templui/authmail/internal/model"
)

var (
	ErrAuthCodeNotFound = errors.New("auth code not found")
	// ErrAuthCodeNotConsumable is returned by Consume when no unused,
	// unrevoked, unexpired code of the requested type matches the hash.
	ErrAuthCodeNotConsumable = errors.New("auth code cannot be consumed")
)

// replaceAttempts bounds retries when a concurrent issuance for the same
// (user, type) wins the active-code unique index.
const replaceAttempts = 3

const authCodeColumns = `id, code_hash, user_id, type, created_at, expires_at, used_at, revoked_at`

type AuthCodeRepository interface {
	// ReplaceActive revokes every unused code for the code's (user, type)
	// and inserts the new code in one transaction.
	ReplaceActive(ctx context.Context, code *model.AuthCode, now time.Time) error
	ByHash(ctx context.Context, hash string) (*model.AuthCode, error)
	// Consume marks the matching code used if and only if it is unused,
	// unrevoked, of the given type and not expired at now.
	Consume(ctx context.Context, hash string, codeType model.CodeType, now time.Time) (*model.AuthCode, error)
	RevokeByHash(ctx context.Context, hash string, now time.Time) (bool, error)
	RevokeUserCodes(ctx context.Context, userID string, codeType model.CodeType, now time.Time) (int64, error)
	// ByUser lists codes newest first. An empty codeType matches every type.
	ByUser(ctx context.Context, userID string, codeType model.CodeType) ([]model.AuthCode, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	DeleteUsedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type authCodeRepository struct {
	db *sqlx.DB
}

func NewAuthCodeRepository(db *sqlx.DB) AuthCodeRepository {
	return &authCodeRepository{db: db}
}

func (r *authCodeRepository) ReplaceActive(ctx context.Context, code *model.AuthCode, now time.Time) error {
	if code.ID == "" {
		code.ID = uuid.New().String()
	}
	if code.CreatedAt.IsZero() {
		code.CreatedAt = now
	}
	code.CreatedAt = code.CreatedAt.UTC()
	code.ExpiresAt = code.ExpiresAt.UTC()

	var err error
	for range replaceAttempts {
		err = r.replaceActive(ctx, code, now.UTC())
		if err == nil || !isUniqueViolation(err) {
			return err
		}
	}
	return err
}

func (r *authCodeRepository) replaceActive(ctx context.Context, code *model.AuthCode, now time.Time) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	revoke := `
		UPDATE auth_codes
		SET revoked_at = $1
		WHERE user_id = $2
		AND type = $3
		AND used_at IS NULL
		AND revoked_at IS NULL
	`
	_, err = tx.ExecContext(ctx, revoke, now, code.UserID, string(code.Type))
	if err != nil {
		return fmt.Errorf("failed to revoke previous codes: %w", err)
	}

	insert := `
		INSERT INTO auth_codes (id, code_hash, user_id, type, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = tx.ExecContext(ctx, insert,
		code.ID,
		code.CodeHash,
		code.UserID,
		string(code.Type),
		code.CreatedAt,
		code.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert code: %w", err)
	}

	return tx.Commit()
}

func (r *authCodeRepository) ByHash(ctx context.Context, hash string) (*model.AuthCode, error) {
	var c model.AuthCode
	query := `SELECT ` + authCodeColumns + ` FROM auth_codes WHERE code_hash = $1`
	err := r.db.GetContext(ctx, &c, query, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAuthCodeNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Consume is a compare-and-set on used_at: of N concurrent callers only one
// UPDATE can match the row. The follow-up read happens in the same
// transaction so a concurrent cleanup cannot remove the row in between.
func (r *authCodeRepository) Consume(ctx context.Context, hash string, codeType model.CodeType, now time.Time) (*model.AuthCode, error) {
	now = now.UTC()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		UPDATE auth_codes
		SET used_at = $1
		WHERE code_hash = $2
		AND type = $3
		AND used_at IS NULL
		AND revoked_at IS NULL
		AND expires_at > $1
	`
	result, err := tx.ExecContext(ctx, query, now, hash, string(codeType))
	if err != nil {
		return nil, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, ErrAuthCodeNotConsumable
	}

	var c model.AuthCode
	err = tx.GetContext(ctx, &c, `SELECT `+authCodeColumns+` FROM auth_codes WHERE code_hash = $1`, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to read consumed code: %w", err)
	}

	err = tx.Commit()
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *authCodeRepository) RevokeByHash(ctx context.Context, hash string, now time.Time) (bool, error) {
	query := `
		UPDATE auth_codes
		SET revoked_at = $1
		WHERE code_hash = $2
		AND used_at IS NULL
		AND revoked_at IS NULL
	`
	result, err := r.db.ExecContext(ctx, query, now.UTC(), hash)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (r *authCodeRepository) RevokeUserCodes(ctx context.Context, userID string, codeType model.CodeType, now time.Time) (int64, error) {
	query := `
		UPDATE auth_codes
		SET revoked_at = $1
		WHERE user_id = $2
		AND type = $3
		AND used_at IS NULL
		AND revoked_at IS NULL
	`
	result, err := r.db.ExecContext(ctx, query, now.UTC(), userID, string(codeType))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *authCodeRepository) ByUser(ctx context.Context, userID string, codeType model.CodeType) ([]model.AuthCode, error) {
	codes := []model.AuthCode{}
	var err error
	if codeType == "" {
		query := `SELECT ` + authCodeColumns + ` FROM auth_codes WHERE user_id = $1 ORDER BY created_at DESC`
		err = r.db.SelectContext(ctx, &codes, query, userID)
	} else {
		query := `SELECT ` + authCodeColumns + ` FROM auth_codes WHERE user_id = $1 AND type = $2 ORDER BY created_at DESC`
		err = r.db.SelectContext(ctx, &codes, query, userID, string(codeType))
	}
	if err != nil {
		return nil, err
	}
	return codes, nil
}

// DeleteExpired removes every code whose expiry has passed, whatever its
// state. Running it twice deletes nothing the second time.
func (r *authCodeRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM auth_codes WHERE expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// DeleteUsedBefore removes consumed or revoked codes whose terminal
// transition happened before cutoff.
func (r *authCodeRepository) DeleteUsedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM auth_codes
		WHERE (used_at IS NOT NULL AND used_at < $1)
		   OR (revoked_at IS NOT NULL AND revoked_at < $1)
	`
	result, err := r.db.ExecContext(ctx, query, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

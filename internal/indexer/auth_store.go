package indexer

import (
	"context"
	"database/sql"
	"errors"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
)

type AuthChallengeRecord struct {
	ID           string
	WalletPubkey string
	Intent       string
	Message      string
	CreatedAt    int64
	ExpiresAt    int64
	UsedAt       *int64
}

type AuthSessionRecord struct {
	TokenHash    string
	WalletPubkey string
	CreatedAt    int64
	ExpiresAt    int64
	RefreshedAt  int64
	RevokedAt    *int64
}

func (s *Store) CreateAuthChallenge(ctx context.Context, record AuthChallengeRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_challenges (id, wallet_pubkey, intent, message, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, record.ID, record.WalletPubkey, record.Intent, record.Message, record.CreatedAt, record.ExpiresAt)
	return err
}

func (s *Store) GetAuthChallenge(ctx context.Context, id string) (AuthChallengeRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, wallet_pubkey, intent, message, created_at, expires_at, used_at
		FROM auth_challenges
		WHERE id = ?
	`, id)

	var record AuthChallengeRecord
	var usedAt sql.NullInt64
	err := row.Scan(
		&record.ID,
		&record.WalletPubkey,
		&record.Intent,
		&record.Message,
		&record.CreatedAt,
		&record.ExpiresAt,
		&usedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return AuthChallengeRecord{}, ErrNotFound
	}
	if err != nil {
		return AuthChallengeRecord{}, err
	}
	if usedAt.Valid {
		record.UsedAt = &usedAt.Int64
	}
	return record, nil
}

// MarkAuthChallengeUsed consumes a challenge exactly once: a second call for
// the same id reports ErrUnauthorized.
func (s *Store) MarkAuthChallengeUsed(ctx context.Context, id string, usedAt int64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE auth_challenges
		SET used_at = ?
		WHERE id = ? AND used_at IS NULL
	`, usedAt, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrUnauthorized
	}
	return nil
}

func (s *Store) CreateAuthSession(ctx context.Context, tokenHash, walletPubkey string, createdAt, expiresAt int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_sessions (token_hash, wallet_pubkey, created_at, expires_at, refreshed_at)
		VALUES (?, ?, ?, ?, ?)
	`, tokenHash, walletPubkey, createdAt, expiresAt, createdAt)
	return err
}

func (s *Store) GetAuthSession(ctx context.Context, tokenHash string) (AuthSessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT token_hash, wallet_pubkey, created_at, expires_at, refreshed_at, revoked_at
		FROM auth_sessions
		WHERE token_hash = ?
	`, tokenHash)

	var record AuthSessionRecord
	var revokedAt sql.NullInt64
	err := row.Scan(
		&record.TokenHash,
		&record.WalletPubkey,
		&record.CreatedAt,
		&record.ExpiresAt,
		&record.RefreshedAt,
		&revokedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return AuthSessionRecord{}, ErrNotFound
	}
	if err != nil {
		return AuthSessionRecord{}, err
	}
	if revokedAt.Valid {
		record.RevokedAt = &revokedAt.Int64
	}
	return record, nil
}

// RotateAuthSession revokes the old session and installs the replacement in
// one transaction, so a stolen pre-rotation token cannot outlive the refresh.
func (s *Store) RotateAuthSession(ctx context.Context, oldTokenHash, newTokenHash string, now, newExpiresAt int64) (string, error) {
	var walletPubkey string
	err := s.WithTx(ctx, func(tx *Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT wallet_pubkey
			FROM auth_sessions
			WHERE token_hash = ? AND revoked_at IS NULL AND expires_at > ?
		`, oldTokenHash, now)
		if err := row.Scan(&walletPubkey); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrUnauthorized
			}
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE auth_sessions
			SET revoked_at = ?
			WHERE token_hash = ?
		`, now, oldTokenHash); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO auth_sessions (token_hash, wallet_pubkey, created_at, expires_at, refreshed_at)
			VALUES (?, ?, ?, ?, ?)
		`, newTokenHash, walletPubkey, now, newExpiresAt, now)
		return err
	})
	if err != nil {
		return "", err
	}
	return walletPubkey, nil
}

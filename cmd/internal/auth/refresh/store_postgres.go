package refresh

import (
	"context"
	"errors"
	"time"

	"github.com/dagz55/d-gateway-sub002/cmd/internal/fault"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using PostgreSQL
// (signalhub.token_families, signalhub.refresh_tokens).
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a Postgres-backed refresh store. The pool is owned
// by the caller.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// CreateFamily implements Store.
func (s *PostgresStore) CreateFamily(ctx context.Context, fam Family, first Token) error {
	const op = "refresh.postgres.create_family"

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fault.Unavailable(op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO signalhub.token_families (
			id, user_id, session_id, session_version, current_token_jti, created_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, fam.ID, fam.UserID, fam.SessionID, max(fam.SessionVersion, 1), first.AccessTokenID, fam.CreatedAt, fam.ExpiresAt)
	if err != nil {
		return fault.Unavailable(op, err)
	}

	if err := insertTokenTx(ctx, tx, fam, first.Hash, first.AccessTokenID, first.CreatedAt, first.ExpiresAt); err != nil {
		return fault.Unavailable(op, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fault.Unavailable(op, err)
	}
	return nil
}

// Rotate implements Store.
//
// The presented token and its family are locked together; a concurrent
// rotation or replay of the same family waits on the lock and then observes
// the committed state.
func (s *PostgresStore) Rotate(ctx context.Context, now time.Time, presentedHash string, next Next) (Rotation, error) {
	const op = "refresh.postgres.rotate"

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Rotation{}, fault.Unavailable(op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		fam     Family
		tokExp  time.Time
		tokUsed *time.Time
	)
	err = tx.QueryRow(ctx, `
		SELECT
			f.id, f.user_id, f.session_id, f.session_version, f.current_token_jti,
			f.created_at, f.expires_at, f.revoked_at, f.revoke_reason,
			t.expires_at, t.used_at
		FROM signalhub.refresh_tokens t
		JOIN signalhub.token_families f ON f.id = t.family_id
		WHERE t.token_hash = $1
		FOR UPDATE OF t, f
	`, presentedHash).Scan(
		&fam.ID, &fam.UserID, &fam.SessionID, &fam.SessionVersion, &fam.CurrentTokenJTI,
		&fam.CreatedAt, &fam.ExpiresAt, &fam.RevokedAt, &fam.RevokeReason,
		&tokExp, &tokUsed,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Rotation{}, ErrUnknownToken
	}
	if err != nil {
		return Rotation{}, fault.Unavailable(op, err)
	}

	if fam.RevokedAt != nil {
		return Rotation{}, ErrFamilyRevoked
	}

	if tokUsed != nil {
		if err := revokeFamilyTx(ctx, tx, now, fam.ID, "replay_detected"); err != nil {
			return Rotation{}, fault.Unavailable(op, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return Rotation{}, fault.Unavailable(op, err)
		}
		return Rotation{}, &ReplayError{FamilyID: fam.ID, UserID: fam.UserID, SessionID: fam.SessionID}
	}

	if !now.Before(tokExp) || !now.Before(fam.ExpiresAt) {
		return Rotation{}, ErrRefreshExpired
	}

	if _, err := tx.Exec(ctx, `
		UPDATE signalhub.refresh_tokens SET used_at = $2 WHERE token_hash = $1
	`, presentedHash, now); err != nil {
		return Rotation{}, fault.Unavailable(op, err)
	}

	exp := nextExpiry(now, next.TTL, fam.ExpiresAt)
	if err := insertTokenTx(ctx, tx, fam, next.Hash, next.AccessTokenID, now, exp); err != nil {
		return Rotation{}, fault.Unavailable(op, err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE signalhub.token_families SET current_token_jti = $2 WHERE id = $1
	`, fam.ID, next.AccessTokenID); err != nil {
		return Rotation{}, fault.Unavailable(op, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Rotation{}, fault.Unavailable(op, err)
	}

	fam.CurrentTokenJTI = next.AccessTokenID
	return Rotation{
		Family: fam,
		Token: Token{
			Hash:          next.Hash,
			FamilyID:      fam.ID,
			UserID:        fam.UserID,
			SessionID:     fam.SessionID,
			AccessTokenID: next.AccessTokenID,
			CreatedAt:     now,
			ExpiresAt:     exp,
		},
	}, nil
}

// GetFamily implements Store.
func (s *PostgresStore) GetFamily(ctx context.Context, familyID string) (Family, error) {
	var f Family
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, session_id, session_version, current_token_jti, created_at, expires_at, revoked_at, revoke_reason
		FROM signalhub.token_families
		WHERE id = $1
	`, familyID).Scan(
		&f.ID, &f.UserID, &f.SessionID, &f.SessionVersion, &f.CurrentTokenJTI,
		&f.CreatedAt, &f.ExpiresAt, &f.RevokedAt, &f.RevokeReason,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Family{}, ErrFamilyNotFound
	}
	if err != nil {
		return Family{}, fault.Unavailable("refresh.postgres.get_family", err)
	}
	return f, nil
}

// RevokeFamily implements Store.
func (s *PostgresStore) RevokeFamily(ctx context.Context, now time.Time, familyID, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE signalhub.token_families
		SET revoked_at = COALESCE(revoked_at, $2),
		    revoke_reason = COALESCE(revoke_reason, $3)
		WHERE id = $1
	`, familyID, now, reason)
	if err != nil {
		return fault.Unavailable("refresh.postgres.revoke_family", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrFamilyNotFound
	}
	return nil
}

// RevokeSession implements Store.
func (s *PostgresStore) RevokeSession(ctx context.Context, now time.Time, sessionID, reason string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE signalhub.token_families
		SET revoked_at = $2, revoke_reason = $3
		WHERE session_id = $1 AND revoked_at IS NULL
	`, sessionID, now, reason)
	if err != nil {
		return 0, fault.Unavailable("refresh.postgres.revoke_session", err)
	}
	return int(tag.RowsAffected()), nil
}

// RevokeUser implements Store.
func (s *PostgresStore) RevokeUser(ctx context.Context, now time.Time, userID, reason string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE signalhub.token_families
		SET revoked_at = $2, revoke_reason = $3
		WHERE user_id = $1 AND revoked_at IS NULL
	`, userID, now, reason)
	if err != nil {
		return 0, fault.Unavailable("refresh.postgres.revoke_user", err)
	}
	return int(tag.RowsAffected()), nil
}

// PurgeExpired implements Store. Tokens are removed by ON DELETE CASCADE.
func (s *PostgresStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM signalhub.token_families WHERE expires_at <= $1
	`, now)
	if err != nil {
		return 0, fault.Unavailable("refresh.postgres.purge", err)
	}
	return tag.RowsAffected(), nil
}

func insertTokenTx(ctx context.Context, tx pgx.Tx, fam Family, hash, accessTokenID string, createdAt, expiresAt time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO signalhub.refresh_tokens (
			token_hash, family_id, user_id, session_id, access_token_id, created_at, expires_at, used_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NULL)
	`, hash, fam.ID, fam.UserID, fam.SessionID, accessTokenID, createdAt, expiresAt)
	return err
}

func revokeFamilyTx(ctx context.Context, tx pgx.Tx, now time.Time, familyID, reason string) error {
	_, err := tx.Exec(ctx, `
		UPDATE signalhub.token_families
		SET revoked_at = COALESCE(revoked_at, $2),
		    revoke_reason = COALESCE(revoke_reason, $3)
		WHERE id = $1
	`, familyID, now, reason)
	return err
}

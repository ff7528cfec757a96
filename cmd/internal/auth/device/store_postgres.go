package device

import (
	"context"
	"errors"
	"time"

	"github.com/dagz55/d-gateway-sub002/cmd/internal/fault"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const deviceColumns = `
	id, user_id, fingerprint, device_name, device_type, operating_system, browser,
	is_trusted, is_active, first_seen, last_seen, COALESCE(last_ip, '')`

// PostgresStore implements Store using PostgreSQL (signalhub.devices,
// signalhub.device_verification_codes).
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a Postgres-backed device store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func scanDevice(row pgx.Row) (Device, error) {
	var d Device
	err := row.Scan(
		&d.ID, &d.UserID, &d.Fingerprint, &d.Name, &d.Type, &d.OperatingSystem, &d.Browser,
		&d.Trusted, &d.Active, &d.FirstSeen, &d.LastSeen, &d.LastIP,
	)
	return d, err
}

// Upsert implements Store.
func (s *PostgresStore) Upsert(ctx context.Context, d Device) (Device, error) {
	out, err := scanDevice(s.pool.QueryRow(ctx, `
		INSERT INTO signalhub.devices (
			id, user_id, fingerprint, device_name, device_type, operating_system, browser,
			is_trusted, is_active, first_seen, last_seen, last_ip
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE, $9, $9, NULLIF($10, ''))
		ON CONFLICT (user_id, fingerprint) DO UPDATE
		SET last_seen = EXCLUDED.last_seen,
		    last_ip = COALESCE(EXCLUDED.last_ip, signalhub.devices.last_ip),
		    is_active = TRUE
		RETURNING `+deviceColumns,
		d.ID, d.UserID, d.Fingerprint, d.Name, string(d.Type), d.OperatingSystem, d.Browser,
		d.Trusted, d.LastSeen, d.LastIP,
	))
	if err != nil {
		return Device{}, fault.Unavailable("device.postgres.upsert", err)
	}
	return out, nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, userID, deviceID string) (Device, error) {
	d, err := scanDevice(s.pool.QueryRow(ctx, `
		SELECT `+deviceColumns+`
		FROM signalhub.devices
		WHERE id = $1 AND user_id = $2
	`, deviceID, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Device{}, ErrDeviceNotFound
	}
	if err != nil {
		return Device{}, fault.Unavailable("device.postgres.get", err)
	}
	return d, nil
}

// List implements Store.
func (s *PostgresStore) List(ctx context.Context, userID string, page Page) ([]Device, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+deviceColumns+`
		FROM signalhub.devices
		WHERE user_id = $1
		ORDER BY last_seen DESC, id DESC
		LIMIT $2 OFFSET $3
	`, userID, page.Limit, page.Offset)
	if err != nil {
		return nil, fault.Unavailable("device.postgres.list", err)
	}
	defer rows.Close()

	out := make([]Device, 0, page.Limit)
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fault.Unavailable("device.postgres.list", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Unavailable("device.postgres.list", err)
	}
	return out, nil
}

// SetTrusted implements Store.
func (s *PostgresStore) SetTrusted(ctx context.Context, userID, deviceID string, trusted bool) (Device, error) {
	d, err := scanDevice(s.pool.QueryRow(ctx, `
		UPDATE signalhub.devices SET is_trusted = $3
		WHERE id = $1 AND user_id = $2
		RETURNING `+deviceColumns,
		deviceID, userID, trusted,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Device{}, ErrDeviceNotFound
	}
	if err != nil {
		return Device{}, fault.Unavailable("device.postgres.set_trusted", err)
	}
	return d, nil
}

// Delete implements Store. Codes go with the device (ON DELETE CASCADE).
func (s *PostgresStore) Delete(ctx context.Context, userID, deviceID string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM signalhub.devices WHERE id = $1 AND user_id = $2
	`, deviceID, userID)
	if err != nil {
		return fault.Unavailable("device.postgres.delete", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// PutCode implements Store.
func (s *PostgresStore) PutCode(ctx context.Context, c Code) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO signalhub.device_verification_codes (device_id, user_id, code_hash, attempts, created_at, expires_at)
		SELECT d.id, d.user_id, $3, 0, $4, $5
		FROM signalhub.devices d
		WHERE d.id = $1 AND d.user_id = $2
		ON CONFLICT (device_id) DO UPDATE
		SET code_hash = EXCLUDED.code_hash,
		    attempts = 0,
		    created_at = EXCLUDED.created_at,
		    expires_at = EXCLUDED.expires_at
	`, c.DeviceID, c.UserID, c.Hash, c.CreatedAt, c.ExpiresAt)
	if err != nil {
		return fault.Unavailable("device.postgres.put_code", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// ClaimCodeAttempt implements Store. The attempt counter is bumped in the
// same statement that reads the digest, so concurrent guesses each spend one.
func (s *PostgresStore) ClaimCodeAttempt(ctx context.Context, userID, deviceID string, maxAttempts int) (Code, error) {
	const op = "device.postgres.claim_code_attempt"

	var c Code
	err := s.pool.QueryRow(ctx, `
		UPDATE signalhub.device_verification_codes
		SET attempts = attempts + 1
		WHERE device_id = $1 AND user_id = $2 AND attempts < $3
		RETURNING device_id, user_id, code_hash, attempts, created_at, expires_at
	`, deviceID, userID, maxAttempts).Scan(&c.DeviceID, &c.UserID, &c.Hash, &c.Attempts, &c.CreatedAt, &c.ExpiresAt)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Code{}, fault.Unavailable(op, err)
	}

	var exists bool
	err = s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM signalhub.device_verification_codes WHERE device_id = $1 AND user_id = $2
		)
	`, deviceID, userID).Scan(&exists)
	if err != nil {
		return Code{}, fault.Unavailable(op, err)
	}
	if exists {
		return Code{}, ErrTooManyAttempts
	}
	return Code{}, ErrInvalidCode
}

// DeleteCode implements Store.
func (s *PostgresStore) DeleteCode(ctx context.Context, userID, deviceID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM signalhub.device_verification_codes WHERE device_id = $1 AND user_id = $2
	`, deviceID, userID)
	if err != nil {
		return false, fault.Unavailable("device.postgres.delete_code", err)
	}
	return tag.RowsAffected() == 1, nil
}

// PurgeExpiredCodes implements Store.
func (s *PostgresStore) PurgeExpiredCodes(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM signalhub.device_verification_codes WHERE expires_at <= $1
	`, now)
	if err != nil {
		return 0, fault.Unavailable("device.postgres.purge_codes", err)
	}
	return tag.RowsAffected(), nil
}

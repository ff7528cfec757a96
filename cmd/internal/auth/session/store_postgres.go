package session

import (
	"context"
	"errors"
	"time"

	"github.com/dagz55/d-gateway-sub002/cmd/internal/fault"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const sessionColumns = `
	id, user_id, session_version, COALESCE(device_id, ''), family_id,
	COALESCE(ip_address, ''), user_agent, location, permissions,
	created_at, last_activity, expires_at, is_active, revoked_at, revoke_reason`

const pendingColumns = `
	id, user_id, session_ids, trigger, message, triggered_by,
	execute_at, warning_time_minutes, allow_extension, warned_at, created_at`

// PostgresStore implements Store using PostgreSQL (signalhub.sessions,
// signalhub.pending_invalidations, signalhub.invalidation_events).
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a Postgres-backed session store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func scanSession(row pgx.Row) (Session, error) {
	var s Session
	err := row.Scan(
		&s.ID, &s.UserID, &s.Version, &s.DeviceID, &s.FamilyID,
		&s.IPAddress, &s.UserAgent, &s.Location, &s.Permissions,
		&s.CreatedAt, &s.LastActivity, &s.ExpiresAt, &s.Active, &s.RevokedAt, &s.RevokeReason,
	)
	return s, err
}

func scanPending(row pgx.Row) (Pending, error) {
	var p Pending
	err := row.Scan(
		&p.ID, &p.UserID, &p.SessionIDs, &p.Trigger, &p.Message, &p.TriggeredBy,
		&p.ExecuteAt, &p.WarningMinutes, &p.AllowExtension, &p.WarnedAt, &p.CreatedAt,
	)
	return p, err
}

func orEmpty(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

// Create implements Store.
func (s *PostgresStore) Create(ctx context.Context, sess Session) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO signalhub.sessions (
			id, user_id, session_version, device_id, family_id,
			ip_address, user_agent, location, permissions,
			created_at, last_activity, expires_at, is_active
		) VALUES (
			$1, $2, $3, NULLIF($4, ''), $5,
			NULLIF($6, ''), $7, $8, $9,
			$10, $10, $11, TRUE
		)
	`, sess.ID, sess.UserID, sess.Version, sess.DeviceID, sess.FamilyID,
		sess.IPAddress, sess.UserAgent, sess.Location, orEmpty(sess.Permissions),
		sess.CreatedAt, sess.ExpiresAt)
	if err != nil {
		return fault.Unavailable("session.postgres.create", err)
	}
	return nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, sessionID string) (Session, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM signalhub.sessions
		WHERE id = $1
	`, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, fault.Unavailable("session.postgres.get", err)
	}
	return sess, nil
}

// ListActive implements Store.
func (s *PostgresStore) ListActive(ctx context.Context, userID string, now time.Time, page Page) ([]Session, error) {
	const op = "session.postgres.list_active"

	rows, err := s.pool.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM signalhub.sessions
		WHERE user_id = $1 AND is_active AND expires_at > $2
		ORDER BY last_activity DESC, id DESC
		LIMIT $3 OFFSET $4
	`, userID, now, page.Limit, page.Offset)
	if err != nil {
		return nil, fault.Unavailable(op, err)
	}
	defer rows.Close()

	out := make([]Session, 0, page.Limit)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fault.Unavailable(op, err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Unavailable(op, err)
	}
	return out, nil
}

// Touch implements Store.
func (s *PostgresStore) Touch(ctx context.Context, sessionID string, now, threshold time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE signalhub.sessions
		SET last_activity = $2
		WHERE id = $1 AND is_active AND last_activity <= $3
	`, sessionID, now, threshold)
	if err != nil {
		return false, fault.Unavailable("session.postgres.touch", err)
	}
	return tag.RowsAffected() == 1, nil
}

// BumpVersion implements Store.
func (s *PostgresStore) BumpVersion(ctx context.Context, userID, excludeID string, perms []string) ([]string, error) {
	const op = "session.postgres.bump_version"

	rows, err := s.pool.Query(ctx, `
		UPDATE signalhub.sessions
		SET session_version = CASE WHEN id = $2 THEN session_version ELSE session_version + 1 END,
		    permissions = COALESCE($3::text[], permissions)
		WHERE user_id = $1 AND is_active
		RETURNING id, id <> $2
	`, userID, excludeID, perms)
	if err != nil {
		return nil, fault.Unavailable(op, err)
	}
	defer rows.Close()

	var bumped []string
	for rows.Next() {
		var (
			id  string
			did bool
		)
		if err := rows.Scan(&id, &did); err != nil {
			return nil, fault.Unavailable(op, err)
		}
		if did {
			bumped = append(bumped, id)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Unavailable(op, err)
	}
	return bumped, nil
}

// deactivateTx marks the selected sessions inactive and returns their ids.
func deactivateTx(ctx context.Context, tx pgx.Tx, sel Selector, at time.Time, reason string) ([]string, error) {
	rows, err := tx.Query(ctx, `
		UPDATE signalhub.sessions
		SET is_active = FALSE, revoked_at = $5, revoke_reason = $6
		WHERE user_id = $1 AND is_active
		  AND (cardinality($2::text[]) = 0 OR id = ANY($2::text[]))
		  AND ($3 = '' OR device_id = $3)
		  AND ($4 = '' OR id <> $4)
		RETURNING id
	`, sel.UserID, orEmpty(sel.SessionIDs), sel.DeviceID, sel.ExceptID, at, reason)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	return orEmpty(ids), nil
}

func appendEventTx(ctx context.Context, tx pgx.Tx, ev Event) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO signalhub.invalidation_events (
			id, user_id, reason, affected_sessions, triggered_by, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)
	`, ev.ID, ev.UserID, ev.Reason, orEmpty(ev.AffectedSessions), ev.TriggeredBy, ev.Timestamp)
	return err
}

// Invalidate implements Store.
func (s *PostgresStore) Invalidate(ctx context.Context, sel Selector, ev Event) (Event, error) {
	const op = "session.postgres.invalidate"

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Event{}, fault.Unavailable(op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ev.AffectedSessions, err = deactivateTx(ctx, tx, sel, ev.Timestamp, ev.Reason)
	if err != nil {
		return Event{}, fault.Unavailable(op, err)
	}
	if len(ev.AffectedSessions) == 0 {
		return ev, nil
	}
	if err := appendEventTx(ctx, tx, ev); err != nil {
		return Event{}, fault.Unavailable(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Event{}, fault.Unavailable(op, err)
	}
	return ev, nil
}

// ListEvents implements Store.
func (s *PostgresStore) ListEvents(ctx context.Context, userID string, page Page) ([]Event, error) {
	const op = "session.postgres.list_events"

	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, reason, affected_sessions, triggered_by, created_at
		FROM signalhub.invalidation_events
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, userID, page.Limit, page.Offset)
	if err != nil {
		return nil, fault.Unavailable(op, err)
	}
	defer rows.Close()

	out := make([]Event, 0, page.Limit)
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.UserID, &e.Reason, &e.AffectedSessions, &e.TriggeredBy, &e.Timestamp); err != nil {
			return nil, fault.Unavailable(op, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Unavailable(op, err)
	}
	return out, nil
}

// CreatePending implements Store.
func (s *PostgresStore) CreatePending(ctx context.Context, p Pending) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO signalhub.pending_invalidations (
			id, user_id, session_ids, trigger, message, triggered_by,
			execute_at, warning_time_minutes, allow_extension, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, p.ID, p.UserID, orEmpty(p.SessionIDs), string(p.Trigger), p.Message, p.TriggeredBy,
		p.ExecuteAt, p.WarningMinutes, p.AllowExtension, p.CreatedAt)
	if err != nil {
		return fault.Unavailable("session.postgres.create_pending", err)
	}
	return nil
}

// GetPending implements Store.
func (s *PostgresStore) GetPending(ctx context.Context, id string) (Pending, error) {
	p, err := scanPending(s.pool.QueryRow(ctx, `
		SELECT `+pendingColumns+`
		FROM signalhub.pending_invalidations
		WHERE id = $1
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Pending{}, ErrInvalidationNotFound
	}
	if err != nil {
		return Pending{}, fault.Unavailable("session.postgres.get_pending", err)
	}
	return p, nil
}

func (s *PostgresStore) queryPending(ctx context.Context, op, sql string, args ...any) ([]Pending, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fault.Unavailable(op, err)
	}
	defer rows.Close()

	out := make([]Pending, 0)
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, fault.Unavailable(op, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Unavailable(op, err)
	}
	return out, nil
}

// ListPending implements Store.
func (s *PostgresStore) ListPending(ctx context.Context, userID string) ([]Pending, error) {
	return s.queryPending(ctx, "session.postgres.list_pending", `
		SELECT `+pendingColumns+`
		FROM signalhub.pending_invalidations
		WHERE user_id = $1
		ORDER BY execute_at, id
	`, userID)
}

// DelayPending implements Store.
func (s *PostgresStore) DelayPending(ctx context.Context, id, userID string, d time.Duration) (Pending, error) {
	p, err := scanPending(s.pool.QueryRow(ctx, `
		UPDATE signalhub.pending_invalidations
		SET execute_at = execute_at + make_interval(secs => $3::double precision),
		    warned_at = NULL
		WHERE id = $1 AND ($2 = '' OR user_id = $2) AND allow_extension
		RETURNING `+pendingColumns,
		id, userID, d.Seconds(),
	))
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Pending{}, fault.Unavailable("session.postgres.delay_pending", err)
	}

	cur, err := s.GetPending(ctx, id)
	if err != nil {
		return Pending{}, err
	}
	if userID != "" && cur.UserID != userID {
		return Pending{}, ErrInvalidationNotFound
	}
	return Pending{}, ErrExtensionNotAllowed
}

// CancelPending implements Store.
func (s *PostgresStore) CancelPending(ctx context.Context, id, userID string) (Pending, error) {
	p, err := scanPending(s.pool.QueryRow(ctx, `
		DELETE FROM signalhub.pending_invalidations
		WHERE id = $1 AND ($2 = '' OR user_id = $2)
		RETURNING `+pendingColumns,
		id, userID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Pending{}, ErrInvalidationNotFound
	}
	if err != nil {
		return Pending{}, fault.Unavailable("session.postgres.cancel_pending", err)
	}
	return p, nil
}

// ExecutePending implements Store.
//
// The DELETE ... RETURNING takes the row lock; a concurrent cancel either
// commits first (and this returns ErrInvalidationNotFound) or blocks until
// this transaction commits and then finds nothing to delete.
func (s *PostgresStore) ExecutePending(ctx context.Context, id, userID string, ev Event) (Pending, Event, error) {
	const op = "session.postgres.execute_pending"

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Pending{}, Event{}, fault.Unavailable(op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	p, err := scanPending(tx.QueryRow(ctx, `
		DELETE FROM signalhub.pending_invalidations
		WHERE id = $1 AND ($2 = '' OR user_id = $2)
		RETURNING `+pendingColumns,
		id, userID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Pending{}, Event{}, ErrInvalidationNotFound
	}
	if err != nil {
		return Pending{}, Event{}, fault.Unavailable(op, err)
	}

	ev = pendingEvent(p, ev)
	ev.AffectedSessions, err = deactivateTx(ctx, tx, Selector{UserID: p.UserID, SessionIDs: p.SessionIDs}, ev.Timestamp, ev.Reason)
	if err != nil {
		return Pending{}, Event{}, fault.Unavailable(op, err)
	}
	if err := appendEventTx(ctx, tx, ev); err != nil {
		return Pending{}, Event{}, fault.Unavailable(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Pending{}, Event{}, fault.Unavailable(op, err)
	}
	return p, ev, nil
}

// DuePending implements Store.
func (s *PostgresStore) DuePending(ctx context.Context, now time.Time, limit int) ([]Pending, error) {
	return s.queryPending(ctx, "session.postgres.due_pending", `
		SELECT `+pendingColumns+`
		FROM signalhub.pending_invalidations
		WHERE execute_at <= $1
		ORDER BY execute_at, id
		LIMIT $2
	`, now, limit)
}

// WarnablePending implements Store.
func (s *PostgresStore) WarnablePending(ctx context.Context, now time.Time, limit int) ([]Pending, error) {
	return s.queryPending(ctx, "session.postgres.warnable_pending", `
		SELECT `+pendingColumns+`
		FROM signalhub.pending_invalidations
		WHERE warned_at IS NULL
		  AND execute_at > $1
		  AND execute_at - make_interval(mins => warning_time_minutes) <= $1
		ORDER BY execute_at, id
		LIMIT $2
	`, now, limit)
}

// MarkWarned implements Store.
func (s *PostgresStore) MarkWarned(ctx context.Context, id string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE signalhub.pending_invalidations
		SET warned_at = $2
		WHERE id = $1 AND warned_at IS NULL
	`, id, now)
	if err != nil {
		return false, fault.Unavailable("session.postgres.mark_warned", err)
	}
	return tag.RowsAffected() == 1, nil
}

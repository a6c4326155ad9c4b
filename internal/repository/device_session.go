package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/kioskshop/pairing-server-go/internal/model"
)

// ErrDuplicateCode is returned by Create when the pairing code is already taken.
var ErrDuplicateCode = errors.New("pairing code already exists")

const pqUniqueViolation = "23505"

type DeviceSessionRepository interface {
	FindByCode(ctx context.Context, code string) (*model.DeviceSession, error)
	Create(ctx context.Context, params model.CreateDeviceSessionParams) (*model.DeviceSession, error)
	// MarkAuthenticated performs the single pending -> authenticated transition.
	// It reports false when no pending, unexpired row matched.
	MarkAuthenticated(ctx context.Context, code, userID string, now time.Time) (bool, error)
	MarkExpired(ctx context.Context, now time.Time) (int64, error)
	DeleteByCode(ctx context.Context, code string) (int64, error)
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteByStatus(ctx context.Context, status model.SessionStatus) (int64, error)
	DeleteOrphanedPending(ctx context.Context, createdBefore time.Time) (int64, error)
	Stats(ctx context.Context, now time.Time) (*model.SessionStats, error)
}

type deviceSessionRepo struct {
	db *sqlx.DB
}

func NewDeviceSessionRepository(db *sqlx.DB) DeviceSessionRepository {
	return &deviceSessionRepo{db: db}
}

func (r *deviceSessionRepo) FindByCode(ctx context.Context, code string) (*model.DeviceSession, error) {
	var session model.DeviceSession
	err := r.db.GetContext(ctx, &session, `
		SELECT id, kiosk_session_id, user_id, status, created_at, expires_at
		FROM device_sessions
		WHERE kiosk_session_id = $1
	`, code)
	return HandleNotFound(&session, err)
}

func (r *deviceSessionRepo) Create(ctx context.Context, params model.CreateDeviceSessionParams) (*model.DeviceSession, error) {
	status := params.Status
	if status == "" {
		status = model.SessionStatusPending
	}

	var session model.DeviceSession
	err := r.db.GetContext(ctx, &session, `
		INSERT INTO device_sessions (kiosk_session_id, user_id, status, expires_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id, kiosk_session_id, user_id, status, created_at, expires_at
	`, params.PairingCode, params.UserID, status, params.ExpiresAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return nil, ErrDuplicateCode
		}
		return nil, fmt.Errorf("insert device session: %w", err)
	}
	return &session, nil
}

func (r *deviceSessionRepo) MarkAuthenticated(ctx context.Context, code, userID string, now time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE device_sessions SET
			status = 'authenticated',
			user_id = $2
		WHERE kiosk_session_id = $1
		AND status = 'pending'
		AND expires_at > $3
	`, code, userID, now)
	if err != nil {
		return false, fmt.Errorf("mark authenticated: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *deviceSessionRepo) MarkExpired(ctx context.Context, now time.Time) (int64, error) {
	return r.exec(ctx, `
		UPDATE device_sessions SET status = 'expired'
		WHERE status = 'pending' AND expires_at < $1
	`, now)
}

func (r *deviceSessionRepo) DeleteByCode(ctx context.Context, code string) (int64, error) {
	return r.exec(ctx, `DELETE FROM device_sessions WHERE kiosk_session_id = $1`, code)
}

func (r *deviceSessionRepo) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return r.exec(ctx, `DELETE FROM device_sessions WHERE expires_at < $1`, cutoff)
}

func (r *deviceSessionRepo) DeleteByStatus(ctx context.Context, status model.SessionStatus) (int64, error) {
	return r.exec(ctx, `DELETE FROM device_sessions WHERE status = $1`, status)
}

func (r *deviceSessionRepo) DeleteOrphanedPending(ctx context.Context, createdBefore time.Time) (int64, error) {
	return r.exec(ctx, `
		DELETE FROM device_sessions
		WHERE status = 'pending' AND created_at < $1
	`, createdBefore)
}

func (r *deviceSessionRepo) Stats(ctx context.Context, now time.Time) (*model.SessionStats, error) {
	var stats model.SessionStats
	err := r.db.GetContext(ctx, &stats, `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE status = 'pending') AS pending,
			COUNT(*) FILTER (WHERE status = 'authenticated') AS authenticated,
			COUNT(*) FILTER (WHERE status = 'expired') AS expired,
			COUNT(*) FILTER (WHERE expires_at < $1) AS past_expiry
		FROM device_sessions
	`, now)
	if err != nil {
		return nil, fmt.Errorf("session stats: %w", err)
	}
	return &stats, nil
}

func (r *deviceSessionRepo) exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

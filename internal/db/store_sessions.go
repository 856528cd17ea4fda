package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const sessionColumns = `id, user_id, ip_address, COALESCE(session_token, ''), created_at, expires_at, active`

func scanSession(row pgx.Row) (*UserSession, error) {
	sess := &UserSession{}
	err := row.Scan(
		&sess.ID, &sess.UserID, &sess.IPAddress, &sess.SessionToken,
		&sess.CreatedAt, &sess.ExpiresAt, &sess.Active,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sess, err
}

// ReplaceSession atomically deactivates every active session of the user and
// inserts a new one. It returns the new session and the IP of the most recent
// prior active session ("" when there was none) for firewall handoff.
func (s *Store) ReplaceSession(ctx context.Context, userID int64, ip, token string, expiresAt time.Time) (*UserSession, string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("failed to begin session transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var oldIP string
	err = tx.QueryRow(ctx,
		`SELECT ip_address FROM user_sessions
		 WHERE user_id = $1 AND active ORDER BY id DESC LIMIT 1`, userID,
	).Scan(&oldIP)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, "", fmt.Errorf("failed to read prior session: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE user_sessions SET active = false WHERE user_id = $1 AND active`, userID); err != nil {
		return nil, "", fmt.Errorf("failed to deactivate prior sessions: %w", err)
	}

	sess, err := scanSession(tx.QueryRow(ctx,
		`INSERT INTO user_sessions (user_id, ip_address, session_token, expires_at)
		 VALUES ($1, $2, NULLIF($3, ''), $4)
		 RETURNING `+sessionColumns,
		userID, ip, token, expiresAt,
	))
	if err != nil {
		return nil, "", fmt.Errorf("failed to insert session: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, "", fmt.Errorf("failed to commit session transaction: %w", err)
	}
	return sess, oldIP, nil
}

// GetActiveSession returns the active session for a user, if any.
func (s *Store) GetActiveSession(ctx context.Context, userID int64) (*UserSession, error) {
	return scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM user_sessions
		 WHERE user_id = $1 AND active ORDER BY id DESC LIMIT 1`, userID))
}

// HasActiveSessionForIP reports whether the user holds an active session
// bound to the given client IP.
func (s *Store) HasActiveSessionForIP(ctx context.Context, userID int64, ip string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM user_sessions
		 WHERE user_id = $1 AND ip_address = $2 AND active)`, userID, ip,
	).Scan(&exists)
	return exists, err
}

// DeactivateSession flips a single session inactive.
func (s *Store) DeactivateSession(ctx context.Context, sessionID int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE user_sessions SET active = false WHERE id = $1`, sessionID)
	return err
}

// DeactivateUserSessions flips every active session of a user inactive.
func (s *Store) DeactivateUserSessions(ctx context.Context, userID int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE user_sessions SET active = false WHERE user_id = $1 AND active`, userID)
	return err
}

// ListExpiredSessions returns active sessions whose expiry has passed.
func (s *Store) ListExpiredSessions(ctx context.Context, now time.Time) ([]UserSession, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM user_sessions WHERE active AND expires_at <= $1`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired sessions: %w", err)
	}
	defer rows.Close()

	var out []UserSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

// ListActiveSessions returns every active session, used by the cold-start
// firewall rebuild.
func (s *Store) ListActiveSessions(ctx context.Context) ([]UserSession, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM user_sessions WHERE active`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}
	defer rows.Close()

	var out []UserSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

const userColumns = `id, username, email, password_hash, verified, is_admin, banned, created_at`

func scanUser(row pgx.Row) (*User, error) {
	u := &User{}
	err := row.Scan(
		&u.ID, &u.Username, &u.Email, &u.PasswordHash,
		&u.Verified, &u.IsAdmin, &u.Banned, &u.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return u, err
}

func (s *Store) GetUser(ctx context.Context, id int64) (*User, error) {
	return scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = $1`, username))
}

func (s *Store) CreateUser(ctx context.Context, username, email, passwordHash string) (*User, error) {
	return scanUser(s.pool.QueryRow(ctx,
		`INSERT INTO users (username, email, password_hash)
		 VALUES ($1, $2, $3)
		 RETURNING `+userColumns,
		username, email, passwordHash,
	))
}

func (s *Store) ListUserIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM users`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetUserBanned flips the banned flag and returns the previous value so
// callers can detect the unbanned-to-banned transition.
func (s *Store) SetUserBanned(ctx context.Context, id int64, banned bool) (wasBanned bool, err error) {
	err = s.pool.QueryRow(ctx,
		`UPDATE users u SET banned = $2
		 FROM (SELECT banned FROM users WHERE id = $1 FOR UPDATE) old
		 WHERE u.id = $1
		 RETURNING old.banned`,
		id, banned,
	).Scan(&wasBanned)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	return wasBanned, err
}

// SetUserVerified marks an account as verified. There is no mailer in
// this service; verification is driven by an operator or an external
// flow writing through this method.
func (s *Store) SetUserVerified(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `UPDATE users SET verified = true WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

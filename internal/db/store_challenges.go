package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

const challengeColumns = `id, name, points, flag, active, category, static,
	COALESCE(image_tag, ''), COALESCE(metadata_filepath, ''), tcp_ports`

func scanChallenge(row pgx.Row) (*Challenge, error) {
	ch := &Challenge{}
	err := row.Scan(
		&ch.ID, &ch.Name, &ch.Points, &ch.Flag, &ch.Active, &ch.Category,
		&ch.Static, &ch.ImageTag, &ch.MetadataFilepath, &ch.TCPPorts,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return ch, err
}

func (s *Store) GetChallenge(ctx context.Context, id int64) (*Challenge, error) {
	return scanChallenge(s.pool.QueryRow(ctx,
		`SELECT `+challengeColumns+` FROM challenges WHERE id = $1`, id))
}

func (s *Store) GetChallengeByName(ctx context.Context, name string) (*Challenge, error) {
	return scanChallenge(s.pool.QueryRow(ctx,
		`SELECT `+challengeColumns+` FROM challenges WHERE name = $1`, name))
}

func (s *Store) ListActiveChallenges(ctx context.Context) ([]Challenge, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+challengeColumns+` FROM challenges WHERE active ORDER BY category, points`)
	if err != nil {
		return nil, fmt.Errorf("failed to list challenges: %w", err)
	}
	defer rows.Close()

	var out []Challenge
	for rows.Next() {
		ch, err := scanChallenge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ch)
	}
	return out, rows.Err()
}

func (s *Store) CreateChallenge(ctx context.Context, ch *Challenge) (*Challenge, error) {
	return scanChallenge(s.pool.QueryRow(ctx,
		`INSERT INTO challenges (name, points, flag, active, category, static, image_tag, metadata_filepath, tcp_ports)
		 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9)
		 RETURNING `+challengeColumns,
		ch.Name, ch.Points, ch.Flag, ch.Active, ch.Category, ch.Static,
		ch.ImageTag, ch.MetadataFilepath, ch.TCPPorts,
	))
}

// SetChallengeActive flips the active flag and returns the previous value so
// callers can detect the deactivation transition.
func (s *Store) SetChallengeActive(ctx context.Context, id int64, active bool) (wasActive bool, err error) {
	err = s.pool.QueryRow(ctx,
		`UPDATE challenges c SET active = $2
		 FROM (SELECT active FROM challenges WHERE id = $1 FOR UPDATE) old
		 WHERE c.id = $1
		 RETURNING old.active`,
		id, active,
	).Scan(&wasActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	return wasActive, err
}

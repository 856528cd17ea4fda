package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
)

const sandboxColumns = `id, container_id, container_port, created_at, destroyed_at,
	challenge_id, user_id, active, port_mappings`

func scanSandbox(row pgx.Row) (*Sandbox, error) {
	sb := &Sandbox{}
	var rawMappings []byte
	err := row.Scan(
		&sb.ID, &sb.ContainerID, &sb.ContainerPort, &sb.CreatedAt, &sb.DestroyedAt,
		&sb.ChallengeID, &sb.UserID, &sb.Active, &rawMappings,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(rawMappings) > 0 {
		var raw map[string]any
		if err := json.Unmarshal(rawMappings, &raw); err == nil {
			mappings, nerr := NormalizePortMappings(raw)
			if nerr != nil {
				// Legacy rows may carry junk host ports; keep what is
				// coercible rather than failing the read.
				log.Printf("db: sandbox %d: %v", sb.ID, nerr)
				mappings = salvagePortMappings(raw)
			}
			sb.PortMappings = mappings
		}
	}
	return sb, nil
}

// GetActiveSandbox returns the active sandbox for a (challenge, user) key.
// userID must be nil for static challenges.
func (s *Store) GetActiveSandbox(ctx context.Context, challengeID int64, userID *int64) (*Sandbox, error) {
	if userID == nil {
		return scanSandbox(s.pool.QueryRow(ctx,
			`SELECT `+sandboxColumns+` FROM sandboxes
			 WHERE challenge_id = $1 AND user_id IS NULL AND active
			 ORDER BY id DESC LIMIT 1`, challengeID))
	}
	return scanSandbox(s.pool.QueryRow(ctx,
		`SELECT `+sandboxColumns+` FROM sandboxes
		 WHERE challenge_id = $1 AND user_id = $2 AND active
		 ORDER BY id DESC LIMIT 1`, challengeID, *userID))
}

func (s *Store) GetSandbox(ctx context.Context, id int64) (*Sandbox, error) {
	return scanSandbox(s.pool.QueryRow(ctx,
		`SELECT `+sandboxColumns+` FROM sandboxes WHERE id = $1`, id))
}

func (s *Store) CreateSandbox(ctx context.Context, sb *Sandbox) (*Sandbox, error) {
	mappings, err := json.Marshal(sb.PortMappings)
	if err != nil {
		return nil, fmt.Errorf("failed to encode port mappings: %w", err)
	}
	created, err := scanSandbox(s.pool.QueryRow(ctx,
		`INSERT INTO sandboxes (container_id, container_port, challenge_id, user_id, active, port_mappings)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+sandboxColumns,
		sb.ContainerID, sb.ContainerPort, sb.ChallengeID, sb.UserID, sb.Active, mappings,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to insert sandbox: %w", err)
	}
	return created, nil
}

// RetireSandbox flips a sandbox inactive and stamps destroyed_at. Rows are
// never deleted; they are retained for audit.
func (s *Store) RetireSandbox(ctx context.Context, id int64, destroyedAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sandboxes SET active = false, destroyed_at = $2 WHERE id = $1`,
		id, destroyedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to retire sandbox %d: %w", id, err)
	}
	return nil
}

func (s *Store) listSandboxes(ctx context.Context, query string, args ...any) ([]Sandbox, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sandboxes: %w", err)
	}
	defer rows.Close()

	var out []Sandbox
	for rows.Next() {
		sb, err := scanSandbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sb)
	}
	return out, rows.Err()
}

func (s *Store) ListActiveSandboxes(ctx context.Context) ([]Sandbox, error) {
	return s.listSandboxes(ctx,
		`SELECT `+sandboxColumns+` FROM sandboxes WHERE active`)
}

func (s *Store) ListActiveSandboxesByChallenge(ctx context.Context, challengeID int64) ([]Sandbox, error) {
	return s.listSandboxes(ctx,
		`SELECT `+sandboxColumns+` FROM sandboxes WHERE challenge_id = $1 AND active`, challengeID)
}

func (s *Store) ListActiveSandboxesByUser(ctx context.Context, userID int64) ([]Sandbox, error) {
	return s.listSandboxes(ctx,
		`SELECT `+sandboxColumns+` FROM sandboxes WHERE user_id = $1 AND active`, userID)
}

// ListActiveStaticSandboxes returns active sandboxes of static challenges,
// used by the cold-start firewall rebuild.
func (s *Store) ListActiveStaticSandboxes(ctx context.Context) ([]Sandbox, error) {
	return s.listSandboxes(ctx,
		`SELECT s.id, s.container_id, s.container_port, s.created_at, s.destroyed_at,
		        s.challenge_id, s.user_id, s.active, s.port_mappings
		 FROM sandboxes s JOIN challenges c ON c.id = s.challenge_id
		 WHERE s.active AND c.static`)
}

// ListReapableSandboxes returns active non-static sandboxes that are either
// solved (a correct submission exists for their user and challenge) or older
// than the cutoff.
func (s *Store) ListReapableSandboxes(ctx context.Context, cutoff time.Time) ([]Sandbox, error) {
	return s.listSandboxes(ctx,
		`SELECT s.id, s.container_id, s.container_port, s.created_at, s.destroyed_at,
		        s.challenge_id, s.user_id, s.active, s.port_mappings
		 FROM sandboxes s JOIN challenges c ON c.id = s.challenge_id
		 WHERE s.active AND NOT c.static
		   AND (s.created_at <= $1
		        OR EXISTS (SELECT 1 FROM submissions sub
		                   WHERE sub.challenge_id = s.challenge_id
		                     AND sub.user_id = s.user_id
		                     AND sub.correct))`,
		cutoff)
}

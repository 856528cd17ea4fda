package db

import (
	"context"
	"fmt"
)

// HasCorrectSubmission reports whether the user has already solved the
// challenge.
func (s *Store) HasCorrectSubmission(ctx context.Context, userID, challengeID int64) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM submissions
		 WHERE user_id = $1 AND challenge_id = $2 AND correct)`,
		userID, challengeID,
	).Scan(&exists)
	return exists, err
}

// CreateSubmission records one flag submission attempt.
func (s *Store) CreateSubmission(ctx context.Context, userID, challengeID int64, correct bool) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO submissions (user_id, challenge_id, correct) VALUES ($1, $2, $3)`,
		userID, challengeID, correct,
	)
	if err != nil {
		return fmt.Errorf("failed to insert submission: %w", err)
	}
	return nil
}

// ListSolvedChallengeIDs returns the IDs of challenges the user has solved.
func (s *Store) ListSolvedChallengeIDs(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT challenge_id FROM submissions WHERE user_id = $1 AND correct`, userID)
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

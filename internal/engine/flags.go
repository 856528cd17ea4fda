package engine

import (
	"context"
	"errors"
	"log"
	"strings"

	"github.com/xctf/xctf/internal/db"
	"github.com/xctf/xctf/internal/metrics"
)

// MaxFlagLength bounds submitted flags before they reach comparison.
const MaxFlagLength = 500

// SubmitFlag records one submission attempt and returns whether it was
// correct plus the message shown to the user. Repeat solves are rejected
// without recording a new submission.
func (e *Engine) SubmitFlag(ctx context.Context, userID, challengeID int64, flag string) (bool, string) {
	challenge, err := e.store.GetChallenge(ctx, challengeID)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			log.Printf("engine: load challenge %d: %v", challengeID, err)
		}
		return false, "Challenge not found"
	}

	solved, err := e.store.HasCorrectSubmission(ctx, userID, challengeID)
	if err != nil {
		log.Printf("engine: check solved: user=%d challenge=%d: %v", userID, challengeID, err)
		return false, "Error submitting flag, please try again later."
	}
	if solved {
		return false, "You have already solved this challenge."
	}

	correct := strings.TrimSpace(flag) == strings.TrimSpace(challenge.Flag)
	if err := e.store.CreateSubmission(ctx, userID, challengeID, correct); err != nil {
		log.Printf("engine: save submission: user=%d challenge=%d: %v", userID, challengeID, err)
		return false, "Error submitting flag, please try again later."
	}

	if correct {
		metrics.FlagSubmissionsTotal.WithLabelValues("correct").Inc()
		log.Printf("engine: flag submitted correctly: user=%d challenge=%d", userID, challengeID)
		return true, "correct flag"
	}
	metrics.FlagSubmissionsTotal.WithLabelValues("incorrect").Inc()
	log.Printf("engine: flag submitted incorrectly: user=%d challenge=%d", userID, challengeID)
	return false, "incorrect flag"
}

// UserSolved reports whether the user already solved the challenge.
func (e *Engine) UserSolved(ctx context.Context, userID, challengeID int64) (bool, error) {
	return e.store.HasCorrectSubmission(ctx, userID, challengeID)
}

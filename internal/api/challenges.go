package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/xctf/xctf/internal/auth"
	"github.com/xctf/xctf/internal/db"
	"github.com/xctf/xctf/internal/engine"
	"github.com/xctf/xctf/pkg/types"
)

func (s *Server) listChallenges(c echo.Context) error {
	ctx := c.Request().Context()
	user := auth.UserFrom(c)

	challenges, err := s.cfg.Store.ListActiveChallenges(ctx)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "error listing challenges",
		})
	}

	solved := map[int64]bool{}
	ids, err := s.cfg.Store.ListSolvedChallengeIDs(ctx, user.ID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "error listing challenges",
		})
	}
	for _, id := range ids {
		solved[id] = true
	}

	out := make([]types.ChallengeSummary, 0, len(challenges))
	for _, ch := range challenges {
		out = append(out, types.ChallengeSummary{
			ID:       ch.ID,
			Name:     ch.Name,
			Points:   ch.Points,
			Category: ch.Category,
			Static:   ch.Static,
			Solved:   solved[ch.ID],
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) startChallenge(c echo.Context) error {
	ctx := c.Request().Context()
	user := auth.UserFrom(c)

	challengeID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "Challenge not found",
		})
	}

	challenge, err := s.cfg.Store.GetChallenge(ctx, challengeID)
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "Challenge not found",
		})
	}
	if !challenge.Active {
		return c.JSON(http.StatusConflict, map[string]string{
			"error": "Challenge is not active.",
		})
	}
	if solved, err := s.cfg.Engine.UserSolved(ctx, user.ID, challenge.ID); err == nil && solved {
		return c.JSON(http.StatusConflict, map[string]string{
			"error": "You have already solved it.",
		})
	}

	uid := user.ID
	sb, err := s.cfg.Engine.GetOrCreateSandbox(ctx, challenge, &uid)
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrLockBusy):
		// Another request is building the sandbox; wait for it to land.
		sb = s.waitForSandbox(ctx, challenge, &uid)
		if sb == nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"error": "Error starting challenge, check with admins.",
			})
		}
	case errors.Is(err, engine.ErrSandboxCreateTimeout):
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"error": "Challenge stuck in unhealthy state",
		})
	default:
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "Error starting challenge",
		})
	}

	return c.JSON(http.StatusOK, types.StartChallengeResponse{
		URL: s.cfg.Engine.SandboxURL(sb),
	})
}

// waitForSandbox polls the store after losing the creation lock to the
// process that is actually building the sandbox.
func (s *Server) waitForSandbox(ctx context.Context, challenge *db.Challenge, userID *int64) *db.Sandbox {
	if challenge.Static {
		userID = nil
	}
	for i := 0; i < s.cfg.StartPollAttempts; i++ {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.cfg.StartPollInterval):
		}
		if sb, err := s.cfg.Store.GetActiveSandbox(ctx, challenge.ID, userID); err == nil {
			return sb
		}
	}
	return nil
}

func (s *Server) submitFlag(c echo.Context) error {
	ctx := c.Request().Context()
	user := auth.UserFrom(c)

	challengeID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "Challenge not found",
		})
	}

	var req types.SubmitFlagRequest
	if err := c.Bind(&req); err != nil || req.Flag == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "Invalid flag submission.",
		})
	}
	if len(req.Flag) > engine.MaxFlagLength {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "Flag is too long.",
		})
	}

	correct, message := s.cfg.Engine.SubmitFlag(ctx, user.ID, challengeID, req.Flag)
	return c.JSON(http.StatusOK, types.SubmitFlagResponse{
		Correct: correct,
		Message: message,
	})
}

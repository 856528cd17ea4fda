package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/xctf/xctf/internal/db"
	"github.com/xctf/xctf/pkg/types"
)

func (s *Server) createChallenge(c echo.Context) error {
	var req types.CreateChallengeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid request body: " + err.Error(),
		})
	}
	if req.Name == "" || req.Flag == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "name and flag are required",
		})
	}
	if req.ImageTag == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "imageTag is required",
		})
	}

	ch, err := s.cfg.Store.CreateChallenge(c.Request().Context(), &db.Challenge{
		Name:     req.Name,
		Points:   req.Points,
		Flag:     req.Flag,
		Active:   true,
		Category: req.Category,
		Static:   req.Static,
		ImageTag: req.ImageTag,
		TCPPorts: req.TCPPorts,
	})
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "error creating challenge",
		})
	}
	return c.JSON(http.StatusCreated, ch)
}

func (s *Server) deactivateChallenge(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "Challenge not found",
		})
	}
	if err := s.cfg.Engine.DeactivateChallenge(c.Request().Context(), id); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "error deactivating challenge",
		})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "deactivated"})
}

func (s *Server) refreshSandboxes(c echo.Context) error {
	var req types.RefreshSandboxesRequest
	if err := c.Bind(&req); err != nil || req.ChallengeName == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "challengeName is required",
		})
	}
	if s.cfg.Queue == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"error": "task queue unavailable",
		})
	}
	if err := s.cfg.Queue.EnqueueRefreshSandboxes(c.Request().Context(), req.ChallengeName); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "error enqueueing refresh",
		})
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "refresh enqueued"})
}

func (s *Server) banUser(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "user not found",
		})
	}
	if err := s.cfg.Engine.BanUser(c.Request().Context(), id); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "error banning user",
		})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "banned"})
}

func (s *Server) listContainers(c echo.Context) error {
	entries, err := s.cfg.Engine.ListManagedContainers(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "error listing containers",
		})
	}
	return c.JSON(http.StatusOK, entries)
}

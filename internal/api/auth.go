package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/xctf/xctf/internal/auth"
	"github.com/xctf/xctf/internal/db"
	"github.com/xctf/xctf/internal/session"
	"github.com/xctf/xctf/pkg/types"
)

func (s *Server) register(c echo.Context) error {
	var req types.RegisterRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid request body: " + err.Error(),
		})
	}

	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	if req.Username == "" || req.Email == "" || req.Password == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "username, email and password are required",
		})
	}

	if _, err := s.cfg.Store.GetUserByUsername(c.Request().Context(), req.Username); err == nil {
		return c.JSON(http.StatusConflict, map[string]string{
			"error": "username is already taken",
		})
	} else if !errors.Is(err, db.ErrNotFound) {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "error creating account",
		})
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "error creating account",
		})
	}

	user, err := s.cfg.Store.CreateUser(c.Request().Context(), req.Username, req.Email, hash)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "error creating account",
		})
	}

	return c.JSON(http.StatusCreated, user)
}

func (s *Server) login(c echo.Context) error {
	var req types.LoginRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid request body: " + err.Error(),
		})
	}

	ctx := c.Request().Context()

	user, err := s.cfg.Store.GetUserByUsername(ctx, req.Username)
	if err != nil || !auth.VerifyPassword(user.PasswordHash, req.Password) {
		return c.JSON(http.StatusUnauthorized, map[string]string{
			"error": "Invalid username or password.",
		})
	}
	if !user.Verified {
		return c.JSON(http.StatusForbidden, map[string]string{
			"error": "Verify your email!",
		})
	}
	if user.Banned {
		return c.JSON(http.StatusForbidden, map[string]string{
			"error": "You have been banned. Contact admins.",
		})
	}

	ip := session.ClientIP(c.Request())
	sess, oldIP, err := s.cfg.Sessions.Open(ctx, user.ID, ip)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "error creating session",
		})
	}

	// Move firewall grants from the previous session's IP to the new one.
	s.cfg.Engine.HandoffSessionRules(ctx, user.ID, oldIP, ip)

	jwt, err := s.cfg.Issuer.IssueSessionToken(user.ID, sess.SessionToken, user.IsAdmin, s.cfg.SessionTTL)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "error creating session",
		})
	}

	c.SetCookie(&http.Cookie{
		Name:     auth.SessionCookie,
		Value:    jwt,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	return c.JSON(http.StatusOK, types.LoginResponse{
		UserID:   user.ID,
		Username: user.Username,
		IsAdmin:  user.IsAdmin,
		Token:    jwt,
	})
}

func (s *Server) logout(c echo.Context) error {
	user := auth.UserFrom(c)
	ctx := c.Request().Context()

	s.cfg.Engine.RevokeSessionRules(ctx, user.ID, session.ClientIP(c.Request()))
	if err := s.cfg.Sessions.Close(ctx, user.ID); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "error closing session",
		})
	}

	c.SetCookie(&http.Cookie{
		Name:     auth.SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	return c.JSON(http.StatusOK, map[string]string{"status": "logged out"})
}

package auth

import (
	"context"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xctf/xctf/internal/db"
	"github.com/xctf/xctf/internal/session"
)

// SessionCookie is the cookie the session JWT travels in.
const SessionCookie = "xctf_session"

// Context keys set by the middleware for downstream handlers.
const (
	ContextUser   = "xctf.user"
	ContextClaims = "xctf.claims"
)

// UserStore is what the middleware needs from persistence.
type UserStore interface {
	GetUser(ctx context.Context, id int64) (*db.User, error)
	GetActiveSession(ctx context.Context, userID int64) (*db.UserSession, error)
	HasActiveSessionForIP(ctx context.Context, userID int64, ip string) (bool, error)
	DeactivateUserSessions(ctx context.Context, userID int64) error
}

// SessionRevoker strips a user's firewall rules when their session is
// force-closed. The engine satisfies it.
type SessionRevoker interface {
	RevokeSessionRules(ctx context.Context, userID int64, ip string)
}

// Middleware authenticates requests and enforces account status and the
// session/IP binding.
type Middleware struct {
	issuer  *JWTIssuer
	store   UserStore
	revoker SessionRevoker
}

// NewMiddleware builds the auth middleware.
func NewMiddleware(issuer *JWTIssuer, store UserStore, revoker SessionRevoker) *Middleware {
	return &Middleware{issuer: issuer, store: store, revoker: revoker}
}

// RequireUser authenticates the request: valid session JWT, existing
// non-banned user, and (for non-admins) a client IP matching the active
// session. Violations end the session and return 401/403.
func (m *Middleware) RequireUser(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		claims, err := m.claimsFromRequest(c)
		if err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
		}
		ctx := c.Request().Context()

		user, err := m.store.GetUser(ctx, claims.UserID)
		if err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
		}

		if user.Banned {
			m.endSession(c, user.ID)
			return echo.NewHTTPError(http.StatusForbidden, "Your account has been banned.")
		}

		sess, err := m.store.GetActiveSession(ctx, user.ID)
		if err != nil || sess.SessionToken != claims.SessionToken {
			return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
		}

		if !user.IsAdmin {
			clientIP := session.ClientIP(c.Request())
			ok, err := m.store.HasActiveSessionForIP(ctx, user.ID, clientIP)
			if err != nil {
				log.Printf("auth: session IP check: user=%d: %v", user.ID, err)
				return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
			}
			if !ok {
				// Same account from a new address: revoke the old IP's
				// firewall rules and force a fresh login.
				m.revoker.RevokeSessionRules(ctx, user.ID, sess.IPAddress)
				m.endSession(c, user.ID)
				return echo.NewHTTPError(http.StatusUnauthorized,
					"Your session IP address has changed. Please log in again.")
			}
		}

		c.Set(ContextUser, user)
		c.Set(ContextClaims, claims)
		return next(c)
	}
}

// RequireAdmin runs RequireUser and additionally demands the admin flag.
func (m *Middleware) RequireAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	return m.RequireUser(func(c echo.Context) error {
		user := UserFrom(c)
		if user == nil || !user.IsAdmin {
			return echo.NewHTTPError(http.StatusForbidden, "admin access required")
		}
		return next(c)
	})
}

// UserFrom returns the authenticated user set by RequireUser, or nil.
func UserFrom(c echo.Context) *db.User {
	if u, ok := c.Get(ContextUser).(*db.User); ok {
		return u
	}
	return nil
}

func (m *Middleware) claimsFromRequest(c echo.Context) (*SessionClaims, error) {
	cookie, err := c.Cookie(SessionCookie)
	if err != nil {
		return nil, err
	}
	return m.issuer.ValidateSessionToken(cookie.Value)
}

func (m *Middleware) endSession(c echo.Context, userID int64) {
	ctx := c.Request().Context()
	if err := m.store.DeactivateUserSessions(ctx, userID); err != nil {
		log.Printf("auth: deactivate sessions for user %d: %v", userID, err)
	}
	c.SetCookie(&http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
}

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/xctf/xctf/internal/auth"
	"github.com/xctf/xctf/internal/db"
	"github.com/xctf/xctf/internal/docker"
	"github.com/xctf/xctf/internal/metrics"
)

// Store is the slice of the database layer the HTTP handlers touch.
// *db.Store satisfies it.
type Store interface {
	GetUserByUsername(ctx context.Context, username string) (*db.User, error)
	CreateUser(ctx context.Context, username, email, passwordHash string) (*db.User, error)
	GetChallenge(ctx context.Context, id int64) (*db.Challenge, error)
	CreateChallenge(ctx context.Context, ch *db.Challenge) (*db.Challenge, error)
	ListActiveChallenges(ctx context.Context) ([]db.Challenge, error)
	ListSolvedChallengeIDs(ctx context.Context, userID int64) ([]int64, error)
	GetActiveSandbox(ctx context.Context, challengeID int64, userID *int64) (*db.Sandbox, error)
	ListNotifications(ctx context.Context, userID int64, limit int) ([]db.Notification, error)
	MarkNotificationRead(ctx context.Context, userID, notificationID int64) error
}

// SandboxEngine is the lifecycle surface the handlers drive.
// *engine.Engine satisfies it.
type SandboxEngine interface {
	GetOrCreateSandbox(ctx context.Context, challenge *db.Challenge, userID *int64) (*db.Sandbox, error)
	SandboxURL(sb *db.Sandbox) string
	SubmitFlag(ctx context.Context, userID, challengeID int64, flag string) (bool, string)
	UserSolved(ctx context.Context, userID, challengeID int64) (bool, error)
	HandoffSessionRules(ctx context.Context, userID int64, oldIP, newIP string)
	RevokeSessionRules(ctx context.Context, userID int64, ip string)
	DeactivateChallenge(ctx context.Context, challengeID int64) error
	BanUser(ctx context.Context, userID int64) error
	ListManagedContainers(ctx context.Context) ([]docker.PSEntry, error)
}

// Sessions opens and closes IP-bound user sessions. *session.Registry
// satisfies it.
type Sessions interface {
	Open(ctx context.Context, userID int64, ip string) (*db.UserSession, string, error)
	Close(ctx context.Context, userID int64) error
}

// TaskQueue is the subset of the task queue the admin API enqueues to.
// *tasks.Queue satisfies it. Nil disables the refresh endpoint.
type TaskQueue interface {
	EnqueueRefreshSandboxes(ctx context.Context, challengeName string) error
}

// Subscriber feeds the notification websocket. *notify.Notifier
// satisfies it.
type Subscriber interface {
	Subscribe(ctx context.Context, userID int64) (<-chan string, func())
}

// ServerConfig bundles the dependencies of the API server.
type ServerConfig struct {
	Store    Store
	Engine   SandboxEngine
	Sessions Sessions
	Queue    TaskQueue
	Notifier Subscriber
	Issuer   *auth.JWTIssuer
	Auth     *auth.Middleware
	Limiter  *auth.RateLimiter

	SessionTTL time.Duration // cookie and session lifetime, default 24h

	// Secondary wait when another process holds the creation lock.
	StartPollInterval time.Duration // default 6s
	StartPollAttempts int           // default 10
}

// Server holds the API server dependencies.
type Server struct {
	echo *echo.Echo
	cfg  ServerConfig
}

// NewServer creates a new API server with all routes configured.
func NewServer(cfg ServerConfig) *Server {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	if cfg.StartPollInterval <= 0 {
		cfg.StartPollInterval = 6 * time.Second
	}
	if cfg.StartPollAttempts <= 0 {
		cfg.StartPollAttempts = 10
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{echo: e, cfg: cfg}

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())
	e.Use(metrics.EchoMiddleware())

	// Health check (no auth)
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	// Auth
	e.POST("/auth/register", s.register)
	e.POST("/auth/login", s.login, cfg.Limiter.Limit(10, time.Minute))
	e.POST("/auth/logout", s.logout, cfg.Auth.RequireUser)

	// Challenges
	ch := e.Group("/challenges", cfg.Auth.RequireUser)
	ch.GET("", s.listChallenges)
	ch.POST("/:id/start", s.startChallenge, cfg.Limiter.Limit(5, time.Minute))
	ch.POST("/:id/submit", s.submitFlag, cfg.Limiter.Limit(10, time.Minute))

	// Notifications
	n := e.Group("/notifications", cfg.Auth.RequireUser)
	n.GET("", s.listNotifications)
	n.POST("/:id/read", s.markNotificationRead)
	n.GET("/stream", s.notificationStream)

	// Admin
	admin := e.Group("/admin", cfg.Auth.RequireAdmin)
	admin.POST("/challenges", s.createChallenge)
	admin.POST("/challenges/:id/deactivate", s.deactivateChallenge)
	admin.POST("/challenges/refresh", s.refreshSandboxes)
	admin.POST("/users/:id/ban", s.banUser)
	admin.GET("/containers", s.listContainers)

	return s
}

// Start starts the HTTP server on the given address.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Close gracefully shuts down the server.
func (s *Server) Close() error {
	return s.echo.Close()
}

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/xctf/xctf/internal/auth"
)

const (
	notificationPageSize = 50
	streamHeartbeat      = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for now; tighten in production
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

func (s *Server) listNotifications(c echo.Context) error {
	user := auth.UserFrom(c)

	notifications, err := s.cfg.Store.ListNotifications(c.Request().Context(), user.ID, notificationPageSize)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "error listing notifications",
		})
	}
	return c.JSON(http.StatusOK, notifications)
}

func (s *Server) markNotificationRead(c echo.Context) error {
	user := auth.UserFrom(c)

	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "notification not found",
		})
	}
	if err := s.cfg.Store.MarkNotificationRead(c.Request().Context(), user.ID, id); err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "notification not found",
		})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// notificationStream pushes the caller's notifications over a WebSocket.
// Each client only ever sees its own channel.
func (s *Server) notificationStream(c echo.Context) error {
	user := auth.UserFrom(c)

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	ctx := c.Request().Context()
	events, cancel := s.cfg.Notifier.Subscribe(ctx, user.ID)
	defer cancel()

	// Drain client frames so close handshakes are noticed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-done:
			return nil
		case msg, ok := <-events:
			if !ok {
				return nil
			}
			if err := ws.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return nil
			}
		case <-heartbeat.C:
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		}
	}
}

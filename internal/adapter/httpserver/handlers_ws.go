package httpserver

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
	apperrors "github.com/policy-lab/polis/internal/platform/errors"
	"github.com/policy-lab/polis/internal/view"
)

const connectRetryAfter = time.Second

func (s *Server) registerWebSocketRoutes() {
	s.echo.GET("/ws/views/:id", s.handleWebSocket, s.loadParticipant)
}

// handleWebSocket attaches a push connection to a view the caller owns. The view's
// snapshot is sent to the new connection right away so a reconnecting tab never
// shows stale state.
func (s *Server) handleWebSocket(c echo.Context) error {
	v, err := s.views.Get(c.Param("id"), participantFrom(c).sessionKey)
	if err != nil {
		return err
	}

	ip := c.RealIP()
	if ok, reason := s.limits.Acquire(ip); !ok {
		return apperrors.RateLimitedError("too many connections", connectRetryAfter).
			WithContext("reason", string(reason))
	}
	defer s.limits.Release(ip)

	ctx := c.Request().Context()

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade WebSocket: %w", err)
	}

	if err := s.hub.Register(v.ID(), conn); err != nil {
		slog.WarnContext(ctx, "Failed to register connection", "view_id", v.ID(), "error", err)
		_ = conn.Close()
		return nil
	}

	// The view may have been removed between the lookup and the registration.
	if v.Closed() {
		s.hub.Unregister(v.ID(), conn)
		_ = conn.Close()
		return nil
	}
	err = v.SnapshotTo(ctx, func(snap view.Snapshot) {
		s.hub.SendSnapshot(ctx, v.ID(), conn, snap)
	})
	if err != nil {
		slog.DebugContext(ctx, "View gone before first snapshot", "view_id", v.ID(), "error", err)
		s.hub.Unregister(v.ID(), conn)
		_ = conn.Close()
		return nil
	}

	// Read pump; blocks until the connection closes.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	s.hub.Unregister(v.ID(), conn)

	return nil
}

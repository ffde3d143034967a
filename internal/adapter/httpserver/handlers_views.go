package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/policy-lab/polis/internal/cardqueue"
	"github.com/policy-lab/polis/internal/domain"
	apperrors "github.com/policy-lab/polis/internal/platform/errors"
	"github.com/policy-lab/polis/internal/sentiment"
	"github.com/policy-lab/polis/internal/view"
)

func (s *Server) registerViewRoutes(csrfMiddleware, rateLimiter echo.MiddlewareFunc) {
	g := s.echo.Group("/api/views", rateLimiter, s.loadParticipant, csrfMiddleware)

	g.POST("", s.handleOpenView)
	g.GET("/:id", s.withView(s.handleGetView))
	g.DELETE("/:id", s.handleCloseView)

	g.POST("/:id/sentiment/like", s.withView(s.handleToggleLike))
	g.POST("/:id/sentiment/dislike", s.withView(s.handleToggleDislike))
	g.GET("/:id/sentiment/roster", s.withView(s.handleRoster))

	g.POST("/:id/votes", s.withView(s.handleVote))
	g.POST("/:id/votes/abandon", s.withView(s.handleAbandon))
	g.POST("/:id/refresh", s.withView(s.handleRefresh))
	g.PUT("/:id/layout", s.withView(s.handleLayout))
}

type viewHandler func(c echo.Context, v *view.View) error

// withView resolves :id against the caller's session. Views owned by another session
// look exactly like missing ones.
func (s *Server) withView(h viewHandler) echo.HandlerFunc {
	return func(c echo.Context) error {
		v, err := s.views.Get(c.Param("id"), participantFrom(c).sessionKey)
		if err != nil {
			return err
		}
		return h(c, v)
	}
}

type openViewRequest struct {
	ConversationID string `json:"conversation_id" validate:"required,max=64"`
}

type openViewResponse struct {
	ViewID   string        `json:"view_id"`
	Snapshot view.Snapshot `json:"snapshot"`
}

func (s *Server) handleOpenView(c echo.Context) error {
	var req openViewRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	p := participantFrom(c)
	ctx := c.Request().Context()

	v, err := s.views.Open(ctx, req.ConversationID, p.identity, p.sessionKey, s.participants.ForToken(p.token))
	if err != nil {
		return err
	}

	snap, err := v.Snapshot(ctx)
	if err != nil {
		return err
	}

	if err := c.JSON(http.StatusCreated, openViewResponse{ViewID: v.ID(), Snapshot: snap}); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleGetView(c echo.Context, v *view.View) error {
	snap, err := v.Snapshot(c.Request().Context())
	if err != nil {
		return err
	}
	if err := c.JSON(http.StatusOK, snap); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleCloseView(c echo.Context) error {
	if err := s.views.Remove(c.Param("id"), participantFrom(c).sessionKey); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleToggleLike(c echo.Context, v *view.View) error {
	return s.toggle(c, v, v.ToggleLike)
}

func (s *Server) handleToggleDislike(c echo.Context, v *view.View) error {
	return s.toggle(c, v, v.ToggleDislike)
}

func (s *Server) toggle(c echo.Context, v *view.View, fn func(context.Context) (sentiment.ViewerState, error)) error {
	ctx := c.Request().Context()

	if err := s.checkDebounce(ctx, v); err != nil {
		return err
	}

	state, err := fn(ctx)
	if err != nil {
		return err
	}
	if err := c.JSON(http.StatusOK, state); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

// checkDebounce rejects rapid repeat toggles. A failing debouncer lets the toggle through.
func (s *Server) checkDebounce(ctx context.Context, v *view.View) error {
	owner := v.Owner()
	if s.debouncer == nil || !owner.SignedIn() {
		return nil
	}

	debounced, err := s.debouncer.IsDebounced(ctx, v.ConversationID(), owner.Username)
	if err != nil {
		slog.WarnContext(ctx, "Debounce check failed, allowing toggle", "view_id", v.ID(), "error", err)
		return nil
	}
	if debounced {
		return apperrors.RateLimitedError(domain.ErrDebounced.Error(), s.config.ToggleDebounce).
			WithContext("view_id", v.ID())
	}
	return nil
}

func (s *Server) handleRoster(c echo.Context, v *view.View) error {
	roster, err := v.Roster(c.Request().Context())
	if err != nil {
		return err
	}
	if err := c.JSON(http.StatusOK, roster); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

type voteRequest struct {
	StatementID *int64 `json:"statement_id" validate:"required"`
	Vote        string `json:"vote" validate:"required,oneof=agree disagree pass"`
}

func (s *Server) handleVote(c echo.Context, v *view.View) error {
	var req voteRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	vote, err := domain.ParseStatementVote(req.Vote)
	if err != nil {
		return apperrors.ValidationError(err.Error())
	}

	result, err := v.Vote(c.Request().Context(), *req.StatementID, vote)
	if err != nil {
		return err
	}
	if err := c.JSON(http.StatusOK, result); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleAbandon(c echo.Context, v *view.View) error {
	if err := v.Abandon(c.Request().Context()); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

type refreshResponse struct {
	Added int `json:"added"`
}

func (s *Server) handleRefresh(c echo.Context, v *view.View) error {
	added, err := v.Refresh(c.Request().Context())
	if err != nil {
		return err
	}
	if err := c.JSON(http.StatusOK, refreshResponse{Added: added}); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

type layoutResponse struct {
	StackHeight int `json:"stack_height"`
}

func (s *Server) handleLayout(c echo.Context, v *view.View) error {
	var req cardqueue.Measurement
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	height, err := v.Measure(req)
	if err != nil {
		return err
	}
	if err := c.JSON(http.StatusOK, layoutResponse{StackHeight: height}); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/sessions"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/policy-lab/polis/internal/domain"
	apperrors "github.com/policy-lab/polis/internal/platform/errors"
)

// Session keys
const (
	sessionName            = "polis-session"
	sessionKeyID           = "sid"
	sessionKeyToken        = "token"
	sessionKeyAccountID    = "uid"
	sessionKeyUsername     = "username"
	sessionKeyAdmin        = "is_admin"
	sessionKeyCollaborator = "is_collaborator"

	participantKey = "participant"
	csrfCookieName = "csrf_token"

	identityTimeout = 10 * time.Second
)

// participant is the caller as seen through the session cookie. Anonymous callers have
// an empty token but still get a session key, so they own the views they open.
type participant struct {
	sessionKey string
	token      string
	identity   domain.Identity
}

func participantFrom(c echo.Context) participant {
	p, _ := c.Get(participantKey).(participant)
	return p
}

// loadParticipant reads the session cookie, minting a fresh anonymous session when there
// is none, and stores the participant on the context.
func (s *Server) loadParticipant(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		session, err := s.sessionStore.Get(c.Request(), sessionName)
		if err != nil {
			// Undecodable cookie (e.g. rotated secret); start over.
			slog.DebugContext(c.Request().Context(), "Discarding unreadable session", "error", err)
			session, err = s.sessionStore.New(c.Request(), sessionName)
			if err != nil {
				return apperrors.InternalError("failed to create session", err)
			}
		}

		p := s.participantFromSession(c, session)
		if p.sessionKey == "" {
			p.sessionKey = uuid.NewString()
			session.Values[sessionKeyID] = p.sessionKey
			if err := session.Save(c.Request(), c.Response().Writer); err != nil {
				return apperrors.InternalError("failed to save session", err)
			}
		}

		c.Set(participantKey, p)
		return next(c)
	}
}

// participantFromSession falls back to an anonymous participant when the sealed token
// does not open, e.g. after the encryption key was rotated.
func (s *Server) participantFromSession(c echo.Context, session *sessions.Session) participant {
	var p participant
	p.sessionKey, _ = session.Values[sessionKeyID].(string)
	sealed, _ := session.Values[sessionKeyToken].(string)
	if sealed == "" || p.sessionKey == "" {
		return p
	}

	token, err := s.tokens.Open(sealed, p.sessionKey)
	if err != nil {
		slog.DebugContext(c.Request().Context(), "Ignoring unsealable session token", "error", err)
		return p
	}
	p.token = token

	if uid, ok := session.Values[sessionKeyAccountID].(int64); ok {
		p.identity.AccountID = &uid
	}
	p.identity.Username, _ = session.Values[sessionKeyUsername].(string)
	p.identity.IsAdmin, _ = session.Values[sessionKeyAdmin].(bool)
	p.identity.IsCollaborator, _ = session.Values[sessionKeyCollaborator].(bool)
	return p
}

func (s *Server) registerAuthRoutes(csrfMiddleware, rateLimiter echo.MiddlewareFunc) {
	s.echo.GET("/api/session", s.handleGetSession, s.loadParticipant, csrfMiddleware)
	s.echo.POST("/auth/session", s.handleSignIn, rateLimiter, csrfMiddleware)
	s.echo.POST("/auth/logout", s.handleLogout, rateLimiter, s.loadParticipant, csrfMiddleware)
}

type sessionResponse struct {
	SignedIn     bool   `json:"signed_in"`
	Username     string `json:"username,omitempty"`
	CanSeeRoster bool   `json:"can_see_roster"`
	CSRFToken    string `json:"csrf_token,omitempty"`
}

func newSessionResponse(c echo.Context, id domain.Identity) sessionResponse {
	token, _ := c.Get(middleware.DefaultCSRFConfig.ContextKey).(string)
	return sessionResponse{
		SignedIn:     id.SignedIn(),
		Username:     id.Username,
		CanSeeRoster: id.CanSeeRoster(),
		CSRFToken:    token,
	}
}

func (s *Server) handleGetSession(c echo.Context) error {
	p := participantFrom(c)
	if err := c.JSON(http.StatusOK, newSessionResponse(c, p.identity)); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

type signInRequest struct {
	Token string `json:"token" validate:"required,max=4096"`
}

func (s *Server) handleSignIn(c echo.Context) error {
	var req signInRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), identityTimeout)
	defer cancel()

	id, err := s.participants.ResolveIdentity(ctx, req.Token)
	if err != nil {
		return fmt.Errorf("failed to resolve identity: %w", err)
	}
	if !id.SignedIn() {
		return apperrors.UnauthorizedError("token does not belong to a participant")
	}

	// Drop whatever the caller had before and views it owned: the session key changes.
	if old, err := s.sessionStore.Get(c.Request(), sessionName); err == nil {
		if oldKey, ok := old.Values[sessionKeyID].(string); ok && oldKey != "" {
			s.views.RemoveSession(oldKey)
		}
		old.Options.MaxAge = -1
		if err := old.Save(c.Request(), c.Response().Writer); err != nil {
			return apperrors.InternalError("failed to invalidate old session", err)
		}
	}

	session, err := s.sessionStore.New(c.Request(), sessionName)
	if err != nil {
		return apperrors.InternalError("failed to create new session", err)
	}
	sessionKey := uuid.NewString()
	sealed, err := s.tokens.Seal(req.Token, sessionKey)
	if err != nil {
		return apperrors.InternalError("failed to seal token", err)
	}
	session.Values[sessionKeyID] = sessionKey
	session.Values[sessionKeyToken] = sealed
	session.Values[sessionKeyAccountID] = *id.AccountID
	session.Values[sessionKeyUsername] = id.Username
	session.Values[sessionKeyAdmin] = id.IsAdmin
	session.Values[sessionKeyCollaborator] = id.IsCollaborator
	if err := session.Save(c.Request(), c.Response().Writer); err != nil {
		return apperrors.InternalError("failed to save session", err)
	}

	slog.InfoContext(ctx, "Participant signed in", "username", id.Username)

	if err := c.JSON(http.StatusOK, newSessionResponse(c, id)); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleLogout(c echo.Context) error {
	p := participantFrom(c)
	closed := s.views.RemoveSession(p.sessionKey)

	session, err := s.sessionStore.Get(c.Request(), sessionName)
	if err != nil {
		session, err = s.sessionStore.New(c.Request(), sessionName)
		if err != nil {
			return apperrors.InternalError("failed to create new session during logout", err)
		}
	}
	session.Options.MaxAge = -1
	if err := session.Save(c.Request(), c.Response().Writer); err != nil {
		return apperrors.InternalError("failed to save logout session", err)
	}

	slog.InfoContext(c.Request().Context(), "Participant signed out", "username", p.identity.Username, "views_closed", closed)

	return c.NoContent(http.StatusNoContent)
}

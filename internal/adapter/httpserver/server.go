package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/sessions"
	gorillaws "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	wshub "github.com/policy-lab/polis/internal/adapter/websocket"
	"github.com/policy-lab/polis/internal/domain"
	"github.com/policy-lab/polis/internal/platform/config"
	"github.com/policy-lab/polis/internal/platform/crypto"
	"github.com/policy-lab/polis/internal/view"
)

// Participants resolves backend tokens and binds backend access to a participant.
type Participants interface {
	ResolveIdentity(ctx context.Context, token string) (domain.Identity, error)
	ForToken(token string) view.Backend
}

type viewRegistry interface {
	Open(ctx context.Context, conversationID string, owner domain.Identity, sessionKey string, backend view.Backend) (*view.View, error)
	Get(id, sessionKey string) (*view.View, error)
	Remove(id, sessionKey string) error
	RemoveSession(sessionKey string) int
}

type pushHub interface {
	Register(viewID string, conn *gorillaws.Conn) error
	Unregister(viewID string, conn *gorillaws.Conn)
	SendSnapshot(ctx context.Context, viewID string, conn *gorillaws.Conn, snap view.Snapshot)
}

type connectionLimiter interface {
	Acquire(ip string) (bool, wshub.LimitReason)
	Release(ip string)
}

// ErrorRecorder counts error responses by type.
type ErrorRecorder interface {
	ErrorRecorded(errType string)
}

// Deps are the collaborators the HTTP surface is built on. Tokens, Debouncer, Metrics,
// MetricsHandler and ErrorRecorder are optional.
type Deps struct {
	Participants   Participants
	Views          viewRegistry
	Hub            pushHub
	Limits         connectionLimiter
	Tokens         crypto.TokenSealer
	Debouncer      domain.Debouncer
	Metrics        echo.MiddlewareFunc
	MetricsHandler http.Handler
	ErrorRecorder  ErrorRecorder
	HealthChecks   []HealthCheck
}

type Server struct {
	echo   *echo.Echo
	config *config.Config

	participants Participants
	views        viewRegistry
	hub          pushHub
	limits       connectionLimiter
	tokens       crypto.TokenSealer
	debouncer    domain.Debouncer

	metrics        echo.MiddlewareFunc
	metricsHandler http.Handler
	errorRecorder  ErrorRecorder

	upgrader     *gorillaws.Upgrader
	sessionStore *sessions.CookieStore
	healthChecks []HealthCheck
	startTime    time.Time
}

func NewServer(cfg *config.Config, deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = newRequestValidator()

	if deps.Tokens == nil {
		deps.Tokens = crypto.NoopSealer{}
	}

	srv := &Server{
		echo:           e,
		config:         cfg,
		participants:   deps.Participants,
		views:          deps.Views,
		hub:            deps.Hub,
		limits:         deps.Limits,
		tokens:         deps.Tokens,
		debouncer:      deps.Debouncer,
		metrics:        deps.Metrics,
		metricsHandler: deps.MetricsHandler,
		errorRecorder:  deps.ErrorRecorder,
		upgrader:       wshub.NewUpgrader(wshub.NewCheckOrigin(cfg.PublicURL, !cfg.Production())),
		sessionStore:   setupSessionStore(cfg),
		healthChecks:   deps.HealthChecks,
		startTime:      time.Now(),
	}

	srv.registerRoutes()

	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

func setupSessionStore(cfg *config.Config) *sessions.CookieStore {
	sessionStore := sessions.NewCookieStore([]byte(cfg.SessionSecret))
	sessionStore.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(cfg.SessionMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   cfg.Production(),
		SameSite: http.SameSiteLaxMode,
	}
	return sessionStore
}

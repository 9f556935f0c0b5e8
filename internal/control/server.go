package control

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/liveturnhq/liveturn/internal/auth"
	"github.com/liveturnhq/liveturn/internal/message"
	"github.com/liveturnhq/liveturn/internal/session"
)

// Turns is the slice of the session controller the control surface drives.
type Turns interface {
	State() session.State
	Send(ctx context.Context, in session.SendInput) (*session.Session, error)
	Cancel(ctx context.Context) error
}

// Server is the local control API.
type Server struct {
	echo   *echo.Echo
	addr   string
	logger *slog.Logger
	turns  Turns
	store  *message.Store
}

// NewServer builds the control API around the session controller and the
// conversation store. An empty jwtSecret leaves the surface unauthenticated.
func NewServer(log *slog.Logger, addr, jwtSecret string, turns Turns, store *message.Store) *Server {
	if log == nil {
		log = slog.Default()
	}
	logger := log.With(slog.String("service", "control"))

	e := echo.New()
	e.HideBanner = true
	e.Validator = newRequestValidator()
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus: true,
		LogURI:    true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency))
			return nil
		},
	}))
	e.Use(auth.JWTMiddleware(jwtSecret, func(c echo.Context) bool {
		return c.Request().URL.Path == "/healthz"
	}))

	s := &Server{
		echo:   e,
		addr:   addr,
		logger: logger,
		turns:  turns,
		store:  store,
	}
	s.register(e)
	return s
}

func (s *Server) register(e *echo.Echo) {
	e.GET("/healthz", s.health)
	e.GET("/v1/state", s.state)
	e.GET("/v1/messages", s.messages)
	e.POST("/v1/send", s.send)
	e.POST("/v1/cancel", s.cancel)
}

// Start serves until Stop or a listener error.
func (s *Server) Start() error {
	return s.echo.Start(s.addr)
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ServeHTTP lets tests drive the server without a listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) state(c echo.Context) error {
	return c.JSON(http.StatusOK, s.turns.State())
}

func (s *Server) messages(c echo.Context) error {
	return c.JSON(http.StatusOK, MessagesResponse{
		ConversationID: s.store.ConversationID(),
		Title:          s.store.Title(),
		Tags:           s.store.Tags(),
		Messages:       s.store.Messages(),
	})
}

func (s *Server) send(c echo.Context) error {
	var req SendRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	sess, err := s.turns.Send(c.Request().Context(), session.SendInput{
		Content:    req.Content,
		ModelID:    req.ModelID,
		Regenerate: req.Regenerate,
	})
	switch {
	case errors.Is(err, session.ErrTurnActive):
		return echo.NewHTTPError(http.StatusConflict, "a turn is already in progress")
	case errors.Is(err, session.ErrNoTransport):
		// The fallback message already materialized; the conversation shows
		// the failure, the API reports it.
		return echo.NewHTTPError(http.StatusBadGateway, "no usable connection to the backend")
	case err != nil:
		s.logger.Error("send failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusBadGateway, "send failed")
	}
	attrs := []any{
		slog.String("target_id", sess.TargetID()),
		slog.String("task_id", sess.TaskID()),
	}
	if client, err := auth.ClientFromContext(c); err == nil {
		attrs = append(attrs, slog.String("client", client))
	}
	s.logger.Info("turn accepted", attrs...)
	return c.JSON(http.StatusAccepted, SendResponse{
		TargetID: sess.TargetID(),
		TaskID:   sess.TaskID(),
	})
}

func (s *Server) cancel(c echo.Context) error {
	err := s.turns.Cancel(c.Request().Context())
	if errors.Is(err, session.ErrNoActiveTurn) {
		return echo.NewHTTPError(http.StatusNotFound, "no active turn")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

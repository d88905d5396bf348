package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"dicochat/server/internal/auth"
	"dicochat/server/internal/core"
	"dicochat/server/internal/ws"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/process"
)

// Options configures the HTTP surface.
type Options struct {
	// Auth guards the admin routes. Required.
	Auth *auth.Authenticator
	WS   ws.Options
	// Gatherer backs /metrics. Nil disables the route.
	Gatherer prometheus.Gatherer
	// StaticDir, when set, is served at /.
	StaticDir     string
	SecureCookies bool
}

// Server is the Echo application.
type Server struct {
	echo   *echo.Echo
	engine *core.Engine
	opts   Options
	proc   *process.Process
}

var validate = validator.New()

// New constructs an Echo app with websocket, public and admin routes.
func New(engine *core.Engine, opts Options) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			slog.Debug("http request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency)
			return nil
		},
	}))

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		slog.Warn("process stats unavailable", "err", err)
	}

	s := &Server{echo: e, engine: engine, opts: opts, proc: proc}
	s.registerRoutes()
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/online", s.handleOnline)

	s.echo.POST("/api/admin/login", s.handleLogin)
	s.echo.POST("/api/admin-login", s.handleLogin) // Backward-compatible alias.
	s.echo.POST("/api/admin/logout", s.handleLogout)

	admin := s.echo.Group("/api/admin", s.opts.Auth.Middleware())
	admin.GET("/stats", s.handleStats)
	admin.POST("/action", s.handleAction)
	admin.POST("/announce", s.handleAnnounce)

	if s.opts.Gatherer != nil {
		s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})))
	}
	ws.NewHandler(s.engine, s.opts.WS).Register(s.echo)
	if s.opts.StaticDir != "" {
		s.echo.Static("/", s.opts.StaticDir)
	}
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	Status   string `json:"status"`
	Clients  int    `json:"clients"`
	Online   int    `json:"online"`
	RSSBytes uint64 `json:"rss_bytes"`
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := healthResponse{
		Status:  "ok",
		Clients: s.engine.Hub().ConnCount(),
		Online:  s.engine.Hub().Presence().Count(),
	}
	if s.proc != nil {
		if mem, err := s.proc.MemoryInfo(); err == nil {
			resp.RSSBytes = mem.RSS
		}
	}
	return c.JSON(http.StatusOK, resp)
}

type onlineResponse struct {
	Count     int      `json:"count"`
	Nicknames []string `json:"nicknames"`
}

func (s *Server) handleOnline(c echo.Context) error {
	names := s.engine.Hub().Presence().Nicknames()
	if names == nil {
		names = []string{}
	}
	return c.JSON(http.StatusOK, onlineResponse{Count: len(names), Nicknames: names})
}

type loginRequest struct {
	Code string `json:"code" validate:"required"`
}

type loginResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

func (s *Server) handleLogin(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil || validate.Struct(req) != nil {
		return c.JSON(http.StatusUnauthorized, loginResponse{Message: "invalid code"})
	}

	token, expires, err := s.opts.Auth.Login(req.Code)
	switch {
	case errors.Is(err, auth.ErrAdminDisabled):
		return c.JSON(http.StatusUnauthorized, loginResponse{Message: "admin access is disabled"})
	case err != nil:
		slog.Warn("admin login failed", "remote", c.RealIP())
		return c.JSON(http.StatusUnauthorized, loginResponse{Message: "invalid code"})
	}

	c.SetCookie(auth.SessionCookie(token, expires, s.opts.SecureCookies))
	slog.Info("admin logged in", "remote", c.RealIP())
	return c.JSON(http.StatusOK, loginResponse{Success: true})
}

func (s *Server) handleLogout(c echo.Context) error {
	c.SetCookie(auth.ClearCookie())
	return c.JSON(http.StatusOK, loginResponse{Success: true})
}

func (s *Server) handleStats(c echo.Context) error {
	stats, err := s.engine.Stats(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, stats)
}

type actionRequest struct {
	Action   string `json:"action" validate:"required"`
	Nickname string `json:"nickname" validate:"required"`
}

func (s *Server) handleAction(c echo.Context) error {
	var req actionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "action and nickname are required")
	}
	if err := s.engine.Apply(c.Request().Context(), req.Action, req.Nickname); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, loginResponse{Success: true})
}

type announceRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleAnnounce(c echo.Context) error {
	var req announceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := s.engine.Announce(c.Request().Context(), req.Message); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, loginResponse{Success: true})
}

func httpError(err error) error {
	switch {
	case errors.Is(err, core.ErrUnknownIdentity), errors.Is(err, core.ErrNotOnline):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, core.ErrUnknownAction), errors.Is(err, core.ErrEmptyMessage):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		slog.Error("admin request failed", "err", err)
		return echo.NewHTTPError(http.StatusInternalServerError, core.ErrStorage.Error())
	}
}

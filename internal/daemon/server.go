package daemon

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/wadash/wadash/internal/bridge"
	"github.com/wadash/wadash/internal/config"
)

// Server is the HTTP listener carrying the WebSocket bridge.
type Server struct {
	echo   *echo.Echo
	addr   string
	logger *zap.Logger
}

func NewServer(cfg config.Config, br *bridge.Bridge, logger *zap.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	br.Register(e)

	return &Server{echo: e, addr: cfg.ListenAddr, logger: logger}
}

// Start blocks serving until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("listening", zap.String("addr", s.addr))
	err := s.echo.Start(s.addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Stop(ctx context.Context) {
	if err := s.echo.Shutdown(ctx); err != nil {
		s.logger.Warn("server shutdown", zap.Error(err))
	}
}

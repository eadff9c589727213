package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/herdctl/herdctl/internal/common/config"
	"github.com/herdctl/herdctl/internal/common/httpmw"
	"github.com/herdctl/herdctl/internal/common/logger"
	gw "github.com/herdctl/herdctl/internal/gateway/websocket"
	"github.com/herdctl/herdctl/internal/plugin"
	"github.com/herdctl/herdctl/internal/session/service"
	"github.com/herdctl/herdctl/internal/session/store"
)

const serverName = "operator-api"

// Server is the operator HTTP server.
type Server struct {
	cfg    *config.ServerConfig
	router *gin.Engine
	http   *http.Server
	logger *logger.Logger
}

// NewServer builds the router with all routes and middleware wired.
func NewServer(
	cfg *config.ServerConfig,
	sessions *service.Service,
	eventLog *store.EventLog,
	registry *plugin.Registry,
	wsHandler *gw.Handler,
	log *logger.Logger,
) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, serverName))
	router.Use(httpmw.OtelTracing(serverName))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api/v1")
	NewHandlers(sessions, eventLog, registry, log).Register(api)
	api.GET("/events/ws", wsHandler.Handle)

	return &Server{
		cfg:    cfg,
		router: router,
		logger: log.WithFields(zap.String("component", "api-server")),
	}
}

// Router returns the underlying gin engine, for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeout) * time.Second,
	}

	s.logger.Info("operator api listening", zap.String("addr", addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Package apihttp is the engine's HTTP face: cycle creation and close,
// read-only views over cycles, orders, journal and account history, and
// the equity chart page. Nothing here mutates store rows directly; all
// writes go through the supervisor.
package apihttp

import (
	"context"
	"errors"
	"net/http"
	"time"

	"cyclone/internal/logger"

	"github.com/gin-gonic/gin"
)

// Server hosts the engine API on one listener.
type Server struct {
	addr   string
	router *gin.Engine
}

// ServerConfig describes the API server dependencies.
type ServerConfig struct {
	Addr      string
	Engine    CycleEngine
	Cycles    CycleReader
	Orders    OrderReader
	Snapshots SnapshotReader
	Journal   JournalReader
	Account   AccountReader
}

// NewServer builds the API server. The engine is mandatory; the read
// stores are optional and their endpoints report unavailable when
// absent.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("api server requires the cycle engine")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9921"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	apiRouter := NewRouter(cfg)
	apiRouter.Register(router.Group("/api"))
	router.GET("/charts/equity", apiRouter.handleEquityChart)

	return &Server{addr: cfg.Addr, router: router}, nil
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Handler exposes the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

// requestLogger records API calls so operator actions stay traceable.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method := c.Request.Method
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery
		client := c.ClientIP()
		c.Next()
		dur := time.Since(start)
		status := c.Writer.Status()
		fullPath := path
		if query != "" {
			fullPath = path + "?" + query
		}
		logger.Debugf("HTTP %s %s status=%d ip=%s dur=%s", method, fullPath, status, client, dur)
	}
}

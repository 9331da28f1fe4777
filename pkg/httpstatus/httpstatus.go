// Package httpstatus exposes the flowcollector admin/status surface over
// HTTP: GET /status (JSON), /status.txt (plain text), and /healthz,
// backed by pkg/stats.
package httpstatus

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/netweaver/flowcollector/pkg/stats"
)

// Server wraps a gin.Engine serving the status surface on one address.
type Server struct {
	provider *stats.Provider
	srv      *http.Server
	engine   *gin.Engine
}

// NewServer builds the status router for provider, listening on addr
// (e.g. ":8080") once Start is called.
func NewServer(addr string, provider *stats.Provider) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{provider: provider, engine: router}

	router.GET("/healthz", s.handleHealthz)
	router.GET("/status", s.handleStatusJSON)
	router.GET("/status.txt", s.handleStatusText)
	router.GET("/status.html", s.handleStatusHTML)

	s.srv = &http.Server{Addr: addr, Handler: router}
	return s
}

func verboseParam(c *gin.Context) bool {
	v, _ := strconv.ParseBool(c.Query("verbose"))
	return v
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatusJSON(c *gin.Context) {
	c.JSON(http.StatusOK, s.provider.JSON(verboseParam(c)))
}

func (s *Server) handleStatusText(c *gin.Context) {
	c.Status(http.StatusOK)
	c.Header("Content-Type", "text/plain; charset=utf-8")
	if err := s.provider.Text(verboseParam(c), c.Writer); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to render status", "details": err.Error()})
	}
}

func (s *Server) handleStatusHTML(c *gin.Context) {
	c.Status(http.StatusOK)
	c.Header("Content-Type", "text/html; charset=utf-8")
	if err := s.provider.HTML(verboseParam(c), c.Writer); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to render status", "details": err.Error()})
	}
}

// Start begins serving in the background. The returned error channel
// receives at most one value: the error ListenAndServe exited with, or
// nil after a clean Shutdown.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	return errCh
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

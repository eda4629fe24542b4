package httpserver

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tinytelemetry/stratus/internal/job"
)

// StatusSource reports run bookkeeping.
type StatusSource interface {
	Status() job.Status
}

// Trigger starts runs outside the schedule.
type Trigger interface {
	Trigger() bool
	Next() time.Time
}

// Server provides the operational HTTP API of the scraper.
type Server struct {
	addr      string
	status    StatusSource
	trigger   Trigger
	gatherer  prometheus.Gatherer
	server    *http.Server
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// NewServer creates a new HTTP API server. gatherer may be nil, in which
// case /metrics is not served.
func NewServer(addr string, status StatusSource, trigger Trigger, gatherer prometheus.Gatherer) *Server {
	if addr == "" {
		addr = "0.0.0.0:3000"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      addr,
		status:    status,
		trigger:   trigger,
		gatherer:  gatherer,
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
}

func (s *Server) router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/api/health", s.handleHealth)
	r.GET("/api/status", s.handleStatus)
	r.POST("/api/scrape", s.handleScrape)
	if s.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
	return r
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)

	s.server = &http.Server{
		Handler:           s.router(),
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.startTime = time.Now()

	go s.server.Serve(listener)
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.cancel()
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	resp := gin.H{"runs": s.status.Status()}
	if s.trigger != nil {
		if next := s.trigger.Next(); !next.IsZero() {
			resp["next_run"] = next.UTC()
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleScrape(c *gin.Context) {
	if s.trigger == nil || !s.trigger.Trigger() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scheduler is not running"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

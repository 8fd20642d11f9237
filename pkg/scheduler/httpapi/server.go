// Package httpapi is the narrowest possible HTTP stand-in for the
// out-of-scope job-manager/broker spec.md §2 says the scheduler core
// "exposes" its interfaces to: POST /v1/alloc, /v1/free, /v1/cancel,
// /v1/prioritize, /v1/feasibility and GET /v1/resource-status, each a
// thin JSON wrapper around the matching pkg/scheduler method, plus GET
// /metrics exposing the scheduler's Prometheus registry.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/khryptorgraphics/flowmesh/pkg/scheduler"
)

// Server wraps a pkg/scheduler.Scheduler with an HTTP surface.
type Server struct {
	sched  *scheduler.Scheduler
	log    *logrus.Entry
	listen string
	srv    *http.Server
}

// New builds a Server bound to an already-constructed Scheduler; the
// caller is responsible for running sched.Run separately (or for
// calling the Scheduler directly pre-Run, in single-goroutine setups).
func New(sched *scheduler.Scheduler, listen string, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{sched: sched, log: log, listen: listen}
}

func (s *Server) router() *gin.Engine {
	r := gin.New()
	r.Use(s.loggingMiddleware(), gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST"},
		AllowHeaders:    []string{"Origin", "Content-Type"},
	}))

	v1 := r.Group("/v1")
	{
		v1.POST("/alloc", s.handleAlloc)
		v1.POST("/free", s.handleFree)
		v1.POST("/cancel", s.handleCancel)
		v1.POST("/prioritize", s.handlePrioritize)
		v1.POST("/feasibility", s.handleFeasibility)
		v1.GET("/resource-status", s.handleResourceStatus)
	}
	r.GET("/metrics", gin.WrapH(s.sched.Metrics().Handler()))
	return r
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
		}).Debug("httpapi: request")
	}
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:         s.listen,
		Handler:      s.router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- s.srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errc:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

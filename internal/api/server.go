// Package api exposes the daemon's read-only status surface over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"sentinel/internal/metrics"
	"sentinel/internal/service"
	"sentinel/internal/task"
	"sentinel/internal/utils"

	"github.com/gin-gonic/gin"
)

// TaskLister reports the running analysis tasks.
type TaskLister interface {
	Snapshot() []task.TaskStatus
}

// WatchlistSource reports and refreshes the applied watchlist.
type WatchlistSource interface {
	Status() service.SchedulerStatus
	Refresh(ctx context.Context) error
}

// SignalStats reports signal pipeline counters.
type SignalStats interface {
	Stats() service.AggregatorStats
}

// Server wires HTTP endpoints around the running components.
type Server struct {
	Router    *gin.Engine
	tasks     TaskLister
	watchlist WatchlistSource
	signals   SignalStats
	started   time.Time
}

// NewServer builds the router. gin's mode is left to the caller.
func NewServer(tasks TaskLister, watchlist WatchlistSource, signals SignalStats) *Server {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())

	s := &Server{
		Router:    r,
		tasks:     tasks,
		watchlist: watchlist,
		signals:   signals,
		started:   time.Now(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/healthz", s.health)
	s.Router.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := s.Router.Group("/api")
	{
		api.GET("/tasks", s.listTasks)
		api.GET("/tasks/:symbol", s.getTask)
		api.GET("/watchlist", s.getWatchlist)
		api.POST("/watchlist/refresh", s.refreshWatchlist)
		api.GET("/signals/stats", s.signalStats)
	}
}

func (s *Server) health(c *gin.Context) {
	tasks := s.tasks.Snapshot()
	connected := 0
	for _, t := range tasks {
		if t.Connected {
			connected++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"uptime":    time.Since(s.started).Round(time.Second).String(),
		"tasks":     len(tasks),
		"connected": connected,
	})
}

func (s *Server) listTasks(c *gin.Context) {
	c.JSON(http.StatusOK, s.tasks.Snapshot())
}

func (s *Server) getTask(c *gin.Context) {
	symbol := utils.NormalizeSymbol(c.Param("symbol"))
	if err := utils.ValidateSymbol(symbol); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	for _, t := range s.tasks.Snapshot() {
		if t.Symbol == symbol {
			c.JSON(http.StatusOK, t)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "no task for " + symbol})
}

func (s *Server) getWatchlist(c *gin.Context) {
	c.JSON(http.StatusOK, s.watchlist.Status())
}

// refreshWatchlist runs a refresh synchronously. A provider failure is
// reported but the previous watchlist stays applied.
func (s *Server) refreshWatchlist(c *gin.Context) {
	if err := s.watchlist.Refresh(c.Request.Context()); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":     err.Error(),
			"watchlist": s.watchlist.Status(),
		})
		return
	}
	c.JSON(http.StatusOK, s.watchlist.Status())
}

func (s *Server) signalStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.signals.Stats())
}

// HTTPServer wraps the router for graceful shutdown by the caller.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

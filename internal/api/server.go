// Package api serves the pool's read-only HTTP status endpoints.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bardlex/kawpool/internal/database"
	"github.com/bardlex/kawpool/internal/events"
	"github.com/bardlex/kawpool/internal/job"
	"github.com/bardlex/kawpool/internal/manager"
	"github.com/bardlex/kawpool/internal/pow"
	"github.com/bardlex/kawpool/pkg/log"
)

type JobSource interface {
	CurrentJob() *job.Job
	Stats() manager.Stats
}

type SessionCounter interface {
	SessionCount() int
}

type EventStats interface {
	Stats() events.Stats
}

type PoolStatsSource interface {
	GetPoolStats(ctx context.Context) (*database.PoolStats, error)
}

// Deps are the sources the handlers read from. Nil sources disable their
// routes.
type Deps struct {
	Jobs     JobSource
	Sessions SessionCounter
	Events   EventStats
	Pool     PoolStatsSource
	// Health reports backend readiness. Nil means always healthy.
	Health func(ctx context.Context) error
}

type handler struct {
	deps   Deps
	logger *log.Logger
}

// NewRouter builds the gin engine.
func NewRouter(deps Deps, logger *log.Logger) *gin.Engine {
	h := &handler{deps: deps, logger: logger.WithComponent("api")}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	_ = r.SetTrustedProxies(nil)
	r.Use(gin.Recovery())

	r.GET("/healthz", h.healthCheck)

	v1 := r.Group("/api/v1")
	if deps.Jobs != nil {
		v1.GET("/job", h.currentJob)
	}
	if deps.Jobs != nil || deps.Sessions != nil || deps.Events != nil {
		v1.GET("/stats", h.stats)
	}
	if deps.Pool != nil {
		v1.GET("/pool", h.poolStats)
	}
	return r
}

func (h *handler) healthCheck(c *gin.Context) {
	if h.deps.Health != nil {
		if err := h.deps.Health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// JobView is the JSON form of the current job.
type JobView struct {
	ID                string    `json:"id"`
	Height            int64     `json:"height"`
	PrevHash          string    `json:"prev_hash"`
	HeaderHash        string    `json:"header_hash"`
	SeedHash          string    `json:"seed_hash"`
	Target            string    `json:"target"`
	Bits              string    `json:"bits"`
	NetworkDifficulty float64   `json:"network_difficulty"`
	CoinbaseValue     int64     `json:"coinbase_value"`
	Transactions      int       `json:"transactions"`
	CleanJobs         bool      `json:"clean_jobs"`
	CreatedAt         time.Time `json:"created_at"`
}

func newJobView(j *job.Job) JobView {
	return JobView{
		ID:                j.IDHex(),
		Height:            j.Height,
		PrevHash:          j.PrevHash,
		HeaderHash:        j.HeaderHashHex(),
		SeedHash:          j.SeedHashHex(),
		Target:            pow.TargetHex(j.Target),
		Bits:              j.Bits,
		NetworkDifficulty: j.NetworkDifficulty,
		CoinbaseValue:     j.CoinbaseValue,
		Transactions:      len(j.Transactions),
		CleanJobs:         j.CleanJobs,
		CreatedAt:         j.CreatedAt,
	}
}

func (h *handler) currentJob(c *gin.Context) {
	j := h.deps.Jobs.CurrentJob()
	if j == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no current job"})
		return
	}
	c.JSON(http.StatusOK, newJobView(j))
}

// StatsView combines the in-process counters.
type StatsView struct {
	Manager  *manager.Stats `json:"manager,omitempty"`
	Events   *events.Stats  `json:"events,omitempty"`
	Sessions int            `json:"sessions"`
}

func (h *handler) stats(c *gin.Context) {
	var view StatsView
	if h.deps.Jobs != nil {
		s := h.deps.Jobs.Stats()
		view.Manager = &s
	}
	if h.deps.Events != nil {
		s := h.deps.Events.Stats()
		view.Events = &s
	}
	if h.deps.Sessions != nil {
		view.Sessions = h.deps.Sessions.SessionCount()
	}
	c.JSON(http.StatusOK, view)
}

func (h *handler) poolStats(c *gin.Context) {
	stats, err := h.deps.Pool.GetPoolStats(c.Request.Context())
	if err != nil {
		h.logger.WithError(err).Error("failed to get pool stats")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "pool stats unavailable"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Server runs the router on an http.Server.
type Server struct {
	srv    *http.Server
	logger *log.Logger
}

func NewServer(addr string, router http.Handler, logger *log.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.WithComponent("api"),
	}
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status API listening", "addr", ln.Addr().String())
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

// Package api is the REST surface of labyard, served by `ly serve`.
package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/zulandar/labyard/internal/alloc"
	"github.com/zulandar/labyard/internal/lease"
	"github.com/zulandar/labyard/internal/notify"
	"gorm.io/gorm"
)

// StartOpts holds configuration for the API server.
type StartOpts struct {
	DB            *gorm.DB
	Engine        *alloc.Engine   // defaults to an engine over DB
	Notifier      notify.Notifier // lease notices and ingested events
	Port          int
	Out           io.Writer
	LeaseDuration time.Duration
	ExtendBy      time.Duration
	SweepSchedule string // empty disables the background sweeper
}

type server struct {
	db             *gorm.DB
	engine         *alloc.Engine
	notifier       notify.Notifier
	leaseDuration  time.Duration
	extendBy       time.Duration
	streamInterval time.Duration
	heartbeat      time.Duration
}

func newServer(opts StartOpts) *server {
	s := &server{
		db:             opts.DB,
		engine:         opts.Engine,
		notifier:       opts.Notifier,
		leaseDuration:  opts.LeaseDuration,
		extendBy:       opts.ExtendBy,
		streamInterval: 2 * time.Second,
		heartbeat:      15 * time.Second,
	}
	if s.notifier == nil {
		s.notifier = notify.Nop
	}
	if s.engine == nil {
		s.engine = alloc.New(opts.DB, alloc.WithNotifier(s.notifier))
	}
	return s
}

// NewRouter returns the gin engine serving every route.
func NewRouter(opts StartOpts) *gin.Engine {
	return newServer(opts).router()
}

func (s *server) router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestID(), requestLogger())
	s.registerRoutes(router)
	return router
}

// Start launches the API server and, when a schedule is set, the lease
// sweeper. It blocks until ctx is cancelled, then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.DB == nil {
		return fmt.Errorf("api: db is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}
	if opts.SweepSchedule != "" {
		if _, err := lease.ParseSchedule(opts.SweepSchedule); err != nil {
			return fmt.Errorf("api: %w", err)
		}
	}

	gin.SetMode(gin.ReleaseMode)
	s := newServer(opts)

	if opts.SweepSchedule != "" {
		go func() {
			sweep := lease.SweepOpts{ExtendBy: s.extendBy, Notifier: s.notifier}
			if err := lease.RunSweeper(ctx, s.db, opts.SweepSchedule, sweep); err != nil {
				log.WithError(err).Error("api: lease sweeper exited")
			}
		}()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "labyard API listening on http://localhost:%d\n", opts.Port)
	}
	log.WithField("port", opts.Port).Info("api: listening")

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}

func (s *server) registerRoutes(router *gin.Engine) {
	router.GET("/healthz", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/summary", s.handleSummary)

	machines := router.Group("/machines")
	machines.GET("", s.handleMachineList)
	machines.GET("/:name", s.handleMachineGet)
	machines.PUT("/:name", s.handleMachineDefine)
	machines.DELETE("/:name", s.handleMachineUndefine)
	machines.PUT("/:name/status", s.handleMachineStatus)
	machines.POST("/:name/props", s.handleMachineProp)
	machines.POST("/:name/borrow", s.handleBorrow)
	machines.POST("/:name/return", s.handleReturn)

	sites := router.Group("/sites")
	sites.GET("", s.handleSiteList)
	sites.GET("/:name", s.handleSiteGet)
	sites.PUT("/:name", s.handleSiteDefine)
	sites.GET("/:name/budget", s.handleSiteBudget)

	jobs := router.Group("/jobs")
	jobs.POST("/allocate", s.handleAllocate)
	jobs.POST("/:id/release", s.handleRelease)

	router.POST("/leases/sweep", s.handleSweep)

	router.POST("/events", s.handleEventAppend)
	router.GET("/events", s.handleEventList)
	router.GET("/events/stream", s.handleEventStream)

	router.GET("/utilisation", s.handleUtilisation)
}

func (s *server) handleHealth(c *gin.Context) {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

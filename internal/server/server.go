// Package server exposes sync runs over HTTP and runs them on a cron
// schedule.
//
// Routes:
//
//	GET  /                              → HTML dashboard
//	POST /runs                          → start a run (202), or ?wait=true for the report
//	GET  /runs/last                     → report of the most recent run
//	GET  /healthz                       → state store reachability
//	GET  /unknown-fields?status=pending → unknown-field observations
//	PUT  /unknown-fields/:collection/:field → set an observation's status
//
// At most one run is in flight at a time, whether started by HTTP or cron.
package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"sheetsync/internal/fieldmap"
	"sheetsync/internal/logging"
	"sheetsync/internal/report"
	"sheetsync/internal/store"
)

// ErrRunInProgress is returned when a run is requested while one is running.
var ErrRunInProgress = errors.New("server: a run is already in progress")

// RunFunc executes one sync. only restricts it to some collection ids.
type RunFunc func(ctx context.Context, only []string) (report.RunReport, error)

// State is the read side of the state store plus observation triage.
// *store.Store satisfies it.
type State interface {
	Ping(ctx context.Context) error
	LastRun(ctx context.Context) (store.Run, error)
	UnknownFields(ctx context.Context, status string) ([]fieldmap.Observation, error)
	SetUnknownFieldStatus(ctx context.Context, collectionID, sourceField, status string) error
}

// Config controls server startup.
type Config struct {
	Addr string
	// Schedule is a cron spec ("0 * * * *", "@every 1h"). Empty disables
	// scheduled runs.
	Schedule string
	// ShutdownTimeout bounds graceful shutdown. Default 30s.
	ShutdownTimeout time.Duration
	Logger          logrus.FieldLogger
}

// Server serves the HTTP API and owns the cron scheduler.
type Server struct {
	cfg    Config
	run    RunFunc
	state  State
	log    logrus.FieldLogger
	engine *gin.Engine
	cron   *cron.Cron

	// base is cancelled on shutdown; background runs inherit it.
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// New constructs a Server with routes and, when cfg.Schedule is set, a
// scheduled job. An invalid schedule is an error.
func New(cfg Config, run RunFunc, state State) (*Server, error) {
	if run == nil || state == nil {
		return nil, errors.New("server: run function and state are required")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}
	base, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:    cfg,
		run:    run,
		state:  state,
		log:    log.WithField("component", "server"),
		base:   base,
		cancel: cancel,
	}

	cl := cron.PrintfLogger(s.log)
	s.cron = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if cfg.Schedule != "" {
		if _, err := s.cron.AddFunc(cfg.Schedule, s.scheduled); err != nil {
			cancel()
			return nil, err
		}
	}

	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), s.accessLog())
	s.routes()
	return s, nil
}

// Handler returns the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Entries returns the number of scheduled jobs.
func (s *Server) Entries() int { return len(s.cron.Entries()) }

func (s *Server) routes() {
	s.engine.GET("/", s.handleDashboard)
	s.engine.POST("/runs", s.handleStartRun)
	s.engine.GET("/runs/last", s.handleLastRun)
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/unknown-fields", s.handleUnknownFields)
	s.engine.PUT("/unknown-fields/:collection/:field", s.handleSetStatus)
}

// ListenAndServe starts the scheduler and the HTTP server and blocks until
// ctx is done, then shuts both down and waits for an in-flight run.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.cron.Start()
	s.log.WithFields(logrus.Fields{"addr": s.cfg.Addr, "schedule": s.cfg.Schedule}).Info("server: listening")

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil && serveErr == nil {
		serveErr = err
	}
	s.Close(shutCtx)
	return serveErr
}

// Close stops the scheduler, cancels background runs and waits for them or
// for ctx, whichever comes first.
func (s *Server) Close(ctx context.Context) {
	stopped := s.cron.Stop()
	s.cancel()
	done := make(chan struct{})
	go func() {
		<-stopped.Done()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("server: stopped")
	case <-ctx.Done():
		s.log.Warn("server: shutdown timed out with a run in flight")
	}
}

// Trigger runs one sync synchronously unless another is in flight.
func (s *Server) Trigger(ctx context.Context, only []string) (report.RunReport, error) {
	if !s.acquire() {
		return report.RunReport{}, ErrRunInProgress
	}
	defer s.release()
	return s.run(ctx, only)
}

func (s *Server) acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	return true
}

func (s *Server) release() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// scheduled is the cron job.
func (s *Server) scheduled() {
	s.wg.Add(1)
	defer s.wg.Done()
	rep, err := s.Trigger(s.base, nil)
	switch {
	case errors.Is(err, ErrRunInProgress):
		s.log.Info("server: scheduled run skipped, another run is in progress")
	case err != nil:
		s.log.WithError(err).Error("server: scheduled run failed")
	default:
		s.log.WithFields(logrus.Fields{"run_id": rep.RunID, "status": rep.Status()}).Info("server: scheduled run done")
	}
}

// accessLog logs one line per request through logrus.
func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		entry := s.log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"elapsed": time.Since(start).Truncate(time.Microsecond),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("server: request")
			return
		}
		entry.Debug("server: request")
	}
}

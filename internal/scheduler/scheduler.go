// Package scheduler runs the periodic work of the agent: flushing each
// project's window upstream, retrying the offline queue, and refreshing the
// authentication state.
package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"
	"golang.org/x/sync/errgroup"

	"github.com/fakeyudi/codepulse/internal/api"
	"github.com/fakeyudi/codepulse/internal/auth"
	"github.com/fakeyudi/codepulse/internal/queue"
)

// Defaults for Config fields left zero.
const (
	DefaultFlushInterval       = 60 * time.Second
	DefaultMaintenanceInterval = 60 * time.Second
	DefaultInitialDrainDelay   = 15 * time.Second
	DefaultShutdownTimeout     = 5 * time.Second
	DefaultWorkers             = 2
)

// Engine yields the windows to flush.
type Engine interface {
	Projects() []string
	Take(name string) (payload []byte, ok bool, err error)
}

// Transport delivers payloads and fetches the session summary.
type Transport interface {
	queue.Sender
	SendEvent(ctx context.Context, payload []byte) error
	SessionSummary(ctx context.Context, from time.Time) (*api.SessionSummary, error)
}

// Queue holds payloads that could not be delivered.
type Queue interface {
	Append(ctx context.Context, payload []byte) error
	DrainAndSend(ctx context.Context, s queue.Sender) (int, error)
}

// Authenticator re-evaluates the authentication state.
type Authenticator interface {
	Refresh(ctx context.Context) auth.State
}

// StatusSink receives each fetched session summary, or nil when the fetch
// failed.
type StatusSink func(*api.SessionSummary)

// Config holds the scheduler's intervals.
type Config struct {
	FlushInterval       time.Duration
	MaintenanceInterval time.Duration
	InitialDrainDelay   time.Duration
	ShutdownTimeout     time.Duration
	Workers             int
	// SingleEvent sends each window to /data instead of /data/batch.
	SingleEvent bool
}

func (c *Config) setDefaults() {
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = DefaultMaintenanceInterval
	}
	if c.InitialDrainDelay <= 0 {
		c.InitialDrainDelay = DefaultInitialDrainDelay
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
}

// Scheduler owns the background loops.
type Scheduler struct {
	engine    Engine
	transport Transport
	queue     Queue
	auth      Authenticator
	sink      StatusSink
	clock     quartz.Clock
	logger    *slog.Logger
	cfg       Config

	mu       sync.Mutex
	life     context.Context
	stopping bool
	inflight sync.WaitGroup

	authChecking atomic.Bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the clock driving the loops.
func WithClock(c quartz.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithStatusSink sets where session summaries are published.
func WithStatusSink(sink StatusSink) Option {
	return func(s *Scheduler) { s.sink = sink }
}

// New returns a Scheduler. It does nothing until Run is called.
func New(engine Engine, transport Transport, q Queue, a Authenticator, cfg Config, opts ...Option) *Scheduler {
	cfg.setDefaults()
	s := &Scheduler{
		engine:    engine,
		transport: transport,
		queue:     q,
		auth:      a,
		clock:     quartz.NewReal(),
		logger:    slog.Default(),
		cfg:       cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "scheduler")
	return s
}

// Run drives the flush and maintenance loops until ctx is cancelled. It then
// waits for in-flight work and flushes every project one last time within
// the shutdown timeout.
func (s *Scheduler) Run(ctx context.Context) error {
	// Work started by a tick runs to completion even if ctx is cancelled
	// mid-call; the transport's own timeout bounds it.
	work := context.WithoutCancel(ctx)

	// Auth refreshes may block on the user; they end with ctx instead.
	s.mu.Lock()
	s.life = ctx
	s.mu.Unlock()

	flush := s.clock.TickerFunc(ctx, s.cfg.FlushInterval, func() error {
		s.tracked(func() { s.FlushAll(work) })
		return nil
	}, "scheduler", "flush")

	maint := s.clock.TickerFunc(ctx, s.cfg.MaintenanceInterval, func() error {
		s.tracked(func() { s.maintain(ctx, work) })
		return nil
	}, "scheduler", "maintenance")

	initial := s.clock.AfterFunc(s.cfg.InitialDrainDelay, func() {
		s.tracked(func() { s.drain(work) })
	}, "scheduler", "initialDrain")

	s.logger.Info("scheduler started",
		"flush_interval", s.cfg.FlushInterval,
		"maintenance_interval", s.cfg.MaintenanceInterval)

	<-ctx.Done()
	initial.Stop()
	_ = flush.Wait()
	_ = maint.Wait()

	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()
	s.inflight.Wait()

	final, cancel := context.WithTimeout(work, s.cfg.ShutdownTimeout)
	defer cancel()
	s.FlushAll(final)
	s.logger.Info("scheduler stopped")
	return nil
}

// tracked runs fn unless shutdown has begun, counting it as in flight.
func (s *Scheduler) tracked(fn func()) {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return
	}
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()
	fn()
}

// FlushAll flushes every project with activity, at most Workers at a time.
func (s *Scheduler) FlushAll(ctx context.Context) {
	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)
	for _, name := range s.engine.Projects() {
		g.Go(func() error {
			s.flushProject(ctx, name)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) flushProject(ctx context.Context, name string) {
	payload, ok, err := s.engine.Take(name)
	if err != nil {
		s.logger.Error("snapshot failed", "project", name, "error", err)
		return
	}
	if !ok {
		return
	}

	if err := s.send(ctx, payload); err != nil {
		s.logger.Warn("flush failed, queueing payload", "project", name, "error", err)
		s.enqueue(ctx, name, payload)
		s.checkAuth()
		return
	}
	s.logger.Debug("flushed", "project", name)
}

func (s *Scheduler) send(ctx context.Context, payload []byte) error {
	if s.cfg.SingleEvent {
		return s.transport.SendEvent(ctx, payload)
	}
	return s.transport.SendBatch(ctx, []json.RawMessage{payload})
}

// enqueue persists payload even when ctx is already done, bounded by the
// shutdown timeout.
func (s *Scheduler) enqueue(ctx context.Context, name string, payload []byte) {
	qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.queue.Append(qctx, payload); err != nil {
		s.logger.Error("dropping payload, offline queue unavailable", "project", name, "error", err)
	}
}

// checkAuth refreshes the auth state in the background. Concurrent requests
// collapse into the one already running.
func (s *Scheduler) checkAuth() {
	if !s.authChecking.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		s.authChecking.Store(false)
		return
	}
	s.inflight.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.inflight.Done()
		defer s.authChecking.Store(false)
		ctx, cancel := context.WithTimeout(s.lifetime(), s.cfg.MaintenanceInterval)
		defer cancel()
		s.auth.Refresh(ctx)
	}()
}

// lifetime is the context of the running loops, or Background before Run.
func (s *Scheduler) lifetime() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.life == nil {
		return context.Background()
	}
	return s.life
}

// Maintain refreshes auth, retries the offline queue, and publishes the
// session summary.
func (s *Scheduler) Maintain(ctx context.Context) {
	s.maintain(ctx, ctx)
}

// maintain refreshes auth under authCtx and does the rest under work. Once
// authCtx ends the remaining steps are left to shutdown.
func (s *Scheduler) maintain(authCtx, work context.Context) {
	s.auth.Refresh(authCtx)
	if authCtx.Err() != nil {
		return
	}
	s.drain(work)
	s.fetchSummary(work)
}

// DrainQueue sends the offline queue now.
func (s *Scheduler) DrainQueue(ctx context.Context) (int, error) {
	return s.queue.DrainAndSend(ctx, s.transport)
}

func (s *Scheduler) drain(ctx context.Context) {
	n, err := s.DrainQueue(ctx)
	if err != nil {
		s.logger.Warn("offline queue not drained", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("sent queued payloads", "count", n)
	}
}

func (s *Scheduler) fetchSummary(ctx context.Context) {
	sum, err := s.transport.SessionSummary(ctx, s.clock.Now())
	if err != nil {
		s.logger.Debug("session summary unavailable", "error", err)
		s.publish(nil)
		s.checkAuth()
		return
	}
	s.publish(sum)
}

func (s *Scheduler) publish(sum *api.SessionSummary) {
	if s.sink != nil {
		s.sink(sum)
	}
}

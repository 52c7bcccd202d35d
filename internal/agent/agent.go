// Package agent wires the aggregation engine, offline queue, session store,
// API client, auth state machine and scheduler into one service.
package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/quartz"
	"golang.org/x/sync/errgroup"

	"github.com/fakeyudi/codepulse/internal/aggregate"
	"github.com/fakeyudi/codepulse/internal/api"
	"github.com/fakeyudi/codepulse/internal/auth"
	"github.com/fakeyudi/codepulse/internal/config"
	"github.com/fakeyudi/codepulse/internal/ingest"
	"github.com/fakeyudi/codepulse/internal/metrics"
	"github.com/fakeyudi/codepulse/internal/project"
	"github.com/fakeyudi/codepulse/internal/queue"
	"github.com/fakeyudi/codepulse/internal/scheduler"
	"github.com/fakeyudi/codepulse/internal/session"
	"github.com/fakeyudi/codepulse/internal/status"
)

// Version is reported in payloads and the User-Agent. Set at build time.
var Version = "dev"

// Agent is the running telemetry service.
type Agent struct {
	Engine    *aggregate.Engine
	Resolver  *project.Resolver
	Queue     *queue.Queue
	Sessions  *session.Store
	Client    *api.Client
	Auth      *auth.Machine
	Scheduler *scheduler.Scheduler

	logger *slog.Logger

	mu         sync.RWMutex
	statusLine string
}

type options struct {
	clock       quartz.Clock
	transport   http.RoundTripper
	browser     auth.Browser
	prompter    auth.Prompter
	lineCounter aggregate.LineCounter
	gitRunner   project.GitRunner
}

// Option customizes collaborators, mostly for tests.
type Option func(*options)

// WithClock replaces the wall clock.
func WithClock(c quartz.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithHTTPTransport replaces the HTTP round tripper.
func WithHTTPTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.transport = rt }
}

// WithBrowser sets how onboarding URLs are shown.
func WithBrowser(b auth.Browser) Option {
	return func(o *options) { o.browser = b }
}

// WithPrompter sets who is asked to log in.
func WithPrompter(p auth.Prompter) Option {
	return func(o *options) { o.prompter = p }
}

// WithLineCounter replaces the on-disk line counter.
func WithLineCounter(lc aggregate.LineCounter) Option {
	return func(o *options) { o.lineCounter = lc }
}

// WithGitRunner replaces the git subprocess used for project resolution.
func WithGitRunner(r project.GitRunner) Option {
	return func(o *options) { o.gitRunner = r }
}

// New builds an Agent from cfg.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Agent, error) {
	o := options{
		clock:       quartz.NewReal(),
		lineCounter: aggregate.FileLineCounter{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = slog.Default()
	}

	sessions, err := session.NewStore(cfg.DataDir, logger)
	if err != nil {
		return nil, err
	}

	client, err := api.NewClient(cfg.APIURL,
		api.WithTransport(o.transport),
		api.WithTimeout(cfg.Transport.Timeout),
		api.WithVersion(Version),
		api.WithLogger(logger),
		api.WithTokenSource(func(ctx context.Context) string {
			jwt, _, err := sessions.Get(ctx, session.KeyJWT)
			if err != nil {
				logger.Warn("reading session token", "error", err)
			}
			return jwt
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("creating api client: %w", err)
	}

	a := &Agent{
		Engine: aggregate.New(metrics.NewStore(),
			aggregate.WithClock(o.clock),
			aggregate.WithLineCounter(o.lineCounter),
			aggregate.WithLogger(logger),
			aggregate.WithPlugin(cfg.PluginID, Version),
		),
		Resolver: &project.Resolver{Roots: cfg.Project.Roots, Runner: o.gitRunner},
		Queue: queue.New(cfg.DataDir,
			queue.WithMaxEntries(cfg.Queue.MaxEntries),
			queue.WithLogger(logger),
		),
		Sessions: sessions,
		Client:   client,
		logger:   logger.With("component", "agent"),
	}

	authOpts := []auth.Option{auth.WithClock(o.clock), auth.WithLogger(logger)}
	if o.browser != nil {
		authOpts = append(authOpts, auth.WithBrowser(o.browser))
	}
	if o.prompter != nil {
		authOpts = append(authOpts, auth.WithPrompter(o.prompter))
	}
	a.Auth = auth.New(client, sessions, auth.Config{
		LaunchURL:           cfg.LaunchURL,
		PromptThreshold:     cfg.Auth.PromptThreshold,
		ConfirmInitialDelay: cfg.Auth.ConfirmInitialDelay,
		ConfirmPollInterval: cfg.Auth.ConfirmPollInterval,
		LivenessCacheTTL:    cfg.Auth.LivenessCacheTTL,
	}, authOpts...)

	a.Scheduler = scheduler.New(a.Engine, client, a.Queue, a.Auth, scheduler.Config{
		FlushInterval:       cfg.FlushInterval,
		MaintenanceInterval: cfg.MaintenanceInterval,
		InitialDrainDelay:   cfg.InitialDrainDelay,
		ShutdownTimeout:     cfg.ShutdownTimeout,
		Workers:             cfg.Workers,
		SingleEvent:         cfg.Transport.SingleEvent,
	},
		scheduler.WithClock(o.clock),
		scheduler.WithLogger(logger),
		scheduler.WithStatusSink(a.setStatus),
	)
	return a, nil
}

// Run starts the background loops and, when events is non-nil, applies
// editor events read from it. It stops when ctx is cancelled or the event
// stream ends, returning after the final flush.
func (a *Agent) Run(ctx context.Context, events io.Reader) error {
	if err := a.Auth.Init(ctx); err != nil {
		return fmt.Errorf("loading session: %w", err)
	}
	defer a.Auth.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Scheduler.Run(gctx)
	})
	g.Go(func() error {
		return a.watchSessions(gctx)
	})
	if events != nil {
		g.Go(func() error {
			defer cancel()
			n, err := ingest.Run(gctx, events, a.Engine, a.Resolver, a.logger)
			if err != nil {
				a.logger.Warn("event stream failed", "applied", n, "error", err)
				return nil
			}
			a.logger.Info("event stream ended", "applied", n)
			return nil
		})
	}
	return g.Wait()
}

// watchSessions invalidates the auth cache when another process rewrites the
// session file. Losing the watcher only costs that shortcut; the periodic
// liveness check still notices the change.
func (a *Agent) watchSessions(ctx context.Context) error {
	err := a.Sessions.Watch(ctx, func() {
		a.logger.Debug("session file changed")
		a.Auth.Invalidate()
	})
	if err != nil {
		a.logger.Warn("session watcher stopped", "error", err)
	}
	return nil
}

// FlushQueue drains the offline queue immediately.
func (a *Agent) FlushQueue(ctx context.Context) (int, error) {
	return a.Scheduler.DrainQueue(ctx)
}

// StatusLine returns the latest session summary line.
func (a *Agent) StatusLine() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.statusLine
}

func (a *Agent) setStatus(sum *api.SessionSummary) {
	line := status.Format(sum)
	a.mu.Lock()
	changed := line != a.statusLine
	a.statusLine = line
	a.mu.Unlock()
	if changed {
		a.logger.Info("status", "line", line)
	}
}

// Package auth tracks whether this installation holds a valid session and
// drives the browser pairing flow that obtains one.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/quartz"
	"github.com/google/uuid"

	"github.com/fakeyudi/codepulse/internal/session"
)

// PromptMessage is shown when the user should log in.
const PromptMessage = "To see your coding data, please log in to your account."

// Defaults for Config fields left zero.
const (
	DefaultPromptThreshold     = time.Hour
	DefaultConfirmInitialDelay = time.Minute
	DefaultConfirmPollInterval = 2 * time.Minute
	DefaultLivenessCacheTTL    = 5 * time.Second
)

// ErrClosed is returned by operations on a closed Machine.
var ErrClosed = errors.New("auth machine closed")

// Config holds the state machine's timing and URLs.
type Config struct {
	// LaunchURL is the web app that hosts the onboarding page.
	LaunchURL           string
	PromptThreshold     time.Duration
	ConfirmInitialDelay time.Duration
	ConfirmPollInterval time.Duration
	LivenessCacheTTL    time.Duration
}

func (c *Config) setDefaults() {
	if c.PromptThreshold <= 0 {
		c.PromptThreshold = DefaultPromptThreshold
	}
	if c.ConfirmInitialDelay <= 0 {
		c.ConfirmInitialDelay = DefaultConfirmInitialDelay
	}
	if c.ConfirmPollInterval <= 0 {
		c.ConfirmPollInterval = DefaultConfirmPollInterval
	}
	if c.LivenessCacheTTL <= 0 {
		c.LivenessCacheTTL = DefaultLivenessCacheTTL
	}
}

// Machine is the authentication state machine. It is safe for concurrent use.
type Machine struct {
	svc      Service
	store    Sessions
	browser  Browser
	prompter Prompter
	clock    quartz.Clock
	logger   *slog.Logger
	cfg      Config

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	state       State
	lastOK      time.Time
	lastFailure time.Time
	promptOpen  bool
	poll        *quartz.Timer
	pollGen     uint64
	backoff     backoff.BackOff
	closed      bool
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock sets the clock used for caching and poll scheduling.
func WithClock(c quartz.Clock) Option {
	return func(m *Machine) { m.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// WithBrowser sets how the onboarding page is shown.
func WithBrowser(b Browser) Option {
	return func(m *Machine) { m.browser = b }
}

// WithPrompter sets who is asked to log in.
func WithPrompter(p Prompter) Option {
	return func(m *Machine) { m.prompter = p }
}

// New returns a Machine in the Unpaired state. Call Init to load the
// persisted state.
func New(svc Service, store Sessions, cfg Config, opts ...Option) *Machine {
	cfg.setDefaults()
	m := &Machine{
		svc:    svc,
		store:  store,
		clock:  quartz.NewReal(),
		logger: slog.Default(),
		cfg:    cfg,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "auth")
	m.backoff = backoff.NewConstantBackOff(cfg.ConfirmPollInterval)
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

// Init derives the starting state from the session file. A token without a
// session resumes confirmation polling; a stored session is unverified until
// the next liveness check.
func (m *Machine) Init(ctx context.Context) error {
	st, err := m.store.Load(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case st.HasJWT():
		m.state = Unauthenticated
	case st.Token != "":
		m.state = PendingConfirmation
		m.startPollLocked()
	default:
		m.state = Unpaired
	}
	return nil
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastFailure returns when the service last rejected the session.
func (m *Machine) LastFailure() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastFailure
}

// RequestPairing issues a fresh pairing token, shows the onboarding page,
// and starts polling for confirmation. Any earlier pending poll is
// superseded. It returns the onboarding URL.
func (m *Machine) RequestPairing(ctx context.Context) (string, error) {
	if m.isClosed() {
		return "", ErrClosed
	}
	token := newToken()
	if err := m.store.Set(ctx, session.KeyToken, token); err != nil {
		return "", err
	}

	m.mu.Lock()
	m.state = PendingConfirmation
	m.startPollLocked()
	m.mu.Unlock()

	u := m.onboardingURL(token)
	m.open(u)
	return u, nil
}

// Login opens the dashboard. Without a token a pairing is requested. With a
// token but no accepted session the existing token is reused and polling
// resumes. It returns the URL shown.
func (m *Machine) Login(ctx context.Context) (string, error) {
	if m.isClosed() {
		return "", ErrClosed
	}
	st, err := m.store.Load(ctx)
	if err != nil {
		return "", err
	}
	if st.Token == "" {
		return m.RequestPairing(ctx)
	}

	u := m.cfg.LaunchURL
	if !st.HasJWT() || !m.CheckLiveness(ctx) {
		u = m.onboardingURL(st.Token)
		m.mu.Lock()
		m.state = PendingConfirmation
		m.startPollLocked()
		m.mu.Unlock()
	}
	m.open(u)
	return u, nil
}

// CheckConfirmation asks the service whether the pending token was
// confirmed. On success the session is stored and the state becomes
// Authenticated.
func (m *Machine) CheckConfirmation(ctx context.Context) (bool, error) {
	st, err := m.store.Load(ctx)
	if err != nil {
		return false, err
	}
	if st.Token == "" {
		return false, nil
	}

	conf, err := m.svc.ConfirmToken(ctx, st.Token)
	if err != nil {
		return false, err
	}

	now := m.clock.Now()
	err = m.store.SetMany(ctx, map[string]string{
		session.KeyJWT:               conf.JWT,
		session.KeyUser:              conf.User,
		session.KeyLastAuthCheckTime: session.FormatTime(now.Unix()),
	})
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	m.setAuthenticatedLocked(now)
	m.mu.Unlock()
	m.logger.Info("pairing confirmed")
	return true, nil
}

// CheckLiveness reports whether the stored session is accepted. A positive
// answer is cached briefly. Network failures count as rejection.
func (m *Machine) CheckLiveness(ctx context.Context) bool {
	now := m.clock.Now()
	m.mu.Lock()
	if m.state == Authenticated && !m.lastOK.IsZero() && now.Sub(m.lastOK) < m.cfg.LivenessCacheTTL {
		m.mu.Unlock()
		return true
	}
	m.mu.Unlock()

	st, err := m.store.Load(ctx)
	if err != nil {
		m.logger.Warn("reading session", "error", err)
		return false
	}
	if !st.HasJWT() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.lastOK = time.Time{}
		if st.Token != "" {
			m.state = PendingConfirmation
			if m.poll == nil {
				m.startPollLocked()
			}
		} else {
			m.state = Unpaired
		}
		return false
	}

	err = m.svc.PingUser(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.logger.Debug("session rejected", "error", err)
		m.lastOK = time.Time{}
		m.lastFailure = now
		if m.state != PendingConfirmation {
			m.state = Unauthenticated
		}
		return false
	}
	m.setAuthenticatedLocked(now)
	return true
}

// Refresh re-evaluates the state and, when the service is reachable but the
// session is not accepted, asks the user to log in at most once per
// threshold. It returns the resulting state.
func (m *Machine) Refresh(ctx context.Context) State {
	online := m.svc.PingServer(ctx) == nil
	authed := m.CheckLiveness(ctx)
	if online && !authed {
		m.maybePrompt(ctx)
	}
	return m.State()
}

func (m *Machine) maybePrompt(ctx context.Context) {
	m.mu.Lock()
	if m.promptOpen || m.closed {
		m.mu.Unlock()
		return
	}
	m.promptOpen = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.promptOpen = false
		m.mu.Unlock()
	}()

	st, err := m.store.Load(ctx)
	if err != nil {
		m.logger.Warn("reading session", "error", err)
		return
	}
	now := m.clock.Now().Unix()
	if st.LastAuthCheckTime > 0 && now-st.LastAuthCheckTime < int64(m.cfg.PromptThreshold/time.Second) {
		return
	}
	if err := m.store.Set(ctx, session.KeyLastAuthCheckTime, session.FormatTime(now)); err != nil {
		m.logger.Warn("recording prompt time", "error", err)
		return
	}
	if m.prompter == nil {
		return
	}
	if m.prompter.Prompt(ctx, PromptMessage) != Login {
		return
	}
	if _, err := m.Login(ctx); err != nil {
		m.logger.Warn("starting login", "error", err)
	}
}

// Invalidate drops the cached liveness result, e.g. after another process
// changed the session file.
func (m *Machine) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastOK = time.Time{}
}

// Close stops any pending confirmation poll.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.stopPollLocked()
	m.cancel()
}

func (m *Machine) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Machine) setAuthenticatedLocked(now time.Time) {
	m.state = Authenticated
	m.lastOK = now
	m.stopPollLocked()
}

// startPollLocked supersedes any pending poll and schedules the first
// confirmation check.
func (m *Machine) startPollLocked() {
	m.stopPollLocked()
	m.backoff.Reset()
	m.schedulePollLocked(m.cfg.ConfirmInitialDelay)
}

func (m *Machine) stopPollLocked() {
	m.pollGen++
	if m.poll != nil {
		m.poll.Stop()
		m.poll = nil
	}
}

func (m *Machine) schedulePollLocked(d time.Duration) {
	if m.closed {
		return
	}
	gen := m.pollGen
	m.poll = m.clock.AfterFunc(d, func() { m.runPoll(gen) }, "auth", "confirm")
}

func (m *Machine) runPoll(gen uint64) {
	m.mu.Lock()
	if m.closed || gen != m.pollGen {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	ok, err := m.CheckConfirmation(m.ctx)
	if ok {
		return
	}
	if err != nil {
		m.logger.Debug("pairing not confirmed yet", "error", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || gen != m.pollGen {
		return
	}
	// The constant backoff never stops; only confirmation, a new pairing or
	// Close end the polling.
	m.schedulePollLocked(m.backoff.NextBackOff())
}

func (m *Machine) onboardingURL(token string) string {
	return strings.TrimRight(m.cfg.LaunchURL, "/") + "/onboarding?token=" + url.QueryEscape(token)
}

func (m *Machine) open(u string) {
	if m.browser == nil {
		return
	}
	if err := m.browser.Open(u); err != nil {
		m.logger.Warn("opening browser", "url", u, "error", err)
	}
}

// newToken returns 128 random bits as 32 hex characters.
func newToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

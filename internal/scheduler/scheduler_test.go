package scheduler_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fakeyudi/codepulse/internal/aggregate"
	"github.com/fakeyudi/codepulse/internal/api"
	"github.com/fakeyudi/codepulse/internal/auth"
	"github.com/fakeyudi/codepulse/internal/metrics"
	"github.com/fakeyudi/codepulse/internal/queue"
	"github.com/fakeyudi/codepulse/internal/scheduler"
)

var errOffline = errors.New("offline")

type fakeTransport struct {
	mu         sync.Mutex
	err        error
	summaryErr error
	batches    [][]json.RawMessage
	attempts   [][]json.RawMessage
	events     [][]byte
	summaries  int
	active     int
	maxActive  int
	delay      time.Duration
}

func (f *fakeTransport) enter() {
	f.mu.Lock()
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
}

func (f *fakeTransport) leave() {
	f.mu.Lock()
	f.active--
	f.mu.Unlock()
}

func (f *fakeTransport) SendBatch(_ context.Context, batch []json.RawMessage) error {
	f.enter()
	defer f.leave()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, batch)
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, batch)
	return nil
}

func (f *fakeTransport) SendEvent(_ context.Context, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, payload)
	return nil
}

func (f *fakeTransport) SessionSummary(context.Context, time.Time) (*api.SessionSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summaries++
	if f.summaryErr != nil {
		return nil, f.summaryErr
	}
	return &api.SessionSummary{CurrentSessionKpm: 12}, nil
}

func (f *fakeTransport) sentBatches() [][]json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]json.RawMessage(nil), f.batches...)
}

func (f *fakeTransport) attemptedBatches() [][]json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]json.RawMessage(nil), f.attempts...)
}

func (f *fakeTransport) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type fakeAuth struct {
	mu        sync.Mutex
	refreshes int
	// entered, when set, makes Refresh signal once and then block until its
	// context ends, like a login prompt nobody answers.
	entered chan struct{}
}

func (a *fakeAuth) Refresh(ctx context.Context) auth.State {
	a.mu.Lock()
	a.refreshes++
	entered := a.entered
	a.entered = nil
	a.mu.Unlock()

	if entered != nil {
		close(entered)
		<-ctx.Done()
		return auth.Unauthenticated
	}
	return auth.Authenticated
}

func (a *fakeAuth) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refreshes
}

type harness struct {
	engine    *aggregate.Engine
	transport *fakeTransport
	queue     *queue.Queue
	auth      *fakeAuth
	clock     *quartz.Mock
	sched     *scheduler.Scheduler

	mu        sync.Mutex
	summaries []*api.SessionSummary
}

func newHarness(t *testing.T, cfg scheduler.Config) *harness {
	t.Helper()
	clock := quartz.NewMock(t)
	clock.Set(time.Unix(1_700_000_000, 0)).MustWait(context.Background())

	h := &harness{
		engine: aggregate.New(metrics.NewStore(),
			aggregate.WithClock(clock),
			aggregate.WithLineCounter(aggregate.LineCounterFunc(func(string) (int64, error) { return 0, nil })),
		),
		transport: &fakeTransport{},
		queue:     queue.New(t.TempDir()),
		auth:      &fakeAuth{},
		clock:     clock,
	}
	h.sched = scheduler.New(h.engine, h.transport, h.queue, h.auth, cfg,
		scheduler.WithClock(clock),
		scheduler.WithStatusSink(func(s *api.SessionSummary) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.summaries = append(h.summaries, s)
		}),
	)
	return h
}

// start runs the scheduler and waits until its timers are registered.
func (h *harness) start(t *testing.T, ctx context.Context) (stop func()) {
	t.Helper()
	tickTrap := h.clock.Trap().TickerFunc("scheduler")
	defer tickTrap.Close()
	afterTrap := h.clock.Trap().AfterFunc("scheduler")
	defer afterTrap.Close()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- h.sched.Run(runCtx) }()

	tickTrap.MustWait(ctx).MustRelease(ctx)
	tickTrap.MustWait(ctx).MustRelease(ctx)
	afterTrap.MustWait(ctx).MustRelease(ctx)

	return func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Fatal("scheduler did not stop")
		}
	}
}

var demo = metrics.Project{Name: "demo", Directory: "/src/demo"}

func TestFlushTickSendsActiveProjects(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, scheduler.Config{})
	stop := h.start(t, ctx)
	defer stop()

	h.engine.RecordEdit(demo, "a.go", 1, 0, false, -1)

	h.clock.Advance(15 * time.Second).MustWait(ctx)
	assert.Empty(t, h.transport.sentBatches(), "initial drain of an empty queue sends nothing")

	h.clock.Advance(45 * time.Second).MustWait(ctx)
	batches := h.transport.sentBatches()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)

	p, err := metrics.ParsePayload(batches[0][0])
	require.NoError(t, err)
	assert.Equal(t, "demo", p.Project.Name)
	assert.Equal(t, p.Start+metrics.WindowSeconds, p.End)
	assert.False(t, h.engine.HasActivity("demo"))
}

func TestIdleProjectIsNotSent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, scheduler.Config{})
	h.engine.RecordEdit(demo, "a.go", 0, 0, false, 10)

	h.sched.FlushAll(ctx)
	assert.Empty(t, h.transport.sentBatches())
}

func TestFlushFailureQueuesAndChecksAuth(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, scheduler.Config{})
	h.transport.setErr(errOffline)
	h.engine.RecordEdit(demo, "a.go", 1, 0, false, -1)

	h.sched.FlushAll(ctx)

	attempts := h.transport.attemptedBatches()
	require.Len(t, attempts, 1)
	require.Len(t, attempts[0], 1)
	failed := attempts[0][0]

	n, err := h.queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, h.engine.HasActivity("demo"), "metrics reset even when the send fails")
	require.Eventually(t, func() bool { return h.auth.count() == 1 }, 5*time.Second, 10*time.Millisecond)

	// Once online, the queued payload is delivered by the next drain.
	h.transport.setErr(nil)
	sent, err := h.sched.DrainQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	n, err = h.queue.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	delivered := h.transport.sentBatches()
	require.Len(t, delivered, 1)
	require.Len(t, delivered[0], 1)
	assert.JSONEq(t, string(failed), string(delivered[0][0]))
}

func TestSingleEventRoute(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, scheduler.Config{SingleEvent: true})
	h.engine.RecordEdit(demo, "a.go", 1, 0, false, -1)

	h.sched.FlushAll(ctx)
	assert.Empty(t, h.transport.sentBatches())
	assert.Len(t, h.transport.events, 1)
}

func TestWorkerPoolIsBounded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, scheduler.Config{Workers: 2})
	h.transport.delay = 20 * time.Millisecond
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		h.engine.RecordOpen(metrics.Project{Name: name}, name+".go")
	}

	h.sched.FlushAll(ctx)

	assert.Len(t, h.transport.sentBatches(), 5)
	assert.LessOrEqual(t, h.transport.maxActive, 2)
}

func TestInitialDrainSendsBacklog(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, scheduler.Config{})
	require.NoError(t, h.queue.Append(ctx, []byte(`{"type":"Events","data":"1"}`)))
	require.NoError(t, h.queue.Append(ctx, []byte(`{"type":"Events","data":"2"}`)))
	stop := h.start(t, ctx)
	defer stop()

	h.clock.Advance(15 * time.Second).MustWait(ctx)

	batches := h.transport.sentBatches()
	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 2)
}

func TestMaintenanceTick(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, scheduler.Config{})
	stop := h.start(t, ctx)
	defer stop()

	h.clock.Advance(15 * time.Second).MustWait(ctx)
	h.clock.Advance(45 * time.Second).MustWait(ctx)

	assert.Equal(t, 1, h.auth.count())
	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.summaries, 1)
	assert.Equal(t, int64(12), h.summaries[0].CurrentSessionKpm)
}

func TestSummaryFailurePublishesNilAndChecksAuth(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, scheduler.Config{})
	h.transport.summaryErr = errOffline

	h.sched.Maintain(ctx)

	h.mu.Lock()
	require.Len(t, h.summaries, 1)
	assert.Nil(t, h.summaries[0])
	h.mu.Unlock()
	require.Eventually(t, func() bool { return h.auth.count() == 2 }, 5*time.Second, 10*time.Millisecond)
}

func TestShutdownFlushesRemainingData(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, scheduler.Config{})
	stop := h.start(t, ctx)

	h.engine.RecordEdit(demo, "a.go", 1, 0, false, -1)
	stop()

	assert.Len(t, h.transport.sentBatches(), 1)
}

func TestShutdownFlushFailureIsQueued(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, scheduler.Config{})
	h.transport.setErr(errOffline)
	stop := h.start(t, ctx)

	h.engine.RecordEdit(demo, "a.go", 1, 0, false, -1)
	stop()

	n, err := h.queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, h.auth.count(), "no background auth check is started during shutdown")
}

func TestShutdownInterruptsPendingAuthRefresh(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, scheduler.Config{})
	entered := make(chan struct{})
	h.auth.entered = entered
	stop := h.start(t, ctx)

	h.clock.Advance(15 * time.Second).MustWait(ctx)
	// The maintenance tick blocks in Refresh, so the advance is only
	// complete once shutdown releases it.
	w := h.clock.Advance(45 * time.Second)
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("maintenance tick did not refresh auth")
	}

	h.engine.RecordEdit(demo, "a.go", 1, 0, false, -1)
	stop()

	assert.Len(t, h.transport.sentBatches(), 1)
	w.MustWait(ctx)
}

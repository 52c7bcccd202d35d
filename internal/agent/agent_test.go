package agent_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fakeyudi/codepulse/internal/agent"
	"github.com/fakeyudi/codepulse/internal/aggregate"
	"github.com/fakeyudi/codepulse/internal/auth"
	"github.com/fakeyudi/codepulse/internal/config"
	"github.com/fakeyudi/codepulse/internal/logging"
)

type fakeService struct {
	mu      sync.Mutex
	batches [][]json.RawMessage
	summary string
}

func (f *fakeService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/ping":
		w.WriteHeader(http.StatusOK)
	case "/users/ping":
		w.WriteHeader(http.StatusUnauthorized)
	case "/data/batch":
		body, _ := io.ReadAll(r.Body)
		var batch []json.RawMessage
		if err := json.Unmarshal(body, &batch); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.batches = append(f.batches, batch)
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	case "/sessions":
		f.mu.Lock()
		body := f.summary
		f.mu.Unlock()
		_, _ = io.WriteString(w, body)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeService) received() [][]json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]json.RawMessage(nil), f.batches...)
}

type silentPrompter struct{}

func (silentPrompter) Prompt(context.Context, string) auth.Decision { return auth.NotNow }

type syncBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newAgent(t *testing.T, svc *fakeService) *agent.Agent {
	return newAgentLogging(t, svc, io.Discard)
}

func newAgentLogging(t *testing.T, svc *fakeService, w io.Writer) *agent.Agent {
	t.Helper()
	srv := httptest.NewServer(svc)
	t.Cleanup(srv.Close)

	cfg := config.Defaults()
	cfg.APIURL = srv.URL
	cfg.DataDir = t.TempDir()
	cfg.FlushInterval = time.Hour
	cfg.MaintenanceInterval = time.Hour
	cfg.InitialDrainDelay = time.Hour

	logger := logging.NewWriter(w, "debug")
	a, err := agent.New(&cfg, logger.Logger,
		agent.WithPrompter(silentPrompter{}),
		agent.WithLineCounter(aggregate.LineCounterFunc(func(string) (int64, error) { return 10, nil })),
	)
	require.NoError(t, err)
	return a
}

func TestRunFlushesWhenEventStreamEnds(t *testing.T) {
	svc := &fakeService{}
	a := newAgent(t, svc)

	events := strings.NewReader(
		`{"kind":"edit","file":"/w/demo/main.go","project":"demo","directory":"/w/demo","inserted":1}` + "\n" +
			`{"kind":"edit","file":"/w/demo/main.go","project":"demo","directory":"/w/demo","inserted":1}` + "\n")

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background(), events) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after the event stream ended")
	}

	batches := svc.received()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)

	var p struct {
		Project struct {
			Name string `json:"name"`
		} `json:"project"`
		Data string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(batches[0][0], &p))
	assert.Equal(t, "demo", p.Project.Name)
	assert.Equal(t, "2", p.Data)
	assert.False(t, a.Engine.HasActivity("demo"))
}

// brokenStream yields one event and then fails.
type brokenStream struct{ sent bool }

func (b *brokenStream) Read(p []byte) (int, error) {
	if b.sent {
		return 0, io.ErrClosedPipe
	}
	b.sent = true
	return copy(p, `{"kind":"edit","file":"/w/demo/main.go","project":"demo","directory":"/w/demo","inserted":1}`+"\n"), nil
}

func TestRunSurvivesEventStreamFailure(t *testing.T) {
	svc := &fakeService{}
	logs := &syncBuffer{}
	a := newAgentLogging(t, svc, logs)

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background(), &brokenStream{}) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after the event stream failed")
	}
	assert.Contains(t, logs.String(), "event stream failed")
	assert.Len(t, svc.received(), 1, "applied events are still flushed")
}

func TestFlushQueueSendsQueuedPayloads(t *testing.T) {
	svc := &fakeService{}
	a := newAgent(t, svc)
	ctx := context.Background()

	require.NoError(t, a.Queue.Append(ctx, []byte(`{"data":"1"}`)))
	require.NoError(t, a.Queue.Append(ctx, []byte(`{"data":"2"}`)))

	n, err := a.FlushQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	batches := svc.received()
	require.Len(t, batches, 1)
	assert.JSONEq(t, `[{"data":"1"},{"data":"2"}]`, mustJSON(t, batches[0]))

	left, err := a.Queue.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, left)
}

func TestMaintainPublishesStatusLine(t *testing.T) {
	svc := &fakeService{summary: `{"currentSessionKpm":42,"currentSessionMinutes":35,"currentSessionGoalPercent":0.5}`}
	a := newAgent(t, svc)
	ctx := context.Background()
	require.NoError(t, a.Auth.Init(ctx))
	t.Cleanup(a.Auth.Close)

	a.Scheduler.Maintain(ctx)
	assert.Contains(t, a.StatusLine(), "42 KPM")
	assert.Contains(t, a.StatusLine(), "35 min")
	assert.Equal(t, auth.Unpaired, a.Auth.State())
}

func TestNewRejectsRelativeAPIURL(t *testing.T) {
	cfg := config.Defaults()
	cfg.APIURL = "not a url"
	cfg.DataDir = t.TempDir()
	_, err := agent.New(&cfg, nil)
	require.Error(t, err)
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}

func TestRunStopsOnCancel(t *testing.T) {
	logs := &syncBuffer{}
	a := newAgentLogging(t, &fakeService{}, logs)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, nil) }()

	require.Eventually(t, func() bool { return strings.Contains(logs.String(), "scheduler started") },
		5*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

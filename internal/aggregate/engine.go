// Package aggregate applies editor events to the per-project metrics and
// produces the window snapshots that are reported upstream.
package aggregate

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/coder/quartz"

	"github.com/fakeyudi/codepulse/internal/metrics"
)

// Engine records edits into a metrics.Store.
type Engine struct {
	store    *metrics.Store
	clock    quartz.Clock
	lines    LineCounter
	logger   *slog.Logger
	pluginID int
	version  string
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used to stamp windows.
func WithClock(c quartz.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLineCounter sets the collaborator that seeds unknown line counts.
func WithLineCounter(lc LineCounter) Option {
	return func(e *Engine) { e.lines = lc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithPlugin sets the plugin id and version stamped into every payload.
func WithPlugin(id int, version string) Option {
	return func(e *Engine) {
		e.pluginID = id
		e.version = version
	}
}

// New returns an Engine over store.
func New(store *metrics.Store, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		clock:  quartz.NewReal(),
		lines:  FileLineCounter{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "aggregate")
	return e
}

func (e *Engine) now() int64 {
	return e.clock.Now().Unix()
}

// update runs fn against the file's counters while holding the project lock.
func (e *Engine) update(p metrics.Project, file string, fn func(*metrics.ProjectMetrics, *metrics.FileMetrics)) {
	if file == "" {
		return
	}
	entry := e.store.Entry(p, e.now())
	entry.Mu.Lock()
	defer entry.Mu.Unlock()

	m := entry.Metrics
	m.Project.Patch(p.Name, p.Directory)
	fn(m, m.File(file))
}

// RecordEdit applies one document change. A deletion wins over an insertion;
// a multi-character insertion is a paste; a single character is a keystroke.
// A negative docLength means the editor did not report the document length.
func (e *Engine) RecordEdit(p metrics.Project, file string, inserted, deleted int, newline bool, docLength int64) {
	e.update(p, file, func(m *metrics.ProjectMetrics, f *metrics.FileMetrics) {
		classified := true
		switch {
		case deleted > 0:
			f.DeleteKeys(int64(deleted))
		case inserted > 1:
			f.PasteCount += int64(inserted)
		case inserted == 1:
			f.AddKeys(1)
		default:
			classified = false
		}
		if classified || newline {
			m.EventCount++
		}

		if docLength >= 0 {
			f.CurrentLength = docLength
		}

		if !f.LinesKnown() {
			f.LineCount = e.countLines(file)
		}
		if newline {
			f.LineCount++
			f.LinesAdded++
		}
	})
}

func (e *Engine) countLines(file string) int64 {
	n, err := e.lines.CountLines(file)
	if err != nil {
		e.logger.Debug("line count unavailable", "file", file, "error", err)
		return 0
	}
	return n
}

// RecordOpen counts a file open.
func (e *Engine) RecordOpen(p metrics.Project, file string) {
	e.update(p, file, func(_ *metrics.ProjectMetrics, f *metrics.FileMetrics) {
		f.OpenCount++
	})
}

// RecordClose counts a file close.
func (e *Engine) RecordClose(p metrics.Project, file string) {
	e.update(p, file, func(_ *metrics.ProjectMetrics, f *metrics.FileMetrics) {
		f.CloseCount++
	})
}

// HasActivity reports whether the named project has anything to report.
func (e *Engine) HasActivity(name string) bool {
	entry, ok := e.store.Lookup(name)
	if !ok {
		return false
	}
	entry.Mu.Lock()
	defer entry.Mu.Unlock()
	return entry.Metrics.HasActivity()
}

// Projects returns the names of every project seen so far.
func (e *Engine) Projects() []string {
	return e.store.Names()
}

// Metrics returns a copy of the named project's current window.
func (e *Engine) Metrics(name string) (*metrics.ProjectMetrics, bool) {
	entry, ok := e.store.Lookup(name)
	if !ok {
		return nil, false
	}
	entry.Mu.Lock()
	defer entry.Mu.Unlock()
	return entry.Metrics.Clone(), true
}

// Snapshot stamps the window end and serializes the named project without
// resetting it.
func (e *Engine) Snapshot(name string) ([]byte, error) {
	entry, ok := e.store.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("unknown project %q", name)
	}
	entry.Mu.Lock()
	defer entry.Mu.Unlock()
	return e.snapshotLocked(entry.Metrics)
}

func (e *Engine) snapshotLocked(m *metrics.ProjectMetrics) ([]byte, error) {
	m.WindowEnd = m.WindowStart + metrics.WindowSeconds
	data, err := json.Marshal(m.Payload(e.pluginID, e.version))
	if err != nil {
		return nil, fmt.Errorf("serializing metrics for %q: %w", m.Project.Name, err)
	}
	return data, nil
}

// Reset zeroes the named project and restarts its window at the current time.
func (e *Engine) Reset(name string) {
	entry, ok := e.store.Lookup(name)
	if !ok {
		return
	}
	entry.Mu.Lock()
	defer entry.Mu.Unlock()
	entry.Metrics.Reset(e.now())
}

// Take snapshots and resets the named project in one critical section, so an
// edit lands either in the returned payload or in the next window. It returns
// ok=false when the project has no activity.
func (e *Engine) Take(name string) (payload []byte, ok bool, err error) {
	entry, found := e.store.Lookup(name)
	if !found {
		return nil, false, nil
	}
	entry.Mu.Lock()
	defer entry.Mu.Unlock()

	m := entry.Metrics
	if !m.HasActivity() {
		return nil, false, nil
	}
	payload, err = e.snapshotLocked(m)
	m.Reset(e.now())
	if err != nil {
		return nil, false, err
	}
	return payload, true, nil
}

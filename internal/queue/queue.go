// Package queue persists payloads that could not be delivered and replays
// them as one batch once the service is reachable again.
//
// The backing file holds one compact JSON document per line. Every change
// rewrites the file by atomic rename while holding the file lock, so
// concurrent appenders in this or another process never interleave.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fakeyudi/codepulse/internal/fsutil"
)

// FileName is the queue file inside the data directory.
const FileName = "data.json"

// DefaultMaxEntries bounds the queue when no cap is configured.
const DefaultMaxEntries = 10000

// ErrInvalidPayload is returned by Append for anything that is not a single
// JSON document.
var ErrInvalidPayload = errors.New("payload is not a JSON document")

// Sender delivers a batch of queued payloads.
type Sender interface {
	SendBatch(ctx context.Context, batch []json.RawMessage) error
}

// Queue is the on-disk offline queue.
type Queue struct {
	path       string
	lock       *fsutil.Locker
	maxEntries int
	logger     *slog.Logger

	draining sync.Mutex
}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxEntries caps the number of queued payloads. Zero disables the cap.
func WithMaxEntries(n int) Option {
	return func(q *Queue) { q.maxEntries = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// New returns a Queue stored in dir.
func New(dir string, opts ...Option) *Queue {
	path := filepath.Join(dir, FileName)
	q := &Queue{
		path:       path,
		lock:       fsutil.NewLocker(path),
		maxEntries: DefaultMaxEntries,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With("component", "queue")
	return q
}

// Path returns the queue file path.
func (q *Queue) Path() string {
	return q.path
}

// Append durably adds payload to the queue. When the cap is exceeded the
// oldest entries are evicted.
func (q *Queue) Append(ctx context.Context, payload []byte) error {
	var line bytes.Buffer
	if err := json.Compact(&line, payload); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	return q.lock.Do(ctx, func() error {
		lines, err := q.readLines()
		if err != nil {
			return err
		}
		lines = append(lines, line.Bytes())
		if q.maxEntries > 0 && len(lines) > q.maxEntries {
			evicted := len(lines) - q.maxEntries
			lines = lines[evicted:]
			q.logger.Warn("offline queue full, dropped oldest payloads",
				"evicted", evicted, "max_entries", q.maxEntries)
		}
		return q.writeLines(lines)
	})
}

// DrainAndSend sends every queued payload as one batch. On success the sent
// entries are removed; entries appended while the send was in flight stay
// queued. On failure the queue is left untouched. It returns the number of
// payloads delivered. A drain already in progress makes this a no-op.
func (q *Queue) DrainAndSend(ctx context.Context, s Sender) (int, error) {
	if !q.draining.TryLock() {
		return 0, nil
	}
	defer q.draining.Unlock()

	var batch []json.RawMessage
	err := q.lock.Do(ctx, func() error {
		lines, err := q.readLines()
		if err != nil {
			return err
		}
		valid, malformed := q.split(lines)
		if malformed > 0 && len(valid) == 0 {
			return fsutil.Remove(q.path)
		}
		batch = valid
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	if err := s.SendBatch(ctx, batch); err != nil {
		return 0, fmt.Errorf("sending %d queued payloads: %w", len(batch), err)
	}

	err = q.lock.Do(ctx, func() error {
		lines, err := q.readLines()
		if err != nil {
			return err
		}
		remaining := removeSent(lines, batch)
		if len(remaining) == 0 {
			return fsutil.Remove(q.path)
		}
		return q.writeLines(remaining)
	})
	if err != nil {
		// Delivered but not removed; the next drain resends them.
		return len(batch), err
	}
	q.logger.Info("offline queue drained", "sent", len(batch))
	return len(batch), nil
}

// Len returns the number of queued payloads.
func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int
	err := q.lock.Do(ctx, func() error {
		lines, err := q.readLines()
		n = len(lines)
		return err
	})
	return n, err
}

func (q *Queue) readLines() ([][]byte, error) {
	data, err := fsutil.ReadFile(q.path)
	if err != nil {
		return nil, err
	}
	var lines [][]byte
	for _, l := range bytes.Split(data, []byte{'\n'}) {
		l = bytes.TrimSpace(l)
		if len(l) > 0 {
			lines = append(lines, l)
		}
	}
	return lines, nil
}

func (q *Queue) writeLines(lines [][]byte) error {
	var buf bytes.Buffer
	for _, l := range lines {
		buf.Write(l)
		buf.WriteByte('\n')
	}
	return fsutil.WriteFile(q.path, buf.Bytes())
}

// split separates decodable entries from garbage, logging the latter.
func (q *Queue) split(lines [][]byte) (valid []json.RawMessage, malformed int) {
	for i, l := range lines {
		if !json.Valid(l) {
			malformed++
			q.logger.Warn("skipping malformed queue entry", "line", i+1)
			continue
		}
		valid = append(valid, json.RawMessage(l))
	}
	return valid, malformed
}

// removeSent drops one line per sent payload, and any malformed lines.
// Duplicate payloads are matched by count.
func removeSent(lines [][]byte, sent []json.RawMessage) [][]byte {
	pending := make(map[string]int, len(sent))
	for _, s := range sent {
		pending[string(s)]++
	}
	var out [][]byte
	for _, l := range lines {
		if !json.Valid(l) {
			continue
		}
		if pending[string(l)] > 0 {
			pending[string(l)]--
			continue
		}
		out = append(out, l)
	}
	return out
}

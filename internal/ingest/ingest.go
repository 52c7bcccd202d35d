// Package ingest reads editor events as newline-delimited JSON and applies
// them to the aggregation engine. It is the seam an editor plugin pipes
// into.
package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/fakeyudi/codepulse/internal/metrics"
)

// Event kinds.
const (
	KindEdit  = "edit"
	KindOpen  = "open"
	KindClose = "close"
)

// maxLine bounds a single event line.
const maxLine = 1 << 20

// Event is one editor notification.
type Event struct {
	Kind string `json:"kind"`
	File string `json:"file"`
	// Project and Directory are optional; when Project is empty the file
	// path is resolved.
	Project   string `json:"project,omitempty"`
	Directory string `json:"directory,omitempty"`
	Inserted  int    `json:"inserted,omitempty"`
	Deleted   int    `json:"deleted,omitempty"`
	Newline   bool   `json:"newline,omitempty"`
	// Length is the document length after the edit, when known.
	Length *int64 `json:"length,omitempty"`
}

// Recorder receives decoded events.
type Recorder interface {
	RecordEdit(p metrics.Project, file string, inserted, deleted int, newline bool, docLength int64)
	RecordOpen(p metrics.Project, file string)
	RecordClose(p metrics.Project, file string)
}

// Resolver maps a file to its project.
type Resolver interface {
	Resolve(path string) metrics.Project
}

// Apply routes ev to rec.
func Apply(ev Event, rec Recorder, res Resolver) error {
	if ev.File == "" {
		return fmt.Errorf("%s event without file", ev.Kind)
	}
	p := metrics.Project{Name: ev.Project, Directory: ev.Directory}
	if p.Name == "" {
		resolved := res.Resolve(ev.File)
		resolved.Patch("", ev.Directory)
		p = resolved
	}

	switch ev.Kind {
	case KindEdit:
		length := int64(-1)
		if ev.Length != nil {
			length = *ev.Length
		}
		rec.RecordEdit(p, ev.File, ev.Inserted, ev.Deleted, ev.Newline, length)
	case KindOpen:
		rec.RecordOpen(p, ev.File)
	case KindClose:
		rec.RecordClose(p, ev.File)
	default:
		return fmt.Errorf("unknown event kind %q", ev.Kind)
	}
	return nil
}

// Run applies every event read from r until r is exhausted or ctx is
// cancelled. Malformed lines are logged and skipped. It returns the number
// of events applied.
func Run(ctx context.Context, r io.Reader, rec Recorder, res Resolver, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "ingest")

	lines := make(chan rawLine)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		readErr <- readLines(ctx, r, lines)
	}()

	applied, lineNo := 0, 0
	for {
		select {
		case <-ctx.Done():
			return applied, nil
		case line, ok := <-lines:
			if !ok {
				if err := <-readErr; err != nil {
					return applied, fmt.Errorf("reading events: %w", err)
				}
				return applied, nil
			}
			lineNo++
			if line.tooLong {
				logger.Warn("skipping oversized event", "line", lineNo, "limit", maxLine)
				continue
			}
			if len(line.data) == 0 {
				continue
			}
			var ev Event
			if err := json.Unmarshal(line.data, &ev); err != nil {
				logger.Warn("skipping malformed event", "line", lineNo, "error", err)
				continue
			}
			if err := Apply(ev, rec, res); err != nil {
				logger.Warn("skipping event", "line", lineNo, "error", err)
				continue
			}
			applied++
		}
	}
}

// rawLine is one input line without its terminator. Lines over maxLine are
// not kept; tooLong marks where one was.
type rawLine struct {
	data    []byte
	tooLong bool
}

// readLines splits r into lines and sends them until r ends or ctx is
// cancelled. It returns nil at EOF.
func readLines(ctx context.Context, r io.Reader, out chan<- rawLine) error {
	br := bufio.NewReaderSize(r, 64*1024)
	var buf []byte
	tooLong := false
	for {
		chunk, err := br.ReadSlice('\n')
		if !tooLong {
			if len(buf)+len(chunk) > maxLine+2 {
				tooLong, buf = true, buf[:0]
			} else {
				buf = append(buf, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		if len(buf) > 0 || tooLong {
			line := rawLine{tooLong: tooLong}
			if !tooLong {
				data := bytes.TrimSuffix(buf, []byte("\n"))
				line.data = append([]byte(nil), bytes.TrimSuffix(data, []byte("\r"))...)
			}
			select {
			case out <- line:
			case <-ctx.Done():
				return nil
			}
		}
		if err != nil {
			return nil
		}
		buf, tooLong = buf[:0], false
	}
}

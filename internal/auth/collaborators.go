package auth

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fakeyudi/codepulse/internal/api"
	"github.com/fakeyudi/codepulse/internal/session"
)

// Service is the subset of the API client the state machine needs.
type Service interface {
	PingServer(ctx context.Context) error
	PingUser(ctx context.Context) error
	ConfirmToken(ctx context.Context, token string) (*api.Confirmation, error)
}

// Sessions is the persisted login state.
type Sessions interface {
	Load(ctx context.Context) (session.State, error)
	Set(ctx context.Context, key, value string) error
	SetMany(ctx context.Context, values map[string]string) error
}

// Browser opens a URL for the user.
type Browser interface {
	Open(url string) error
}

// Prompter asks the user whether to log in now.
type Prompter interface {
	Prompt(ctx context.Context, message string) Decision
}

// PrintBrowser "opens" URLs by printing them.
type PrintBrowser struct {
	W io.Writer
}

func (b PrintBrowser) Open(url string) error {
	_, err := fmt.Fprintf(b.W, "Open in your browser: %s\n", url)
	return err
}

// NoticePrompter prints the prompt with a hint and always answers NotNow.
// It suits headless runs where nobody can answer.
type NoticePrompter struct {
	W    io.Writer
	Hint string
}

func (p NoticePrompter) Prompt(_ context.Context, message string) Decision {
	if p.Hint != "" {
		fmt.Fprintf(p.W, "%s %s\n", message, p.Hint)
	} else {
		fmt.Fprintln(p.W, message)
	}
	return NotNow
}

// ReaderPrompter asks on w and reads answers from r, one line per prompt.
// An answer starting with "y" or "l" means Login; anything else, or ctx
// ending first, is NotNow. A single goroutine owns r for the prompter's
// lifetime. A line left over from a prompt that gave up is discarded.
type ReaderPrompter struct {
	r io.Reader
	w io.Writer

	once  sync.Once
	lines chan string
	// abandoned is set when a prompt ended without an answer.
	abandoned atomic.Bool
}

// NewReaderPrompter returns a prompter over r and w. Reading starts on the
// first prompt.
func NewReaderPrompter(r io.Reader, w io.Writer) *ReaderPrompter {
	return &ReaderPrompter{r: r, w: w}
}

func (p *ReaderPrompter) start() {
	p.once.Do(func() {
		p.lines = make(chan string)
		go func() {
			defer close(p.lines)
			br := bufio.NewReader(p.r)
			for {
				line, err := br.ReadString('\n')
				if line != "" {
					p.lines <- line
				}
				if err != nil {
					return
				}
			}
		}()
	})
}

func (p *ReaderPrompter) Prompt(ctx context.Context, message string) Decision {
	p.start()

	// Drop an answer meant for a prompt that already gave up.
	if p.abandoned.Swap(false) {
		select {
		case <-p.lines:
		default:
		}
	}
	fmt.Fprintf(p.w, "%s [Log In/Not now]: ", message)

	select {
	case <-ctx.Done():
		p.abandoned.Store(true)
		return NotNow
	case line, ok := <-p.lines:
		if !ok {
			return NotNow
		}
		a := strings.ToLower(strings.TrimSpace(line))
		if strings.HasPrefix(a, "y") || strings.HasPrefix(a, "l") {
			return Login
		}
		return NotNow
	}
}

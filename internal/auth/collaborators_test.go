package auth_test

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/fakeyudi/codepulse/internal/auth"
)

func TestReaderPrompter(t *testing.T) {
	tests := []struct {
		input string
		want  auth.Decision
	}{
		{"y\n", auth.Login},
		{"Log In\n", auth.Login},
		{"\n", auth.NotNow},
		{"not now\n", auth.NotNow},
		{"", auth.NotNow},
	}
	for _, tt := range tests {
		t.Run(strings.TrimSpace(tt.input), func(t *testing.T) {
			var out bytes.Buffer
			p := auth.NewReaderPrompter(strings.NewReader(tt.input), &out)
			assert.Equal(t, tt.want, p.Prompt(context.Background(), "Log in?"))
			assert.Contains(t, out.String(), "Log in? [Log In/Not now]")
		})
	}
}

func TestReaderPrompterGivesUpWhenContextEnds(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	p := auth.NewReaderPrompter(pr, io.Discard)
	assert.Equal(t, auth.NotNow, p.Prompt(ctx, "Log in?"))
}

// promptWriter reports every prompt written to it.
type promptWriter chan string

func (w promptWriter) Write(p []byte) (int, error) {
	w <- string(p)
	return len(p), nil
}

func TestReaderPrompterAnswerReachesLaterPrompt(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	pr, pw := io.Pipe()
	prompts := make(promptWriter, 2)
	p := auth.NewReaderPrompter(pr, prompts)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Equal(t, auth.NotNow, p.Prompt(ctx, "Log in?"))
	<-prompts

	go func() {
		<-prompts
		_, _ = pw.Write([]byte("y\n"))
	}()
	assert.Equal(t, auth.Login, p.Prompt(context.Background(), "Log in?"))

	// The single reader exits once the input ends.
	require.NoError(t, pw.Close())
}

func TestNoticePrompterNeverLogsIn(t *testing.T) {
	var out bytes.Buffer
	p := auth.NoticePrompter{W: &out, Hint: "Run 'codepulse login'."}
	assert.Equal(t, auth.NotNow, p.Prompt(context.Background(), "Log in?"))
	assert.Equal(t, "Log in? Run 'codepulse login'.\n", out.String())
}

package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/x/term"
	"github.com/spf13/cobra"

	"github.com/fakeyudi/codepulse/internal/agent"
	"github.com/fakeyudi/codepulse/internal/auth"
)

var eventsPath string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the telemetry agent",
	Long: `Run the telemetry agent in the foreground.

Editor events are read as JSON lines from --events ("-" for stdin). The agent
flushes activity every minute and exits after a final flush when it receives
SIGINT or SIGTERM, or when the event stream ends.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		events, closeEvents, err := openEvents(cmd, eventsPath)
		if err != nil {
			return err
		}
		defer closeEvents()

		var prompter auth.Prompter = auth.NoticePrompter{
			W:    cmd.ErrOrStderr(),
			Hint: "Run 'codepulse login' to connect.",
		}
		if eventsPath != "-" && term.IsTerminal(os.Stdin.Fd()) {
			prompter = auth.NewReaderPrompter(os.Stdin, cmd.OutOrStdout())
		}

		a, err := newAgent(
			agent.WithBrowser(auth.PrintBrowser{W: cmd.OutOrStdout()}),
			agent.WithPrompter(prompter),
		)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logger.Info("agent starting", "version", agent.Version, "data_dir", cfg.DataDir)
		if err := a.Run(ctx, events); err != nil {
			return err
		}
		if line := a.StatusLine(); line != "" {
			cmd.Println(line)
		}
		return nil
	},
}

// openEvents returns the event stream named by path. An empty path means no
// stream; "-" is the command's stdin.
func openEvents(cmd *cobra.Command, path string) (io.Reader, func(), error) {
	switch path {
	case "":
		return nil, func() {}, nil
	case "-":
		return cmd.InOrStdin(), func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("events file not found: %s", path)
		}
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}

func init() {
	runCmd.Flags().StringVar(&eventsPath, "events", "-", `editor event stream: a file, "-" for stdin, or "" for none`)
	rootCmd.AddCommand(runCmd)
}

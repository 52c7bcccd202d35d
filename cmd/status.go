package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fakeyudi/codepulse/internal/api"
	"github.com/fakeyudi/codepulse/internal/auth"
	"github.com/fakeyudi/codepulse/internal/status"
)

var statusOffline bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show login state, queued payloads, and the current session",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newAgent()
		if err != nil {
			return err
		}
		defer a.Auth.Close()

		ctx := cmd.Context()
		if err := a.Auth.Init(ctx); err != nil {
			return err
		}
		st, err := a.Sessions.Load(ctx)
		if err != nil {
			return err
		}
		queued, err := a.Queue.Len(ctx)
		if err != nil {
			return err
		}

		var sum *api.SessionSummary
		if !statusOffline && a.Auth.CheckLiveness(ctx) {
			sum, err = a.Client.SessionSummary(ctx, time.Now())
			if err != nil {
				logger.Debug("session summary unavailable", "error", err)
			}
		}

		s := stylesFor(cmd.OutOrStdout())
		state := a.Auth.State()
		stateStyle := s.warn
		if state == auth.Authenticated {
			stateStyle = s.good
		}

		cmd.Println(s.title.Render("codepulse"))
		cmd.Printf("%s %s\n", s.label.Render("Login:"), stateStyle.Render(state.String()))
		if st.User != "" {
			cmd.Printf("%s %s\n", s.label.Render("User:"), st.User)
		}
		cmd.Printf("%s %d\n", s.label.Render("Queued:"), queued)
		if !statusOffline {
			cmd.Printf("%s %s\n", s.label.Render("Session:"), status.Format(sum))
		}
		cmd.Println(s.dim.Render(fmt.Sprintf("data: %s", cfg.DataDir)))
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusOffline, "offline", false, "do not contact the service")
	rootCmd.AddCommand(statusCmd)
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fakeyudi/codepulse/internal/agent"
	"github.com/fakeyudi/codepulse/internal/api"
	"github.com/fakeyudi/codepulse/internal/auth"
)

// loginPollInterval paces confirmation checks while --wait is running.
const loginPollInterval = 2 * time.Second

var loginWait time.Duration

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Connect this machine to your codepulse account",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newAgent(agent.WithBrowser(auth.PrintBrowser{W: cmd.OutOrStdout()}))
		if err != nil {
			return err
		}
		defer a.Auth.Close()

		ctx := cmd.Context()
		if err := a.Auth.Init(ctx); err != nil {
			return err
		}
		if _, err := a.Auth.Login(ctx); err != nil {
			return fmt.Errorf("starting login: %w", err)
		}
		if a.Auth.State() == auth.Authenticated {
			cmd.Println("Already logged in.")
			return nil
		}
		if loginWait <= 0 {
			return nil
		}

		wait := func(ctx context.Context) error {
			return waitForConfirmation(ctx, a.Auth, loginWait)
		}
		if isTerminal(cmd.OutOrStdout()) {
			err = waitWithSpinner(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), "Waiting for confirmation in your browser...", wait)
		} else {
			cmd.Println("Waiting for confirmation...")
			err = wait(ctx)
		}
		if err != nil {
			return err
		}
		cmd.Println("Logged in.")
		return nil
	},
}

// waitForConfirmation polls until the pairing is confirmed or timeout passes.
// Unconfirmed tokens are reported by the service as error statuses; those
// and network failures keep the loop going.
func waitForConfirmation(ctx context.Context, m *auth.Machine, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	t := time.NewTicker(loginPollInterval)
	defer t.Stop()
	for {
		ok, err := m.CheckConfirmation(ctx)
		switch {
		case ok:
			return nil
		case err != nil && !isRetryable(err):
			return fmt.Errorf("checking confirmation: %w", err)
		}

		select {
		case <-ctx.Done():
			return errors.New("login not confirmed in time")
		case <-t.C:
		}
	}
}

func isRetryable(err error) bool {
	var se *api.StatusError
	return errors.Is(err, api.ErrNetworkUnavailable) || errors.As(err, &se)
}

func init() {
	loginCmd.Flags().DurationVar(&loginWait, "wait", 0, "wait this long for the browser confirmation")
	rootCmd.AddCommand(loginCmd)
}

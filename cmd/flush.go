package cmd

import (
	"github.com/spf13/cobra"
)

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Send payloads queued while offline",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newAgent()
		if err != nil {
			return err
		}
		n, err := a.FlushQueue(cmd.Context())
		if err != nil {
			return err
		}
		cmd.Printf("sent %d queued payloads\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(flushCmd)
}

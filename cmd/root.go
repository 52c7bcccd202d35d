package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fakeyudi/codepulse/internal/agent"
	"github.com/fakeyudi/codepulse/internal/config"
	"github.com/fakeyudi/codepulse/internal/logging"
)

var (
	cfgFile string
	debug   bool
)

// cfg holds the merged configuration, populated in PersistentPreRunE.
var cfg *config.Config

// logger is opened in PersistentPreRunE and closed after the command.
var logger *logging.Logger

var rootCmd = &cobra.Command{
	Use:          "codepulse",
	Short:        "Aggregate editor activity and report it to codepulse",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		v := viper.New()
		config.SetDefaults(v)
		if err := v.BindPFlag("api_url", cmd.Flags().Lookup("api-url")); err != nil {
			return err
		}
		if err := v.BindPFlag("data_dir", cmd.Flags().Lookup("data-dir")); err != nil {
			return err
		}
		if err := config.ReadFiles(v, cfgFile); err != nil {
			return err
		}
		if debug {
			v.Set("log.level", "debug")
		}

		c, err := config.Load(v)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg = c

		l, err := logging.New(logging.Options{
			Dir:        c.DataDir,
			Level:      c.Log.Level,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			Stderr:     debug,
		})
		if err != nil {
			return err
		}
		logger = l
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if logger == nil {
			return nil
		}
		return logger.Close()
	},
}

func init() {
	rootCmd.Version = agent.Version
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/codepulse/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "log at debug level to stderr")
	rootCmd.PersistentFlags().String("api-url", "", "codepulse API base URL")
	rootCmd.PersistentFlags().String("data-dir", "", "directory for the session, queue, and log files")
}

// Execute runs the root command. Exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newAgent builds the agent from the loaded configuration.
func newAgent(opts ...agent.Option) (*agent.Agent, error) {
	return agent.New(cfg, logger.Logger, opts...)
}

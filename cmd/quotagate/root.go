package main

import (
	"fmt"
	"os"

	"github.com/artpar/quotagate/config"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
	envFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "quotagate",
	Short: "Per-user quota dashboard with daily, hourly and lifetime limits",
	Long: `quotagate tracks how many actions each user performs and refuses
calls once a daily, hourly, lifetime or per-action limit is exceeded.
A violation blocks the user for a configurable cooldown.

Quick start:
  quotagate serve            # Start the dashboard and JSON API

Management:
  quotagate stats            # Summarise stored usage
  quotagate usage <user>     # Show one user's counters
  quotagate reset <user>     # Clear one user's counters
  quotagate token <subject>  # Issue an identity token
  quotagate hash-password    # Hash the admin password
  quotagate validate         # Validate configuration`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var extra []string
		if envFile != "" {
			extra = append(extra, envFile)
		}
		return config.LoadDotEnv(cfgFile, extra...)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "quotagate.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "extra .env file loaded before the config")
}

// loadConfig loads the config file, or the environment when the file is
// missing.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWithFallback(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

package main

import (
	"fmt"
	"os"

	"github.com/artpar/quotagate/bootstrap"
	"github.com/artpar/quotagate/config"
	"github.com/spf13/cobra"
)

var hotReload bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the dashboard and JSON API",
	Long: `Start the quotagate HTTP server.

The server will:
  - Load configuration from quotagate.yaml (or --config)
  - Or load configuration from QUOTAGATE_* environment variables
  - Restore usage records from the configured store
  - Serve the dashboard on / and the JSON API on /api/v1

With --hot-reload (the default) quota limits, actions and the log level
are reloaded when the config file changes or on SIGHUP.

Examples:
  quotagate serve
  quotagate serve --config /etc/quotagate/config.yaml
  QUOTAGATE_STORAGE_DRIVER=sqlite quotagate serve --hot-reload=false`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&hotReload, "hot-reload", true, "enable hot reload of configuration")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	app, err := bootstrap.New(cfg)
	if err != nil {
		return fmt.Errorf("error initializing: %w", err)
	}

	if _, statErr := os.Stat(cfgFile); statErr != nil {
		app.Logger.Info().Msg("no config file, running with environment variables")
	} else if hotReload {
		holder, err := config.NewHolder(cfgFile, app.Logger)
		if err != nil {
			app.Shutdown()
			return err
		}
		defer holder.Stop()

		app.Watch(holder)
		if err := holder.WatchFile(); err != nil {
			app.Logger.Warn().Err(err).Msg("config file watch disabled")
		}
		holder.WatchSignals()
	}

	// Run (blocks until shutdown)
	return app.Run()
}

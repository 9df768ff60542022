package main

import (
	"fmt"
	"os"

	"github.com/artpar/tollgate/bootstrap"
	"github.com/artpar/tollgate/config"
	"github.com/spf13/cobra"
)

var hotReload bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway",
	Long: `Start the Tollgate gateway.

The server will:
  - Load configuration from tollgate.yaml (or --config)
  - Or load configuration from TOLLGATE_* environment variables
  - Open the account store and release holds left by a previous run
  - Forward protected requests to the upstream model API

Environment variables (for container deployments):
  TOLLGATE_UPSTREAM_URL      - Upstream API URL (required)
  TOLLGATE_AUTH_KEY_SECRET   - Secret for hashing API keys (required)
  TOLLGATE_DATABASE_DSN      - Database path (default: tollgate.db)
  TOLLGATE_SERVER_PORT       - Server port (default: 8080)
  TOLLGATE_LOG_LEVEL         - Log level: debug, info, warn, error

Examples:
  tollgate serve
  tollgate serve --config /etc/tollgate/config.yaml
  tollgate serve --hot-reload=false

  # Containers (env vars only):
  TOLLGATE_UPSTREAM_URL=http://model:8000 TOLLGATE_AUTH_KEY_SECRET=... tollgate serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&hotReload, "hot-reload", true, "reload the config file on change or SIGHUP")
}

func runServe(cmd *cobra.Command, args []string) error {
	hasConfigFile := false
	if _, err := os.Stat(cfgFile); err == nil {
		hasConfigFile = true
	}

	if !hasConfigFile && !config.HasEnvConfig() {
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "No configuration found.")
		fmt.Fprintln(out)
		fmt.Fprintf(out, "Option 1: Create %s\n", cfgFile)
		fmt.Fprintf(out, "Option 2: Set %sUPSTREAM_URL and %sAUTH_KEY_SECRET\n", config.EnvPrefix, config.EnvPrefix)
		return nil
	}

	cfg, err := config.LoadWithFallback(cfgFile)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	logger := bootstrap.NewLogger(cfg.Logging, os.Stdout)

	var holder *config.Holder
	if hasConfigFile && hotReload {
		holder, err = config.NewHolder(cfgFile, logger)
		if err != nil {
			return fmt.Errorf("error loading config: %w", err)
		}
	} else {
		if !hasConfigFile {
			logger.Info().Msg("running with environment variables (no config file)")
		}
		holder = config.NewStaticHolder(cfg, logger)
	}

	app, err := bootstrap.New(cmd.Context(), holder, bootstrap.Options{Version: version})
	if err != nil {
		return fmt.Errorf("error initializing: %w", err)
	}

	// Blocks until shutdown
	return app.Run(cmd.Context())
}

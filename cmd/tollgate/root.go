package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/artpar/tollgate/adapters/clock"
	"github.com/artpar/tollgate/bootstrap"
	"github.com/artpar/tollgate/config"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
	envFile string
)

var rootCmd = &cobra.Command{
	Use:   "tollgate",
	Short: "Authenticate, rate limit and bill requests to a model API",
	Long: `Tollgate sits in front of a model-serving API.

Every protected request is authenticated by API key, checked against
per-minute, per-hour and per-day limits, and charged tokens from the
caller's balance. Only successful upstream responses are billed.

Quick start:
  tollgate serve                       # Start the gateway
  tollgate keys create --user=user_1   # Issue an API key

Management:
  tollgate keys      # Issue, list and revoke API keys
  tollgate balance   # Show and top up token balances
  tollgate usage     # Usage statistics and retention
  tollgate validate  # Validate configuration`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.LoadDotEnv(envFile)
		if err != nil {
			return err
		}
		if loaded != "" {
			fmt.Fprintf(cmd.ErrOrStderr(), "loaded environment from %s\n", loaded)
		}
		return nil
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
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "tollgate.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")
}

var errEphemeralStore = errors.New("the memory driver keeps no state between commands, configure a sqlite database")

// session is an opened Account Store with the services built on it, for
// management commands that run outside the server.
type session struct {
	cfg      *config.Config
	stores   *bootstrap.Stores
	services *bootstrap.Services
}

func openSession(ctx context.Context, cmd *cobra.Command) (*session, error) {
	cfg, err := config.LoadWithFallback(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Database.Driver == config.DriverMemory {
		return nil, errEphemeralStore
	}

	logger := bootstrap.NewLogger(config.LoggingConfig{Level: "warn", Format: "console"}, cmd.ErrOrStderr())
	stores, err := bootstrap.OpenStores(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	return &session{
		cfg:      cfg,
		stores:   stores,
		services: bootstrap.NewServices(cfg, stores, clock.Real{}, logger, nil),
	}, nil
}

func (s *session) Close() error {
	return s.stores.Close()
}

func confirm(in io.Reader, out io.Writer, message string) bool {
	reader := bufio.NewReader(in)
	fmt.Fprintf(out, "? %s [y/N]: ", message)
	input, _ := reader.ReadString('\n')
	input = strings.ToLower(strings.TrimSpace(input))
	return input == "y" || input == "yes"
}

const (
	checkMark = "\033[32m✓\033[0m"
	crossMark = "\033[31m✗\033[0m"
)

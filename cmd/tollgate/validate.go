package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/artpar/tollgate/bootstrap"
	"github.com/artpar/tollgate/config"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration before deployment",
	Long: `Validate the Tollgate configuration.

Checks:
  - YAML syntax is valid
  - Required fields are present and path rules are well formed
  - Upstream is reachable (optional)
  - Database opens and migrates (optional)

Examples:
  tollgate validate
  tollgate validate --config /etc/tollgate/config.yaml --check-upstream`,
	RunE: runValidate,
}

var (
	validateCheckUpstream bool
	validateCheckDatabase bool
)

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().BoolVar(&validateCheckUpstream, "check-upstream", false, "check if upstream is reachable")
	validateCmd.Flags().BoolVar(&validateCheckDatabase, "check-database", false, "check if the database opens")
}

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	if _, err := os.Stat(cfgFile); err == nil {
		fmt.Fprintf(out, "Validating %s...\n\n", cfgFile)
	} else if config.HasEnvConfig() {
		fmt.Fprintf(out, "Validating %s* environment...\n\n", config.EnvPrefix)
	} else {
		fmt.Fprintf(out, "  %s Config file exists\n", crossMark)
		return fmt.Errorf("config file not found: %s", cfgFile)
	}

	cfg, err := config.LoadWithFallback(cfgFile)
	if err != nil {
		fmt.Fprintf(out, "  %s Config valid\n", crossMark)
		return fmt.Errorf("config error: %w", err)
	}
	fmt.Fprintf(out, "  %s Config valid\n", checkMark)

	fmt.Fprintf(out, "  %s Upstream: %s\n", checkMark, cfg.Upstream.URL)
	fmt.Fprintf(out, "  %s Database: %s (%s)\n", checkMark, cfg.Database.DSN, cfg.Database.Driver)
	fmt.Fprintf(out, "  %s Rate limit store: %s, %d classes\n", checkMark, cfg.RateLimit.Store, len(cfg.RateLimit.Classes))
	fmt.Fprintf(out, "  %s Priced endpoints: %d (default cost %d)\n", checkMark, len(cfg.Billing.Endpoints), cfg.Billing.DefaultCost)

	if validateCheckUpstream {
		if err := checkUpstreamReachable(cmd.Context(), cfg.Upstream.URL); err != nil {
			fmt.Fprintf(out, "  %s Upstream reachable\n", crossMark)
			fmt.Fprintf(out, "      Error: %v\n", err)
		} else {
			fmt.Fprintf(out, "  %s Upstream reachable\n", checkMark)
		}
	}

	if validateCheckDatabase {
		if err := checkDatabase(cmd.Context(), cfg); err != nil {
			fmt.Fprintf(out, "  %s Database opens\n", crossMark)
			fmt.Fprintf(out, "      Error: %v\n", err)
		} else {
			fmt.Fprintf(out, "  %s Database opens\n", checkMark)
		}
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Configuration is valid.")
	return nil
}

func checkUpstreamReachable(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func checkDatabase(ctx context.Context, cfg *config.Config) error {
	stores, err := bootstrap.OpenStores(ctx, cfg, zerolog.Nop())
	if err != nil {
		return err
	}
	return stores.Close()
}

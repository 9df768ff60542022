package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "View usage statistics",
	Long: `View usage statistics and apply the retention policy.

Examples:
  tollgate usage stats --user=user_123
  tollgate usage stats --user=user_123 --days=7
  tollgate usage prune`,
}

var usageStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize a user's usage over the last days",
	RunE:  runUsageStats,
}

var usagePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete usage entries older than usage.retention_days",
	RunE:  runUsagePrune,
}

var (
	usageUserID string
	usageDays   int
)

func init() {
	rootCmd.AddCommand(usageCmd)

	usageCmd.AddCommand(usageStatsCmd)
	usageCmd.AddCommand(usagePruneCmd)

	usageStatsCmd.Flags().StringVar(&usageUserID, "user", "", "user ID (required)")
	usageStatsCmd.Flags().IntVar(&usageDays, "days", 30, "number of days to summarize")
	usageStatsCmd.MarkFlagRequired("user")
}

func runUsageStats(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	sum, err := s.services.Accounts.UsageStats(cmd.Context(), usageUserID, usageDays)
	if err != nil {
		return fmt.Errorf("failed to get usage: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Usage for %s\n", usageUserID)
	fmt.Fprintf(out, "Period: %s to %s\n\n",
		sum.PeriodStart.Format(time.DateOnly), sum.PeriodEnd.Format(time.DateOnly))
	fmt.Fprintf(out, "Requests:     %d\n", sum.TotalRequests)
	fmt.Fprintf(out, "Tokens:       %d\n", sum.TotalTokens)
	fmt.Fprintf(out, "Avg latency:  %dms\n", sum.AvgLatencyMs)

	if len(sum.ByEndpoint) == 0 {
		return nil
	}

	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ENDPOINT\tREQUESTS\tTOKENS")
	fmt.Fprintln(w, "--------\t--------\t------")
	for _, e := range sum.ByEndpoint {
		fmt.Fprintf(w, "%s\t%d\t%d\n", e.Endpoint, e.Requests, e.Tokens)
	}
	return w.Flush()
}

func runUsagePrune(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	out := cmd.OutOrStdout()
	if s.cfg.Usage.RetentionDays <= 0 {
		fmt.Fprintln(out, "Retention is disabled (usage.retention_days = 0), nothing pruned.")
		return nil
	}

	n, err := s.services.Retention.Prune(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s Pruned %d usage entries older than %d days\n", checkMark, n, s.cfg.Usage.RetentionDays)
	return nil
}

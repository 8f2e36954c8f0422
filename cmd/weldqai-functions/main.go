package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/weldqai/weldqai-functions/internal/functions"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "weldqai-functions",
	Short: "WeldQAi billing and notification backend",
	Long: `weldqai-functions serves the Stripe webhook, the client callables
(checkout, subscription, billing portal, push registration) and the
inbox notification trigger for WeldQAi.`,
	Version:      Version,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return functions.Run(cmd.Context(), Version)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "weldqai-functions %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Fprintf(out, "Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Fprintf(out, "Commit: %s\n", GitCommit)
		}
	},
}

var pruneRetention time.Duration

var pruneEventsCmd = &cobra.Command{
	Use:   "prune-events",
	Short: "Delete processed webhook event records older than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := functions.PruneEvents(cmd.Context(), pruneRetention)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d webhook event(s)\n", n)
		return nil
	},
}

func init() {
	pruneEventsCmd.Flags().DurationVar(&pruneRetention, "retention", 0, "retention window (default WQ_EVENT_RETENTION)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(pruneEventsCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

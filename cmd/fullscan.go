// File: cmd/fullscan.go
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zapmcp/zapmcp/internal/client"
	"github.com/zapmcp/zapmcp/internal/observability"
	"github.com/zapmcp/zapmcp/internal/orchestrator"
	"github.com/zapmcp/zapmcp/internal/reporting"
)

// newFullScanCmd creates the `fullscan` command: crawl first, then probe what
// the crawl found.
func newFullScanCmd() *cobra.Command {
	fullScanCmd := &cobra.Command{
		Use:   "fullscan <target>",
		Short: "Run discovery followed by an active probe against one target",
		Args:  cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return viper.BindPFlags(cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			c := client.New(cfg.Client, logger)
			if err := c.Connect(ctx); err != nil {
				return err
			}
			defer c.Disconnect()

			fs := orchestrator.NewFullScan(c, cfg.Client.PollInterval, logger)
			result, err := fs.Run(ctx, args[0])
			if err != nil {
				return err
			}

			reporter, err := reporting.New(viper.GetString("format"), viper.GetString("output"),
				reporting.Options{MinRisk: viper.GetString("min-risk")})
			if err != nil {
				return err
			}
			defer reporter.Close()

			outcome := orchestrator.Outcome{
				Target:   result.TargetURL,
				Status:   orchestrator.OutcomeComplete,
				ScanID:   result.ActiveScanID,
				ScanType: "full",
				Alerts:   result.Alerts,
				Duration: result.Duration,
			}
			if err := reporter.Write([]orchestrator.Outcome{outcome}); err != nil {
				return fmt.Errorf("writing report: %w", err)
			}
			return nil
		},
	}

	fullScanCmd.Flags().String("format", "text", "report format: text, json or html")
	fullScanCmd.Flags().StringP("output", "o", "", "report output path (default stdout)")
	fullScanCmd.Flags().String("min-risk", "", "drop findings below this risk")
	return fullScanCmd
}

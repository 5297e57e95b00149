// File: cmd/watch.go
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zapmcp/zapmcp/internal/client"
	"github.com/zapmcp/zapmcp/internal/notify"
	"github.com/zapmcp/zapmcp/internal/observability"
)

// newWatchCmd creates the `watch` command: start a scan, follow its event
// stream to completion and survive connection drops. High-risk findings can
// be forwarded to a webhook as they appear.
func newWatchCmd() *cobra.Command {
	watchCmd := &cobra.Command{
		Use:   "watch <target>",
		Short: "Run a scan and stream its progress live",
		Args:  cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := viper.BindPFlag("notify.webhook_url", cmd.Flags().Lookup("webhook")); err != nil {
				return err
			}
			return viper.BindPFlags(cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg.Notify.WebhookURL = viper.GetString("notify.webhook_url")
			notifier, err := notify.NewWebhook(cfg.Notify, logger)
			if err != nil {
				return err
			}

			m := client.NewMonitor(cfg.Client, cfg.Monitor, notifier, logger)
			summary, err := m.Run(ctx, args[0], viper.GetString("type"))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "scan %s complete: %d findings\n", summary.ScanID, summary.Total)
			for _, risk := range []string{"High", "Medium", "Low", "Informational"} {
				if n := summary.RiskCounts[risk]; n > 0 {
					fmt.Fprintf(out, "  %s: %d\n", risk, n)
				}
			}
			return nil
		},
	}

	watchCmd.Flags().String("type", "spider", "scan type: spider or active")
	watchCmd.Flags().String("webhook", "", "webhook URL for high-risk findings")
	return watchCmd
}

// File: cmd/scan.go
package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/zapmcp/zapmcp/internal/client"
	"github.com/zapmcp/zapmcp/internal/observability"
	"github.com/zapmcp/zapmcp/internal/orchestrator"
	"github.com/zapmcp/zapmcp/internal/reporting"
)

// newScanCmd creates the `scan` command: one or more targets scanned in
// concurrent waves, each on its own session.
func newScanCmd() *cobra.Command {
	scanCmd := &cobra.Command{
		Use:   "scan [targets...]",
		Short: "Scan targets and report findings",
		Args:  cobra.ArbitraryArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return viper.BindPFlags(cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg.Scan.Targets = args
			cfg.Scan.TargetsFile = viper.GetString("targets-file")
			cfg.Scan.ScanType = viper.GetString("type")
			cfg.Scan.Concurrency = viper.GetInt("concurrency")
			cfg.Scan.Format = viper.GetString("format")
			cfg.Scan.Output = viper.GetString("output")
			cfg.Scan.MinRisk = viper.GetString("min-risk")
			cfg.Scan.Timeout = viper.GetDuration("timeout")

			targets, err := resolveTargets(cfg.Scan.Targets, cfg.Scan.TargetsFile)
			if err != nil {
				return err
			}
			if len(targets) == 0 {
				return fmt.Errorf("no targets: pass them as arguments or via --targets-file")
			}

			reporter, err := reporting.New(cfg.Scan.Format, cfg.Scan.Output, reporting.Options{MinRisk: cfg.Scan.MinRisk})
			if err != nil {
				return err
			}
			defer reporter.Close()

			dial := func(ctx context.Context) (orchestrator.SessionClient, error) {
				c := client.New(cfg.Client, logger)
				if err := c.Connect(ctx); err != nil {
					return nil, err
				}
				return c, nil
			}

			batch := orchestrator.NewBatch(dial, orchestrator.BatchConfig{
				ScanType:      cfg.Scan.ScanType,
				Concurrency:   cfg.Scan.Concurrency,
				PollInterval:  cfg.Client.PollInterval,
				TargetTimeout: cfg.Scan.Timeout,
			}, logger)

			logger.Info("Starting batch scan.",
				zap.Int("targets", len(targets)),
				zap.Int("concurrency", cfg.Scan.Concurrency),
				zap.String("type", cfg.Scan.ScanType))

			outcomes, err := batch.Run(ctx, targets)
			if err != nil {
				return err
			}
			if err := reporter.Write(outcomes); err != nil {
				return fmt.Errorf("writing report: %w", err)
			}

			return batchError(outcomes)
		},
	}

	scanCmd.Flags().String("type", "spider", "scan type: spider or active")
	scanCmd.Flags().Int("concurrency", 3, "targets scanned at once per wave")
	scanCmd.Flags().String("targets-file", "", "file with one target per line")
	scanCmd.Flags().String("format", "text", "report format: text, json or html")
	scanCmd.Flags().StringP("output", "o", "", "report output path (default stdout)")
	scanCmd.Flags().String("min-risk", "", "drop findings below this risk (informational, low, medium, high)")
	scanCmd.Flags().Duration("timeout", 0, "per-target time limit (0 for none)")
	return scanCmd
}

// batchError maps outcomes onto the command's exit status: any failed target
// fails the run, after the report has already been written.
func batchError(outcomes []orchestrator.Outcome) error {
	failed := 0
	for _, out := range outcomes {
		if out.Status != orchestrator.OutcomeComplete {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d targets failed", failed, len(outcomes))
	}
	return nil
}

// resolveTargets merges argument targets with a targets file. Blank lines and
// #-comments in the file are skipped.
func resolveTargets(args []string, path string) ([]string, error) {
	targets := append([]string(nil), args...)
	if path == "" {
		return targets, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open targets file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		targets = append(targets, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read targets file: %w", err)
	}
	return targets, nil
}

// File: cmd/report.go
package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zapmcp/zapmcp/internal/history"
	"github.com/zapmcp/zapmcp/internal/observability"
)

// newReportCmd creates the `report` command over the persisted scan history.
func newReportCmd() *cobra.Command {
	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "Show recorded scan history",
		Long:  `Lists recent scans from the history database, or one scan with --scan-id.`,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return viper.BindPFlags(cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if cfg.Database.URL == "" {
				return fmt.Errorf("no database configured: set database.url or ZAPMCP_DATABASE_URL")
			}
			pool, err := pgxpool.New(ctx, cfg.Database.URL)
			if err != nil {
				return fmt.Errorf("failed to create database pool: %w", err)
			}
			defer pool.Close()

			store, err := history.New(ctx, pool, observability.GetLogger())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if scanID := viper.GetString("scan-id"); scanID != "" {
				rec, err := store.GetScan(ctx, scanID)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Scan %s\n", rec.ScanID)
				fmt.Fprintf(out, "  session:  %s\n", rec.SessionID)
				fmt.Fprintf(out, "  target:   %s\n", rec.TargetURL)
				fmt.Fprintf(out, "  type:     %s\n", rec.ScanType)
				fmt.Fprintf(out, "  status:   %s\n", rec.Status)
				fmt.Fprintf(out, "  alerts:   %d\n", rec.AlertCount)
				fmt.Fprintf(out, "  started:  %s\n", rec.StartedAt.Format(time.RFC3339))
				if rec.FinishedAt != nil {
					fmt.Fprintf(out, "  finished: %s\n", rec.FinishedAt.Format(time.RFC3339))
				}
				return nil
			}

			recs, err := store.ListRecent(ctx, viper.GetInt("limit"))
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Fprintln(out, "no scans recorded")
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SCAN\tTARGET\tTYPE\tSTATUS\tALERTS\tSTARTED")
			for _, rec := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
					rec.ScanID, rec.TargetURL, rec.ScanType, rec.Status,
					rec.AlertCount, rec.StartedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}

	reportCmd.Flags().String("scan-id", "", "show a single scan")
	reportCmd.Flags().Int("limit", 20, "number of scans to list")
	return reportCmd
}

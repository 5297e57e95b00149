// File: cmd/ping.go
package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/zapmcp/zapmcp/internal/client"
	"github.com/zapmcp/zapmcp/internal/observability"
)

// newPingCmd creates the `ping` command, a connectivity check against a
// running server.
func newPingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check connectivity to the scan server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			c := client.New(cfg.Client, observability.GetLogger())
			if err := c.Connect(ctx); err != nil {
				return err
			}
			defer c.Disconnect()

			start := time.Now()
			if err := c.Ping(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pong from session %s in %s\n",
				c.SessionID(), time.Since(start).Round(time.Microsecond))
			return nil
		},
	}
}

// File: cmd/serve.go
package cmd

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/zapmcp/zapmcp/internal/engine"
	"github.com/zapmcp/zapmcp/internal/history"
	"github.com/zapmcp/zapmcp/internal/observability"
	"github.com/zapmcp/zapmcp/internal/server"
)

// newServeCmd creates the `serve` command hosting the control plane.
func newServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scan coordination server",
		Long: `Starts the WebSocket server that brokers between protocol clients and
the ZAP engine. The bound port is published to the port file so clients can
find the server even when it moves off its default port.`,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := viper.BindPFlag("server.port", cmd.Flags().Lookup("port")); err != nil {
				return err
			}
			return viper.BindPFlag("engine.endpoint", cmd.Flags().Lookup("zap-endpoint"))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			// Flag overrides landed in viper during PreRunE; refresh.
			cfg.Server.Port = viper.GetInt("server.port")
			cfg.Server.MaxPort = max(cfg.Server.MaxPort, cfg.Server.Port)
			cfg.Engine.Endpoint = viper.GetString("engine.endpoint")

			eng := engine.NewZAP(cfg.Engine, logger)

			var store history.Store
			if cfg.Database.URL != "" {
				pool, err := pgxpool.New(ctx, cfg.Database.URL)
				if err != nil {
					return fmt.Errorf("failed to create database pool: %w", err)
				}
				defer pool.Close()

				store, err = history.New(ctx, pool, logger)
				if err != nil {
					return fmt.Errorf("failed to initialize scan history: %w", err)
				}
				logger.Info("Scan history persistence enabled.")
			} else {
				logger.Info("No database configured, scan history disabled.")
			}

			srv := server.New(cfg, eng, store, logger)
			logger.Info("Starting server.",
				zap.Int("port", cfg.Server.Port),
				zap.String("engine", cfg.Engine.Endpoint))
			return srv.Start(ctx)
		},
	}

	serveCmd.Flags().Int("port", 3000, "port to listen on (walks upward when busy)")
	serveCmd.Flags().String("zap-endpoint", "http://localhost:8080", "base URL of the ZAP JSON API")
	return serveCmd
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zhifu/donation-pay/logging"
	"github.com/zhifu/donation-pay/routes"
	"github.com/zhifu/donation-pay/utils"
)

var (
	Version    = "dev"
	configPath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "donation-pay",
		Short:         "Donation payment engine",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./config.yaml)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(cleanupCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var noSweeper bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, webhook receiver and background sweeps",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			feed := routes.NewFeed()
			a, err := bootstrap(configPath, feed)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			go feed.Run(ctx)
			if !noSweeper {
				sweeper, err := a.sweeper(ctx)
				if err != nil {
					return err
				}
				go sweeper.Run(ctx)
			}

			router := routes.NewRouter(
				routes.NewAPIRoutes(a.payments, a.calculator, a.donations, feed),
				routes.RouterOptions{
					ServiceName:    a.cfg.Telemetry.ServiceName,
					Mode:           a.cfg.Server.Mode,
					TrustedProxies: a.cfg.Server.TrustedProxies,
				})

			addr := fmt.Sprintf(":%d", a.cfg.Server.Port)
			server := &http.Server{
				Addr:         addr,
				Handler:      router,
				ReadTimeout:  30 * time.Second,
				WriteTimeout: a.cfg.GatewayTimeout + 15*time.Second,
				IdleTimeout:  60 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logging.Info("Server running",
					zap.String("addr", addr),
					zap.String("mode", a.cfg.Server.Mode),
					zap.Strings("gateways", a.registry.Names()),
					zap.String("version", Version))
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("listen on %s: %w", addr, err)
				}
				return nil
			case <-ctx.Done():
			}

			logging.Info("Shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&noSweeper, "no-sweeper", false, "do not run retry, reconcile and cleanup sweeps in this process")
	return cmd
}

func migrateCmd() *cobra.Command {
	var skipSeed bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update tables and seed gateway routing from the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(configPath, nil)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			if err := utils.MigrateDatabase(a.db); err != nil {
				return err
			}
			if skipSeed {
				return nil
			}
			return a.seedRouting(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&skipSeed, "skip-seed", false, "only migrate the schema")
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one retry sweep and one reconcile sweep, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(configPath, nil)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			ctx := cmd.Context()
			sweeper, err := a.sweeper(ctx)
			if err != nil {
				return err
			}
			retried, err := sweeper.RetrySweep(ctx)
			if err != nil {
				return fmt.Errorf("retry sweep: %w", err)
			}
			settled, err := sweeper.ReconcileSweep(ctx)
			if err != nil {
				return fmt.Errorf("reconcile sweep: %w", err)
			}
			fmt.Printf("retried %d payments, settled %d payments\n", retried, settled)
			return nil
		},
	}
}

func cleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Archive and delete payment attempts past the retention horizon",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(configPath, nil)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			ctx := cmd.Context()
			sweeper, err := a.sweeper(ctx)
			if err != nil {
				return err
			}
			deleted, err := sweeper.CleanupAttempts(ctx)
			if err != nil {
				return fmt.Errorf("cleanup: %w", err)
			}
			fmt.Printf("deleted %d attempts older than %d days\n", deleted, a.cfg.Retention.HorizonDays)
			return nil
		},
	}
}

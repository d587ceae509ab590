/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the loyalty engine server. Handles configuration,
  dependency injection, and graceful shutdown.

COMMANDS:
  serve   Run the HTTP API (default)
  audit   Run the reconciliation audit once and exit non-zero on drift
  tiers   Print the active tier ladder as YAML

STARTUP SEQUENCE (serve):
  1. Load configuration (defaults, file, LOYALTY_* env, flags)
  2. Build the logger
  3. Load the tier ladder (tiers_file or the built-in default)
  4. Open the store (SQLite or memory)
  5. Wire engine, metrics, handler, scheduler
  6. Start server with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (shutdown_timeout)
  4. Close the store
  5. Exit

EXAMPLES:
  # Run with a file database
  ./server serve --db ./data/loyalty.db

  # Run in memory with demo scenarios
  LOYALTY_STORE_DRIVER=memory LOYALTY_DEMO=true ./server

  # Check a production database for drift
  ./server audit --config /etc/loyalty/loyalty.yaml

SEE ALSO:
  - config/config.go: All settings and their env names
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/warp/loyalty-engine/config"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:           "server",
		Short:         "Hotel loyalty ledger and benefit-assignment engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "config file (default: ./loyalty.yaml or /etc/loyalty/loyalty.yaml)")
	root.PersistentFlags().String("db", "", "SQLite database path (\":memory:\" for in-memory)")
	root.PersistentFlags().String("tiers", "", "tier ladder YAML file")
	root.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")

	// viper needs the config file name, which is only known once flags are parsed
	load := func(cmd *cobra.Command) (*app, error) {
		v := config.New(configFile)
		for key, flag := range map[string]string{
			"store.path":  "db",
			"tiers_file":  "tiers",
			"log.level":   "log-level",
			"server.port": "port",
		} {
			if f := cmd.Flags().Lookup(flag); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, err
				}
			}
		}
		return newApp(v)
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := load(cmd)
			if err != nil {
				return err
			}
			return a.serve()
		},
	}
	serve.Flags().Int("port", 0, "HTTP server port")

	audit := &cobra.Command{
		Use:   "audit",
		Short: "Reconcile every member against their ledger",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := load(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			return a.audit(cmd.Context(), cmd.OutOrStdout())
		},
	}

	tiers := &cobra.Command{
		Use:   "tiers",
		Short: "Print the active tier ladder as YAML",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := load(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			return a.printTiers(cmd.OutOrStdout())
		},
	}

	root.AddCommand(serve, audit, tiers)
	// bare "server" behaves like "server serve"
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())
	return root
}

func (a *app) serve() error {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:      a.router,
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
		IdleTimeout:  a.cfg.Server.IdleTimeout,
	}

	a.scheduler.Start()

	go func() {
		a.log.WithField("addr", srv.Addr).Info("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.WithError(err).Fatal("server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	a.log.Info("shutting down")
	a.scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	err := srv.Shutdown(ctx)
	a.close()
	if err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	a.log.Info("server stopped")
	return nil
}

/*
main.go - Application entry point

PURPOSE:
  Starts the repayment-assessment service. Handles configuration,
  dependency injection, and graceful shutdown.

COMMANDS:
  serve    HTTP API plus the periodic claim-basis ingestion
  ingest   One ingestion pass over stored claim-basis messages, then exit

STARTUP SEQUENCE (serve):
  1. Load configuration (file + TILBAKEKREVING_* environment)
  2. Initialize SQLite store
  3. Wire settlement client, case service, ingestion job
  4. Configure HTTP router
  5. Start scheduler and server, shut both down on SIGINT/SIGTERM

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the ingestion scheduler (waits for a running pass)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection

EXAMPLES:
  ./server serve --config ./tilbakekreving.yaml
  TILBAKEKREVING_DATABASE_PATH=":memory:" ./server serve
  ./server ingest

SEE ALSO:
  - config/config.go: Configuration keys
  - api/server.go: Router configuration
  - ingest/scheduler.go: Periodic ingestion
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
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/navikt/su-tilbakekreving/api"
	"github.com/navikt/su-tilbakekreving/config"
	"github.com/navikt/su-tilbakekreving/ingest"
	"github.com/navikt/su-tilbakekreving/oppdrag"
	"github.com/navikt/su-tilbakekreving/store/sqlite"
	"github.com/navikt/su-tilbakekreving/tilbakekreving"
)

var Version = "dev"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "su-tilbakekreving",
		Short:         "Repayment assessment for supplementary benefits",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ./tilbakekreving.yaml if present)")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(ingestCmd(&configPath))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app is everything both commands need.
type app struct {
	cfg   *config.Config
	log   *logrus.Logger
	store *sqlite.Store
	cases *tilbakekreving.Service
	job   *ingest.Job
}

func setup(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log, err := cfg.Log.NewLogger()
	if err != nil {
		return nil, err
	}

	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if cfg.Oppdrag.URL == "" {
		log.Warn("oppdrag.url not set, settlements and annulments will fail")
	}
	settler := oppdrag.NewClient(oppdrag.Config{
		URL:            cfg.Oppdrag.URL,
		Timeout:        cfg.Oppdrag.Timeout,
		EnhetAnsvarlig: cfg.Oppdrag.Enhet,
	}, nil, log)

	cases := tilbakekreving.NewService(store, store, settler, log)
	job := ingest.NewJob(store, cases, nil, ingest.Config{MaxRetries: cfg.Ingest.MaxRetries}, log)

	return &app{cfg: cfg, log: log, store: store, cases: cases, job: job}, nil
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the ingestion scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer a.store.Close()
			return serve(cmd.Context(), a)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	scheduler := ingest.NewScheduler(a.job, a.cfg.Ingest.Interval, a.log)
	scheduler.Enabled = a.cfg.Ingest.Enabled

	handler := api.NewHandler(a.cases, a.store, scheduler, a.log)
	router := api.NewRouter(handler, api.RouterConfig{AllowedOrigins: a.cfg.Server.AllowedOrigins})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scheduler.Start()

	errCh := make(chan error, 1)
	go func() {
		a.log.WithField("port", a.cfg.Server.Port).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		scheduler.Stop()
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.log.Info("shutting down")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	a.log.Info("server stopped")
	return nil
}

func ingestCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest",
		Short: "Apply stored claim-basis messages to their cases once, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer a.store.Close()

			report := a.job.Run(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "applied=%d duplicates=%d superseded=%d closed=%d failed=%d\n",
				report.Applied(), report.Duplicates(), report.Superseded(), report.Closed(), report.Failed())
			if report.Error != "" {
				return errors.New(report.Error)
			}
			if report.Failed() > 0 {
				return fmt.Errorf("%d claim basis messages could not be processed", report.Failed())
			}
			return nil
		},
	}
}

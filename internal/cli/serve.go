package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/knoxhq/kbridge/internal/observability"
	"github.com/knoxhq/kbridge/internal/tracing"
	"github.com/knoxhq/kbridge/pkg/bridge"
	"github.com/knoxhq/kbridge/pkg/knowledge"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync service in the foreground",
	Long: `Run the bridge as a long-lived service: the scheduler evaluates sync
triggers per tenant, the file watcher syncs individual items as they change
on disk, and an optional metrics endpoint exposes prometheus counters.
Stops cleanly on SIGINT or SIGTERM.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := tracing.Init("kbridge"); err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracing.Shutdown(shutdownCtx)
	}()

	var scheduler *bridge.Scheduler
	if a.cfg.Scheduler.Enabled {
		scheduler, err = bridge.NewScheduler(bridge.SchedulerConfig{
			Manager: a.manager,
			Tenants: func(ctx context.Context) ([]string, error) { return a.tenants() },
			Trigger: bridge.TriggerConfig{
				StalenessThreshold: time.Duration(a.cfg.Scheduler.StalenessThresholdSeconds) * time.Second,
				SessionThreshold:   a.cfg.Scheduler.SessionThreshold,
			},
			Logger:   a.log.GetZerolog(),
			Interval: time.Duration(a.cfg.Scheduler.IntervalSeconds) * time.Second,
			MaxItems: a.cfg.Sync.MaxItems,
		})
		if err != nil {
			return fmt.Errorf("failed to create scheduler: %w", err)
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	if a.cfg.Knowledge.Watch {
		watcher, err := knowledge.NewWatcher(a.log.GetZerolog(), func(event knowledge.ChangeEvent) {
			ctx := bridge.WithTenant(context.Background(), event.TenantID)
			if _, err := a.manager.SingleItemSync(ctx, event.TenantID, event.ItemID); err != nil {
				a.log.Warn().Err(err).
					Str("tenant", event.TenantID).
					Str("item", event.ItemID).
					Msg("Watched item sync failed")
			}
		})
		if err != nil {
			return fmt.Errorf("failed to create watcher: %w", err)
		}
		if err := watcher.Watch(a.cfg.Knowledge.Dir); err != nil {
			_ = watcher.Stop()
			return fmt.Errorf("failed to watch knowledge directory: %w", err)
		}
		defer func() { _ = watcher.Stop() }()
	}

	var metricsServer *http.Server
	if a.cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", observability.MetricsHandler())
		metricsServer = &http.Server{Addr: a.cfg.Metrics.Addr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
		a.log.Info().Str("addr", a.cfg.Metrics.Addr).Msg("Metrics endpoint listening")
	}

	a.log.Info().Msg("Bridge service started")
	fmt.Fprintln(cmd.OutOrStdout(), "kbridge serving (press Ctrl+C to stop)")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	a.log.Info().Msg("Shutting down")
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}

	return nil
}

package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mediaqueue/internal/config"
	"mediaqueue/internal/daemon"
	"mediaqueue/internal/notify"
	"mediaqueue/internal/observer"
	"mediaqueue/internal/reconciler"
	"mediaqueue/internal/service"
	httptransport "mediaqueue/internal/transport/http"
	"mediaqueue/internal/worker"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the submission/status HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			cfg, log, err := setup()
			if err != nil {
				return err
			}
			store, closeStore, err := openStore(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer closeStore()

			bus, err := openCancelBus(ctx, cfg, log)
			if err != nil {
				return err
			}

			jobSvc := service.NewJobService(store, busOrNil(bus), log)
			recon := reconciler.New(store, cfg.ReconcileInterval, cfg.StalePendingAfter, log)
			handler := httptransport.NewHandler(jobSvc, recon)
			api := httptransport.NewServer(cfg.HTTPAddr, httptransport.Routes(handler, log), log)

			return daemon.NewSupervisor(cfg.HealthAddr, log, api).Run(ctx)
		},
	}
}

func newDispatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch",
		Short: "run dispatcher/worker instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			cfg, log, err := setup()
			if err != nil {
				return err
			}
			store, closeStore, err := openStore(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer closeStore()

			bus, err := openCancelBus(ctx, cfg, log)
			if err != nil {
				return err
			}

			comps := dispatcherComponents(cfg, store, bus, log)
			return daemon.NewSupervisor(cfg.HealthAddr, log, comps...).Run(ctx)
		},
	}
}

func newObserveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "observe",
		Short: "run the filesystem progress observer",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			cfg, log, err := setup()
			if err != nil {
				return err
			}
			store, closeStore, err := openStore(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer closeStore()

			obs := observer.New(store, cfg.OutputDir, cfg.ObserverInterval, log)
			return daemon.NewSupervisor(cfg.HealthAddr, log, obs).Run(ctx)
		},
	}
}

func newReconcileCmd() *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "run the reconciler (periodic, or --once for a single pass)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			cfg, log, err := setup()
			if err != nil {
				return err
			}
			store, closeStore, err := openStore(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer closeStore()

			recon := reconciler.New(store, cfg.ReconcileInterval, cfg.StalePendingAfter, log)
			if once {
				summary, err := recon.RunOnce(ctx)
				if err != nil {
					return err
				}
				return json.NewEncoder(os.Stdout).Encode(summary)
			}
			return daemon.NewSupervisor(cfg.HealthAddr, log, recon).Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single pass and exit")
	return cmd
}

// newAllCmd runs every daemon in one process. Meant for development; real
// deployments run serve/dispatch/observe/reconcile as separate processes
// coordinating only through the store.
func newAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "all",
		Short: "run api, dispatchers, observer and reconciler in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			cfg, log, err := setup()
			if err != nil {
				return err
			}
			store, closeStore, err := openStore(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer closeStore()

			bus, err := openCancelBus(ctx, cfg, log)
			if err != nil {
				return err
			}

			jobSvc := service.NewJobService(store, busOrNil(bus), log)
			recon := reconciler.New(store, cfg.ReconcileInterval, cfg.StalePendingAfter, log)
			handler := httptransport.NewHandler(jobSvc, recon)
			api := httptransport.NewServer(cfg.HTTPAddr, httptransport.Routes(handler, log), log)
			obs := observer.New(store, cfg.OutputDir, cfg.ObserverInterval, log)

			comps := []daemon.Component{api, obs, recon}
			comps = append(comps, dispatcherComponents(cfg, store, bus, log)...)
			return daemon.NewSupervisor(cfg.HealthAddr, log, comps...).Run(ctx)
		},
	}
}

func dispatcherComponents(cfg *config.Config, store jobStore, bus *notify.CancelBus, log *zap.SugaredLogger) []daemon.Component {
	actions := buildActions(cfg, log)

	// A typed nil must not leak into the interface: the dispatcher treats a
	// nil feed as "no bus" and falls back to polling the cancel flag.
	var feed worker.CancelFeed
	if bus != nil {
		feed = bus
	}

	comps := make([]daemon.Component, 0, cfg.Dispatchers)
	for i := 0; i < cfg.Dispatchers; i++ {
		comps = append(comps, worker.NewDispatcher(
			store, actions, feed, cfg.PollInterval, cfg.LeaseTTL, cfg.MaxAttempts, log))
	}
	return comps
}

// busOrNil keeps a nil *CancelBus from becoming a non-nil interface.
func busOrNil(bus *notify.CancelBus) service.CancelAnnouncer {
	if bus == nil {
		return nil
	}
	return bus
}

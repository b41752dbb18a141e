package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/labrun/internal/api"
	"github.com/seantiz/labrun/internal/config"
	"github.com/seantiz/labrun/internal/engine/sim"
	"github.com/seantiz/labrun/internal/log"
	"github.com/seantiz/labrun/internal/messaging"
	"github.com/seantiz/labrun/internal/plan"
	"github.com/seantiz/labrun/internal/plans"
	"github.com/seantiz/labrun/internal/store"
	"github.com/seantiz/labrun/internal/worker"
)

func doServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = log.ContextAttrs(ctx, slog.Group("labrun",
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	))

	logger.InfoContext(ctx, "labrun: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"bus", cfg.Bus.Kind,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	devices := sim.DefaultDevices()
	eng := sim.New(devices,
		sim.WithConnectTimeout(cfg.ConnectTimeout),
		sim.WithLogger(logger),
	)

	registry, err := newRegistry(cfg, devices)
	if err != nil {
		return err
	}

	w := worker.New(registry, eng, db,
		worker.WithGracePeriod(cfg.GracePeriod),
		worker.WithLogger(logger),
	)
	w.Start()
	defer func() {
		if err := w.Close(); err != nil {
			logger.Error("worker shutdown", "error", err)
		}
	}()

	bus, err := dialBus(ctx, cfg)
	if err != nil {
		return err
	}

	srv := api.NewServer(cfg.ListenAddr, w, registry, db, logger,
		api.WithPauseDefer(cfg.PauseDefer),
		api.WithRelay(cfg.RelayBuffer, cfg.DropAfter),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	if bus != nil {
		defer bus.Close()
		b := messaging.NewBridge(bus, w, messaging.BridgeOptions{
			Destination:     cfg.Bus.Destination,
			BroadcastStatus: cfg.BroadcastStatus,
			Buffer:          cfg.RelayBuffer,
			DropAfter:       cfg.DropAfter,
			Logger:          logger,
		})
		g.Go(func() error {
			return b.Run(gctx)
		})
	}

	err = g.Wait()
	logger.InfoContext(ctx, "labrun: stopped")
	return err
}

// newRegistry registers the built-in plans against devices.
func newRegistry(cfg config.Config, devices *sim.Devices) (*plan.Registry, error) {
	var opts []plan.Option
	if cfg.WrapperPlan != "" {
		opts = append(opts, plan.WithWrapper(cfg.WrapperPlan))
	}
	registry := plan.NewRegistry(opts...)
	if err := plans.Register(registry, devices, cfg.Metadata); err != nil {
		return nil, err
	}
	if cfg.WrapperPlan != "" {
		if err := registry.CheckWrapper(cfg.WrapperPlan); err != nil {
			return nil, fmt.Errorf("default wrapper: %w", err)
		}
	}
	return registry, nil
}

// dialBus connects the configured message bus. It returns nil when no bus
// is configured.
func dialBus(ctx context.Context, cfg config.Config) (messaging.Bus, error) {
	switch cfg.Bus.Kind {
	case config.BusStomp:
		bus, err := messaging.DialStomp(cfg.Bus.Addr, messaging.StompOptions{
			Login:    cfg.Bus.Login,
			Passcode: cfg.Bus.Passcode,
		})
		if err != nil {
			return nil, err
		}
		return bus, nil
	case config.BusStream:
		bus, err := messaging.DialStream(ctx, cfg.Bus.Addr, cfg.ConnectTimeout)
		if err != nil {
			return nil, err
		}
		return bus, nil
	default:
		return nil, nil
	}
}

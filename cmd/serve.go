package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/loom/internal/config"
	"github.com/nextlevelbuilder/loom/internal/gateway"
	"github.com/nextlevelbuilder/loom/internal/telemetry"
	"github.com/nextlevelbuilder/loom/pkg/protocol"
)

// queryTTL bounds how long an unanswered peer query stays routable.
const queryTTL = 5 * time.Minute

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the coordination runtime and websocket gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := config.ResolvePath(cfgFile)
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			return runServe(cfgPath, cfg)
		},
	}
}

func runServe(cfgPath string, cfg *config.Config) error {
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	rt, err := buildRuntime(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rt.Close(cctx); err != nil {
			logger.Warn("runtime close failed", "error", err)
		}
	}()

	if err := config.Watch(ctx, cfgPath, rt.applyReload); err != nil {
		logger.Warn("config watcher unavailable", "path", cfgPath, "error", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		rt.queries.Janitor(ctx, queryTTL)
		return nil
	})

	if cfg.Telemetry.PulseSchedule != "" {
		pulse, err := telemetry.NewPulseScheduler(cfg.Telemetry.PulseSchedule, rt.stores.Sessions, rt.graph, rt.bus, logger)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return pulse.Run(ctx)
		})
	}

	gw := gateway.NewServer(cfg, rt.bus, rt.sessions, logger)
	g.Go(func() error {
		return gw.Start(ctx)
	})

	logger.Info("loom runtime started",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"providers", rt.providers.Names(),
		"gateway", fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("loom runtime stopped")
	return nil
}

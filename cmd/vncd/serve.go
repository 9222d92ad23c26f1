package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/PurpleSec/logx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vncd/server/internal/acceptor"
	"github.com/vncd/server/internal/config"
	"github.com/vncd/server/internal/metrics"
	"github.com/vncd/server/internal/mock"
	"github.com/vncd/server/internal/monitor"
	"github.com/vncd/server/internal/rfb"
	"github.com/vncd/server/internal/server"
	"github.com/vncd/server/internal/session"
	"github.com/vncd/server/internal/ws"
)

var levels = map[string]logx.Level{
	"trace":   logx.Trace,
	"debug":   logx.Debug,
	"info":    logx.Info,
	"warning": logx.Warning,
	"error":   logx.Error,
}

type serveFlags struct {
	configPath string
	logLevel   string
	displays   []int
	mock       bool
}

func serveCmd() *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve every configured display",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(f.configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Log.Level = f.logLevel
			}
			if cmd.Flags().Changed("display") {
				cfg.Server.Displays = f.displays
			}
			if cmd.Flags().Changed("mock") {
				cfg.Mock.Enabled = f.mock
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	cmd.Flags().StringVarP(&f.configPath, "config", "c", "config.yaml", "path to config file")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "info", "log level (trace, debug, info, warning, error)")
	cmd.Flags().IntSliceVarP(&f.displays, "display", "d", nil, "display numbers to serve (overrides server.displays)")
	cmd.Flags().BoolVar(&f.mock, "mock", false, "draw test patterns into every display")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := logx.Console(levels[strings.ToLower(cfg.Log.Level)])

	registry := session.NewRegistry(cfg.Server.MaxDisplays)
	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg, registry)
	health := monitor.NewHealth(monitor.DefaultThreshold)

	broadcaster := ws.NewBroadcaster(registry, cfg.Admin.BroadcastThrottle, cfg.Admin.SnapshotInterval, cfg.Admin.MaxClients, log)
	defer broadcaster.Stop()
	health.SetOnChange(broadcaster.QueueHealth)
	registry.SetObserver(session.Observers{m, broadcaster})

	var (
		input rfb.InputHandler
		gen   *mock.Generator
	)
	if cfg.Mock.Enabled {
		gen = mock.NewGenerator(registry, cfg.Mock.Interval, log)
		input = gen
	}

	transmitter := &rfb.Transmitter{Log: log, Recorder: m}
	driver := &server.Driver{
		Config:   cfg,
		Registry: registry,
		Acceptor: &acceptor.Acceptor{
			Host:      cfg.Server.Host,
			BasePort:  cfg.Server.BasePort,
			KeepAlive: cfg.Server.KeepAlive,
		},
		Negotiator: &rfb.Negotiator{
			DesktopName: cfg.Server.DesktopName,
			Timeout:     cfg.Server.HandshakeTimeout,
			Log:         log,
		},
		Updaters: server.StartFunc(func(ctx context.Context, s *session.Session) (server.Updater, error) {
			u, err := transmitter.Start(ctx, s)
			if err != nil {
				return nil, err
			}
			return u, nil
		}),
		Receiver:  &rfb.Receiver{Log: log, Input: input},
		Reporters: []server.Reporter{health, m},
		Log:       log,
	}
	manager := &server.Manager{Driver: driver, Displays: cfg.Server.Displays}

	log.Info("vncd %s: serving displays %v from port %d", version, cfg.Server.Displays, cfg.Server.BasePort)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return manager.Run(ctx)
	})
	if gen != nil {
		gen.Start(ctx, cfg.Server.Displays)
	}
	if cfg.Admin.Enabled {
		admin := ws.NewServer(registry, health, broadcaster, ws.Options{
			AuthToken: cfg.Admin.AuthToken,
			Gatherer:  promReg,
			Log:       log,
		})
		g.Go(func() error {
			return ws.ListenAndServe(ctx, cfg.Admin.Addr, admin.Handler(), log)
		})
	}

	err := g.Wait()
	log.Info("shutting down")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

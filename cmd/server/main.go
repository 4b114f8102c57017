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

	"guildstats/internal/adapters/discord"
	"guildstats/internal/config"
	"guildstats/internal/core/readiness"
	"guildstats/internal/core/refresh"
	"guildstats/internal/core/stats"
	"guildstats/internal/core/watcher"
	"guildstats/internal/logger"
	"guildstats/internal/metrics"
	"guildstats/internal/transport/rest"
	"guildstats/internal/transport/ws"
	"guildstats/internal/workers"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

func main() {
	app := &cli.App{
		Name:  "guildstats",
		Usage: "Relay live guild member statistics over HTTP and WebSocket",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:    "env-file",
				Aliases: []string{"e"},
				Usage:   "dotenv file(s) to load before reading the environment",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.StringSlice("env-file")...)
			if err != nil {
				return err
			}
			return run(c.Context, cfg)
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "guildstats:", err)
		os.Exit(1)
	}
}

func run(parent context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := logger.New(cfg)
	defer logger.Sync(log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	source, err := discord.New(cfg.DiscordToken, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := source.Close(); err != nil {
			log.Warn("discord: close failed", "error", err)
		}
	}()

	gate := readiness.NewGate(source, cfg.ReadyTimeout, cfg.RetryCooldown, log, m)
	aggregator := stats.NewAggregator(source, gate, stats.Settings{
		GuildID:         cfg.GuildID,
		FocusChannelID:  cfg.FocusChannelID,
		FallbackTotal:   cfg.FallbackTotalMembers,
		PlaceholderName: cfg.PlaceholderName,
		FetchTimeout:    cfg.FetchTimeout,
	}, log, m)

	g, gctx := errgroup.WithContext(ctx)

	hub := ws.NewHub(gctx, cfg.RequestStatsInterval, log, m)
	refresher := refresh.New(aggregator, hub, log, m)
	hub.HandleRequests(func() { refresher.Trigger("request", true) })
	gate.OnFirstReady(func() { refresher.Trigger("ready", true) })

	scheduler := workers.NewScheduler(log)
	w := watcher.New(source, cfg.GuildID, refresher, scheduler, cfg.BroadcastInterval, log)
	unsubscribe := w.Start(gctx)
	defer unsubscribe()

	router := rest.NewRouter(&rest.RouterDeps{
		Stats:     rest.NewStatsHandler(aggregator, log),
		Ws:        ws.NewHandler(hub, cfg, log),
		Metrics:   reg,
		Origins:   cfg,
		PublicDir: cfg.PublicDir,
	}, log)
	srv := rest.NewServer(router, cfg.Address)

	g.Go(func() error {
		hub.Run()
		return nil
	})

	g.Go(func() error {
		return refresher.Run(gctx)
	})

	g.Go(func() error {
		log.Info("http: starting server", "address", cfg.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		hub.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("http: server shutdown error", "error", err)
		}
		return nil
	})

	err = g.Wait()
	scheduler.Wait()

	log.Info("server stopped")
	return err
}

package commands

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/blikh/easyconduit/internal/conduit"
	"github.com/blikh/easyconduit/internal/config"
	"github.com/blikh/easyconduit/internal/dispatcher"
	"github.com/blikh/easyconduit/internal/hoststats"
	"github.com/blikh/easyconduit/internal/metrics"
	"github.com/blikh/easyconduit/internal/presenter"
	"github.com/blikh/easyconduit/internal/relayconf"
	"github.com/blikh/easyconduit/internal/scheduler"
	"github.com/blikh/easyconduit/internal/service"
	"github.com/blikh/easyconduit/internal/state"
	"github.com/blikh/easyconduit/internal/statsdb"
	"github.com/blikh/easyconduit/internal/telegram"
)

const logo = `
  ___                 ___             _       _ _
 | __|__ _ ____  _   / __|___ _ _  __| |_  _(_) |_
 | _|/ _' (_-< || | | (__/ _ \ ' \/ _' | || | |  _|
 |___\__,_/__/\_, |  \___\___/_||_\__,_|\_,_|_|\__|
              |__/      ~~ dashboard bot ~~`

func Run(args []string, logger *slog.Logger, version string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultPath(), "path to runtime config")
	fs.Parse(args)

	cfg, logger := loadConfig(*configPath, logger)

	os.Stdout.WriteString(logo + "\n")
	logger.Info("starting easyconduit dashboard bot", "version", version, "config", cfg.Path)
	logBuildInfo(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := runBot(ctx, cfg, logger, version); err != nil {
		logger.Error("bot error", "err", err)
		cancel()
		os.Exit(1)
	}
}

func runBot(ctx context.Context, cfg *config.Config, logger *slog.Logger, version string) error {
	if err := os.MkdirAll(cfg.StateDir, 0o750); err != nil {
		return err
	}

	store, err := state.Open(cfg.StatePath(), logger)
	if err != nil {
		return err
	}
	owner, err := store.SeedOwner(cfg.OwnerChatID)
	if err != nil {
		return err
	}

	stats, err := statsdb.Open(cfg.StatsDBPath(), logger)
	if err != nil {
		return err
	}
	defer stats.Close()
	if err := stats.SetDaemonStartTime(time.Now()); err != nil {
		logger.Warn("failed to record daemon start time", "err", err)
	}

	relay := relayconf.Open(cfg.ConduitEnvPath)
	svc := service.NewSystemd(30*time.Second, logger)

	renderer := newRenderer(cfg, logger)
	metrics.RenderTier.WithLabelValues(renderer.Tier().String()).Set(1)

	bot, err := telegram.New(ctx, telegram.Options{
		Token:       cfg.BotToken,
		Endpoint:    cfg.TelegramAPIEndpoint,
		Timeout:     cfg.TelegramTimeout,
		PollTimeout: cfg.PollTimeout,
	}, logger)
	if err != nil {
		return err
	}

	pres := presenter.New(bot, store, owner, cfg.EditRetries, logger)

	var upd dispatcher.Updater
	if cfg.UpdateURL != "" {
		upd = newUpdater(cfg, svc, logger)
	}
	disp := dispatcher.New(dispatcher.Options{
		OwnerChatID:       owner,
		RelayUnit:         cfg.RelayUnit,
		ConfirmTTL:        cfg.ConfirmTTL,
		DedupWindow:       cfg.DedupWindow,
		StatusCooldown:    cfg.StatusCooldown,
		MaxClientsCeiling: cfg.MaxClientsCeiling,
		BandwidthCeiling:  cfg.BandwidthCeiling,
		Version:           version,
		ProjectURL:        projectURL,
	}, store, relay, svc, upd, pres, logger)

	diskPath := cfg.StateDir
	if rc, err := relay.Read(); err == nil && rc.DataDir != "" {
		diskPath = rc.DataDir
	}
	sched := scheduler.New(scheduler.Deps{
		Metrics:    conduit.NewClient(cfg.MetricsURL, cfg.MetricsTimeout),
		Renderer:   renderer,
		Chat:       bot,
		Presenter:  pres,
		Dispatcher: disp,
		Store:      store,
		Stats:      stats,
		Relay:      relay,
		Service:    svc,
		Host: func(ctx context.Context) (hoststats.Stats, error) {
			return hoststats.Collect(ctx, diskPath)
		},
		OwnerChatID:   owner,
		RelayUnit:     cfg.RelayUnit,
		Interval:      cfg.RefreshInterval,
		HeartbeatPath: cfg.HeartbeatPath(),
		Version:       version,
		Logger:        logger,
	})

	g, ctx := errgroup.WithContext(ctx)
	if addr := cfg.ObservabilityAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			logger.Info("starting observability server", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("observability server failed", "err", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error { return sched.Run(ctx) })

	err = g.Wait()
	logger.Info("bot stopped")
	return err
}

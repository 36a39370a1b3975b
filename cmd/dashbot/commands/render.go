package commands

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/blikh/easyconduit/internal/conduit"
	"github.com/blikh/easyconduit/internal/config"
	"github.com/blikh/easyconduit/internal/hoststats"
	"github.com/blikh/easyconduit/internal/relayconf"
	"github.com/blikh/easyconduit/internal/render"
	"github.com/blikh/easyconduit/internal/service"
	"github.com/blikh/easyconduit/internal/state"
	"github.com/blikh/easyconduit/internal/statsdb"
)

// Render draws the dashboard once from live data and writes the PNG to a
// file. The caption goes to stdout.
func Render(args []string, logger *slog.Logger, version string) {
	fs := flag.NewFlagSet("render", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultPath(), "path to runtime config")
	outPath := fs.String("out", "dashboard.png", "output PNG path")
	tier := fs.String("tier", "", "override RENDER_TIER (auto, rich, fallback)")
	fs.Parse(args)

	cfg, logger := loadConfig(*configPath, logger)
	if *tier != "" {
		cfg.RenderTier = *tier
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.MetricsTimeout+10*time.Second)
	defer cancel()

	in := render.Input{Version: version, Now: time.Now()}
	snap, err := conduit.NewClient(cfg.MetricsURL, cfg.MetricsTimeout).Fetch(ctx)
	if err != nil {
		logger.Warn("metrics fetch failed, using last good snapshot", "err", err)
		in.FailReason = conduit.ReasonOf(err)
		if st, err := state.Read(cfg.StatePath()); err == nil && st.LastGoodMetrics != nil {
			in.Snapshot, in.Stale = st.LastGoodMetrics, true
		}
	} else {
		in.Snapshot = snap
	}

	relay := relayconf.Open(cfg.ConduitEnvPath)
	if in.Limits, err = relay.Read(); err != nil {
		logger.Warn("relay config unreadable", "err", err)
	}
	in.RelayStatus = service.NewSystemd(10*time.Second, logger).Status(ctx, cfg.RelayUnit)
	diskPath := cfg.StateDir
	if in.Limits.DataDir != "" {
		diskPath = in.Limits.DataDir
	}
	if in.Host, err = hoststats.Collect(ctx, diskPath); err != nil {
		logger.Debug("host stats unavailable", "err", err)
	}
	if _, err := os.Stat(cfg.StatsDBPath()); err == nil {
		if db, err := statsdb.Open(cfg.StatsDBPath(), logger); err == nil {
			in.Totals, _ = db.Totals(in.Now)
			in.History, _ = db.History(statsdb.HistoryMax)
			db.Close()
		}
	}

	r := newRenderer(cfg, logger)
	caption, img, err := r.Render(in)
	fmt.Println(caption)
	if err != nil {
		logger.Error("render failed", "tier", r.Tier(), "err", err)
		os.Exit(1)
	}
	if err := os.WriteFile(*outPath, img, 0o644); err != nil {
		logger.Error("failed to write image", "path", *outPath, "err", err)
		os.Exit(1)
	}
	logger.Info("dashboard written", "path", *outPath, "tier", r.Tier(), "bytes", len(img))
}

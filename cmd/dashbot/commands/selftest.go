package commands

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/blikh/easyconduit/internal/conduit"
	"github.com/blikh/easyconduit/internal/config"
	"github.com/blikh/easyconduit/internal/relayconf"
	"github.com/blikh/easyconduit/internal/render"
	"github.com/blikh/easyconduit/internal/state"
	"github.com/blikh/easyconduit/internal/updater"
)

// SelfTest initialises everything the bot needs except the chat connection
// and reports readiness on stdout. A second poller on the same token would
// take updates away from the live bot, so Telegram is never contacted.
func SelfTest(args []string, logger *slog.Logger, version string) {
	flags := flag.NewFlagSet("selftest", flag.ExitOnError)
	configPath := flags.String("config", config.DefaultPath(), "path to runtime config")
	flags.Parse(args)

	cfg, logger := loadConfig(*configPath, logger)

	st, err := state.Read(cfg.StatePath())
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Error("selftest: state file unreadable", "err", err)
		os.Exit(1)
	}

	limits, err := relayconf.Open(cfg.ConduitEnvPath).Read()
	if err != nil {
		logger.Error("selftest: relay config unreadable", "err", err)
		os.Exit(1)
	}

	now := time.Now()
	snap := st.LastGoodMetrics
	if snap == nil {
		snap = &conduit.Snapshot{Live: true, FetchedAt: now}
	}
	r := newRenderer(cfg, logger)
	if _, _, err := r.Render(render.Input{Snapshot: snap, Limits: limits, Version: version, Now: now}); err != nil {
		logger.Error("selftest: render failed", "tier", r.Tier(), "err", err)
		os.Exit(1)
	}

	logger.Info("selftest: initialised", "version", version, "tier", r.Tier())
	fmt.Println(updater.ReadyMarker)
}

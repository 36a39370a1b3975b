package commands

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/blikh/easyconduit/internal/config"
	"github.com/blikh/easyconduit/internal/service"
	"github.com/blikh/easyconduit/internal/updater"
)

// Watchdog supervises the bot through its heartbeat file. When the heartbeat
// goes stale the previous executable is restored (if a backup exists) and the
// bot unit is restarted. With -interval 0 it checks once, for use from a
// systemd timer.
func Watchdog(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("watchdog", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultPath(), "path to runtime config")
	interval := fs.Duration("interval", 0, "check period; 0 checks once and exits")
	fs.Parse(args)

	cfg, logger := loadConfig(*configPath, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	svc := service.NewSystemd(30*time.Second, logger)
	w := &watchdog{
		heartbeat: cfg.HeartbeatPath(),
		stale:     cfg.HeartbeatStale,
		unit:      cfg.BotUnit,
		svc:       svc,
		rollback:  newUpdater(cfg, svc, logger).Rollback,
		logger:    logger,
	}

	if *interval <= 0 {
		w.check(ctx, time.Now())
		return
	}

	logger.Info("watchdog started", "heartbeat", w.heartbeat, "stale_after", w.stale, "interval", *interval)
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("watchdog stopped")
			return
		case <-ticker.C:
			w.check(ctx, time.Now())
		}
	}
}

type watchdog struct {
	heartbeat string
	stale     time.Duration
	unit      string
	svc       service.Controller
	rollback  func() error
	logger    *slog.Logger

	// Set after a recovery so a slow first refresh is not taken for another
	// hang.
	graceUntil time.Time
}

// check returns true when it took action.
func (w *watchdog) check(ctx context.Context, now time.Time) bool {
	if now.Before(w.graceUntil) {
		return false
	}
	age, err := heartbeatAge(w.heartbeat, now)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			w.logger.Info("no heartbeat yet", "path", w.heartbeat)
			return false
		}
		w.logger.Warn("heartbeat unreadable, treating as stale", "err", err)
	} else if age <= w.stale {
		w.logger.Debug("heartbeat fresh", "age", age)
		return false
	}

	w.logger.Warn("heartbeat stale, recovering bot", "age", age, "stale_after", w.stale)
	switch err := w.rollback(); {
	case err == nil:
		w.logger.Info("restored previous executable")
	case errors.Is(err, updater.ErrNoBackup):
		w.logger.Info("no backup executable, restarting current one")
	default:
		w.logger.Error("rollback failed", "err", err)
	}
	if err := w.svc.Restart(ctx, w.unit); err != nil {
		w.logger.Error("failed to restart bot", "unit", w.unit, "err", err)
	}
	w.graceUntil = now.Add(w.stale)
	return true
}

// heartbeatAge reads the unix timestamp written by the refresh loop.
func heartbeatAge(path string, now time.Time) (time.Duration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	sec, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing heartbeat %s: %w", path, err)
	}
	return now.Sub(time.Unix(sec, 0)), nil
}

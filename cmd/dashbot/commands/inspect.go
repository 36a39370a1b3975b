package commands

import (
	"errors"
	"flag"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/goccy/go-json"

	"github.com/blikh/easyconduit/internal/config"
	"github.com/blikh/easyconduit/internal/state"
	"github.com/blikh/easyconduit/internal/statsdb"
)

type inspectReport struct {
	State        *state.BotState        `json:"state,omitempty"`
	StateError   string                 `json:"state_error,omitempty"`
	DaemonStart  *time.Time             `json:"daemon_start,omitempty"`
	Totals       *statsdb.Totals        `json:"totals,omitempty"`
	ClientHours  float64                `json:"client_hours_today"`
	History      []statsdb.HistoryPoint `json:"history,omitempty"`
	StatsError   string                 `json:"stats_error,omitempty"`
	HeartbeatAge string                 `json:"heartbeat_age,omitempty"`
}

// Inspect prints the bot state and lifetime totals as JSON without touching
// the live process.
func Inspect(args []string, logger *slog.Logger) {
	flags := flag.NewFlagSet("inspect", flag.ExitOnError)
	configPath := flags.String("config", config.DefaultPath(), "path to runtime config")
	history := flags.Bool("history", false, "include the traffic history points")
	flags.Parse(args)

	cfg, logger := loadConfig(*configPath, logger)
	now := time.Now()

	var rep inspectReport
	if st, err := state.Read(cfg.StatePath()); err != nil {
		rep.StateError = err.Error()
	} else {
		rep.State = &st
	}

	if _, err := os.Stat(cfg.StatsDBPath()); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			rep.StatsError = err.Error()
		}
	} else if err := inspectStats(cfg.StatsDBPath(), now, *history, &rep, logger); err != nil {
		rep.StatsError = err.Error()
	}

	if age, err := heartbeatAge(cfg.HeartbeatPath(), now); err == nil {
		rep.HeartbeatAge = age.Round(time.Second).String()
	}

	out, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		logger.Error("failed to encode report", "err", err)
		os.Exit(1)
	}
	os.Stdout.Write(append(out, '\n'))
}

func inspectStats(path string, now time.Time, withHistory bool, rep *inspectReport, logger *slog.Logger) error {
	db, err := statsdb.Open(path, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	totals, err := db.Totals(now)
	if err != nil {
		return err
	}
	rep.Totals = &totals
	rep.ClientHours = totals.ClientHoursToday()

	if start, err := db.GetDaemonStartTime(); err == nil && !start.IsZero() {
		rep.DaemonStart = &start
	}
	if withHistory {
		if rep.History, err = db.History(statsdb.HistoryMax); err != nil {
			return err
		}
	}
	return nil
}

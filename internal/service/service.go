// Package service asks the host's service manager to act on units. It never
// manages processes itself.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusFailed   Status = "failed"
	StatusUnknown  Status = "unknown"
)

// Hint is the short operator-facing explanation shown next to a non-active
// relay.
func (s Status) Hint() string {
	switch s {
	case StatusInactive:
		return "inactive (stopped)"
	case StatusFailed:
		return "failed (check logs)"
	case StatusActive:
		return "active"
	default:
		return "unknown"
	}
}

// Controller is the relay lifecycle surface the dispatcher and updater use.
type Controller interface {
	Restart(ctx context.Context, unit string) error
	Stop(ctx context.Context, unit string) error
	Start(ctx context.Context, unit string) error
	Status(ctx context.Context, unit string) Status
	Reboot(ctx context.Context) error
}

// Runner executes a command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Systemd drives units through systemctl. Every call is bounded by Timeout.
type Systemd struct {
	Timeout time.Duration
	Run     Runner
	Logger  *slog.Logger
}

func NewSystemd(timeout time.Duration, logger *slog.Logger) *Systemd {
	return &Systemd{Timeout: timeout, Run: execRunner, Logger: logger}
}

func (s *Systemd) Restart(ctx context.Context, unit string) error {
	return s.systemctl(ctx, "restart", unit)
}

func (s *Systemd) Stop(ctx context.Context, unit string) error {
	return s.systemctl(ctx, "stop", unit)
}

func (s *Systemd) Start(ctx context.Context, unit string) error {
	return s.systemctl(ctx, "start", unit)
}

// Reboot asks systemd to reboot the host. It returns once the request is
// accepted.
func (s *Systemd) Reboot(ctx context.Context) error {
	return s.systemctl(ctx, "reboot")
}

// Status reports is-active output. systemctl exits non-zero for every state
// other than active, so the printed word is what matters.
func (s *Systemd) Status(ctx context.Context, unit string) Status {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	out, err := s.Run(ctx, "systemctl", "is-active", unit)
	word := strings.TrimSpace(string(out))
	switch word {
	case "active":
		return StatusActive
	case "inactive":
		return StatusInactive
	case "failed":
		return StatusFailed
	}
	if err != nil {
		s.Logger.Debug("service: is-active failed", "unit", unit, "err", err)
	}
	return StatusUnknown
}

func (s *Systemd) systemctl(ctx context.Context, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	s.Logger.Info("service: systemctl", "args", strings.Join(args, " "))
	out, err := s.Run(ctx, "systemctl", args...)
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg != "" {
			return fmt.Errorf("systemctl %s: %w: %s", strings.Join(args, " "), err, msg)
		}
		return fmt.Errorf("systemctl %s: %w", strings.Join(args, " "), err)
	}
	return nil
}

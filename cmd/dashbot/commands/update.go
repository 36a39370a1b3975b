package commands

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blikh/easyconduit/internal/config"
	"github.com/blikh/easyconduit/internal/service"
)

// Update runs one self-update from the shell, with the same pipeline as the
// Update button.
func Update(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("update", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultPath(), "path to runtime config")
	url := fs.String("url", "", "download URL (overrides UPDATE_URL)")
	fs.Parse(args)

	cfg, logger := loadConfig(*configPath, logger)
	if *url != "" {
		cfg.UpdateURL = *url
	}
	if cfg.UpdateURL == "" {
		fmt.Fprintln(os.Stderr, "error: no update URL; set UPDATE_URL or pass -url")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	upd := newUpdater(cfg, service.NewSystemd(30*time.Second, logger), logger)
	out := upd.Update(ctx)
	for _, s := range out.Steps {
		status := "ok"
		if s.Err != nil {
			status = s.Err.Error()
		}
		fmt.Printf("%-13s %-8s %s %s\n", s.Step, s.Took.Round(time.Millisecond), status, s.Detail)
	}
	fmt.Println(out.Summary())
	if !out.OK() {
		os.Exit(1)
	}
}

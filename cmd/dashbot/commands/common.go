package commands

import (
	"log/slog"
	"os"
	"runtime/debug"

	"github.com/blikh/easyconduit/internal/config"
	"github.com/blikh/easyconduit/internal/render"
	"github.com/blikh/easyconduit/internal/service"
	"github.com/blikh/easyconduit/internal/updater"
)

const (
	modulePath = "github.com/blikh/easyconduit"
	projectURL = "https://github.com/blikh/easyconduit"
)

// loadConfig loads the runtime config or exits. The returned logger honours
// LOG_LEVEL and LOG_FORMAT.
func loadConfig(path string, logger *slog.Logger) (*config.Config, *slog.Logger) {
	cfg, err := config.Load(path)
	if err != nil {
		logger.Error("failed to load config", "err", err, "path", path)
		os.Exit(1)
	}
	return cfg, cfg.NewLogger(os.Stdout)
}

func newRenderer(cfg *config.Config, logger *slog.Logger) *render.Renderer {
	pref, err := render.ParsePreference(cfg.RenderTier)
	if err != nil {
		logger.Warn("invalid render tier, probing", "err", err)
		pref = render.PreferAuto
	}
	return render.New(render.Probe(pref, logger), logger)
}

func newUpdater(cfg *config.Config, svc service.Controller, logger *slog.Logger) *updater.Updater {
	return updater.New(updater.Options{
		URL:             cfg.UpdateURL,
		SHA256URL:       cfg.UpdateSHA256URL,
		RelayBinaryURL:  cfg.RelayBinaryURL,
		RelayBinaryPath: cfg.RelayBinaryPath,
		Timeout:         cfg.UpdateTimeout,
		TestWindow:      cfg.UpdateTestWindow,
		TestEnv:         []string{config.PathEnv + "=" + cfg.Path},
		ModulePath:      modulePath,
		RelayUnit:       cfg.RelayUnit,
		BotUnit:         cfg.BotUnit,
	}, svc, logger)
}

func logBuildInfo(logger *slog.Logger) {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	var buildAttrs []any
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs", "vcs.revision", "vcs.time", "vcs.modified":
			buildAttrs = append(buildAttrs, s.Key, s.Value)
		}
	}
	if len(buildAttrs) > 0 {
		logger.Info("build info", buildAttrs...)
	}
}

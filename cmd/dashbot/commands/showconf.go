package commands

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/blikh/easyconduit/internal/config"
)

func ShowConf(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("showconf", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultPath(), "path to runtime config")
	fs.Parse(args)

	cfg, _ := loadConfig(*configPath, logger)

	out, err := yaml.Marshal(cfg.Redacted())
	if err != nil {
		logger.Error("failed to encode config", "err", err)
		os.Exit(1)
	}
	fmt.Printf("# %s\n", cfg.Path)
	os.Stdout.Write(out)
}

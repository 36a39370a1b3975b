package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/blikh/easyconduit/cmd/dashbot/commands"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		commands.Run(os.Args[2:], logger, version)
	case "selftest":
		commands.SelfTest(os.Args[2:], logger, version)
	case "update":
		commands.Update(os.Args[2:], logger)
	case "watchdog":
		commands.Watchdog(os.Args[2:], logger)
	case "showconf":
		commands.ShowConf(os.Args[2:], logger)
	case "inspect":
		commands.Inspect(os.Args[2:], logger)
	case "render":
		commands.Render(os.Args[2:], logger, version)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: dashbot <command> [options]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  run        Start the Telegram dashboard bot")
	fmt.Fprintln(os.Stderr, "  selftest   Start in isolation and report readiness (used by update)")
	fmt.Fprintln(os.Stderr, "  update     Download, test and install a new bot binary")
	fmt.Fprintln(os.Stderr, "  watchdog   Roll back and restart the bot when its heartbeat is stale")
	fmt.Fprintln(os.Stderr, "  showconf   Print the effective config with secrets redacted")
	fmt.Fprintln(os.Stderr, "  inspect    Print the bot state and lifetime traffic totals")
	fmt.Fprintln(os.Stderr, "  render     Write the current dashboard image to a file")
	fmt.Fprintln(os.Stderr, "  version    Print the build version")
}

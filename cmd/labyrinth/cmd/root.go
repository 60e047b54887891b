// Package cmd provides the CLI commands for LABYRINTH.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/DaxxSec/labyrinth/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "labyrinth",
	Short: "LABYRINTH - multi-layer deception environment for autonomous agents",
	Long: `LABYRINTH traps autonomous AI agents in a maze of progressively
contradictory containers while harvesting forensic intelligence about
the agent and its operator.

The system runs as two cooperating processes:

  labyrinth start    The orchestration engine: correlates portal auth
                     events with sessions, spawns and escalates session
                     containers, maintains routing maps, and serves the
                     private control API.

  labyrinth proxy    The L4 interception proxy: terminates TLS for AI
                     API domains, harvests credentials and prompts, and
                     rewrites system prompts per the active mode.

Configuration:
  Config is loaded from labyrinth.yaml in the current directory,
  $HOME/.labyrinth/, /etc/labyrinth/, or /app/configs/.

  Environment variables override config values with the LABYRINTH_ prefix.
  Example: LABYRINTH_LAYER2_MAX_CONTAINER_DEPTH=7

Commands:
  start       Start the orchestration engine
  proxy       Start the interception proxy
  mode        Get or set the live interception mode
  reset       Remove session containers and replayable forensic streams
  hash-token  Generate an argon2id hash for the control API token
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./labyrinth.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}

// newLogger builds the process logger from server config. Text goes through
// tint when stderr is a terminal; json is for log shippers.
func newLogger(cfg *config.Config) *slog.Logger {
	level := parseLogLevel(cfg.Server.LogLevel)

	var handler slog.Handler
	switch {
	case cfg.Server.LogFormat == "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	case stderrIsTerminal():
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: level})
	default:
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func stderrIsTerminal() bool {
	info, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/corey/logglance/internal/config"
)

var (
	configPath string
	logLevel   string
)

// cfg is the effective configuration, loaded before any subcommand runs.
var cfg config.Config

var rootCmd = &cobra.Command{
	Use:   "logglance",
	Short: "LogGlance: follow and search log files of any encoding",
	Long:  "Indexes log files by line, follows growth, truncation and rotation, and searches them incrementally.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if logLevel != "" {
			loaded.LogLevel = strings.ToLower(logLevel)
			if err := loaded.Validate(); err != nil {
				return err
			}
		}
		cfg = loaded
		slog.SetDefault(newLogger(cfg.LogLevel))
		return nil
	},
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// Execute runs the root command.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil && GrepExitCode(err) < 0 {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	return err
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "Config file (default "+config.DefaultPath()+")")
	pf.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	rootCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(grepCmd)
	rootCmd.AddCommand(detectCmd)
	rootCmd.AddCommand(encodingsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(stateCmd)
}

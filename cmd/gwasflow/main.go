// Package main is the entrypoint for the gwasflow server and CLI.
package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "gwasflow",
	Short:         "Two-phase GWAS workflow orchestrator",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(keysCmd)
}

func main() {
	slog.SetDefault(newLogger(os.Stdout, slog.LevelInfo))

	if err := rootCmd.Execute(); err != nil {
		slog.Error("gwasflow failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

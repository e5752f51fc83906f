// Package main is the entry point for the badgehub CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/badgehub/badgehub-core/internal/logging"
)

var (
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "badgehub",
	Short: "Open Badges issuing and verification core",
	Long: `badgehub issues, bakes, verifies and imports Open Badges.

It publishes hosted badge documents in every supported OBI version, bakes
them into PNG and SVG images, and resolves badges submitted by earners
into validated, importable graphs.`,
	SilenceUsage: true,
}

func newLogger() (*zap.Logger, error) {
	return logging.New(logLevel, logFormat)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", logging.FormatConsole, "Log format (json, console)")
}

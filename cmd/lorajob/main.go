package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:          "lorajob",
	Short:        "Brand adapter training and image generation jobs.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level: debug, info, warn or error")

	cobra.OnInitialize(func() {
		setupLog(logLevel)
	})

	rootCmd.AddCommand(generateCmd, trainCmd, placeholderCmd)
}

func setupLog(lvl string) {
	level := slog.LevelInfo.Level()
	if err := level.UnmarshalText([]byte(lvl)); err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q, using INFO\n", lvl)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("job failed", "error", err)
		os.Exit(1)
	}
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/neuroialab/neuroia/config"
	"github.com/neuroialab/neuroia/internal/logging"
	"github.com/neuroialab/neuroia/internal/server"
)

func main() {
	var root = &cobra.Command{
		Use:           "neuroia",
		Short:         "NeuroIA Lab chat gateway",
		Version:       server.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(serveCMD(), migrateCMD(), sweepCMD())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	logger, err := logging.New(cfg.General.LogLevel, cfg.General.Debug)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	return logger.With(zap.String("env", cfg.General.Environment)), nil
}

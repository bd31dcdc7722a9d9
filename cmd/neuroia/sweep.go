package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/neuroialab/neuroia/config"
	srv "github.com/neuroialab/neuroia/internal/server"
)

// sweepCMD expires lapsed subscriptions once, for use from an external cron.
func sweepCMD() *cobra.Command {
	var cfgPath string
	var sweep = &cobra.Command{
		Use:   "sweep",
		Short: "Expire lapsed subscriptions once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadStorage(cfgPath)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			res, err := srv.SweepOnce(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "expired %d subscriptions, %d packages, %d institution subscriptions\n",
				res.Subscriptions, res.Packages, res.Institutions)
			return nil
		},
	}
	sweep.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")
	return sweep
}

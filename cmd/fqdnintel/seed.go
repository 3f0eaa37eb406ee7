package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/fqdn-intel/internal/clock"
	"github.com/JakeFAU/fqdn-intel/internal/server"
)

func newSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Create the bootstrap categories, feeds and policies",
		Long: `Applies bootstrap.seed_path (or the built-in seed) to the configured
store. Existing rows are left alone, so running it twice is harmless.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			store, err := server.OpenStore(cmd.Context(), e.cfg, clock.System{}, e.logger)
			if err != nil {
				return err
			}
			defer store.Close()
			res, err := server.Seed(cmd.Context(), e.cfg, store, e.logger)
			if err != nil {
				return err
			}
			e.logger.Info("seed applied",
				zap.Int("categories", res.Categories),
				zap.Int("feeds", res.Feeds),
				zap.Int("policies", res.Policies),
			)
			fmt.Fprintf(cmd.OutOrStdout(), "created %d categories, %d feeds, %d policies\n", res.Categories, res.Feeds, res.Policies)
			return nil
		},
	}
}

package main

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/fqdn-intel/internal/server"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			return server.Migrate(cmd.Context(), e.cfg, e.logger)
		},
	}
}

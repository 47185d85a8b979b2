package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxfill/internal/app"
	"github.com/drfirst/go-rxfill/internal/inventory"
)

func seedCatalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed-catalog",
		Short: "Load inventory records from a CSV file",
		Long: "Reads id,name,generic_name,quantity_on_hand,unit_price,unit,category rows " +
			"and inserts or updates the matching inventory entries.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()

			path, _ := cmd.Flags().GetString("file")
			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("open catalog file: %w", err)
			}
			defer f.Close()

			entries, err := inventory.ParseCSV(f)
			if err != nil {
				return err
			}

			rt, err := app.Open(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			n, err := rt.Writer.Upsert(cmd.Context(), entries)
			if err != nil {
				return err
			}
			logger.Info("catalog seeded", zap.String("file", path), zap.Int("entries", n))
			return nil
		},
	}
	cmd.Flags().String("file", "catalog.csv", "CSV file with a header row")
	return cmd
}

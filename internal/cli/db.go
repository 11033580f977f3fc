package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/argus/internal/ledger"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Ledger database management",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply ledger schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		// Open applies the schema.
		l, err := ledger.Open(cmd.Context(), cfg.Database.Driver, cfg.Database.DSN)
		if err != nil {
			return err
		}
		defer l.Close()
		fmt.Fprintf(cmd.OutOrStdout(), "Ledger schema is up to date (%s).\n", cfg.Database.Driver)
		return nil
	},
}

var dbResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop and recreate the ledger (destructive, SQLite only)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			return fmt.Errorf("refusing to reset without --yes")
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		l, err := ledger.Open(cmd.Context(), cfg.Database.Driver, cfg.Database.DSN)
		if err != nil {
			return err
		}
		defer l.Close()

		r, ok := l.(interface{ Reset(context.Context) error })
		if !ok {
			return fmt.Errorf("reset is not supported for driver %q", cfg.Database.Driver)
		}
		if err := r.Reset(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Ledger reset.")
		return nil
	},
}

func init() {
	dbResetCmd.Flags().Bool("yes", false, "confirm the reset")
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbResetCmd)
}

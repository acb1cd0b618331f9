package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"lendhelper/config"
	"lendhelper/services/helperd/receipts"
)

// exportCmd reads the receipt database directly, so it runs next to helperd
// rather than through the API.
func exportCmd() *cobra.Command {
	var driver, dsn, out, caller, operation, status, before string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export receipts to a Parquet file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dsn == "" {
				dsn = envOr(config.EnvDSN, "")
			}
			if dsn == "" {
				return fmt.Errorf("--dsn or %s required", config.EnvDSN)
			}
			filter := receipts.Filter{Caller: caller, Operation: operation, Status: status}
			if before != "" {
				ts, err := time.Parse(time.RFC3339, before)
				if err != nil {
					return fmt.Errorf("--before: %w", err)
				}
				filter.Before = ts
			}
			store, err := receipts.Open(driver, dsn)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
			defer cancel()
			n, err := store.ExportParquet(ctx, out, filter)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), printer.Sprintf("exported %d receipts to %s", n, out))
			return nil
		},
	}
	cmd.Flags().StringVar(&driver, "driver", "sqlite", "receipt store driver: sqlite or postgres")
	cmd.Flags().StringVar(&dsn, "dsn", "", "receipt store DSN (default $"+config.EnvDSN+")")
	cmd.Flags().StringVar(&out, "out", "receipts.parquet", "output file")
	cmd.Flags().StringVar(&caller, "caller", "", "only this caller")
	cmd.Flags().StringVar(&operation, "operation", "", "only this operation")
	cmd.Flags().StringVar(&status, "status", "", "settled or reverted")
	cmd.Flags().StringVar(&before, "before", "", "only receipts created before this RFC3339 time")
	return cmd
}

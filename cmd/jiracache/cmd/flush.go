package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newFlushCmd() *cobra.Command {
	var everything bool

	cmd := &cobra.Command{
		Use:   "flush",
		Short: "Delete the index",
		Long: `Delete every key under the configured prefix.

With --everything the whole Redis database is flushed instead, which is what
a full resync does.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(configFrom(cmd.Context()), nil)
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			if err := a.store.Flush(cmd.Context(), everything); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "flushed")
			return nil
		},
	}

	cmd.Flags().BoolVar(&everything, "everything", false, "Flush the whole Redis database")
	return cmd
}

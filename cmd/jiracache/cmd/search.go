package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jhgg/jeev-jiracache/internal/index"
	"github.com/jhgg/jeev-jiracache/internal/issue"
)

type searchOptions struct {
	limit     int
	full      bool
	byKey     bool
	autoboost bool
}

func newSearchCmd() *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the index",
		Long: `Search the index by phrase, or by issue key prefix with --key.

Results are printed one JSON document per line, best match first.

Examples:
  jiracache search fix login
  jiracache search --key PROJ-12 --limit 5
  jiracache search --full "release blocker"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(configFrom(cmd.Context()), nil)
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			query := strings.Join(args, " ")
			kind := issue.KindOf(opts.full)
			var results []json.RawMessage
			if opts.byKey {
				results, err = a.store.SearchByKey(cmd.Context(), strings.ToLower(query), kind, opts.limit)
			} else {
				results, err = a.store.Search(cmd.Context(), query, index.SearchOptions{
					Limit:     opts.limit,
					AutoBoost: opts.autoboost,
					Kind:      kind,
				})
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, r := range results {
				fmt.Fprintln(out, string(r))
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 50, "Maximum number of results")
	cmd.Flags().BoolVar(&opts.full, "full", false, "Print full upstream payloads instead of projections")
	cmd.Flags().BoolVarP(&opts.byKey, "key", "k", false, "Treat the query as an issue key prefix")
	cmd.Flags().BoolVar(&opts.autoboost, "autoboost", false, "Apply stored boosts to the ranking")

	return cmd
}

func newGetCmd() *cobra.Command {
	var full bool

	cmd := &cobra.Command{
		Use:   "get <KEY>",
		Short: "Print one stored issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(configFrom(cmd.Context()), nil)
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			doc, err := a.store.GetByKey(cmd.Context(), args[0], issue.KindOf(full))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(doc))
			return nil
		},
	}

	cmd.Flags().BoolVar(&full, "full", false, "Print the full upstream payload")
	return cmd
}

package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/jhgg/jeev-jiracache/internal/history"
	"github.com/jhgg/jeev-jiracache/internal/syncer"
	"github.com/jhgg/jeev-jiracache/pkg/config"
	"github.com/jhgg/jeev-jiracache/pkg/postgres"
)

func newResyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resync",
		Short: "Rebuild the index from upstream",
		Long: `Flush Redis and re-index every upstream issue matching sync.jql, page
by page. Progress is printed after each page and, when postgres is
configured, the run is recorded in resync_runs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := configFrom(cmd.Context())
			a, err := openApp(cfg, nil)
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			d, err := a.driver()
			if err != nil {
				return err
			}

			reporters := syncer.MultiReporter{printReporter{cmd.OutOrStdout()}}
			hist, pg, err := openHistory(cmd.Context(), cfg.Postgres)
			if err != nil {
				slog.Warn("resync history unavailable", "error", err)
			}
			if pg != nil {
				defer pg.Close()
				reporters = append(reporters, hist)
			}

			_, err = d.Resync(cmd.Context(), reporters)
			return err
		},
	}
	return cmd
}

// openHistory connects to postgres when it is configured. Both results are
// nil when it is not or when connecting failed.
func openHistory(ctx context.Context, cfg config.PostgresConfig) (*history.Store, *postgres.Client, error) {
	if cfg.Host == "" {
		return nil, nil, nil
	}
	pg, err := postgres.New(cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := history.Migrate(ctx, pg); err != nil {
		pg.Close()
		return nil, nil, err
	}
	return history.NewStore(pg.DB), pg, nil
}

// printReporter writes resync progress for a terminal.
type printReporter struct {
	w io.Writer
}

func (p printReporter) Started(context.Context) {
	fmt.Fprintln(p.w, "Starting jiracache cache sync.")
}

func (p printReporter) Progress(_ context.Context, count int) {
	fmt.Fprintf(p.w, "Synced %d issues so far.\n", count)
}

func (p printReporter) Done(_ context.Context, count int) {
	fmt.Fprintf(p.w, "Done syncing! %d issues indexed.\n", count)
}

func (p printReporter) Failed(_ context.Context, count int, err error) {
	fmt.Fprintf(p.w, "An error happened after %d issues! %v\n", count, err)
}

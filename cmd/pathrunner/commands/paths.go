package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/pathrunner/pkg/engine"
)

func newPathsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "paths",
		Short: "List configured paths and their circuit state",
		Long: `List the configured paths in the order they are tried.

When a store with warm_start is configured, circuit state is restored from the
persisted attempts, so this shows what a freshly started pathrunner would skip.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := openApp(ctx, true)
			if err != nil {
				return err
			}
			defer app.Close(context.WithoutCancel(ctx))

			type pathRow struct {
				engine.PathDescriptor
				Health engine.HealthState `json:"health"`
			}

			tracker := app.Orchestrator.HealthTracker()
			paths := app.Orchestrator.Paths()
			rows := make([]pathRow, len(paths))
			for i, p := range paths {
				rows[i] = pathRow{PathDescriptor: p, Health: tracker.State(p.Name)}
			}

			if jsonOutput {
				return printJSON(out(cmd), rows)
			}

			table := make([][]string, len(rows))
			for i, r := range rows {
				table[i] = []string{
					r.Name,
					r.Kind,
					fmt.Sprint(r.Priority),
					r.Timeout.String(),
					string(r.Health.State),
					fmt.Sprint(r.Health.ConsecutiveFailures),
					fmt.Sprintf("%.2f", r.Health.FailureRate),
				}
			}
			return printTable(out(cmd),
				[]string{"NAME", "KIND", "PRIORITY", "TIMEOUT", "CIRCUIT", "FAILURES", "RATE"}, table)
		},
	}
	return cmd
}

// sinceFlag turns a --since duration into a lower time bound.
func sinceFlag(d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return time.Now().Add(-d)
}

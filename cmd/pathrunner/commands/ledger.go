package commands

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/pathrunner/pkg/engine"
	"github.com/openfroyo/pathrunner/pkg/stores"
)

func newLedgerCommand() *cobra.Command {
	var (
		correlationID string
		path          string
		since         time.Duration
		limit         int
	)

	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Show persisted attempt records",
		Long:  `Show attempt records from the store, oldest first.`,
		Example: `  # Every attempt of one execution
  pathrunner ledger --correlation-id 6f1c...

  # Recent attempts on a path
  pathrunner ledger --path remote --since 1h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.ListAttempts(cmd.Context(), stores.AttemptQuery{
				CorrelationID: correlationID,
				PathName:      path,
				Since:         sinceFlag(since),
				Limit:         limit,
			})
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(out(cmd), records)
			}
			return printLedger(cmd, records)
		},
	}

	cmd.Flags().StringVar(&correlationID, "correlation-id", "", "only attempts of this execution")
	cmd.Flags().StringVar(&path, "path", "", "only attempts on this path")
	cmd.Flags().DurationVar(&since, "since", 0, "only attempts started within this duration")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of records (0 for all)")

	return cmd
}

func printLedger(cmd *cobra.Command, records []engine.AttemptRecord) error {
	rows := make([][]string, len(records))
	for i, r := range records {
		rows[i] = []string{
			formatTime(r.StartTime),
			r.CorrelationID,
			r.ActionName,
			r.PathName,
			string(r.Outcome.Status),
			string(r.Outcome.Kind),
			r.Duration.Round(time.Millisecond).String(),
		}
	}
	return printTable(out(cmd),
		[]string{"STARTED", "CORRELATION ID", "ACTION", "PATH", "STATUS", "KIND", "DURATION"}, rows)
}

package commands

import (
	"fmt"
	"os/user"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/pathrunner/pkg/stores"
)

func newEscalationsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "escalations",
		Aliases: []string{"esc"},
		Short:   "Inspect and acknowledge escalations",
		Long: `Escalations are actions no path could complete. They are kept by the
store sink until someone acknowledges them.`,
	}

	cmd.AddCommand(newEscalationsListCommand())
	cmd.AddCommand(newEscalationsShowCommand())
	cmd.AddCommand(newEscalationsAckCommand())

	return cmd
}

func newEscalationsListCommand() *cobra.Command {
	var (
		all   bool
		limit int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List escalations, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			escalations, err := store.ListEscalations(cmd.Context(), stores.EscalationQuery{
				PendingOnly: !all,
				Limit:       limit,
			})
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(out(cmd), escalations)
			}

			rows := make([][]string, len(escalations))
			for i, e := range escalations {
				acked := "-"
				if e.AcknowledgedBy != nil {
					acked = *e.AcknowledgedBy
				}
				rows[i] = []string{
					e.Record.ID,
					formatTime(e.Record.CreatedAt),
					e.Record.Action.Name,
					fmt.Sprint(len(e.Record.Attempts)),
					fmt.Sprint(len(e.Record.SkippedPaths)),
					acked,
				}
			}
			return printTable(out(cmd),
				[]string{"ID", "CREATED", "ACTION", "ATTEMPTS", "SKIPPED", "ACKNOWLEDGED BY"}, rows)
		},
	}

	cmd.Flags().BoolVarP(&all, "all", "a", false, "include acknowledged escalations")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of escalations")

	return cmd
}

func newEscalationsShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an escalation with its attempt history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			esc, err := store.GetEscalation(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(out(cmd), esc)
			}

			w := out(cmd)
			fmt.Fprintf(w, "ID:             %s\n", esc.Record.ID)
			fmt.Fprintf(w, "Correlation ID: %s\n", esc.Record.CorrelationID)
			fmt.Fprintf(w, "Action:         %s\n", esc.Record.Action.Name)
			fmt.Fprintf(w, "Created:        %s\n", formatTime(esc.Record.CreatedAt))
			if esc.AcknowledgedAt != nil && esc.AcknowledgedBy != nil {
				fmt.Fprintf(w, "Acknowledged:   %s by %s\n", formatTime(*esc.AcknowledgedAt), *esc.AcknowledgedBy)
			}
			if len(esc.Record.Action.Params) > 0 {
				fmt.Fprintln(w, "Params:")
				if err := printJSON(w, esc.Record.Action.Params); err != nil {
					return err
				}
			}
			fmt.Fprintln(w)
			return printAttempts(cmd, esc.Record.Attempts)
		},
	}
}

func newEscalationsAckCommand() *cobra.Command {
	var actor string

	cmd := &cobra.Command{
		Use:   "ack <id>",
		Short: "Acknowledge an escalation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				if u, err := user.Current(); err == nil {
					actor = u.Username
				} else {
					return fmt.Errorf("--actor is required")
				}
			}

			store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			id := args[0]
			now := time.Now().UTC()
			if err := store.AcknowledgeEscalation(cmd.Context(), id, actor, now); err != nil {
				return err
			}
			if err := store.CreateAuditEntry(cmd.Context(), &stores.AuditEntry{
				Action:    "escalation.acknowledged",
				Actor:     actor,
				TargetID:  &id,
				Timestamp: now,
			}); err != nil {
				return err
			}

			fmt.Fprintf(out(cmd), "Escalation %s acknowledged by %s\n", id, actor)
			return nil
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "", "who is acknowledging (default: current user)")

	return cmd
}

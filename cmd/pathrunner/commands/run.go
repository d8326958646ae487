package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/pathrunner/pkg/engine"
)

func newRunCommand() *cobra.Command {
	var (
		params        []string
		paramsJSON    string
		correlationID string
		timeout       time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run <action>",
		Short: "Execute an action once",
		Long: `Execute an action through the configured paths and print the result.

Paths are tried in priority order until one succeeds. If every eligible path
fails, the action is escalated to the configured sinks and the command exits
with an error.`,
		Example: `  # Run an action
  pathrunner run restart.web --param service=nginx

  # Pass structured parameters
  pathrunner run deploy --params '{"version": "1.2.3", "replicas": 3}'

  # Bound the whole execution
  pathrunner run backup.db --timeout 2m --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			action := engine.Action{Name: args[0], CorrelationID: correlationID}

			var err error
			if action.Params, err = parseParams(paramsJSON, params); err != nil {
				return err
			}

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			app, err := openApp(ctx, true)
			if err != nil {
				return err
			}
			defer app.Close(context.WithoutCancel(ctx))

			result, err := app.Execute(ctx, action)
			if result != nil {
				if perr := printResult(cmd, result); perr != nil {
					return perr
				}
			}
			if err != nil {
				return err
			}
			if result.Status == engine.ExecutionEscalated {
				return fmt.Errorf("action %s escalated (escalation %s)", action.Name, result.Escalation.ID)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&params, "param", "p", nil, "action parameter (key=value), may be repeated")
	cmd.Flags().StringVar(&paramsJSON, "params", "", "action parameters as a JSON object")
	cmd.Flags().StringVar(&correlationID, "correlation-id", "", "correlation id (generated when empty)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "overall execution deadline")

	return cmd
}

// parseParams merges a JSON object with key=value pairs. Pair values that
// parse as JSON scalars keep their type.
func parseParams(raw string, pairs []string) (map[string]interface{}, error) {
	params := map[string]interface{}{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &params); err != nil {
			return nil, fmt.Errorf("--params must be a JSON object: %w", err)
		}
	}

	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q, expected key=value", pair)
		}
		params[key] = scalar(value)
	}

	if len(params) == 0 {
		return nil, nil
	}
	return params, nil
}

func scalar(s string) interface{} {
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func printResult(cmd *cobra.Command, result *engine.Result) error {
	w := out(cmd)
	if jsonOutput {
		return printJSON(w, result)
	}

	fmt.Fprintf(w, "Correlation ID: %s\n", result.CorrelationID)
	fmt.Fprintf(w, "Status:         %s\n", result.Status)
	if result.PathUsed != "" {
		fmt.Fprintf(w, "Path used:      %s\n", result.PathUsed)
	}
	if len(result.SkippedPaths) > 0 {
		fmt.Fprintf(w, "Skipped:        %s\n", strings.Join(result.SkippedPaths, ", "))
	}
	if result.Escalation != nil {
		fmt.Fprintf(w, "Escalation:     %s\n", result.Escalation.ID)
	}
	if result.EscalationError != "" {
		fmt.Fprintf(w, "Sink error:     %s\n", result.EscalationError)
	}
	fmt.Fprintf(w, "Duration:       %s\n\n", result.Duration.Round(time.Millisecond))

	if err := printAttempts(cmd, result.Attempts); err != nil {
		return err
	}
	if len(result.Output) > 0 {
		fmt.Fprintln(w, "\nOutput:")
		return printJSON(w, result.Output)
	}
	return nil
}

func printAttempts(cmd *cobra.Command, attempts []engine.AttemptRecord) error {
	rows := make([][]string, len(attempts))
	for i, a := range attempts {
		rows[i] = []string{
			a.PathName,
			string(a.Outcome.Status),
			string(a.Outcome.Kind),
			a.Duration.Round(time.Millisecond).String(),
			a.Outcome.Message,
		}
	}
	return printTable(out(cmd), []string{"PATH", "STATUS", "KIND", "DURATION", "MESSAGE"}, rows)
}

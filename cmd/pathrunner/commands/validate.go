package commands

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/pathrunner/pkg/config"
	"github.com/openfroyo/pathrunner/pkg/policy"
)

func newValidateCommand() *cobra.Command {
	var printSchema bool

	cmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate a configuration file",
		Long: `Validate a configuration file without starting anything.

This command checks:
  - CUE, YAML or JSON syntax
  - Schema conformance
  - Path and sink settings (durations, kinds, required blocks)
  - Circuit breaker parameters
  - Custom Rego policies referenced by policy.paths`,
		Example: `  # Validate the default configuration
  pathrunner validate

  # Validate a specific file
  pathrunner validate ./deploy/pathrunner.yaml

  # Show the schema configurations are checked against
  pathrunner validate --print-schema`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if printSchema {
				_, err := fmt.Fprint(out(cmd), config.Schema+"\n")
				return err
			}

			path := configPath
			if len(args) > 0 {
				path = args[0]
			}
			log.Debug().Str("path", path).Msg("Validating configuration")

			parser, err := config.NewParser()
			if err != nil {
				return err
			}
			cfg, err := parser.Load(path)
			if err != nil {
				var verrs config.Errors
				if errors.As(err, &verrs) {
					for _, v := range verrs {
						fmt.Fprintf(cmd.ErrOrStderr(), "  %s\n", describe(v))
					}
					return fmt.Errorf("%s: %d validation error(s)", path, len(verrs))
				}
				return err
			}

			if _, err := cfg.PathSpecs(); err != nil {
				return err
			}
			if _, err := cfg.Breaker(); err != nil {
				return err
			}

			policies := 0
			if cfg.PolicyEnabled() && len(cfg.Policy.Paths) > 0 {
				engine, err := policy.NewEngine(log.Logger)
				if err != nil {
					return err
				}
				if err := engine.LoadPolicies(cmd.Context(), cfg.Policy.Paths); err != nil {
					return fmt.Errorf("policies: %w", err)
				}
				policies = len(engine.ListPolicies())
			}

			fmt.Fprintf(out(cmd), "%s is valid: %d path(s), %d sink(s)", path, len(cfg.Paths), len(cfg.Escalation.Sinks))
			if policies > 0 {
				fmt.Fprintf(out(cmd), ", %d policies", policies)
			}
			fmt.Fprintln(out(cmd))
			return nil
		},
	}

	cmd.Flags().BoolVar(&printSchema, "print-schema", false, "print the configuration schema and exit")

	return cmd
}

func describe(v config.ValidationError) string {
	switch {
	case v.Line > 0:
		return fmt.Sprintf("%s:%d:%d: %s", v.File, v.Line, v.Column, v.Message)
	case v.Path != "":
		return fmt.Sprintf("%s: %s", v.Path, v.Message)
	default:
		return v.Message
	}
}

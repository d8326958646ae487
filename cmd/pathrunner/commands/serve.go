package commands

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/pathrunner/pkg/api"
)

func newServeCommand() *cobra.Command {
	var (
		listen string
		watch  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Start a long-running pathrunner that accepts actions over HTTP.

With --watch, edits to the configuration file replace the path list without
a restart, and edits to policy files reload the admission policies. Invalid
revisions are logged and ignored.`,
		Example: `  # Serve on the configured address
  pathrunner serve

  # Serve on a specific address and hot-reload the configuration
  pathrunner serve --listen :9090 --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			app, err := openApp(ctx, false)
			if err != nil {
				return err
			}
			defer app.Close(context.WithoutCancel(ctx))

			if err := app.Metrics.StartMetricsServer(ctx); err != nil {
				return err
			}
			if watch {
				if err := app.Watch(ctx); err != nil {
					return err
				}
				log.Info().Str("config", configPath).Msg("Watching configuration for changes")
			}

			addr := listen
			if addr == "" {
				addr = app.Config().API.ListenAddress
			}
			return api.NewServer(app, version).Run(ctx, addr)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default from api.listen_address, then "+api.DefaultListenAddress+")")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "reload configuration and policies on change")

	return cmd
}

package commands

import (
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Sumatoshi-tech/linetrace/pkg/api"
	"github.com/Sumatoshi-tech/linetrace/pkg/observability"
)

// NewServeCommand creates the serve command.
func NewServeCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the read API and the GitHub webhook receiver",
		Long: `Serve the HTTP read API and receive GitHub pull_request webhooks.

Routes:
  GET  /pullRequest/{id}             survival analysis of a pull request
  GET  /pullRequest/{id}/files       per-file survival details
  GET  /pullRequest/{id}/history     lifecycle events
  GET  /pullRequest/{id}/fresh       whether stored analyses match the current head
  GET  /pullRequest/{id}/snapshots   stored analyses of one file (?path=)
  GET  /report/{id}/compute          report aggregation (?statuses=)
  POST /webhooks/github              pull_request webhook deliveries
  GET  /healthz, /readyz, /metrics`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd, observability.ModeServe)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()

			src, err := a.defaultSource(ctx)
			if err != nil {
				return err
			}

			err = a.startEngine(src)
			if err != nil {
				return err
			}

			if addr == "" {
				addr = a.cfg.Server.Addr()
			}

			srv := api.New(a.engine,
				api.WithLogger(a.logger()),
				api.WithTracer(a.providers.Tracer),
				api.WithREDMetrics(a.red),
				api.WithMetricsHandler(a.providers.MetricsHandler),
			)

			g, ctx := errgroup.WithContext(ctx)

			g.Go(func() error {
				return a.engine.Run(ctx)
			})

			g.Go(func() error {
				a.engine.RunRetention(ctx, a.cfg.Snapshot.Retention, a.cfg.Snapshot.RetentionInterval)

				return nil
			})

			g.Go(func() error {
				return srv.ListenAndServe(ctx, addr)
			})

			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: server.host:server.port)")

	return cmd
}

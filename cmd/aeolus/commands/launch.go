package commands

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/aeolus-run/aeolus/pkg/engine"
	"github.com/aeolus-run/aeolus/pkg/telemetry"
)

func newLaunchCommand(opts *options) *cobra.Command {
	var (
		metricsAddr   string
		traceExporter string
		traceEndpoint string
	)

	cmd := &cobra.Command{
		Use:   "launch",
		Short: "Run the job, skipping stages already in storage",
		Long: `Provision the executor, then run every stage of the job in order.

A stage whose artifacts are already in storage for the same command and
configuration is pulled instead of run. Progress is printed to stdout:

  [executor] <address>
  [job <id>] starting
  [step <id>] start | in storage
  [step <id>] done
  [job <id>] done`,
		Example: `  # Run a job defined in two files
  aeolus -c backends.yaml -c job.yaml launch

  # Override the job id inline and expose metrics
  aeolus -c backends.yaml -c stages.yaml -j '{"config": {"__id__": "nightly"}}' launch --metrics-addr :9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			cfg := telemetry.DefaultConfig()
			cfg.Logging = opts.logging
			cfg.Metrics.Enabled = metricsAddr != ""
			cfg.Metrics.ListenAddress = metricsAddr
			cfg.Tracing.Enabled = traceExporter != "none"
			cfg.Tracing.Exporter = traceExporter
			cfg.Tracing.Endpoint = traceEndpoint

			// Every line logged by this launch carries its id.
			launchID := uuid.NewString()
			tel, err := telemetry.NewTelemetry(cfg, telemetry.FromContext(ctx).WithLaunchID(launchID))
			if err != nil {
				return err
			}
			logger := tel.Logger.Zerolog()
			defer func() {
				// The run context may already be cancelled.
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				if err := tel.Shutdown(shutdownCtx); err != nil {
					logger.Warn().Err(err).Msg("Telemetry shutdown failed")
				}
			}()

			if addr, err := tel.Metrics.StartMetricsServer(); err != nil {
				return err
			} else if addr != "" {
				logger.Info().Str("address", addr).Msg("Serving metrics")
			}

			ctx = tel.WithContext(ctx)
			cmd.SetContext(ctx)
			logger.Debug().Msg("Launch requested")

			orch, release, err := opts.orchestrator(cmd, true, engine.WithMetrics(tel.Metrics), engine.WithTracer(tel.Tracer))
			if err != nil {
				return err
			}
			defer release()

			return orch.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address during the run")
	cmd.Flags().StringVar(&traceExporter, "trace-exporter", "none", "trace exporter (none, stdout, otlp)")
	cmd.Flags().StringVar(&traceEndpoint, "trace-endpoint", "", "OTLP gRPC endpoint for the otlp exporter")

	return cmd
}

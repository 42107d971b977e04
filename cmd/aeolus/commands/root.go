package commands

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/aeolus-run/aeolus/pkg/backends"
	"github.com/aeolus-run/aeolus/pkg/config"
	"github.com/aeolus-run/aeolus/pkg/engine"
	"github.com/aeolus-run/aeolus/pkg/policy"
	"github.com/aeolus-run/aeolus/pkg/telemetry"
)

// options holds the global flags shared by every subcommand.
type options struct {
	configs   []string
	jsons     []string
	policies  []string
	logLevel  string
	logFormat string
	logOutput string

	registry *backends.Registry
	logging  telemetry.LoggingConfig
	logger   zerolog.Logger
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate, backends.Default())
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string, registry *backends.Registry) *cobra.Command {
	opts := &options{registry: registry, logger: log.Logger}

	rootCmd := &cobra.Command{
		Use:   "aeolus",
		Short: "aeolus - resumable stage pipelines",
		Long: `aeolus runs an ordered list of stages on an executor, keeps every finished
stage's artifacts in a storage and skips stages whose artifacts are already
stored, so an interrupted job resumes where it stopped.

A job is described by JSON or YAML documents passed with -c (files) and -j
(inline JSON). Documents are merged; a top-level key may appear only once.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.setupLogger(cmd)
		},
	}

	rootCmd.PersistentFlags().StringArrayVarP(&opts.configs, "config", "c", nil, "config file (JSON, YAML, CUE or Starlark), repeatable")
	rootCmd.PersistentFlags().StringArrayVarP(&opts.jsons, "json", "j", nil, "inline JSON config, repeatable")
	rootCmd.PersistentFlags().StringArrayVar(&opts.policies, "policy", nil, "Rego policy file or directory checked before launch and validate, repeatable")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error); defaults to LOG_LEVEL")
	rootCmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "console", "log format (console, json)")
	rootCmd.PersistentFlags().StringVar(&opts.logOutput, "log-output", "stderr", "log destination (stderr, stdout or a file path)")

	rootCmd.AddCommand(newLaunchCommand(opts))
	rootCmd.AddCommand(newStatusCommand(opts))
	rootCmd.AddCommand(newLogsCommand(opts))
	rootCmd.AddCommand(newTerminateCommand(opts))
	rootCmd.AddCommand(newValidateCommand(opts))
	rootCmd.AddCommand(newShowCommand(opts))

	return rootCmd
}

// setupLogger builds the command's logger and attaches it to the command
// context. The process-wide logger is only replaced when a log flag was
// given.
func (o *options) setupLogger(cmd *cobra.Command) error {
	level := o.logLevel
	if level == "" {
		level = zerolog.GlobalLevel().String()
	}
	cfg := telemetry.LoggingConfig{Level: level, Format: o.logFormat, Output: o.logOutput}
	if cfg.Format != "console" && cfg.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be 'console' or 'json')", cfg.Format)
	}

	var logger *telemetry.Logger
	switch cfg.Output {
	case "", "stderr":
		logger = telemetry.NewWriterLogger(cmd.ErrOrStderr(), cfg)
	default:
		var err error
		if logger, err = telemetry.NewLogger(cfg); err != nil {
			return fmt.Errorf("open log output: %w", err)
		}
	}
	logger = logger.NewComponentLogger("cli")

	o.logging = cfg
	o.logger = logger.Zerolog()
	cmd.SetContext(logger.WithContext(cmd.Context()))

	if o.logLevel != "" || o.logFormat != "console" || cfg.Output != "stderr" {
		log.Logger = o.logger
	}
	if o.logLevel != "" {
		zerolog.SetGlobalLevel(telemetry.ParseLevel(o.logLevel))
	}
	return nil
}

// load reads and parses the configuration documents.
func (o *options) load() (config.Document, *config.Definition, error) {
	if len(o.configs) == 0 && len(o.jsons) == 0 {
		return nil, nil, errors.New("no configuration given; use -c FILE or -j JSON")
	}
	doc, err := config.Load(o.configs, o.jsons)
	if err != nil {
		return nil, nil, err
	}
	def, err := config.Parse(doc)
	if err != nil {
		return nil, nil, err
	}
	return doc, def, nil
}

// admit evaluates the --policy files against the definition. Warnings are
// logged and returned along with any deny violations.
func (o *options) admit(ctx context.Context, doc config.Document, def *config.Definition) ([]policy.Violation, error) {
	if len(o.policies) == 0 {
		return nil, nil
	}
	checker, err := policy.Load(ctx, o.policies, o.logger)
	if err != nil {
		return nil, err
	}
	violations, err := checker.Evaluate(ctx, policy.NewInput(doc, def.Job))
	if err != nil {
		return nil, err
	}
	for _, v := range violations {
		if v.Severity == policy.SeverityWarning {
			o.logger.Warn().Str("policy", v.Policy).Str("step", v.Step).Msg(v.Message)
		}
	}
	return violations, policy.Check(violations)
}

// orchestrator builds the backends of the definition and wraps them in an
// Orchestrator. With admit set the definition must pass the policies first.
// The returned release function closes backends that hold resources of
// their own.
func (o *options) orchestrator(cmd *cobra.Command, admit bool, extra ...engine.Option) (*engine.Orchestrator, func(), error) {
	doc, def, err := o.load()
	if err != nil {
		return nil, nil, err
	}
	if admit {
		if _, err := o.admit(cmd.Context(), doc, def); err != nil {
			return nil, nil, err
		}
	}
	set, err := o.registry.Build(def)
	if err != nil {
		return nil, nil, err
	}

	logger := telemetry.FromContext(cmd.Context()).WithJobID(def.Job.ID()).Zerolog()
	logger.Debug().
		Str("executor", def.Executor.Kind).
		Str("storage", def.Storage.Kind).
		Str("repository", def.Repository.Kind).
		Msg("Backends configured")

	engineOpts := append([]engine.Option{
		engine.WithLogger(logger),
		engine.WithProgress(cmd.OutOrStdout()),
	}, extra...)

	release := func() {
		if c, ok := set.Storage.(io.Closer); ok {
			if err := c.Close(); err != nil {
				logger.Warn().Err(err).Msg("Failed to close storage")
			}
		}
	}
	return engine.New(set.Executor, set.Storage, set.Repository, def.Job, engineOpts...), release, nil
}

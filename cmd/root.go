// Package cmd defines and implements the CLI commands for the vacuum executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/baseddata-vacuum/internal/config"
	"github.com/JakeFAU/baseddata-vacuum/internal/ingest"
	"github.com/JakeFAU/baseddata-vacuum/internal/logging"
	"github.com/JakeFAU/baseddata-vacuum/internal/orchestrator"
	"github.com/JakeFAU/baseddata-vacuum/internal/resolve"
	"github.com/JakeFAU/baseddata-vacuum/internal/server"
	"github.com/JakeFAU/baseddata-vacuum/internal/store"
)

// App defines the application interface that commands use, so tests can
// inject a fake.
type App interface {
	Run(ctx context.Context, req ingest.RunRequest) (orchestrator.Outcome, error)
	Resolve(ctx context.Context, opts resolve.Options) (store.ResolutionSummary, error)
	Runs() store.RunRepository
	Serve(ctx context.Context) error
	Close(ctx context.Context) error
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return server.Build(ctx, cfg, logger)
}

type envKeyType struct{}

// env is what the root command prepares for every subcommand.
type env struct {
	cfg    config.Config
	logger *zap.Logger
}

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string {
	return e.msg
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "vacuum",
		Short: "Ingests federal spending and research data into Postgres.",
		Long: `vacuum pulls contracts, grants, subawards, SAM entities, SBIR/STTR
awards, NSF awards, and CALC labor rates from their public APIs, upserts them
idempotently, and links every record to a resolved entity.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Loads .env, config, and the logger before any subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("load .env: %w", err)
			}
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), envKeyType{}, &env{cfg: cfg, logger: logger}))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if e, err := envFrom(cmd.Context()); err == nil {
				_ = e.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON, or TOML)")

	cmd.AddCommand(
		newServeCmd(),
		newRunCmd(),
		newResolveCmd(),
		newMigrateCmd(),
		newRunsCmd(),
		newModesCmd(),
	)
	return cmd
}

func envFrom(ctx context.Context) (*env, error) {
	e, ok := ctx.Value(envKeyType{}).(*env)
	if !ok || e == nil {
		return nil, errors.New("configuration not loaded")
	}
	return e, nil
}

// withApp builds the application services for one command and closes them
// when it returns, whatever the outcome.
func withApp(fn func(cmd *cobra.Command, args []string, app App, e *env) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		e, err := envFrom(cmd.Context())
		if err != nil {
			return err
		}
		app, err := newApp(cmd.Context(), e.cfg, e.logger)
		if err != nil {
			return fmt.Errorf("failed to initialize application services: %w", err)
		}
		defer func() {
			if cerr := app.Close(context.WithoutCancel(cmd.Context())); cerr != nil {
				e.logger.Warn("app close failed", zap.Error(cerr))
			}
		}()
		return fn(cmd, args, app, e)
	}
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			if exit.msg != "" {
				fmt.Fprintln(os.Stderr, exit.msg)
			}
			os.Exit(exit.code)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

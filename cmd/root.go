// Package cmd defines the soldprice CLI.
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ThachTung/WebScraper/internal/app"
	"github.com/ThachTung/WebScraper/internal/config"
	"github.com/ThachTung/WebScraper/internal/logging"
	"github.com/ThachTung/WebScraper/internal/scheduler"
	pkgconfig "github.com/ThachTung/WebScraper/pkg/config"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is what the subcommands need from the application. Tests inject a fake.
type App interface {
	Close()
	Logger() *zap.Logger
	Config() config.Config
	Ingest(ctx context.Context, names []string) (scheduler.Summary, error)
	Regroup(ctx context.Context, keys []string) ([]app.MaintenanceReport, error)
	Filter(ctx context.Context, keys []string) ([]app.MaintenanceReport, error)
	Combine(ctx context.Context) (path string, n int, uri string, err error)
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.New(ctx, cfg, logger)
}

type rootOptions struct {
	configFile string
	dev        bool
	app        App
}

// closeApp releases the App built by the pre-run hook. Cobra skips post-run
// hooks when a command fails, so callers defer this instead.
func (o *rootOptions) closeApp() {
	if o.app == nil {
		return
	}
	o.app.Close()
	_ = o.app.Logger().Sync()
	o.app = nil
}

func newRootCmd() (*cobra.Command, *rootOptions) {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "soldprice",
		Short: "Ingests sold trading-card listings into a clean per-player dataset.",
		Long: `soldprice searches sold listings for every name in a list, keeps the
card listings, removes duplicates and merges the result into one record file
per player. Maintenance commands regroup, filter and combine stored files.`,
		SilenceUsage: true,

		// Builds config, logger and services before any subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			v := viper.New()
			if err := pkgconfig.InitConfig(v, opts.configFile, nil); err != nil {
				return err
			}
			cfg, err := config.Load(v)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Log.Development || opts.dev)
			if err != nil {
				return err
			}
			zap.ReplaceGlobals(logger)
			if used := v.ConfigFileUsed(); used != "" {
				logger.Info("using config file", zap.String("path", used))
			}

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			opts.app = appInstance
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "",
		"config file (default searches ./config.yaml, /etc/soldprice/, $HOME/.soldprice)")
	cmd.PersistentFlags().BoolVar(&opts.dev, "dev", false, "development logging")

	cmd.AddCommand(newIngestCmd(), newRegroupCmd(), newFilterCmd(), newCombineCmd())
	return cmd, opts
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute runs the CLI with ctx, typically canceled on SIGINT/SIGTERM.
func Execute(ctx context.Context) error {
	root, opts := newRootCmd()
	return executeRoot(ctx, root, opts)
}

func executeRoot(ctx context.Context, root *cobra.Command, opts *rootOptions) error {
	defer opts.closeApp()
	return root.ExecuteContext(ctx)
}

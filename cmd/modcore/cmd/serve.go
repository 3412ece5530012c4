package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/modcore"
	"github.com/GoCodeAlone/modcore/admin"
	"github.com/GoCodeAlone/modcore/config"
	"github.com/GoCodeAlone/modcore/health"
	"github.com/GoCodeAlone/modcore/metrics"
	"github.com/GoCodeAlone/modcore/scheduler"
)

// App is a server together with the auxiliary services wired to it.
type App struct {
	Server    *modcore.Server
	Logger    *slog.Logger
	Scheduler *scheduler.Scheduler
	Watcher   *config.Watcher
	Statsd    *metrics.StatsdExporter
	Health    *health.Aggregator
	Admin     *admin.Server
}

// NewServeCommand creates the serve command
func NewServeCommand() *cobra.Command {
	var flags configFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the server",
		Long: `Load the configuration, start every configured module in dependency
order and run until interrupted or asked to shut down through the admin API.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			app, err := Build(cfg, flags.path, DefaultCatalog(), cmd.ErrOrStderr(), flags.loadOptions()...)
			if err != nil {
				return err
			}
			return app.Server.Run(cmd.Context())
		},
	}
	flags.register(cmd)
	return cmd
}

// Build creates the server for cfg and attaches the scheduler, the config
// watcher, the metrics exporters, the health checks and the admin API as
// configured. path is the configuration file the watcher follows; it may be
// empty.
func Build(cfg *config.ServerConfig, path string, catalog *modcore.Catalog, logOut io.Writer, loadOpts ...config.LoadOption) (*App, error) {
	logger, err := modcore.NewLogger(cfg.Logging, logOut)
	if err != nil {
		return nil, err
	}
	logger = logger.With("server", cfg.Server.Name)

	srv, err := modcore.NewServer(cfg, catalog, modcore.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	app := &App{Server: srv, Logger: logger}

	app.Scheduler = scheduler.New(srv.Bus(),
		scheduler.WithLogger(logger.With("component", "scheduler")),
		scheduler.WithTickRate(cfg.Server.TickRate.Std()),
		scheduler.WithSchedules(cfg.Schedules...))
	if err := srv.Attach("scheduler", app.Scheduler); err != nil {
		return nil, err
	}

	if cfg.Watch.Enabled && path != "" {
		app.Watcher = config.NewWatcher(path, cfg, srv.Bus(), logger.With("component", "config"), loadOpts...)
		if err := srv.Attach("config-watcher", app.Watcher); err != nil {
			return nil, err
		}
	}

	var metricsHandler http.Handler
	if cfg.Metrics.Prometheus {
		collector, err := metrics.NewCollector(cfg.Metrics.Namespace, srv.Bus(), srv)
		if err != nil {
			return nil, err
		}
		reg, err := metrics.NewRegistry(collector)
		if err != nil {
			return nil, err
		}
		metricsHandler = metrics.Handler(reg)
	}
	if cfg.Metrics.StatsdAddress != "" {
		app.Statsd, err = metrics.NewStatsdExporter(srv.Bus(), srv, cfg.Metrics.Namespace, cfg.Metrics.StatsdAddress,
			cfg.Metrics.StatsdInterval.Std(), []string{"server:" + cfg.Server.Name}, logger.With("component", "statsd"))
		if err != nil {
			return nil, fmt.Errorf("creating statsd exporter: %w", err)
		}
		if err := srv.Attach("statsd", app.Statsd); err != nil {
			return nil, err
		}
	}

	app.Health = health.NewAggregator(cfg.Server.LifecycleTimeout.Std())
	for _, check := range []health.Checker{health.ModulesCheck(srv), health.BusCheck(srv.Bus(), 0)} {
		if err := app.Health.Register(check); err != nil {
			return nil, err
		}
	}

	if cfg.Admin.Enabled {
		opts := []admin.Option{
			admin.WithLogger(logger.With("component", "admin")),
			admin.WithSchedules(app.Scheduler),
			admin.WithHealth(app.Health),
		}
		if metricsHandler != nil {
			opts = append(opts, admin.WithMetricsHandler(metricsHandler))
		}
		app.Admin = admin.New(cfg.Admin.Address, srv, opts...)
		if err := srv.Attach("admin", app.Admin); err != nil {
			return nil, err
		}
	}
	return app, nil
}

// Package daemon provides the background sync service daemon.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zhukan/fastlane-agent/internal/cli"
	"github.com/zhukan/fastlane-agent/internal/config"
	"github.com/zhukan/fastlane-agent/internal/constants"
	"github.com/zhukan/fastlane-agent/internal/metrics"
	"github.com/zhukan/fastlane-agent/internal/reconciler"
	"github.com/zhukan/fastlane-agent/internal/store"
	"github.com/zhukan/fastlane-agent/internal/syncservice"
)

// App represents the application.
type App struct {
	cmd    *cobra.Command
	viper  *viper.Viper
	config appConfig

	daemon *syncservice.Service

	ready chan struct{}
}

// appConfig holds the configuration for the application.
type appConfig struct {
	Verbosity int
	JSONLogs  bool

	MetricsConfig metrics.Config
	DBconfig      store.Config
	WorksheetURL  string
	MigrationsDir string

	ConfigPath string
}

// New creates a new App instance with default values.
func New() (*App, error) {
	a := App{ready: make(chan struct{})}

	a.cmd = &cobra.Command{
		Use:           constants.SyncServiceCmdName,
		Short:         "Fastlane agent sync service",
		Long:          "Fastlane agent sync service periodically pulls worksheet rows from the external worksheet service and reconciles them into a PostgreSQL database.",
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Command parsing has been successful. Returns to not print usage anymore.
			a.cmd.SilenceUsage = true
			cli.SetSlog(a.config.Verbosity, a.config.JSONLogs) // Set verbosity before loading config
			if err := cli.InitViperConfig(constants.SyncServiceCmdName, a.cmd, a.viper); err != nil {
				return err
			}
			if err := a.viper.Unmarshal(&a.config, cli.ViperUnmarshalOpts()); err != nil {
				return fmt.Errorf("unable to strictly decode configuration into struct: %w", err)
			}
			slog.Info("got app config", "config", a.config)

			cli.SetSlog(a.config.Verbosity, a.config.JSONLogs) // Update logging after loading config if necessary
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			a.cmd.SilenceUsage = true

			return a.run()
		},
	}
	a.viper = viper.New()
	a.cmd.CompletionOptions.HiddenDefaultCmd = true

	installRootCmd(&a)
	installMigrateCmd(&a)
	installSyncCmd(&a)
	cli.InstallConfigFlag(a.cmd)

	if err := a.viper.BindPFlags(a.cmd.PersistentFlags()); err != nil {
		return nil, err
	}

	a.installVersion()

	return &a, nil
}

func installRootCmd(app *App) {
	cmd := app.cmd

	cmd.PersistentFlags().CountVarP(&app.config.Verbosity, "verbose", "v", "issue INFO (-v), DEBUG (-vv)")
	cmd.PersistentFlags().BoolVar(&app.config.JSONLogs, "json-logs", false, "enable JSON formatted logs")

	// Daemon flags
	cmd.PersistentFlags().StringVarP(&app.config.ConfigPath, "daemon-config", "c", "", "path to the worksheet configuration file")
	cmd.PersistentFlags().StringVar(&app.config.WorksheetURL, "worksheet-url", "", "base URL of the external worksheet service")

	// Metrics server flags
	cmd.Flags().DurationVar(&app.config.MetricsConfig.ReadTimeout, "read-timeout", 5*time.Second, "read timeout for the metrics HTTP server")
	cmd.Flags().DurationVar(&app.config.MetricsConfig.WriteTimeout, "write-timeout", 10*time.Second, "write timeout for the metrics HTTP server")
	cmd.Flags().StringVar(&app.config.MetricsConfig.Host, "metrics-host", "", "host for the metrics endpoint")
	cmd.Flags().IntVar(&app.config.MetricsConfig.Port, "metrics-port", 2113, "port for the metrics endpoint")

	addDBFlags(cmd, &app.config.DBconfig)

	if err := cmd.MarkPersistentFlagFilename("daemon-config"); err != nil {
		panic(fmt.Sprintf("failed to mark daemon-config flag as filename: %v", err))
	}
}

func addDBFlags(cmd *cobra.Command, config *store.Config) {
	cmd.PersistentFlags().StringVar(&config.Host, "db-host", "", "database host")
	cmd.PersistentFlags().IntVarP(&config.Port, "db-port", "p", 5432, "database port")
	cmd.PersistentFlags().StringVarP(&config.User, "db-user", "u", "", "database user")
	cmd.PersistentFlags().StringVarP(&config.Password, "db-password", "P", "", "database password")
	cmd.PersistentFlags().StringVarP(&config.DBName, "db-name", "n", "", "database name")
	cmd.PersistentFlags().StringVarP(&config.SSLMode, "db-sslmode", "s", "", "database SSL mode")
}

// Run executes the command and associated process, returning an error if any.
func (a App) Run() error {
	return a.cmd.Execute()
}

// UsageError returns if the error is a command parsing or runtime one.
func (a App) UsageError() bool {
	return !a.cmd.SilenceUsage
}

// Hup prints all goroutine stack traces and return false to signal you shouldn't quit.
func (a App) Hup() (shouldQuit bool) {
	buf := make([]byte, 1<<16)
	runtime.Stack(buf, true)
	fmt.Printf("%s", buf)
	return false
}

// Quit gracefully shuts down the daemon.
func (a *App) Quit() {
	a.WaitReady()
	if a.daemon != nil {
		a.daemon.Quit(false)
	}
}

// WaitReady waits for the daemon to be ready.
func (a *App) WaitReady() {
	<-a.ready
}

// RootCmd returns the root command.
func (a App) RootCmd() cobra.Command {
	return *a.cmd
}

func (a *App) run() (err error) {
	a.config.ConfigPath, err = filepath.Abs(a.config.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to get absolute path for config file: %v", err)
	}
	cm := config.New(a.config.ConfigPath)
	if err := cm.Load(); err != nil {
		return fmt.Errorf("failed to load worksheet configuration: %v", err)
	}

	db, err := store.New(context.Background(), a.config.DBconfig)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %v", err)
	}

	registry := prometheus.NewRegistry()
	rec, err := reconciler.New(db, a.config.WorksheetURL, registry)
	if err != nil {
		return fmt.Errorf("failed to create reconciler: %v", err)
	}

	workerPool, err := reconciler.NewPool(cm, rec, registry)
	if err != nil {
		return fmt.Errorf("failed to create worker pool: %v", err)
	}

	exporter := metrics.NewExporter(a.config.MetricsConfig, registry)

	a.daemon = syncservice.New(context.Background(), workerPool, exporter)
	close(a.ready)

	return a.daemon.Run()
}

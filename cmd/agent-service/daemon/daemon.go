// Package daemon provides the agent service daemon serving the dashboard API.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zhukan/fastlane-agent/internal/agent"
	"github.com/zhukan/fastlane-agent/internal/cli"
	"github.com/zhukan/fastlane-agent/internal/config"
	"github.com/zhukan/fastlane-agent/internal/constants"
	"github.com/zhukan/fastlane-agent/internal/metrics"
	"github.com/zhukan/fastlane-agent/internal/reconciler"
	"github.com/zhukan/fastlane-agent/internal/runner"
	"github.com/zhukan/fastlane-agent/internal/store"
)

// App represents the application.
type App struct {
	cmd    *cobra.Command
	viper  *viper.Viper
	config appConfig

	daemon          *agent.Server
	metricsExporter *metrics.Exporter

	ready chan struct{}
}

// appConfig holds the configuration for the application.
type appConfig struct {
	Verbosity int
	JSONLogs  bool

	Daemon        agent.StaticConfig
	MetricsConfig metrics.Config
	DBconfig      store.Config

	WorksheetURL string
	FastlaneBin  string
}

// New creates a new App instance with default values.
func New() (*App, error) {
	a := App{ready: make(chan struct{})}

	a.cmd = &cobra.Command{
		Use:           constants.AgentServiceCmdName,
		Short:         "Fastlane agent service",
		Long:          "Fastlane agent service serves the local dashboard API for sync triggers, project management, and release lane execution.",
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Command parsing has been successful. Returns to not print usage anymore.
			a.cmd.SilenceUsage = true
			cli.SetSlog(a.config.Verbosity, a.config.JSONLogs) // Set verbosity before loading config
			if err := cli.InitViperConfig(constants.AgentServiceCmdName, a.cmd, a.viper); err != nil {
				return err
			}
			if err := a.viper.Unmarshal(&a.config, cli.ViperUnmarshalOpts()); err != nil {
				return fmt.Errorf("unable to strictly decode configuration into struct: %w", err)
			}
			slog.Info("got app config", "config", a.config)

			cli.SetSlog(a.config.Verbosity, a.config.JSONLogs)
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
	cli.InstallConfigFlag(a.cmd)

	if err := a.viper.BindPFlags(a.cmd.PersistentFlags()); err != nil {
		return nil, err
	}

	a.installVersion()

	return &a, nil
}

func installRootCmd(app *App) {
	cmd := app.cmd

	defaultConf := agent.StaticConfig{
		ConfigPath: "",

		ReadTimeout:    5 * time.Second,
		WriteTimeout:   10 * time.Minute,
		RequestTimeout: 10 * time.Minute,
		MaxHeaderBytes: 1 << 13, // 8 KB

		ListenHost: "127.0.0.1",
		ListenPort: 8080,
	}

	cmd.PersistentFlags().CountVarP(&app.config.Verbosity, "verbose", "v", "issue INFO (-v), DEBUG (-vv)")
	cmd.PersistentFlags().BoolVar(&app.config.JSONLogs, "json-logs", false, "enable JSON formatted logs")

	// Daemon flags
	cmd.Flags().StringVarP(&app.config.Daemon.ConfigPath, "daemon-config", "c", defaultConf.ConfigPath, "path to the worksheet configuration file")
	cmd.Flags().StringVar(&app.config.WorksheetURL, "worksheet-url", "", "base URL of the external worksheet service")
	cmd.Flags().StringVar(&app.config.FastlaneBin, "fastlane-bin", "fastlane", "fastlane executable to run release lanes with")

	cmd.Flags().DurationVar(&app.config.Daemon.ReadTimeout, "read-timeout", defaultConf.ReadTimeout, "read timeout for HTTP server")
	cmd.Flags().DurationVar(&app.config.Daemon.WriteTimeout, "write-timeout", defaultConf.WriteTimeout, "write timeout for HTTP server")
	cmd.Flags().DurationVar(&app.config.Daemon.RequestTimeout, "request-timeout", defaultConf.RequestTimeout, "request timeout for HTTP server")
	cmd.Flags().IntVar(&app.config.Daemon.MaxHeaderBytes, "max-header-bytes", defaultConf.MaxHeaderBytes, "maximum header bytes for HTTP server")

	cmd.Flags().StringVar(&app.config.Daemon.ListenHost, "listen-host", defaultConf.ListenHost, "host to listen on")
	cmd.Flags().IntVar(&app.config.Daemon.ListenPort, "listen-port", defaultConf.ListenPort, "port to listen on")

	cmd.Flags().StringVar(&app.config.MetricsConfig.Host, "metrics-host", "", "host for the metrics endpoint")
	cmd.Flags().IntVar(&app.config.MetricsConfig.Port, "metrics-port", 2112, "port for the metrics endpoint")

	addDBFlags(cmd, &app.config.DBconfig)

	if err := cmd.MarkFlagFilename("daemon-config"); err != nil {
		// This should never happen.
		panic(fmt.Sprintf("failed to mark daemon-config flag as filename: %v", err))
	}
}

func addDBFlags(cmd *cobra.Command, config *store.Config) {
	cmd.Flags().StringVar(&config.Host, "db-host", "", "database host")
	cmd.Flags().IntVarP(&config.Port, "db-port", "p", 5432, "database port")
	cmd.Flags().StringVarP(&config.User, "db-user", "u", "", "database user")
	cmd.Flags().StringVarP(&config.Password, "db-password", "P", "", "database password")
	cmd.Flags().StringVarP(&config.DBName, "db-name", "n", "", "database name")
	cmd.Flags().StringVarP(&config.SSLMode, "db-sslmode", "s", "", "database SSL mode")
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
	a.config.Daemon.ConfigPath, err = filepath.Abs(a.config.Daemon.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to get absolute path for config file: %v", err)
	}
	cm := config.New(a.config.Daemon.ConfigPath)

	db, err := store.New(context.Background(), a.config.DBconfig)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %v", err)
	}

	registry := prometheus.NewRegistry()
	rec, err := reconciler.New(db, a.config.WorksheetURL, registry)
	if err != nil {
		return fmt.Errorf("failed to create reconciler: %v", err)
	}

	lanes := runner.New(a.config.FastlaneBin)

	a.daemon, err = agent.New(context.Background(), cm, db, rec, lanes, registry, a.config.Daemon)
	if err != nil {
		close(a.ready)
		return fmt.Errorf("failed to create server: %v", err)
	}

	a.metricsExporter = metrics.NewExporter(a.config.MetricsConfig, registry)
	go func() {
		if err := a.metricsExporter.Serve(); err != nil && err != http.ErrServerClosed {
			slog.Error("Metrics exporter encountered error", "err", err)
		}
	}()
	defer a.metricsExporter.Close()

	close(a.ready)
	return a.daemon.Run()
}

// Package daemon provides the telemetry service daemon.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/radar-lgpd/radar-telemetry/internal/common/cli"
	"github.com/radar-lgpd/radar-telemetry/internal/common/config"
	"github.com/radar-lgpd/radar-telemetry/internal/common/constants"
	"github.com/radar-lgpd/radar-telemetry/internal/telemetry/database"
	"github.com/radar-lgpd/radar-telemetry/internal/webservice"
)

// App represents the application.
type App struct {
	cmd    *cobra.Command
	viper  *viper.Viper
	config appConfig

	daemon *webservice.Server

	ready     chan struct{}
	readyOnce sync.Once
}

// appConfig holds the configuration for the application.
type appConfig struct {
	Verbosity int
	JSONLogs  bool

	Daemon    webservice.StaticConfig
	RateLimit rateLimitConfig
	DBconfig  database.Config

	MigrationsDir string
}

// rateLimitConfig is the rate limit in effect until a dynamic configuration file overrides it.
type rateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// New creates a new App instance with default values.
func New() (*App, error) {
	a := App{ready: make(chan struct{})}

	a.cmd = &cobra.Command{
		Use:   constants.CmdName,
		Short: "Radar telemetry service",
		Long: `Radar telemetry service receives anonymous scan results from the scanner installations,
registers the installations and stores their scans in a PostgreSQL database.`,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Command parsing has been successful. Returns to not print usage anymore.
			a.cmd.SilenceUsage = true
			cli.SetSlog(a.config.Verbosity, a.config.JSONLogs) // Set verbosity before loading config
			if err := cli.InitViperConfig(constants.CmdName, a.cmd, a.viper); err != nil {
				return err
			}
			if err := a.viper.Unmarshal(&a.config, cli.DecodeHook()); err != nil {
				return fmt.Errorf("unable to strictly decode configuration into struct: %w", err)
			}
			slog.Info("got app config", "daemon", a.config.Daemon, "rate_limit", a.config.RateLimit,
				"db_host", a.config.DBconfig.Host, "db_name", a.config.DBconfig.DBName)

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
	installInstancesCmd(&a)
	cli.InstallConfigFlag(a.cmd)

	if err := a.viper.BindPFlags(a.cmd.PersistentFlags()); err != nil {
		return nil, err
	}

	a.installVersion()

	return &a, nil
}

func installRootCmd(app *App) {
	cmd := app.cmd

	defaultConf := webservice.StaticConfig{
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   10 * time.Second,
		RequestTimeout: 3 * time.Second,
		MaxHeaderBytes: 1 << 13, // 8 KB
		MaxUploadBytes: 1 << 17, // 128 KB

		ListenPort:  8080,
		MetricsPort: 2112,

		RateLimitCacheSize: constants.DefaultRateLimitCacheSize,
		TrustForwarded:     true,
	}

	cmd.PersistentFlags().CountVarP(&app.config.Verbosity, "verbose", "v", "issue INFO (-v), DEBUG (-vv)")
	cmd.PersistentFlags().BoolVar(&app.config.JSONLogs, "json-logs", false, "enable JSON formatted logs")

	// Daemon flags
	cmd.Flags().StringVarP(&app.config.Daemon.ConfigPath, "daemon-config", "c", "", "path to the dynamic configuration file")

	cmd.Flags().DurationVar(&app.config.Daemon.ReadTimeout, "read-timeout", defaultConf.ReadTimeout, "read timeout for HTTP servers")
	cmd.Flags().DurationVar(&app.config.Daemon.WriteTimeout, "write-timeout", defaultConf.WriteTimeout, "write timeout for HTTP servers")
	cmd.Flags().DurationVar(&app.config.Daemon.RequestTimeout, "request-timeout", defaultConf.RequestTimeout, "request timeout for HTTP server")
	cmd.Flags().IntVar(&app.config.Daemon.MaxHeaderBytes, "max-header-bytes", defaultConf.MaxHeaderBytes, "maximum header bytes for HTTP server")
	cmd.Flags().Int64Var(&app.config.Daemon.MaxUploadBytes, "max-upload-bytes", defaultConf.MaxUploadBytes, "maximum upload bytes for HTTP server")

	cmd.Flags().StringVar(&app.config.Daemon.ListenHost, "listen-host", defaultConf.ListenHost, "host to listen on")
	cmd.Flags().IntVar(&app.config.Daemon.ListenPort, "listen-port", defaultConf.ListenPort, "port to listen on")

	cmd.Flags().StringVar(&app.config.Daemon.MetricsHost, "metrics-host", defaultConf.MetricsHost, "host for the metrics endpoint")
	cmd.Flags().IntVar(&app.config.Daemon.MetricsPort, "metrics-port", defaultConf.MetricsPort, "port for the metrics endpoint")

	// Rate limiting flags
	cmd.Flags().IntVar(&app.config.RateLimit.Requests, "rate-limit-requests", constants.DefaultRateLimitRequests, "requests allowed per client and window")
	cmd.Flags().DurationVar(&app.config.RateLimit.Window, "rate-limit-window", time.Hour, "rate limiting window")
	cmd.Flags().IntVar(&app.config.Daemon.RateLimitCacheSize, "rate-limit-cache-size", defaultConf.RateLimitCacheSize, "maximum number of tracked clients")
	cmd.Flags().BoolVar(&app.config.Daemon.TrustForwarded, "trust-forwarded", defaultConf.TrustForwarded, "identify clients by the first X-Forwarded-For entry")

	addDBFlags(cmd, &app.config.DBconfig)

	if err := cmd.MarkFlagFilename("daemon-config"); err != nil {
		// This should never happen.
		panic(fmt.Sprintf("failed to mark daemon-config flag as filename: %v", err))
	}
}

func addDBFlags(cmd *cobra.Command, config *database.Config) {
	cmd.PersistentFlags().StringVar(&config.Host, "db-host", "", "database host")
	cmd.PersistentFlags().IntVarP(&config.Port, "db-port", "p", 5432, "database port")
	cmd.PersistentFlags().StringVarP(&config.User, "db-user", "u", "", "database user")
	cmd.PersistentFlags().StringVarP(&config.Password, "db-password", "P", "", "database password")
	cmd.PersistentFlags().StringVarP(&config.DBName, "db-name", "n", "", "database name")
	cmd.PersistentFlags().StringVarP(&config.SSLMode, "db-sslmode", "s", "", "database SSL mode")
}

// Run executes the command and associated process, returning an error if any.
func (a *App) Run() error {
	return a.cmd.Execute()
}

// UsageError returns if the error is a command parsing or runtime one.
func (a *App) UsageError() bool {
	return !a.cmd.SilenceUsage
}

// Hup prints all goroutine stack traces and return false to signal you shouldn't quit.
func (a *App) Hup() (shouldQuit bool) {
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
func (a *App) RootCmd() *cobra.Command {
	return a.cmd
}

func (a *App) setReady() {
	a.readyOnce.Do(func() { close(a.ready) })
}

func (a *App) run() (err error) {
	defer a.setReady()

	dConf := a.config.Daemon
	if dConf.ConfigPath != "" {
		dConf.ConfigPath, err = filepath.Abs(dConf.ConfigPath)
		if err != nil {
			return fmt.Errorf("failed to get absolute path for config file: %v", err)
		}
	}

	cm := config.New(dConf.ConfigPath, config.Conf{
		RateLimit: config.RateLimit{
			Requests: a.config.RateLimit.Requests,
			Window:   config.Duration(a.config.RateLimit.Window),
		},
	})

	db, err := database.Connect(context.Background(), a.config.DBconfig)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %v", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Warn("Failed to close database", "err", err)
		}
	}()

	a.daemon, err = webservice.New(context.Background(), cm, db, dConf)
	a.setReady()
	if err != nil {
		return fmt.Errorf("failed to create server: %v", err)
	}

	return a.daemon.Run()
}

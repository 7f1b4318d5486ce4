package daemon

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/radar-lgpd/radar-telemetry/internal/common/config"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type (
	AppConfig       = appConfig
	RateLimitConfig = rateLimitConfig
)

// Config returns the configuration of the app.
func (a *App) Config() AppConfig {
	return a.config
}

// Addr returns the address of the running web service, or an empty string if it is not listening.
func (a *App) Addr() string {
	if a.daemon == nil {
		return ""
	}
	return a.daemon.Addr()
}

// NewForTests creates a new App instance for testing purposes.
func NewForTests(t *testing.T, conf *AppConfig, args ...string) *App {
	t.Helper()

	p := GenerateTestConfig(t, conf)
	argsWithConf := []string{"--config", p}
	argsWithConf = append(argsWithConf, args...)

	a, err := New()
	require.NoError(t, err, "Setup: failed to create app")
	a.cmd.SetArgs(argsWithConf)
	return a
}

// GenerateTestDaemonConfig generates a temporary dynamic configuration file for testing.
func GenerateTestDaemonConfig(t *testing.T, daeConf *config.Conf) string {
	t.Helper()

	d, err := json.Marshal(daeConf)
	require.NoError(t, err, "Setup: failed to marshal dynamic server config for tests")
	daeConfPath := filepath.Join(t.TempDir(), "daemon-testconfig.json")
	require.NoError(t, os.WriteFile(daeConfPath, d, 0600), "Setup: failed to write dynamic config for tests")

	return daeConfPath
}

// GenerateTestConfig generates a temporary config file for testing.
// Unset values which would prevent the service from serving are given test defaults.
func GenerateTestConfig(t *testing.T, origConf *AppConfig) string {
	t.Helper()

	var conf appConfig

	if origConf != nil {
		conf = *origConf
	}

	if conf.Verbosity == 0 {
		conf.Verbosity = 2
	}
	if conf.Daemon.ListenHost == "" {
		conf.Daemon.ListenHost = "127.0.0.1"
	}
	if conf.Daemon.MetricsHost == "" {
		conf.Daemon.MetricsHost = "127.0.0.1"
	}
	if conf.Daemon.ReadTimeout == 0 {
		conf.Daemon.ReadTimeout = 5 * time.Second
	}
	if conf.Daemon.WriteTimeout == 0 {
		conf.Daemon.WriteTimeout = 10 * time.Second
	}
	if conf.Daemon.RequestTimeout == 0 {
		conf.Daemon.RequestTimeout = 3 * time.Second
	}
	if conf.Daemon.MaxHeaderBytes == 0 {
		conf.Daemon.MaxHeaderBytes = 1 << 13
	}
	if conf.Daemon.MaxUploadBytes == 0 {
		conf.Daemon.MaxUploadBytes = 1 << 17
	}
	if conf.Daemon.RateLimitCacheSize == 0 {
		conf.Daemon.RateLimitCacheSize = 100
	}
	if conf.RateLimit.Requests == 0 {
		conf.RateLimit.Requests = 100
	}
	if conf.RateLimit.Window == 0 {
		conf.RateLimit.Window = time.Hour
	}

	d, err := yaml.Marshal(conf)
	require.NoError(t, err, "Setup: failed to marshal config for tests")

	confPath := filepath.Join(t.TempDir(), "testconfig.yaml")
	require.NoError(t, os.WriteFile(confPath, d, 0600), "Setup: failed to write config for tests")

	return confPath
}

// SetArgs set some arguments on root command for tests.
func (a *App) SetArgs(args ...string) {
	a.cmd.SetArgs(args)
}

// SetSilenceUsage set the SilenceUsage flag on root command for tests.
func (a *App) SetSilenceUsage(silence bool) {
	a.cmd.SilenceUsage = silence
}

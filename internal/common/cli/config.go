// Package cli provides utility functions for the command line interface of the service.
package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// InitViperConfig initializes the Viper configuration for a command.
//
// The configuration file is taken from the --config flag if set, otherwise it is searched for
// as <cmdName>.yaml in the working directory, /etc/<cmdName>, and next to the executable.
// Environment variables prefixed with the upper-cased command name override file values.
func InitViperConfig(cmdName string, cmd *cobra.Command, vip *viper.Viper) error {
	if v, err := cmd.Flags().GetString("config"); err == nil && v != "" {
		vip.SetConfigFile(v)
	} else {
		vip.SetConfigName(cmdName)
		vip.AddConfigPath(".")
		vip.AddConfigPath("/etc/" + cmdName)

		if binPath, err := os.Executable(); err != nil {
			slog.Warn("Failed to get current executable path, not adding it as a config dir", "error", err)
		} else {
			vip.AddConfigPath(filepath.Dir(binPath))
		}
	}
	if err := vip.ReadInConfig(); err != nil {
		var e viper.ConfigFileNotFoundError
		if !errors.As(err, &e) {
			return fmt.Errorf("invalid configuration file: %w", err)
		}
		slog.Info("No configuration file, using defaults, env variables and flags only")
	} else {
		slog.Info("Using configuration file", "file", vip.ConfigFileUsed())
	}

	vip.SetEnvPrefix(cmdName)
	vip.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	vip.AutomaticEnv()

	// AutomaticEnv only resolves keys viper already knows about. Bind every prefixed variable
	// so nested keys like RADAR_TELEMETRY_SERVICE_DB_HOST reach Unmarshal.
	prefix := EnvPrefix(cmdName)
	for _, e := range os.Environ() {
		if !strings.HasPrefix(e, prefix) {
			continue
		}

		name, _, _ := strings.Cut(e, "=")
		k := strings.ReplaceAll(strings.TrimPrefix(name, prefix), "_", ".")
		if err := vip.BindEnv(strings.ToLower(k), name); err != nil {
			return fmt.Errorf("could not bind environment variable: %w", err)
		}
	}

	return nil
}

// EnvPrefix returns the prefix of the environment variables read for cmdName.
func EnvPrefix(cmdName string) string {
	return strings.ToUpper(strings.ReplaceAll(cmdName, "-", "_")) + "_"
}

// InstallConfigFlag adds a config flag to the command.
func InstallConfigFlag(cmd *cobra.Command) *string {
	return cmd.PersistentFlags().String("config", "", "use a specific configuration file")
}

// DecodeHook is the decode hook used to unmarshal configuration into structs.
// Durations may be given as strings such as "90s" or "1h".
func DecodeHook() viper.DecoderConfigOption {
	return viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	))
}

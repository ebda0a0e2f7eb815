// Package cmd implements the radiarr command line interface.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/jmylchreest/radiarr/internal/config"
	"github.com/jmylchreest/radiarr/internal/observability"
	"github.com/jmylchreest/radiarr/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:     "radiarr",
	Short:   "Resilient live radio streaming engine",
	Version: version.Short(),
	Long: `radiarr keeps a curated set of live radio streams playing through
authorization checks, origin failover, and network loss.

Before any audio flows it authorizes the build against a DNS-published
model list, probes the origin servers for the lowest latency, and pins
the origin certificate. Once playing it rides out stalls and outages,
falling back across origins and resuming when connectivity returns.

The serve command exposes the engine over a REST API with a live SSE
event feed and re-serves the audio to plain HTTP listeners.`,
}

// Execute runs the CLI.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	cobra.OnInitialize(initConfig)

	// Assigned here rather than in the literal: initLogging reads
	// rootCmd's flags, which do not exist until registered below.
	rootCmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		return initLogging()
	}

	// The logging flags stay unbound from viper. A bound flag's default
	// would shadow env and config values even when the user never typed
	// the flag; initLogging checks Changed() instead.
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.radiarr.yaml)")
	pf.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	pf.String("log-format", "json", "log format (text, json)")
}

// initConfig seeds defaults, locates the config file, and wires up the
// RADIARR_* environment overlay.
func initConfig() {
	config.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/radiarr")
		viper.SetConfigName(".radiarr")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("RADIARR")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// initLogging builds the process-wide logger before any command runs.
// Flags beat environment variables, which beat the config file; viper
// already ranks the last two, and flagOr guards the first.
func initLogging() error {
	level := strings.ToLower(flagOr("log-level", viper.GetString("logging.level")))
	format := strings.ToLower(flagOr("log-format", viper.GetString("logging.format")))

	if level == "" {
		level = "info"
	}
	if level == "warning" {
		level = "warn"
	}
	if format == "" {
		format = "json"
	}

	logger := observability.NewLoggerWithWriter(config.LoggingConfig{
		Level:  level,
		Format: format,
	}, os.Stderr)
	observability.SetDefault(logger)

	return nil
}

// flagOr returns the named persistent flag's value when the user set it
// explicitly, and fallback otherwise.
func flagOr(name, fallback string) string {
	if rootCmd.PersistentFlags().Changed(name) {
		if v, err := rootCmd.PersistentFlags().GetString(name); err == nil {
			return v
		}
	}
	return fallback
}

// mustBindPFlag panics when a viper flag binding fails, which only
// happens on a typo in the key or flag name.
func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("binding flag %q to key %q: %v", flag.Name, key, err))
	}
}

package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/clusterd/internal/config"
	"github.com/zjrosen/clusterd/internal/log"
)

var (
	version   = "dev"
	cfgFile   string
	cfg       config.Config
	debugFlag bool
)

var rootCmd = &cobra.Command{
	Use:     "clusterd",
	Short:   "A multi-node process-supervisor cluster control plane",
	Long:    `clusterd tracks address and process state across a cluster of process supervisors, driving ordered start/stop sequences and fencing unresponsive peers.`,
	Version: version,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.config/clusterd/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false,
		"enable debug logging (also: CLUSTERD_DEBUG=1)")
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("fencing.auto_fence", defaults.Fencing.AutoFence)
	viper.SetDefault("fencing.tick_timeout", defaults.Fencing.TickTimeout)
	viper.SetDefault("fencing.command_timeout", defaults.Fencing.CommandTimeout)
	viper.SetDefault("fencing.synchro_timeout", defaults.Fencing.SynchroTimeout)
	viper.SetDefault("placement.strategy", defaults.Placement.Strategy)
	viper.SetDefault("audit.enabled", defaults.Audit.Enabled)
	viper.SetDefault("audit.dsn", defaults.Audit.DSN)
	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)
	viper.SetDefault("api_addr", defaults.APIAddr)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		if _, err := os.Stat(".clusterd/config.yaml"); err == nil {
			viper.SetConfigFile(".clusterd/config.yaml")
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".config", "clusterd"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if errors.As(err, &configNotFound) {
			defaultPath := ".clusterd/config.yaml"
			if writeErr := config.WriteDefaultConfig(defaultPath); writeErr == nil {
				viper.SetConfigFile(defaultPath)
				_ = viper.ReadInConfig()
				log.Info(log.CatConfig, "config written and loaded", "path", defaultPath)
			}
		}
	} else {
		log.Info(log.CatConfig, "config loaded", "path", viper.ConfigFileUsed())
	}

	_ = viper.Unmarshal(&cfg)
}

// initLogging turns on file logging when --debug or CLUSTERD_DEBUG is set,
// returning a no-op cleanup otherwise so callers can always defer it.
func initLogging(component string) (func(), error) {
	debug := os.Getenv("CLUSTERD_DEBUG") != "" || debugFlag
	if !debug {
		return func() {}, nil
	}
	logPath := os.Getenv("CLUSTERD_LOG")
	if logPath == "" {
		logPath = "clusterd.log"
	}
	cleanup, err := log.Init(logPath)
	if err != nil {
		return nil, fmt.Errorf("initializing logging: %w", err)
	}
	log.Info(log.CatConfig, component+" starting", "debug", true, "logPath", logPath)
	return cleanup, nil
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

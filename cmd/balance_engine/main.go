package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"balance_engine/internal/infrastructure/configloader"
	"balance_engine/internal/pkg/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const defaultConfigPath = "config/config.yml"

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:          "balance_engine",
	Short:        "Multi-chain balance query and subscription engine",
	SilenceUsage: true,
}

func init() {
	cobra.EnablePrefixMatching = true

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to the YAML configuration")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "overrides logging.level of the configuration")

	rootCmd.AddCommand(
		newServeCommand(),
		newFetchCommand(),
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "balance_engine failed: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration. The default path may be missing, in
// which case the built-in defaults are used.
func loadConfig(cmd *cobra.Command) (*configloader.Config, error) {
	cfg, err := configloader.Load(configPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config") {
			cfg = configloader.Default()
		} else {
			return nil, err
		}
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

// bootstrap loads the configuration, sets up logging and wires the engine.
func bootstrap(cmd *cobra.Command, persistMetadata bool) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	zapLogger, err := logger.Init(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	zapLogger.Info("Configuration loaded", zap.String("path", configPath), zap.String("level", cfg.Logging.Level))

	a, err := newApp(cfg, zapLogger, persistMetadata)
	if err != nil {
		_ = zapLogger.Sync()
		return nil, err
	}
	return a, nil
}

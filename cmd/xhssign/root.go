package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"xhssign/internal/config"
	"xhssign/internal/logging"
)

var configPath string

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the YAML config file")
}

var rootCmd = &cobra.Command{
	Use:   "xhssign",
	Short: "Xiaohongshu request signing service",
	Long: `xhssign keeps one headless browser on the Xiaohongshu home page and
exposes the page's signing function over HTTP. Without a subcommand it runs
the server.`,
	SilenceUsage: true,
	RunE:         runServe,
}

// loadConfig reads the config file, applies env overrides and validates. A
// missing file falls back to defaults.
func loadConfig() (*config.Config, bool, error) {
	cfg, err := config.LoadConfig(configPath)
	missing := false
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, false, fmt.Errorf("load config: %w", err)
		}
		missing = true
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, false, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, missing, nil
}

// setup loads config and builds the logger every command shares.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, missing, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger := logging.New(cfg.Logger, nil)
	if missing {
		logger.Info("Config file not found, using defaults", zap.String("path", configPath))
	}
	return cfg, logger, nil
}

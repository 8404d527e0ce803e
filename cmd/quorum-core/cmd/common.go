package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/viper"

	"github.com/hugo-lorenzo-mato/quorum-core/internal/config"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/logging"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/orchestrator"
)

// newLoader returns a loader over the global viper so flag bindings apply.
func newLoader() *config.Loader {
	loader := config.NewLoaderWithViper(viper.GetViper())
	if cfgFile != "" {
		loader.WithConfigFile(cfgFile)
	}
	return loader
}

// loadConfig loads and validates the effective configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := newLoader().Load()
	if err != nil {
		return nil, err
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *logging.Logger {
	return logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stderr,
	})
}

// newRuntime builds a runtime with the process logger.
func newRuntime(cfg *config.Config, logger *logging.Logger, opts ...orchestrator.Option) (*orchestrator.Runtime, error) {
	rt, err := orchestrator.New(cfg, append([]orchestrator.Option{orchestrator.WithLogger(logger)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("building runtime: %w", err)
	}
	return rt, nil
}

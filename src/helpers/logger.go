package helpers

import (
	"fmt"
	"os"
	"path/filepath"

	"branchdb/src/settings"

	"go.uber.org/zap"
)

// NewLogger builds the sugared logger shared by every service.
func NewLogger(args *settings.Arguments) (*zap.SugaredLogger, error) {
	var cfg zap.Config
	if args.Debug {
		// Development configuration with more verbose output
		cfg = zap.NewDevelopmentConfig()
		cfg.OutputPaths = []string{"stdout"}
	} else {
		cfg = zap.NewProductionConfig()
		if !args.Verbose {
			cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
		}
	}

	if args.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(args.LogFile), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		cfg.OutputPaths = append(cfg.OutputPaths, args.LogFile)
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger.Sugar(), nil
}

// Package logging builds the root zap logger from a LoggingConfig, mirroring
// the teacher's pkg/config.LoggingConfig shape and zap-everywhere convention.
package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls the root logger's behaviour.
type Config struct {
	Level        string `yaml:"level"`         // debug|info|warn|error
	Format       string `yaml:"format"`        // json|console
	EnableCaller bool   `yaml:"enable_caller"`
	Development  bool   `yaml:"development"`
}

// DefaultConfig matches the teacher's production defaults.
func DefaultConfig() Config {
	return Config{Level: "info", Format: "json", EnableCaller: true}
}

// New builds a *zap.Logger from cfg.
func New(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if err := level.Set(strings.ToLower(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.DisableCaller = !cfg.EnableCaller
	zcfg.Development = cfg.Development

	return zcfg.Build()
}

// Must builds a logger and falls back to zap.NewNop on error, never
// panicking the caller during startup probing.
func Must(cfg Config) *zap.Logger {
	logger, err := New(cfg)
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

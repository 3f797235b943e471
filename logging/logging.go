// Package logging builds the zap logger used across a node from its
// configuration.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/najoast/snode/config"
)

// Level maps a configured level to a zap level. zap has no trace level, so
// trace logs at debug.
func Level(l config.LogLevel) (zapcore.Level, error) {
	switch l {
	case config.LogLevelTrace, config.LogLevelDebug:
		return zapcore.DebugLevel, nil
	case config.LogLevelInfo, "":
		return zapcore.InfoLevel, nil
	case config.LogLevelWarn:
		return zapcore.WarnLevel, nil
	case config.LogLevelError:
		return zapcore.ErrorLevel, nil
	case config.LogLevelFatal:
		return zapcore.FatalLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("%w: %q", config.ErrInvalidLogLevel, l)
	}
}

// New builds a logger from cfg. The returned AtomicLevel changes the level
// of the live logger, e.g. after a configuration reload.
func New(cfg config.LogConfig) (*zap.Logger, zap.AtomicLevel, error) {
	zc, level, err := zapConfig(cfg)
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}
	return build(zc, level)
}

// ForConfig builds the node logger for the configured environment.
// Development loggers take stack traces from warn up and panic on DPanic.
// Production loggers sample repeated entries and never color levels.
// Every entry carries the environment name.
func ForConfig(cfg *config.Config) (*zap.Logger, zap.AtomicLevel, error) {
	lc := cfg.Log
	lc.Level = cfg.GetLogLevel()
	if cfg.IsProduction() {
		lc.Color = false
	}
	zc, level, err := zapConfig(lc)
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}

	switch {
	case cfg.IsDevelopment():
		zc.Development = true
	case cfg.IsProduction():
		zc.Sampling = &zap.SamplingConfig{Initial: 100, Thereafter: 100}
	}
	fields := make(map[string]interface{}, len(zc.InitialFields)+1)
	for k, v := range zc.InitialFields {
		fields[k] = v
	}
	fields["env"] = cfg.Node.Environment.String()
	zc.InitialFields = fields

	return build(zc, level)
}

func zapConfig(cfg config.LogConfig) (zap.Config, zap.AtomicLevel, error) {
	lvl, err := Level(cfg.Level)
	if err != nil {
		return zap.Config{}, zap.AtomicLevel{}, err
	}
	level := zap.NewAtomicLevelAt(lvl)

	encoder := zap.NewProductionEncoderConfig()
	encoder.TimeKey = "ts"
	encoder.EncodeTime = zapcore.ISO8601TimeEncoder
	encoding := "json"
	if cfg.Format != "json" {
		encoding = "console"
		if cfg.Color {
			encoder.EncodeLevel = zapcore.CapitalColorLevelEncoder
		} else {
			encoder.EncodeLevel = zapcore.CapitalLevelEncoder
		}
	}

	output := cfg.Output
	if output == "" {
		output = "stderr"
	}

	zc := zap.Config{
		Level:            level,
		Encoding:         encoding,
		EncoderConfig:    encoder,
		OutputPaths:      []string{output},
		ErrorOutputPaths: []string{"stderr"},
		InitialFields:    cfg.Fields,
	}
	return zc, level, nil
}

func build(zc zap.Config, level zap.AtomicLevel) (*zap.Logger, zap.AtomicLevel, error) {
	log, err := zc.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("build logger: %w", err)
	}
	return log, level, nil
}

// Follow returns a config change callback that keeps level in step with the
// configured log level.
func Follow(log *zap.Logger, level zap.AtomicLevel) config.ConfigChangeCallback {
	return func(oldConfig, newConfig *config.Config) {
		if oldConfig != nil && oldConfig.Log.Level == newConfig.Log.Level {
			return
		}
		lvl, err := Level(newConfig.Log.Level)
		if err != nil {
			log.Warn("ignoring log level change", zap.Error(err))
			return
		}
		level.SetLevel(lvl)
		log.Info("log level changed", zap.Stringer("level", lvl))
	}
}

// Package logger builds the zap logger used by the server and the clients.
package logger

import (
	"github.com/nikandfor/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"pollserver/internal/config"
)

// New creates a logger from the logging section of the config. Output is
// "stdout", "stderr" or a file path.
func New(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, errors.Wrap(err, "log level")
	}

	var zc zap.Config
	switch cfg.Format {
	case "json":
		zc = zap.NewProductionConfig()
	case "console", "":
		zc = zap.NewDevelopmentConfig()
		zc.Development = false
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	default:
		return nil, errors.New("unknown log format %q", cfg.Format)
	}

	out := cfg.Output
	if out == "" {
		out = "stderr"
	}

	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{out}
	zc.ErrorOutputPaths = []string{"stderr"}
	zc.DisableStacktrace = level > zapcore.DebugLevel
	zc.Sampling = nil

	return zc.Build()
}

// Must is New for command entry points: a bad logging section falls back to
// a console logger on stderr.
func Must(cfg config.LoggingConfig) *zap.Logger {
	l, err := New(cfg)
	if err == nil {
		return l
	}

	l, _ = New(config.Default().Logging)
	l.Warn("Falling back to default logger", zap.Error(err))
	return l
}

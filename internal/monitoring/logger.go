package monitoring

import (
	"fmt"
	"log"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logf is the package-level diagnostic logger used by the sorter, the
// coordinator and the device adapters. It defaults to log.Printf until
// InstallZap is called from main. Tests may mute it with SetLogger(nil).
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// LogOptions selects the zap encoder and minimum level.
type LogOptions struct {
	Level  string // debug, info, warn, error
	Format string // console or json
}

// NewZapLogger builds the process logger.
func NewZapLogger(opts LogOptions) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(opts.Level))); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig = encoderCfg
	cfg.Sampling = nil
	switch opts.Format {
	case "", "console":
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	case "json":
		cfg.Encoding = "json"
	default:
		return nil, fmt.Errorf("invalid log format %q: expected console or json", opts.Format)
	}
	return cfg.Build()
}

// InstallZap routes Logf (and the standard library logger) through z and
// returns a function that flushes buffered entries.
func InstallZap(z *zap.Logger) func() {
	sugar := z.WithOptions(zap.AddCallerSkip(1)).Sugar()
	SetLogger(sugar.Infof)
	restore := zap.RedirectStdLog(z)
	return func() {
		_ = z.Sync()
		restore()
	}
}

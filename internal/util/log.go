// Package util provides logging and unit helpers shared by the ledger components.
package util

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger *zap.SugaredLogger
	level  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// parseLevel maps a config level to zap, unknown values fall back to info
func parseLevel(s string) zapcore.Level {
	l, err := zapcore.ParseLevel(s)
	if err != nil || l < zapcore.DebugLevel || l > zapcore.ErrorLevel {
		return zapcore.InfoLevel
	}
	return l
}

// InitLogger builds the process logger. Console output is colored, json
// output suits log shippers; file, when set, receives a copy of every entry.
func InitLogger(lvl, format, file string) error {
	level.SetLevel(parseLevel(lvl))

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if format == "json" {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	sink := zapcore.AddSync(os.Stdout)
	if file != "" {
		f, err := os.OpenFile(file, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		sink = zapcore.NewMultiWriteSyncer(sink, zapcore.AddSync(f))
	}

	core := zapcore.NewCore(encoder, sink, level)
	logger = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).Sugar()
	return nil
}

// SetLevel changes the level of every logger derived from InitLogger
func SetLevel(lvl string) {
	next := parseLevel(lvl)
	if level.Level() != next {
		level.SetLevel(next)
		Infof("Log level set to %s", next)
	}
}

// Level returns the active log level
func Level() zapcore.Level {
	return level.Level()
}

// Log returns the global logger, a development logger before InitLogger
func Log() *zap.SugaredLogger {
	if logger == nil {
		l, _ := zap.NewDevelopment(zap.AddCallerSkip(1))
		logger = l.Sugar()
	}
	return logger
}

// Named returns a logger tagged with the component and pool it logs for.
// Caller information points at the component instead of this package.
func Named(system, pool string) *zap.SugaredLogger {
	return Log().Desugar().WithOptions(zap.AddCallerSkip(-1)).Sugar().With("system", system, "pool", pool)
}

// Sync flushes buffered log entries
func Sync() {
	if logger != nil {
		_ = logger.Sync()
	}
}

func Debugf(template string, args ...interface{}) {
	Log().Debugf(template, args...)
}

func Info(args ...interface{}) {
	Log().Info(args...)
}

func Infof(template string, args ...interface{}) {
	Log().Infof(template, args...)
}

func Warn(args ...interface{}) {
	Log().Warn(args...)
}

func Warnf(template string, args ...interface{}) {
	Log().Warnf(template, args...)
}

func Errorf(template string, args ...interface{}) {
	Log().Errorf(template, args...)
}

// Package logging sets up the zap logger shared by all build stages.
package logging

import (
	"io"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a console logger writing to w. Debug messages are only
// emitted when verbose is set.
func New(verbose bool, w io.Writer) *zap.Logger {
	config := zap.NewDevelopmentEncoderConfig()
	config.ConsoleSeparator = " "
	config.StacktraceKey = ""
	config.TimeKey = ""

	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
		config.TimeKey = "T"
	}
	return zap.New(zapcore.NewCore(
		zapcore.NewConsoleEncoder(config),
		zapcore.AddSync(w),
		level,
	))
}

// Stage tags log entries with the build stage they belong to.
func Stage(name string) zap.Field {
	return zap.String("stage", name)
}

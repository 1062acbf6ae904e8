// Package logger builds the zap logger shared by the gojokv tools.
package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds all the configuration for the logger.
type Config struct {
	// Level sets the minimum log level (e.g., "debug", "info", "warn", "error").
	Level string `yaml:"level"`
	// Format specifies the log output format ("json" or "console").
	Format string `yaml:"format"`
	// OutputFile specifies the file to write logs to. "stdout" or "stderr"
	// can be used to log to the console, and "off" discards everything.
	OutputFile string `yaml:"output_file"`
}

// New creates a new zap.Logger based on the provided configuration, along
// with a function that flushes and closes its output.
func New(config Config) (*zap.Logger, func() error, error) {
	if strings.EqualFold(config.OutputFile, "off") {
		return zap.NewNop(), func() error { return nil }, nil
	}

	// Parse and set the log level. Defaults to "info".
	logLevel := zap.NewAtomicLevel()
	if err := logLevel.UnmarshalText([]byte(config.Level)); err != nil {
		logLevel.SetLevel(zap.InfoLevel)
	}

	writeSyncer, closeOutput, err := getWriteSyncer(config.OutputFile)
	if err != nil {
		return nil, nil, err
	}

	core := zapcore.NewCore(getEncoder(config.Format), writeSyncer, logLevel)

	logger := zap.New(core, zap.AddCaller()).
		WithOptions(zap.Fields(zap.String("service", "gojokv")))

	closeFn := func() error {
		_ = logger.Sync() // fails harmlessly on terminals
		return closeOutput()
	}
	return logger, closeFn, nil
}

// getEncoder selects the log encoder based on the configured format.
func getEncoder(format string) zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	if strings.ToLower(format) == "console" {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(encoderConfig)
	}
	return zapcore.NewJSONEncoder(encoderConfig)
}

// getWriteSyncer selects the output destination for the logs.
func getWriteSyncer(outputFile string) (zapcore.WriteSyncer, func() error, error) {
	noClose := func() error { return nil }
	switch strings.ToLower(outputFile) {
	case "stdout":
		return zapcore.AddSync(os.Stdout), noClose, nil
	case "stderr", "":
		return zapcore.AddSync(os.Stderr), noClose, nil
	default:
		// Append to the file if it exists, or create it.
		file, err := os.OpenFile(outputFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", outputFile, err)
		}
		return zapcore.AddSync(file), file.Close, nil
	}
}

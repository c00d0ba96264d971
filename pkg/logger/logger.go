// SPDX-FileCopyrightText: Copyright 2026 Keyloom Authors
// SPDX-License-Identifier: Apache-2.0

// Package logger provides the logging capability for keyloom's services and CLI.
//
// A process-wide singleton is created by Initialize and accessed through the
// package-level helpers. New code that wants an injectable logger should use
// [Get] to obtain the underlying *zap.SugaredLogger.
package logger

import (
	"os"
	"strconv"
	"sync/atomic"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// singleton is the package-level logger created by Initialize.
// Accessed atomically to be safe for concurrent use across goroutines.
var singleton atomic.Pointer[zap.SugaredLogger]

func init() {
	// Set a default logger so callers that skip Initialize() don't panic.
	singleton.Store(newLogger(false, false))
}

// get returns the current singleton logger.
func get() *zap.SugaredLogger {
	return singleton.Load()
}

// Get returns the underlying *zap.SugaredLogger for injection into structs.
func Get() *zap.SugaredLogger {
	return get()
}

// Set replaces the singleton logger. This is intended for tests that need to
// capture log output; production code should use [Initialize] instead.
func Set(l *zap.SugaredLogger) {
	singleton.Store(l)
}

// Debug logs a message at debug level using the singleton logger.
func Debug(msg string) {
	get().Debug(msg)
}

// Debugf logs a message at debug level using the singleton logger.
func Debugf(msg string, args ...any) {
	get().Debugf(msg, args...)
}

// Debugw logs a message at debug level using the singleton logger with additional key-value pairs.
func Debugw(msg string, keysAndValues ...any) {
	get().Debugw(msg, keysAndValues...)
}

// Info logs a message at info level using the singleton logger.
func Info(msg string) {
	get().Info(msg)
}

// Infof logs a message at info level using the singleton logger.
func Infof(msg string, args ...any) {
	get().Infof(msg, args...)
}

// Infow logs a message at info level using the singleton logger with additional key-value pairs.
func Infow(msg string, keysAndValues ...any) {
	get().Infow(msg, keysAndValues...)
}

// Warn logs a message at warning level using the singleton logger.
func Warn(msg string) {
	get().Warn(msg)
}

// Warnf logs a message at warning level using the singleton logger.
func Warnf(msg string, args ...any) {
	get().Warnf(msg, args...)
}

// Warnw logs a message at warning level using the singleton logger with additional key-value pairs.
func Warnw(msg string, keysAndValues ...any) {
	get().Warnw(msg, keysAndValues...)
}

// Error logs a message at error level using the singleton logger.
func Error(msg string) {
	get().Error(msg)
}

// Errorf logs a message at error level using the singleton logger.
func Errorf(msg string, args ...any) {
	get().Errorf(msg, args...)
}

// Errorw logs a message at error level using the singleton logger with additional key-value pairs.
func Errorw(msg string, keysAndValues ...any) {
	get().Errorw(msg, keysAndValues...)
}

// Panic logs a message at panic level using the singleton logger and panics the program.
func Panic(msg string) {
	get().Panic(msg)
}

// Panicf logs a message at panic level using the singleton logger and panics the program.
func Panicf(msg string, args ...any) {
	get().Panicf(msg, args...)
}

// Panicw logs a message at panic level using the singleton logger with additional key-value pairs and panics the program.
func Panicw(msg string, keysAndValues ...any) {
	get().Panicw(msg, keysAndValues...)
}

// Fatal logs a message at fatal level using the singleton logger and exits the program.
func Fatal(msg string) {
	get().Fatal(msg)
}

// Fatalf logs a message at fatal level using the singleton logger and exits the program.
func Fatalf(msg string, args ...any) {
	get().Fatalf(msg, args...)
}

// Fatalw logs a message at fatal level using the singleton logger with additional key-value pairs and exits the program.
func Fatalw(msg string, keysAndValues ...any) {
	get().Fatalw(msg, keysAndValues...)
}

// Sync flushes any buffered log entries. Applications should call it before
// exiting; errors from syncing stderr are ignored.
func Sync() {
	//nolint:errcheck // stderr sync failures are not actionable
	_ = get().Sync()
}

// Initialize creates and configures the appropriate logger.
// If the UNSTRUCTURED_LOGS env var is set to true, it will output plain text.
// Otherwise it will create a standard structured JSON logger.
func Initialize() {
	singleton.Store(newLogger(unstructuredLogs(), viper.GetBool("debug")))
}

func newLogger(unstructured, debug bool) *zap.SugaredLogger {
	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}

	var encoder zapcore.Encoder
	if unstructured {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(cfg)
	} else {
		cfg := zap.NewProductionEncoderConfig()
		cfg.TimeKey = "timestamp"
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(cfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level)
	return zap.New(core, zap.AddCaller()).Sugar()
}

func unstructuredLogs() bool {
	unstructured, err := strconv.ParseBool(os.Getenv("UNSTRUCTURED_LOGS"))
	if err != nil {
		// at this point if the error is not nil, the env var wasn't set, or is ""
		// which means we stay with structured JSON output.
		return false
	}
	return unstructured
}

// SPDX-FileCopyrightText: Copyright 2026 Portico Labs
// SPDX-License-Identifier: Apache-2.0

// Package logger provides the process-wide structured logger used by every
// portico component. It is backed by log/slog and initialized exactly once at
// startup; the format is selected by the UNSTRUCTURED_LOGS environment
// variable (human-readable text by default, JSON when set to "false").
package logger

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync/atomic"

	"github.com/porticolabs/portico/pkg/env"
)

var singleton atomic.Pointer[slog.Logger]

func init() {
	// A usable default so that packages logging before Initialize (tests,
	// init-time validation) do not crash.
	singleton.Store(newLogger(true))
}

// Initialize sets up the singleton logger from the real process environment.
func Initialize() {
	InitializeWithEnv(&env.OSReader{})
}

// InitializeWithEnv sets up the singleton logger using the given environment
// reader.
func InitializeWithEnv(reader env.Reader) {
	singleton.Store(newLogger(unstructuredLogsWithEnv(reader)))
}

// Get returns the current singleton logger for callers that want to attach
// structured context of their own.
func Get() *slog.Logger {
	return singleton.Load()
}

func newLogger(unstructured bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: logLevel()}
	var handler slog.Handler
	if unstructured {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func logLevel() slog.Level {
	if debug, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && debug {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// unstructuredLogsWithEnv reports whether logs should be human-readable text.
// Anything other than an explicit "false" selects text output.
func unstructuredLogsWithEnv(reader env.Reader) bool {
	value, err := strconv.ParseBool(reader.Getenv("UNSTRUCTURED_LOGS"))
	if err != nil {
		return true
	}
	return value
}

// Debug logs a message at debug level.
func Debug(msg string) { singleton.Load().Debug(msg) }

// Debugf logs a formatted message at debug level.
func Debugf(format string, args ...any) { singleton.Load().Debug(fmt.Sprintf(format, args...)) }

// Debugw logs a message with key-value pairs at debug level.
func Debugw(msg string, keysAndValues ...any) { singleton.Load().Debug(msg, keysAndValues...) }

// Info logs a message at info level.
func Info(msg string) { singleton.Load().Info(msg) }

// Infof logs a formatted message at info level.
func Infof(format string, args ...any) { singleton.Load().Info(fmt.Sprintf(format, args...)) }

// Infow logs a message with key-value pairs at info level.
func Infow(msg string, keysAndValues ...any) { singleton.Load().Info(msg, keysAndValues...) }

// Warn logs a message at warn level.
func Warn(msg string) { singleton.Load().Warn(msg) }

// Warnf logs a formatted message at warn level.
func Warnf(format string, args ...any) { singleton.Load().Warn(fmt.Sprintf(format, args...)) }

// Warnw logs a message with key-value pairs at warn level.
func Warnw(msg string, keysAndValues ...any) { singleton.Load().Warn(msg, keysAndValues...) }

// Error logs a message at error level.
func Error(msg string) { singleton.Load().Error(msg) }

// Errorf logs a formatted message at error level.
func Errorf(format string, args ...any) { singleton.Load().Error(fmt.Sprintf(format, args...)) }

// Errorw logs a message with key-value pairs at error level.
func Errorw(msg string, keysAndValues ...any) { singleton.Load().Error(msg, keysAndValues...) }

// Panic logs a message at error level and panics.
func Panic(msg string) {
	singleton.Load().Error(msg)
	panic(msg)
}

// Panicf logs a formatted message at error level and panics.
func Panicf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	singleton.Load().Error(msg)
	panic(msg)
}

// Panicw logs a message with key-value pairs at error level and panics.
func Panicw(msg string, keysAndValues ...any) {
	singleton.Load().Error(msg, keysAndValues...)
	panic(msg)
}

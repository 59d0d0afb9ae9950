// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package logger holds the process-wide logger of the state service.
//
// Long-lived components take a *slog.Logger at construction and fall back to
// [For], which tags the shared logger with the component name.
package logger

import (
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/spf13/viper"

	"github.com/stacklok/toolhive-core/env"
	"github.com/stacklok/toolhive-core/logging"
)

// FormatEnv selects the output format: "json" for structured records,
// anything else for plain text.
const FormatEnv = "STATESTORE_LOG_FORMAT"

var current atomic.Pointer[slog.Logger]

func init() {
	current.Store(logging.New())
}

// Get returns the shared logger.
func Get() *slog.Logger {
	return current.Load()
}

// Set replaces the shared logger. Tests use it to capture output.
func Set(l *slog.Logger) {
	current.Store(l)
}

// For returns l, or the shared logger tagged with component when l is nil.
func For(l *slog.Logger, component string) *slog.Logger {
	if l != nil {
		return l
	}
	return Get().With("component", component)
}

// Infof logs a formatted message at info level.
func Infof(msg string, args ...any) {
	Get().Info(fmt.Sprintf(msg, args...))
}

// Infow logs msg at info level with key-value pairs.
func Infow(msg string, keysAndValues ...any) {
	Get().Info(msg, keysAndValues...)
}

// Errorf logs a formatted message at error level.
func Errorf(msg string, args ...any) {
	Get().Error(fmt.Sprintf(msg, args...))
}

// Initialize configures the shared logger from the environment and the
// "debug" setting.
func Initialize() {
	InitializeWithEnv(&env.OSReader{})
}

// InitializeWithEnv is Initialize with an injected environment.
func InitializeWithEnv(envReader env.Reader) {
	var opts []logging.Option
	if !structured(envReader) {
		opts = append(opts, logging.WithFormat(logging.FormatText))
	}
	if viper.GetBool("debug") {
		opts = append(opts, logging.WithLevel(slog.LevelDebug))
	}
	current.Store(logging.New(opts...))
}

func structured(envReader env.Reader) bool {
	return strings.EqualFold(strings.TrimSpace(envReader.Getenv(FormatEnv)), "json")
}

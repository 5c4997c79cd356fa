// Copyright 2024 Fathom MQ Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log is the session runtime's package-level logger. It is built on
// zerolog, formatted with ecszerolog so that session/dispatcher/consumer
// events carry Elastic Common Schema field names when shipped to an
// aggregator, and rotated to disk with lumberjack. A logrus adapter is kept
// alongside it for call sites that want logrus.Fields-shaped structured
// logging instead of zerolog's chained builder (see the Dispatcher's
// recovered-panic log line).
package log

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"github.com/sirupsen/logrus"
	"go.elastic.co/ecszerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu      sync.RWMutex
	base    zerolog.Logger
	fields  *logrus.Logger
	rotator *lumberjack.Logger
)

func init() {
	base = ecszerolog.New(os.Stderr).With().Timestamp().Logger()

	fields = logrus.New()
	fields.SetFormatter(&logrus.JSONFormatter{})
	fields.SetOutput(os.Stderr)
}

// Config controls where log output is sent and at what level.
type Config struct {
	// FilePath, if non-empty, rotates log output to disk via lumberjack
	// in addition to the console writer.
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool

	// Level is one of zerolog's level strings ("debug", "info", "warn",
	// "error"); defaults to "info" when empty.
	Level string
}

// Configure replaces the package-level logger's sinks and level. It is
// safe to call at most once during process startup; subsequent calls
// are serialized but intended for tests.
func Configure(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()

	level := zerolog.InfoLevel
	if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return err
		}
		level = parsed
	}

	var w io.Writer = os.Stderr
	if cfg.FilePath != "" {
		rotator = &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    nonZero(cfg.MaxSizeMB, 100),
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		w = io.MultiWriter(os.Stderr, rotator)
	}

	base = ecszerolog.New(w, ecszerolog.Level(level)).With().Timestamp().Logger()

	fields.SetLevel(logrusLevel(level))
	fields.SetOutput(w)

	return nil
}

func nonZero(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func logrusLevel(l zerolog.Level) logrus.Level {
	switch l {
	case zerolog.DebugLevel:
		return logrus.DebugLevel
	case zerolog.WarnLevel:
		return logrus.WarnLevel
	case zerolog.ErrorLevel:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// Debugf logs a formatted debug-level message.
func Debugf(format string, args ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	base.Debug().Msgf(format, args...)
}

// Infof logs a formatted info-level message.
func Infof(format string, args ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	base.Info().Msgf(format, args...)
}

// Warnf logs a formatted warn-level message.
func Warnf(format string, args ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	base.Warn().Msgf(format, args...)
}

// Errorf logs a formatted error-level message.
func Errorf(format string, args ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	base.Error().Msgf(format, args...)
}

// WithFields returns a logrus entry for structured, field-oriented logging
// (as opposed to the zerolog-backed Debugf/Warnf family above). Used by
// call sites that log a bag of key/value pairs rather than a single
// formatted message, e.g. the Dispatcher's recovered-panic handler.
func WithFields(f logrus.Fields) *logrus.Entry {
	mu.RLock()
	defer mu.RUnlock()
	return fields.WithFields(f)
}

// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	EnvLogLevel  = "GRAINRPC_LOG_LEVEL"
	EnvLogFormat = "GRAINRPC_LOG_FORMAT"
)

// Configure applies level and format to the standard logger. The
// GRAINRPC_LOG_LEVEL and GRAINRPC_LOG_FORMAT environment variables win over
// the arguments.
func Configure(level, format string) error {
	return Apply(logrus.StandardLogger(), level, format)
}

// Apply configures log the way Configure configures the standard logger.
func Apply(log *logrus.Logger, level, format string) error {
	level, format = applyEnvOverrides(level, format)
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	f, err := formatter(format)
	if err != nil {
		return err
	}
	log.SetLevel(lvl)
	log.SetFormatter(f)
	return nil
}

// Discard silences log, for tests that exercise noisy paths.
func Discard(log *logrus.Logger) {
	log.SetOutput(io.Discard)
}

func applyEnvOverrides(level, format string) (string, string) {
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		level = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogFormat)); v != "" {
		format = v
	}
	return level, format
}

// ParseLevel accepts the logrus level names plus "off".
func ParseLevel(raw string) (logrus.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return logrus.InfoLevel, nil
	case "off", "disabled", "none":
		return logrus.PanicLevel, nil
	}
	lvl, err := logrus.ParseLevel(raw)
	if err != nil {
		return logrus.InfoLevel, fmt.Errorf("log level: %w", err)
	}
	return lvl, nil
}

func formatter(format string) (logrus.Formatter, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		return &logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.DateTime,
		}, nil
	case "json":
		return &logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano}, nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

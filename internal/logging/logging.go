// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package logging builds the process-wide zap logger. No global is
// exported — every component takes a *zap.SugaredLogger explicitly.
package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a *zap.SugaredLogger from a LOG_LEVEL string ("debug", "info",
// "warn", "error") and a debug flag. debug=true forces development mode
// (console encoder, caller info, debug level floor) regardless of level.
func New(level string, debug bool) (*zap.SugaredLogger, error) {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	if debug && lvl > zapcore.DebugLevel {
		lvl = zapcore.DebugLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

func parseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		var l zapcore.Level
		if err := l.UnmarshalText([]byte(level)); err != nil {
			return zapcore.InfoLevel, err
		}
		return l, nil
	}
}

// Nop returns a logger that discards everything, for tests that don't
// care about log output.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

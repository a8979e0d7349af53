// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package tracedump implements the optional DEBUG-gated raw-event dump
// sidecar referenced in spec §1's "out of scope" note: a JSON-lines
// trace of every inbound/outbound frame, useful for debugging a
// provider's wire protocol without attaching a packet capture. Disabled
// in production; rotated so a long-running proxy doesn't fill disk.
package tracedump

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"
)

// entry is one JSON-line record.
type entry struct {
	Time      string `json:"time"`
	SessionID string `json:"sessionId"`
	Direction string `json:"direction"`
	Raw       string `json:"raw"`
}

// Dump writes newline-delimited JSON trace records to a rotated log
// file. Safe for concurrent use.
type Dump struct {
	mu     sync.Mutex
	logger *zap.SugaredLogger
	out    *lumberjack.Logger
}

// New opens (or creates) path for append, rotating per the given size
// (MB) and retention (days). Callers should only construct a Dump when
// DEBUG=true (§6).
func New(path string, maxSizeMB, maxAgeDays int, logger *zap.SugaredLogger) *Dump {
	return &Dump{
		logger: logger,
		out: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSizeMB,
			MaxAge:     maxAgeDays,
			MaxBackups: 3,
			Compress:   true,
		},
	}
}

// WriteInbound records one inbound client frame.
func (d *Dump) WriteInbound(sessionID string, raw []byte) { d.write(sessionID, "in", raw) }

// WriteOutbound records one outbound frame to the client.
func (d *Dump) WriteOutbound(sessionID string, raw []byte) { d.write(sessionID, "out", raw) }

func (d *Dump) write(sessionID, direction string, raw []byte) {
	line, err := json.Marshal(entry{
		Time:      time.Now().UTC().Format(time.RFC3339Nano),
		SessionID: sessionID,
		Direction: direction,
		Raw:       string(raw),
	})
	if err != nil {
		d.logger.Debugw("tracedump: marshal failed", "error", err)
		return
	}
	line = append(line, '\n')

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.out.Write(line); err != nil {
		d.logger.Debugw("tracedump: write failed", "error", err)
	}
}

// Close flushes and closes the underlying rotated file.
func (d *Dump) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.out.Close()
}

// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package backend

import (
	"github.com/rapidaai/sttproxy/internal/model"
	"go.uber.org/zap"
)

// Dummy is a loopback backend: it accepts audio, counts it, and emits
// no transcriptions (§4.3 "Dummy"). Useful for load tests and for
// running the proxy with no provider credentials configured.
type Dummy struct {
	base
	logger        *zap.SugaredLogger
	bytesReceived int64
	framesCount   int64
}

func NewDummy(logger *zap.SugaredLogger, obs Observers) *Dummy {
	return &Dummy{base: newBase(obs), logger: logger}
}

func (d *Dummy) Connect(cfg Config) error {
	d.setStatus(StatusConnected)
	return nil
}

func (d *Dummy) SendAudio(data []byte, format model.AudioFormat) error {
	if !d.isConnected() {
		return ErrNotReady{}
	}
	d.bytesReceived += int64(len(data))
	d.framesCount++
	return nil
}

func (d *Dummy) ForceCommit() error  { return nil }
func (d *Dummy) UpdatePrompt(string) error { return nil }

func (d *Dummy) DesiredAudioFormat(model.AudioFormat) model.AudioFormat {
	return model.AudioFormat{Encoding: model.EncodingL16, SampleRate: 24000, Channels: 1}
}

func (d *Dummy) Close() error {
	d.setStatus(StatusClosed)
	d.logger.Infow("dummy backend closed", "bytesReceived", d.bytesReceived, "frames", d.framesCount)
	d.emitClosed()
	return nil
}

// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package backend implements the uniform upstream-provider contract
// (§4.3) and its four adapters: OpenAI Realtime, Gemini Live,
// Deepgram, and a loopback Dummy. Every adapter shares the same
// pending -> connected -> (closed|failed) state machine and the same
// idempotent-close / observer-callback plumbing, following the
// teacher's channel streamer pattern (push* helpers, a mutex-guarded
// "done once" flag) in internal/channel/webrtc/base_streamer.go.
package backend

import (
	"sync"

	"github.com/rapidaai/sttproxy/internal/apperr"
	"github.com/rapidaai/sttproxy/internal/model"
)

// Status is the backend connection state machine from spec §4.3.
type Status int

const (
	StatusPending Status = iota
	StatusConnected
	StatusFailed
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConnected:
		return "connected"
	case StatusFailed:
		return "failed"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config carries the per-connect parameters a Backend needs.
type Config struct {
	Model    string
	Language string
	Prompt   string
	Tags     []string
}

// Observers is the callback set a Pipeline registers on a Backend
// before calling Connect (§4.3 "Observer callbacks").
type Observers struct {
	OnInterim  func(model.TranscriptionMessage)
	OnComplete func(model.TranscriptionMessage)
	OnError    func(kind apperr.Kind, message string)
	OnClosed   func()
}

// Backend models one upstream provider session for one participant.
type Backend interface {
	// Connect opens the upstream session. It returns once the
	// provider handshake completes (or fails) — adapters that need an
	// async handshake (Gemini's setupComplete) block internally until
	// that event arrives or the attempt fails.
	Connect(cfg Config) error
	SendAudio(data []byte, format model.AudioFormat) error
	ForceCommit() error
	UpdatePrompt(prompt string) error
	DesiredAudioFormat(input model.AudioFormat) model.AudioFormat
	Close() error
	Status() Status
}

// base provides the shared state machine, idempotent close, and
// observer dispatch every adapter embeds. It does not know about any
// wire protocol.
type base struct {
	mu        sync.Mutex
	status    Status
	observers Observers
	closeOnce sync.Once
}

func newBase(obs Observers) base {
	return base{status: StatusPending, observers: obs}
}

func (b *base) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func (b *base) setStatus(s Status) {
	b.mu.Lock()
	b.status = s
	b.mu.Unlock()
}

func (b *base) isConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status == StatusConnected
}

// emitClosed runs the onClosed observer at most once, regardless of
// how many times Close() is invoked (§4.3 "Idempotent. Emits closed
// callback exactly once").
func (b *base) emitClosed() {
	b.closeOnce.Do(func() {
		if b.observers.OnClosed != nil {
			b.observers.OnClosed()
		}
	})
}

func (b *base) emitError(kind apperr.Kind, message string) {
	if b.observers.OnError != nil {
		b.observers.OnError(kind, message)
	}
}

func (b *base) emitInterim(msg model.TranscriptionMessage) {
	if b.observers.OnInterim != nil {
		b.observers.OnInterim(msg)
	}
}

func (b *base) emitComplete(msg model.TranscriptionMessage) {
	if b.observers.OnComplete != nil {
		b.observers.OnComplete(msg)
	}
}

// ErrNotReady is returned by SendAudio when the backend isn't connected.
type ErrNotReady struct{}

func (ErrNotReady) Error() string { return "not_ready" }

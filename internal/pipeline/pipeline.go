// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package pipeline implements the per-tag Participant Pipeline (§4.4):
// decode -> conceal -> forward, the pending-bytes/frozen-chunk buffer
// management around MAX_AUDIO_BLOCK, the idle-commit timer, and
// transcript context injection. It mirrors the teacher's
// bufferAndSendInput/pushInput channel-streamer pattern
// (internal/channel/webrtc/base_streamer.go), adapted from a
// goroutine-fed channel pair to direct, mutex-guarded method calls
// since a Pipeline's triggers (downstream media events and backend
// callbacks) already arrive serialized enough per tag that an extra
// channel hop buys nothing.
package pipeline

import (
	"encoding/base64"
	"sync"
	"time"

	"github.com/rapidaai/sttproxy/internal/apperr"
	"github.com/rapidaai/sttproxy/internal/audio"
	"github.com/rapidaai/sttproxy/internal/backend"
	"github.com/rapidaai/sttproxy/internal/metrics"
	"github.com/rapidaai/sttproxy/internal/model"
	"go.uber.org/zap"
)

// MaxAudioBlock is the pending-buffer freeze threshold (§6 Constants).
const MaxAudioBlock = 11_796_480

// MediaEvent is the decoded shape of an inbound `media` event (§6).
type MediaEvent struct {
	Tag       string
	Payload   string // base64-encoded Opus bytes (base64-decoded for every decoder, pass-through included)
	Chunk     *int
	Timestamp *int
}

// Hooks are the Session-level callbacks a Pipeline drives.
type Hooks struct {
	OnInterim  func(tag string, msg model.TranscriptionMessage)
	OnComplete func(tag string, msg model.TranscriptionMessage)
	OnError    func(tag string, kind apperr.Kind, message string)
	OnClosed   func(tag string)
}

// Config carries the pipeline-level tunables sourced from AppConfig.
type Config struct {
	ForceCommitTimeout      time.Duration // 0 disables
	BroadcastTranscripts    bool
	BroadcastTranscriptsMax int
	BasePrompt              string
}

// Pipeline is the per-tag state described in spec §3.
type Pipeline struct {
	mu sync.Mutex

	localTag       string
	serverAckedTag string

	decoder    audio.Decoder
	backend    backend.Backend
	order      audio.OrderState
	resampler  *audio.Resampler // nil when the decoder's rate already matches the backend's

	pendingOpusQueue [][]byte // raw frames awaiting decoder readiness
	pendingBuffer    []byte   // bytes awaiting a connected backend
	frozenChunks     []string // base64 chunks frozen at MaxAudioBlock

	lastTranscriptTime *int64
	idleTimer          *time.Timer

	transcriptHistory string

	cfg     Config
	hooks   Hooks
	metrics metrics.Sink
	logger  *zap.SugaredLogger

	closed bool
}

// New constructs a Pipeline for tag and wires the backend's observer
// callbacks back to this pipeline's handlers before returning — the
// backend itself is built by backendFactory, which receives the
// Observers it must pass to its own constructor.
func New(tag string, cfg Config, dec audio.Decoder, backendFactory func(backend.Observers) backend.Backend, hooks Hooks, sink metrics.Sink, logger *zap.SugaredLogger) *Pipeline {
	p := &Pipeline{
		localTag:       tag,
		serverAckedTag: tag,
		decoder:        dec,
		order:          audio.NewOrderState(),
		cfg:            cfg,
		hooks:          hooks,
		metrics:        sink,
		logger:         logger,
	}
	p.backend = backendFactory(backend.Observers{
		OnInterim:  p.handleBackendInterim,
		OnComplete: p.handleBackendComplete,
		OnError:    p.handleBackendError,
		OnClosed:   p.handleBackendClosed,
	})

	// The decoder is "selected by the backend's desiredAudioFormat"
	// (§4.4); here that selection has already happened by the time New
	// is called (the caller picks OpusDecoder vs. PassThrough), so all
	// that's left is reconciling sample rates when the decoder outputs
	// PCM at a rate the backend doesn't want.
	want := p.backend.DesiredAudioFormat(model.AudioFormat{})
	if native := dec.SampleRate(); native > 0 && want.SampleRate > 0 && native != want.SampleRate {
		p.resampler = audio.NewResampler(native, want.SampleRate)
	}
	return p
}

// toForwardBytes applies the pipeline's resampler (if any) to a decode
// result's PCM, falling back to the decoder's own Forward bytes for
// pass-through or rate-matched decoders.
func (p *Pipeline) toForwardBytes(res *audio.Result) []byte {
	if p.resampler != nil && len(res.PCM) > 0 {
		return audio.Int16ToBytesLE(p.resampler.Resample(res.PCM))
	}
	return res.Forward
}

// Connect opens the backend session. Safe to call from a goroutine
// since the adapters' Connect() blocks until ready or failed.
func (p *Pipeline) Connect(cfg backend.Config) error {
	if err := p.backend.Connect(cfg); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drainPendingLocked()
	return nil
}

// HandleMedia implements the §4.4 media-event handling steps.
func (p *Pipeline) HandleMedia(ev MediaEvent) {
	if ev.Payload == "" || ev.Tag != p.localTag {
		p.logger.Warnw("pipeline: dropping media event", "tag", ev.Tag, "expected", p.localTag)
		return
	}

	opusBytes, err := base64.StdEncoding.DecodeString(ev.Payload)
	if err != nil {
		p.logger.Warnw("pipeline: bad base64 payload, dropping", "tag", p.localTag, "error", err)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	decision := audio.ApplyOrderingGuard(&p.order, ev.Chunk, ev.Timestamp, p.metrics)
	if decision.Discard {
		return
	}

	if decision.ConcealSamples > 0 && p.decoder.Status() == audio.StatusReady {
		if res, err := p.decoder.Conceal(opusBytes, decision.ConcealSamples); err == nil && len(res.Forward) > 0 {
			p.forwardLocked(p.toForwardBytes(res))
		} else if err != nil {
			p.logger.Debugw("pipeline: conceal failed, dropping", "tag", p.localTag, "error", err)
		}
	}

	switch p.decoder.Status() {
	case audio.StatusReady:
		res, err := p.decoder.DecodeFrame(opusBytes)
		if err != nil {
			p.metrics.Inc(metrics.OpusDecodeFailure)
			p.logger.Debugw("pipeline: decode failed, dropping frame", "tag", p.localTag, "error", err)
			return
		}
		if res.SamplesDecoded > 0 {
			p.order.LastOpusFrameSize = res.SamplesDecoded
		}
		p.forwardLocked(p.toForwardBytes(res))

	case audio.StatusPending:
		p.pendingOpusQueue = append(p.pendingOpusQueue, opusBytes)

	default: // failed or closed
	}
}

// OnDecoderReady drains frames queued while the decoder initialized.
// Callers should invoke this once decoder.Ready() fires.
func (p *Pipeline) OnDecoderReady() {
	p.mu.Lock()

	if p.decoder.Status() != audio.StatusReady {
		// init failed: fail the whole pipeline (§4.4 "Failure semantics").
		p.closeLocked()
		p.mu.Unlock()
		p.hooks.OnError(p.localTag, apperr.Codec, "decoder initialization failed")
		return
	}

	queue := p.pendingOpusQueue
	p.pendingOpusQueue = nil
	for _, frame := range queue {
		res, err := p.decoder.DecodeFrame(frame)
		if err != nil {
			p.metrics.Inc(metrics.OpusDecodeFailure)
			continue
		}
		if res.SamplesDecoded > 0 {
			p.order.LastOpusFrameSize = res.SamplesDecoded
		}
		p.forwardLocked(p.toForwardBytes(res))
	}
	p.mu.Unlock()
}

// forwardLocked implements the §4.4 "Upstream forwarding path". Must
// hold p.mu.
func (p *Pipeline) forwardLocked(data []byte) {
	if len(data) == 0 {
		return
	}

	switch p.backend.Status() {
	case backend.StatusConnected:
		if err := p.backend.SendAudio(data, model.AudioFormat{}); err != nil {
			p.logger.Debugw("pipeline: sendAudio failed", "tag", p.localTag, "error", err)
			return
		}
		p.restartIdleTimerLocked()

	case backend.StatusPending:
		if len(p.pendingBuffer)+len(data) > MaxAudioBlock {
			p.frozenChunks = append(p.frozenChunks, base64.StdEncoding.EncodeToString(p.pendingBuffer))
			p.pendingBuffer = nil
		}
		p.pendingBuffer = append(p.pendingBuffer, data...)

	default: // failed or closed
	}
}

// drainPendingLocked flushes frozen chunks then the remaining pending
// buffer, in order, once the backend has become connected. Must hold
// p.mu.
func (p *Pipeline) drainPendingLocked() {
	if p.backend.Status() != backend.StatusConnected {
		return
	}
	for _, chunk := range p.frozenChunks {
		raw, err := base64.StdEncoding.DecodeString(chunk)
		if err != nil {
			continue
		}
		_ = p.backend.SendAudio(raw, model.AudioFormat{})
	}
	p.frozenChunks = nil

	if len(p.pendingBuffer) > 0 {
		_ = p.backend.SendAudio(p.pendingBuffer, model.AudioFormat{})
		p.pendingBuffer = nil
	}
	p.restartIdleTimerLocked()
}

func (p *Pipeline) restartIdleTimerLocked() {
	if p.cfg.ForceCommitTimeout <= 0 {
		return
	}
	if p.idleTimer != nil {
		p.idleTimer.Stop()
	}
	p.idleTimer = time.AfterFunc(p.cfg.ForceCommitTimeout, p.onIdleFire)
}

func (p *Pipeline) clearIdleTimerLocked() {
	if p.idleTimer != nil {
		p.idleTimer.Stop()
		p.idleTimer = nil
	}
}

func (p *Pipeline) onIdleFire() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.backend.Status() == backend.StatusConnected {
		_ = p.backend.ForceCommit()
	}
	p.idleTimer = nil
}

func (p *Pipeline) handleBackendInterim(msg model.TranscriptionMessage) {
	now := time.Now().UnixMilli()
	p.mu.Lock()
	p.lastTranscriptTime = &now
	p.mu.Unlock()

	msg.Participant = model.ParseTag(p.localTag)
	msg.Timestamp = now
	p.hooks.OnInterim(p.localTag, msg)
}

// handleBackendComplete reuses the preceding interim's timestamp when one
// exists, so a completion doesn't appear to arrive later than the delta
// that produced it; providers that emit no preceding delta (Gemini) fall
// back to wall-clock-at-receipt.
func (p *Pipeline) handleBackendComplete(msg model.TranscriptionMessage) {
	p.mu.Lock()
	p.clearIdleTimerLocked()
	ts := p.lastTranscriptTime
	p.lastTranscriptTime = nil
	p.mu.Unlock()

	msg.Participant = model.ParseTag(p.localTag)
	if ts != nil {
		msg.Timestamp = *ts
	} else {
		msg.Timestamp = time.Now().UnixMilli()
	}
	p.hooks.OnComplete(p.localTag, msg)
}

func (p *Pipeline) handleBackendError(kind apperr.Kind, message string) {
	p.mu.Lock()
	p.closeLocked()
	p.mu.Unlock()
	p.hooks.OnError(p.localTag, kind, message)
}

func (p *Pipeline) handleBackendClosed() {
	p.hooks.OnClosed(p.localTag)
}

// AddTranscriptContext implements §4.4's context-injection algorithm.
func (p *Pipeline) AddTranscriptContext(sourceParticipantID, text string) {
	if !p.cfg.BroadcastTranscripts {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.transcriptHistory += sourceParticipantID + ": " + text + "\n"
	if max := p.cfg.BroadcastTranscriptsMax; max > 0 && len(p.transcriptHistory) > max {
		p.transcriptHistory = truncateToLine(p.transcriptHistory, max)
	}

	fullPrompt := p.cfg.BasePrompt + "\n\nThe following is a transcription of the ongoing conversation so far:\n" + p.transcriptHistory
	_ = p.backend.UpdatePrompt(fullPrompt)
}

// truncateToLine right-truncates s to at most max bytes, then — if
// that cut lands mid-line — advances to the next newline so history
// always starts on a complete line (§4.4).
func truncateToLine(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := s[len(s)-max:]
	if s[len(s)-max-1] == '\n' {
		return cut
	}
	if idx := indexByte(cut, '\n'); idx >= 0 {
		return cut[idx+1:]
	}
	return cut
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// Close tears the pipeline down: clears timers and closes the backend
// and decoder. Idempotent.
func (p *Pipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
}

func (p *Pipeline) closeLocked() {
	if p.closed {
		return
	}
	p.closed = true
	p.clearIdleTimerLocked()
	_ = p.backend.Close()
	p.decoder.Free()
}

// Tag returns the pipeline's local tag.
func (p *Pipeline) Tag() string { return p.localTag }

// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package audio implements the decode -> conceal -> resample chain
// described in spec §4.1/§4.2: an Opus decoder with packet-loss
// concealment, a pass-through variant for native-Opus providers, the
// shared ordering guard, and a linear-interpolation PCM16 resampler.
package audio

import (
	"fmt"

	"github.com/rapidaai/sttproxy/internal/metrics"
	"go.uber.org/zap"
	opus "gopkg.in/hraban/opus.v2"
)

// Status mirrors the decoderStatus values from spec §3.
type Status int

const (
	StatusPending Status = iota
	StatusReady
	StatusFailed
	StatusClosed
)

// DecodeError describes one failed frame; non-fatal by itself (§4.4).
type DecodeError struct {
	Err error
}

func (e DecodeError) Error() string { return e.Err.Error() }

// Result is the uniform output shape for both Decoder variants.
// Forward holds the bytes the pipeline should actually send onward:
// little-endian PCM16 for OpusDecoder, the original Opus frame for
// PassThrough (§4.4 step 7, "the PCM (or original bytes for
// pass-through)").
type Result struct {
	PCM            []int16
	Forward        []byte
	SamplesDecoded int
	SampleRate     int
	Channels       int
	Errors         []DecodeError
}

// Decoder is the contract both OpusDecoder and PassThrough satisfy.
// Discarding out-of-order packets is not done here: ApplyOrderingGuard
// decides that before a frame reaches DecodeFrame or Conceal.
type Decoder interface {
	Ready() <-chan struct{}
	Status() Status
	DecodeFrame(frame []byte) (*Result, error)
	Conceal(nextFrame []byte, samplesToConceal int) (*Result, error)
	Reset()
	Free()
	// SampleRate returns the rate PCM is decoded at, or 0 when the
	// decoder produces no PCM (PassThrough) — a 0 tells callers there
	// is nothing to resample.
	SampleRate() int
}

// concealSamplesPerMs is the 24kHz-equivalent sample rate used by the
// ordering guard's concealment-size calculation (§4.1).
const concealSamplesPerMs = 24

// maxConcealMs bounds a single concealment burst to 120ms (§4.1).
const maxConcealMs = 120

// OpusDecoder wraps gopkg.in/hraban/opus.v2, the teacher's direct Opus
// dependency, adding the ready-gate and terminal-failure state the
// pipeline needs around codec initialization.
type OpusDecoder struct {
	logger     *zap.SugaredLogger
	sampleRate int
	channels   int

	dec    *opus.Decoder
	status Status
	ready  chan struct{}
}

var validSampleRates = map[int]bool{8000: true, 12000: true, 16000: true, 24000: true, 48000: true}

// NewOpusDecoder constructs and initializes an OpusDecoder. sampleRate
// must be one of {8000,12000,16000,24000,48000} and channels one of
// {1,2} per §4.1; init failure puts the decoder straight into
// StatusFailed and closes Ready() so callers don't block forever.
func NewOpusDecoder(logger *zap.SugaredLogger, sampleRate, channels int) *OpusDecoder {
	d := &OpusDecoder{
		logger:     logger,
		sampleRate: sampleRate,
		channels:   channels,
		ready:      make(chan struct{}),
	}

	if !validSampleRates[sampleRate] || (channels != 1 && channels != 2) {
		d.fail(fmt.Errorf("invalid opus params: rate=%d channels=%d", sampleRate, channels))
		return d
	}

	dec, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		d.fail(err)
		return d
	}
	d.dec = dec
	d.status = StatusReady
	close(d.ready)
	return d
}

func (d *OpusDecoder) fail(err error) {
	d.logger.Warnw("opus decoder init failed", "error", err)
	d.status = StatusFailed
	close(d.ready)
}

func (d *OpusDecoder) Ready() <-chan struct{} { return d.ready }
func (d *OpusDecoder) Status() Status         { return d.status }
func (d *OpusDecoder) SampleRate() int        { return d.sampleRate }

func (d *OpusDecoder) DecodeFrame(frame []byte) (*Result, error) {
	if d.status != StatusReady {
		return nil, fmt.Errorf("opus decoder not ready: status=%v", d.status)
	}
	pcm := make([]int16, d.sampleRate/50*d.channels) // room for exactly one 20ms frame; longer frames do not fit
	n, err := d.dec.Decode(frame, pcm)
	if err != nil {
		return nil, err
	}
	samples := n * d.channels
	out := pcm[:samples]
	return &Result{
		PCM:            out,
		Forward:        Int16ToBytesLE(out),
		SamplesDecoded: n,
		SampleRate:     d.sampleRate,
		Channels:       d.channels,
	}, nil
}

// Conceal synthesizes samplesToConceal samples of audio: FEC from
// nextFrame when supplied (FEC-on-current-arrival, per spec's Open
// Questions decision), otherwise pure PLC via Decode(nil, ...).
func (d *OpusDecoder) Conceal(nextFrame []byte, samplesToConceal int) (*Result, error) {
	if d.status != StatusReady {
		return nil, fmt.Errorf("opus decoder not ready: status=%v", d.status)
	}
	if samplesToConceal <= 0 {
		return &Result{SampleRate: d.sampleRate, Channels: d.channels}, nil
	}
	pcm := make([]int16, samplesToConceal*d.channels)

	if len(nextFrame) > 0 {
		n, err := d.dec.DecodeFEC(nextFrame, pcm)
		if err == nil {
			out := pcm[:n*d.channels]
			return &Result{PCM: out, Forward: Int16ToBytesLE(out), SamplesDecoded: n, SampleRate: d.sampleRate, Channels: d.channels}, nil
		}
		d.logger.Debugw("opus FEC conceal failed, falling back to PLC", "error", err)
	}

	n, err := d.dec.Decode(nil, pcm)
	if err != nil {
		return nil, err
	}
	out := pcm[:n*d.channels]
	return &Result{PCM: out, Forward: Int16ToBytesLE(out), SamplesDecoded: n, SampleRate: d.sampleRate, Channels: d.channels}, nil
}

func (d *OpusDecoder) Reset() {
	if d.dec != nil {
		_ = d.dec.ResetState()
	}
}

func (d *OpusDecoder) Free() {
	d.status = StatusClosed
}

// PassThrough is the identity decoder for providers that consume raw
// Opus/Ogg (Deepgram). It never blocks on Ready() and returns each frame
// unchanged; the ordering guard is applied by the caller, as for
// OpusDecoder.
type PassThrough struct {
	ready chan struct{}
}

func NewPassThrough() *PassThrough {
	ch := make(chan struct{})
	close(ch)
	return &PassThrough{ready: ch}
}

func (p *PassThrough) Ready() <-chan struct{} { return p.ready }
func (p *PassThrough) Status() Status         { return StatusReady }
func (p *PassThrough) SampleRate() int        { return 0 }

func (p *PassThrough) DecodeFrame(frame []byte) (*Result, error) {
	return &Result{Forward: frame, SamplesDecoded: 0}, nil
}

func (p *PassThrough) Conceal(nextFrame []byte, samplesToConceal int) (*Result, error) {
	return &Result{SamplesDecoded: 0}, nil
}

func (p *PassThrough) Reset() {}
func (p *PassThrough) Free()  {}

// OrderState tracks the per-tag sequence counters the ordering guard
// needs (§3 "last-seen sequence counters").
type OrderState struct {
	LastChunkNo      int
	LastTimestamp    int
	LastOpusFrameSize int
}

// NewOrderState returns a fresh OrderState with the -1 initial values
// spec §3 mandates.
func NewOrderState() OrderState {
	return OrderState{LastChunkNo: -1, LastTimestamp: -1, LastOpusFrameSize: -1}
}

// GuardDecision is the outcome of applying the ordering guard to one
// incoming frame.
type GuardDecision struct {
	Discard          bool
	ConcealSamples   int // >0 means: conceal this many samples before decoding the current frame
}

// ApplyOrderingGuard implements spec §4.1's ordering policy. chunk and
// timestamp are nil when the incoming event carried no sequence info, in
// which case ordering logic is skipped entirely. A media event whose
// chunk or timestamp is not an integer fails JSON parsing in the session
// and is dropped whole, so it never reaches this guard.
func ApplyOrderingGuard(state *OrderState, chunk, timestamp *int, sink metrics.Sink) GuardDecision {
	if chunk == nil || timestamp == nil {
		return GuardDecision{}
	}

	haveBaseline := state.LastChunkNo >= 0
	chunkDelta := *chunk - state.LastChunkNo

	defer func() {
		if *chunk > state.LastChunkNo {
			state.LastChunkNo = *chunk
		}
		state.LastTimestamp = *timestamp
	}()

	switch {
	case haveBaseline && chunkDelta <= 0:
		sink.Inc(metrics.OpusPacketDiscarded)
		return GuardDecision{Discard: true}

	case chunkDelta == 1 || !haveBaseline:
		return GuardDecision{}

	default: // chunkDelta > 1: packet loss
		lostFrames := chunkDelta - 1
		if state.LastOpusFrameSize <= 0 {
			return GuardDecision{}
		}
		timestampDelta := *timestamp - state.LastTimestamp
		byCount := lostFrames * state.LastOpusFrameSize
		byTime := timestampDelta * 24 / 48
		byCap := maxConcealMs * concealSamplesPerMs
		samples := min3(byCount, byTime, byCap)
		if samples < 0 {
			samples = 0
		}
		return GuardDecision{ConcealSamples: samples}
	}
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}

// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package session implements the per-client multiplexer (§4.5) and the
// process-singleton registry that tracks it across reconnects (§4.6).
// A Session owns one downstream WebSocket, the tag -> Pipeline map for
// that connection, and the routing/delivery rules the downstream JSON
// event protocol requires.
package session

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rapidaai/sttproxy/internal/apperr"
	"github.com/rapidaai/sttproxy/internal/audio"
	"github.com/rapidaai/sttproxy/internal/backend"
	"github.com/rapidaai/sttproxy/internal/config"
	"github.com/rapidaai/sttproxy/internal/metrics"
	"github.com/rapidaai/sttproxy/internal/model"
	"github.com/rapidaai/sttproxy/internal/pipeline"
	"github.com/rapidaai/sttproxy/internal/tracedump"
	"go.uber.org/zap"
)

// Options carries the per-connection parameters derived from the
// `/transcribe` query string (§6).
type Options struct {
	SessionID       string
	Provider        string
	Language        string
	Encoding        model.Encoding
	SendBack        bool
	SendBackInterim bool
	Tags            []string
}

// CloseNotifier is invoked when a Session decides the client WebSocket
// must be closed with a specific code and reason (§6 close codes, §7
// propagation). The boundary layer owns the actual close frame write.
type CloseNotifier func(code int, reason string)

// inboundEvent is the discriminated union on `event` the client sends
// (§6 "Inbound JSON event schema", §9 "dynamic message typing").
type inboundEvent struct {
	Event string     `json:"event"`
	ID    *int       `json:"id,omitempty"`
	Media *mediaJSON `json:"media,omitempty"`
}

type mediaJSON struct {
	Tag       string `json:"tag"`
	Payload   string `json:"payload"`
	Chunk     *int   `json:"chunk,omitempty"`
	Timestamp *int   `json:"timestamp,omitempty"`
}

type pongEvent struct {
	Event string `json:"event"`
	ID    *int   `json:"id,omitempty"`
}

// Session is the per-connection multiplexer described in §4.5.
type Session struct {
	mu       sync.Mutex
	id       string
	conn     *websocket.Conn
	connOpen bool

	opts Options
	cfg  *config.AppConfig

	pipelines map[string]*pipeline.Pipeline

	metrics metrics.Sink
	logger  *zap.SugaredLogger
	dump    *tracedump.Dump // nil when DEBUG is disabled

	onClose CloseNotifier
	closed  bool
}

// New constructs a Session bound to conn. opts.Provider must already be
// resolved (see ResolveProvider) — New does not itself validate it. dump
// may be nil, in which case outbound frames are not traced.
func New(conn *websocket.Conn, opts Options, cfg *config.AppConfig, sink metrics.Sink, logger *zap.SugaredLogger, onClose CloseNotifier, dump *tracedump.Dump) *Session {
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	return &Session{
		id:        opts.SessionID,
		conn:      conn,
		connOpen:  true,
		opts:      opts,
		cfg:       cfg,
		pipelines: make(map[string]*pipeline.Pipeline),
		metrics:   sink,
		logger:    logger.With("sessionId", opts.SessionID),
		onClose:   onClose,
		dump:      dump,
	}
}

// ID returns the session's identifier (client-supplied or generated).
func (s *Session) ID() string { return s.id }

// ResolveProvider validates a requested provider against cfg and returns
// the effective provider name, or an error if the request is invalid
// (§4.5 "Admission"). requested == "" picks the first configured entry
// in the priority list.
func ResolveProvider(cfg *config.AppConfig, requested string) (string, error) {
	if requested == "" {
		avail := cfg.AvailableProviders()
		if len(avail) == 0 {
			return "", apperr.New(apperr.Config, "no provider has credentials configured")
		}
		return avail[0], nil
	}
	if !cfg.HasCredentials(requested) {
		return "", apperr.New(apperr.Policy, fmt.Sprintf("provider %q is unknown or unconfigured", requested))
	}
	return requested, nil
}

// HandleInbound parses and dispatches one downstream WebSocket text
// frame (§4.5 "Downstream messages"). Parse failures and unknown event
// types are logged and ignored, never disconnect the client (§7).
func (s *Session) HandleInbound(raw []byte) {
	var ev inboundEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		s.logger.Debugw("session: malformed inbound event, ignoring", "error", err)
		return
	}

	switch ev.Event {
	case "ping":
		s.deliverRaw(pongEvent{Event: "pong", ID: ev.ID})

	case "media":
		if ev.Media == nil || ev.Media.Tag == "" {
			s.logger.Warnw("session: media event missing tag, ignoring")
			return
		}
		p := s.getOrCreate(ev.Media.Tag)
		p.HandleMedia(pipeline.MediaEvent{
			Tag:       ev.Media.Tag,
			Payload:   ev.Media.Payload,
			Chunk:     ev.Media.Chunk,
			Timestamp: ev.Media.Timestamp,
		})

	default:
		s.logger.Debugw("session: unknown event, ignoring", "event", ev.Event)
	}
}

// getOrCreate returns the pipeline for tag, creating and connecting one
// the first time the tag is seen (§4.5 "Routing", idempotent per tag for
// the session's lifetime).
func (s *Session) getOrCreate(tag string) *pipeline.Pipeline {
	s.mu.Lock()
	if p, ok := s.pipelines[tag]; ok {
		s.mu.Unlock()
		return p
	}
	p := s.newPipelineLocked(tag)
	s.pipelines[tag] = p
	s.mu.Unlock()

	go func() {
		backendCfg := backend.Config{
			Model:    providerModel(s.cfg, s.opts.Provider),
			Language: s.opts.Language,
			Prompt:   providerPrompt(s.cfg, s.opts.Provider),
			Tags:     s.opts.Tags,
		}
		if err := p.Connect(backendCfg); err != nil {
			s.logger.Warnw("session: backend connect failed", "tag", tag, "provider", s.opts.Provider, "error", err)
		}
	}()
	return p
}

// newPipelineLocked builds a Pipeline wired to this Session's hooks. The
// decoder is chosen per spec §4.4's "selected by the backend's
// desiredAudioFormat": since every backend but Deepgram-with-opus-input
// wants decoded PCM, the decoder choice only depends on whether the
// configured provider can consume the client's Opus frames directly.
func (s *Session) newPipelineLocked(tag string) *pipeline.Pipeline {
	dec := decoderFor(s.opts.Provider, s.opts.Encoding, s.cfg, s.logger)

	pcfg := pipeline.Config{
		ForceCommitTimeout:      time.Duration(s.cfg.ForceCommitTimeoutSeconds) * time.Second,
		BroadcastTranscripts:    s.cfg.BroadcastTranscripts,
		BroadcastTranscriptsMax: s.cfg.BroadcastTranscriptsMax,
		BasePrompt:              providerPrompt(s.cfg, s.opts.Provider),
	}

	hooks := pipeline.Hooks{
		OnInterim:  s.onPipelineInterim,
		OnComplete: s.onPipelineComplete,
		OnError:    s.onPipelineError,
		OnClosed:   s.onPipelineClosed,
	}

	p := pipeline.New(tag, pcfg, dec, func(obs backend.Observers) backend.Backend {
		return backendFor(s.cfg, s.opts.Provider, s.logger, obs)
	}, hooks, s.metrics, s.logger)

	if od, ok := dec.(*audio.OpusDecoder); ok {
		go func(pp *pipeline.Pipeline, d *audio.OpusDecoder) {
			<-d.Ready()
			pp.OnDecoderReady()
		}(p, od)
	}
	return p
}

func (s *Session) onPipelineInterim(tag string, msg model.TranscriptionMessage) {
	msg.MessageID = uuid.NewString()
	if s.opts.SendBack && s.opts.SendBackInterim {
		s.deliverRaw(msg)
	}
}

func (s *Session) onPipelineComplete(tag string, msg model.TranscriptionMessage) {
	msg.MessageID = uuid.NewString()

	if s.opts.SendBack {
		s.deliverRaw(msg)
	}
	s.metrics.Inc(metrics.TranscriptionSuccess)

	if len(msg.Transcript) > 0 && msg.Transcript[0].Text != "" {
		s.broadcastContext(tag, msg.Participant.ID, msg.Transcript[0].Text)
	}
}

// onPipelineError drops only the failed tag's pipeline. A per-participant
// backend failure (§4.4 "Failure semantics") must not take down the rest
// of the Session (spec §4.5 "the other participants... continue
// operating") — closeClient is reserved for session-level/admission
// failures, not per-pipeline ones.
func (s *Session) onPipelineError(tag string, kind apperr.Kind, message string) {
	s.logger.Warnw("session: pipeline error", "tag", tag, "kind", kind, "error", message)
	s.mu.Lock()
	delete(s.pipelines, tag)
	s.mu.Unlock()
}

func (s *Session) onPipelineClosed(tag string) {
	s.mu.Lock()
	delete(s.pipelines, tag)
	s.mu.Unlock()
}

// broadcastContext implements §4.4's cross-participant context
// injection: every *other* pipeline in this session gets the new
// transcript appended to its history.
func (s *Session) broadcastContext(sourceTag, sourceParticipantID, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for tag, p := range s.pipelines {
		if tag == sourceTag {
			continue
		}
		p.AddTranscriptContext(sourceParticipantID, text)
	}
}

// deliverRaw JSON-encodes and writes v to the client WS, dropping (with
// a warning) if the connection is not currently open (§4.5 "Delivery").
// Encoded frames are mirrored to the trace dump (if any) alongside
// inbound frames, matching tracedump's "one line per inbound/outbound
// event" contract.
func (s *Session) deliverRaw(v interface{}) {
	s.mu.Lock()
	conn, open := s.conn, s.connOpen
	s.mu.Unlock()

	if !open {
		s.logger.Warnw("session: dropping outbound message, connection not open")
		return
	}

	raw, err := json.Marshal(v)
	if err != nil {
		s.logger.Warnw("session: failed to encode outbound message", "error", err)
		return
	}

	if s.dump != nil {
		s.dump.WriteOutbound(s.id, raw)
	}

	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		s.logger.Debugw("session: write failed, marking connection closed", "error", err)
		s.mu.Lock()
		s.connOpen = false
		s.mu.Unlock()
	}
}

// closeClient asks the boundary layer to close the downstream WebSocket
// with the given code/reason (§6 close codes).
func (s *Session) closeClient(code int, reason string) {
	s.mu.Lock()
	s.connOpen = false
	notify := s.onClose
	s.mu.Unlock()
	if notify != nil {
		notify(code, reason)
	}
}

// SwapConn rebinds the session to a freshly accepted WebSocket,
// detaching the previous one's listeners implicitly (the old conn's
// read loop belongs to the caller and must already have been retired).
// In-flight pipelines are untouched (§4.6 "reattach").
func (s *Session) SwapConn(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
	s.connOpen = true
}

// Close tears every pipeline down and closes the bound WebSocket.
// Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.connOpen = false
	pipelines := make([]*pipeline.Pipeline, 0, len(s.pipelines))
	for _, p := range s.pipelines {
		pipelines = append(pipelines, p)
	}
	conn := s.conn
	s.mu.Unlock()

	for _, p := range pipelines {
		p.Close()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

func providerModel(cfg *config.AppConfig, provider string) string {
	switch provider {
	case "openai":
		return cfg.OpenAI.Model
	case "gemini":
		return cfg.Gemini.Model
	case "deepgram":
		return cfg.Deepgram.Model
	default:
		return ""
	}
}

func providerPrompt(cfg *config.AppConfig, provider string) string {
	switch provider {
	case "openai":
		return cfg.OpenAI.TranscriptionPrompt
	case "gemini":
		return cfg.Gemini.TranscriptionPrompt
	default:
		return ""
	}
}

// decoderFor picks the AudioDecoder a pipeline should use for the given
// provider/input-encoding combination, standing in for a live backend's
// desiredAudioFormat() call (§4.4): Deepgram configured to accept Opus
// directly gets a pass-through, every other combination needs a real
// Opus decode to PCM16.
func decoderFor(provider string, encoding model.Encoding, cfg *config.AppConfig, logger *zap.SugaredLogger) audio.Decoder {
	if provider == "deepgram" && (cfg.Deepgram.Encoding == "opus" || cfg.Deepgram.Encoding == "ogg-opus") {
		return audio.NewPassThrough()
	}
	_ = encoding // encoding is always Opus/OggOpus on the wire in; reserved for future formats
	return audio.NewOpusDecoder(logger, 48000, 1)
}

// backendFor constructs the concrete Backend adapter for provider.
func backendFor(cfg *config.AppConfig, provider string, logger *zap.SugaredLogger, obs backend.Observers) backend.Backend {
	switch provider {
	case "openai":
		return backend.NewOpenAI(logger, cfg.OpenAI.APIKey, cfg.OpenAI.TurnDetectionJSON, obs)
	case "gemini":
		return backend.NewGemini(logger, cfg.Gemini.APIKey, obs)
	case "deepgram":
		return backend.NewDeepgram(logger, backend.DeepgramOptions{
			APIKey:          cfg.Deepgram.APIKey,
			Encoding:        cfg.Deepgram.Encoding,
			SampleRate:      cfg.Deepgram.SampleRate,
			Punctuate:       cfg.Deepgram.Punctuate,
			Diarize:         cfg.Deepgram.Diarize,
			IncludeLanguage: cfg.Deepgram.IncludeLanguage,
		}, obs)
	default:
		return backend.NewDummy(logger, obs)
	}
}

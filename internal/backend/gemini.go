// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package backend

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rapidaai/sttproxy/internal/apperr"
	"github.com/rapidaai/sttproxy/internal/model"
	"go.uber.org/zap"
)

const geminiBaseURL = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1alpha.GenerativeService.BidiGenerateContent"

type gmSetup struct {
	Setup gmSetupBody `json:"setup"`
}

type gmSetupBody struct {
	Model              string             `json:"model"`
	GenerationConfig   gmGenerationConfig `json:"generation_config"`
	SystemInstruction  *gmSystemInstruction `json:"system_instruction,omitempty"`
}

type gmGenerationConfig struct {
	ResponseModalities []string `json:"response_modalities"`
}

type gmSystemInstruction struct {
	Parts []gmPart `json:"parts"`
}

type gmPart struct {
	Text string `json:"text,omitempty"`
}

type gmRealtimeInput struct {
	RealtimeInput gmRealtimeInputBody `json:"realtime_input"`
}

type gmRealtimeInputBody struct {
	MediaChunks []gmMediaChunk `json:"media_chunks"`
}

type gmMediaChunk struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type gmServerMessage struct {
	SetupComplete *struct{} `json:"setupComplete,omitempty"`
	ServerContent *gmServerContent `json:"serverContent,omitempty"`
	Error         *gmError `json:"error,omitempty"`
}

type gmServerContent struct {
	ModelTurn *gmModelTurn `json:"modelTurn,omitempty"`
}

type gmModelTurn struct {
	Parts []gmPart `json:"parts"`
}

type gmError struct {
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

// Gemini implements Backend against Google's Gemini Live
// BidiGenerateContent API (§4.3 "Gemini").
type Gemini struct {
	base
	logger *zap.SugaredLogger
	apiKey string
	conn   *websocket.Conn
	ready  chan error
	readyOnce sync.Once
}

// signalReady delivers the Connect() result exactly once; later
// mid-stream errors/closures after setup has already completed must
// not attempt a second send on the (by-then unread) channel.
func (g *Gemini) signalReady(err error) {
	g.readyOnce.Do(func() { g.ready <- err })
}

func NewGemini(logger *zap.SugaredLogger, apiKey string, obs Observers) *Gemini {
	return &Gemini{base: newBase(obs), logger: logger, apiKey: apiKey, ready: make(chan error, 1)}
}

// Connect blocks until setupComplete is received (or the attempt
// fails), matching the Backend contract's "completes when ready to
// accept audio" (§4.3).
func (g *Gemini) Connect(cfg Config) error {
	u := fmt.Sprintf("%s?key=%s", geminiBaseURL, g.apiKey)

	conn, resp, err := websocket.DefaultDialer.DialContext(context.Background(), u, nil)
	if err != nil {
		g.setStatus(StatusFailed)
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		g.emitError(apperr.Transport, fmt.Sprintf("gemini dial failed (status %d): %v", status, err))
		return apperr.Wrap(apperr.Transport, "gemini connect", err)
	}
	g.conn = conn

	prompt := cfg.Prompt
	if cfg.Language != "" {
		prompt = fmt.Sprintf("%s The audio is in %s.", prompt, cfg.Language)
	}
	setup := gmSetup{Setup: gmSetupBody{
		Model:            fmt.Sprintf("models/%s", cfg.Model),
		GenerationConfig: gmGenerationConfig{ResponseModalities: []string{"TEXT"}},
	}}
	if prompt != "" {
		setup.Setup.SystemInstruction = &gmSystemInstruction{Parts: []gmPart{{Text: prompt}}}
	}
	if err := g.conn.WriteJSON(setup); err != nil {
		g.setStatus(StatusFailed)
		_ = g.conn.Close()
		g.emitError(apperr.Protocol, fmt.Sprintf("gemini setup write failed: %v", err))
		return apperr.Wrap(apperr.Protocol, "gemini setup", err)
	}

	// status remains pending until setupComplete arrives (§4.3).
	go g.readLoop()
	return <-g.ready
}

func (g *Gemini) readLoop() {
	for {
		_, raw, err := g.conn.ReadMessage()
		if err != nil {
			if g.Status() != StatusClosed {
				g.setStatus(StatusFailed)
				g.emitError(apperr.Transport, fmt.Sprintf("gemini read: %v", err))
				g.signalReady(apperr.Wrap(apperr.Transport, "gemini read before setup complete", err))
			}
			g.emitClosed()
			return
		}

		var msg gmServerMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			g.logger.Debugw("gemini: unparseable message", "error", err)
			continue
		}
		g.handleMessage(msg)
	}
}

func (g *Gemini) handleMessage(msg gmServerMessage) {
	switch {
	case msg.SetupComplete != nil:
		g.setStatus(StatusConnected)
		g.signalReady(nil)

	case msg.Error != nil:
		g.emitError(apperr.Protocol, fmt.Sprintf("gemini api_error: %s", msg.Error.Message))
		g.signalReady(apperr.Wrap(apperr.Protocol, "gemini setup error", fmt.Errorf("%s", msg.Error.Message)))

	case msg.ServerContent != nil && msg.ServerContent.ModelTurn != nil:
		for _, part := range msg.ServerContent.ModelTurn.Parts {
			if part.Text == "" {
				continue
			}
			// Gemini only ever emits complete turns, never deltas (§4.3).
			g.emitComplete(model.TranscriptionMessage{
				Type: "transcription-result", Event: "transcription-result",
				Transcript: []model.TranscriptSegment{{Text: part.Text}},
				IsInterim:  false,
			})
		}
	}
}

func (g *Gemini) SendAudio(data []byte, format model.AudioFormat) error {
	if !g.isConnected() {
		return ErrNotReady{}
	}
	chunk := gmRealtimeInput{RealtimeInput: gmRealtimeInputBody{
		MediaChunks: []gmMediaChunk{{MimeType: "audio/pcm;rate=24000", Data: base64.StdEncoding.EncodeToString(data)}},
	}}
	return g.conn.WriteJSON(chunk)
}

// ForceCommit is a no-op: Gemini has no explicit flush message (§4.3).
func (g *Gemini) ForceCommit() error { return nil }

// UpdatePrompt is a no-op: Gemini's system instruction is fixed for
// the session's lifetime (§4.3 lists it among providers without
// mid-stream prompt support).
func (g *Gemini) UpdatePrompt(prompt string) error { return nil }

func (g *Gemini) DesiredAudioFormat(model.AudioFormat) model.AudioFormat {
	return model.AudioFormat{Encoding: model.EncodingL16, SampleRate: 24000, Channels: 1}
}

func (g *Gemini) Close() error {
	g.setStatus(StatusClosed)
	if g.conn != nil {
		_ = g.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = g.conn.Close()
	}
	g.emitClosed()
	return nil
}

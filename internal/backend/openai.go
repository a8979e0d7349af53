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
	"math"

	"github.com/gorilla/websocket"
	"github.com/rapidaai/sttproxy/internal/apperr"
	"github.com/rapidaai/sttproxy/internal/model"
	"go.uber.org/zap"
)

const openAIRealtimeURL = "wss://api.openai.com/v1/realtime?intent=transcription"

// OpenAI wire messages (outgoing). Grounded on
// other_examples/.../openai_realtime.go.go, adapted for transcription
// session.update shape per spec §4.3/§6.
type oaSessionUpdate struct {
	Type    string        `json:"type"`
	Session oaSessionBody `json:"session"`
}

type oaSessionBody struct {
	Type                     string              `json:"type"`
	InputAudioFormat         string              `json:"input_audio_format,omitempty"`
	InputAudioTranscription  *oaTranscription    `json:"input_audio_transcription,omitempty"`
	TurnDetection            *oaTurnDetection    `json:"turn_detection,omitempty"`
	InputAudioNoiseReduction *oaNoiseReduction   `json:"input_audio_noise_reduction,omitempty"`
	Include                  []string            `json:"include,omitempty"`
}

type oaTranscription struct {
	Model    string `json:"model,omitempty"`
	Language string `json:"language,omitempty"`
	Prompt   string `json:"prompt,omitempty"`
}

type oaTurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

type oaNoiseReduction struct {
	Type string `json:"type"`
}

type oaAudioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type oaCommit struct {
	Type string `json:"type"`
}

// Incoming server events.
type oaServerEvent struct {
	Type       string       `json:"type"`
	Transcript string       `json:"transcript,omitempty"`
	Delta      string       `json:"delta,omitempty"`
	Logprobs   []oaLogprob  `json:"logprobs,omitempty"`
	Error      *oaErrorBody `json:"error,omitempty"`
}

type oaLogprob struct {
	Logprob float64 `json:"logprob"`
}

type oaErrorBody struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// OpenAI implements Backend against the OpenAI Realtime transcription
// API over raw gorilla/websocket (§4.3 "OpenAI").
type OpenAI struct {
	base
	logger            *zap.SugaredLogger
	apiKey            string
	turnDetectionJSON string // raw OPENAI_TURN_DETECTION override, or "" for the default
	conn              *websocket.Conn
	cfg               Config
}

// NewOpenAI constructs the adapter. turnDetectionJSON, when non-empty, is
// unmarshaled over the default turn_detection body in session.update
// (§6 OPENAI_TURN_DETECTION); malformed JSON is logged and ignored, the
// default is kept.
func NewOpenAI(logger *zap.SugaredLogger, apiKey string, turnDetectionJSON string, obs Observers) *OpenAI {
	return &OpenAI{base: newBase(obs), logger: logger, apiKey: apiKey, turnDetectionJSON: turnDetectionJSON}
}

func (o *OpenAI) Connect(cfg Config) error {
	o.cfg = cfg

	dialer := websocket.Dialer{Subprotocols: []string{"realtime", "openai-insecure-api-key." + o.apiKey}}
	conn, resp, err := dialer.DialContext(context.Background(), openAIRealtimeURL, nil)
	if err != nil {
		o.setStatus(StatusFailed)
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		o.emitError(apperr.Transport, fmt.Sprintf("openai dial failed (status %d): %v", status, err))
		return apperr.Wrap(apperr.Transport, "openai connect", err)
	}
	o.conn = conn

	if err := o.sendSessionUpdate(cfg.Prompt); err != nil {
		o.setStatus(StatusFailed)
		o.emitError(apperr.Protocol, fmt.Sprintf("openai session.update failed: %v", err))
		return apperr.Wrap(apperr.Protocol, "openai session.update", err)
	}

	o.setStatus(StatusConnected)
	go o.readLoop()
	return nil
}

func (o *OpenAI) sendSessionUpdate(prompt string) error {
	body := oaSessionBody{
		Type:             "transcription",
		InputAudioFormat: "pcm16",
		InputAudioTranscription: &oaTranscription{
			Model:    o.cfg.Model,
			Language: o.cfg.Language,
			Prompt:   prompt,
		},
		TurnDetection:            o.turnDetection(),
		InputAudioNoiseReduction: &oaNoiseReduction{Type: "near_field"},
		Include:                  []string{"item.input_audio_transcription.logprobs"},
	}
	return o.conn.WriteJSON(oaSessionUpdate{Type: "session.update", Session: body})
}

// turnDetection returns the configured OPENAI_TURN_DETECTION override when
// it parses, otherwise the server_vad default.
func (o *OpenAI) turnDetection() *oaTurnDetection {
	td := &oaTurnDetection{
		Type:              "server_vad",
		Threshold:         0.5,
		PrefixPaddingMs:   300,
		SilenceDurationMs: 300,
	}
	if o.turnDetectionJSON == "" {
		return td
	}
	if err := json.Unmarshal([]byte(o.turnDetectionJSON), td); err != nil {
		o.logger.Warnw("openai: ignoring malformed OPENAI_TURN_DETECTION", "error", err)
		return &oaTurnDetection{
			Type:              "server_vad",
			Threshold:         0.5,
			PrefixPaddingMs:   300,
			SilenceDurationMs: 300,
		}
	}
	return td
}

func (o *OpenAI) readLoop() {
	for {
		_, raw, err := o.conn.ReadMessage()
		if err != nil {
			if o.Status() != StatusClosed {
				o.setStatus(StatusFailed)
				o.emitError(apperr.Transport, fmt.Sprintf("openai read: %v", err))
			}
			o.emitClosed()
			return
		}

		var event oaServerEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			o.logger.Debugw("openai: unparseable event", "error", err)
			continue
		}
		o.handleEvent(event)
	}
}

func (o *OpenAI) handleEvent(event oaServerEvent) {
	switch event.Type {
	case "conversation.item.input_audio_transcription.delta":
		if event.Delta != "" {
			o.emitInterim(model.TranscriptionMessage{
				Type: "transcription-result", Event: "transcription-result",
				Transcript: []model.TranscriptSegment{{Text: event.Delta, Confidence: confidenceFromLogprobs(event.Logprobs)}},
				IsInterim:  true,
			})
		}
	case "conversation.item.input_audio_transcription.completed":
		if event.Transcript != "" {
			o.emitComplete(model.TranscriptionMessage{
				Type: "transcription-result", Event: "transcription-result",
				Transcript: []model.TranscriptSegment{{Text: event.Transcript, Confidence: confidenceFromLogprobs(event.Logprobs)}},
				IsInterim:  false,
			})
		}
	case "error":
		if event.Error == nil {
			return
		}
		// benign VAD race: commit fired on an empty buffer (§7).
		if event.Error.Code == "input_audio_buffer_commit_empty" {
			return
		}
		o.emitError(apperr.Protocol, fmt.Sprintf("openai api_error: %s: %s", event.Error.Code, event.Error.Message))
	default:
		// session.created / session.updated / speech_started / etc — informational only.
	}
}

func confidenceFromLogprobs(lp []oaLogprob) *float64 {
	if len(lp) == 0 {
		return nil
	}
	sum := 0.0
	for _, l := range lp {
		sum += l.Logprob
	}
	avg := sum / float64(len(lp))
	conf := math.Exp(avg)
	return &conf
}

func (o *OpenAI) SendAudio(data []byte, format model.AudioFormat) error {
	if !o.isConnected() {
		return ErrNotReady{}
	}
	msg := oaAudioAppend{Type: "input_audio_buffer.append", Audio: base64.StdEncoding.EncodeToString(data)}
	return o.conn.WriteJSON(msg)
}

func (o *OpenAI) ForceCommit() error {
	if !o.isConnected() {
		return nil
	}
	return o.conn.WriteJSON(oaCommit{Type: "input_audio_buffer.commit"})
}

func (o *OpenAI) UpdatePrompt(prompt string) error {
	if !o.isConnected() {
		return nil
	}
	return o.sendSessionUpdate(prompt)
}

func (o *OpenAI) DesiredAudioFormat(model.AudioFormat) model.AudioFormat {
	return model.AudioFormat{Encoding: model.EncodingL16, SampleRate: 24000, Channels: 1}
}

func (o *OpenAI) Close() error {
	o.setStatus(StatusClosed)
	if o.conn != nil {
		_ = o.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = o.conn.Close()
	}
	o.emitClosed()
	return nil
}

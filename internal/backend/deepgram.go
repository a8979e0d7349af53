// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rapidaai/sttproxy/internal/apperr"
	"github.com/rapidaai/sttproxy/internal/model"
	"go.uber.org/zap"
)

const deepgramBaseURL = "wss://api.deepgram.com/v1/listen"

const deepgramKeepAliveInterval = 5 * time.Second

type dgControlMessage struct {
	Type string `json:"type"`
}

type dgResultsMessage struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []dgAlternative `json:"alternatives"`
	} `json:"channel"`
}

type dgAlternative struct {
	Transcript string   `json:"transcript"`
	Languages  []string `json:"languages,omitempty"`
}

// DeepgramOptions carries the static config fields forwarded as query
// params (§4.3 "Deepgram"). Encoding/Punctuate/Diarize/IncludeLanguage
// come straight from internal/config.DeepgramConfig.
type DeepgramOptions struct {
	APIKey          string
	Encoding        string // "opus" or "ogg-opus" (omitted from query) or "linear16"
	SampleRate      int
	Punctuate       bool
	Diarize         bool
	IncludeLanguage bool
}

// Deepgram implements Backend against Deepgram's streaming listen API
// over raw gorilla/websocket (§4.3 "Deepgram").
type Deepgram struct {
	base
	logger  *zap.SugaredLogger
	opts    DeepgramOptions
	conn    *websocket.Conn
	writeMu sync.Mutex

	keepAliveCancel context.CancelFunc
	includeLanguage bool
}

func NewDeepgram(logger *zap.SugaredLogger, opts DeepgramOptions, obs Observers) *Deepgram {
	return &Deepgram{base: newBase(obs), logger: logger, opts: opts, includeLanguage: opts.IncludeLanguage}
}

func (d *Deepgram) Connect(cfg Config) error {
	u, err := d.buildURL(cfg)
	if err != nil {
		d.setStatus(StatusFailed)
		d.emitError(apperr.Policy, fmt.Sprintf("deepgram url: %v", err))
		return apperr.Wrap(apperr.Policy, "deepgram build url", err)
	}

	dialer := websocket.Dialer{Subprotocols: []string{"token", d.opts.APIKey}}
	conn, resp, err := dialer.DialContext(context.Background(), u, nil)
	if err != nil {
		d.setStatus(StatusFailed)
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		d.emitError(apperr.Transport, fmt.Sprintf("deepgram dial failed (status %d): %v", status, err))
		return apperr.Wrap(apperr.Transport, "deepgram connect", err)
	}
	d.conn = conn
	d.setStatus(StatusConnected)

	go d.readLoop()
	d.startKeepAlive()
	return nil
}

func (d *Deepgram) buildURL(cfg Config) (string, error) {
	u, err := url.Parse(deepgramBaseURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	if d.opts.Encoding != "opus" && d.opts.Encoding != "ogg-opus" {
		q.Set("encoding", d.opts.Encoding)
		if d.opts.SampleRate > 0 {
			q.Set("sample_rate", fmt.Sprintf("%d", d.opts.SampleRate))
		}
	}
	if cfg.Model != "" {
		q.Set("model", cfg.Model)
	}
	if cfg.Language != "" {
		q.Set("language", cfg.Language)
	}
	q.Set("punctuate", boolStr(d.opts.Punctuate))
	q.Set("diarize", boolStr(d.opts.Diarize))
	for _, tag := range cfg.Tags {
		q.Add("tag", tag)
	}
	if cfg.Language == "multi" {
		q.Set("endpointing", "100")
	}
	q.Set("interim_results", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func (d *Deepgram) startKeepAlive() {
	ctx, cancel := context.WithCancel(context.Background())
	d.keepAliveCancel = cancel
	go func() {
		ticker := time.NewTicker(deepgramKeepAliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !d.isConnected() {
					return
				}
				d.writeMu.Lock()
				err := d.conn.WriteJSON(dgControlMessage{Type: "KeepAlive"})
				d.writeMu.Unlock()
				if err != nil {
					d.logger.Debugw("deepgram: keepalive write failed", "error", err)
				}
			}
		}
	}()
}

func (d *Deepgram) readLoop() {
	for {
		_, raw, err := d.conn.ReadMessage()
		if err != nil {
			if d.Status() != StatusClosed {
				d.setStatus(StatusFailed)
				d.emitError(apperr.Transport, fmt.Sprintf("deepgram read: %v", err))
			}
			d.emitClosed()
			return
		}

		var msg dgResultsMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			d.logger.Debugw("deepgram: unparseable message", "error", err)
			continue
		}
		d.handleResults(msg)
	}
}

func (d *Deepgram) handleResults(msg dgResultsMessage) {
	if len(msg.Channel.Alternatives) == 0 {
		return
	}
	alt := msg.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return
	}

	text := alt.Transcript
	if d.includeLanguage && len(alt.Languages) > 0 {
		text = fmt.Sprintf("%s [%s]", text, alt.Languages[0])
	}

	out := model.TranscriptionMessage{
		Type: "transcription-result", Event: "transcription-result",
		Transcript: []model.TranscriptSegment{{Text: text}},
		IsInterim:  !msg.IsFinal,
	}
	if msg.IsFinal {
		d.emitComplete(out)
	} else {
		d.emitInterim(out)
	}
}

func (d *Deepgram) SendAudio(data []byte, format model.AudioFormat) error {
	if !d.isConnected() {
		return ErrNotReady{}
	}
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	return d.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (d *Deepgram) ForceCommit() error {
	if !d.isConnected() {
		return nil
	}
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	return d.conn.WriteJSON(dgControlMessage{Type: "Finalize"})
}

// UpdatePrompt is a warn-only no-op: Deepgram has no mid-stream prompt
// support (§4.3).
func (d *Deepgram) UpdatePrompt(prompt string) error {
	d.logger.Warnw("deepgram: updatePrompt unsupported, ignoring")
	return nil
}

func (d *Deepgram) DesiredAudioFormat(input model.AudioFormat) model.AudioFormat {
	if d.opts.Encoding == "opus" || d.opts.Encoding == "ogg-opus" {
		return model.AudioFormat{Encoding: model.EncodingOggOpus}
	}
	return model.AudioFormat{Encoding: model.EncodingL16, SampleRate: d.opts.SampleRate, Channels: 1}
}

func (d *Deepgram) Close() error {
	wasConnected := d.isConnected()
	d.setStatus(StatusClosed)
	if d.keepAliveCancel != nil {
		d.keepAliveCancel()
	}
	if d.conn != nil {
		if wasConnected {
			d.writeMu.Lock()
			_ = d.conn.WriteJSON(dgControlMessage{Type: "CloseStream"})
			d.writeMu.Unlock()
		}
		_ = d.conn.Close()
	}
	d.emitClosed()
	return nil
}

// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package model holds the wire-level data types shared across the proxy:
// audio format negotiation, participant identity, and the canonical
// transcription message delivered to the downstream client.
package model

import (
	"encoding/json"
	"regexp"
)

// Encoding identifies the wire encoding of an audio chunk.
type Encoding string

const (
	EncodingOpus    Encoding = "opus"
	EncodingOggOpus Encoding = "ogg-opus"
	EncodingL16     Encoding = "L16"
)

// AudioFormat describes the shape of a block of audio. SampleRate is
// mandatory once Encoding is L16 — the decoder has already run and the
// consumer needs to know the rate to interpret raw PCM.
type AudioFormat struct {
	Encoding   Encoding
	SampleRate int // 0 means unspecified
	Channels   int // 0 means unspecified
}

var tagPattern = regexp.MustCompile(`^([0-9a-fA-F]+)-([0-9]+)$`)

// Participant is the identity derived from a client-supplied tag.
type Participant struct {
	ID   string
	SSRC string // empty when the tag carries no endpoint-ssrc pair
}

// HasSSRC reports whether the tag parsed into an endpoint/ssrc pair.
func (p Participant) HasSSRC() bool {
	return p.SSRC != ""
}

// ParseTag derives a Participant from a raw tag string. A tag of the form
// "<hex>-<digits>" splits into ID/SSRC; anything else becomes the ID
// verbatim, with no SSRC.
func ParseTag(tag string) Participant {
	if m := tagPattern.FindStringSubmatch(tag); m != nil {
		return Participant{ID: m[1], SSRC: m[2]}
	}
	return Participant{ID: tag}
}

// TranscriptSegment is one alternative within a transcription result.
type TranscriptSegment struct {
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// TranscriptionMessage is the canonical event delivered to the downstream
// client for both interim and final transcription results.
type TranscriptionMessage struct {
	Type        string              `json:"type"`
	Event       string              `json:"event"`
	Transcript  []TranscriptSegment `json:"transcript"`
	IsInterim   bool                `json:"is_interim"`
	MessageID   string              `json:"message_id"`
	Participant Participant         `json:"participant"`
	Timestamp   int64               `json:"timestamp"`
	Language    string              `json:"language,omitempty"`
}

// participantJSON mirrors the wire shape of Participant: ssrc is omitted
// when absent rather than serialized as an empty string.
type participantJSON struct {
	ID   string `json:"id"`
	SSRC string `json:"ssrc,omitempty"`
}

// MarshalJSON implements json.Marshaler so Participant.SSRC round-trips as
// "omitted", not "present but empty", matching §3's optional ssrc field.
func (p Participant) MarshalJSON() ([]byte, error) {
	return json.Marshal(participantJSON{ID: p.ID, SSRC: p.SSRC})
}

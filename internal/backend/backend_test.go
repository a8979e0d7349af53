package backend

import (
	"testing"

	"github.com/rapidaai/sttproxy/internal/apperr"
	"github.com/rapidaai/sttproxy/internal/logging"
	"github.com/rapidaai/sttproxy/internal/model"
	"github.com/stretchr/testify/assert"
)

func TestDummyLifecycle(t *testing.T) {
	var closedCount int
	obs := Observers{OnClosed: func() { closedCount++ }}
	d := NewDummy(logging.Nop(), obs)

	assert.Equal(t, StatusPending, d.Status())
	assert.NoError(t, d.Connect(Config{}))
	assert.Equal(t, StatusConnected, d.Status())

	assert.NoError(t, d.SendAudio([]byte{1, 2, 3, 4}, model.AudioFormat{}))

	assert.NoError(t, d.Close())
	assert.NoError(t, d.Close()) // idempotent
	assert.Equal(t, 1, closedCount)
	assert.Equal(t, StatusClosed, d.Status())
}

func TestDummyRejectsAudioBeforeConnect(t *testing.T) {
	d := NewDummy(logging.Nop(), Observers{})
	err := d.SendAudio([]byte{1}, model.AudioFormat{})
	assert.ErrorIs(t, err, ErrNotReady{})
}

func TestDeepgramBuildURLOmitsEncodingForOpus(t *testing.T) {
	dg := NewDeepgram(logging.Nop(), DeepgramOptions{APIKey: "key", Encoding: "opus", Punctuate: true}, Observers{})
	u, err := dg.buildURL(Config{Model: "nova-2", Language: "en", Tags: []string{"t1", "t2"}})
	assert.NoError(t, err)
	assert.NotContains(t, u, "encoding=")
	assert.Contains(t, u, "model=nova-2")
	assert.Contains(t, u, "language=en")
	assert.Contains(t, u, "tag=t1")
	assert.Contains(t, u, "tag=t2")
	assert.Contains(t, u, "interim_results=true")
}

func TestDeepgramBuildURLIncludesEncodingForLinear16(t *testing.T) {
	dg := NewDeepgram(logging.Nop(), DeepgramOptions{APIKey: "key", Encoding: "linear16", SampleRate: 16000}, Observers{})
	u, err := dg.buildURL(Config{})
	assert.NoError(t, err)
	assert.Contains(t, u, "encoding=linear16")
	assert.Contains(t, u, "sample_rate=16000")
}

func TestDeepgramBuildURLMultiLanguageSetsEndpointing(t *testing.T) {
	dg := NewDeepgram(logging.Nop(), DeepgramOptions{APIKey: "key"}, Observers{})
	u, err := dg.buildURL(Config{Language: "multi"})
	assert.NoError(t, err)
	assert.Contains(t, u, "endpointing=100")
}

func TestDeepgramUpdatePromptIsNoop(t *testing.T) {
	dg := NewDeepgram(logging.Nop(), DeepgramOptions{}, Observers{})
	assert.NoError(t, dg.UpdatePrompt("anything"))
}

func TestOpenAISuppressesCommitEmptyError(t *testing.T) {
	var gotError bool
	o := NewOpenAI(logging.Nop(), "sk-test", "", Observers{OnError: func(apperr.Kind, string) { gotError = true }})
	o.handleEvent(oaServerEvent{Type: "error", Error: &oaErrorBody{Code: "input_audio_buffer_commit_empty", Message: "ignored"}})
	assert.False(t, gotError)

	o.handleEvent(oaServerEvent{Type: "error", Error: &oaErrorBody{Code: "some_other_error", Message: "boom"}})
	assert.True(t, gotError)
}

func TestOpenAITurnDetectionOverridesDefault(t *testing.T) {
	o := NewOpenAI(logging.Nop(), "sk-test", `{"type":"server_vad","threshold":0.8,"prefix_padding_ms":100,"silence_duration_ms":500}`, Observers{})
	td := o.turnDetection()
	assert.Equal(t, 0.8, td.Threshold)
	assert.Equal(t, 100, td.PrefixPaddingMs)
	assert.Equal(t, 500, td.SilenceDurationMs)
}

func TestOpenAITurnDetectionFallsBackOnMalformedJSON(t *testing.T) {
	o := NewOpenAI(logging.Nop(), "sk-test", `not json`, Observers{})
	td := o.turnDetection()
	assert.Equal(t, 0.5, td.Threshold)
	assert.Equal(t, 300, td.PrefixPaddingMs)
}

func TestOpenAIConfidenceFromLogprobs(t *testing.T) {
	var got *model.TranscriptSegment
	o := NewOpenAI(logging.Nop(), "sk-test", "", Observers{OnComplete: func(m model.TranscriptionMessage) {
		got = &m.Transcript[0]
	}})
	o.handleEvent(oaServerEvent{Type: "conversation.item.input_audio_transcription.completed", Transcript: "hello", Logprobs: []oaLogprob{{Logprob: 0}}})
	assert.NotNil(t, got)
	assert.NotNil(t, got.Confidence)
	assert.InDelta(t, 1.0, *got.Confidence, 0.0001)
}

func TestGeminiStaysPendingUntilSetupComplete(t *testing.T) {
	g := NewGemini(logging.Nop(), "key", Observers{})
	assert.Equal(t, StatusPending, g.Status())
	g.handleMessage(gmServerMessage{SetupComplete: &struct{}{}})
	assert.Equal(t, StatusConnected, g.Status())
}

func TestGeminiEmitsCompleteNeverInterim(t *testing.T) {
	var interimCalls, completeCalls int
	g := NewGemini(logging.Nop(), "key", Observers{
		OnInterim:  func(model.TranscriptionMessage) { interimCalls++ },
		OnComplete: func(model.TranscriptionMessage) { completeCalls++ },
	})
	g.handleMessage(gmServerMessage{ServerContent: &gmServerContent{ModelTurn: &gmModelTurn{Parts: []gmPart{{Text: "hi"}}}}})
	assert.Equal(t, 0, interimCalls)
	assert.Equal(t, 1, completeCalls)
}

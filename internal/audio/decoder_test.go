package audio

import (
	"testing"

	"github.com/rapidaai/sttproxy/internal/logging"
	"github.com/rapidaai/sttproxy/internal/metrics"
	"github.com/stretchr/testify/assert"
)

func ptr(i int) *int { return &i }

func TestNewOpusDecoderInvalidParamsFails(t *testing.T) {
	d := NewOpusDecoder(logging.Nop(), 44100, 1)
	<-d.Ready()
	assert.Equal(t, StatusFailed, d.Status())
}

func TestPassThroughAlwaysReady(t *testing.T) {
	p := NewPassThrough()
	select {
	case <-p.Ready():
	default:
		t.Fatal("pass-through should be immediately ready")
	}
	assert.Equal(t, StatusReady, p.Status())

	res, err := p.DecodeFrame([]byte{1, 2, 3})
	assert.NoError(t, err)
	assert.Equal(t, 0, res.SamplesDecoded)
}

func TestApplyOrderingGuardNoSequenceInfoIsNoop(t *testing.T) {
	state := NewOrderState()
	decision := ApplyOrderingGuard(&state, nil, nil, metrics.Noop{})
	assert.False(t, decision.Discard)
	assert.Zero(t, decision.ConcealSamples)
}

func TestApplyOrderingGuardFirstPacketEstablishesBaseline(t *testing.T) {
	state := NewOrderState()
	decision := ApplyOrderingGuard(&state, ptr(10), ptr(1000), metrics.Noop{})
	assert.False(t, decision.Discard)
	assert.Zero(t, decision.ConcealSamples)
	assert.Equal(t, 10, state.LastChunkNo)
	assert.Equal(t, 1000, state.LastTimestamp)
}

func TestApplyOrderingGuardInOrderIsNoop(t *testing.T) {
	state := NewOrderState()
	ApplyOrderingGuard(&state, ptr(1), ptr(960), metrics.Noop{})
	decision := ApplyOrderingGuard(&state, ptr(2), ptr(1920), metrics.Noop{})
	assert.False(t, decision.Discard)
	assert.Zero(t, decision.ConcealSamples)
}

func TestApplyOrderingGuardStaleOrDuplicateDiscards(t *testing.T) {
	state := NewOrderState()
	ApplyOrderingGuard(&state, ptr(5), ptr(1000), metrics.Noop{})
	decision := ApplyOrderingGuard(&state, ptr(5), ptr(1000), metrics.Noop{})
	assert.True(t, decision.Discard)

	decision = ApplyOrderingGuard(&state, ptr(3), ptr(900), metrics.Noop{})
	assert.True(t, decision.Discard)
}

func TestApplyOrderingGuardGapConcealsBySmallestBound(t *testing.T) {
	state := NewOrderState()
	state.LastOpusFrameSize = 960 // 20ms @ 48kHz
	ApplyOrderingGuard(&state, ptr(1), ptr(48000), metrics.Noop{})

	// chunk 4 after chunk 1: 2 lost frames; timestampDelta converts to the
	// binding (smallest) bound here since it's scaled 24kHz/48kHz.
	decision := ApplyOrderingGuard(&state, ptr(4), ptr(48000+960*3), metrics.Noop{})
	assert.False(t, decision.Discard)
	assert.Equal(t, 960*3*24/48, decision.ConcealSamples)
}

func TestApplyOrderingGuardConcealCapsAt120ms(t *testing.T) {
	state := NewOrderState()
	state.LastOpusFrameSize = 960
	ApplyOrderingGuard(&state, ptr(1), ptr(0), metrics.Noop{})

	decision := ApplyOrderingGuard(&state, ptr(1000), ptr(960*1000), metrics.Noop{})
	assert.Equal(t, maxConcealMs*concealSamplesPerMs, decision.ConcealSamples)
}

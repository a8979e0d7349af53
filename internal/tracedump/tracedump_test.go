package tracedump

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rapidaai/sttproxy/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteInboundAndOutboundAppendLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.jsonl")
	d := New(path, 1, 1, logging.Nop())

	d.WriteInbound("s1", []byte(`{"event":"ping"}`))
	d.WriteOutbound("s1", []byte(`{"event":"pong"}`))
	require.NoError(t, d.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"direction":"in"`)
	assert.Contains(t, string(data), `"direction":"out"`)
	assert.Contains(t, string(data), `"sessionId":"s1"`)
}

package sse

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirobridge/kirobridge/internal/eventstream"
	"github.com/kirobridge/kirobridge/internal/translator"
)

type countingFlusher struct{ n int }

func (f *countingFlusher) Flush() { f.n++ }

func frame(t *testing.T, eventType string, payload any) eventstream.Frame {
	t.Helper()
	b, err := json.Marshal(payload)
	require.NoError(t, err)
	return eventstream.Frame{
		Headers: map[string]eventstream.HeaderValue{":event-type": eventstream.StringHeader(eventType)},
		Payload: b,
	}
}

func TestConverterWritesEventDataBlankLineFraming(t *testing.T) {
	var buf bytes.Buffer
	flusher := &countingFlusher{}
	state := translator.NewResponseState("claude-sonnet-4.5", "msg_1", 3)
	conv := NewConverter(&buf, flusher, state)

	require.NoError(t, conv.HandleFrame(frame(t, "assistantResponseEvent", map[string]any{"content": "hi"})))

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "event: message_start\ndata: "))
	assert.True(t, strings.HasSuffix(out, "\n\n"))
	assert.Contains(t, out, "event: content_block_start\n")
	assert.Contains(t, out, "event: content_block_delta\n")
	assert.True(t, flusher.n > 0, "flush must be called per event")
}

func TestConverterFinalizeIsNoopOnceClosed(t *testing.T) {
	var buf bytes.Buffer
	state := translator.NewResponseState("claude-sonnet-4.5", "msg_1", 1)
	conv := NewConverter(&buf, nil, state)

	require.NoError(t, conv.HandleFrame(frame(t, "metadataEvent", map[string]any{"stopReason": "end_turn"})))
	require.True(t, state.Closed())

	before := buf.Len()
	require.NoError(t, conv.Finalize())
	assert.Equal(t, before, buf.Len(), "finalize after clean close must write nothing more")
}

func TestConverterFinalizeEmitsTerminalStopWhenStreamEndsEarly(t *testing.T) {
	var buf bytes.Buffer
	state := translator.NewResponseState("claude-sonnet-4.5", "msg_1", 1)
	conv := NewConverter(&buf, nil, state)

	require.NoError(t, conv.HandleFrame(frame(t, "assistantResponseEvent", map[string]any{"content": "partial"})))
	require.NoError(t, conv.Finalize())

	out := buf.String()
	assert.Contains(t, out, "event: message_stop\n")
	assert.Contains(t, out, "event: content_block_stop\n")
}

// Package sse implements C5: bridging decoded upstream event frames to
// outbound Anthropic SSE text, via internal/translator's ResponseState.
// Grounded on pkg/providerutils/streaming/sse.go's SSEWriter, adapted from
// a generic string-typed writer to the Anthropic tagged event union with
// the terminal-frame guarantee spec §4.8 requires.
package sse

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/kirobridge/kirobridge/internal/apitypes"
	"github.com/kirobridge/kirobridge/internal/eventstream"
	"github.com/kirobridge/kirobridge/internal/translator"
)

// Flusher is satisfied by http.ResponseWriter and gin.ResponseWriter;
// kept as a narrow local interface so this package doesn't import net/http.
type Flusher interface {
	Flush()
}

// Converter wraps a ResponseState and an io.Writer, turning each batch of
// SSE events HandleFrame produces into "event: <type>\ndata: <json>\n\n"
// text, flushing after every event (spec §4.8: "never buffers across
// blocks").
type Converter struct {
	w       io.Writer
	flusher Flusher
	state   *translator.ResponseState
}

// NewConverter builds a converter. flusher may be nil if the underlying
// writer doesn't support incremental flushing (e.g. a bytes.Buffer used to
// accumulate a non-streaming response).
func NewConverter(w io.Writer, flusher Flusher, state *translator.ResponseState) *Converter {
	return &Converter{w: w, flusher: flusher, state: state}
}

// HandleFrame decodes one upstream frame's events and writes them.
func (c *Converter) HandleFrame(f eventstream.Frame) error {
	events, err := c.state.HandleFrame(f)
	if err != nil {
		return c.writeError(err)
	}
	return c.writeAll(events)
}

// Finalize forces the terminal message_stop if the stream ended without
// one, guaranteeing spec §4.8's "terminal message_stop on any clean
// completion" even when the upstream simply closes the connection.
func (c *Converter) Finalize() error {
	if c.state.Closed() {
		return nil
	}
	return c.writeAll(c.state.Finalize())
}

func (c *Converter) writeError(cause error) error {
	ev := apitypes.SSEEvent{
		Type: apitypes.EventError,
		Data: apitypes.ErrorData{Type: "error", Error: apitypes.ErrorBody{Type: "api_error", Message: cause.Error()}},
	}
	return c.writeAll([]apitypes.SSEEvent{ev})
}

func (c *Converter) writeAll(events []apitypes.SSEEvent) error {
	for _, ev := range events {
		if err := c.writeEvent(ev); err != nil {
			return err
		}
	}
	return nil
}

func (c *Converter) writeEvent(ev apitypes.SSEEvent) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("sse: marshaling event %s: %w", ev.Type, err)
	}
	if _, err := fmt.Fprintf(c.w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return err
	}
	if c.flusher != nil {
		c.flusher.Flush()
	}
	return nil
}

package translator

import (
	"encoding/json"

	"github.com/kirobridge/kirobridge/internal/apierrors"
	"github.com/kirobridge/kirobridge/internal/apitypes"
	"github.com/kirobridge/kirobridge/internal/eventstream"
)

// upstreamEventPayload is the opaque per-frame JSON body. The upstream's
// exact field names are source-defined (spec's Open Questions); this is the
// minimal shape C5's test fixtures and internal/kiroclient's real frames
// both populate, covering every row of spec §4.4's event-mapping table.
type upstreamEventPayload struct {
	Content      string          `json:"content,omitempty"`
	ToolUseID    string          `json:"toolUseId,omitempty"`
	Name         string          `json:"name,omitempty"`
	Input        string          `json:"input,omitempty"`
	Thinking     string          `json:"thinking,omitempty"`
	Stop         bool            `json:"stop,omitempty"`
	StopReason   string          `json:"stopReason,omitempty"`
	Usage        *usagePayload   `json:"usage,omitempty"`
	ErrorMessage string          `json:"message,omitempty"`
}

type usagePayload struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

type blockKind int

const (
	blockNone blockKind = iota
	blockText
	blockToolUse
	blockThinking
)

// ResponseState is the minimal output state machine from spec §4.4:
// Idle → MessageOpen → (BlockOpen → BlockClosed)* → MessageClosed. One
// instance is driven by a single upstream response stream.
type ResponseState struct {
	model       string
	messageID   string
	inputTokens int

	started bool
	closed  bool

	openKind  blockKind
	blockIdx  int
	nextIndex int
}

// NewResponseState builds a fresh state machine for one response.
func NewResponseState(model, messageID string, inputTokens int) *ResponseState {
	return &ResponseState{model: model, messageID: messageID, inputTokens: inputTokens}
}

// Closed reports whether the machine has reached MessageClosed (either a
// clean message_stop or an error).
func (s *ResponseState) Closed() bool { return s.closed }

// Started reports whether message_start has been emitted — the point past
// which a streaming client has already received bytes and a failure can no
// longer be retried transparently (spec §4.7's partial-response rule).
func (s *ResponseState) Started() bool { return s.started }

// HandleFrame consumes one decoded upstream frame and returns the Anthropic
// SSE events it produces, per spec §4.4's event-mapping table.
func (s *ResponseState) HandleFrame(f eventstream.Frame) ([]apitypes.SSEEvent, error) {
	if s.closed {
		return nil, nil
	}

	var payload upstreamEventPayload
	if len(f.Payload) > 0 {
		if err := json.Unmarshal(f.Payload, &payload); err != nil {
			return nil, apierrors.New(apierrors.KindParser, "malformed upstream event payload", err)
		}
	}

	switch f.EventType() {
	case "assistantResponseEvent":
		return s.handleText(payload), nil
	case "toolUseEvent":
		return s.handleToolUse(payload), nil
	case "thinkingEvent":
		return s.handleThinking(payload), nil
	case "metadataEvent", "usageEvent":
		return s.handleFinal(payload), nil
	case "invocationFailureEvent", "error":
		return s.handleError(payload), nil
	default:
		// Unknown event types are ignored rather than treated as a parse
		// error: the upstream may add informational frame kinds the
		// translator has no mapped output for.
		return nil, nil
	}
}

func (s *ResponseState) ensureStarted() []apitypes.SSEEvent {
	if s.started {
		return nil
	}
	s.started = true
	return []apitypes.SSEEvent{{
		Type: apitypes.EventMessageStart,
		Data: apitypes.MessageStartData{
			Type: "message_start",
			Message: apitypes.MessagesStart{
				ID:      s.messageID,
				Type:    "message",
				Role:    "assistant",
				Model:   s.model,
				Content: []apitypes.ContentBlock{},
				Usage:   apitypes.Usage{InputTokens: s.inputTokens},
			},
		},
	}}
}

// closeOpenBlock closes whatever block is currently open, per the tie-break
// rule: "if a new block opens while one is still open, the open block is
// closed first" (spec §4.4).
func (s *ResponseState) closeOpenBlock() []apitypes.SSEEvent {
	if s.openKind == blockNone {
		return nil
	}
	idx := s.blockIdx
	s.openKind = blockNone
	return []apitypes.SSEEvent{{
		Type: apitypes.EventContentBlockStop,
		Data: apitypes.ContentBlockStopData{Type: "content_block_stop", Index: idx},
	}}
}

func (s *ResponseState) openBlock(kind blockKind, block apitypes.ContentBlock) []apitypes.SSEEvent {
	events := s.closeOpenBlock()
	s.openKind = kind
	s.blockIdx = s.nextIndex
	s.nextIndex++
	events = append(events, apitypes.SSEEvent{
		Type: apitypes.EventContentBlockStart,
		Data: apitypes.ContentBlockStartData{Type: "content_block_start", Index: s.blockIdx, ContentBlock: block},
	})
	return events
}

func (s *ResponseState) handleText(p upstreamEventPayload) []apitypes.SSEEvent {
	if p.Content == "" {
		return nil
	}
	events := s.ensureStarted()
	if s.openKind != blockText {
		events = append(events, s.openBlock(blockText, apitypes.ContentBlock{Type: "text", Text: ""})...)
	}
	events = append(events, apitypes.SSEEvent{
		Type: apitypes.EventContentBlockDelta,
		Data: apitypes.ContentBlockDeltaData{
			Type:  "content_block_delta",
			Index: s.blockIdx,
			Delta: apitypes.Delta{Type: "text_delta", Text: p.Content},
		},
	})
	return events
}

func (s *ResponseState) handleToolUse(p upstreamEventPayload) []apitypes.SSEEvent {
	events := s.ensureStarted()

	switch {
	case p.Stop:
		events = append(events, s.closeOpenBlock()...)
	case p.Name != "":
		events = append(events, s.openBlock(blockToolUse, apitypes.ContentBlock{
			Type: "tool_use", ID: p.ToolUseID, Name: p.Name, Input: json.RawMessage("{}"),
		})...)
	case p.Input != "":
		events = append(events, apitypes.SSEEvent{
			Type: apitypes.EventContentBlockDelta,
			Data: apitypes.ContentBlockDeltaData{
				Type:  "content_block_delta",
				Index: s.blockIdx,
				Delta: apitypes.Delta{Type: "input_json_delta", PartialJSON: p.Input},
			},
		})
	}
	return events
}

func (s *ResponseState) handleThinking(p upstreamEventPayload) []apitypes.SSEEvent {
	events := s.ensureStarted()

	if p.Stop {
		events = append(events, s.closeOpenBlock()...)
		return events
	}
	if p.Thinking == "" {
		return events
	}
	if s.openKind != blockThinking {
		events = append(events, s.openBlock(blockThinking, apitypes.ContentBlock{Type: "thinking", Text: ""})...)
	}
	events = append(events, apitypes.SSEEvent{
		Type: apitypes.EventContentBlockDelta,
		Data: apitypes.ContentBlockDeltaData{
			Type:  "content_block_delta",
			Index: s.blockIdx,
			Delta: apitypes.Delta{Type: "thinking_delta", Thinking: p.Thinking},
		},
	})
	return events
}

func (s *ResponseState) handleFinal(p upstreamEventPayload) []apitypes.SSEEvent {
	events := s.ensureStarted()
	events = append(events, s.closeOpenBlock()...)

	usage := apitypes.Usage{InputTokens: s.inputTokens}
	if p.Usage != nil {
		usage.OutputTokens = p.Usage.OutputTokens
		if p.Usage.InputTokens > 0 {
			usage.InputTokens = p.Usage.InputTokens
		}
	}

	events = append(events, apitypes.SSEEvent{
		Type: apitypes.EventMessageDelta,
		Data: apitypes.MessageDeltaData{
			Type:  "message_delta",
			Delta: apitypes.MessageDeltaOut{StopReason: p.StopReason},
			Usage: usage,
		},
	})
	events = append(events, apitypes.SSEEvent{Type: apitypes.EventMessageStop, Data: struct {
		Type string `json:"type"`
	}{Type: "message_stop"}})
	s.closed = true
	return events
}

func (s *ResponseState) handleError(p upstreamEventPayload) []apitypes.SSEEvent {
	events := s.closeOpenBlock()
	msg := p.ErrorMessage
	if msg == "" {
		msg = "upstream stream error"
	}
	events = append(events, apitypes.SSEEvent{
		Type: apitypes.EventError,
		Data: apitypes.ErrorData{Type: "error", Error: apitypes.ErrorBody{Type: "api_error", Message: msg}},
	})
	s.closed = true
	return events
}

// Finalize is called when the upstream stream ends without an explicit
// terminal frame (connection closed, EOF). It force-closes any open block
// and emits a synthetic stop so the client-facing SSE contract in spec
// §4.8 ("guarantees terminal message_stop on any clean completion") always
// holds, even if the upstream never sent a usage/metadata frame.
func (s *ResponseState) Finalize() []apitypes.SSEEvent {
	if s.closed {
		return nil
	}
	return s.handleFinal(upstreamEventPayload{})
}

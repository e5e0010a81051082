package apitypes

// SSEEventType enumerates the Anthropic streaming event tags (spec §3).
type SSEEventType string

const (
	EventMessageStart      SSEEventType = "message_start"
	EventContentBlockStart SSEEventType = "content_block_start"
	EventContentBlockDelta SSEEventType = "content_block_delta"
	EventContentBlockStop  SSEEventType = "content_block_stop"
	EventMessageDelta      SSEEventType = "message_delta"
	EventMessageStop       SSEEventType = "message_stop"
	EventPing              SSEEventType = "ping"
	EventError             SSEEventType = "error"
)

// SSEEvent is a single Anthropic SSE event; Data is the event's payload
// value (e.g. MessageStartData), marshaled to JSON when it is written after
// "data: ".
type SSEEvent struct {
	Type SSEEventType
	Data any
}

// MessageStartData is the payload of a message_start event.
type MessageStartData struct {
	Type    string        `json:"type"`
	Message MessagesStart `json:"message"`
}

// MessagesStart is the partial message object sent with message_start —
// content is always empty and usage only carries input tokens so far.
type MessagesStart struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Model        string         `json:"model"`
	Content      []ContentBlock `json:"content"`
	StopReason   *string        `json:"stop_reason"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        Usage          `json:"usage"`
}

// ContentBlockStartData is the payload of a content_block_start event.
type ContentBlockStartData struct {
	Type         string       `json:"type"`
	Index        int          `json:"index"`
	ContentBlock ContentBlock `json:"content_block"`
}

// ContentBlockDeltaData is the payload of a content_block_delta event.
type ContentBlockDeltaData struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta Delta  `json:"delta"`
}

// Delta is the tagged delta payload: text_delta, input_json_delta, or
// thinking_delta, distinguished by Type.
type Delta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
}

// ContentBlockStopData is the payload of a content_block_stop event.
type ContentBlockStopData struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

// MessageDeltaData is the payload of a message_delta event.
type MessageDeltaData struct {
	Type  string          `json:"type"`
	Delta MessageDeltaOut `json:"delta"`
	Usage Usage           `json:"usage"`
}

// MessageDeltaOut carries the final stop reason/sequence.
type MessageDeltaOut struct {
	StopReason   string  `json:"stop_reason,omitempty"`
	StopSequence *string `json:"stop_sequence,omitempty"`
}

// ErrorData is the payload of an error event.
type ErrorData struct {
	Type  string    `json:"type"`
	Error ErrorBody `json:"error"`
}

// ErrorBody is the Anthropic error shape, also used for non-streaming 4xx/5xx bodies.
type ErrorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

package pipeline

import (
	"encoding/json"
	"strings"

	"github.com/kirobridge/kirobridge/internal/apitypes"
)

// accumulator builds a single MessagesResponse out of a sequence of SSE
// events, for the non-streaming client path (spec §6: "else a single JSON
// response built by accumulating the stream").
type accumulator struct {
	resp       apitypes.MessagesResponse
	toolInputs map[int]*strings.Builder
	sawError   bool
	errorBody  apitypes.ErrorBody
}

func newAccumulator(model, messageID string) *accumulator {
	return &accumulator{
		resp: apitypes.MessagesResponse{
			ID:    messageID,
			Type:  "message",
			Role:  "assistant",
			Model: model,
		},
		toolInputs: make(map[int]*strings.Builder),
	}
}

func (a *accumulator) apply(events []apitypes.SSEEvent) {
	for _, ev := range events {
		switch data := ev.Data.(type) {
		case apitypes.MessageStartData:
			a.resp.Role = data.Message.Role
			a.resp.Model = data.Message.Model
			a.resp.Usage.InputTokens = data.Message.Usage.InputTokens
		case apitypes.ContentBlockStartData:
			a.ensureBlock(data.Index)
			a.resp.Content[data.Index] = data.ContentBlock
			if data.ContentBlock.Type == "tool_use" {
				a.toolInputs[data.Index] = &strings.Builder{}
			}
		case apitypes.ContentBlockDeltaData:
			a.ensureBlock(data.Index)
			switch data.Delta.Type {
			case "text_delta":
				a.resp.Content[data.Index].Text += data.Delta.Text
			case "thinking_delta":
				a.resp.Content[data.Index].Text += data.Delta.Thinking
			case "input_json_delta":
				if b, ok := a.toolInputs[data.Index]; ok {
					b.WriteString(data.Delta.PartialJSON)
				}
			}
		case apitypes.ContentBlockStopData:
			if b, ok := a.toolInputs[data.Index]; ok && b.Len() > 0 {
				a.resp.Content[data.Index].Input = json.RawMessage(b.String())
			}
		case apitypes.MessageDeltaData:
			a.resp.StopReason = data.Delta.StopReason
			a.resp.StopSequence = data.Delta.StopSequence
			if data.Usage.OutputTokens > 0 {
				a.resp.Usage.OutputTokens = data.Usage.OutputTokens
			}
			if data.Usage.InputTokens > 0 {
				a.resp.Usage.InputTokens = data.Usage.InputTokens
			}
		case apitypes.ErrorData:
			a.sawError = true
			a.errorBody = data.Error
		}
	}
}

func (a *accumulator) ensureBlock(index int) {
	for len(a.resp.Content) <= index {
		a.resp.Content = append(a.resp.Content, apitypes.ContentBlock{})
	}
}

func (a *accumulator) response() apitypes.MessagesResponse {
	return a.resp
}

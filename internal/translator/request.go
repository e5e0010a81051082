package translator

import (
	"encoding/json"
	"strings"

	"github.com/kirobridge/kirobridge/internal/apitypes"
)

// WebSearchToolName is the single tool name that triggers the built-in
// WebSearch conversion path instead of verbatim schema passthrough.
const WebSearchToolName = "web_search"

// UpstreamMessage is one turn in the upstream-shaped conversation. The
// upstream's exact field names are source-defined and opaque (spec §9 Open
// Questions); this mirrors apitypes.ContentBlock's shape rather than
// inventing a distinct wire schema. internal/kiroclient marshals these
// structs as they are, with no field renaming.
type UpstreamMessage struct {
	Role    string                  `json:"role"`
	Content []apitypes.ContentBlock `json:"content"`
}

// UpstreamTool is a tool specification forwarded to the upstream. Schema is
// serialized verbatim (spec §4.4) except for the web_search special case,
// where WebSearch replaces Schema with the fixed built-in shape.
type UpstreamTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	WebSearch   json.RawMessage `json:"webSearch,omitempty"`
}

// UpstreamRequest is C4's inbound-to-upstream translation result.
type UpstreamRequest struct {
	Model         string
	System        string
	Thinking      string
	Messages      []UpstreamMessage
	Tools         []UpstreamTool
	MaxTokens     int
	Temperature   *float64
	TopP          *float64
	TopK          *int
	StopSequences []string
	Stream        bool
}

// webSearchBuiltinShape is the fixed body fragment the upstream expects for
// its built-in WebSearch tool. The exact shape is source-defined (spec's
// Open Questions treat it as opaque); this is a stubbed, clearly-marked
// stand-in rather than a guessed wire detail, swapped in only for the
// single-web_search-tool special case.
var webSearchBuiltinShape = json.RawMessage(`{"type":"web_search_20250305"}`)

// ToUpstream performs the inbound-to-upstream translation described in
// spec §4.4: model mapping, content-block flattening (already done by
// apitypes.Message.UnmarshalJSON), tool schema passthrough with the single
// web_search special case, and system/thinking concatenation.
func ToUpstream(req *apitypes.MessagesRequest) (*UpstreamRequest, error) {
	out := &UpstreamRequest{
		Model:         MapModel(req.Model),
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		TopK:          req.TopK,
		StopSequences: req.StopSeqs,
		Stream:        req.Stream,
	}

	out.System = concatSystem(req.System)

	out.Messages = make([]UpstreamMessage, 0, len(req.Messages))
	var thinking strings.Builder
	for _, m := range req.Messages {
		um := UpstreamMessage{Role: m.Role, Content: m.Content}
		for _, b := range m.Content {
			if b.Type == "thinking" {
				thinking.WriteString(b.Text)
			}
		}
		out.Messages = append(out.Messages, um)
	}
	out.Thinking = thinking.String()

	out.Tools = convertTools(req.Tools)

	return out, nil
}

// concatSystem normalizes the system field, which per the Anthropic schema
// may be a plain string or an array of text blocks, into one string.
func concatSystem(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString
	}

	var blocks []apitypes.ContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var sb strings.Builder
		for i, b := range blocks {
			if i > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(b.Text)
		}
		return sb.String()
	}

	return ""
}

// convertTools applies verbatim schema passthrough, with the single
// web_search special case swapping in the built-in shape (spec §4.4).
func convertTools(tools []apitypes.Tool) []UpstreamTool {
	if len(tools) == 0 {
		return nil
	}

	if len(tools) == 1 && tools[0].Name == WebSearchToolName {
		return []UpstreamTool{{
			Name:      WebSearchToolName,
			WebSearch: webSearchBuiltinShape,
		}}
	}

	out := make([]UpstreamTool, len(tools))
	for i, t := range tools {
		out[i] = UpstreamTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		}
	}
	return out
}

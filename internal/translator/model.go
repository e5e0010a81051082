// Package translator implements C4: bidirectional conversion between the
// Anthropic Messages schema (internal/apitypes) and the upstream's
// event/tool schema, including model-name mapping and the upstream event
// frame to Anthropic SSE event state machine (spec §4.4).
package translator

import "strings"

// Model name fallbacks the upstream actually serves, chosen by
// case-insensitive substring match on the inbound model name (spec §4.4).
const (
	ModelHaiku  = "claude-haiku-4.5"
	ModelOpus   = "claude-opus-4.5"
	ModelSonnet = "claude-sonnet-4.5"
)

// MapModel implements the inbound model-name mapping rule: "haiku" anywhere
// in the name (case-insensitive) wins, then "opus", else sonnet.
func MapModel(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "haiku"):
		return ModelHaiku
	case strings.Contains(lower, "opus"):
		return ModelOpus
	default:
		return ModelSonnet
	}
}

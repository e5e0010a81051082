// Package tokencount implements C10's three-tier token counting strategy
// (spec §4.9): a remote official API first, a local BPE tokenizer second,
// and a character-based heuristic last, each tier falling through to the
// next on any failure.
package tokencount

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/kirobridge/kirobridge/internal/apitypes"
)

// AuthType selects how the remote tier authenticates.
type AuthType string

const (
	AuthTypeAPIKey AuthType = "x-api-key"
	AuthTypeBearer AuthType = "bearer"
)

// Config carries the remote tier's endpoint and credentials. A zero-value
// Config disables tier 1 and starts counting at the local tokenizer.
type Config struct {
	RemoteURL  string
	RemoteKey  string
	AuthType   AuthType
	HTTPClient *http.Client
}

// Counter implements spec §4.9's fallback chain. One Counter is shared
// process-wide; the local tokenizer is loaded at most once.
type Counter struct {
	cfg Config

	encOnce sync.Once
	enc     *tiktoken.Tiktoken
	encErr  error
}

// New builds a Counter. Passing a zero Config skips straight to tiers 2/3.
func New(cfg Config) *Counter {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &Counter{cfg: cfg}
}

// Count returns the input token count for req, trying each tier in order
// and falling through on any error.
func (c *Counter) Count(ctx context.Context, req *apitypes.CountTokensRequest) (int, error) {
	if c.cfg.RemoteURL != "" {
		if n, err := c.countRemote(ctx, req); err == nil {
			return n, nil
		}
	}

	pieces := textPieces(req)

	if enc := c.tokenizer(); enc != nil {
		return structuralOverhead(req) + encodedCount(enc, pieces), nil
	}

	return structuralOverhead(req) + heuristicCount(pieces), nil
}

func (c *Counter) countRemote(ctx context.Context, req *apitypes.CountTokensRequest) (int, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return 0, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.RemoteURL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	switch c.cfg.AuthType {
	case AuthTypeBearer:
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.RemoteKey)
	default:
		httpReq.Header.Set("x-api-key", c.cfg.RemoteKey)
	}

	resp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return 0, fmt.Errorf("count_tokens_api_url returned %d: %s", resp.StatusCode, string(b))
	}

	var out apitypes.CountTokensResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, err
	}
	return out.InputTokens, nil
}

// tokenizer lazily loads the cl100k_base encoding once; on failure every
// subsequent call also returns nil so callers fall through to the
// heuristic tier without retrying a load that can't succeed.
func (c *Counter) tokenizer() *tiktoken.Tiktoken {
	c.encOnce.Do(func() {
		c.enc, c.encErr = tiktoken.GetEncoding("cl100k_base")
	})
	if c.encErr != nil {
		return nil
	}
	return c.enc
}

func encodedCount(enc *tiktoken.Tiktoken, pieces []string) int {
	total := 0
	for _, p := range pieces {
		total += len(enc.Encode(p, nil, nil))
	}
	return total
}

// heuristicCount is the tier-3 fallback: predominantly non-ASCII text
// (CJK, etc.) tokenizes denser than Latin text under real BPE vocabularies,
// so it gets a shorter chars-per-token ratio.
func heuristicCount(pieces []string) int {
	total := 0
	for _, p := range pieces {
		if p == "" {
			continue
		}
		chars := utf8.RuneCountInString(p)
		nonASCII := 0
		for _, r := range p {
			if r > 127 {
				nonASCII++
			}
		}
		ratio := 4.0
		if chars > 0 && float64(nonASCII)/float64(chars) > 0.5 {
			ratio = 1.5
		}
		n := float64(chars) / ratio * 1.1
		total += int(n) + boolToInt(n > float64(int(n)))
	}
	return total
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// structuralOverhead adds spec §4.9's per-message/system/tool constants,
// applied on top of tiers 2 and 3 only (tier 1 returns the upstream's own
// total verbatim).
func structuralOverhead(req *apitypes.CountTokensRequest) int {
	overhead := 4 * len(req.Messages)

	if sys := systemText(req.System); sys != "" {
		overhead += 10 + textTokenEstimate(sys)
	}

	for _, t := range req.Tools {
		overhead += textTokenEstimate(t.Name)
		overhead += textTokenEstimate(t.Description)
		overhead += textTokenEstimate(string(t.InputSchema))
		overhead += 10
	}

	return overhead
}

// textTokenEstimate is used only inside structuralOverhead, where the
// surrounding Count call already chose a tier; it reuses the heuristic
// ratio since re-entering tier 2 per overhead field would be wasteful for
// what are typically short strings.
func textTokenEstimate(s string) int {
	return heuristicCount([]string{s})
}

func systemText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString
	}
	var blocks []apitypes.ContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var buf bytes.Buffer
		for _, b := range blocks {
			buf.WriteString(b.Text)
		}
		return buf.String()
	}
	return ""
}

// textPieces flattens message content text only. System text and tool
// name/description/schema are counted separately inside structuralOverhead
// per spec §4.9's formula — including them here too would double-count
// them.
func textPieces(req *apitypes.CountTokensRequest) []string {
	var pieces []string
	for _, m := range req.Messages {
		for _, blk := range m.Content {
			if blk.Text != "" {
				pieces = append(pieces, blk.Text)
			}
		}
	}
	return pieces
}

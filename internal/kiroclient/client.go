// Package kiroclient is the HTTP boundary to the upstream Kiro
// CodeWhisperer-style service: building authenticated requests, invoking
// its streaming endpoint, and classifying its responses into the
// gateway's error taxonomy. Grounded on
// pkg/providers/bedrock/anthropic/language_model.go's DoGenerate/DoStream
// request-building and error-handling pattern, adapted from AWS SigV4 to
// this upstream's bearer-token OAuth model (spec §4.6) since the
// credentials here are refresh/access token pairs, not AWS access keys.
package kiroclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/kirobridge/kirobridge/internal/apierrors"
	"github.com/kirobridge/kirobridge/internal/translator"
)

// Default endpoint and timing values. The exact upstream host/paths are
// source-defined (spec §9 Open Questions) and deliberately kept as
// overridable config rather than hardcoded assumptions.
const (
	DefaultBaseURL        = "https://codewhisperer.us-east-1.amazonaws.com"
	DefaultCallTimeout    = 300 * time.Second
	DefaultIdleTimeout    = 60 * time.Second
	invokeStreamPath      = "/invoke-with-response-stream"
	balancePath           = "/usage/balance"
	eventStreamAcceptType = "application/vnd.amazon.eventstream"
)

// Config configures a Client.
type Config struct {
	BaseURL     string
	HTTPClient  *http.Client
	CallTimeout time.Duration

	// ProxyURL, if set, routes every upstream request through this outbound
	// HTTP(S) proxy (spec §6 config keys proxyUrl/proxyUsername/
	// proxyPassword). Ignored if HTTPClient is already set explicitly.
	ProxyURL      string
	ProxyUsername string
	ProxyPassword string
}

func (c *Config) setDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Transport: c.proxyTransport()}
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
}

// proxyTransport builds an http.Transport that routes through ProxyURL, or
// nil (falling back to http.DefaultTransport) if no proxy is configured.
// config.Config.Validate already rejects a malformed proxyUrl at startup,
// so a parse failure here only logs and runs unproxied rather than failing
// the whole client.
func (c *Config) proxyTransport() http.RoundTripper {
	if c.ProxyURL == "" {
		return nil
	}
	u, err := url.Parse(c.ProxyURL)
	if err != nil {
		log.Printf("kiroclient: invalid proxyUrl %q, continuing without a proxy: %v", c.ProxyURL, err)
		return nil
	}
	if c.ProxyUsername != "" {
		u.User = url.UserPassword(c.ProxyUsername, c.ProxyPassword)
	}
	return &http.Transport{Proxy: http.ProxyURL(u)}
}

// Client is the upstream HTTP boundary.
type Client struct {
	cfg Config
}

// New builds a Client.
func New(cfg Config) *Client {
	cfg.setDefaults()
	return &Client{cfg: cfg}
}

// InvokeParams carries the per-call identity and payload for StreamInvoke.
type InvokeParams struct {
	AccessToken   string
	ProfileARN    string
	MachineID     string
	Region        string
	KiroVersion   string
	SystemVersion string
	NodeVersion   string
	Request       *translator.UpstreamRequest
}

func (p InvokeParams) marshalBody() ([]byte, error) {
	body := map[string]any{
		"profileArn": p.ProfileARN,
		"request":    p.Request,
	}
	return json.Marshal(body)
}

// StreamInvoke POSTs to the upstream's streaming invoke endpoint and
// returns the raw response body for the caller to feed through
// internal/eventstream. The gateway always calls the streaming endpoint
// (spec §6: even a non-streaming client request is served by accumulating
// this same stream), so there is no separate non-streaming invoke path.
func (c *Client) StreamInvoke(ctx context.Context, p InvokeParams) (io.ReadCloser, error) {
	body, err := p.marshalBody()
	if err != nil {
		return nil, apierrors.New(apierrors.KindClient, "marshaling upstream request", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+invokeStreamPath, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, apierrors.New(apierrors.KindConfig, "building upstream request", err)
	}
	c.setHeaders(req, p)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		cancel()
		return nil, apierrors.New(apierrors.KindUpstream5xx, "upstream request failed", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		defer cancel()
		return nil, classifyErrorResponse(resp)
	}

	return &cancelOnCloseBody{ReadCloser: resp.Body, cancel: cancel}, nil
}

// Balance proxies the upstream's balance/usage endpoint for a credential
// (spec §6 admin table; SPEC_FULL's supplemented balance endpoint).
func (c *Client) Balance(ctx context.Context, accessToken string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+balancePath, nil)
	if err != nil {
		return nil, apierrors.New(apierrors.KindConfig, "building balance request", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, apierrors.New(apierrors.KindUpstream5xx, "balance request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apierrors.New(apierrors.KindUpstream5xx, "reading balance response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyErrorResponse(resp)
	}
	return json.RawMessage(data), nil
}

func (c *Client) setHeaders(req *http.Request, p InvokeParams) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", eventStreamAcceptType)
	req.Header.Set("Authorization", "Bearer "+p.AccessToken)
	if p.MachineID != "" {
		req.Header.Set("x-kiro-machine-id", p.MachineID)
	}
	if p.KiroVersion != "" {
		req.Header.Set("x-kiro-version", p.KiroVersion)
	}
	if p.SystemVersion != "" {
		req.Header.Set("x-kiro-system-version", p.SystemVersion)
	}
	if p.NodeVersion != "" {
		req.Header.Set("x-kiro-node-version", p.NodeVersion)
	}
}

// classifyErrorResponse maps a non-200 upstream response to the gateway's
// error taxonomy per spec §4.7/§7.
func classifyErrorResponse(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := fmt.Sprintf("upstream %d: %s", resp.StatusCode, string(data))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return apierrors.New(apierrors.KindAuthInvalid, msg, nil)
	case resp.StatusCode >= 500:
		return apierrors.New(apierrors.KindUpstream5xx, msg, nil)
	case resp.StatusCode >= 400:
		return apierrors.New(apierrors.KindUpstream4xx, msg, nil)
	default:
		return apierrors.New(apierrors.KindUpstream5xx, msg, nil)
	}
}

// cancelOnCloseBody ties the per-call context's cancel func to the response
// body's lifetime, so StreamInvoke's wall-clock timeout (spec §5) is
// enforced for as long as the caller is still reading the stream.
type cancelOnCloseBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnCloseBody) Close() error {
	defer b.cancel()
	return b.ReadCloser.Close()
}

// Package pipeline implements C9: the per-request state machine that
// orchestrates credential acquisition (internal/credential), token
// freshness, protocol translation (internal/translator), the upstream call
// (internal/kiroclient), and outbound streaming (internal/sse), with the
// attempt-budget and failover rules of spec §4.7.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/google/uuid"

	"github.com/kirobridge/kirobridge/internal/apierrors"
	"github.com/kirobridge/kirobridge/internal/apitypes"
	"github.com/kirobridge/kirobridge/internal/credential"
	"github.com/kirobridge/kirobridge/internal/eventstream"
	"github.com/kirobridge/kirobridge/internal/kiroclient"
	"github.com/kirobridge/kirobridge/internal/sse"
	"github.com/kirobridge/kirobridge/internal/translator"
)

// Budgets per spec §4.7.
const (
	MaxRequestAttempts    = 9
	MaxPerCredentialTries = 3
)

const readChunkSize = 32 * 1024

// Pipeline wires C7+C8+C4+C5+kiroclient into the Start→...→Done state
// machine.
type Pipeline struct {
	pool    *credential.Pool
	tokens  *credential.TokenManager
	client  *kiroclient.Client
	cfg     Config
	backoff backoffConfig
}

// Config carries request-independent identity fields forwarded to the
// upstream on every call (spec §6 config keys kiroVersion/machineId/
// systemVersion/nodeVersion).
type Config struct {
	MachineIDDefault string
	KiroVersion      string
	SystemVersion    string
	NodeVersion      string
	Region           string
}

// New builds a Pipeline.
func New(pool *credential.Pool, tokens *credential.TokenManager, client *kiroclient.Client, cfg Config) *Pipeline {
	return &Pipeline{pool: pool, tokens: tokens, client: client, cfg: cfg, backoff: defaultBackoff()}
}

// Execute runs one inbound /v1/messages request to completion. When
// req.Stream is true, SSE events are written to out as they arrive and
// flusher is invoked after each one; otherwise a single JSON
// MessagesResponse is written to out once the stream completes.
func (p *Pipeline) Execute(ctx context.Context, req *apitypes.MessagesRequest, out io.Writer, flusher sse.Flusher) error {
	upReq, err := translator.ToUpstream(req)
	if err != nil {
		return apierrors.New(apierrors.KindClient, "translating request", err)
	}
	messageID := "msg_" + uuid.NewString()

	excluded := make(map[int64]bool)
	totalAttempts := 0

	for {
		lease, acquireErr := p.pool.Acquire(ctx, excluded)
		if acquireErr != nil {
			return acquireErr
		}
		credID := lease.Credential().ID

		credAttempts := 0
		var lastErr error
		var partialBodySent bool

		for {
			totalAttempts++
			credAttempts++

			if totalAttempts > MaxRequestAttempts {
				p.pool.Release(lease, credential.ReleaseInfo{Outcome: credential.OutcomeFailure, ErrorKind: apierrors.KindOf(lastErr)})
				return apierrors.New(apierrors.KindUpstream5xx, "request attempt budget exhausted", lastErr)
			}

			var resp *apitypes.MessagesResponse
			resp, partialBodySent, err = p.attempt(ctx, lease, upReq, messageID, req.Stream, out, flusher)

			if err == nil {
				p.pool.Release(lease, credential.ReleaseInfo{Outcome: credential.OutcomeSuccess})
				if !req.Stream && resp != nil {
					return writeJSON(out, resp)
				}
				return nil
			}

			if errors.Is(err, context.Canceled) {
				p.pool.Release(lease, credential.ReleaseInfo{Outcome: credential.OutcomeCancelled})
				return err
			}

			lastErr = err
			apiErr, _ := apierrors.As(err)
			if apiErr == nil {
				apiErr = apierrors.Wrap(apierrors.KindUpstream5xx, err)
			}

			if partialBodySent {
				// Already streamed to the client; the SSE error frame was
				// written inline by the converter. No retry is possible.
				p.pool.Release(lease, credential.ReleaseInfo{Outcome: credential.OutcomeFailure, ErrorKind: apiErr.Kind})
				return apierrors.New(apierrors.KindPartialBody, "partial response already streamed", apiErr)
			}

			if !apiErr.Retryable() {
				// User error or non-auth upstream 4xx: surface immediately,
				// no failure accounting against the credential.
				p.pool.Release(lease, credential.ReleaseInfo{Outcome: credential.OutcomeFailure, ErrorKind: apiErr.Kind})
				return apiErr
			}

			if credAttempts < MaxPerCredentialTries {
				if waitErr := wait(ctx, p.backoff.delayForAttempt(credAttempts)); waitErr != nil {
					p.pool.Release(lease, credential.ReleaseInfo{Outcome: credential.OutcomeCancelled})
					return waitErr
				}
				continue // retry same credential
			}

			// Per-credential budget exhausted: fail over.
			p.pool.Release(lease, credential.ReleaseInfo{Outcome: credential.OutcomeFailure, ErrorKind: apiErr.Kind})
			excluded[credID] = true
			break
		}
	}
}

// attempt performs one EnsureToken→UpstreamCall→StreamOrBuffer pass on a
// credential Execute has already acquired, with the request Execute has
// already translated. For a streaming client, resp is always nil (events
// are written directly to out) and partialBodySent reports whether any
// bytes reached the client — once true, the caller must not retry.
func (p *Pipeline) attempt(ctx context.Context, lease *credential.Lease, upReq *translator.UpstreamRequest, messageID string, clientStream bool, out io.Writer, flusher sse.Flusher) (*apitypes.MessagesResponse, bool, error) {
	cred := lease.Credential()

	token, err := p.tokens.EnsureFresh(ctx, cred)
	if err != nil {
		return nil, false, err
	}

	snap := lease.Snapshot()
	machineID := credential.ResolveMachineID(cred, p.cfg.MachineIDDefault)
	region := snap.Region
	if region == "" {
		region = p.cfg.Region
	}

	body, err := p.client.StreamInvoke(ctx, kiroclient.InvokeParams{
		AccessToken:   token,
		ProfileARN:    snap.ProfileARN,
		MachineID:     machineID,
		Region:        region,
		KiroVersion:   p.cfg.KiroVersion,
		SystemVersion: p.cfg.SystemVersion,
		NodeVersion:   p.cfg.NodeVersion,
		Request:       upReq,
	})
	if err != nil {
		return nil, false, err
	}
	defer body.Close()

	state := translator.NewResponseState(upReq.Model, messageID, 0)

	if clientStream {
		return p.drainStreaming(ctx, body, state, out, flusher)
	}
	return p.drainBuffered(ctx, body, state, messageID, upReq.Model)
}

func (p *Pipeline) drainStreaming(ctx context.Context, body io.Reader, state *translator.ResponseState, out io.Writer, flusher sse.Flusher) (*apitypes.MessagesResponse, bool, error) {
	conv := sse.NewConverter(out, flusher, state)
	decoder := eventstream.NewDecoder()
	buf := make([]byte, readChunkSize)
	var partialBodySent bool

	for {
		if err := ctx.Err(); err != nil {
			return nil, partialBodySent, err
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			decoder.Feed(buf[:n])
			for {
				frame, ok, decodeErr := decoder.Next()
				if decodeErr != nil {
					return nil, partialBodySent, apierrors.Wrap(apierrors.KindParser, decodeErr)
				}
				if !ok {
					break
				}
				if err := conv.HandleFrame(frame); err != nil {
					return nil, partialBodySent, err
				}
				partialBodySent = partialBodySent || state.Started()
				if state.Closed() {
					return nil, partialBodySent, nil
				}
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				if !state.Closed() {
					if err := conv.Finalize(); err != nil {
						return nil, partialBodySent, err
					}
				}
				return nil, partialBodySent, nil
			}
			return nil, partialBodySent, apierrors.New(apierrors.KindUpstream5xx, "reading upstream stream", readErr)
		}
	}
}

func (p *Pipeline) drainBuffered(ctx context.Context, body io.Reader, state *translator.ResponseState, messageID, model string) (*apitypes.MessagesResponse, bool, error) {
	acc := newAccumulator(model, messageID)
	decoder := eventstream.NewDecoder()
	buf := make([]byte, readChunkSize)

	for {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			decoder.Feed(buf[:n])
			for {
				frame, ok, decodeErr := decoder.Next()
				if decodeErr != nil {
					return nil, false, apierrors.Wrap(apierrors.KindParser, decodeErr)
				}
				if !ok {
					break
				}
				events, handleErr := state.HandleFrame(frame)
				if handleErr != nil {
					return nil, false, handleErr
				}
				acc.apply(events)
				if state.Closed() {
					if acc.sawError {
						return nil, false, apierrors.New(apierrors.KindUpstream5xx, acc.errorBody.Message, nil)
					}
					resp := acc.response()
					return &resp, false, nil
				}
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				acc.apply(state.Finalize())
				if acc.sawError {
					return nil, false, apierrors.New(apierrors.KindUpstream5xx, acc.errorBody.Message, nil)
				}
				resp := acc.response()
				return &resp, false, nil
			}
			return nil, false, apierrors.New(apierrors.KindUpstream5xx, "reading upstream stream", readErr)
		}
	}
}

func writeJSON(out io.Writer, resp *apitypes.MessagesResponse) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(resp); err != nil {
		return apierrors.New(apierrors.KindUpstream5xx, "marshaling response", err)
	}
	_, err := out.Write(buf.Bytes())
	return err
}

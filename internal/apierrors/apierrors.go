// Package apierrors defines the closed, per-layer error taxonomy used across
// the gateway. Every layer returns one of these types; only the HTTP server
// boundary (internal/server) translates a Kind into a status code.
package apierrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry/failover decisions (spec §7).
type Kind string

const (
	KindClient       Kind = "client"        // bad JSON, unknown model, missing field
	KindClientAuth   Kind = "client_auth"   // missing/bad apiKey
	KindAuthInvalid  Kind = "auth_invalid"  // refresh token rejected (4xx)
	KindAuthTransient Kind = "auth_transient" // refresh network/5xx
	KindAuthMalformed Kind = "auth_malformed" // refresh response unparsable
	KindUpstream4xx  Kind = "upstream_4xx"  // non-auth upstream 4xx, surfaced verbatim
	KindUpstream5xx  Kind = "upstream_5xx"  // upstream 5xx / network, retried
	KindParser       Kind = "parser"        // malformed event-stream frame
	KindConfig       Kind = "config"        // malformed startup config
	KindCancelled    Kind = "cancelled"     // inbound connection closed
	KindWriteBack    Kind = "write_back"    // credential persistence failure (warn-only)
	KindNoCredential Kind = "no_credential" // pool exhausted
	KindPartialBody  Kind = "partial_body"  // streamed bytes already sent, cannot retry
)

// Error is the gateway's single error type. Cause is preserved for %w chains.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether the pipeline should attempt failover for this
// error, per spec §4.7's classification table.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindAuthInvalid, KindAuthMalformed, KindAuthTransient, KindUpstream5xx:
		return true
	default:
		return false
	}
}

// New builds an *Error.
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Wrap attaches a Kind to an arbitrary error.
func Wrap(kind Kind, cause error) *Error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// As is a thin convenience wrapper over errors.As for *Error.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err if it (or something it wraps) is an *Error,
// otherwise KindUpstream5xx — unclassified errors are treated as transient
// (retryable) rather than being surfaced raw.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindUpstream5xx
}

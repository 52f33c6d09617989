package assistant

import (
	"context"
	"errors"
	"fmt"
)

// FailureKind tags why an exchange produced no reply.
type FailureKind int

const (
	FailureUnknown FailureKind = iota
	// FailureTransport: the service could not be reached.
	FailureTransport
	// FailureTimeout: the request deadline passed.
	FailureTimeout
	// FailureAborted: the caller cancelled the request.
	FailureAborted
	// FailureHTTP: the service answered with a non-2xx status.
	FailureHTTP
	// FailureProtocol: a 2xx answer that could not be decoded.
	FailureProtocol
)

func (k FailureKind) String() string {
	switch k {
	case FailureTransport:
		return "transport"
	case FailureTimeout:
		return "timeout"
	case FailureAborted:
		return "aborted"
	case FailureHTTP:
		return "http"
	case FailureProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// Failure describes a failed exchange.
type Failure struct {
	Kind       FailureKind
	StatusCode int    // FailureHTTP only
	Detail     string // server-provided detail text, when available
	Err        error
}

func (f *Failure) Error() string {
	switch {
	case f.Kind == FailureHTTP && f.Detail != "":
		return fmt.Sprintf("assistant error [%d]: %s", f.StatusCode, f.Detail)
	case f.Kind == FailureHTTP:
		return fmt.Sprintf("assistant error [%d]", f.StatusCode)
	case f.Err != nil:
		return fmt.Sprintf("assistant %s failure: %v", f.Kind, f.Err)
	default:
		return fmt.Sprintf("assistant %s failure", f.Kind)
	}
}

func (f *Failure) Unwrap() error { return f.Err }

// Result is either a Reply or a Failure, never both.
type Result struct {
	Reply   Reply
	Failure *Failure
}

// OK reports whether the exchange produced a reply.
func (r Result) OK() bool { return r.Failure == nil }

// Succeeded wraps a reply.
func Succeeded(reply Reply) Result { return Result{Reply: reply} }

// Failed wraps a failure.
func Failed(f *Failure) Result { return Result{Failure: f} }

// FromError classifies err: context deadline and cancellation map to
// FailureTimeout and FailureAborted, an existing *Failure is kept as is and
// anything else becomes kind.
func FromError(err error, kind FailureKind) Result {
	var f *Failure
	switch {
	case errors.As(err, &f):
		return Failed(f)
	case errors.Is(err, context.DeadlineExceeded):
		return Failed(&Failure{Kind: FailureTimeout, Err: err})
	case errors.Is(err, context.Canceled):
		return Failed(&Failure{Kind: FailureAborted, Err: err})
	default:
		return Failed(&Failure{Kind: kind, Err: err})
	}
}

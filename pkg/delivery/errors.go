package delivery

import (
	"errors"
	"fmt"
)

// Error taxonomy of a delivery run. Every failure escaping the session is an
// *Error tagged with one Kind so callers (the CLI layer in particular) can
// map outcomes without matching on strings. Recoverable conditions -- a 503
// "not ready" during the fetch loop, an empty "no result yet" body during
// sub-polling -- are retried internally and only surface once their bound is
// exceeded.

// Kind classifies a delivery error.
type Kind int

const (
	// KindTransport is an APDU exchange failure or an unexpected status word
	// on a mandatory step.
	KindTransport Kind = iota + 1

	// KindProtocol is a malformed or unsupported server response, an
	// unsupported operation or action name, or a service requiring an
	// unsupported feature such as payment.
	KindProtocol

	// KindTimeout means the fetch loop exceeded the session deadline.
	KindTimeout

	// KindCancelled is an externally requested abort.
	KindCancelled

	// KindCrypto is a key generation, encryption or wrapping failure. Crypto
	// failures always surface; they are never degraded to unencrypted.
	KindCrypto

	// KindRemote is a non-2xx RPC response.
	KindRemote
)

// String names the kind for logs.
func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindTimeout:
		return "timeout"
	case KindCancelled:
		return "cancelled"
	case KindCrypto:
		return "crypto"
	case KindRemote:
		return "remote"
	default:
		return fmt.Sprintf("kind-%d", int(k))
	}
}

// Error is a tagged delivery failure.
type Error struct {
	Kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil && e.msg != "" {
		return fmt.Sprintf("%s: %v", e.msg, e.err)
	}
	if e.err != nil {
		return e.err.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error {
	return e.err
}

// KindOf extracts the Kind of a delivery error, or 0 for foreign errors.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return 0
}

func errf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

func wrapErr(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, msg: msg, err: err}
}

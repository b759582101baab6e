package forwarding

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies a forwarding error per spec.md §7's taxonomy.
type ErrorKind int

const (
	// PeerError: the other side sent an error message. Propagated
	// upward unchanged, never echoed back.
	PeerError ErrorKind = iota
	// ProtocolParse: malformed JSON/MessagePack on the wire.
	ProtocolParse
	// ProtocolSemantic: well-formed but violates the protocol.
	ProtocolSemantic
	// TransitSetup: transit init or connect failed.
	TransitSetup
	// TransitIO: transit read/write failure mid-session.
	TransitIO
	// LocalIO: local TCP accept/read/write failure.
	LocalIO
	// AckMissing: reserved for higher-level uses; never raised by this
	// package (spec.md §9 Open Questions).
	AckMissing
	// RendezvousTransition: a rendezvous state-machine violation bubbled
	// up through the forwarding layer; always indicates a bug.
	RendezvousTransition
)

func (k ErrorKind) String() string {
	switch k {
	case PeerError:
		return "peer-error"
	case ProtocolParse:
		return "protocol-parse"
	case ProtocolSemantic:
		return "protocol-semantic"
	case TransitSetup:
		return "transit-setup"
	case TransitIO:
		return "transit-io"
	case LocalIO:
		return "local-io"
	case AckMissing:
		return "ack-missing"
	case RendezvousTransition:
		return "rendezvous-transition"
	default:
		return "unknown"
	}
}

// Error is the error type every forwarding operation returns. It carries
// a Kind so callers (principally the session loop's echo-on-exit logic)
// can tell a PeerError apart from everything else without string
// matching.
type Error struct {
	Kind  ErrorKind
	cause error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.cause)
}

func (e *Error) Unwrap() error { return e.cause }

// newError builds an Error of kind whose cause is a fresh error carrying
// msg; wrapError instead wraps an existing cause (which may be nil) with
// kind and msg. Both follow the pkg/errors idiom used across the example
// pack for causal-chain context.
func newError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, cause: errors.New(msg)}
}

func wrapError(kind ErrorKind, cause error, msg string) *Error {
	return &Error{Kind: kind, cause: errors.WithMessage(cause, msg)}
}

// protocolf builds a ProtocolSemantic error with a formatted message.
func protocolf(format string, args ...interface{}) *Error {
	return newError(ProtocolSemantic, fmt.Sprintf(format, args...))
}

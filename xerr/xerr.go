// Package xerr defines the error-kind taxonomy the engine's subsystems
// use to decide whether a failure is fatal to a peer session, a
// tracker attempt, a torrent, or merely logged and retried.
package xerr

import "fmt"

// Kind classifies an error into one of the categories §7 assigns
// different recovery behavior to.
type Kind int

const (
	KindUnknown Kind = iota

	// Protocol errors are fatal to the peer session that raised them.
	KindIncorrectProtocol
	KindIncorrectInfoHash
	KindUnexpectedBitfield
	KindInvalidMessage
	KindInvalidMessageID
	KindNoHandshake

	// Transport errors are fatal to the session, recoverable at the
	// torrent level by dialing other peers.
	KindIO
	KindTimeout
	KindChannelClosed

	// Tracker errors are logged; other trackers are tried.
	KindResponseError
	KindInvalidURL

	// Disk errors.
	KindIOSize
	KindAllocationError

	// Bencode errors.
	KindInvalidToken
	KindEOF
	KindInvalidType
)

func (k Kind) String() string {
	switch k {
	case KindIncorrectProtocol:
		return "IncorrectProtocol"
	case KindIncorrectInfoHash:
		return "IncorrectInfoHash"
	case KindUnexpectedBitfield:
		return "UnexpectedBitfield"
	case KindInvalidMessage:
		return "InvalidMessage"
	case KindInvalidMessageID:
		return "InvalidMessageId"
	case KindNoHandshake:
		return "NoHandshake"
	case KindIO:
		return "Io"
	case KindTimeout:
		return "Timeout"
	case KindChannelClosed:
		return "ChannelClosed"
	case KindResponseError:
		return "ResponseError"
	case KindInvalidURL:
		return "InvalidUrl"
	case KindIOSize:
		return "IoSize"
	case KindAllocationError:
		return "AllocationError"
	case KindInvalidToken:
		return "InvalidToken"
	case KindEOF:
		return "EOF"
	case KindInvalidType:
		return "InvalidType"
	default:
		return "Unknown"
	}
}

// Error is a tagged error carrying a Kind, the operation that raised
// it, and the underlying cause. Callers branch on Kind via Is/As.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, xerr.Sentinel(kind)) match on Kind alone by
// comparing against a sentinel built with the same Kind and a nil Op/Err.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New builds a tagged error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Sentinel returns a bare error of the given kind, suitable as the
// target of errors.Is.
func Sentinel(kind Kind) *Error { return &Error{Kind: kind} }

// FatalToSession reports whether the kind is fatal to the peer session that
// raised it (protocol or transport errors per §7).
func (k Kind) FatalToSession() bool {
	switch k {
	case KindIncorrectProtocol, KindIncorrectInfoHash, KindUnexpectedBitfield,
		KindInvalidMessage, KindInvalidMessageID, KindNoHandshake,
		KindIO, KindTimeout, KindChannelClosed:
		return true
	default:
		return false
	}
}

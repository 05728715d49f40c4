package decode

import (
	"errors"
	"fmt"
)

// ErrorKind classifies decode failures. Every kind is recoverable: the frame
// is dropped and counted, the connection is left alone.
type ErrorKind int

const (
	Malformed ErrorKind = iota + 1
	UnknownFrameType
	IncompleteTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case Malformed:
		return "malformed"
	case UnknownFrameType:
		return "unknown_frame_type"
	case IncompleteTimeout:
		return "incomplete_timeout"
	default:
		return "unknown"
	}
}

var (
	ErrMalformed         = errors.New("malformed frame")
	ErrUnknownFrameType  = errors.New("unknown frame type")
	ErrIncompleteTimeout = errors.New("incomplete frame timed out")
)

// Error is returned for every rejected frame.
type Error struct {
	Kind   ErrorKind
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("decode: %s: %s", e.Kind, e.Reason)
}

// Is lets callers match with errors.Is(err, ErrMalformed) and friends.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrMalformed:
		return e.Kind == Malformed
	case ErrUnknownFrameType:
		return e.Kind == UnknownFrameType
	case ErrIncompleteTimeout:
		return e.Kind == IncompleteTimeout
	}
	return false
}

func malformed(format string, args ...any) *Error {
	return &Error{Kind: Malformed, Reason: fmt.Sprintf(format, args...)}
}

func unknownType(format string, args ...any) *Error {
	return &Error{Kind: UnknownFrameType, Reason: fmt.Sprintf(format, args...)}
}

// KindOf extracts the ErrorKind of a decode error, or 0 when err is not one.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return 0
}

package domain

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

// Error is a domain error with a stable kind code that survives wrapping.
// The base sentinel ties each kind into the errdefs classification so callers
// can use errdefs.IsNotFound etc. without knowing the concrete kind.
type Error struct {
	kind string
	base error
	msg  string
}

func (e *Error) Error() string { return e.msg }

func (e *Error) Unwrap() error { return e.base }

// Kind returns the stable wire code for this error.
func (e *Error) Kind() string { return e.kind }

var (
	ErrNotFound           = &Error{kind: "not_found", base: errdefs.ErrNotFound, msg: "session not found"}
	ErrConflict           = &Error{kind: "conflict", base: errdefs.ErrConflict, msg: "session identifier already in use"}
	ErrInvalidTransition  = &Error{kind: "invalid_transition", base: errdefs.ErrFailedPrecondition, msg: "lifecycle transition not allowed"}
	ErrSessionCompleted   = &Error{kind: "session_completed", base: errdefs.ErrFailedPrecondition, msg: "session is completed"}
	ErrOutOfOrderChunk    = &Error{kind: "out_of_order_chunk", base: errdefs.ErrInvalidArgument, msg: "audio chunk offset decreased"}
	ErrAdapterUnavailable = &Error{kind: "adapter_unavailable", base: errdefs.ErrUnavailable, msg: "transcription backend unavailable"}
	ErrUnknownMessage     = &Error{kind: "unknown_message", base: errdefs.ErrInvalidArgument, msg: "unknown message type"}
	ErrValidation         = &Error{kind: "validation", base: errdefs.ErrInvalidArgument, msg: "invalid request"}
)

// Kind extracts the stable kind code from err, or "internal" if err carries
// no domain error.
func Kind(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.kind
	}
	return "internal"
}

// Wrap annotates err with context while preserving its kind.
func Wrap(err error, format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, err)...)
}

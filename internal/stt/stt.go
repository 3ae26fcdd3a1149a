// Package stt wraps the external speech-to-text streaming service.
package stt

import (
	"context"

	"github.com/memoist/core/internal/domain"
)

// Result is one partial or final transcription covering an offset range,
// in milliseconds from the start of the session's audio stream.
type Result struct {
	StartOffset int64
	EndOffset   int64
	Text        string
	Final       bool
}

// Stream is one session's live transcription stream.
type Stream interface {
	// SendAudio forwards an audio chunk at the given offset. The call may
	// block on backend I/O; callers must not hold other sessions up on it.
	SendAudio(ctx context.Context, chunk []byte, offset int64) error

	// Results returns the lazy sequence of transcription results. The
	// channel closes when the stream ends.
	Results() <-chan Result

	// Close tears down the stream.
	Close() error
}

// Recognizer opens per-session transcription streams.
type Recognizer interface {
	Start(ctx context.Context, sessionID string) (Stream, error)
}

// Unconfigured is a Recognizer used when no backend is configured. Every
// start fails with domain.ErrAdapterUnavailable, which the gateway relays
// as an error message without closing the connection.
type Unconfigured struct{}

// Start always reports the backend as unavailable.
func (Unconfigured) Start(_ context.Context, sessionID string) (Stream, error) {
	return nil, domain.Wrap(domain.ErrAdapterUnavailable, "no transcription backend configured (session %s)", sessionID)
}

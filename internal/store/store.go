// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/memoist/core/internal/domain"
)

// Repository defines the interface for persisting sessions, transcript
// fragments, and capture events.
type Repository interface {
	// CreateSession persists a new session record. If the identifier is
	// already in use it fails with domain.ErrConflict and leaves the
	// existing record untouched.
	CreateSession(ctx context.Context, sess *domain.Session) error

	// GetSession retrieves a session, or domain.ErrNotFound.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// Transition atomically applies a lifecycle event to the session and
	// returns the new state. The state change is durable before the call
	// returns. Illegal events fail with domain.ErrInvalidTransition, or
	// domain.ErrSessionCompleted if the session is terminal.
	Transition(ctx context.Context, sessionID string, event domain.TransitionEvent) (domain.State, error)

	// ListIncomplete returns sessions that are not completed, newest first.
	// An empty origin matches all origins.
	ListIncomplete(ctx context.Context, origin domain.Origin) ([]*domain.Session, error)

	// ListDisconnectedSince returns disconnected sessions whose last
	// activity is at or before cutoff. Used by the abandonment sweep.
	ListDisconnectedSince(ctx context.Context, cutoff time.Time) ([]*domain.Session, error)

	// TouchActivity bumps the session's last-activity timestamp.
	TouchActivity(ctx context.Context, sessionID string, at time.Time) error

	// AppendFragment persists a transcript fragment, enforcing finality
	// monotonicity: a partial overlapping an already-final range is
	// dropped, and a final fragment supersedes the partials it covers.
	AppendFragment(ctx context.Context, frag *domain.TranscriptFragment) error

	// ListFragments returns a session's fragments ordered by start offset.
	ListFragments(ctx context.Context, sessionID string) ([]*domain.TranscriptFragment, error)

	// HighestAudioOffset returns the largest audio offset ingested for the
	// session, used to deduplicate resent audio on resume. A session with
	// no audio yet reports -1.
	HighestAudioOffset(ctx context.Context, sessionID string) (int64, error)

	// AdvanceAudioOffset raises the session's ingested-audio high-water
	// mark. Lower offsets are a no-op.
	AdvanceAudioOffset(ctx context.Context, sessionID string, offset int64) error

	// RecordEvent persists a capture event.
	RecordEvent(ctx context.Context, event *domain.CaptureEvent) error

	// ListEvents returns a session's capture events in insertion order.
	ListEvents(ctx context.Context, sessionID string) ([]*domain.CaptureEvent, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

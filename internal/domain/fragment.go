package domain

import (
	"time"
)

// TranscriptFragment is a unit of speech-to-text output tied to a session.
// Offsets are milliseconds from the start of the session's audio stream.
// Fragments are monotonically ordered by StartOffset; a final fragment
// supersedes all partials covering the same offset range.
type TranscriptFragment struct {
	SessionID   string
	StartOffset int64
	EndOffset   int64
	Text        string
	Final       bool
	CreatedAt   time.Time
}

// Overlaps reports whether the fragment's offset range intersects [start, end).
func (f *TranscriptFragment) Overlaps(start, end int64) bool {
	return f.StartOffset < end && start < f.EndOffset
}

// CaptureEventType enumerates the non-audio inputs recorded against a session.
type CaptureEventType string

const (
	CaptureScreenshot     CaptureEventType = "screenshot"
	CaptureManualTrigger  CaptureEventType = "trigger"
	CaptureLifecycle      CaptureEventType = "lifecycle"
	CaptureWorkflowUpdate CaptureEventType = "workflow_update"
)

// CaptureEvent is a discrete non-audio input. The payload itself lives in
// object storage; PayloadRef is the opaque handle.
type CaptureEvent struct {
	ID         string
	SessionID  string
	Type       CaptureEventType
	PayloadRef string
	CreatedAt  time.Time
}

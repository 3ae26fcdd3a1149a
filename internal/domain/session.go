// Package domain defines the core records and lifecycle rules for capture sessions.
package domain

import (
	"time"
)

// State is a session lifecycle state.
type State string

const (
	// StateCreated is transient: a session advances to active as part of init.
	StateCreated   State = "created"
	StateActive    State = "active"
	StateDisconn   State = "disconnected"
	StateCompleted State = "completed"
)

// TransitionEvent is a lifecycle event applied to a session.
type TransitionEvent string

const (
	EventInit       TransitionEvent = "init"
	EventResume     TransitionEvent = "resume"
	EventReconnect  TransitionEvent = "reconnect"
	EventDisconnect TransitionEvent = "disconnect"
	EventEnd        TransitionEvent = "end"
)

// WorkflowType enumerates the workflow templates a session can be bound to.
type WorkflowType string

const (
	WorkflowMeetingNotes    WorkflowType = "meeting_notes"
	WorkflowDiary           WorkflowType = "diary"
	WorkflowCourseAssistant WorkflowType = "course_assistant"
	WorkflowInterview       WorkflowType = "interview"
	WorkflowCustom          WorkflowType = "custom"
)

// ValidWorkflowType reports whether t is a known workflow type.
func ValidWorkflowType(t WorkflowType) bool {
	switch t {
	case WorkflowMeetingNotes, WorkflowDiary, WorkflowCourseAssistant, WorkflowInterview, WorkflowCustom:
		return true
	}
	return false
}

// Origin identifies which client surface created a session.
type Origin string

const (
	OriginDesktopClient Origin = "desktop-client"
	OriginManagementUI  Origin = "management-ui"
)

// ValidOrigin reports whether o is a known creation origin.
func ValidOrigin(o Origin) bool {
	return o == OriginDesktopClient || o == OriginManagementUI
}

// Session is one continuous capture-and-workflow execution.
// The identifier and workflow binding are immutable once assigned.
type Session struct {
	ID             string
	WorkflowID     string
	WorkflowType   WorkflowType
	State          State
	Origin         Origin
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// Completed reports whether the session has reached its terminal state.
func (s *Session) Completed() bool {
	return s.State == StateCompleted
}

// transitions is the lifecycle legality table. completed is terminal.
var transitions = map[State]map[TransitionEvent]State{
	StateCreated: {
		EventInit: StateActive,
	},
	StateActive: {
		EventDisconnect: StateDisconn,
		EventEnd:        StateCompleted,
		// Resuming an already-active session converges without a state change.
		EventResume:    StateActive,
		EventReconnect: StateActive,
	},
	StateDisconn: {
		EventResume:    StateActive,
		EventReconnect: StateActive,
		// Administrative finalization of a session that never came back.
		EventEnd: StateCompleted,
	},
}

// NextState returns the state reached by applying event from the given state.
// Returns false if the transition is not legal.
func NextState(from State, event TransitionEvent) (State, bool) {
	next, ok := transitions[from][event]
	return next, ok
}

// Apply transitions the session in place, updating last activity.
// Any event against a completed session fails with ErrSessionCompleted;
// other illegal transitions fail with ErrInvalidTransition.
func (s *Session) Apply(event TransitionEvent, now time.Time) error {
	if s.State == StateCompleted {
		return ErrSessionCompleted
	}
	next, ok := NextState(s.State, event)
	if !ok {
		return ErrInvalidTransition
	}
	s.State = next
	s.LastActivityAt = now
	return nil
}

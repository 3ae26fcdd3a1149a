// Package gateway terminates client connections and enforces the session
// and reconnection protocol over them.
package gateway

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/memoist/core/internal/domain"
)

// Inbound message types. The catalogue is closed: unknown discriminators are
// rejected with a typed error, never silently ignored.
const (
	MsgInitSession    = "init_session"
	MsgResumeSession  = "resume_session"
	MsgReconnect      = "reconnect"
	MsgSendAudioChunk = "send_audio_chunk"
	MsgScreenCapture  = "screen_capture"
	MsgEndSession     = "end_session"
	MsgPing           = "ping"
)

// Outbound message types.
const (
	MsgSessionStatus         = "session_status"
	MsgTranscriptPartial     = "transcript_partial"
	MsgTranscriptFinal       = "transcript_final"
	MsgWorkflowUpdate        = "workflow_update"
	MsgScreenCaptureReceived = "screen_capture_received"
	MsgError                 = "error"
	MsgPong                  = "pong"
)

// envelope is the common shape of every wire message.
type envelope struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
}

// InitSession starts a new capture session. SessionID is optional: the
// desktop client generates identifiers offline; absent one the server
// allocates.
type InitSession struct {
	SessionID    string `json:"session_id,omitempty"`
	WorkflowID   string `json:"workflow_id"`
	WorkflowType string `json:"workflow_type"`
}

// AudioChunk carries base64 audio at a millisecond offset.
type AudioChunk struct {
	Audio  string `json:"audio"`
	Offset int64  `json:"offset"`
}

// Bytes decodes the audio payload.
func (c *AudioChunk) Bytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(c.Audio)
}

// ScreenCapture carries a base64 screenshot.
type ScreenCapture struct {
	Image string `json:"image"`
}

// Bytes decodes the image payload.
func (c *ScreenCapture) Bytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(c.Image)
}

// Inbound is one decoded client message: exactly one variant field is set,
// matching Type.
type Inbound struct {
	Type      string
	SessionID string
	Init      *InitSession
	Audio     *AudioChunk
	Screen    *ScreenCapture
}

// ParseInbound decodes a wire message into its tagged variant. Unknown
// discriminators fail with domain.ErrUnknownMessage; malformed payloads
// fail with domain.ErrValidation.
func ParseInbound(data []byte) (*Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, domain.Wrap(domain.ErrValidation, "malformed message")
	}

	msg := &Inbound{Type: env.Type, SessionID: env.SessionID}
	switch env.Type {
	case MsgInitSession:
		var init InitSession
		if err := json.Unmarshal(data, &init); err != nil {
			return nil, domain.Wrap(domain.ErrValidation, "malformed init_session")
		}
		msg.Init = &init
	case MsgResumeSession, MsgReconnect, MsgEndSession, MsgPing:
		// Envelope fields only.
	case MsgSendAudioChunk:
		var chunk AudioChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			return nil, domain.Wrap(domain.ErrValidation, "malformed send_audio_chunk")
		}
		msg.Audio = &chunk
	case MsgScreenCapture:
		var capture ScreenCapture
		if err := json.Unmarshal(data, &capture); err != nil {
			return nil, domain.Wrap(domain.ErrValidation, "malformed screen_capture")
		}
		msg.Screen = &capture
	default:
		return nil, domain.Wrap(domain.ErrUnknownMessage, "type %q", env.Type)
	}
	return msg, nil
}

// SessionStatus reports the session's lifecycle state whenever it changes.
// Direct replies to init/resume/reconnect carry session metadata; the
// broadcast copies carry only the state.
type SessionStatus struct {
	Type         string        `json:"type"`
	SessionID    string        `json:"session_id"`
	State        string        `json:"state"`
	WorkflowID   string        `json:"workflow_id,omitempty"`
	WorkflowType string        `json:"workflow_type,omitempty"`
	Replay       *ReplayWindow `json:"replay,omitempty"`
}

// ReplayWindow tells a resuming client which audio range to resend.
type ReplayWindow struct {
	From      int64 `json:"from"`
	HighWater int64 `json:"high_water"`
}

// NewSessionStatus builds a session_status message.
func NewSessionStatus(sessionID string, state domain.State) SessionStatus {
	return SessionStatus{Type: MsgSessionStatus, SessionID: sessionID, State: string(state)}
}

// NewSessionMetadata builds a session_status reply carrying full metadata.
func NewSessionMetadata(sess *domain.Session, replay *ReplayWindow) SessionStatus {
	return SessionStatus{
		Type:         MsgSessionStatus,
		SessionID:    sess.ID,
		State:        string(sess.State),
		WorkflowID:   sess.WorkflowID,
		WorkflowType: string(sess.WorkflowType),
		Replay:       replay,
	}
}

// Transcript carries one transcript fragment.
type Transcript struct {
	Type        string `json:"type"`
	SessionID   string `json:"session_id"`
	StartOffset int64  `json:"start_offset"`
	EndOffset   int64  `json:"end_offset"`
	Text        string `json:"text"`
}

// NewTranscript builds a transcript_partial or transcript_final message.
func NewTranscript(sessionID string, frag *domain.TranscriptFragment) Transcript {
	msgType := MsgTranscriptPartial
	if frag.Final {
		msgType = MsgTranscriptFinal
	}
	return Transcript{
		Type:        msgType,
		SessionID:   sessionID,
		StartOffset: frag.StartOffset,
		EndOffset:   frag.EndOffset,
		Text:        frag.Text,
	}
}

// WorkflowUpdate relays an opaque engine payload. The gateway timestamps it
// and passes the payload through verbatim.
type WorkflowUpdate struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Payload   json.RawMessage `json:"payload"`
	At        time.Time       `json:"at"`
}

// ScreenCaptureReceived acknowledges a persisted screenshot by reference.
type ScreenCaptureReceived struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Ref       string `json:"ref"`
}

// ErrorMessage carries an error kind and human-readable message. It never
// terminates the connection by itself.
type ErrorMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	// Resync asks the client to restart its audio offsets from the
	// server's high-water mark after an out-of-order chunk.
	Resync bool `json:"resync,omitempty"`
}

// NewError builds an error message from a domain error.
func NewError(sessionID string, err error) ErrorMessage {
	return ErrorMessage{
		Type:      MsgError,
		SessionID: sessionID,
		Kind:      domain.Kind(err),
		Message:   err.Error(),
	}
}

// Pong answers a client ping.
type Pong struct {
	Type string `json:"type"`
}

package domain

import (
	"regexp"

	"github.com/google/uuid"
)

// sessionIDPattern bounds client-supplied identifiers: the desktop client
// generates IDs offline and sends them with init_session.
var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// NewSessionID allocates a server-side session identifier.
func NewSessionID() string {
	return uuid.New().String()
}

// NewEventID allocates a capture event identifier.
func NewEventID() string {
	return uuid.New().String()
}

// ValidSessionID reports whether a client-supplied identifier is acceptable.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

package domain

import "time"

type ThreadID string
type MessageID string

type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

type InteractionMode string

const (
	ModeGeneral InteractionMode = "general" // Everyday assistant
	ModeTutor   InteractionMode = "tutor"   // Step-by-step explanations
	ModeCoder   InteractionMode = "coder"   // Programming help, reasoning model
)

// Modes lists every supported interaction mode.
var Modes = []InteractionMode{ModeGeneral, ModeTutor, ModeCoder}

// Valid reports whether m is a known mode.
func (m InteractionMode) Valid() bool {
	for _, known := range Modes {
		if m == known {
			return true
		}
	}
	return false
}

// DisplayName is used as a thread title when there is no text to derive one from.
func (m InteractionMode) DisplayName() string {
	switch m {
	case ModeTutor:
		return "Tutor session"
	case ModeCoder:
		return "Coding session"
	default:
		return "New conversation"
	}
}

type Timestamp = time.Time

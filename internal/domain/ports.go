package domain

import (
	"context"
	"iter"
)

// SessionConfig carries everything a generation session is bound to. It is
// built fresh for every exchange from the current settings and thread mode.
type SessionConfig struct {
	Credential    string
	Locale        string
	Mode          InteractionMode
	SearchEnabled bool
}

// Turn is one request to the model: prior history plus the new user input.
type Turn struct {
	History    []*Message
	Text       string
	Attachment *Attachment
}

// GenerationClient defines how the core application reaches the hosted model.
type GenerationClient interface {
	OpenSession(ctx context.Context, cfg SessionConfig) (GenerationSession, error)
}

// GenerationSession streams the reply to a turn as text deltas, in order.
// Failures are yielded as *GenerationError.
type GenerationSession interface {
	StreamTurn(ctx context.Context, turn Turn) iter.Seq2[string, error]
}

// ThreadStore defines thread persistence.
type ThreadStore interface {
	LoadThreads(ctx context.Context) ([]*Thread, error)
	SaveThread(ctx context.Context, thread *Thread) error
	DeleteThread(ctx context.Context, id ThreadID) error
}

// SettingsStore defines settings persistence. LoadSettings returns nil, nil
// when nothing has been saved yet.
type SettingsStore interface {
	LoadSettings(ctx context.Context) (*Settings, error)
	SaveSettings(ctx context.Context, settings *Settings) error
}

// Store is implemented by backends that persist both records.
type Store interface {
	ThreadStore
	SettingsStore
	Close() error
}

package domain

import (
	"strings"
)

const maxTitleRunes = 50

// Attachment is an inline binary payload sent along with a user turn.
type Attachment struct {
	Name     string `json:"name"`
	MIMEType string `json:"mime_type"`
	Data     []byte `json:"data"` // base64 in JSON
}

// Message is one turn in a thread, authored by the user or the model.
type Message struct {
	ID         MessageID   `json:"id"`
	ThreadID   ThreadID    `json:"thread_id"`
	Role       Role        `json:"role"`
	Text       string      `json:"text"`
	Timestamp  Timestamp   `json:"timestamp"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// Thread is one persisted conversation.
type Thread struct {
	ID          ThreadID        `json:"id"`
	Title       string          `json:"title"`
	Mode        InteractionMode `json:"mode"`
	Messages    []*Message      `json:"messages"`
	CreatedAt   Timestamp       `json:"created_at"`
	LastUpdated Timestamp       `json:"last_updated"`
}

// Settings is the process-wide configuration a user can change at runtime.
type Settings struct {
	Credential    string          `json:"credential"`
	Locale        string          `json:"locale"`
	Mode          InteractionMode `json:"mode"`
	SearchEnabled bool            `json:"search_enabled"`
}

// IndexOf returns the position of the message with the given id, or -1.
func (t *Thread) IndexOf(id MessageID) int {
	for i, m := range t.Messages {
		if m.ID == id {
			return i
		}
	}
	return -1
}

// Append adds a message at the end of the thread.
func (t *Thread) Append(m *Message) {
	m.ThreadID = t.ID
	t.Messages = append(t.Messages, m)
	if m.Timestamp.After(t.LastUpdated) {
		t.LastUpdated = m.Timestamp
	}
}

// Remove drops a single message. It reports whether the message existed.
func (t *Thread) Remove(id MessageID) bool {
	i := t.IndexOf(id)
	if i < 0 {
		return false
	}
	t.Messages = append(t.Messages[:i:i], t.Messages[i+1:]...)
	return true
}

// TruncateBefore keeps only the messages strictly before position i.
func (t *Thread) TruncateBefore(i int) {
	if i < 0 || i > len(t.Messages) {
		return
	}
	t.Messages = t.Messages[:i:i]
}

// Clone returns a deep copy of the thread.
func (t *Thread) Clone() *Thread {
	if t == nil {
		return nil
	}
	out := *t
	out.Messages = make([]*Message, len(t.Messages))
	for i, m := range t.Messages {
		out.Messages[i] = m.Clone()
	}
	return &out
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	out.Attachment = m.Attachment.Clone()
	return &out
}

// Valid reports whether the attachment carries data the model can read.
func (a *Attachment) Valid() bool {
	return a != nil && len(a.Data) > 0 && a.MIMEType != ""
}

// Clone returns a deep copy of the attachment.
func (a *Attachment) Clone() *Attachment {
	if a == nil {
		return nil
	}
	out := *a
	out.Data = append([]byte(nil), a.Data...)
	return &out
}

// DeriveTitle builds a thread title from the first input of a conversation.
func DeriveTitle(text string, att *Attachment, mode InteractionMode) string {
	text = strings.TrimSpace(text)
	if text != "" {
		text = strings.Join(strings.Fields(text), " ")
		runes := []rune(text)
		if len(runes) > maxTitleRunes {
			return string(runes[:maxTitleRunes-3]) + "..."
		}
		return text
	}
	if att != nil && att.Name != "" {
		return att.Name
	}
	return mode.DisplayName()
}

package domain_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PabloGalante/threadchat/internal/domain"
)

func TestDeriveTitle(t *testing.T) {
	tests := []struct {
		name string
		text string
		att  *domain.Attachment
		mode domain.InteractionMode
		want string
	}{
		{name: "plain text", text: "Hello", mode: domain.ModeGeneral, want: "Hello"},
		{name: "whitespace collapsed", text: "  line one\nline two  ", mode: domain.ModeGeneral, want: "line one line two"},
		{name: "long text truncated", text: strings.Repeat("á", 80), mode: domain.ModeGeneral, want: strings.Repeat("á", 47) + "..."},
		{name: "attachment name", att: &domain.Attachment{Name: "scan.pdf"}, mode: domain.ModeGeneral, want: "scan.pdf"},
		{name: "mode fallback", mode: domain.ModeCoder, want: "Coding session"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, domain.DeriveTitle(tt.text, tt.att, tt.mode))
		})
	}
}

func TestAttachmentValid(t *testing.T) {
	tests := []struct {
		name string
		att  *domain.Attachment
		want bool
	}{
		{name: "nil", att: nil, want: false},
		{name: "name only", att: &domain.Attachment{Name: "ghost"}, want: false},
		{name: "no mime type", att: &domain.Attachment{Name: "a.png", Data: []byte{1}}, want: false},
		{name: "no data", att: &domain.Attachment{Name: "a.png", MIMEType: "image/png"}, want: false},
		{name: "complete", att: &domain.Attachment{Name: "a.png", MIMEType: "image/png", Data: []byte{1}}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.att.Valid())
		})
	}
}

func TestThreadCloneIsDeep(t *testing.T) {
	th := &domain.Thread{ID: "t1"}
	th.Append(&domain.Message{ID: "m1", Role: domain.RoleUser, Text: "hi", Attachment: &domain.Attachment{Data: []byte{1, 2}}})

	cp := th.Clone()
	cp.Messages[0].Text = "changed"
	cp.Messages[0].Attachment.Data[0] = 9
	cp.Messages = append(cp.Messages, &domain.Message{ID: "m2"})

	require.Len(t, th.Messages, 1)
	assert.Equal(t, "hi", th.Messages[0].Text)
	assert.Equal(t, byte(1), th.Messages[0].Attachment.Data[0])
}

func TestThreadRemoveAndTruncate(t *testing.T) {
	th := &domain.Thread{ID: "t1"}
	now := time.Now()
	for i := 0; i < 4; i++ {
		th.Append(&domain.Message{ID: domain.MessageID(fmt.Sprintf("m%d", i)), Timestamp: now})
	}

	assert.True(t, th.Remove("m1"))
	assert.False(t, th.Remove("missing"))
	assert.Equal(t, 2, th.IndexOf("m3"))

	th.TruncateBefore(1)
	require.Len(t, th.Messages, 1)
	assert.Equal(t, domain.MessageID("m0"), th.Messages[0].ID)
	assert.Equal(t, domain.ThreadID("t1"), th.Messages[0].ThreadID)
}

func TestKindOf(t *testing.T) {
	quota := domain.NewGenerationError(domain.KindQuotaExceeded, errors.New("429"))

	assert.Equal(t, domain.KindQuotaExceeded, domain.KindOf(fmt.Errorf("stream: %w", quota)))
	assert.Equal(t, domain.KindCanceled, domain.KindOf(context.Canceled))
	assert.Equal(t, domain.KindTransport, domain.KindOf(errors.New("boom")))
	assert.Equal(t, domain.ErrorKind(""), domain.KindOf(nil))
}

func TestUserMessageFallsBackToEnglish(t *testing.T) {
	en := domain.KindQuotaExceeded.UserMessage("en")
	assert.Equal(t, en, domain.KindQuotaExceeded.UserMessage("fr"))
	assert.NotEqual(t, en, domain.KindQuotaExceeded.UserMessage("vi"))
	assert.True(t, domain.ValidLocale("vi"))
	assert.False(t, domain.ValidLocale("fr"))
}

package llm

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/PabloGalante/threadchat/internal/domain"
)

// failPrefix lets a developer trigger each failure kind from the chat box,
// e.g. "!fail quota_exceeded".
const failPrefix = "!fail "

// MockLLM streams an echo reply word by word. Useful for local development
// without an API key.
type MockLLM struct {
	delay time.Duration
}

func NewMockLLM(delay time.Duration) *MockLLM {
	return &MockLLM{delay: delay}
}

func (m *MockLLM) OpenSession(_ context.Context, cfg domain.SessionConfig) (domain.GenerationSession, error) {
	return &mockSession{delay: m.delay, cfg: cfg}, nil
}

type mockSession struct {
	delay time.Duration
	cfg   domain.SessionConfig
}

func (s *mockSession) StreamTurn(ctx context.Context, turn domain.Turn) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if kind, ok := strings.CutPrefix(turn.Text, failPrefix); ok {
			yield("", domain.NewGenerationError(domain.ErrorKind(strings.TrimSpace(kind)), errors.New("simulated failure")))
			return
		}

		reply := fmt.Sprintf("I hear you. You said %q (mode %s, %d earlier messages).",
			turn.Text, s.cfg.Mode, len(turn.History))
		if turn.Attachment != nil {
			reply += fmt.Sprintf(" I also got %s (%s).", turn.Attachment.Name, turn.Attachment.MIMEType)
		}

		words := strings.SplitAfter(reply, " ")
		for _, w := range words {
			if s.delay > 0 {
				select {
				case <-ctx.Done():
					yield("", domain.NewGenerationError(domain.KindCanceled, ctx.Err()))
					return
				case <-time.After(s.delay):
				}
			}
			if !yield(w, nil) {
				return
			}
		}
	}
}

package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/PabloGalante/threadchat/internal/domain"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want domain.ErrorKind
	}{
		{name: "unauthenticated status", err: genai.APIError{Code: 401, Status: "UNAUTHENTICATED"}, want: domain.KindInvalidCredential},
		{name: "bad api key", err: genai.APIError{Code: http.StatusBadRequest, Message: "API key not valid. Please pass a valid API key."}, want: domain.KindInvalidCredential},
		{name: "other bad request", err: genai.APIError{Code: http.StatusBadRequest, Message: "contents is empty"}, want: domain.KindTransport},
		{name: "quota", err: genai.APIError{Code: 429, Status: "RESOURCE_EXHAUSTED"}, want: domain.KindQuotaExceeded},
		{name: "model not found", err: genai.APIError{Code: 404}, want: domain.KindResourceUnavailable},
		{name: "overloaded", err: genai.APIError{Code: 503, Status: "UNAVAILABLE"}, want: domain.KindResourceUnavailable},
		{name: "wrapped api error", err: fmt.Errorf("stream: %w", genai.APIError{Code: 429}), want: domain.KindQuotaExceeded},
		{name: "grpc permission denied", err: status.Error(codes.PermissionDenied, "denied"), want: domain.KindInvalidCredential},
		{name: "grpc unavailable", err: status.Error(codes.Unavailable, "down"), want: domain.KindResourceUnavailable},
		{name: "context canceled", err: context.Canceled, want: domain.KindCanceled},
		{name: "plain error", err: errors.New("connection reset"), want: domain.KindTransport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, domain.KindOf(classify(tt.err)))
		})
	}
}

func TestClassifyKeepsExistingKind(t *testing.T) {
	in := domain.NewGenerationError(domain.KindQuotaExceeded, errors.New("x"))
	assert.Same(t, in, classify(in))
}

func TestBuildContents(t *testing.T) {
	turn := domain.Turn{
		History: []*domain.Message{
			{Role: domain.RoleUser, Text: "hi"},
			{Role: domain.RoleModel, Text: "hello"},
			{Role: domain.RoleModel, Text: ""},
		},
		Text:       "what is this?",
		Attachment: &domain.Attachment{Name: "a.png", MIMEType: "image/png", Data: []byte{1, 2, 3}},
	}

	contents := BuildContents(turn)
	require.Len(t, contents, 3, "empty history entries are skipped")

	assert.Equal(t, string(genai.RoleUser), contents[0].Role)
	assert.Equal(t, string(genai.RoleModel), contents[1].Role)

	last := contents[2]
	assert.Equal(t, string(genai.RoleUser), last.Role)
	require.Len(t, last.Parts, 2)
	require.NotNil(t, last.Parts[0].InlineData)
	assert.Equal(t, "image/png", last.Parts[0].InlineData.MIMEType)
	assert.Equal(t, "what is this?", last.Parts[1].Text)
}

func TestBuildSystemPrompt(t *testing.T) {
	now := time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC)

	prompt := BuildSystemPrompt("Thanh AI", domain.SessionConfig{Locale: "vi", Mode: domain.ModeCoder, SearchEnabled: true}, now)
	assert.Contains(t, prompt, "Thanh AI")
	assert.Contains(t, prompt, "Vietnamese")
	assert.Contains(t, prompt, "Thursday, 15 October 2026")
	assert.Contains(t, prompt, "Mode: coder")
	assert.Contains(t, prompt, "Google Search")

	prompt = BuildSystemPrompt("Thanh AI", domain.SessionConfig{Locale: "xx", Mode: domain.ModeGeneral}, now)
	assert.Contains(t, prompt, "English")
	assert.NotContains(t, prompt, "Google Search")
}

func TestProfilesPickModelByMode(t *testing.T) {
	p := Profiles{DefaultModel: "flash", ProModel: "pro"}

	assert.Equal(t, "flash", p.For(domain.ModeGeneral).Model)
	assert.Equal(t, "flash", p.For(domain.ModeTutor).Model)
	assert.Equal(t, "pro", p.For(domain.ModeCoder).Model)
	assert.Equal(t, float32(0.95), p.For("unknown").TopP)
}

func TestOpenSessionRequiresCredential(t *testing.T) {
	c, err := NewGeminiClient(context.Background(), GeminiConfig{Profiles: Profiles{DefaultModel: "flash"}})
	require.NoError(t, err)

	_, err = c.OpenSession(context.Background(), domain.SessionConfig{Mode: domain.ModeGeneral})
	assert.Equal(t, domain.KindInvalidCredential, domain.KindOf(err))
}

func TestMockStreamsEcho(t *testing.T) {
	sess, err := NewMockLLM(0).OpenSession(context.Background(), domain.SessionConfig{Mode: domain.ModeTutor})
	require.NoError(t, err)

	var b strings.Builder
	n := 0
	for frag, err := range sess.StreamTurn(context.Background(), domain.Turn{Text: "Hello"}) {
		require.NoError(t, err)
		b.WriteString(frag)
		n++
	}

	assert.Greater(t, n, 1, "reply arrives in several fragments")
	assert.Contains(t, b.String(), `"Hello"`)
	assert.Contains(t, b.String(), "mode tutor")
}

func TestMockSimulatesFailure(t *testing.T) {
	sess, err := NewMockLLM(0).OpenSession(context.Background(), domain.SessionConfig{})
	require.NoError(t, err)

	for _, err := range sess.StreamTurn(context.Background(), domain.Turn{Text: "!fail quota_exceeded"}) {
		assert.Equal(t, domain.KindQuotaExceeded, domain.KindOf(err))
	}
}

func TestMockHonorsCancellation(t *testing.T) {
	sess, err := NewMockLLM(time.Hour).OpenSession(context.Background(), domain.SessionConfig{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for _, err := range sess.StreamTurn(ctx, domain.Turn{Text: "hi"}) {
		assert.Equal(t, domain.KindCanceled, domain.KindOf(err))
	}
}

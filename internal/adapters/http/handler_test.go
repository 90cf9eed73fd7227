package httpadapter_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpadapter "github.com/PabloGalante/threadchat/internal/adapters/http"
	"github.com/PabloGalante/threadchat/internal/adapters/llm"
	"github.com/PabloGalante/threadchat/internal/adapters/storage/memory"
	"github.com/PabloGalante/threadchat/internal/app/conversation"
	"github.com/PabloGalante/threadchat/internal/app/threads"
	"github.com/PabloGalante/threadchat/internal/domain"
)

func newTestServer(t *testing.T, delay time.Duration, opts httpadapter.Options) (http.Handler, *conversation.Service) {
	t.Helper()

	store := memory.NewStore()
	repo := threads.NewRepository(store)
	require.NoError(t, repo.Load(context.Background()))

	svc := conversation.NewService(llm.NewMockLLM(delay), repo, store, nil, conversation.Options{
		Defaults: domain.Settings{Locale: "en", Mode: domain.ModeGeneral},
	})
	t.Cleanup(func() {
		_ = svc.Shutdown(context.Background())
	})

	return httpadapter.NewServer(svc, opts), svc
}

func do(t *testing.T, srv http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	}
	var req *http.Request
	if reader != nil {
		req = httptest.NewRequest(method, path, reader)
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), "body=%s", w.Body.String())
	return v
}

type messageJSON struct {
	ID   string `json:"id"`
	Role string `json:"role"`
	Text string `json:"text"`
}

type threadJSON struct {
	ID           string        `json:"id"`
	Title        string        `json:"title"`
	Mode         string        `json:"mode"`
	MessageCount int           `json:"message_count"`
	Typing       bool          `json:"typing"`
	Messages     []messageJSON `json:"messages"`
}

type exchangeJSON struct {
	Thread      threadJSON  `json:"thread"`
	UserMessage messageJSON `json:"user_message"`
	ResponseID  string      `json:"response_id"`
	Status      string      `json:"status"`
}

type errorJSON struct {
	Error   string `json:"error"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, 0, httpadapter.Options{})

	w := do(t, srv, http.MethodGet, "/healthz", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestSendMessageAndWait(t *testing.T) {
	srv, _ := newTestServer(t, 0, httpadapter.Options{})

	w := do(t, srv, http.MethodPost, "/messages?wait=true", `{"text":"Hello"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	out := decode[exchangeJSON](t, w)
	assert.Equal(t, "completed", out.Status)
	assert.Equal(t, "Hello", out.Thread.Title)
	require.Len(t, out.Thread.Messages, 2)
	assert.Equal(t, "user", out.Thread.Messages[0].Role)
	assert.Equal(t, "model", out.Thread.Messages[1].Role)
	assert.Contains(t, out.Thread.Messages[1].Text, `"Hello"`)
	assert.Equal(t, out.ResponseID, out.Thread.Messages[1].ID)
	assert.False(t, out.Thread.Typing)

	// Follow-up in the same thread.
	w = do(t, srv, http.MethodPost, "/threads/"+out.Thread.ID+"/messages?wait=true", `{"text":"More"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out = decode[exchangeJSON](t, w)
	require.Len(t, out.Thread.Messages, 4)
	assert.Contains(t, out.Thread.Messages[3].Text, "2 earlier messages")
}

func TestSendMessageStreamsInBackground(t *testing.T) {
	srv, svc := newTestServer(t, 5*time.Millisecond, httpadapter.Options{})

	w := do(t, srv, http.MethodPost, "/messages", `{"text":"Hello"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	out := decode[exchangeJSON](t, w)
	assert.Equal(t, "streaming", out.Status)
	require.Len(t, out.Thread.Messages, 2)
	assert.Empty(t, out.Thread.Messages[1].Text)

	threadID := domain.ThreadID(out.Thread.ID)
	require.Eventually(t, func() bool { return !svc.IsTyping(threadID) }, 5*time.Second, 10*time.Millisecond)

	w = do(t, srv, http.MethodGet, "/threads/"+out.Thread.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	th := decode[threadJSON](t, w)
	require.Len(t, th.Messages, 2)
	assert.Contains(t, th.Messages[1].Text, `"Hello"`)
}

func TestSendWhileBusyConflicts(t *testing.T) {
	srv, _ := newTestServer(t, 50*time.Millisecond, httpadapter.Options{})

	w := do(t, srv, http.MethodPost, "/messages", `{"text":"Hello"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	out := decode[exchangeJSON](t, w)

	w = do(t, srv, http.MethodPost, "/threads/"+out.Thread.ID+"/messages", `{"text":"again"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, srv, http.MethodDelete, "/threads/"+out.Thread.ID+"/response", "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, srv, http.MethodGet, "/threads/"+out.Thread.ID, "")
	th := decode[threadJSON](t, w)
	require.Len(t, th.Messages, 1, "canceled reply was rolled back")
	assert.Equal(t, "Hello", th.Messages[0].Text)
}

func TestGenerationErrorsMapToStatus(t *testing.T) {
	tests := []struct {
		kind   domain.ErrorKind
		status int
	}{
		{kind: domain.KindInvalidCredential, status: http.StatusUnauthorized},
		{kind: domain.KindQuotaExceeded, status: http.StatusTooManyRequests},
		{kind: domain.KindResourceUnavailable, status: http.StatusServiceUnavailable},
		{kind: domain.KindTransport, status: http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			srv, svc := newTestServer(t, 0, httpadapter.Options{})

			w := do(t, srv, http.MethodPost, "/messages?wait=true", `{"text":"!fail `+string(tt.kind)+`"}`)
			require.Equal(t, tt.status, w.Code, w.Body.String())

			e := decode[errorJSON](t, w)
			assert.Equal(t, string(tt.kind), e.Kind)
			assert.Equal(t, tt.kind.UserMessage("en"), e.Message)

			// The user's turn stays, the placeholder does not.
			list := svc.ListThreads(context.Background())
			require.Len(t, list, 1)
			require.Len(t, list[0].Messages, 1)
			assert.Equal(t, domain.RoleUser, list[0].Messages[0].Role)
		})
	}
}

func TestValidationErrors(t *testing.T) {
	srv, _ := newTestServer(t, 0, httpadapter.Options{})

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{name: "empty input", method: http.MethodPost, path: "/messages", body: `{"text":"  "}`, status: http.StatusBadRequest},
		{name: "bad json", method: http.MethodPost, path: "/messages", body: `{`, status: http.StatusBadRequest},
		{name: "attachment without data", method: http.MethodPost, path: "/messages", body: `{"attachment":{"name":"ghost"}}`, status: http.StatusBadRequest},
		{name: "unknown thread", method: http.MethodGet, path: "/threads/nope", status: http.StatusNotFound},
		{name: "send to unknown thread", method: http.MethodPost, path: "/threads/nope/messages", body: `{"text":"hi"}`, status: http.StatusNotFound},
		{name: "unknown mode", method: http.MethodPost, path: "/threads", body: `{"mode":"poet"}`, status: http.StatusBadRequest},
		{name: "unknown route", method: http.MethodGet, path: "/nope", status: http.StatusNotFound},
		{name: "wrong method", method: http.MethodPatch, path: "/threads", status: http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, srv, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}

func TestThreadLifecycle(t *testing.T) {
	srv, _ := newTestServer(t, 0, httpadapter.Options{})

	w := do(t, srv, http.MethodPost, "/threads", `{"mode":"tutor"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	th := decode[threadJSON](t, w)
	assert.Equal(t, "tutor", th.Mode)
	assert.Equal(t, "Tutor session", th.Title)

	w = do(t, srv, http.MethodPut, "/threads/"+th.ID+"/mode", `{"mode":"coder"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "coder", decode[threadJSON](t, w).Mode)

	w = do(t, srv, http.MethodPut, "/threads/"+th.ID+"/mode", `{"mode":"poet"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, srv, http.MethodGet, "/threads", "")
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Threads []threadJSON `json:"threads"`
	}](t, w)
	require.Len(t, list.Threads, 1)
	assert.Equal(t, th.ID, list.Threads[0].ID)

	w = do(t, srv, http.MethodDelete, "/threads/"+th.ID, "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, srv, http.MethodGet, "/threads/"+th.ID, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEditMessage(t *testing.T) {
	srv, _ := newTestServer(t, 0, httpadapter.Options{})

	w := do(t, srv, http.MethodPost, "/messages?wait=true", `{"text":"Hello"}`)
	require.Equal(t, http.StatusOK, w.Code)
	first := decode[exchangeJSON](t, w)

	path := "/threads/" + first.Thread.ID + "/messages/" + first.UserMessage.ID + "?wait=true"
	w = do(t, srv, http.MethodPut, path, `{"text":"Goodbye"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	out := decode[exchangeJSON](t, w)
	require.Len(t, out.Thread.Messages, 2)
	assert.Equal(t, first.UserMessage.ID, out.Thread.Messages[0].ID)
	assert.Equal(t, "Goodbye", out.Thread.Messages[0].Text)
	assert.Contains(t, out.Thread.Messages[1].Text, `"Goodbye"`)

	w = do(t, srv, http.MethodPut, "/threads/"+first.Thread.ID+"/messages/"+out.ResponseID, `{"text":"x"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSettingsMaskCredential(t *testing.T) {
	srv, _ := newTestServer(t, 0, httpadapter.Options{})

	w := do(t, srv, http.MethodPut, "/settings", `{"credential":"secret-key-1234","locale":"vi","search_enabled":true}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, srv, http.MethodGet, "/settings", "")
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[map[string]any](t, w)
	assert.Equal(t, "****1234", got["credential"])
	assert.Equal(t, true, got["credential_set"])
	assert.Equal(t, "vi", got["locale"])
	assert.Equal(t, "general", got["mode"])
	assert.Equal(t, true, got["search_enabled"])
	assert.NotContains(t, w.Body.String(), "secret-key")

	w = do(t, srv, http.MethodPut, "/settings", `{"locale":"xx"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Localized error messages follow the saved locale.
	w = do(t, srv, http.MethodPost, "/messages?wait=true", `{"text":"!fail quota_exceeded"}`)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, domain.KindQuotaExceeded.UserMessage("vi"), decode[errorJSON](t, w).Message)
}

func TestRateLimit(t *testing.T) {
	srv, _ := newTestServer(t, 0, httpadapter.Options{RateLimitRPS: 0.001, RateLimitBurst: 2})

	// Preflights are answered before the limiter and cost nothing.
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusNoContent, do(t, srv, http.MethodOptions, "/threads", "").Code)
	}
	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/healthz", "").Code)
	}
	w := do(t, srv, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimitForwardedFor(t *testing.T) {
	get := func(srv http.Handler, fwd string) int {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.Header.Set("X-Forwarded-For", fwd)
		w := httptest.NewRecorder()
		srv.ServeHTTP(w, req)
		return w.Code
	}

	t.Run("ignored without a trusted proxy", func(t *testing.T) {
		srv, _ := newTestServer(t, 0, httpadapter.Options{RateLimitRPS: 0.001, RateLimitBurst: 1})

		assert.Equal(t, http.StatusOK, get(srv, "10.0.0.1"))
		assert.Equal(t, http.StatusTooManyRequests, get(srv, "10.0.0.2"))
	})

	t.Run("keyed by first hop behind a trusted proxy", func(t *testing.T) {
		srv, _ := newTestServer(t, 0, httpadapter.Options{RateLimitRPS: 0.001, RateLimitBurst: 1, TrustProxy: true})

		assert.Equal(t, http.StatusOK, get(srv, "10.0.0.1, 172.16.0.1"))
		assert.Equal(t, http.StatusOK, get(srv, "10.0.0.2"))
		assert.Equal(t, http.StatusTooManyRequests, get(srv, "10.0.0.1"))
	})
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := newTestServer(t, 0, httpadapter.Options{})

	w := do(t, srv, http.MethodOptions, "/threads/abc/messages", "")

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "PUT")
}

func TestEventFeed(t *testing.T) {
	handler, _ := newTestServer(t, 0, httpadapter.Options{})
	ts := httptest.NewServer(handler)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/threads", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	var th threadJSON
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&th))
	resp.Body.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/threads/" + th.ID + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var ev conversation.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, conversation.EventTyping, ev.Type)
	assert.False(t, ev.Typing)

	resp, err = http.Post(ts.URL+"/threads/"+th.ID+"/messages", "application/json", strings.NewReader(`{"text":"Hello"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var seen []conversation.EventType
	var last string
	for {
		ev = conversation.Event{}
		require.NoError(t, conn.ReadJSON(&ev))
		seen = append(seen, ev.Type)
		if ev.Type == conversation.EventFragment {
			last = ev.Text
		}
		if ev.Type == conversation.EventTyping && !ev.Typing {
			break
		}
	}

	assert.Contains(t, seen, conversation.EventMessage)
	assert.Contains(t, seen, conversation.EventFragment)
	assert.Contains(t, seen, conversation.EventDone)
	assert.Contains(t, last, `"Hello"`)

	_, _, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/threads/nope/events", nil)
	assert.Error(t, err)
}

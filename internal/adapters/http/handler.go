package httpadapter

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/PabloGalante/threadchat/internal/app/conversation"
	"github.com/PabloGalante/threadchat/internal/domain"
	"github.com/PabloGalante/threadchat/internal/observability"
)

// maxBodyBytes bounds request bodies; attachments travel inline as base64.
const maxBodyBytes = 20 << 20

// Options configures the HTTP surface.
type Options struct {
	RateLimitRPS   float64
	RateLimitBurst int
	// TrustProxy keys rate limiting on X-Forwarded-For. Set it only when a
	// proxy in front of the server overwrites that header.
	TrustProxy bool
}

type Server struct {
	svc      *conversation.Service
	upgrader websocket.Upgrader
}

func NewServer(svc *conversation.Service, opts Options) http.Handler {
	s := &Server{
		svc: svc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// CORS is open, so is the event feed.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		methodNotAllowed(w)
	})

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)

	r.HandleFunc("/settings", s.handleGetSettings).Methods(http.MethodGet)
	r.HandleFunc("/settings", s.handleUpdateSettings).Methods(http.MethodPut)

	r.HandleFunc("/threads", s.handleListThreads).Methods(http.MethodGet)
	r.HandleFunc("/threads", s.handleCreateThread).Methods(http.MethodPost)
	r.HandleFunc("/messages", s.handleSendMessage).Methods(http.MethodPost)

	r.HandleFunc("/threads/{id}", s.handleGetThread).Methods(http.MethodGet)
	r.HandleFunc("/threads/{id}", s.handleDeleteThread).Methods(http.MethodDelete)
	r.HandleFunc("/threads/{id}/mode", s.handleSetMode).Methods(http.MethodPut)
	r.HandleFunc("/threads/{id}/messages", s.handleSendMessage).Methods(http.MethodPost)
	r.HandleFunc("/threads/{id}/messages/{messageID}", s.handleEditMessage).Methods(http.MethodPut)
	r.HandleFunc("/threads/{id}/response", s.handleCancelResponse).Methods(http.MethodDelete)
	r.HandleFunc("/threads/{id}/events", s.handleEvents).Methods(http.MethodGet)

	// CORS wraps the limiter so 429s stay readable and preflights are free.
	return chainMiddlewares(r,
		newRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst, opts.TrustProxy).middleware,
		withCORS,
		withLogging,
		withRequestID,
	)
}

// ─────────────────────────────────────────────
// DTOs (request/response)
// ─────────────────────────────────────────────

type sendMessageRequest struct {
	Text       string             `json:"text"`
	Attachment *domain.Attachment `json:"attachment,omitempty"`
}

type editMessageRequest struct {
	Text string `json:"text"`
}

type createThreadRequest struct {
	Mode string `json:"mode,omitempty"`
}

type setModeRequest struct {
	Mode string `json:"mode"`
}

// settingsRequest is a partial update; omitted fields keep their value.
type settingsRequest struct {
	Credential    *string `json:"credential,omitempty"`
	Locale        *string `json:"locale,omitempty"`
	Mode          *string `json:"mode,omitempty"`
	SearchEnabled *bool   `json:"search_enabled,omitempty"`
}

type settingsResponse struct {
	Credential    string `json:"credential"`
	CredentialSet bool   `json:"credential_set"`
	Locale        string `json:"locale"`
	Mode          string `json:"mode"`
	SearchEnabled bool   `json:"search_enabled"`
}

type threadSummaryResponse struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Mode         string    `json:"mode"`
	MessageCount int       `json:"message_count"`
	Typing       bool      `json:"typing"`
	CreatedAt    time.Time `json:"created_at"`
	LastUpdated  time.Time `json:"last_updated"`
}

type threadResponse struct {
	threadSummaryResponse
	Messages []messageResponse `json:"messages"`
}

type messageResponse struct {
	ID         string             `json:"id"`
	ThreadID   string             `json:"thread_id"`
	Role       string             `json:"role"`
	Text       string             `json:"text"`
	Timestamp  time.Time          `json:"timestamp"`
	Attachment *domain.Attachment `json:"attachment,omitempty"`
}

type exchangeResponse struct {
	Thread      threadResponse  `json:"thread"`
	UserMessage messageResponse `json:"user_message"`
	ResponseID  string          `json:"response_id"`
	Status      string          `json:"status"` // "streaming" or "completed"
}

type errorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`
}

// ─────────────────────────────────────────────
// Concrete handlers
// ─────────────────────────────────────────────

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.svc.GetSettings(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettingsResponse(settings))
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	settings, err := s.svc.GetSettings(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Credential != nil {
		settings.Credential = strings.TrimSpace(*req.Credential)
	}
	if req.Locale != nil {
		settings.Locale = *req.Locale
	}
	if req.Mode != nil {
		settings.Mode = domain.InteractionMode(*req.Mode)
	}
	if req.SearchEnabled != nil {
		settings.SearchEnabled = *req.SearchEnabled
	}

	saved, err := s.svc.UpdateSettings(r.Context(), settings)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettingsResponse(saved))
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	threads := s.svc.ListThreads(r.Context())

	out := make([]threadSummaryResponse, 0, len(threads))
	for _, th := range threads {
		out = append(out, s.toSummary(th))
	}
	writeJSON(w, http.StatusOK, map[string]any{"threads": out})
}

func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	var req createThreadRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}

	th, err := s.svc.NewThread(r.Context(), domain.InteractionMode(req.Mode))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.toThreadResponse(th))
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	th, err := s.svc.GetThread(r.Context(), threadID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.toThreadResponse(th))
}

func (s *Server) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteThread(r.Context(), threadID(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var req setModeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	th, err := s.svc.SetThreadMode(r.Context(), threadID(r), domain.InteractionMode(req.Mode))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.toThreadResponse(th))
}

// handleSendMessage serves both /messages (new thread) and
// /threads/{id}/messages. With ?wait=true the response is sent once the
// reply has finished streaming.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	ex, err := s.svc.SendUserInput(r.Context(), conversation.SendInput{
		ThreadID:   threadID(r),
		Text:       req.Text,
		Attachment: req.Attachment,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeExchange(w, r, ex)
}

func (s *Server) handleEditMessage(w http.ResponseWriter, r *http.Request) {
	var req editMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	ex, err := s.svc.EditAndResend(r.Context(), conversation.EditInput{
		ThreadID:  threadID(r),
		MessageID: domain.MessageID(mux.Vars(r)["messageID"]),
		Text:      req.Text,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeExchange(w, r, ex)
}

func (s *Server) handleCancelResponse(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.CancelResponse(r.Context(), threadID(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeExchange(w http.ResponseWriter, r *http.Request, ex *conversation.Exchange) {
	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	if !wait {
		writeJSON(w, http.StatusAccepted, exchangeResponse{
			Thread:      s.toThreadResponse(ex.Thread),
			UserMessage: toMessageResponse(ex.UserMessage),
			ResponseID:  string(ex.ResponseID),
			Status:      "streaming",
		})
		return
	}

	if err := ex.Wait(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	th, err := s.svc.GetThread(r.Context(), ex.Thread.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exchangeResponse{
		Thread:      s.toThreadResponse(th),
		UserMessage: toMessageResponse(ex.UserMessage),
		ResponseID:  string(ex.ResponseID),
		Status:      "completed",
	})
}

// ─────────────────────────────────────────────
// Conversation Helpers
// ─────────────────────────────────────────────

func threadID(r *http.Request) domain.ThreadID {
	return domain.ThreadID(mux.Vars(r)["id"])
}

func (s *Server) toSummary(th *domain.Thread) threadSummaryResponse {
	return threadSummaryResponse{
		ID:           string(th.ID),
		Title:        th.Title,
		Mode:         string(th.Mode),
		MessageCount: len(th.Messages),
		Typing:       s.svc.IsTyping(th.ID),
		CreatedAt:    th.CreatedAt,
		LastUpdated:  th.LastUpdated,
	}
}

func (s *Server) toThreadResponse(th *domain.Thread) threadResponse {
	msgs := make([]messageResponse, 0, len(th.Messages))
	for _, m := range th.Messages {
		msgs = append(msgs, toMessageResponse(m))
	}
	return threadResponse{
		threadSummaryResponse: s.toSummary(th),
		Messages:              msgs,
	}
}

func toMessageResponse(m *domain.Message) messageResponse {
	return messageResponse{
		ID:         string(m.ID),
		ThreadID:   string(m.ThreadID),
		Role:       string(m.Role),
		Text:       m.Text,
		Timestamp:  m.Timestamp,
		Attachment: m.Attachment,
	}
}

func toSettingsResponse(s domain.Settings) settingsResponse {
	return settingsResponse{
		Credential:    maskCredential(s.Credential),
		CredentialSet: s.Credential != "",
		Locale:        s.Locale,
		Mode:          string(s.Mode),
		SearchEnabled: s.SearchEnabled,
	}
}

// maskCredential keeps only the last four characters.
func maskCredential(c string) string {
	if c == "" {
		return ""
	}
	if len(c) <= 4 {
		return "****"
	}
	return "****" + c[len(c)-4:]
}

// ─────────────────────────────────────────────
// HTTP Helpers
// ─────────────────────────────────────────────

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"})
			return false
		}
		badRequest(w, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
}

// writeError maps domain and generation errors to status codes. Generation
// failures carry their kind and the localized message for the current locale.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var genErr *domain.GenerationError
	if errors.As(err, &genErr) {
		locale := "en"
		if settings, serr := s.svc.GetSettings(r.Context()); serr == nil {
			locale = settings.Locale
		}
		writeJSON(w, statusForKind(genErr.Kind), errorResponse{
			Error:   err.Error(),
			Kind:    string(genErr.Kind),
			Message: genErr.Kind.UserMessage(locale),
		})
		return
	}

	switch {
	case errors.Is(err, domain.ErrThreadNotFound), errors.Is(err, domain.ErrMessageNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrEmptyInput),
		errors.Is(err, domain.ErrInvalidAttachment),
		errors.Is(err, domain.ErrInvalidMode),
		errors.Is(err, domain.ErrInvalidLocale),
		errors.Is(err, domain.ErrNotUserMessage):
		badRequest(w, err.Error())
	case errors.Is(err, domain.ErrThreadBusy):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, conversation.ErrShuttingDown):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	default:
		observability.LoggerFromContext(r.Context()).Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
	}
}

func statusForKind(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindInvalidCredential:
		return http.StatusUnauthorized
	case domain.KindQuotaExceeded:
		return http.StatusTooManyRequests
	case domain.KindResourceUnavailable:
		return http.StatusServiceUnavailable
	case domain.KindCanceled:
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

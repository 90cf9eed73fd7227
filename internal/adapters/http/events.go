package httpadapter

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/PabloGalante/threadchat/internal/app/conversation"
	"github.com/PabloGalante/threadchat/internal/observability"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// handleEvents streams the reducer events of one thread over a websocket.
// The first frame is the thread's current typing state.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := threadID(r)
	if _, err := s.svc.GetThread(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}

	log := observability.LoggerFromContext(r.Context()).With("thread_id", id)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, unsubscribe := s.svc.Events().Subscribe(id)
	defer unsubscribe()

	log.Info("event feed opened")
	defer log.Info("event feed closed")

	// The client never sends anything we act on; reading only processes
	// control frames and notices the close.
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	send := func(v any) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(v) == nil
	}

	if !send(conversation.Event{Type: conversation.EventTyping, ThreadID: id, Typing: s.svc.IsTyping(id)}) {
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !send(ev) {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

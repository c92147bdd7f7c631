package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// StreamEvents handles GET /v1/tasks/{id}/events. It replays the task's events so far
// and then streams new ones as JSON text frames, closing normally when the task ends.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ticket, err := h.dispatcher.Get(id)
	if err != nil {
		h.writeError(w, err, "")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("Failed to upgrade connection.", zap.String("task_id", id), zap.Error(err))
		return
	}
	defer conn.Close()

	events, stop := ticket.Events()
	defer stop()

	// the read pump handles control frames and notices when the client leaves
	gone := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.logger.Debug("Event stream read error.", zap.String("task_id", id), zap.Error(err))
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "task finished"))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Debug("Failed to write event.", zap.String("task_id", id), zap.Error(err))
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

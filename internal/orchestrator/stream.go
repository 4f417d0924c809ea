package orchestrator

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

// handleTaskStream pushes a task snapshot whenever it changes and closes
// the socket once the task can no longer progress.
func (o *Orchestrator) handleTaskStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, err := o.deps.Registry.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	conn, err := o.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("task_id", id).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	// Reads only detect the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(o.deps.PollInterval)
	defer ticker.Stop()
	var last taskView
	sent := false
	for {
		v := viewOf(t)
		if !sent || v != last {
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(v); err != nil {
				log.Debug().Err(err).Str("task_id", id).Msg("websocket write failed")
				return
			}
			last, sent = v, true
		}
		if t.Status.Terminal() {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(t.Status))
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		}
		select {
		case <-gone:
			return
		case <-o.base.Done():
			return
		case <-ticker.C:
		}
		if t, err = o.deps.Registry.Get(o.base, id); err != nil {
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "task removed")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		}
	}
}

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jobwatch/jobwatch/internal/push"
)

const sseKeepAlive = 30 * time.Second

// StreamSSE handles GET /api/v1/rooms/{room}/sse.
// It relays every push frame for the room as a server-sent event until the client disconnects.
// Delivery is best effort, exactly like the websocket channel.
func (h *Handler) StreamSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	room := r.PathValue("room")
	if push.IsUserRoom(room) && room != push.UserRoom(userID(r)) {
		writeError(w, http.StatusForbidden, "cannot subscribe to another user's room")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := h.hub.Subscribe()
	defer h.hub.Unsubscribe(sub)
	h.hub.Join(sub, room)

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case frame, open := <-sub.C():
			if !open {
				return
			}
			writeSSEFrame(w, flusher, frame)
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// writeSSEFrame writes one hub frame as an SSE event named after the message type.
func writeSSEFrame(w http.ResponseWriter, flusher http.Flusher, frame []byte) {
	var head struct {
		Type push.MessageType `json:"type"`
	}
	if err := json.Unmarshal(frame, &head); err != nil || head.Type == "" {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", head.Type, frame)
	flusher.Flush()
}

package push

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin is enforced by the API key middleware in front of the upgrade.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// conn binds one websocket connection to a hub subscriber.
type conn struct {
	hub    *Hub
	sub    *Subscriber
	ws     *websocket.Conn
	userID string
	logger *slog.Logger
}

// ServeWS upgrades the request and pumps frames until the peer goes away.
// userID is the authenticated caller; it may only join its own user room.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID string) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("push: websocket upgrade failed", "error", err)
		return
	}
	c := &conn{
		hub:    h,
		sub:    h.Subscribe(),
		ws:     ws,
		userID: userID,
		logger: h.logger,
	}
	h.logger.Info("push: client connected", "subscriber", c.sub.id, "user_id", userID)

	go c.writePump()
	c.readPump()
}

func (c *conn) readPump() {
	defer func() {
		c.hub.Unsubscribe(c.sub)
		c.ws.Close()
		c.logger.Info("push: client disconnected", "subscriber", c.sub.id)
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("push: read error", "subscriber", c.sub.id, "error", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("push: invalid frame", "subscriber", c.sub.id, "error", err)
			continue
		}
		c.handle(msg)
	}
}

func (c *conn) handle(msg Message) {
	switch msg.Type {
	case MessageTypeJoinUser:
		var userID string
		if err := json.Unmarshal(msg.Data, &userID); err != nil || userID == "" || userID != c.userID {
			c.logger.Warn("push: rejected user room join", "subscriber", c.sub.id, "requested", userID)
			return
		}
		c.hub.Join(c.sub, UserRoom(userID))

	case MessageTypeJoin:
		if msg.Room == "" {
			return
		}
		if IsUserRoom(msg.Room) && msg.Room != UserRoom(c.userID) {
			c.logger.Warn("push: rejected foreign user room", "subscriber", c.sub.id, "room", msg.Room)
			return
		}
		c.hub.Join(c.sub, msg.Room)

	case MessageTypeLeave:
		if msg.Room != "" {
			c.hub.Leave(c.sub, msg.Room)
		}

	case MessageTypePing:
		c.hub.Send(c.sub, Message{Type: MessageTypePong, Timestamp: time.Now().UTC()})
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case frame, ok := <-c.sub.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Warn("push: write error", "subscriber", c.sub.id, "error", err)
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

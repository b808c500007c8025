// internal/websocket/client.go
package websocket

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"waternet-gateway/internal/data"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 512                 // Maximum message size allowed from peer.
)

// Client is a middleman between a websocket connection and a hub subscription.
type Client struct {
	Hub    *Hub
	Conn   *websocket.Conn
	Sub    *Subscription
	logger *slog.Logger
}

// NewClient subscribes conn to the hub. Run the pumps to start traffic.
func NewClient(hub *Hub, conn *websocket.Conn, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		Hub:    hub,
		Conn:   conn,
		Sub:    hub.Subscribe(),
		logger: logger.With("remote", conn.RemoteAddr().String()),
	}
}

// request is what browsers may send. Only snapshot requests are understood.
type request struct {
	Type string `json:"type"`
}

// ReadPump drains control frames and snapshot requests. When the peer goes
// away the subscription is closed, which in turn stops WritePump.
func (c *Client) ReadPump() {
	defer func() {
		c.Sub.Close()
		c.Conn.Close()
		c.logger.Debug("websocket read pump finished")
	}()
	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error { c.Conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", "error", err)
			}
			break
		}
		var req request
		if err := json.Unmarshal(message, &req); err != nil || req.Type != data.TypeSnapshot {
			c.logger.Debug("ignoring client message", "message", string(message))
			continue
		}
		// WritePump owns the connection's writer; queue the snapshot for it.
		if !c.Hub.Resync(c.Sub) {
			c.logger.Debug("snapshot request dropped")
		}
	}
}

// WritePump forwards hub messages to the peer and keeps the connection alive.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.logger.Debug("websocket write pump finished")
	}()
	for {
		select {
		case message, ok := <-c.Sub.C():
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub dropped us or is shutting down.
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.writeJSON(message); err != nil {
				c.logger.Warn("websocket write error", "error", err)
				c.Sub.Close()
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn("websocket ping error", "error", err)
				c.Sub.Close()
				return
			}
		}
	}
}

func (c *Client) writeJSON(v interface{}) error {
	w, err := c.Conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

package relay

import (
	"encoding/json"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"github.com/terminalchat/callcore/internal/signalwire"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

// Client is one authenticated websocket connection.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	peerID string

	send chan signalwire.Frame

	// Owned by the hub goroutine.
	subs   map[string]string // subscription ID → topic
	topics map[string]int    // topic → subscription count
}

func newClient(hub *Hub, conn *websocket.Conn, peerID string) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		peerID: peerID,
		send:   make(chan signalwire.Frame, 32),
		subs:   make(map[string]string),
		topics: make(map[string]int),
	}
}

// sendError queues an error frame; dropped if the client is backed up.
func (c *Client) sendError(msg string) {
	body, _ := json.Marshal(msg)
	select {
	case c.send <- signalwire.Frame{Op: signalwire.OpError, Body: body}:
	default:
	}
}

// readPump reads frames from the connection into the hub. One per
// connection; the only reader.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var f signalwire.Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("RELAY: read from %s: %v", c.peerID, err)
			}
			return
		}
		select {
		case c.hub.frames <- inboundFrame{client: c, frame: f}:
		case <-c.hub.done:
			return
		}
	}
}

// writePump writes queued frames and keepalive pings. One per connection;
// the only writer.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case f, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(f); err != nil {
				log.Printf("RELAY: write to %s: %v", c.peerID, err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

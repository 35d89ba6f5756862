package relay

import (
	"github.com/gorilla/websocket"

	"github.com/jonathanhooker/rivesync/channel"
)

// sendBuffer bounds per-client backlog; a client that falls this far
// behind is disconnected rather than allowed to stall the room.
const sendBuffer = 256

// client is one websocket connection in a room. memberKey is the
// server-assigned presence key for this connection.
type client struct {
	room      *Room
	conn      *websocket.Conn
	send      chan []byte
	memberKey string
}

func (c *client) trySend(raw []byte) {
	if raw == nil {
		return
	}
	select {
	case c.send <- raw:
	default:
	}
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.room.unregister <- c:
		case <-c.room.quit:
		}
		c.conn.Close()
	}()
	for {
		var f channel.Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			return
		}
		select {
		case c.room.inbound <- inboundFrame{c: c, f: f}:
		case <-c.room.quit:
			return
		}
	}
}

func (c *client) writePump() {
	defer c.conn.Close()
	for raw := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
}

package signaling

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/huddle/internal/util"
)

// readLoop decodes inbound frames onto c.in until the socket fails or the
// channel is closed. Frames that are not valid messages are logged and skipped.
func (c *Conn) readLoop() {
	defer close(c.in)

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.fail(nil)
			} else {
				c.fail(err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn("skipping malformed message: %v", err)
			continue
		}
		util.Stats.AddRecv()
		log.Debug("<- %s", msg.Type)

		select {
		case c.in <- msg:
		case <-c.ctx.Done():
			return
		}
	}
}

package signaling

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/huddle/internal/util"
)

// writeLoop is the single-writer goroutine. It drains the outbound queue in
// order and keeps the connection alive with pings.
func (c *Conn) writeLoop() {
	defer close(c.writerDone)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.out:
			data, err := msg.MarshalJSON()
			if err != nil {
				log.Error("dropping unencodable %s message: %v", msg.Type, err)
				continue
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.fail(err)
				return
			}
			util.Stats.AddSent()
			log.Debug("-> %s", msg.Type)

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.fail(err)
				return
			}

		case <-c.ctx.Done():
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

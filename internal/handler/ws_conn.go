package handler

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	ws "github.com/stemsi/exstem-live/internal/websocket"
)

// outboxSize bounds frames waiting for the writer goroutine.
const outboxSize = 64

// wsConn serializes writes to one WebSocket. Only writePump touches conn
// for writing; everything else queues frames with push.
type wsConn struct {
	conn   *websocket.Conn
	log    zerolog.Logger
	outbox chan any
	done   chan struct{}
}

type closeFrame struct {
	code   int
	reason string
}

func newWSConn(conn *websocket.Conn, log zerolog.Logger) *wsConn {
	return &wsConn{
		conn:   conn,
		log:    log,
		outbox: make(chan any, outboxSize),
		done:   make(chan struct{}),
	}
}

// push queues a frame for the writer. Frames for a closed connection are
// discarded.
func (c *wsConn) push(v any) {
	select {
	case c.outbox <- v:
	case <-c.done:
	}
}

// pushClose queues a close frame; the writer closes the socket after it.
func (c *wsConn) pushClose(code int, reason string) {
	c.push(closeFrame{code: code, reason: reason})
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(ws.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case v := <-c.outbox:
			if cf, ok := v.(closeFrame); ok {
				ws.WriteClose(c.conn, cf.code, cf.reason)
				c.conn.Close()
				return
			}
			if err := ws.WriteTyped(c.conn, v); err != nil {
				c.log.Debug().Err(err).Msg("Write failed")
				c.conn.Close()
				return
			}
		case <-ticker.C:
			if err := ws.WritePing(c.conn); err != nil {
				c.conn.Close()
				return
			}
		}
	}
}

// shutdown stops the writer and closes the socket.
func (c *wsConn) shutdown() {
	close(c.done)
	c.conn.Close()
}

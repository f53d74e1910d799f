package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/huddle/internal/util"
)

const (
	writeWait      = 5 * time.Second  // deadline for a single frame write
	pongWait       = 15 * time.Second // read deadline, extended by every pong
	pingInterval   = 5 * time.Second  // must stay below pongWait
	maxMessageSize = 4 << 20          // snapshot frames travel as data URLs
	sendBufferSize = 64               // outgoing message channel capacity
	recvBufferSize = 64               // inbound message channel capacity
)

// ErrClosed is returned by Send once the channel has been closed.
var ErrClosed = errors.New("signaling channel closed")

var log = util.Component("signaling")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Options configures a Conn.
type Options struct {
	// Header is sent with the WebSocket handshake when dialing.
	Header http.Header
	// From is stamped on outgoing messages that carry no sender yet.
	From string
}

// Conn is a persistent, ordered, bidirectional message channel. A single
// writer goroutine owns outbound frames and pings; a single reader goroutine
// decodes inbound frames onto Messages.
type Conn struct {
	ws   *websocket.Conn
	from string

	out chan Message
	in  chan Message

	ctx    context.Context
	cancel context.CancelFunc

	writerDone chan struct{}
	closeOnce  sync.Once

	mu  sync.Mutex
	err error
}

// Dial connects to the signaling server at url.
func Dial(ctx context.Context, url string, opts Options) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, opts.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to signaling server: %w", err)
	}
	return newConn(ws, opts), nil
}

// Upgrade accepts an inbound WebSocket request as a Conn. It is the server
// side of Dial and backs the in-process SFU used by tests.
func Upgrade(w http.ResponseWriter, r *http.Request, opts Options) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return newConn(ws, opts), nil
}

func newConn(ws *websocket.Conn, opts Options) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ws:         ws,
		from:       opts.From,
		out:        make(chan Message, sendBufferSize),
		in:         make(chan Message, recvBufferSize),
		ctx:        ctx,
		cancel:     cancel,
		writerDone: make(chan struct{}),
	}

	go c.writeLoop()
	go c.readLoop()

	return c
}

// Send enqueues msg for transmission. It blocks while the outbound buffer is
// full and returns ErrClosed once the channel is closed.
func (c *Conn) Send(msg Message) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	if msg.From == "" {
		msg.From = c.from
	}
	select {
	case c.out <- msg:
		return nil
	case <-c.ctx.Done():
		return ErrClosed
	}
}

// Messages delivers inbound messages in arrival order. It is closed when the
// channel terminates.
func (c *Conn) Messages() <-chan Message {
	return c.in
}

// Done is closed when the channel has terminated for any reason.
func (c *Conn) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Err returns the failure that terminated the channel, or nil after a normal
// close.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close sends a close frame, stops both loops and releases the socket.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		select {
		case <-c.writerDone:
		case <-time.After(writeWait):
		}
		err = c.ws.Close()
	})
	return err
}

// fail records the first terminal error and shuts the channel down.
func (c *Conn) fail(err error) {
	c.mu.Lock()
	if c.err == nil && err != nil && c.ctx.Err() == nil {
		c.err = err
	}
	c.mu.Unlock()
	c.cancel()
}

// Package correlator pairs inbound signaling replies with the requests that
// are waiting for them.
//
// Requests carry a fresh request id which the server echoes; those replies are
// matched exactly. Replies without an id fall back to the oldest waiter
// registered for that message type.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/1ureka/huddle/internal/signaling"
	"github.com/1ureka/huddle/internal/util"
)

var (
	// ErrNoReply is returned when a reply does not arrive before the deadline.
	ErrNoReply = errors.New("no reply before deadline")
	// ErrClosed is returned for requests pending when the channel closes and
	// for every request made afterwards.
	ErrClosed = errors.New("correlator closed")
)

var log = util.Component("correlator")

// Sender is the outbound half of a signaling channel.
type Sender interface {
	Send(msg signaling.Message) error
}

type result struct {
	msg signaling.Message
	err error
}

type waiter struct {
	id       string
	msgType  signaling.MessageType
	ch       chan result
	resolved bool
}

// Correlator tracks pending requests. It is safe for concurrent use.
type Correlator struct {
	sender  Sender
	timeout time.Duration

	mu     sync.Mutex
	byID   map[string]*waiter
	byType map[signaling.MessageType][]*waiter
	closed error
}

// New returns a Correlator writing through sender. A zero timeout disables the
// per-request deadline; the caller's context still applies.
func New(sender Sender, timeout time.Duration) *Correlator {
	return &Correlator{
		sender:  sender,
		timeout: timeout,
		byID:    make(map[string]*waiter),
		byType:  make(map[signaling.MessageType][]*waiter),
	}
}

// Send writes msg without waiting for a reply. Sending on a closed channel is
// a silent no-op.
func (c *Correlator) Send(msg signaling.Message) error {
	err := c.sender.Send(msg)
	if errors.Is(err, signaling.ErrClosed) {
		log.Debug("dropping %s: channel closed", msg.Type)
		return nil
	}
	return err
}

// AwaitReply waits for the next inbound message of msgType.
func (c *Correlator) AwaitReply(ctx context.Context, msgType signaling.MessageType) (signaling.Message, error) {
	w, err := c.register("", msgType)
	if err != nil {
		return signaling.Message{}, err
	}
	return c.wait(ctx, w)
}

// Request stamps msg with a new request id, sends it and waits for the reply
// of replyType that echoes the id (or, failing that, the next reply of that
// type).
func (c *Correlator) Request(ctx context.Context, msg signaling.Message, replyType signaling.MessageType) (signaling.Message, error) {
	msg.RequestID = uuid.NewString()

	w, err := c.register(msg.RequestID, replyType)
	if err != nil {
		return signaling.Message{}, err
	}

	if err := c.sender.Send(msg); err != nil {
		c.drop(w)
		if errors.Is(err, signaling.ErrClosed) {
			return signaling.Message{}, ErrClosed
		}
		return signaling.Message{}, fmt.Errorf("send %s: %w", msg.Type, err)
	}

	reply, err := c.wait(ctx, w)
	if err != nil {
		return signaling.Message{}, fmt.Errorf("%s: %w", msg.Type, err)
	}
	return reply, nil
}

// Deliver hands an inbound message to the waiter it answers. It reports
// whether the message was consumed.
func (c *Correlator) Deliver(msg signaling.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	var w *waiter
	if msg.RequestID != "" {
		if w = c.byID[msg.RequestID]; w != nil && w.msgType != msg.Type {
			w = nil
		}
	}
	if w == nil {
		// A reply with an unknown id only satisfies observers without one.
		for _, q := range c.byType[msg.Type] {
			if msg.RequestID == "" || q.id == "" {
				w = q
				break
			}
		}
	}
	if w == nil {
		return false
	}

	c.removeLocked(w)
	w.resolved = true
	w.ch <- result{msg: msg}
	return true
}

// Pending returns the number of unresolved waiters.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, q := range c.byType {
		n += len(q)
	}
	return n
}

// Close fails every pending waiter with ErrClosed, joined with cause when
// given. Requests made after Close fail immediately.
func (c *Correlator) Close(cause error) {
	err := ErrClosed
	if cause != nil {
		err = errors.Join(ErrClosed, cause)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed != nil {
		return
	}
	c.closed = err
	for _, queue := range c.byType {
		for _, w := range queue {
			w.resolved = true
			w.ch <- result{err: err}
		}
	}
	c.byID = make(map[string]*waiter)
	c.byType = make(map[signaling.MessageType][]*waiter)
}

func (c *Correlator) register(id string, msgType signaling.MessageType) (*waiter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed != nil {
		return nil, c.closed
	}

	w := &waiter{id: id, msgType: msgType, ch: make(chan result, 1)}
	if id != "" {
		c.byID[id] = w
	}
	c.byType[msgType] = append(c.byType[msgType], w)
	return w, nil
}

func (c *Correlator) wait(ctx context.Context, w *waiter) (signaling.Message, error) {
	var deadline <-chan time.Time
	if c.timeout > 0 {
		timer := time.NewTimer(c.timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case r := <-w.ch:
		return r.msg, r.err
	case <-deadline:
		if r, ok := c.drop(w); ok {
			return r.msg, r.err
		}
		return signaling.Message{}, ErrNoReply
	case <-ctx.Done():
		if r, ok := c.drop(w); ok {
			return r.msg, r.err
		}
		return signaling.Message{}, ctx.Err()
	}
}

// drop unregisters w. If w was resolved in the meantime the buffered result
// is returned instead.
func (c *Correlator) drop(w *waiter) (result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w.resolved {
		return <-w.ch, true
	}
	c.removeLocked(w)
	return result{}, false
}

func (c *Correlator) removeLocked(w *waiter) {
	if w.id != "" {
		delete(c.byID, w.id)
	}
	queue := c.byType[w.msgType]
	for i, q := range queue {
		if q == w {
			c.byType[w.msgType] = append(queue[:i:i], queue[i+1:]...)
			break
		}
	}
	if len(c.byType[w.msgType]) == 0 {
		delete(c.byType, w.msgType)
	}
}

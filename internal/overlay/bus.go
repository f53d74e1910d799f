// Package overlay carries emoji reactions between participants and animates
// them as short-lived floating entities over the video tiles.
package overlay

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/1ureka/huddle/internal/signaling"
	"github.com/1ureka/huddle/internal/util"
)

// DefaultInterval is the minimum spacing between two local emissions.
const DefaultInterval = 400 * time.Millisecond

const subscriberBuffer = 16

var log = util.Component("overlay")

// Reaction is one emoji event. An empty Target means free-floating; otherwise
// OX and OY are fractions of the target tile's width and height.
type Reaction struct {
	Symbol string
	Target string
	OX, OY float64
	From   string
	Local  bool
	At     time.Time
}

// Anchored reports whether the reaction is attached to a tile.
func (r Reaction) Anchored() bool { return r.Target != "" }

// Sender is the outbound half of the signaling channel.
type Sender interface {
	Send(msg signaling.Message) error
}

// Sink receives every accepted reaction, local or remote.
type Sink interface {
	Spawn(r Reaction)
}

type emojiPayload struct {
	Emoji  string   `json:"emoji"`
	Target string   `json:"target,omitempty"`
	OX     *float64 `json:"ox,omitempty"`
	OY     *float64 `json:"oy,omitempty"`
	T      int64    `json:"t"`
}

// Bus is the reaction pub/sub. Local emissions are rate limited and echoed
// into the sink before they are broadcast; remote reactions from the local
// identity are ignored.
type Bus struct {
	self    string
	sender  Sender
	sink    Sink
	limiter *rate.Limiter
	now     func() time.Time

	mu     sync.Mutex
	subs   map[int]chan Reaction
	nextID int
}

// NewBus returns a Bus for the participant self. interval <= 0 selects
// DefaultInterval.
func NewBus(self string, sender Sender, sink Sink, interval time.Duration) *Bus {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Bus{
		self:    self,
		sender:  sender,
		sink:    sink,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		now:     time.Now,
		subs:    make(map[int]chan Reaction),
	}
}

// Emit publishes a local reaction. It returns false, without side effects,
// when the previous accepted emission is too recent.
func (b *Bus) Emit(symbol, target string, ox, oy float64) bool {
	now := b.now()
	if !b.limiter.AllowN(now, 1) {
		util.Stats.AddReactionDrop()
		return false
	}

	r := Reaction{Symbol: symbol, Target: target, OX: ox, OY: oy, From: b.self, Local: true, At: now}
	b.deliver(r)

	payload := emojiPayload{Emoji: symbol, T: now.UnixMilli()}
	if r.Anchored() {
		payload.Target = target
		payload.OX = &ox
		payload.OY = &oy
	}

	msg, err := signaling.New(signaling.MsgTypeEmoji, payload)
	if err != nil {
		log.Error("encode reaction: %v", err)
		return true
	}
	msg.From = b.self
	if err := b.sender.Send(msg); err != nil {
		log.Warn("broadcast reaction: %v", err)
		return true
	}
	util.Stats.AddReactionSent()
	return true
}

// HandleRemote accepts an inbound emoji message. It reports whether the
// message produced a reaction.
func (b *Bus) HandleRemote(msg signaling.Message) bool {
	if msg.Type != signaling.MsgTypeEmoji || (msg.From != "" && msg.From == b.self) {
		return false
	}

	var p emojiPayload
	if err := msg.Decode(&p); err != nil {
		log.Warn("bad reaction from %s: %v", msg.From, err)
		return false
	}
	if p.Emoji == "" {
		return false
	}

	r := Reaction{Symbol: p.Emoji, Target: p.Target, From: msg.From, At: b.now()}
	if p.T > 0 {
		r.At = time.UnixMilli(p.T)
	}
	if r.Anchored() {
		if p.OX != nil {
			r.OX = clamp01(*p.OX)
		}
		if p.OY != nil {
			r.OY = clamp01(*p.OY)
		}
	}

	b.deliver(r)
	util.Stats.AddReactionRecv()
	return true
}

// Subscribe registers an observer. Observers that fall behind miss reactions
// rather than stall the bus. The returned func unsubscribes.
func (b *Bus) Subscribe() (<-chan Reaction, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Reaction, subscriberBuffer)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
}

func (b *Bus) deliver(r Reaction) {
	if b.sink != nil {
		b.sink.Spawn(r)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- r:
		default:
		}
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/huddle/internal/correlator"
	"github.com/1ureka/huddle/internal/media"
	"github.com/1ureka/huddle/internal/signaling"
)

var vp8 = media.RTPCodecCapability{Kind: media.KindVideo, MimeType: "video/VP8", PreferredPayloadType: 96, ClockRate: 90000}

// ---------------------------------------------------------------------------
// Scripted SFU
// ---------------------------------------------------------------------------

type replyFunc func(req signaling.Message) (signaling.MessageType, any)

// fakeSFU answers requests through a real correlator, echoing request ids.
type fakeSFU struct {
	corr *correlator.Correlator

	mu      sync.Mutex
	log     []signaling.Message
	replies map[signaling.MessageType]replyFunc
}

func newFakeSFU(timeout time.Duration) *fakeSFU {
	s := &fakeSFU{replies: map[signaling.MessageType]replyFunc{
		signaling.MsgTypeJoin: func(signaling.Message) (signaling.MessageType, any) {
			return signaling.MsgTypeJoined, joinedPayload{RouterRTPCapabilities: media.RTPCapabilities{Codecs: []media.RTPCodecCapability{vp8}}}
		},
		signaling.MsgTypeCreateSendTransport: func(signaling.Message) (signaling.MessageType, any) {
			return signaling.MsgTypeSendTransportCreated, media.TransportOptions{ID: "send-1"}
		},
		signaling.MsgTypeCreateRecvTransport: func(signaling.Message) (signaling.MessageType, any) {
			return signaling.MsgTypeRecvTransportCreated, media.TransportOptions{ID: "recv-1"}
		},
		signaling.MsgTypeConnectTransport: func(signaling.Message) (signaling.MessageType, any) {
			return signaling.MsgTypeTransportConnected, nil
		},
		signaling.MsgTypeProduce: func(signaling.Message) (signaling.MessageType, any) {
			return signaling.MsgTypeProduced, producedPayload{ProducerID: "prod-local"}
		},
		signaling.MsgTypeConsume: func(req signaling.Message) (signaling.MessageType, any) {
			var p consumePayload
			_ = req.Decode(&p)
			return signaling.MsgTypeConsumed, media.ConsumerOptions{
				ID:         "cons-" + p.ProducerID,
				ProducerID: p.ProducerID,
				Kind:       media.KindVideo,
				RTPParameters: media.RTPParameters{
					Codecs:    []media.RTPCodecParameters{{MimeType: "video/VP8", PayloadType: 96, ClockRate: 90000}},
					Encodings: []media.RTPEncodingParameters{{SSRC: 1234}},
				},
			}
		},
	}}
	s.corr = correlator.New(s, timeout)
	return s
}

func (s *fakeSFU) Send(msg signaling.Message) error {
	s.mu.Lock()
	s.log = append(s.log, msg)
	reply, ok := s.replies[msg.Type]
	s.mu.Unlock()

	if !ok {
		return nil
	}
	replyType, payload := reply(msg)
	out, err := signaling.New(replyType, payload)
	if err != nil {
		return err
	}
	out.RequestID = msg.RequestID
	go s.corr.Deliver(out)
	return nil
}

func (s *fakeSFU) without(t signaling.MessageType) *fakeSFU {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.replies, t)
	return s
}

func (s *fakeSFU) sent() []signaling.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]signaling.Message(nil), s.log...)
}

func (s *fakeSFU) types() []signaling.MessageType {
	var out []signaling.MessageType
	for _, m := range s.sent() {
		out = append(out, m.Type)
	}
	return out
}

func (s *fakeSFU) count(t signaling.MessageType) int {
	n := 0
	for _, m := range s.sent() {
		if m.Type == t {
			n++
		}
	}
	return n
}

func (s *fakeSFU) find(t signaling.MessageType) (signaling.Message, bool) {
	for _, m := range s.sent() {
		if m.Type == t {
			return m, true
		}
	}
	return signaling.Message{}, false
}

// event builds an inbound server event.
func event(t *testing.T, typ signaling.MessageType, payload any) signaling.Message {
	t.Helper()
	msg, err := signaling.New(typ, payload)
	require.NoError(t, err)
	return msg
}

// ---------------------------------------------------------------------------
// Fake media engine
// ---------------------------------------------------------------------------

type fakeDevice struct {
	mu        sync.Mutex
	loaded    bool
	caps      media.RTPCapabilities
	transport map[string]*fakeTransport
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{transport: map[string]*fakeTransport{}}
}

func (d *fakeDevice) Load(router media.RTPCapabilities) error {
	caps, err := media.Intersect(media.RTPCapabilities{Codecs: []media.RTPCodecCapability{vp8}}, router)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.loaded, d.caps = true, caps
	return nil
}

func (d *fakeDevice) Loaded() bool { d.mu.Lock(); defer d.mu.Unlock(); return d.loaded }

func (d *fakeDevice) RTPCapabilities() media.RTPCapabilities {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.caps
}

func (d *fakeDevice) CanProduce(kind media.Kind) bool {
	return media.HasKind(d.RTPCapabilities(), kind)
}

func (d *fakeDevice) CreateSendTransport(opts media.TransportOptions, h media.TransportHandler) (media.SendTransport, error) {
	return d.newTransport(opts, h), nil
}

func (d *fakeDevice) CreateRecvTransport(opts media.TransportOptions, h media.TransportHandler) (media.RecvTransport, error) {
	return d.newTransport(opts, h), nil
}

func (d *fakeDevice) newTransport(opts media.TransportOptions, h media.TransportHandler) *fakeTransport {
	t := &fakeTransport{id: opts.ID, handler: h}
	d.mu.Lock()
	d.transport[opts.ID] = t
	d.mu.Unlock()
	return t
}

func (d *fakeDevice) get(id string) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transport[id]
}

type fakeTransport struct {
	id      string
	handler media.TransportHandler
	gate    media.ConnectGate

	mu        sync.Mutex
	closed    bool
	consumers []*fakeConsumer
}

func (t *fakeTransport) ID() string { return t.id }

func (t *fakeTransport) connect(ctx context.Context) error {
	return t.gate.Ensure(ctx, func(ctx context.Context) error {
		return t.handler.Connect(ctx, t.id, media.DTLSParameters{Role: "client"})
	})
}

func (t *fakeTransport) Produce(ctx context.Context, track media.LocalTrack, enc []media.RTPEncodingParameters) (media.Producer, error) {
	if err := t.connect(ctx); err != nil {
		return nil, err
	}
	id, err := t.handler.Produce(ctx, t.id, track.MediaKind(), media.RTPParameters{Encodings: enc})
	if err != nil {
		return nil, err
	}
	return &fakeProducer{id: id, kind: track.MediaKind()}, nil
}

func (t *fakeTransport) Consume(ctx context.Context, opts media.ConsumerOptions) (media.Consumer, error) {
	if err := t.connect(ctx); err != nil {
		return nil, err
	}
	c := &fakeConsumer{opts: opts, track: newFakeTrack(opts.ID)}
	t.mu.Lock()
	t.consumers = append(t.consumers, c)
	t.mu.Unlock()
	return c, nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type fakeProducer struct {
	id     string
	kind   media.Kind
	closed bool
}

func (p *fakeProducer) ID() string       { return p.id }
func (p *fakeProducer) Kind() media.Kind { return p.kind }
func (p *fakeProducer) Close() error     { p.closed = true; return nil }

var errGone = errors.New("consumer already gone")

type fakeConsumer struct {
	opts  media.ConsumerOptions
	track *fakeTrack

	mu     sync.Mutex
	closed bool
}

func (c *fakeConsumer) ID() string               { return c.opts.ID }
func (c *fakeConsumer) ProducerID() string       { return c.opts.ProducerID }
func (c *fakeConsumer) Kind() media.Kind         { return c.opts.Kind }
func (c *fakeConsumer) Track() media.RemoteTrack { return c.track }

// Close always fails, like closing a consumer whose producer is gone.
func (c *fakeConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.track.stop()
	}
	return errGone
}

type fakeTrack struct {
	id   string
	done chan struct{}
	once sync.Once
}

func newFakeTrack(id string) *fakeTrack { return &fakeTrack{id: id, done: make(chan struct{})} }

func (f *fakeTrack) ID() string { return f.id }
func (f *fakeTrack) ReadRTP() (*rtp.Packet, error) {
	<-f.done
	return nil, io.EOF
}
func (f *fakeTrack) stop() { f.once.Do(func() { close(f.done) }) }

type fakeCamera struct{ track *fakeLocalTrack }

func (c *fakeCamera) Acquire(context.Context) (media.LocalTrack, error) {
	c.track = &fakeLocalTrack{}
	return c.track, nil
}

type fakeLocalTrack struct{ stopped bool }

func (*fakeLocalTrack) TrackID() string       { return "cam" }
func (*fakeLocalTrack) MediaKind() media.Kind { return media.KindVideo }
func (t *fakeLocalTrack) Stop() error         { t.stopped = true; return nil }

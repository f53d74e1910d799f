package app

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/huddle/internal/config"
	"github.com/1ureka/huddle/internal/media"
	"github.com/1ureka/huddle/internal/signaling"
)

var vp8 = media.RTPCodecCapability{Kind: media.KindVideo, MimeType: "video/VP8", PreferredPayloadType: 96, ClockRate: 90000}

// ---------------------------------------------------------------------------
// In-process SFU
// ---------------------------------------------------------------------------

// stubSFU speaks the signaling protocol over a real WebSocket. It answers
// requests, echoing their ids, and records everything it receives.
type stubSFU struct {
	srv *httptest.Server

	routerCaps      media.RTPCapabilities
	closeOnJoin     bool
	onRecvTransport func(c *signaling.Conn)

	mu     sync.Mutex
	got    []signaling.Message
	tokens []string
	conn   *signaling.Conn
}

func newStubSFU(t *testing.T) *stubSFU {
	t.Helper()
	s := &stubSFU{routerCaps: media.RTPCapabilities{Codecs: []media.RTPCodecCapability{vp8}}}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := signaling.Upgrade(w, r, signaling.Options{})
		if err != nil {
			return
		}
		defer c.Close()

		s.mu.Lock()
		s.tokens = append(s.tokens, r.URL.Query().Get("token"))
		s.conn = c
		s.mu.Unlock()

		for msg := range c.Messages() {
			if !s.handle(c, msg) {
				return
			}
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *stubSFU) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws"
}

func (s *stubSFU) handle(c *signaling.Conn, msg signaling.Message) bool {
	s.mu.Lock()
	s.got = append(s.got, msg)
	s.mu.Unlock()

	reply := func(t signaling.MessageType, payload any) {
		out, err := signaling.New(t, payload)
		if err != nil {
			panic(err)
		}
		out.RequestID = msg.RequestID
		_ = c.Send(out)
	}

	switch msg.Type {
	case signaling.MsgTypeJoin:
		if s.closeOnJoin {
			return false
		}
		reply(signaling.MsgTypeJoined, map[string]any{"routerRtpCapabilities": s.routerCaps})
	case signaling.MsgTypeCreateSendTransport:
		reply(signaling.MsgTypeSendTransportCreated, media.TransportOptions{ID: "send-1"})
	case signaling.MsgTypeCreateRecvTransport:
		reply(signaling.MsgTypeRecvTransportCreated, media.TransportOptions{ID: "recv-1"})
		if s.onRecvTransport != nil {
			s.onRecvTransport(c)
		}
	case signaling.MsgTypeConnectTransport:
		reply(signaling.MsgTypeTransportConnected, nil)
	case signaling.MsgTypeProduce:
		reply(signaling.MsgTypeProduced, map[string]string{"producerId": "prod-alice"})
	case signaling.MsgTypeConsume:
		var p struct {
			ProducerID string `json:"producerId"`
		}
		_ = msg.Decode(&p)
		reply(signaling.MsgTypeConsumed, media.ConsumerOptions{
			ID:         "cons-" + p.ProducerID,
			ProducerID: p.ProducerID,
			Kind:       media.KindVideo,
			RTPParameters: media.RTPParameters{
				Codecs:    []media.RTPCodecParameters{{MimeType: "video/VP8", PayloadType: 96, ClockRate: 90000}},
				Encodings: []media.RTPEncodingParameters{{SSRC: 42}},
			},
		})
	}
	return true
}

// push sends a server event as if relayed from another participant.
func (s *stubSFU) push(t *testing.T, typ signaling.MessageType, payload any, from string) {
	t.Helper()
	s.mu.Lock()
	c := s.conn
	s.mu.Unlock()
	require.NotNil(t, c, "no client connected")
	require.NoError(t, c.Send(event(t, typ, payload, from)))
}

func (s *stubSFU) received(typ signaling.MessageType) []signaling.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []signaling.Message
	for _, m := range s.got {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func (s *stubSFU) types() []signaling.MessageType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]signaling.MessageType, 0, len(s.got))
	for _, m := range s.got {
		out = append(out, m.Type)
	}
	return out
}

func event(t *testing.T, typ signaling.MessageType, payload any, from string) signaling.Message {
	t.Helper()
	msg, err := signaling.New(typ, payload)
	require.NoError(t, err)
	msg.From = from
	return msg
}

func testConfig(signalURL string) *config.Config {
	return &config.Config{
		SignalURL:        signalURL,
		Room:             "lobby",
		Identity:         "alice",
		Mode:             config.ModeSFU,
		ReplyTimeout:     2 * time.Second,
		ReactionInterval: 400 * time.Millisecond,
		EntityLifespan:   90,
		FrameRate:        60,
		SnapshotInterval: 20 * time.Millisecond,
		SnapshotQuality:  60,
		ViewportWidth:    1280,
		ViewportHeight:   720,
	}
}

// ---------------------------------------------------------------------------
// Media engine stand-in
// ---------------------------------------------------------------------------

type testDevice struct {
	mu   sync.Mutex
	caps media.RTPCapabilities
}

func (d *testDevice) Load(router media.RTPCapabilities) error {
	caps, err := media.Intersect(media.RTPCapabilities{Codecs: []media.RTPCodecCapability{vp8}}, router)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.caps = caps
	return nil
}

func (d *testDevice) Loaded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.caps.Codecs) > 0
}

func (d *testDevice) RTPCapabilities() media.RTPCapabilities {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.caps
}

func (d *testDevice) CanProduce(kind media.Kind) bool {
	return media.HasKind(d.RTPCapabilities(), kind)
}

func (d *testDevice) CreateSendTransport(opts media.TransportOptions, h media.TransportHandler) (media.SendTransport, error) {
	return &testTransport{id: opts.ID, handler: h}, nil
}

func (d *testDevice) CreateRecvTransport(opts media.TransportOptions, h media.TransportHandler) (media.RecvTransport, error) {
	return &testTransport{id: opts.ID, handler: h}, nil
}

type testTransport struct {
	id      string
	handler media.TransportHandler
	gate    media.ConnectGate
}

func (t *testTransport) ID() string   { return t.id }
func (t *testTransport) Close() error { return nil }

func (t *testTransport) connect(ctx context.Context) error {
	return t.gate.Ensure(ctx, func(ctx context.Context) error {
		return t.handler.Connect(ctx, t.id, media.DTLSParameters{Role: "client"})
	})
}

func (t *testTransport) Produce(ctx context.Context, track media.LocalTrack, enc []media.RTPEncodingParameters) (media.Producer, error) {
	if err := t.connect(ctx); err != nil {
		return nil, err
	}
	id, err := t.handler.Produce(ctx, t.id, track.MediaKind(), media.RTPParameters{Encodings: enc})
	if err != nil {
		return nil, err
	}
	return testProducer(id), nil
}

func (t *testTransport) Consume(ctx context.Context, opts media.ConsumerOptions) (media.Consumer, error) {
	if err := t.connect(ctx); err != nil {
		return nil, err
	}
	return &testConsumer{opts: opts, done: make(chan struct{})}, nil
}

type testProducer string

func (p testProducer) ID() string       { return string(p) }
func (p testProducer) Kind() media.Kind { return media.KindVideo }
func (p testProducer) Close() error     { return nil }

type testConsumer struct {
	opts media.ConsumerOptions
	done chan struct{}
	once sync.Once
}

func (c *testConsumer) ID() string               { return c.opts.ID }
func (c *testConsumer) ProducerID() string       { return c.opts.ProducerID }
func (c *testConsumer) Kind() media.Kind         { return c.opts.Kind }
func (c *testConsumer) Track() media.RemoteTrack { return c }
func (c *testConsumer) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *testConsumer) ReadRTP() (*rtp.Packet, error) {
	<-c.done
	return nil, io.EOF
}

type testCamera struct{}

func (testCamera) Acquire(context.Context) (media.LocalTrack, error) { return testTrack{}, nil }

type testTrack struct{}

func (testTrack) TrackID() string       { return "cam" }
func (testTrack) MediaKind() media.Kind { return media.KindVideo }
func (testTrack) Stop() error           { return nil }

package pionengine

import (
	"context"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	pmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/huddle/internal/media"
)

const loopbackWait = 15 * time.Second

// testEngine gathers host candidates only.
func testEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(nil)
	require.NoError(t, err)
	e.iceServers = nil
	return e
}

// loopbackPeer is the server end of one transport: a bare pion ORTC stack
// using the router's payload types. It implements media.TransportHandler so
// the Device transport under test connects to it in-process.
type loopbackPeer struct {
	api      *webrtc.API
	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport

	opts   media.TransportOptions
	client *transport // the Device side, set after creation

	produced  chan media.RTPParameters
	connected chan struct{}
	failed    chan error
}

func newLoopbackPeer(t *testing.T, id string, router media.RTPCapabilities) *loopbackPeer {
	t.Helper()

	api, err := apiFor(router)
	require.NoError(t, err)

	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{})
	require.NoError(t, err)
	ice := api.NewICETransport(gatherer)
	dtls, err := api.NewDTLSTransport(ice, nil)
	require.NoError(t, err)

	p := &loopbackPeer{
		api:       api,
		gatherer:  gatherer,
		ice:       ice,
		dtls:      dtls,
		produced:  make(chan media.RTPParameters, 1),
		connected: make(chan struct{}),
		failed:    make(chan error, 1),
	}
	t.Cleanup(func() {
		_ = dtls.Stop()
		_ = ice.Stop()
		_ = gatherer.Close()
	})

	gathered := make(chan struct{})
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			close(gathered)
		}
	})
	require.NoError(t, gatherer.Gather())
	select {
	case <-gathered:
	case <-time.After(loopbackWait):
		t.Fatal("server side never finished gathering")
	}

	candidates, err := gatherer.GetLocalCandidates()
	require.NoError(t, err)
	var remote []media.ICECandidate
	for _, c := range candidates {
		if c.Protocol != webrtc.ICEProtocolUDP {
			continue
		}
		remote = append(remote, media.ICECandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			Address:    c.Address,
			Protocol:   c.Protocol.String(),
			Port:       c.Port,
			Type:       c.Typ.String(),
		})
	}
	if len(remote) == 0 {
		t.Skip("no UDP host candidates on this machine")
	}

	iceParams, err := gatherer.GetLocalParameters()
	require.NoError(t, err)
	dtlsParams, err := dtls.GetLocalParameters()
	require.NoError(t, err)

	p.opts = media.TransportOptions{
		ID: id,
		ICEParameters: media.ICEParameters{
			UsernameFragment: iceParams.UsernameFragment,
			Password:         iceParams.Password,
		},
		ICECandidates:  remote,
		DTLSParameters: fromPionDTLS(dtlsParams, "auto"),
	}
	return p
}

// Connect answers the client's connect-transport: it learns the client's
// ICE credentials and candidates, then runs the controlled ICE side and the
// DTLS server in the background.
func (p *loopbackPeer) Connect(_ context.Context, _ string, dtls media.DTLSParameters) error {
	clientICE, err := p.client.gatherer.GetLocalParameters()
	if err != nil {
		return err
	}

	go func() {
		deadline := time.Now().Add(loopbackWait)
		for p.client.gatherer.State() != webrtc.ICEGathererStateComplete && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
		if candidates, err := p.client.gatherer.GetLocalCandidates(); err == nil {
			_ = p.ice.SetRemoteCandidates(candidates)
		}

		role := webrtc.ICERoleControlled
		if err := p.ice.Start(nil, clientICE, &role); err != nil {
			p.failed <- err
			return
		}
		if err := p.dtls.Start(toPionDTLS(dtls, webrtc.DTLSRoleClient)); err != nil {
			p.failed <- err
			return
		}
		close(p.connected)
	}()
	return nil
}

func (p *loopbackPeer) Produce(_ context.Context, _ string, _ media.Kind, params media.RTPParameters) (string, error) {
	p.produced <- params
	return "p1", nil
}

func (p *loopbackPeer) waitConnected(t *testing.T) {
	t.Helper()
	select {
	case <-p.connected:
	case err := <-p.failed:
		t.Fatalf("server side failed to connect: %v", err)
	case <-time.After(loopbackWait):
		t.Fatal("server side never connected")
	}
}

// readOne returns the first packet read returns, failing after loopbackWait.
func readOne(t *testing.T, read func() (*rtp.Packet, error)) *rtp.Packet {
	t.Helper()
	got := make(chan *rtp.Packet, 1)
	errs := make(chan error, 1)
	go func() {
		pkt, err := read()
		if err != nil {
			errs <- err
			return
		}
		got <- pkt
	}()

	select {
	case pkt := <-got:
		return pkt
	case err := <-errs:
		t.Fatalf("read RTP: %v", err)
	case <-time.After(loopbackWait):
		t.Fatal("no RTP packet arrived")
	}
	return nil
}

func TestRecvTransportConsumeBeforeConnected(t *testing.T) {
	router := routerCaps(routerVP8)
	d := testEngine(t).NewDevice()
	require.NoError(t, d.Load(router))

	peer := newLoopbackPeer(t, "r1", router)
	recv, err := d.CreateRecvTransport(peer.opts, peer)
	require.NoError(t, err)
	defer recv.Close()
	peer.client = recv.(*recvTransport).transport

	// The server's producer side, forwarding to this consumer.
	source, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "bob")
	require.NoError(t, err)
	sender, err := peer.api.NewRTPSender(source, peer.dtls)
	require.NoError(t, err)
	defer sender.Stop()
	require.NoError(t, sender.Send(sender.GetParameters()))
	ssrc := uint32(sender.GetParameters().Encodings[0].SSRC)

	ctx, cancel := context.WithTimeout(context.Background(), loopbackWait)
	defer cancel()

	// The very first consume of the transport triggers connect and must wait
	// for DTLS rather than fail.
	consumer, err := recv.Consume(ctx, media.ConsumerOptions{
		ID:         "c1",
		ProducerID: "p1",
		Kind:       media.KindVideo,
		RTPParameters: media.RTPParameters{
			Codecs:    []media.RTPCodecParameters{{MimeType: "video/VP8", PayloadType: 101, ClockRate: 90000}},
			Encodings: []media.RTPEncodingParameters{{SSRC: ssrc}},
		},
	})
	require.NoError(t, err)
	defer consumer.Close()
	assert.Equal(t, "c1", consumer.ID())
	assert.Equal(t, "p1", consumer.ProducerID())

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = source.WriteSample(pmedia.Sample{Data: []byte{0xAA}, Duration: time.Second})
			case <-stop:
				return
			}
		}
	}()

	pkt := readOne(t, consumer.Track().ReadRTP)
	assert.Equal(t, ssrc, pkt.SSRC)
	assert.Equal(t, uint8(101), pkt.PayloadType)
}

func TestSendTransportProduceUsesRouterPayloadType(t *testing.T) {
	router := routerCaps(routerVP8)
	d := testEngine(t).NewDevice()
	require.NoError(t, d.Load(router))

	peer := newLoopbackPeer(t, "s1", router)
	send, err := d.CreateSendTransport(peer.opts, peer)
	require.NoError(t, err)
	defer send.Close()
	peer.client = send.(*sendTransport).transport

	track, err := (&FileCamera{Path: writeIVF(t, 3)}).Acquire(context.Background())
	require.NoError(t, err)
	defer track.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), loopbackWait)
	defer cancel()

	producer, err := send.Produce(ctx, track, nil)
	require.NoError(t, err)
	defer producer.Close()
	assert.Equal(t, "p1", producer.ID())
	assert.Equal(t, media.KindVideo, producer.Kind())

	var params media.RTPParameters
	select {
	case params = <-peer.produced:
	case <-time.After(loopbackWait):
		t.Fatal("produce was never announced")
	}
	require.Len(t, params.Codecs, 1)
	require.Len(t, params.Encodings, 1)
	assert.Equal(t, uint8(101), params.Codecs[0].PayloadType)
	ssrc := params.Encodings[0].SSRC
	require.NotZero(t, ssrc)

	peer.waitConnected(t)

	receiver, err := peer.api.NewRTPReceiver(webrtc.RTPCodecTypeVideo, peer.dtls)
	require.NoError(t, err)
	defer receiver.Stop()
	require.NoError(t, receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{SSRC: webrtc.SSRC(ssrc), PayloadType: 101},
		}},
	}))

	pkt := readOne(t, func() (*rtp.Packet, error) {
		pkt, _, err := receiver.Track().ReadRTP()
		return pkt, err
	})
	assert.Equal(t, ssrc, pkt.SSRC)
	assert.Equal(t, uint8(101), pkt.PayloadType)
}

// blockingHandler records connect and never lets ICE complete: the
// transport options point at no candidates.
type blockingHandler struct {
	connected chan struct{}
}

func (h blockingHandler) Connect(context.Context, string, media.DTLSParameters) error {
	close(h.connected)
	return nil
}

func (blockingHandler) Produce(context.Context, string, media.Kind, media.RTPParameters) (string, error) {
	return "", nil
}

func TestConsumeWaitEnds(t *testing.T) {
	opts := media.TransportOptions{
		ID:            "r1",
		ICEParameters: media.ICEParameters{UsernameFragment: "sfuufrag", Password: "sfupasswordsfupasswordxx"},
	}
	consumeOpts := media.ConsumerOptions{
		ID:   "c1",
		Kind: media.KindVideo,
		RTPParameters: media.RTPParameters{
			Codecs:    []media.RTPCodecParameters{{MimeType: "video/VP8", PayloadType: 101, ClockRate: 90000}},
			Encodings: []media.RTPEncodingParameters{{SSRC: 1234}},
		},
	}

	t.Run("transport closed", func(t *testing.T) {
		d := testEngine(t).NewDevice()
		require.NoError(t, d.Load(routerCaps(routerVP8)))
		h := blockingHandler{connected: make(chan struct{})}
		recv, err := d.CreateRecvTransport(opts, h)
		require.NoError(t, err)

		errs := make(chan error, 1)
		go func() {
			_, err := recv.Consume(context.Background(), consumeOpts)
			errs <- err
		}()

		<-h.connected
		_ = recv.Close()

		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrTransportClosed)
		case <-time.After(loopbackWait):
			t.Fatal("Consume did not return after Close")
		}
	})

	t.Run("context deadline", func(t *testing.T) {
		d := testEngine(t).NewDevice()
		require.NoError(t, d.Load(routerCaps(routerVP8)))
		recv, err := d.CreateRecvTransport(opts, blockingHandler{connected: make(chan struct{})})
		require.NoError(t, err)
		defer recv.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		_, err = recv.Consume(ctx, consumeOpts)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

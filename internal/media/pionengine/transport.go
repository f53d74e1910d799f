package pionengine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/huddle/internal/media"
	"github.com/1ureka/huddle/internal/util"
)

var (
	// ErrForeignTrack is returned when a track was not created by this package.
	ErrForeignTrack = errors.New("track is not backed by pion")
	// ErrNoCodec is returned when no negotiated codec exists for a kind.
	ErrNoCodec = errors.New("no negotiated codec for kind")
	// ErrTransportClosed is returned to callers waiting on a closed transport.
	ErrTransportClosed = errors.New("transport closed")
)

// connectTimeout bounds how long a consumer waits for ICE and DTLS.
const connectTimeout = 30 * time.Second

var log = util.Component("pion")

// transport is the ICE + DTLS pair behind one SFU transport. The server is an
// ICE-lite peer, so the local side is always ICE controlling and DTLS client.
type transport struct {
	opts    media.TransportOptions
	caps    media.RTPCapabilities
	handler media.TransportHandler
	api     *webrtc.API

	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport

	gate    media.ConnectGate
	nextMID atomic.Int32

	connected chan struct{} // closed once DTLS is up and SRTP is ready
	failed    chan struct{} // closed when start fails or the transport closes
	failOnce  sync.Once
	failErr   error
}

func newTransport(api *webrtc.API, iceServers []webrtc.ICEServer, caps media.RTPCapabilities, opts media.TransportOptions, h media.TransportHandler) (*transport, error) {
	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("create ICE gatherer: %w", err)
	}

	ice := api.NewICETransport(gatherer)

	dtls, err := api.NewDTLSTransport(ice, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("create DTLS transport: %w", err)
	}

	t := &transport{
		opts:     opts,
		caps:     caps,
		handler:  h,
		api:      api,
		gatherer: gatherer,
		ice:      ice,
		dtls:     dtls,

		connected: make(chan struct{}),
		failed:    make(chan struct{}),
	}

	ice.OnConnectionStateChange(func(state webrtc.ICETransportState) {
		log.Debug("transport %s ICE state: %s", opts.ID, state)
	})
	dtls.OnStateChange(func(state webrtc.DTLSTransportState) {
		log.Debug("transport %s DTLS state: %s", opts.ID, state)
	})

	return t, nil
}

func (t *transport) ID() string { return t.opts.ID }

// connect signals the local DTLS parameters through the handler once, then
// brings ICE and DTLS up in the background.
func (t *transport) connect(ctx context.Context) error {
	return t.gate.Ensure(ctx, func(ctx context.Context) error {
		local, err := t.dtls.GetLocalParameters()
		if err != nil {
			return fmt.Errorf("local DTLS parameters: %w", err)
		}

		if err := t.handler.Connect(ctx, t.opts.ID, fromPionDTLS(local, "client")); err != nil {
			return err
		}

		candidates, err := toPionCandidates(t.opts.ICECandidates)
		if err != nil {
			return err
		}

		go t.start(candidates)
		return nil
	})
}

func (t *transport) start(candidates []webrtc.ICECandidate) {
	if err := t.gatherer.Gather(); err != nil {
		t.fail(fmt.Errorf("gather: %w", err))
		return
	}

	if err := t.ice.SetRemoteCandidates(candidates); err != nil {
		t.fail(fmt.Errorf("remote candidates: %w", err))
		return
	}

	role := webrtc.ICERoleControlling
	if err := t.ice.Start(t.gatherer, toPionICEParameters(t.opts.ICEParameters), &role); err != nil {
		t.fail(fmt.Errorf("ICE start: %w", err))
		return
	}

	// Start returns once the handshake is done and SRTP is ready.
	if err := t.dtls.Start(toPionDTLS(t.opts.DTLSParameters, webrtc.DTLSRoleServer)); err != nil {
		t.fail(fmt.Errorf("DTLS start: %w", err))
		return
	}

	close(t.connected)
	log.Info("transport %s connected", t.opts.ID)
}

func (t *transport) fail(err error) {
	t.failOnce.Do(func() {
		t.failErr = err
		close(t.failed)
		if !errors.Is(err, ErrTransportClosed) {
			log.Error("transport %s: %v", t.opts.ID, err)
		}
	})
}

// waitConnected blocks until start has brought DTLS up, start failed, the
// transport closed, ctx ended or connectTimeout passed.
func (t *transport) waitConnected(ctx context.Context) error {
	select {
	case <-t.connected:
		return nil
	default:
	}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	select {
	case <-t.connected:
		return nil
	case <-t.failed:
		return t.failErr
	case <-ctx.Done():
		return fmt.Errorf("waiting for DTLS: %w", ctx.Err())
	}
}

// codecFor returns the first negotiated non-RTX codec of kind.
func (t *transport) codecFor(kind media.Kind) (media.RTPCodecCapability, error) {
	for _, c := range t.caps.Codecs {
		if c.Kind == kind && c.MimeType != webrtc.MimeTypeRTX {
			return c, nil
		}
	}
	return media.RTPCodecCapability{}, fmt.Errorf("%w %s", ErrNoCodec, kind)
}

func (t *transport) mid() string {
	return strconv.Itoa(int(t.nextMID.Add(1) - 1))
}

func (t *transport) Close() error {
	t.fail(ErrTransportClosed)
	return errors.Join(t.dtls.Stop(), t.ice.Stop(), t.gatherer.Close())
}

// ---------------------------------------------------------------------------
// Send side
// ---------------------------------------------------------------------------

type sendTransport struct {
	*transport
}

// Produce connects the transport if needed, announces the track through the
// handler's Produce slot and starts sending.
func (t *sendTransport) Produce(ctx context.Context, track media.LocalTrack, encodings []media.RTPEncodingParameters) (media.Producer, error) {
	local, ok := track.(*Track)
	if !ok {
		return nil, ErrForeignTrack
	}

	codec, err := t.codecFor(local.MediaKind())
	if err != nil {
		return nil, err
	}

	if err := t.connect(ctx); err != nil {
		return nil, fmt.Errorf("connect transport %s: %w", t.opts.ID, err)
	}

	sender, err := t.api.NewRTPSender(local.sample, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("create RTP sender: %w", err)
	}

	sendParams := sender.GetParameters()
	for i := range sendParams.Encodings {
		sendParams.Encodings[i].PayloadType = webrtc.PayloadType(codec.PreferredPayloadType)
	}

	params := media.RTPParameters{
		MID: t.mid(),
		Codecs: []media.RTPCodecParameters{{
			MimeType:     codec.MimeType,
			PayloadType:  codec.PreferredPayloadType,
			ClockRate:    codec.ClockRate,
			Channels:     codec.Channels,
			Parameters:   codec.Parameters,
			RTCPFeedback: codec.RTCPFeedback,
		}},
		Encodings: encodings,
		RTCP:      media.RTCPParameters{CNAME: local.sample.StreamID(), ReducedSize: true},
	}
	if len(params.Encodings) == 0 && len(sendParams.Encodings) > 0 {
		params.Encodings = []media.RTPEncodingParameters{{SSRC: uint32(sendParams.Encodings[0].SSRC)}}
	}

	id, err := t.handler.Produce(ctx, t.opts.ID, local.MediaKind(), params)
	if err != nil {
		_ = sender.Stop()
		return nil, err
	}

	if err := sender.Send(sendParams); err != nil {
		_ = sender.Stop()
		return nil, fmt.Errorf("start RTP sender: %w", err)
	}

	// RTCP must be drained for the interceptors to run.
	go func() {
		for {
			if _, _, err := sender.ReadRTCP(); err != nil {
				return
			}
		}
	}()

	return &producer{id: id, kind: local.MediaKind(), sender: sender}, nil
}

// ---------------------------------------------------------------------------
// Receive side
// ---------------------------------------------------------------------------

type recvTransport struct {
	*transport
}

// Consume connects the transport if needed, waits for DTLS and starts
// receiving the stream described by opts. pion cannot bind an SSRC before the
// SRTP session exists.
func (t *recvTransport) Consume(ctx context.Context, opts media.ConsumerOptions) (media.Consumer, error) {
	kind, err := toPionKind(opts.Kind)
	if err != nil {
		return nil, err
	}
	if len(opts.RTPParameters.Codecs) == 0 || len(opts.RTPParameters.Encodings) == 0 {
		return nil, fmt.Errorf("consumer %s: incomplete RTP parameters", opts.ID)
	}

	if err := t.connect(ctx); err != nil {
		return nil, fmt.Errorf("connect transport %s: %w", t.opts.ID, err)
	}
	if err := t.waitConnected(ctx); err != nil {
		return nil, fmt.Errorf("connect transport %s: %w", t.opts.ID, err)
	}

	receiver, err := t.api.NewRTPReceiver(kind, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("create RTP receiver: %w", err)
	}

	enc := opts.RTPParameters.Encodings[0]
	if err := receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        webrtc.SSRC(enc.SSRC),
				PayloadType: webrtc.PayloadType(opts.RTPParameters.Codecs[0].PayloadType),
			},
		}},
	}); err != nil {
		_ = receiver.Stop()
		return nil, fmt.Errorf("start RTP receiver: %w", err)
	}

	return &consumer{
		id:         opts.ID,
		producerID: opts.ProducerID,
		kind:       opts.Kind,
		receiver:   receiver,
	}, nil
}

// Package session drives the SFU negotiation: join, capability exchange,
// send and receive transport creation, producing the local camera and
// consuming remote producers as they are announced.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/1ureka/huddle/internal/correlator"
	"github.com/1ureka/huddle/internal/media"
	"github.com/1ureka/huddle/internal/signaling"
	"github.com/1ureka/huddle/internal/tiles"
	"github.com/1ureka/huddle/internal/util"
)

var log = util.Component("session")

// errStopped is the cancellation cause used by Close.
var errStopped = errors.New("negotiator closed")

// Requester is the request/response view of the signaling channel.
type Requester interface {
	Request(ctx context.Context, msg signaling.Message, replyType signaling.MessageType) (signaling.Message, error)
	Send(msg signaling.Message) error
}

// Tiles is the part of the tile registry the negotiator drives.
type Tiles interface {
	Ensure(identity, label string) *tiles.Surface
	Remove(identity string)
}

// Config holds the negotiator's collaborators.
type Config struct {
	Identity string
	Device   media.Device
	// Camera is optional; without one the session is receive-only.
	Camera media.Camera
	// Layers is the simulcast table for the camera track.
	Layers []media.Layer
	Tiles  Tiles
}

type consumerRecord struct {
	producerID string
	peerID     string
	consumer   media.Consumer
}

// Negotiator owns the session state. Run drives the handshake and then
// processes remote producer events one at a time; HandleEvent may be called
// from any goroutine.
type Negotiator struct {
	cfg Config
	req Requester

	ready     chan struct{}
	readyOnce sync.Once
	wake      chan struct{}
	runDone   chan struct{}

	mu        sync.Mutex
	state     State
	queue     []signaling.Message
	running   bool
	cancelRun context.CancelCauseFunc

	// owned by the Run goroutine until it exits
	send      media.SendTransport
	recv      media.RecvTransport
	track     media.LocalTrack
	producers []media.Producer

	cmu       sync.Mutex
	consumers map[string]consumerRecord
}

var _ media.TransportHandler = (*Negotiator)(nil)

// New returns an idle Negotiator.
func New(cfg Config, req Requester) *Negotiator {
	if cfg.Layers == nil {
		cfg.Layers = media.SimulcastLayers
	}
	return &Negotiator{
		cfg:       cfg,
		req:       req,
		ready:     make(chan struct{}),
		wake:      make(chan struct{}, 1),
		runDone:   make(chan struct{}),
		consumers: make(map[string]consumerRecord),
	}
}

// State returns the current state.
func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Ready is closed once the session reaches Ready.
func (n *Negotiator) Ready() <-chan struct{} {
	return n.ready
}

func (n *Negotiator) setState(s State) {
	n.mu.Lock()
	prev := n.state
	if prev.Terminal() {
		n.mu.Unlock()
		return
	}
	n.state = s
	n.mu.Unlock()

	log.Debug("state %s -> %s", prev, s)
	if s == Ready {
		n.readyOnce.Do(func() { close(n.ready) })
	}
}

// HandleEvent queues a remote producer event. It reports whether msg is one
// the negotiator handles. Events are processed in arrival order once the
// session is Ready.
func (n *Negotiator) HandleEvent(msg signaling.Message) bool {
	switch msg.Type {
	case signaling.MsgTypeNewProducer, signaling.MsgTypeProducerClosed, signaling.MsgTypePeerLeft:
	default:
		return false
	}

	n.mu.Lock()
	n.queue = append(n.queue, msg)
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
	return true
}

// Run negotiates the session and then serves remote producer events until
// ctx ends or Close is called. It returns nil after Close, the context's
// cause when ctx ends, and the negotiation error when a step fails.
func (n *Negotiator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	n.mu.Lock()
	if n.running || n.state.Terminal() {
		n.mu.Unlock()
		return fmt.Errorf("negotiator already %s", n.state)
	}
	n.running = true
	n.cancelRun = cancel
	n.mu.Unlock()
	defer close(n.runDone)

	if err := n.negotiate(ctx); err != nil {
		if cause := context.Cause(ctx); cause != nil {
			return n.stopped(cause)
		}
		n.setState(Failed)
		log.Error("negotiation failed: %v", err)
		return err
	}
	n.setState(Ready)
	log.Info("session ready")

	for {
		for {
			msg, ok := n.dequeue()
			if !ok {
				break
			}
			if err := n.process(ctx, msg); err != nil {
				if cause := context.Cause(ctx); cause != nil {
					return n.stopped(cause)
				}
				return err
			}
		}

		select {
		case <-n.wake:
		case <-ctx.Done():
			return n.stopped(context.Cause(ctx))
		}
	}
}

func (n *Negotiator) stopped(cause error) error {
	if errors.Is(cause, errStopped) {
		return nil
	}
	return cause
}

func (n *Negotiator) dequeue() (signaling.Message, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.queue) == 0 {
		return signaling.Message{}, false
	}
	msg := n.queue[0]
	n.queue = n.queue[1:]
	return msg, true
}

// negotiate walks the handshake up to Ready. The send path is fully
// established before the receive transport is requested.
func (n *Negotiator) negotiate(ctx context.Context) error {
	n.setState(AwaitingJoinAck)
	joined, err := n.request(ctx, signaling.MsgTypeJoin, joinPayload{ID: n.cfg.Identity}, signaling.MsgTypeJoined)
	if err != nil {
		return err
	}
	var jp joinedPayload
	if err := joined.Decode(&jp); err != nil {
		return err
	}

	if err := n.cfg.Device.Load(jp.RouterRTPCapabilities); err != nil {
		return fmt.Errorf("load device: %w", err)
	}
	n.setState(DeviceReady)

	n.setState(AwaitingSendTransport)
	sendOpts, err := n.transportOptions(ctx, signaling.MsgTypeCreateSendTransport, signaling.MsgTypeSendTransportCreated)
	if err != nil {
		return err
	}
	n.send, err = n.cfg.Device.CreateSendTransport(sendOpts, n)
	if err != nil {
		return fmt.Errorf("create send transport: %w", err)
	}
	n.setState(SendTransportReady)

	if err := n.produceCamera(ctx); err != nil {
		return err
	}

	save, err := signaling.New(signaling.MsgTypeSaveRTPCapabilities, saveCapabilitiesPayload{RTPCapabilities: n.cfg.Device.RTPCapabilities()})
	if err != nil {
		return err
	}
	if err := n.req.Send(save); err != nil {
		return fmt.Errorf("save rtp capabilities: %w", err)
	}

	n.setState(AwaitingRecvTransport)
	recvOpts, err := n.transportOptions(ctx, signaling.MsgTypeCreateRecvTransport, signaling.MsgTypeRecvTransportCreated)
	if err != nil {
		return err
	}
	n.recv, err = n.cfg.Device.CreateRecvTransport(recvOpts, n)
	if err != nil {
		return fmt.Errorf("create recv transport: %w", err)
	}
	return nil
}

func (n *Negotiator) transportOptions(ctx context.Context, reqType, replyType signaling.MessageType) (media.TransportOptions, error) {
	reply, err := n.request(ctx, reqType, nil, replyType)
	if err != nil {
		return media.TransportOptions{}, err
	}
	var opts media.TransportOptions
	if err := reply.Decode(&opts); err != nil {
		return media.TransportOptions{}, err
	}
	if opts.ID == "" {
		return media.TransportOptions{}, fmt.Errorf("%s without transport id", replyType)
	}
	return opts, nil
}

// produceCamera acquires and publishes the local video track. A missing
// camera or one the router cannot take leaves the session receive-only.
func (n *Negotiator) produceCamera(ctx context.Context) error {
	if n.cfg.Camera == nil {
		log.Warn("no camera configured, joining receive-only")
		return nil
	}

	track, err := n.cfg.Camera.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire camera: %w", err)
	}
	n.track = track

	if !n.cfg.Device.CanProduce(track.MediaKind()) {
		log.Warn("router cannot receive %s, joining receive-only", track.MediaKind())
		return nil
	}

	var encodings []media.RTPEncodingParameters
	if track.MediaKind() == media.KindVideo {
		encodings = media.Encodings(n.cfg.Layers)
	}

	producer, err := n.send.Produce(ctx, track, encodings)
	if err != nil {
		return fmt.Errorf("produce %s: %w", track.MediaKind(), err)
	}
	n.producers = append(n.producers, producer)
	log.Info("producing %s as %s", producer.Kind(), producer.ID())
	return nil
}

// Connect is the transport's connect slot.
func (n *Negotiator) Connect(ctx context.Context, transportID string, dtls media.DTLSParameters) error {
	_, err := n.request(ctx, signaling.MsgTypeConnectTransport,
		connectTransportPayload{TransportID: transportID, DTLSParameters: dtls},
		signaling.MsgTypeTransportConnected)
	return err
}

// Produce is the transport's produce slot; it returns the server's producer id.
func (n *Negotiator) Produce(ctx context.Context, transportID string, kind media.Kind, params media.RTPParameters) (string, error) {
	reply, err := n.request(ctx, signaling.MsgTypeProduce,
		producePayload{TransportID: transportID, Kind: kind, RTPParameters: params},
		signaling.MsgTypeProduced)
	if err != nil {
		return "", err
	}
	var p producedPayload
	if err := reply.Decode(&p); err != nil {
		return "", err
	}
	if p.ProducerID == "" {
		return "", errors.New("produced without producer id")
	}
	return p.ProducerID, nil
}

func (n *Negotiator) request(ctx context.Context, t signaling.MessageType, payload any, replyType signaling.MessageType) (signaling.Message, error) {
	msg, err := signaling.New(t, payload)
	if err != nil {
		return signaling.Message{}, err
	}
	return n.req.Request(ctx, msg, replyType)
}

// Close releases consumers, producers, the camera track and both transports.
// It stops a running Run first. Release failures are joined and returned.
func (n *Negotiator) Close() error {
	n.mu.Lock()
	if n.state == Closed {
		n.mu.Unlock()
		return nil
	}
	running, cancel := n.running, n.cancelRun
	n.mu.Unlock()

	if running {
		cancel(errStopped)
		<-n.runDone
	}

	var errs []error
	n.cmu.Lock()
	for id, rec := range n.consumers {
		errs = append(errs, rec.consumer.Close())
		delete(n.consumers, id)
		util.Stats.RemoveConsumer()
	}
	n.cmu.Unlock()
	for _, p := range n.producers {
		errs = append(errs, p.Close())
	}
	n.producers = nil
	if n.track != nil {
		errs = append(errs, n.track.Stop())
	}
	if n.send != nil {
		errs = append(errs, n.send.Close())
	}
	if n.recv != nil {
		errs = append(errs, n.recv.Close())
	}

	n.mu.Lock()
	n.state = Closed
	n.mu.Unlock()
	return errors.Join(errs...)
}

// isFatal reports whether err ends the session rather than one event.
func isFatal(err error) bool {
	return errors.Is(err, correlator.ErrClosed) || errors.Is(err, context.Canceled)
}

package session

import (
	"context"

	"github.com/1ureka/huddle/internal/media"
	"github.com/1ureka/huddle/internal/signaling"
	"github.com/1ureka/huddle/internal/util"
)

// process handles one queued event. Only errors that end the session are
// returned; a failed consume is logged and the session carries on.
func (n *Negotiator) process(ctx context.Context, msg signaling.Message) error {
	var err error
	switch msg.Type {
	case signaling.MsgTypeNewProducer:
		err = n.onNewProducer(ctx, msg)
	case signaling.MsgTypeProducerClosed:
		err = n.onProducerClosed(msg)
	case signaling.MsgTypePeerLeft:
		err = n.onPeerLeft(msg)
	}
	if err == nil {
		return nil
	}
	if isFatal(err) {
		return err
	}
	log.Error("%s: %v", msg.Type, err)
	return nil
}

func (n *Negotiator) onNewProducer(ctx context.Context, msg signaling.Message) error {
	var p newProducerPayload
	if err := msg.Decode(&p); err != nil {
		return err
	}
	if p.Kind != media.KindVideo {
		log.Debug("ignoring %s producer %s from %s", p.Kind, p.ProducerID, p.PeerID)
		return nil
	}
	if p.PeerID != "" && p.PeerID == n.cfg.Identity {
		return nil
	}

	reply, err := n.request(ctx, signaling.MsgTypeConsume, consumePayload{
		ProducerID:      p.ProducerID,
		RTPCapabilities: n.cfg.Device.RTPCapabilities(),
		TransportID:     n.recv.ID(),
	}, signaling.MsgTypeConsumed)
	if err != nil {
		return err
	}

	var opts media.ConsumerOptions
	if err := reply.Decode(&opts); err != nil {
		return err
	}
	if opts.ProducerID == "" {
		opts.ProducerID = p.ProducerID
	}
	if opts.Kind == "" {
		opts.Kind = p.Kind
	}

	consumer, err := n.recv.Consume(ctx, opts)
	if err != nil {
		return err
	}

	n.cmu.Lock()
	n.consumers[consumer.ID()] = consumerRecord{
		producerID: consumer.ProducerID(),
		peerID:     p.PeerID,
		consumer:   consumer,
	}
	n.cmu.Unlock()
	util.Stats.AddConsumer()

	if p.PeerID != "" {
		n.cfg.Tiles.Ensure(p.PeerID, p.PeerID).Attach(consumer.Track())
	}

	resume, err := signaling.New(signaling.MsgTypeResume, resumePayload{ConsumerID: consumer.ID()})
	if err != nil {
		return err
	}
	if err := n.req.Send(resume); err != nil {
		return err
	}

	log.Info("consuming %s from %s", p.ProducerID, p.PeerID)
	return nil
}

func (n *Negotiator) onProducerClosed(msg signaling.Message) error {
	var p producerClosedPayload
	if err := msg.Decode(&p); err != nil {
		return err
	}

	peers := n.evict(func(rec consumerRecord) bool { return rec.producerID == p.ProducerID })
	if p.PeerID != "" {
		peers[p.PeerID] = struct{}{}
	}
	for peer := range peers {
		n.cfg.Tiles.Remove(peer)
	}

	log.Info("producer %s closed", p.ProducerID)
	return nil
}

func (n *Negotiator) onPeerLeft(msg signaling.Message) error {
	var p peerLeftPayload
	if err := msg.Decode(&p); err != nil {
		return err
	}
	if p.PeerID == "" {
		return nil
	}

	n.evict(func(rec consumerRecord) bool { return rec.peerID == p.PeerID })
	n.cfg.Tiles.Remove(p.PeerID)

	log.Info("peer %s left", p.PeerID)
	return nil
}

// evict closes and forgets every consumer matching fn. Close failures are
// logged and dropped since the remote side is already gone. It returns the
// peers whose consumers were evicted.
func (n *Negotiator) evict(match func(consumerRecord) bool) map[string]struct{} {
	n.cmu.Lock()
	defer n.cmu.Unlock()

	peers := make(map[string]struct{})
	for id, rec := range n.consumers {
		if !match(rec) {
			continue
		}
		if err := rec.consumer.Close(); err != nil {
			log.Debug("close consumer %s: %v", id, err)
		}
		delete(n.consumers, id)
		util.Stats.RemoveConsumer()
		if rec.peerID != "" {
			peers[rec.peerID] = struct{}{}
		}
	}
	return peers
}

// Consumers returns the live consumers as consumer id → producer id.
func (n *Negotiator) Consumers() map[string]string {
	n.cmu.Lock()
	defer n.cmu.Unlock()
	out := make(map[string]string, len(n.consumers))
	for id, rec := range n.consumers {
		out[id] = rec.producerID
	}
	return out
}

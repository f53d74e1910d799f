package pionengine

import (
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/huddle/internal/media"
)

type producer struct {
	id     string
	kind   media.Kind
	sender *webrtc.RTPSender
}

func (p *producer) ID() string       { return p.id }
func (p *producer) Kind() media.Kind { return p.kind }
func (p *producer) Close() error     { return p.sender.Stop() }

type consumer struct {
	id         string
	producerID string
	kind       media.Kind
	receiver   *webrtc.RTPReceiver
}

func (c *consumer) ID() string         { return c.id }
func (c *consumer) ProducerID() string { return c.producerID }
func (c *consumer) Kind() media.Kind   { return c.kind }
func (c *consumer) Close() error       { return c.receiver.Stop() }

func (c *consumer) Track() media.RemoteTrack {
	return &remoteTrack{id: c.id, receiver: c.receiver}
}

// remoteTrack reads RTP from the receiver's first track.
type remoteTrack struct {
	id       string
	receiver *webrtc.RTPReceiver
}

func (r *remoteTrack) ID() string { return r.id }

func (r *remoteTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := r.receiver.Track().ReadRTP()
	return pkt, err
}

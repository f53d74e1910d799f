package session

import "github.com/1ureka/huddle/internal/media"

// Wire payloads exchanged with the SFU.

type joinPayload struct {
	ID string `json:"id"`
}

type joinedPayload struct {
	RouterRTPCapabilities media.RTPCapabilities `json:"routerRtpCapabilities"`
}

type connectTransportPayload struct {
	TransportID    string               `json:"transportId"`
	DTLSParameters media.DTLSParameters `json:"dtlsParameters"`
}

type producePayload struct {
	TransportID   string              `json:"transportId"`
	Kind          media.Kind          `json:"kind"`
	RTPParameters media.RTPParameters `json:"rtpParameters"`
}

type producedPayload struct {
	ProducerID string `json:"producerId"`
}

type saveCapabilitiesPayload struct {
	RTPCapabilities media.RTPCapabilities `json:"rtpCapabilities"`
}

type newProducerPayload struct {
	ProducerID string     `json:"producerId"`
	PeerID     string     `json:"peerId"`
	Kind       media.Kind `json:"kind"`
}

type consumePayload struct {
	ProducerID      string                `json:"producerId"`
	RTPCapabilities media.RTPCapabilities `json:"rtpCapabilities"`
	TransportID     string                `json:"transportId"`
}

type resumePayload struct {
	ConsumerID string `json:"consumerId"`
}

type producerClosedPayload struct {
	ProducerID string `json:"producerId"`
	PeerID     string `json:"peerId"`
}

type peerLeftPayload struct {
	PeerID string `json:"peerId"`
}

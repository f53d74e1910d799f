// Package media defines the capability-negotiating media engine boundary used
// by the session negotiator: RTP capability and parameter descriptions in their
// wire form, and the Device / Transport / Producer / Consumer interfaces.
package media

import "strings"

// Kind is the media kind of a track, codec or producer.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// KindOfMime derives the kind from a mime type such as "video/VP8".
func KindOfMime(mime string) Kind {
	prefix, _, _ := strings.Cut(strings.ToLower(mime), "/")
	return Kind(prefix)
}

// RTCPFeedback is one rtcp-fb entry of a codec.
type RTCPFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

// RTPCodecCapability describes a codec a peer can send or receive.
type RTPCodecCapability struct {
	Kind                 Kind           `json:"kind"`
	MimeType             string         `json:"mimeType"`
	PreferredPayloadType uint8          `json:"preferredPayloadType,omitempty"`
	ClockRate            uint32         `json:"clockRate"`
	Channels             uint16         `json:"channels,omitempty"`
	Parameters           map[string]any `json:"parameters,omitempty"`
	RTCPFeedback         []RTCPFeedback `json:"rtcpFeedback,omitempty"`
}

// RTPHeaderExtension describes a supported RTP header extension.
type RTPHeaderExtension struct {
	Kind        Kind   `json:"kind"`
	URI         string `json:"uri"`
	PreferredID int    `json:"preferredId"`
}

// RTPCapabilities is the capability set exchanged with the router.
type RTPCapabilities struct {
	Codecs           []RTPCodecCapability `json:"codecs"`
	HeaderExtensions []RTPHeaderExtension `json:"headerExtensions,omitempty"`
}

// RTPCodecParameters is a negotiated codec inside RTPParameters.
type RTPCodecParameters struct {
	MimeType     string         `json:"mimeType"`
	PayloadType  uint8          `json:"payloadType"`
	ClockRate    uint32         `json:"clockRate"`
	Channels     uint16         `json:"channels,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	RTCPFeedback []RTCPFeedback `json:"rtcpFeedback,omitempty"`
}

// RTPEncodingParameters is one encoding (simulcast layer) of a stream.
type RTPEncodingParameters struct {
	SSRC                  uint32  `json:"ssrc,omitempty"`
	RID                   string  `json:"rid,omitempty"`
	MaxBitrate            uint64  `json:"maxBitrate,omitempty"`
	ScaleResolutionDownBy float64 `json:"scaleResolutionDownBy,omitempty"`
}

// RTCPParameters carries the RTCP settings of a stream.
type RTCPParameters struct {
	CNAME       string `json:"cname,omitempty"`
	ReducedSize bool   `json:"reducedSize,omitempty"`
}

// RTPParameters describes what a producer sends or a consumer receives.
type RTPParameters struct {
	MID       string                  `json:"mid,omitempty"`
	Codecs    []RTPCodecParameters    `json:"codecs"`
	Encodings []RTPEncodingParameters `json:"encodings,omitempty"`
	RTCP      RTCPParameters          `json:"rtcp"`
}

// ICEParameters are the remote ICE credentials of a transport.
type ICEParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	ICELite          bool   `json:"iceLite,omitempty"`
}

// ICECandidate is a remote ICE candidate of a transport.
type ICECandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	Address    string `json:"ip"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
	TCPType    string `json:"tcpType,omitempty"`
}

// DTLSFingerprint is a certificate fingerprint.
type DTLSFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

// DTLSParameters are the DTLS role and fingerprints of one side.
type DTLSParameters struct {
	Role         string            `json:"role,omitempty"`
	Fingerprints []DTLSFingerprint `json:"fingerprints"`
}

// TransportOptions is the server's description of a transport it created.
type TransportOptions struct {
	ID             string         `json:"id"`
	ICEParameters  ICEParameters  `json:"iceParameters"`
	ICECandidates  []ICECandidate `json:"iceCandidates"`
	DTLSParameters DTLSParameters `json:"dtlsParameters"`
}

// ConsumerOptions is what the server returns for a consume request.
type ConsumerOptions struct {
	ID            string        `json:"id"`
	ProducerID    string        `json:"producerId"`
	Kind          Kind          `json:"kind"`
	RTPParameters RTPParameters `json:"rtpParameters"`
}

// Package pionengine implements the media engine interfaces on pion/webrtc's
// ORTC objects: one ICE gatherer, ICE transport and DTLS transport per SFU
// transport, with RTPSender / RTPReceiver pairs for producers and consumers.
package pionengine

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/huddle/internal/media"
)

// DefaultSTUNServers is used when the configuration names none.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

const (
	uriSDESMid     = "urn:ietf:params:rtp-hdrext:sdes:mid"
	uriTransportCC = "http://www.ietf.org/id/draft-holmer-rmcat-transport-wide-cc-extensions-01"
)

var videoFeedback = []webrtc.RTCPFeedback{
	{Type: "goog-remb"},
	{Type: "ccm", Parameter: "fir"},
	{Type: "nack"},
	{Type: "nack", Parameter: "pli"},
}

type codecEntry struct {
	kind   webrtc.RTPCodecType
	params webrtc.RTPCodecParameters
}

// codecs is the local codec table, reported as the local capability set.
var codecs = []codecEntry{
	{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000, RTCPFeedback: videoFeedback},
		PayloadType:        96,
	}},
	{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeRTX, ClockRate: 90000, SDPFmtpLine: "apt=96"},
		PayloadType:        97,
	}},
	{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     webrtc.MimeTypeH264,
			ClockRate:    90000,
			SDPFmtpLine:  "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
			RTCPFeedback: videoFeedback,
		},
		PayloadType: 102,
	}},
	{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2, SDPFmtpLine: "minptime=10;useinbandfec=1"},
		PayloadType:        111,
	}},
}

// Engine holds the local capability set and ICE servers shared by every
// device. Each loaded device gets its own pion API, see apiFor.
type Engine struct {
	iceServers []webrtc.ICEServer
	local      media.RTPCapabilities
}

// New builds an Engine for the local codec table and the given STUN servers.
// It fails when the table cannot be registered with pion.
func New(stunServers []string) (*Engine, error) {
	if _, err := newAPI(codecs); err != nil {
		return nil, err
	}

	if len(stunServers) == 0 {
		stunServers = DefaultSTUNServers
	}

	return &Engine{
		iceServers: []webrtc.ICEServer{{URLs: stunServers}},
		local:      localCapabilities(),
	}, nil
}

// newAPI registers table with a MediaEngine together with the default
// interceptors (NACK, RTCP reports, TWCC).
func newAPI(table []codecEntry) (*webrtc.API, error) {
	me := &webrtc.MediaEngine{}
	for _, c := range table {
		if err := me.RegisterCodec(c.params, c.kind); err != nil {
			return nil, fmt.Errorf("register codec %s/%d: %w", c.params.MimeType, c.params.PayloadType, err)
		}
	}
	if err := me.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: uriSDESMid}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("register header extension: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	return webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithInterceptorRegistry(registry)), nil
}

// apiFor builds an API over the negotiated codecs. pion stamps outgoing
// packets and resolves incoming ones by the MediaEngine's payload types, so
// they must be the router's.
func apiFor(caps media.RTPCapabilities) (*webrtc.API, error) {
	table := make([]codecEntry, 0, len(caps.Codecs))
	for _, c := range caps.Codecs {
		kind := webrtc.NewRTPCodecType(string(c.Kind))
		if kind == 0 {
			continue
		}
		table = append(table, codecEntry{kind, webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:     c.MimeType,
				ClockRate:    c.ClockRate,
				Channels:     c.Channels,
				SDPFmtpLine:  formatFmtp(c.Parameters),
				RTCPFeedback: toPionFeedback(c.RTCPFeedback),
			},
			PayloadType: webrtc.PayloadType(c.PreferredPayloadType),
		}})
	}
	return newAPI(table)
}

// NewDevice returns an unloaded Device backed by this engine.
func (e *Engine) NewDevice() *Device {
	return &Device{engine: e}
}

// LocalCapabilities is the capability set the engine can send and receive.
func (e *Engine) LocalCapabilities() media.RTPCapabilities {
	return e.local
}

func localCapabilities() media.RTPCapabilities {
	var caps media.RTPCapabilities
	for _, c := range codecs {
		caps.Codecs = append(caps.Codecs, media.RTPCodecCapability{
			Kind:                 media.Kind(c.kind.String()),
			MimeType:             c.params.MimeType,
			PreferredPayloadType: uint8(c.params.PayloadType),
			ClockRate:            c.params.ClockRate,
			Channels:             c.params.Channels,
			Parameters:           parseFmtp(c.params.SDPFmtpLine),
			RTCPFeedback:         fromPionFeedback(c.params.RTCPFeedback),
		})
	}
	caps.HeaderExtensions = []media.RTPHeaderExtension{
		{Kind: media.KindVideo, URI: uriSDESMid, PreferredID: 1},
		{Kind: media.KindVideo, URI: uriTransportCC, PreferredID: 5},
	}
	return caps
}

package media

import (
	"errors"
	"strings"
)

// ErrIncompatibleCapabilities means the router offers no codec the local
// engine can handle. It is fatal for the session.
var ErrIncompatibleCapabilities = errors.New("no common codec between local and router capabilities")

const mimeRTX = "video/rtx"

// Intersect returns the router codecs and header extensions that the local
// capability set also supports. Payload types, parameters and ordering follow
// the router. RTX entries survive only when the codec they repair does.
func Intersect(local, router RTPCapabilities) (RTPCapabilities, error) {
	var out RTPCapabilities
	kept := make(map[uint8]bool)

	for _, rc := range router.Codecs {
		if isRTX(rc) {
			continue
		}
		for _, lc := range local.Codecs {
			if codecMatch(lc, rc) {
				out.Codecs = append(out.Codecs, rc)
				kept[rc.PreferredPayloadType] = true
				break
			}
		}
	}
	if len(out.Codecs) == 0 {
		return RTPCapabilities{}, ErrIncompatibleCapabilities
	}

	for _, rc := range router.Codecs {
		if !isRTX(rc) {
			continue
		}
		if apt, ok := associatedPayloadType(rc); ok && kept[apt] {
			out.Codecs = append(out.Codecs, rc)
		}
	}

	for _, re := range router.HeaderExtensions {
		for _, le := range local.HeaderExtensions {
			if le.Kind == re.Kind && le.URI == re.URI {
				out.HeaderExtensions = append(out.HeaderExtensions, re)
				break
			}
		}
	}
	return out, nil
}

// HasKind reports whether caps contains a non-RTX codec of the given kind.
func HasKind(caps RTPCapabilities, kind Kind) bool {
	for _, c := range caps.Codecs {
		if c.Kind == kind && !isRTX(c) {
			return true
		}
	}
	return false
}

func codecMatch(a, b RTPCodecCapability) bool {
	if !strings.EqualFold(a.MimeType, b.MimeType) || a.ClockRate != b.ClockRate {
		return false
	}
	if a.Kind == KindAudio && a.Channels != 0 && b.Channels != 0 && a.Channels != b.Channels {
		return false
	}
	return true
}

func isRTX(c RTPCodecCapability) bool {
	return strings.EqualFold(c.MimeType, mimeRTX)
}

// associatedPayloadType reads the "apt" parameter; JSON numbers decode as float64.
func associatedPayloadType(c RTPCodecCapability) (uint8, bool) {
	switch v := c.Parameters["apt"].(type) {
	case float64:
		return uint8(v), true
	case int:
		return uint8(v), true
	case uint8:
		return v, true
	}
	return 0, false
}

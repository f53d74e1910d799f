package pionengine

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/huddle/internal/media"
)

// parseFmtp turns "a=1;b=x" into {"a": 1, "b": "x"}. Numeric values are
// float64 so they compare equal to values decoded from JSON.
func parseFmtp(line string) map[string]any {
	if line == "" {
		return nil
	}
	out := make(map[string]any)
	for _, part := range strings.Split(line, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || key == "" {
			continue
		}
		if n, err := strconv.ParseFloat(value, 64); err == nil {
			out[key] = n
		} else {
			out[key] = value
		}
	}
	return out
}

// formatFmtp is the inverse of parseFmtp, with keys sorted.
func formatFmtp(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		switch v := params[k].(type) {
		case float64:
			parts = append(parts, k+"="+strconv.FormatFloat(v, 'f', -1, 64))
		default:
			parts = append(parts, fmt.Sprintf("%s=%v", k, v))
		}
	}
	return strings.Join(parts, ";")
}

func toPionFeedback(in []media.RTCPFeedback) []webrtc.RTCPFeedback {
	if len(in) == 0 {
		return nil
	}
	out := make([]webrtc.RTCPFeedback, len(in))
	for i, fb := range in {
		out[i] = webrtc.RTCPFeedback{Type: fb.Type, Parameter: fb.Parameter}
	}
	return out
}

func fromPionFeedback(in []webrtc.RTCPFeedback) []media.RTCPFeedback {
	if len(in) == 0 {
		return nil
	}
	out := make([]media.RTCPFeedback, len(in))
	for i, fb := range in {
		out[i] = media.RTCPFeedback{Type: fb.Type, Parameter: fb.Parameter}
	}
	return out
}

func toPionICEParameters(p media.ICEParameters) webrtc.ICEParameters {
	return webrtc.ICEParameters{
		UsernameFragment: p.UsernameFragment,
		Password:         p.Password,
		ICELite:          p.ICELite,
	}
}

func toPionCandidates(in []media.ICECandidate) ([]webrtc.ICECandidate, error) {
	out := make([]webrtc.ICECandidate, 0, len(in))
	for _, c := range in {
		protocol, err := webrtc.NewICEProtocol(c.Protocol)
		if err != nil {
			return nil, fmt.Errorf("candidate %s: %w", c.Foundation, err)
		}
		typ, err := webrtc.NewICECandidateType(c.Type)
		if err != nil {
			return nil, fmt.Errorf("candidate %s: %w", c.Foundation, err)
		}
		out = append(out, webrtc.ICECandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			Address:    c.Address,
			Protocol:   protocol,
			Port:       c.Port,
			Typ:        typ,
			Component:  1,
			TCPType:    c.TCPType,
		})
	}
	return out, nil
}

func toPionDTLS(p media.DTLSParameters, role webrtc.DTLSRole) webrtc.DTLSParameters {
	out := webrtc.DTLSParameters{Role: role}
	for _, fp := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, webrtc.DTLSFingerprint{Algorithm: fp.Algorithm, Value: fp.Value})
	}
	return out
}

func fromPionDTLS(p webrtc.DTLSParameters, role string) media.DTLSParameters {
	out := media.DTLSParameters{Role: role}
	for _, fp := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, media.DTLSFingerprint{Algorithm: fp.Algorithm, Value: fp.Value})
	}
	return out
}

func toPionKind(k media.Kind) (webrtc.RTPCodecType, error) {
	switch k {
	case media.KindVideo:
		return webrtc.RTPCodecTypeVideo, nil
	case media.KindAudio:
		return webrtc.RTPCodecTypeAudio, nil
	}
	return 0, fmt.Errorf("unknown media kind %q", k)
}

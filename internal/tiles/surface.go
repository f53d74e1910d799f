package tiles

import (
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"

	"github.com/1ureka/huddle/internal/media"
	"github.com/1ureka/huddle/internal/util"
)

var log = util.Component("tiles")

// Surface is the render target of one participant. It either pumps a remote
// RTP track or holds the latest snapshot frame.
type Surface struct {
	Identity string
	Label    string

	packets   atomic.Int64
	bytes     atomic.Int64
	keyframes atomic.Int64

	mu       sync.Mutex
	track    media.RemoteTrack
	frame    []byte
	detached bool
}

// SurfaceStats is a point-in-time view of a surface's media counters.
type SurfaceStats struct {
	Packets   int64
	Bytes     int64
	Keyframes int64
}

func newSurface(identity, label string) *Surface {
	return &Surface{Identity: identity, Label: label}
}

// Attach starts reading track. Packets are counted until the track ends or
// the surface is removed. Attaching a new track replaces the previous one.
func (s *Surface) Attach(track media.RemoteTrack) {
	s.mu.Lock()
	if s.detached {
		s.mu.Unlock()
		return
	}
	s.track = track
	s.mu.Unlock()

	go s.pump(track)
}

// Track returns the currently attached track.
func (s *Surface) Track() media.RemoteTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

// SetFrame stores an encoded still frame.
func (s *Surface) SetFrame(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.detached {
		s.frame = frame
	}
}

// Frame returns the last stored still frame.
func (s *Surface) Frame() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame
}

// Stats returns the surface's media counters.
func (s *Surface) Stats() SurfaceStats {
	return SurfaceStats{
		Packets:   s.packets.Load(),
		Bytes:     s.bytes.Load(),
		Keyframes: s.keyframes.Load(),
	}
}

func (s *Surface) current(track media.RemoteTrack) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.detached && s.track == track
}

func (s *Surface) detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detached = true
	s.track = nil
	s.frame = nil
}

func (s *Surface) pump(track media.RemoteTrack) {
	for {
		pkt, err := track.ReadRTP()
		if err != nil {
			log.Debug("track %s for %s ended: %v", track.ID(), s.Identity, err)
			return
		}
		if !s.current(track) {
			return
		}
		s.count(pkt)
	}
}

func (s *Surface) count(pkt *rtp.Packet) {
	s.packets.Add(1)
	s.bytes.Add(int64(len(pkt.Payload)))
	util.Stats.AddMediaBytes(len(pkt.Payload))
	if isVP8Keyframe(pkt.Payload) {
		s.keyframes.Add(1)
	}
}

// isVP8Keyframe reports whether payload starts a VP8 key frame: the first
// packet of partition 0 with the inverse key frame bit cleared.
func isVP8Keyframe(payload []byte) bool {
	var vp8 codecs.VP8Packet
	frame, err := vp8.Unmarshal(payload)
	if err != nil || len(frame) == 0 {
		return false
	}
	return vp8.S == 1 && vp8.PID == 0 && frame[0]&0x01 == 0
}

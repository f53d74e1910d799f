// Package snapshot implements the fallback video path: periodic JPEG frames
// sent as data URLs over the signaling channel and shown on the sender's tile.
package snapshot

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"strings"
	"time"

	"github.com/1ureka/huddle/internal/signaling"
	"github.com/1ureka/huddle/internal/tiles"
	"github.com/1ureka/huddle/internal/util"
)

const (
	DefaultInterval = 300 * time.Millisecond
	DefaultQuality  = 60

	dataURLPrefix = "data:image/jpeg;base64,"
)

var (
	// ErrEmptyFrame is returned for frames with zero width or height.
	ErrEmptyFrame = errors.New("empty frame")
	// ErrNotJPEGDataURL is returned for image payloads in any other format.
	ErrNotJPEGDataURL = errors.New("not a JPEG data URL")
)

var log = util.Component("snapshot")

type imagePayload struct {
	ID   string `json:"id"`
	Data string `json:"data"`
}

// Sender is the outbound half of the signaling channel.
type Sender interface {
	Send(msg signaling.Message) error
}

// FrameSource yields the current camera frame.
type FrameSource interface {
	Frame() (image.Image, error)
}

// Encode compresses img as a JPEG data URL.
func Encode(img image.Image, quality int) (string, error) {
	if img == nil || img.Bounds().Empty() {
		return "", ErrEmptyFrame
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return "", fmt.Errorf("encode frame: %w", err)
	}
	return dataURLPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Decode extracts and validates the JPEG bytes of a data URL.
func Decode(dataURL string) ([]byte, error) {
	encoded, ok := strings.CutPrefix(dataURL, dataURLPrefix)
	if !ok {
		return nil, ErrNotJPEGDataURL
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotJPEGDataURL, err)
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotJPEGDataURL, err)
	}
	if cfg.Width == 0 || cfg.Height == 0 {
		return nil, ErrEmptyFrame
	}
	return raw, nil
}

// Broadcaster sends a frame every interval until its context ends.
type Broadcaster struct {
	Self     string
	Sender   Sender
	Source   FrameSource
	Interval time.Duration
	Quality  int
}

// Run blocks until ctx is cancelled. Empty frames are skipped.
func (b *Broadcaster) Run(ctx context.Context) error {
	interval := b.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := b.SendFrame(); err != nil {
				if errors.Is(err, ErrEmptyFrame) {
					continue
				}
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// SendFrame grabs, encodes and sends one frame.
func (b *Broadcaster) SendFrame() error {
	img, err := b.Source.Frame()
	if err != nil {
		return fmt.Errorf("grab frame: %w", err)
	}

	quality := b.Quality
	if quality <= 0 {
		quality = DefaultQuality
	}
	data, err := Encode(img, quality)
	if err != nil {
		return err
	}

	msg, err := signaling.New(signaling.MsgTypeImage, imagePayload{ID: b.Self, Data: data})
	if err != nil {
		return err
	}
	if err := b.Sender.Send(msg); err != nil {
		if errors.Is(err, signaling.ErrClosed) {
			return err
		}
		log.Warn("send frame: %v", err)
	}
	return nil
}

// Receiver shows inbound frames on their sender's tile.
type Receiver struct {
	Self     string
	Registry *tiles.Registry
}

// Handle consumes an image message. Frames from the local participant and
// frames that fail to decode are ignored.
func (r *Receiver) Handle(msg signaling.Message) bool {
	if msg.Type != signaling.MsgTypeImage {
		return false
	}

	var p imagePayload
	if err := msg.Decode(&p); err != nil {
		log.Warn("bad image message: %v", err)
		return false
	}
	if p.ID == "" {
		p.ID = msg.From
	}
	if p.ID == "" || p.ID == r.Self {
		return false
	}

	frame, err := Decode(p.Data)
	if err != nil {
		log.Debug("skipping frame from %s: %v", p.ID, err)
		return false
	}

	r.Registry.Ensure(p.ID, p.ID).SetFrame(frame)
	util.Stats.AddMediaBytes(len(frame))
	return true
}

// TestPattern is a FrameSource drawing a moving gradient. It stands in for a
// camera when none is configured.
type TestPattern struct {
	Width, Height int
	frame         int
}

func (p *TestPattern) Frame() (image.Image, error) {
	img := image.NewRGBA(image.Rect(0, 0, p.Width, p.Height))
	shift := p.frame * 4
	p.frame++
	for y := 0; y < p.Height; y++ {
		for x := 0; x < p.Width; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8((x + shift) % 256),
				G: uint8((y + shift) % 256),
				B: uint8((x + y) % 256),
				A: 255,
			})
		}
	}
	return img, nil
}

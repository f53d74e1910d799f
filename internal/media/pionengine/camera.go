package pionengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"

	"github.com/1ureka/huddle/internal/media"
)

// ErrUnsupportedFile is returned for IVF files whose codec has no local codec.
var ErrUnsupportedFile = errors.New("unsupported IVF codec")

const defaultFrameDuration = time.Second / 30

// Track is a local video track fed by a sample writer.
type Track struct {
	sample *webrtc.TrackLocalStaticSample
	kind   media.Kind
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

var _ media.LocalTrack = (*Track)(nil)

func (t *Track) TrackID() string       { return t.sample.ID() }
func (t *Track) MediaKind() media.Kind { return t.kind }

// Stop ends the sample writer and waits for it to exit.
func (t *Track) Stop() error {
	t.once.Do(func() {
		t.cancel()
		<-t.done
	})
	return nil
}

// FileCamera plays an IVF file in a loop as the local camera.
type FileCamera struct {
	Path string
}

var _ media.Camera = (*FileCamera)(nil)

// Acquire opens the file and starts writing its frames at the file's frame
// rate. The file restarts from the beginning at EOF.
func (c *FileCamera) Acquire(ctx context.Context) (media.LocalTrack, error) {
	f, err := os.Open(c.Path)
	if err != nil {
		return nil, fmt.Errorf("open camera file: %w", err)
	}

	reader, header, err := ivfreader.NewWith(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read IVF header: %w", err)
	}

	mime, err := mimeForFourCC(header.FourCC)
	if err != nil {
		f.Close()
		return nil, err
	}

	sample, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: mime, ClockRate: 90000},
		"camera-"+uuid.NewString()[:8], "huddle",
	)
	if err != nil {
		f.Close()
		return nil, err
	}

	trackCtx, cancel := context.WithCancel(ctx)
	t := &Track{sample: sample, kind: media.KindVideo, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(t.done)
		defer f.Close()
		pump(trackCtx, f, reader, sample, frameDuration(header))
	}()

	return t, nil
}

func pump(ctx context.Context, f *os.File, reader *ivfreader.IVFReader, sample *webrtc.TrackLocalStaticSample, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			frame, _, err := reader.ParseNextFrame()
			if errors.Is(err, io.EOF) {
				if _, err := f.Seek(0, io.SeekStart); err != nil {
					log.Error("rewind camera file: %v", err)
					return
				}
				if reader, _, err = ivfreader.NewWith(f); err != nil {
					log.Error("re-read IVF header: %v", err)
					return
				}
				continue
			}
			if err != nil {
				log.Error("read camera frame: %v", err)
				return
			}
			if err := sample.WriteSample(pmedia.Sample{Data: frame, Duration: interval}); err != nil {
				log.Debug("write camera sample: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func frameDuration(h *ivfreader.IVFFileHeader) time.Duration {
	if h.TimebaseDenominator == 0 || h.TimebaseNumerator == 0 {
		return defaultFrameDuration
	}
	return time.Duration(h.TimebaseNumerator) * time.Second / time.Duration(h.TimebaseDenominator)
}

func mimeForFourCC(fourCC string) (string, error) {
	switch strings.ToUpper(fourCC) {
	case "VP80":
		return webrtc.MimeTypeVP8, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedFile, fourCC)
}

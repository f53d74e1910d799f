package pionengine

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/huddle/internal/media"
)

// ErrNotLoaded is returned when transports are requested before Load.
var ErrNotLoaded = errors.New("device not loaded")

// Device implements media.Device.
type Device struct {
	engine *Engine

	mu     sync.RWMutex
	loaded bool
	caps   media.RTPCapabilities
	api    *webrtc.API
}

var _ media.Device = (*Device)(nil)

// Load intersects the engine's codecs with the router's. It fails with
// media.ErrIncompatibleCapabilities when nothing is shared.
func (d *Device) Load(router media.RTPCapabilities) error {
	caps, err := media.Intersect(d.engine.local, router)
	if err != nil {
		return err
	}
	api, err := apiFor(caps)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.caps = caps
	d.api = api
	d.loaded = true
	return nil
}

func (d *Device) Loaded() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.loaded
}

// RTPCapabilities returns the negotiated capability set.
func (d *Device) RTPCapabilities() media.RTPCapabilities {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.caps
}

func (d *Device) CanProduce(kind media.Kind) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.loaded && media.HasKind(d.caps, kind)
}

func (d *Device) CreateSendTransport(opts media.TransportOptions, h media.TransportHandler) (media.SendTransport, error) {
	t, err := d.newTransport(opts, h)
	if err != nil {
		return nil, err
	}
	return &sendTransport{transport: t}, nil
}

func (d *Device) CreateRecvTransport(opts media.TransportOptions, h media.TransportHandler) (media.RecvTransport, error) {
	t, err := d.newTransport(opts, h)
	if err != nil {
		return nil, err
	}
	return &recvTransport{transport: t}, nil
}

func (d *Device) newTransport(opts media.TransportOptions, h media.TransportHandler) (*transport, error) {
	d.mu.RLock()
	loaded, caps, api := d.loaded, d.caps, d.api
	d.mu.RUnlock()

	if !loaded {
		return nil, ErrNotLoaded
	}
	return newTransport(api, d.engine.iceServers, caps, opts, h)
}

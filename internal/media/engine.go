package media

import (
	"context"
	"sync"

	"github.com/pion/rtp"
)

// Device holds the local capability set once loaded against a router and
// creates transports. Implementations are provided by an engine package.
type Device interface {
	Load(router RTPCapabilities) error
	Loaded() bool
	RTPCapabilities() RTPCapabilities
	CanProduce(kind Kind) bool
	CreateSendTransport(opts TransportOptions, h TransportHandler) (SendTransport, error)
	CreateRecvTransport(opts TransportOptions, h TransportHandler) (RecvTransport, error)
}

// TransportHandler holds the callback slots a transport invokes when it needs
// the signaling side. Connect is invoked exactly once per transport, before its
// first produce or consume; Produce once per published track and returns the
// server-assigned producer id.
type TransportHandler interface {
	Connect(ctx context.Context, transportID string, dtls DTLSParameters) error
	Produce(ctx context.Context, transportID string, kind Kind, params RTPParameters) (string, error)
}

// SendTransport publishes local tracks.
type SendTransport interface {
	ID() string
	Produce(ctx context.Context, track LocalTrack, encodings []RTPEncodingParameters) (Producer, error)
	Close() error
}

// RecvTransport receives remote producers.
type RecvTransport interface {
	ID() string
	Consume(ctx context.Context, opts ConsumerOptions) (Consumer, error)
	Close() error
}

// Producer is a local track published to the router.
type Producer interface {
	ID() string
	Kind() Kind
	Close() error
}

// Consumer is a local subscription to a remote producer.
type Consumer interface {
	ID() string
	ProducerID() string
	Kind() Kind
	Track() RemoteTrack
	Close() error
}

// LocalTrack is a captured track that can be produced.
type LocalTrack interface {
	TrackID() string
	MediaKind() Kind
	Stop() error
}

// RemoteTrack is the receiving end of a consumer.
type RemoteTrack interface {
	ID() string
	ReadRTP() (*rtp.Packet, error)
}

// Camera acquires the local video track.
type Camera interface {
	Acquire(ctx context.Context) (LocalTrack, error)
}

// ConnectGate runs a transport's connect step at most once. Callers racing on
// Ensure all observe the result of the single run.
type ConnectGate struct {
	once sync.Once
	err  error
}

// Ensure runs fn on the first call and returns its error on every call.
func (g *ConnectGate) Ensure(ctx context.Context, fn func(context.Context) error) error {
	g.once.Do(func() { g.err = fn(ctx) })
	return g.err
}

package ports

import (
	"context"

	"livebid/internal/core/domain"
)

// LocalTrack is a captured track ready to be published.
type LocalTrack interface {
	ID() string
	Kind() domain.MediaKind
	Stop() error
}

// MediaSource acquires local capture. Failures must be MediaAcquisitionError.
type MediaSource interface {
	Acquire(ctx context.Context) ([]LocalTrack, error)
}

// TransportHandler is called back by a device transport on first use.
type TransportHandler interface {
	// OnConnect delivers the local DTLS parameters once, before the first produce/consume.
	OnConnect(ctx context.Context, id domain.TransportID, dtls domain.DTLSParameters) error
	// OnProduce asks the server for a producer id.
	OnProduce(ctx context.Context, id domain.TransportID, kind domain.MediaKind, params domain.RTPParameters) (domain.ProducerID, error)
}

// Device loads router capabilities and builds transports.
type Device interface {
	Load(caps domain.RTPCapabilities) error
	Loaded() bool
	RTPCapabilities() domain.RTPCapabilities
	CanProduce(kind domain.MediaKind) bool
	CreateSendTransport(opts domain.TransportOptions, h TransportHandler) (SendTransport, error)
	CreateRecvTransport(opts domain.TransportOptions, h TransportHandler) (RecvTransport, error)
}

type Transport interface {
	ID() domain.TransportID
	Direction() domain.TransportDirection
	DTLSState() string
	ConnectionState() string
	Close() error
	Closed() bool
}

// ProduceOptions carries everything the device needs to publish one track.
type ProduceOptions struct {
	Track        LocalTrack
	Encodings    []domain.EncodingLayer
	CodecOptions domain.CodecOptions
}

type SendTransport interface {
	Transport
	Produce(ctx context.Context, opts ProduceOptions) (Producer, error)
}

type RecvTransport interface {
	Transport
	Consume(ctx context.Context, opts domain.ConsumeOptions) (Consumer, error)
}

type Producer interface {
	ID() domain.ProducerID
	Kind() domain.MediaKind
	Close() error
	Closed() bool
}

type Consumer interface {
	ID() domain.ConsumerID
	ProducerID() domain.ProducerID
	Kind() domain.MediaKind
	Paused() bool
	Resume() error
	Close() error
	// Done is closed when the consumer, its producer or its transport closes.
	Done() <-chan struct{}
	Stats(ctx context.Context) (domain.ConsumerStats, error)
}

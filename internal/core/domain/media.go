package domain

import "encoding/json"

type PeerID string
type TransportID string
type ProducerID string
type ConsumerID string

type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

type TransportDirection string

const (
	DirectionSend TransportDirection = "send"
	DirectionRecv TransportDirection = "recv"
)

type TrackState string

const (
	TrackPaused TrackState = "paused"
	TrackLive   TrackState = "live"
	TrackEnded  TrackState = "ended"
)

// RTPCodec is one codec entry of a router or device capability set.
type RTPCodec struct {
	Kind                 MediaKind              `json:"kind"`
	MimeType             string                 `json:"mimeType"`
	PreferredPayloadType uint8                  `json:"preferredPayloadType,omitempty"`
	PayloadType          uint8                  `json:"payloadType,omitempty"`
	ClockRate            uint32                 `json:"clockRate"`
	Channels             uint16                 `json:"channels,omitempty"`
	Parameters           map[string]interface{} `json:"parameters,omitempty"`
}

type RTPHeaderExtension struct {
	Kind        MediaKind `json:"kind,omitempty"`
	URI         string    `json:"uri"`
	PreferredID int       `json:"preferredId,omitempty"`
	ID          int       `json:"id,omitempty"`
}

// RTPCapabilities is what get_capabilities returns and what the device loads.
type RTPCapabilities struct {
	Codecs           []RTPCodec           `json:"codecs"`
	HeaderExtensions []RTPHeaderExtension `json:"headerExtensions,omitempty"`
}

type ICEParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	ICELite          bool   `json:"iceLite,omitempty"`
}

type ICECandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
}

type DTLSFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

type DTLSParameters struct {
	Role         string            `json:"role,omitempty"`
	Fingerprints []DTLSFingerprint `json:"fingerprints"`
}

// TransportOptions is the server's answer to create_transport.
type TransportOptions struct {
	ID             TransportID    `json:"id"`
	ICEParameters  ICEParameters  `json:"iceParameters"`
	ICECandidates  []ICECandidate `json:"iceCandidates"`
	DTLSParameters DTLSParameters `json:"dtlsParameters"`
}

// EncodingLayer is one simulcast layer of a video producer.
type EncodingLayer struct {
	RID                   string  `json:"rid,omitempty"`
	SSRC                  uint32  `json:"ssrc,omitempty"`
	MaxBitrate            int     `json:"maxBitrate"`
	ScaleResolutionDownBy float64 `json:"scaleResolutionDownBy,omitempty"`
}

// CodecOptions are publishing hints sent with create_producer.
type CodecOptions struct {
	OpusStereo              bool `json:"opusStereo,omitempty"`
	OpusFEC                 bool `json:"opusFec,omitempty"`
	OpusDTX                 bool `json:"opusDtx,omitempty"`
	VideoGoogleStartBitrate int  `json:"videoGoogleStartBitrate,omitempty"`
	VideoGoogleMinBitrate   int  `json:"videoGoogleMinBitrate,omitempty"`
	VideoGoogleMaxBitrate   int  `json:"videoGoogleMaxBitrate,omitempty"`
}

type RTPParameters struct {
	MID       string          `json:"mid,omitempty"`
	Codecs    []RTPCodec      `json:"codecs"`
	Encodings []EncodingLayer `json:"encodings,omitempty"`
}

// Transport is the controller's view of one negotiated transport.
type Transport struct {
	ID              TransportID        `json:"id"`
	Direction       TransportDirection `json:"direction"`
	DTLSState       string             `json:"dtlsState"`
	ConnectionState string             `json:"connectionState"`
}

type Producer struct {
	ID             ProducerID      `json:"id"`
	Kind           MediaKind       `json:"kind"`
	TransportID    TransportID     `json:"transportId"`
	EncodingLayers []EncodingLayer `json:"encodingLayers,omitempty"`
}

type Consumer struct {
	ID         ConsumerID `json:"id"`
	ProducerID ProducerID `json:"producerId"`
	Kind       MediaKind  `json:"kind"`
	TrackState TrackState `json:"trackState"`
}

// RemoteProducer is the payload of NEW_PRODUCER and PRODUCER_CLOSED.
type RemoteProducer struct {
	SessionID  SessionID  `json:"sessionId"`
	PeerID     PeerID     `json:"peerId"`
	ProducerID ProducerID `json:"producerId"`
	Kind       MediaKind  `json:"kind"`
}

// ConsumeOptions is the server's answer to create_consumer.
type ConsumeOptions struct {
	ID            ConsumerID      `json:"id"`
	ProducerID    ProducerID      `json:"producerId"`
	Kind          MediaKind       `json:"kind"`
	RTPParameters json.RawMessage `json:"rtpParameters"`
}

// ConsumerStats is one quality sample of a receiving track.
type ConsumerStats struct {
	PacketLoss  float64 `json:"packetLoss"` // fraction 0..1
	JitterMs    float64 `json:"jitterMs"`
	BitrateKbps float64 `json:"bitrateKbps"`
}

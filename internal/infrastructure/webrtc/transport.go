package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"livebid/internal/core/domain"
	"livebid/internal/core/ports"
	apperrors "livebid/pkg/errors"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// rtpTrack is a local track that pion can send.
type rtpTrack interface {
	ports.LocalTrack
	TrackLocal() webrtc.TrackLocal
}

type transport struct {
	id        domain.TransportID
	direction domain.TransportDirection
	device    *Device
	handler   ports.TransportHandler
	api       *webrtc.API

	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport

	remoteICE        webrtc.ICEParameters
	remoteCandidates []webrtc.ICECandidate
	remoteDTLS       webrtc.DTLSParameters

	connectMu sync.Mutex
	signalled bool
	connected bool

	closeOnce sync.Once
	closed    chan struct{}

	logger *zap.SugaredLogger
}

func (t *transport) ID() domain.TransportID               { return t.id }
func (t *transport) Direction() domain.TransportDirection { return t.direction }
func (t *transport) DTLSState() string                    { return t.dtls.State().String() }
func (t *transport) ConnectionState() string              { return t.ice.State().String() }

func (t *transport) Closed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

func (t *transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		err = errors.Join(t.dtls.Stop(), t.ice.Stop(), t.gatherer.Close())
		t.logger.Debugw("transport closed")
	})
	return err
}

// connect runs on first produce/consume: the local DTLS parameters go to the
// server once, then ICE and DTLS are started against the remote side.
func (t *transport) connect(ctx context.Context) error {
	t.connectMu.Lock()
	defer t.connectMu.Unlock()

	if t.connected {
		return nil
	}
	if t.Closed() {
		return apperrors.NewInvalidStateError("transport closed")
	}

	if !t.signalled {
		local, err := t.dtls.GetLocalParameters()
		if err != nil {
			return apperrors.NewTransportNegotiationError("local DTLS parameters", err)
		}
		if err := t.handler.OnConnect(ctx, t.id, fromDTLSParameters(local, "client")); err != nil {
			return err
		}
		t.signalled = true
	}

	done := make(chan error, 1)
	go func() { done <- t.start() }()

	select {
	case err := <-done:
		if err != nil {
			return apperrors.NewTransportNegotiationError("start transport", err)
		}
	case <-ctx.Done():
		return apperrors.NewTransportNegotiationError("start transport", ctx.Err())
	case <-t.closed:
		return apperrors.NewInvalidStateError("transport closed")
	}

	t.connected = true
	t.logger.Infow("transport connected", "dtls_state", t.DTLSState())
	return nil
}

func (t *transport) start() error {
	if err := t.ice.SetRemoteCandidates(t.remoteCandidates); err != nil {
		return err
	}
	role := webrtc.ICERoleControlling
	if err := t.ice.Start(nil, t.remoteICE, &role); err != nil {
		return err
	}
	remote := t.remoteDTLS
	if remote.Role == webrtc.DTLSRoleAuto {
		remote.Role = webrtc.DTLSRoleServer
	}
	return t.dtls.Start(remote)
}

// SendTransport publishes local tracks through RTPSenders.
type SendTransport struct {
	*transport
}

func (t *SendTransport) Produce(ctx context.Context, opts ports.ProduceOptions) (ports.Producer, error) {
	track, ok := opts.Track.(rtpTrack)
	if !ok {
		return nil, apperrors.NewInvalidInputError("track has no RTP source")
	}
	kind := track.Kind()

	if err := t.connect(ctx); err != nil {
		return nil, err
	}

	sender, err := t.api.NewRTPSender(track.TrackLocal(), t.dtls)
	if err != nil {
		return nil, apperrors.NewTransportNegotiationError("rtp sender", err)
	}
	params := sender.GetParameters()

	rtpParams := domain.RTPParameters{MID: track.ID()}
	for _, c := range params.Codecs {
		rtpParams.Codecs = append(rtpParams.Codecs, fromCodecParameters(kind, c))
	}
	var ssrc uint32
	if len(params.Encodings) > 0 {
		ssrc = uint32(params.Encodings[0].SSRC)
	}
	// The ingest sends one encoding; the rest of the ladder describes the
	// layers the router may ask for.
	if len(opts.Encodings) > 0 {
		rtpParams.Encodings = append([]domain.EncodingLayer(nil), opts.Encodings...)
		rtpParams.Encodings[0].SSRC = ssrc
	} else {
		rtpParams.Encodings = []domain.EncodingLayer{{SSRC: ssrc}}
	}

	id, err := t.handler.OnProduce(ctx, t.id, kind, rtpParams)
	if err != nil {
		sender.Stop()
		return nil, err
	}
	if err := sender.Send(params); err != nil {
		sender.Stop()
		return nil, apperrors.NewTransportNegotiationError("start sending", err)
	}

	p := &producer{id: id, kind: kind, sender: sender, closed: make(chan struct{}), transport: t.transport}
	go p.readRTCP(t.logger.With("producer_id", id))
	t.logger.Infow("producing", "producer_id", id, "kind", kind, "ssrc", ssrc)
	return p, nil
}

type producer struct {
	id        domain.ProducerID
	kind      domain.MediaKind
	sender    *webrtc.RTPSender
	transport *transport

	once   sync.Once
	closed chan struct{}
}

func (p *producer) ID() domain.ProducerID  { return p.id }
func (p *producer) Kind() domain.MediaKind { return p.kind }

func (p *producer) Closed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return p.transport.Closed()
	}
}

func (p *producer) Close() error {
	var err error
	p.once.Do(func() {
		close(p.closed)
		err = p.sender.Stop()
	})
	return err
}

// readRTCP keeps the sender's RTCP flowing and logs keyframe requests.
func (p *producer) readRTCP(logger *zap.SugaredLogger) {
	for {
		packets, _, err := p.sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range packets {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				logger.Debugw("keyframe requested")
			}
		}
	}
}

// RecvTransport receives remote producers through RTPReceivers.
type RecvTransport struct {
	*transport
}

func (t *RecvTransport) Consume(ctx context.Context, opts domain.ConsumeOptions) (ports.Consumer, error) {
	var params domain.RTPParameters
	if len(opts.RTPParameters) > 0 {
		if err := json.Unmarshal(opts.RTPParameters, &params); err != nil {
			return nil, apperrors.NewTransportNegotiationError("consumer rtpParameters", err)
		}
	}

	codec, ok := domain.RTPCodec{}, false
	if len(params.Codecs) > 0 {
		codec, ok = params.Codecs[0], true
	} else {
		codec, ok = t.device.codecFor(opts.Kind)
	}
	if !ok {
		return nil, apperrors.NewTransportNegotiationError("no codec for "+string(opts.Kind), nil)
	}
	if len(params.Encodings) == 0 || params.Encodings[0].SSRC == 0 {
		return nil, apperrors.NewTransportNegotiationError("consumer without ssrc", nil)
	}
	ssrc := params.Encodings[0].SSRC

	if err := t.connect(ctx); err != nil {
		return nil, err
	}

	receiver, err := t.api.NewRTPReceiver(codecType(opts.Kind), t.dtls)
	if err != nil {
		return nil, apperrors.NewTransportNegotiationError("rtp receiver", err)
	}
	err = receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        webrtc.SSRC(ssrc),
				PayloadType: webrtc.PayloadType(payloadType(codec)),
			},
		}},
	})
	if err != nil {
		receiver.Stop()
		return nil, apperrors.NewTransportNegotiationError("start receiving", err)
	}

	c := &consumer{
		id:         opts.ID,
		producerID: opts.ProducerID,
		kind:       opts.Kind,
		ssrc:       ssrc,
		mimeType:   codec.MimeType,
		receiver:   receiver,
		transport:  t.transport,
		stats:      newRTPStats(codec.ClockRate),
		paused:     true,
		done:       make(chan struct{}),
		logger:     t.logger.With("consumer_id", opts.ID),
	}
	go c.readRTP()
	go c.drainRTCP()
	go func() {
		select {
		case <-t.closed:
			c.Close()
		case <-c.done:
		}
	}()

	t.logger.Infow("consuming", "consumer_id", c.id, "producer_id", c.producerID, "kind", c.kind, "ssrc", ssrc)
	return c, nil
}

type consumer struct {
	id         domain.ConsumerID
	producerID domain.ProducerID
	kind       domain.MediaKind
	ssrc       uint32
	mimeType   string
	receiver   *webrtc.RTPReceiver
	transport  *transport
	stats      *rtpStats

	mu          sync.Mutex
	paused      bool
	keyframesAt uint64

	once   sync.Once
	done   chan struct{}
	logger *zap.SugaredLogger
}

func (c *consumer) ID() domain.ConsumerID         { return c.id }
func (c *consumer) ProducerID() domain.ProducerID { return c.producerID }
func (c *consumer) Kind() domain.MediaKind        { return c.kind }
func (c *consumer) Done() <-chan struct{}         { return c.done }

func (c *consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Resume starts counting packets and asks the sender for a keyframe.
func (c *consumer) Resume() error {
	c.mu.Lock()
	c.paused = false
	c.keyframesAt = c.stats.keyframeCount()
	c.mu.Unlock()

	if c.kind == domain.KindVideo {
		return c.requestKeyframe()
	}
	return nil
}

func (c *consumer) requestKeyframe() error {
	_, err := c.transport.dtls.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: c.ssrc}})
	return err
}

func (c *consumer) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.receiver.Stop()
	})
	return err
}

// Stats samples the receive stats of the last interval. A video consumer
// still waiting for its first keyframe after resume asks again.
func (c *consumer) Stats(ctx context.Context) (domain.ConsumerStats, error) {
	select {
	case <-c.done:
		return domain.ConsumerStats{}, apperrors.NewInvalidStateError("consumer closed")
	default:
	}

	c.mu.Lock()
	waiting := !c.paused && c.kind == domain.KindVideo && c.stats.keyframeCount() == c.keyframesAt
	c.mu.Unlock()
	if waiting {
		if err := c.requestKeyframe(); err != nil {
			c.logger.Debugw("keyframe request failed", "error", err)
		}
	}
	return c.stats.sample(time.Now()), nil
}

func (c *consumer) readRTP() {
	defer c.Close()

	track := c.receiver.Track()
	if track == nil {
		return
	}
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		if c.Paused() {
			continue
		}
		keyframe := c.kind == domain.KindVideo && isKeyframe(c.mimeType, pkt.Payload)
		c.stats.observe(pkt, time.Now(), keyframe)
	}
}

func (c *consumer) drainRTCP() {
	for {
		if _, _, err := c.receiver.ReadRTCP(); err != nil {
			return
		}
	}
}

var (
	_ ports.Device        = (*Device)(nil)
	_ ports.SendTransport = (*SendTransport)(nil)
	_ ports.RecvTransport = (*RecvTransport)(nil)
	_ ports.Producer      = (*producer)(nil)
	_ ports.Consumer      = (*consumer)(nil)
)

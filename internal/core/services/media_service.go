package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"livebid/internal/core/domain"
	"livebid/internal/core/events"
	"livebid/internal/core/ports"
	apperrors "livebid/pkg/errors"
	"livebid/pkg/eventbus"
	"livebid/pkg/retry"
	"livebid/pkg/tracing"

	"github.com/looplab/fsm"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Media controller states.
const (
	StateIdle                 = "idle"
	StateInitializing         = "initializing"
	StateTransportsCreating   = "transports-creating"
	StateTransportsConnecting = "transports-connecting"
	StateTransportsReady      = "transports-ready"
	StateProducing            = "producing"
	StateReady                = "ready"
)

const (
	evInitialize        = "initialize"
	evCreateTransports  = "create_transports"
	evConnectTransports = "connect_transports"
	evTransportsReady   = "transports_ready"
	evProduce           = "produce"
	evReady             = "ready"
	evFail              = "fail"
	evReset             = "reset"
)

// In-flight operation guards.
const (
	opInitialize = "initialize"
	opProduce    = "produce"
	opSwitch     = "switch_device"
)

type MediaConfig struct {
	CapabilityRetries int
	CapabilityBackoff time.Duration
	SampleInterval    time.Duration
}

func DefaultMediaConfig() MediaConfig {
	return MediaConfig{
		CapabilityRetries: 3,
		CapabilityBackoff: time.Second,
		SampleInterval:    5 * time.Second,
	}
}

// MediaMetrics observes the media controller.
type MediaMetrics interface {
	MediaState(state string)
	Producers(n int)
	Consumers(n int)
	LayerRequested(layer int)
}

type nopMediaMetrics struct{}

func (nopMediaMetrics) MediaState(string)  {}
func (nopMediaMetrics) Producers(int)      {}
func (nopMediaMetrics) Consumers(int)      {}
func (nopMediaMetrics) LayerRequested(int) {}

type producerEntry struct {
	producer ports.Producer
	info     domain.Producer
}

type consumerEntry struct {
	consumer  ports.Consumer
	info      domain.Consumer
	cancel    context.CancelFunc
	layer     int
	requested int
}

// MediaService drives SFU negotiation and the producer/consumer lifecycle for
// one session at a time.
type MediaService struct {
	signal  ports.Signaler
	device  ports.Device
	source  ports.MediaSource
	quality *QualityService
	bus     *eventbus.Bus
	logger  *zap.SugaredLogger
	metrics MediaMetrics
	cfg     MediaConfig

	machine *fsm.FSM

	mu        sync.Mutex
	gen       uint64
	sessionID domain.SessionID
	send      ports.SendTransport
	recv      ports.RecvTransport
	producers map[domain.MediaKind]*producerEntry
	consumers map[domain.ProducerID]*consumerEntry
	tracks    []ports.LocalTrack
	awaiting  map[domain.ProducerID]domain.MediaKind
	ops       map[string]bool

	unsubs []eventbus.Unsubscribe
}

func NewMediaService(
	signal ports.Signaler,
	device ports.Device,
	source ports.MediaSource,
	quality *QualityService,
	bus *eventbus.Bus,
	logger *zap.SugaredLogger,
	metrics MediaMetrics,
	cfg MediaConfig,
) *MediaService {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if metrics == nil {
		metrics = nopMediaMetrics{}
	}
	if quality == nil {
		quality = NewQualityService()
	}

	s := &MediaService{
		signal:    signal,
		device:    device,
		source:    source,
		quality:   quality,
		bus:       bus,
		logger:    logger,
		metrics:   metrics,
		cfg:       cfg,
		producers: make(map[domain.MediaKind]*producerEntry),
		consumers: make(map[domain.ProducerID]*consumerEntry),
		awaiting:  make(map[domain.ProducerID]domain.MediaKind),
		ops:       make(map[string]bool),
	}

	negotiating := []string{StateInitializing, StateTransportsCreating, StateTransportsConnecting, StateTransportsReady, StateProducing}
	s.machine = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: evInitialize, Src: []string{StateIdle}, Dst: StateInitializing},
			{Name: evCreateTransports, Src: []string{StateInitializing}, Dst: StateTransportsCreating},
			{Name: evConnectTransports, Src: []string{StateTransportsCreating}, Dst: StateTransportsConnecting},
			{Name: evTransportsReady, Src: []string{StateTransportsConnecting}, Dst: StateTransportsReady},
			{Name: evProduce, Src: []string{StateTransportsReady}, Dst: StateProducing},
			{Name: evReady, Src: []string{StateTransportsReady, StateProducing}, Dst: StateReady},
			{Name: evFail, Src: negotiating, Dst: StateIdle},
			{Name: evReset, Src: append(negotiating, StateReady), Dst: StateIdle},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.logger.Debugw("media state", "from", e.Src, "to", e.Dst, "event", e.Event)
			},
		},
	)
	return s
}

// Start subscribes to remote producer announcements.
func (s *MediaService) Start() {
	s.unsubs = append(s.unsubs,
		eventbus.Subscribe(s.bus, events.Inbound(events.NewProducer), s.onNewProducer),
		eventbus.Subscribe(s.bus, events.Inbound(events.ProducerClosed), s.onProducerClosed),
	)
}

func (s *MediaService) Stop() {
	for _, u := range s.unsubs {
		u()
	}
	s.unsubs = nil
}

func (s *MediaService) State() string {
	return s.machine.Current()
}

func (s *MediaService) begin(op string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ops[op] {
		return false
	}
	s.ops[op] = true
	return true
}

func (s *MediaService) end(op string) {
	s.mu.Lock()
	delete(s.ops, op)
	s.mu.Unlock()
}

func (s *MediaService) generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// step fires event unless a Cleanup ran since gen was taken.
func (s *MediaService) step(ctx context.Context, gen uint64, event string, cause error) error {
	if s.generation() != gen {
		return apperrors.NewInvalidStateError("media session was cleaned up")
	}
	from := s.machine.Current()
	if err := s.machine.Event(ctx, event); err != nil {
		var noTransition fsm.NoTransitionError
		if errors.As(err, &noTransition) {
			return nil
		}
		return apperrors.NewInvalidStateError(fmt.Sprintf("%s from %s: %v", event, from, err))
	}
	s.stateChanged(from, cause)
	return nil
}

func (s *MediaService) stateChanged(from string, cause error) {
	to := s.machine.Current()
	s.metrics.MediaState(to)
	change := events.MediaStateChanged{From: from, To: to}
	if cause != nil {
		change.Err = cause.Error()
	}
	eventbus.Publish(s.bus, events.TopicMediaState, change)
}

// fail returns the controller to idle after a negotiation error and releases
// whatever was created so far.
func (s *MediaService) fail(ctx context.Context, gen uint64, cause error, created ...ports.Transport) error {
	for _, t := range created {
		if t != nil {
			t.Close()
		}
	}
	if s.generation() == gen {
		s.step(ctx, gen, evFail, cause)
	}
	s.logger.Warnw("media initialization failed", "error", cause)
	return cause
}

// Initialize prepares send and receive transports for sessionID and reaches
// ready. Local capture, when configured, is acquired before any state change.
func (s *MediaService) Initialize(ctx context.Context, sessionID domain.SessionID) (err error) {
	ctx, span := tracing.TraceMedia(ctx, "initialize", string(sessionID))
	defer func() { tracing.EndSpan(span, err) }()

	if !s.begin(opInitialize) {
		return domain.ErrOperationInFlight
	}
	defer s.end(opInitialize)

	switch state := s.State(); {
	case state == StateReady && s.currentSession() == sessionID:
		return nil
	case state != StateIdle:
		return apperrors.NewInvalidStateError("media session already initialized").WithContext("state", state)
	}

	gen := s.generation()

	var tracks []ports.LocalTrack
	if s.source != nil {
		tracks, err = s.source.Acquire(ctx)
		if err != nil {
			if !apperrors.HasCode(err, apperrors.ErrCodeMediaAcquisition) {
				err = apperrors.NewMediaAcquisitionError("acquire local media", err)
			}
			s.logger.Warnw("local media unavailable", "session_id", sessionID, "error", err)
			return err
		}
	}
	stopTracks := func() {
		for _, t := range tracks {
			t.Stop()
		}
	}

	if err = s.step(ctx, gen, evInitialize, nil); err != nil {
		stopTracks()
		return err
	}

	caps, err := retry.RetryWithResult(ctx, retry.Config{
		MaxRetries: s.cfg.CapabilityRetries,
		Backoff:    retry.Linear(s.cfg.CapabilityBackoff),
		NonRetryableErrors: []error{
			domain.ErrConnection,
		},
		OnRetry: func(attempt int, err error, delay time.Duration) {
			s.logger.Warnw("retrying get_capabilities", "attempt", attempt, "delay", delay, "error", err)
		},
	}, func(ctx context.Context) (domain.RTPCapabilities, error) {
		var caps domain.RTPCapabilities
		err := s.signal.Request(ctx, events.GetCapabilities, map[string]any{"sessionId": sessionID}, &caps)
		return caps, err
	})
	if err != nil {
		stopTracks()
		return s.fail(ctx, gen, apperrors.NewTransportNegotiationError("fetch router capabilities", err))
	}
	if !s.device.Loaded() {
		if err = s.device.Load(caps); err != nil {
			stopTracks()
			return s.fail(ctx, gen, apperrors.NewTransportNegotiationError("load device capabilities", err))
		}
	}

	if err = s.step(ctx, gen, evCreateTransports, nil); err != nil {
		stopTracks()
		return err
	}

	var send ports.SendTransport
	var recv ports.RecvTransport
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		opts, err := s.requestTransport(gctx, sessionID, domain.DirectionSend)
		if err != nil {
			return err
		}
		send, err = s.device.CreateSendTransport(opts, &transportHandler{s: s, sessionID: sessionID, direction: domain.DirectionSend})
		return err
	})
	g.Go(func() error {
		opts, err := s.requestTransport(gctx, sessionID, domain.DirectionRecv)
		if err != nil {
			return err
		}
		recv, err = s.device.CreateRecvTransport(opts, &transportHandler{s: s, sessionID: sessionID, direction: domain.DirectionRecv})
		return err
	})
	if err = g.Wait(); err != nil {
		stopTracks()
		if !apperrors.HasCode(err, apperrors.ErrCodeTransportNegotiation) {
			err = apperrors.NewTransportNegotiationError("create transports", err)
		}
		return s.fail(ctx, gen, err, asTransport(send), asTransport(recv))
	}

	// DTLS is not awaited here; each transport connects on first produce/consume.
	for _, ev := range []string{evConnectTransports, evTransportsReady} {
		if err = s.step(ctx, gen, ev, nil); err != nil {
			stopTracks()
			send.Close()
			recv.Close()
			return err
		}
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		stopTracks()
		send.Close()
		recv.Close()
		return apperrors.NewInvalidStateError("media session was cleaned up")
	}
	s.sessionID = sessionID
	s.send = send
	s.recv = recv
	s.tracks = tracks
	s.mu.Unlock()

	if len(tracks) > 0 {
		if err = s.step(ctx, gen, evProduce, nil); err != nil {
			return err
		}
		for _, t := range tracks {
			if _, perr := s.produce(ctx, gen, t); perr != nil {
				s.logger.Warnw("publishing local track failed", "kind", t.Kind(), "error", perr)
			}
		}
	}
	if err = s.step(ctx, gen, evReady, nil); err != nil {
		return err
	}

	s.logger.Infow("media session ready", "session_id", sessionID, "tracks", len(tracks))
	s.backfill(sessionID)
	return nil
}

// asTransport drops typed nils so callers can range over both directions.
func asTransport[T ports.Transport](t T) ports.Transport {
	if any(t) == nil {
		return nil
	}
	return t
}

func (s *MediaService) requestTransport(ctx context.Context, sessionID domain.SessionID, dir domain.TransportDirection) (domain.TransportOptions, error) {
	var opts domain.TransportOptions
	err := s.signal.Request(ctx, events.CreateTransport, map[string]any{
		"sessionId": sessionID,
		"direction": dir,
	}, &opts)
	if err != nil {
		return opts, apperrors.NewTransportNegotiationError(fmt.Sprintf("create %s transport", dir), err)
	}
	if opts.ID == "" {
		return opts, apperrors.NewTransportNegotiationError(fmt.Sprintf("create %s transport: missing id", dir), nil)
	}
	return opts, nil
}

func (s *MediaService) currentSession() domain.SessionID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// ProduceMedia publishes tracks, at most one producer per kind. An existing
// producer of a kind is returned instead of a second one.
func (s *MediaService) ProduceMedia(ctx context.Context, tracks []ports.LocalTrack) ([]domain.Producer, error) {
	if !s.begin(opProduce) {
		return nil, domain.ErrOperationInFlight
	}
	defer s.end(opProduce)

	if s.State() != StateReady {
		return nil, domain.ErrNotReady
	}
	gen := s.generation()

	var out []domain.Producer
	var errs []error
	for _, t := range tracks {
		p, err := s.produce(ctx, gen, t)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, p)
	}
	return out, errors.Join(errs...)
}

func (s *MediaService) produce(ctx context.Context, gen uint64, track ports.LocalTrack) (domain.Producer, error) {
	kind := track.Kind()
	ctx, span := tracing.TraceMedia(ctx, "produce", string(s.currentSession()))
	var err error
	defer func() { tracing.EndSpan(span, err) }()

	s.mu.Lock()
	if existing, ok := s.producers[kind]; ok {
		s.mu.Unlock()
		return existing.info, nil
	}
	send := s.send
	s.mu.Unlock()
	if send == nil {
		err = domain.ErrNotReady
		return domain.Producer{}, err
	}
	if !s.device.CanProduce(kind) {
		err = apperrors.NewTransportNegotiationError(fmt.Sprintf("device cannot produce %s", kind), nil)
		return domain.Producer{}, err
	}

	opts := ports.ProduceOptions{Track: track, CodecOptions: s.quality.AudioCodecOptions()}
	if kind == domain.KindVideo {
		opts.Encodings = s.quality.SimulcastLadder()
		opts.CodecOptions = s.quality.VideoCodecOptions()
	}

	p, err := send.Produce(ctx, opts)
	if err != nil {
		s.logger.Warnw("produce failed", "kind", kind, "error", err)
		return domain.Producer{}, err
	}

	info := domain.Producer{ID: p.ID(), Kind: kind, TransportID: send.ID(), EncodingLayers: opts.Encodings}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		p.Close()
		err = apperrors.NewInvalidStateError("media session was cleaned up")
		return domain.Producer{}, err
	}
	if existing, ok := s.producers[kind]; ok {
		s.mu.Unlock()
		p.Close()
		return existing.info, nil
	}
	s.producers[kind] = &producerEntry{producer: p, info: info}
	n := len(s.producers)
	s.mu.Unlock()

	s.metrics.Producers(n)
	s.logger.Infow("producer created", "producer_id", info.ID, "kind", kind)
	eventbus.Publish(s.bus, events.TopicProducer, events.ProducerChanged{Producer: info})
	return info, nil
}

// SwitchDevice replaces the producer of the track's kind with one for track.
func (s *MediaService) SwitchDevice(ctx context.Context, track ports.LocalTrack) (domain.Producer, error) {
	if !s.begin(opSwitch) {
		return domain.Producer{}, domain.ErrOperationInFlight
	}
	defer s.end(opSwitch)

	if s.State() != StateReady {
		return domain.Producer{}, domain.ErrNotReady
	}
	gen := s.generation()

	s.mu.Lock()
	old, ok := s.producers[track.Kind()]
	if ok {
		delete(s.producers, track.Kind())
	}
	s.mu.Unlock()
	if ok {
		s.closeProducer(old)
	}

	return s.produce(ctx, gen, track)
}

func (s *MediaService) closeProducer(e *producerEntry) {
	if !e.producer.Closed() {
		if err := e.producer.Close(); err != nil {
			s.logger.Debugw("closing producer", "producer_id", e.info.ID, "error", err)
		}
	}
	s.signal.Emit(events.CloseProducer, map[string]any{"producerId": e.info.ID}, nil)
	eventbus.Publish(s.bus, events.TopicProducer, events.ProducerChanged{Producer: e.info, Closed: true})
}

// ConsumeMedia subscribes to a remote producer. The consumer is created
// paused and resumed once the server confirms; video consumers are sampled
// for layer adaptation.
func (s *MediaService) ConsumeMedia(ctx context.Context, producerID domain.ProducerID, kind domain.MediaKind) (domain.Consumer, error) {
	if s.State() != StateReady {
		return domain.Consumer{}, domain.ErrNotReady
	}

	s.mu.Lock()
	if existing, ok := s.consumers[producerID]; ok {
		s.mu.Unlock()
		return existing.info, nil
	}
	for _, p := range s.producers {
		if p.info.ID == producerID {
			s.mu.Unlock()
			return domain.Consumer{}, apperrors.NewInvalidInputError("cannot consume a local producer")
		}
	}
	recv, sessionID, gen := s.recv, s.sessionID, s.gen
	s.mu.Unlock()
	if recv == nil {
		return domain.Consumer{}, domain.ErrNotReady
	}

	op := "consume:" + string(producerID)
	if !s.begin(op) {
		return domain.Consumer{}, domain.ErrOperationInFlight
	}
	defer s.end(op)

	ctx, span := tracing.TraceMedia(ctx, "consume", string(sessionID))
	var err error
	defer func() { tracing.EndSpan(span, err) }()

	var opts domain.ConsumeOptions
	if err = s.signal.Request(ctx, events.CreateConsumer, map[string]any{
		"sessionId":       sessionID,
		"transportId":     recv.ID(),
		"producerId":      producerID,
		"rtpCapabilities": s.device.RTPCapabilities(),
	}, &opts); err != nil {
		return domain.Consumer{}, err
	}
	if opts.ProducerID == "" {
		opts.ProducerID = producerID
	}
	if opts.Kind == "" {
		opts.Kind = kind
	}

	c, err := recv.Consume(ctx, opts)
	if err != nil {
		s.logger.Warnw("consume failed", "producer_id", producerID, "error", err)
		return domain.Consumer{}, err
	}

	if err = s.signal.Request(ctx, events.ResumeConsumer, map[string]any{"consumerId": c.ID()}, nil); err != nil {
		c.Close()
		return domain.Consumer{}, err
	}
	if err = c.Resume(); err != nil {
		c.Close()
		return domain.Consumer{}, err
	}

	info := domain.Consumer{ID: c.ID(), ProducerID: producerID, Kind: c.Kind(), TrackState: domain.TrackLive}
	sampleCtx, cancel := context.WithCancel(context.Background())
	entry := &consumerEntry{
		consumer:  c,
		info:      info,
		cancel:    cancel,
		layer:     s.quality.HighestLayer(),
		requested: s.quality.HighestLayer(),
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		cancel()
		c.Close()
		err = apperrors.NewInvalidStateError("media session was cleaned up")
		return domain.Consumer{}, err
	}
	if existing, ok := s.consumers[producerID]; ok {
		s.mu.Unlock()
		cancel()
		c.Close()
		return existing.info, nil
	}
	s.consumers[producerID] = entry
	n := len(s.consumers)
	s.mu.Unlock()

	s.metrics.Consumers(n)
	go s.watchConsumer(sampleCtx, entry)
	if info.Kind == domain.KindVideo && s.cfg.SampleInterval > 0 {
		go s.sampleQuality(sampleCtx, entry)
	}

	s.logger.Infow("consumer created", "consumer_id", info.ID, "producer_id", producerID, "kind", info.Kind)
	eventbus.Publish(s.bus, events.TopicConsumer, events.ConsumerChanged{Consumer: info})
	return info, nil
}

func (s *MediaService) watchConsumer(ctx context.Context, e *consumerEntry) {
	select {
	case <-ctx.Done():
	case <-e.consumer.Done():
		s.dropConsumer(e.info.ProducerID)
	}
}

// dropConsumer removes and closes the consumer of producerID, if any.
func (s *MediaService) dropConsumer(producerID domain.ProducerID) {
	s.mu.Lock()
	e, ok := s.consumers[producerID]
	if ok {
		delete(s.consumers, producerID)
	}
	n := len(s.consumers)
	s.mu.Unlock()
	if !ok {
		return
	}

	e.cancel()
	e.consumer.Close()
	s.metrics.Consumers(n)
	info := e.info
	info.TrackState = domain.TrackEnded
	eventbus.Publish(s.bus, events.TopicConsumer, events.ConsumerChanged{Consumer: info, Closed: true})
}

func (s *MediaService) sampleQuality(ctx context.Context, e *consumerEntry) {
	ticker := time.NewTicker(s.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.consumer.Done():
			return
		case <-ticker.C:
			stats, err := e.consumer.Stats(ctx)
			if err != nil {
				s.logger.Debugw("consumer stats unavailable", "consumer_id", e.info.ID, "error", err)
				continue
			}
			s.adapt(ctx, e, stats)
		}
	}
}

// adapt requests a new spatial layer only when the target differs from the
// last request.
func (s *MediaService) adapt(ctx context.Context, e *consumerEntry, stats domain.ConsumerStats) {
	s.mu.Lock()
	target := s.quality.TargetLayer(e.layer, stats)
	if target == e.requested {
		s.mu.Unlock()
		return
	}
	e.requested = target
	s.mu.Unlock()

	s.logger.Infow("switching consumer layer",
		"consumer_id", e.info.ID,
		"layer", target,
		"packet_loss", stats.PacketLoss,
		"jitter_ms", stats.JitterMs,
		"bitrate_kbps", stats.BitrateKbps,
	)
	tracing.AddSpanAttributes(ctx, tracing.ConsumerIDKey.String(string(e.info.ID)), tracing.LayerKey.Int(target))
	s.metrics.LayerRequested(target)
	eventbus.Publish(s.bus, events.TopicLayerRequested, events.LayerRequested{ConsumerID: e.info.ID, SpatialLayer: target, Stats: stats})

	s.signal.Emit(events.SetPreferredLayers, map[string]any{
		"consumerId":   e.info.ID,
		"spatialLayer": target,
	}, func(res ports.Result) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if res.Err != nil {
			// forget the request so the next sample asks again
			if e.requested == target {
				e.requested = e.layer
			}
			return
		}
		e.layer = target
	})
}

// Cleanup closes consumers, then producers, then transports and returns to
// idle. It is safe to call repeatedly and on partially built sessions.
func (s *MediaService) Cleanup() {
	s.mu.Lock()
	s.gen++
	consumers := s.consumers
	producers := s.producers
	send, recv := s.send, s.recv
	tracks := s.tracks
	s.consumers = make(map[domain.ProducerID]*consumerEntry)
	s.producers = make(map[domain.MediaKind]*producerEntry)
	s.awaiting = make(map[domain.ProducerID]domain.MediaKind)
	s.send, s.recv, s.tracks = nil, nil, nil
	s.sessionID = ""
	s.mu.Unlock()

	for _, e := range consumers {
		e.cancel()
		if err := e.consumer.Close(); err != nil {
			s.logger.Debugw("closing consumer", "consumer_id", e.info.ID, "error", err)
		}
	}
	for _, e := range producers {
		if !e.producer.Closed() {
			if err := e.producer.Close(); err != nil {
				s.logger.Debugw("closing producer", "producer_id", e.info.ID, "error", err)
			}
		}
	}
	for _, t := range []ports.Transport{asTransport(send), asTransport(recv)} {
		if t != nil && !t.Closed() {
			if err := t.Close(); err != nil {
				s.logger.Debugw("closing transport", "transport_id", t.ID(), "error", err)
			}
		}
	}
	for _, t := range tracks {
		t.Stop()
	}

	if from := s.machine.Current(); from != StateIdle {
		if err := s.machine.Event(context.Background(), evReset); err == nil {
			s.stateChanged(from, nil)
		}
	}
	s.metrics.Producers(0)
	s.metrics.Consumers(0)
	if len(consumers)+len(producers) > 0 || send != nil || recv != nil {
		s.logger.Infow("media session cleaned up", "consumers", len(consumers), "producers", len(producers))
	}
}

// backfill consumes producers that were live before this peer joined, plus
// any announced while initializing.
func (s *MediaService) backfill(sessionID domain.SessionID) {
	s.mu.Lock()
	awaiting := s.awaiting
	s.awaiting = make(map[domain.ProducerID]domain.MediaKind)
	s.mu.Unlock()
	for id, kind := range awaiting {
		go s.consumeAsync(id, kind)
	}

	s.signal.Emit(events.GetExistingProducers, map[string]any{"sessionId": sessionID}, func(res ports.Result) {
		if res.Err != nil {
			s.logger.Warnw("fetching existing producers failed", "session_id", sessionID, "error", res.Err)
			return
		}
		for _, p := range decodeProducers(res.Data) {
			if p.SessionID != "" && p.SessionID != sessionID {
				continue
			}
			go s.consumeAsync(p.ProducerID, p.Kind)
		}
	})
}

// decodeProducers accepts either a bare list or {"producers": [...]}.
func decodeProducers(data json.RawMessage) []domain.RemoteProducer {
	var list []domain.RemoteProducer
	if err := json.Unmarshal(data, &list); err == nil {
		return list
	}
	var wrapped struct {
		Producers []domain.RemoteProducer `json:"producers"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil {
		return wrapped.Producers
	}
	return nil
}

func (s *MediaService) consumeAsync(id domain.ProducerID, kind domain.MediaKind) {
	if id == "" {
		return
	}
	if _, err := s.ConsumeMedia(context.Background(), id, kind); err != nil &&
		!errors.Is(err, domain.ErrOperationInFlight) {
		s.logger.Warnw("consuming remote producer failed", "producer_id", id, "error", err)
	}
}

// Broadcast handlers run on the control channel's read loop, so consuming is
// handed to another goroutine.
func (s *MediaService) onNewProducer(e events.ServerEvent) {
	var p domain.RemoteProducer
	if err := json.Unmarshal(e.Data, &p); err != nil || p.ProducerID == "" {
		s.logger.Warnw("ignoring malformed NEW_PRODUCER", "error", err)
		return
	}

	state := s.State()
	s.mu.Lock()
	if s.sessionID != "" && p.SessionID != "" && p.SessionID != s.sessionID {
		s.mu.Unlock()
		return
	}
	if state != StateReady {
		if state != StateIdle {
			s.awaiting[p.ProducerID] = p.Kind
		}
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	go s.consumeAsync(p.ProducerID, p.Kind)
}

func (s *MediaService) onProducerClosed(e events.ServerEvent) {
	var p domain.RemoteProducer
	if err := json.Unmarshal(e.Data, &p); err != nil || p.ProducerID == "" {
		return
	}
	s.mu.Lock()
	delete(s.awaiting, p.ProducerID)
	s.mu.Unlock()
	s.dropConsumer(p.ProducerID)
}

// Snapshots.

func (s *MediaService) Producers() []domain.Producer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Producer, 0, len(s.producers))
	for _, e := range s.producers {
		out = append(out, e.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

func (s *MediaService) Consumers() []domain.Consumer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Consumer, 0, len(s.consumers))
	for _, e := range s.consumers {
		out = append(out, e.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MediaService) Transports() []domain.Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Transport
	for _, t := range []ports.Transport{asTransport(s.send), asTransport(s.recv)} {
		if t == nil {
			continue
		}
		out = append(out, domain.Transport{
			ID:              t.ID(),
			Direction:       t.Direction(),
			DTLSState:       t.DTLSState(),
			ConnectionState: t.ConnectionState(),
		})
	}
	return out
}

// transportHandler carries a device transport's lazy connect and produce
// round trips to the server.
type transportHandler struct {
	s         *MediaService
	sessionID domain.SessionID
	direction domain.TransportDirection
}

func (h *transportHandler) OnConnect(ctx context.Context, id domain.TransportID, dtls domain.DTLSParameters) error {
	err := h.s.signal.Request(ctx, events.ConnectTransport, map[string]any{
		"sessionId":      h.sessionID,
		"transportId":    id,
		"dtlsParameters": dtls,
	}, nil)
	if err != nil {
		return apperrors.NewTransportNegotiationError(fmt.Sprintf("connect %s transport", h.direction), err)
	}
	h.s.logger.Debugw("transport connected", "transport_id", id, "direction", h.direction)
	return nil
}

func (h *transportHandler) OnProduce(ctx context.Context, id domain.TransportID, kind domain.MediaKind, params domain.RTPParameters) (domain.ProducerID, error) {
	var resp struct {
		ID         domain.ProducerID `json:"id"`
		ProducerID domain.ProducerID `json:"producerId"`
	}
	err := h.s.signal.Request(ctx, events.CreateProducer, map[string]any{
		"sessionId":     h.sessionID,
		"transportId":   id,
		"kind":          kind,
		"rtpParameters": params,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.ProducerID != "" {
		return resp.ProducerID, nil
	}
	if resp.ID == "" {
		return "", apperrors.NewRemoteError(events.CreateProducer, "response missing producer id")
	}
	return resp.ID, nil
}

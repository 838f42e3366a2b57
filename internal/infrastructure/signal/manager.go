// Package signal owns the single multiplexed control connection to the
// signaling server.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"livebid/internal/core/domain"
	"livebid/internal/core/events"
	"livebid/internal/core/ports"
	"livebid/pkg/cache"
	apperrors "livebid/pkg/errors"
	"livebid/pkg/eventbus"
	"livebid/pkg/retry"
	"livebid/pkg/tracing"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config holds the control-channel timing policy.
type Config struct {
	URL                  string
	ConnectTimeout       time.Duration
	AuthTimeout          time.Duration
	RequestTimeout       time.Duration
	MediaTimeout         time.Duration
	HeartbeatInterval    time.Duration
	MaxReconnectAttempts int
	ReconnectMinDelay    time.Duration
	ReconnectMaxDelay    time.Duration
	DedupTTL             time.Duration
	MessagesPerSecond    float64
	Burst                int
}

func DefaultConfig() Config {
	return Config{
		URL:                  "ws://localhost:3001/ws",
		ConnectTimeout:       20 * time.Second,
		AuthTimeout:          20 * time.Second,
		RequestTimeout:       30 * time.Second,
		MediaTimeout:         15 * time.Second,
		HeartbeatInterval:    25 * time.Second,
		MaxReconnectAttempts: 10,
		ReconnectMinDelay:    time.Second,
		ReconnectMaxDelay:    5 * time.Second,
		DedupTTL:             5 * time.Second,
		MessagesPerSecond:    50,
		Burst:                100,
	}
}

// Metrics receives control-channel observations.
type Metrics interface {
	RequestCompleted(event, outcome string, d time.Duration)
	Reconnect()
	RTT(d time.Duration)
	Health(class domain.HealthClass)
}

type nopMetrics struct{}

func (nopMetrics) RequestCompleted(string, string, time.Duration) {}
func (nopMetrics) Reconnect()                                     {}
func (nopMetrics) RTT(time.Duration)                              {}
func (nopMetrics) Health(domain.HealthClass)                      {}

var mediaEvents = map[string]bool{
	events.GetCapabilities:  true,
	events.CreateTransport:  true,
	events.ConnectTransport: true,
	events.CreateProducer:   true,
	events.CreateConsumer:   true,
}

// Handle describes the connection returned by Connect.
type Handle struct {
	ConnectionID string
	UserID       domain.UserID
	ConnectedAt  time.Time
}

type connState int

const (
	stateIdle connState = iota
	stateConnecting
	stateConnected
	stateReconnecting
	stateFailed
	stateClosed
)

type outbound struct {
	ctx     context.Context
	event   string
	payload any
	cb      ports.Callback
}

type pendingRequest struct {
	event    string
	issuedAt time.Time
	cb       ports.Callback
	timer    *time.Timer
	span     trace.Span
}

// Manager multiplexes requests and broadcasts over one connection, keeping it
// authenticated and alive across drops.
type Manager struct {
	cfg     Config
	dialer  Dialer
	bus     *eventbus.Bus
	logger  *zap.SugaredLogger
	metrics Metrics
	limiter *rate.Limiter
	backoff retry.Backoff
	dedup   *cache.Cache[struct{}]

	mu            sync.Mutex
	state         connState
	epoch         uint64
	conn          Conn
	connID        string
	connectedAt   time.Time
	identity      domain.Identity
	authenticated bool
	attempts      int
	queue         []outbound
	pending       map[string]*pendingRequest
	acks          map[uint64]*pendingRequest
	nextAck       uint64
	health        domain.ConnectionHealth
	stop          chan struct{}
	closed        chan struct{}
}

func NewManager(cfg Config, dialer Dialer, bus *eventbus.Bus, logger *zap.SugaredLogger, metrics Metrics) *Manager {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	limit := rate.Inf
	if cfg.MessagesPerSecond > 0 {
		limit = rate.Limit(cfg.MessagesPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Manager{
		cfg:     cfg,
		dialer:  dialer,
		bus:     bus,
		logger:  logger,
		metrics: metrics,
		limiter: rate.NewLimiter(limit, burst),
		backoff: retry.Exponential(cfg.ReconnectMinDelay, cfg.ReconnectMaxDelay),
		dedup:   cache.NewCache[struct{}](cfg.DedupTTL),
		pending: make(map[string]*pendingRequest),
		acks:    make(map[uint64]*pendingRequest),
		closed:  make(chan struct{}),
	}
}

// Connect returns the current connection when it is healthy, authenticated and
// bound to the same identity; otherwise it replaces it. Transient dial errors
// are retried with backoff. An authentication failure leaves the connection
// open and returns an AuthenticationError alongside the handle.
func (m *Manager) Connect(ctx context.Context, identity domain.Identity) (Handle, error) {
	m.mu.Lock()
	switch {
	case m.state == stateClosed:
		m.mu.Unlock()
		return Handle{}, apperrors.NewConnectionError("manager closed", nil)
	case m.state == stateConnecting && m.identity.Same(identity):
		m.mu.Unlock()
		return Handle{}, domain.ErrOperationInFlight
	case m.conn != nil && m.authenticated && m.identity.Same(identity) &&
		m.health.Classification() != domain.HealthPoor:
		h := m.handleLocked()
		m.mu.Unlock()
		return h, nil
	}

	m.epoch++
	epoch := m.epoch
	orphans := m.teardownLocked()
	m.identity = identity
	m.state = stateConnecting
	m.attempts = 0
	m.mu.Unlock()

	m.rejectAll(orphans, apperrors.NewConnectionError("connection replaced", nil))

	return m.connectWithRetry(ctx, epoch, false, nil)
}

// connectWithRetry dials until success, a superseding Connect/Close, or the
// attempt budget is spent. When reconnect is set the first dial waits out the
// backoff like every later one.
func (m *Manager) connectWithRetry(ctx context.Context, epoch uint64, reconnect bool, cause error) (Handle, error) {
	for {
		if !m.current(epoch) {
			return Handle{}, apperrors.NewConnectionError("connection superseded", nil)
		}
		if reconnect {
			if err := m.waitBackoff(ctx, cause); err != nil {
				return Handle{}, err
			}
			if !m.current(epoch) {
				return Handle{}, apperrors.NewConnectionError("connection superseded", nil)
			}
		}

		h, established, err := m.open(ctx, epoch, reconnect)
		if err == nil || established {
			// once established, a later drop is owned by the read loop's reconnect
			return h, err
		}
		reconnect, cause = true, err
	}
}

func (m *Manager) waitBackoff(ctx context.Context, cause error) error {
	m.mu.Lock()
	m.attempts++
	attempt := m.attempts
	exhausted := attempt > m.cfg.MaxReconnectAttempts
	var queued orphaned
	if exhausted {
		m.state = stateFailed
		queued = m.drainQueueLocked()
	} else {
		m.state = stateReconnecting
	}
	m.mu.Unlock()

	reason := "connection lost"
	if cause != nil {
		reason = cause.Error()
	}
	if exhausted {
		err := apperrors.NewConnectionError(fmt.Sprintf("gave up after %d attempts", attempt-1), cause)
		m.rejectAll(queued, err)
		m.logger.Errorw("control connection failed", "attempts", attempt-1, "rejected", len(queued.pending), "error", reason)
		eventbus.Publish(m.bus, events.TopicConnectionFailed, events.ConnectionFailed{
			Attempts: attempt - 1,
			Reason:   reason,
		})
		return err
	}

	delay := m.backoff(attempt)
	m.metrics.Reconnect()
	m.logger.Warnw("reconnecting control connection", "attempt", attempt, "delay", delay, "error", reason)
	eventbus.Publish(m.bus, events.TopicReconnecting, events.Reconnecting{Attempt: attempt, Delay: delay})

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return apperrors.NewConnectionError("connect cancelled", ctx.Err())
	case <-m.closed:
		return apperrors.NewConnectionError("manager closed", nil)
	}
}

func (m *Manager) current(epoch uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch == epoch && m.state != stateClosed
}

func (m *Manager) open(ctx context.Context, epoch uint64, reconnect bool) (Handle, bool, error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	conn, err := m.dialer.Dial(dialCtx, m.cfg.URL)
	cancel()
	if err != nil {
		return Handle{}, false, apperrors.NewConnectionError("dial signaling server", err)
	}

	m.mu.Lock()
	if m.epoch != epoch || m.state == stateClosed {
		m.mu.Unlock()
		conn.Close()
		return Handle{}, false, apperrors.NewConnectionError("connection superseded", nil)
	}
	stop := make(chan struct{})
	m.conn = conn
	m.stop = stop
	m.connID = uuid.NewString()
	m.connectedAt = time.Now()
	m.state = stateConnected
	m.authenticated = false
	m.health.Connected = true
	m.health.ConsecutiveFailures = 0
	identity := m.identity
	h := m.handleLocked()
	m.mu.Unlock()

	m.logger.Infow("control connection open", "connection_id", h.ConnectionID, "user_id", identity.UserID, "reconnect", reconnect)
	go m.readLoop(conn, stop)
	go m.heartbeatLoop(conn, stop)

	eventbus.Publish(m.bus, events.TopicConnected, events.Connected{
		ConnectionID: h.ConnectionID,
		UserID:       identity.UserID,
		Reconnect:    reconnect,
	})
	m.publishHealth()

	if err := m.authenticate(ctx, conn, identity); err != nil {
		return h, true, err
	}

	m.mu.Lock()
	m.attempts = 0
	m.mu.Unlock()
	return h, true, nil
}

func (m *Manager) handleLocked() Handle {
	return Handle{ConnectionID: m.connID, UserID: m.identity.UserID, ConnectedAt: m.connectedAt}
}

// authenticate bypasses the queue, then flushes it. Emits arriving during the
// flush are appended to the queue and go out in the next round, so arrival
// order is kept.
func (m *Manager) authenticate(ctx context.Context, conn Conn, identity domain.Identity) error {
	done := make(chan ports.Result, 1)
	if err := m.send(conn, outbound{
		ctx:     ctx,
		event:   events.Authenticate,
		payload: map[string]any{"identity": identity},
		cb:      func(r ports.Result) { done <- r },
	}); err != nil {
		conn.Close()
		return apperrors.NewConnectionError("send authenticate", err)
	}

	var res ports.Result
	select {
	case res = <-done:
	case <-ctx.Done():
		res = ports.Result{Err: ctx.Err()}
	}
	if apperrors.HasCode(res.Err, apperrors.ErrCodeConnection) {
		return res.Err
	}
	if res.Err != nil {
		return m.authFailed(identity, res.Err)
	}

	for {
		m.mu.Lock()
		if m.conn != conn {
			m.mu.Unlock()
			return apperrors.NewConnectionError("connection lost during flush", nil)
		}
		if len(m.queue) == 0 {
			m.authenticated = true
			m.mu.Unlock()
			break
		}
		batch := m.queue
		m.queue = nil
		m.mu.Unlock()

		for i, ob := range batch {
			if err := m.send(conn, ob); err != nil {
				m.mu.Lock()
				m.queue = append(append([]outbound(nil), batch[i:]...), m.queue...)
				m.mu.Unlock()
				conn.Close()
				return apperrors.NewConnectionError("flush queued events", err)
			}
		}
	}

	m.logger.Infow("control connection authenticated", "user_id", identity.UserID)
	eventbus.Publish(m.bus, events.TopicAuthenticated, events.Authenticated{UserID: identity.UserID})
	return nil
}

func (m *Manager) authFailed(identity domain.Identity, cause error) error {
	m.logger.Warnw("authentication failed", "user_id", identity.UserID, "error", cause)
	eventbus.Publish(m.bus, events.TopicAuthFailed, events.AuthFailed{UserID: identity.UserID, Reason: cause.Error()})
	return apperrors.NewAuthenticationError("authentication failed", cause)
}

// Emit sends event now when authenticated and queues it otherwise. cb, when
// non-nil, is called exactly once.
func (m *Manager) Emit(event string, payload any, cb ports.Callback) {
	m.emit(context.Background(), event, payload, cb)
}

// Request emits event and waits for its outcome.
func (m *Manager) Request(ctx context.Context, event string, payload any, out any) error {
	done := make(chan ports.Result, 1)
	m.emit(ctx, event, payload, func(r ports.Result) { done <- r })

	select {
	case res := <-done:
		if res.Err != nil {
			return res.Err
		}
		if out != nil && len(res.Data) > 0 {
			if err := json.Unmarshal(res.Data, out); err != nil {
				return apperrors.NewRemoteError(event, fmt.Sprintf("decode response: %v", err))
			}
		}
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			timeout := apperrors.NewRequestTimeoutError(event)
			timeout.Cause = ctx.Err()
			return timeout
		}
		return apperrors.NewConnectionError("request "+event+" cancelled", ctx.Err())
	}
}

func (m *Manager) emit(ctx context.Context, event string, payload any, cb ports.Callback) {
	if cb == nil {
		cb = func(ports.Result) {}
	}
	ob := outbound{ctx: ctx, event: event, payload: payload, cb: cb}

	m.mu.Lock()
	switch m.state {
	case stateClosed:
		m.mu.Unlock()
		cb(ports.Result{Err: apperrors.NewConnectionError("manager closed", nil)})
		return
	case stateFailed:
		// nothing would flush the queue until an explicit Connect
		m.mu.Unlock()
		cb(ports.Result{Err: apperrors.NewConnectionError("connection failed", nil).WithContext("event", event)})
		return
	}
	if !m.authenticated || m.conn == nil {
		m.queue = append(m.queue, ob)
		m.mu.Unlock()
		m.logger.Debugw("queued event until authenticated", "event", event)
		return
	}
	conn := m.conn
	m.mu.Unlock()

	if err := m.send(conn, ob); err != nil {
		conn.Close()
		cb(ports.Result{Err: apperrors.NewConnectionError("send "+event, err)})
	}
}

func (m *Manager) timeoutFor(event string) time.Duration {
	switch {
	case event == events.Authenticate:
		return m.cfg.AuthTimeout
	case mediaEvents[event], IsDirect(event):
		return m.cfg.MediaTimeout
	default:
		return m.cfg.RequestTimeout
	}
}

// send registers the outstanding entry, starts its timer and writes the frame.
// On a write error the entry is withdrawn without invoking the callback.
func (m *Manager) send(conn Conn, ob outbound) error {
	ctx := ob.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := m.limiter.Wait(ctx); err != nil {
		ob.cb(ports.Result{Err: apperrors.NewConnectionError("rate limit wait for "+ob.event, err)})
		return nil
	}

	timeout := m.timeoutFor(ob.event)
	if IsDirect(ob.event) {
		return m.sendDirect(ctx, conn, ob, timeout)
	}

	requestID := uuid.NewString()
	data, err := encodePayload(ob.payload, requestID)
	if err != nil {
		ob.cb(ports.Result{Err: apperrors.NewInvalidInputError(fmt.Sprintf("encode %s payload: %v", ob.event, err))})
		return nil
	}

	_, span := tracing.TraceSignalRequest(ctx, ob.event, requestID)
	p := &pendingRequest{event: ob.event, issuedAt: time.Now(), cb: ob.cb, span: span}

	m.mu.Lock()
	m.pending[requestID] = p
	p.timer = time.AfterFunc(timeout, func() { m.expire(requestID) })
	m.mu.Unlock()

	if err := conn.Send(ctx, Envelope{Event: ob.event, RequestID: requestID, Data: data}); err != nil {
		if m.withdraw(requestID) {
			tracing.EndSpan(span, err)
		}
		return err
	}
	return nil
}

func (m *Manager) sendDirect(ctx context.Context, conn Conn, ob outbound, timeout time.Duration) error {
	data, err := encodePayload(ob.payload, "")
	if err != nil {
		ob.cb(ports.Result{Err: apperrors.NewInvalidInputError(fmt.Sprintf("encode %s payload: %v", ob.event, err))})
		return nil
	}

	p := &pendingRequest{event: ob.event, issuedAt: time.Now(), cb: ob.cb}
	m.mu.Lock()
	m.nextAck++
	ack := m.nextAck
	m.acks[ack] = p
	p.timer = time.AfterFunc(timeout, func() { m.expireAck(ack) })
	m.mu.Unlock()

	if err := conn.Send(ctx, Envelope{Event: ob.event, Ack: ack, Data: data}); err != nil {
		m.mu.Lock()
		if _, ok := m.acks[ack]; ok {
			delete(m.acks, ack)
			p.timer.Stop()
		}
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *Manager) withdraw(requestID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[requestID]
	if ok {
		delete(m.pending, requestID)
		p.timer.Stop()
	}
	return ok
}

func (m *Manager) expire(requestID string) {
	m.mu.Lock()
	p, ok := m.pending[requestID]
	if ok {
		delete(m.pending, requestID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	err := apperrors.NewRequestTimeoutError(p.event)
	m.logger.Warnw("request timed out", "event", p.event, "request_id", requestID)
	m.recordOutcome(false)
	m.metrics.RequestCompleted(p.event, "timeout", time.Since(p.issuedAt))
	tracing.EndSpan(p.span, err)
	p.cb(ports.Result{Err: err})
}

func (m *Manager) expireAck(ack uint64) {
	m.mu.Lock()
	p, ok := m.acks[ack]
	if ok {
		delete(m.acks, ack)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	m.recordOutcome(false)
	m.metrics.RequestCompleted(p.event, "timeout", time.Since(p.issuedAt))
	p.cb(ports.Result{Err: apperrors.NewRequestTimeoutError(p.event)})
}

func (m *Manager) readLoop(conn Conn, stop chan struct{}) {
	for {
		env, err := conn.Receive()
		if errors.Is(err, ErrMalformedFrame) {
			m.logger.Debugw("dropping malformed frame")
			continue
		}
		if err != nil {
			m.dropped(conn, err)
			return
		}
		select {
		case <-stop:
			return
		default:
		}
		m.dispatch(env)
	}
}

func (m *Manager) dispatch(env Envelope) {
	if env.Event == AckEvent || (env.Ack != 0 && env.RequestID == "") {
		m.resolveAck(env)
		return
	}

	requestID := env.RequestID
	if requestID == "" {
		requestID = requestIDOf(env.Data)
	}
	if requestID != "" {
		m.mu.Lock()
		p, ok := m.pending[requestID]
		if ok {
			delete(m.pending, requestID)
			p.timer.Stop()
		}
		m.mu.Unlock()
		if ok {
			m.resolve(requestID, p, env)
			return
		}
		if env.RequestID != "" {
			m.logger.Debugw("dropping late response", "event", env.Event, "request_id", requestID)
			return
		}
	}

	if subject := subjectID(env.Data); subject != "" {
		if m.dedup.SeenWithin(env.Event + ":" + subject) {
			m.logger.Debugw("suppressed duplicate broadcast", "event", env.Event, "subject", subject)
			return
		}
	}
	eventbus.Publish(m.bus, events.Inbound(env.Event), events.ServerEvent{
		Name:       env.Event,
		Data:       env.Data,
		ReceivedAt: time.Now(),
	})
}

func (m *Manager) resolve(requestID string, p *pendingRequest, env Envelope) {
	m.recordOutcome(true)

	var res ports.Result
	outcome := "ok"
	if env.Error != "" {
		outcome = "error"
		res.Err = apperrors.NewRemoteError(p.event, env.Error)
	} else {
		res.Data = env.Data
	}
	m.metrics.RequestCompleted(p.event, outcome, time.Since(p.issuedAt))
	tracing.EndSpan(p.span, res.Err)
	m.logger.Debugw("request resolved", "event", p.event, "request_id", requestID, "outcome", outcome)
	p.cb(res)
}

func (m *Manager) resolveAck(env Envelope) {
	m.mu.Lock()
	p, ok := m.acks[env.Ack]
	if ok {
		delete(m.acks, env.Ack)
		p.timer.Stop()
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	m.recordOutcome(true)
	res := ports.Result{Data: env.Data}
	outcome := "ok"
	if env.Error != "" {
		outcome = "error"
		res = ports.Result{Err: apperrors.NewRemoteError(p.event, env.Error)}
	}
	m.metrics.RequestCompleted(p.event, outcome, time.Since(p.issuedAt))
	p.cb(res)
}

// dropped handles a transport-level error on conn and starts reconnecting.
func (m *Manager) dropped(conn Conn, cause error) {
	m.mu.Lock()
	if m.conn != conn || m.state == stateClosed {
		m.mu.Unlock()
		return
	}
	epoch := m.epoch
	orphans := m.teardownLocked()
	m.state = stateReconnecting
	m.mu.Unlock()

	m.logger.Warnw("control connection dropped", "error", cause)
	m.rejectAll(orphans, apperrors.NewConnectionError("connection lost", cause))
	eventbus.Publish(m.bus, events.TopicDisconnected, events.Disconnected{Reason: cause.Error()})
	m.publishHealth()

	go func() {
		if _, err := m.connectWithRetry(context.Background(), epoch, true, cause); err != nil {
			m.logger.Warnw("reconnect ended without an authenticated connection", "error", err)
		}
	}()
}

type orphaned struct {
	pending []*pendingRequest
	conn    Conn
	stop    chan struct{}
}

// teardownLocked detaches the current connection and its outstanding requests.
// Queued emits survive for the next authenticated connection.
func (m *Manager) teardownLocked() orphaned {
	o := orphaned{conn: m.conn, stop: m.stop}
	for id, p := range m.pending {
		p.timer.Stop()
		o.pending = append(o.pending, p)
		delete(m.pending, id)
	}
	for id, p := range m.acks {
		p.timer.Stop()
		o.pending = append(o.pending, p)
		delete(m.acks, id)
	}
	m.conn = nil
	m.stop = nil
	m.authenticated = false
	m.health.Connected = false
	return o
}

// drainQueueLocked detaches the emits still waiting for authentication.
func (m *Manager) drainQueueLocked() orphaned {
	var o orphaned
	for _, ob := range m.queue {
		o.pending = append(o.pending, &pendingRequest{event: ob.event, issuedAt: time.Now(), cb: ob.cb})
	}
	m.queue = nil
	return o
}

func (m *Manager) rejectAll(o orphaned, err error) {
	if o.stop != nil {
		close(o.stop)
	}
	if o.conn != nil {
		o.conn.Close()
	}
	for _, p := range o.pending {
		m.metrics.RequestCompleted(p.event, "disconnected", time.Since(p.issuedAt))
		if p.span != nil {
			tracing.EndSpan(p.span, err)
		}
		p.cb(ports.Result{Err: err})
	}
}

func (m *Manager) heartbeatLoop(conn Conn, stop chan struct{}) {
	if m.cfg.HeartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HeartbeatInterval)
			rtt, err := conn.Ping(ctx)
			cancel()
			if err != nil {
				m.logger.Debugw("heartbeat failed", "error", err)
				m.recordOutcome(false)
				continue
			}
			m.metrics.RTT(rtt)
			m.mu.Lock()
			m.health.RTT = rtt
			m.mu.Unlock()
			m.recordOutcome(true)
		}
	}
}

func (m *Manager) recordOutcome(ok bool) {
	m.mu.Lock()
	before := m.health.Classification()
	if ok {
		m.health.ConsecutiveFailures = 0
	} else {
		m.health.ConsecutiveFailures++
	}
	h := m.health
	m.mu.Unlock()

	m.metrics.Health(h.Classification())
	if h.Classification() != before {
		eventbus.Publish(m.bus, events.TopicHealthChanged, events.HealthChanged{Health: h, Class: h.Classification()})
	}
}

func (m *Manager) publishHealth() {
	h := m.Health()
	m.metrics.Health(h.Classification())
	eventbus.Publish(m.bus, events.TopicHealthChanged, events.HealthChanged{Health: h, Class: h.Classification()})
}

// Health returns a snapshot of the connection health.
func (m *Manager) Health() domain.ConnectionHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.health
}

func (m *Manager) Authenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authenticated
}

// Identity returns the identity of the last Connect call.
func (m *Manager) Identity() domain.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// Queued returns how many emits wait for authentication.
func (m *Manager) Queued() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Outstanding returns how many correlated and direct emits await an answer.
func (m *Manager) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending) + len(m.acks)
}

// Close tears the connection down for good. Outstanding and queued emits fail
// with a ConnectionError.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.state == stateClosed {
		m.mu.Unlock()
		return nil
	}
	m.epoch++
	orphans := m.teardownLocked()
	orphans.pending = append(orphans.pending, m.drainQueueLocked().pending...)
	m.state = stateClosed
	close(m.closed)
	m.mu.Unlock()

	m.rejectAll(orphans, apperrors.NewConnectionError("connection closed", nil))
	m.logger.Infow("control connection closed")
	return nil
}

var _ ports.Signaler = (*Manager)(nil)

package signal

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"livebid/internal/core/domain"
	"livebid/internal/core/events"
	"livebid/internal/core/ports"
	apperrors "livebid/pkg/errors"
	"livebid/pkg/eventbus"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type server func(c *fakeConn, env Envelope)

// acceptAuth answers authenticate and ignores everything else.
func acceptAuth(c *fakeConn, env Envelope) {
	if env.Event == events.Authenticate {
		c.push(Envelope{Event: env.Event, RequestID: env.RequestID, Data: json.RawMessage(`{"success":true}`)})
	}
}

type fakeConn struct {
	mu        sync.Mutex
	sent      []Envelope
	inbox     chan Envelope
	closed    chan struct{}
	closeOnce sync.Once
	serve     server
	rtt       time.Duration
}

func newFakeConn(serve server) *fakeConn {
	return &fakeConn{
		inbox:  make(chan Envelope, 64),
		closed: make(chan struct{}),
		serve:  serve,
		rtt:    10 * time.Millisecond,
	}
}

func (c *fakeConn) Send(_ context.Context, env Envelope) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	c.mu.Lock()
	c.sent = append(c.sent, env)
	c.mu.Unlock()
	if c.serve != nil {
		c.serve(c, env)
	}
	return nil
}

func (c *fakeConn) Receive() (Envelope, error) {
	select {
	case env := <-c.inbox:
		return env, nil
	case <-c.closed:
		return Envelope{}, io.EOF
	}
}

func (c *fakeConn) Ping(context.Context) (time.Duration, error) { return c.rtt, nil }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(env Envelope) { c.inbox <- env }

func (c *fakeConn) sentEvents() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.sent))
	for _, env := range c.sent {
		names = append(names, env.Event)
	}
	return names
}

func (c *fakeConn) lastSent(event string) (Envelope, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.sent) - 1; i >= 0; i-- {
		if c.sent[i].Event == event {
			return c.sent[i], true
		}
	}
	return Envelope{}, false
}

type fakeDialer struct {
	mu    sync.Mutex
	serve server
	conns []*fakeConn
	fail  atomic.Bool
}

func (d *fakeDialer) Dial(ctx context.Context, _ string) (Conn, error) {
	if d.fail.Load() {
		return nil, errors.New("connection refused")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	c := newFakeConn(d.serve)
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) latest() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ConnectTimeout = time.Second
	cfg.AuthTimeout = time.Second
	cfg.RequestTimeout = time.Second
	cfg.MediaTimeout = time.Second
	cfg.HeartbeatInterval = 0
	cfg.ReconnectMinDelay = time.Millisecond
	cfg.ReconnectMaxDelay = 5 * time.Millisecond
	cfg.MessagesPerSecond = 0
	return cfg
}

var alice = domain.Identity{UserID: "alice", Token: "tok-a"}

func newTestManager(t *testing.T, cfg Config, serve server) (*Manager, *fakeDialer, *eventbus.Bus) {
	t.Helper()
	d := &fakeDialer{serve: serve}
	bus := eventbus.New(nil)
	m := NewManager(cfg, d, bus, nil, nil)
	t.Cleanup(func() { m.Close() })
	return m, d, bus
}

type results struct {
	mu  sync.Mutex
	got map[string][]ports.Result
}

func newResults() *results { return &results{got: make(map[string][]ports.Result)} }

func (r *results) cb(name string) ports.Callback {
	return func(res ports.Result) {
		r.mu.Lock()
		r.got[name] = append(r.got[name], res)
		r.mu.Unlock()
	}
}

func (r *results) of(name string) []ports.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ports.Result(nil), r.got[name]...)
}

func TestEncodePayload_InjectsRequestID(t *testing.T) {
	raw, err := encodePayload(map[string]any{"sessionId": "s1", "amount": 1500}, "req-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"sessionId":"s1","amount":1500,"requestId":"req-1"}`, string(raw))

	raw, err = encodePayload([]int{1, 2}, "req-2")
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2]`, string(raw), "non-object payloads are left alone")

	raw, err = encodePayload(nil, "req-3")
	require.NoError(t, err)
	assert.JSONEq(t, `{"requestId":"req-3"}`, string(raw))

	raw, err = encodePayload(map[string]string{"consumerId": "c1"}, "")
	require.NoError(t, err)
	assert.JSONEq(t, `{"consumerId":"c1"}`, string(raw))
}

func TestSubjectID_Precedence(t *testing.T) {
	assert.Equal(t, "b1", subjectID(json.RawMessage(`{"sessionId":"s1","bidId":"b1"}`)))
	assert.Equal(t, "p1", subjectID(json.RawMessage(`{"sessionId":"s1","producerId":"p1"}`)))
	assert.Equal(t, "s1", subjectID(json.RawMessage(`{"sessionId":"s1"}`)))
	assert.Equal(t, "42", subjectID(json.RawMessage(`{"id":42}`)))
	assert.Empty(t, subjectID(json.RawMessage(`{"amount":3}`)))
	assert.Empty(t, subjectID(json.RawMessage(`"text"`)))
}

func TestManager_ConnectIsIdempotent(t *testing.T) {
	m, d, _ := newTestManager(t, testConfig(), acceptAuth)

	h1, err := m.Connect(context.Background(), alice)
	require.NoError(t, err)
	h2, err := m.Connect(context.Background(), alice)
	require.NoError(t, err)

	assert.Equal(t, h1.ConnectionID, h2.ConnectionID)
	assert.Equal(t, 1, d.dials())
	assert.True(t, m.Authenticated())

	bob := domain.Identity{UserID: "bob", Token: "tok-b"}
	h3, err := m.Connect(context.Background(), bob)
	require.NoError(t, err)
	assert.NotEqual(t, h1.ConnectionID, h3.ConnectionID)
	assert.Equal(t, 2, d.dials())
}

func TestManager_QueuedEmitsFlushInOrderOnce(t *testing.T) {
	m, d, _ := newTestManager(t, testConfig(), acceptAuth)

	m.Emit(events.PlaceBid, map[string]any{"sessionId": "s1", "amount": 100}, nil)
	m.Emit(events.JoinSession, map[string]any{"sessionId": "s1"}, nil)
	m.Emit(events.EndSession, map[string]any{"sessionId": "s1"}, nil)
	assert.Equal(t, 3, m.Queued())

	_, err := m.Connect(context.Background(), alice)
	require.NoError(t, err)

	assert.Equal(t,
		[]string{events.Authenticate, events.PlaceBid, events.JoinSession, events.EndSession},
		d.latest().sentEvents())
	assert.Equal(t, 0, m.Queued())
}

func TestManager_RequestDecodesResponse(t *testing.T) {
	serve := func(c *fakeConn, env Envelope) {
		acceptAuth(c, env)
		if env.Event == events.PlaceBid {
			var in map[string]any
			require.NoError(t, json.Unmarshal(env.Data, &in))
			assert.Equal(t, env.RequestID, in["requestId"], "requestId is injected into the payload")
			c.push(Envelope{Event: env.Event, RequestID: env.RequestID, Data: json.RawMessage(`{"bidId":"b1","amount":1500}`)})
		}
	}
	m, _, _ := newTestManager(t, testConfig(), serve)
	_, err := m.Connect(context.Background(), alice)
	require.NoError(t, err)

	var out struct {
		BidID  string `json:"bidId"`
		Amount int64  `json:"amount"`
	}
	require.NoError(t, m.Request(context.Background(), events.PlaceBid, map[string]any{"sessionId": "s1", "amount": 1500}, &out))
	assert.Equal(t, "b1", out.BidID)
	assert.Equal(t, int64(1500), out.Amount)
	assert.Equal(t, 0, m.Outstanding())
}

func TestManager_RemoteErrorResponse(t *testing.T) {
	serve := func(c *fakeConn, env Envelope) {
		acceptAuth(c, env)
		if env.Event == events.AcceptBid {
			c.push(Envelope{Event: env.Event, RequestID: env.RequestID, Error: "bid already decided"})
		}
	}
	m, _, _ := newTestManager(t, testConfig(), serve)
	_, err := m.Connect(context.Background(), alice)
	require.NoError(t, err)

	err = m.Request(context.Background(), events.AcceptBid, map[string]any{"bidId": "b1"}, nil)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeRemote))
}

func TestManager_TimeoutResolvesOnceAndIgnoresLateResponse(t *testing.T) {
	cfg := testConfig()
	cfg.RequestTimeout = 20 * time.Millisecond
	m, d, _ := newTestManager(t, cfg, acceptAuth)
	_, err := m.Connect(context.Background(), alice)
	require.NoError(t, err)

	r := newResults()
	m.Emit(events.PlaceBid, map[string]any{"sessionId": "s1"}, r.cb("bid"))

	require.Eventually(t, func() bool { return len(r.of("bid")) == 1 }, time.Second, 5*time.Millisecond)
	res := r.of("bid")[0]
	assert.True(t, apperrors.HasCode(res.Err, apperrors.ErrCodeRequestTimeout))
	assert.Equal(t, 1, m.Health().ConsecutiveFailures)

	sent, ok := d.latest().lastSent(events.PlaceBid)
	require.True(t, ok)
	d.latest().push(Envelope{Event: events.PlaceBid, RequestID: sent.RequestID, Data: json.RawMessage(`{}`)})

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, r.of("bid"), 1, "late response must not call back twice")
	assert.Equal(t, 1, m.Health().ConsecutiveFailures, "late response is not a success")
}

func TestManager_ThreeTimeoutsMakeHealthPoor(t *testing.T) {
	cfg := testConfig()
	cfg.RequestTimeout = 10 * time.Millisecond
	m, _, bus := newTestManager(t, cfg, acceptAuth)
	_, err := m.Connect(context.Background(), alice)
	require.NoError(t, err)

	var classes []domain.HealthClass
	var mu sync.Mutex
	eventbus.Subscribe(bus, events.TopicHealthChanged, func(e events.HealthChanged) {
		mu.Lock()
		classes = append(classes, e.Class)
		mu.Unlock()
	})

	for i := 0; i < domain.FailureThreshold; i++ {
		m.Emit(events.PlaceBid, nil, nil)
	}
	require.Eventually(t, func() bool {
		return m.Health().Classification() == domain.HealthPoor
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, classes, domain.HealthPoor)
}

func TestManager_DirectEmitUsesAck(t *testing.T) {
	serve := func(c *fakeConn, env Envelope) {
		acceptAuth(c, env)
		if env.Event == events.ResumeConsumer {
			c.push(Envelope{Event: AckEvent, Ack: env.Ack, Data: json.RawMessage(`{"resumed":true}`)})
		}
	}
	m, d, _ := newTestManager(t, testConfig(), serve)
	_, err := m.Connect(context.Background(), alice)
	require.NoError(t, err)

	err = m.Request(context.Background(), events.ResumeConsumer, map[string]string{"consumerId": "c1"}, nil)
	require.NoError(t, err)

	sent, ok := d.latest().lastSent(events.ResumeConsumer)
	require.True(t, ok)
	assert.Empty(t, sent.RequestID)
	assert.NotZero(t, sent.Ack)
	assert.JSONEq(t, `{"consumerId":"c1"}`, string(sent.Data), "direct payloads are sent unmodified")
}

func TestManager_DedupSuppressesRepeatedBroadcast(t *testing.T) {
	m, d, bus := newTestManager(t, testConfig(), acceptAuth)
	_, err := m.Connect(context.Background(), alice)
	require.NoError(t, err)

	var count atomic.Int32
	eventbus.Subscribe(bus, events.Inbound(events.NewBid), func(events.ServerEvent) { count.Add(1) })

	conn := d.latest()
	conn.push(Envelope{Event: events.NewBid, Data: json.RawMessage(`{"bidId":"b1","amount":100}`)})
	conn.push(Envelope{Event: events.NewBid, Data: json.RawMessage(`{"bidId":"b1","amount":100}`)})
	conn.push(Envelope{Event: events.NewBid, Data: json.RawMessage(`{"bidId":"b2","amount":200}`)})

	require.Eventually(t, func() bool { return count.Load() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(2), count.Load())
}

func TestManager_ReconnectRejectsPendingAndFlushesQueue(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReconnectAttempts = 1000
	m, d, bus := newTestManager(t, cfg, acceptAuth)

	var reconnected atomic.Int32
	eventbus.Subscribe(bus, events.TopicConnected, func(e events.Connected) {
		if e.Reconnect {
			reconnected.Add(1)
		}
	})

	_, err := m.Connect(context.Background(), alice)
	require.NoError(t, err)
	first := d.latest()

	r := newResults()
	m.Emit(events.PlaceBid, map[string]any{"sessionId": "s1"}, r.cb("inflight"))
	require.Equal(t, 1, m.Outstanding())

	d.fail.Store(true)
	first.Close()

	require.Eventually(t, func() bool { return len(r.of("inflight")) == 1 }, time.Second, time.Millisecond)
	assert.True(t, apperrors.HasCode(r.of("inflight")[0].Err, apperrors.ErrCodeConnection))
	require.Eventually(t, func() bool { return !m.Authenticated() }, time.Second, time.Millisecond)

	m.Emit(events.JoinSession, map[string]any{"sessionId": "s1"}, r.cb("join"))
	m.Emit(events.EndSession, map[string]any{"sessionId": "s1"}, r.cb("end"))
	assert.Equal(t, 2, m.Queued())

	d.fail.Store(false)
	require.Eventually(t, func() bool { return m.Authenticated() }, time.Second, time.Millisecond)

	second := d.latest()
	require.NotSame(t, first, second)
	assert.Equal(t, []string{events.Authenticate, events.JoinSession, events.EndSession}, second.sentEvents())
	assert.Equal(t, int32(1), reconnected.Load())
	assert.Equal(t, 0, m.Queued())
}

func TestManager_ConnectionFailedAfterMaxAttempts(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReconnectAttempts = 2
	m, d, bus := newTestManager(t, cfg, acceptAuth)

	failed := make(chan events.ConnectionFailed, 1)
	eventbus.Subscribe(bus, events.TopicConnectionFailed, func(e events.ConnectionFailed) { failed <- e })

	_, err := m.Connect(context.Background(), alice)
	require.NoError(t, err)

	d.fail.Store(true)
	d.latest().Close()

	select {
	case e := <-failed:
		assert.Equal(t, 2, e.Attempts)
	case <-time.After(time.Second):
		t.Fatal("CONNECTION_FAILED not published")
	}
	assert.Equal(t, 1, d.dials(), "failed dials do not create connections")
}

func TestManager_EmitsFailAfterConnectionFailed(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReconnectAttempts = 1
	m, d, bus := newTestManager(t, cfg, acceptAuth)

	failed := make(chan events.ConnectionFailed, 1)
	eventbus.Subscribe(bus, events.TopicConnectionFailed, func(e events.ConnectionFailed) { failed <- e })

	_, err := m.Connect(context.Background(), alice)
	require.NoError(t, err)

	r := newResults()
	d.fail.Store(true)
	d.latest().Close()
	// queued while reconnecting, or refused outright once failed
	m.Emit(events.PlaceBid, nil, r.cb("during"))

	select {
	case <-failed:
	case <-time.After(time.Second):
		t.Fatal("CONNECTION_FAILED not published")
	}

	require.Eventually(t, func() bool { return len(r.of("during")) == 1 }, time.Second, time.Millisecond)
	assert.True(t, apperrors.HasCode(r.of("during")[0].Err, apperrors.ErrCodeConnection))
	assert.Equal(t, 0, m.Queued())

	done := make(chan error, 1)
	go func() { done <- m.Request(context.Background(), events.JoinSession, nil, nil) }()
	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeConnection))
	case <-time.After(time.Second):
		t.Fatal("request after CONNECTION_FAILED never resolved")
	}
	assert.Equal(t, 0, m.Queued())
}

func TestManager_RequestContextErrorsAreTyped(t *testing.T) {
	m, _, _ := newTestManager(t, testConfig(), acceptAuth)

	// not connected, so the request waits in the queue
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := m.Request(ctx, events.PlaceBid, nil, nil)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeRequestTimeout))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	err = m.Request(ctx, events.PlaceBid, nil, nil)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeConnection))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestManager_InitialDialFailureExhaustsAttempts(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReconnectAttempts = 1
	m, d, _ := newTestManager(t, cfg, acceptAuth)
	d.fail.Store(true)

	_, err := m.Connect(context.Background(), alice)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeConnection))
}

func TestManager_AuthFailureKeepsConnectionAndQueue(t *testing.T) {
	serve := func(c *fakeConn, env Envelope) {
		if env.Event == events.Authenticate {
			c.push(Envelope{Event: env.Event, RequestID: env.RequestID, Error: "invalid token"})
		}
	}
	m, d, bus := newTestManager(t, testConfig(), serve)

	var authFailed atomic.Int32
	eventbus.Subscribe(bus, events.TopicAuthFailed, func(events.AuthFailed) { authFailed.Add(1) })

	m.Emit(events.PlaceBid, nil, nil)
	h, err := m.Connect(context.Background(), alice)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeAuthentication))
	assert.NotEmpty(t, h.ConnectionID)
	assert.Equal(t, int32(1), authFailed.Load())

	assert.False(t, m.Authenticated())
	assert.True(t, m.Health().Connected)
	assert.Equal(t, 1, m.Queued())
	assert.Equal(t, []string{events.Authenticate}, d.latest().sentEvents())
}

func TestManager_CloseRejectsOutstandingAndQueued(t *testing.T) {
	m, _, _ := newTestManager(t, testConfig(), acceptAuth)
	r := newResults()
	m.Emit(events.PlaceBid, nil, r.cb("queued"))

	require.NoError(t, m.Close())
	require.Len(t, r.of("queued"), 1)
	assert.True(t, apperrors.HasCode(r.of("queued")[0].Err, apperrors.ErrCodeConnection))

	m.Emit(events.PlaceBid, nil, r.cb("after"))
	require.Len(t, r.of("after"), 1)
	assert.Error(t, r.of("after")[0].Err)

	_, err := m.Connect(context.Background(), alice)
	assert.Error(t, err)
}

func TestManager_HeartbeatRecordsRTT(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 5 * time.Millisecond
	m, _, _ := newTestManager(t, cfg, acceptAuth)
	_, err := m.Connect(context.Background(), alice)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return m.Health().RTT == 10*time.Millisecond }, time.Second, time.Millisecond)
	assert.Equal(t, domain.HealthExcellent, m.Health().Classification())
}

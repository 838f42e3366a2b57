package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrMalformedFrame is returned by Conn.Receive for frames that are not a valid
// envelope. The connection remains usable.
var ErrMalformedFrame = errors.New("malformed frame")

// Conn is one open control connection.
type Conn interface {
	Send(ctx context.Context, env Envelope) error
	Receive() (Envelope, error)
	// Ping sends a heartbeat and returns the measured round trip.
	Ping(ctx context.Context) (time.Duration, error)
	Close() error
}

// Dialer opens control connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebSocketDialer dials the signaling server with gorilla/websocket.
type WebSocketDialer struct {
	Header       http.Header
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	dialer       *websocket.Dialer
}

func NewWebSocketDialer(readTimeout, writeTimeout time.Duration) *WebSocketDialer {
	return &WebSocketDialer{
		Header:       http.Header{},
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 20 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
	}
}

func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	ws, _, err := d.dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		return nil, err
	}

	c := &wsConn{
		ws:           ws,
		readTimeout:  d.ReadTimeout,
		writeTimeout: d.WriteTimeout,
		pongs:        make(chan time.Duration, 1),
	}
	c.extendRead()
	ws.SetPongHandler(c.onPong)
	return c, nil
}

type wsConn struct {
	ws           *websocket.Conn
	writeMu      sync.Mutex
	readTimeout  time.Duration
	writeTimeout time.Duration
	pongs        chan time.Duration
	closeOnce    sync.Once
}

func (c *wsConn) extendRead() {
	if c.readTimeout > 0 {
		c.ws.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
}

// onPong runs on the reading goroutine. The pong echoes the ping's send time.
func (c *wsConn) onPong(appData string) error {
	c.extendRead()
	sent, err := strconv.ParseInt(appData, 10, 64)
	if err != nil {
		return nil
	}
	rtt := time.Since(time.Unix(0, sent))
	select {
	case c.pongs <- rtt:
	default:
	}
	return nil
}

func (c *wsConn) writeDeadline(ctx context.Context) time.Time {
	timeout := c.writeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return deadline
}

func (c *wsConn) Send(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(c.writeDeadline(ctx))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Receive() (Envelope, error) {
	var env Envelope
	msgType, data, err := c.ws.ReadMessage()
	if err != nil {
		return env, err
	}
	c.extendRead()
	if msgType != websocket.TextMessage {
		return env, ErrMalformedFrame
	}
	if err := json.Unmarshal(data, &env); err != nil || env.Event == "" && env.Ack == 0 && env.RequestID == "" {
		return env, ErrMalformedFrame
	}
	return env, nil
}

func (c *wsConn) Ping(ctx context.Context) (time.Duration, error) {
	// drop a pong left over from an earlier, timed-out ping
	select {
	case <-c.pongs:
	default:
	}

	stamp := strconv.FormatInt(time.Now().UnixNano(), 10)
	c.writeMu.Lock()
	err := c.ws.WriteControl(websocket.PingMessage, []byte(stamp), c.writeDeadline(ctx))
	c.writeMu.Unlock()
	if err != nil {
		return 0, err
	}

	select {
	case rtt := <-c.pongs:
		return rtt, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

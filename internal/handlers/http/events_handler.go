package http

import (
	"io"
	"strings"
	"sync/atomic"
	"time"

	"livebid/internal/infrastructure/middleware"
	"livebid/pkg/eventbus"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Raw control-channel broadcasts stay internal; clients see the events the
// services derive from them.
const rawBroadcastPrefix = "server."

// EventsHandler streams bus events to the UI as server-sent events.
type EventsHandler struct {
	bus       *eventbus.Bus
	logger    *zap.SugaredLogger
	buffer    int
	keepAlive time.Duration
}

func NewEventsHandler(bus *eventbus.Bus, logger *zap.SugaredLogger) *EventsHandler {
	return &EventsHandler{bus: bus, logger: logger, buffer: 64, keepAlive: 15 * time.Second}
}

func (h *EventsHandler) SetupRoutes(router gin.IRouter) {
	router.GET("/api/v1/events", h.Stream)
}

// Stream writes one SSE frame per bus event, named after its topic.
// ?topics=a,b restricts the stream to topics with those prefixes. A slow
// client loses events rather than stalling publishers; the loss count is
// reported on keepalive frames.
func (h *EventsHandler) Stream(c *gin.Context) {
	var prefixes []string
	if q := c.Query("topics"); q != "" {
		for _, p := range strings.Split(q, ",") {
			if p = strings.TrimSpace(p); p != "" {
				prefixes = append(prefixes, p)
			}
		}
	}

	ch := make(chan eventbus.Envelope, h.buffer)
	var dropped atomic.Uint64
	unsub := h.bus.SubscribeAll(func(env eventbus.Envelope) {
		if !wanted(env.Topic, prefixes) {
			return
		}
		select {
		case ch <- env:
		default:
			dropped.Add(1)
		}
	})
	defer unsub()

	log := h.logger.With("request_id", c.GetString(middleware.RequestIDKey))
	log.Debugw("event stream opened", "topics", prefixes)
	defer func() { log.Debugw("event stream closed", "dropped", dropped.Load()) }()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("ready", gin.H{"userId": middleware.CurrentUser(c)})
	c.Writer.Flush()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()
	ctx := c.Request.Context()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case env := <-ch:
			c.SSEvent(env.Topic, env.Payload)
			return true
		case <-ticker.C:
			c.SSEvent("keepalive", gin.H{"dropped": dropped.Load()})
			return true
		}
	})
}

func wanted(topic string, prefixes []string) bool {
	if strings.HasPrefix(topic, rawBroadcastPrefix) {
		return false
	}
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(topic, p) {
			return true
		}
	}
	return false
}

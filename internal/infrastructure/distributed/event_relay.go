// Package distributed relays auction activity between instances over Redis
// pub/sub.
package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"livebid/internal/core/domain"
	"livebid/internal/core/events"
	"livebid/pkg/circuitbreaker"
	"livebid/pkg/eventbus"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventType represents the type of event
type EventType string

const (
	EventSessionChanged EventType = "session.changed"
	EventBidChanged     EventType = "bid.changed"
	EventBidOutbid      EventType = "bid.outbid"
)

// Event is the relay's wire format.
type Event struct {
	Type       EventType        `json:"type"`
	InstanceID string           `json:"instance_id"`
	Timestamp  time.Time        `json:"timestamp"`
	SessionID  domain.SessionID `json:"session_id,omitempty"`
	Payload    json.RawMessage  `json:"payload,omitempty"`
}

// TopicRemote carries events relayed from other instances.
var TopicRemote = eventbus.NewTopic[Event]("relay.remote")

// RedisClient is the subset of *redis.Client the relay uses.
type RedisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

type RelayConfig struct {
	Channel    string
	InstanceID string
	BufferSize int
	// Breaker guards Publish; zero fields take circuitbreaker defaults.
	Breaker circuitbreaker.Config
}

// Relay forwards bus events to Redis from a single worker so bus publishers
// never wait on the network. Events beyond the buffer, and events dequeued
// while the breaker is open, are dropped.
type Relay struct {
	client  RedisClient
	bus     *eventbus.Bus
	cfg     RelayConfig
	logger  *zap.SugaredLogger
	breaker *circuitbreaker.Breaker

	queue  chan Event
	unsubs []eventbus.Unsubscribe

	mu      sync.Mutex
	dropped uint64
}

func NewRelay(client RedisClient, bus *eventbus.Bus, cfg RelayConfig, logger *zap.SugaredLogger) *Relay {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.Channel == "" {
		cfg.Channel = "livebid:events"
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	r := &Relay{
		client:  client,
		bus:     bus,
		cfg:     cfg,
		logger:  logger,
		breaker: circuitbreaker.New(cfg.Breaker),
		queue:   make(chan Event, cfg.BufferSize),
	}
	r.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		r.logger.Warnw("relay breaker state changed", "from", from.String(), "to", to.String())
	})
	return r
}

// Attach subscribes to the auction topics.
func (r *Relay) Attach() {
	r.unsubs = append(r.unsubs,
		eventbus.Subscribe(r.bus, events.TopicSessionChanged, func(e events.SessionChanged) {
			r.enqueue(EventSessionChanged, e.Session.ID, e.Session)
		}),
		eventbus.Subscribe(r.bus, events.TopicBidChanged, func(e events.BidChanged) {
			r.enqueue(EventBidChanged, e.Bid.SessionID, e.Bid)
		}),
		eventbus.Subscribe(r.bus, events.TopicBidOutbid, func(e events.BidOutbid) {
			r.enqueue(EventBidOutbid, e.Bid.SessionID, map[string]any{
				"bid":        e.Bid,
				"newHighest": e.NewHighest,
				"byBidId":    e.ByBidID,
			})
		}),
	)
}

func (r *Relay) Detach() {
	for _, u := range r.unsubs {
		u()
	}
	r.unsubs = nil
}

func (r *Relay) enqueue(typ EventType, sessionID domain.SessionID, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		r.logger.Warnw("failed to marshal relay payload", "type", typ, "error", err)
		return
	}
	ev := Event{
		Type:       typ,
		InstanceID: r.cfg.InstanceID,
		Timestamp:  time.Now(),
		SessionID:  sessionID,
		Payload:    data,
	}
	select {
	case r.queue <- ev:
	default:
		r.drop()
		r.logger.Warnw("relay queue full, dropping event", "type", typ, "session_id", sessionID)
	}
}

func (r *Relay) drop() {
	r.mu.Lock()
	r.dropped++
	r.mu.Unlock()
}

// Dropped returns how many events were discarded, on a full queue or an open
// breaker.
func (r *Relay) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Run publishes queued events until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-r.queue:
			err := r.breaker.Do(ctx, func(ctx context.Context) error { return r.publish(ctx, ev) })
			switch {
			case err == nil:
			case errors.Is(err, circuitbreaker.ErrOpen):
				r.drop()
				r.logger.Debugw("relay breaker open, dropping event", "type", ev.Type)
			case ctx.Err() != nil:
				return ctx.Err()
			default:
				r.logger.Warnw("relay publish failed", "type", ev.Type, "error", err)
			}
		}
	}
}

func (r *Relay) publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := r.client.Publish(ctx, r.cfg.Channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	r.logger.Debugw("relayed event", "type", ev.Type, "session_id", ev.SessionID)
	return nil
}

// BreakerState reports whether Redis publishes are currently being shed.
func (r *Relay) BreakerState() circuitbreaker.State {
	return r.breaker.State()
}

// Subscribe republishes events from other instances on TopicRemote until ctx
// is done.
func (r *Relay) Subscribe(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.cfg.Channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("relay subscription closed")
			}
			r.deliver([]byte(msg.Payload))
		}
	}
}

func (r *Relay) deliver(raw []byte) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		r.logger.Warnw("failed to unmarshal event", "error", err)
		return
	}
	// Skip events from this instance
	if ev.InstanceID == r.cfg.InstanceID {
		return
	}
	eventbus.Publish(r.bus, TopicRemote, ev)
}

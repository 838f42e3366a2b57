// Package events declares every topic carried on the in-process bus and the
// wire names of control-channel events.
package events

import (
	"encoding/json"
	"time"

	"livebid/internal/core/domain"
	"livebid/pkg/eventbus"
)

// Outbound control-channel events.
const (
	Authenticate         = "authenticate"
	CreateSession        = "create_session"
	JoinSession          = "join_session"
	EndSession           = "end_session"
	PlaceBid             = "place_bid"
	AcceptBid            = "accept_bid"
	RejectBid            = "reject_bid"
	GetCapabilities      = "get_capabilities"
	CreateTransport      = "create_transport"
	ConnectTransport     = "connect_transport"
	CreateProducer       = "create_producer"
	CloseProducer        = "close_producer"
	CreateConsumer       = "create_consumer"
	ResumeConsumer       = "resume_consumer"
	SetPreferredLayers   = "set_consumer_preferred_layers"
	GetExistingProducers = "get_existing_producers"
)

// Inbound broadcasts.
const (
	SessionCreated = "SESSION_CREATED"
	SessionEnded   = "SESSION_ENDED"
	NewBid         = "NEW_BID"
	BidAccepted    = "BID_ACCEPTED"
	BidRejected    = "BID_REJECTED"
	Outbid         = "OUTBID"
	NewProducer    = "NEW_PRODUCER"
	ProducerClosed = "PRODUCER_CLOSED"
)

// ServerEvent is a broadcast as received from the control channel.
type ServerEvent struct {
	Name       string
	Data       json.RawMessage
	ReceivedAt time.Time
}

// Inbound returns the topic carrying broadcasts named name.
func Inbound(name string) eventbus.Topic[ServerEvent] {
	return eventbus.NewTopic[ServerEvent]("server." + name)
}

// Connection lifecycle.

type Connected struct {
	ConnectionID string
	UserID       domain.UserID
	Reconnect    bool
}

type Authenticated struct {
	UserID domain.UserID
}

type AuthFailed struct {
	UserID domain.UserID
	Reason string
}

type Disconnected struct {
	Reason string
}

type Reconnecting struct {
	Attempt int
	Delay   time.Duration
}

type ConnectionFailed struct {
	Attempts int
	Reason   string
}

type HealthChanged struct {
	Health domain.ConnectionHealth
	Class  domain.HealthClass
}

var (
	TopicConnected        = eventbus.NewTopic[Connected]("connection.connected")
	TopicAuthenticated    = eventbus.NewTopic[Authenticated]("connection.authenticated")
	TopicAuthFailed       = eventbus.NewTopic[AuthFailed]("connection.auth_failed")
	TopicDisconnected     = eventbus.NewTopic[Disconnected]("connection.disconnected")
	TopicReconnecting     = eventbus.NewTopic[Reconnecting]("connection.reconnecting")
	TopicConnectionFailed = eventbus.NewTopic[ConnectionFailed]("CONNECTION_FAILED")
	TopicHealthChanged    = eventbus.NewTopic[HealthChanged]("connection.health")
)

// Auction.

type SessionChanged struct {
	Session domain.Session
}

type BidChanged struct {
	Bid      domain.Bid
	Previous domain.BidStatus
}

// BidOutbid notifies a displaced bidder.
type BidOutbid struct {
	Bid        domain.Bid
	NewHighest domain.Money
	ByBidID    domain.BidID
}

var (
	TopicSessionChanged = eventbus.NewTopic[SessionChanged]("auction.session")
	TopicBidChanged     = eventbus.NewTopic[BidChanged]("auction.bid")
	TopicBidOutbid      = eventbus.NewTopic[BidOutbid]("auction.outbid")
)

// Media.

type MediaStateChanged struct {
	From string
	To   string
	Err  string
}

type ProducerChanged struct {
	Producer domain.Producer
	Closed   bool
}

type ConsumerChanged struct {
	Consumer domain.Consumer
	Closed   bool
}

type LayerRequested struct {
	ConsumerID   domain.ConsumerID
	SpatialLayer int
	Stats        domain.ConsumerStats
}

var (
	TopicMediaState     = eventbus.NewTopic[MediaStateChanged]("media.state")
	TopicProducer       = eventbus.NewTopic[ProducerChanged]("media.producer")
	TopicConsumer       = eventbus.NewTopic[ConsumerChanged]("media.consumer")
	TopicLayerRequested = eventbus.NewTopic[LayerRequested]("media.layer")
)

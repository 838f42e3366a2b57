package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"livebid/internal/core/domain"
	"livebid/internal/core/events"
	apperrors "livebid/pkg/errors"
	"livebid/pkg/eventbus"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	host   domain.UserID = "host-1"
	guestA domain.UserID = "guest-a"
	guestB domain.UserID = "guest-b"
)

func newAuction(t *testing.T) (*AuctionService, *mockSignaler, *eventbus.Bus) {
	t.Helper()
	sig := &mockSignaler{}
	bus := eventbus.New(nil)
	svc := NewAuctionService(sig, bus, nil, nil)
	svc.Start()
	t.Cleanup(svc.Stop)
	return svc, sig, bus
}

func broadcast(t *testing.T, bus *eventbus.Bus, name string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	eventbus.Publish(bus, events.Inbound(name), events.ServerEvent{Name: name, Data: raw, ReceivedAt: time.Now()})
}

func requireRule(t *testing.T, err error, reason string) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeAuctionRule), "got %v", err)
	assert.Equal(t, reason, apperrors.GetAppError(err).Message)
}

func createBiddingSession(t *testing.T, svc *AuctionService, sig *mockSignaler) domain.Session {
	t.Helper()
	sig.On("Request", events.CreateSession, mock.Anything).
		Return(`{"sessionId":"s1","hostId":"host-1","status":"PENDING"}`, nil).Once()
	sess, err := svc.CreateSession(context.Background(), CreateSessionRequest{HostID: host, AllowsBids: true, BaseRate: 1000})
	require.NoError(t, err)
	return sess
}

func TestAuction_ScenarioA(t *testing.T) {
	svc, sig, bus := newAuction(t)

	var outbid []events.BidOutbid
	eventbus.Subscribe(bus, events.TopicBidOutbid, func(e events.BidOutbid) { outbid = append(outbid, e) })

	sess := createBiddingSession(t, svc, sig)
	assert.Equal(t, domain.Money(1000), svc.Highest(sess.ID))

	_, err := svc.PlaceBid(context.Background(), PlaceBidRequest{SessionID: sess.ID, BidderID: guestA, Amount: 800})
	requireRule(t, err, domain.ReasonBidTooLow)
	sig.AssertNotCalled(t, "Request", events.PlaceBid, mock.Anything)

	sig.On("Request", events.PlaceBid, mock.Anything).Return(`{"bidId":"b15"}`, nil).Once()
	b15, err := svc.PlaceBid(context.Background(), PlaceBidRequest{SessionID: sess.ID, BidderID: guestA, Amount: 1500})
	require.NoError(t, err)
	assert.Equal(t, domain.BidPending, b15.Status)
	assert.Equal(t, domain.Money(1500), svc.Highest(sess.ID))

	sig.On("Request", events.PlaceBid, mock.Anything).Return(`{"bidId":"b20"}`, nil).Once()
	b20, err := svc.PlaceBid(context.Background(), PlaceBidRequest{SessionID: sess.ID, BidderID: guestB, Amount: 2000})
	require.NoError(t, err)
	assert.Equal(t, domain.Money(2000), svc.Highest(sess.ID))

	first, _ := svc.Bid(b15.ID)
	assert.Equal(t, domain.BidOutbid, first.Status)
	require.Len(t, outbid, 1)
	assert.Equal(t, guestA, outbid[0].Bid.BidderID)
	assert.Equal(t, domain.Money(2000), outbid[0].NewHighest)
	assert.Equal(t, b20.ID, outbid[0].ByBidID)

	sig.On("Request", events.AcceptBid, mock.Anything).Return("", nil).Once()
	accepted, err := svc.AcceptBid(context.Background(), b20.ID, host)
	require.NoError(t, err)
	assert.Equal(t, domain.BidAccepted, accepted.Status)

	for _, bid := range svc.Bids(sess.ID) {
		if bid.ID != b20.ID {
			assert.NotEqual(t, domain.BidPending, bid.Status)
			assert.NotEqual(t, domain.BidAccepted, bid.Status)
		}
	}

	got, _ := svc.Session(sess.ID)
	assert.Equal(t, domain.SessionLive, got.Status)
	assert.Equal(t, guestB, got.CurrentGuestID)
	sig.AssertExpectations(t)
}

func TestAuction_InsufficientBidDoesNotMutate(t *testing.T) {
	svc, sig, bus := newAuction(t)
	sess := createBiddingSession(t, svc, sig)

	var changes int
	eventbus.Subscribe(bus, events.TopicBidChanged, func(events.BidChanged) { changes++ })

	for _, amount := range []domain.Money{0, -5, 999, 1000} {
		_, err := svc.PlaceBid(context.Background(), PlaceBidRequest{SessionID: sess.ID, BidderID: guestA, Amount: amount})
		require.Error(t, err)
	}
	assert.Empty(t, svc.Bids(sess.ID))
	assert.Equal(t, domain.Money(1000), svc.Highest(sess.ID))
	assert.Zero(t, changes)
	sig.AssertNotCalled(t, "Request", events.PlaceBid, mock.Anything)
}

func TestAuction_RemoteFailureDoesNotMutate(t *testing.T) {
	svc, sig, _ := newAuction(t)
	sess := createBiddingSession(t, svc, sig)

	sig.On("Request", events.PlaceBid, mock.Anything).
		Return("", apperrors.NewRemoteError(events.PlaceBid, "server busy")).Once()
	_, err := svc.PlaceBid(context.Background(), PlaceBidRequest{SessionID: sess.ID, BidderID: guestA, Amount: 5000})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeRemote))
	assert.Empty(t, svc.Bids(sess.ID))
}

func TestAuction_SameBidderReplacesPendingBid(t *testing.T) {
	svc, sig, bus := newAuction(t)
	sess := createBiddingSession(t, svc, sig)

	var changes []events.BidChanged
	var outbid []events.BidOutbid
	eventbus.Subscribe(bus, events.TopicBidChanged, func(e events.BidChanged) { changes = append(changes, e) })
	eventbus.Subscribe(bus, events.TopicBidOutbid, func(e events.BidOutbid) { outbid = append(outbid, e) })

	sig.On("Request", events.PlaceBid, mock.Anything).Return(`{"bidId":"b1"}`, nil).Once()
	_, err := svc.PlaceBid(context.Background(), PlaceBidRequest{SessionID: sess.ID, BidderID: guestA, Amount: 1200})
	require.NoError(t, err)

	sig.On("Request", events.PlaceBid, mock.Anything).Return(`{"bidId":"b2"}`, nil).Once()
	_, err = svc.PlaceBid(context.Background(), PlaceBidRequest{SessionID: sess.ID, BidderID: guestA, Amount: 1300})
	require.NoError(t, err)

	bids := svc.Bids(sess.ID)
	require.Len(t, bids, 2)
	assert.Equal(t, domain.BidOutbid, bids[0].Status)
	assert.Equal(t, domain.BidID("b2"), bids[1].ID)
	assert.Equal(t, domain.BidPending, bids[1].Status)

	require.Len(t, changes, 3)
	assert.Equal(t, domain.BidID("b1"), changes[2].Bid.ID)
	assert.Equal(t, domain.BidOutbid, changes[2].Bid.Status)
	assert.Equal(t, domain.BidPending, changes[2].Previous)
	assert.Empty(t, outbid, "a bidder is not told they outbid themselves")
}

func TestAuction_BidOvertakenBeforeResponseArrivesOutbid(t *testing.T) {
	svc, sig, bus := newAuction(t)
	sess := createBiddingSession(t, svc, sig)

	var outbid []events.BidOutbid
	eventbus.Subscribe(bus, events.TopicBidOutbid, func(e events.BidOutbid) { outbid = append(outbid, e) })

	sig.On("Request", events.PlaceBid, mock.Anything).
		Run(func(mock.Arguments) {
			broadcast(t, bus, events.NewBid, domain.Bid{ID: "b20", SessionID: sess.ID, BidderID: guestB, Amount: 2000})
		}).
		Return(`{"bidId":"b15"}`, nil).Once()

	got, err := svc.PlaceBid(context.Background(), PlaceBidRequest{SessionID: sess.ID, BidderID: guestA, Amount: 1500})
	require.NoError(t, err)
	assert.Equal(t, domain.BidOutbid, got.Status)

	pending := 0
	for _, bid := range svc.Bids(sess.ID) {
		if bid.Status == domain.BidPending {
			pending++
			assert.Equal(t, domain.BidID("b20"), bid.ID)
		}
	}
	assert.Equal(t, 1, pending)
	assert.Equal(t, domain.Money(2000), svc.Highest(sess.ID))

	require.Len(t, outbid, 1)
	assert.Equal(t, domain.BidID("b15"), outbid[0].Bid.ID)
	assert.Equal(t, domain.Money(2000), outbid[0].NewHighest)
	assert.Equal(t, domain.BidID("b20"), outbid[0].ByBidID)
}

func TestAuction_OnlyHostDecides(t *testing.T) {
	svc, sig, _ := newAuction(t)
	sess := createBiddingSession(t, svc, sig)

	sig.On("Request", events.PlaceBid, mock.Anything).Return(`{"bidId":"b1"}`, nil).Once()
	bid, err := svc.PlaceBid(context.Background(), PlaceBidRequest{SessionID: sess.ID, BidderID: guestA, Amount: 1200})
	require.NoError(t, err)

	_, err = svc.AcceptBid(context.Background(), bid.ID, guestA)
	requireRule(t, err, domain.ReasonNotHost)
	_, err = svc.RejectBid(context.Background(), bid.ID, guestB)
	requireRule(t, err, domain.ReasonNotHost)
	_, err = svc.AcceptBid(context.Background(), "nope", host)
	requireRule(t, err, domain.ReasonUnknownBid)

	sig.On("Request", events.RejectBid, mock.Anything).Return("", nil).Once()
	rejected, err := svc.RejectBid(context.Background(), bid.ID, host)
	require.NoError(t, err)
	assert.Equal(t, domain.BidRejected, rejected.Status)

	_, err = svc.AcceptBid(context.Background(), bid.ID, host)
	requireRule(t, err, domain.ReasonBidNotPending)
}

func TestAuction_BidAcceptedReplayIsIdempotent(t *testing.T) {
	svc, _, bus := newAuction(t)

	broadcast(t, bus, events.SessionCreated, domain.Session{ID: "s9", HostID: host, Status: domain.SessionPending, AllowsBids: true, BaseRate: 500})
	broadcast(t, bus, events.NewBid, domain.Bid{ID: "x1", SessionID: "s9", BidderID: guestA, Amount: 700})
	broadcast(t, bus, events.NewBid, domain.Bid{ID: "x2", SessionID: "s9", BidderID: guestB, Amount: 900})

	var changes int
	eventbus.Subscribe(bus, events.TopicBidChanged, func(events.BidChanged) { changes++ })

	broadcast(t, bus, events.BidAccepted, domain.Bid{ID: "x2", SessionID: "s9"})
	after := changes
	snapshot := svc.Bids("s9")

	broadcast(t, bus, events.BidAccepted, domain.Bid{ID: "x2", SessionID: "s9"})
	broadcast(t, bus, events.NewBid, domain.Bid{ID: "x2", SessionID: "s9", BidderID: guestB, Amount: 900})
	assert.Equal(t, snapshot, svc.Bids("s9"))
	assert.Equal(t, after, changes)

	// a conflicting accept cannot produce a second accepted bid
	broadcast(t, bus, events.BidAccepted, domain.Bid{ID: "x1", SessionID: "s9"})
	accepted := 0
	for _, b := range svc.Bids("s9") {
		if b.Status == domain.BidAccepted {
			accepted++
		}
	}
	assert.Equal(t, 1, accepted)
}

func TestAuction_TerminalStatusNeverReverts(t *testing.T) {
	svc, _, bus := newAuction(t)
	broadcast(t, bus, events.SessionCreated, domain.Session{ID: "s2", HostID: host, AllowsBids: true})
	broadcast(t, bus, events.NewBid, domain.Bid{ID: "r1", SessionID: "s2", BidderID: guestA, Amount: 100})
	broadcast(t, bus, events.BidRejected, domain.Bid{ID: "r1", SessionID: "s2"})
	broadcast(t, bus, events.BidAccepted, domain.Bid{ID: "r1", SessionID: "s2"})
	broadcast(t, bus, events.Outbid, map[string]any{"bidId": "r1", "sessionId": "s2"})

	bid, ok := svc.Bid("r1")
	require.True(t, ok)
	assert.Equal(t, domain.BidRejected, bid.Status)
}

func TestAuction_OutbidBroadcastNotifies(t *testing.T) {
	svc, _, bus := newAuction(t)
	var notices []events.BidOutbid
	eventbus.Subscribe(bus, events.TopicBidOutbid, func(e events.BidOutbid) { notices = append(notices, e) })

	broadcast(t, bus, events.SessionCreated, domain.Session{ID: "s3", HostID: host, AllowsBids: true})
	broadcast(t, bus, events.NewBid, domain.Bid{ID: "o1", SessionID: "s3", BidderID: guestA, Amount: 100})
	broadcast(t, bus, events.Outbid, map[string]any{"bidId": "o1", "sessionId": "s3", "newHighest": 250})
	broadcast(t, bus, events.Outbid, map[string]any{"bidId": "o1", "sessionId": "s3", "newHighest": 250})

	require.Len(t, notices, 1)
	assert.Equal(t, domain.Money(250), notices[0].NewHighest)
	bid, _ := svc.Bid("o1")
	assert.Equal(t, domain.BidOutbid, bid.Status)
}

func TestAuction_JoinSessionRules(t *testing.T) {
	svc, sig, bus := newAuction(t)

	_, err := svc.JoinSession(context.Background(), "missing", guestA)
	requireRule(t, err, domain.ReasonNoActiveSession)

	broadcast(t, bus, events.SessionCreated, domain.Session{ID: "bidding", HostID: host, AllowsBids: true})
	_, err = svc.JoinSession(context.Background(), "bidding", guestA)
	requireRule(t, err, domain.ReasonBidsRequired)

	broadcast(t, bus, events.SessionCreated, domain.Session{ID: "open", HostID: host})
	sig.On("Request", events.JoinSession, mock.Anything).Return(`{"sessionId":"open"}`, nil).Once()
	sess, err := svc.JoinSession(context.Background(), "open", guestA)
	require.NoError(t, err)
	assert.Equal(t, guestA, sess.CurrentGuestID)
	assert.Equal(t, domain.SessionLive, sess.Status)

	_, err = svc.JoinSession(context.Background(), "open", guestB)
	requireRule(t, err, domain.ReasonSessionOccupied)
}

func TestAuction_OneLiveSessionPerHost(t *testing.T) {
	svc, sig, bus := newAuction(t)
	broadcast(t, bus, events.SessionCreated, domain.Session{ID: "live", HostID: host, Status: domain.SessionLive})

	_, err := svc.CreateSession(context.Background(), CreateSessionRequest{HostID: host})
	requireRule(t, err, domain.ReasonHostAlreadyLive)
	sig.AssertNotCalled(t, "Request", events.CreateSession, mock.Anything)
}

func TestAuction_SessionStatusIsMonotonic(t *testing.T) {
	svc, sig, bus := newAuction(t)
	sess := createBiddingSession(t, svc, sig)

	sig.On("Request", events.PlaceBid, mock.Anything).Return(`{"bidId":"p1"}`, nil).Once()
	_, err := svc.PlaceBid(context.Background(), PlaceBidRequest{SessionID: sess.ID, BidderID: guestA, Amount: 1100})
	require.NoError(t, err)

	broadcast(t, bus, events.SessionEnded, map[string]any{"sessionId": sess.ID})
	broadcast(t, bus, events.SessionCreated, domain.Session{ID: sess.ID, HostID: host, Status: domain.SessionLive})

	got, _ := svc.Session(sess.ID)
	assert.Equal(t, domain.SessionEnded, got.Status)
	require.NotNil(t, got.EndedAt)

	bid, _ := svc.Bid("p1")
	assert.Equal(t, domain.BidRejected, bid.Status, "pending bids close with the session")

	_, err = svc.PlaceBid(context.Background(), PlaceBidRequest{SessionID: sess.ID, BidderID: guestB, Amount: 9000})
	requireRule(t, err, domain.ReasonNoActiveSession)
	_, err = svc.EndSession(context.Background(), sess.ID, host)
	requireRule(t, err, domain.ReasonNoActiveSession)
}

package services

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"livebid/internal/core/domain"
	"livebid/internal/core/events"
	"livebid/internal/core/ports"
	apperrors "livebid/pkg/errors"
	"livebid/pkg/eventbus"
	"livebid/pkg/tracing"

	"go.uber.org/zap"
)

// AuctionMetrics counts auction outcomes.
type AuctionMetrics interface {
	BidPlaced(outcome string)
	BidDecided(status domain.BidStatus)
	SessionStatus(status domain.SessionStatus)
}

type nopAuctionMetrics struct{}

func (nopAuctionMetrics) BidPlaced(string)                   {}
func (nopAuctionMetrics) BidDecided(domain.BidStatus)        {}
func (nopAuctionMetrics) SessionStatus(domain.SessionStatus) {}

type CreateSessionRequest struct {
	HostID     domain.UserID `json:"hostId"`
	AllowsBids bool          `json:"allowsBids"`
	BaseRate   domain.Money  `json:"baseRate"`
}

type PlaceBidRequest struct {
	SessionID  domain.SessionID `json:"sessionId"`
	BidderID   domain.UserID    `json:"bidderId"`
	BidderName string           `json:"bidderName,omitempty"`
	Amount     domain.Money     `json:"amount"`
}

type outbidNotice struct {
	BidID      domain.BidID     `json:"bidId"`
	SessionID  domain.SessionID `json:"sessionId"`
	NewHighest domain.Money     `json:"newHighest,omitempty"`
	ByBidID    domain.BidID     `json:"byBidId,omitempty"`
}

type sessionEndedNotice struct {
	SessionID domain.SessionID `json:"sessionId"`
	EndedAt   *time.Time       `json:"endedAt,omitempty"`
}

type bidBook struct {
	bids  map[domain.BidID]*domain.Bid
	order []domain.BidID
}

// AuctionService owns the session registry and per-session bids. State only
// changes on a confirmed response to a local action or on a server broadcast.
type AuctionService struct {
	signal  ports.Signaler
	bus     *eventbus.Bus
	logger  *zap.SugaredLogger
	metrics AuctionMetrics
	now     func() time.Time

	mu       sync.Mutex
	sessions map[domain.SessionID]*domain.Session
	books    map[domain.SessionID]*bidBook
	bidIndex map[domain.BidID]domain.SessionID

	unsubs []eventbus.Unsubscribe
}

func NewAuctionService(signal ports.Signaler, bus *eventbus.Bus, logger *zap.SugaredLogger, metrics AuctionMetrics) *AuctionService {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if metrics == nil {
		metrics = nopAuctionMetrics{}
	}
	return &AuctionService{
		signal:   signal,
		bus:      bus,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
		sessions: make(map[domain.SessionID]*domain.Session),
		books:    make(map[domain.SessionID]*bidBook),
		bidIndex: make(map[domain.BidID]domain.SessionID),
	}
}

// Start subscribes to the auction broadcasts.
func (s *AuctionService) Start() {
	handlers := map[string]func(json.RawMessage) error{
		events.SessionCreated: s.onSessionCreated,
		events.SessionEnded:   s.onSessionEnded,
		events.NewBid:         s.onNewBid,
		events.BidAccepted:    s.onBidAccepted,
		events.BidRejected:    s.onBidRejected,
		events.Outbid:         s.onOutbid,
	}
	for name, h := range handlers {
		name, h := name, h
		s.unsubs = append(s.unsubs, eventbus.Subscribe(s.bus, events.Inbound(name), func(e events.ServerEvent) {
			if err := h(e.Data); err != nil {
				s.logger.Warnw("ignoring malformed broadcast", "event", name, "error", err)
			}
		}))
	}
}

func (s *AuctionService) Stop() {
	for _, u := range s.unsubs {
		u()
	}
	s.unsubs = nil
}

// CreateSession asks the server to open a session for the host.
func (s *AuctionService) CreateSession(ctx context.Context, req CreateSessionRequest) (domain.Session, error) {
	ctx, span := tracing.TraceAuction(ctx, "create_session", "")
	var err error
	defer func() { tracing.EndSpan(span, err) }()

	if req.BaseRate < 0 {
		err = apperrors.NewAuctionRuleViolation(domain.ReasonInvalidAmount)
		return domain.Session{}, err
	}
	s.mu.Lock()
	live := s.liveSessionOfLocked(req.HostID)
	s.mu.Unlock()
	if live != nil {
		err = apperrors.NewAuctionRuleViolation(domain.ReasonHostAlreadyLive).WithContext("session_id", live.ID)
		return domain.Session{}, err
	}

	var snap domain.Session
	if err = s.signal.Request(ctx, events.CreateSession, req, &snap); err != nil {
		return domain.Session{}, err
	}
	if snap.ID == "" {
		err = apperrors.NewRemoteError(events.CreateSession, "response missing sessionId")
		return domain.Session{}, err
	}
	if snap.HostID == "" {
		snap.HostID = req.HostID
	}
	if snap.Status == "" {
		snap.Status = domain.SessionPending
	}
	snap.AllowsBids = req.AllowsBids
	snap.BaseRate = req.BaseRate

	s.applySession(snap)
	got, _ := s.Session(snap.ID)
	s.logger.Infow("session created", "session_id", got.ID, "host_id", got.HostID, "allows_bids", got.AllowsBids)
	return got, nil
}

// JoinSession joins an open session directly. Sessions that take bids are
// joined through an accepted bid instead.
func (s *AuctionService) JoinSession(ctx context.Context, sessionID domain.SessionID, guestID domain.UserID) (domain.Session, error) {
	ctx, span := tracing.TraceAuction(ctx, "join_session", string(sessionID))
	var err error
	defer func() { tracing.EndSpan(span, err) }()

	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	switch {
	case !ok || sess.Status == domain.SessionEnded:
		err = apperrors.NewAuctionRuleViolation(domain.ReasonNoActiveSession)
	case sess.Occupied():
		err = apperrors.NewAuctionRuleViolation(domain.ReasonSessionOccupied)
	case sess.AllowsBids:
		err = apperrors.NewAuctionRuleViolation(domain.ReasonBidsRequired)
	}
	s.mu.Unlock()
	if err != nil {
		return domain.Session{}, err
	}

	var snap domain.Session
	if err = s.signal.Request(ctx, events.JoinSession, map[string]any{
		"sessionId": sessionID,
		"guestId":   guestID,
	}, &snap); err != nil {
		return domain.Session{}, err
	}

	s.mu.Lock()
	var fns []func()
	if cur, ok := s.sessions[sessionID]; ok {
		if snap.ID == sessionID {
			fns = s.mergeSessionLocked(cur, snap)
		}
		if !cur.Occupied() {
			cur.CurrentGuestID = guestID
		}
		if cur.CurrentGuestID == guestID && cur.Status == domain.SessionPending {
			s.goLiveLocked(cur)
			fns = append(fns, s.sessionEvent(*cur))
		}
	}
	got := *s.sessions[sessionID]
	s.mu.Unlock()
	run(fns)

	s.logger.Infow("joined session", "session_id", sessionID, "guest_id", guestID)
	return got, nil
}

// EndSession ends a session on behalf of its host or current guest.
func (s *AuctionService) EndSession(ctx context.Context, sessionID domain.SessionID, actor domain.UserID) (domain.Session, error) {
	ctx, span := tracing.TraceAuction(ctx, "end_session", string(sessionID))
	var err error
	defer func() { tracing.EndSpan(span, err) }()

	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	switch {
	case !ok || sess.Status == domain.SessionEnded:
		err = apperrors.NewAuctionRuleViolation(domain.ReasonNoActiveSession)
	case actor != sess.HostID && actor != sess.CurrentGuestID:
		err = apperrors.NewAuctionRuleViolation(domain.ReasonNotHost)
	}
	s.mu.Unlock()
	if err != nil {
		return domain.Session{}, err
	}

	if err = s.signal.Request(ctx, events.EndSession, map[string]any{"sessionId": sessionID}, nil); err != nil {
		return domain.Session{}, err
	}

	s.applySessionEnded(sessionID, s.now())
	got, _ := s.Session(sessionID)
	return got, nil
}

// PlaceBid validates and submits a bid. Bids that do not exceed the current
// highest are rejected locally without touching state.
func (s *AuctionService) PlaceBid(ctx context.Context, req PlaceBidRequest) (domain.Bid, error) {
	ctx, span := tracing.TraceAuction(ctx, "place_bid", string(req.SessionID))
	var err error
	defer func() {
		if err != nil {
			s.metrics.BidPlaced("rejected")
		}
		tracing.EndSpan(span, err)
	}()

	s.mu.Lock()
	sess, ok := s.sessions[req.SessionID]
	switch {
	case !ok || sess.Status == domain.SessionEnded:
		err = apperrors.NewAuctionRuleViolation(domain.ReasonNoActiveSession)
	case !sess.AllowsBids:
		err = apperrors.NewAuctionRuleViolation(domain.ReasonBidsNotAllowed)
	case sess.Occupied():
		err = apperrors.NewAuctionRuleViolation(domain.ReasonSessionOccupied)
	case req.Amount <= 0:
		err = apperrors.NewAuctionRuleViolation(domain.ReasonInvalidAmount)
	case req.Amount <= s.highestLocked(req.SessionID):
		err = apperrors.NewAuctionRuleViolation(domain.ReasonBidTooLow).
			WithContext("highest", s.highestLocked(req.SessionID))
	}
	s.mu.Unlock()
	if err != nil {
		return domain.Bid{}, err
	}

	var snap domain.Bid
	if err = s.signal.Request(ctx, events.PlaceBid, req, &snap); err != nil {
		return domain.Bid{}, err
	}
	if snap.ID == "" {
		err = apperrors.NewRemoteError(events.PlaceBid, "response missing bidId")
		return domain.Bid{}, err
	}
	snap.SessionID = req.SessionID
	snap.Amount = req.Amount
	snap.BidderID = req.BidderID
	if snap.BidderName == "" {
		snap.BidderName = req.BidderName
	}

	s.applyNewBid(snap)
	got, _ := s.Bid(snap.ID)
	s.metrics.BidPlaced(string(got.Status))
	s.logger.Infow("bid placed", "session_id", req.SessionID, "bid_id", got.ID, "amount", got.Amount, "status", got.Status)
	return got, nil
}

// AcceptBid lets the host accept one pending bid; every other pending bid of
// the session is rejected.
func (s *AuctionService) AcceptBid(ctx context.Context, bidID domain.BidID, actor domain.UserID) (domain.Bid, error) {
	sessionID, err := s.checkDecision(bidID, actor, true)
	ctx, span := tracing.TraceAuction(ctx, "accept_bid", string(sessionID))
	defer func() { tracing.EndSpan(span, err) }()
	if err != nil {
		return domain.Bid{}, err
	}

	if err = s.signal.Request(ctx, events.AcceptBid, map[string]any{
		"bidId":     bidID,
		"sessionId": sessionID,
	}, nil); err != nil {
		return domain.Bid{}, err
	}

	s.applyAccepted(bidID, sessionID)
	got, _ := s.Bid(bidID)
	s.logger.Infow("bid accepted", "session_id", sessionID, "bid_id", bidID, "bidder_id", got.BidderID)
	return got, nil
}

func (s *AuctionService) RejectBid(ctx context.Context, bidID domain.BidID, actor domain.UserID) (domain.Bid, error) {
	sessionID, err := s.checkDecision(bidID, actor, false)
	ctx, span := tracing.TraceAuction(ctx, "reject_bid", string(sessionID))
	defer func() { tracing.EndSpan(span, err) }()
	if err != nil {
		return domain.Bid{}, err
	}

	if err = s.signal.Request(ctx, events.RejectBid, map[string]any{
		"bidId":     bidID,
		"sessionId": sessionID,
	}, nil); err != nil {
		return domain.Bid{}, err
	}

	s.applyDecision(bidID, domain.BidRejected)
	got, _ := s.Bid(bidID)
	return got, nil
}

func (s *AuctionService) checkDecision(bidID domain.BidID, actor domain.UserID, accept bool) (domain.SessionID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessionID, ok := s.bidIndex[bidID]
	if !ok {
		return "", apperrors.NewAuctionRuleViolation(domain.ReasonUnknownBid)
	}
	sess, ok := s.sessions[sessionID]
	var bid *domain.Bid
	if book := s.books[sessionID]; book != nil {
		bid = book.bids[bidID]
	}
	switch {
	case bid == nil:
		return sessionID, apperrors.NewAuctionRuleViolation(domain.ReasonUnknownBid)
	case !ok || sess.Status == domain.SessionEnded:
		return sessionID, apperrors.NewAuctionRuleViolation(domain.ReasonNoActiveSession)
	case sess.HostID != actor:
		return sessionID, apperrors.NewAuctionRuleViolation(domain.ReasonNotHost)
	case accept && s.hasAcceptedLocked(sessionID):
		return sessionID, apperrors.NewAuctionRuleViolation(domain.ReasonDuplicateAccept)
	case bid.Status != domain.BidPending:
		return sessionID, apperrors.NewAuctionRuleViolation(domain.ReasonBidNotPending).WithContext("status", bid.Status)
	}
	return sessionID, nil
}

// Broadcast handlers. Each is safe to replay.

func (s *AuctionService) onSessionCreated(data json.RawMessage) error {
	var snap domain.Session
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	if snap.ID == "" {
		return apperrors.NewInvalidInputError("missing sessionId")
	}
	s.applySession(snap)
	return nil
}

func (s *AuctionService) onSessionEnded(data json.RawMessage) error {
	var n sessionEndedNotice
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if n.SessionID == "" {
		return apperrors.NewInvalidInputError("missing sessionId")
	}
	at := s.now()
	if n.EndedAt != nil {
		at = *n.EndedAt
	}
	s.applySessionEnded(n.SessionID, at)
	return nil
}

func (s *AuctionService) onNewBid(data json.RawMessage) error {
	var bid domain.Bid
	if err := json.Unmarshal(data, &bid); err != nil {
		return err
	}
	if bid.ID == "" || bid.SessionID == "" {
		return apperrors.NewInvalidInputError("missing bidId or sessionId")
	}
	s.applyNewBid(bid)
	return nil
}

func (s *AuctionService) onBidAccepted(data json.RawMessage) error {
	var bid domain.Bid
	if err := json.Unmarshal(data, &bid); err != nil {
		return err
	}
	if bid.ID == "" {
		return apperrors.NewInvalidInputError("missing bidId")
	}
	s.mu.Lock()
	_, known := s.bidIndex[bid.ID]
	s.mu.Unlock()
	if !known {
		if bid.SessionID == "" {
			return apperrors.NewInvalidInputError("missing sessionId")
		}
		bid.Status = domain.BidPending
		s.applyNewBid(bid)
	}
	s.applyAccepted(bid.ID, bid.SessionID)
	return nil
}

func (s *AuctionService) onBidRejected(data json.RawMessage) error {
	var bid domain.Bid
	if err := json.Unmarshal(data, &bid); err != nil {
		return err
	}
	s.applyDecision(bid.ID, domain.BidRejected)
	return nil
}

func (s *AuctionService) onOutbid(data json.RawMessage) error {
	var n outbidNotice
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}

	s.mu.Lock()
	sessionID, ok := s.bidIndex[n.BidID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	bid := s.books[sessionID].bids[n.BidID]
	if bid.Status != domain.BidPending {
		s.mu.Unlock()
		return nil
	}
	bid.Status = domain.BidOutbid
	highest := n.NewHighest
	if highest == 0 {
		highest = s.highestLocked(sessionID)
	}
	fns := []func(){s.bidEvent(*bid, domain.BidPending), s.outbidEvent(*bid, highest, n.ByBidID)}
	s.mu.Unlock()
	run(fns)
	return nil
}

// State transitions. Callers must not hold s.mu; events fire after unlock.

func (s *AuctionService) applySession(snap domain.Session) {
	s.mu.Lock()
	var fns []func()
	cur, ok := s.sessions[snap.ID]
	if !ok {
		cp := snap
		if cp.Status == "" {
			cp.Status = domain.SessionPending
		}
		s.sessions[cp.ID] = &cp
		s.books[cp.ID] = &bidBook{bids: make(map[domain.BidID]*domain.Bid)}
		s.metrics.SessionStatus(cp.Status)
		fns = append(fns, s.sessionEvent(cp))
	} else {
		fns = s.mergeSessionLocked(cur, snap)
	}
	s.mu.Unlock()
	run(fns)
}

// mergeSessionLocked folds a snapshot into cur without moving status backwards.
func (s *AuctionService) mergeSessionLocked(cur *domain.Session, snap domain.Session) []func() {
	changed := false
	if cur.HostID == "" && snap.HostID != "" {
		// placeholder created by a bid that arrived before its session
		cur.HostID = snap.HostID
		cur.AllowsBids = snap.AllowsBids
		cur.BaseRate = snap.BaseRate
		changed = true
	}
	if snap.CurrentGuestID != "" && cur.CurrentGuestID != snap.CurrentGuestID && cur.Status != domain.SessionEnded {
		cur.CurrentGuestID = snap.CurrentGuestID
		changed = true
	}
	if snap.Status != "" && cur.Status.CanTransitionTo(snap.Status) {
		cur.Status = snap.Status
		if snap.StartedAt != nil {
			cur.StartedAt = snap.StartedAt
		}
		if snap.EndedAt != nil {
			cur.EndedAt = snap.EndedAt
		}
		s.metrics.SessionStatus(cur.Status)
		changed = true
	}
	if !changed {
		return nil
	}
	return []func(){s.sessionEvent(*cur)}
}

func (s *AuctionService) goLiveLocked(sess *domain.Session) {
	if !sess.Status.CanTransitionTo(domain.SessionLive) {
		return
	}
	now := s.now()
	sess.Status = domain.SessionLive
	sess.StartedAt = &now
	s.metrics.SessionStatus(sess.Status)
}

func (s *AuctionService) applySessionEnded(sessionID domain.SessionID, at time.Time) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok || !sess.Status.CanTransitionTo(domain.SessionEnded) {
		s.mu.Unlock()
		return
	}
	sess.Status = domain.SessionEnded
	sess.EndedAt = &at
	s.metrics.SessionStatus(sess.Status)

	fns := []func(){s.sessionEvent(*sess)}
	for _, id := range s.books[sessionID].order {
		bid := s.books[sessionID].bids[id]
		if bid.Status == domain.BidPending {
			bid.Status = domain.BidRejected
			s.metrics.BidDecided(bid.Status)
			fns = append(fns, s.bidEvent(*bid, domain.BidPending))
		}
	}
	s.mu.Unlock()
	run(fns)
	s.logger.Infow("session ended", "session_id", sessionID)
}

// applyNewBid records a bid. A bid that does not exceed every other bidder's
// pending or accepted bid arrives outbid; otherwise it is pending, the
// bidder's earlier pending bid is superseded and other bidders' pending bids
// become outbid.
func (s *AuctionService) applyNewBid(bid domain.Bid) {
	s.mu.Lock()
	if _, exists := s.bidIndex[bid.ID]; exists {
		s.mu.Unlock()
		return
	}
	book, ok := s.books[bid.SessionID]
	if !ok {
		// bid for a session we have not seen yet
		s.sessions[bid.SessionID] = &domain.Session{ID: bid.SessionID, Status: domain.SessionPending, AllowsBids: true}
		book = &bidBook{bids: make(map[domain.BidID]*domain.Bid)}
		s.books[bid.SessionID] = book
	}
	if bid.Timestamp.IsZero() {
		bid.Timestamp = s.now()
	}
	if bid.Status == "" || bid.Status.Terminal() {
		bid.Status = domain.BidPending
	}

	var (
		fns    []func()
		leader *domain.Bid
	)
	for _, id := range book.order {
		prev := book.bids[id]
		if prev.BidderID == bid.BidderID {
			continue
		}
		if prev.Status == domain.BidPending || prev.Status == domain.BidAccepted {
			if leader == nil || prev.Amount > leader.Amount {
				leader = prev
			}
		}
	}

	if leader != nil && bid.Amount <= leader.Amount {
		bid.Status = domain.BidOutbid
		s.metrics.BidDecided(bid.Status)
		fns = append(fns, s.outbidEvent(bid, leader.Amount, leader.ID))
	} else {
		for _, id := range book.order {
			prev := book.bids[id]
			if prev.Status != domain.BidPending {
				continue
			}
			prev.Status = domain.BidOutbid
			s.metrics.BidDecided(prev.Status)
			fns = append(fns, s.bidEvent(*prev, domain.BidPending))
			if prev.BidderID != bid.BidderID {
				fns = append(fns, s.outbidEvent(*prev, bid.Amount, bid.ID))
			}
		}
	}

	cp := bid
	book.bids[cp.ID] = &cp
	book.order = append(book.order, cp.ID)
	s.bidIndex[cp.ID] = cp.SessionID
	fns = append([]func(){s.bidEvent(cp, "")}, fns...)
	s.mu.Unlock()
	run(fns)
}

// applyAccepted accepts bidID, rejects the other pending bids and seats the
// bidder. Replays and accepts that conflict with an earlier one are ignored.
func (s *AuctionService) applyAccepted(bidID domain.BidID, sessionID domain.SessionID) {
	s.mu.Lock()
	if sid, ok := s.bidIndex[bidID]; ok {
		sessionID = sid
	}
	book, ok := s.books[sessionID]
	if !ok {
		s.mu.Unlock()
		return
	}
	bid, ok := book.bids[bidID]
	if !ok || bid.Status.Terminal() {
		s.mu.Unlock()
		return
	}
	if s.hasAcceptedLocked(sessionID) {
		s.mu.Unlock()
		s.logger.Warnw("ignoring second accept for session", "session_id", sessionID, "bid_id", bidID)
		return
	}

	bid.Status = domain.BidAccepted
	s.metrics.BidDecided(bid.Status)
	fns := []func(){s.bidEvent(*bid, domain.BidPending)}
	for _, id := range book.order {
		other := book.bids[id]
		if id != bidID && other.Status == domain.BidPending {
			other.Status = domain.BidRejected
			s.metrics.BidDecided(other.Status)
			fns = append(fns, s.bidEvent(*other, domain.BidPending))
		}
	}
	if sess, ok := s.sessions[sessionID]; ok && sess.Status != domain.SessionEnded {
		sess.CurrentGuestID = bid.BidderID
		s.goLiveLocked(sess)
		fns = append(fns, s.sessionEvent(*sess))
	}
	s.mu.Unlock()
	run(fns)
}

func (s *AuctionService) applyDecision(bidID domain.BidID, status domain.BidStatus) {
	s.mu.Lock()
	sessionID, ok := s.bidIndex[bidID]
	if !ok {
		s.mu.Unlock()
		return
	}
	bid := s.books[sessionID].bids[bidID]
	if bid.Status != domain.BidPending {
		s.mu.Unlock()
		return
	}
	bid.Status = status
	s.metrics.BidDecided(status)
	fn := s.bidEvent(*bid, domain.BidPending)
	s.mu.Unlock()
	fn()
}

func (s *AuctionService) highestLocked(sessionID domain.SessionID) domain.Money {
	var highest domain.Money
	found := false
	if book, ok := s.books[sessionID]; ok {
		for _, bid := range book.bids {
			if bid.Status == domain.BidPending || bid.Status == domain.BidAccepted {
				if !found || bid.Amount > highest {
					highest, found = bid.Amount, true
				}
			}
		}
	}
	if found {
		return highest
	}
	if sess, ok := s.sessions[sessionID]; ok {
		return sess.BaseRate
	}
	return 0
}

func (s *AuctionService) hasAcceptedLocked(sessionID domain.SessionID) bool {
	book, ok := s.books[sessionID]
	if !ok {
		return false
	}
	for _, bid := range book.bids {
		if bid.Status == domain.BidAccepted {
			return true
		}
	}
	return false
}

func (s *AuctionService) liveSessionOfLocked(host domain.UserID) *domain.Session {
	for _, sess := range s.sessions {
		if sess.HostID == host && sess.Status == domain.SessionLive {
			return sess
		}
	}
	return nil
}

func (s *AuctionService) sessionEvent(sess domain.Session) func() {
	return func() { eventbus.Publish(s.bus, events.TopicSessionChanged, events.SessionChanged{Session: sess}) }
}

func (s *AuctionService) bidEvent(bid domain.Bid, previous domain.BidStatus) func() {
	return func() { eventbus.Publish(s.bus, events.TopicBidChanged, events.BidChanged{Bid: bid, Previous: previous}) }
}

func (s *AuctionService) outbidEvent(bid domain.Bid, highest domain.Money, by domain.BidID) func() {
	return func() {
		eventbus.Publish(s.bus, events.TopicBidOutbid, events.BidOutbid{Bid: bid, NewHighest: highest, ByBidID: by})
	}
}

func run(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}

// Queries.

func (s *AuctionService) Session(id domain.SessionID) (domain.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return domain.Session{}, false
	}
	return *sess, true
}

func (s *AuctionService) Sessions() []domain.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, *sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *AuctionService) Bid(id domain.BidID) (domain.Bid, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sessionID, ok := s.bidIndex[id]
	if !ok {
		return domain.Bid{}, false
	}
	return *s.books[sessionID].bids[id], true
}

// Bids returns the session's bids in arrival order.
func (s *AuctionService) Bids(sessionID domain.SessionID) []domain.Bid {
	s.mu.Lock()
	defer s.mu.Unlock()
	book, ok := s.books[sessionID]
	if !ok {
		return nil
	}
	out := make([]domain.Bid, 0, len(book.order))
	for _, id := range book.order {
		out = append(out, *book.bids[id])
	}
	return out
}

// Highest is the amount a new bid must exceed.
func (s *AuctionService) Highest(sessionID domain.SessionID) domain.Money {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.highestLocked(sessionID)
}

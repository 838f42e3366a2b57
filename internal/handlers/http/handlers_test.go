package http

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"livebid/internal/core/domain"
	"livebid/internal/core/events"
	"livebid/internal/core/services"
	"livebid/internal/infrastructure/middleware"
	"livebid/internal/infrastructure/monitoring"
	apperrors "livebid/pkg/errors"
	"livebid/pkg/eventbus"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockAuction struct{ mock.Mock }

func (m *mockAuction) CreateSession(ctx context.Context, req services.CreateSessionRequest) (domain.Session, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(domain.Session), args.Error(1)
}

func (m *mockAuction) JoinSession(ctx context.Context, id domain.SessionID, guest domain.UserID) (domain.Session, error) {
	args := m.Called(ctx, id, guest)
	return args.Get(0).(domain.Session), args.Error(1)
}

func (m *mockAuction) EndSession(ctx context.Context, id domain.SessionID, actor domain.UserID) (domain.Session, error) {
	args := m.Called(ctx, id, actor)
	return args.Get(0).(domain.Session), args.Error(1)
}

func (m *mockAuction) PlaceBid(ctx context.Context, req services.PlaceBidRequest) (domain.Bid, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(domain.Bid), args.Error(1)
}

func (m *mockAuction) AcceptBid(ctx context.Context, id domain.BidID, actor domain.UserID) (domain.Bid, error) {
	args := m.Called(ctx, id, actor)
	return args.Get(0).(domain.Bid), args.Error(1)
}

func (m *mockAuction) RejectBid(ctx context.Context, id domain.BidID, actor domain.UserID) (domain.Bid, error) {
	args := m.Called(ctx, id, actor)
	return args.Get(0).(domain.Bid), args.Error(1)
}

func (m *mockAuction) Session(id domain.SessionID) (domain.Session, bool) {
	args := m.Called(id)
	return args.Get(0).(domain.Session), args.Bool(1)
}

func (m *mockAuction) Sessions() []domain.Session {
	return m.Called().Get(0).([]domain.Session)
}

func (m *mockAuction) Bids(id domain.SessionID) []domain.Bid {
	return m.Called(id).Get(0).([]domain.Bid)
}

func (m *mockAuction) Highest(id domain.SessionID) domain.Money {
	return m.Called(id).Get(0).(domain.Money)
}

type stubMedia struct {
	state       string
	initialized domain.SessionID
	initErr     error
	cleanups    int
}

func (s *stubMedia) Initialize(_ context.Context, id domain.SessionID) error {
	if s.initErr != nil {
		return s.initErr
	}
	s.initialized = id
	s.state = "ready"
	return nil
}

func (s *stubMedia) Cleanup()                       { s.cleanups++; s.state = "idle" }
func (s *stubMedia) State() string                  { return s.state }
func (s *stubMedia) Producers() []domain.Producer   { return nil }
func (s *stubMedia) Consumers() []domain.Consumer   { return nil }
func (s *stubMedia) Transports() []domain.Transport { return nil }

const testUser = domain.UserID("host-1")

func newRouter(register ...func(gin.IRouter)) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(
		middleware.ErrorHandlerMiddleware(zap.NewNop().Sugar()),
		middleware.AuthMiddleware("", func() domain.Identity { return domain.Identity{UserID: testUser} }),
	)
	for _, r := range register {
		r(router)
	}
	return router
}

func do(router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	return w
}

func TestSessionHandler_CreateSessionUsesBoundIdentity(t *testing.T) {
	auction := &mockAuction{}
	router := newRouter(NewSessionHandler(auction).SetupRoutes)

	want := services.CreateSessionRequest{HostID: testUser, AllowsBids: true, BaseRate: 1500}
	auction.On("CreateSession", mock.Anything, want).
		Return(domain.Session{ID: "s1", HostID: testUser, Status: domain.SessionPending, AllowsBids: true, BaseRate: 1500}, nil)

	w := do(router, http.MethodPost, "/api/v1/sessions", `{"allowsBids":true,"baseRate":1500}`)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), `"s1"`)
	auction.AssertExpectations(t)
}

func TestSessionHandler_InvalidBody(t *testing.T) {
	router := newRouter(NewSessionHandler(&mockAuction{}).SetupRoutes)

	w := do(router, http.MethodPost, "/api/v1/sessions/s1/bids", `{"amount":0}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_INPUT")

	w = do(router, http.MethodPost, "/api/v1/sessions", `{"baseRate":-5}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(router, http.MethodPost, "/api/v1/sessions/s1/bids", `{"amount":100,"bidderName":"bad\u0007name"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "control characters")

	w = do(router, http.MethodPost, "/api/v1/sessions/s;1/join", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "session id contains invalid characters")

	w = do(router, http.MethodPost, "/api/v1/bids/b%201/accept", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSessionHandler_RuleViolationMapsToConflict(t *testing.T) {
	auction := &mockAuction{}
	router := newRouter(NewSessionHandler(auction).SetupRoutes)

	auction.On("PlaceBid", mock.Anything, services.PlaceBidRequest{SessionID: "s1", BidderID: testUser, BidderName: "Ada", Amount: 100}).
		Return(domain.Bid{}, apperrors.NewAuctionRuleViolation(domain.ReasonBidTooLow))

	w := do(router, http.MethodPost, "/api/v1/sessions/s1/bids", `{"amount":100,"bidderName":" Ada "}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "AUCTION_RULE_VIOLATION", body["error"])
	assert.Equal(t, domain.ReasonBidTooLow, body["message"])
}

func TestSessionHandler_AcceptAndReject(t *testing.T) {
	auction := &mockAuction{}
	router := newRouter(NewSessionHandler(auction).SetupRoutes)

	auction.On("AcceptBid", mock.Anything, domain.BidID("b1"), testUser).Return(domain.Bid{ID: "b1", Status: domain.BidAccepted}, nil)
	auction.On("RejectBid", mock.Anything, domain.BidID("b2"), testUser).Return(domain.Bid{}, apperrors.NewAuctionRuleViolation(domain.ReasonNotHost))

	assert.Equal(t, http.StatusOK, do(router, http.MethodPost, "/api/v1/bids/b1/accept", "").Code)
	assert.Equal(t, http.StatusConflict, do(router, http.MethodPost, "/api/v1/bids/b2/reject", "").Code)
	auction.AssertExpectations(t)
}

func TestSessionHandler_GetSession(t *testing.T) {
	auction := &mockAuction{}
	router := newRouter(NewSessionHandler(auction).SetupRoutes)

	auction.On("Session", domain.SessionID("missing")).Return(domain.Session{}, false)
	auction.On("Session", domain.SessionID("s1")).Return(domain.Session{ID: "s1", Status: domain.SessionLive}, true)
	auction.On("Bids", domain.SessionID("s1")).Return([]domain.Bid{{ID: "b1", Amount: 900}})
	auction.On("Highest", domain.SessionID("s1")).Return(domain.Money(900))

	assert.Equal(t, http.StatusNotFound, do(router, http.MethodGet, "/api/v1/sessions/missing", "").Code)

	w := do(router, http.MethodGet, "/api/v1/sessions/s1", "")
	assert.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Highest int64 `json:"highest"`
		Bids    []any `json:"bids"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, int64(900), body.Highest)
	assert.Len(t, body.Bids, 1)
}

func TestSessionHandler_JoinAndEnd(t *testing.T) {
	auction := &mockAuction{}
	router := newRouter(NewSessionHandler(auction).SetupRoutes)

	auction.On("JoinSession", mock.Anything, domain.SessionID("s1"), testUser).Return(domain.Session{ID: "s1"}, nil)
	auction.On("EndSession", mock.Anything, domain.SessionID("s1"), testUser).Return(domain.Session{ID: "s1", Status: domain.SessionEnded}, nil)

	assert.Equal(t, http.StatusOK, do(router, http.MethodPost, "/api/v1/sessions/s1/join", "").Code)
	assert.Equal(t, http.StatusOK, do(router, http.MethodPost, "/api/v1/sessions/s1/end", "").Code)
	auction.AssertExpectations(t)
}

func TestMediaHandler(t *testing.T) {
	media := &stubMedia{state: "idle"}
	router := newRouter(NewMediaHandler(media).SetupRoutes)

	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodPost, "/api/v1/media/initialize", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodPost, "/api/v1/media/initialize", `{"sessionId":"../s1"}`).Code)

	w := do(router, http.MethodPost, "/api/v1/media/initialize", `{"sessionId":"s1"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, domain.SessionID("s1"), media.initialized)
	assert.Contains(t, w.Body.String(), `"state":"ready"`)

	w = do(router, http.MethodPost, "/api/v1/media/cleanup", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, media.cleanups)

	media.initErr = apperrors.NewMediaAcquisitionError("permission denied", nil)
	w = do(router, http.MethodPost, "/api/v1/media/initialize", `{"sessionId":"s1"}`)
	assert.Equal(t, http.StatusFailedDependency, w.Code)
	assert.Contains(t, w.Body.String(), "MEDIA_ACQUISITION_ERROR")
}

func TestHealthHandler(t *testing.T) {
	checker := monitoring.NewHealthChecker()
	healthy := true
	checker.AddReadinessCheck(func() bool { return healthy })

	reg := prometheus.NewRegistry()
	monitoring.NewPrometheusCollector(reg).BidPlaced("accepted")
	router := newRouter(NewHealthHandler(checker, reg).SetupRoutes)

	assert.Equal(t, http.StatusOK, do(router, http.MethodGet, "/health", "").Code)
	healthy = false
	assert.Equal(t, http.StatusServiceUnavailable, do(router, http.MethodGet, "/health", "").Code)

	w := do(router, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `livebid_bids_placed_total{outcome="accepted"} 1`)
}

func TestEventsHandler_StreamsDerivedEvents(t *testing.T) {
	bus := eventbus.New(nil)
	router := newRouter(NewEventsHandler(bus, zap.NewNop().Sugar()).SetupRoutes)
	srv := httptest.NewServer(router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewScanner(resp.Body)
	next := func() string {
		for lines.Scan() {
			if l := lines.Text(); strings.HasPrefix(l, "event:") {
				return strings.TrimPrefix(l, "event:")
			}
		}
		return ""
	}
	require.Equal(t, "ready", next())

	eventbus.Publish(bus, events.Inbound(events.NewBid), events.ServerEvent{Name: events.NewBid})
	eventbus.Publish(bus, events.TopicBidChanged, events.BidChanged{Bid: domain.Bid{ID: "b1"}})

	assert.Equal(t, events.TopicBidChanged.Name(), next())
	require.True(t, lines.Scan())
	assert.Contains(t, lines.Text(), `"b1"`)
}

func TestWanted(t *testing.T) {
	assert.False(t, wanted("server.NEW_BID", nil))
	assert.True(t, wanted("auction.bid", nil))
	assert.True(t, wanted("auction.bid", []string{"media.", "auction."}))
	assert.False(t, wanted("connection.health", []string{"auction."}))
}

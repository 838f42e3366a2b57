package http

import (
	"context"
	"net/http"
	"strings"

	"livebid/internal/core/domain"
	"livebid/internal/core/services"
	"livebid/internal/infrastructure/middleware"
	"livebid/pkg/errors"
	"livebid/pkg/validation"

	"github.com/gin-gonic/gin"
)

// Auction is the part of the auction coordinator the API drives.
type Auction interface {
	CreateSession(ctx context.Context, req services.CreateSessionRequest) (domain.Session, error)
	JoinSession(ctx context.Context, sessionID domain.SessionID, guestID domain.UserID) (domain.Session, error)
	EndSession(ctx context.Context, sessionID domain.SessionID, actor domain.UserID) (domain.Session, error)
	PlaceBid(ctx context.Context, req services.PlaceBidRequest) (domain.Bid, error)
	AcceptBid(ctx context.Context, bidID domain.BidID, actor domain.UserID) (domain.Bid, error)
	RejectBid(ctx context.Context, bidID domain.BidID, actor domain.UserID) (domain.Bid, error)
	Session(id domain.SessionID) (domain.Session, bool)
	Sessions() []domain.Session
	Bids(sessionID domain.SessionID) []domain.Bid
	Highest(sessionID domain.SessionID) domain.Money
}

type SessionHandler struct {
	auction Auction
}

func NewSessionHandler(auction Auction) *SessionHandler {
	return &SessionHandler{auction: auction}
}

func (h *SessionHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1")
	{
		api.POST("/sessions", h.CreateSession)
		api.GET("/sessions", h.ListSessions)
		api.GET("/sessions/:id", h.GetSession)
		api.POST("/sessions/:id/join", h.JoinSession)
		api.POST("/sessions/:id/end", h.EndSession)
		api.POST("/sessions/:id/bids", h.PlaceBid)

		api.POST("/bids/:id/accept", h.AcceptBid)
		api.POST("/bids/:id/reject", h.RejectBid)
	}
}

type CreateSessionRequest struct {
	AllowsBids bool  `json:"allowsBids"`
	BaseRate   int64 `json:"baseRate" binding:"min=0"`
}

type PlaceBidRequest struct {
	Amount     int64  `json:"amount" binding:"required,gt=0"`
	BidderName string `json:"bidderName"`
}

// sessionParam and bidParam reject malformed path ids before they reach
// the control channel.
func sessionParam(c *gin.Context) (domain.SessionID, bool) {
	id := c.Param("id")
	if err := validation.ValidateID("session id", id); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return "", false
	}
	return domain.SessionID(id), true
}

func bidParam(c *gin.Context) (domain.BidID, bool) {
	id := c.Param("id")
	if err := validation.ValidateID("bid id", id); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return "", false
	}
	return domain.BidID(id), true
}

func (h *SessionHandler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	session, err := h.auction.CreateSession(c.Request.Context(), services.CreateSessionRequest{
		HostID:     middleware.CurrentUser(c),
		AllowsBids: req.AllowsBids,
		BaseRate:   domain.Money(req.BaseRate),
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session": session})
}

func (h *SessionHandler) ListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.auction.Sessions()})
}

func (h *SessionHandler) GetSession(c *gin.Context) {
	id, ok := sessionParam(c)
	if !ok {
		return
	}
	session, ok := h.auction.Session(id)
	if !ok {
		_ = c.Error(errors.NewNotFoundError("session"))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session": session,
		"bids":    h.auction.Bids(id),
		"highest": h.auction.Highest(id),
	})
}

func (h *SessionHandler) JoinSession(c *gin.Context) {
	id, ok := sessionParam(c)
	if !ok {
		return
	}
	session, err := h.auction.JoinSession(c.Request.Context(), id, middleware.CurrentUser(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": session})
}

func (h *SessionHandler) EndSession(c *gin.Context) {
	id, ok := sessionParam(c)
	if !ok {
		return
	}
	session, err := h.auction.EndSession(c.Request.Context(), id, middleware.CurrentUser(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": session})
}

func (h *SessionHandler) PlaceBid(c *gin.Context) {
	id, ok := sessionParam(c)
	if !ok {
		return
	}
	var req PlaceBidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	name := strings.TrimSpace(req.BidderName)
	if err := validation.ValidateDisplayName(name); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	bid, err := h.auction.PlaceBid(c.Request.Context(), services.PlaceBidRequest{
		SessionID:  id,
		BidderID:   middleware.CurrentUser(c),
		BidderName: name,
		Amount:     domain.Money(req.Amount),
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"bid": bid})
}

func (h *SessionHandler) AcceptBid(c *gin.Context) {
	h.decide(c, h.auction.AcceptBid)
}

func (h *SessionHandler) RejectBid(c *gin.Context) {
	h.decide(c, h.auction.RejectBid)
}

func (h *SessionHandler) decide(c *gin.Context, fn func(context.Context, domain.BidID, domain.UserID) (domain.Bid, error)) {
	id, ok := bidParam(c)
	if !ok {
		return
	}
	bid, err := fn(c.Request.Context(), id, middleware.CurrentUser(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bid": bid})
}

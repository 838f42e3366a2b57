package http

import (
	"context"
	"net/http"

	"livebid/internal/core/domain"
	"livebid/pkg/errors"
	"livebid/pkg/validation"

	"github.com/gin-gonic/gin"
)

// Media is the part of the media session controller the API drives.
type Media interface {
	Initialize(ctx context.Context, sessionID domain.SessionID) error
	Cleanup()
	State() string
	Producers() []domain.Producer
	Consumers() []domain.Consumer
	Transports() []domain.Transport
}

type MediaHandler struct {
	media Media
}

func NewMediaHandler(media Media) *MediaHandler {
	return &MediaHandler{media: media}
}

func (h *MediaHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1/media")
	{
		api.GET("", h.GetMedia)
		api.POST("/initialize", h.Initialize)
		api.POST("/cleanup", h.Cleanup)
	}
}

type InitializeMediaRequest struct {
	SessionID string `json:"sessionId" binding:"required"`
}

func (h *MediaHandler) Initialize(c *gin.Context) {
	var req InitializeMediaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validation.ValidateID("session id", req.SessionID); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	if err := h.media.Initialize(c.Request.Context(), domain.SessionID(req.SessionID)); err != nil {
		_ = c.Error(err)
		return
	}
	h.GetMedia(c)
}

func (h *MediaHandler) Cleanup(c *gin.Context) {
	h.media.Cleanup()
	c.JSON(http.StatusOK, gin.H{"state": h.media.State()})
}

func (h *MediaHandler) GetMedia(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"state":      h.media.State(),
		"transports": h.media.Transports(),
		"producers":  h.media.Producers(),
		"consumers":  h.media.Consumers(),
	})
}

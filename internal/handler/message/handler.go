// Package message exposes the per-flow message thread.
package message

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/219WD/videoporteroqr-core/internal/handler"
	"github.com/219WD/videoporteroqr-core/internal/middleware"
	flowservice "github.com/219WD/videoporteroqr-core/internal/service/flow"
	threadservice "github.com/219WD/videoporteroqr-core/internal/service/thread"
)

type Handler struct {
	flows   *flowservice.Service
	threads *threadservice.Service
}

func NewHandler(flows *flowservice.Service, threads *threadservice.Service) *Handler {
	return &Handler{flows: flows, threads: threads}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/flows/:id/messages", h.Append)
	r.GET("/flows/:id/messages", h.List)
}

type appendRequest struct {
	Text string `json:"text" binding:"required"`
}

// Append adds a message to the thread. The sender role is derived from the
// authenticated party's position on the flow, never trusted from the body.
func (h *Handler) Append(c *gin.Context) {
	partyID, flowID, ok := h.flowAccess(c)
	if !ok {
		return
	}

	var req appendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid request body"))
		return
	}

	f, err := h.flows.Get(c.Request.Context(), flowID)
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	sender, member := f.PartyOf(partyID)
	if !member {
		c.JSON(http.StatusNotFound, handler.NewErrorResponse("flow not found"))
		return
	}

	msg, err := h.threads.Append(c.Request.Context(), flowID, sender, req.Text)
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, handler.NewSuccessResponse(msg))
}

// List returns the thread in append order.
func (h *Handler) List(c *gin.Context) {
	partyID, flowID, ok := h.flowAccess(c)
	if !ok {
		return
	}

	f, err := h.flows.Get(c.Request.Context(), flowID)
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	if _, member := f.PartyOf(partyID); !member {
		c.JSON(http.StatusNotFound, handler.NewErrorResponse("flow not found"))
		return
	}

	messages, err := h.threads.List(c.Request.Context(), flowID)
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(messages))
}

func (h *Handler) flowAccess(c *gin.Context) (uuid.UUID, uuid.UUID, bool) {
	partyID, ok := middleware.PartyID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, handler.NewErrorResponse("missing party identity"))
		return uuid.Nil, uuid.Nil, false
	}
	flowID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid flow id"))
		return uuid.Nil, uuid.Nil, false
	}
	return partyID, flowID, true
}

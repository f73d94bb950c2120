// Package flow exposes the flow lifecycle over REST: ring, poll, respond.
// Polling GET is the fallback path the caller's watchdog uses when the
// realtime channel is lossy, so reads are cheap and unconditional.
package flow

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/219WD/videoporteroqr-core/internal/handler"
	"github.com/219WD/videoporteroqr-core/internal/middleware"
	"github.com/219WD/videoporteroqr-core/internal/model"
	flowservice "github.com/219WD/videoporteroqr-core/internal/service/flow"
)

type Handler struct {
	service *flowservice.Service
}

func NewHandler(service *flowservice.Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	flows := r.Group("/flows")
	{
		flows.POST("", h.Create)
		flows.GET("/:id", h.Get)
		flows.GET("/:id/full", h.GetFull)
		flows.POST("/:id/respond", h.Respond)
	}
}

type createFlowRequest struct {
	ResponderID uuid.UUID        `json:"responder_id" binding:"required"`
	ActionType  model.ActionType `json:"action_type" binding:"required"`
}

// Create opens a flow from the authenticated party to the responder.
func (h *Handler) Create(c *gin.Context) {
	callerID, ok := middleware.PartyID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, handler.NewErrorResponse("missing party identity"))
		return
	}

	var req createFlowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid request body"))
		return
	}

	f, err := h.service.Create(c.Request.Context(), callerID, req.ResponderID, req.ActionType)
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, handler.NewSuccessResponse(model.Snapshot(f)))
}

// Get returns the flow snapshot. This is the poll endpoint: 404 here means
// archived-or-never-existed and the watcher treats it as timeout.
func (h *Handler) Get(c *gin.Context) {
	id, ok := flowID(c)
	if !ok {
		return
	}

	f, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	if !h.authorize(c, f) {
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(model.Snapshot(f)))
}

type fullFlowResponse struct {
	Flow     model.FlowSnapshot   `json:"flow"`
	Messages []*model.FlowMessage `json:"messages"`
}

// GetFull returns the flow together with its ordered message thread, for a
// client rebuilding its view after a reconnect.
func (h *Handler) GetFull(c *gin.Context) {
	id, ok := flowID(c)
	if !ok {
		return
	}

	f, messages, err := h.service.GetWithMessages(c.Request.Context(), id)
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	if !h.authorize(c, f) {
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(fullFlowResponse{
		Flow:     model.Snapshot(f),
		Messages: messages,
	}))
}

type respondRequest struct {
	Response model.FlowResponse `json:"response" binding:"required"`
	Message  string             `json:"message"`
}

// Respond commits the responder's decision. Losing the race against the
// deadline sweep yields 409 with the committed status in the body.
func (h *Handler) Respond(c *gin.Context) {
	actorID, ok := middleware.PartyID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, handler.NewErrorResponse("missing party identity"))
		return
	}
	id, ok := flowID(c)
	if !ok {
		return
	}

	var req respondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid request body"))
		return
	}

	f, err := h.service.Respond(c.Request.Context(), id, actorID, req.Response, req.Message)
	if err != nil {
		handler.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(model.Snapshot(f)))
}

func (h *Handler) authorize(c *gin.Context, f *model.Flow) bool {
	partyID, ok := middleware.PartyID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, handler.NewErrorResponse("missing party identity"))
		return false
	}
	if _, member := f.PartyOf(partyID); !member {
		// A non-participant learns nothing, not even existence.
		c.JSON(http.StatusNotFound, handler.NewErrorResponse("flow not found"))
		return false
	}
	return true
}

func flowID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid flow id"))
		return uuid.Nil, false
	}
	return id, true
}

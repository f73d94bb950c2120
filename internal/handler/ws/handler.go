// Package ws upgrades the realtime endpoint and routes inbound events.
// Everything a party can do over REST it can also do here. There is no
// request to fail, so transport-level errors are logged and absorbed; a
// stale respond still gets answered, with the committed status sent back
// on the responder's own session.
package ws

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/219WD/videoporteroqr-core/internal/handler"
	"github.com/219WD/videoporteroqr-core/internal/middleware"
	"github.com/219WD/videoporteroqr-core/internal/model"
	"github.com/219WD/videoporteroqr-core/internal/realtime"
	flowservice "github.com/219WD/videoporteroqr-core/internal/service/flow"
	"github.com/219WD/videoporteroqr-core/internal/service/signaling"
	apperrors "github.com/219WD/videoporteroqr-core/pkg/errors"
	"github.com/219WD/videoporteroqr-core/pkg/logger"
)

type Handler struct {
	hub      *realtime.Hub
	flows    *flowservice.Service
	relay    *signaling.Relay
	upgrader websocket.Upgrader
	logger   *logger.Logger
}

func NewHandler(hub *realtime.Hub, flows *flowservice.Service, relay *signaling.Relay, allowedOrigins []string, log *logger.Logger) *Handler {
	h := &Handler{
		hub:    hub,
		flows:  flows,
		relay:  relay,
		logger: log.With("component", "ws-handler"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	hub.SetHandler(h.route)
	hub.AddObserver(relay)
	return h
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/ws", h.Connect)
}

// Connect upgrades the request and registers the session. A party's previous
// session, if any, is superseded by this one.
func (h *Handler) Connect(c *gin.Context) {
	partyID, ok := middleware.PartyID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, handler.NewErrorResponse("missing party identity"))
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Warn("websocket upgrade failed", "party_id", partyID.String(), "error", err.Error())
		return
	}
	h.hub.Register(partyID, conn)
}

type responsePayload struct {
	Response model.FlowResponse `json:"response"`
	Message  string             `json:"message"`
}

// route dispatches one inbound event from a session.
func (h *Handler) route(ctx context.Context, sess *realtime.Session, evt *model.Event) {
	partyID := sess.PartyID()

	var err error
	switch evt.Type {
	case model.EventJoinCallRoom:
		err = h.relay.Join(ctx, evt.FlowID, partyID)

	case model.EventOffer, model.EventAnswer, model.EventIceCandidate, model.EventEndCall:
		err = h.relay.Relay(ctx, evt.FlowID, partyID, evt)

	case model.EventRemoteDescriptionSet:
		err = h.relay.RemoteDescriptionSet(ctx, evt.FlowID, partyID)

	case model.EventCallResponse, model.EventFlowResponse:
		var payload responsePayload
		if jsonErr := json.Unmarshal(evt.Payload, &payload); jsonErr != nil {
			h.logger.Warn("malformed response payload",
				"party_id", partyID.String(), "flow_id", evt.FlowID.String())
			return
		}
		committed, respondErr := h.flows.Respond(ctx, evt.FlowID, partyID, payload.Response, payload.Message)
		if _, stale := apperrors.AsStaleTransition(respondErr); stale {
			// This respond lost the transition race. The outcome broadcast
			// went to the caller, so the committed status has to be echoed
			// back to this responder's own session — the REST path does the
			// same with a 409.
			h.sendCommitted(partyID, committed)
			return
		}
		err = respondErr

	default:
		h.logger.Debug("unhandled inbound event",
			"party_id", partyID.String(), "event", string(evt.Type))
		return
	}

	if err != nil {
		h.logger.Warn("inbound event failed",
			"party_id", partyID.String(), "event", string(evt.Type),
			"flow_id", evt.FlowID.String(), "error", err.Error())
	}
}

// sendCommitted tells a party which status actually won a flow's transition
// race, using the same response event the caller receives.
func (h *Handler) sendCommitted(partyID uuid.UUID, f *model.Flow) {
	outcome := model.EventFlowResponse
	if f.ActionType == model.ActionTypeCall {
		outcome = model.EventCallResponse
	}
	payload := flowservice.ResponsePayload{Flow: model.Snapshot(f)}
	h.hub.Send(partyID, model.NewEvent(outcome, f.ID, payload))
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	wildcard := false
	for _, o := range allowed {
		if o == "*" {
			wildcard = true
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		if wildcard {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// Package realtime owns the party-addressed event channel: one websocket
// session per party, last session wins. It replaces the mobile app's ambient
// socket singleton with an explicit session manager passed by reference.
package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	gocache "github.com/patrickmn/go-cache"

	"github.com/219WD/videoporteroqr-core/internal/model"
	"github.com/219WD/videoporteroqr-core/pkg/logger"
	"github.com/219WD/videoporteroqr-core/pkg/messaging"
	"github.com/219WD/videoporteroqr-core/pkg/metrics"
)

// InboundHandler consumes one event read off a session. It runs on the
// session's read loop and must not block for unbounded time.
type InboundHandler func(ctx context.Context, sess *Session, evt *model.Event)

// ConnObserver is notified when a party's session opens or drops. The
// signaling relay uses this to start and cancel its disconnect grace timers.
type ConnObserver interface {
	PartyConnected(partyID uuid.UUID)
	PartyDisconnected(partyID uuid.UUID)
}

// Hub tracks the single live session per party.
type Hub struct {
	logger  *logger.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
	handler  InboundHandler

	obsMu     sync.RWMutex
	observers []ConnObserver

	// delivered dedups event IDs per party so a broker replay or a racing
	// stale session cannot surface the same event twice.
	delivered *gocache.Cache
}

func NewHub(log *logger.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		logger:    log.With("component", "realtime-hub"),
		metrics:   m,
		sessions:  make(map[uuid.UUID]*Session),
		delivered: gocache.New(2*time.Minute, 5*time.Minute),
	}
}

// SetHandler installs the inbound event handler. Must be called before the
// first Register.
func (h *Hub) SetHandler(fn InboundHandler) {
	h.handler = fn
}

// AddObserver registers a connection observer.
func (h *Hub) AddObserver(obs ConnObserver) {
	h.obsMu.Lock()
	h.observers = append(h.observers, obs)
	h.obsMu.Unlock()
}

// Register attaches a fresh connection for partyID and starts its pumps. Any
// prior session for the same party is superseded: closed quietly, handlers
// inert, no disconnect notification (the party is still here).
func (h *Hub) Register(partyID uuid.UUID, conn *websocket.Conn) *Session {
	sess := newSession(h, partyID, conn)

	h.mu.Lock()
	prev := h.sessions[partyID]
	h.sessions[partyID] = sess
	h.mu.Unlock()

	if prev != nil {
		prev.supersede()
		h.metrics.SessionsSuperseded.Inc()
		h.logger.Debug("session superseded", "party_id", partyID.String())
	} else {
		h.metrics.SessionsOpen.Inc()
	}

	go sess.writePump()
	go sess.readPump()

	h.notifyConnected(partyID)
	h.logger.Info("session opened", "party_id", partyID.String())
	return sess
}

// Send delivers an event to the party's live session, if any. Offline parties
// are not an error: push and polling are their paths.
func (h *Hub) Send(partyID uuid.UUID, evt *model.Event) bool {
	dedupKey := fmt.Sprintf("%s:%s", partyID, evt.ID)
	if _, seen := h.delivered.Get(dedupKey); seen {
		h.metrics.EventsDropped.WithLabelValues("duplicate").Inc()
		return false
	}

	h.mu.RLock()
	sess := h.sessions[partyID]
	h.mu.RUnlock()

	if sess == nil {
		h.metrics.EventsDropped.WithLabelValues("offline").Inc()
		return false
	}
	if !sess.deliver(evt) {
		h.metrics.EventsDropped.WithLabelValues("queue_full").Inc()
		h.logger.Warn("send queue full, event dropped", "party_id", partyID.String(), "event", string(evt.Type))
		return false
	}

	h.delivered.SetDefault(dedupKey, struct{}{})
	h.metrics.EventsDelivered.WithLabelValues(string(evt.Type)).Inc()
	return true
}

// Connected reports whether the party currently holds a live session.
func (h *Hub) Connected(partyID uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[partyID] != nil
}

// Close tears down every session, for shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	sessions := h.sessions
	h.sessions = make(map[uuid.UUID]*Session)
	h.mu.Unlock()

	for _, sess := range sessions {
		sess.close()
	}
}

func (h *Hub) dispatch(sess *Session, evt *model.Event) {
	if h.handler == nil {
		return
	}
	h.handler(context.Background(), sess, evt)
}

// unregister removes a session when its read pump exits. Superseded sessions
// were already replaced in the map and must not evict their successor.
func (h *Hub) unregister(sess *Session) {
	if sess.Superseded() {
		return
	}

	h.mu.Lock()
	current, ok := h.sessions[sess.partyID]
	if ok && current == sess {
		delete(h.sessions, sess.partyID)
	}
	h.mu.Unlock()

	if ok && current == sess {
		sess.close()
		h.metrics.SessionsOpen.Dec()
		h.notifyDisconnected(sess.partyID)
		h.logger.Info("session closed", "party_id", sess.partyID.String())
	}
}

// sessionFailed logs a transport-level failure. The failure is absorbed here:
// the party falls back to push and polling until it reconnects.
func (h *Hub) sessionFailed(sess *Session, err error) {
	if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
		h.logger.Warn("session transport error", "party_id", sess.partyID.String(), "error", err.Error())
	}
	sess.close()
}

func (h *Hub) notifyConnected(partyID uuid.UUID) {
	h.obsMu.RLock()
	defer h.obsMu.RUnlock()
	for _, obs := range h.observers {
		obs.PartyConnected(partyID)
	}
}

func (h *Hub) notifyDisconnected(partyID uuid.UUID) {
	h.obsMu.RLock()
	defer h.obsMu.RUnlock()
	for _, obs := range h.observers {
		obs.PartyDisconnected(partyID)
	}
}

// RunFeeder pumps party-addressed events published on the broker into local
// sessions. Every api instance runs one, so a transition committed on one
// instance reaches a session held by another.
func RunFeeder(ctx context.Context, broker messaging.Broker, hub *Hub, log *logger.Logger) error {
	msgs, err := broker.Subscribe(ctx, messaging.ChannelFlowEvents)
	if err != nil {
		return fmt.Errorf("failed to subscribe to flow events: %w", err)
	}

	feedLog := log.With("component", "event-feeder")
	go func() {
		for raw := range msgs {
			var pe model.PartyEvent
			if err := pe.Unmarshal(raw); err != nil {
				feedLog.Warn("discarding malformed event", "error", err.Error())
				continue
			}
			hub.Send(pe.Target, pe.Event)
		}
	}()
	return nil
}

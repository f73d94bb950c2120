// Package signaling ferries WebRTC negotiation messages between the two
// parties of an answered flow. SDP and ICE payloads pass through verbatim;
// the only protocol the relay owns is ordering: candidates must not reach a
// party before that party has applied the remote description, so they are
// buffered per call, per party, and flushed FIFO once the party reports
// remote-description-set.
package signaling

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/219WD/videoporteroqr-core/internal/model"
	apperrors "github.com/219WD/videoporteroqr-core/pkg/errors"
	"github.com/219WD/videoporteroqr-core/pkg/logger"
	"github.com/219WD/videoporteroqr-core/pkg/metrics"
)

// FlowGetter is the read-only view of the flow lifecycle the relay needs.
type FlowGetter interface {
	Get(ctx context.Context, id uuid.UUID) (*model.Flow, error)
}

// Sender delivers an event to a party's live session.
type Sender interface {
	Send(partyID uuid.UUID, evt *model.Event) bool
}

type Config struct {
	// DisconnectGrace is how long a mid-call transport drop is tolerated
	// before the relay treats it as an implicit end-call.
	DisconnectGrace time.Duration
}

type partyState struct {
	remoteDescSet bool
	pendingICE    []*model.Event
}

type callState struct {
	flow    *model.Flow
	parties map[model.Party]*partyState
	grace   map[model.Party]*time.Timer
}

// Relay is the single negotiation path for all answered flows. One instance
// serves many concurrent calls; state is per call and there is no cross-call
// coupling.
type Relay struct {
	flows   FlowGetter
	sender  Sender
	cfg     Config
	logger  *logger.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	calls   map[uuid.UUID]*callState
	byParty map[uuid.UUID]map[uuid.UUID]struct{}
}

func NewRelay(flows FlowGetter, sender Sender, cfg Config, log *logger.Logger, m *metrics.Metrics) *Relay {
	if cfg.DisconnectGrace <= 0 {
		cfg.DisconnectGrace = 5 * time.Second
	}
	return &Relay{
		flows:   flows,
		sender:  sender,
		cfg:     cfg,
		logger:  log.With("component", "signaling-relay"),
		metrics: m,
		calls:   make(map[uuid.UUID]*callState),
		byParty: make(map[uuid.UUID]map[uuid.UUID]struct{}),
	}
}

// Join binds a party to the call room for flowID. Required before that
// party's disconnects are watched; relays from an unjoined party still work.
func (r *Relay) Join(ctx context.Context, flowID, partyID uuid.UUID) error {
	state, from, err := r.admit(ctx, flowID, partyID)
	if err != nil {
		return err
	}
	if state == nil {
		return nil
	}
	r.logger.Debug("party joined call room",
		"flow_id", flowID.String(), "party", string(from))
	return nil
}

// Relay forwards one signaling message from a party to its peer. Messages for
// flows that are not answered — pending, rejected, timed out, or already torn
// down — are silently dropped and counted; a stray late signal never reaches
// a party that has walked away.
func (r *Relay) Relay(ctx context.Context, flowID, fromID uuid.UUID, evt *model.Event) error {
	state, from, err := r.admit(ctx, flowID, fromID)
	if err != nil {
		return err
	}
	if state == nil {
		// Negotiation dropped: absorbed here, not escalated.
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// admit holds no lock; the call may have been torn down in between.
	state, ok := r.calls[flowID]
	if !ok {
		r.drop(flowID, evt, "call torn down")
		return nil
	}

	to := peerOf(from)
	toID := state.flow.PartyID(to)

	switch evt.Type {
	case model.EventOffer, model.EventAnswer:
		r.forward(toID, evt)

	case model.EventIceCandidate:
		receiver := state.parties[to]
		if !receiver.remoteDescSet {
			receiver.pendingICE = append(receiver.pendingICE, evt)
			r.metrics.CandidatesBuffered.Inc()
			r.logger.Debug("candidate buffered",
				"flow_id", flowID.String(), "for", string(to), "queued", len(receiver.pendingICE))
			return nil
		}
		r.forward(toID, evt)

	case model.EventEndCall:
		r.forward(toID, evt)
		r.teardownLocked(flowID, "end-call")

	default:
		r.drop(flowID, evt, "unsupported signaling type")
	}
	return nil
}

// RemoteDescriptionSet records that partyID has applied its peer's
// description and flushes any candidates held for it, in arrival order.
func (r *Relay) RemoteDescriptionSet(ctx context.Context, flowID, partyID uuid.UUID) error {
	state, party, err := r.admit(ctx, flowID, partyID)
	if err != nil {
		return err
	}
	if state == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.calls[flowID]
	if !ok {
		return nil
	}
	ps := state.parties[party]
	ps.remoteDescSet = true

	if len(ps.pendingICE) == 0 {
		return nil
	}
	targetID := state.flow.PartyID(party)
	for _, cand := range ps.pendingICE {
		r.forward(targetID, cand)
		r.metrics.CandidatesBuffered.Dec()
	}
	r.logger.Debug("buffered candidates flushed",
		"flow_id", flowID.String(), "party", string(party), "count", len(ps.pendingICE))
	ps.pendingICE = nil
	return nil
}

// PartyConnected implements realtime.ConnObserver. A reconnect within the
// grace window cancels the pending implicit end-call.
func (r *Relay) PartyConnected(partyID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for flowID := range r.byParty[partyID] {
		state, ok := r.calls[flowID]
		if !ok {
			continue
		}
		party, ok := state.flow.PartyOf(partyID)
		if !ok {
			continue
		}
		if timer, ok := state.grace[party]; ok {
			timer.Stop()
			delete(state.grace, party)
			r.logger.Debug("disconnect grace cancelled",
				"flow_id", flowID.String(), "party", string(party))
		}
	}
}

// PartyDisconnected implements realtime.ConnObserver. The call survives a
// brief drop; only a grace expiry without reconnect forwards an implicit
// end-call to the peer and tears the call down.
func (r *Relay) PartyDisconnected(partyID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for flowID := range r.byParty[partyID] {
		state, ok := r.calls[flowID]
		if !ok {
			continue
		}
		party, ok := state.flow.PartyOf(partyID)
		if !ok {
			continue
		}
		if _, running := state.grace[party]; running {
			continue
		}
		id := flowID
		state.grace[party] = time.AfterFunc(r.cfg.DisconnectGrace, func() {
			r.graceExpired(id, party)
		})
		r.logger.Debug("disconnect grace started",
			"flow_id", flowID.String(), "party", string(party))
	}
}

// Close stops all grace timers and drops all call state.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for flowID := range r.calls {
		r.teardownLocked(flowID, "shutdown")
	}
}

// admit validates the flow and the party, lazily creating call state for an
// answered flow. A nil state with a nil error means the message should be
// dropped (non-answered flow), which is the absorbed NegotiationDropped case.
func (r *Relay) admit(ctx context.Context, flowID, partyID uuid.UUID) (*callState, model.Party, error) {
	r.mu.Lock()
	if state, ok := r.calls[flowID]; ok {
		party, member := state.flow.PartyOf(partyID)
		r.mu.Unlock()
		if !member {
			return nil, "", apperrors.Unauthorized(nil)
		}
		return state, party, nil
	}
	r.mu.Unlock()

	f, err := r.flows.Get(ctx, flowID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			r.dropUnknown(flowID)
			return nil, "", nil
		}
		return nil, "", err
	}

	party, member := f.PartyOf(partyID)
	if !member {
		return nil, "", apperrors.Unauthorized(nil)
	}
	if f.Status != model.FlowStatusAnswered {
		r.metrics.SignalsDropped.Inc()
		r.logger.Info("signaling for non-answered flow dropped",
			"flow_id", flowID.String(), "status", string(f.Status))
		return nil, "", nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if state, ok := r.calls[flowID]; ok {
		return state, party, nil
	}
	state := &callState{
		flow: f,
		parties: map[model.Party]*partyState{
			model.PartyGuest: {},
			model.PartyHost:  {},
		},
		grace: make(map[model.Party]*time.Timer),
	}
	r.calls[flowID] = state
	r.indexParty(f.CallerID, flowID)
	r.indexParty(f.ResponderID, flowID)
	return state, party, nil
}

func (r *Relay) graceExpired(flowID uuid.UUID, party model.Party) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.calls[flowID]
	if !ok {
		return
	}
	if _, still := state.grace[party]; !still {
		return
	}
	delete(state.grace, party)

	peerID := state.flow.PartyID(peerOf(party))
	r.forward(peerID, model.NewEvent(model.EventEndCall, flowID, nil))
	r.logger.Info("implicit end-call after disconnect",
		"flow_id", flowID.String(), "party", string(party))
	r.teardownLocked(flowID, "disconnect")
}

func (r *Relay) teardownLocked(flowID uuid.UUID, reason string) {
	state, ok := r.calls[flowID]
	if !ok {
		return
	}
	for _, timer := range state.grace {
		timer.Stop()
	}
	for _, ps := range state.parties {
		for range ps.pendingICE {
			r.metrics.CandidatesBuffered.Dec()
		}
	}
	r.unindexParty(state.flow.CallerID, flowID)
	r.unindexParty(state.flow.ResponderID, flowID)
	delete(r.calls, flowID)
	r.logger.Info("call torn down", "flow_id", flowID.String(), "reason", reason)
}

func (r *Relay) forward(toID uuid.UUID, evt *model.Event) {
	if r.sender.Send(toID, evt) {
		r.metrics.SignalsRelayed.WithLabelValues(string(evt.Type)).Inc()
	}
}

func (r *Relay) drop(flowID uuid.UUID, evt *model.Event, reason string) {
	r.metrics.SignalsDropped.Inc()
	r.logger.Info("signaling message dropped",
		"flow_id", flowID.String(), "event", string(evt.Type), "reason", reason)
}

func (r *Relay) dropUnknown(flowID uuid.UUID) {
	r.metrics.SignalsDropped.Inc()
	r.logger.Info("signaling for unknown flow dropped", "flow_id", flowID.String())
}

func (r *Relay) indexParty(partyID, flowID uuid.UUID) {
	set, ok := r.byParty[partyID]
	if !ok {
		set = make(map[uuid.UUID]struct{})
		r.byParty[partyID] = set
	}
	set[flowID] = struct{}{}
}

func (r *Relay) unindexParty(partyID, flowID uuid.UUID) {
	if set, ok := r.byParty[partyID]; ok {
		delete(set, flowID)
		if len(set) == 0 {
			delete(r.byParty, partyID)
		}
	}
}

func peerOf(p model.Party) model.Party {
	if p == model.PartyHost {
		return model.PartyGuest
	}
	return model.PartyHost
}

package signaling

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/219WD/videoporteroqr-core/internal/model"
	apperrors "github.com/219WD/videoporteroqr-core/pkg/errors"
	"github.com/219WD/videoporteroqr-core/pkg/logger"
	"github.com/219WD/videoporteroqr-core/pkg/metrics"
)

var (
	testMetrics = metrics.NewMetrics("test", "signaling")
	testLogger  = logger.NewLogger(&logger.Config{Level: logger.FatalLevel, Output: io.Discard})
)

type fakeFlows struct {
	mu    sync.Mutex
	flows map[uuid.UUID]*model.Flow
}

func newFakeFlows(flows ...*model.Flow) *fakeFlows {
	m := make(map[uuid.UUID]*model.Flow, len(flows))
	for _, f := range flows {
		m[f.ID] = f
	}
	return &fakeFlows{flows: m}
}

func (s *fakeFlows) Get(_ context.Context, id uuid.UUID) (*model.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[id]
	if !ok {
		return nil, apperrors.NewNotFound("flow", nil)
	}
	return f, nil
}

type fakeSender struct {
	mu       sync.Mutex
	received map[uuid.UUID][]*model.Event
}

func newFakeSender() *fakeSender {
	return &fakeSender{received: make(map[uuid.UUID][]*model.Event)}
}

func (s *fakeSender) Send(partyID uuid.UUID, evt *model.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received[partyID] = append(s.received[partyID], evt)
	return true
}

func (s *fakeSender) events(partyID uuid.UUID) []*model.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Event, len(s.received[partyID]))
	copy(out, s.received[partyID])
	return out
}

func answeredCall() *model.Flow {
	return &model.Flow{
		ID:          uuid.New(),
		CallerID:    uuid.New(),
		ResponderID: uuid.New(),
		ActionType:  model.ActionTypeCall,
		Status:      model.FlowStatusAnswered,
		CreatedAt:   time.Now(),
	}
}

func newTestRelay(flows *fakeFlows, sender *fakeSender, grace time.Duration) *Relay {
	return NewRelay(flows, sender, Config{DisconnectGrace: grace}, testLogger, testMetrics)
}

func TestRelayForwardsOfferToPeer(t *testing.T) {
	f := answeredCall()
	sender := newFakeSender()
	relay := newTestRelay(newFakeFlows(f), sender, time.Second)

	offer := model.NewEvent(model.EventOffer, f.ID, map[string]string{"sdp": "v=0"})
	err := relay.Relay(context.Background(), f.ID, f.CallerID, offer)
	require.NoError(t, err)

	got := sender.events(f.ResponderID)
	require.Len(t, got, 1)
	assert.Equal(t, model.EventOffer, got[0].Type)
	assert.Empty(t, sender.events(f.CallerID))
}

func TestRelayDropsNonAnsweredFlow(t *testing.T) {
	f := answeredCall()
	f.Status = model.FlowStatusPending
	sender := newFakeSender()
	relay := newTestRelay(newFakeFlows(f), sender, time.Second)

	err := relay.Relay(context.Background(), f.ID, f.CallerID,
		model.NewEvent(model.EventOffer, f.ID, nil))
	require.NoError(t, err)
	assert.Empty(t, sender.events(f.ResponderID))
}

func TestRelayDropsUnknownFlow(t *testing.T) {
	sender := newFakeSender()
	relay := newTestRelay(newFakeFlows(), sender, time.Second)

	err := relay.Relay(context.Background(), uuid.New(), uuid.New(),
		model.NewEvent(model.EventOffer, uuid.New(), nil))
	require.NoError(t, err)
	assert.Empty(t, sender.received)
}

func TestRelayRejectsNonParticipant(t *testing.T) {
	f := answeredCall()
	relay := newTestRelay(newFakeFlows(f), newFakeSender(), time.Second)

	err := relay.Relay(context.Background(), f.ID, uuid.New(),
		model.NewEvent(model.EventOffer, f.ID, nil))
	require.Error(t, err)

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrUnauthorized, appErr.Code)
}

func TestCandidatesHeldUntilRemoteDescription(t *testing.T) {
	f := answeredCall()
	sender := newFakeSender()
	relay := newTestRelay(newFakeFlows(f), sender, time.Second)
	ctx := context.Background()

	require.NoError(t, relay.Relay(ctx, f.ID, f.CallerID,
		model.NewEvent(model.EventOffer, f.ID, nil)))

	// Trickle candidates arrive before the host has applied the offer.
	for _, c := range []string{"cand-0", "cand-1", "cand-2"} {
		require.NoError(t, relay.Relay(ctx, f.ID, f.CallerID,
			model.NewEvent(model.EventIceCandidate, f.ID, map[string]string{"candidate": c})))
	}

	got := sender.events(f.ResponderID)
	require.Len(t, got, 1, "only the offer should have been forwarded")

	require.NoError(t, relay.RemoteDescriptionSet(ctx, f.ID, f.ResponderID))

	got = sender.events(f.ResponderID)
	require.Len(t, got, 4)
	for i, want := range []string{"cand-0", "cand-1", "cand-2"} {
		var payload map[string]string
		require.NoError(t, json.Unmarshal(got[i+1].Payload, &payload))
		assert.Equal(t, want, payload["candidate"], "candidates must flush in arrival order")
	}

	// Once the description is set, candidates pass straight through.
	require.NoError(t, relay.Relay(ctx, f.ID, f.CallerID,
		model.NewEvent(model.EventIceCandidate, f.ID, map[string]string{"candidate": "cand-3"})))
	assert.Len(t, sender.events(f.ResponderID), 5)
}

func TestCandidatesBufferedPerParty(t *testing.T) {
	f := answeredCall()
	sender := newFakeSender()
	relay := newTestRelay(newFakeFlows(f), sender, time.Second)
	ctx := context.Background()

	require.NoError(t, relay.Relay(ctx, f.ID, f.CallerID,
		model.NewEvent(model.EventIceCandidate, f.ID, nil)))
	require.NoError(t, relay.Relay(ctx, f.ID, f.ResponderID,
		model.NewEvent(model.EventIceCandidate, f.ID, nil)))

	// Only the guest has applied its remote description; only the guest's
	// queue may flush.
	require.NoError(t, relay.RemoteDescriptionSet(ctx, f.ID, f.CallerID))

	assert.Len(t, sender.events(f.CallerID), 1)
	assert.Empty(t, sender.events(f.ResponderID))
}

func TestEndCallForwardedAndTornDown(t *testing.T) {
	f := answeredCall()
	sender := newFakeSender()
	relay := newTestRelay(newFakeFlows(f), sender, 20*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, relay.Relay(ctx, f.ID, f.CallerID,
		model.NewEvent(model.EventOffer, f.ID, nil)))
	require.NoError(t, relay.Relay(ctx, f.ID, f.CallerID,
		model.NewEvent(model.EventEndCall, f.ID, nil)))

	got := sender.events(f.ResponderID)
	require.Len(t, got, 2)
	assert.Equal(t, model.EventEndCall, got[1].Type)

	// The call is gone: a disconnect after teardown must not synthesize a
	// second end-call.
	relay.PartyDisconnected(f.CallerID)
	time.Sleep(60 * time.Millisecond)
	assert.Len(t, sender.events(f.ResponderID), 2)
}

func TestDisconnectGraceExpirySynthesizesEndCall(t *testing.T) {
	f := answeredCall()
	sender := newFakeSender()
	relay := newTestRelay(newFakeFlows(f), sender, 20*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, relay.Join(ctx, f.ID, f.CallerID))

	relay.PartyDisconnected(f.CallerID)

	assert.Eventually(t, func() bool {
		got := sender.events(f.ResponderID)
		return len(got) == 1 && got[0].Type == model.EventEndCall
	}, time.Second, 5*time.Millisecond)
}

func TestReconnectWithinGraceKeepsCallAlive(t *testing.T) {
	f := answeredCall()
	sender := newFakeSender()
	relay := newTestRelay(newFakeFlows(f), sender, 50*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, relay.Join(ctx, f.ID, f.CallerID))

	relay.PartyDisconnected(f.CallerID)
	relay.PartyConnected(f.CallerID)

	time.Sleep(120 * time.Millisecond)
	assert.Empty(t, sender.events(f.ResponderID))

	// The call survived; signaling still flows.
	require.NoError(t, relay.Relay(ctx, f.ID, f.CallerID,
		model.NewEvent(model.EventOffer, f.ID, nil)))
	assert.Len(t, sender.events(f.ResponderID), 1)
}

func TestCloseStopsGraceTimers(t *testing.T) {
	f := answeredCall()
	sender := newFakeSender()
	relay := newTestRelay(newFakeFlows(f), sender, 20*time.Millisecond)

	require.NoError(t, relay.Join(context.Background(), f.ID, f.CallerID))
	relay.PartyDisconnected(f.CallerID)
	relay.Close()

	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, sender.events(f.ResponderID))
}

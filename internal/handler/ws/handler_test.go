package ws

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/219WD/videoporteroqr-core/internal/model"
	"github.com/219WD/videoporteroqr-core/internal/realtime"
	flowservice "github.com/219WD/videoporteroqr-core/internal/service/flow"
	"github.com/219WD/videoporteroqr-core/internal/service/signaling"
	apperrors "github.com/219WD/videoporteroqr-core/pkg/errors"
	"github.com/219WD/videoporteroqr-core/pkg/logger"
	"github.com/219WD/videoporteroqr-core/pkg/metrics"
)

var (
	testMetrics = metrics.NewMetrics("test", "wshandler")
	testLogger  = logger.NewLogger(&logger.Config{Level: logger.FatalLevel, Output: io.Discard})
)

type stubFlowRepo struct {
	mu    sync.Mutex
	flows map[uuid.UUID]*model.Flow
}

func newStubFlowRepo() *stubFlowRepo {
	return &stubFlowRepo{flows: make(map[uuid.UUID]*model.Flow)}
}

func (r *stubFlowRepo) Create(_ context.Context, f *model.Flow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *f
	r.flows[f.ID] = &cp
	return nil
}

func (r *stubFlowRepo) Get(_ context.Context, id uuid.UUID) (*model.Flow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.flows[id]
	if !ok {
		return nil, apperrors.NewNotFound("flow", nil)
	}
	cp := *f
	return &cp, nil
}

func (r *stubFlowRepo) GetWithMessages(ctx context.Context, id uuid.UUID) (*model.Flow, []*model.FlowMessage, error) {
	f, err := r.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return f, nil, nil
}

func (r *stubFlowRepo) Transition(_ context.Context, id uuid.UUID, to model.FlowStatus, response *model.FlowResponse) (*model.Flow, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.flows[id]
	if !ok {
		return nil, false, apperrors.NewNotFound("flow", nil)
	}
	if f.Status != model.FlowStatusPending {
		cp := *f
		return &cp, false, nil
	}
	f.Status = to
	f.Response = response
	now := time.Now()
	f.AnsweredAt = &now
	cp := *f
	return &cp, true, nil
}

func (r *stubFlowRepo) ListPendingOlderThan(context.Context, time.Time) ([]*model.Flow, error) {
	return nil, nil
}

func (r *stubFlowRepo) CountPending(context.Context) (int64, error) { return 0, nil }

func (r *stubFlowRepo) DeleteTerminalBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

type stubMessageRepo struct{}

func (stubMessageRepo) Append(context.Context, *model.FlowMessage) error { return nil }
func (stubMessageRepo) List(context.Context, uuid.UUID) ([]*model.FlowMessage, error) {
	return nil, nil
}

type nopDispatcher struct{}

func (nopDispatcher) Notify(context.Context, uuid.UUID, *model.Event) error { return nil }

func newTestStack(repo *stubFlowRepo) (*flowservice.Service, *realtime.Hub) {
	flows := flowservice.NewService(repo, stubMessageRepo{}, nopDispatcher{}, flowservice.Config{
		ResponseDeadline: 35 * time.Second,
	}, testLogger, testMetrics)
	hub := realtime.NewHub(testLogger, testMetrics)
	relay := signaling.NewRelay(flows, hub, signaling.Config{}, testLogger, testMetrics)
	NewHandler(hub, flows, relay, nil, testLogger)
	return flows, hub
}

func newSessionServer(t *testing.T, hub *realtime.Hub) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		partyID, err := uuid.Parse(r.URL.Query().Get("party"))
		require.NoError(t, err)
		conn, err := up.Upgrade(w, r, nil)
		require.NoError(t, err)
		hub.Register(partyID, conn)
	}))
}

func dial(t *testing.T, srv *httptest.Server, partyID uuid.UUID) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?party=" + partyID.String()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func TestStaleRespondEchoesCommittedStatusToResponder(t *testing.T) {
	repo := newStubFlowRepo()
	flows, hub := newTestStack(repo)

	caller, responder := uuid.New(), uuid.New()
	f, err := flows.Create(context.Background(), caller, responder, model.ActionTypeCall)
	require.NoError(t, err)

	// The deadline sweep wins before the responder answers.
	_, won, err := repo.Transition(context.Background(), f.ID, model.FlowStatusTimeout, nil)
	require.NoError(t, err)
	require.True(t, won)

	srv := newSessionServer(t, hub)
	defer srv.Close()
	conn := dial(t, srv, responder)
	defer conn.Close()

	accept := model.NewEvent(model.EventCallResponse, f.ID, map[string]string{
		"response": string(model.ResponseAccept),
	})
	require.NoError(t, conn.WriteJSON(accept))

	// The late answer is stale; the responder's own session learns what won.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got model.Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, model.EventCallResponse, got.Type)
	assert.Equal(t, f.ID, got.FlowID)

	var payload flowservice.ResponsePayload
	require.NoError(t, json.Unmarshal(got.Payload, &payload))
	assert.Equal(t, model.FlowStatusTimeout, payload.Flow.Status)
}

func TestWinningRespondDoesNotEchoToResponder(t *testing.T) {
	repo := newStubFlowRepo()
	flows, hub := newTestStack(repo)

	caller, responder := uuid.New(), uuid.New()
	f, err := flows.Create(context.Background(), caller, responder, model.ActionTypeCall)
	require.NoError(t, err)

	srv := newSessionServer(t, hub)
	defer srv.Close()
	conn := dial(t, srv, responder)
	defer conn.Close()

	accept := model.NewEvent(model.EventCallResponse, f.ID, map[string]string{
		"response": string(model.ResponseAccept),
	})
	require.NoError(t, conn.WriteJSON(accept))

	require.Eventually(t, func() bool {
		current, err := flows.Get(context.Background(), f.ID)
		return err == nil && current.Status == model.FlowStatusAnswered
	}, 2*time.Second, 10*time.Millisecond)

	// The outcome goes to the caller through the dispatcher; the winning
	// responder's session stays quiet.
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var got model.Event
	err = conn.ReadJSON(&got)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "timeout") || websocket.IsUnexpectedCloseError(err))
}

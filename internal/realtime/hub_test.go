package realtime

import (
	"context"
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
	"github.com/219WD/videoporteroqr-core/pkg/logger"
	"github.com/219WD/videoporteroqr-core/pkg/metrics"
)

var (
	testMetrics = metrics.NewMetrics("test", "realtime")
	testLogger  = logger.NewLogger(&logger.Config{Level: logger.FatalLevel, Output: io.Discard})
)

// hubServer upgrades inbound connections and registers them on the hub, the
// way the ws handler does in production.
func hubServer(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		partyID, err := uuid.Parse(r.URL.Query().Get("party"))
		if err != nil {
			http.Error(w, "bad party", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.Register(partyID, conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, partyID uuid.UUID) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?party=" + partyID.String()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) *model.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var evt model.Event
	require.NoError(t, conn.ReadJSON(&evt))
	return &evt
}

func waitConnected(t *testing.T, hub *Hub, partyID uuid.UUID) {
	t.Helper()
	require.Eventually(t, func() bool {
		return hub.Connected(partyID)
	}, time.Second, 5*time.Millisecond)
}

func TestSendDeliversToLiveSession(t *testing.T) {
	hub := NewHub(testLogger, testMetrics)
	srv := hubServer(t, hub)

	partyID := uuid.New()
	conn := dial(t, srv, partyID)
	waitConnected(t, hub, partyID)

	evt := model.NewEvent(model.EventCallIncoming, uuid.New(), nil)
	assert.True(t, hub.Send(partyID, evt))

	got := readEvent(t, conn)
	assert.Equal(t, evt.ID, got.ID)
	assert.Equal(t, model.EventCallIncoming, got.Type)
}

func TestSendToOfflinePartyIsDropped(t *testing.T) {
	hub := NewHub(testLogger, testMetrics)

	delivered := hub.Send(uuid.New(), model.NewEvent(model.EventCallIncoming, uuid.New(), nil))
	assert.False(t, delivered)
}

func TestDuplicateEventDeliveredOnce(t *testing.T) {
	hub := NewHub(testLogger, testMetrics)
	srv := hubServer(t, hub)

	partyID := uuid.New()
	conn := dial(t, srv, partyID)
	waitConnected(t, hub, partyID)

	evt := model.NewEvent(model.EventFlowResponse, uuid.New(), nil)
	assert.True(t, hub.Send(partyID, evt))
	assert.False(t, hub.Send(partyID, evt), "a replayed event must not deliver twice")

	readEvent(t, conn)

	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	var second model.Event
	err := conn.ReadJSON(&second)
	assert.Error(t, err, "no second copy may arrive")
}

func TestNewSessionSupersedesOld(t *testing.T) {
	hub := NewHub(testLogger, testMetrics)
	srv := hubServer(t, hub)

	partyID := uuid.New()
	dial(t, srv, partyID)
	waitConnected(t, hub, partyID)

	second := dial(t, srv, partyID)
	// The second registration replaces the first in the map synchronously on
	// the server side; wait until the hub reflects it.
	require.Eventually(t, func() bool {
		return hub.Connected(partyID)
	}, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	evt := model.NewEvent(model.EventFlowIncoming, uuid.New(), nil)
	require.True(t, hub.Send(partyID, evt))

	got := readEvent(t, second)
	assert.Equal(t, evt.ID, got.ID)
}

func TestInboundEventsReachHandler(t *testing.T) {
	hub := NewHub(testLogger, testMetrics)

	var mu sync.Mutex
	var received []*model.Event
	hub.SetHandler(func(_ context.Context, sess *Session, evt *model.Event) {
		mu.Lock()
		received = append(received, evt)
		mu.Unlock()
	})

	srv := hubServer(t, hub)
	partyID := uuid.New()
	conn := dial(t, srv, partyID)
	waitConnected(t, hub, partyID)

	sent := model.NewEvent(model.EventJoinCallRoom, uuid.New(), nil)
	require.NoError(t, conn.WriteJSON(sent))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, sent.ID, received[0].ID)
	assert.Equal(t, model.EventJoinCallRoom, received[0].Type)
}

type recordingObserver struct {
	mu           sync.Mutex
	connected    []uuid.UUID
	disconnected []uuid.UUID
}

func (o *recordingObserver) PartyConnected(id uuid.UUID) {
	o.mu.Lock()
	o.connected = append(o.connected, id)
	o.mu.Unlock()
}

func (o *recordingObserver) PartyDisconnected(id uuid.UUID) {
	o.mu.Lock()
	o.disconnected = append(o.disconnected, id)
	o.mu.Unlock()
}

func (o *recordingObserver) counts() (int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.connected), len(o.disconnected)
}

func TestObserverSeesConnectAndDisconnect(t *testing.T) {
	hub := NewHub(testLogger, testMetrics)
	obs := &recordingObserver{}
	hub.AddObserver(obs)

	srv := hubServer(t, hub)
	partyID := uuid.New()
	conn := dial(t, srv, partyID)
	waitConnected(t, hub, partyID)

	conn.Close()

	require.Eventually(t, func() bool {
		c, d := obs.counts()
		return c == 1 && d == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSupersedeDoesNotNotifyDisconnect(t *testing.T) {
	hub := NewHub(testLogger, testMetrics)
	obs := &recordingObserver{}
	hub.AddObserver(obs)

	srv := hubServer(t, hub)
	partyID := uuid.New()
	dial(t, srv, partyID)
	waitConnected(t, hub, partyID)

	dial(t, srv, partyID)
	require.Eventually(t, func() bool {
		c, _ := obs.counts()
		return c == 2
	}, time.Second, 5*time.Millisecond)

	// The party never left; replacing its transport is not a disconnect.
	time.Sleep(100 * time.Millisecond)
	_, d := obs.counts()
	assert.Zero(t, d)
}

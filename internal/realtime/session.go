package realtime

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/219WD/videoporteroqr-core/internal/model"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendQueueSize  = 32
)

// Session is one party's live connection to the hub. A party has at most one
// session; registering a new one supersedes the old, whose pumps drain and
// exit without surfacing errors to anyone.
type Session struct {
	partyID uuid.UUID
	conn    *websocket.Conn
	hub     *Hub

	send chan *model.Event
	done chan struct{}

	mu         sync.Mutex
	superseded bool
	closed     bool
}

func newSession(hub *Hub, partyID uuid.UUID, conn *websocket.Conn) *Session {
	return &Session{
		partyID: partyID,
		conn:    conn,
		hub:     hub,
		send:    make(chan *model.Event, sendQueueSize),
		done:    make(chan struct{}),
	}
}

// PartyID returns the identity this session authenticates as.
func (s *Session) PartyID() uuid.UUID {
	return s.partyID
}

// Superseded reports whether a newer session replaced this one. Inbound
// events from a superseded session are ignored rather than erroring.
func (s *Session) Superseded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.superseded
}

func (s *Session) supersede() {
	s.mu.Lock()
	s.superseded = true
	s.mu.Unlock()
	s.close()
}

func (s *Session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.conn.Close()
}

// deliver enqueues an event for the write pump. Returns false if the queue is
// full or the session is shutting down; the hub counts those as drops.
func (s *Session) deliver(evt *model.Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- evt:
		return true
	default:
		return false
	}
}

// writePump serializes all writes to the connection and keeps it alive with
// pings. Runs until the session closes.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case evt := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(evt); err != nil {
				s.hub.sessionFailed(s, err)
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.hub.sessionFailed(s, err)
				return
			}
		}
	}
}

// readPump reads inbound events and hands them to the hub's handler. A read
// error means the transport dropped; superseded sessions exit silently.
func (s *Session) readPump() {
	defer s.hub.unregister(s)

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var evt model.Event
		if err := s.conn.ReadJSON(&evt); err != nil {
			if !s.Superseded() {
				s.hub.sessionFailed(s, err)
			}
			return
		}
		if s.Superseded() {
			return
		}
		s.hub.dispatch(s, &evt)
	}
}

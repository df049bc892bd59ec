package notify

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/ride-booking/internal/models"
)

var ErrNoSession = errors.New("no ws session")

// WSSession is a connected user socket. Writes are serialized per session.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(ev models.BookingEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(ev)
}

// WSRegistry holds live websocket sessions keyed by user id (customers and
// drivers alike).
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

// Add registers the connection and starts reaping it. A reconnect replaces
// the previous session; the stale socket is closed.
func (r *WSRegistry) Add(userID string, conn *websocket.Conn) {
	sess := &WSSession{conn: conn}
	r.mu.Lock()
	if old, ok := r.sessions[userID]; ok {
		_ = old.conn.Close()
	}
	r.sessions[userID] = sess
	r.mu.Unlock()
	go r.reap(userID, sess)
}

// reap blocks reading the socket and drops the session once the peer goes
// away. The session is only removed if it is still the registered one, so a
// reaper outlived by a reconnect leaves the new session alone.
func (r *WSRegistry) reap(userID string, sess *WSSession) {
	for {
		if _, _, err := sess.conn.ReadMessage(); err != nil {
			break
		}
	}
	r.mu.Lock()
	if cur, ok := r.sessions[userID]; ok && cur == sess {
		delete(r.sessions, userID)
	}
	r.mu.Unlock()
	_ = sess.conn.Close()
}

func (r *WSRegistry) Notify(userID string, ev models.BookingEvent) error {
	r.mu.RLock()
	s, ok := r.sessions[userID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.Send(ev)
}

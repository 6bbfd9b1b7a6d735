package dispatch

import (
	"context"
	"errors"
	"sync"

	"github.com/gorilla/websocket"
)

var ErrNoSession = errors.New("no ws session")

// WSSession represents a connected driver session.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) SendJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

// WSRegistry holds connected driver sessions. It doubles as a push
// Provider: when the target driver has a live socket the notification
// goes straight down it.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

func (r *WSRegistry) Add(driverID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[driverID] = &WSSession{conn: conn}
}

func (r *WSRegistry) Remove(driverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, driverID)
}

func (r *WSRegistry) Send(ctx context.Context, target string, p Payload) (string, error) {
	r.mu.RLock()
	s, ok := r.sessions[target]
	r.mu.RUnlock()
	if !ok {
		return "", ErrNoSession
	}
	if err := s.SendJSON(p); err != nil {
		return "", err
	}
	return "", nil
}

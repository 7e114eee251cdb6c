// Package sockets wraps client WebSocket connections behind a small
// write-safe interface and a pool keyed by user identity.
package sockets

import (
	"sync"

	"github.com/gofiber/contrib/websocket"
)

// ID identifies one client socket, keyed by the connected user.
type ID string

// Socket is a WebSocket connection safe for one reader and any number
// of concurrent writers.
type Socket interface {
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
	Close() error
}

type socketImpl struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func NewSocket(conn *websocket.Conn) Socket {
	return &socketImpl{ws: conn}
}

func (s *socketImpl) WriteJSON(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ws.WriteJSON(v)
}

func (s *socketImpl) ReadJSON(v interface{}) error {
	return s.ws.ReadJSON(v)
}

func (s *socketImpl) Close() error {
	return s.ws.Close()
}

package sockets

import (
	"sync"

	"github.com/gofiber/contrib/websocket"
	"github.com/sparebook/callkit/internal/metrics"
)

// Pool tracks one live socket per user. A reconnect replaces and closes
// the previous connection for the same user.
type Pool struct {
	mutex   sync.Mutex
	sockets map[ID]Socket
}

func NewPool() *Pool {
	return &Pool{
		sockets: make(map[ID]Socket),
	}
}

func (p *Pool) AddSocket(id ID, conn *websocket.Conn) Socket {
	soc := NewSocket(conn)

	p.mutex.Lock()
	defer p.mutex.Unlock()
	if oldConn, contains := p.sockets[id]; contains {
		_ = oldConn.Close()
	} else {
		metrics.ActiveClientSockets.Inc()
	}
	p.sockets[id] = soc
	return soc
}

func (p *Pool) GetSocket(id ID) Socket {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if conn, contains := p.sockets[id]; contains {
		return conn
	}
	return nil
}

func (p *Pool) CloseSocket(id ID) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if oldConn, contains := p.sockets[id]; contains {
		_ = oldConn.Close()
		delete(p.sockets, id)
		metrics.ActiveClientSockets.Dec()
	}
}

func (p *Pool) Close() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	for id, conn := range p.sockets {
		_ = conn.Close()
		delete(p.sockets, id)
		metrics.ActiveClientSockets.Dec()
	}
}

package websockets

import (
	"sync"
)

const (
	STATUS_UNAUTHENTICATED int32 = iota
	STATUS_AUTHENTICATED
	STATUS_CLOSED
)

const BROADCAST_BUFFER = 256

type Hub struct {
	broadcast chan Message
	clients   map[string]*Client
	mutex     sync.RWMutex
	done      chan struct{}
	stopOnce  sync.Once
}

func newHub() *Hub {
	return &Hub{
		broadcast: make(chan Message, BROADCAST_BUFFER),
		clients:   make(map[string]*Client),
		done:      make(chan struct{}),
	}
}

func (h *Hub) run(m *Manager) {
	for {
		select {
		case <-h.done:
			return
		case message := <-h.broadcast:
			h.broadcastMessage(message, m)
		}
	}
}

func (h *Hub) add(client *Client) bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	select {
	case <-h.done:
		return false
	default:
	}

	h.clients[client.ID] = client
	return true
}

// remove drops the client and closes its send channel, which ends its write
// pump. Removing a client twice is a no-op.
func (h *Hub) remove(client *Client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	client.status.Store(STATUS_CLOSED)
	close(client.send)
}

func (h *Hub) count() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

func (h *Hub) stop() {
	h.stopOnce.Do(func() {
		h.mutex.Lock()
		defer h.mutex.Unlock()

		close(h.done)
		for id, client := range h.clients {
			delete(h.clients, id)
			client.status.Store(STATUS_CLOSED)
			close(client.send)
		}
	})
}

func (h *Hub) broadcastMessage(message Message, m *Manager) {
	log := m.log.Function("broadcastMessage")

	h.mutex.RLock()
	var slow []*Client
	sentCount := 0
	for _, client := range h.clients {
		if client.Status() != STATUS_AUTHENTICATED {
			continue
		}

		select {
		case client.send <- message:
			sentCount++
		default:
			slow = append(slow, client)
		}
	}
	totalClients := len(h.clients)
	h.mutex.RUnlock()

	for _, client := range slow {
		log.Warn("Client too slow, disconnecting", "clientID", client.ID)
		h.remove(client)
	}

	log.Debug(
		"Broadcast complete",
		"messageID",
		message.ID,
		"sentTo",
		sentCount,
		"totalClients",
		totalClients,
	)
}

func (m *Manager) ClientCount() int {
	return m.hub.count()
}

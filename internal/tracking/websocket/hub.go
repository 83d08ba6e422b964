package websocket

import "sync"

// Hub holds this instance's live subscriber connections, indexed by trip.
// Cross-instance delivery is the bus's job; the hub only fans out locally.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	byTrip  map[string]map[string]*Client
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		byTrip:  make(map[string]map[string]*Client),
	}
}

func (h *Hub) AddClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.ID] = c
	if h.byTrip[c.TripID] == nil {
		h.byTrip[c.TripID] = make(map[string]*Client)
	}
	h.byTrip[c.TripID][c.ID] = c
}

func (h *Hub) RemoveClient(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[id]
	if !ok {
		return
	}
	delete(h.clients, id)
	if peers, ok := h.byTrip[c.TripID]; ok {
		delete(peers, id)
		if len(peers) == 0 {
			delete(h.byTrip, c.TripID)
		}
	}
	close(c.Send)
}

// SendToTrip forwards a message to every local subscriber of the trip. A
// client whose send buffer is full misses this message; location streaming
// never blocks on a slow consumer.
func (h *Hub) SendToTrip(tripID string, message []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.byTrip[tripID] {
		select {
		case client.Send <- message:
		default:
		}
	}
}

func (h *Hub) SendToClient(id string, message []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if client, ok := h.clients[id]; ok {
		select {
		case client.Send <- message:
		default:
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

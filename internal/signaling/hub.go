package signaling

import "sync"

// hub tracks every live connection by peer id. Room membership itself lives
// in the registry; the hub only resolves ids to connections for delivery.
type hub struct {
	mu    sync.RWMutex
	peers map[string]*peer
}

func newHub() *hub {
	return &hub{peers: make(map[string]*peer)}
}

func (h *hub) add(p *peer) {
	h.mu.Lock()
	h.peers[p.id] = p
	h.mu.Unlock()
}

func (h *hub) remove(id string) {
	h.mu.Lock()
	delete(h.peers, id)
	h.mu.Unlock()
}

// broadcastAll delivers msg to every connected peer.
func (h *hub) broadcastAll(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, p := range h.peers {
		p.enqueue(msg)
	}
}

// sendToPeers delivers msg to each listed peer except exclude. Ids that no
// longer resolve to a live connection are skipped.
func (h *hub) sendToPeers(ids []string, exclude string, msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, id := range ids {
		if id == exclude {
			continue
		}
		if p, ok := h.peers[id]; ok {
			p.enqueue(msg)
		}
	}
}

// closeAll signals every peer's write loop to shut down.
func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range h.peers {
		p.close()
	}
}

package websocket

import (
	"sync"

	"github.com/hachi/hachi/bittorrent"
)

// hub tracks every open session and routes relay messages between announced
// peers. Only peers that have announced are routable; a freshly-upgraded
// connection that has not yet announced can receive nothing.
type hub struct {
	sync.RWMutex
	conns    map[*session]struct{}
	sessions map[bittorrent.PeerID]*session
}

func newHub() *hub {
	return &hub{
		conns:    make(map[*session]struct{}),
		sessions: make(map[bittorrent.PeerID]*session),
	}
}

// add records a new connection before its first announce.
func (h *hub) add(s *session) {
	h.Lock()
	h.conns[s] = struct{}{}
	h.Unlock()
}

// register makes a session routable under its peer ID. A reconnecting peer
// replaces its previous session; the stale session stays connected until its
// own pumps wind down but receives no further relays.
func (h *hub) register(s *session) {
	h.Lock()
	h.sessions[s.peerID] = s
	h.Unlock()
}

// unregisterPeer removes a session's peer ID mapping, unless another session
// has already claimed the ID.
func (h *hub) unregisterPeer(s *session) {
	h.Lock()
	if h.sessions[s.peerID] == s {
		delete(h.sessions, s.peerID)
	}
	h.Unlock()
}

// remove forgets a closed connection entirely.
func (h *hub) remove(s *session) {
	h.Lock()
	delete(h.conns, s)
	if s.registered && h.sessions[s.peerID] == s {
		delete(h.sessions, s.peerID)
	}
	h.Unlock()
}

// lookup returns the live session announced under id, or nil.
func (h *hub) lookup(id bittorrent.PeerID) *session {
	h.RLock()
	s := h.sessions[id]
	h.RUnlock()
	return s
}

// live filters a peer list down to the sessions currently connected,
// excluding the requester.
func (h *hub) live(peers []bittorrent.Peer, requester bittorrent.PeerID) []*session {
	h.RLock()
	defer h.RUnlock()

	var out []*session
	for _, p := range peers {
		if p.ID == requester {
			continue
		}
		if s, ok := h.sessions[p.ID]; ok {
			out = append(out, s)
		}
	}
	return out
}

// closeAll tears down every open connection, announced or not.
func (h *hub) closeAll() {
	h.RLock()
	conns := make([]*session, 0, len(h.conns))
	for s := range h.conns {
		conns = append(conns, s)
	}
	h.RUnlock()

	for _, s := range conns {
		s.close()
	}
}

// len reports the number of open connections.
func (h *hub) len() int {
	h.RLock()
	defer h.RUnlock()
	return len(h.conns)
}

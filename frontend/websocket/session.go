package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hachi/hachi/bittorrent"
	"github.com/hachi/hachi/pkg/log"
)

const (
	// maxMessageSize bounds a single frame; announces carrying a full
	// complement of SDP offers stay well under this.
	maxMessageSize = 64 << 10

	// sendBufferSize is the number of outbound messages queued per session
	// before the session is considered unresponsive and dropped.
	sendBufferSize = 256
)

// session is one WebSocket connection and the announce state accumulated
// over it. peerID, registered, and swarms are owned by the read pump; the
// hub and other sessions interact with a session only through its send
// channel.
type session struct {
	conn  *websocket.Conn
	send  chan []byte
	quit  chan struct{}
	front *Frontend

	ip     bittorrent.IP
	token  string
	params bittorrent.Params

	peerID     bittorrent.PeerID
	registered bool
	swarms     map[bittorrent.InfoHash]struct{}

	closeOnce sync.Once
}

// close tears the connection down. Safe to call from any goroutine, multiple
// times.
func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.quit)
		s.conn.Close()
	})
}

// enqueue queues an outbound frame. A session whose client has stopped
// draining its buffer is closed rather than allowed to block relays to
// everyone else.
func (s *session) enqueue(b []byte) {
	select {
	case s.send <- b:
	case <-s.quit:
	default:
		log.Debug("websocket: send buffer full, dropping session", log.Fields{"peer": s.peerID})
		s.close()
	}
}

// readPump consumes frames until the connection dies, then reports the
// disconnect so the peer leaves the swarms it announced to.
func (s *session) readPump() {
	defer func() {
		s.close()
		s.front.hub.remove(s)
		if s.registered {
			s.front.logic.HandleDisconnect(context.Background(), s.peerID, s.joinedSwarms())
		}
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(s.front.IdleTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(s.front.IdleTimeout))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug("websocket: read failed", log.Err(err))
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(s.front.IdleTimeout))

		var start time.Time
		if s.front.EnableRequestTiming {
			start = time.Now()
		}
		action, af, err := s.handleMessage(data)
		if s.front.EnableRequestTiming {
			recordResponseDuration(action, af, err, time.Since(start))
		} else {
			recordResponseDuration(action, af, err, time.Duration(0))
		}
	}
}

// writePump serializes all writes to the connection and keeps it alive with
// pings.
func (s *session) writePump() {
	ticker := time.NewTicker(s.front.pingPeriod())
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case <-s.quit:
			s.conn.SetWriteDeadline(time.Now().Add(s.front.WriteTimeout))
			s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case b := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(s.front.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				log.Debug("websocket: write failed", log.Err(err))
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(s.front.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage parses one frame and dispatches it.
func (s *session) handleMessage(data []byte) (actionName string, af *bittorrent.AddressFamily, err error) {
	var msg message
	if err = json.Unmarshal(data, &msg); err != nil {
		err = errMalformedMessage
		s.writeFailure("", "", err)
		return
	}

	switch msg.Action {
	case "announce":
		// An announce frame carrying an answer is pure signaling: it routes
		// the answer back to the offering peer and mutates nothing.
		if len(msg.Answer) > 0 {
			actionName = "answer"
			err = s.relayAnswer(&msg)
			if err != nil {
				s.writeFailure(msg.Action, msg.InfoHash, err)
			}
			return
		}

		actionName = "announce"
		af, err = s.announce(&msg)
		if err != nil {
			s.writeFailure(msg.Action, msg.InfoHash, err)
		}

	case "scrape":
		actionName = "scrape"
		af, err = s.scrape(&msg)
		if err != nil {
			s.writeFailure(msg.Action, msg.InfoHash, err)
		}

	default:
		err = errUnknownAction
		s.writeFailure(msg.Action, msg.InfoHash, err)
	}

	return
}

func (s *session) announce(msg *message) (*bittorrent.AddressFamily, error) {
	req, err := announceRequest(msg, s)
	if err != nil {
		return nil, err
	}
	af := new(bittorrent.AddressFamily)
	*af = req.IP.AddressFamily

	ctx, resp, err := s.front.logic.HandleAnnounce(context.Background(), req)
	if err != nil {
		return af, err
	}

	// Become routable under this peer ID before any offers go out, so
	// answers have a way back.
	s.identify(req.Peer.ID)
	if req.Event == bittorrent.Stopped {
		delete(s.swarms, req.InfoHash)
	} else {
		s.swarms[req.InfoHash] = struct{}{}
	}

	s.writeAnnounceResponse(msg.InfoHash, resp)
	s.relayOffers(msg, req, resp)

	go s.front.logic.AfterAnnounce(ctx, req, resp)
	return af, nil
}

func (s *session) scrape(msg *message) (*bittorrent.AddressFamily, error) {
	req, err := scrapeRequest(msg, s)
	if err != nil {
		return nil, err
	}
	af := new(bittorrent.AddressFamily)
	*af = req.Peer.IP.AddressFamily

	ctx, resp, err := s.front.logic.HandleScrape(context.Background(), req)
	if err != nil {
		return af, err
	}

	s.writeScrapeResponse(resp)

	go s.front.logic.AfterScrape(ctx, req, resp)
	return af, nil
}

// identify registers the session in the hub under the announced peer ID,
// rekeying if the client switched IDs mid-connection.
func (s *session) identify(id bittorrent.PeerID) {
	if s.registered {
		if s.peerID == id {
			return
		}
		s.front.hub.unregisterPeer(s)
	}
	s.peerID = id
	s.registered = true
	s.front.hub.register(s)
}

// relayOffers fans the announce's offers out to selected peers, one offer
// per peer, skipping peers without a live session. Leftover offers are
// dropped; the client learns about absent peers from silence, not failure.
func (s *session) relayOffers(msg *message, req *bittorrent.AnnounceRequest, resp *bittorrent.AnnounceResponse) {
	if len(msg.Offers) == 0 {
		return
	}

	candidates := make([]bittorrent.Peer, 0, len(resp.IPv4Peers)+len(resp.IPv6Peers))
	candidates = append(candidates, resp.IPv4Peers...)
	candidates = append(candidates, resp.IPv6Peers...)

	targets := s.front.hub.live(candidates, req.Peer.ID)
	n := len(msg.Offers)
	if n > len(targets) {
		n = len(targets)
	}

	for i := 0; i < n; i++ {
		b, err := json.Marshal(relayMessage{
			Action:   "announce",
			InfoHash: msg.InfoHash,
			PeerID:   req.Peer.ID.String(),
			OfferID:  msg.Offers[i].OfferID,
			Offer:    msg.Offers[i].Offer,
		})
		if err != nil {
			log.Error("websocket: failed to marshal offer relay", log.Err(err))
			return
		}
		targets[i].enqueue(b)
	}
}

// relayAnswer routes an answer back to the peer whose offer it accepts. A
// target that disconnected in the meantime is a silent drop.
func (s *session) relayAnswer(msg *message) error {
	if !s.registered {
		return errAnswerUnannounced
	}

	senderID, err := peerIDFromHex(msg.PeerID)
	if err != nil {
		return err
	}
	if senderID != s.peerID {
		return errPeerIDMismatch
	}

	targetID, err := peerIDFromHex(msg.ToPeerID)
	if err != nil {
		return errInvalidToPeerID
	}

	target := s.front.hub.lookup(targetID)
	if target == nil {
		log.Debug("websocket: dropped answer for a departed peer", log.Fields{"to": targetID})
		return nil
	}

	b, err := json.Marshal(relayMessage{
		Action:   "announce",
		InfoHash: msg.InfoHash,
		PeerID:   msg.PeerID,
		OfferID:  msg.OfferID,
		Answer:   msg.Answer,
	})
	if err != nil {
		log.Error("websocket: failed to marshal answer relay", log.Err(err))
		return nil
	}
	target.enqueue(b)
	return nil
}

func (s *session) joinedSwarms() []bittorrent.InfoHash {
	infoHashes := make([]bittorrent.InfoHash, 0, len(s.swarms))
	for infoHash := range s.swarms {
		infoHashes = append(infoHashes, infoHash)
	}
	return infoHashes
}

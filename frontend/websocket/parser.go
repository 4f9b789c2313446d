package websocket

import (
	"encoding/hex"
	"net"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"github.com/hachi/hachi/bittorrent"
)

var (
	errMalformedMessage  = bittorrent.ClientError("malformed message")
	errUnknownAction     = bittorrent.ClientError("unknown action")
	errInvalidInfoHash   = bittorrent.ClientError("failed to provide valid infohash")
	errInvalidPeerID     = bittorrent.ClientError("failed to provide valid peer_id")
	errInvalidToPeerID   = bittorrent.ClientError("failed to provide valid to_peer_id")
	errMissingLeft       = bittorrent.ClientError("failed to provide valid left")
	errInvalidEvent      = bittorrent.ClientError("failed to provide valid client event")
	errAnswerUnannounced = bittorrent.ClientError("answer relayed before announce")
	errPeerIDMismatch    = bittorrent.ClientError("peer_id does not match this session")
)

// peerIDFromHex decodes the 40-character base16 peer ID carried in WebTorrent
// JSON messages.
func peerIDFromHex(s string) (bittorrent.PeerID, error) {
	var id bittorrent.PeerID
	if len(s) != 40 {
		return id, errInvalidPeerID
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return id, errInvalidPeerID
	}
	return id, nil
}

// announceRequest converts an announce message received on a session into an
// AnnounceRequest.
//
// Browser peers have no listening TCP port; unless the message reports one,
// the peer is recorded with port 0 and introduced to other peers exclusively
// via offer relay.
func announceRequest(msg *message, s *session) (*bittorrent.AnnounceRequest, error) {
	infoHash, err := bittorrent.InfoHashFromHex(msg.InfoHash)
	if err != nil {
		return nil, errInvalidInfoHash
	}

	peerID, err := peerIDFromHex(msg.PeerID)
	if err != nil {
		return nil, err
	}

	if msg.Left == nil {
		return nil, errMissingLeft
	}

	request := &bittorrent.AnnounceRequest{
		InfoHash:   infoHash,
		Left:       *msg.Left,
		Downloaded: msg.Downloaded,
		Uploaded:   msg.Uploaded,
		Peer: bittorrent.Peer{
			ID:   peerID,
			IP:   s.ip,
			Port: msg.Port,
		},
		Protocol:  bittorrent.ProtocolWebSocket,
		AuthToken: s.token,
		Params:    s.params,
	}

	if msg.AuthToken != "" {
		request.AuthToken = msg.AuthToken
	}

	if msg.Event != "" {
		request.Event, err = bittorrent.NewEvent(msg.Event)
		if err != nil {
			return nil, errInvalidEvent
		}
		request.EventProvided = true
	}

	if msg.NumWant != nil {
		request.NumWant = *msg.NumWant
		request.NumWantProvided = true
	} else if len(msg.Offers) > 0 {
		// WebTorrent clients size their peer demand by the offers they send.
		request.NumWant = uint32(len(msg.Offers))
		request.NumWantProvided = true
	}

	if msg.Key != "" {
		request.Key = msg.Key
		request.KeyProvided = true
	}

	if err := s.front.SanitizeAnnounce(request); err != nil {
		return nil, err
	}

	return request, nil
}

// scrapeRequest converts a scrape message received on a session into a
// ScrapeRequest. An empty hash list is passed through as a full scrape for
// the middleware to permit or refuse.
func scrapeRequest(msg *message, s *session) (*bittorrent.ScrapeRequest, error) {
	var infoHashes []bittorrent.InfoHash

	if msg.InfoHash != "" {
		infoHash, err := bittorrent.InfoHashFromHex(msg.InfoHash)
		if err != nil {
			return nil, errInvalidInfoHash
		}
		infoHashes = append(infoHashes, infoHash)
	}
	for _, h := range msg.InfoHashes {
		infoHash, err := bittorrent.InfoHashFromHex(h)
		if err != nil {
			return nil, errInvalidInfoHash
		}
		infoHashes = append(infoHashes, infoHash)
	}

	request := &bittorrent.ScrapeRequest{
		InfoHashes: infoHashes,
		AuthToken:  s.token,
		Params:     s.params,
		Peer:       bittorrent.Peer{IP: s.ip},
	}
	if msg.AuthToken != "" {
		request.AuthToken = msg.AuthToken
	}
	s.front.SanitizeScrape(request)

	return request, nil
}

// remoteIP determines the address a session's peer records should carry.
// The socket address is authoritative unless proxies are trusted, in which
// case the rightmost X-Forwarded-For hop outside the trusted networks wins.
func remoteIP(r *http.Request, cfg Config) (bittorrent.IP, error) {
	ip := socketIP(r)

	if cfg.TrustProxy {
		if hop := clientHop(r.Header.Get("X-Forwarded-For"), cfg.trustedNets); hop != nil {
			ip = hop
		}
	}

	if v4 := ip.To4(); v4 != nil {
		return bittorrent.IP{IP: v4, AddressFamily: bittorrent.IPv4}, nil
	}
	if len(ip) == net.IPv6len {
		return bittorrent.IP{IP: ip, AddressFamily: bittorrent.IPv6}, nil
	}
	return bittorrent.IP{}, bittorrent.ErrInvalidIP
}

func socketIP(r *http.Request) net.IP {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

// clientHop walks an X-Forwarded-For chain right to left and returns the
// first hop outside the trusted networks; the leftmost hop when every hop is
// trusted; nil when the chain is empty or malformed.
func clientHop(xff string, trusted []*net.IPNet) net.IP {
	if xff == "" {
		return nil
	}

	hops := strings.Split(xff, ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := net.ParseIP(strings.TrimSpace(hops[i]))
		if hop == nil {
			return nil
		}
		if !trustedNet(hop, trusted) {
			return hop
		}
		if i == 0 {
			return hop
		}
	}
	return nil
}

func trustedNet(ip net.IP, trusted []*net.IPNet) bool {
	for _, n := range trusted {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func parseTrustedProxies(cidrs []string) ([]*net.IPNet, error) {
	var nets []*net.IPNet
	for _, cidr := range cidrs {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, errors.Wrap(err, "websocket: invalid trusted proxy")
		}
		nets = append(nets, n)
	}
	return nets, nil
}

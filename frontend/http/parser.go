package http

import (
	"net"
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"

	"github.com/hachi/hachi/bittorrent"
)

// errDisallowedIP is returned when a client states an address inside a
// range that can never belong to a public BitTorrent peer.
var errDisallowedIP = bittorrent.ClientError("stated IP is in a disallowed range")

// ParseOptions is the configuration used to parse a request from a client.
//
// If TrustProxy is true, the client address is taken from an explicit "ip"
// parameter when present, then from the rightmost X-Forwarded-For hop that
// is not inside TrustedProxies, then from the socket. With TrustProxy false
// the socket address always wins, and announces stating an address inside a
// disallowed range are rejected.
type ParseOptions struct {
	TrustProxy     bool     `yaml:"trust_proxy"`
	TrustedProxies []string `yaml:"trusted_proxies"`

	bittorrent.RequestSanitizer `yaml:",inline"`

	// trustedNets is TrustedProxies parsed once at startup.
	trustedNets []*net.IPNet
}

// parseTrustedProxies parses proxy CIDRs once so that request parsing never
// pays for it.
func parseTrustedProxies(cidrs []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, errors.Wrap(err, "http: invalid trusted proxy")
		}
		nets = append(nets, ipnet)
	}

	return nets, nil
}

// ParseAnnounce parses a bittorrent.AnnounceRequest from an http.Request.
//
// The token captured by an /announce/:token route, if any, arrives via ps;
// an "auth_token" query parameter is the fallback.
func ParseAnnounce(r *http.Request, ps httprouter.Params, opts ParseOptions) (*bittorrent.AnnounceRequest, error) {
	qp, err := bittorrent.ParseURLData(r.RequestURI)
	if err != nil {
		return nil, err
	}

	request := &bittorrent.AnnounceRequest{
		Params:    qp,
		Protocol:  bittorrent.ProtocolHTTP,
		AuthToken: authToken(ps, qp),
	}

	// Attempt to parse the event from the request.
	var eventStr string
	eventStr, request.EventProvided = qp.String("event")
	if request.EventProvided {
		request.Event, err = bittorrent.NewEvent(eventStr)
		if err != nil {
			return nil, bittorrent.ClientError("failed to provide valid client event")
		}
	} else {
		request.Event = bittorrent.None
	}

	// Clients must explicitly opt out of a compact response; absence of the
	// parameter means compact.
	compactStr, _ := qp.String("compact")
	request.Compact = compactStr != "0"

	// Parse the infohash from the request.
	infoHashes := qp.InfoHashes()
	if len(infoHashes) < 1 {
		return nil, bittorrent.ClientError("no info_hash parameter supplied")
	}
	if len(infoHashes) > 1 {
		return nil, bittorrent.ClientError("multiple info_hash parameters supplied")
	}
	request.InfoHash = infoHashes[0]

	// Parse the PeerID from the request.
	peerID, ok := qp.String("peer_id")
	if !ok {
		return nil, bittorrent.ClientError("failed to parse parameter: peer_id")
	}
	if len(peerID) != 20 {
		return nil, bittorrent.ClientError("failed to provide valid peer_id")
	}
	request.Peer.ID = bittorrent.PeerIDFromString(peerID)

	// Determine the number of remaining bytes for the client.
	request.Left, err = qp.Uint64("left")
	if err != nil {
		return nil, bittorrent.ClientError("failed to parse parameter: left")
	}

	// Determine the number of bytes downloaded by the client.
	request.Downloaded, err = qp.Uint64("downloaded")
	if err != nil {
		return nil, bittorrent.ClientError("failed to parse parameter: downloaded")
	}

	// Determine the number of bytes shared by the client.
	request.Uploaded, err = qp.Uint64("uploaded")
	if err != nil {
		return nil, bittorrent.ClientError("failed to parse parameter: uploaded")
	}

	// Determine the number of peers the client wants in the response.
	numwant, err := qp.Uint64("numwant")
	if err != nil && err != bittorrent.ErrKeyNotFound {
		return nil, bittorrent.ClientError("failed to parse parameter: numwant")
	}
	// If there were no errors, the user actually provided the numwant.
	request.NumWantProvided = err == nil
	request.NumWant = uint32(numwant)

	// The key guards a peer ID against takeover by another endpoint.
	request.Key, request.KeyProvided = qp.String("key")

	// A client-provided tracker id is echoed back when the tracker has no
	// configured value of its own.
	request.TrackerID, _ = qp.String("trackerid")

	// Parse the port where the client is listening.
	port, err := qp.Uint64("port")
	if err != nil {
		return nil, bittorrent.ClientError("failed to parse parameter: port")
	}
	request.Peer.Port = uint16(port)

	// Parse the IP address where the client is listening.
	request.Peer.IP.IP, request.IPProvided, err = requestedIP(r, qp, opts)
	if err != nil {
		return nil, err
	}
	if request.Peer.IP.IP == nil {
		return nil, bittorrent.ClientError("failed to parse peer IP address")
	}

	if err := opts.SanitizeAnnounce(request); err != nil {
		return nil, err
	}

	return request, nil
}

// ParseScrape parses a bittorrent.ScrapeRequest from an http.Request.
//
// A scrape without any info_hash parameters asks for every swarm the
// tracker knows; whether that is answered is decided downstream.
func ParseScrape(r *http.Request, ps httprouter.Params, opts ParseOptions) (*bittorrent.ScrapeRequest, error) {
	qp, err := bittorrent.ParseURLData(r.RequestURI)
	if err != nil {
		return nil, err
	}

	request := &bittorrent.ScrapeRequest{
		InfoHashes: qp.InfoHashes(),
		Params:     qp,
		AuthToken:  authToken(ps, qp),
	}

	if err := opts.SanitizeScrape(request); err != nil {
		return nil, err
	}

	return request, nil
}

// authToken extracts a passkey from the route when the request URL embeds
// one, falling back to an auth_token query parameter.
func authToken(ps httprouter.Params, qp bittorrent.Params) string {
	if token := ps.ByName("token"); token != "" {
		return token
	}

	token, _ := qp.String("auth_token")
	return token
}

// requestedIP determines the IP address of the client behind a request.
func requestedIP(r *http.Request, p bittorrent.Params, opts ParseOptions) (ip net.IP, provided bool, err error) {
	if opts.TrustProxy {
		if ipstr, ok := statedIP(p); ok {
			return net.ParseIP(ipstr), true, nil
		}

		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if ip := clientHop(xff, opts.trustedNets); ip != nil {
				return ip, false, nil
			}
		}

		return socketIP(r), false, nil
	}

	// Nothing a proxyless client states about its own address is taken at
	// face value, but a claim that cannot possibly be routable is an error
	// rather than something to silently ignore.
	if ipstr, ok := statedIP(p); ok {
		if stated := net.ParseIP(ipstr); stated != nil && bittorrent.DisallowedIP(stated) {
			return nil, false, errDisallowedIP
		}
	}

	return socketIP(r), false, nil
}

// statedIP returns the first explicit address parameter in the request.
func statedIP(p bittorrent.Params) (string, bool) {
	for _, key := range []string{"ip", "ipv4", "ipv6"} {
		if ipstr, ok := p.String(key); ok {
			return ipstr, true
		}
	}

	return "", false
}

// clientHop walks an X-Forwarded-For value right to left and returns the
// first hop outside the trusted proxy networks. When every hop is trusted,
// the leftmost entry is the best guess for the client. A malformed hop
// returns nil so the caller falls back to the socket address.
func clientHop(xff string, trusted []*net.IPNet) net.IP {
	hops := strings.Split(xff, ",")
	for i := len(hops) - 1; i >= 0; i-- {
		ip := net.ParseIP(strings.TrimSpace(hops[i]))
		if ip == nil {
			return nil
		}
		if !trustedNet(ip, trusted) {
			return ip
		}
	}

	return net.ParseIP(strings.TrimSpace(hops[0]))
}

// trustedNet reports whether ip belongs to one of the trusted networks.
func trustedNet(ip net.IP, trusted []*net.IPNet) bool {
	for _, ipnet := range trusted {
		if ipnet.Contains(ip) {
			return true
		}
	}

	return false
}

// socketIP is the remote address of the underlying connection.
func socketIP(r *http.Request) net.IP {
	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return net.ParseIP(host)
}

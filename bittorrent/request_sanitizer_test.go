package bittorrent

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func testSanitizer() *RequestSanitizer {
	return &RequestSanitizer{
		MaxNumWant:          100,
		DefaultNumWant:      50,
		MaxScrapeInfoHashes: 64,
	}
}

var sanitizeAnnounceTable = []struct {
	name        string
	req         AnnounceRequest
	err         error
	wantNumWant uint32
	wantAF      AddressFamily
}{
	{
		name:        "default numwant applied",
		req:         AnnounceRequest{Peer: mustPeer("12345678901234567890", "10.11.12.1", 1234)},
		wantNumWant: 50,
		wantAF:      IPv4,
	},
	{
		name: "numwant capped",
		req: AnnounceRequest{
			NumWantProvided: true,
			NumWant:         500,
			Peer:            mustPeer("12345678901234567890", "10.11.12.1", 1234),
		},
		wantNumWant: 100,
		wantAF:      IPv4,
	},
	{
		name: "numwant below cap passes through",
		req: AnnounceRequest{
			NumWantProvided: true,
			NumWant:         25,
			Peer:            mustPeer("12345678901234567890", "10.11.12.1", 1234),
		},
		wantNumWant: 25,
		wantAF:      IPv4,
	},
	{
		name: "v4-mapped v6 coerced to v4",
		req: AnnounceRequest{
			Peer: Peer{
				ID:   PeerIDFromString("12345678901234567890"),
				IP:   IP{IP: net.ParseIP("::ffff:10.11.12.1"), AddressFamily: IPv6},
				Port: 1234,
			},
		},
		wantNumWant: 50,
		wantAF:      IPv4,
	},
	{
		name:        "plain v6 stays v6",
		req:         AnnounceRequest{Peer: mustPeer("12345678901234567890", "2001:db8::1", 1234)},
		wantNumWant: 50,
		wantAF:      IPv6,
	},
	{
		name: "port zero rejected",
		req: AnnounceRequest{
			Peer: mustPeer("12345678901234567890", "10.11.12.1", 0),
		},
		err: ErrInvalidPort,
	},
	{
		name: "websocket peers may omit port",
		req: AnnounceRequest{
			Protocol: ProtocolWebSocket,
			Peer:     mustPeer("12345678901234567890", "10.11.12.1", 0),
		},
		wantNumWant: 50,
		wantAF:      IPv4,
	},
	{
		name: "unparseable ip rejected",
		req: AnnounceRequest{
			Peer: Peer{
				ID:   PeerIDFromString("12345678901234567890"),
				IP:   IP{IP: net.IP([]byte{1, 2, 3}), AddressFamily: IPv4},
				Port: 1234,
			},
		},
		err: ErrInvalidIP,
	},
}

func TestSanitizeAnnounce(t *testing.T) {
	for _, tt := range sanitizeAnnounceTable {
		t.Run(tt.name, func(t *testing.T) {
			rs := testSanitizer()
			req := tt.req
			err := rs.SanitizeAnnounce(&req)
			if tt.err != nil {
				require.Equal(t, tt.err, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.wantNumWant, req.NumWant)
			require.Equal(t, tt.wantAF, req.Peer.IP.AddressFamily)
		})
	}
}

func TestSanitizeScrapeTruncates(t *testing.T) {
	rs := testSanitizer()
	req := &ScrapeRequest{}
	for i := 0; i < 100; i++ {
		var ih InfoHash
		ih[0] = byte(i)
		req.InfoHashes = append(req.InfoHashes, ih)
	}

	require.NoError(t, rs.SanitizeScrape(req))
	require.Len(t, req.InfoHashes, 64)
}

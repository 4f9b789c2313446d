package websocket

import (
	"encoding/hex"
	"net"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hachi/hachi/bittorrent"
)

func hexOf(s string) string {
	return hex.EncodeToString([]byte(s))
}

func testSession() *session {
	return &session{
		front: &Frontend{
			hub: newHub(),
			Config: Config{
				RequestSanitizer: bittorrent.RequestSanitizer{
					MaxNumWant:          100,
					DefaultNumWant:      50,
					MaxScrapeInfoHashes: 50,
				},
			},
		},
		ip:     bittorrent.IP{IP: net.ParseIP("203.0.113.7").To4(), AddressFamily: bittorrent.IPv4},
		token:  "passkey",
		swarms: make(map[bittorrent.InfoHash]struct{}),
	}
}

func uint64ptr(v uint64) *uint64 { return &v }
func uint32ptr(v uint32) *uint32 { return &v }

func TestAnnounceRequestConversion(t *testing.T) {
	s := testSession()
	msg := &message{
		Action:     "announce",
		InfoHash:   hexOf("00000000000000000001"),
		PeerID:     hexOf("00000000000000000abc"),
		Uploaded:   100,
		Downloaded: 200,
		Left:       uint64ptr(0),
		Event:      "started",
		NumWant:    uint32ptr(30),
		Key:        "k1",
	}

	req, err := announceRequest(msg, s)
	require.Nil(t, err)

	assert.Equal(t, bittorrent.InfoHashFromString("00000000000000000001"), req.InfoHash)
	assert.Equal(t, bittorrent.PeerIDFromString("00000000000000000abc"), req.Peer.ID)
	assert.Equal(t, bittorrent.Started, req.Event)
	assert.True(t, req.EventProvided)
	assert.Equal(t, uint32(30), req.NumWant)
	assert.True(t, req.NumWantProvided)
	assert.Equal(t, uint64(0), req.Left)
	assert.Equal(t, uint64(100), req.Uploaded)
	assert.Equal(t, uint64(200), req.Downloaded)
	assert.Equal(t, uint16(0), req.Peer.Port, "browser peers carry port 0 unless they report one")
	assert.Equal(t, bittorrent.IPv4, req.IP.AddressFamily)
	assert.True(t, req.Peer.IP.Equal(net.ParseIP("203.0.113.7")))
	assert.Equal(t, bittorrent.ProtocolWebSocket, req.Protocol)
	assert.Equal(t, "passkey", req.AuthToken)
	assert.Equal(t, "k1", req.Key)
	assert.True(t, req.KeyProvided)
}

func TestAnnounceRequestTokenOverride(t *testing.T) {
	s := testSession()
	msg := &message{
		InfoHash:  hexOf("00000000000000000001"),
		PeerID:    hexOf("00000000000000000abc"),
		Left:      uint64ptr(500),
		AuthToken: "fromjson",
	}

	req, err := announceRequest(msg, s)
	require.Nil(t, err)
	assert.Equal(t, "fromjson", req.AuthToken)
}

func TestAnnounceRequestNumWantFromOffers(t *testing.T) {
	s := testSession()
	msg := &message{
		InfoHash: hexOf("00000000000000000001"),
		PeerID:   hexOf("00000000000000000abc"),
		Left:     uint64ptr(500),
		Offers: []offer{
			{OfferID: "a", Offer: []byte(`{}`)},
			{OfferID: "b", Offer: []byte(`{}`)},
			{OfferID: "c", Offer: []byte(`{}`)},
		},
	}

	req, err := announceRequest(msg, s)
	require.Nil(t, err)
	assert.Equal(t, uint32(3), req.NumWant)
	assert.True(t, req.NumWantProvided)
}

func TestAnnounceRequestDefaults(t *testing.T) {
	s := testSession()
	msg := &message{
		InfoHash: hexOf("00000000000000000001"),
		PeerID:   hexOf("00000000000000000abc"),
		Left:     uint64ptr(500),
	}

	req, err := announceRequest(msg, s)
	require.Nil(t, err)
	assert.Equal(t, bittorrent.None, req.Event)
	assert.False(t, req.EventProvided)
	assert.Equal(t, uint32(50), req.NumWant)
	assert.False(t, req.KeyProvided)
}

func TestAnnounceRequestFailures(t *testing.T) {
	table := []struct {
		name string
		msg  message
		err  error
	}{
		{
			"infohash not hex",
			message{InfoHash: "zz000000000000000000000000000000000000zz", PeerID: hexOf("00000000000000000abc"), Left: uint64ptr(0)},
			errInvalidInfoHash,
		},
		{
			"infohash too short",
			message{InfoHash: hexOf("0001"), PeerID: hexOf("00000000000000000abc"), Left: uint64ptr(0)},
			errInvalidInfoHash,
		},
		{
			"peer_id too short",
			message{InfoHash: hexOf("00000000000000000001"), PeerID: hexOf("abc"), Left: uint64ptr(0)},
			errInvalidPeerID,
		},
		{
			"missing left",
			message{InfoHash: hexOf("00000000000000000001"), PeerID: hexOf("00000000000000000abc")},
			errMissingLeft,
		},
		{
			"unknown event",
			message{InfoHash: hexOf("00000000000000000001"), PeerID: hexOf("00000000000000000abc"), Left: uint64ptr(0), Event: "nope"},
			errInvalidEvent,
		},
	}

	for _, tt := range table {
		t.Run(tt.name, func(t *testing.T) {
			_, err := announceRequest(&tt.msg, testSession())
			require.NotNil(t, err)
			assert.Equal(t, tt.err, err)
		})
	}
}

func TestScrapeRequestConversion(t *testing.T) {
	s := testSession()
	msg := &message{
		Action:   "scrape",
		InfoHash: hexOf("00000000000000000001"),
		InfoHashes: []string{
			hexOf("00000000000000000002"),
			hexOf("00000000000000000003"),
		},
	}

	req, err := scrapeRequest(msg, s)
	require.Nil(t, err)
	require.Len(t, req.InfoHashes, 3)
	assert.Equal(t, bittorrent.InfoHashFromString("00000000000000000001"), req.InfoHashes[0])
	assert.Equal(t, bittorrent.InfoHashFromString("00000000000000000003"), req.InfoHashes[2])
	assert.Equal(t, "passkey", req.AuthToken)
	assert.Equal(t, bittorrent.IPv4, req.Peer.IP.AddressFamily)
}

func TestScrapeRequestEmptyIsFullScrape(t *testing.T) {
	req, err := scrapeRequest(&message{Action: "scrape"}, testSession())
	require.Nil(t, err)
	assert.Empty(t, req.InfoHashes)
}

func TestClientHop(t *testing.T) {
	trusted, err := parseTrustedProxies([]string{"10.0.0.0/8"})
	require.Nil(t, err)

	table := []struct {
		name string
		xff  string
		want string
	}{
		{"empty", "", ""},
		{"rightmost untrusted", "198.51.100.9, 10.1.2.3", "198.51.100.9"},
		{"single untrusted", "198.51.100.9", "198.51.100.9"},
		{"all trusted yields leftmost", "10.9.8.7, 10.1.2.3", "10.9.8.7"},
		{"malformed hop", "not-an-ip, 10.1.2.3", ""},
	}

	for _, tt := range table {
		t.Run(tt.name, func(t *testing.T) {
			got := clientHop(tt.xff, trusted)
			if tt.want == "" {
				assert.Nil(t, got)
			} else {
				assert.True(t, got.Equal(net.ParseIP(tt.want)))
			}
		})
	}
}

func TestRemoteIP(t *testing.T) {
	r := &http.Request{
		RemoteAddr: "203.0.113.7:45000",
		Header:     http.Header{"X-Forwarded-For": []string{"198.51.100.9"}},
	}

	ip, err := remoteIP(r, Config{})
	require.Nil(t, err)
	assert.True(t, ip.Equal(net.ParseIP("203.0.113.7")), "socket address wins without proxy trust")
	assert.Equal(t, bittorrent.IPv4, ip.AddressFamily)

	ip, err = remoteIP(r, Config{TrustProxy: true})
	require.Nil(t, err)
	assert.True(t, ip.Equal(net.ParseIP("198.51.100.9")))

	r = &http.Request{RemoteAddr: "[2001:db8::1]:45000", Header: http.Header{}}
	ip, err = remoteIP(r, Config{})
	require.Nil(t, err)
	assert.Equal(t, bittorrent.IPv6, ip.AddressFamily)
}

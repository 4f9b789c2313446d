package bittorrent

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

var peerIDTable = []struct {
	name   string
	peerID [20]byte
	raw    string
	hex    string
}{
	{"empty", [20]byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}, "\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00", "0000000000000000000000000000000000000000"},
	{"real", [20]byte{0x41, 0x5a, 0x32, 0x35, 0x30, 0x30, 0x42, 0x54, 0x65, 0x59, 0x55, 0x7a, 0x79, 0x61, 0x62, 0x41, 0x66, 0x6f, 0x36, 0x55}, "\x41\x5a\x32\x35\x30\x30\x42\x54\x65\x59\x55\x7a\x79\x61\x62\x41\x66\x6f\x36\x55", "415a3235303042546559557a79616241666f3655"},
}

func TestPeerIDFromBytes(t *testing.T) {
	for _, tt := range peerIDTable {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, PeerID(tt.peerID), PeerIDFromBytes([]byte(tt.raw)))
		})
	}
}

func TestPeerIDFromString(t *testing.T) {
	for _, tt := range peerIDTable {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, PeerID(tt.peerID), PeerIDFromString(tt.raw))
		})
	}
}

func TestPeerIDString(t *testing.T) {
	for _, tt := range peerIDTable {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.hex, PeerID(tt.peerID).String())
		})
	}
}

func TestPeerIDRawString(t *testing.T) {
	for _, tt := range peerIDTable {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.raw, PeerID(tt.peerID).RawString())
		})
	}
}

func TestPeerIDBadLengthPanics(t *testing.T) {
	require.Panics(t, func() { PeerIDFromString("too short") })
	require.Panics(t, func() { PeerIDFromBytes(make([]byte, 21)) })
}

func TestInfoHashRoundTrip(t *testing.T) {
	raw := "\x01\x02\x03\x04\x05\x06\x07\x08\x09\x0a\x0b\x0c\x0d\x0e\x0f\x10\x11\x12\x13\x14"
	ih := InfoHashFromString(raw)
	require.Equal(t, raw, ih.RawString())
	require.Equal(t, ih, InfoHashFromBytes([]byte(raw)))
	require.Equal(t, "0102030405060708090a0b0c0d0e0f1011121314", ih.String())

	require.Panics(t, func() { InfoHashFromString("too short") })
	require.Panics(t, func() { InfoHashFromBytes(nil) })
}

func TestAddressFamilyString(t *testing.T) {
	require.Equal(t, "IPv4", IPv4.String())
	require.Equal(t, "IPv6", IPv6.String())
	require.Panics(t, func() { _ = AddressFamily(9).String() })
}

func mustPeer(id, ip string, port uint16) Peer {
	parsed := net.ParseIP(ip)
	af := IPv6
	if v4 := parsed.To4(); v4 != nil {
		parsed = v4
		af = IPv4
	}
	return Peer{
		ID:   PeerIDFromString(id),
		IP:   IP{IP: parsed, AddressFamily: af},
		Port: port,
	}
}

var peerEqualityTable = []struct {
	name          string
	a, b          Peer
	equal         bool
	equalEndpoint bool
}{
	{
		name:          "same peer",
		a:             mustPeer("12345678901234567890", "10.11.12.1", 1234),
		b:             mustPeer("12345678901234567890", "10.11.12.1", 1234),
		equal:         true,
		equalEndpoint: true,
	},
	{
		name:          "same endpoint different id",
		a:             mustPeer("12345678901234567890", "10.11.12.1", 1234),
		b:             mustPeer("99995678901234567890", "10.11.12.1", 1234),
		equal:         false,
		equalEndpoint: true,
	},
	{
		name:          "different port",
		a:             mustPeer("12345678901234567890", "10.11.12.1", 1234),
		b:             mustPeer("12345678901234567890", "10.11.12.1", 1235),
		equal:         false,
		equalEndpoint: false,
	},
	{
		name:          "different ip",
		a:             mustPeer("12345678901234567890", "10.11.12.1", 1234),
		b:             mustPeer("12345678901234567890", "10.11.12.2", 1234),
		equal:         false,
		equalEndpoint: false,
	},
	{
		name:          "ipv6",
		a:             mustPeer("12345678901234567890", "2001:db8::1", 1234),
		b:             mustPeer("12345678901234567890", "2001:db8::1", 1234),
		equal:         true,
		equalEndpoint: true,
	},
}

func TestPeerEquality(t *testing.T) {
	for _, tt := range peerEqualityTable {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.equal, tt.a.Equal(tt.b))
			require.Equal(t, tt.equalEndpoint, tt.a.EqualEndpoint(tt.b))
		})
	}
}

func TestPeerString(t *testing.T) {
	p := mustPeer("AZ2500BTeYUzyabAfo6U", "10.11.12.1", 1234)
	require.Equal(t, "415a3235303042546559557a79616241666f3655@[10.11.12.1]:1234", p.String())
}

func TestAnnounceRequestLogFieldsRedactsToken(t *testing.T) {
	r := AnnounceRequest{AuthToken: "supersecrettrackertoken"}
	fields := r.LogFields()
	require.Equal(t, "supersec...", fields["token"])
}

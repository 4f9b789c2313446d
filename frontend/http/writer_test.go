package http

import (
	"net"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hachi/hachi/bittorrent"
)

func TestWriteError(t *testing.T) {
	var table = []struct {
		reason, expected string
	}{
		{"hello world", "d14:failure reason11:hello worlde"},
		{"what's up", "d14:failure reason9:what's upe"},
	}

	for _, tt := range table {
		r := httptest.NewRecorder()
		err := WriteError(r, bittorrent.ClientError(tt.reason))
		assert.Nil(t, err)
		assert.Equal(t, r.Body.String(), tt.expected)
	}
}

func TestWriteStatus(t *testing.T) {
	r := httptest.NewRecorder()
	err := WriteError(r, bittorrent.ClientError("something is missing"))
	assert.Nil(t, err)
	assert.Equal(t, r.Body.String(), "d14:failure reason20:something is missinge")
}

func v4Peer(id, ip string, port uint16) bittorrent.Peer {
	return bittorrent.Peer{
		ID:   bittorrent.PeerIDFromString(id),
		IP:   bittorrent.IP{IP: net.ParseIP(ip).To4(), AddressFamily: bittorrent.IPv4},
		Port: port,
	}
}

func v6Peer(id, ip string, port uint16) bittorrent.Peer {
	return bittorrent.Peer{
		ID:   bittorrent.PeerIDFromString(id),
		IP:   bittorrent.IP{IP: net.ParseIP(ip), AddressFamily: bittorrent.IPv6},
		Port: port,
	}
}

func TestWriteAnnounceResponse(t *testing.T) {
	resp := &bittorrent.AnnounceResponse{
		Complete:    2,
		Incomplete:  3,
		Interval:    600 * time.Second,
		MinInterval: 300 * time.Second,
		TrackerID:   "hachi",
		IPv4Peers: []bittorrent.Peer{
			v4Peer("00000000000000000001", "10.0.0.1", 6881),
			v4Peer("00000000000000000002", "10.0.0.2", 0),
		},
	}

	r := httptest.NewRecorder()
	require.NoError(t, WriteAnnounceResponse(r, resp))

	// The second peer has no dialable port and is dropped.
	expected := "d8:completei2e10:incompletei3e8:intervali600e12:min intervali300e" +
		"5:peersld2:ip8:10.0.0.17:peer id20:000000000000000000014:porti6881eee" +
		"10:tracker id5:hachie"
	assert.Equal(t, expected, r.Body.String())
}

func TestWriteAnnounceResponseCompact(t *testing.T) {
	resp := &bittorrent.AnnounceResponse{
		Compact:     true,
		Complete:    1,
		Incomplete:  2,
		Interval:    600 * time.Second,
		MinInterval: 300 * time.Second,
		IPv4Peers: []bittorrent.Peer{
			v4Peer("00000000000000000001", "10.0.0.1", 6881),
			v4Peer("00000000000000000002", "10.0.0.2", 0),
		},
		IPv6Peers: []bittorrent.Peer{
			v6Peer("00000000000000000003", "2001:db8::2", 6882),
		},
	}

	r := httptest.NewRecorder()
	require.NoError(t, WriteAnnounceResponse(r, resp))

	expected := "d8:completei1e10:incompletei2e8:intervali600e12:min intervali300e" +
		"5:peers6:\x0a\x00\x00\x01\x1a\xe1" +
		"6:peers618:\x20\x01\x0d\xb8\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x02\x1a\xe2" +
		"e"
	assert.Equal(t, expected, r.Body.String())
}

func TestWriteScrapeResponse(t *testing.T) {
	resp := &bittorrent.ScrapeResponse{
		Files: []bittorrent.Scrape{
			{
				InfoHash:   bittorrent.InfoHashFromString("00000000000000000001"),
				Snatches:   7,
				Complete:   2,
				Incomplete: 3,
			},
		},
		MinRequestInterval: 300 * time.Second,
	}

	r := httptest.NewRecorder()
	require.NoError(t, WriteScrapeResponse(r, resp))

	expected := "d5:filesd20:00000000000000000001d8:completei2e10:downloadedi7e10:incompletei3eee" +
		"5:flagsd20:min_request_intervali300ee" +
		"e"
	assert.Equal(t, expected, r.Body.String())
}

func TestWriteScrapeResponseNoFlags(t *testing.T) {
	resp := &bittorrent.ScrapeResponse{
		Files: []bittorrent.Scrape{
			{InfoHash: bittorrent.InfoHashFromString("00000000000000000001")},
		},
	}

	r := httptest.NewRecorder()
	require.NoError(t, WriteScrapeResponse(r, resp))

	expected := "d5:filesd20:00000000000000000001d8:completei0e10:downloadedi0e10:incompletei0eeee"
	assert.Equal(t, expected, r.Body.String())
}

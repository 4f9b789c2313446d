package udp

import (
	"bytes"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/hachi/hachi/bittorrent"
)

var txID = []byte{1, 2, 3, 4}

func TestWriteAnnounce(t *testing.T) {
	resp := &bittorrent.AnnounceResponse{
		Interval:   600 * time.Second,
		Complete:   2,
		Incomplete: 3,
		IPv4Peers: []bittorrent.Peer{
			{
				ID:   bittorrent.PeerIDFromString("00000000000000000001"),
				IP:   bittorrent.IP{IP: net.ParseIP("10.0.0.1").To4(), AddressFamily: bittorrent.IPv4},
				Port: 6881,
			},
			{
				ID: bittorrent.PeerIDFromString("00000000000000000002"),
				IP: bittorrent.IP{IP: net.ParseIP("10.0.0.2").To4(), AddressFamily: bittorrent.IPv4},
				// A peer that never reported a dialable port is not emitted.
				Port: 0,
			},
		},
	}

	var got bytes.Buffer
	WriteAnnounce(&got, txID, resp, false, false)

	want := []byte{
		0x0, 0x0, 0x0, 0x1, // action: announce
		0x1, 0x2, 0x3, 0x4, // transaction ID
		0x0, 0x0, 0x2, 0x58, // interval: 600
		0x0, 0x0, 0x0, 0x3, // leechers
		0x0, 0x0, 0x0, 0x2, // seeders
		0xa, 0x0, 0x0, 0x1, 0x1a, 0xe1, // 10.0.0.1:6881
	}
	if !bytes.Equal(got.Bytes(), want) {
		t.Errorf("unexpected announce response:\n got %x\nwant %x", got.Bytes(), want)
	}
}

func TestWriteAnnounceV6(t *testing.T) {
	resp := &bittorrent.AnnounceResponse{
		Interval:   600 * time.Second,
		Complete:   2,
		Incomplete: 3,
		IPv6Peers: []bittorrent.Peer{
			{
				ID:   bittorrent.PeerIDFromString("00000000000000000001"),
				IP:   bittorrent.IP{IP: net.ParseIP("2001:db8::2"), AddressFamily: bittorrent.IPv6},
				Port: 6882,
			},
		},
	}

	var got bytes.Buffer
	WriteAnnounce(&got, txID, resp, true, true)

	want := []byte{
		0x0, 0x0, 0x0, 0x4, // action: announce with an IPv6 response
		0x1, 0x2, 0x3, 0x4,
		0x0, 0x0, 0x2, 0x58,
		0x0, 0x0, 0x0, 0x3,
		0x0, 0x0, 0x0, 0x2,
		0x20, 0x01, 0x0d, 0xb8, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x2, 0x1a, 0xe2,
	}
	if !bytes.Equal(got.Bytes(), want) {
		t.Errorf("unexpected announce response:\n got %x\nwant %x", got.Bytes(), want)
	}
}

func TestWriteScrape(t *testing.T) {
	resp := &bittorrent.ScrapeResponse{
		Files: []bittorrent.Scrape{
			{Complete: 2, Snatches: 7, Incomplete: 3},
			{Complete: 1, Snatches: 0, Incomplete: 5},
		},
	}

	var got bytes.Buffer
	WriteScrape(&got, txID, resp)

	want := []byte{
		0x0, 0x0, 0x0, 0x2, // action: scrape
		0x1, 0x2, 0x3, 0x4,
		0x0, 0x0, 0x0, 0x2, 0x0, 0x0, 0x0, 0x7, 0x0, 0x0, 0x0, 0x3,
		0x0, 0x0, 0x0, 0x1, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x0, 0x5,
	}
	if !bytes.Equal(got.Bytes(), want) {
		t.Errorf("unexpected scrape response:\n got %x\nwant %x", got.Bytes(), want)
	}
}

func TestWriteError(t *testing.T) {
	var got bytes.Buffer
	WriteError(&got, txID, bittorrent.ClientError("nope"))

	want := append([]byte{0x0, 0x0, 0x0, 0x3, 0x1, 0x2, 0x3, 0x4}, "nope\x00"...)
	if !bytes.Equal(got.Bytes(), want) {
		t.Errorf("unexpected error response:\n got %x\nwant %x", got.Bytes(), want)
	}

	got.Reset()
	WriteError(&got, txID, errors.New("db down"))

	want = append([]byte{0x0, 0x0, 0x0, 0x3, 0x1, 0x2, 0x3, 0x4}, "internal error occurred: db down\x00"...)
	if !bytes.Equal(got.Bytes(), want) {
		t.Errorf("unexpected error response:\n got %x\nwant %x", got.Bytes(), want)
	}
}

func TestWriteConnectionID(t *testing.T) {
	var got bytes.Buffer
	WriteConnectionID(&got, txID, []byte{0xde, 0xad, 0xbe, 0xef, 0xca, 0xfe, 0xba, 0xbe})

	want := []byte{
		0x0, 0x0, 0x0, 0x0, // action: connect
		0x1, 0x2, 0x3, 0x4,
		0xde, 0xad, 0xbe, 0xef, 0xca, 0xfe, 0xba, 0xbe,
	}
	if !bytes.Equal(got.Bytes(), want) {
		t.Errorf("unexpected connect response:\n got %x\nwant %x", got.Bytes(), want)
	}
}

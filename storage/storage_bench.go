package storage

import (
	"fmt"
	"net"
	"testing"

	"github.com/hachi/hachi/bittorrent"
)

type benchData struct {
	infohashes [1000]bittorrent.InfoHash
	peers      [1000]bittorrent.Peer
}

func generateInfohashes() (a [1000]bittorrent.InfoHash) {
	b := make([]byte, 2)
	for i := range a {
		b[0] = byte(i)
		b[1] = byte(i >> 8)
		a[i] = bittorrent.InfoHash([20]byte{b[0], b[1]})
	}

	return
}

func generatePeers() (a [1000]bittorrent.Peer) {
	b := make([]byte, 2)
	for i := range a {
		b[0] = byte(i)
		b[1] = byte(i >> 8)
		a[i] = bittorrent.Peer{
			ID: bittorrent.PeerID([20]byte{b[0], b[1]}),
			IP: bittorrent.IP{
				IP:            net.ParseIP(fmt.Sprintf("64.%d.%d.64", b[0], b[1])).To4(),
				AddressFamily: bittorrent.IPv4,
			},
			Port: uint16(i),
		}
	}

	return
}

type executionFunc func(int, PeerStore, *benchData) error

type setupFunc func(PeerStore, *benchData) error

func runBenchmark(b *testing.B, ps PeerStore, sf setupFunc, ef executionFunc) {
	bd := &benchData{generateInfohashes(), generatePeers()}
	if sf != nil {
		if err := sf(ps, bd); err != nil {
			b.Fatal(err)
		}
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := ef(i, ps, bd); err != nil {
			b.Fatal(err)
		}
	}
	b.StopTimer()
}

// AnnounceUpdate benchmarks the hot path: a known peer refreshing itself in
// a single swarm.
func AnnounceUpdate(b *testing.B, ps PeerStore) {
	runBenchmark(b, ps, func(ps PeerStore, bd *benchData) error {
		_, err := ps.Announce(TestAnnounceRequest(bd.infohashes[0], bd.peers[0], bittorrent.Started, 100, 0))
		return err
	}, func(i int, ps PeerStore, bd *benchData) error {
		_, err := ps.Announce(TestAnnounceRequest(bd.infohashes[0], bd.peers[0], bittorrent.None, 100, 0))
		return err
	})
}

// AnnounceUpdate1kInfohash is AnnounceUpdate spread over 1000 swarms.
func AnnounceUpdate1kInfohash(b *testing.B, ps PeerStore) {
	runBenchmark(b, ps, nil, func(i int, ps PeerStore, bd *benchData) error {
		_, err := ps.Announce(TestAnnounceRequest(bd.infohashes[i%1000], bd.peers[0], bittorrent.None, 100, 0))
		return err
	})
}

// AnnounceJoinLeave benchmarks peers flapping in and out of a swarm.
func AnnounceJoinLeave(b *testing.B, ps PeerStore) {
	runBenchmark(b, ps, nil, func(i int, ps PeerStore, bd *benchData) error {
		event := bittorrent.Started
		if i%2 == 1 {
			event = bittorrent.Stopped
		}
		_, err := ps.Announce(TestAnnounceRequest(bd.infohashes[0], bd.peers[(i/2)%1000], event, 100, 0))
		return err
	})
}

// AnnounceSelection benchmarks peer selection against a full swarm.
func AnnounceSelection(b *testing.B, ps PeerStore) {
	runBenchmark(b, ps, func(ps PeerStore, bd *benchData) error {
		for i, peer := range bd.peers {
			left := uint64(100)
			if i%2 == 0 {
				left = 0
			}
			if _, err := ps.Announce(TestAnnounceRequest(bd.infohashes[0], peer, bittorrent.Started, left, 0)); err != nil {
				return err
			}
		}
		return nil
	}, func(i int, ps PeerStore, bd *benchData) error {
		_, err := ps.Announce(TestAnnounceRequest(bd.infohashes[0], bd.peers[i%1000], bittorrent.None, 100, 50))
		return err
	})
}

// ScrapeSwarm1kInfohash benchmarks scraping across 1000 swarms.
func ScrapeSwarm1kInfohash(b *testing.B, ps PeerStore) {
	runBenchmark(b, ps, func(ps PeerStore, bd *benchData) error {
		for i, ih := range bd.infohashes {
			if _, err := ps.Announce(TestAnnounceRequest(ih, bd.peers[i], bittorrent.Started, 100, 0)); err != nil {
				return err
			}
		}
		return nil
	}, func(i int, ps PeerStore, bd *benchData) error {
		ps.ScrapeSwarm(bd.infohashes[i%1000])
		return nil
	})
}

package storage

import (
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hachi/hachi/bittorrent"
)

// DiffRecorder is a DiffSink that remembers every diff it receives, for use
// in driver test suites.
type DiffRecorder struct {
	mu    sync.Mutex
	diffs []PeerDiff
}

// HandlePeerDiff implements DiffSink.
func (r *DiffRecorder) HandlePeerDiff(d PeerDiff) {
	r.mu.Lock()
	r.diffs = append(r.diffs, d)
	r.mu.Unlock()
}

// Diffs returns a copy of the recorded diffs.
func (r *DiffRecorder) Diffs() []PeerDiff {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]PeerDiff(nil), r.diffs...)
}

// Count returns how many diffs of the given event were recorded.
func (r *DiffRecorder) Count(ev DiffEvent) (n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.diffs {
		if d.Event == ev {
			n++
		}
	}
	return n
}

// TestAnnounceRequest builds an announce for use in driver test suites.
func TestAnnounceRequest(ih bittorrent.InfoHash, p bittorrent.Peer, event bittorrent.Event, left uint64, numWant uint32) *bittorrent.AnnounceRequest {
	return &bittorrent.AnnounceRequest{
		Event:           event,
		InfoHash:        ih,
		EventProvided:   event != bittorrent.None,
		NumWantProvided: true,
		NumWant:         numWant,
		Left:            left,
		Protocol:        bittorrent.ProtocolHTTP,
		Peer:            p,
	}
}

// TestPeerStore tests a PeerStore implementation against the interface. The
// store must have been created with default limits and a registered
// DiffRecorder passed as sink.
func TestPeerStore(t *testing.T, p PeerStore, sink *DiffRecorder) {
	ih := bittorrent.InfoHashFromString("00000000000000000001")
	ihOther := bittorrent.InfoHashFromString("00000000000000000002")

	leecher4 := bittorrent.Peer{
		ID:   bittorrent.PeerIDFromString("-TR2940-k8hj0wgej6c1"),
		IP:   bittorrent.IP{IP: net.ParseIP("12.13.14.15").To4(), AddressFamily: bittorrent.IPv4},
		Port: 6881,
	}
	leecher6 := bittorrent.Peer{
		ID:   bittorrent.PeerIDFromString("-TR2940-k8hj0wgej6c2"),
		IP:   bittorrent.IP{IP: net.ParseIP("fc00::0001"), AddressFamily: bittorrent.IPv6},
		Port: 6882,
	}
	seeder4 := bittorrent.Peer{
		ID:   bittorrent.PeerIDFromString("-TR2940-k8hj0wgej6c3"),
		IP:   bittorrent.IP{IP: net.ParseIP("16.17.18.19").To4(), AddressFamily: bittorrent.IPv4},
		Port: 6883,
	}

	// Unknown swarms scrape to zero and cannot have peers removed.
	_, err := p.RemovePeer(ih, leecher4.ID)
	require.Equal(t, ErrResourceDoesNotExist, err)

	scrape := p.ScrapeSwarm(ih)
	require.Equal(t, uint32(0), scrape.Complete)
	require.Equal(t, uint32(0), scrape.Incomplete)
	require.Equal(t, uint32(0), scrape.Snatches)

	// Events that need a tracked peer fail against unknown swarms.
	_, err = p.Announce(TestAnnounceRequest(ih, leecher4, bittorrent.Completed, 0, 50))
	require.Equal(t, ErrUnknownPeer, err)

	// A stopped event for an untracked peer is a noop.
	res, err := p.Announce(TestAnnounceRequest(ih, leecher4, bittorrent.Stopped, 100, 50))
	require.Nil(t, err)
	require.Equal(t, DiffNone, res.Diff.Event)

	// First leecher joins and sees only itself counted.
	res, err = p.Announce(TestAnnounceRequest(ih, leecher4, bittorrent.Started, 100, 50))
	require.Nil(t, err)
	require.Equal(t, uint32(0), res.Complete)
	require.Equal(t, uint32(1), res.Incomplete)
	require.Empty(t, res.IPv4Peers)
	require.Empty(t, res.IPv6Peers)
	require.Equal(t, DiffJoined, res.Diff.Event)
	require.False(t, res.Diff.Seeder)

	// A second leecher, on IPv6, is told about the first.
	res, err = p.Announce(TestAnnounceRequest(ih, leecher6, bittorrent.Started, 100, 50))
	require.Nil(t, err)
	require.Equal(t, uint32(2), res.Incomplete)
	require.Len(t, res.IPv4Peers, 1)
	require.True(t, res.IPv4Peers[0].Equal(leecher4))
	require.Empty(t, res.IPv6Peers)

	// A seeder joins directly by announcing left=0.
	res, err = p.Announce(TestAnnounceRequest(ih, seeder4, bittorrent.Started, 0, 50))
	require.Nil(t, err)
	require.Equal(t, uint32(1), res.Complete)
	require.Equal(t, uint32(2), res.Incomplete)
	require.Equal(t, DiffJoined, res.Diff.Event)
	require.True(t, res.Diff.Seeder)

	// Leechers are told about seeders before other leechers.
	res, err = p.Announce(TestAnnounceRequest(ih, leecher4, bittorrent.None, 100, 1))
	require.Nil(t, err)
	require.Equal(t, DiffUpdated, res.Diff.Event)
	require.Len(t, res.IPv4Peers, 1)
	require.True(t, res.IPv4Peers[0].Equal(seeder4))

	// Seeders are told about leechers, never about themselves.
	res, err = p.Announce(TestAnnounceRequest(ih, seeder4, bittorrent.None, 0, 50))
	require.Nil(t, err)
	for _, got := range append(res.IPv4Peers, res.IPv6Peers...) {
		require.NotEqual(t, seeder4.ID, got.ID)
		require.True(t, got.Equal(leecher4) || got.Equal(leecher6))
	}

	// Completing the download graduates the leecher and counts the
	// snatch exactly once.
	res, err = p.Announce(TestAnnounceRequest(ih, leecher4, bittorrent.Completed, 0, 50))
	require.Nil(t, err)
	require.Equal(t, DiffGraduated, res.Diff.Event)
	require.True(t, res.Diff.Snatched)
	require.Equal(t, uint32(2), res.Complete)
	require.Equal(t, uint32(1), res.Incomplete)

	res, err = p.Announce(TestAnnounceRequest(ih, leecher4, bittorrent.Completed, 0, 50))
	require.Nil(t, err)
	require.False(t, res.Diff.Snatched)

	scrape = p.ScrapeSwarm(ih)
	require.Equal(t, uint32(2), scrape.Complete)
	require.Equal(t, uint32(1), scrape.Incomplete)
	require.Equal(t, uint32(1), scrape.Snatches)

	// A recorded key guards the peer identity: a new endpoint with the
	// wrong key is rejected, with the right key it moves the peer.
	keyed := TestAnnounceRequest(ih, leecher6, bittorrent.None, 100, 0)
	keyed.Key, keyed.KeyProvided = "sekret", true
	_, err = p.Announce(keyed)
	require.Nil(t, err)

	moved := leecher6
	moved.Port = 7000

	badKey := TestAnnounceRequest(ih, moved, bittorrent.None, 100, 0)
	badKey.Key, badKey.KeyProvided = "wrong", true
	_, err = p.Announce(badKey)
	require.Equal(t, ErrKeyMismatch, err)

	goodKey := TestAnnounceRequest(ih, moved, bittorrent.None, 100, 0)
	goodKey.Key, goodKey.KeyProvided = "sekret", true
	res, err = p.Announce(goodKey)
	require.Nil(t, err)
	require.Equal(t, DiffUpdated, res.Diff.Event)
	require.Equal(t, uint32(1), res.Incomplete, "moving a peer must not duplicate it")

	// Paused peers stay counted but are never handed out.
	paused := TestAnnounceRequest(ih, moved, bittorrent.Paused, 100, 0)
	paused.Key, paused.KeyProvided = "sekret", true
	res, err = p.Announce(paused)
	require.Nil(t, err)
	require.Equal(t, uint32(1), res.Incomplete)

	res, err = p.Announce(TestAnnounceRequest(ih, seeder4, bittorrent.None, 0, 50))
	require.Nil(t, err)
	require.Empty(t, res.IPv6Peers, "paused peers must not be selected")

	// Stats reflect the two swarms' worth of activity.
	require.Equal(t, AggregateStats{
		Swarms:       1,
		ActiveSwarms: 1,
		Peers:        3,
		Seeders:      2,
		Leechers:     1,
	}, p.Stats())

	// Stopping a peer removes it; doing it twice is a noop.
	res, err = p.Announce(TestAnnounceRequest(ih, seeder4, bittorrent.Stopped, 0, 50))
	require.Nil(t, err)
	require.Equal(t, DiffLeft, res.Diff.Event)
	require.True(t, res.Diff.Seeder)
	require.Empty(t, res.IPv4Peers)
	require.Empty(t, res.IPv6Peers)
	require.Equal(t, uint32(1), res.Complete)

	res, err = p.Announce(TestAnnounceRequest(ih, seeder4, bittorrent.Stopped, 0, 50))
	require.Nil(t, err)
	require.Equal(t, DiffNone, res.Diff.Event)

	// RemovePeer force-drops whatever is left.
	diff, err := p.RemovePeer(ih, moved.ID)
	require.Nil(t, err)
	require.Equal(t, DiffLeft, diff.Event)
	require.False(t, diff.Seeder)

	_, err = p.RemovePeer(ih, moved.ID)
	require.Equal(t, ErrResourceDoesNotExist, err)

	// ScrapeAll sees every swarm.
	_, err = p.Announce(TestAnnounceRequest(ihOther, leecher4, bittorrent.Started, 100, 0))
	require.Nil(t, err)

	all := p.ScrapeAll()
	require.Len(t, all, 2)

	// Every change so far was mirrored to the sink.
	require.Equal(t, 4, sink.Count(DiffJoined))
	require.Equal(t, 1, sink.Count(DiffGraduated))
	require.Equal(t, 2, sink.Count(DiffLeft))

	require.Empty(t, p.Stop().Wait(), "PeerStore shutdown must not fail")
}

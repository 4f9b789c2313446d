package memory

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hachi/hachi/bittorrent"
	"github.com/hachi/hachi/storage"
)

func testConfig() Config {
	return Config{
		ShardCount:                16,
		GarbageCollectionInterval: 10 * time.Minute,
		PeerLifetime:              20 * time.Minute,
		SwarmGracePeriod:          10 * time.Minute,
		MaxPeersPerSwarm:          1000,
		MaxPeersInResponse:        50,
	}
}

func createNew(t testing.TB, cfg Config) (storage.PeerStore, *storage.DiffRecorder) {
	ps, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	sink := &storage.DiffRecorder{}
	ps.AddDiffSink(sink)
	return ps, sink
}

func v4Peer(id string, ip string, port uint16) bittorrent.Peer {
	return bittorrent.Peer{
		ID:   bittorrent.PeerIDFromString(id),
		IP:   bittorrent.IP{IP: net.ParseIP(ip).To4(), AddressFamily: bittorrent.IPv4},
		Port: port,
	}
}

func TestPeerStore(t *testing.T) {
	ps, sink := createNew(t, testConfig())
	storage.TestPeerStore(t, ps, sink)
}

func TestDriverRegistered(t *testing.T) {
	ps, err := storage.NewPeerStore(Name, map[string]interface{}{
		"shard_count": 4,
	})
	require.Nil(t, err)
	require.Empty(t, ps.Stop().Wait())
}

func TestEvictionAtSwarmCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPeersPerSwarm = 2
	ps, sink := createNew(t, cfg)
	defer func() { _ = ps.Stop().Wait() }()

	ih := bittorrent.InfoHashFromString("00000000000000000001")
	first := v4Peer("00000000000000000001", "10.0.0.1", 1001)
	second := v4Peer("00000000000000000002", "10.0.0.2", 1002)
	third := v4Peer("00000000000000000003", "10.0.0.3", 1003)

	for _, p := range []bittorrent.Peer{first, second} {
		_, err := ps.Announce(storage.TestAnnounceRequest(ih, p, bittorrent.Started, 100, 0))
		require.Nil(t, err)
	}

	// Refreshing the first peer makes the second the eviction candidate.
	_, err := ps.Announce(storage.TestAnnounceRequest(ih, first, bittorrent.None, 100, 0))
	require.Nil(t, err)

	res, err := ps.Announce(storage.TestAnnounceRequest(ih, third, bittorrent.Started, 100, 50))
	require.Nil(t, err)
	require.Equal(t, uint32(2), res.Incomplete, "the swarm must stay at its cap")

	diffs := sink.Diffs()
	require.Equal(t, 1, sink.Count(storage.DiffEvicted))
	evicted := diffs[len(diffs)-2]
	require.Equal(t, storage.DiffEvicted, evicted.Event)
	require.Equal(t, second.ID, evicted.Peer.ID, "the stalest peer is evicted")
	require.Equal(t, storage.DiffJoined, diffs[len(diffs)-1].Event)
}

func TestReaperExpiresSilentPeers(t *testing.T) {
	ps, sink := createNew(t, testConfig())
	defer func() { _ = ps.Stop().Wait() }()

	ih := bittorrent.InfoHashFromString("00000000000000000001")
	seeder := v4Peer("00000000000000000001", "10.0.0.1", 1001)
	leecher := v4Peer("00000000000000000002", "10.0.0.2", 1002)

	_, err := ps.Announce(storage.TestAnnounceRequest(ih, seeder, bittorrent.Started, 0, 0))
	require.Nil(t, err)
	_, err = ps.Announce(storage.TestAnnounceRequest(ih, leecher, bittorrent.Started, 100, 0))
	require.Nil(t, err)

	// Reap with a cutoff in the future: every peer is long overdue.
	ps.(*peerStore).collectGarbage(time.Now().Add(time.Hour))

	require.Equal(t, 2, sink.Count(storage.DiffExpired))

	// The emptied swarm survives within its grace period and keeps its
	// counters scrapeable.
	stats := ps.Stats()
	require.Equal(t, uint64(1), stats.Swarms)
	require.Equal(t, uint64(0), stats.ActiveSwarms)
	require.Equal(t, uint64(0), stats.Peers)

	scrape := ps.ScrapeSwarm(ih)
	require.Equal(t, uint32(0), scrape.Complete)
	require.Equal(t, uint32(0), scrape.Incomplete)
}

func TestEmptySwarmDroppedPastGrace(t *testing.T) {
	cfg := testConfig()
	cfg.SwarmGracePeriod = time.Nanosecond
	ps, _ := createNew(t, cfg)
	defer func() { _ = ps.Stop().Wait() }()

	ih := bittorrent.InfoHashFromString("00000000000000000001")
	peer := v4Peer("00000000000000000001", "10.0.0.1", 1001)

	_, err := ps.Announce(storage.TestAnnounceRequest(ih, peer, bittorrent.Started, 100, 0))
	require.Nil(t, err)
	_, err = ps.Announce(storage.TestAnnounceRequest(ih, peer, bittorrent.Stopped, 100, 0))
	require.Nil(t, err)

	require.Equal(t, uint64(1), ps.Stats().Swarms)

	ps.(*peerStore).collectGarbage(time.Now().Add(-time.Minute))

	require.Equal(t, uint64(0), ps.Stats().Swarms)
}

func TestTrackerFull(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSwarms = 1
	ps, _ := createNew(t, cfg)
	defer func() { _ = ps.Stop().Wait() }()

	peer := v4Peer("00000000000000000001", "10.0.0.1", 1001)

	_, err := ps.Announce(storage.TestAnnounceRequest(bittorrent.InfoHashFromString("00000000000000000001"), peer, bittorrent.Started, 100, 0))
	require.Nil(t, err)

	_, err = ps.Announce(storage.TestAnnounceRequest(bittorrent.InfoHashFromString("00000000000000000002"), peer, bittorrent.Started, 100, 0))
	require.Equal(t, storage.ErrTrackerFull, err)

	// Existing swarms keep accepting announces.
	_, err = ps.Announce(storage.TestAnnounceRequest(bittorrent.InfoHashFromString("00000000000000000001"), peer, bittorrent.None, 100, 0))
	require.Nil(t, err)
}

func TestSelectionByTransport(t *testing.T) {
	ps, _ := createNew(t, testConfig())
	defer func() { _ = ps.Stop().Wait() }()

	ih := bittorrent.InfoHashFromString("00000000000000000001")

	tcpSeeder := storage.TestAnnounceRequest(ih, v4Peer("00000000000000000001", "10.0.0.1", 1001), bittorrent.Started, 0, 0)
	_, err := ps.Announce(tcpSeeder)
	require.Nil(t, err)

	wsSeeder := storage.TestAnnounceRequest(ih, v4Peer("00000000000000000002", "10.0.0.2", 0), bittorrent.Started, 0, 0)
	wsSeeder.Protocol = bittorrent.ProtocolWebSocket
	_, err = ps.Announce(wsSeeder)
	require.Nil(t, err)

	// An HTTP leecher is only handed dialable peers.
	httpLeecher := storage.TestAnnounceRequest(ih, v4Peer("00000000000000000003", "10.0.0.3", 1003), bittorrent.Started, 100, 50)
	res, err := ps.Announce(httpLeecher)
	require.Nil(t, err)
	require.Len(t, res.IPv4Peers, 1)
	require.Equal(t, tcpSeeder.Peer.ID, res.IPv4Peers[0].ID)

	// A WebSocket leecher is only handed peers it can reach via a
	// relayed offer.
	wsLeecher := storage.TestAnnounceRequest(ih, v4Peer("00000000000000000004", "10.0.0.4", 0), bittorrent.Started, 100, 50)
	wsLeecher.Protocol = bittorrent.ProtocolWebSocket
	res, err = ps.Announce(wsLeecher)
	require.Nil(t, err)
	require.Len(t, res.IPv4Peers, 1)
	require.Equal(t, wsSeeder.Peer.ID, res.IPv4Peers[0].ID)
}

func BenchmarkAnnounceUpdate(b *testing.B) {
	ps, _ := createNew(b, testConfig())
	storage.AnnounceUpdate(b, ps)
}

func BenchmarkAnnounceUpdate1kInfohash(b *testing.B) {
	ps, _ := createNew(b, testConfig())
	storage.AnnounceUpdate1kInfohash(b, ps)
}

func BenchmarkAnnounceJoinLeave(b *testing.B) {
	ps, _ := createNew(b, testConfig())
	storage.AnnounceJoinLeave(b, ps)
}

func BenchmarkAnnounceSelection(b *testing.B) {
	ps, _ := createNew(b, testConfig())
	storage.AnnounceSelection(b, ps)
}

func BenchmarkScrapeSwarm1kInfohash(b *testing.B) {
	ps, _ := createNew(b, testConfig())
	storage.ScrapeSwarm1kInfohash(b, ps)
}

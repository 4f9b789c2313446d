package middleware

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hachi/hachi/bittorrent"
	"github.com/hachi/hachi/storage"
	"github.com/hachi/hachi/storage/memory"
)

// nopHook is a Hook to measure the overhead of a no-operation Hook through
// benchmarks.
type nopHook struct{}

func (h *nopHook) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, resp *bittorrent.AnnounceResponse) (context.Context, error) {
	return ctx, nil
}

func (h *nopHook) HandleScrape(ctx context.Context, req *bittorrent.ScrapeRequest, resp *bittorrent.ScrapeResponse) (context.Context, error) {
	return ctx, nil
}

// recordingHook remembers whether its post-announce ran and what announce
// result it could see.
type recordingHook struct {
	sawResult bool
}

func (h *recordingHook) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, resp *bittorrent.AnnounceResponse) (context.Context, error) {
	_, h.sawResult = AnnounceResultFromContext(ctx)
	return ctx, nil
}

func (h *recordingHook) HandleScrape(ctx context.Context, req *bittorrent.ScrapeRequest, resp *bittorrent.ScrapeResponse) (context.Context, error) {
	return ctx, nil
}

func newTestStore(t testing.TB) storage.PeerStore {
	ps, err := memory.New(memory.Config{
		ShardCount:                16,
		GarbageCollectionInterval: 10 * time.Minute,
		PeerLifetime:              20 * time.Minute,
		SwarmGracePeriod:          10 * time.Minute,
		MaxPeersPerSwarm:          1000,
		MaxPeersInResponse:        50,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ps.Stop().Wait() })
	return ps
}

func testAnnounce(ih bittorrent.InfoHash, id string, port uint16, left uint64) *bittorrent.AnnounceRequest {
	return &bittorrent.AnnounceRequest{
		Event:         bittorrent.Started,
		EventProvided: true,
		InfoHash:      ih,
		NumWant:       50,
		Left:          left,
		Protocol:      bittorrent.ProtocolHTTP,
		Peer: bittorrent.Peer{
			ID:   bittorrent.PeerIDFromString(id),
			IP:   bittorrent.IP{IP: net.ParseIP("10.0.0.1").To4(), AddressFamily: bittorrent.IPv4},
			Port: port,
		},
	}
}

func TestLogicAnnounce(t *testing.T) {
	post := &recordingHook{}
	logic := NewLogic(Config{
		AnnounceInterval:    10 * time.Minute,
		MinAnnounceInterval: 5 * time.Minute,
		TrackerID:           "hachi-test",
	}, newTestStore(t), nil, []Hook{post})

	ih := bittorrent.InfoHashFromString("00000000000000000001")

	ctx, resp, err := logic.HandleAnnounce(context.Background(), testAnnounce(ih, "00000000000000000001", 6881, 0))
	require.Nil(t, err)
	require.Equal(t, uint32(1), resp.Complete)
	require.Equal(t, uint32(0), resp.Incomplete)
	require.Equal(t, 10*time.Minute, resp.Interval)
	require.Equal(t, "hachi-test", resp.TrackerID)

	res, ok := AnnounceResultFromContext(ctx)
	require.True(t, ok)
	require.Equal(t, storage.DiffJoined, res.Diff.Event)

	ctx, resp, err = logic.HandleAnnounce(context.Background(), testAnnounce(ih, "00000000000000000002", 6882, 100))
	require.Nil(t, err)
	require.Equal(t, uint32(1), resp.Complete)
	require.Equal(t, uint32(1), resp.Incomplete)
	require.Len(t, resp.IPv4Peers, 1, "a leecher is handed the seeder")

	logic.AfterAnnounce(ctx, testAnnounce(ih, "00000000000000000002", 6882, 100), resp)
	require.True(t, post.sawResult, "post hooks can read the announce result from the context")
}

func TestLogicTrackerIDEcho(t *testing.T) {
	logic := NewLogic(Config{
		AnnounceInterval:    10 * time.Minute,
		MinAnnounceInterval: 5 * time.Minute,
	}, newTestStore(t), nil, nil)

	req := testAnnounce(bittorrent.InfoHashFromString("00000000000000000001"), "00000000000000000001", 6881, 0)
	req.TrackerID = "client-remembered"

	_, resp, err := logic.HandleAnnounce(context.Background(), req)
	require.Nil(t, err)
	require.Equal(t, "client-remembered", resp.TrackerID, "without a configured tracker id the client's is echoed")
}

func TestLogicScrape(t *testing.T) {
	store := newTestStore(t)
	logic := NewLogic(Config{
		AnnounceInterval:    10 * time.Minute,
		MinAnnounceInterval: 5 * time.Minute,
	}, store, nil, nil)

	ih := bittorrent.InfoHashFromString("00000000000000000001")
	_, _, err := logic.HandleAnnounce(context.Background(), testAnnounce(ih, "00000000000000000001", 6881, 0))
	require.Nil(t, err)

	_, resp, err := logic.HandleScrape(context.Background(), &bittorrent.ScrapeRequest{
		InfoHashes: []bittorrent.InfoHash{ih},
	})
	require.Nil(t, err)
	require.Len(t, resp.Files, 1)
	require.Equal(t, uint32(1), resp.Files[0].Complete)
	require.Equal(t, 5*time.Minute, resp.MinRequestInterval)

	// Unnamed swarms still produce a zeroed file entry.
	other := bittorrent.InfoHashFromString("00000000000000000002")
	_, resp, err = logic.HandleScrape(context.Background(), &bittorrent.ScrapeRequest{
		InfoHashes: []bittorrent.InfoHash{other},
	})
	require.Nil(t, err)
	require.Len(t, resp.Files, 1)
	require.Equal(t, other, resp.Files[0].InfoHash)
	require.Equal(t, uint32(0), resp.Files[0].Complete)

	_, _, err = logic.HandleScrape(context.Background(), &bittorrent.ScrapeRequest{})
	require.Equal(t, ErrScrapeWithoutInfoHash, err)
}

func TestLogicFullScrape(t *testing.T) {
	store := newTestStore(t)
	logic := NewLogic(Config{
		AnnounceInterval:    10 * time.Minute,
		MinAnnounceInterval: 5 * time.Minute,
		AllowFullScrape:     true,
	}, store, nil, nil)

	for i, ih := range []bittorrent.InfoHash{
		bittorrent.InfoHashFromString("00000000000000000001"),
		bittorrent.InfoHashFromString("00000000000000000002"),
	} {
		id := fmt.Sprintf("0000000000000000000%d", i+1)
		_, _, err := logic.HandleAnnounce(context.Background(), testAnnounce(ih, id, 6881, 0))
		require.Nil(t, err)
	}

	_, resp, err := logic.HandleScrape(context.Background(), &bittorrent.ScrapeRequest{})
	require.Nil(t, err)
	require.Len(t, resp.Files, 2, "an empty scrape enumerates every swarm when allowed")
}

func TestLogicHandleDisconnect(t *testing.T) {
	store := newTestStore(t)
	logic := NewLogic(Config{
		AnnounceInterval:    10 * time.Minute,
		MinAnnounceInterval: 5 * time.Minute,
	}, store, nil, nil)

	ih := bittorrent.InfoHashFromString("00000000000000000001")
	_, _, err := logic.HandleAnnounce(context.Background(), testAnnounce(ih, "00000000000000000001", 6881, 0))
	require.Nil(t, err)

	logic.HandleDisconnect(context.Background(), bittorrent.PeerIDFromString("00000000000000000001"), []bittorrent.InfoHash{ih})

	scrape := store.ScrapeSwarm(ih)
	require.Equal(t, uint32(0), scrape.Complete)

	// Disconnecting twice must not log the swarm away or error loudly.
	logic.HandleDisconnect(context.Background(), bittorrent.PeerIDFromString("00000000000000000001"), []bittorrent.InfoHash{ih})
}

type hookList []Hook

func (hooks hookList) handleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest) (resp *bittorrent.AnnounceResponse, err error) {
	resp = &bittorrent.AnnounceResponse{
		Interval:    60,
		MinInterval: 60,
		Compact:     true,
	}

	for _, h := range []Hook(hooks) {
		if ctx, err = h.HandleAnnounce(ctx, req, resp); err != nil {
			return nil, err
		}
	}

	return resp, nil
}

func benchHookListV4(b *testing.B, hooks hookList) {
	req := &bittorrent.AnnounceRequest{Peer: bittorrent.Peer{
		IP: bittorrent.IP{IP: net.ParseIP("1.2.3.4").To4(), AddressFamily: bittorrent.IPv4},
	}}
	benchHookList(b, hooks, req)
}

func benchHookListV6(b *testing.B, hooks hookList) {
	req := &bittorrent.AnnounceRequest{Peer: bittorrent.Peer{
		IP: bittorrent.IP{IP: net.ParseIP("fc00::0001"), AddressFamily: bittorrent.IPv6},
	}}
	benchHookList(b, hooks, req)
}

func benchHookList(b *testing.B, hooks hookList, req *bittorrent.AnnounceRequest) {
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		resp, err := hooks.handleAnnounce(ctx, req)
		require.Nil(b, err)
		require.NotNil(b, resp)
	}
}

func BenchmarkHookOverhead(b *testing.B) {
	b.Run("none-v4", func(b *testing.B) {
		benchHookListV4(b, hookList{})
	})

	b.Run("none-v6", func(b *testing.B) {
		benchHookListV6(b, hookList{})
	})

	var nopHooks hookList
	for i := 1; i < 4; i++ {
		nopHooks = append(nopHooks, &nopHook{})
		b.Run(fmt.Sprintf("%dnop-v4", i), func(b *testing.B) {
			benchHookListV4(b, nopHooks)
		})
		b.Run(fmt.Sprintf("%dnop-v6", i), func(b *testing.B) {
			benchHookListV6(b, nopHooks)
		})
	}
}

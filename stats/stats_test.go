package stats

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hachi/hachi/bittorrent"
	"github.com/hachi/hachi/storage"
)

// stubStore serves canned aggregate counts; nothing else on the interface is
// called by the aggregator.
type stubStore struct {
	storage.PeerStore
	agg storage.AggregateStats
}

func (s stubStore) Stats() storage.AggregateStats { return s.agg }

func newTestAggregator(t *testing.T, agg storage.AggregateStats) (*Aggregator, *clock.Mock) {
	t.Helper()

	clk := clock.NewMock()
	clk.Set(time.Date(2024, time.May, 4, 12, 0, 0, 0, time.UTC))

	return New(stubStore{agg: agg}, Protocols{HTTP: true, UDP: true}, clk), clk
}

func TestFlowCounters(t *testing.T) {
	a, _ := newTestAggregator(t, storage.AggregateStats{})

	for _, ev := range []storage.DiffEvent{
		storage.DiffJoined,
		storage.DiffJoined,
		storage.DiffGraduated,
		storage.DiffLeft,
		storage.DiffEvicted,
		storage.DiffExpired,
		storage.DiffUpdated,
		storage.DiffNone,
	} {
		a.HandlePeerDiff(storage.PeerDiff{Event: ev})
	}

	flow := a.Snapshot().Flow
	assert.Equal(t, Flow{Joined: 2, Graduated: 1, Left: 1, Evicted: 1, Expired: 1}, flow)
}

func TestRequestCountersAndTimings(t *testing.T) {
	a, clk := newTestAggregator(t, storage.AggregateStats{})
	timer := a.TimerHook()

	for i := 0; i < 3; i++ {
		ctx, err := timer.HandleAnnounce(context.Background(), nil, nil)
		require.Nil(t, err)
		clk.Add(4 * time.Millisecond)
		_, err = a.HandleAnnounce(ctx, nil, nil)
		require.Nil(t, err)
	}

	ctx, err := timer.HandleScrape(context.Background(), nil, nil)
	require.Nil(t, err)
	clk.Add(2 * time.Millisecond)
	_, err = a.HandleScrape(ctx, nil, nil)
	require.Nil(t, err)

	snap := a.Snapshot()
	assert.Equal(t, uint64(3), snap.Announces)
	assert.Equal(t, uint64(1), snap.Scrapes)
	assert.InDelta(t, 4, snap.ResponseTime.P50, 2.1)

	// A post hook reached without the timer stamp still counts the
	// request.
	_, err = a.HandleAnnounce(context.Background(), nil, nil)
	require.Nil(t, err)
	assert.Equal(t, uint64(4), a.Snapshot().Announces)
}

func TestSnapshotLevels(t *testing.T) {
	a, clk := newTestAggregator(t, storage.AggregateStats{
		Swarms:       7,
		ActiveSwarms: 5,
		Peers:        30,
		Seeders:      10,
		Leechers:     20,
	})
	clk.Add(90 * time.Second)

	snap := a.Snapshot()
	assert.Equal(t, uint64(7), snap.Torrents)
	assert.Equal(t, uint64(5), snap.ActiveTorrents)
	assert.Equal(t, uint64(30), snap.Peers)
	assert.Equal(t, uint64(10), snap.Seeders)
	assert.Equal(t, uint64(20), snap.Leechers)
	assert.Equal(t, "1m30s", snap.Uptime)
	assert.True(t, snap.Protocols.HTTP)
	assert.True(t, snap.Protocols.UDP)
	assert.False(t, snap.Protocols.WebSocket)
}

func TestServeHTTP(t *testing.T) {
	a, _ := newTestAggregator(t, storage.AggregateStats{Swarms: 3, ActiveSwarms: 3, Peers: 9})
	a.HandlePeerDiff(storage.PeerDiff{Event: storage.DiffJoined, InfoHash: bittorrent.InfoHashFromString("00000000000000000001")})

	t.Run("json by default", func(t *testing.T) {
		w := httptest.NewRecorder()
		a.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stats", nil))

		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

		var snap Snapshot
		require.Nil(t, json.Unmarshal(w.Body.Bytes(), &snap))
		assert.Equal(t, uint64(3), snap.Torrents)
		assert.Equal(t, uint64(1), snap.Flow.Joined)
	})

	t.Run("plaintext on accept", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/stats", nil)
		r.Header.Set("Accept", "text/plain")

		w := httptest.NewRecorder()
		a.ServeHTTP(w, r)

		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Header().Get("Content-Type"), "text/plain")
		assert.Contains(t, w.Body.String(), "torrents: 3 (3 active)")
		assert.Contains(t, w.Body.String(), "protocols: http udp")
	})
}

package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	redigolib "github.com/gomodule/redigo/redis"
	"github.com/stretchr/testify/require"

	"github.com/hachi/hachi/bittorrent"
	"github.com/hachi/hachi/repository"
)

func createNew(t *testing.T) *repo {
	rs, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(rs.Close)

	r, err := New(Config{
		RedisBroker:         fmt.Sprintf("redis://@%s/0", rs.Addr()),
		RedisReadTimeout:    10 * time.Second,
		RedisWriteTimeout:   10 * time.Second,
		RedisConnectTimeout: 10 * time.Second,
		KeyPrefix:           "hachi_test_",
		LedgerFlushInterval: 10 * time.Minute,
		LedgerBatchSize:     1000,
		LedgerLogSize:       100,
	})
	if err != nil {
		t.Fatal(err)
	}
	return r.(*repo)
}

func TestResolveToken(t *testing.T) {
	r := createNew(t)
	defer func() { _ = r.Stop().Wait() }()

	conn := r.backend.open()
	defer conn.Close()

	_, err := conn.Do("HMSET", r.userKey("a1b2c3d4e5f6a7b8"),
		"id", 42, "class", "elite", "banned", "0",
		"up_multiplier", "1.0", "down_multiplier", "0.5")
	require.Nil(t, err)

	// A hash the site wrote only partially keeps safe defaults.
	_, err = conn.Do("HMSET", r.userKey("ffffffffffffffff"), "id", 43, "banned", "1")
	require.Nil(t, err)

	u, err := r.ResolveToken(context.Background(), "a1b2c3d4e5f6a7b8")
	require.Nil(t, err)
	require.Equal(t, repository.UserID(42), u.ID)
	require.Equal(t, "elite", u.Class)
	require.False(t, u.Banned)
	require.Equal(t, 0.5, u.DownMultiplier)

	u, err = r.ResolveToken(context.Background(), "ffffffffffffffff")
	require.Nil(t, err)
	require.True(t, u.Banned)
	require.Equal(t, float64(1), u.UpMultiplier)
	require.Equal(t, float64(1), u.DownMultiplier)

	_, err = r.ResolveToken(context.Background(), "deadbeefdeadbeef")
	require.Equal(t, repository.ErrNotFound, err)
}

func TestLookup(t *testing.T) {
	r := createNew(t)
	defer func() { _ = r.Stop().Wait() }()

	conn := r.backend.open()
	defer conn.Close()

	ih, err := bittorrent.InfoHashFromHex("0101010101010101010101010101010101010101")
	require.Nil(t, err)

	_, err = conn.Do("HMSET", r.torrentKey(ih),
		"id", 7, "private", "1", "up_multiplier", "2.0", "down_multiplier", "0")
	require.Nil(t, err)

	torrent, err := r.Lookup(context.Background(), ih)
	require.Nil(t, err)
	require.Equal(t, repository.TorrentID(7), torrent.ID)
	require.True(t, torrent.Private)
	require.Equal(t, 2.0, torrent.UpMultiplier)
	require.Equal(t, float64(0), torrent.DownMultiplier, "an explicit zero multiplier marks freeleech")

	_, err = r.Lookup(context.Background(), bittorrent.InfoHashFromString("00000000000000000000"))
	require.Equal(t, repository.ErrNotFound, err)
}

func TestLedgerFlush(t *testing.T) {
	r := createNew(t)
	defer func() { _ = r.Stop().Wait() }()

	ih, err := bittorrent.InfoHashFromHex("0101010101010101010101010101010101010101")
	require.Nil(t, err)

	var table = []struct {
		id    string
		user  repository.UserID
		typ   repository.TransactionType
		bytes uint64
	}{
		{"txn-1", 1, repository.TransactionUpload, 1000},
		{"txn-2", 1, repository.TransactionDownload, 500},
		{"txn-3", 2, repository.TransactionUpload, 250},
	}

	for _, tt := range table {
		err := r.WriteTransaction(context.Background(), &repository.Transaction{
			ID:         tt.id,
			UserID:     tt.user,
			InfoHash:   ih,
			Type:       tt.typ,
			RawBytes:   tt.bytes,
			Bytes:      tt.bytes,
			Multiplier: 1,
			CreatedAt:  time.Now(),
		})
		require.Nil(t, err)
	}

	flushed, err := r.flushOnce()
	require.Nil(t, err)
	require.Equal(t, 3, flushed)

	conn := r.backend.open()
	defer conn.Close()

	totals, err := redigolib.Int64Map(conn.Do("HGETALL", r.totalsKey(1)))
	require.Nil(t, err)
	require.Equal(t, int64(1000), totals["uploaded"])
	require.Equal(t, int64(500), totals["downloaded"])

	totals, err = redigolib.Int64Map(conn.Do("HGETALL", r.totalsKey(2)))
	require.Nil(t, err)
	require.Equal(t, int64(250), totals["uploaded"])

	queued, err := redigolib.Int(conn.Do("LLEN", r.queueKey()))
	require.Nil(t, err)
	require.Equal(t, 0, queued, "the flush drains the queue")

	logged, err := redigolib.Int(conn.Do("LLEN", r.logKey()))
	require.Nil(t, err)
	require.Equal(t, 3, logged, "drained transactions are retained in the log")

	flushed, err = r.flushOnce()
	require.Nil(t, err)
	require.Equal(t, 0, flushed)
}

func TestDriverRegistered(t *testing.T) {
	rs, err := miniredis.Run()
	require.Nil(t, err)
	t.Cleanup(rs.Close)

	r, err := repository.NewRepository(Name, map[string]interface{}{
		"redis_broker": fmt.Sprintf("redis://@%s/0", rs.Addr()),
	})
	require.Nil(t, err)
	require.Empty(t, r.Stop().Wait())
}

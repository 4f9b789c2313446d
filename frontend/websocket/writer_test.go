package websocket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hachi/hachi/bittorrent"
)

func drainSession() *session {
	return &session{
		send:   make(chan []byte, 4),
		quit:   make(chan struct{}),
		swarms: make(map[bittorrent.InfoHash]struct{}),
	}
}

func sent(t *testing.T, s *session) string {
	t.Helper()
	select {
	case b := <-s.send:
		return string(b)
	default:
		t.Fatal("expected a queued frame")
		return ""
	}
}

func TestWriteFailure(t *testing.T) {
	s := drainSession()
	s.writeFailure("announce", hexOf("00000000000000000001"), bittorrent.ClientError("nope"))

	assert.JSONEq(t,
		`{"action":"announce","info_hash":"3030303030303030303030303030303030303031","failure reason":"nope"}`,
		sent(t, s))
}

func TestWriteFailureHidesInternalErrors(t *testing.T) {
	s := drainSession()
	s.writeFailure("scrape", "", assert.AnError)

	assert.JSONEq(t, `{"action":"scrape","failure reason":"internal server error"}`, sent(t, s))
}

func TestWriteAnnounceResponse(t *testing.T) {
	s := drainSession()
	s.writeAnnounceResponse(hexOf("00000000000000000001"), &bittorrent.AnnounceResponse{
		Interval:    600 * time.Second,
		MinInterval: 300 * time.Second,
		Complete:    2,
		Incomplete:  3,
		TrackerID:   "hachi",
	})

	assert.JSONEq(t,
		`{"action":"announce","info_hash":"3030303030303030303030303030303030303031","interval":600,"min interval":300,"complete":2,"incomplete":3,"tracker id":"hachi"}`,
		sent(t, s))
}

func TestWriteScrapeResponse(t *testing.T) {
	s := drainSession()
	s.writeScrapeResponse(&bittorrent.ScrapeResponse{
		Files: []bittorrent.Scrape{
			{
				InfoHash:   bittorrent.InfoHashFromString("00000000000000000001"),
				Snatches:   7,
				Complete:   2,
				Incomplete: 3,
			},
		},
		MinRequestInterval: 300 * time.Second,
	})

	assert.JSONEq(t,
		`{"action":"scrape","files":{"3030303030303030303030303030303030303031":{"complete":2,"downloaded":7,"incomplete":3}},"flags":{"min_request_interval":300}}`,
		sent(t, s))
}

func TestWriteScrapeResponseNoFlags(t *testing.T) {
	s := drainSession()
	s.writeScrapeResponse(&bittorrent.ScrapeResponse{
		Files: []bittorrent.Scrape{{InfoHash: bittorrent.InfoHashFromString("00000000000000000001")}},
	})

	require.NotContains(t, sent(t, s), "flags")
}

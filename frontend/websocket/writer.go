package websocket

import (
	"encoding/json"
	"time"

	"github.com/hachi/hachi/bittorrent"
	"github.com/hachi/hachi/pkg/log"
)

// writeFailure communicates an error to a WebTorrent client as a JSON frame
// with a "failure reason" field.
func (s *session) writeFailure(action, infoHash string, err error) {
	reason := "internal server error"
	if _, clientErr := err.(bittorrent.ClientError); clientErr {
		reason = err.Error()
	} else {
		log.Error("websocket: internal error", log.Err(err))
	}

	b, err := json.Marshal(failureMessage{
		Action:        action,
		InfoHash:      infoHash,
		FailureReason: reason,
	})
	if err != nil {
		log.Error("websocket: failed to marshal failure", log.Err(err))
		return
	}
	s.enqueue(b)
}

// writeAnnounceResponse communicates the results of an announce. Peers are
// deliberately absent: WebTorrent clients meet each other through relayed
// offers, not peer lists.
func (s *session) writeAnnounceResponse(infoHash string, resp *bittorrent.AnnounceResponse) {
	b, err := json.Marshal(announceResponseMessage{
		Action:      "announce",
		InfoHash:    infoHash,
		Interval:    uint32(resp.Interval / time.Second),
		MinInterval: uint32(resp.MinInterval / time.Second),
		Complete:    resp.Complete,
		Incomplete:  resp.Incomplete,
		TrackerID:   resp.TrackerID,
	})
	if err != nil {
		log.Error("websocket: failed to marshal announce response", log.Err(err))
		return
	}
	s.enqueue(b)
}

// writeScrapeResponse communicates the results of a scrape, keyed by the
// base16 infohash form the client scraped with.
func (s *session) writeScrapeResponse(resp *bittorrent.ScrapeResponse) {
	files := make(map[string]scrapeFile, len(resp.Files))
	for _, scrape := range resp.Files {
		files[scrape.InfoHash.String()] = scrapeFile{
			Complete:   scrape.Complete,
			Downloaded: scrape.Snatches,
			Incomplete: scrape.Incomplete,
		}
	}

	out := scrapeResponseMessage{
		Action: "scrape",
		Files:  files,
	}
	if resp.MinRequestInterval > 0 {
		out.Flags = &scrapeFlags{
			MinRequestInterval: uint32(resp.MinRequestInterval / time.Second),
		}
	}

	b, err := json.Marshal(out)
	if err != nil {
		log.Error("websocket: failed to marshal scrape response", log.Err(err))
		return
	}
	s.enqueue(b)
}

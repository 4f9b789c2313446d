package websocket

import "encoding/json"

// message is the JSON frame WebTorrent clients exchange with a tracker.
// Announces, scrapes, and WebRTC signaling relays all share it; which fields
// are meaningful depends on the action and on whether an answer is present.
type message struct {
	Action     string   `json:"action"`
	InfoHash   string   `json:"info_hash"`
	InfoHashes []string `json:"info_hashes"`
	PeerID     string   `json:"peer_id"`
	Uploaded   uint64   `json:"uploaded"`
	Downloaded uint64   `json:"downloaded"`
	Left       *uint64  `json:"left"`
	Event      string   `json:"event"`
	NumWant    *uint32  `json:"numwant"`
	Port       uint16   `json:"port"`
	Key        string   `json:"key"`
	AuthToken  string   `json:"auth_token"`

	// WebRTC signaling payloads are opaque to the tracker; they are routed,
	// never inspected.
	Offers   []offer         `json:"offers"`
	Answer   json.RawMessage `json:"answer"`
	OfferID  string          `json:"offer_id"`
	ToPeerID string          `json:"to_peer_id"`
}

// offer is a single WebRTC offer awaiting a recipient.
type offer struct {
	OfferID string          `json:"offer_id"`
	Offer   json.RawMessage `json:"offer"`
}

type announceResponseMessage struct {
	Action      string `json:"action"`
	InfoHash    string `json:"info_hash"`
	Interval    uint32 `json:"interval"`
	MinInterval uint32 `json:"min interval,omitempty"`
	Complete    uint32 `json:"complete"`
	Incomplete  uint32 `json:"incomplete"`
	TrackerID   string `json:"tracker id,omitempty"`
}

type scrapeResponseMessage struct {
	Action string                `json:"action"`
	Files  map[string]scrapeFile `json:"files"`
	Flags  *scrapeFlags          `json:"flags,omitempty"`
}

type scrapeFile struct {
	Complete   uint32 `json:"complete"`
	Downloaded uint32 `json:"downloaded"`
	Incomplete uint32 `json:"incomplete"`
}

type scrapeFlags struct {
	MinRequestInterval uint32 `json:"min_request_interval"`
}

// relayMessage carries an offer to a selected peer or an answer back to the
// peer that made the offer. PeerID identifies the sending side in both
// directions.
type relayMessage struct {
	Action   string          `json:"action"`
	InfoHash string          `json:"info_hash"`
	PeerID   string          `json:"peer_id"`
	OfferID  string          `json:"offer_id"`
	Offer    json.RawMessage `json:"offer,omitempty"`
	Answer   json.RawMessage `json:"answer,omitempty"`
}

type failureMessage struct {
	Action        string `json:"action,omitempty"`
	InfoHash      string `json:"info_hash,omitempty"`
	FailureReason string `json:"failure reason"`
}

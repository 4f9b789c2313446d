// Package storage defines the contract for the swarm registries that back
// the tracker, along with the diff stream they emit so that other components
// can observe swarm membership changing.
package storage

import (
	"errors"
	"sync"

	"github.com/hachi/hachi/bittorrent"
	"github.com/hachi/hachi/pkg/log"
	"github.com/hachi/hachi/pkg/stop"
)

var (
	driversM sync.RWMutex
	drivers  = make(map[string]Driver)
)

// Driver is the interface used to initialize a new type of PeerStore.
type Driver interface {
	NewPeerStore(cfg interface{}) (PeerStore, error)
}

// ErrResourceDoesNotExist is the error returned by RemovePeer if the swarm
// or the peer does not exist.
var ErrResourceDoesNotExist = bittorrent.ClientError("resource does not exist")

// ErrTrackerFull is the error returned by Announce when registering a new
// swarm would exceed the registry's configured swarm limit.
var ErrTrackerFull = bittorrent.ClientError("tracker full")

// ErrKeyMismatch is the error returned by Announce when a known peer ID
// reappears from a different endpoint without presenting the key it first
// announced with.
var ErrKeyMismatch = bittorrent.ClientError("announce key mismatch")

// ErrUnknownPeer is the error returned by Announce for events that only make
// sense for a peer already in the swarm, such as completed.
var ErrUnknownPeer = bittorrent.ClientError("event for peer not in swarm")

// ErrDriverDoesNotExist is the error returned by NewPeerStore when a peer
// store driver with that name does not exist.
var ErrDriverDoesNotExist = errors.New("peer store driver with that name does not exist")

// DiffEvent is the kind of membership change described by a PeerDiff.
type DiffEvent uint8

// The membership changes a swarm can undergo.
const (
	// DiffNone is emitted by announces that leave the swarm untouched,
	// such as a stopped event for a peer that was never tracked.
	DiffNone DiffEvent = iota

	// DiffJoined records a peer entering the swarm.
	DiffJoined

	// DiffUpdated records an existing peer refreshing or changing its
	// endpoint, class, or paused state.
	DiffUpdated

	// DiffGraduated records a leecher completing the download and
	// becoming a seeder.
	DiffGraduated

	// DiffLeft records a peer announcing stopped or being removed.
	DiffLeft

	// DiffEvicted records a peer pushed out of a full swarm to make room
	// for a newly announcing one.
	DiffEvicted

	// DiffExpired records a peer reaped after its TTL lapsed without an
	// announce.
	DiffExpired
)

// String implements fmt.Stringer.
func (e DiffEvent) String() string {
	switch e {
	case DiffNone:
		return "none"
	case DiffJoined:
		return "joined"
	case DiffUpdated:
		return "updated"
	case DiffGraduated:
		return "graduated"
	case DiffLeft:
		return "left"
	case DiffEvicted:
		return "evicted"
	case DiffExpired:
		return "expired"
	default:
		panic("storage: diff event has no associated name")
	}
}

// PeerDiff describes one peer's membership change in one swarm.
//
// Diffs emitted for removals carry the peer's class at the time it was
// removed.
type PeerDiff struct {
	Event    DiffEvent
	InfoHash bittorrent.InfoHash
	Peer     bittorrent.Peer

	// Seeder is the peer's class when the diff was emitted.
	Seeder bool

	// Snatched reports whether this change completed a download and was
	// counted in the swarm's lifetime completion counter.
	Snatched bool
}

// LogFields renders the current diff as a set of log fields.
func (d PeerDiff) LogFields() log.Fields {
	return log.Fields{
		"event":    d.Event,
		"infoHash": d.InfoHash,
		"peer":     d.Peer,
		"seeder":   d.Seeder,
		"snatched": d.Snatched,
	}
}

// A DiffSink consumes the PeerDiffs emitted by a PeerStore.
//
// Implementations must be safe for concurrent use and must return promptly;
// a sink that blocks stalls the announce path and the reaper.
type DiffSink interface {
	HandlePeerDiff(PeerDiff)
}

// AggregateStats is a point-in-time summary of everything a PeerStore
// tracks.
type AggregateStats struct {
	// Swarms counts all tracked swarms, including ones that recently
	// emptied but have not yet been dropped.
	Swarms uint64

	// ActiveSwarms counts swarms with at least one peer.
	ActiveSwarms uint64

	Peers    uint64
	Seeders  uint64
	Leechers uint64
}

// AnnounceResult is the swarm's answer to a single announce.
//
// Complete and Incomplete reflect the swarm after the announce was applied,
// so an announcing leecher sees itself counted in Incomplete.
type AnnounceResult struct {
	Complete   uint32
	Incomplete uint32
	IPv4Peers  []bittorrent.Peer
	IPv6Peers  []bittorrent.Peer

	// Diff is the membership change the announce caused, also delivered
	// to any registered DiffSinks.
	Diff PeerDiff
}

// PeerStore is an interface that abstracts swarm bookkeeping such that it
// can be implemented for various data stores.
type PeerStore interface {
	// Announce atomically applies the announce to the swarm identified
	// by req.InfoHash and selects peers for the response.
	//
	// Announce never returns the requesting peer among the selected
	// ones. The event handling, peer selection, and eviction rules are
	// documented on the implementing store.
	//
	// Returns ErrTrackerFull when a new swarm cannot be registered,
	// ErrKeyMismatch when the peer fails its key check, and
	// ErrUnknownPeer for a completed event from an untracked peer.
	Announce(req *bittorrent.AnnounceRequest) (*AnnounceResult, error)

	// ScrapeSwarm returns information required to answer a scrape
	// request about the swarm identified by the given infohash.
	//
	// If the infohash is unknown to the PeerStore, an empty Scrape is
	// returned.
	ScrapeSwarm(infoHash bittorrent.InfoHash) bittorrent.Scrape

	// ScrapeAll returns a Scrape for every tracked swarm.
	//
	// The snapshot is consistent per swarm, not across swarms. This is
	// an expensive operation intended for full scrapes and debugging.
	ScrapeAll() []bittorrent.Scrape

	// RemovePeer removes a peer from the swarm identified by the given
	// infohash regardless of the peer's class, emitting a DiffLeft to
	// any registered sinks.
	//
	// If the swarm or the peer does not exist, this function returns
	// ErrResourceDoesNotExist.
	RemovePeer(infoHash bittorrent.InfoHash, id bittorrent.PeerID) (PeerDiff, error)

	// Stats returns a snapshot of the aggregate swarm and peer counters.
	Stats() AggregateStats

	// AddDiffSink registers a sink that receives every PeerDiff the
	// store emits, including evictions and TTL expiries performed by the
	// reaper. Sinks must be registered before the store serves traffic.
	AddDiffSink(sink DiffSink)

	// stop is an interface that expects a Stop method to stop the
	// PeerStore.
	// For more details see the documentation in the stop package.
	stop.Stopper
}

// RegisterDriver makes a Driver available by the provided name.
//
// If called twice with the same name, the name is blank, or if the provided
// Driver is nil, this function panics.
func RegisterDriver(name string, d Driver) {
	if name == "" {
		panic("storage: could not register a Driver with an empty name")
	}
	if d == nil {
		panic("storage: could not register a nil Driver")
	}

	driversM.Lock()
	defer driversM.Unlock()

	if _, dup := drivers[name]; dup {
		panic("storage: RegisterDriver called twice for " + name)
	}

	drivers[name] = d
}

// NewPeerStore attempts to initialize a new PeerStore with given a name from
// the list of registered Drivers.
//
// If a driver does not exist, returns ErrDriverDoesNotExist.
func NewPeerStore(name string, cfg interface{}) (ps PeerStore, err error) {
	driversM.RLock()
	defer driversM.RUnlock()

	d, ok := drivers[name]
	if !ok {
		return nil, ErrDriverDoesNotExist
	}

	return d.NewPeerStore(cfg)
}

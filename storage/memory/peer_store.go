// Package memory implements the storage interface for a tracker that keeps
// all swarm state in memory and enforces per-swarm peer bounds.
package memory

import (
	"container/list"
	"encoding/binary"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	yaml "gopkg.in/yaml.v2"

	"github.com/hachi/hachi/bittorrent"
	"github.com/hachi/hachi/pkg/log"
	"github.com/hachi/hachi/pkg/stop"
	"github.com/hachi/hachi/pkg/timecache"
	"github.com/hachi/hachi/storage"
)

// Name is the name by which this peer store is registered.
const Name = "memory"

// Default config constants.
const (
	defaultShardCount                  = 1024
	defaultGarbageCollectionInterval   = time.Minute
	defaultPrometheusReportingInterval = time.Second * 1
	defaultPeerLifetime                = time.Minute * 20
	defaultSwarmGracePeriod            = time.Minute * 10
	defaultMaxPeersPerSwarm            = 1000
	defaultMaxPeersInResponse          = 50
)

func init() {
	// Register the storage driver.
	storage.RegisterDriver(Name, driver{})
}

type driver struct{}

func (d driver) NewPeerStore(icfg interface{}) (storage.PeerStore, error) {
	// Marshal the config back into bytes.
	bytes, err := yaml.Marshal(icfg)
	if err != nil {
		return nil, err
	}

	var cfg Config
	err = yaml.Unmarshal(bytes, &cfg)
	if err != nil {
		return nil, err
	}

	return New(cfg)
}

// Config holds the configuration of a memory PeerStore.
type Config struct {
	GarbageCollectionInterval   time.Duration `yaml:"gc_interval"`
	PrometheusReportingInterval time.Duration `yaml:"prometheus_reporting_interval"`
	PeerLifetime                time.Duration `yaml:"peer_lifetime"`
	SwarmGracePeriod            time.Duration `yaml:"swarm_grace_period"`
	ShardCount                  int           `yaml:"shard_count"`
	MaxPeersPerSwarm            int           `yaml:"max_peers_per_swarm"`
	MaxPeersInResponse          int           `yaml:"max_peers_in_response"`
	MaxSwarms                   int           `yaml:"max_swarms"`
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"gcInterval":         cfg.GarbageCollectionInterval,
		"promReportInterval": cfg.PrometheusReportingInterval,
		"peerLifetime":       cfg.PeerLifetime,
		"swarmGracePeriod":   cfg.SwarmGracePeriod,
		"shardCount":         cfg.ShardCount,
		"maxPeersPerSwarm":   cfg.MaxPeersPerSwarm,
		"maxPeersInResponse": cfg.MaxPeersInResponse,
		"maxSwarms":          cfg.MaxSwarms,
	}
}

// Validate sanity checks values set in a config and returns a new config with
// default values replacing anything that was left unset.
func (cfg Config) Validate() Config {
	validcfg := cfg

	if cfg.ShardCount <= 0 {
		validcfg.ShardCount = defaultShardCount
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".shard_count",
			"provided": cfg.ShardCount,
			"default":  validcfg.ShardCount,
		})
	}

	if cfg.GarbageCollectionInterval <= 0 {
		validcfg.GarbageCollectionInterval = defaultGarbageCollectionInterval
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".gc_interval",
			"provided": cfg.GarbageCollectionInterval,
			"default":  validcfg.GarbageCollectionInterval,
		})
	}

	if cfg.PrometheusReportingInterval <= 0 {
		validcfg.PrometheusReportingInterval = defaultPrometheusReportingInterval
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".prometheus_reporting_interval",
			"provided": cfg.PrometheusReportingInterval,
			"default":  validcfg.PrometheusReportingInterval,
		})
	}

	if cfg.PeerLifetime <= 0 {
		validcfg.PeerLifetime = defaultPeerLifetime
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".peer_lifetime",
			"provided": cfg.PeerLifetime,
			"default":  validcfg.PeerLifetime,
		})
	}

	if cfg.SwarmGracePeriod <= 0 {
		validcfg.SwarmGracePeriod = defaultSwarmGracePeriod
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".swarm_grace_period",
			"provided": cfg.SwarmGracePeriod,
			"default":  validcfg.SwarmGracePeriod,
		})
	}

	if cfg.MaxPeersPerSwarm <= 0 {
		validcfg.MaxPeersPerSwarm = defaultMaxPeersPerSwarm
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".max_peers_per_swarm",
			"provided": cfg.MaxPeersPerSwarm,
			"default":  validcfg.MaxPeersPerSwarm,
		})
	}

	if cfg.MaxPeersInResponse <= 0 {
		validcfg.MaxPeersInResponse = defaultMaxPeersInResponse
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".max_peers_in_response",
			"provided": cfg.MaxPeersInResponse,
			"default":  validcfg.MaxPeersInResponse,
		})
	}

	if cfg.MaxSwarms < 0 {
		validcfg.MaxSwarms = 0
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".max_swarms",
			"provided": cfg.MaxSwarms,
			"default":  validcfg.MaxSwarms,
		})
	}

	return validcfg
}

// New creates a new PeerStore backed by memory.
func New(provided Config) (storage.PeerStore, error) {
	cfg := provided.Validate()

	ps := &peerStore{
		cfg:         cfg,
		bucketWidth: cfg.GarbageCollectionInterval.Nanoseconds(),
		shards:      make([]*peerShard, cfg.ShardCount),
		closing:     make(chan struct{}),
	}

	for i := 0; i < cfg.ShardCount; i++ {
		ps.shards[i] = &peerShard{
			swarms:  make(map[bittorrent.InfoHash]*swarm),
			buckets: make(map[int64]map[expiryKey]struct{}),
		}
	}

	// Start a goroutine for reaping expired peers.
	ps.wg.Add(1)
	go func() {
		defer ps.wg.Done()
		for {
			select {
			case <-ps.closing:
				return
			case <-time.After(cfg.GarbageCollectionInterval):
				before := time.Now().Add(-cfg.PeerLifetime)
				log.Debug("storage: purging peers with no announces since", log.Fields{"before": before})
				ps.collectGarbage(before)
			}
		}
	}()

	// Start a goroutine for reporting statistics to Prometheus.
	ps.wg.Add(1)
	go func() {
		defer ps.wg.Done()
		t := time.NewTicker(cfg.PrometheusReportingInterval)
		for {
			select {
			case <-ps.closing:
				t.Stop()
				return
			case <-t.C:
				before := time.Now()
				ps.populateProm()
				log.Debug("storage: populateProm() finished", log.Fields{"timeTaken": time.Since(before)})
			}
		}
	}()

	return ps, nil
}

// expiryKey addresses one peer in one swarm inside a reaper bucket.
type expiryKey struct {
	ih bittorrent.InfoHash
	id bittorrent.PeerID
}

type peerShard struct {
	swarms map[bittorrent.InfoHash]*swarm

	// buckets groups peers by the coarse timestamp of their last
	// announce so the reaper never rescans fresh peers.
	buckets map[int64]map[expiryKey]struct{}

	numPeers    uint64
	numSeeders  uint64
	numLeechers uint64
	numEmpty    uint64

	sync.RWMutex
}

// peerEntry is the tracked state of a single peer within a swarm.
type peerEntry struct {
	peer     bittorrent.Peer
	key      string
	protocol bittorrent.Protocol
	seeder   bool
	paused   bool
	snatched bool
	lastSeen int64
	bucket   int64
	elem     *list.Element
}

// swarm is the set of peers sharing one infohash.
type swarm struct {
	peers map[bittorrent.PeerID]*peerEntry

	// recency orders peerEntries from stalest (front) to most recently
	// announced (back). It drives both LRU eviction and peer selection.
	recency *list.List

	complete   uint32
	incomplete uint32
	snatches   uint32

	// emptySince is nonzero while the swarm has no peers and counts
	// toward the grace period before the swarm is dropped.
	emptySince int64
}

func newSwarm() *swarm {
	return &swarm{
		peers:   make(map[bittorrent.PeerID]*peerEntry),
		recency: list.New(),
	}
}

type peerStore struct {
	cfg         Config
	bucketWidth int64
	shards      []*peerShard

	numSwarms int64

	sinksMu sync.RWMutex
	sinks   []storage.DiffSink

	closing chan struct{}
	wg      sync.WaitGroup
}

var _ storage.PeerStore = &peerStore{}

// populateProm aggregates metrics over all shards and pushes them into
// prometheus.
func (ps *peerStore) populateProm() {
	stats := ps.Stats()
	storage.PromSwarmsCount.Set(float64(stats.Swarms))
	storage.PromSeedersCount.Set(float64(stats.Seeders))
	storage.PromLeechersCount.Set(float64(stats.Leechers))
}

func (ps *peerStore) shardIndex(infoHash bittorrent.InfoHash) uint32 {
	return binary.BigEndian.Uint32(infoHash[:4]) % uint32(len(ps.shards))
}

// AddDiffSink implements storage.PeerStore.
func (ps *peerStore) AddDiffSink(sink storage.DiffSink) {
	ps.sinksMu.Lock()
	ps.sinks = append(ps.sinks, sink)
	ps.sinksMu.Unlock()
}

// emit hands diffs to every registered sink. It must be called without any
// shard lock held.
func (ps *peerStore) emit(diffs ...storage.PeerDiff) {
	if len(diffs) == 0 {
		return
	}

	ps.sinksMu.RLock()
	sinks := ps.sinks
	ps.sinksMu.RUnlock()

	for _, d := range diffs {
		if d.Event == storage.DiffNone {
			continue
		}
		for _, s := range sinks {
			s.HandlePeerDiff(d)
		}
	}
}

// Announce implements storage.PeerStore.
func (ps *peerStore) Announce(req *bittorrent.AnnounceRequest) (*storage.AnnounceResult, error) {
	select {
	case <-ps.closing:
		panic("attempted to interact with stopped memory store")
	default:
	}

	now := timecache.NowUnixNano()
	shard := ps.shards[ps.shardIndex(req.InfoHash)]

	var diffs []storage.PeerDiff

	shard.Lock()

	sw := shard.swarms[req.InfoHash]
	var entry *peerEntry
	if sw != nil {
		entry = sw.peers[req.ID]
	}

	if entry == nil {
		switch req.Event {
		case bittorrent.Stopped, bittorrent.Paused:
			// Nothing to change for a peer that was never tracked.
			res := ps.buildResult(sw, req, nil, storage.PeerDiff{
				Event:    storage.DiffNone,
				InfoHash: req.InfoHash,
				Peer:     req.Peer,
			})
			shard.Unlock()
			return res, nil

		case bittorrent.Completed:
			shard.Unlock()
			return nil, storage.ErrUnknownPeer

		default:
			// Started events and plain updates register the peer.
			if sw == nil {
				if ps.cfg.MaxSwarms > 0 && atomic.LoadInt64(&ps.numSwarms) >= int64(ps.cfg.MaxSwarms) {
					shard.Unlock()
					return nil, storage.ErrTrackerFull
				}
				sw = newSwarm()
				shard.swarms[req.InfoHash] = sw
				atomic.AddInt64(&ps.numSwarms, 1)
			}

			if len(sw.peers) >= ps.cfg.MaxPeersPerSwarm {
				stalest := sw.recency.Front().Value.(*peerEntry)
				diffs = append(diffs, ps.removePeer(shard, sw, req.InfoHash, stalest, storage.DiffEvicted, now))
			}

			entry = &peerEntry{
				peer:     req.Peer,
				protocol: req.Protocol,
				seeder:   req.Left == 0,
			}
			if req.KeyProvided {
				entry.key = req.Key
			}

			sw.peers[req.ID] = entry
			entry.elem = sw.recency.PushBack(entry)
			ps.touch(shard, req.InfoHash, entry, now)

			if entry.seeder {
				sw.complete++
				shard.numSeeders++
			} else {
				sw.incomplete++
				shard.numLeechers++
			}
			shard.numPeers++
			if sw.emptySince != 0 {
				sw.emptySince = 0
				shard.numEmpty--
			}

			diffs = append(diffs, storage.PeerDiff{
				Event:    storage.DiffJoined,
				InfoHash: req.InfoHash,
				Peer:     req.Peer,
				Seeder:   entry.seeder,
			})
		}
	} else {
		// A known peer ID announcing from elsewhere must present the
		// key it first announced with, if it recorded one.
		if !entry.peer.EqualEndpoint(req.Peer) && entry.key != "" && (!req.KeyProvided || req.Key != entry.key) {
			shard.Unlock()
			return nil, storage.ErrKeyMismatch
		}

		if req.Event == bittorrent.Stopped {
			diff := ps.removePeer(shard, sw, req.InfoHash, entry, storage.DiffLeft, now)
			res := ps.buildResult(sw, req, nil, diff)
			shard.Unlock()
			ps.emit(diff)
			return res, nil
		}

		diffs = append(diffs, ps.updatePeer(shard, sw, req, entry, now))
	}

	res := ps.buildResult(sw, req, entry, diffs[len(diffs)-1])
	shard.Unlock()
	ps.emit(diffs...)
	return res, nil
}

// updatePeer refreshes a tracked peer from a new announce, reclassifying it
// between seeder and leecher as its reported progress dictates. The caller
// must hold the shard lock.
func (ps *peerStore) updatePeer(shard *peerShard, sw *swarm, req *bittorrent.AnnounceRequest, entry *peerEntry, now int64) storage.PeerDiff {
	wasSeeder := entry.seeder
	isSeeder := req.Left == 0

	// The lifetime completion counter moves only on a believable
	// completed event, and at most once per peer.
	snatched := false
	if req.Event == bittorrent.Completed && req.Left == 0 && !entry.snatched {
		entry.snatched = true
		sw.snatches++
		snatched = true
	}

	if wasSeeder != isSeeder {
		if isSeeder {
			sw.complete++
			sw.incomplete--
			shard.numSeeders++
			shard.numLeechers--
		} else {
			sw.complete--
			sw.incomplete++
			shard.numSeeders--
			shard.numLeechers++
		}
		entry.seeder = isSeeder
	}

	entry.paused = req.Event == bittorrent.Paused
	entry.peer = req.Peer
	entry.protocol = req.Protocol
	if req.KeyProvided {
		entry.key = req.Key
	}

	sw.recency.MoveToBack(entry.elem)
	ps.touch(shard, req.InfoHash, entry, now)

	event := storage.DiffUpdated
	if !wasSeeder && isSeeder {
		event = storage.DiffGraduated
	}

	return storage.PeerDiff{
		Event:    event,
		InfoHash: req.InfoHash,
		Peer:     req.Peer,
		Seeder:   isSeeder,
		Snatched: snatched,
	}
}

// removePeer drops a tracked peer and returns the diff describing it. The
// caller must hold the shard lock.
func (ps *peerStore) removePeer(shard *peerShard, sw *swarm, ih bittorrent.InfoHash, entry *peerEntry, event storage.DiffEvent, now int64) storage.PeerDiff {
	delete(sw.peers, entry.peer.ID)
	sw.recency.Remove(entry.elem)
	ps.bucketRemove(shard, entry.bucket, ih, entry.peer.ID)

	if entry.seeder {
		sw.complete--
		shard.numSeeders--
	} else {
		sw.incomplete--
		shard.numLeechers--
	}
	shard.numPeers--

	if len(sw.peers) == 0 {
		sw.emptySince = now
		shard.numEmpty++
	}

	return storage.PeerDiff{
		Event:    event,
		InfoHash: ih,
		Peer:     entry.peer,
		Seeder:   entry.seeder,
	}
}

// touch refreshes a peer's last-seen time and keeps its reaper bucket in
// step with it. The caller must hold the shard lock.
func (ps *peerStore) touch(shard *peerShard, ih bittorrent.InfoHash, entry *peerEntry, now int64) {
	bucket := now - now%ps.bucketWidth
	if entry.bucket != bucket {
		if entry.bucket != 0 {
			ps.bucketRemove(shard, entry.bucket, ih, entry.peer.ID)
		}
		set, ok := shard.buckets[bucket]
		if !ok {
			set = make(map[expiryKey]struct{})
			shard.buckets[bucket] = set
		}
		set[expiryKey{ih, entry.peer.ID}] = struct{}{}
		entry.bucket = bucket
	}
	entry.lastSeen = now
}

func (ps *peerStore) bucketRemove(shard *peerShard, bucket int64, ih bittorrent.InfoHash, id bittorrent.PeerID) {
	set, ok := shard.buckets[bucket]
	if !ok {
		return
	}
	delete(set, expiryKey{ih, id})
	if len(set) == 0 {
		delete(shard.buckets, bucket)
	}
}

// buildResult snapshots the swarm counters and selects peers for the
// response. The caller must hold the shard lock.
//
// Swarm counters reflect the announce that was just applied, so announcing
// peers see themselves counted. No peers are selected for a departing or
// untracked requester.
func (ps *peerStore) buildResult(sw *swarm, req *bittorrent.AnnounceRequest, requester *peerEntry, diff storage.PeerDiff) *storage.AnnounceResult {
	res := &storage.AnnounceResult{Diff: diff}
	if sw == nil {
		return res
	}

	res.Complete = sw.complete
	res.Incomplete = sw.incomplete

	if requester == nil {
		return res
	}

	want := int(req.NumWant)
	if want > ps.cfg.MaxPeersInResponse {
		want = ps.cfg.MaxPeersInResponse
	}
	if want <= 0 {
		return res
	}

	// Leechers are fed seeders first; seeders gain nothing from other
	// seeders, so they are fed leechers first. Remaining slots are
	// filled from the other class, most recently seen peers first.
	preferSeeders := !requester.seeder
	wsOnly := req.Protocol == bittorrent.ProtocolWebSocket

	var preferred, fallback []*peerEntry
	for e := sw.recency.Back(); e != nil; e = e.Prev() {
		pe := e.Value.(*peerEntry)
		if pe == requester || pe.paused {
			continue
		}
		if wsOnly {
			// WebSocket peers are reachable over a relayed offer,
			// not a dialable endpoint.
			if pe.protocol != bittorrent.ProtocolWebSocket {
				continue
			}
		} else if pe.peer.Port == 0 {
			continue
		}

		if pe.seeder == preferSeeders {
			preferred = append(preferred, pe)
			if len(preferred) == want {
				break
			}
		} else if len(fallback) < want {
			fallback = append(fallback, pe)
		}
	}

	if missing := want - len(preferred); missing > 0 {
		if missing > len(fallback) {
			missing = len(fallback)
		}
		preferred = append(preferred, fallback[:missing]...)
	}

	for _, pe := range preferred {
		if pe.peer.IP.AddressFamily == bittorrent.IPv6 {
			res.IPv6Peers = append(res.IPv6Peers, pe.peer)
		} else {
			res.IPv4Peers = append(res.IPv4Peers, pe.peer)
		}
	}

	return res
}

// ScrapeSwarm implements storage.PeerStore.
func (ps *peerStore) ScrapeSwarm(ih bittorrent.InfoHash) bittorrent.Scrape {
	select {
	case <-ps.closing:
		panic("attempted to interact with stopped memory store")
	default:
	}

	resp := bittorrent.Scrape{InfoHash: ih}

	shard := ps.shards[ps.shardIndex(ih)]
	shard.RLock()
	defer shard.RUnlock()

	sw, ok := shard.swarms[ih]
	if !ok {
		return resp
	}

	resp.Complete = sw.complete
	resp.Incomplete = sw.incomplete
	resp.Snatches = sw.snatches

	return resp
}

// ScrapeAll implements storage.PeerStore.
func (ps *peerStore) ScrapeAll() []bittorrent.Scrape {
	select {
	case <-ps.closing:
		panic("attempted to interact with stopped memory store")
	default:
	}

	var scrapes []bittorrent.Scrape
	for _, shard := range ps.shards {
		shard.RLock()
		for ih, sw := range shard.swarms {
			scrapes = append(scrapes, bittorrent.Scrape{
				InfoHash:   ih,
				Complete:   sw.complete,
				Incomplete: sw.incomplete,
				Snatches:   sw.snatches,
			})
		}
		shard.RUnlock()
	}

	return scrapes
}

// RemovePeer implements storage.PeerStore.
func (ps *peerStore) RemovePeer(ih bittorrent.InfoHash, id bittorrent.PeerID) (storage.PeerDiff, error) {
	select {
	case <-ps.closing:
		panic("attempted to interact with stopped memory store")
	default:
	}

	now := timecache.NowUnixNano()
	shard := ps.shards[ps.shardIndex(ih)]

	shard.Lock()

	sw, ok := shard.swarms[ih]
	if !ok {
		shard.Unlock()
		return storage.PeerDiff{}, storage.ErrResourceDoesNotExist
	}

	entry, ok := sw.peers[id]
	if !ok {
		shard.Unlock()
		return storage.PeerDiff{}, storage.ErrResourceDoesNotExist
	}

	diff := ps.removePeer(shard, sw, ih, entry, storage.DiffLeft, now)
	shard.Unlock()

	ps.emit(diff)
	return diff, nil
}

// Stats implements storage.PeerStore.
func (ps *peerStore) Stats() storage.AggregateStats {
	var stats storage.AggregateStats
	for _, shard := range ps.shards {
		shard.RLock()
		stats.Swarms += uint64(len(shard.swarms))
		stats.ActiveSwarms += uint64(len(shard.swarms)) - shard.numEmpty
		stats.Peers += shard.numPeers
		stats.Seeders += shard.numSeeders
		stats.Leechers += shard.numLeechers
		shard.RUnlock()
	}
	return stats
}

// collectGarbage walks the reaper buckets of each shard, removing peers that
// have not announced since cutoff, and drops swarms that have been empty
// beyond the grace period.
//
// Expired peers produce DiffExpired diffs, so downstream consumers observe
// the same side effects a stopped event would have had.
func (ps *peerStore) collectGarbage(cutoff time.Time) {
	select {
	case <-ps.closing:
		return
	default:
	}

	start := time.Now()
	cutoffNano := cutoff.UnixNano()
	cutoffBucket := cutoffNano - cutoffNano%ps.bucketWidth
	graceCutoff := start.Add(-ps.cfg.SwarmGracePeriod).UnixNano()

	for _, shard := range ps.shards {
		var reaped []storage.PeerDiff

		shard.Lock()

		for bucket, keys := range shard.buckets {
			if bucket > cutoffBucket {
				continue
			}
			// removePeer mutates the maps being ranged over here,
			// which Go permits for deletes.
			for k := range keys {
				sw := shard.swarms[k.ih]
				if sw == nil {
					delete(keys, k)
					continue
				}
				entry := sw.peers[k.id]
				if entry == nil {
					delete(keys, k)
					continue
				}
				if entry.lastSeen > cutoffNano {
					continue
				}
				reaped = append(reaped, ps.removePeer(shard, sw, k.ih, entry, storage.DiffExpired, cutoffNano))
			}
		}

		for ih, sw := range shard.swarms {
			if len(sw.peers) == 0 && sw.emptySince != 0 && sw.emptySince <= graceCutoff {
				delete(shard.swarms, ih)
				shard.numEmpty--
				atomic.AddInt64(&ps.numSwarms, -1)
			}
		}

		shard.Unlock()

		ps.emit(reaped...)
		runtime.Gosched()
	}

	storage.RecordGCDuration(time.Since(start))
}

// Stop implements stop.Stopper.
func (ps *peerStore) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		close(ps.closing)
		ps.wg.Wait()

		// Explicitly deallocate our storage.
		shards := make([]*peerShard, len(ps.shards))
		for i := 0; i < len(ps.shards); i++ {
			shards[i] = &peerShard{
				swarms:  make(map[bittorrent.InfoHash]*swarm),
				buckets: make(map[int64]map[expiryKey]struct{}),
			}
		}
		ps.shards = shards

		c.Done()
	}()

	return c.Result()
}

// LogFields renders the current peer store as a set of Logrus fields.
func (ps *peerStore) LogFields() log.Fields {
	return ps.cfg.LogFields()
}

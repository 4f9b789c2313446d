// Package stats aggregates the tracker's running counters and serves them
// over HTTP.
//
// The Aggregator consumes the peer-diff stream for flow counters, reads the
// peer store for current swarm and peer counts, and times requests between a
// pre hook and its own post hook for response-time percentiles. Snapshots
// render as JSON or plaintext depending on the request's Accept header.
package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/hachi/hachi/bittorrent"
	"github.com/hachi/hachi/middleware"
	"github.com/hachi/hachi/pkg/log"
	"github.com/hachi/hachi/storage"
)

// Protocols reports which frontends this instance serves.
type Protocols struct {
	HTTP      bool `json:"http"`
	UDP       bool `json:"udp"`
	WebSocket bool `json:"websocket"`
}

// Flow counts the membership transitions observed since boot.
type Flow struct {
	Joined    uint64 `json:"joined"`
	Graduated uint64 `json:"graduated"`
	Left      uint64 `json:"left"`
	Evicted   uint64 `json:"evicted"`
	Expired   uint64 `json:"expired"`
}

// ResponseTimes holds percentile estimates of request handling time in
// milliseconds.
type ResponseTimes struct {
	P50 float64 `json:"p50_ms"`
	P90 float64 `json:"p90_ms"`
	P95 float64 `json:"p95_ms"`
}

// Snapshot is a point-in-time view of everything the aggregator tracks.
type Snapshot struct {
	StartedAt time.Time `json:"started_at"`
	Uptime    string    `json:"uptime"`
	Protocols Protocols `json:"protocols"`

	Torrents       uint64 `json:"torrents"`
	ActiveTorrents uint64 `json:"active_torrents"`
	Peers          uint64 `json:"peers"`
	Seeders        uint64 `json:"seeders"`
	Leechers       uint64 `json:"leechers"`

	Announces uint64 `json:"announces"`
	Scrapes   uint64 `json:"scrapes"`

	Flow         Flow          `json:"flow"`
	ResponseTime ResponseTimes `json:"response_time"`
}

// Aggregator collects the counters behind the /stats endpoint.
type Aggregator struct {
	store     storage.PeerStore
	protocols Protocols
	clk       clock.Clock
	start     time.Time

	mu            sync.Mutex
	announces     uint64
	scrapes       uint64
	flow          Flow
	p50, p90, p95 *Percentile
}

var (
	_ storage.DiffSink = &Aggregator{}
	_ middleware.Hook  = &Aggregator{}
	_ http.Handler     = &Aggregator{}
)

// New creates an Aggregator reading current counts from the given store.
// Pass clock.New() outside of tests.
func New(store storage.PeerStore, protocols Protocols, clk clock.Clock) *Aggregator {
	return &Aggregator{
		store:     store,
		protocols: protocols,
		clk:       clk,
		start:     clk.Now(),
		p50:       NewPercentile(0.5),
		p90:       NewPercentile(0.9),
		p95:       NewPercentile(0.95),
	}
}

type timerKey struct{}

type timerHook struct {
	clk clock.Clock
}

func (h *timerHook) HandleAnnounce(ctx context.Context, _ *bittorrent.AnnounceRequest, _ *bittorrent.AnnounceResponse) (context.Context, error) {
	return context.WithValue(ctx, timerKey{}, h.clk.Now()), nil
}

func (h *timerHook) HandleScrape(ctx context.Context, _ *bittorrent.ScrapeRequest, _ *bittorrent.ScrapeResponse) (context.Context, error) {
	return context.WithValue(ctx, timerKey{}, h.clk.Now()), nil
}

// TimerHook returns the pre hook that stamps requests so the aggregator's
// post hook can measure them. Install it before any other pre hook.
func (a *Aggregator) TimerHook() middleware.Hook {
	return &timerHook{clk: a.clk}
}

func (a *Aggregator) elapsed(ctx context.Context) (time.Duration, bool) {
	start, ok := ctx.Value(timerKey{}).(time.Time)
	if !ok {
		return 0, false
	}
	return a.clk.Now().Sub(start), true
}

// HandleAnnounce counts one handled announce. It is installed as a post hook
// and never fails the request.
func (a *Aggregator) HandleAnnounce(ctx context.Context, _ *bittorrent.AnnounceRequest, _ *bittorrent.AnnounceResponse) (context.Context, error) {
	elapsed, timed := a.elapsed(ctx)

	a.mu.Lock()
	a.announces++
	if timed {
		a.sample(elapsed)
	}
	a.mu.Unlock()

	return ctx, nil
}

// HandleScrape counts one handled scrape.
func (a *Aggregator) HandleScrape(ctx context.Context, _ *bittorrent.ScrapeRequest, _ *bittorrent.ScrapeResponse) (context.Context, error) {
	elapsed, timed := a.elapsed(ctx)

	a.mu.Lock()
	a.scrapes++
	if timed {
		a.sample(elapsed)
	}
	a.mu.Unlock()

	return ctx, nil
}

// sample records one response time. Callers must hold a.mu.
func (a *Aggregator) sample(elapsed time.Duration) {
	ms := float64(elapsed) / float64(time.Millisecond)
	a.p50.AddSample(ms)
	a.p90.AddSample(ms)
	a.p95.AddSample(ms)
}

// HandlePeerDiff feeds one membership change into the flow counters.
func (a *Aggregator) HandlePeerDiff(d storage.PeerDiff) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch d.Event {
	case storage.DiffJoined:
		a.flow.Joined++
	case storage.DiffGraduated:
		a.flow.Graduated++
	case storage.DiffLeft:
		a.flow.Left++
	case storage.DiffEvicted:
		a.flow.Evicted++
	case storage.DiffExpired:
		a.flow.Expired++
	}
}

// Snapshot returns a consistent view of the aggregator's own counters
// combined with the store's current counts.
func (a *Aggregator) Snapshot() Snapshot {
	agg := a.store.Stats()
	now := a.clk.Now()

	a.mu.Lock()
	defer a.mu.Unlock()

	return Snapshot{
		StartedAt: a.start,
		Uptime:    now.Sub(a.start).String(),
		Protocols: a.protocols,

		Torrents:       agg.Swarms,
		ActiveTorrents: agg.ActiveSwarms,
		Peers:          agg.Peers,
		Seeders:        agg.Seeders,
		Leechers:       agg.Leechers,

		Announces: a.announces,
		Scrapes:   a.scrapes,

		Flow: a.flow,
		ResponseTime: ResponseTimes{
			P50: a.p50.Value(),
			P90: a.p90.Value(),
			P95: a.p95.Value(),
		},
	}
}

// ServeHTTP renders a snapshot. JSON is the default; a client whose Accept
// header asks for text/plain gets a line-oriented rendering instead.
func (a *Aggregator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	snap := a.Snapshot()

	if strings.Contains(r.Header.Get("Accept"), "text/plain") {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		writeText(w, snap)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		log.Error("failed to write stats snapshot", log.Err(err))
	}
}

func writeText(w http.ResponseWriter, snap Snapshot) {
	var protocols []string
	if snap.Protocols.HTTP {
		protocols = append(protocols, "http")
	}
	if snap.Protocols.UDP {
		protocols = append(protocols, "udp")
	}
	if snap.Protocols.WebSocket {
		protocols = append(protocols, "websocket")
	}

	fmt.Fprintf(w, "uptime: %s\n", snap.Uptime)
	fmt.Fprintf(w, "protocols: %s\n", strings.Join(protocols, " "))
	fmt.Fprintf(w, "torrents: %d (%d active)\n", snap.Torrents, snap.ActiveTorrents)
	fmt.Fprintf(w, "peers: %d (%d seeding, %d leeching)\n", snap.Peers, snap.Seeders, snap.Leechers)
	fmt.Fprintf(w, "announces: %d\n", snap.Announces)
	fmt.Fprintf(w, "scrapes: %d\n", snap.Scrapes)
	fmt.Fprintf(w, "flow: joined %d, graduated %d, left %d, evicted %d, expired %d\n",
		snap.Flow.Joined, snap.Flow.Graduated, snap.Flow.Left, snap.Flow.Evicted, snap.Flow.Expired)
	fmt.Fprintf(w, "response time: p50 %.2fms, p90 %.2fms, p95 %.2fms\n",
		snap.ResponseTime.P50, snap.ResponseTime.P90, snap.ResponseTime.P95)
}

package middleware

import (
	"context"
	"time"

	"github.com/hachi/hachi/bittorrent"
	"github.com/hachi/hachi/frontend"
	"github.com/hachi/hachi/pkg/log"
	"github.com/hachi/hachi/pkg/stop"
	"github.com/hachi/hachi/storage"
)

// Default config constants.
const (
	defaultAnnounceInterval    = 10 * time.Minute
	defaultMinAnnounceInterval = 5 * time.Minute
)

// Config holds the configuration common to every response the tracker
// generates.
type Config struct {
	AnnounceInterval    time.Duration `yaml:"announce_interval"`
	MinAnnounceInterval time.Duration `yaml:"min_announce_interval"`
	TrackerID           string        `yaml:"tracker_id"`
	AllowFullScrape     bool          `yaml:"allow_full_scrape"`
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"announceInterval":    cfg.AnnounceInterval,
		"minAnnounceInterval": cfg.MinAnnounceInterval,
		"trackerID":           cfg.TrackerID,
		"allowFullScrape":     cfg.AllowFullScrape,
	}
}

// Validate sanity checks values set in a config and returns a new config
// with default values replacing anything that is invalid.
//
// This function warns to the logger when a value is changed.
func (cfg Config) Validate() Config {
	validcfg := cfg

	if cfg.AnnounceInterval <= 0 {
		validcfg.AnnounceInterval = defaultAnnounceInterval
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "middleware.AnnounceInterval",
			"provided": cfg.AnnounceInterval,
			"default":  validcfg.AnnounceInterval,
		})
	}

	if cfg.MinAnnounceInterval <= 0 {
		validcfg.MinAnnounceInterval = defaultMinAnnounceInterval
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "middleware.MinAnnounceInterval",
			"provided": cfg.MinAnnounceInterval,
			"default":  validcfg.MinAnnounceInterval,
		})
	}

	return validcfg
}

var _ frontend.TrackerLogic = &Logic{}

// NewLogic creates a new instance of a TrackerLogic that executes the
// provided middleware hooks around the built-in swarm interaction.
func NewLogic(cfg Config, peerStore storage.PeerStore, preHooks, postHooks []Hook) *Logic {
	validcfg := cfg.Validate()
	return &Logic{
		announceInterval:    validcfg.AnnounceInterval,
		minAnnounceInterval: validcfg.MinAnnounceInterval,
		trackerID:           validcfg.TrackerID,
		peerStore:           peerStore,
		preHooks:            append(preHooks, &swarmHook{store: peerStore, allowFullScrape: validcfg.AllowFullScrape}),
		postHooks:           postHooks,
	}
}

// Logic is an implementation of the TrackerLogic that functions by
// executing a series of middleware hooks.
type Logic struct {
	announceInterval    time.Duration
	minAnnounceInterval time.Duration
	trackerID           string
	peerStore           storage.PeerStore
	preHooks            []Hook
	postHooks           []Hook
}

// HandleAnnounce generates a response for an Announce.
func (l *Logic) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest) (_ context.Context, resp *bittorrent.AnnounceResponse, err error) {
	resp = &bittorrent.AnnounceResponse{
		Interval:    l.announceInterval,
		MinInterval: l.minAnnounceInterval,
		TrackerID:   l.trackerID,
		Compact:     req.Compact,
	}
	if resp.TrackerID == "" {
		resp.TrackerID = req.TrackerID
	}

	for _, h := range l.preHooks {
		if ctx, err = h.HandleAnnounce(ctx, req, resp); err != nil {
			return nil, nil, err
		}
	}

	log.Debug("generated announce response", resp)
	return ctx, resp, nil
}

// AfterAnnounce does something with the results of an Announce after it has
// been completed.
func (l *Logic) AfterAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, resp *bittorrent.AnnounceResponse) {
	var err error
	for _, h := range l.postHooks {
		if ctx, err = h.HandleAnnounce(ctx, req, resp); err != nil {
			log.Error("post-announce hooks failed", log.Err(err))
			return
		}
	}
}

// HandleScrape generates a response for a Scrape.
func (l *Logic) HandleScrape(ctx context.Context, req *bittorrent.ScrapeRequest) (_ context.Context, resp *bittorrent.ScrapeResponse, err error) {
	resp = &bittorrent.ScrapeResponse{
		Files:              make([]bittorrent.Scrape, 0, len(req.InfoHashes)),
		MinRequestInterval: l.minAnnounceInterval,
	}
	for _, h := range l.preHooks {
		if ctx, err = h.HandleScrape(ctx, req, resp); err != nil {
			return nil, nil, err
		}
	}

	log.Debug("generated scrape response", resp)
	return ctx, resp, nil
}

// AfterScrape does something with the results of a Scrape after it has been
// completed.
func (l *Logic) AfterScrape(ctx context.Context, req *bittorrent.ScrapeRequest, resp *bittorrent.ScrapeResponse) {
	var err error
	for _, h := range l.postHooks {
		if ctx, err = h.HandleScrape(ctx, req, resp); err != nil {
			log.Error("post-scrape hooks failed", log.Err(err))
			return
		}
	}
}

// HandleDisconnect removes a peer from every swarm it had joined over a
// connection-oriented transport that has gone away. The swarm registry
// publishes the resulting diffs to its sinks, so credit sessions and stats
// observe the departure like any other.
func (l *Logic) HandleDisconnect(ctx context.Context, id bittorrent.PeerID, infoHashes []bittorrent.InfoHash) {
	for _, ih := range infoHashes {
		_, err := l.peerStore.RemovePeer(ih, id)
		if err != nil && err != storage.ErrResourceDoesNotExist {
			log.Error("failed to remove disconnected peer", log.Err(err), log.Fields{
				"infoHash": ih,
				"peerID":   id,
			})
		}
	}
}

// Stop stops the Logic.
//
// This stops any hooks that implement stop.Stopper.
func (l *Logic) Stop() stop.Result {
	stopGroup := stop.NewGroup()
	for _, hook := range l.preHooks {
		stoppable, ok := hook.(stop.Stopper)
		if ok {
			stopGroup.Add(stoppable)
		}
	}

	for _, hook := range l.postHooks {
		stoppable, ok := hook.(stop.Stopper)
		if ok {
			stopGroup.Add(stoppable)
		}
	}

	return stopGroup.Stop()
}

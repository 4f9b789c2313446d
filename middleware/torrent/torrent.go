// Package torrent implements a Hook that looks announced infohashes up in
// the torrent repository.
//
// Registered torrents are attached to the request context so the credit
// engine can apply their multipliers. Unregistered infohashes are rejected
// when the tracker is configured to serve only registered torrents, and
// private torrents are rejected unless an earlier hook authenticated the
// announcing user.
package torrent

import (
	"context"
	"time"

	"github.com/hachi/hachi/bittorrent"
	"github.com/hachi/hachi/middleware"
	"github.com/hachi/hachi/pkg/log"
	"github.com/hachi/hachi/repository"
)

// Name is the name by which this middleware is registered.
const Name = "torrent registry"

const defaultTimeout = time.Second

// ErrUnregisteredTorrent is returned for infohashes the repository does not
// know when the tracker requires registration.
var ErrUnregisteredTorrent = bittorrent.ClientError("unregistered torrent")

// ErrPrivateTorrent is returned for private torrents announced without an
// authenticated user.
var ErrPrivateTorrent = bittorrent.ClientError("private torrent requires authentication")

// Config represents all the values required by this middleware to check
// announced torrents against the repository.
type Config struct {
	// RequireRegistered rejects announces for infohashes the repository
	// does not know. Leave it off to track unregistered swarms without
	// crediting them.
	RequireRegistered bool `yaml:"require_registered"`

	// Timeout bounds the repository lookup.
	Timeout time.Duration `yaml:"timeout"`
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"requireRegistered": cfg.RequireRegistered,
		"timeout":           cfg.Timeout,
	}
}

// Validate sanity checks values set in a config and returns a new config
// with default values replacing anything that is invalid.
//
// This function warns to the logger when a value is changed.
func (cfg Config) Validate() Config {
	validcfg := cfg

	if cfg.Timeout <= 0 {
		validcfg.Timeout = defaultTimeout
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".Timeout",
			"provided": cfg.Timeout,
			"default":  validcfg.Timeout,
		})
	}

	return validcfg
}

type hook struct {
	cfg      Config
	torrents repository.TorrentRepo
}

// NewHook returns an instance of the torrent registry middleware backed by
// the provided torrent repository.
func NewHook(cfg Config, torrents repository.TorrentRepo) middleware.Hook {
	return &hook{
		cfg:      cfg.Validate(),
		torrents: torrents,
	}
}

func (h *hook) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, resp *bittorrent.AnnounceResponse) (context.Context, error) {
	rctx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
	defer cancel()

	tor, err := h.torrents.Lookup(rctx, req.InfoHash)
	switch {
	case err == repository.ErrNotFound:
		if h.cfg.RequireRegistered {
			return ctx, ErrUnregisteredTorrent
		}
		return ctx, nil
	case err != nil:
		log.Error("failed to look up torrent", log.Err(err))
		return ctx, err
	}

	if tor.Private {
		if _, authed := middleware.UserFromContext(ctx); !authed {
			return ctx, ErrPrivateTorrent
		}
	}

	return middleware.WithTorrent(ctx, tor), nil
}

func (h *hook) HandleScrape(ctx context.Context, req *bittorrent.ScrapeRequest, resp *bittorrent.ScrapeResponse) (context.Context, error) {
	// Scrapes expose only aggregate counts and are served for any infohash.
	return ctx, nil
}

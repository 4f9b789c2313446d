package middleware

import (
	"context"

	"github.com/hachi/hachi/bittorrent"
	"github.com/hachi/hachi/repository"
	"github.com/hachi/hachi/storage"
)

// Hook abstracts the concept of anything that needs to interact with a
// BitTorrent client's request and response to a BitTorrent tracker.
type Hook interface {
	HandleAnnounce(context.Context, *bittorrent.AnnounceRequest, *bittorrent.AnnounceResponse) (context.Context, error)
	HandleScrape(context.Context, *bittorrent.ScrapeRequest, *bittorrent.ScrapeResponse) (context.Context, error)
}

// ErrScrapeWithoutInfoHash is the error returned for scrapes that name no
// swarm when full scrapes are disabled.
var ErrScrapeWithoutInfoHash = bittorrent.ClientError("scrape requires at least one info_hash")

type userContextKey struct{}

// WithUser stores the user resolved from the request's auth token in the
// context for hooks further down the chain.
func WithUser(ctx context.Context, u *repository.User) context.Context {
	return context.WithValue(ctx, userContextKey{}, u)
}

// UserFromContext returns the user an earlier hook resolved, if any.
func UserFromContext(ctx context.Context) (*repository.User, bool) {
	u, ok := ctx.Value(userContextKey{}).(*repository.User)
	return u, ok
}

type torrentContextKey struct{}

// WithTorrent stores the torrent resolved from the request's infohash in the
// context for hooks further down the chain.
func WithTorrent(ctx context.Context, t *repository.Torrent) context.Context {
	return context.WithValue(ctx, torrentContextKey{}, t)
}

// TorrentFromContext returns the torrent an earlier hook resolved, if any.
func TorrentFromContext(ctx context.Context) (*repository.Torrent, bool) {
	t, ok := ctx.Value(torrentContextKey{}).(*repository.Torrent)
	return t, ok
}

type announceResultContextKey struct{}

// WithAnnounceResult returns a context carrying what the swarm interaction
// recorded for an announce.
func WithAnnounceResult(ctx context.Context, res *storage.AnnounceResult) context.Context {
	return context.WithValue(ctx, announceResultContextKey{}, res)
}

// AnnounceResultFromContext returns what the swarm interaction recorded for
// this announce: the post-announce counts and the membership diff. Post
// hooks use it to observe what actually changed.
func AnnounceResultFromContext(ctx context.Context) (*storage.AnnounceResult, bool) {
	r, ok := ctx.Value(announceResultContextKey{}).(*storage.AnnounceResult)
	return r, ok
}

// swarmHook is the built-in hook that runs last in the pre-hook chain.
// It performs the atomic swarm interaction and assembles the peer-list
// portion of the response.
type swarmHook struct {
	store           storage.PeerStore
	allowFullScrape bool
}

func (h *swarmHook) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, resp *bittorrent.AnnounceResponse) (context.Context, error) {
	res, err := h.store.Announce(req)
	if err != nil {
		return ctx, err
	}

	resp.Complete = res.Complete
	resp.Incomplete = res.Incomplete
	resp.IPv4Peers = res.IPv4Peers
	resp.IPv6Peers = res.IPv6Peers

	return WithAnnounceResult(ctx, res), nil
}

func (h *swarmHook) HandleScrape(ctx context.Context, req *bittorrent.ScrapeRequest, resp *bittorrent.ScrapeResponse) (context.Context, error) {
	if len(req.InfoHashes) == 0 {
		if !h.allowFullScrape {
			return ctx, ErrScrapeWithoutInfoHash
		}
		resp.Files = h.store.ScrapeAll()
		return ctx, nil
	}

	for _, ih := range req.InfoHashes {
		resp.Files = append(resp.Files, h.store.ScrapeSwarm(ih))
	}

	return ctx, nil
}

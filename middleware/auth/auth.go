// Package auth implements a Hook that resolves the announce token against
// the user repository and rejects banned users.
//
// The resolved user is stored in the request context so that later hooks,
// the credit engine in particular, know who is announcing. Tokens are never
// logged in full, and authentication failures are logged through a rate
// limiter so an abusive client cannot flood the log.
package auth

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/hachi/hachi/bittorrent"
	"github.com/hachi/hachi/middleware"
	"github.com/hachi/hachi/pkg/log"
	"github.com/hachi/hachi/repository"
)

// Name is the name by which this middleware is registered.
const Name = "auth"

// Default config constants.
const (
	defaultTimeout            = time.Second
	defaultFailureLogInterval = 10 * time.Second
	defaultFailureLogBurst    = 5
)

// ErrMissingToken is returned for tokenless announces when the tracker
// requires authentication.
var ErrMissingToken = bittorrent.ClientError("authentication required")

// ErrUnregisteredToken is returned when the token resolves to no user.
var ErrUnregisteredToken = bittorrent.ClientError("unregistered auth token")

// ErrBannedUser is returned when the token resolves to a banned user.
var ErrBannedUser = bittorrent.ClientError("user is banned")

// Config represents all the values required by this middleware to
// authenticate announces.
type Config struct {
	// RequireToken rejects announces that carry no token at all. Leave
	// it off for trackers that also serve public torrents.
	RequireToken bool `yaml:"require_token"`

	// Timeout bounds the repository lookup.
	Timeout time.Duration `yaml:"timeout"`

	// FailureLogInterval and FailureLogBurst bound how often failed
	// authentications are logged.
	FailureLogInterval time.Duration `yaml:"failure_log_interval"`
	FailureLogBurst    int           `yaml:"failure_log_burst"`
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"requireToken":       cfg.RequireToken,
		"timeout":            cfg.Timeout,
		"failureLogInterval": cfg.FailureLogInterval,
		"failureLogBurst":    cfg.FailureLogBurst,
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

	if cfg.FailureLogInterval <= 0 {
		validcfg.FailureLogInterval = defaultFailureLogInterval
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".FailureLogInterval",
			"provided": cfg.FailureLogInterval,
			"default":  validcfg.FailureLogInterval,
		})
	}

	if cfg.FailureLogBurst <= 0 {
		validcfg.FailureLogBurst = defaultFailureLogBurst
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".FailureLogBurst",
			"provided": cfg.FailureLogBurst,
			"default":  validcfg.FailureLogBurst,
		})
	}

	return validcfg
}

type hook struct {
	cfg      Config
	users    repository.UserRepo
	failures *rate.Limiter
}

// NewHook returns an instance of the auth middleware backed by the provided
// user repository.
func NewHook(cfg Config, users repository.UserRepo) middleware.Hook {
	validcfg := cfg.Validate()
	return &hook{
		cfg:      validcfg,
		users:    users,
		failures: rate.NewLimiter(rate.Every(validcfg.FailureLogInterval), validcfg.FailureLogBurst),
	}
}

func (h *hook) logFailure(msg string, req *bittorrent.AnnounceRequest) {
	if h.failures.Allow() {
		log.Info(msg, req)
	}
}

func (h *hook) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, resp *bittorrent.AnnounceResponse) (context.Context, error) {
	if req.AuthToken == "" {
		if h.cfg.RequireToken {
			h.logFailure("rejected tokenless announce", req)
			return ctx, ErrMissingToken
		}
		return ctx, nil
	}

	rctx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
	defer cancel()

	u, err := h.users.ResolveToken(rctx, req.AuthToken)
	switch {
	case err == repository.ErrNotFound:
		h.logFailure("rejected announce with unregistered token", req)
		return ctx, ErrUnregisteredToken
	case err != nil:
		log.Error("failed to resolve auth token", log.Err(err))
		return ctx, err
	}

	if u.Banned {
		h.logFailure("rejected announce from banned user", req)
		return ctx, ErrBannedUser
	}

	return middleware.WithUser(ctx, u), nil
}

func (h *hook) HandleScrape(ctx context.Context, req *bittorrent.ScrapeRequest, resp *bittorrent.ScrapeResponse) (context.Context, error) {
	// Scrapes expose only aggregate counts and are not authenticated.
	return ctx, nil
}

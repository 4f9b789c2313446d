// Package ratelimit implements a Hook that rejects announces from addresses
// exceeding a configured rate.
//
// Each address gets its own token bucket. Buckets idle longer than the
// configured timeout are dropped by a background janitor so the map does not
// grow with every address ever seen.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
	yaml "gopkg.in/yaml.v2"

	"github.com/hachi/hachi/bittorrent"
	"github.com/hachi/hachi/middleware"
	"github.com/hachi/hachi/pkg/log"
	"github.com/hachi/hachi/pkg/stop"
	"github.com/hachi/hachi/pkg/timecache"
)

// Name is the name by which this middleware is registered.
const Name = "rate limit"

// Default config constants.
const (
	defaultAnnouncesPerSecond = 1.0
	defaultBurst              = 8
	defaultIdleTimeout        = 5 * time.Minute
)

// ErrRateLimited is returned when an address announces faster than its
// bucket refills.
var ErrRateLimited = bittorrent.ClientError("announce rate limit exceeded")

func init() {
	middleware.RegisterDriver(Name, driver{})
}

type driver struct{}

func (d driver) NewHook(optionBytes []byte) (middleware.Hook, error) {
	var cfg Config
	err := yaml.Unmarshal(optionBytes, &cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid options for middleware %s: %s", Name, err)
	}

	return NewHook(cfg), nil
}

// Config represents all the values required by this middleware to limit
// announce rates per address.
type Config struct {
	AnnouncesPerSecond float64       `yaml:"announces_per_second"`
	Burst              int           `yaml:"burst"`
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"announcesPerSecond": cfg.AnnouncesPerSecond,
		"burst":              cfg.Burst,
		"idleTimeout":        cfg.IdleTimeout,
	}
}

// Validate sanity checks values set in a config and returns a new config
// with default values replacing anything that is invalid.
//
// This function warns to the logger when a value is changed.
func (cfg Config) Validate() Config {
	validcfg := cfg

	if cfg.AnnouncesPerSecond <= 0 {
		validcfg.AnnouncesPerSecond = defaultAnnouncesPerSecond
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".AnnouncesPerSecond",
			"provided": cfg.AnnouncesPerSecond,
			"default":  validcfg.AnnouncesPerSecond,
		})
	}

	if cfg.Burst <= 0 {
		validcfg.Burst = defaultBurst
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".Burst",
			"provided": cfg.Burst,
			"default":  validcfg.Burst,
		})
	}

	if cfg.IdleTimeout <= 0 {
		validcfg.IdleTimeout = defaultIdleTimeout
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".IdleTimeout",
			"provided": cfg.IdleTimeout,
			"default":  validcfg.IdleTimeout,
		})
	}

	return validcfg
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type hook struct {
	cfg Config

	mu      sync.Mutex
	buckets map[string]*bucket

	closing chan struct{}
	wg      sync.WaitGroup
}

// NewHook returns an instance of the rate limiting middleware.
func NewHook(cfg Config) middleware.Hook {
	h := &hook{
		cfg:     cfg.Validate(),
		buckets: make(map[string]*bucket),
		closing: make(chan struct{}),
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		t := time.NewTicker(h.cfg.IdleTimeout)
		defer t.Stop()
		for {
			select {
			case <-h.closing:
				return
			case <-t.C:
				h.dropIdleBuckets(time.Now().Add(-h.cfg.IdleTimeout))
			}
		}
	}()

	return h
}

func (h *hook) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		close(h.closing)
		h.wg.Wait()
		c.Done()
	}()
	return c.Result()
}

func (h *hook) dropIdleBuckets(cutoff time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for key, b := range h.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(h.buckets, key)
		}
	}
}

func (h *hook) take(key string) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()

	b, ok := h.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(h.cfg.AnnouncesPerSecond), h.cfg.Burst)}
		h.buckets[key] = b
	}
	b.lastSeen = timecache.Now()

	return b.limiter
}

func (h *hook) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, resp *bittorrent.AnnounceResponse) (context.Context, error) {
	if !h.take(req.IP.String()).Allow() {
		return ctx, ErrRateLimited
	}
	return ctx, nil
}

func (h *hook) HandleScrape(ctx context.Context, req *bittorrent.ScrapeRequest, resp *bittorrent.ScrapeResponse) (context.Context, error) {
	// Scrapes are far cheaper than announces and are left unlimited.
	return ctx, nil
}

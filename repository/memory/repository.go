// Package memory implements a repository that serves users and torrents
// seeded from its configuration and keeps the ledger and event stream in
// process. It backs tests and single-binary deployments that have no site
// database.
package memory

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"

	"github.com/hachi/hachi/bittorrent"
	"github.com/hachi/hachi/pkg/log"
	"github.com/hachi/hachi/pkg/stop"
	"github.com/hachi/hachi/repository"
)

// Name is the name by which this repository is registered.
const Name = "memory"

// Default config constants.
const (
	defaultLedgerCapacity = 4096
	defaultEventCapacity  = 1024
)

func init() {
	// Register the driver.
	repository.RegisterDriver(Name, driver{})
}

type driver struct{}

func (d driver) NewRepository(icfg interface{}) (repository.Repository, error) {
	// Marshal the config back into bytes.
	bytes, err := yaml.Marshal(icfg)
	if err != nil {
		return nil, err
	}

	// Unmarshal the bytes into the proper config type.
	var cfg Config
	err = yaml.Unmarshal(bytes, &cfg)
	if err != nil {
		return nil, err
	}

	return New(cfg)
}

// UserSeed configures one user served by this repository. Multipliers left
// unset default to 1; an explicit zero is meaningful and kept.
type UserSeed struct {
	Token          string   `yaml:"token"`
	ID             uint64   `yaml:"id"`
	Class          string   `yaml:"class"`
	Banned         bool     `yaml:"banned"`
	UpMultiplier   *float64 `yaml:"up_multiplier"`
	DownMultiplier *float64 `yaml:"down_multiplier"`
}

// TorrentSeed configures one registered torrent served by this repository.
// A down_multiplier of 0 marks the torrent freeleech.
type TorrentSeed struct {
	InfoHash       string   `yaml:"info_hash"`
	ID             uint64   `yaml:"id"`
	Private        bool     `yaml:"private"`
	UpMultiplier   *float64 `yaml:"up_multiplier"`
	DownMultiplier *float64 `yaml:"down_multiplier"`
}

// Config holds the configuration of a memory repository.
type Config struct {
	Users          []UserSeed    `yaml:"users"`
	Torrents       []TorrentSeed `yaml:"torrents"`
	LedgerCapacity int           `yaml:"ledger_capacity"`
	EventCapacity  int           `yaml:"event_capacity"`
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"users":          len(cfg.Users),
		"torrents":       len(cfg.Torrents),
		"ledgerCapacity": cfg.LedgerCapacity,
		"eventCapacity":  cfg.EventCapacity,
	}
}

// Validate sanity checks values set in a config and returns a new config
// with default values replacing anything that is invalid.
//
// This function warns to the logger when a value is changed.
func (cfg Config) Validate() Config {
	validcfg := cfg

	if cfg.LedgerCapacity <= 0 {
		validcfg.LedgerCapacity = defaultLedgerCapacity
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".LedgerCapacity",
			"provided": cfg.LedgerCapacity,
			"default":  validcfg.LedgerCapacity,
		})
	}

	if cfg.EventCapacity <= 0 {
		validcfg.EventCapacity = defaultEventCapacity
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".EventCapacity",
			"provided": cfg.EventCapacity,
			"default":  validcfg.EventCapacity,
		})
	}

	return validcfg
}

func multiplier(p *float64) float64 {
	if p == nil {
		return 1
	}
	return *p
}

// New creates a new repository backed by the seeds in the provided config.
func New(provided Config) (repository.Repository, error) {
	cfg := provided.Validate()

	r := &repo{
		cfg:      cfg,
		users:    make(map[string]repository.User, len(cfg.Users)),
		torrents: make(map[bittorrent.InfoHash]repository.Torrent, len(cfg.Torrents)),
	}

	for _, seed := range cfg.Users {
		if seed.Token == "" {
			return nil, errors.Errorf("user %d seeded without a token", seed.ID)
		}
		if _, dup := r.users[seed.Token]; dup {
			return nil, errors.Errorf("user %d seeded with a duplicate token", seed.ID)
		}
		r.users[seed.Token] = repository.User{
			ID:             repository.UserID(seed.ID),
			Class:          seed.Class,
			Banned:         seed.Banned,
			UpMultiplier:   multiplier(seed.UpMultiplier),
			DownMultiplier: multiplier(seed.DownMultiplier),
		}
	}

	for _, seed := range cfg.Torrents {
		ih, err := bittorrent.InfoHashFromHex(seed.InfoHash)
		if err != nil {
			return nil, errors.Wrapf(err, "torrent %d seeded with a bad infohash", seed.ID)
		}
		if _, dup := r.torrents[ih]; dup {
			return nil, errors.Errorf("torrent %d seeded with a duplicate infohash", seed.ID)
		}
		r.torrents[ih] = repository.Torrent{
			ID:             repository.TorrentID(seed.ID),
			InfoHash:       ih,
			Private:        seed.Private,
			UpMultiplier:   multiplier(seed.UpMultiplier),
			DownMultiplier: multiplier(seed.DownMultiplier),
		}
	}

	return r, nil
}

type repo struct {
	cfg Config

	// users and torrents are seeded once and never mutated, so they are
	// safe to read without the lock.
	users    map[string]repository.User
	torrents map[bittorrent.InfoHash]repository.Torrent

	mu     sync.RWMutex
	txns   []*repository.Transaction
	events []repository.Event
}

var _ repository.Repository = &repo{}

func (r *repo) ResolveToken(ctx context.Context, token string) (*repository.User, error) {
	u, ok := r.users[token]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &u, nil
}

func (r *repo) Lookup(ctx context.Context, ih bittorrent.InfoHash) (*repository.Torrent, error) {
	t, ok := r.torrents[ih]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &t, nil
}

func (r *repo) WriteTransaction(ctx context.Context, txn *repository.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.txns = append(r.txns, txn)
	if len(r.txns) > r.cfg.LedgerCapacity {
		r.txns = r.txns[len(r.txns)-r.cfg.LedgerCapacity:]
	}
	return nil
}

func (r *repo) Emit(ev repository.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, ev)
	if len(r.events) > r.cfg.EventCapacity {
		r.events = r.events[len(r.events)-r.cfg.EventCapacity:]
	}
}

// Transactions returns a copy of the retained ledger, oldest first.
func (r *repo) Transactions() []*repository.Transaction {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*repository.Transaction, len(r.txns))
	copy(out, r.txns)
	return out
}

// Events returns a copy of the retained event stream, oldest first.
func (r *repo) Events() []repository.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]repository.Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *repo) Stop() stop.Result {
	return stop.AlreadyStopped
}

// LogFields renders the current config of this repository as a set of
// Logrus fields.
func (r *repo) LogFields() log.Fields {
	return r.cfg.LogFields()
}

// Package redis implements a repository backed by redis, for sites that
// publish users and torrents into redis hashes.
//
// Users live at <prefix>user:<token> and torrents at
// <prefix>torrent:<infohash-hex>; both are plain hashes the site maintains.
// Ledger writes are queued with LPUSH and folded into per-user totals by a
// periodic flusher; a redsync mutex keeps concurrent tracker instances from
// flushing the same batch twice. Events are published to the
// <prefix>events channel.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	redigolib "github.com/gomodule/redigo/redis"
	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"

	"github.com/hachi/hachi/bittorrent"
	"github.com/hachi/hachi/pkg/log"
	"github.com/hachi/hachi/pkg/stop"
	"github.com/hachi/hachi/repository"
)

// Name is the name by which this repository is registered.
const Name = "redis"

// Default config constants.
const (
	defaultRedisBroker         = "redis://localhost:6379/0"
	defaultRedisTimeout        = 15 * time.Second
	defaultKeyPrefix           = "hachi_"
	defaultLedgerFlushInterval = 5 * time.Second
	defaultLedgerBatchSize     = 1000
	defaultLedgerLogSize       = 10000
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

// Config holds the configuration of a redis repository.
type Config struct {
	RedisBroker         string        `yaml:"redis_broker"`
	RedisReadTimeout    time.Duration `yaml:"redis_read_timeout"`
	RedisWriteTimeout   time.Duration `yaml:"redis_write_timeout"`
	RedisConnectTimeout time.Duration `yaml:"redis_connect_timeout"`
	KeyPrefix           string        `yaml:"key_prefix"`
	LedgerFlushInterval time.Duration `yaml:"ledger_flush_interval"`
	LedgerBatchSize     int           `yaml:"ledger_batch_size"`
	LedgerLogSize       int           `yaml:"ledger_log_size"`
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"redisBroker":         cfg.RedisBroker,
		"redisReadTimeout":    cfg.RedisReadTimeout,
		"redisWriteTimeout":   cfg.RedisWriteTimeout,
		"redisConnectTimeout": cfg.RedisConnectTimeout,
		"keyPrefix":           cfg.KeyPrefix,
		"ledgerFlushInterval": cfg.LedgerFlushInterval,
		"ledgerBatchSize":     cfg.LedgerBatchSize,
		"ledgerLogSize":       cfg.LedgerLogSize,
	}
}

// Validate sanity checks values set in a config and returns a new config
// with default values replacing anything that is invalid.
//
// This function warns to the logger when a value is changed.
func (cfg Config) Validate() Config {
	validcfg := cfg

	if cfg.RedisBroker == "" {
		validcfg.RedisBroker = defaultRedisBroker
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".RedisBroker",
			"provided": cfg.RedisBroker,
			"default":  validcfg.RedisBroker,
		})
	}

	if cfg.RedisReadTimeout <= 0 {
		validcfg.RedisReadTimeout = defaultRedisTimeout
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".RedisReadTimeout",
			"provided": cfg.RedisReadTimeout,
			"default":  validcfg.RedisReadTimeout,
		})
	}

	if cfg.RedisWriteTimeout <= 0 {
		validcfg.RedisWriteTimeout = defaultRedisTimeout
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".RedisWriteTimeout",
			"provided": cfg.RedisWriteTimeout,
			"default":  validcfg.RedisWriteTimeout,
		})
	}

	if cfg.RedisConnectTimeout <= 0 {
		validcfg.RedisConnectTimeout = defaultRedisTimeout
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".RedisConnectTimeout",
			"provided": cfg.RedisConnectTimeout,
			"default":  validcfg.RedisConnectTimeout,
		})
	}

	if cfg.KeyPrefix == "" {
		validcfg.KeyPrefix = defaultKeyPrefix
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".KeyPrefix",
			"provided": cfg.KeyPrefix,
			"default":  validcfg.KeyPrefix,
		})
	}

	if cfg.LedgerFlushInterval <= 0 {
		validcfg.LedgerFlushInterval = defaultLedgerFlushInterval
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".LedgerFlushInterval",
			"provided": cfg.LedgerFlushInterval,
			"default":  validcfg.LedgerFlushInterval,
		})
	}

	if cfg.LedgerBatchSize <= 0 {
		validcfg.LedgerBatchSize = defaultLedgerBatchSize
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".LedgerBatchSize",
			"provided": cfg.LedgerBatchSize,
			"default":  validcfg.LedgerBatchSize,
		})
	}

	if cfg.LedgerLogSize <= 0 {
		validcfg.LedgerLogSize = defaultLedgerLogSize
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".LedgerLogSize",
			"provided": cfg.LedgerLogSize,
			"default":  validcfg.LedgerLogSize,
		})
	}

	return validcfg
}

// New creates a new repository backed by redis.
func New(provided Config) (repository.Repository, error) {
	cfg := provided.Validate()

	u, err := parseRedisURL(cfg.RedisBroker)
	if err != nil {
		return nil, errors.Wrap(err, "redis repository: invalid broker")
	}

	r := &repo{
		cfg:     cfg,
		backend: newBackend(cfg, u),
		closing: make(chan struct{}),
	}

	conn := r.backend.open()
	defer conn.Close()
	if _, err := conn.Do("PING"); err != nil {
		return nil, errors.Wrap(err, "redis repository: unreachable broker")
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		t := time.NewTicker(cfg.LedgerFlushInterval)
		defer t.Stop()
		for {
			select {
			case <-r.closing:
				return
			case <-t.C:
				if _, err := r.flushOnce(); err != nil {
					log.Error("failed to flush ledger queue", log.Err(err))
				}
			}
		}
	}()

	return r, nil
}

// txnRecord is the wire form of a transaction in the ledger queue and log.
type txnRecord struct {
	ID         string  `json:"id"`
	UserID     uint64  `json:"user_id"`
	InfoHash   string  `json:"info_hash"`
	Type       string  `json:"type"`
	RawBytes   uint64  `json:"raw_bytes"`
	Bytes      uint64  `json:"bytes"`
	Multiplier float64 `json:"multiplier"`
	CreatedAt  int64   `json:"created_at"`
}

// eventRecord is the wire form of an event on the pubsub channel.
type eventRecord struct {
	Kind      string `json:"kind"`
	UserID    uint64 `json:"user_id"`
	InfoHash  string `json:"info_hash"`
	Detail    string `json:"detail"`
	CreatedAt int64  `json:"created_at"`
}

type repo struct {
	cfg     Config
	backend *backend

	closing  chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var _ repository.Repository = &repo{}

func (r *repo) userKey(token string) string {
	return r.cfg.KeyPrefix + "user:" + token
}

func (r *repo) torrentKey(ih bittorrent.InfoHash) string {
	return r.cfg.KeyPrefix + "torrent:" + ih.String()
}

func (r *repo) totalsKey(id repository.UserID) string {
	return fmt.Sprintf("%suser_totals:%d", r.cfg.KeyPrefix, id)
}

func (r *repo) queueKey() string     { return r.cfg.KeyPrefix + "ledger:queue" }
func (r *repo) logKey() string       { return r.cfg.KeyPrefix + "ledger:log" }
func (r *repo) flushLockKey() string { return r.cfg.KeyPrefix + "ledger:flush" }
func (r *repo) eventsChannel() string {
	return r.cfg.KeyPrefix + "events"
}

// floatField reads an optional hash field, defaulting when the site never
// set it. Multipliers default to 1 so an incomplete hash cannot silently
// turn a torrent freeleech.
func floatField(v interface{}, def float64) (float64, error) {
	if v == nil {
		return def, nil
	}
	return redigolib.Float64(v, nil)
}

func boolField(v interface{}) (bool, error) {
	if v == nil {
		return false, nil
	}
	return redigolib.Bool(v, nil)
}

func stringField(v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	return redigolib.String(v, nil)
}

func (r *repo) ResolveToken(ctx context.Context, token string) (*repository.User, error) {
	conn, err := r.backend.pool.GetContext(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	values, err := redigolib.Values(conn.Do("HMGET", r.userKey(token),
		"id", "class", "banned", "up_multiplier", "down_multiplier"))
	if err != nil {
		return nil, err
	}
	if values[0] == nil {
		return nil, repository.ErrNotFound
	}

	id, err := redigolib.Uint64(values[0], nil)
	if err != nil {
		return nil, err
	}
	class, err := stringField(values[1])
	if err != nil {
		return nil, err
	}
	banned, err := boolField(values[2])
	if err != nil {
		return nil, err
	}
	up, err := floatField(values[3], 1)
	if err != nil {
		return nil, err
	}
	down, err := floatField(values[4], 1)
	if err != nil {
		return nil, err
	}

	return &repository.User{
		ID:             repository.UserID(id),
		Class:          class,
		Banned:         banned,
		UpMultiplier:   up,
		DownMultiplier: down,
	}, nil
}

func (r *repo) Lookup(ctx context.Context, ih bittorrent.InfoHash) (*repository.Torrent, error) {
	conn, err := r.backend.pool.GetContext(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	values, err := redigolib.Values(conn.Do("HMGET", r.torrentKey(ih),
		"id", "private", "up_multiplier", "down_multiplier"))
	if err != nil {
		return nil, err
	}
	if values[0] == nil {
		return nil, repository.ErrNotFound
	}

	id, err := redigolib.Uint64(values[0], nil)
	if err != nil {
		return nil, err
	}
	private, err := boolField(values[1])
	if err != nil {
		return nil, err
	}
	up, err := floatField(values[2], 1)
	if err != nil {
		return nil, err
	}
	down, err := floatField(values[3], 1)
	if err != nil {
		return nil, err
	}

	return &repository.Torrent{
		ID:             repository.TorrentID(id),
		InfoHash:       ih,
		Private:        private,
		UpMultiplier:   up,
		DownMultiplier: down,
	}, nil
}

func (r *repo) WriteTransaction(ctx context.Context, txn *repository.Transaction) error {
	raw, err := json.Marshal(txnRecord{
		ID:         txn.ID,
		UserID:     uint64(txn.UserID),
		InfoHash:   txn.InfoHash.String(),
		Type:       string(txn.Type),
		RawBytes:   txn.RawBytes,
		Bytes:      txn.Bytes,
		Multiplier: txn.Multiplier,
		CreatedAt:  txn.CreatedAt.UnixNano(),
	})
	if err != nil {
		return err
	}

	conn, err := r.backend.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.Do("LPUSH", r.queueKey(), raw)
	return err
}

func (r *repo) Emit(ev repository.Event) {
	raw, err := json.Marshal(eventRecord{
		Kind:      ev.Kind,
		UserID:    uint64(ev.UserID),
		InfoHash:  ev.InfoHash.String(),
		Detail:    ev.Detail,
		CreatedAt: ev.CreatedAt.UnixNano(),
	})
	if err != nil {
		log.Error("failed to encode event", log.Err(err), ev)
		return
	}

	conn := r.backend.open()
	defer conn.Close()

	if _, err := conn.Do("PUBLISH", r.eventsChannel(), raw); err != nil {
		log.Error("failed to publish event", log.Err(err), ev)
	}
}

// flushOnce drains up to one batch from the ledger queue into per-user
// totals and the retained transaction log. It returns the number of
// transactions folded in.
//
// The redsync mutex makes the drain safe to run from every tracker instance
// sharing the broker; losing the race is not an error.
func (r *repo) flushOnce() (int, error) {
	mutex := r.backend.redsync.NewMutex(r.flushLockKey(),
		redsync.WithExpiry(r.cfg.LedgerFlushInterval+defaultRedisTimeout),
		redsync.WithTries(1))
	if err := mutex.Lock(); err != nil {
		log.Debug("ledger flush held by another instance", log.Err(err))
		return 0, nil
	}
	defer func() {
		if _, err := mutex.Unlock(); err != nil {
			log.Debug("failed to release ledger flush lock", log.Err(err))
		}
	}()

	conn := r.backend.open()
	defer conn.Close()

	var raws [][]byte
	for len(raws) < r.cfg.LedgerBatchSize {
		raw, err := redigolib.Bytes(conn.Do("RPOP", r.queueKey()))
		if err == redigolib.ErrNil {
			break
		}
		if err != nil {
			return 0, err
		}
		raws = append(raws, raw)
	}
	if len(raws) == 0 {
		return 0, nil
	}

	type totals struct{ uploaded, downloaded uint64 }
	agg := make(map[uint64]*totals)
	for _, raw := range raws {
		var rec txnRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			log.Error("dropping undecodable ledger entry", log.Err(err))
			continue
		}
		t := agg[rec.UserID]
		if t == nil {
			t = &totals{}
			agg[rec.UserID] = t
		}
		switch repository.TransactionType(rec.Type) {
		case repository.TransactionUpload:
			t.uploaded += rec.Bytes
		case repository.TransactionDownload:
			t.downloaded += rec.Bytes
		default:
			log.Error("dropping ledger entry of unknown type", log.Fields{"type": rec.Type})
		}
	}

	conn.Send("MULTI")
	for id, t := range agg {
		if t.uploaded > 0 {
			conn.Send("HINCRBY", r.totalsKey(repository.UserID(id)), "uploaded", t.uploaded)
		}
		if t.downloaded > 0 {
			conn.Send("HINCRBY", r.totalsKey(repository.UserID(id)), "downloaded", t.downloaded)
		}
	}
	for _, raw := range raws {
		conn.Send("RPUSH", r.logKey(), raw)
	}
	conn.Send("LTRIM", r.logKey(), -r.cfg.LedgerLogSize, -1)
	if _, err := conn.Do("EXEC"); err != nil {
		return 0, err
	}

	return len(raws), nil
}

func (r *repo) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		r.stopOnce.Do(func() { close(r.closing) })
		r.wg.Wait()

		var errs []error
		// Drain whatever the last ticks left behind.
		if _, err := r.flushOnce(); err != nil {
			errs = append(errs, err)
		}
		if err := r.backend.pool.Close(); err != nil {
			errs = append(errs, err)
		}
		c.Done(errs...)
	}()
	return c.Result()
}

// LogFields renders the current config of this repository as a set of
// Logrus fields.
func (r *repo) LogFields() log.Fields {
	return r.cfg.LogFields()
}

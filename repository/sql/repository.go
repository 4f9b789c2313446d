// Package sql implements a repository backed by a site database reachable
// through database/sql, for deployments where the tracker reads the same
// tables the website writes.
//
// With the default sqlite3 driver the schema is bootstrapped on startup;
// for any other driver the site owns the schema and the queries here only
// assume the column names.
package sql

import (
	"context"
	dbsql "database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // SQL driver.
	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"

	"github.com/hachi/hachi/bittorrent"
	"github.com/hachi/hachi/pkg/log"
	"github.com/hachi/hachi/pkg/stop"
	"github.com/hachi/hachi/repository"
)

// Name is the name by which this repository is registered.
const Name = "sql"

// Default config constants.
const (
	defaultDriver = "sqlite3"
	defaultSource = "hachi.db"
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

// Config holds the configuration of a sql repository.
type Config struct {
	Driver string `yaml:"driver"`
	Source string `yaml:"source"`
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"driver": cfg.Driver,
		"source": cfg.Source,
	}
}

// Validate sanity checks values set in a config and returns a new config
// with default values replacing anything that is invalid.
//
// This function warns to the logger when a value is changed.
func (cfg Config) Validate() Config {
	validcfg := cfg

	if cfg.Driver == "" {
		validcfg.Driver = defaultDriver
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".Driver",
			"provided": cfg.Driver,
			"default":  validcfg.Driver,
		})
	}

	if cfg.Source == "" {
		validcfg.Source = defaultSource
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".Source",
			"provided": cfg.Source,
			"default":  validcfg.Source,
		})
	}

	return validcfg
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id              INTEGER PRIMARY KEY,
	token           TEXT NOT NULL UNIQUE,
	class           TEXT NOT NULL DEFAULT '',
	banned          INTEGER NOT NULL DEFAULT 0,
	up_multiplier   REAL NOT NULL DEFAULT 1,
	down_multiplier REAL NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS torrents (
	id              INTEGER PRIMARY KEY,
	info_hash       TEXT NOT NULL UNIQUE,
	private         INTEGER NOT NULL DEFAULT 0,
	up_multiplier   REAL NOT NULL DEFAULT 1,
	down_multiplier REAL NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS transactions (
	id         TEXT PRIMARY KEY,
	user_id    INTEGER NOT NULL,
	info_hash  TEXT NOT NULL,
	type       TEXT NOT NULL,
	raw_bytes  INTEGER NOT NULL,
	bytes      INTEGER NOT NULL,
	multiplier REAL NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS transactions_user ON transactions (user_id);

CREATE TABLE IF NOT EXISTS events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	kind       TEXT NOT NULL,
	user_id    INTEGER NOT NULL,
	info_hash  TEXT NOT NULL,
	detail     TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
`

// New creates a new repository backed by a sql database.
func New(provided Config) (repository.Repository, error) {
	cfg := provided.Validate()

	db, err := sqlx.Open(cfg.Driver, cfg.Source)
	if err != nil {
		return nil, errors.Wrap(err, "sql repository: open")
	}

	if cfg.Driver == defaultDriver {
		// SQLite has concurrency issues where queries result in errors
		// if more than one connection is accessing a table.
		db.SetMaxOpenConns(1)

		if _, err := db.Exec(schema); err != nil {
			_ = db.Close()
			return nil, errors.Wrap(err, "sql repository: bootstrap schema")
		}
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "sql repository: unreachable database")
	}

	return &repo{cfg: cfg, db: db}, nil
}

type repo struct {
	cfg Config
	db  *sqlx.DB
}

var _ repository.Repository = &repo{}

type userRow struct {
	ID             uint64  `db:"id"`
	Class          string  `db:"class"`
	Banned         bool    `db:"banned"`
	UpMultiplier   float64 `db:"up_multiplier"`
	DownMultiplier float64 `db:"down_multiplier"`
}

type torrentRow struct {
	ID             uint64  `db:"id"`
	InfoHash       string  `db:"info_hash"`
	Private        bool    `db:"private"`
	UpMultiplier   float64 `db:"up_multiplier"`
	DownMultiplier float64 `db:"down_multiplier"`
}

type txnRow struct {
	ID         string  `db:"id"`
	UserID     uint64  `db:"user_id"`
	InfoHash   string  `db:"info_hash"`
	Type       string  `db:"type"`
	RawBytes   uint64  `db:"raw_bytes"`
	Bytes      uint64  `db:"bytes"`
	Multiplier float64 `db:"multiplier"`
	CreatedAt  int64   `db:"created_at"`
}

func (r *repo) ResolveToken(ctx context.Context, token string) (*repository.User, error) {
	var row userRow
	err := r.db.GetContext(ctx, &row,
		"SELECT id, class, banned, up_multiplier, down_multiplier FROM users WHERE token = ?", token)
	if err == dbsql.ErrNoRows {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return &repository.User{
		ID:             repository.UserID(row.ID),
		Class:          row.Class,
		Banned:         row.Banned,
		UpMultiplier:   row.UpMultiplier,
		DownMultiplier: row.DownMultiplier,
	}, nil
}

func (r *repo) Lookup(ctx context.Context, ih bittorrent.InfoHash) (*repository.Torrent, error) {
	var row torrentRow
	err := r.db.GetContext(ctx, &row,
		"SELECT id, info_hash, private, up_multiplier, down_multiplier FROM torrents WHERE info_hash = ?", ih.String())
	if err == dbsql.ErrNoRows {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return &repository.Torrent{
		ID:             repository.TorrentID(row.ID),
		InfoHash:       ih,
		Private:        row.Private,
		UpMultiplier:   row.UpMultiplier,
		DownMultiplier: row.DownMultiplier,
	}, nil
}

func (r *repo) WriteTransaction(ctx context.Context, txn *repository.Transaction) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO transactions (
			id,
			user_id,
			info_hash,
			type,
			raw_bytes,
			bytes,
			multiplier,
			created_at
		) VALUES (
			:id,
			:user_id,
			:info_hash,
			:type,
			:raw_bytes,
			:bytes,
			:multiplier,
			:created_at
		)
	`, txnRow{
		ID:         txn.ID,
		UserID:     uint64(txn.UserID),
		InfoHash:   txn.InfoHash.String(),
		Type:       string(txn.Type),
		RawBytes:   txn.RawBytes,
		Bytes:      txn.Bytes,
		Multiplier: txn.Multiplier,
		CreatedAt:  txn.CreatedAt.UnixNano(),
	})
	return err
}

func (r *repo) Emit(ev repository.Event) {
	createdAt := ev.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := r.db.Exec(
		"INSERT INTO events (kind, user_id, info_hash, detail, created_at) VALUES (?, ?, ?, ?, ?)",
		ev.Kind, uint64(ev.UserID), ev.InfoHash.String(), ev.Detail, createdAt.UnixNano())
	if err != nil {
		log.Error("failed to record event", log.Err(err), ev)
	}
}

func (r *repo) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		if err := r.db.Close(); err != nil {
			c.Done(err)
			return
		}
		c.Done()
	}()
	return c.Result()
}

// LogFields renders the current config of this repository as a set of
// Logrus fields.
func (r *repo) LogFields() log.Fields {
	return r.cfg.LogFields()
}

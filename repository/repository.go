// Package repository defines the contracts through which the tracker reaches
// the site that owns its users and torrents: token resolution, torrent
// lookup, the credit ledger, and an observer channel for events the tracker
// reports but never enforces.
package repository

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hachi/hachi/bittorrent"
	"github.com/hachi/hachi/pkg/log"
	"github.com/hachi/hachi/pkg/stop"
)

var (
	driversM sync.RWMutex
	drivers  = make(map[string]Driver)
)

// Driver is the interface used to initialize a new type of Repository.
type Driver interface {
	NewRepository(cfg interface{}) (Repository, error)
}

// ErrNotFound is the error returned by ResolveToken and Lookup when the
// token or infohash is unknown to the backing site.
var ErrNotFound = errors.New("resource not found")

// ErrDriverDoesNotExist is the error returned by NewRepository when a
// repository driver with that name does not exist.
var ErrDriverDoesNotExist = errors.New("repository driver with that name does not exist")

// UserID identifies a user on the backing site.
type UserID uint64

// TorrentID identifies a torrent on the backing site.
type TorrentID uint64

// User is the authentication and accounting profile behind an announce
// token.
type User struct {
	ID             UserID
	Class          string
	Banned         bool
	UpMultiplier   float64
	DownMultiplier float64
}

// LogFields renders the user as a set of loggable fields.
func (u User) LogFields() log.Fields {
	return log.Fields{
		"userID":    u.ID,
		"userClass": u.Class,
		"banned":    u.Banned,
	}
}

// Torrent is the tracker-relevant slice of a torrent registered on the
// backing site. A DownMultiplier of zero marks a freeleech torrent.
type Torrent struct {
	ID             TorrentID
	InfoHash       bittorrent.InfoHash
	Private        bool
	UpMultiplier   float64
	DownMultiplier float64
}

// LogFields renders the torrent as a set of loggable fields.
func (t Torrent) LogFields() log.Fields {
	return log.Fields{
		"torrentID": t.ID,
		"infoHash":  t.InfoHash.String(),
		"private":   t.Private,
	}
}

// TransactionType discriminates the two directions a transaction can
// credit.
type TransactionType string

// The two directions of transfer a transaction can record.
const (
	TransactionUpload   TransactionType = "upload"
	TransactionDownload TransactionType = "download"
)

// Transaction is one credit mutation produced by the credit engine. Bytes
// carries the already-multiplied amount; RawBytes and Multiplier are kept so
// the site can audit how it was derived.
type Transaction struct {
	ID         string
	UserID     UserID
	InfoHash   bittorrent.InfoHash
	Type       TransactionType
	RawBytes   uint64
	Bytes      uint64
	Multiplier float64
	CreatedAt  time.Time
}

// LogFields renders the transaction as a set of loggable fields.
func (t *Transaction) LogFields() log.Fields {
	return log.Fields{
		"txnID":      t.ID,
		"userID":     t.UserID,
		"infoHash":   t.InfoHash.String(),
		"type":       t.Type,
		"rawBytes":   t.RawBytes,
		"bytes":      t.Bytes,
		"multiplier": t.Multiplier,
	}
}

// Event is a fact the tracker wants the site to know about but does not act
// on itself, such as a suspicion flag raised by the credit engine.
type Event struct {
	Kind      string
	UserID    UserID
	InfoHash  bittorrent.InfoHash
	Detail    string
	CreatedAt time.Time
}

// LogFields renders the event as a set of loggable fields.
func (e Event) LogFields() log.Fields {
	return log.Fields{
		"kind":     e.Kind,
		"userID":   e.UserID,
		"infoHash": e.InfoHash.String(),
		"detail":   e.Detail,
	}
}

// UserRepo resolves announce tokens into users.
//
// Implementations of ResolveToken must return ErrNotFound for unknown
// tokens and must never log the full token.
type UserRepo interface {
	ResolveToken(ctx context.Context, token string) (*User, error)
}

// TorrentRepo resolves infohashes into registered torrents.
//
// Implementations of Lookup must return ErrNotFound for unregistered
// infohashes.
type TorrentRepo interface {
	Lookup(ctx context.Context, ih bittorrent.InfoHash) (*Torrent, error)
}

// Ledger persists credit transactions. Writes are issued by a retrying
// dispatcher, so implementations should fail fast rather than block an
// announce.
type Ledger interface {
	WriteTransaction(ctx context.Context, txn *Transaction) error
}

// Observer receives events. Emit is fire-and-forget: implementations log
// delivery failures and never return them.
type Observer interface {
	Emit(ev Event)
}

// Repository is the full site-facing surface a driver provides.
type Repository interface {
	UserRepo
	TorrentRepo
	Ledger
	Observer

	// stop.Stopper is an interface that expects a Stop method to stop the
	// Repository.
	stop.Stopper
}

// RegisterDriver makes a Driver available by the provided name.
//
// If called twice with the same name, the name is blank, or if the provided
// Driver is nil, this function panics.
func RegisterDriver(name string, d Driver) {
	if name == "" {
		panic("repository: could not register a Driver with an empty name")
	}
	if d == nil {
		panic("repository: could not register a nil Driver")
	}

	driversM.Lock()
	defer driversM.Unlock()

	if _, dup := drivers[name]; dup {
		panic("repository: RegisterDriver called twice for " + name)
	}

	drivers[name] = d
}

// NewRepository attempts to initialize a new Repository instance from the
// list of registered Drivers.
//
// If a driver does not exist, returns ErrDriverDoesNotExist.
func NewRepository(name string, cfg interface{}) (r Repository, err error) {
	driversM.RLock()
	defer driversM.RUnlock()

	var d Driver
	d, ok := drivers[name]
	if !ok {
		return nil, ErrDriverDoesNotExist
	}

	return d.NewRepository(cfg)
}

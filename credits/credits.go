// Package credits implements the tracker's credit engine.
//
// The engine watches accepted announces and turns counter movement into
// ledger transactions. For each (user, infohash) pair it keeps a session
// holding the counters of the previous announce; the delta between two
// announces inside the same session is the amount credited, after the
// user-class and per-torrent multipliers are applied. Sessions end when a
// peer stops, is evicted or expires, or simply stays silent past the reset
// threshold; a counter that moves backwards starts a new session because the
// client evidently restarted.
//
// Ledger writes are best-effort: they are queued and retried with
// exponential backoff off the announce path, and a write that ultimately
// fails is logged and dropped, never surfaced to the client.
//
// Announces that look like cheating (upload reported into a swarm with no
// possible recipient, upload beyond what the configured link capacity allows,
// counters moving backwards, announces arriving faster than the configured
// floor) raise events through the repository's observer. They are reported,
// never enforced.
package credits

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/cenkalti/backoff"
	uuid "github.com/satori/go.uuid"

	"github.com/hachi/hachi/bittorrent"
	"github.com/hachi/hachi/middleware"
	"github.com/hachi/hachi/pkg/log"
	"github.com/hachi/hachi/pkg/stop"
	"github.com/hachi/hachi/repository"
	"github.com/hachi/hachi/storage"
)

// Name is the name by which this component appears in configuration and
// logs.
const Name = "credits"

// Default config constants.
const (
	defaultSessionResetThreshold = 30 * time.Minute
	defaultUploadRewardRate      = 1.0
	defaultQueueSize             = 1024
	defaultWriteTimeout          = 5 * time.Second
	defaultWriteRetries          = 5
)

// Kinds of events the engine emits through the repository's observer.
const (
	// EventCounterDecrease flags a transfer counter that moved backwards.
	EventCounterDecrease = "suspicion.counter_decrease"

	// EventNoRecipient flags upload reported into a swarm where no other
	// peer could have received the bytes.
	EventNoRecipient = "suspicion.no_recipient"

	// EventLinkCapacity flags upload beyond link_capacity x elapsed.
	EventLinkCapacity = "suspicion.link_capacity"

	// EventAnnounceRate flags announces arriving faster than the floor.
	EventAnnounceRate = "suspicion.announce_rate"

	// EventSessionEvicted notes a session closed because its peer was
	// pushed out of a full swarm.
	EventSessionEvicted = "session.evicted"

	// EventSessionExpired notes a session closed because its peer's TTL
	// lapsed.
	EventSessionExpired = "session.expired"
)

// Config represents all the values required by the credit engine to turn
// announces into ledger transactions.
type Config struct {
	// SessionResetThreshold is the longest silence after which an
	// announce still continues its session.
	SessionResetThreshold time.Duration `yaml:"session_reset_threshold"`

	// UploadRewardRate scales upload credit. Download credit is scaled
	// only by the user-class and per-torrent multipliers.
	UploadRewardRate float64 `yaml:"upload_reward_rate"`

	// LinkCapacity, in bytes per second, caps the upload rate considered
	// physically plausible. Zero disables the heuristic.
	LinkCapacity uint64 `yaml:"link_capacity"`

	// AnnounceFloor flags announces arriving faster than this interval.
	// Zero disables the heuristic.
	AnnounceFloor time.Duration `yaml:"announce_floor"`

	// QueueSize bounds the number of transactions waiting for the ledger.
	QueueSize int `yaml:"queue_size"`

	// WriteTimeout bounds a single ledger write attempt; WriteRetries is
	// how often a failed write is retried before it is dropped.
	WriteTimeout time.Duration `yaml:"write_timeout"`
	WriteRetries int           `yaml:"write_retries"`
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"sessionResetThreshold": cfg.SessionResetThreshold,
		"uploadRewardRate":      cfg.UploadRewardRate,
		"linkCapacity":          cfg.LinkCapacity,
		"announceFloor":         cfg.AnnounceFloor,
		"queueSize":             cfg.QueueSize,
		"writeTimeout":          cfg.WriteTimeout,
		"writeRetries":          cfg.WriteRetries,
	}
}

// Validate sanity checks values set in a config and returns a new config
// with default values replacing anything that is invalid.
//
// This function warns to the logger when a value is changed.
func (cfg Config) Validate() Config {
	validcfg := cfg

	if cfg.SessionResetThreshold <= 0 {
		validcfg.SessionResetThreshold = defaultSessionResetThreshold
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".SessionResetThreshold",
			"provided": cfg.SessionResetThreshold,
			"default":  validcfg.SessionResetThreshold,
		})
	}

	if cfg.UploadRewardRate <= 0 {
		validcfg.UploadRewardRate = defaultUploadRewardRate
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".UploadRewardRate",
			"provided": cfg.UploadRewardRate,
			"default":  validcfg.UploadRewardRate,
		})
	}

	if cfg.QueueSize <= 0 {
		validcfg.QueueSize = defaultQueueSize
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".QueueSize",
			"provided": cfg.QueueSize,
			"default":  validcfg.QueueSize,
		})
	}

	if cfg.WriteTimeout <= 0 {
		validcfg.WriteTimeout = defaultWriteTimeout
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".WriteTimeout",
			"provided": cfg.WriteTimeout,
			"default":  validcfg.WriteTimeout,
		})
	}

	if cfg.WriteRetries <= 0 {
		validcfg.WriteRetries = defaultWriteRetries
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".WriteRetries",
			"provided": cfg.WriteRetries,
			"default":  validcfg.WriteRetries,
		})
	}

	return validcfg
}

type sessionKey struct {
	userID   repository.UserID
	infoHash bittorrent.InfoHash
}

type peerKey struct {
	infoHash bittorrent.InfoHash
	peerID   bittorrent.PeerID
}

type session struct {
	peerID         bittorrent.PeerID
	lastUploaded   uint64
	lastDownloaded uint64
	lastAnnounce   time.Time
}

// Engine watches announces as a post hook and swarm membership as a diff
// sink, and writes the resulting transactions through the ledger.
type Engine struct {
	cfg      Config
	ledger   repository.Ledger
	observer repository.Observer
	clk      clock.Clock

	mu       sync.Mutex
	sessions map[sessionKey]*session
	owners   map[peerKey]repository.UserID
	stopped  bool

	pending chan *repository.Transaction
	closing chan struct{}
	wg      sync.WaitGroup
}

var (
	_ middleware.Hook  = &Engine{}
	_ storage.DiffSink = &Engine{}
	_ stop.Stopper     = &Engine{}
)

// New creates a credit engine writing through the given ledger and observer.
// Pass clock.New() outside of tests.
func New(provided Config, ledger repository.Ledger, observer repository.Observer, clk clock.Clock) *Engine {
	cfg := provided.Validate()

	e := &Engine{
		cfg:      cfg,
		ledger:   ledger,
		observer: observer,
		clk:      clk,
		sessions: make(map[sessionKey]*session),
		owners:   make(map[peerKey]repository.UserID),
		pending:  make(chan *repository.Transaction, cfg.QueueSize),
		closing:  make(chan struct{}),
	}

	e.wg.Add(2)
	go e.flusher()
	go e.janitor()

	return e
}

// Stop shuts the engine down, draining transactions already queued.
func (e *Engine) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		e.mu.Lock()
		stopped := e.stopped
		e.stopped = true
		e.mu.Unlock()

		if !stopped {
			close(e.closing)
		}
		e.wg.Wait()
		c.Done()
	}()
	return c.Result()
}

// HandleAnnounce credits the counter movement of an accepted announce. It
// runs after the swarm interaction, never fails the announce, and ignores
// requests that no authenticated user is attached to.
func (e *Engine) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, resp *bittorrent.AnnounceResponse) (context.Context, error) {
	u, ok := middleware.UserFromContext(ctx)
	if !ok {
		return ctx, nil
	}

	res, ok := middleware.AnnounceResultFromContext(ctx)
	if !ok {
		return ctx, nil
	}

	// The torrent is optional; unregistered swarms credit at 1x.
	tor, _ := middleware.TorrentFromContext(ctx)

	txns, events := e.record(u, tor, req, res)
	for _, txn := range txns {
		e.enqueue(txn)
	}
	for _, ev := range events {
		recordEvent(ev.Kind)
		e.observer.Emit(ev)
	}

	return ctx, nil
}

// HandleScrape is a no-op; scrapes carry no counters.
func (e *Engine) HandleScrape(ctx context.Context, req *bittorrent.ScrapeRequest, resp *bittorrent.ScrapeResponse) (context.Context, error) {
	return ctx, nil
}

// record applies one announce to its session and returns the transactions
// and observer events it produced.
func (e *Engine) record(u *repository.User, tor *repository.Torrent, req *bittorrent.AnnounceRequest, res *storage.AnnounceResult) ([]*repository.Transaction, []repository.Event) {
	now := e.clk.Now()

	upMul := e.cfg.UploadRewardRate * u.UpMultiplier
	downMul := u.DownMultiplier
	if tor != nil {
		upMul *= tor.UpMultiplier
		downMul *= tor.DownMultiplier
	}

	var (
		txns   []*repository.Transaction
		events []repository.Event
	)

	key := sessionKey{u.ID, req.InfoHash}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return nil, nil
	}

	s, ok := e.sessions[key]
	if !ok && req.Event == bittorrent.Stopped {
		// A stop for a session never seen contributes nothing.
		return nil, nil
	}

	var (
		dUp, dDown uint64
		elapsed    time.Duration
		continued  bool
	)
	if ok {
		elapsed = now.Sub(s.lastAnnounce)
		decreased := req.Uploaded < s.lastUploaded || req.Downloaded < s.lastDownloaded
		if decreased {
			events = append(events, repository.Event{
				Kind:     EventCounterDecrease,
				UserID:   u.ID,
				InfoHash: req.InfoHash,
				Detail: fmt.Sprintf("uploaded %d -> %d, downloaded %d -> %d",
					s.lastUploaded, req.Uploaded, s.lastDownloaded, req.Downloaded),
				CreatedAt: now,
			})
		}

		if e.cfg.AnnounceFloor > 0 && elapsed < e.cfg.AnnounceFloor {
			events = append(events, repository.Event{
				Kind:      EventAnnounceRate,
				UserID:    u.ID,
				InfoHash:  req.InfoHash,
				Detail:    fmt.Sprintf("announced again after %s", elapsed),
				CreatedAt: now,
			})
		}

		// A decrease or a silence past the threshold starts a new
		// session contributing zero.
		if !decreased && elapsed < e.cfg.SessionResetThreshold {
			continued = true
			dUp = req.Uploaded - s.lastUploaded
			dDown = req.Downloaded - s.lastDownloaded
		}
	}

	if continued && dUp > 0 {
		// Complete and Incomplete include the requester, so discount it
		// unless the stop already removed it from the counts.
		recipients := int64(res.Incomplete)
		if req.Left > 0 && req.Event != bittorrent.Stopped {
			recipients--
		}
		if recipients <= 0 {
			events = append(events, repository.Event{
				Kind:      EventNoRecipient,
				UserID:    u.ID,
				InfoHash:  req.InfoHash,
				Detail:    fmt.Sprintf("reported %d bytes uploaded with no possible recipient", dUp),
				CreatedAt: now,
			})
		}

		if e.cfg.LinkCapacity > 0 && elapsed > 0 && float64(dUp) > float64(e.cfg.LinkCapacity)*elapsed.Seconds() {
			events = append(events, repository.Event{
				Kind:      EventLinkCapacity,
				UserID:    u.ID,
				InfoHash:  req.InfoHash,
				Detail:    fmt.Sprintf("reported %d bytes uploaded in %s", dUp, elapsed),
				CreatedAt: now,
			})
		}
	}

	if dUp > 0 {
		txns = append(txns, e.transaction(u.ID, req.InfoHash, repository.TransactionUpload, dUp, upMul, now))
	}
	if dDown > 0 {
		txns = append(txns, e.transaction(u.ID, req.InfoHash, repository.TransactionDownload, dDown, downMul, now))
	}

	if req.Event == bittorrent.Stopped {
		delete(e.sessions, key)
		delete(e.owners, peerKey{req.InfoHash, s.peerID})
		delete(e.owners, peerKey{req.InfoHash, req.Peer.ID})
	} else {
		if !ok {
			s = &session{}
			e.sessions[key] = s
		} else if s.peerID != req.Peer.ID {
			delete(e.owners, peerKey{req.InfoHash, s.peerID})
		}
		s.peerID = req.Peer.ID
		s.lastUploaded = req.Uploaded
		s.lastDownloaded = req.Downloaded
		s.lastAnnounce = now
		e.owners[peerKey{req.InfoHash, req.Peer.ID}] = u.ID
	}
	PromOpenSessions.Set(float64(len(e.sessions)))

	return txns, events
}

func (e *Engine) transaction(uid repository.UserID, ih bittorrent.InfoHash, typ repository.TransactionType, raw uint64, mult float64, now time.Time) *repository.Transaction {
	return &repository.Transaction{
		ID:         uuid.NewV4().String(),
		UserID:     uid,
		InfoHash:   ih,
		Type:       typ,
		RawBytes:   raw,
		Bytes:      uint64(float64(raw) * mult),
		Multiplier: mult,
		CreatedAt:  now,
	}
}

// HandlePeerDiff closes sessions for peers the store removed on its own.
//
// Left diffs are deliberately ignored: the stop announce that caused one is
// still in flight and carries the final counters, so record owns that
// transition, and departures with no stop announce are swept by the janitor
// once the reset threshold passes.
func (e *Engine) HandlePeerDiff(d storage.PeerDiff) {
	var kind string
	switch d.Event {
	case storage.DiffEvicted:
		kind = EventSessionEvicted
	case storage.DiffExpired:
		kind = EventSessionExpired
	default:
		return
	}

	pk := peerKey{d.InfoHash, d.Peer.ID}

	e.mu.Lock()
	uid, ok := e.owners[pk]
	if ok {
		key := sessionKey{uid, d.InfoHash}
		// Only close the session if this peer still owns it; the user
		// may have rejoined under a new peer ID.
		if s, live := e.sessions[key]; live && s.peerID == d.Peer.ID {
			delete(e.sessions, key)
		}
		delete(e.owners, pk)
		PromOpenSessions.Set(float64(len(e.sessions)))
	}
	e.mu.Unlock()

	if !ok {
		return
	}

	recordEvent(kind)
	e.observer.Emit(repository.Event{
		Kind:      kind,
		UserID:    uid,
		InfoHash:  d.InfoHash,
		Detail:    "peer " + d.Peer.ID.String(),
		CreatedAt: e.clk.Now(),
	})
}

// enqueue hands a transaction to the flusher without ever blocking the
// announce path.
func (e *Engine) enqueue(txn *repository.Transaction) {
	select {
	case e.pending <- txn:
	default:
		recordTransaction(txn.Type, "dropped")
		log.Error("credit ledger queue full, dropping transaction", txn)
	}
}

func (e *Engine) flusher() {
	defer e.wg.Done()

	for {
		select {
		case txn := <-e.pending:
			e.write(txn)
		case <-e.closing:
			// Drain whatever is still queued before exiting.
			for {
				select {
				case txn := <-e.pending:
					e.write(txn)
				default:
					return
				}
			}
		}
	}
}

// write performs one ledger write with retries. Failures are logged and
// counted, never propagated.
func (e *Engine) write(txn *repository.Transaction) {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     100 * time.Millisecond,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         5 * time.Second,
		Clock:               backoff.SystemClock,
	}

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.WriteTimeout)
		defer cancel()
		return e.ledger.WriteTransaction(ctx, txn)
	}, backoff.WithMaxRetries(b, uint64(e.cfg.WriteRetries)))

	if attempts > 1 {
		PromLedgerRetries.Add(float64(attempts - 1))
	}

	if err != nil {
		recordTransaction(txn.Type, "dropped")
		log.Error("failed to write credit transaction", txn, log.Err(err))
		return
	}
	recordTransaction(txn.Type, "written")
}

func (e *Engine) janitor() {
	defer e.wg.Done()

	t := e.clk.Ticker(e.cfg.SessionResetThreshold)
	defer t.Stop()

	for {
		select {
		case <-e.closing:
			return
		case <-t.C:
			e.sweep(e.clk.Now())
		}
	}
}

// sweep drops sessions idle past the reset threshold. Their next announce
// would start a new session anyway, so nothing is lost.
func (e *Engine) sweep(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for key, s := range e.sessions {
		if now.Sub(s.lastAnnounce) >= e.cfg.SessionResetThreshold {
			delete(e.sessions, key)
			delete(e.owners, peerKey{key.infoHash, s.peerID})
		}
	}
	PromOpenSessions.Set(float64(len(e.sessions)))
}

// Package websocket implements a BitTorrent frontend for browser peers that
// speak the WebTorrent flavor of the protocol: JSON frames over a WebSocket
// connection, with WebRTC offers and answers relayed between peers by the
// tracker.
package websocket

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"

	"github.com/hachi/hachi/bittorrent"
	"github.com/hachi/hachi/frontend"
	"github.com/hachi/hachi/pkg/log"
	"github.com/hachi/hachi/pkg/stop"
)

// Default config constants.
const (
	defaultIdleTimeout  = 30 * time.Second
	defaultWriteTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser peers arrive from arbitrary page origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Config represents all of the configurable options for a WebSocket
// BitTorrent Tracker.
type Config struct {
	Addr                string        `yaml:"addr"`
	IdleTimeout         time.Duration `yaml:"idle_timeout"`
	WriteTimeout        time.Duration `yaml:"write_timeout"`
	EnableRequestTiming bool          `yaml:"enable_request_timing"`
	TrustProxy          bool          `yaml:"trust_proxy"`
	TrustedProxies      []string      `yaml:"trusted_proxies"`

	bittorrent.RequestSanitizer `yaml:",inline"`

	trustedNets []*net.IPNet
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"addr":                cfg.Addr,
		"idleTimeout":         cfg.IdleTimeout,
		"writeTimeout":        cfg.WriteTimeout,
		"enableRequestTiming": cfg.EnableRequestTiming,
		"trustProxy":          cfg.TrustProxy,
		"trustedProxies":      cfg.TrustedProxies,
		"maxNumWant":          cfg.MaxNumWant,
		"defaultNumWant":      cfg.DefaultNumWant,
		"maxScrapeInfoHashes": cfg.MaxScrapeInfoHashes,
	}
}

// Validate sanity checks values set in a config and returns a new config
// with default values replacing anything that is invalid.
//
// This function warns to the logger when a value is changed.
func (cfg Config) Validate() Config {
	validcfg := cfg
	validcfg.RequestSanitizer = cfg.RequestSanitizer.Validate()

	if cfg.IdleTimeout <= 0 {
		validcfg.IdleTimeout = defaultIdleTimeout
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "websocket.IdleTimeout",
			"provided": cfg.IdleTimeout,
			"default":  validcfg.IdleTimeout,
		})
	}

	if cfg.WriteTimeout <= 0 {
		validcfg.WriteTimeout = defaultWriteTimeout
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "websocket.WriteTimeout",
			"provided": cfg.WriteTimeout,
			"default":  validcfg.WriteTimeout,
		})
	}

	return validcfg
}

// pingPeriod keeps keepalive pings comfortably inside the idle deadline.
func (cfg Config) pingPeriod() time.Duration {
	return cfg.IdleTimeout * 9 / 10
}

// Frontend holds the state of a WebSocket BitTorrent Frontend.
type Frontend struct {
	srv     *http.Server
	hub     *hub
	closing chan struct{}
	wg      sync.WaitGroup

	logic frontend.TrackerLogic
	Config
}

// NewFrontend creates a new instance of a WebSocket Frontend that
// asynchronously serves requests.
func NewFrontend(logic frontend.TrackerLogic, provided Config) (*Frontend, error) {
	cfg := provided.Validate()

	if cfg.Addr == "" {
		return nil, errors.New("websocket: no listen address provided")
	}

	var err error
	cfg.trustedNets, err = parseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}

	f := &Frontend{
		hub:     newHub(),
		closing: make(chan struct{}),
		logic:   logic,
		Config:  cfg,
	}

	// No server-level timeouts here: they would outlive the upgrade and
	// sever long-lived sessions mid-conversation. Deadlines are managed
	// per message by the pumps.
	f.srv = &http.Server{
		Addr:    cfg.Addr,
		Handler: f.handler(),
	}

	go func() {
		if err := f.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed while serving websocket", log.Err(err))
		}
	}()

	return f, nil
}

// Stop provides a thread-safe way to shutdown a currently running Frontend.
func (t *Frontend) Stop() stop.Result {
	select {
	case <-t.closing:
		return stop.AlreadyStopped
	default:
	}

	c := make(stop.Channel)
	go func() {
		close(t.closing)
		err := t.srv.Shutdown(context.Background())
		t.hub.closeAll()
		t.wg.Wait()
		c.Done(err)
	}()

	return c.Result()
}

func (t *Frontend) handler() http.Handler {
	router := httprouter.New()
	router.GET("/", t.upgradeRoute)
	router.GET("/announce", t.upgradeRoute)
	router.GET("/announce/:token", t.upgradeRoute)
	return router
}

// upgradeRoute upgrades the HTTP request and hands the connection to its
// pumps. The peer address and any path credential are fixed at upgrade time.
func (t *Frontend) upgradeRoute(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	ip, err := remoteIP(r, t.Config)
	if err != nil {
		http.Error(w, "invalid remote address", http.StatusBadRequest)
		return
	}

	params, err := bittorrent.ParseURLData(r.RequestURI)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	token := ps.ByName("token")
	if token == "" {
		token, _ = params.String("auth_token")
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		log.Debug("websocket: failed to upgrade connection", log.Err(err))
		return
	}

	t.serveConn(conn, ip, token, params)
}

func (t *Frontend) serveConn(conn *websocket.Conn, ip bittorrent.IP, token string, params bittorrent.Params) {
	select {
	case <-t.closing:
		conn.Close()
		return
	default:
	}

	s := &session{
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		quit:   make(chan struct{}),
		front:  t,
		ip:     ip,
		token:  token,
		params: params,
		swarms: make(map[bittorrent.InfoHash]struct{}),
	}
	t.hub.add(s)

	t.wg.Add(2)
	go func() {
		defer t.wg.Done()
		s.writePump()
	}()
	go func() {
		defer t.wg.Done()
		s.readPump()
	}()
}

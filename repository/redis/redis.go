package redis

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	redsyncredigo "github.com/go-redsync/redsync/v4/redis/redigo"
	redigolib "github.com/gomodule/redigo/redis"
	"github.com/pkg/errors"
)

// backend bundles the connection pool with the distributed mutex factory
// that serializes ledger flushes across tracker instances.
type backend struct {
	pool    *redigolib.Pool
	redsync *redsync.Redsync
}

func newBackend(cfg Config, u *redisURL) *backend {
	rc := &connector{
		URL:            u,
		ReadTimeout:    cfg.RedisReadTimeout,
		WriteTimeout:   cfg.RedisWriteTimeout,
		ConnectTimeout: cfg.RedisConnectTimeout,
	}
	pool := rc.NewPool()
	return &backend{
		pool:    pool,
		redsync: redsync.New(redsyncredigo.NewPool(pool)),
	}
}

// open returns or creates an instance of a Redis connection.
func (b *backend) open() redigolib.Conn {
	return b.pool.Get()
}

type connector struct {
	URL            *redisURL
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	ConnectTimeout time.Duration
}

// NewPool returns a new pool of Redis connections
func (rc *connector) NewPool() *redigolib.Pool {
	return &redigolib.Pool{
		MaxIdle:     3,
		IdleTimeout: 240 * time.Second,
		Dial: func() (redigolib.Conn, error) {
			c, err := rc.open()
			if err != nil {
				return nil, err
			}

			if rc.URL.DB != 0 {
				_, err = c.Do("SELECT", rc.URL.DB)
				if err != nil {
					return nil, err
				}
			}

			return c, err
		},
		// PINGs connections that have been idle more than 10 seconds
		TestOnBorrow: func(c redigolib.Conn, t time.Time) error {
			if time.Since(t) < 10*time.Second {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
}

// open a new Redis connection
func (rc *connector) open() (redigolib.Conn, error) {
	opts := []redigolib.DialOption{
		redigolib.DialDatabase(rc.URL.DB),
		redigolib.DialReadTimeout(rc.ReadTimeout),
		redigolib.DialWriteTimeout(rc.WriteTimeout),
		redigolib.DialConnectTimeout(rc.ConnectTimeout),
	}

	if rc.URL.Password != "" {
		opts = append(opts, redigolib.DialPassword(rc.URL.Password))
	}

	if rc.URL.SocketPath != "" {
		return redigolib.Dial("unix", rc.URL.SocketPath, opts...)
	}

	return redigolib.Dial("tcp", rc.URL.Host, opts...)
}

// A redisURL represents a parsed redisURL
// The general form represented is:
//
//	redis://[password@]host][/][db]
//	redis-socket://[password@]path[?db=db]
type redisURL struct {
	Host       string
	SocketPath string
	Password   string
	DB         int
}

// parseRedisURL parse rawurl into redisURL
func parseRedisURL(target string) (*redisURL, error) {
	var u *url.URL
	u, err := url.Parse(target)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "redis-socket" {
		return nil, errors.New("no redis scheme found")
	}

	db := 0 // default redis db

	if u.Scheme == "redis" {
		parts := strings.Split(u.Path, "/")
		if len(parts) != 1 {
			db, err = strconv.Atoi(parts[1])
			if err != nil {
				return nil, err
			}
		}
		u.Path = ""
	}
	if u.Scheme == "redis-socket" {
		opts, err := url.ParseQuery(u.RawQuery)
		if err != nil {
			return nil, err
		}
		dbval := opts.Get("db")
		if len(dbval) != 0 {
			db, err = strconv.Atoi(dbval)
			if err != nil {
				return nil, err
			}
		}
	}

	return &redisURL{
		Host:       u.Host,
		SocketPath: u.Path,
		Password:   u.User.String(),
		DB:         db,
	}, nil
}

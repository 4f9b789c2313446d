package bittorrent

import (
	"net"

	"github.com/hachi/hachi/pkg/log"
)

// ErrInvalidIP indicates an invalid IP for an Announce.
var ErrInvalidIP = ClientError("invalid IP")

// ErrInvalidPort indicates an invalid port for an Announce.
var ErrInvalidPort = ClientError("invalid port")

// Default sanitizer constants.
const (
	defaultMaxNumWant          uint32 = 100
	defaultDefaultNumWant      uint32 = 50
	defaultMaxScrapeInfoHashes uint32 = 50
)

// RequestSanitizer is used to replace unreasonable values in requests parsed
// from a frontend into sane values.
type RequestSanitizer struct {
	MaxNumWant          uint32 `yaml:"max_numwant"`
	DefaultNumWant      uint32 `yaml:"default_numwant"`
	MaxScrapeInfoHashes uint32 `yaml:"max_scrape_infohashes"`
}

// Validate sanity checks values set in a sanitizer and returns a new
// sanitizer with default values replacing anything that is invalid.
//
// This function warns to the logger when a value is changed.
func (rs RequestSanitizer) Validate() RequestSanitizer {
	validrs := rs

	if rs.MaxNumWant == 0 {
		validrs.MaxNumWant = defaultMaxNumWant
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "sanitizer.MaxNumWant",
			"provided": rs.MaxNumWant,
			"default":  validrs.MaxNumWant,
		})
	}

	if rs.DefaultNumWant == 0 {
		validrs.DefaultNumWant = defaultDefaultNumWant
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "sanitizer.DefaultNumWant",
			"provided": rs.DefaultNumWant,
			"default":  validrs.DefaultNumWant,
		})
	}

	if rs.MaxScrapeInfoHashes == 0 {
		validrs.MaxScrapeInfoHashes = defaultMaxScrapeInfoHashes
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "sanitizer.MaxScrapeInfoHashes",
			"provided": rs.MaxScrapeInfoHashes,
			"default":  validrs.MaxScrapeInfoHashes,
		})
	}

	return validrs
}

// DisallowedIP reports whether an address can never belong to a public
// BitTorrent peer.
func DisallowedIP(ip net.IP) bool {
	return ip.IsUnspecified() || ip.IsLoopback() || ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsMulticast()
}

// SanitizeAnnounce enforces a max and default NumWant, requires a usable
// port, and coerces the peer's IP address into the proper format.
//
// WebSocket peers are exempt from the port requirement: they are reached
// through their tracker connection rather than a dialable endpoint.
func (rs *RequestSanitizer) SanitizeAnnounce(r *AnnounceRequest) error {
	if r.Port == 0 && r.Protocol != ProtocolWebSocket {
		return ErrInvalidPort
	}

	if !r.NumWantProvided {
		r.NumWant = rs.DefaultNumWant
	} else if r.NumWant > rs.MaxNumWant {
		r.NumWant = rs.MaxNumWant
	}

	if ip := r.Peer.IP.To4(); ip != nil {
		r.Peer.IP.IP = ip
		r.Peer.IP.AddressFamily = IPv4
	} else if len(r.Peer.IP.IP) == net.IPv6len { // implies r.Peer.IP.To4() == nil
		r.Peer.IP.AddressFamily = IPv6
	} else {
		return ErrInvalidIP
	}

	log.Debug("sanitized announce", r, rs)
	return nil
}

// SanitizeScrape enforces a max number of infohashes for a single scrape
// request.
func (rs *RequestSanitizer) SanitizeScrape(r *ScrapeRequest) error {
	if len(r.InfoHashes) > int(rs.MaxScrapeInfoHashes) {
		r.InfoHashes = r.InfoHashes[:rs.MaxScrapeInfoHashes]
	}

	log.Debug("sanitized scrape", r, rs)
	return nil
}

// LogFields renders the sanitizer's configuration as a set of loggable
// fields.
func (rs *RequestSanitizer) LogFields() log.Fields {
	return log.Fields{
		"maxNumWant":          rs.MaxNumWant,
		"defaultNumWant":      rs.DefaultNumWant,
		"maxScrapeInfohashes": rs.MaxScrapeInfoHashes,
	}
}

package udp

import (
	"encoding/binary"
	"net"
	"time"

	sha256 "github.com/minio/sha256-simd"

	"github.com/hachi/hachi/pkg/log"
)

// ttl is the number of seconds a connection ID should be valid according to
// BEP 15.
const ttl = 2 * time.Minute

// NewConnectionID creates an 8-byte connection identifier for UDP packets as
// described by BEP 15 bound to the source address (IP and port) of a request.
//
// The first 4 bytes of the connection identifier is a unix timestamp and the
// last 4 bytes are a truncated HMAC token created from the aforementioned
// unix timestamp and the source address of the UDP packet.
//
// Truncated HMAC is known to be safe for 2^(-n) where n is the size in bits
// of the truncated HMAC token. In this use case we have 32 bits, thus a
// forgery probability of approximately 1 in 4 billion.
func NewConnectionID(ip net.IP, port uint16, now time.Time, key string) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf, uint32(now.Unix()))

	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], port)

	mac := sha256.New()
	mac.Write(buf[:4])
	mac.Write([]byte(key))
	mac.Write(ip)
	mac.Write(portBuf[:])
	macBytes := mac.Sum(nil)[:4]
	copy(buf[4:], macBytes)

	log.Debug("generated connection ID", log.Fields{"ip": ip, "port": port, "now": now, "connID": buf})
	return buf
}

// ValidConnectionID determines whether a connection identifier is legitimate
// for the endpoint that presented it.
func ValidConnectionID(connectionID []byte, ip net.IP, port uint16, now time.Time, maxClockSkew time.Duration, key string) bool {
	ts := time.Unix(int64(binary.BigEndian.Uint32(connectionID[:4])), 0)
	log.Debug("validating connection ID", log.Fields{"connID": connectionID, "ip": ip, "port": port, "ts": ts, "now": now})
	if now.After(ts.Add(ttl)) || ts.After(now.Add(maxClockSkew)) {
		return false
	}

	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], port)

	mac := sha256.New()
	mac.Write(connectionID[:4])
	mac.Write([]byte(key))
	mac.Write(ip)
	mac.Write(portBuf[:])
	macBytes := mac.Sum(nil)[:4]

	for i, b := range macBytes {
		if connectionID[i+4] != b {
			return false
		}
	}

	return true
}

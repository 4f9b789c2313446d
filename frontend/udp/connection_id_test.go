package udp

import (
	"net"
	"testing"
	"time"
)

var golden = []struct {
	createdAt int64
	now       int64
	ip        string
	port      uint16
	key       string
	valid     bool
}{
	{0, 1, "127.0.0.1", 6881, "", true},
	{0, 420420, "127.0.0.1", 6881, "", false},
	{0, 0, "[::]", 6881, "", true},
}

func TestVerification(t *testing.T) {
	for _, tt := range golden {
		cid := NewConnectionID(net.ParseIP(tt.ip), tt.port, time.Unix(tt.createdAt, 0), tt.key)
		got := ValidConnectionID(cid, net.ParseIP(tt.ip), tt.port, time.Unix(tt.now, 0), time.Minute, tt.key)
		if got != tt.valid {
			t.Errorf("expected validity: %t got validity: %t", tt.valid, got)
		}
	}
}

func TestEndpointBinding(t *testing.T) {
	now := time.Unix(1000000, 0)
	cid := NewConnectionID(net.ParseIP("192.0.2.1"), 6881, now, "secret")

	if !ValidConnectionID(cid, net.ParseIP("192.0.2.1"), 6881, now, time.Minute, "secret") {
		t.Error("expected connection ID to validate for the endpoint it was issued to")
	}
	if ValidConnectionID(cid, net.ParseIP("192.0.2.2"), 6881, now, time.Minute, "secret") {
		t.Error("expected connection ID to be rejected for a different IP")
	}
	if ValidConnectionID(cid, net.ParseIP("192.0.2.1"), 6882, now, time.Minute, "secret") {
		t.Error("expected connection ID to be rejected for a different port")
	}
}

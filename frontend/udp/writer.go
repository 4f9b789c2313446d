package udp

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/hachi/hachi/bittorrent"
)

// WriteError writes the failure reason as a null-terminated string.
func WriteError(w io.Writer, txID []byte, err error) {
	// If the client wasn't at fault, acknowledge it.
	if _, ok := err.(bittorrent.ClientError); !ok {
		err = fmt.Errorf("internal error occurred: %s", err.Error())
	}

	buf := newBuffer()
	writeHeader(buf, txID, errorActionID)
	buf.WriteString(err.Error())
	buf.WriteRune('\000')
	w.Write(buf.Bytes())
	buf.free()
}

// WriteAnnounce encodes an announce response according to BEP 15.
// The peers returned will be resolved to either their IPv4 or IPv6 address.
func WriteAnnounce(w io.Writer, txID []byte, resp *bittorrent.AnnounceResponse, v6Peers, v6Action bool) {
	buf := newBuffer()

	if v6Action {
		writeHeader(buf, txID, announceV6ActionID)
	} else {
		writeHeader(buf, txID, announceActionID)
	}
	binary.Write(buf, binary.BigEndian, uint32(resp.Interval/time.Second))
	binary.Write(buf, binary.BigEndian, resp.Incomplete)
	binary.Write(buf, binary.BigEndian, resp.Complete)

	peers := resp.IPv4Peers
	if v6Peers {
		peers = resp.IPv6Peers
	}

	for _, peer := range peers {
		// Peers without a dialable port are of no use over UDP.
		if peer.Port == 0 {
			continue
		}
		buf.Write(peer.IP.IP)
		binary.Write(buf, binary.BigEndian, peer.Port)
	}

	w.Write(buf.Bytes())
	buf.free()
}

// WriteScrape encodes a scrape response according to BEP 15.
func WriteScrape(w io.Writer, txID []byte, resp *bittorrent.ScrapeResponse) {
	buf := newBuffer()

	writeHeader(buf, txID, scrapeActionID)

	for _, scrape := range resp.Files {
		binary.Write(buf, binary.BigEndian, scrape.Complete)
		binary.Write(buf, binary.BigEndian, scrape.Snatches)
		binary.Write(buf, binary.BigEndian, scrape.Incomplete)
	}

	w.Write(buf.Bytes())
	buf.free()
}

// WriteConnectionID encodes a new connection response according to BEP 15.
func WriteConnectionID(w io.Writer, txID, connID []byte) {
	buf := newBuffer()

	writeHeader(buf, txID, connectActionID)
	buf.Write(connID)

	w.Write(buf.Bytes())
	buf.free()
}

// writeHeader writes the action and transaction ID to the provided response
// buffer.
func writeHeader(w io.Writer, txID []byte, action uint32) {
	binary.Write(w, binary.BigEndian, action)
	w.Write(txID)
}

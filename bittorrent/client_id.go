package bittorrent

// ClientID represents the part of a PeerID that identifies a Peer's client
// software.
type ClientID [6]byte

// NewClientID parses a ClientID from a PeerID.
//
// Azureus-style peer IDs ("-AZ3034-...") yield the six bytes between the
// dashes; Shadow-style and unprefixed IDs yield the first six bytes.
func NewClientID(pid PeerID) ClientID {
	var cid ClientID
	if pid[0] == '-' {
		copy(cid[:], pid[1:7])
	} else {
		copy(cid[:], pid[:6])
	}

	return cid
}

// String implements fmt.Stringer.
func (c ClientID) String() string {
	return string(c[:])
}

package tracker

import (
	"encoding/binary"
	"net"
	"strconv"

	"github.com/pkg/errors"
)

// peerSize is one compact peer entry: 4-byte IPv4 address + 2-byte port.
const peerSize = 6

// Addr is a candidate peer address from a tracker.
type Addr struct {
	IP   net.IP
	Port uint16
}

// String formats the address for net.Dial.
func (a Addr) String() string {
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(int(a.Port)))
}

// UnmarshalPeers decodes a compact peer list. An empty blob is a valid empty
// list; a length not divisible by six is a malformed response.
func UnmarshalPeers(blob []byte) ([]Addr, error) {
	if len(blob)%peerSize != 0 {
		return nil, errors.Errorf("received malformed peers list (length %d not divisible by %d)", len(blob), peerSize)
	}

	peers := make([]Addr, 0, len(blob)/peerSize)
	for offset := 0; offset < len(blob); offset += peerSize {
		entry := blob[offset : offset+peerSize]
		peers = append(peers, Addr{
			IP:   net.IPv4(entry[0], entry[1], entry[2], entry[3]),
			Port: binary.BigEndian.Uint16(entry[4:6]),
		})
	}
	return peers, nil
}

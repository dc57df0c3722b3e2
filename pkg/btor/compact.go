package btor

import (
	"bytes"
	"encoding/binary"
	"net"
)

// ParseCompactPeers decodes the compact peer format used by
// tracker responses, PEX payloads and DHT values: 6 bytes
// per peer, a big-endian IPv4 address followed by a port.
// Trailing bytes that do not form a full entry are ignored.
func ParseCompactPeers(data []byte) []*net.TCPAddr {
	var out []*net.TCPAddr

	for i := 0; i+6 <= len(data); i += 6 {
		ip := net.IPv4(data[i], data[i+1], data[i+2], data[i+3])
		port := binary.BigEndian.Uint16(data[i+4 : i+6])

		if port == 0 {
			continue
		}

		out = append(out, &net.TCPAddr{IP: ip, Port: int(port)})
	}

	return out
}

// FormatCompactPeers encodes addrs into the 6-byte compact
// peer format. Addresses without an IPv4 form are skipped.
func FormatCompactPeers(addrs []*net.TCPAddr) []byte {
	var buf bytes.Buffer

	for _, addr := range addrs {
		ip4 := addr.IP.To4()
		if ip4 == nil {
			continue
		}

		buf.Write(ip4)
		binary.Write(&buf, binary.BigEndian, uint16(addr.Port))
	}

	return buf.Bytes()
}

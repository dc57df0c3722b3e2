package peer

import (
	"streambit/pkg/bits"
)

// Reserved-bit capabilities from the protocol handshake.
// Bit indices count from the high bit of the 8-byte reserved
// field.
const (
	ExtProtocol = 43 // BEP-10 extension protocol
	ExtFast     = 61 // BEP-6 fast extension
	ExtDHT      = 63 // BEP-5 DHT port messages
)

// Extensions is the capability set negotiated with a peer:
// the reserved bits from the plain handshake plus the
// extension message codes advertised in the peer's extended
// handshake.
type Extensions struct {
	bits  bits.BitField
	codes map[string]byte
}

func NewExtensions(reserved [8]byte) *Extensions {
	return &Extensions{
		bits:  reserved[:],
		codes: make(map[string]byte),
	}
}

func (ext *Extensions) Enable(bitIdx int) error {
	return ext.bits.Set(bitIdx)
}

func (ext *Extensions) IsEnabled(bitIdx int) bool {
	return ext.bits.Get(bitIdx)
}

func (ext *Extensions) ReservedBytes() [8]byte {
	var out [8]byte
	copy(out[:], ext.bits)
	return out
}

// SetCode records the message code the peer advertised for
// the named extension. A code of zero disables it.
func (ext *Extensions) SetCode(name string, code byte) {
	if code == 0 {
		delete(ext.codes, name)
		return
	}

	ext.codes[name] = code
}

// Code returns the peer's message code for the named
// extension. ok is false if the peer never advertised it;
// callers degrade gracefully rather than failing the
// connection.
func (ext *Extensions) Code(name string) (byte, bool) {
	code, ok := ext.codes[name]
	return code, ok
}

package bits

import "fmt"

// BitField is a compact bit-per-piece map. The first byte
// covers piece indices 0-7 from high bit to low bit, the
// next byte 8-15, and so on, matching the wire-protocol
// bitfield message layout.
type BitField []byte

func New(bits int) BitField {
	if bits%8 == 0 {
		return make([]byte, bits/8)
	}

	return make([]byte, bits/8+1)
}

// Ones returns an n-bit field with every bit set
func Ones(n int) BitField {
	bf := New(n)
	for i := 0; i < n; i++ {
		bf.Set(i)
	}

	return bf
}

// FromBytes copies data into a field sized for n bits.
// Returns an error if data has the wrong length or if any
// spare bit beyond n is set.
func FromBytes(data []byte, n int) (BitField, error) {
	bf := New(n)
	if len(data) != len(bf) {
		return nil, fmt.Errorf("bitfield length: want %d bytes got %d", len(bf), len(data))
	}

	copy(bf, data)

	for i := n; i < bf.Len(); i++ {
		if bf.Get(i) {
			return nil, fmt.Errorf("bitfield has spare bit %d set", i)
		}
	}

	return bf, nil
}

func (b BitField) Bytes() []byte {
	return []byte(b)
}

func (b BitField) Get(index int) bool {
	var (
		offset  = index / 8
		bitMask = byte(128 >> (index % 8))
	)

	if offset < 0 || offset >= len(b) {
		return false
	}

	return (b[offset] & bitMask) == bitMask
}

func (b BitField) Set(index int) error {
	var (
		offset  = index / 8
		bitMask = byte(128 >> (index % 8))
	)

	if offset < 0 || offset >= len(b) {
		return fmt.Errorf("bit %d out of bounds", index)
	}

	b[offset] |= bitMask

	return nil
}

func (b BitField) Unset(index int) error {
	var (
		offset  = index / 8
		bitMask = byte(128 >> (index % 8))
	)

	if offset < 0 || offset >= len(b) {
		return fmt.Errorf("bit %d out of bounds", index)
	}

	b[offset] &^= bitMask

	return nil
}

// Count returns the number of set bits
func (b BitField) Count() int {
	var sum int
	for _, by := range b {
		for i := 0; i < 8; i++ {
			bitMask := byte(128 >> i)
			if (by & bitMask) == bitMask {
				sum++
			}
		}
	}

	return sum
}

// Len returns the number of bits in the field
func (b BitField) Len() int {
	return len(b) * 8
}

// Indices returns the indices of the set bits in ascending
// order
func (b BitField) Indices() []int {
	var out []int
	for i, by := range b {
		if by == 0 {
			continue
		}

		for j := 0; j < 8; j++ {
			bitMask := byte(128 >> j)
			if (by & bitMask) == bitMask {
				out = append(out, i*8+j)
			}
		}
	}

	return out
}

// Copy returns an independent copy of the field
func (b BitField) Copy() BitField {
	out := make(BitField, len(b))
	copy(out, b)
	return out
}

package btcunit

import "fmt"

// VByte expresses a transaction size in virtual bytes. For the legacy
// (non-witness) transactions assembled by spendfrom this is the serialized
// size in bytes.
type VByte struct {
	vbytes uint64
}

// NewVByte creates a new VByte from a uint64 value.
func NewVByte(val uint64) VByte {
	return VByte{vbytes: val}
}

// NewVByteFromSize creates a VByte from a serialized size as returned by the
// txsizes estimators. Negative sizes are treated as zero.
func NewVByteFromSize(size int) VByte {
	if size < 0 {
		return VByte{}
	}

	return VByte{vbytes: uint64(size)}
}

// Uint64 returns the size as a plain number of vbytes.
func (v VByte) Uint64() uint64 {
	return v.vbytes
}

// String returns the string representation of the virtual byte.
func (v VByte) String() string {
	return fmt.Sprintf("%d vb", v.vbytes)
}

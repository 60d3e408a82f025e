package cab

import "encoding/binary"

// Checksum folds data into seed as little-endian 32-bit words. A trailing
// partial word is taken high byte first.
func Checksum(data []byte, seed uint32) uint32 {
	for ; len(data) >= 4; data = data[4:] {
		seed ^= binary.LittleEndian.Uint32(data)
	}
	var ul uint32
	for _, b := range data {
		ul = ul<<8 | uint32(b)
	}
	return seed ^ ul
}

// BlockChecksum is the value stored in a data block header: the checksum of
// the block's data, continued over the header's two size fields.
func BlockChecksum(hdr, data []byte) uint32 {
	return Checksum(hdr[4:8], Checksum(data, 0))
}

// Package huffman builds canonical prefix-code decoding tables for the MSZIP
// and LZX codecs.
//
// A table has 1<<bits direct entries indexed by the next bits of input.
// An entry holds either a symbol, or (for codes longer than bits) the index of
// a node pair in the overflow area that follows the direct entries. Longer
// codes are resolved by walking those nodes one input bit at a time.
package huffman

import (
	"errors"

	"github.com/elliotnunn/mscab/internal/bitstream"
)

// MaxBits is the longest code length supported.
const MaxBits = 16

var (
	ErrOversubscribed = errors.New("huffman: code lengths are over-subscribed")
	ErrIncomplete     = errors.New("huffman: code lengths are incomplete")
	ErrEmpty          = errors.New("huffman: no codes in table")
	ErrBadCode        = errors.New("huffman: invalid code in input")
)

const unused = 0xffff

type Table struct {
	bits    int
	lsb     bool
	lengths []uint8
	entries []uint16
	empty   bool
}

// Empty reports whether the table was built from all-zero lengths.
// Nothing can be decoded from an empty table.
func (t *Table) Empty() bool { return t.empty }

// Len returns the number of symbols in the alphabet.
func (t *Table) Len() int { return len(t.lengths) }

// CodeLen returns the code length of sym.
func (t *Table) CodeLen(sym int) int { return int(t.lengths[sym]) }

// Build returns a new table, see [Table.Build].
func Build(lengths []uint8, bits int, order bitstream.Order) (*Table, error) {
	t := new(Table)
	return t, t.Build(lengths, bits, order)
}

// Build replaces the contents of t. Symbols are assigned codes in order
// of increasing length, ascending symbol number within a length.
//
// All-zero lengths give an empty table and no error. A single code of length
// one is accepted although it leaves half of the code space unused, because
// deflate encoders emit exactly that for a one-symbol distance alphabet.
// Any other incomplete or over-subscribed set of lengths is an error.
func (t *Table) Build(lengths []uint8, bits int, order bitstream.Order) error {
	nsyms := len(lengths)
	t.bits = bits
	t.lsb = order == bitstream.LSB
	t.lengths = append(t.lengths[:0], lengths...)
	t.empty = false

	ncodes, lone := 0, 0
	for _, l := range lengths {
		if l != 0 {
			ncodes++
			lone = int(l)
		}
	}
	if ncodes == 0 {
		t.empty = true
		return nil
	}

	tableMask := 1 << bits
	next := max(tableMask>>1, nsyms)
	size := max(tableMask, 2*next) + 2*nsyms + 2
	if cap(t.entries) >= size {
		t.entries = t.entries[:size]
	} else {
		t.entries = make([]uint16, size)
	}
	e := t.entries

	// codes short enough for direct lookup
	pos := 0
	bitMask := tableMask >> 1
	for n := 1; n <= bits; n++ {
		for sym, l := range lengths {
			if int(l) != n {
				continue
			}
			leaf := pos
			if t.lsb {
				leaf = reverse(pos>>(bits-n), n)
			}
			if pos += bitMask; pos > tableMask {
				return ErrOversubscribed
			}
			if t.lsb {
				for fill := bitMask; fill > 0; fill-- {
					e[leaf] = uint16(sym)
					leaf += 1 << n
				}
			} else {
				for fill := bitMask; fill > 0; fill-- {
					e[leaf] = uint16(sym)
					leaf++
				}
			}
		}
		bitMask >>= 1
	}
	if pos == tableMask {
		return nil
	}

	for i := pos; i < tableMask; i++ {
		leaf := i
		if t.lsb {
			leaf = reverse(i, bits)
		}
		e[leaf] = unused
	}

	// room for codes to grow by up to 16 more bits
	pos <<= 16
	tableMask <<= 16
	bitMask = 1 << 15

	for n := bits + 1; n <= MaxBits; n++ {
		for sym, l := range lengths {
			if int(l) != n {
				continue
			}
			if pos >= tableMask {
				return ErrOversubscribed
			}
			leaf := pos >> 16
			if t.lsb {
				leaf = reverse(leaf, bits)
			}
			for fill := 0; fill < n-bits; fill++ {
				if e[leaf] == unused {
					if next<<1+1 >= len(e) {
						return ErrOversubscribed
					}
					e[next<<1] = unused
					e[next<<1+1] = unused
					e[leaf] = uint16(next)
					next++
				}
				leaf = int(e[leaf]) << 1
				if (pos>>(15-fill))&1 != 0 {
					leaf++
				}
			}
			e[leaf] = uint16(sym)
			pos += bitMask
		}
		bitMask >>= 1
	}

	switch {
	case pos == tableMask:
		return nil
	case pos > tableMask:
		return ErrOversubscribed
	case ncodes == 1 && lone == 1:
		return nil
	default:
		return ErrIncomplete
	}
}

// Decode reads one symbol. The reader's bit order must match the order the
// table was built with.
func (t *Table) Decode(r *bitstream.Reader) (int, error) {
	if t.empty {
		return 0, ErrEmpty
	}
	if err := r.Ensure(MaxBits); err != nil {
		return 0, err
	}
	bits := r.Peek(MaxBits)

	var idx uint32
	if t.lsb {
		idx = bits & (1<<t.bits - 1)
	} else {
		idx = bits >> (MaxBits - t.bits)
	}
	sym := int(t.entries[idx])
	for i := t.bits; sym >= len(t.lengths); i++ {
		if sym == unused || i >= MaxBits {
			return 0, ErrBadCode
		}
		var bit int
		if t.lsb {
			bit = int(bits>>i) & 1
		} else {
			bit = int(bits>>(MaxBits-1-i)) & 1
		}
		j := sym<<1 | bit
		if j >= len(t.entries) {
			return 0, ErrBadCode
		}
		sym = int(t.entries[j])
	}
	r.Remove(int(t.lengths[sym]))
	return sym, nil
}

func reverse(v, n int) int {
	r := 0
	for range n {
		r = r<<1 | v&1
		v >>= 1
	}
	return r
}

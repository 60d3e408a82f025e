package lzx

import "math/rand/v2"

// CabinetBlocks encodes pseudo-random data as one verbatim or aligned block
// per frame, and cuts the stream at the frame boundaries as a cabinet
// stores it.
func CabinetBlocks(seed uint64, size int, aligned bool) (blocks [][]byte, want []byte) {
	rng := rand.New(rand.NewPCG(seed, seed))
	e := newEncoder(0)
	r := [3]uint32{1, 1, 1}
	for len(want) < size {
		end := len(want) + min(size-len(want), FrameSize)
		var ops []op
		for len(want) < end {
			room := end - len(want)
			if len(want) == 0 || room < 2 || rng.IntN(3) == 0 {
				c := byte(rng.Uint32())
				if rng.IntN(2) == 0 {
					c = "abcdefgh"[rng.IntN(8)]
				}
				ops = append(ops, op{lit: string([]byte{c})})
				want = append(want, c)
				continue
			}

			o := op{slot: rng.IntN(16), len: 2 + rng.IntN(min(room, 136)-1)}
			var offset uint32
			switch o.slot {
			case 0:
				offset = r[0]
			case 1:
				r[0], r[1] = r[1], r[0]
				offset = r[0]
			case 2:
				r[0], r[2] = r[2], r[0]
				offset = r[0]
			default:
				o.extra = uint32(rng.IntN(1 << extraBits[o.slot]))
				offset = positionBase[o.slot] - 2 + o.extra
				if int(offset) > len(want) {
					continue
				}
				r = [3]uint32{offset, r[0], r[1]}
			}
			ops = append(ops, o)
			for range o.len {
				want = append(want, want[len(want)-int(offset)])
			}
		}

		if aligned {
			e.alignedBlock(ops)
		} else {
			e.verbatim(ops)
		}
		e.words()
		blocks = append(blocks, e.out)
		e.out = nil
	}
	return blocks, want
}

// Package quantum decodes the Quantum compression method of cabinet folders.
//
// Quantum is an LZ77 scheme whose literals, match selectors, lengths and
// offsets are all coded with an adaptive arithmetic coder. Raw extra bits
// for lengths and offsets are read from the same MSB-first bit stream that
// feeds the coder. Every 32768 output bytes the encoder flushes the coder,
// pads to a byte and writes a 0xFF trailer; cabinet readers add that
// trailer themselves when the cabinet lacks it.
package quantum

import (
	"io"

	"github.com/elliotnunn/mscab/internal/bitstream"
	"github.com/elliotnunn/mscab/internal/mserror"
	"github.com/elliotnunn/mscab/internal/window"
)

const FrameSize = 32768

const (
	MinWindowBits = 10
	MaxWindowBits = 21
)

const (
	numPositions = 42
	numLengths   = 27
	trailer      = 0xff
)

var (
	positionBase [numPositions]int
	extraBits    [numPositions]uint8

	lengthBase = [numLengths]int{
		0, 1, 2, 3, 4, 5, 6, 8, 10, 12, 14, 18, 22, 26,
		30, 38, 46, 54, 62, 78, 94, 110, 126, 158, 190, 222, 254,
	}
	lengthExtra = [numLengths]uint8{
		0, 0, 0, 0, 0, 0, 1, 1, 1, 1, 2, 2, 2, 2,
		3, 3, 3, 3, 4, 4, 4, 4, 5, 5, 5, 5, 0,
	}
)

func init() {
	for i := range extraBits {
		if i >= 4 {
			extraBits[i] = uint8(i/2 - 1)
		}
		if i > 0 {
			positionBase[i] = positionBase[i-1] + 1<<extraBits[i-1]
		}
	}
}

// Decompressor holds the state of one Quantum folder.
type Decompressor struct {
	br  *bitstream.Reader
	out io.Writer
	err error

	window    []byte
	windowPos int
	frameTodo int
	oPtr      int // window[oPtr:oEnd] decoded but not yet written
	oEnd      int

	h, l, c    uint16
	headerRead bool

	literal  [4]model // one per quarter of the byte range
	pos3     model    // offsets of 3-byte matches
	pos4     model    // offsets of 4-byte matches
	pos      model    // offsets of longer matches
	length   model
	selector model
}

// New returns a decompressor for a window of 1<<windowBits bytes.
func New(in io.Reader, out io.Writer, windowBits, bufSize int) (*Decompressor, error) {
	if windowBits < MinWindowBits || windowBits > MaxWindowBits {
		return nil, mserror.New(mserror.Args, "quantum", "window bits %d out of range", windowBits)
	}
	d := &Decompressor{
		br:        bitstream.NewReader(in, bitstream.MSB, bufSize),
		out:       out,
		window:    make([]byte, 1<<windowBits),
		frameTodo: FrameSize,
	}
	n := windowBits * 2
	for i := range d.literal {
		d.literal[i] = newModel(i*64, 64)
	}
	d.pos3 = newModel(0, min(n, 24))
	d.pos4 = newModel(0, min(n, 36))
	d.pos = newModel(0, n)
	d.length = newModel(0, numLengths)
	d.selector = newModel(0, 7)
	return d, nil
}

func (d *Decompressor) corrupt(format string, args ...any) error {
	d.err = mserror.New(mserror.Decrunch, "quantum", format, args...)
	return d.err
}

func (d *Decompressor) fail(err error) error {
	if mserror.KindOf(err) == 0 {
		err = mserror.Wrap(mserror.Decrunch, "quantum", err)
	}
	d.err = err
	return err
}

func (d *Decompressor) write(p []byte) error {
	if _, err := d.out.Write(p); err != nil {
		d.err = mserror.Wrap(mserror.Write, "quantum", err)
		return d.err
	}
	return nil
}

// symbol decodes one symbol with model m and adapts the model.
func (d *Decompressor) symbol(m *model) (int, error) {
	total := uint32(m.syms[0].cumfreq)
	rng := uint32(d.h-d.l) + 1
	target := uint32((int(d.c)-int(d.l)+1)*int(total)-1) / rng & 0xffff

	i := 1
	for ; i < m.entries; i++ {
		if uint32(m.syms[i].cumfreq) <= target {
			break
		}
	}
	sym := int(m.syms[i-1].sym)

	rng = uint32(d.h) - uint32(d.l) + 1
	d.h = uint16(uint32(d.l) + uint32(m.syms[i-1].cumfreq)*rng/total - 1)
	d.l = uint16(uint32(d.l) + uint32(m.syms[i].cumfreq)*rng/total)
	m.bump(i - 1)

	for {
		if d.l&0x8000 != d.h&0x8000 {
			if d.l&0x4000 == 0 || d.h&0x4000 != 0 {
				break
			}
			// underflow
			d.c ^= 0x4000
			d.l &= 0x3fff
			d.h |= 0x4000
		}
		d.l <<= 1
		d.h = d.h<<1 | 1
		b, err := d.br.Read(1)
		if err != nil {
			return 0, err
		}
		d.c = d.c<<1 | uint16(b)
	}
	return sym, nil
}

func (d *Decompressor) offset(m *model) (int, error) {
	slot, err := d.symbol(m)
	if err != nil {
		return 0, err
	}
	extra, err := d.br.Read(int(extraBits[slot]))
	if err != nil {
		return 0, err
	}
	return positionBase[slot] + int(extra) + 1, nil
}

// Decompress writes the next n bytes of the folder to the output.
func (d *Decompressor) Decompress(n int64) error {
	if n < 0 {
		return mserror.New(mserror.Args, "quantum", "negative length %d", n)
	}
	if d.err != nil {
		return d.err
	}

	if i := min(int64(d.oEnd-d.oPtr), n); i > 0 {
		if err := d.write(d.window[d.oPtr : d.oPtr+int(i)]); err != nil {
			return err
		}
		d.oPtr += int(i)
		n -= i
	}
	if n == 0 {
		return nil
	}

	win := d.window
	for int64(d.oEnd-d.oPtr) < n {
		if !d.headerRead {
			c, err := d.br.Read(16)
			if err != nil {
				return d.fail(err)
			}
			d.h, d.l, d.c = 0xffff, 0, uint16(c)
			d.headerRead = true
		}

		need := n - int64(d.oEnd-d.oPtr)
		frameEnd := d.windowPos + int(min(need, int64(d.frameTodo)))
		frameEnd = min(frameEnd, len(win))

		for d.windowPos < frameEnd {
			sel, err := d.symbol(&d.selector)
			if err != nil {
				return d.fail(err)
			}
			if sel < 4 {
				sym, err := d.symbol(&d.literal[sel])
				if err != nil {
					return d.fail(err)
				}
				win[d.windowPos] = byte(sym)
				d.windowPos++
				d.frameTodo--
				continue
			}

			var offset, length int
			switch sel {
			case 4:
				offset, err = d.offset(&d.pos3)
				length = 3
			case 5:
				offset, err = d.offset(&d.pos4)
				length = 4
			case 6:
				var slot int
				var extra uint32
				if slot, err = d.symbol(&d.length); err != nil {
					return d.fail(err)
				}
				if extra, err = d.br.Read(int(lengthExtra[slot])); err != nil {
					return d.fail(err)
				}
				length = lengthBase[slot] + int(extra) + 5
				offset, err = d.offset(&d.pos)
			default:
				return d.corrupt("bad selector %d", sel)
			}
			if err != nil {
				return d.fail(err)
			}
			d.frameTodo -= length

			if d.windowPos+length > len(win) {
				// Only a window smaller than a frame gets here. Write out
				// the window before the rest of the match overwrites it.
				first := len(win) - d.windowPos
				src := d.windowPos - offset
				window.CopyMasked(win, d.windowPos, src, first)

				pending := len(win) - d.oPtr
				if int64(pending) > n {
					return d.corrupt("window-wrapping match: %d bytes to flush but only %d wanted", pending, n)
				}
				if err := d.write(win[d.oPtr:]); err != nil {
					return err
				}
				n -= int64(pending)
				d.oPtr, d.oEnd = 0, 0

				window.CopyMasked(win, 0, src+first, length-first)
				d.windowPos = length - first
				break
			}

			if err := window.Copy(win, d.windowPos, offset, length); err != nil {
				return d.fail(err)
			}
			d.windowPos += length
		}

		d.oEnd = d.windowPos

		if d.frameTodo < 0 {
			return d.corrupt("match overshot frame by %d bytes", -d.frameTodo)
		}

		if d.frameTodo == 0 {
			d.br.Align()
			for {
				b, err := d.br.Read(8)
				if err != nil {
					return d.fail(err)
				}
				if b == trailer {
					break
				}
			}
			d.headerRead = false
			d.frameTodo = FrameSize
		}

		if d.windowPos == len(win) {
			pending := d.oEnd - d.oPtr
			if int64(pending) >= n {
				break
			}
			if err := d.write(win[d.oPtr:d.oEnd]); err != nil {
				return err
			}
			n -= int64(pending)
			d.oPtr, d.oEnd = 0, 0
			d.windowPos = 0
		}
	}

	if n > 0 {
		if err := d.write(win[d.oPtr : d.oPtr+int(n)]); err != nil {
			return err
		}
		d.oPtr += int(n)
	}
	return nil
}

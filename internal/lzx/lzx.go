// Package lzx decodes the LZX compression method of cabinet folders.
//
// The input is a stream of 16-bit little-endian words read most significant
// bit first. Output is produced in 32768-byte frames; the last frame of a
// folder is shorter, which the decoder can only know once it has been told
// the folder's total length (see [Decompressor.SetOutputLength]).
package lzx

import (
	"encoding/binary"
	"io"
	"log/slog"

	"github.com/elliotnunn/mscab/internal/bitstream"
	"github.com/elliotnunn/mscab/internal/huffman"
	"github.com/elliotnunn/mscab/internal/mserror"
	"github.com/elliotnunn/mscab/internal/window"
)

const FrameSize = 32768

const (
	minMatch          = 2
	numChars          = 256
	numPrimaryLengths = 7
	numSecondary      = 249

	blockInvalid      = 0
	blockVerbatim     = 1
	blockAligned      = 2
	blockUncompressed = 3

	pretreeSyms = 20
	pretreeBits = 6
	mainBits    = 12
	lengthSyms  = numSecondary + 1
	lengthBits  = 12
	alignedSyms = 8
	alignedBits = 7

	maxSlots    = 50
	tableSafety = 64 // length runs may overrun the end of a tree
	maxE8Frames = 32768
	minE8Frame  = 10
)

const (
	MinWindowBits = 15
	MaxWindowBits = 21
)

// position slots for window bits 15 to 21
var positionSlots = [...]int{30, 32, 34, 36, 38, 42, 50}

var (
	extraBits    [maxSlots]uint8
	positionBase [maxSlots]uint32
)

func init() {
	for i := range extraBits {
		switch {
		case i < 4:
			extraBits[i] = 0
		case i < 36:
			extraBits[i] = uint8(i/2 - 1)
		default:
			extraBits[i] = 17
		}
	}
	for i := 1; i < maxSlots; i++ {
		positionBase[i] = positionBase[i-1] + 1<<extraBits[i-1]
	}
}

// Decompressor holds the state of one LZX folder.
type Decompressor struct {
	br  *bitstream.Reader
	out io.Writer
	err error

	window        []byte
	windowPos     int
	framePos      int
	frame         int
	resetInterval int
	offset        int64 // bytes written so far
	length        int64 // total output, 0 until known
	numOffsets    int
	pending       []byte // decoded frame bytes not yet written

	r              [3]uint32
	headerRead     bool
	blockType      int
	blockLength    int
	blockRemaining int

	intelFileSize int32
	intelCurPos   int32
	intelStarted  bool
	warned        bool

	mainLen    [numChars + maxSlots*8 + tableSafety]uint8
	lengthLen  [lengthSyms + tableSafety]uint8
	alignedLen [alignedSyms]uint8
	pretreeLen [pretreeSyms]uint8
	main       huffman.Table
	lengths    huffman.Table
	aligned    huffman.Table
	pretree    huffman.Table

	e8 [FrameSize]byte
}

// New returns a decompressor for a window of 1<<windowBits bytes.
// A non-zero resetInterval resets the decoder every that many frames.
// outputLength may be 0 if the folder's length is not yet known.
func New(in io.Reader, out io.Writer, windowBits, resetInterval, bufSize int, outputLength int64) (*Decompressor, error) {
	if windowBits < MinWindowBits || windowBits > MaxWindowBits {
		return nil, mserror.New(mserror.Args, "lzx", "window bits %d out of range", windowBits)
	}
	if resetInterval < 0 || outputLength < 0 {
		return nil, mserror.New(mserror.Args, "lzx", "negative reset interval or length")
	}
	d := &Decompressor{
		br:            bitstream.NewReader(in, bitstream.MSB16, bufSize),
		out:           out,
		window:        make([]byte, 1<<windowBits),
		resetInterval: resetInterval,
		length:        outputLength,
		numOffsets:    positionSlots[windowBits-MinWindowBits] << 3,
	}
	d.resetState()
	return d, nil
}

// SetOutputLength tells the decoder the folder's total decompressed length,
// which fixes the size of the final frame.
func (d *Decompressor) SetOutputLength(n int64) {
	if n > 0 {
		d.length = n
	}
}

// Repeated returns the repeated-offset cache R0, R1, R2.
func (d *Decompressor) Repeated() [3]uint32 { return d.r }

func (d *Decompressor) resetState() {
	d.r = [3]uint32{1, 1, 1}
	d.headerRead = false
	d.blockRemaining = 0
	d.blockType = blockInvalid
	clear(d.mainLen[:])
	clear(d.lengthLen[:])
}

func (d *Decompressor) fail(err error) error {
	if mserror.KindOf(err) == 0 {
		err = mserror.Wrap(mserror.Decrunch, "lzx", err)
	}
	d.err = err
	return err
}

func (d *Decompressor) corrupt(format string, args ...any) error {
	d.err = mserror.New(mserror.Decrunch, "lzx", format, args...)
	return d.err
}

func (d *Decompressor) write(p []byte) error {
	if _, err := d.out.Write(p); err != nil {
		d.err = mserror.Wrap(mserror.Write, "lzx", err)
		return d.err
	}
	d.offset += int64(len(p))
	return nil
}

// Decompress writes the next n bytes of the folder to the output.
func (d *Decompressor) Decompress(n int64) error {
	if n < 0 {
		return mserror.New(mserror.Args, "lzx", "negative length %d", n)
	}
	if d.err != nil {
		return d.err
	}

	if i := min(int64(len(d.pending)), n); i > 0 {
		if err := d.write(d.pending[:i]); err != nil {
			return err
		}
		d.pending = d.pending[i:]
		n -= i
	}
	if n == 0 {
		return nil
	}

	endFrame := int((d.offset+n)/FrameSize) + 1
	for d.frame < endFrame {
		if d.resetInterval > 0 && d.frame%d.resetInterval == 0 {
			if d.blockRemaining > 0 && !d.warned {
				slog.Warn("lzxBadResetInterval", "frame", d.frame, "remaining", d.blockRemaining)
				d.warned = true
			}
			d.resetState()
		}

		if !d.headerRead {
			present, err := d.br.Read(1)
			if err != nil {
				return d.fail(err)
			}
			var hi, lo uint32
			if present == 1 {
				if hi, err = d.br.Read(16); err != nil {
					return d.fail(err)
				}
				if lo, err = d.br.Read(16); err != nil {
					return d.fail(err)
				}
			}
			d.intelFileSize = int32(hi<<16 | lo)
			d.headerRead = true
		}

		frameSize := FrameSize
		if d.length > 0 && d.length-d.offset < FrameSize {
			frameSize = int(d.length - d.offset)
		}

		todo := d.framePos + frameSize - d.windowPos
		for todo > 0 {
			if d.blockRemaining == 0 {
				if err := d.readBlockHeader(); err != nil {
					return d.fail(err)
				}
			}

			run := min(d.blockRemaining, todo)
			todo -= run
			d.blockRemaining -= run

			var err error
			switch d.blockType {
			case blockVerbatim, blockAligned:
				run, err = d.decodeRun(run, d.blockType == blockAligned)
			case blockUncompressed:
				err = d.copyRun(run)
				run = 0
			default:
				return d.corrupt("bad block type %d", d.blockType)
			}
			if err != nil {
				return d.fail(err)
			}

			// the last match may overrun the run, and take from the next one
			if run < 0 {
				if -run > d.blockRemaining {
					return d.corrupt("match overran block by %d bytes", -run-d.blockRemaining)
				}
				d.blockRemaining += run
			}
		}

		if d.windowPos-d.framePos != frameSize {
			return d.corrupt("decoded %d bytes into a %d byte frame", d.windowPos-d.framePos, frameSize)
		}

		if d.br.BitsLeft() > 0 {
			if err := d.br.Ensure(16); err != nil {
				return d.fail(err)
			}
		}
		d.br.Remove(d.br.BitsLeft() & 15)

		if len(d.pending) != 0 {
			return d.corrupt("%d bytes left over at new frame", len(d.pending))
		}

		frame := d.window[d.framePos : d.framePos+frameSize]
		if d.intelStarted && d.intelFileSize != 0 && d.frame < maxE8Frames && frameSize > minE8Frame {
			d.pending = d.e8[:frameSize]
			copy(d.pending, frame)
			translate(d.pending, d.intelCurPos, d.intelFileSize)
			d.intelCurPos += int32(frameSize)
		} else {
			d.pending = frame
			if d.intelFileSize != 0 {
				d.intelCurPos += int32(frameSize)
			}
		}

		i := min(n, int64(frameSize))
		if err := d.write(d.pending[:i]); err != nil {
			return err
		}
		d.pending = d.pending[i:]
		n -= i

		d.framePos += frameSize
		d.frame++
		if d.windowPos == len(d.window) {
			d.windowPos = 0
		}
		if d.framePos == len(d.window) {
			d.framePos = 0
		}
	}

	if n != 0 {
		return d.corrupt("%d bytes left to output", n)
	}
	return nil
}

func (d *Decompressor) readBlockHeader() error {
	// an odd-sized uncompressed block is followed by a pad byte
	if d.blockType == blockUncompressed && d.blockLength&1 == 1 {
		if _, err := d.br.RawByte(); err != nil {
			return err
		}
	}

	typ, err := d.br.Read(3)
	if err != nil {
		return err
	}
	hi, err := d.br.Read(16)
	if err != nil {
		return err
	}
	lo, err := d.br.Read(8)
	if err != nil {
		return err
	}
	d.blockType = int(typ)
	d.blockLength = int(hi<<8 | lo)
	d.blockRemaining = d.blockLength

	switch d.blockType {
	case blockAligned, blockVerbatim:
		if d.blockType == blockAligned {
			for i := range d.alignedLen {
				v, err := d.br.Read(3)
				if err != nil {
					return err
				}
				d.alignedLen[i] = uint8(v)
			}
			if err := d.aligned.Build(d.alignedLen[:], alignedBits, bitstream.MSB16); err != nil || d.aligned.Empty() {
				return mserror.New(mserror.Decrunch, "lzx", "bad aligned offset tree")
			}
		}

		nmain := numChars + d.numOffsets
		if err := d.readLengths(d.mainLen[:], 0, numChars); err != nil {
			return err
		}
		if err := d.readLengths(d.mainLen[:], numChars, nmain); err != nil {
			return err
		}
		if err := d.main.Build(d.mainLen[:nmain], mainBits, bitstream.MSB16); err != nil || d.main.Empty() {
			return mserror.New(mserror.Decrunch, "lzx", "bad main tree")
		}
		if d.mainLen[0xe8] != 0 {
			d.intelStarted = true
		}

		if err := d.readLengths(d.lengthLen[:], 0, numSecondary); err != nil {
			return err
		}
		// blocks without long matches may leave the length tree empty
		if err := d.lengths.Build(d.lengthLen[:lengthSyms], lengthBits, bitstream.MSB16); err != nil {
			return mserror.New(mserror.Decrunch, "lzx", "bad length tree")
		}

	case blockUncompressed:
		d.intelStarted = true

		// 1 to 16 bits of padding to the next word
		if d.br.BitsLeft() == 0 {
			if err := d.br.Ensure(16); err != nil {
				return err
			}
		}
		d.br.Discard()

		d.r = [3]uint32{1, 1, 1}
		var buf [12]byte
		for i := range buf {
			b, err := d.br.RawByte()
			if err != nil {
				return err
			}
			buf[i] = b
		}
		for i := range d.r {
			if v := binary.LittleEndian.Uint32(buf[i*4:]); v != 0 {
				d.r[i] = v
			}
		}

	default:
		return mserror.New(mserror.Decrunch, "lzx", "bad block type %d", d.blockType)
	}
	return nil
}

// readLengths updates lens[first:last] from pretree-coded deltas.
func (d *Decompressor) readLengths(lens []uint8, first, last int) error {
	for i := range d.pretreeLen {
		v, err := d.br.Read(4)
		if err != nil {
			return err
		}
		d.pretreeLen[i] = uint8(v)
	}
	if err := d.pretree.Build(d.pretreeLen[:], pretreeBits, bitstream.MSB16); err != nil || d.pretree.Empty() {
		return mserror.New(mserror.Decrunch, "lzx", "bad pretree")
	}

	for x := first; x < last; {
		z, err := d.symbol(&d.pretree)
		if err != nil {
			return err
		}

		var run uint32
		var val uint8
		switch z {
		case 17:
			run, err = d.br.Read(4)
			run += 4
		case 18:
			run, err = d.br.Read(5)
			run += 20
		case 19:
			if run, err = d.br.Read(1); err != nil {
				return err
			}
			run += 4
			z, err = d.symbol(&d.pretree)
			if err == nil && z > 16 {
				return mserror.New(mserror.Decrunch, "lzx", "bad pretree run symbol %d", z)
			}
			if x < len(lens) {
				val = uint8((int(lens[x]) + 17 - z) % 17)
			}
		default:
			lens[x] = uint8((int(lens[x]) + 17 - z) % 17)
			x++
			continue
		}
		if err != nil {
			return err
		}
		if x+int(run) > len(lens) {
			return mserror.New(mserror.Decrunch, "lzx", "code length run overflows tree")
		}
		for range run {
			lens[x] = val
			x++
		}
	}
	return nil
}

func (d *Decompressor) symbol(t *huffman.Table) (int, error) {
	sym, err := t.Decode(d.br)
	if err != nil && mserror.KindOf(err) == 0 {
		return 0, mserror.Wrap(mserror.Decrunch, "lzx", err)
	}
	return sym, err
}

// decodeRun decodes at least run bytes of a verbatim or aligned block and
// returns run minus the bytes decoded, which is negative if the last match
// went past the end of the run.
func (d *Decompressor) decodeRun(run int, alignedBlock bool) (int, error) {
	for run > 0 {
		sym, err := d.symbol(&d.main)
		if err != nil {
			return run, err
		}
		if sym < numChars {
			d.window[d.windowPos] = byte(sym)
			d.windowPos++
			run--
			continue
		}

		sym -= numChars
		length := sym & numPrimaryLengths
		if length == numPrimaryLengths {
			if d.lengths.Empty() {
				return run, mserror.New(mserror.Decrunch, "lzx", "length symbol needed but length tree is empty")
			}
			footer, err := d.symbol(&d.lengths)
			if err != nil {
				return run, err
			}
			length += footer
		}
		length += minMatch

		var offset uint32
		switch slot := sym >> 3; slot {
		case 0:
			offset = d.r[0]
		case 1:
			offset = d.r[1]
			d.r[1] = d.r[0]
			d.r[0] = offset
		case 2:
			offset = d.r[2]
			d.r[2] = d.r[0]
			d.r[0] = offset
		default:
			extra := int(extraBits[slot])
			offset = positionBase[slot] - 2
			switch {
			case !alignedBlock:
				v, err := d.br.Read(extra)
				if err != nil {
					return run, err
				}
				offset += v
			case extra > 3:
				v, err := d.br.Read(extra - 3)
				if err != nil {
					return run, err
				}
				a, err := d.symbol(&d.aligned)
				if err != nil {
					return run, err
				}
				offset += v<<3 + uint32(a)
			case extra == 3:
				a, err := d.symbol(&d.aligned)
				if err != nil {
					return run, err
				}
				offset += uint32(a)
			case extra > 0:
				v, err := d.br.Read(extra)
				if err != nil {
					return run, err
				}
				offset += v
			default:
				offset = 1
			}
			d.r[2], d.r[1], d.r[0] = d.r[1], d.r[0], offset
		}

		if d.windowPos+length > len(d.window) {
			return run, mserror.New(mserror.Decrunch, "lzx", "match runs past the end of the window")
		}
		if int(offset) > d.windowPos && int64(offset) > d.offset {
			return run, mserror.New(mserror.Decrunch, "lzx", "match offset %d before start of stream", offset)
		}
		if err := window.Copy(d.window, d.windowPos, int(offset), length); err != nil {
			return run, mserror.Wrap(mserror.Decrunch, "lzx", err)
		}
		d.windowPos += length
		run -= length
	}
	return run, nil
}

// copyRun copies stored bytes of an uncompressed block. A run never crosses
// a frame, so it never crosses the end of the window either.
func (d *Decompressor) copyRun(run int) error {
	for run > 0 {
		p, err := d.br.RawBytes(run)
		if err != nil {
			return err
		}
		copy(d.window[d.windowPos:], p)
		d.windowPos += len(p)
		run -= len(p)
	}
	return nil
}

// translate undoes the x86 CALL transform: the four bytes after each 0xE8
// were stored as an absolute target and become relative to the call again.
func translate(data []byte, curpos, filesize int32) {
	end := len(data) - minE8Frame
	for i := 0; i < end; {
		if data[i] != 0xe8 {
			i++
			curpos++
			continue
		}
		i++
		abs := int32(binary.LittleEndian.Uint32(data[i:]))
		if abs >= -curpos && abs < filesize {
			rel := abs + filesize
			if abs >= 0 {
				rel = abs - curpos
			}
			binary.LittleEndian.PutUint32(data[i:], uint32(rel))
		}
		i += 4
		curpos += 5
	}
}

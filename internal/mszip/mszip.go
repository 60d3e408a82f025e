// Package mszip decodes the MSZIP compression method of cabinet folders.
//
// Every data block of an MSZIP folder holds the signature "CK" followed by a
// complete deflate stream that decodes to at most 32768 bytes. The streams
// are not independent: each uses the previous block's output as its
// dictionary, so the 32768-byte window carries over from block to block.
package mszip

import (
	"errors"
	"io"
	"log/slog"

	"github.com/elliotnunn/mscab/internal/bitstream"
	"github.com/elliotnunn/mscab/internal/huffman"
	"github.com/elliotnunn/mscab/internal/mserror"
)

const FrameSize = 32768

const (
	litSyms  = 288
	litBits  = 9
	distSyms = 32
	distBits = 6
	lenSyms  = 19
	lenBits  = 7
)

var (
	errBlockType  = errors.New("bad block type")
	errComplement = errors.New("stored block length complement mismatch")
	errBitBuffer  = errors.New("bit buffer misaligned in stored block")
	errLitTable   = errors.New("bad literal/length code lengths")
	errDistTable  = errors.New("bad distance code lengths")
	errLenTable   = errors.New("bad code length code lengths")
	errSymLens    = errors.New("too many symbols in dynamic block")
	errBadLen     = errors.New("bad code length symbol")
	errLenOverrun = errors.New("code length run overflows alphabet")
	errLitCode    = errors.New("bad literal/length symbol")
	errDistCode   = errors.New("bad distance symbol")
	errFrame      = errors.New("block decodes to more than 32768 bytes")
)

var (
	lenBase   = [29]uint16{3, 4, 5, 6, 7, 8, 9, 10, 11, 13, 15, 17, 19, 23, 27, 31, 35, 43, 51, 59, 67, 83, 99, 115, 131, 163, 195, 227, 258}
	lenExtra  = [29]uint8{0, 0, 0, 0, 0, 0, 0, 0, 1, 1, 1, 1, 2, 2, 2, 2, 3, 3, 3, 3, 4, 4, 4, 4, 5, 5, 5, 5, 0}
	distBase  = [30]uint16{1, 2, 3, 4, 5, 7, 9, 13, 17, 25, 33, 49, 65, 97, 129, 193, 257, 385, 513, 769, 1025, 1537, 2049, 3073, 4097, 6145, 8193, 12289, 16385, 24577}
	distExtra = [30]uint8{0, 0, 0, 0, 1, 1, 2, 2, 3, 3, 4, 4, 5, 5, 6, 6, 7, 7, 8, 8, 9, 9, 10, 10, 11, 11, 12, 12, 13, 13}
	lenOrder  = [lenSyms]uint8{16, 17, 18, 0, 8, 7, 9, 6, 10, 5, 11, 4, 12, 3, 13, 2, 14, 1, 15}
)

// Decompressor holds the state of one MSZIP folder.
type Decompressor struct {
	br     *bitstream.Reader
	out    io.Writer
	repair bool
	err    error

	window   [FrameSize]byte
	pos      int // write cursor within the current frame
	produced int // bytes of the current frame already flushed
	oPtr     int // window[oPtr:oEnd] decoded but not yet written
	oEnd     int

	litLen  [litSyms]uint8
	distLen [distSyms]uint8
	lit     huffman.Table
	dist    huffman.Table
	lens    huffman.Table
}

// New returns a decompressor reading block data from in and writing to out.
// With repair set, a block that fails to inflate is replaced by zeros
// instead of stopping the folder.
func New(in io.Reader, out io.Writer, bufSize int, repair bool) *Decompressor {
	return &Decompressor{
		br:     bitstream.NewReader(in, bitstream.LSB, bufSize),
		out:    out,
		repair: repair,
	}
}

// Decompress writes the next n bytes of the folder to the output.
func (z *Decompressor) Decompress(n int64) error {
	if n < 0 {
		return mserror.New(mserror.Args, "mszip", "negative length %d", n)
	}
	if z.err != nil {
		return z.err
	}

	if i := min(int64(z.oEnd-z.oPtr), n); i > 0 {
		if err := z.write(z.window[z.oPtr : z.oPtr+int(i)]); err != nil {
			return err
		}
		z.oPtr += int(i)
		n -= i
	}

	for n > 0 {
		if err := z.findSignature(); err != nil {
			z.err = err
			return err
		}

		z.pos, z.produced = 0, 0
		err := z.inflate()
		if err != nil {
			if !z.repair {
				z.err = classify(err)
				return z.err
			}
			if z.produced == 0 && z.pos > 0 {
				z.produced = z.pos
			}
			slog.Warn("mszipDataLost", "bytes", FrameSize-z.produced, "err", err)
			clear(z.window[z.produced:])
			z.produced = FrameSize
		}
		z.oPtr, z.oEnd = 0, z.produced

		i := min(n, int64(z.produced))
		if werr := z.write(z.window[:i]); werr != nil {
			return werr
		}
		// input failures cannot be repaired
		if err != nil && mserror.KindOf(err) != 0 {
			z.err = err
			return err
		}
		z.oPtr += int(i)
		n -= i
	}
	return nil
}

func (z *Decompressor) write(p []byte) error {
	if _, err := z.out.Write(p); err != nil {
		z.err = mserror.Wrap(mserror.Write, "mszip", err)
		return z.err
	}
	return nil
}

func (z *Decompressor) findSignature() error {
	z.br.Align()
	state := 0
	for state != 2 {
		b, err := z.br.Read(8)
		if err != nil {
			return err
		}
		switch {
		case b == 'C':
			state = 1
		case state == 1 && b == 'K':
			state = 2
		default:
			state = 0
		}
	}
	return nil
}

func classify(err error) error {
	if mserror.KindOf(err) != 0 {
		return err
	}
	return mserror.Wrap(mserror.Decrunch, "mszip", err)
}

func (z *Decompressor) flush(n int) error {
	z.produced += n
	if z.produced > FrameSize {
		return errFrame
	}
	return nil
}

func (z *Decompressor) put(b byte) error {
	z.window[z.pos] = b
	z.pos++
	if z.pos == FrameSize {
		if err := z.flush(FrameSize); err != nil {
			return err
		}
		z.pos = 0
	}
	return nil
}

func (z *Decompressor) inflate() error {
	for {
		last, err := z.br.Read(1)
		if err != nil {
			return err
		}
		typ, err := z.br.Read(2)
		if err != nil {
			return err
		}

		switch typ {
		case 0:
			err = z.stored()
		case 1, 2:
			if typ == 1 {
				z.fixedLengths()
			} else if err = z.readLengths(); err != nil {
				return err
			}
			if z.lit.Build(z.litLen[:], litBits, bitstream.LSB) != nil || z.lit.Empty() {
				return errLitTable
			}
			if z.dist.Build(z.distLen[:], distBits, bitstream.LSB) != nil {
				return errDistTable
			}
			err = z.codes()
		default:
			return errBlockType
		}
		if err != nil {
			return err
		}
		if last == 1 {
			break
		}
	}

	if z.pos > 0 {
		return z.flush(z.pos)
	}
	return nil
}

func (z *Decompressor) stored() error {
	z.br.Align()
	var hdr [4]byte
	i := 0
	for ; z.br.BitsLeft() >= 8; i++ {
		if i == 4 {
			return errBitBuffer
		}
		hdr[i] = byte(z.br.Peek(8))
		z.br.Remove(8)
	}
	if z.br.BitsLeft() != 0 {
		return errBitBuffer
	}
	for ; i < 4; i++ {
		b, err := z.br.RawByte()
		if err != nil {
			return err
		}
		hdr[i] = b
	}

	length := int(hdr[0]) | int(hdr[1])<<8
	if length != ^(int(hdr[2])|int(hdr[3])<<8)&0xffff {
		return errComplement
	}

	for length > 0 {
		p, err := z.br.RawBytes(min(length, FrameSize-z.pos))
		if err != nil {
			return err
		}
		copy(z.window[z.pos:], p)
		z.pos += len(p)
		length -= len(p)
		if z.pos == FrameSize {
			if err := z.flush(FrameSize); err != nil {
				return err
			}
			z.pos = 0
		}
	}
	return nil
}

func (z *Decompressor) fixedLengths() {
	for i := range z.litLen {
		switch {
		case i < 144:
			z.litLen[i] = 8
		case i < 256:
			z.litLen[i] = 9
		case i < 280:
			z.litLen[i] = 7
		default:
			z.litLen[i] = 8
		}
	}
	for i := range z.distLen {
		z.distLen[i] = 5
	}
}

func (z *Decompressor) readLengths() error {
	var hdr [3]int
	for i, n := range []int{5, 5, 4} {
		v, err := z.br.Read(n)
		if err != nil {
			return err
		}
		hdr[i] = int(v)
	}
	nlit, ndist, nlen := hdr[0]+257, hdr[1]+1, hdr[2]+4
	if nlit > litSyms || ndist > distSyms {
		return errSymLens
	}

	var lenLen [lenSyms]uint8
	for i := range nlen {
		v, err := z.br.Read(3)
		if err != nil {
			return err
		}
		lenLen[lenOrder[i]] = uint8(v)
	}
	if z.lens.Build(lenLen[:], lenBits, bitstream.LSB) != nil || z.lens.Empty() {
		return errLenTable
	}

	var lens [litSyms + distSyms]uint8
	total := nlit + ndist
	for i := 0; i < total; {
		code, err := z.lens.Decode(z.br)
		if err != nil {
			return classifyTable(err)
		}
		if code < 16 {
			lens[i] = uint8(code)
			i++
			continue
		}

		var run uint32
		var val uint8
		switch code {
		case 16:
			// The previous length as RFC 1951 has it, which is zero after a
			// 17 or 18 run. libmspack repeats the last explicit length instead.
			run, err = z.br.Read(2)
			run += 3
			if i > 0 {
				val = lens[i-1]
			}
		case 17:
			run, err = z.br.Read(3)
			run += 3
		case 18:
			run, err = z.br.Read(7)
			run += 11
		default:
			return errBadLen
		}
		if err != nil {
			return err
		}
		if i+int(run) > total {
			return errLenOverrun
		}
		for range run {
			lens[i] = val
			i++
		}
	}

	clear(z.litLen[:])
	clear(z.distLen[:])
	copy(z.litLen[:], lens[:nlit])
	copy(z.distLen[:], lens[nlit:total])
	return nil
}

// classifyTable keeps input errors intact and turns bad codes into
// inflate errors.
func classifyTable(err error) error {
	if mserror.KindOf(err) != 0 {
		return err
	}
	return errBadLen
}

func (z *Decompressor) codes() error {
	for {
		code, err := z.lit.Decode(z.br)
		if err != nil {
			if mserror.KindOf(err) != 0 {
				return err
			}
			return errLitCode
		}
		switch {
		case code < 256:
			if err := z.put(byte(code)); err != nil {
				return err
			}
			continue
		case code == 256:
			return nil
		}

		code -= 257
		if code >= len(lenBase) {
			return errLitCode
		}
		extra, err := z.br.Read(int(lenExtra[code]))
		if err != nil {
			return err
		}
		length := int(lenBase[code]) + int(extra)

		dcode, err := z.dist.Decode(z.br)
		if err != nil {
			if mserror.KindOf(err) != 0 {
				return err
			}
			return errDistCode
		}
		if dcode >= len(distBase) {
			return errDistCode
		}
		extra, err = z.br.Read(int(distExtra[dcode]))
		if err != nil {
			return err
		}
		distance := int(distBase[dcode]) + int(extra)

		// reaching back past the frame start wraps into the previous frame
		src := z.pos - distance
		if src < 0 {
			src += FrameSize
		}
		for range length {
			if err := z.put(z.window[src]); err != nil {
				return err
			}
			src = (src + 1) & (FrameSize - 1)
		}
	}
}

// Package bitstream reads bit fields from the compressed input of the
// cabinet codecs.
//
// MSZIP consumes bytes least significant bit first, as deflate does.
// Quantum consumes bytes most significant bit first. LZX consumes 16-bit
// little-endian words most significant bit first.
//
// The reader never buffers more bits than the largest request needs, so the
// input position is always known to the codec. That matters when a codec
// drops out of the bit domain to copy stored bytes.
package bitstream

import (
	"errors"
	"io"

	"github.com/elliotnunn/mscab/internal/mserror"
)

type Order int

const (
	LSB   Order = iota // deflate
	MSB                // Quantum
	MSB16              // LZX
)

const DefaultBufferSize = 4096

const width = 64

// MaxBits is the largest n accepted by Ensure, Peek and Read.
const MaxBits = 32

// A Reader must not be shared between goroutines.
type Reader struct {
	src   io.Reader
	order Order

	buf      []byte
	pos, end int
	padded   bool // two zero bytes already supplied past the end

	acc  uint64
	left int
}

// NewReader reads from src, which is typically a folder's block feeder.
// Errors that src returns are passed up unchanged if they are already
// classified by package mserror.
func NewReader(src io.Reader, order Order, bufSize int) *Reader {
	if bufSize < 2 {
		bufSize = DefaultBufferSize
	}
	bufSize = (bufSize + 1) &^ 1
	return &Reader{
		src:   src,
		order: order,
		buf:   make([]byte, bufSize),
	}
}

func (r *Reader) Order() Order { return r.order }

func (r *Reader) fill() error {
	n, err := io.ReadAtLeast(r.src, r.buf, 1)
	if n == 0 {
		if err != io.EOF {
			var classified *mserror.Error
			if errors.As(err, &classified) {
				return err
			}
			return mserror.Wrap(mserror.Read, "bitstream", err)
		}
		// Asking for bits that are never used can overrun the input,
		// so pretend there are two more bytes at the end.
		if r.padded {
			return mserror.New(mserror.Read, "bitstream", "out of input bytes")
		}
		r.buf[0], r.buf[1] = 0, 0
		n = 2
		r.padded = true
	}
	r.pos, r.end = 0, n
	return nil
}

func (r *Reader) nextByte() (byte, error) {
	if r.pos == r.end {
		if err := r.fill(); err != nil {
			return 0, err
		}
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

// Ensure buffers at least n bits.
func (r *Reader) Ensure(n int) error {
	for r.left < n {
		switch r.order {
		case LSB:
			b, err := r.nextByte()
			if err != nil {
				return err
			}
			r.acc |= uint64(b) << r.left
			r.left += 8
		case MSB:
			b, err := r.nextByte()
			if err != nil {
				return err
			}
			r.acc |= uint64(b) << (width - 8 - r.left)
			r.left += 8
		case MSB16:
			b0, err := r.nextByte()
			if err != nil {
				return err
			}
			b1, err := r.nextByte()
			if err != nil {
				return err
			}
			r.acc |= (uint64(b1)<<8 | uint64(b0)) << (width - 16 - r.left)
			r.left += 16
		}
	}
	return nil
}

// Peek returns the next n buffered bits without consuming them.
// The caller must have called Ensure(n) first.
func (r *Reader) Peek(n int) uint32 {
	if n == 0 {
		return 0
	}
	if r.order == LSB {
		return uint32(r.acc & (1<<n - 1))
	}
	return uint32(r.acc >> (width - n))
}

// Remove consumes n buffered bits.
func (r *Reader) Remove(n int) {
	if r.order == LSB {
		r.acc >>= n
	} else {
		r.acc <<= n
	}
	r.left -= n
}

// Read consumes and returns the next n bits, n <= MaxBits.
func (r *Reader) Read(n int) (uint32, error) {
	if err := r.Ensure(n); err != nil {
		return 0, err
	}
	v := r.Peek(n)
	r.Remove(n)
	return v, nil
}

// Align discards buffered bits up to the next byte boundary.
func (r *Reader) Align() {
	r.Remove(r.left & 7)
}

func (r *Reader) BitsLeft() int { return r.left }

// Discard drops every buffered bit.
func (r *Reader) Discard() {
	r.acc, r.left = 0, 0
}

// RawByte returns the next input byte that has not been loaded into the
// bit buffer. Codecs use it after emptying the bit buffer.
func (r *Reader) RawByte() (byte, error) {
	return r.nextByte()
}

// RawBytes returns up to max input bytes that have not been loaded into the
// bit buffer, refilling the input buffer if it is empty.
// The slice is only valid until the next call on r.
func (r *Reader) RawBytes(max int) ([]byte, error) {
	if r.pos == r.end {
		if err := r.fill(); err != nil {
			return nil, err
		}
	}
	n := min(max, r.end-r.pos)
	p := r.buf[r.pos : r.pos+n]
	r.pos += n
	return p, nil
}

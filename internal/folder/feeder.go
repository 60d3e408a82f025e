package folder

import (
	"encoding/binary"
	"io"
	"log/slog"

	"github.com/elliotnunn/mscab/internal/cab"
	"github.com/elliotnunn/mscab/internal/mserror"
)

const quantumTrailer = 0xff

// feeder hands a folder's data blocks to a codec as one continuous stream.
// Blocks split across cabinets are joined before the codec sees them.
type feeder struct {
	folder *cab.Folder
	opts   Options
	method cab.Method
	onLast func(total int64) // told the folder's length when the last block loads

	span    int   // index into folder.Spans
	next    int64 // offset of the next block header in the span's cabinet
	inSpan  int   // blocks consumed from the current span
	block   int   // whole blocks loaded
	buf     []byte
	ptr     int
	err     error // first failure, reported in place of the codec's
	drained bool  // every block has been read
}

func newFeeder(f *cab.Folder, opts Options) *feeder {
	return &feeder{
		folder: f,
		opts:   opts,
		method: f.Compression.Method(),
		next:   f.Spans[0].Offset,
		buf:    make([]byte, 0, cab.InputMaxSalvage+1),
	}
}

func (r *feeder) fail(err error) error {
	if r.err == nil {
		r.err = err
	}
	return err
}

// Read copies block data into p, crossing into following blocks until p is
// full. Out of blocks, it returns io.EOF. Failures are sticky.
func (r *feeder) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		if r.ptr == len(r.buf) {
			if r.err != nil {
				return n, r.err
			}
			if r.drained {
				// the bit reader pads past the end, so this is not yet a failure
				if n > 0 {
					return n, nil
				}
				return 0, io.EOF
			}
			if err := r.load(); err != nil {
				return n, r.fail(err)
			}
		}
		c := copy(p[n:], r.buf[r.ptr:])
		r.ptr += c
		n += c
	}

	// Load ahead so that the length of the last block is known as soon as
	// the codec has the end of the block before it.
	if r.ptr == len(r.buf) && !r.drained && r.err == nil {
		if err := r.load(); err != nil {
			r.fail(err)
		}
	}
	return n, nil
}

// load reads the next whole block, following split blocks into the
// following spans.
func (r *feeder) load() (err error) {
	defer func() {
		if err != nil {
			r.buf, r.ptr = r.buf[:0], 0
		}
	}()

	if r.block >= r.folder.Blocks {
		r.drained = true
		r.buf, r.ptr = r.buf[:0], 0
		return nil
	}

	r.buf, r.ptr = r.buf[:0], 0
	limit := cab.InputMax
	if r.opts.Salvage {
		limit = cab.InputMaxSalvage
	}

	for {
		for r.inSpan >= r.folder.Spans[r.span].Blocks {
			if r.span+1 >= len(r.folder.Spans) {
				if r.opts.Salvage && len(r.buf) == 0 {
					r.drained = true
					return nil
				}
				return mserror.New(mserror.DataFormat, "block", "folder ends in the middle of block %d", r.block)
			}
			r.span++
			r.inSpan = 0
			r.next = r.folder.Spans[r.span].Offset
		}

		c := r.folder.Spans[r.span].Cabinet
		var hdr [cab.DataHeaderSize]byte
		if n, err := c.ReaderAt().ReadAt(hdr[:], r.next); n < len(hdr) {
			return mserror.New(mserror.Read, "block", "%s: block header at %#x: %v", c.Name, r.next, err)
		}
		sum := binary.LittleEndian.Uint32(hdr[0:])
		size := int(binary.LittleEndian.Uint16(hdr[4:]))
		usize := int(binary.LittleEndian.Uint16(hdr[6:]))

		if len(r.buf)+size > limit {
			return mserror.New(mserror.DataFormat, "block", "%s: block %d has %d compressed bytes", c.Name, r.block, len(r.buf)+size)
		}
		if usize > cab.BlockMax && !r.opts.Salvage {
			return mserror.New(mserror.DataFormat, "block", "%s: block %d decompresses to %d bytes", c.Name, r.block, usize)
		}

		at := r.next + cab.DataHeaderSize + int64(c.BlockReserve)
		data := r.buf[len(r.buf) : len(r.buf)+size]
		if n, err := c.ReaderAt().ReadAt(data, at); n < len(data) {
			return mserror.New(mserror.Read, "block", "%s: block data at %#x: %v", c.Name, at, err)
		}
		r.buf = r.buf[:len(r.buf)+size]
		r.next = at + int64(size)
		r.inSpan++

		if sum != 0 {
			if got := cab.BlockChecksum(hdr[:], data); got != sum {
				if !r.ignoreChecksum() {
					return mserror.New(mserror.Checksum, "block", "%s: block %d checksum %#08x, want %#08x", c.Name, r.block, got, sum)
				}
				slog.Warn("badBlockChecksum", "cabinet", c.Name, "block", r.block)
			}
		}

		if usize != 0 {
			r.block++
			if r.method == cab.Quantum {
				r.buf = append(r.buf, quantumTrailer)
			}
			if r.block == r.folder.Blocks && r.onLast != nil {
				r.onLast(int64(r.block-1)*cab.BlockMax + int64(usize))
			}
			return nil
		}
		// this block carries on in the next cabinet
	}
}

func (r *feeder) ignoreChecksum() bool {
	return r.opts.Salvage || (r.opts.FixMSZIP && r.method == cab.MSZIP)
}

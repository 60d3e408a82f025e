// Package folder decompresses cabinet folders and serves byte ranges of the
// decompressed stream.
//
// A Decoder owns one codec for one folder. The codec keeps its window from
// block to block, and from cabinet to cabinet when the folder is split, so
// ranges are cheapest when requested in increasing order. Asking for a range
// that starts before the current position starts the folder again.
package folder

import (
	"bytes"
	"io"
	"log/slog"

	"github.com/elliotnunn/mscab/internal/bitstream"
	"github.com/elliotnunn/mscab/internal/cab"
	"github.com/elliotnunn/mscab/internal/lzx"
	"github.com/elliotnunn/mscab/internal/mserror"
	"github.com/elliotnunn/mscab/internal/mszip"
	"github.com/elliotnunn/mscab/internal/quantum"
)

type Options struct {
	// Salvage relaxes the block size limits, tolerates bad checksums and
	// stops quietly with what was decoded when the blocks run out.
	Salvage bool
	// FixMSZIP zero-fills MSZIP blocks that fail to inflate.
	FixMSZIP bool
	// BufferSize is the codec's input buffer size.
	BufferSize int
}

type state int

const (
	uninitialized state = iota
	active
	exhausted
	failed
)

// codec produces the next n bytes of a folder on its output
type codec interface {
	Decompress(n int64) error
}

// A Decoder must not be used from more than one goroutine at a time.
type Decoder struct {
	folder *cab.Folder
	opts   Options
	closed bool

	state  state
	codec  codec
	feed   *feeder
	sink   sink
	offset int64 // bytes of the folder produced so far
}

// sink sends codec output to the current request, or nowhere while the
// decoder skips up to the start of the request.
type sink struct {
	w io.Writer
}

func (s *sink) Write(p []byte) (int, error) {
	if s.w == nil {
		return len(p), nil
	}
	return s.w.Write(p)
}

// Open prepares a decoder for the folder. The folder's compression method
// and window size are checked here.
func Open(f *cab.Folder, opts Options) (*Decoder, error) {
	if f == nil || len(f.Spans) == 0 {
		return nil, mserror.New(mserror.Args, "folder", "no folder")
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = bitstream.DefaultBufferSize
	}
	d := &Decoder{folder: f, opts: opts}
	if err := d.init(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Decoder) init() error {
	d.feed = newFeeder(d.folder, d.opts)
	d.codec = nil
	d.offset = 0
	d.state = failed

	comp := d.folder.Compression
	bufSize := d.opts.BufferSize
	switch comp.Method() {
	case cab.None:
		d.codec = newStored(d.feed, &d.sink, bufSize)
	case cab.MSZIP:
		d.codec = mszip.New(d.feed, &d.sink, bufSize, d.opts.FixMSZIP)
	case cab.Quantum:
		q, err := quantum.New(d.feed, &d.sink, comp.WindowBits(), bufSize)
		if err != nil {
			return mserror.New(mserror.DataFormat, "folder", "%v: %v", comp, err)
		}
		d.codec = q
	case cab.LZX:
		l, err := lzx.New(d.feed, &d.sink, comp.WindowBits(), 0, bufSize, 0)
		if err != nil {
			return mserror.New(mserror.DataFormat, "folder", "%v: %v", comp, err)
		}
		d.feed.onLast = l.SetOutputLength
		d.codec = l
	default:
		return mserror.New(mserror.DataFormat, "folder", "unsupported compression %v", comp)
	}
	d.state = active
	return nil
}

func (d *Decoder) Folder() *cab.Folder { return d.folder }

// Extract writes n bytes of the decompressed folder, starting at off, to w.
// When salvaging, output may stop short without an error.
func (d *Decoder) Extract(w io.Writer, off, n int64) error {
	if d.closed {
		return mserror.New(mserror.Args, "folder", "decoder closed")
	}
	if off < 0 || n < 0 {
		return mserror.New(mserror.Args, "folder", "bad range %d+%d", off, n)
	}
	if d.folder.Pending() {
		return mserror.New(mserror.DataFormat, "folder", "%s folder %d continues from a cabinet that is not loaded",
			d.folder.Cabinet().Name, d.folder.Index)
	}
	if !d.opts.Salvage && off+n > int64(d.folder.Blocks)*cab.BlockMax {
		return mserror.New(mserror.DataFormat, "folder", "range %d+%d is beyond the %d blocks of the folder",
			off, n, d.folder.Blocks)
	}

	if d.state == uninitialized || d.state == failed || off < d.offset {
		slog.Debug("folderRestart", "cabinet", d.folder.Cabinet().Name, "folder", d.folder.Index, "from", d.offset, "to", off)
		if err := d.init(); err != nil {
			return err
		}
	}

	if off > d.offset {
		d.sink.w = nil
		if err := d.run(off - d.offset); err != nil {
			return err
		}
	}

	d.sink.w = w
	defer func() { d.sink.w = nil }()
	return d.run(n)
}

func (d *Decoder) run(n int64) error {
	if d.state == exhausted {
		// a salvaged folder that already ran out of blocks
		return nil
	}

	err := d.codec.Decompress(n)
	if err == nil {
		d.offset += n
		return nil
	}

	if mserror.KindOf(err) != mserror.Write {
		if d.feed.err != nil {
			err = d.feed.err
		} else if d.feed.drained {
			if d.opts.Salvage {
				slog.Warn("folderTruncated", "cabinet", d.folder.Cabinet().Name, "folder", d.folder.Index, "err", err)
				d.state = exhausted
				return nil
			}
			err = mserror.New(mserror.DataFormat, "block", "folder has no more data blocks: %v", err)
		}
	}
	d.state = failed
	return err
}

// Decompress returns the contents of a file in the decoder's folder.
func (d *Decoder) Decompress(f *cab.File) ([]byte, error) {
	if f.Folder != d.folder {
		return nil, mserror.New(mserror.Args, "folder", "%s is not in this folder", f.Name)
	}
	var buf bytes.Buffer
	buf.Grow(int(min(f.Length, 1<<24)))
	err := d.Extract(&buf, f.Offset, f.Length)
	return buf.Bytes(), err
}

// ReadAt reads the decompressed folder. It returns io.EOF when a salvaged
// folder ends early.
func (d *Decoder) ReadAt(p []byte, off int64) (int, error) {
	buf := bytes.NewBuffer(p[:0])
	err := d.Extract(buf, off, int64(len(p)))
	if err == nil && buf.Len() < len(p) {
		err = io.EOF
	}
	return buf.Len(), err
}

// Close releases the codec. The decoder cannot be used again.
func (d *Decoder) Close() error {
	d.closed = true
	d.codec, d.feed = nil, nil
	d.state = uninitialized
	return nil
}

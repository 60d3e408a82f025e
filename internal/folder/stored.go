package folder

import (
	"io"

	"github.com/elliotnunn/mscab/internal/mserror"
)

// stored is the codec for folders without compression.
type stored struct {
	in  io.Reader
	out io.Writer
	buf []byte
	err error
}

func newStored(in io.Reader, out io.Writer, bufSize int) *stored {
	return &stored{in: in, out: out, buf: make([]byte, bufSize)}
}

func (s *stored) Decompress(n int64) error {
	if n < 0 {
		return mserror.New(mserror.Args, "stored", "negative length %d", n)
	}
	if s.err != nil {
		return s.err
	}
	for n > 0 {
		m, err := s.in.Read(s.buf[:min(n, int64(len(s.buf)))])
		if m > 0 {
			if _, werr := s.out.Write(s.buf[:m]); werr != nil {
				s.err = mserror.Wrap(mserror.Write, "stored", werr)
				return s.err
			}
			n -= int64(m)
		}
		if err != nil && n > 0 {
			switch {
			case err == io.EOF:
				s.err = mserror.New(mserror.Read, "stored", "out of input with %d bytes to go", n)
			case mserror.KindOf(err) != 0:
				s.err = err
			default:
				s.err = mserror.Wrap(mserror.Read, "stored", err)
			}
			return s.err
		}
	}
	return nil
}

package cab

import (
	"bytes"
	"encoding/binary"
	"io"
	"log/slog"

	"github.com/elliotnunn/mscab/internal/mserror"
)

const searchChunk = 32768

// Search finds every cabinet embedded in r, such as the cabinets inside a
// self-extracting program. Cabinets are returned in file order.
func Search(name string, r io.ReaderAt, size int64, opts Options) ([]*Cabinet, error) {
	var found []*Cabinet
	buf := make([]byte, searchChunk)
	sig := []byte("MSCF")

	for off := int64(0); off < size; {
		n, err := r.ReadAt(buf[:min(int64(len(buf)), size-off)], off)
		if n < len(sig) {
			if err != nil && err != io.EOF {
				return found, mserror.Wrap(mserror.Read, "cab", err)
			}
			break
		}

		i := bytes.Index(buf[:n], sig)
		if i < 0 {
			// a signature may straddle two chunks
			off += int64(n - len(sig) + 1)
			continue
		}

		base := off + int64(i)
		off = base + 1
		c := tryCabinet(name, r, size, base, opts)
		if c == nil {
			continue
		}
		found = append(found, c)
		if !opts.Salvage && c.Size > 0 {
			// carry on after this cabinet's data
			off = base + c.Size
		}
	}

	if len(found) == 0 {
		return nil, mserror.New(mserror.Signature, "cab", "%s: no cabinets found", name)
	}
	return found, nil
}

func tryCabinet(name string, r io.ReaderAt, size, base int64, opts Options) *Cabinet {
	var hdr [headerSize]byte
	if n, _ := r.ReadAt(hdr[:], base); n < len(hdr) {
		return nil
	}
	if !plausible(hdr[:], base, size) {
		return nil
	}
	c, err := openAt(name, r, size, base, opts)
	if err != nil {
		slog.Debug("cabSearchReject", "name", name, "offset", base, "err", err)
		return nil
	}
	return c
}

// plausible checks the header fields that random data rarely gets right
func plausible(hdr []byte, base, size int64) bool {
	reserved1 := binary.LittleEndian.Uint32(hdr[4:])
	cabSize := int64(binary.LittleEndian.Uint32(hdr[8:]))
	reserved2 := binary.LittleEndian.Uint32(hdr[12:])
	filesOffset := int64(binary.LittleEndian.Uint32(hdr[16:]))
	reserved3 := binary.LittleEndian.Uint32(hdr[20:])

	// a little slack for truncated cabinets
	const slack = 32
	return reserved1 == 0 && reserved2 == 0 && reserved3 == 0 &&
		filesOffset < cabSize &&
		base+filesOffset < size+slack &&
		base+cabSize < size+slack
}

// Package fileid identifies files on disk independently of their names,
// so that a cabinet reached by two routes is only opened once.
package fileid

import (
	"encoding/binary"
	"errors"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
)

// ID = (64 bits of inode number) + (32 bits of hash of device, creation time and filename)
type ID [12]byte

var ErrNotOS = errors.New("file identity not available on this OS")

func makeID(ino, dev uint64, btimeSec int64, btimeNsec uint32, name string) ID {
	var id ID
	binary.BigEndian.PutUint64(id[:], ino)
	h := xxhash.New()
	var b [20]byte
	binary.BigEndian.PutUint64(b[0:], dev)
	binary.BigEndian.PutUint64(b[8:], uint64(btimeSec))
	binary.BigEndian.PutUint32(b[16:], btimeNsec)
	h.Write(b[:])
	h.WriteString(filepath.Base(name))
	binary.BigEndian.PutUint32(id[8:], uint32(h.Sum64()))
	return id
}

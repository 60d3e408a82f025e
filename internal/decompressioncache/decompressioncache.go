// Package decompressioncache keeps decoded folder frames so that a folder
// does not have to be decoded again from the start.
//
// A Memory store lasts as long as the process. A Disk store lasts between
// runs, so its keys must name the data precisely: see [Key].
package decompressioncache

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/cockroachdb/pebble/v2"
	"github.com/cockroachdb/pebble/v2/vfs"
)

// A Store must be safe for concurrent use.
type Store interface {
	Get(key []byte) ([]byte, bool)
	Set(key, frame []byte)
	Close() error
}

const keyVersion = 1

// Key names one frame: the identity of the folder's data, the options it
// was decoded with, and the frame's offset in the folder.
func Key(folderID uint64, flags uint8, offset int64) []byte {
	k := make([]byte, 0, 18)
	k = append(k, keyVersion, flags)
	k = binary.BigEndian.AppendUint64(k, folderID)
	k = binary.BigEndian.AppendUint64(k, uint64(offset))
	return k
}

type Memory struct {
	c *bigcache.BigCache
}

// NewMemory makes a store holding up to megabytes of frames. Frames are
// forgotten after an hour.
func NewMemory(megabytes, frameSize int) (*Memory, error) {
	cfg := bigcache.DefaultConfig(time.Hour)
	// few shards, because a shard must hold several whole frames
	cfg.Shards = 64
	cfg.MaxEntriesInWindow = cfg.Shards * 10
	cfg.HardMaxCacheSize = megabytes
	cfg.MaxEntrySize = frameSize
	cfg.Verbose = false
	c, err := bigcache.New(context.Background(), cfg)
	if err != nil {
		return nil, err
	}
	return &Memory{c: c}, nil
}

func (m *Memory) Get(key []byte) ([]byte, bool) {
	b, err := m.c.Get(string(key))
	if err != nil {
		if !errors.Is(err, bigcache.ErrEntryNotFound) {
			slog.Warn("frameCacheGet", "err", err)
		}
		return nil, false
	}
	return b, true
}

func (m *Memory) Set(key, frame []byte) {
	if err := m.c.Set(string(key), frame); err != nil {
		slog.Debug("frameCacheSet", "err", err)
	}
}

func (m *Memory) Close() error { return m.c.Close() }

type Disk struct {
	db *pebble.DB
}

// OpenDisk opens or creates a store in dir. A nil fsys means the OS
// filesystem.
func OpenDisk(dir string, fsys vfs.FS) (*Disk, error) {
	opts := &pebble.Options{}
	if fsys != nil {
		opts.FS = fsys
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, err
	}
	return &Disk{db: db}, nil
}

func (d *Disk) Get(key []byte) ([]byte, bool) {
	v, closer, err := d.db.Get(key)
	if err != nil {
		if !errors.Is(err, pebble.ErrNotFound) {
			slog.Warn("frameStoreGet", "err", err)
		}
		return nil, false
	}
	defer closer.Close()
	return bytes.Clone(v), true
}

func (d *Disk) Set(key, frame []byte) {
	if err := d.db.Set(key, frame, pebble.NoSync); err != nil {
		slog.Warn("frameStoreSet", "err", err)
	}
}

func (d *Disk) Close() error { return d.db.Close() }

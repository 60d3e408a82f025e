// Package spinner converts folders, which can only be decoded from the start,
// to random-access byte collections ([io.ReaderAt]).
package spinner

import (
	"encoding/binary"
	"hash/maphash"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-tinylfu"
	"github.com/elliotnunn/mscab/internal/cab"
	"github.com/elliotnunn/mscab/internal/decompressioncache"
	"github.com/elliotnunn/mscab/internal/folder"
	"github.com/elliotnunn/mscab/internal/mserror"
)

type Options struct {
	Folder folder.Options
	// Store, if not nil, is consulted before decoding a frame and given
	// every frame decoded.
	Store decompressioncache.Store
}

// Create a new Pool with the specified properties.
// Frames are 1<<blockShift bytes, nBlock of them are kept in memory,
// and at most nReader folders keep a live decoder. Both counts are raised
// to at least three.
func New(blockShift int, nBlock int, nReader int, opts Options) *Pool {
	// tinylfu's protected segment is empty below three entries
	nBlock, nReader = max(nBlock, 3), max(nReader, 3)
	p := &Pool{
		jobs:    make(chan []*job),
		sizeS:   make(chan sizeSet),
		shift:   blockShift,
		opts:    opts,
		readers: make(map[*cab.Folder]*readerState),
		dones:   make(chan *cab.Folder),
		bcache:  tinylfu.New[ckey, []byte](nBlock, nBlock*10, bhasher),
	}
	if opts.Folder.Salvage {
		p.flags |= 1
	}
	if opts.Folder.FixMSZIP {
		p.flags |= 2
	}
	p.rcache = tinylfu.New[*cab.Folder, struct{}](nReader, nReader*10, rhasher, tinylfu.OnEvict(p.evict))
	go p.multiplexer()
	return p
}

// A Pool shares a configurable amount of memory among multiple "ReaderAt"s
// according to a caching algorithm.
// A Pool is safe for concurrent use by multiple goroutines.
type Pool struct {
	jobs    chan []*job
	sizeS   chan sizeSet
	shift   int
	opts    Options
	flags   uint8
	readers map[*cab.Folder]*readerState
	dones   chan *cab.Folder
	bcache  *tinylfu.T[ckey, []byte]
	rcache  *tinylfu.T[*cab.Folder, struct{}]
}

// ReaderAt reads the first size bytes of the decompressed folder.
// A ReaderAt is safe for concurrent use by multiple goroutines.
func (p *Pool) ReaderAt(f *cab.Folder, size int64) ReaderAt {
	s := sizeSet{id: f, size: size, done: make(chan struct{})}
	p.sizeS <- s
	<-s.done
	return ReaderAt{pool: p, id: f, size: size}
}

type ReaderAt struct {
	pool *Pool
	id   *cab.Folder
	size int64
}

func (r ReaderAt) Size() int64 { return r.size }

func (r ReaderAt) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, mserror.New(mserror.Args, "spinner", "negative offset %d", off)
	}
	if len(p) == 0 {
		return 0, nil
	}
	blksz := int64(1) << int64(r.pool.shift)
	var list []*job
	var b int64
	for b = off & -blksz; b < off+int64(len(p)); b += blksz {
		// for each block touching the request, PLUS one block!
		bufstart := max(b-off, 0)
		bufend := min(b+blksz-off, int64(len(p)))
		list = append(list, &job{
			id:   r.id,
			p:    p[bufstart:bufend],
			off:  max(b, off),
			wait: make(chan struct{}),
		})
	}
	listPlusReadahead := append(list, &job{ // extra seek-ahead job
		id:   r.id,
		p:    make([]byte, 1),
		off:  b,
		wait: make(chan struct{}),
	})
	r.pool.jobs <- listPlusReadahead
	// every job writes into p, so wait for all of them
	for _, j := range list {
		<-j.wait
		if err == nil {
			n += j.n
			err = j.err
		}
	}
	return n, err
}

type sizeSet struct {
	id   *cab.Folder
	size int64
	done chan struct{}
}

type ckey struct {
	id     *cab.Folder
	offset int64
}

// Part of a ReadAt request touching a single block
type job struct {
	id   *cab.Folder
	p    []byte
	off  int64
	n    int
	err  error
	wait chan struct{}
}

// Track according to folder. Create, never destroy.
type readerState struct {
	// Shared mutable state here, be careful
	dec  *folder.Decoder
	data []byte
	err  error

	// Belongs only to the multiplexer goroutine
	busy    bool
	knowlen bool // means len field is exact
	diesoon bool // means remove from cache when done
	seek    int64
	len     int64 // lower bound on known length
	pending map[int64][]*job
	storeID uint64
}

func (p *Pool) multiplexer() {
	for {
		select {
		case joblist := <-p.jobs: // a ReadAt call
			for _, j := range joblist {
				r := p.ensureReader(j.id)

				if r.knowlen && r.len <= j.off { // totally unsatisfiable, reject
					j.err, j.n = io.EOF, 0
					close(j.wait)
					continue
				}

				if canget := r.len - j.off; r.knowlen && canget < int64(len(j.p)) {
					j.err = io.EOF
				}

				blk := j.off >> p.shift << p.shift
				if got, ok := p.bcache.Get(ckey{j.id, blk}); ok {
					if j.off < blk+int64(len(got)) {
						j.n = copy(j.p, got[j.off-blk:])
					}
					close(j.wait)
				} else {
					if r.pending == nil {
						r.pending = make(map[int64][]*job)
					}
					r.pending[blk] = append(r.pending[blk], j)
					if !r.busy {
						p.startJob(j.id)
					}
				}
			}
		case s := <-p.sizeS: // call to ReaderAt()
			r := p.ensureReader(s.id)
			if !r.knowlen || s.size < r.len {
				r.knowlen, r.len = true, s.size
			}
			close(s.done)
		case id := <-p.dones: // a decoder goroutine has returned
			r := p.readers[id]
			if r.err == nil || r.err == io.EOF {
				p.bcache.Add(ckey{id, r.seek}, r.data)
			}

			for _, j := range r.pending[r.seek] { // satisfy waiting ReaderAts
				if j.off < r.seek+int64(len(r.data)) {
					j.n = copy(j.p, r.data[j.off-r.seek:])
				}
				if j.n < len(j.p) {
					j.err = r.err
				}
				close(j.wait)
			}
			delete(r.pending, r.seek)

			switch r.err {
			case nil:
				r.seek += int64(len(r.data))
			case io.EOF:
				// a salvaged folder can end before its stated size
				r.knowlen, r.len = true, r.seek+int64(len(r.data))
				for offset, jobs := range r.pending {
					if offset >= r.len {
						for _, j := range jobs {
							j.err, j.n = r.err, 0
							close(j.wait)
						}
						delete(r.pending, offset)
					}
				}
				r.seek += int64(len(r.data))
			default:
				// the decoder is no good, so nothing after this frame can be had
				for offset, jobs := range r.pending {
					for _, j := range jobs {
						j.err, j.n = r.err, 0
						close(j.wait)
					}
					delete(r.pending, offset)
				}
				if r.dec != nil {
					r.dec.Close()
				}
				r.dec, r.seek = nil, 0
			}
			r.data, r.err = nil, nil
			r.busy = false

			if len(r.pending) > 0 {
				p.startJob(id)
			} else {
				r.pending = nil
				if r.diesoon {
					if r.dec != nil {
						r.dec.Close()
					}
					r.dec, r.diesoon = nil, false
				}
			}
		}
	}
}

func (p *Pool) startJob(id *cab.Folder) {
	r, ok := p.readers[id]
	if !ok {
		panic("nonexistent reader")
	}
	r.busy, r.diesoon = true, false
	p.rcache.Add(id, struct{}{})

	worthPushingOn := false
	for offset := range r.pending {
		if offset >= r.seek {
			worthPushingOn = true
			break
		}
	}

	restart := r.dec == nil || !worthPushingOn
	if restart {
		r.seek = 0
	}
	want := int64(1) << p.shift
	if r.knowlen {
		want = min(want, r.len-r.seek)
	}
	offset := r.seek
	storeID := r.storeID

	go func() {
		defer func() {
			p.dones <- id
		}()

		if restart {
			if r.dec != nil {
				r.dec.Close()
			}
			r.dec, r.err = folder.Open(id, p.opts.Folder)
			if r.err != nil {
				r.dec = nil
				return
			}
		}

		var key []byte
		if p.opts.Store != nil {
			key = decompressioncache.Key(storeID, p.flags, offset)
			if got, ok := p.opts.Store.Get(key); ok && int64(len(got)) == want {
				r.data = got
				r.err = endOfFrame(want, p.shift)
				return
			}
		}

		var n int
		r.data = make([]byte, want)
		n, r.err = r.dec.ReadAt(r.data, offset)
		r.data = smooshBuffer(r.data[:n])
		if r.err == nil {
			r.err = endOfFrame(want, p.shift)
			if key != nil {
				p.opts.Store.Set(key, r.data)
			}
		}
	}()
}

// endOfFrame reports io.EOF for a frame cut short by the known size.
func endOfFrame(want int64, shift int) error {
	if want < int64(1)<<shift {
		return io.EOF
	}
	return nil
}

// only ever called via startJob, so don't worry about sync
func (p *Pool) evict(id *cab.Folder, _ struct{}) {
	r := p.readers[id]
	if r.busy {
		r.diesoon = true
	} else {
		if r.dec != nil {
			r.dec.Close()
		}
		r.dec = nil
	}
}

func (p *Pool) ensureReader(id *cab.Folder) *readerState {
	r, ok := p.readers[id]
	if !ok {
		r = &readerState{storeID: FolderID(id)}
		p.readers[id] = r
	}
	return r
}

// FolderID identifies a folder's compressed data by the cabinets that hold it,
// so that it can name frames in a persistent store.
func FolderID(f *cab.Folder) uint64 {
	d := xxhash.New()
	var b [8]byte
	put := func(v uint64) {
		binary.LittleEndian.PutUint64(b[:], v)
		d.Write(b[:])
	}
	put(uint64(f.Compression))
	put(uint64(f.Index))
	for _, s := range f.Spans {
		put(s.Cabinet.Fingerprint())
		put(uint64(s.Offset))
		put(uint64(s.Blocks))
	}
	return d.Sum64()
}

// Use a smaller memory block
func smooshBuffer(buf []byte) []byte {
	if len(buf) == 0 {
		return nil
	} else if len(buf) <= cap(buf)/2 {
		return append(make([]byte, 0, len(buf)), buf...)
	} else {
		return buf
	}
}

var seed = maphash.MakeSeed()

func bhasher(k ckey) uint64 {
	return maphash.Comparable(seed, k)
}

func rhasher(k *cab.Folder) uint64 {
	return maphash.Comparable(seed, k)
}

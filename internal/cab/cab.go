// Package cab reads the headers of Microsoft Cabinet files: the folders that
// hold compressed data, and the files that live inside those folders.
//
// Decompression is left to package folder. This package only finds out
// where each folder's data blocks are, how they are compressed, and which
// byte range of the decompressed folder makes up each file.
package cab

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
	"github.com/elliotnunn/mscab/internal/mserror"
)

const (
	headerSize    = 36
	folderSize    = 8
	fileSize      = 16
	maxName       = 256
	maxHeaderResv = 60000
)

const (
	BlockMax        = 32768
	FolderMax       = 65535
	InputMax        = BlockMax + 6144
	InputMaxSalvage = 65535
	DataHeaderSize  = 8
)

// Header flags
const (
	FlagPrevCabinet = 0x0001
	FlagNextCabinet = 0x0002
	FlagReserve     = 0x0004
)

// File attributes
const (
	AttrReadOnly = 0x01
	AttrHidden   = 0x02
	AttrSystem   = 0x04
	AttrArchive  = 0x20
	AttrExec     = 0x40
	AttrUTF8Name = 0x80
)

// Special folder indices in a file entry
const (
	continuedFromPrev    = 0xfffd
	continuedToNext      = 0xfffe
	continuedPrevAndNext = 0xffff
)

const maxFileExtent = 0x7fffffff

type Method int

const (
	None Method = iota
	MSZIP
	Quantum
	LZX
)

func (m Method) String() string {
	switch m {
	case None:
		return "None"
	case MSZIP:
		return "MSZIP"
	case Quantum:
		return "Quantum"
	case LZX:
		return "LZX"
	}
	return fmt.Sprintf("Method(%d)", int(m))
}

// Compression is the raw compression word of a folder entry.
type Compression uint16

func (c Compression) Method() Method  { return Method(c & 0x000f) }
func (c Compression) Level() int      { return int(c>>4) & 0xf }
func (c Compression) WindowBits() int { return int(c>>8) & 0x1f }

func (c Compression) String() string {
	switch c.Method() {
	case None, MSZIP:
		return c.Method().String()
	case Quantum:
		return fmt.Sprintf("Quantum:%d:%d", c.Level(), c.WindowBits())
	}
	return fmt.Sprintf("%s:%d", c.Method(), c.WindowBits())
}

type Options struct {
	// Salvage skips damaged file entries instead of rejecting the cabinet.
	Salvage bool
}

// Cabinet is one physical cabinet file.
type Cabinet struct {
	Name string
	r    io.ReaderAt

	Base          int64 // offset of the header in r
	Size          int64 // as stated in the header
	Version       [2]uint8
	Flags         uint16
	SetID         uint16
	Index         uint16
	HeaderReserve []byte
	FolderReserve int
	BlockReserve  int
	PrevName      string
	PrevDisk      string
	NextName      string
	NextDisk      string
	Folders       []*Folder
	Files         []*File

	fingerprint uint64
}

// ReaderAt gives access to the whole physical file the cabinet was read from.
func (c *Cabinet) ReaderAt() io.ReaderAt { return c.r }

// Fingerprint is a hash of the cabinet's header, folder and file tables,
// distinguishing cabinets without reading their data.
func (c *Cabinet) Fingerprint() uint64 { return c.fingerprint }

// Span is the part of a folder's data blocks stored in one cabinet.
type Span struct {
	Cabinet *Cabinet
	Offset  int64 // absolute offset of the first data block header
	Blocks  int
}

// Folder is a single compressed stream, possibly continued across cabinets.
type Folder struct {
	Compression Compression
	Blocks      int // in all spans, counting a split block once
	Spans       []Span
	Index       int // within the first cabinet

	prevFiles []*File // files continued from the previous cabinet
	nextFiles []*File // files continued into the next cabinet
}

// Pending reports whether the folder continues from a cabinet that has not
// been joined to it. Such a folder cannot be decompressed.
func (f *Folder) Pending() bool { return len(f.prevFiles) > 0 }

// Cabinet returns the cabinet holding the first span.
func (f *Folder) Cabinet() *Cabinet { return f.Spans[0].Cabinet }

// File is a byte range within a folder's decompressed stream.
type File struct {
	Name     string
	Folder   *Folder
	Offset   int64
	Length   int64
	Modified time.Time
	Attrs    uint16

	index uint16 // the folder index as stored, including continuation codes
}

type hdrReader struct {
	r    io.ReaderAt
	base int64
	pos  int64
	br   *bufio.Reader
	sum  *xxhash.Digest
}

func (h *hdrReader) seek(pos int64) {
	if h.br != nil && pos == h.pos {
		return
	}
	h.pos = pos
	h.br = bufio.NewReader(io.NewSectionReader(h.r, h.base+pos, 1<<62))
}

func (h *hdrReader) read(p []byte) error {
	n, err := io.ReadFull(h.br, p)
	h.pos += int64(n)
	h.sum.Write(p[:n])
	if err != nil {
		return mserror.New(mserror.Read, "cab", "header truncated at %#x: %v", h.base+h.pos, err)
	}
	return nil
}

func (h *hdrReader) skip(n int) error {
	if n == 0 {
		return nil
	}
	return h.read(make([]byte, n))
}

// cstring reads a null-terminated string of up to 256 bytes
func (h *hdrReader) cstring() ([]byte, error) {
	var s []byte
	for len(s) < maxName {
		b, err := h.br.ReadByte()
		if err != nil {
			return nil, mserror.New(mserror.Read, "cab", "string truncated at %#x: %v", h.base+h.pos, err)
		}
		h.pos++
		h.sum.Write([]byte{b})
		if b == 0 {
			return s, nil
		}
		s = append(s, b)
	}
	return nil, mserror.New(mserror.DataFormat, "cab", "string at %#x too long", h.base+h.pos)
}

// Open reads the cabinet header at the start of r.
func Open(name string, r io.ReaderAt, size int64, opts Options) (*Cabinet, error) {
	return openAt(name, r, size, 0, opts)
}

func openAt(name string, r io.ReaderAt, size, base int64, opts Options) (*Cabinet, error) {
	h := &hdrReader{r: r, base: base, sum: xxhash.New()}
	h.seek(0)

	var hdr [headerSize]byte
	if err := h.read(hdr[:]); err != nil {
		return nil, err
	}
	if string(hdr[:4]) != "MSCF" {
		return nil, mserror.New(mserror.Signature, "cab", "%s: no MSCF signature", name)
	}

	c := &Cabinet{
		Name:    name,
		r:       r,
		Base:    base,
		Size:    int64(binary.LittleEndian.Uint32(hdr[8:])),
		Version: [2]uint8{hdr[25], hdr[24]},
		Flags:   binary.LittleEndian.Uint16(hdr[30:]),
		SetID:   binary.LittleEndian.Uint16(hdr[32:]),
		Index:   binary.LittleEndian.Uint16(hdr[34:]),
	}
	filesOffset := int64(binary.LittleEndian.Uint32(hdr[16:]))
	nfolders := int(binary.LittleEndian.Uint16(hdr[26:]))
	nfiles := int(binary.LittleEndian.Uint16(hdr[28:]))

	if nfolders == 0 {
		return nil, mserror.New(mserror.DataFormat, "cab", "%s: no folders", name)
	}
	if nfiles == 0 {
		return nil, mserror.New(mserror.DataFormat, "cab", "%s: no files", name)
	}
	if size > 0 && base+c.Size > size {
		slog.Warn("cabTruncated", "cabinet", name, "size", c.Size, "available", size-base)
	}
	if c.Version != [2]uint8{1, 3} {
		slog.Warn("cabVersion", "cabinet", name, "major", c.Version[0], "minor", c.Version[1])
	}

	if c.Flags&FlagReserve != 0 {
		var resv [4]byte
		if err := h.read(resv[:]); err != nil {
			return nil, err
		}
		headerResv := int(binary.LittleEndian.Uint16(resv[:]))
		c.FolderReserve = int(resv[2])
		c.BlockReserve = int(resv[3])
		if headerResv > maxHeaderResv {
			slog.Warn("cabHeaderReserve", "cabinet", name, "bytes", headerResv)
		}
		c.HeaderReserve = make([]byte, headerResv)
		if err := h.read(c.HeaderReserve); err != nil {
			return nil, err
		}
	}

	for _, link := range []struct {
		flag       uint16
		name, disk *string
	}{
		{FlagPrevCabinet, &c.PrevName, &c.PrevDisk},
		{FlagNextCabinet, &c.NextName, &c.NextDisk},
	} {
		if c.Flags&link.flag == 0 {
			continue
		}
		for _, dst := range []*string{link.name, link.disk} {
			s, err := h.cstring()
			if err != nil {
				return nil, err
			}
			*dst = latin1(s)
		}
	}

	for i := range nfolders {
		var ent [folderSize]byte
		if err := h.read(ent[:]); err != nil {
			return nil, err
		}
		if err := h.skip(c.FolderReserve); err != nil {
			return nil, err
		}
		blocks := int(binary.LittleEndian.Uint16(ent[4:]))
		c.Folders = append(c.Folders, &Folder{
			Compression: Compression(binary.LittleEndian.Uint16(ent[6:])),
			Blocks:      blocks,
			Index:       i,
			Spans: []Span{{
				Cabinet: c,
				Offset:  base + int64(binary.LittleEndian.Uint32(ent[0:])),
				Blocks:  blocks,
			}},
		})
	}

	h.seek(filesOffset)
	for i := range nfiles {
		f, err := c.readFile(h)
		if err != nil {
			if !opts.Salvage {
				return nil, err
			}
			slog.Warn("cabFileSkipped", "cabinet", name, "file", i, "err", err)
			if mserror.KindOf(err) == mserror.Read {
				break // nothing more to read
			}
			continue
		}
		if f != nil {
			c.Files = append(c.Files, f)
		}
	}
	if len(c.Files) == 0 {
		return nil, mserror.New(mserror.DataFormat, "cab", "%s: no usable files", name)
	}

	c.fingerprint = h.sum.Sum64()
	return c, nil
}

// readFile returns a nil file for an entry that can never be extracted.
func (c *Cabinet) readFile(h *hdrReader) (*File, error) {
	var ent [fileSize]byte
	if err := h.read(ent[:]); err != nil {
		return nil, err
	}
	rawName, err := h.cstring()
	if err != nil {
		return nil, err
	}

	f := &File{
		Length:   int64(binary.LittleEndian.Uint32(ent[0:])),
		Offset:   int64(binary.LittleEndian.Uint32(ent[4:])),
		index:    binary.LittleEndian.Uint16(ent[8:]),
		Modified: msDosTimeToTime(binary.LittleEndian.Uint16(ent[10:]), binary.LittleEndian.Uint16(ent[12:])),
		Attrs:    binary.LittleEndian.Uint16(ent[14:]),
	}
	if f.Attrs&AttrUTF8Name != 0 && utf8.Valid(rawName) {
		f.Name = string(rawName)
	} else {
		f.Name = latin1(rawName)
	}

	if f.Offset >= maxFileExtent || f.Length >= maxFileExtent || f.Offset+f.Length > maxFileExtent {
		slog.Warn("cabFileTooLarge", "cabinet", c.Name, "file", f.Name, "offset", f.Offset, "length", f.Length)
		return nil, nil
	}

	switch x := int(f.index); {
	case x < len(c.Folders):
		f.Folder = c.Folders[x]
	case x == continuedFromPrev || x == continuedToNext || x == continuedPrevAndNext:
		if x == continuedToNext || x == continuedPrevAndNext {
			last := c.Folders[len(c.Folders)-1]
			f.Folder = last
			last.nextFiles = append(last.nextFiles, f)
		}
		if x == continuedFromPrev || x == continuedPrevAndNext {
			first := c.Folders[0]
			f.Folder = first
			first.prevFiles = append(first.prevFiles, f)
		}
	default:
		return nil, mserror.New(mserror.DataFormat, "cab", "%s: file %q has bad folder index %d", c.Name, f.Name, x)
	}

	return f, nil
}

// latin1 decodes names that are not flagged as UTF-8
func latin1(s []byte) string {
	ascii := true
	for _, b := range s {
		if b >= 0x80 {
			ascii = false
			break
		}
	}
	if ascii {
		return string(s)
	}
	r := make([]rune, len(s))
	for i, b := range s {
		r[i] = rune(b)
	}
	return string(r)
}

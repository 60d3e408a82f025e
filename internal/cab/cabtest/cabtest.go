// Package cabtest writes small cabinets for tests.
package cabtest

import (
	"bytes"
	"encoding/binary"

	"github.com/elliotnunn/mscab/internal/cab"
)

// Special folder indices for File.Folder
const (
	FromPrev    = 0xfffd
	ToNext      = 0xfffe
	PrevAndNext = 0xffff
)

type Block struct {
	Data []byte // as stored
	Size int    // decompressed, 0 for a block split into the next cabinet

	NoChecksum  bool
	BadChecksum bool
}

type Folder struct {
	Compression uint16
	Blocks      []Block
}

type File struct {
	Name         string
	Folder       uint16
	Offset       uint32
	Length       uint32
	Date, Time   uint16
	Attrs        uint16
	RawNameBytes []byte // overrides Name
}

type Cabinet struct {
	SetID, Index   uint16
	Prev, PrevDisk string
	Next, NextDisk string
	Reserve        bool
	HeaderReserve  []byte
	FolderReserve  int
	BlockReserve   int
	Folders        []Folder
	Files          []File
	VersionMinor   uint8 // default 3
	VersionMajor   uint8 // default 1
}

func le16(b *bytes.Buffer, v uint16) { binary.Write(b, binary.LittleEndian, v) }
func le32(b *bytes.Buffer, v uint32) { binary.Write(b, binary.LittleEndian, v) }

func cstring(b *bytes.Buffer, s string) {
	b.WriteString(s)
	b.WriteByte(0)
}

// Bytes lays out the cabinet: header, folders, files, then each folder's
// data blocks in order.
func (c *Cabinet) Bytes() []byte {
	var flags uint16
	if c.Prev != "" {
		flags |= cab.FlagPrevCabinet
	}
	if c.Next != "" {
		flags |= cab.FlagNextCabinet
	}
	reserve := c.Reserve || len(c.HeaderReserve) > 0 || c.FolderReserve > 0 || c.BlockReserve > 0
	if reserve {
		flags |= cab.FlagReserve
	}

	var pre bytes.Buffer // everything after the fixed header, before the folders
	if reserve {
		le16(&pre, uint16(len(c.HeaderReserve)))
		pre.WriteByte(byte(c.FolderReserve))
		pre.WriteByte(byte(c.BlockReserve))
		pre.Write(c.HeaderReserve)
	}
	if c.Prev != "" {
		cstring(&pre, c.Prev)
		cstring(&pre, c.PrevDisk)
	}
	if c.Next != "" {
		cstring(&pre, c.Next)
		cstring(&pre, c.NextDisk)
	}

	var files bytes.Buffer
	for _, f := range c.Files {
		le32(&files, f.Length)
		le32(&files, f.Offset)
		le16(&files, f.Folder)
		le16(&files, f.Date)
		le16(&files, f.Time)
		le16(&files, f.Attrs)
		if f.RawNameBytes != nil {
			files.Write(f.RawNameBytes)
			files.WriteByte(0)
		} else {
			cstring(&files, f.Name)
		}
	}

	foldersAt := 36 + pre.Len()
	filesAt := foldersAt + len(c.Folders)*(8+c.FolderReserve)
	dataAt := filesAt + files.Len()

	var folders, data bytes.Buffer
	for _, fol := range c.Folders {
		le32(&folders, uint32(dataAt+data.Len()))
		le16(&folders, uint16(len(fol.Blocks)))
		le16(&folders, fol.Compression)
		folders.Write(make([]byte, c.FolderReserve))

		for _, blk := range fol.Blocks {
			var hdr [8]byte
			binary.LittleEndian.PutUint16(hdr[4:], uint16(len(blk.Data)))
			binary.LittleEndian.PutUint16(hdr[6:], uint16(blk.Size))
			if !blk.NoChecksum {
				sum := cab.BlockChecksum(hdr[:], blk.Data)
				if blk.BadChecksum {
					sum ^= 1
				}
				binary.LittleEndian.PutUint32(hdr[0:], sum)
			}
			data.Write(hdr[:])
			data.Write(make([]byte, c.BlockReserve))
			data.Write(blk.Data)
		}
	}

	major, minor := c.VersionMajor, c.VersionMinor
	if major == 0 && minor == 0 {
		major, minor = 1, 3
	}

	var out bytes.Buffer
	out.WriteString("MSCF")
	le32(&out, 0)
	le32(&out, uint32(dataAt+data.Len()))
	le32(&out, 0)
	le32(&out, uint32(filesAt))
	le32(&out, 0)
	out.WriteByte(minor)
	out.WriteByte(major)
	le16(&out, uint16(len(c.Folders)))
	le16(&out, uint16(len(c.Files)))
	le16(&out, flags)
	le16(&out, c.SetID)
	le16(&out, c.Index)
	out.Write(pre.Bytes())
	out.Write(folders.Bytes())
	out.Write(files.Bytes())
	out.Write(data.Bytes())
	return out.Bytes()
}

// Stored wraps data as uncompressed blocks of at most 32768 bytes.
func Stored(data []byte) []Block {
	var blocks []Block
	for len(data) > 0 {
		n := min(len(data), cab.BlockMax)
		blocks = append(blocks, Block{Data: data[:n], Size: n})
		data = data[n:]
	}
	return blocks
}

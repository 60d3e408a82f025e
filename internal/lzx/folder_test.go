package lzx_test

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/elliotnunn/mscab/internal/cab"
	"github.com/elliotnunn/mscab/internal/cab/cabtest"
	"github.com/elliotnunn/mscab/internal/folder"
	"github.com/elliotnunn/mscab/internal/lzx"
)

func TestCabinetFolder(t *testing.T) {
	for _, aligned := range []bool{false, true} {
		for _, size := range []int{10, 5000, lzx.FrameSize, 2*lzx.FrameSize + 100} {
			t.Run(fmt.Sprint(aligned, size), func(t *testing.T) {
				frames, want := lzx.CabinetBlocks(uint64(size), size, aligned)
				var blocks []cabtest.Block
				for i, b := range frames {
					blocks = append(blocks, cabtest.Block{Data: b, Size: min(lzx.FrameSize, size-i*lzx.FrameSize)})
				}
				tc := cabtest.Cabinet{
					Folders: []cabtest.Folder{{Compression: uint16(cab.LZX) | 15<<8, Blocks: blocks}},
					Files: []cabtest.File{
						{Name: "whole", Length: uint32(size)},
						{Name: "tail", Offset: uint32(size / 2), Length: uint32(size - size/2)},
					},
				}
				raw := tc.Bytes()
				c, err := cab.Open("lzx.cab", bytes.NewReader(raw), int64(len(raw)), cab.Options{})
				if err != nil {
					t.Fatal(err)
				}
				d, err := folder.Open(c.Folders[0], folder.Options{})
				if err != nil {
					t.Fatal(err)
				}
				defer d.Close()

				for _, f := range c.Files {
					got, err := d.Decompress(f)
					if err != nil {
						t.Fatalf("%s: %v", f.Name, err)
					}
					if !bytes.Equal(got, want[f.Offset:f.Offset+f.Length]) {
						t.Errorf("%s: output differs", f.Name)
					}
				}
			})
		}
	}
}

package quantum_test

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/elliotnunn/mscab/internal/cab"
	"github.com/elliotnunn/mscab/internal/cab/cabtest"
	"github.com/elliotnunn/mscab/internal/folder"
	"github.com/elliotnunn/mscab/internal/quantum"
)

// Each cabinet block holds one frame, and the cabinet reader supplies the
// trailer byte that ends it.
func TestCabinetFolder(t *testing.T) {
	for _, size := range []int{10, 1000, quantum.FrameSize, quantum.FrameSize + 5000, 3*quantum.FrameSize - 1} {
		t.Run(fmt.Sprint(size), func(t *testing.T) {
			const windowBits = 16
			frames, want := quantum.CabinetBlocks(uint64(size), windowBits, size)
			var blocks []cabtest.Block
			for i, b := range frames {
				n := min(quantum.FrameSize, size-i*quantum.FrameSize)
				blocks = append(blocks, cabtest.Block{Data: b, Size: n})
			}
			tc := cabtest.Cabinet{
				Folders: []cabtest.Folder{{Compression: uint16(cab.Quantum) | windowBits<<8, Blocks: blocks}},
				Files:   []cabtest.File{{Name: "q", Length: uint32(size)}},
			}
			raw := tc.Bytes()
			c, err := cab.Open("q.cab", bytes.NewReader(raw), int64(len(raw)), cab.Options{})
			if err != nil {
				t.Fatal(err)
			}
			d, err := folder.Open(c.Folders[0], folder.Options{})
			if err != nil {
				t.Fatal(err)
			}
			defer d.Close()
			got, err := d.Decompress(c.Files[0])
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, want) {
				t.Errorf("decoded %d bytes, want %d, first difference at %d", len(got), len(want), firstDiff(got, want))
			}
		})
	}
}

func firstDiff(a, b []byte) int {
	for i := range min(len(a), len(b)) {
		if a[i] != b[i] {
			return i
		}
	}
	return min(len(a), len(b))
}

package bitstream

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
	"testing/iotest"

	"github.com/elliotnunn/mscab/internal/mserror"
)

func TestOrders(t *testing.T) {
	input := []byte{0xb4, 0x5a, 0x01, 0xff}
	cases := []struct {
		order Order
		reads []int
		want  []uint32
	}{
		{LSB, []int{4, 4, 8, 1, 7, 8}, []uint32{0x4, 0xb, 0x5a, 1, 0, 0xff}},
		{MSB, []int{4, 4, 8, 1, 7, 8}, []uint32{0xb, 0x4, 0x5a, 0, 1, 0xff}},
		{MSB16, []int{4, 12, 16}, []uint32{0x5, 0xab4, 0xff01}},
		{MSB, []int{32}, []uint32{0xb45a01ff}},
		{LSB, []int{32}, []uint32{0xff015ab4}},
	}
	for _, c := range cases {
		t.Run(fmt.Sprint(c.order, c.reads), func(t *testing.T) {
			// one byte at a time to make refills happen mid-field
			r := NewReader(iotest.OneByteReader(bytes.NewReader(input)), c.order, 2)
			for i, n := range c.reads {
				got, err := r.Read(n)
				if err != nil {
					t.Fatal(err)
				}
				if got != c.want[i] {
					t.Errorf("read %d of %d bits: got %#x want %#x", i, n, got, c.want[i])
				}
			}
		})
	}
}

func TestPadding(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte{0xff}), MSB, 16)
	if v, err := r.Read(8); err != nil || v != 0xff {
		t.Fatal(v, err)
	}
	// two phantom zero bytes are allowed past the end
	if v, err := r.Read(16); err != nil || v != 0 {
		t.Fatal(v, err)
	}
	if _, err := r.Read(1); !errors.Is(err, mserror.ErrRead) {
		t.Fatalf("expected read error, got %v", err)
	}
}

func TestErrorPassThrough(t *testing.T) {
	want := mserror.New(mserror.Checksum, "block", "mismatch")
	r := NewReader(iotest.ErrReader(want), LSB, 16)
	_, err := r.Read(1)
	if !errors.Is(err, mserror.ErrChecksum) {
		t.Fatalf("got %v", err)
	}

	r = NewReader(iotest.ErrReader(errors.New("disk on fire")), LSB, 16)
	_, err = r.Read(1)
	if !errors.Is(err, mserror.ErrRead) {
		t.Fatalf("got %v", err)
	}
}

func TestAlignAndRaw(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte{0xff, 0x12, 0x34, 0x56}), LSB, 4)
	if _, err := r.Read(3); err != nil {
		t.Fatal(err)
	}
	r.Align()
	if r.BitsLeft() != 0 {
		t.Fatalf("%d bits left after align", r.BitsLeft())
	}
	b, err := r.RawByte()
	if err != nil || b != 0x12 {
		t.Fatal(b, err)
	}
	p, err := r.RawBytes(10)
	if err != nil || !bytes.Equal(p, []byte{0x34, 0x56}) {
		t.Fatalf("%x %v", p, err)
	}
}

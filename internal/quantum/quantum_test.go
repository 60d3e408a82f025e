package quantum

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/elliotnunn/mscab/internal/mserror"
	"github.com/icza/bitio"
)

type insertion struct {
	pos  int // index into the coder's bits
	v    uint32
	bits int
}

// encoder is a Witten-Neal-Cleary arithmetic coder driving the same models
// as the decoder, with raw bits placed where the decoder will read them.
type encoder struct {
	out bytes.Buffer

	low, high uint32
	follow    int
	shifts    int
	coded     []bool
	raw       []insertion

	literal                          [4]model
	pos3, pos4, pos, length, selector model
	todo                             int

	cabinet bool  // leave the trailers to the cabinet reader
	ends    []int // end of each frame in out
}

func newEncoder(windowBits int) *encoder {
	e := &encoder{high: 0xffff, todo: FrameSize}
	n := windowBits * 2
	for i := range e.literal {
		e.literal[i] = newModel(i*64, 64)
	}
	e.pos3 = newModel(0, min(n, 24))
	e.pos4 = newModel(0, min(n, 36))
	e.pos = newModel(0, n)
	e.length = newModel(0, numLengths)
	e.selector = newModel(0, 7)
	return e
}

func (e *encoder) bit(b bool) {
	e.coded = append(e.coded, b)
	for ; e.follow > 0; e.follow-- {
		e.coded = append(e.coded, !b)
	}
}

func (e *encoder) symbol(m *model, sym int) {
	k := 0
	for int(m.syms[k].sym) != sym {
		k++
	}
	rng := e.high - e.low + 1
	total := uint32(m.syms[0].cumfreq)
	e.high = e.low + uint32(m.syms[k].cumfreq)*rng/total - 1
	e.low = e.low + uint32(m.syms[k+1].cumfreq)*rng/total
	m.bump(k)

	for {
		switch {
		case e.high < 0x8000:
			e.bit(false)
		case e.low >= 0x8000:
			e.bit(true)
			e.low -= 0x8000
			e.high -= 0x8000
		case e.low >= 0x4000 && e.high < 0xc000:
			e.follow++
			e.low -= 0x4000
			e.high -= 0x4000
		default:
			return
		}
		e.low <<= 1
		e.high = e.high<<1 | 1
		e.shifts++
	}
}

func (e *encoder) extra(v uint32, bits int) {
	if bits > 0 {
		e.raw = append(e.raw, insertion{16 + e.shifts, v, bits})
	}
}

func (e *encoder) literalByte(b byte) {
	e.symbol(&e.selector, int(b>>6))
	e.symbol(&e.literal[b>>6], int(b))
	e.advance(1)
}

func slotOf(bases []int, v int) int {
	s := 0
	for s+1 < len(bases) && bases[s+1] <= v {
		s++
	}
	return s
}

func (e *encoder) match(offset, length int) {
	var m *model
	switch {
	case length == 3:
		e.symbol(&e.selector, 4)
		m = &e.pos3
	case length == 4:
		e.symbol(&e.selector, 5)
		m = &e.pos4
	default:
		e.symbol(&e.selector, 6)
		s := slotOf(lengthBase[:], length-5)
		e.symbol(&e.length, s)
		e.extra(uint32(length-5-lengthBase[s]), int(lengthExtra[s]))
		m = &e.pos
	}
	s := slotOf(positionBase[:], offset-1)
	e.symbol(m, s)
	e.extra(uint32(offset-1-positionBase[s]), int(extraBits[s]))
	e.advance(length)
}

func (e *encoder) advance(n int) {
	e.todo -= n
	if e.todo < 0 {
		panic("match crosses a frame")
	}
	if e.todo == 0 {
		e.flush(!e.cabinet)
		e.ends = append(e.ends, e.out.Len())
		e.todo = FrameSize
	}
}

// flush ends the coder's frame, pads it out to what the decoder will have
// read ahead, and optionally appends the frame trailer.
func (e *encoder) flush(trailerByte bool) {
	e.follow++
	e.bit(e.low >= 0x4000)
	for len(e.coded) < 16+e.shifts {
		e.coded = append(e.coded, false)
	}

	w := bitio.NewWriter(&e.out)
	i := 0
	for _, r := range e.raw {
		for ; i < r.pos; i++ {
			w.WriteBool(e.coded[i])
		}
		w.WriteBits(uint64(r.v), uint8(r.bits))
	}
	for ; i < len(e.coded); i++ {
		w.WriteBool(e.coded[i])
	}
	w.Close()
	if trailerByte {
		e.out.WriteByte(trailer)
	}

	e.low, e.high, e.follow, e.shifts = 0, 0xffff, 0, 0
	e.coded, e.raw = nil, nil
}

func (e *encoder) bytes() []byte {
	if e.todo != FrameSize {
		e.flush(false)
		e.ends = append(e.ends, e.out.Len())
		e.todo = FrameSize
	}
	return e.out.Bytes()
}

// script makes random literals and matches, returning the encoded stream
// and the output it should decode to.
func script(t *testing.T, seed uint64, windowBits, size int) ([]byte, []byte) {
	t.Helper()
	e := newEncoder(windowBits)
	want := e.script(seed, windowBits, size)
	return e.bytes(), want
}

func (e *encoder) script(seed uint64, windowBits, size int) []byte {
	rng := rand.New(rand.NewPCG(seed, seed))
	maxOffset := min(1<<windowBits, positionBase[min(2*windowBits, 24)-1]+1<<extraBits[min(2*windowBits, 24)-1])

	var want []byte
	for len(want) < size {
		room := min(size-len(want), e.todo)
		if len(want) < 4 || rng.IntN(3) == 0 || room < 3 {
			b := byte(rng.IntN(256))
			if rng.IntN(2) == 0 {
				b = "abcdefgh"[rng.IntN(8)] // mostly in one literal model
			}
			e.literalByte(b)
			want = append(want, b)
			continue
		}
		length := 3 + rng.IntN(min(room, 259)-2)
		if rng.IntN(2) == 0 {
			length = min(3+rng.IntN(3), room)
		}
		offset := 1 + rng.IntN(min(len(want), maxOffset))
		e.match(offset, length)
		for range length {
			want = append(want, want[len(want)-offset])
		}
	}
	return want
}

func decode(in []byte, windowBits int, requests ...int64) ([]byte, error) {
	out := new(bytes.Buffer)
	d, err := New(bytes.NewReader(in), out, windowBits, 512)
	if err != nil {
		return nil, err
	}
	for _, n := range requests {
		if err := d.Decompress(n); err != nil {
			return out.Bytes(), err
		}
	}
	return out.Bytes(), nil
}

func TestTables(t *testing.T) {
	if positionBase[41] != 1572864 || extraBits[41] != 19 {
		t.Errorf("last position slot %d+%d bits", positionBase[41], extraBits[41])
	}
	if positionBase[24] != 4096 || extraBits[24] != 11 {
		t.Errorf("position slot 24 %d+%d bits", positionBase[24], extraBits[24])
	}
}

func TestSingleFrame(t *testing.T) {
	in, want := script(t, 1, 16, 5000)
	got, err := decode(in, 16, int64(len(want)))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("output differs at %d", mismatch(got, want))
	}
}

func TestFramesAndRequests(t *testing.T) {
	in, want := script(t, 2, 16, 80000)
	for _, requests := range [][]int64{
		{80000},
		{1, 79999},
		{32768, 32768, 14464},
		{40000, 1, 1, 39998},
	} {
		t.Run(fmt.Sprint(requests), func(t *testing.T) {
			got, err := decode(in, 16, requests...)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, want) {
				t.Errorf("output differs at %d", mismatch(got, want))
			}
		})
	}
}

func TestSmallWindow(t *testing.T) {
	in, want := script(t, 3, MinWindowBits, 40000)
	got, err := decode(in, MinWindowBits, int64(len(want)))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("output differs at %d", mismatch(got, want))
	}
}

func TestTruncated(t *testing.T) {
	in, want := script(t, 4, 16, 5000)
	_, err := decode(in[:len(in)/3], 16, int64(len(want)))
	if err == nil {
		t.Fatal("truncated stream decoded")
	}
}

func TestWindowBits(t *testing.T) {
	for _, wb := range []int{9, 22} {
		if _, err := New(bytes.NewReader(nil), nil, wb, 0); !errors.Is(err, mserror.ErrArgs) {
			t.Errorf("window bits %d: %v", wb, err)
		}
	}
}

func TestModelRescale(t *testing.T) {
	m := newModel(0, 24)
	rng := rand.New(rand.NewPCG(5, 5))
	for i := range 20000 {
		m.bump(min(rng.IntN(24), rng.IntN(24)))
		if m.syms[0].cumfreq > maxCumFreq {
			t.Fatalf("bump %d: total %d not rescaled", i, m.syms[0].cumfreq)
		}
		if m.syms[m.entries].cumfreq != 0 {
			t.Fatalf("bump %d: terminator changed", i)
		}
		for k := range m.entries {
			if m.syms[k].cumfreq <= m.syms[k+1].cumfreq {
				t.Fatalf("bump %d: entry %d not above the next", i, k)
			}
		}
	}

	seen := make(map[uint16]bool)
	for _, s := range m.syms[:m.entries] {
		seen[s.sym] = true
	}
	if len(seen) != 24 {
		t.Error("sorting lost symbols")
	}
}

func mismatch(a, b []byte) int {
	for i := range min(len(a), len(b)) {
		if a[i] != b[i] {
			return i
		}
	}
	return min(len(a), len(b))
}

package window

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

func TestCopy(t *testing.T) {
	cases := []struct {
		win            string
		dst, offset, n int
		want           string
	}{
		{"abcd....", 4, 4, 4, "abcdabcd"},
		{"ab......", 2, 1, 6, "abbbbbbb"}, // overlapping run
		{"ab....yz", 2, 4, 3, "abyza.yz"}, // source wraps, two runs
		{"ab....yz", 2, 3, 2, "abza..yz"},
		{"..cd..yz", 2, 8, 2, "..cd..yz"}, // whole window back
	}
	for _, c := range cases {
		t.Run(fmt.Sprint(c.win, c.dst, c.offset, c.n), func(t *testing.T) {
			win := []byte(c.win)
			if err := Copy(win, c.dst, c.offset, c.n); err != nil {
				t.Fatal(err)
			}
			if string(win) != c.want {
				t.Errorf("got %q want %q", win, c.want)
			}
		})
	}
}

func TestCopyBounds(t *testing.T) {
	win := make([]byte, 8)
	if err := Copy(win, 2, 11, 1); !errors.Is(err, ErrOffset) {
		t.Error("offset beyond the window should fail", err)
	}
	if err := Copy(win, 6, 1, 3); !errors.Is(err, ErrOffset) {
		t.Error("destination past the end should fail", err)
	}
}

func TestCopyMasked(t *testing.T) {
	win := []byte("abcdefgh")
	CopyMasked(win, 6, 1, 4) // destination wraps to the start
	if !bytes.Equal(win, []byte("decdefbc")) {
		t.Errorf("got %q", win)
	}
}

// Package window copies LZ77 matches inside a circular history buffer.
package window

import "errors"

var ErrOffset = errors.New("window: match offset beyond window")

// Copy writes n bytes at win[dst:], taking each from offset bytes earlier.
// When offset reaches back past the physical start of win, the source
// continues from the end of win, so the copy happens in two runs.
// The destination range must fit before the end of win.
//
// Copies go byte by byte because a match may overlap its own output.
func Copy(win []byte, dst, offset, n int) error {
	if dst+n > len(win) || offset <= 0 {
		return ErrOffset
	}
	if offset <= dst {
		src := dst - offset
		for i := range n {
			win[dst+i] = win[src+i]
		}
		return nil
	}

	back := offset - dst // bytes between the source and the end of win
	if back > len(win) {
		return ErrOffset
	}
	src := len(win) - back
	if back < n {
		for i := range back {
			win[dst+i] = win[src+i]
		}
		dst, n, src = dst+back, n-back, 0
	}
	for i := range n {
		win[dst+i] = win[src+i]
	}
	return nil
}

// CopyMasked writes n bytes starting at win[dst], taking them from win[src],
// with both positions wrapping at len(win), which must be a power of two.
func CopyMasked(win []byte, dst, src, n int) {
	mask := len(win) - 1
	for range n {
		win[dst&mask] = win[src&mask]
		dst++
		src++
	}
}

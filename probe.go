package main

import (
	"bytes"
	"io"
	"os"
	"slices"

	"github.com/therootcompany/xz"
)

// input is an opened cabinet file, or the decompressed contents of an xz
// file holding one.
type input struct {
	r    io.ReaderAt
	size int64
	f    *os.File
}

func (in *input) Close() error {
	if in.f == nil {
		return nil
	}
	return in.f.Close()
}

func openInput(name string) (*input, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	var header []byte
	var accessError error
	matchAt := func(s string, offset int) bool {
		if len(header) < offset+len(s) && len(header) == cap(header) {
			target := (offset + len(s) + 63) &^ 63
			header = slices.Grow(header, target-len(header))
			n, err := f.ReadAt(header[len(header):cap(header)], int64(len(header)))
			if err != nil && err != io.EOF && accessError == nil {
				accessError = err
			}
			header = header[:len(header)+n]
		}
		return len(header) >= offset+len(s) && string(header[offset:][:len(s)]) == s
	}

	switch {
	case matchAt("\xfd7zXZ\x00", 0): // xz
		defer f.Close()
		zr, err := xz.NewReader(io.NewSectionReader(f, 0, st.Size()), xz.DefaultDictMax)
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(zr)
		if err != nil {
			return nil, err
		}
		return &input{r: bytes.NewReader(data), size: int64(len(data))}, nil
	case accessError != nil:
		f.Close()
		return nil, accessError
	}
	return &input{r: f, size: st.Size(), f: f}, nil
}

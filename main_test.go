package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/elliotnunn/mscab/internal/cab"
	"github.com/elliotnunn/mscab/internal/cab/cabtest"
	"github.com/klauspost/compress/flate"
)

// writeSet writes a two-cabinet set whose second folder is split between
// the cabinets. The second cabinet's name differs in case from the name
// the first one gives it.
func writeSet(t *testing.T) (dir string) {
	t.Helper()
	dir = t.TempDir()
	a := (&cabtest.Cabinet{
		SetID: 9,
		Next:  "b.cab",
		Folders: []cabtest.Folder{
			{Blocks: cabtest.Stored([]byte("first"))},
			{Blocks: []cabtest.Block{{Data: []byte("0123456789"), Size: 10}, {Data: []byte("abc"), Size: 0}}},
		},
		Files: []cabtest.File{
			{Name: "one", Folder: 0, Length: 5},
			{Name: `sub\two`, Folder: 1, Length: 4},
			{Name: "Three", Folder: cabtest.ToNext, Offset: 4, Length: 10},
		},
	}).Bytes()
	b := (&cabtest.Cabinet{
		SetID: 9,
		Index: 1,
		Prev:  "a.cab",
		Folders: []cabtest.Folder{
			{Blocks: []cabtest.Block{{Data: []byte("defg"), Size: 7}, {Data: []byte("tail"), Size: 4}}},
		},
		Files: []cabtest.File{
			{Name: "Three", Folder: cabtest.FromPrev, Offset: 4, Length: 10},
			{Name: "four", Folder: 0, Offset: 14, Length: 7},
		},
	}).Bytes()
	if err := os.WriteFile(filepath.Join(dir, "a.cab"), a, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "B.CAB"), b, 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

var want = map[string]string{
	"one":     "first",
	"sub/two": "0123",
	"Three":   "456789abcd",
	"four":    "efgtail",
}

func runOK(t *testing.T, args ...string) string {
	t.Helper()
	var stdout, stderr bytes.Buffer
	if code := run(args, &stdout, &stderr); code != 0 {
		t.Fatalf("mscab %s: exit %d\n%s", strings.Join(args, " "), code, stderr.String())
	}
	return stdout.String()
}

func TestExtract(t *testing.T) {
	dir := writeSet(t)
	out := t.TempDir()
	// the second cabinet is reached through the first, so naming it again
	// must not extract its files twice
	runOK(t, "-d", out, filepath.Join(dir, "a.cab"), filepath.Join(dir, "B.CAB"))

	for name, content := range want {
		got, err := os.ReadFile(filepath.Join(out, filepath.FromSlash(name)))
		if err != nil {
			t.Error(err)
		} else if string(got) != content {
			t.Errorf("%s: got %q want %q", name, got, content)
		}
	}
}

func TestStartFromSecond(t *testing.T) {
	dir := writeSet(t)
	out := t.TempDir()
	runOK(t, "-L", "-d", out, filepath.Join(dir, "B.CAB"))

	got, err := os.ReadFile(filepath.Join(out, "three"))
	if err != nil || string(got) != want["Three"] {
		t.Errorf("got %q, %v", got, err)
	}
}

func TestList(t *testing.T) {
	dir := writeSet(t)
	listing := runOK(t, "-l", filepath.Join(dir, "a.cab"))
	for name, content := range want {
		line := fmt.Sprintf("%10d | ", len(content))
		if !strings.Contains(listing, line) || !strings.Contains(listing, "| "+name+"\n") {
			t.Errorf("listing lacks %s:\n%s", name, listing)
		}
	}
}

func TestDigests(t *testing.T) {
	dir := writeSet(t)
	digests := runOK(t, "-t", filepath.Join(dir, "a.cab"))
	for name, content := range want {
		line := fmt.Sprintf("%016x  %s\n", xxhash.Sum64String(content), name)
		if !strings.Contains(digests, line) {
			t.Errorf("missing %q in:\n%s", line, digests)
		}
	}
}

func TestFilter(t *testing.T) {
	dir := writeSet(t)
	got := runOK(t, "-p", "-F", "**/t*", filepath.Join(dir, "a.cab"))
	if got != "0123456789abcd" {
		t.Errorf("got %q", got)
	}
}

// writeMSZIP writes a cabinet with one MSZIP folder of two blocks, each
// block primed with the one before, and returns the folder's contents.
func writeMSZIP(t *testing.T) (name string, data []byte) {
	t.Helper()
	for i := 0; len(data) < cab.BlockMax+20000; i++ {
		data = fmt.Appendf(data, "line %d of a file that compresses well\n", i%500)
	}
	var blocks []cabtest.Block
	var dict []byte
	for rest := data; len(rest) > 0; {
		n := min(len(rest), cab.BlockMax)
		b := bytes.NewBufferString("CK")
		w, err := flate.NewWriterDict(b, flate.DefaultCompression, dict)
		if err != nil {
			t.Fatal(err)
		}
		w.Write(rest[:n])
		if err := w.Close(); err != nil {
			t.Fatal(err)
		}
		blocks = append(blocks, cabtest.Block{Data: b.Bytes(), Size: n})
		dict, rest = rest[:n], rest[n:]
	}

	half := uint32(len(data) / 2)
	c := (&cabtest.Cabinet{
		Folders: []cabtest.Folder{{Compression: uint16(cab.MSZIP), Blocks: blocks}},
		Files: []cabtest.File{
			{Name: "first", Length: half},
			{Name: "second", Offset: half, Length: uint32(len(data)) - half},
		},
	}).Bytes()
	name = filepath.Join(t.TempDir(), "zip.cab")
	if err := os.WriteFile(name, c, 0o644); err != nil {
		t.Fatal(err)
	}
	return name, data
}

func TestMSZIP(t *testing.T) {
	name, data := writeMSZIP(t)
	if got := runOK(t, "-p", name); got != string(data) {
		t.Errorf("piped %d bytes, want %d", len(got), len(data))
	}

	half := len(data) / 2
	digests := runOK(t, "-t", name)
	for _, line := range []string{
		fmt.Sprintf("%016x  first\n", xxhash.Sum64(data[:half])),
		fmt.Sprintf("%016x  second\n", xxhash.Sum64(data[half:])),
	} {
		if !strings.Contains(digests, line) {
			t.Errorf("missing %q in:\n%s", line, digests)
		}
	}
}

func TestXZ(t *testing.T) {
	got := runOK(t, "-p", filepath.Join("testdata", "hello.cab.xz"))
	if got != "hello, world\n" {
		t.Errorf("got %q", got)
	}
}

func TestNotCabinet(t *testing.T) {
	name := filepath.Join(t.TempDir(), "junk")
	os.WriteFile(name, bytes.Repeat([]byte("not a cabinet "), 100), 0o644)
	var stdout, stderr bytes.Buffer
	if code := run([]string{"-l", name}, &stdout, &stderr); code != 1 {
		t.Errorf("exit %d", code)
	}
}

func TestSafePath(t *testing.T) {
	cases := []struct{ name, want string }{
		{"a/b", "a/b"},
		{"/abs/file", "abs/file"},
		{"../../etc/passwd", "etc/passwd"},
		{"a/../../b", "b"},
		{"./x", "x"},
	}
	for _, c := range cases {
		got, err := safePath("out", c.name)
		if err != nil || got != filepath.Join("out", filepath.FromSlash(c.want)) {
			t.Errorf("safePath(%q) = %q, %v", c.name, got, err)
		}
	}
	if _, err := safePath("out", "../.."); err == nil {
		t.Error("expected an error for a name with nothing left")
	}
}

package fileid

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestGet(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.cab")
	b := filepath.Join(dir, "b.cab")
	for _, name := range []string{a, b} {
		if err := os.WriteFile(name, []byte("MSCF"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	ida, err := Get(a)
	if errors.Is(err, ErrNotOS) {
		t.Skip(err)
	} else if err != nil {
		t.Fatal(err)
	}
	again, err := Get(filepath.Join(dir, ".", "a.cab"))
	if err != nil {
		t.Fatal(err)
	}
	idb, err := Get(b)
	if err != nil {
		t.Fatal(err)
	}

	if ida != again {
		t.Errorf("same file, different IDs: %x %x", ida, again)
	}
	if ida == idb {
		t.Errorf("different files, same ID: %x", ida)
	}
	if _, err := Get(filepath.Join(dir, "missing.cab")); err == nil {
		t.Error("expected an error for a missing file")
	}
}

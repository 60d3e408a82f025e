package main

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/cespare/xxhash/v2"
	"github.com/elliotnunn/mscab/internal/cab"
	"github.com/elliotnunn/mscab/internal/decompressioncache"
	"github.com/elliotnunn/mscab/internal/fileid"
	"github.com/elliotnunn/mscab/internal/folder"
	"github.com/elliotnunn/mscab/internal/spinner"
)

const frameShift = 15 // one frame per uncompressed block

type extractor struct {
	cfg     config
	out     io.Writer
	cabOpts cab.Options
	pool    *spinner.Pool
	store   decompressioncache.Store
	seen    map[fileid.ID]bool
	inputs  []*input // closed when the argument is done
	errors  int
}

func newExtractor(cfg config, out io.Writer) (*extractor, error) {
	if cfg.filter != "" && !doublestar.ValidatePattern(cfg.filter) {
		return nil, fmt.Errorf("bad filter pattern %q", cfg.filter)
	}

	var store decompressioncache.Store
	var err error
	if dir := cacheDir(); dir != "" {
		store, err = decompressioncache.OpenDisk(dir, nil)
	} else {
		store, err = decompressioncache.NewMemory(max(memLimit>>21, 1), 1<<frameShift)
	}
	if err != nil {
		return nil, err
	}

	fopts := folder.Options{Salvage: cfg.fix, FixMSZIP: cfg.fix}
	frames := max(memLimit>>1>>frameShift, 16)
	return &extractor{
		cfg:     cfg,
		out:     out,
		cabOpts: cab.Options{Salvage: cfg.fix},
		pool:    spinner.New(frameShift, frames, 16, spinner.Options{Folder: fopts, Store: store}),
		store:   store,
		seen:    make(map[fileid.ID]bool),
	}, nil
}

func (x *extractor) Close() error {
	return x.store.Close()
}

func (x *extractor) fail(name string, err error) {
	slog.Error("failed", "name", name, "err", err)
	x.errors++
}

// markSeen reports whether the file was already processed, perhaps as part
// of an earlier cabinet set.
func (x *extractor) markSeen(name string) bool {
	id, err := fileid.Get(name)
	if err != nil {
		slog.Debug("noFileID", "name", name, "err", err)
		return false
	}
	if x.seen[id] {
		return true
	}
	x.seen[id] = true
	return false
}

func (x *extractor) process(name string) {
	if x.markSeen(name) {
		slog.Debug("cabAlreadyDone", "name", name)
		return
	}
	defer x.closeInputs()

	in, err := openInput(name)
	if err != nil {
		x.fail(name, err)
		return
	}
	x.inputs = append(x.inputs, in)

	cabs, err := cab.Search(name, in.r, in.size, x.cabOpts)
	if err != nil {
		x.fail(name, err)
		return
	}
	open := x.opener(filepath.Dir(name))
	for _, c := range cabs {
		s := cab.NewSet(c)
		s.Link(open, x.cabOpts)
		x.set(s)
	}
}

func (x *extractor) closeInputs() {
	for _, in := range x.inputs {
		in.Close()
	}
	x.inputs = nil
}

// opener finds the other cabinets of a set in dir, ignoring case as the
// names were likely written on a case-insensitive system.
func (x *extractor) opener(dir string) cab.Opener {
	return func(name string) (io.ReaderAt, int64, error) {
		base := filepath.Base(filepath.FromSlash(strings.ReplaceAll(name, `\`, "/")))
		path := filepath.Join(dir, base)
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			ents, _ := os.ReadDir(dir)
			for _, e := range ents {
				if strings.EqualFold(e.Name(), base) {
					path = filepath.Join(dir, e.Name())
					break
				}
			}
		}
		x.markSeen(path)
		in, err := openInput(path)
		if err != nil {
			return nil, 0, err
		}
		x.inputs = append(x.inputs, in)
		return in.r, in.size, nil
	}
}

func (x *extractor) set(s *cab.Set) {
	order := make(map[*cab.Folder]int)
	sizes := make(map[*cab.Folder]int64)
	for i, f := range s.Folders {
		order[f] = i
	}
	for _, f := range s.Files {
		sizes[f.Folder] = max(sizes[f.Folder], f.Offset+f.Length)
	}

	// folder order, then stream order, so that each folder is decoded once
	files := slices.Clone(s.Files)
	slices.SortStableFunc(files, func(a, b *cab.File) int {
		if c := order[a.Folder] - order[b.Folder]; c != 0 {
			return c
		}
		return cmp.Compare(a.Offset, b.Offset)
	})

	if x.cfg.list {
		fmt.Fprintf(x.out, "Viewing cabinet: %s\n", s.Cabinets[0].Name)
		fmt.Fprintf(x.out, " File size | Date       Time     | Name\n")
		fmt.Fprintf(x.out, "-----------+---------------------+-------------\n")
	}
	for _, f := range files {
		name := x.outputName(f.Name)
		if x.cfg.filter != "" {
			ok, err := doublestar.Match(strings.ToLower(x.cfg.filter), strings.ToLower(name))
			if err != nil || !ok {
				continue
			}
		}
		if x.cfg.list {
			fmt.Fprintf(x.out, "%10d | %s | %s\n", f.Length, f.Modified.Format("02.01.2006 15:04:05"), name)
			continue
		}
		if err := x.file(f, name, sizes[f.Folder]); err != nil {
			x.fail(name, err)
		}
	}
	if x.cfg.list {
		fmt.Fprintln(x.out)
	}
}

func (x *extractor) outputName(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	if x.cfg.lower {
		name = strings.ToLower(name)
	}
	return name
}

func (x *extractor) file(f *cab.File, name string, folderSize int64) error {
	r := io.NewSectionReader(x.pool.ReaderAt(f.Folder, folderSize), f.Offset, f.Length)

	var n int64
	var err error
	switch {
	case x.cfg.test:
		h := xxhash.New()
		n, err = io.Copy(h, r)
		if err == nil {
			fmt.Fprintf(x.out, "%016x  %s\n", h.Sum64(), name)
		}
	case x.cfg.pipe:
		n, err = io.Copy(x.out, r)
	default:
		n, err = x.writeFile(r, name)
	}
	if err != nil {
		return err
	}
	if n < f.Length {
		slog.Warn("fileTruncated", "name", name, "want", f.Length, "got", n)
	}
	return nil
}

func (x *extractor) writeFile(r io.Reader, name string) (int64, error) {
	path, err := safePath(x.cfg.dir, name)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, err
	}
	w, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(w, r)
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		slog.Info("extracted", "name", path, "size", n)
	}
	return n, err
}

// safePath keeps a slash-separated name from escaping dir.
func safePath(dir, name string) (string, error) {
	var parts []string
	for _, p := range strings.Split(name, "/") {
		switch p {
		case "", ".":
		case "..":
			if len(parts) > 0 {
				parts = parts[:len(parts)-1]
			}
		default:
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("%q has no usable name", name)
	}
	return filepath.Join(append([]string{dir}, parts...)...), nil
}

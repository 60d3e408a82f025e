package cab

import (
	"io"
	"log/slog"
	"slices"

	"github.com/elliotnunn/mscab/internal/mserror"
)

// Set is a chain of cabinets whose split folders have been joined.
type Set struct {
	Cabinets []*Cabinet
	Folders  []*Folder
	Files    []*File
}

func NewSet(c *Cabinet) *Set {
	return &Set{
		Cabinets: []*Cabinet{c},
		Folders:  slices.Clone(c.Folders),
		Files:    slices.Clone(c.Files),
	}
}

// Append joins c after the last cabinet of the set.
func (s *Set) Append(c *Cabinet) error {
	if slices.Contains(s.Cabinets, c) {
		return mserror.New(mserror.Args, "cab", "%s is already in the set", c.Name)
	}
	left := s.Cabinets[len(s.Cabinets)-1]
	warnOrder(left, c)
	folders, files, err := join(s.Folders, s.Files, c.Folders, c.Files)
	if err != nil {
		return err
	}
	s.Cabinets = append(s.Cabinets, c)
	s.Folders, s.Files = folders, files
	return nil
}

// Prepend joins c before the first cabinet of the set.
func (s *Set) Prepend(c *Cabinet) error {
	if slices.Contains(s.Cabinets, c) {
		return mserror.New(mserror.Args, "cab", "%s is already in the set", c.Name)
	}
	warnOrder(c, s.Cabinets[0])
	folders, files, err := join(c.Folders, c.Files, s.Folders, s.Files)
	if err != nil {
		return err
	}
	s.Cabinets = append([]*Cabinet{c}, s.Cabinets...)
	s.Folders, s.Files = folders, files
	return nil
}

func warnOrder(left, right *Cabinet) {
	if left.SetID != right.SetID {
		slog.Warn("cabSetMismatch", "left", left.Name, "right", right.Name, "leftID", left.SetID, "rightID", right.SetID)
	}
	if left.Index > right.Index {
		slog.Warn("cabSetOrder", "left", left.Name, "right", right.Name)
	}
}

// join concatenates two folder and file lists. If the last folder on the
// left continues into the first folder on the right, the two become one
// folder and the right's copies of the continued files are dropped.
func join(lfolders []*Folder, lfiles []*File, rfolders []*Folder, rfiles []*File) ([]*Folder, []*File, error) {
	lfol := lfolders[len(lfolders)-1]
	rfol := rfolders[0]

	if len(lfol.nextFiles) == 0 && len(rfol.prevFiles) == 0 {
		return slices.Concat(lfolders, rfolders), slices.Concat(lfiles, rfiles), nil
	}
	if err := canMerge(lfol, rfol); err != nil {
		return nil, nil, err
	}

	merged := *lfol
	merged.Spans = slices.Concat(lfol.Spans, rfol.Spans)
	merged.Blocks = lfol.Blocks + rfol.Blocks - 1 // the split block is counted on both sides
	if len(rfolders) > 1 || len(rfol.nextFiles) == 0 {
		merged.nextFiles = rfol.nextFiles
	}
	// Otherwise the right folder carries on into yet another cabinet, and
	// the left's entries of the continued files are the ones kept.

	moved := make(map[*File]*File)
	repoint := func(f *File) *File {
		if f.Folder != lfol && f.Folder != rfol {
			return f
		}
		g := *f
		g.Folder = &merged
		moved[f] = &g
		return &g
	}

	var files []*File
	for _, f := range lfiles {
		files = append(files, repoint(f))
	}
	for _, f := range rfiles {
		if !slices.Contains(rfol.prevFiles, f) {
			files = append(files, repoint(f))
		}
	}

	fix := func(list []*File) []*File {
		var out []*File
		for _, f := range list {
			if g, ok := moved[f]; ok {
				out = append(out, g)
			}
		}
		return out
	}
	merged.prevFiles = fix(merged.prevFiles)
	merged.nextFiles = fix(merged.nextFiles)

	folders := slices.Concat(lfolders[:len(lfolders)-1], []*Folder{&merged}, rfolders[1:])
	return folders, files, nil
}

func canMerge(lfol, rfol *Folder) error {
	if lfol.Compression != rfol.Compression {
		return mserror.New(mserror.DataFormat, "cab", "continued folder changes compression from %v to %v", lfol.Compression, rfol.Compression)
	}
	if lfol.Blocks+rfol.Blocks > FolderMax {
		return mserror.New(mserror.DataFormat, "cab", "too many data blocks in merged folder")
	}
	if len(lfol.nextFiles) == 0 || len(rfol.prevFiles) == 0 {
		return mserror.New(mserror.DataFormat, "cab", "folder continuation is only marked on one side")
	}

	same := func(l, r *File) bool { return l.Offset == r.Offset && l.Length == r.Length }
	if len(rfol.prevFiles) >= len(lfol.nextFiles) {
		identical := true
		for i, l := range lfol.nextFiles {
			if !same(l, rfol.prevFiles[i]) {
				identical = false
				break
			}
		}
		if identical {
			return nil
		}
	}

	// At least one continued file must be on both sides
	matched := false
	for _, l := range lfol.nextFiles {
		if slices.ContainsFunc(rfol.prevFiles, func(r *File) bool { return same(l, r) }) {
			matched = true
		} else {
			slog.Warn("cabMergeMissing", "file", l.Name)
		}
	}
	if !matched {
		return mserror.New(mserror.DataFormat, "cab", "continued files do not match across cabinets")
	}
	return nil
}

// Opener returns the contents of a cabinet named in another cabinet's header.
type Opener func(name string) (r io.ReaderAt, size int64, err error)

// OpenSet opens a cabinet and then follows its previous and next cabinet
// names as far as open can find them.
func OpenSet(name string, open Opener, opts Options) (*Set, error) {
	r, size, err := open(name)
	if err != nil {
		return nil, err
	}
	first, err := Open(name, r, size, opts)
	if err != nil {
		return nil, err
	}
	s := NewSet(first)
	s.Link(open, opts)
	return s, nil
}

// Link follows the previous and next cabinet names of the ends of the set.
// A missing cabinet ends the search in that direction with a warning;
// folders that needed it stay unusable.
func (s *Set) Link(open Opener, opts Options) {
	seen := make(map[string]bool)
	for _, c := range s.Cabinets {
		seen[c.Name] = true
	}

	for c := s.Cabinets[0]; c.Flags&FlagPrevCabinet != 0 && !seen[c.PrevName]; {
		seen[c.PrevName] = true
		prev, err := openLinked(c.PrevName, open, opts)
		if err == nil {
			err = s.Prepend(prev)
		}
		if err != nil {
			slog.Warn("cabSetPrev", "cabinet", c.Name, "prev", c.PrevName, "err", err)
			break
		}
		c = prev
	}

	for c := s.Cabinets[len(s.Cabinets)-1]; c.Flags&FlagNextCabinet != 0 && !seen[c.NextName]; {
		seen[c.NextName] = true
		next, err := openLinked(c.NextName, open, opts)
		if err == nil {
			err = s.Append(next)
		}
		if err != nil {
			slog.Warn("cabSetNext", "cabinet", c.Name, "next", c.NextName, "err", err)
			break
		}
		c = next
	}
}

func openLinked(name string, open Opener, opts Options) (*Cabinet, error) {
	r, size, err := open(name)
	if err != nil {
		return nil, err
	}
	return Open(name, r, size, opts)
}

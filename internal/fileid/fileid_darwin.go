package fileid

import (
	"os"
	"syscall"
)

func Get(name string) (ID, error) {
	inf, err := os.Lstat(name)
	if err != nil {
		return ID{}, err
	}
	stat, ok := inf.Sys().(*syscall.Stat_t)
	if !ok {
		return ID{}, ErrNotOS
	}
	return makeID(stat.Ino, uint64(stat.Dev), stat.Birthtimespec.Sec, uint32(stat.Birthtimespec.Nsec), name), nil
}
